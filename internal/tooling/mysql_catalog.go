package tooling

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "IntentFlow/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLCatalog 使用 MySQL 保存按工作空间隔离的工具目录。
// (workspace_id, base_url) 唯一索引阻止同一工作空间注册指向同一服务的重复工具。
type MySQLCatalog struct {
	db *sql.DB
}

// NewMySQLCatalog 基于已有连接创建目录。连接的生命周期由调用方管理。
func NewMySQLCatalog(db *sql.DB) (*MySQLCatalog, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	catalog := &MySQLCatalog{db: db}
	if err := catalog.initSchema(); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (c *MySQLCatalog) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS tools (
        workspace_id VARCHAR(64) NOT NULL,
        id VARCHAR(64) NOT NULL,
        name VARCHAR(255) NOT NULL DEFAULT '',
        description TEXT,
        base_url VARCHAR(512) NOT NULL,
        endpoints TEXT,
        pricing_hints TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (workspace_id, id),
        UNIQUE KEY uniq_tools_base_url (workspace_id, base_url)
)`
	if _, err := c.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tools 表失败")
	}
	return nil
}

// Register 注册或更新一个工具。base_url 与其他工具冲突时拒绝。
func (c *MySQLCatalog) Register(ctx context.Context, workspaceID string, tool Tool) error {
	if strings.TrimSpace(tool.ID) == "" || strings.TrimSpace(tool.BaseURL) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具 ID 与 baseUrl 不能为空")
	}
	endpointsJSON, err := json.Marshal(tool.Endpoints)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具端点失败")
	}
	pricingJSON, err := json.Marshal(tool.PricingHints)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具定价失败")
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO tools (workspace_id, id, name, description, base_url, endpoints, pricing_hints, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE name = VALUES(name), description = VALUES(description),
            endpoints = VALUES(endpoints), pricing_hints = VALUES(pricing_hints), updated_at = VALUES(updated_at)`

	if _, err := c.db.ExecContext(ctx, stmt,
		workspaceID,
		tool.ID,
		tool.Name,
		tool.Description,
		tool.BaseURL,
		string(endpointsJSON),
		string(pricingJSON),
		now,
		now,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "工作空间内已存在指向同一 base_url 的工具")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "注册工具失败")
	}
	return nil
}

// List 返回工作空间可见的全部工具。
func (c *MySQLCatalog) List(ctx context.Context, workspaceID string) ([]Tool, error) {
	const stmt = `SELECT id, name, description, base_url, endpoints, pricing_hints
        FROM tools WHERE workspace_id = ? ORDER BY id ASC`

	rows, err := c.db.QueryContext(ctx, stmt, workspaceID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工具目录失败")
	}
	defer rows.Close()

	tools := make([]Tool, 0, 8)
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *tool)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工具目录失败")
	}
	return tools, nil
}

// Get 返回工作空间内的指定工具。
func (c *MySQLCatalog) Get(ctx context.Context, workspaceID, toolID string) (*Tool, error) {
	const stmt = `SELECT id, name, description, base_url, endpoints, pricing_hints
        FROM tools WHERE workspace_id = ? AND id = ?`

	row := c.db.QueryRowContext(ctx, stmt, workspaceID, toolID)
	tool, err := scanTool(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "工具不存在: "+toolID)
		}
		return nil, err
	}
	return tool, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*Tool, error) {
	var tool Tool
	var description, endpointsJSON, pricingJSON sql.NullString
	if err := row.Scan(
		&tool.ID,
		&tool.Name,
		&description,
		&tool.BaseURL,
		&endpointsJSON,
		&pricingJSON,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具记录失败")
	}
	tool.Description = description.String
	if endpointsJSON.Valid && endpointsJSON.String != "" {
		if err := json.Unmarshal([]byte(endpointsJSON.String), &tool.Endpoints); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具端点失败")
		}
	}
	if pricingJSON.Valid && pricingJSON.String != "" {
		if err := json.Unmarshal([]byte(pricingJSON.String), &tool.PricingHints); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具定价失败")
		}
	}
	return &tool, nil
}

var _ Catalog = (*MySQLCatalog)(nil)
