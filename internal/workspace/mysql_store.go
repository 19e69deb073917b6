package workspace

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "IntentFlow/internal/errors"
)

// MySQLStore 是 Store 的 MySQL 实现。
// (workspace_id, clerk_user_id) 的唯一约束由数据库保证。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 基于已建立的数据库连接构造存储并确保表结构存在。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接不能为空")
	}
	const ddl = `CREATE TABLE IF NOT EXISTS workspace_members (
        workspace_id VARCHAR(64) NOT NULL,
        clerk_user_id VARCHAR(128) NOT NULL,
        role VARCHAR(16) NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (workspace_id, clerk_user_id)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	if _, err := db.Exec(ddl); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化成员表失败")
	}
	return &MySQLStore{db: db}, nil
}

// AddMember 写入成员记录。
func (s *MySQLStore) AddMember(ctx context.Context, member *Member) error {
	if member == nil || member.WorkspaceID == "" || member.ClerkUserID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "成员记录缺少工作区或用户标识")
	}
	if !IsValidRole(member.Role) {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的成员角色: "+string(member.Role))
	}
	now := time.Now().Unix()
	const stmt = `INSERT INTO workspace_members
        (workspace_id, clerk_user_id, role, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		member.WorkspaceID, member.ClerkUserID, string(member.Role), now, now); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrMemberExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入成员记录失败")
	}
	return nil
}

// GetMember 返回指定成员记录。
func (s *MySQLStore) GetMember(ctx context.Context, workspaceID, clerkUserID string) (*Member, error) {
	const stmt = `SELECT workspace_id, clerk_user_id, role, created_at, updated_at
        FROM workspace_members WHERE workspace_id = ? AND clerk_user_id = ?`
	row := s.db.QueryRowContext(ctx, stmt, workspaceID, clerkUserID)
	member, err := scanMember(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询成员记录失败")
	}
	return member, nil
}

// ListMembers 返回工作区的全部成员。
func (s *MySQLStore) ListMembers(ctx context.Context, workspaceID string) ([]*Member, error) {
	const stmt = `SELECT workspace_id, clerk_user_id, role, created_at, updated_at
        FROM workspace_members WHERE workspace_id = ? ORDER BY clerk_user_id`
	rows, err := s.db.QueryContext(ctx, stmt, workspaceID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询成员列表失败")
	}
	defer rows.Close()

	members := make([]*Member, 0, 8)
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描成员记录失败")
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// UpdateRole 修改成员角色。
func (s *MySQLStore) UpdateRole(ctx context.Context, workspaceID, clerkUserID string, role Role) error {
	if !IsValidRole(role) {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的成员角色: "+string(role))
	}
	const stmt = `UPDATE workspace_members SET role = ?, updated_at = ?
        WHERE workspace_id = ? AND clerk_user_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(role), time.Now().Unix(), workspaceID, clerkUserID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新成员角色失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetMember(ctx, workspaceID, clerkUserID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// RemoveMember 删除成员记录。
func (s *MySQLStore) RemoveMember(ctx context.Context, workspaceID, clerkUserID string) error {
	const stmt = `DELETE FROM workspace_members WHERE workspace_id = ? AND clerk_user_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, workspaceID, clerkUserID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除成员记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// Close 由连接的持有方负责关闭数据库。
func (s *MySQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Member, error) {
	var member Member
	var role string
	if err := row.Scan(&member.WorkspaceID, &member.ClerkUserID, &role,
		&member.CreatedAt, &member.UpdatedAt); err != nil {
		return nil, err
	}
	member.Role = Role(role)
	return &member, nil
}
