package event

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

// MySQLLog 将事件追加写入 MySQL。run_events 上的唯一索引 (run_id, seq)
// 保证了并发写入者不可能产生重复序号：失败方重读最大序号后重试。
type MySQLLog struct {
	db *sql.DB
}

// NewMySQLLog 基于已建立的连接构造事件日志。
func NewMySQLLog(db *sql.DB) (*MySQLLog, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLLog{db: db}, nil
}

const appendRetries = 5

// Append 追加事件。序号通过 INSERT ... SELECT MAX(seq)+1 原子分配，
// 唯一索引冲突时重试。
func (l *MySQLLog) Append(ctx context.Context, runID string, draft Draft) (*Event, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "run ID 不能为空")
	}
	if draft.Type == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "事件类型不能为空")
	}
	payload, err := marshalData(draft.Data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件数据失败")
	}

	const stmt = `INSERT INTO run_events (run_id, seq, event_type, data, actor_type, actor_id, ts)
        SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ? FROM run_events WHERE run_id = ?`

	for attempt := 0; attempt < appendRetries; attempt++ {
		ts := time.Now().UnixMilli()
		_, err := l.db.ExecContext(ctx, stmt,
			runID,
			string(draft.Type),
			payload,
			string(draft.Actor.Type),
			draft.Actor.ID,
			ts,
			runID,
		)
		if err != nil {
			var mysqlErr *mysql.MySQLError
			if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				continue
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "追加事件失败")
		}
		return l.latest(ctx, runID)
	}
	return nil, xerrors.New(xerrors.CodeStorageFailure, "追加事件持续冲突")
}

func (l *MySQLLog) latest(ctx context.Context, runID string) (*Event, error) {
	const stmt = `SELECT run_id, seq, event_type, data, actor_type, actor_id, ts
        FROM run_events WHERE run_id = ? ORDER BY seq DESC LIMIT 1`
	row := l.db.QueryRowContext(ctx, stmt, runID)
	return scanEvent(row)
}

// List 按序号升序返回 run 的全部事件。
func (l *MySQLLog) List(ctx context.Context, runID string) ([]*Event, error) {
	const stmt = `SELECT run_id, seq, event_type, data, actor_type, actor_id, ts
        FROM run_events WHERE run_id = ? ORDER BY seq ASC`

	rows, err := l.db.QueryContext(ctx, stmt, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	events := make([]*Event, 0, 16)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return events, nil
}

// Close 由连接的所有者负责关闭底层数据库。
func (l *MySQLLog) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var evt Event
	var eventType, actorType string
	var data sql.NullString
	if err := row.Scan(&evt.RunID, &evt.Seq, &eventType, &data, &actorType, &evt.Actor.ID, &evt.Ts); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "事件不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件记录失败")
	}
	evt.Type = Type(eventType)
	evt.Actor.Type = ActorType(actorType)
	if data.Valid && strings.TrimSpace(data.String) != "" {
		if err := json.Unmarshal([]byte(data.String), &evt.Data); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件数据失败")
		}
	}
	return &evt, nil
}

func marshalData(data map[string]any) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

var _ Log = (*MySQLLog)(nil)
