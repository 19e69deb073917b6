package run

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/budget"
	"IntentFlow/internal/graph"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化运行与步骤状态。
// 所有状态迁移都通过条件 UPDATE 完成：WHERE 子句携带期望的当前状态,
// 受影响行数为 0 即表示竞争失败，调用方据此区分冲突与不存在。
// 预算金额使用 DECIMAL(65,0) 存储，递增与上限检查在同一条语句内原子完成。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const runsSchema = `CREATE TABLE IF NOT EXISTS runs (
        id VARCHAR(64) PRIMARY KEY,
        workspace_id VARCHAR(64) NOT NULL DEFAULT '',
        input TEXT NOT NULL,
        graph_json MEDIUMTEXT,
        plan_error TEXT,
        budget_asset VARCHAR(32) NOT NULL DEFAULT '',
        budget_network VARCHAR(64) NOT NULL DEFAULT '',
        max_atomic DECIMAL(65,0) NOT NULL DEFAULT 0,
        spent_atomic DECIMAL(65,0) NOT NULL DEFAULT 0,
        reserved_atomic DECIMAL(65,0) NOT NULL DEFAULT 0,
        status VARCHAR(32) NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_runs_workspace_updated (workspace_id, updated_at),
        INDEX idx_runs_status (status)
)`

	const stepsSchema = `CREATE TABLE IF NOT EXISTS run_steps (
        run_id VARCHAR(64) NOT NULL,
        step_id VARCHAR(128) NOT NULL,
        node_type VARCHAR(32) NOT NULL,
        status VARCHAR(32) NOT NULL,
        attempt INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        inputs TEXT,
        outputs TEXT,
        last_error TEXT,
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        duration_ms BIGINT NOT NULL DEFAULT 0,
        step_spent_atomic VARCHAR(80) NOT NULL DEFAULT '',
        metric_attempts INT NOT NULL DEFAULT 0,
        next_eligible_at BIGINT NOT NULL DEFAULT 0,
        lease_expires_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (run_id, step_id),
        INDEX idx_steps_eligible (status, next_eligible_at),
        INDEX idx_steps_lease (status, lease_expires_at)
)`

	if _, err := s.db.Exec(runsSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 runs 表失败")
	}
	if _, err := s.db.Exec(stepsSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 run_steps 表失败")
	}
	return nil
}

// CreateRun 在单个事务内写入运行与全部步骤。
func (s *MySQLStore) CreateRun(ctx context.Context, run *Run, steps []*Step) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	maxAtomic, err := budget.ParseAtomic(run.Budget.MaxAtomic)
	if err != nil {
		return err
	}
	spentAtomic := "0"
	if run.Budget.SpentAtomic != "" {
		parsed, err := budget.ParseAtomic(run.Budget.SpentAtomic)
		if err != nil {
			return err
		}
		spentAtomic = parsed.String()
	}
	graphJSON, err := marshalGraph(run.Graph)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码运行图失败")
	}

	now := time.Now().Unix()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const runStmt = `INSERT INTO runs
        (id, workspace_id, input, graph_json, plan_error, budget_asset, budget_network, max_atomic, spent_atomic, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, CAST(? AS DECIMAL(65,0)), CAST(? AS DECIMAL(65,0)), ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, runStmt,
		run.ID,
		run.WorkspaceID,
		run.Input,
		graphJSON,
		run.PlanError,
		run.Budget.Asset,
		run.Budget.Network,
		maxAtomic.String(),
		spentAtomic,
		run.Status,
		run.CreatedAt,
		run.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "run already exists")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行失败")
	}

	const stepStmt = `INSERT INTO run_steps
        (run_id, step_id, node_type, status, attempt, max_retries, inputs, outputs, last_error, error_code, next_eligible_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, step := range steps {
		inputsJSON, err := marshalValues(step.Inputs)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤 inputs 失败")
		}
		outputsJSON, err := marshalValues(step.Outputs)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤 outputs 失败")
		}
		if _, err := tx.ExecContext(ctx, stepStmt,
			run.ID,
			step.StepID,
			step.NodeType,
			step.Status,
			step.Attempt,
			step.MaxRetries,
			inputsJSON,
			outputsJSON,
			step.Error,
			step.ErrorCode,
			step.NextEligibleAt,
			run.CreatedAt,
			run.UpdatedAt,
		); err != nil {
			var mysqlErr *mysql.MySQLError
			if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				return xerrors.New(xerrors.CodeConflict, "duplicate step id")
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入步骤失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

const runColumns = `id, workspace_id, input, graph_json, plan_error, budget_asset, budget_network,
        CAST(max_atomic AS CHAR), CAST(spent_atomic AS CHAR), CAST(reserved_atomic AS CHAR),
        status, created_at, updated_at`

// GetRun 查询指定运行。
func (s *MySQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行失败")
	}
	return run, nil
}

// ListRuns 返回符合过滤条件的运行。
func (s *MySQLStore) ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()

	query := `SELECT ` + runColumns + ` FROM runs`
	clause, filterArgs := buildRunFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	runs := make([]*Run, 0, opts.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行失败")
	}
	return runs, nil
}

// TransitionRun 执行条件状态迁移，仅当存储中的状态仍为 from 时生效。
func (s *MySQLStore) TransitionRun(ctx context.Context, runID string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrIllegalTransition
	}

	const stmt = `UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, to, time.Now().Unix(), runID, from)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return ErrTransitionConflict
	}
	return nil
}

const stepColumns = `run_id, step_id, node_type, status, attempt, max_retries, inputs, outputs,
        last_error, error_code, duration_ms, step_spent_atomic, metric_attempts,
        next_eligible_at, lease_expires_at, created_at, updated_at`

// GetStep 查询指定步骤。
func (s *MySQLStore) GetStep(ctx context.Context, runID, stepID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = ? AND step_id = ?`, runID, stepID)
	step, err := scanStep(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤失败")
	}
	return step, nil
}

// ListSteps 返回运行的全部步骤。
func (s *MySQLStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = ? ORDER BY step_id ASC`, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤列表失败")
	}
	defer rows.Close()

	steps := make([]*Step, 0, 8)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤记录失败")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历步骤失败")
	}
	if len(steps) == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return nil, getErr
		}
	}
	return steps, nil
}

// ClaimStep 以条件更新领取步骤。WHERE 子句同时检查状态、重试余量与
// 到期时间，保证任意数量的并发领取者中恰好一个成功。
func (s *MySQLStore) ClaimStep(ctx context.Context, runID, stepID string, leaseExpiresAt, now int64) (*Step, error) {
	const stmt = `UPDATE run_steps
        SET status = ?, attempt = attempt + 1, lease_expires_at = ?, last_error = '', error_code = '', updated_at = ?
        WHERE run_id = ? AND step_id = ? AND next_eligible_at <= ?
          AND (status = ? OR (status = ? AND attempt < max_retries))`

	res, err := s.db.ExecContext(ctx, stmt,
		StepClaimed,
		leaseExpiresAt,
		time.Now().Unix(),
		runID,
		stepID,
		now,
		StepPending,
		StepFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取步骤失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetStep(ctx, runID, stepID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrClaimConflict
	}
	return s.GetStep(ctx, runID, stepID)
}

// MarkStepRunning 执行 claimed → running。
func (s *MySQLStore) MarkStepRunning(ctx context.Context, runID, stepID string) error {
	return s.conditionalStepUpdate(ctx, runID, stepID,
		`UPDATE run_steps SET status = ?, updated_at = ? WHERE run_id = ? AND step_id = ? AND status = ?`,
		StepRunning, time.Now().Unix(), runID, stepID, StepClaimed)
}

// CompleteStep 执行 running → succeeded 并记录输出与度量。
func (s *MySQLStore) CompleteStep(ctx context.Context, runID, stepID string, outputs map[string]any, metrics StepMetrics) error {
	outputsJSON, err := marshalValues(outputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤 outputs 失败")
	}
	const stmt = `UPDATE run_steps
        SET status = ?, outputs = ?, duration_ms = ?, step_spent_atomic = ?, metric_attempts = ?,
            lease_expires_at = 0, last_error = '', error_code = '', updated_at = ?
        WHERE run_id = ? AND step_id = ? AND status IN (?, ?)`
	return s.conditionalStepUpdate(ctx, runID, stepID, stmt,
		StepSucceeded,
		outputsJSON,
		metrics.DurationMs,
		metrics.SpentAtomic,
		metrics.Attempts,
		time.Now().Unix(),
		runID,
		stepID,
		StepRunning,
		StepClaimed,
	)
}

// FailStep 记录失败并设置下次可领取时刻。terminal 为真时耗尽重试余量。
func (s *MySQLStore) FailStep(ctx context.Context, runID, stepID, errorCode, reason string, nextEligibleAt int64, terminal bool) error {
	stmt := `UPDATE run_steps
        SET status = ?, last_error = ?, error_code = ?, lease_expires_at = 0, next_eligible_at = ?, updated_at = ?
        WHERE run_id = ? AND step_id = ? AND status NOT IN (?, ?, ?)`
	if terminal {
		stmt = `UPDATE run_steps
        SET status = ?, last_error = ?, error_code = ?, lease_expires_at = 0, next_eligible_at = ?, updated_at = ?, attempt = max_retries
        WHERE run_id = ? AND step_id = ? AND status NOT IN (?, ?, ?)`
	}
	return s.conditionalStepUpdate(ctx, runID, stepID, stmt,
		StepFailed,
		reason,
		errorCode,
		nextEligibleAt,
		time.Now().Unix(),
		runID,
		stepID,
		StepSucceeded,
		StepFailed,
		StepCanceled,
	)
}

// DeferStep 将已领取的步骤退回 pending，不消耗重试次数。
func (s *MySQLStore) DeferStep(ctx context.Context, runID, stepID string, nextEligibleAt int64) error {
	const stmt = `UPDATE run_steps
        SET status = ?, attempt = CASE WHEN attempt > 0 THEN attempt - 1 ELSE 0 END,
            lease_expires_at = 0, next_eligible_at = ?, updated_at = ?
        WHERE run_id = ? AND step_id = ? AND status IN (?, ?)`
	return s.conditionalStepUpdate(ctx, runID, stepID, stmt,
		StepPending,
		nextEligibleAt,
		time.Now().Unix(),
		runID,
		stepID,
		StepClaimed,
		StepRunning,
	)
}

// CancelStep 将非终态步骤标记为 canceled。
func (s *MySQLStore) CancelStep(ctx context.Context, runID, stepID string) error {
	const stmt = `UPDATE run_steps SET status = ?, lease_expires_at = 0, updated_at = ?
        WHERE run_id = ? AND step_id = ? AND status NOT IN (?, ?, ?)`
	return s.conditionalStepUpdate(ctx, runID, stepID, stmt,
		StepCanceled,
		time.Now().Unix(),
		runID,
		stepID,
		StepSucceeded,
		StepFailed,
		StepCanceled,
	)
}

// RequireApproval 将步骤置为 requires_approval。
func (s *MySQLStore) RequireApproval(ctx context.Context, runID, stepID string) error {
	const stmt = `UPDATE run_steps SET status = ?, lease_expires_at = 0, updated_at = ?
        WHERE run_id = ? AND step_id = ? AND status NOT IN (?, ?, ?)`
	return s.conditionalStepUpdate(ctx, runID, stepID, stmt,
		StepRequiresApproval,
		time.Now().Unix(),
		runID,
		stepID,
		StepSucceeded,
		StepFailed,
		StepCanceled,
	)
}

// ApproveStep 将 requires_approval 步骤置为 succeeded。
func (s *MySQLStore) ApproveStep(ctx context.Context, runID, stepID string, outputs map[string]any) error {
	outputsJSON, err := marshalValues(outputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤 outputs 失败")
	}
	const stmt = `UPDATE run_steps SET status = ?, outputs = ?, updated_at = ?
        WHERE run_id = ? AND step_id = ? AND status = ?`
	return s.conditionalStepUpdate(ctx, runID, stepID, stmt,
		StepSucceeded,
		outputsJSON,
		time.Now().Unix(),
		runID,
		stepID,
		StepRequiresApproval,
	)
}

func (s *MySQLStore) conditionalStepUpdate(ctx context.Context, runID, stepID, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新步骤状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetStep(ctx, runID, stepID); getErr != nil {
			return getErr
		}
		return ErrTransitionConflict
	}
	return nil
}

// EligibleSteps 扫描可领取的步骤。只返回所属运行仍活跃的步骤，
// 依赖 (status, next_eligible_at) 索引。
func (s *MySQLStore) EligibleSteps(ctx context.Context, now int64, limit int) ([]*Step, error) {
	if limit <= 0 {
		limit = 64
	}
	query := `SELECT s.run_id, s.step_id, s.node_type, s.status, s.attempt, s.max_retries, s.inputs, s.outputs,
        s.last_error, s.error_code, s.duration_ms, s.step_spent_atomic, s.metric_attempts,
        s.next_eligible_at, s.lease_expires_at, s.created_at, s.updated_at
        FROM run_steps s JOIN runs r ON s.run_id = r.id
        WHERE s.next_eligible_at <= ?
          AND (s.status = ? OR (s.status = ? AND s.attempt < s.max_retries))
          AND r.status IN (?, ?)
        ORDER BY s.next_eligible_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, now, StepPending, StepFailed, StatusQueued, StatusRunning, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描候选步骤失败")
	}
	defer rows.Close()

	steps := make([]*Step, 0, limit)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析候选步骤失败")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历候选步骤失败")
	}
	return steps, nil
}

// RecycleExpiredLeases 回收租约过期的步骤。先扫描候选，再逐条以
// 条件更新回收：WHERE 携带扫描时的租约值，与持有者的完成写入竞争时
// 只有一方生效。
func (s *MySQLStore) RecycleExpiredLeases(ctx context.Context, now int64) ([]*Step, error) {
	const scanStmt = `SELECT run_id, step_id, lease_expires_at, attempt FROM run_steps
        WHERE status IN (?, ?) AND lease_expires_at > 0 AND lease_expires_at <= ?`

	rows, err := s.db.QueryContext(ctx, scanStmt, StepClaimed, StepRunning, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描过期租约失败")
	}

	type candidate struct {
		runID   string
		stepID  string
		lease   int64
		attempt int
	}
	candidates := make([]candidate, 0, 4)
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.runID, &c.stepID, &c.lease, &c.attempt); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析过期租约失败")
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历过期租约失败")
	}
	rows.Close()

	const recycleStmt = `UPDATE run_steps
        SET status = ?, lease_expires_at = 0, next_eligible_at = ?, updated_at = ?
        WHERE run_id = ? AND step_id = ? AND status IN (?, ?) AND lease_expires_at = ?`

	recycled := make([]*Step, 0, len(candidates))
	for _, c := range candidates {
		nextEligibleAt := now + int64(BackoffDelay(c.attempt).Seconds())
		res, err := s.db.ExecContext(ctx, recycleStmt,
			StepPending,
			nextEligibleAt,
			time.Now().Unix(),
			c.runID,
			c.stepID,
			StepClaimed,
			StepRunning,
			c.lease,
		)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收过期租约失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		step, err := s.GetStep(ctx, c.runID, c.stepID)
		if err != nil {
			return nil, err
		}
		recycled = append(recycled, step)
	}
	return recycled, nil
}

// ReserveSpend 原子递增在途预留。上限检查与递增在同一条语句内完成，
// 投影值 已花费 + 在途预留 + amount 超过上限时不发生任何变化。
// 聚合列只按金额记账，不跟踪步骤身份，stepID 仅用于错误信息。
func (s *MySQLStore) ReserveSpend(ctx context.Context, runID, stepID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预留金额必须为正整数")
	}
	const stmt = `UPDATE runs
        SET reserved_atomic = reserved_atomic + CAST(? AS DECIMAL(65,0)), updated_at = ?
        WHERE id = ?
          AND spent_atomic + reserved_atomic + CAST(? AS DECIMAL(65,0)) <= max_atomic`

	res, err := s.db.ExecContext(ctx, stmt, amount.String(), time.Now().Unix(), runID, amount.String())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "预留运行预算失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return ErrBudgetCeiling
	}
	return nil
}

// CommitSpend 将预留转为实际花费：在途预留减少 amount，已花费增加
// amount，两列在同一条语句内变更。spent_atomic 只增不减。
func (s *MySQLStore) CommitSpend(ctx context.Context, runID, stepID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交金额必须为正整数")
	}
	const stmt = `UPDATE runs
        SET reserved_atomic = reserved_atomic - CAST(? AS DECIMAL(65,0)),
            spent_atomic = spent_atomic + CAST(? AS DECIMAL(65,0)),
            updated_at = ?
        WHERE id = ?
          AND reserved_atomic >= CAST(? AS DECIMAL(65,0))`

	res, err := s.db.ExecContext(ctx, stmt, amount.String(), amount.String(),
		time.Now().Unix(), runID, amount.String())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交运行花费失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("步骤 %s 没有可提交的在途预留", stepID))
	}
	return nil
}

// ReleaseSpend 撤销在途预留，已花费不受影响。预留不足时按无预留的
// 空操作处理，与账本语义一致。
func (s *MySQLStore) ReleaseSpend(ctx context.Context, runID, stepID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "释放金额必须为正整数")
	}
	const stmt = `UPDATE runs
        SET reserved_atomic = reserved_atomic - CAST(? AS DECIMAL(65,0)), updated_at = ?
        WHERE id = ?
          AND reserved_atomic >= CAST(? AS DECIMAL(65,0))`

	res, err := s.db.ExecContext(ctx, stmt, amount.String(), time.Now().Unix(), runID, amount.String())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放运行预留失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// DB 暴露底层连接池，事件日志与工具目录复用同一连接。
func (s *MySQLStore) DB() *sql.DB {
	return s.db
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var graphJSON, planErr sql.NullString
	var maxAtomic, spentAtomic, reservedAtomic string
	if err := row.Scan(
		&run.ID,
		&run.WorkspaceID,
		&run.Input,
		&graphJSON,
		&planErr,
		&run.Budget.Asset,
		&run.Budget.Network,
		&maxAtomic,
		&spentAtomic,
		&reservedAtomic,
		&run.Status,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.PlanError = planErr.String
	run.Budget.MaxAtomic = maxAtomic
	run.Budget.SpentAtomic = spentAtomic
	run.Budget.ReservedAtomic = reservedAtomic
	if graphJSON.Valid && strings.TrimSpace(graphJSON.String) != "" {
		var g graph.Graph
		if err := json.Unmarshal([]byte(graphJSON.String), &g); err != nil {
			return nil, fmt.Errorf("解析运行图失败: %w", err)
		}
		run.Graph = &g
	}
	return &run, nil
}

func scanStep(row rowScanner) (*Step, error) {
	var step Step
	var inputsJSON, outputsJSON, lastErr sql.NullString
	if err := row.Scan(
		&step.RunID,
		&step.StepID,
		&step.NodeType,
		&step.Status,
		&step.Attempt,
		&step.MaxRetries,
		&inputsJSON,
		&outputsJSON,
		&lastErr,
		&step.ErrorCode,
		&step.Metrics.DurationMs,
		&step.Metrics.SpentAtomic,
		&step.Metrics.Attempts,
		&step.NextEligibleAt,
		&step.LeaseExpiresAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	); err != nil {
		return nil, err
	}
	step.Error = lastErr.String
	inputs, err := unmarshalValues(inputsJSON)
	if err != nil {
		return nil, fmt.Errorf("解析步骤 inputs 失败: %w", err)
	}
	step.Inputs = inputs
	outputs, err := unmarshalValues(outputsJSON)
	if err != nil {
		return nil, fmt.Errorf("解析步骤 outputs 失败: %w", err)
	}
	step.Outputs = outputs
	return &step, nil
}

func marshalGraph(g *graph.Graph) (sql.NullString, error) {
	if g == nil {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(g)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func marshalValues(values map[string]any) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalValues(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func buildRunFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if opts.WorkspaceID != "" {
		conditions = append(conditions, "workspace_id = ?")
		args = append(args, opts.WorkspaceID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
