package run

import (
	"context"
	"math/big"
)

// Store 抽象了运行与步骤状态的持久化。所有状态迁移都是条件写入：
// 只有当存储中的当前状态仍等于调用方期望的先前状态时更新才会生效，
// 并发竞争的失败方观察到空操作。协调完全依赖这些条件写入，
// 不存在跨进程的内存锁。
type Store interface {
	// CreateRun 原子地写入运行及其批量物化的全部步骤。
	CreateRun(ctx context.Context, run *Run, steps []*Step) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error)

	// TransitionRun 执行 from → to 的条件写入。迁移不合法返回
	// ErrIllegalTransition；存储状态已不是 from 返回 ErrTransitionConflict。
	TransitionRun(ctx context.Context, runID string, from, to Status) error

	GetStep(ctx context.Context, runID, stepID string) (*Step, error)
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	// ClaimStep 以单次条件更新领取步骤：仅当状态仍为 pending（或可重试的
	// failed 且到达重试时刻）时迁移到 claimed 并盖上租约截止时间。
	// 恰好一个并发领取者成功，其余得到 ErrClaimConflict。
	ClaimStep(ctx context.Context, runID, stepID string, leaseExpiresAt, now int64) (*Step, error)

	// MarkStepRunning 执行 claimed → running 的条件写入。
	MarkStepRunning(ctx context.Context, runID, stepID string) error

	// CompleteStep 执行 running → succeeded 并记录输出与度量。
	CompleteStep(ctx context.Context, runID, stepID string, outputs map[string]any, metrics StepMetrics) error

	// FailStep 记录失败。terminal 为假时步骤保持可重试（failed 状态 +
	// nextEligibleAt 退避）；为真时步骤进入终态。
	FailStep(ctx context.Context, runID, stepID string, errorCode, reason string, nextEligibleAt int64, terminal bool) error

	// DeferStep 将 claimed 步骤退回 pending 并推迟下次可领取时间，
	// 不消耗重试次数。wait 节点与租约回收使用。
	DeferStep(ctx context.Context, runID, stepID string, nextEligibleAt int64) error

	// CancelStep 将非终态步骤标记为 canceled。
	CancelStep(ctx context.Context, runID, stepID string) error

	// RequireApproval 将步骤置为 requires_approval。
	RequireApproval(ctx context.Context, runID, stepID string) error

	// ApproveStep 将 requires_approval 步骤直接置为 succeeded。
	ApproveStep(ctx context.Context, runID, stepID string, outputs map[string]any) error

	// EligibleSteps 返回候选步骤：pending 或可重试 failed，且
	// nextEligibleAt ≤ now。依赖满足性由调用方结合图检查。
	// 持久化实现依赖 (status, next_eligible_at) 索引完成扫描。
	EligibleSteps(ctx context.Context, now int64, limit int) ([]*Step, error)

	// RecycleExpiredLeases 将租约过期的 claimed/running 步骤退回 pending
	// 并按退避推迟，容忍工作进程崩溃而不丢失步骤。返回被回收的步骤。
	RecycleExpiredLeases(ctx context.Context, now int64) ([]*Step, error)

	// ReserveSpend 为步骤原子预留预算。已花费 + 在途预留 + amount 超过
	// 上限时返回 ErrBudgetCeiling 且不发生任何变化。同一步骤重复预留
	// 按幂等处理（租约回收后的重试会再次走到这里）。绝不使用读-改-写。
	ReserveSpend(ctx context.Context, runID, stepID string, amount *big.Int) error

	// CommitSpend 将步骤的预留转为实际花费：在途预留减少 amount，
	// 已花费增加 amount。已花费只增不减，上限在创建后不可变。
	CommitSpend(ctx context.Context, runID, stepID string, amount *big.Int) error

	// ReleaseSpend 撤销步骤的预留，已花费不受影响。支付失败的回滚路径
	// 使用，对不存在的预留调用是无害的空操作。
	ReleaseSpend(ctx context.Context, runID, stepID string, amount *big.Int) error

	Close() error
}
