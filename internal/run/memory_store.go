package run

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/budget"
)

// MemoryStore 以内存方式保存运行与步骤状态，主要用于测试。
// 所有条件写入在同一把互斥锁下完成，语义与持久化实现一致。
// 每个运行的预算由一个账本承载，预留与花费的不变量在账本内保证。
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[string]*Run
	steps   map[string]map[string]*Step
	ledgers map[string]*budget.Ledger
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*Run),
		steps:   make(map[string]map[string]*Step),
		ledgers: make(map[string]*budget.Ledger),
	}
}

// CreateRun 写入运行与全部步骤。
func (m *MemoryStore) CreateRun(_ context.Context, run *Run, steps []*Step) error {
	if run == nil || run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "run already exists")
	}
	maxAtomic, err := budget.ParseAtomic(run.Budget.MaxAtomic)
	if err != nil {
		return err
	}
	var spentAtomic *big.Int
	if run.Budget.SpentAtomic != "" {
		spentAtomic, err = budget.ParseAtomic(run.Budget.SpentAtomic)
		if err != nil {
			return err
		}
	}
	ledger, err := budget.NewLedger(run.Budget.Asset, run.Budget.Network, maxAtomic, spentAtomic)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m.runs[run.ID] = cloneRun(run)
	m.ledgers[run.ID] = ledger

	stepSet := make(map[string]*Step, len(steps))
	for _, step := range steps {
		if step == nil || step.StepID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "step ID 不能为空")
		}
		if _, dup := stepSet[step.StepID]; dup {
			return xerrors.New(xerrors.CodeConflict, "duplicate step id")
		}
		stepSet[step.StepID] = cloneStep(step)
	}
	m.steps[run.ID] = stepSet
	return nil
}

// GetRun 返回运行。
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRunLocked(runID)
}

func (m *MemoryStore) getRunLocked(runID string) (*Run, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	clone := cloneRun(run)
	snap := m.ledgers[runID].Snapshot()
	clone.Budget.SpentAtomic = snap.SpentAtomic
	clone.Budget.ReservedAtomic = snap.ReservedAtomic
	return clone, nil
}

// ListRuns 返回符合过滤条件的运行。
func (m *MemoryStore) ListRuns(_ context.Context, opts ListOptions) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts.applyDefaults()
	results := make([]*Run, 0, len(m.runs))
	for id, run := range m.runs {
		if !matchesListFilters(run, opts) {
			continue
		}
		clone := cloneRun(run)
		snap := m.ledgers[id].Snapshot()
		clone.Budget.SpentAtomic = snap.SpentAtomic
		clone.Budget.ReservedAtomic = snap.ReservedAtomic
		results = append(results, clone)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			if a.UpdatedAt == b.UpdatedAt {
				return a.ID < b.ID
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.UpdatedAt == b.UpdatedAt {
			return a.ID > b.ID
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Run{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func matchesListFilters(run *Run, opts ListOptions) bool {
	if opts.WorkspaceID != "" && run.WorkspaceID != opts.WorkspaceID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if run.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && run.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && run.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// TransitionRun 执行条件状态迁移。
func (m *MemoryStore) TransitionRun(_ context.Context, runID string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrIllegalTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != from {
		return ErrTransitionConflict
	}
	run.Status = to
	run.UpdatedAt = time.Now().Unix()
	return nil
}

// GetStep 返回步骤。
func (m *MemoryStore) GetStep(_ context.Context, runID, stepID string) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return nil, err
	}
	return cloneStep(step), nil
}

func (m *MemoryStore) getStepLocked(runID, stepID string) (*Step, error) {
	steps, ok := m.steps[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	step, ok := steps[stepID]
	if !ok {
		return nil, ErrStepNotFound
	}
	return step, nil
}

// ListSteps 返回运行的全部步骤，按步骤 ID 排序。
func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.steps[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	result := make([]*Step, 0, len(steps))
	for _, step := range steps {
		result = append(result, cloneStep(step))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StepID < result[j].StepID })
	return result, nil
}

// ClaimStep 以条件更新领取步骤。恰好一个并发领取者成功。
func (m *MemoryStore) ClaimStep(_ context.Context, runID, stepID string, leaseExpiresAt, now int64) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return nil, err
	}
	claimable := step.Status == StepPending ||
		(step.Status == StepFailed && step.Attempt < step.MaxRetries)
	if !claimable || step.NextEligibleAt > now {
		return nil, ErrClaimConflict
	}
	step.Status = StepClaimed
	step.Attempt++
	step.LeaseExpiresAt = leaseExpiresAt
	step.Error = ""
	step.ErrorCode = ""
	step.UpdatedAt = time.Now().Unix()
	return cloneStep(step), nil
}

// MarkStepRunning 执行 claimed → running。
func (m *MemoryStore) MarkStepRunning(_ context.Context, runID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return err
	}
	if step.Status != StepClaimed {
		return ErrTransitionConflict
	}
	step.Status = StepRunning
	step.UpdatedAt = time.Now().Unix()
	return nil
}

// CompleteStep 执行 running → succeeded。
func (m *MemoryStore) CompleteStep(_ context.Context, runID, stepID string, outputs map[string]any, metrics StepMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return err
	}
	if step.Status != StepRunning && step.Status != StepClaimed {
		return ErrTransitionConflict
	}
	step.Status = StepSucceeded
	step.Outputs = cloneValues(outputs)
	step.Metrics = metrics
	step.LeaseExpiresAt = 0
	step.Error = ""
	step.ErrorCode = ""
	step.UpdatedAt = time.Now().Unix()
	return nil
}

// FailStep 记录失败并设置重试时刻。
func (m *MemoryStore) FailStep(_ context.Context, runID, stepID, errorCode, reason string, nextEligibleAt int64, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return err
	}
	if IsTerminalStep(step.Status) {
		return ErrTransitionConflict
	}
	step.Status = StepFailed
	step.Error = reason
	step.ErrorCode = errorCode
	step.LeaseExpiresAt = 0
	step.NextEligibleAt = nextEligibleAt
	if terminal {
		// 终态失败不再参与重试。
		step.Attempt = step.MaxRetries
	}
	step.UpdatedAt = time.Now().Unix()
	return nil
}

// DeferStep 将 claimed 步骤退回 pending，不消耗重试次数。
func (m *MemoryStore) DeferStep(_ context.Context, runID, stepID string, nextEligibleAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return err
	}
	if step.Status != StepClaimed && step.Status != StepRunning {
		return ErrTransitionConflict
	}
	step.Status = StepPending
	if step.Attempt > 0 {
		step.Attempt--
	}
	step.LeaseExpiresAt = 0
	step.NextEligibleAt = nextEligibleAt
	step.UpdatedAt = time.Now().Unix()
	return nil
}

// CancelStep 将非终态步骤标记为 canceled。
func (m *MemoryStore) CancelStep(_ context.Context, runID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return err
	}
	if IsTerminalStep(step.Status) {
		return ErrTransitionConflict
	}
	step.Status = StepCanceled
	step.LeaseExpiresAt = 0
	step.UpdatedAt = time.Now().Unix()
	return nil
}

// RequireApproval 将步骤置为 requires_approval。
func (m *MemoryStore) RequireApproval(_ context.Context, runID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return err
	}
	if IsTerminalStep(step.Status) {
		return ErrTransitionConflict
	}
	step.Status = StepRequiresApproval
	step.LeaseExpiresAt = 0
	step.UpdatedAt = time.Now().Unix()
	return nil
}

// ApproveStep 将 requires_approval 步骤置为 succeeded。
func (m *MemoryStore) ApproveStep(_ context.Context, runID, stepID string, outputs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.getStepLocked(runID, stepID)
	if err != nil {
		return err
	}
	if step.Status != StepRequiresApproval {
		return ErrTransitionConflict
	}
	step.Status = StepSucceeded
	step.Outputs = cloneValues(outputs)
	step.UpdatedAt = time.Now().Unix()
	return nil
}

// EligibleSteps 返回候选步骤。
func (m *MemoryStore) EligibleSteps(_ context.Context, now int64, limit int) ([]*Step, error) {
	if limit <= 0 {
		limit = 64
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*Step, 0, limit)
	for runID, steps := range m.steps {
		if run, ok := m.runs[runID]; !ok || IsTerminal(run.Status) {
			continue
		}
		for _, step := range steps {
			claimable := step.Status == StepPending ||
				(step.Status == StepFailed && step.Attempt < step.MaxRetries)
			if claimable && step.NextEligibleAt <= now {
				result = append(result, cloneStep(step))
				if len(result) >= limit {
					return result, nil
				}
			}
		}
	}
	return result, nil
}

// RecycleExpiredLeases 回收租约过期的步骤。
func (m *MemoryStore) RecycleExpiredLeases(_ context.Context, now int64) ([]*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recycled := make([]*Step, 0, 4)
	for _, steps := range m.steps {
		for _, step := range steps {
			if (step.Status != StepClaimed && step.Status != StepRunning) || step.LeaseExpiresAt == 0 || step.LeaseExpiresAt > now {
				continue
			}
			step.Status = StepPending
			step.LeaseExpiresAt = 0
			step.NextEligibleAt = now + int64(BackoffDelay(step.Attempt).Seconds())
			step.UpdatedAt = time.Now().Unix()
			recycled = append(recycled, cloneStep(step))
		}
	}
	return recycled, nil
}

// ReserveSpend 为步骤预留预算，投影值越过上限返回 ErrBudgetCeiling。
// 同一步骤重复预留按幂等处理：先撤销旧预留再重新预留。
func (m *MemoryStore) ReserveSpend(_ context.Context, runID, stepID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预留金额必须为正整数")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[runID]
	if !ok {
		return ErrRunNotFound
	}
	ledger.Release(stepID)
	if err := ledger.Reserve(stepID, amount); err != nil {
		if stdErrors.Is(err, budget.ErrBudgetExceeded) {
			return ErrBudgetCeiling
		}
		return err
	}
	m.touchRunLocked(runID)
	return nil
}

// CommitSpend 将步骤的预留转为实际花费。已花费只增不减。
func (m *MemoryStore) CommitSpend(_ context.Context, runID, stepID string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[runID]
	if !ok {
		return ErrRunNotFound
	}
	if err := ledger.Commit(stepID, amount); err != nil {
		return err
	}
	m.touchRunLocked(runID)
	return nil
}

// ReleaseSpend 撤销步骤的在途预留，已花费不变。
func (m *MemoryStore) ReleaseSpend(_ context.Context, runID, stepID string, _ *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[runID]
	if !ok {
		return ErrRunNotFound
	}
	ledger.Release(stepID)
	m.touchRunLocked(runID)
	return nil
}

func (m *MemoryStore) touchRunLocked(runID string) {
	if run, ok := m.runs[runID]; ok {
		run.UpdatedAt = time.Now().Unix()
	}
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneRun(run *Run) *Run {
	clone := *run
	return &clone
}

func cloneStep(step *Step) *Step {
	clone := *step
	clone.Inputs = cloneValues(step.Inputs)
	clone.Outputs = cloneValues(step.Outputs)
	return &clone
}

func cloneValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}

var _ Store = (*MemoryStore)(nil)
