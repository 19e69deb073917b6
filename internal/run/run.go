package run

import (
	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/budget"
	"IntentFlow/internal/graph"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusPausedForApproval Status = "paused_for_approval"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusCanceled          Status = "canceled"
)

// legalTransitions 是运行状态机的合法迁移表。终态不出现在键中，
// 任何不在表内的迁移请求都会被拒绝且不产生状态变化。
var legalTransitions = map[Status][]Status{
	StatusQueued:            {StatusRunning, StatusCanceled},
	StatusRunning:           {StatusPausedForApproval, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusPausedForApproval: {StatusRunning, StatusCanceled},
}

// CanTransition 判断 from → to 是否为合法的状态迁移。
func CanTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断运行状态是否为终态。
func IsTerminal(status Status) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusRunning, StatusPausedForApproval, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Run 表示一次用户意图的端到端执行。运行只通过状态机变更，永不删除。
type Run struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	Input       string        `json:"input"`
	Graph       *graph.Graph  `json:"graph"`
	Budget      budget.Budget `json:"budget"`
	Status      Status        `json:"status"`
	PlanError   string        `json:"plan_error,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(xerrors.CodeNotFound, "run not found")
	// ErrIllegalTransition 表示请求的状态迁移不在合法迁移表内。
	ErrIllegalTransition = xerrors.New(xerrors.CodeIllegalTransition, "")
	// ErrTransitionConflict 表示条件写入失败：存储中的状态已被并发修改。
	ErrTransitionConflict = xerrors.New(xerrors.CodeConflict, "run status changed concurrently")
	// ErrStepNotFound 表示指定的步骤不存在。
	ErrStepNotFound = xerrors.New(xerrors.CodeNotFound, "step not found")
	// ErrClaimConflict 表示领取竞争失败，由其他工作进程获得该步骤。
	ErrClaimConflict = xerrors.New(xerrors.CodeClaimConflict, "")
	// ErrBudgetCeiling 表示持久化的花费递增会突破预算上限。
	ErrBudgetCeiling = xerrors.New(xerrors.CodeBudgetExceeded, "")
)
