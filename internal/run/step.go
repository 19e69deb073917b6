package run

import (
	"time"

	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/graph"
)

// StepStatus 表示步骤在生命周期中的状态。
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepClaimed          StepStatus = "claimed"
	StepRunning          StepStatus = "running"
	StepSucceeded        StepStatus = "succeeded"
	StepFailed           StepStatus = "failed"
	StepCanceled         StepStatus = "canceled"
	StepRequiresApproval StepStatus = "requires_approval"
)

// IsTerminalStep 判断步骤状态是否为终态。requires_approval 不是终态：
// 外部主体批准后步骤会继续推进。
func IsTerminalStep(status StepStatus) bool {
	switch status {
	case StepSucceeded, StepFailed, StepCanceled:
		return true
	default:
		return false
	}
}

// StepMetrics 记录一次步骤执行的度量信息。
type StepMetrics struct {
	DurationMs  int64  `json:"duration_ms,omitempty"`
	SpentAtomic string `json:"spent_atomic,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}

// Step 是图中单个节点在一次运行中的执行记录。
// 步骤在运行创建时批量物化，每个步骤的生命周期独立推进，
// 但受图的依赖边约束。
type Step struct {
	RunID          string         `json:"run_id"`
	StepID         string         `json:"step_id"`
	NodeType       graph.NodeType `json:"node_type"`
	Status         StepStatus     `json:"status"`
	Attempt        int            `json:"attempt"`
	MaxRetries     int            `json:"max_retries"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Metrics        StepMetrics    `json:"metrics"`
	NextEligibleAt int64          `json:"next_eligible_at"`
	LeaseExpiresAt int64          `json:"lease_expires_at,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// 领取与退避策略。这些是策略值而非正确性要求：
// 租约时长取节点超时的两倍，退避按尝试次数指数增长并封顶。
const (
	DefaultLeaseDuration  = 60 * time.Second
	MinLeaseDuration      = 5 * time.Second
	BackoffBase           = 2 * time.Second
	BackoffCap            = 5 * time.Minute
	DefaultStepMaxRetries = 3
)

// LeaseDurationFor 返回节点的租约时长：2 × policy.timeoutMs，带下限与默认值。
func LeaseDurationFor(policy *graph.Policy) time.Duration {
	if policy == nil || policy.TimeoutMs <= 0 {
		return DefaultLeaseDuration
	}
	lease := 2 * time.Duration(policy.TimeoutMs) * time.Millisecond
	if lease < MinLeaseDuration {
		return MinLeaseDuration
	}
	return lease
}

// BackoffDelay 返回第 attempt 次失败后的退避时长：min(base·2^attempt, cap)。
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		return BackoffCap
	}
	delay := BackoffBase << uint(attempt)
	if delay > BackoffCap {
		return BackoffCap
	}
	return delay
}

// MaxRetriesFor 返回节点允许的最大重试次数。
func MaxRetriesFor(policy *graph.Policy) int {
	if policy == nil || policy.MaxRetries <= 0 {
		return DefaultStepMaxRetries
	}
	return policy.MaxRetries
}

// MaterializeSteps 从图批量生成步骤记录。planError 非空表示规划失败：
// 所有步骤直接以 failed 物化并携带失败原因，保证注定无法成功的运行
// 不会派发任何步骤。approval 节点直接物化为 requires_approval，
// 永远不会被工作进程自动领取。
func MaterializeSteps(runID string, g *graph.Graph, planError string, now int64) []*Step {
	steps := make([]*Step, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		step := &Step{
			RunID:          runID,
			StepID:         node.ID,
			NodeType:       node.Type,
			Status:         StepPending,
			MaxRetries:     MaxRetriesFor(node.Policy),
			NextEligibleAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		switch {
		case planError != "":
			step.Status = StepFailed
			step.Error = planError
			step.ErrorCode = string(xerrors.CodePlanningExhausted)
			step.Attempt = step.MaxRetries
		case node.Type == graph.NodeApproval:
			step.Status = StepRequiresApproval
		}
		steps = append(steps, step)
	}
	return steps
}
