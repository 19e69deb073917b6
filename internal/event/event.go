package event

import "context"

// Type 标识事件日志中的事件种类。
type Type string

const (
	TypeRunCreated        Type = "RUN_CREATED"
	TypeRunStatusChanged  Type = "RUN_STATUS_CHANGED"
	TypeStepCreated       Type = "STEP_CREATED"
	TypeStepStatusChanged Type = "STEP_STATUS_CHANGED"
	TypeStepClaimed       Type = "STEP_CLAIMED"
	TypeBudgetReserved    Type = "BUDGET_RESERVED"
	TypeBudgetCommitted   Type = "BUDGET_COMMITTED"
	TypeBudgetReleased    Type = "BUDGET_RELEASED"
	TypeBudgetExceeded    Type = "BUDGET_EXCEEDED"
	TypePlanAttempt       Type = "PLAN_ATTEMPT"
	TypePlanFailed        Type = "PLAN_FAILED"
	TypeApprovalGranted   Type = "APPROVAL_GRANTED"
)

// ActorType 区分触发事件的主体类别。
type ActorType string

const (
	ActorSystem  ActorType = "system"
	ActorWorker  ActorType = "worker"
	ActorUser    ActorType = "user"
	ActorPlanner ActorType = "planner"
)

// Actor 描述触发事件的主体。
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Event 是只追加的审计记录。写入后永不修改或删除，
// 按 (RunID, Seq) 严格有序，是 UI 回放与审计的唯一事实来源。
type Event struct {
	RunID string         `json:"run_id"`
	Seq   int64          `json:"seq"`
	Type  Type           `json:"type"`
	Data  map[string]any `json:"data,omitempty"`
	Actor Actor          `json:"actor"`
	Ts    int64          `json:"ts"`
}

// Draft 是尚未分配序号与时间戳的事件草稿。
type Draft struct {
	Type  Type
	Data  map[string]any
	Actor Actor
}

// Log 抽象了事件日志的持久化。Append 必须与触发它的状态变更同步完成，
// 并在单个 run 内分配单调递增的序号。
type Log interface {
	Append(ctx context.Context, runID string, draft Draft) (*Event, error)
	List(ctx context.Context, runID string) ([]*Event, error)
	Close() error
}

// SystemActor 是编排核心自身触发事件时使用的主体。
func SystemActor() Actor {
	return Actor{Type: ActorSystem, ID: "orchestrator"}
}

// WorkerActor 构造工作进程主体。
func WorkerActor(workerID string) Actor {
	return Actor{Type: ActorWorker, ID: workerID}
}

// UserActor 构造用户主体。
func UserActor(userID string) Actor {
	return Actor{Type: ActorUser, ID: userID}
}
