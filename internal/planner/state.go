package planner

// Phase 标识规划重试状态机所处的阶段。
type Phase string

const (
	PhaseAttempting Phase = "attempting"
	PhaseSucceeded  Phase = "succeeded"
	PhaseExhausted  Phase = "exhausted"
)

// Outcome 是一次规划尝试的结果分类。
type Outcome int

const (
	// OutcomeValid 表示产出了通过校验的图。
	OutcomeValid Outcome = iota
	// OutcomeInvalid 表示产出了内容但未通过提取或校验。
	OutcomeInvalid
	// OutcomeTransport 表示传输层故障，本次尝试没有可用内容。
	OutcomeTransport
)

// State 是规划重试状态机的状态。纯数据，不持有任何外部资源,
// 便于脱离网络测试完整的尝试序列。
type State struct {
	Phase       Phase
	Attempt     int
	MaxAttempts int
	LastRaw     string
	LastErrors  []string
}

// NewState 创建处于第一次尝试的状态。
func NewState(maxAttempts int) State {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return State{Phase: PhaseAttempting, Attempt: 1, MaxAttempts: maxAttempts}
}

// Next 是状态机的纯迁移函数。成功立即终止；失败消耗一次尝试,
// 耗尽后进入 exhausted。内容失败记录原始输出与校验错误,
// 供下一次提示词构造引用；传输失败保留上一次的内容上下文。
func (s State) Next(outcome Outcome, raw string, errs []string) State {
	if s.Phase != PhaseAttempting {
		return s
	}
	switch outcome {
	case OutcomeValid:
		s.Phase = PhaseSucceeded
		return s
	case OutcomeInvalid:
		s.LastRaw = raw
		s.LastErrors = errs
	case OutcomeTransport:
		// 保留上一次内容失败的上下文。
	}
	if s.Attempt >= s.MaxAttempts {
		s.Phase = PhaseExhausted
		return s
	}
	s.Attempt++
	return s
}

// Done 判断状态机是否已终止。
func (s State) Done() bool {
	return s.Phase != PhaseAttempting
}
