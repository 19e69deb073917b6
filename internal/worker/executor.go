// Package worker 实现步骤执行器与租约回收扫描。执行器从队列消费步骤引用,
// 通过存储层的条件写入领取步骤, 按节点类型执行并推进运行状态。
// 队列消息只是唤醒信号, 重复与丢失都不影响正确性。
package worker

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/event"
	"IntentFlow/internal/graph"
	"IntentFlow/internal/llm"
	"IntentFlow/internal/observability/alerting"
	"IntentFlow/internal/observability/metrics"
	"IntentFlow/internal/run"
	"IntentFlow/internal/tooling"
	"IntentFlow/internal/wallet"
	"IntentFlow/pkg/logger"
)

// Executor 负责从队列消费步骤并执行。
type Executor struct {
	store       run.Store
	consumer    run.Consumer
	producer    run.Producer
	events      event.Log
	invoker     tooling.Invoker
	llmClient   llm.Client
	wallet      wallet.Wallet
	workerID    string
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithExecutorLogger 指定日志输出。
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ExecutorOption {
	return func(e *Executor) {
		if workers > 0 {
			e.workerCount = workers
		}
	}
}

// WithWorkerID 指定工作进程标识, 用于事件的触发主体。
func WithWorkerID(id string) ExecutorOption {
	return func(e *Executor) {
		if strings.TrimSpace(id) != "" {
			e.workerID = id
		}
	}
}

// WithInvoker 配置工具调用客户端。
func WithInvoker(invoker tooling.Invoker) ExecutorOption {
	return func(e *Executor) {
		e.invoker = invoker
	}
}

// WithLLMClient 配置推理节点使用的文本生成客户端。
func WithLLMClient(client llm.Client) ExecutorOption {
	return func(e *Executor) {
		e.llmClient = client
	}
}

// WithWallet 配置支付钱包。
func WithWallet(w wallet.Wallet) ExecutorOption {
	return func(e *Executor) {
		e.wallet = w
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ExecutorOption {
	return func(e *Executor) {
		e.alerter = dispatcher
	}
}

// NewExecutor 构造执行器。
func NewExecutor(store run.Store, consumer run.Consumer, producer run.Producer, events event.Log, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:       store,
		consumer:    consumer,
		producer:    producer,
		events:      events,
		workerID:    "worker-" + uuid.NewString()[:8],
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.workerCount <= 0 {
		e.workerCount = 1
	}
	return e
}

// Start 启动消费循环。
func (e *Executor) Start(ctx context.Context) error {
	if e.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置步骤消费者")
	}
	return e.consumer.Consume(ctx, e.workerCount, e.handle)
}

func (e *Executor) handle(ctx context.Context, ref run.StepRef) error {
	if e.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}

	r, err := e.store.GetRun(ctx, ref.RunID)
	if err != nil {
		if stdErrors.Is(err, run.ErrRunNotFound) {
			e.logDebug("丢弃未知运行的步骤引用", slog.String("run_id", ref.RunID))
			return nil
		}
		return err
	}
	if run.IsTerminal(r.Status) {
		// 运行已终止, 清理残余的非终态步骤。
		if cancelErr := e.store.CancelStep(ctx, ref.RunID, ref.StepID); cancelErr != nil &&
			!stdErrors.Is(cancelErr, run.ErrTransitionConflict) && !stdErrors.Is(cancelErr, run.ErrStepNotFound) {
			return cancelErr
		}
		return nil
	}

	node, ok := r.Graph.NodeByID(ref.StepID)
	if !ok {
		e.logDebug("丢弃图中不存在的步骤引用",
			slog.String("run_id", ref.RunID), slog.String("step_id", ref.StepID))
		return nil
	}

	now := time.Now().Unix()
	lease := now + int64(run.LeaseDurationFor(node.Policy).Seconds())
	step, err := e.store.ClaimStep(ctx, ref.RunID, ref.StepID, lease, now)
	if err != nil {
		if stdErrors.Is(err, run.ErrClaimConflict) {
			metrics.ObserveClaim(false)
			e.logDebug("领取竞争失败", slog.String("run_id", ref.RunID), slog.String("step_id", ref.StepID))
			return nil
		}
		if stdErrors.Is(err, run.ErrStepNotFound) {
			return nil
		}
		logger.L().Error("领取步骤失败", slog.Any("error", err),
			slog.String("run_id", ref.RunID), slog.String("step_id", ref.StepID))
		return err
	}
	metrics.ObserveClaim(true)
	e.append(ctx, ref.RunID, event.Draft{
		Type: event.TypeStepClaimed,
		Data: map[string]any{
			"step_id":          step.StepID,
			"attempt":          step.Attempt,
			"lease_expires_at": step.LeaseExpiresAt,
		},
		Actor: event.WorkerActor(e.workerID),
	})

	steps, err := e.store.ListSteps(ctx, ref.RunID)
	if err != nil {
		return err
	}
	byID := stepsByID(steps)
	if !run.StepReady(r.Graph, byID, ref.StepID) {
		// 队列唤醒早于依赖完成, 退回待调度且不消耗重试预算。
		if deferErr := e.store.DeferStep(ctx, ref.RunID, ref.StepID, now+1); deferErr != nil &&
			!stdErrors.Is(deferErr, run.ErrTransitionConflict) {
			return deferErr
		}
		return nil
	}

	if err := e.store.MarkStepRunning(ctx, ref.RunID, ref.StepID); err != nil {
		if stdErrors.Is(err, run.ErrTransitionConflict) {
			return nil
		}
		return err
	}
	e.appendStepStatus(ctx, ref.RunID, ref.StepID, run.StepClaimed, run.StepRunning)

	started := time.Now()
	outputs, metricsRecord, execErr := e.execute(ctx, r, node, step, steps)
	duration := time.Since(started)

	// 提交前的防护检查：运行可能在执行期间被取消。
	latest, err := e.store.GetRun(ctx, ref.RunID)
	if err == nil && run.IsTerminal(latest.Status) {
		if cancelErr := e.store.CancelStep(ctx, ref.RunID, ref.StepID); cancelErr != nil &&
			!stdErrors.Is(cancelErr, run.ErrTransitionConflict) {
			return cancelErr
		}
		return nil
	}

	if execErr != nil {
		if stdErrors.Is(execErr, errStepDeferred) || stdErrors.Is(execErr, errStepPaused) {
			return nil
		}
		metrics.ObserveStepExecution(string(node.Type), "failed", duration)
		return e.handleStepFailure(ctx, r, step, execErr)
	}

	metricsRecord.DurationMs = duration.Milliseconds()
	metricsRecord.Attempts = step.Attempt
	if err := e.store.CompleteStep(ctx, ref.RunID, ref.StepID, outputs, metricsRecord); err != nil {
		if stdErrors.Is(err, run.ErrTransitionConflict) {
			return nil
		}
		return err
	}
	metrics.ObserveStepExecution(string(node.Type), "succeeded", duration)
	e.appendStepStatus(ctx, ref.RunID, ref.StepID, run.StepRunning, run.StepSucceeded)
	logger.Audit().Info("步骤执行成功",
		slog.String("run_id", ref.RunID),
		slog.String("step_id", ref.StepID),
		slog.String("node_type", string(node.Type)),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	e.publishReadySteps(ctx, r)
	return e.advanceRun(ctx, ref.RunID)
}

// 执行中途改变调度而非产出结果的哨兵。
var (
	errStepDeferred = stdErrors.New("step deferred")
	errStepPaused   = stdErrors.New("step paused for approval")
)

func (e *Executor) execute(ctx context.Context, r *run.Run, node *graph.Node, step *run.Step, steps []*run.Step) (map[string]any, run.StepMetrics, error) {
	if node.Policy != nil && node.Policy.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.Policy.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	inputs := predecessorOutputs(r.Graph, steps, step.StepID)

	switch node.Type {
	case graph.NodeToolCall:
		return e.executeToolCall(ctx, r, node, step, inputs)
	case graph.NodeLLMReason:
		return e.executeLLMReason(ctx, node, inputs)
	case graph.NodeBranch:
		return e.executeBranch(ctx, r, node, inputs)
	case graph.NodeWait:
		return e.executeWait(ctx, r, node, step)
	case graph.NodeMerge:
		return inputs, run.StepMetrics{}, nil
	case graph.NodeFinalize:
		outputs := map[string]any{"output": node.Finalize.Output}
		for k, v := range inputs {
			if k != "output" {
				outputs[k] = v
			}
		}
		return outputs, run.StepMetrics{}, nil
	case graph.NodeApproval:
		// 审批节点在物化时即为 requires_approval, 正常不会被领取。
		if err := e.store.RequireApproval(ctx, r.ID, step.StepID); err != nil &&
			!stdErrors.Is(err, run.ErrTransitionConflict) {
			return nil, run.StepMetrics{}, err
		}
		return nil, run.StepMetrics{}, errStepPaused
	default:
		return nil, run.StepMetrics{}, xerrors.New(xerrors.CodeStepFatal,
			fmt.Sprintf("不支持的节点类型: %s", node.Type))
	}
}

// executeToolCall 先预留预算、再支付、最后调用工具端点。
// 预留失败的步骤不会发生任何支付; 支付失败会退回预留。
func (e *Executor) executeToolCall(ctx context.Context, r *run.Run, node *graph.Node, step *run.Step, inputs map[string]any) (map[string]any, run.StepMetrics, error) {
	if e.invoker == nil {
		return nil, run.StepMetrics{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具调用客户端")
	}
	spec := node.ToolCall
	outputs := map[string]any{}
	var record run.StepMetrics

	amount := spec.Payment.MaxAtomic
	if amount != nil && amount.Sign() > 0 {
		if err := e.store.ReserveSpend(ctx, r.ID, step.StepID, amount); err != nil {
			if stdErrors.Is(err, run.ErrBudgetCeiling) {
				return nil, record, e.handleBudgetExceeded(ctx, r, node, step, amount.String())
			}
			return nil, record, err
		}
		e.append(ctx, r.ID, event.Draft{
			Type: event.TypeBudgetReserved,
			Data: map[string]any{
				"step_id":       step.StepID,
				"amount_atomic": amount.String(),
			},
			Actor: event.WorkerActor(e.workerID),
		})

		txHash := ""
		if e.wallet != nil {
			receipt, err := e.wallet.Pay(ctx, spec.Endpoint, amount)
			if err != nil {
				e.releaseReserved(ctx, r.ID, step.StepID, amount)
				return nil, record, xerrors.Wrap(xerrors.CodePaymentFailure, err,
					fmt.Sprintf("步骤 %s 支付失败", step.StepID))
			}
			outputs["payment"] = map[string]any{
				"tx_hash":       receipt.TxHash,
				"asset":         receipt.Asset,
				"network":       receipt.Network,
				"amount_atomic": receipt.AmountAtomic,
			}
			txHash = receipt.TxHash
		}

		// 支付成功后才把预留转为实际花费，已花费金额只增不减。
		if err := e.store.CommitSpend(ctx, r.ID, step.StepID, amount); err != nil {
			return nil, record, err
		}
		record.SpentAtomic = amount.String()
		e.append(ctx, r.ID, event.Draft{
			Type: event.TypeBudgetCommitted,
			Data: map[string]any{
				"step_id":       step.StepID,
				"amount_atomic": amount.String(),
				"tx_hash":       txHash,
			},
			Actor: event.WorkerActor(e.workerID),
		})
	}

	payload := map[string]any{}
	for k, v := range spec.RequestTemplate {
		payload[k] = v
	}
	if len(inputs) > 0 {
		payload["context"] = inputs
	}
	result, err := e.invoker.Invoke(ctx, spec.Endpoint, payload)
	if err != nil {
		// 支付已经上链, 工具调用失败不回退花费。
		return nil, record, err
	}
	for k, v := range result {
		outputs[k] = v
	}
	return outputs, record, nil
}

func (e *Executor) executeLLMReason(ctx context.Context, node *graph.Node, inputs map[string]any) (map[string]any, run.StepMetrics, error) {
	if e.llmClient == nil {
		return nil, run.StepMetrics{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置文本生成客户端")
	}
	spec := node.LLMReason
	resp, err := e.llmClient.Generate(ctx, llm.Request{
		User: renderPrompt(spec.Prompt, inputs),
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeStepTransient, err, "文本生成调用失败")
		}
		return nil, run.StepMetrics{}, err
	}
	key := spec.OutputKey
	if key == "" {
		key = "text"
	}
	return map[string]any{key: resp.Text}, run.StepMetrics{}, nil
}

// executeBranch 求值条件并取消未命中的条件边目标。
// 命中的目标依靠 dependsOn 在分支节点成功后进入调度。
func (e *Executor) executeBranch(ctx context.Context, r *run.Run, node *graph.Node, inputs map[string]any) (map[string]any, run.StepMetrics, error) {
	result := evaluateCondition(node.Branch.Condition, inputs)
	for _, edge := range r.Graph.Edges {
		if edge.From != node.ID || edge.Type != graph.EdgeConditional {
			continue
		}
		if edge.Condition == fmt.Sprintf("%t", result) {
			continue
		}
		if err := e.store.CancelStep(ctx, r.ID, edge.To); err != nil {
			if stdErrors.Is(err, run.ErrTransitionConflict) || stdErrors.Is(err, run.ErrStepNotFound) {
				continue
			}
			return nil, run.StepMetrics{}, err
		}
		e.appendStepStatus(ctx, r.ID, edge.To, run.StepPending, run.StepCanceled)
	}
	return map[string]any{
		"condition": node.Branch.Condition,
		"result":    result,
	}, run.StepMetrics{}, nil
}

// executeWait 以无状态方式实现延时：未到期则退回待调度并定向到到期时刻,
// 到期后的再次领取直接完成。退回不消耗重试预算。
func (e *Executor) executeWait(ctx context.Context, r *run.Run, node *graph.Node, step *run.Step) (map[string]any, run.StepMetrics, error) {
	// 到期时刻向上取整到秒，亚秒级延时不会被截断成零等待。
	due := step.CreatedAt + (node.Wait.DurationMs+999)/1000
	now := time.Now().Unix()
	if now < due {
		if err := e.store.DeferStep(ctx, r.ID, step.StepID, due); err != nil &&
			!stdErrors.Is(err, run.ErrTransitionConflict) {
			return nil, run.StepMetrics{}, err
		}
		return nil, run.StepMetrics{}, errStepDeferred
	}
	return map[string]any{"waited_ms": node.Wait.DurationMs}, run.StepMetrics{}, nil
}

// handleBudgetExceeded 处理预算上限拒绝：配置了人工审批的节点转入审批等待,
// 否则步骤以不可重试的方式终止。
func (e *Executor) handleBudgetExceeded(ctx context.Context, r *run.Run, node *graph.Node, step *run.Step, amount string) error {
	e.append(ctx, r.ID, event.Draft{
		Type: event.TypeBudgetExceeded,
		Data: map[string]any{
			"step_id":       step.StepID,
			"amount_atomic": amount,
			"max_atomic":    r.Budget.MaxAtomic,
		},
		Actor: event.WorkerActor(e.workerID),
	})
	e.emitAlert(ctx, r.ID, step, xerrors.CodeBudgetExceeded,
		xerrors.New(xerrors.CodeBudgetExceeded, ""), "budget")

	if node.Policy != nil && node.Policy.RequiresApproval {
		if err := e.store.RequireApproval(ctx, r.ID, step.StepID); err != nil &&
			!stdErrors.Is(err, run.ErrTransitionConflict) {
			return err
		}
		e.appendStepStatus(ctx, r.ID, step.StepID, run.StepRunning, run.StepRequiresApproval)
		if err := e.advanceRun(ctx, r.ID); err != nil {
			return err
		}
		return errStepPaused
	}
	return xerrors.New(xerrors.CodeBudgetExceeded,
		fmt.Sprintf("步骤 %s 预留 %s 会突破预算上限 %s", step.StepID, amount, r.Budget.MaxAtomic))
}

func (e *Executor) handleStepFailure(ctx context.Context, r *run.Run, step *run.Step, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeStepFatal
	}
	retryable := xerrors.RetryableError(execErr)
	exhausted := step.Attempt >= step.MaxRetries
	terminal := !retryable || exhausted

	nextEligibleAt := int64(0)
	if !terminal {
		nextEligibleAt = time.Now().Unix() + int64(run.BackoffDelay(step.Attempt).Seconds())
	}
	if err := e.store.FailStep(ctx, r.ID, step.StepID, string(code), execErr.Error(), nextEligibleAt, terminal); err != nil {
		if stdErrors.Is(err, run.ErrTransitionConflict) {
			return nil
		}
		return err
	}
	e.appendStepStatus(ctx, r.ID, step.StepID, run.StepRunning, run.StepFailed)
	logger.Audit().Warn("步骤执行失败",
		slog.String("run_id", r.ID),
		slog.String("step_id", step.StepID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempt", step.Attempt),
		slog.Int("max_retries", step.MaxRetries),
	)

	if !terminal {
		// 退避期结束后由周期扫描重新投递。
		return nil
	}

	stage := "terminal"
	if !retryable {
		stage = "fatal"
	}
	e.emitAlert(ctx, r.ID, step, code, execErr, stage)

	// 失败边存在时让兜底分支进入调度, 否则运行在 advanceRun 中收敛到失败。
	for _, target := range r.Graph.FailureTargets(step.StepID) {
		ref := run.StepRef{RunID: r.ID, StepID: target}
		if pubErr := e.producer.Publish(ctx, ref); pubErr != nil {
			logger.L().Warn("失败分支投递失败", slog.Any("error", pubErr),
				slog.String("run_id", r.ID), slog.String("step_id", target))
		}
	}
	return e.advanceRun(ctx, r.ID)
}

// advanceRun 在步骤状态变化后推进运行的整体状态：
// 取消因前驱终止而永远无法执行的步骤, 在只剩审批等待时暂停运行,
// 全部步骤落定后按 finalize 结果收敛为成功或失败。
func (e *Executor) advanceRun(ctx context.Context, runID string) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal(r.Status) {
		return nil
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	byID := stepsByID(steps)

	// 反复取消死路步骤直到收敛：死路的取消可能让下游步骤也成为死路。
	for {
		canceled := false
		for _, step := range steps {
			if step.Status != run.StepPending {
				continue
			}
			if !stepIsDead(r.Graph, byID, step) {
				continue
			}
			if err := e.store.CancelStep(ctx, runID, step.StepID); err != nil {
				if stdErrors.Is(err, run.ErrTransitionConflict) {
					continue
				}
				return err
			}
			e.appendStepStatus(ctx, runID, step.StepID, run.StepPending, run.StepCanceled)
			step.Status = run.StepCanceled
			canceled = true
		}
		if !canceled {
			break
		}
	}

	active, approvals := 0, 0
	for _, step := range steps {
		switch step.Status {
		case run.StepClaimed, run.StepRunning:
			active++
		case run.StepFailed:
			if step.Attempt < step.MaxRetries {
				active++
			}
		case run.StepRequiresApproval:
			approvals++
		case run.StepPending:
			if blockedByApproval(r.Graph, byID, step.StepID) {
				approvals++
			} else {
				active++
			}
		}
	}
	if active > 0 {
		return nil
	}
	if approvals > 0 {
		if r.Status != run.StatusRunning {
			return nil
		}
		return e.transitionRun(ctx, runID, run.StatusRunning, run.StatusPausedForApproval)
	}

	target := run.StatusFailed
	for _, step := range steps {
		if step.NodeType == graph.NodeFinalize && step.Status == run.StepSucceeded {
			target = run.StatusSucceeded
			break
		}
	}
	return e.transitionRun(ctx, runID, r.Status, target)
}

func (e *Executor) transitionRun(ctx context.Context, runID string, from, to run.Status) error {
	if err := e.store.TransitionRun(ctx, runID, from, to); err != nil {
		if stdErrors.Is(err, run.ErrTransitionConflict) {
			return nil
		}
		return err
	}
	e.append(ctx, runID, event.Draft{
		Type: event.TypeRunStatusChanged,
		Data: map[string]any{
			"previous_status": string(from),
			"new_status":      string(to),
		},
		Actor: event.WorkerActor(e.workerID),
	})
	return nil
}

// publishReadySteps 投递前驱刚刚全部成功的步骤。
func (e *Executor) publishReadySteps(ctx context.Context, r *run.Run) {
	if e.producer == nil {
		return
	}
	steps, err := e.store.ListSteps(ctx, r.ID)
	if err != nil {
		return
	}
	byID := stepsByID(steps)
	for _, step := range steps {
		if step.Status != run.StepPending {
			continue
		}
		if !run.StepReady(r.Graph, byID, step.StepID) {
			continue
		}
		ref := run.StepRef{RunID: r.ID, StepID: step.StepID}
		if err := e.producer.Publish(ctx, ref); err != nil {
			logger.L().Warn("步骤投递失败", slog.Any("error", err),
				slog.String("run_id", r.ID), slog.String("step_id", step.StepID))
		}
	}
}

func (e *Executor) releaseReserved(ctx context.Context, runID, stepID string, amount *big.Int) {
	if err := e.store.ReleaseSpend(ctx, runID, stepID, amount); err != nil {
		logger.L().Error("释放预算预留失败", slog.Any("error", err),
			slog.String("run_id", runID), slog.String("step_id", stepID))
		return
	}
	e.append(ctx, runID, event.Draft{
		Type: event.TypeBudgetReleased,
		Data: map[string]any{
			"step_id":       stepID,
			"amount_atomic": amount.String(),
		},
		Actor: event.WorkerActor(e.workerID),
	})
}

func (e *Executor) appendStepStatus(ctx context.Context, runID, stepID string, from, to run.StepStatus) {
	e.append(ctx, runID, event.Draft{
		Type: event.TypeStepStatusChanged,
		Data: map[string]any{
			"step_id":         stepID,
			"previous_status": string(from),
			"new_status":      string(to),
		},
		Actor: event.WorkerActor(e.workerID),
	})
}

func (e *Executor) append(ctx context.Context, runID string, draft event.Draft) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Append(ctx, runID, draft); err != nil {
		logger.L().Error("事件追加失败", slog.Any("error", err),
			slog.String("run_id", runID), slog.String("event_type", string(draft.Type)))
	}
}

func (e *Executor) emitAlert(ctx context.Context, runID string, step *run.Step, code xerrors.Code, cause error, stage string) {
	if e.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{"stage": stage}
	evt := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      runID,
		StepID:     step.StepID,
		Attempts:   step.Attempt,
		MaxRetries: step.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := e.alerter.Notify(ctx, evt); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err),
			slog.String("run_id", runID), slog.String("step_id", step.StepID))
	}
}

func (e *Executor) logDebug(msg string, attrs ...slog.Attr) {
	if e.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		e.logger.Debug(msg, args...)
	}
}

func stepsByID(steps []*run.Step) map[string]*run.Step {
	byID := make(map[string]*run.Step, len(steps))
	for _, step := range steps {
		byID[step.StepID] = step
	}
	return byID
}

// stepIsDead 判断一个 pending 步骤是否已永远无法执行：
// 任一前驱被取消或不可重试地失败, 或作为兜底分支时失败边起点已成功。
// 等待审批的前驱不算死路。
func stepIsDead(g *graph.Graph, byID map[string]*run.Step, step *run.Step) bool {
	for _, pred := range g.Predecessors(step.StepID) {
		predStep, ok := byID[pred]
		if !ok {
			return true
		}
		switch predStep.Status {
		case run.StepCanceled:
			return true
		case run.StepFailed:
			if predStep.Attempt >= predStep.MaxRetries {
				return true
			}
		}
	}
	for _, source := range g.FailureSources(step.StepID) {
		predStep, ok := byID[source]
		if !ok {
			continue
		}
		if predStep.Status == run.StepSucceeded || predStep.Status == run.StepCanceled {
			return true
		}
	}
	return false
}

// blockedByApproval 判断一个 pending 步骤是否(可传递地)被审批节点阻塞。
func blockedByApproval(g *graph.Graph, byID map[string]*run.Step, stepID string) bool {
	for _, pred := range g.Predecessors(stepID) {
		predStep, ok := byID[pred]
		if !ok {
			continue
		}
		if predStep.Status == run.StepRequiresApproval {
			return true
		}
		if predStep.Status == run.StepPending && blockedByApproval(g, byID, pred) {
			return true
		}
	}
	return false
}

// renderPrompt 将前驱步骤的输出作为上下文拼接到提示之后。
func renderPrompt(prompt string, inputs map[string]any) string {
	if len(inputs) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nContext from previous steps:\n")
	for _, key := range sortedKeys(inputs) {
		fmt.Fprintf(&b, "%s: %v\n", key, inputs[key])
	}
	return b.String()
}

// predecessorOutputs 合并全部前驱步骤的输出。键冲突时后写覆盖先写。
func predecessorOutputs(g *graph.Graph, steps []*run.Step, stepID string) map[string]any {
	byID := stepsByID(steps)
	merged := map[string]any{}
	for _, pred := range g.Predecessors(stepID) {
		step, ok := byID[pred]
		if !ok || step.Outputs == nil {
			continue
		}
		for k, v := range step.Outputs {
			merged[k] = v
		}
	}
	return merged
}

// evaluateCondition 对分支条件做最小化求值：
// "key == value" 与 "key != value" 比较输出值的字符串形式,
// 裸键名按真值判断(存在且非空、非 false、非零)。
func evaluateCondition(condition string, inputs map[string]any) bool {
	condition = strings.TrimSpace(condition)
	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(condition, op); idx >= 0 {
			key := strings.TrimSpace(condition[:idx])
			want := strings.Trim(strings.TrimSpace(condition[idx+len(op):]), `'"`)
			got, ok := inputs[key]
			equal := ok && fmt.Sprintf("%v", got) == want
			if op == "==" {
				return equal
			}
			return !equal
		}
	}
	value, ok := inputs[condition]
	if !ok || value == nil {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "0"
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return true
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
