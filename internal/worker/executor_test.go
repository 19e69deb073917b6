package worker

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"IntentFlow/internal/budget"
	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/event"
	"IntentFlow/internal/graph"
	"IntentFlow/internal/llm"
	"IntentFlow/internal/run"
	"IntentFlow/internal/wallet"
)

type captureProducer struct {
	mu   sync.Mutex
	refs []run.StepRef
}

func (p *captureProducer) Publish(_ context.Context, ref run.StepRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs = append(p.refs, ref)
	return nil
}

func (p *captureProducer) Close() error { return nil }

func (p *captureProducer) pop() (run.StepRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.refs) == 0 {
		return run.StepRef{}, false
	}
	ref := p.refs[0]
	p.refs = p.refs[1:]
	return ref, true
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, endpoint string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"results": []any{"article-1", "article-2"}}, nil
}

type fakeLLM struct {
	text string
}

func (f *fakeLLM) Generate(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: f.text, Usage: llm.Usage{TotalTokens: 12}}, nil
}

type fakePlanner struct {
	g *graph.Graph
}

func (p *fakePlanner) Plan(context.Context, string, string, budget.Budget) (*run.PlanResult, error) {
	return &run.PlanResult{Graph: p.g, Attempts: 1}, nil
}

type harness struct {
	store   *run.MemoryStore
	events  *event.MemoryLog
	queue   *captureProducer
	svc     *run.Service
	exec    *Executor
	wallet  *wallet.SimulatedWallet
	invoker *fakeInvoker
}

func newHarness(g *graph.Graph) *harness {
	h := &harness{
		store:   run.NewMemoryStore(),
		events:  event.NewMemoryLog(),
		queue:   &captureProducer{},
		wallet:  wallet.NewSimulatedWallet("simulated", "USDC"),
		invoker: &fakeInvoker{},
	}
	h.svc = run.NewService(h.store, h.queue, h.events, &fakePlanner{g: g})
	h.exec = NewExecutor(h.store, nil, h.queue, h.events,
		WithInvoker(h.invoker),
		WithLLMClient(&fakeLLM{text: "ok"}),
		WithWallet(h.wallet),
		WithWorkerID("worker-test"),
	)
	return h
}

func (h *harness) create(t *testing.T, maxAtomic string) *run.Run {
	t.Helper()
	r, err := h.svc.Create(context.Background(), run.CreateRequest{
		WorkspaceID: "ws-1",
		Input:       "find recent news and summarize",
		Budget:      budget.Budget{Asset: "USDC", Network: "base-sepolia", MaxAtomic: maxAtomic},
		Actor:       event.UserActor("user-1"),
	})
	if err != nil {
		t.Fatalf("创建运行失败: %v", err)
	}
	return r
}

// drive 同步消费队列直到没有待处理的步骤引用。
func (h *harness) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 64; i++ {
		ref, ok := h.queue.pop()
		if !ok {
			return
		}
		if err := h.exec.handle(ctx, ref); err != nil {
			t.Fatalf("处理步骤 %s 失败: %v", ref.StepID, err)
		}
	}
	t.Fatal("步骤处理未收敛")
}

func (h *harness) step(t *testing.T, runID, stepID string) *run.Step {
	t.Helper()
	step, err := h.store.GetStep(context.Background(), runID, stepID)
	if err != nil {
		t.Fatalf("读取步骤 %s 失败: %v", stepID, err)
	}
	return step
}

func workflowGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{
				ID:     "search",
				Type:   graph.NodeToolCall,
				Policy: &graph.Policy{MaxRetries: 3, TimeoutMs: 5000},
				ToolCall: &graph.ToolCallSpec{
					ToolID:          "news-search",
					Endpoint:        "https://tools.example.com/v1/search",
					RequestTemplate: map[string]any{"query": "llm orchestration"},
					Payment:         graph.Payment{MaxAtomic: big.NewInt(1_000_000)},
				},
			},
			{
				ID:        "summarize",
				Type:      graph.NodeLLMReason,
				DependsOn: []string{"search"},
				LLMReason: &graph.LLMReasonSpec{Prompt: "Summarize the search results.", OutputKey: "summary"},
			},
			{
				ID:        "finish",
				Type:      graph.NodeFinalize,
				DependsOn: []string{"summarize"},
				Finalize:  &graph.FinalizeSpec{Output: "digest ready"},
			},
		},
		Edges: []graph.Edge{
			{From: "search", To: "summarize", Type: graph.EdgeSuccess},
			{From: "summarize", To: "finish", Type: graph.EdgeSuccess},
		},
		EntryNodeID: "search",
	}
}

func TestExecutorRunsWorkflowEndToEnd(t *testing.T) {
	h := newHarness(workflowGraph())
	created := h.create(t, "5000000")
	h.drive(t)

	r, err := h.store.GetRun(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("读取运行失败: %v", err)
	}
	if r.Status != run.StatusSucceeded {
		t.Fatalf("期望运行成功, 实际 %s", r.Status)
	}
	if r.Budget.SpentAtomic != "1000000" {
		t.Fatalf("期望花费 1000000, 实际 %s", r.Budget.SpentAtomic)
	}
	for _, stepID := range []string{"search", "summarize", "finish"} {
		if got := h.step(t, r.ID, stepID).Status; got != run.StepSucceeded {
			t.Fatalf("步骤 %s 期望 succeeded, 实际 %s", stepID, got)
		}
	}
	if payments := h.wallet.Payments(); len(payments) != 1 || payments[0].AmountAtomic != "1000000" {
		t.Fatalf("支付记录异常: %+v", payments)
	}
	if len(h.invoker.calls) != 1 || h.invoker.calls[0] != "https://tools.example.com/v1/search" {
		t.Fatalf("工具调用记录异常: %v", h.invoker.calls)
	}
	if got := h.step(t, r.ID, "summarize").Outputs["summary"]; got != "ok" {
		t.Fatalf("推理输出异常: %v", got)
	}

	events, err := h.events.List(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	if events[0].Type != event.TypeRunCreated {
		t.Fatalf("首个事件应为 RUN_CREATED, 实际 %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != event.TypeRunStatusChanged || last.Data["new_status"] != string(run.StatusSucceeded) {
		t.Fatalf("末尾事件应记录运行成功, 实际 %s %v", last.Type, last.Data)
	}
	seen := map[event.Type]bool{}
	for i, evt := range events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("事件序号断裂: 位置 %d 序号 %d", i, evt.Seq)
		}
		seen[evt.Type] = true
	}
	for _, want := range []event.Type{event.TypeStepClaimed, event.TypeBudgetReserved, event.TypeBudgetCommitted} {
		if !seen[want] {
			t.Fatalf("缺少事件 %s", want)
		}
	}
}

func TestExecutorTransientFailureSchedulesRetry(t *testing.T) {
	h := newHarness(workflowGraph())
	h.invoker.err = xerrors.New(xerrors.CodeStepTransient, "upstream returned 503")
	created := h.create(t, "5000000")
	h.drive(t)

	step := h.step(t, created.ID, "search")
	if step.Status != run.StepFailed {
		t.Fatalf("期望 failed, 实际 %s", step.Status)
	}
	if step.Attempt != 1 || step.Attempt >= step.MaxRetries {
		t.Fatalf("重试预算异常: attempt=%d max=%d", step.Attempt, step.MaxRetries)
	}
	if step.NextEligibleAt <= time.Now().Unix() {
		t.Fatalf("重试应带退避, next_eligible_at=%d", step.NextEligibleAt)
	}
	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusRunning {
		t.Fatalf("可重试失败不应终止运行, 实际 %s", r.Status)
	}
}

func TestExecutorFatalFailureFailsRun(t *testing.T) {
	h := newHarness(workflowGraph())
	h.invoker.err = xerrors.New(xerrors.CodeStepFatal, "tool rejected the request")
	created := h.create(t, "5000000")
	h.drive(t)

	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusFailed {
		t.Fatalf("期望运行失败, 实际 %s", r.Status)
	}
	if got := h.step(t, created.ID, "search").Status; got != run.StepFailed {
		t.Fatalf("search 期望 failed, 实际 %s", got)
	}
	// 下游步骤成为死路后被取消, 运行不会悬停。
	for _, stepID := range []string{"summarize", "finish"} {
		if got := h.step(t, created.ID, stepID).Status; got != run.StepCanceled {
			t.Fatalf("步骤 %s 期望 canceled, 实际 %s", stepID, got)
		}
	}
	// 支付发生在调用之前, 调用失败不回退已上链的花费。
	if r.Budget.SpentAtomic != "1000000" {
		t.Fatalf("期望花费保持 1000000, 实际 %s", r.Budget.SpentAtomic)
	}
}

type failingWallet struct{}

func (failingWallet) Pay(context.Context, string, *big.Int) (*wallet.Receipt, error) {
	return nil, stdErrors.New("insufficient funds")
}

func (failingWallet) Close() {}

func TestExecutorPaymentFailureReleasesReservation(t *testing.T) {
	h := newHarness(workflowGraph())
	h.exec = NewExecutor(h.store, nil, h.queue, h.events,
		WithInvoker(h.invoker),
		WithLLMClient(&fakeLLM{text: "ok"}),
		WithWallet(failingWallet{}),
		WithWorkerID("worker-test"),
	)
	created := h.create(t, "5000000")
	h.drive(t)

	step := h.step(t, created.ID, "search")
	if step.Status != run.StepFailed || step.ErrorCode != string(xerrors.CodePaymentFailure) {
		t.Fatalf("search 期望以 PAYMENT_FAILURE 失败, 实际 %s/%s", step.Status, step.ErrorCode)
	}
	if step.Attempt >= step.MaxRetries {
		t.Fatalf("支付失败应保持可重试: attempt=%d max=%d", step.Attempt, step.MaxRetries)
	}
	if len(h.invoker.calls) != 0 {
		t.Fatalf("未完成支付不应调用工具: %v", h.invoker.calls)
	}

	// 预留被释放, 已花费保持为零: 花费只在支付成功后提交, 绝不回退。
	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Budget.SpentAtomic != "0" || r.Budget.ReservedAtomic != "0" {
		t.Fatalf("支付失败后预算应完整回到可用状态: %+v", r.Budget)
	}

	events, _ := h.events.List(context.Background(), created.ID)
	seen := map[event.Type]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	if !seen[event.TypeBudgetReserved] || !seen[event.TypeBudgetReleased] {
		t.Fatalf("缺少预留/释放事件: %v", seen)
	}
	if seen[event.TypeBudgetCommitted] {
		t.Fatal("支付失败不应出现 BUDGET_COMMITTED 事件")
	}
}

func TestExecutorFailureEdgeRunsFallback(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{
				ID:     "search",
				Type:   graph.NodeToolCall,
				Policy: &graph.Policy{MaxRetries: 1},
				ToolCall: &graph.ToolCallSpec{
					ToolID:          "news-search",
					Endpoint:        "https://tools.example.com/v1/search",
					RequestTemplate: map[string]any{"query": "q"},
					Payment:         graph.Payment{},
				},
			},
			{
				ID:        "finish",
				Type:      graph.NodeFinalize,
				DependsOn: []string{"search"},
				Finalize:  &graph.FinalizeSpec{Output: "full result"},
			},
			{
				ID:       "report",
				Type:     graph.NodeFinalize,
				Finalize: &graph.FinalizeSpec{Output: "degraded result"},
			},
		},
		Edges: []graph.Edge{
			{From: "search", To: "finish", Type: graph.EdgeSuccess},
			{From: "search", To: "report", Type: graph.EdgeFailure},
		},
		EntryNodeID: "search",
	}
	h := newHarness(g)
	h.invoker.err = xerrors.New(xerrors.CodeStepFatal, "tool rejected the request")
	created := h.create(t, "5000000")
	h.drive(t)

	if got := h.step(t, created.ID, "search").Status; got != run.StepFailed {
		t.Fatalf("search 期望 failed, 实际 %s", got)
	}
	if got := h.step(t, created.ID, "finish").Status; got != run.StepCanceled {
		t.Fatalf("finish 期望 canceled, 实际 %s", got)
	}
	if got := h.step(t, created.ID, "report").Status; got != run.StepSucceeded {
		t.Fatalf("report 期望 succeeded, 实际 %s", got)
	}
	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusSucceeded {
		t.Fatalf("兜底 finalize 成功后运行应成功, 实际 %s", r.Status)
	}
	if len(h.wallet.Payments()) != 0 {
		t.Fatalf("零额支付节点不应出账: %+v", h.wallet.Payments())
	}
}

func budgetGraph(requiresApproval bool) *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{
				ID:     "buy",
				Type:   graph.NodeToolCall,
				Policy: &graph.Policy{MaxRetries: 3, RequiresApproval: requiresApproval},
				ToolCall: &graph.ToolCallSpec{
					ToolID:          "data-vendor",
					Endpoint:        "https://vendor.example.com/v1/bundle",
					RequestTemplate: map[string]any{"bundle": "premium"},
					Payment:         graph.Payment{MaxAtomic: big.NewInt(10_000_000)},
				},
			},
			{
				ID:        "finish",
				Type:      graph.NodeFinalize,
				DependsOn: []string{"buy"},
				Finalize:  &graph.FinalizeSpec{Output: "bundle delivered"},
			},
		},
		Edges: []graph.Edge{
			{From: "buy", To: "finish", Type: graph.EdgeSuccess},
		},
		EntryNodeID: "buy",
	}
}

func TestExecutorBudgetCeilingPausesForApproval(t *testing.T) {
	h := newHarness(budgetGraph(true))
	created := h.create(t, "5000000")
	h.drive(t)

	if got := h.step(t, created.ID, "buy").Status; got != run.StepRequiresApproval {
		t.Fatalf("buy 期望 requires_approval, 实际 %s", got)
	}
	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusPausedForApproval {
		t.Fatalf("期望运行暂停待审批, 实际 %s", r.Status)
	}
	if r.Budget.SpentAtomic != "0" {
		t.Fatalf("审批前不应发生花费, 实际 %s", r.Budget.SpentAtomic)
	}
	if len(h.wallet.Payments()) != 0 {
		t.Fatalf("审批前不应出账: %+v", h.wallet.Payments())
	}

	events, _ := h.events.List(context.Background(), created.ID)
	exceeded := false
	for _, evt := range events {
		if evt.Type == event.TypeBudgetExceeded {
			exceeded = true
		}
	}
	if !exceeded {
		t.Fatal("缺少 BUDGET_EXCEEDED 事件")
	}

	if err := h.svc.Approve(context.Background(), created.ID, "buy",
		event.UserActor("approver-1"), map[string]any{"note": "approved"}); err != nil {
		t.Fatalf("审批失败: %v", err)
	}
	h.drive(t)

	r, _ = h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusSucceeded {
		t.Fatalf("审批后运行应完成, 实际 %s", r.Status)
	}
	if got := h.step(t, created.ID, "finish").Status; got != run.StepSucceeded {
		t.Fatalf("finish 期望 succeeded, 实际 %s", got)
	}
}

func TestExecutorBudgetCeilingFailsStepWithoutApprovalPolicy(t *testing.T) {
	h := newHarness(budgetGraph(false))
	created := h.create(t, "5000000")
	h.drive(t)

	step := h.step(t, created.ID, "buy")
	if step.Status != run.StepFailed || step.ErrorCode != string(xerrors.CodeBudgetExceeded) {
		t.Fatalf("buy 期望以 BUDGET_EXCEEDED 失败, 实际 %s/%s", step.Status, step.ErrorCode)
	}
	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusFailed {
		t.Fatalf("期望运行失败, 实际 %s", r.Status)
	}
	if r.Budget.SpentAtomic != "0" {
		t.Fatalf("被拒绝的预留不应产生花费, 实际 %s", r.Budget.SpentAtomic)
	}
}

func TestExecutorBranchCancelsUntakenPath(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{
				ID:        "score",
				Type:      graph.NodeLLMReason,
				LLMReason: &graph.LLMReasonSpec{Prompt: "Assess the result.", OutputKey: "verdict"},
			},
			{
				ID:        "check",
				Type:      graph.NodeBranch,
				DependsOn: []string{"score"},
				Branch:    &graph.BranchSpec{Condition: "verdict == ok"},
			},
			{
				ID:        "good",
				Type:      graph.NodeFinalize,
				DependsOn: []string{"check"},
				Finalize:  &graph.FinalizeSpec{Output: "accepted"},
			},
			{
				ID:        "bad",
				Type:      graph.NodeFinalize,
				DependsOn: []string{"check"},
				Finalize:  &graph.FinalizeSpec{Output: "rejected"},
			},
		},
		Edges: []graph.Edge{
			{From: "score", To: "check", Type: graph.EdgeSuccess},
			{From: "check", To: "good", Type: graph.EdgeConditional, Condition: "true"},
			{From: "check", To: "bad", Type: graph.EdgeConditional, Condition: "false"},
		},
		EntryNodeID: "score",
	}
	h := newHarness(g)
	created := h.create(t, "1000")
	h.drive(t)

	if got := h.step(t, created.ID, "bad").Status; got != run.StepCanceled {
		t.Fatalf("未命中的分支期望 canceled, 实际 %s", got)
	}
	if got := h.step(t, created.ID, "good").Status; got != run.StepSucceeded {
		t.Fatalf("命中的分支期望 succeeded, 实际 %s", got)
	}
	check := h.step(t, created.ID, "check")
	if check.Outputs["result"] != true {
		t.Fatalf("分支求值结果异常: %v", check.Outputs)
	}
	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusSucceeded {
		t.Fatalf("期望运行成功, 实际 %s", r.Status)
	}
}

func TestExecutorWaitDefersWithoutRetryCost(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{
				ID:   "pause",
				Type: graph.NodeWait,
				Wait: &graph.WaitSpec{DurationMs: 3_600_000},
			},
			{
				ID:        "finish",
				Type:      graph.NodeFinalize,
				DependsOn: []string{"pause"},
				Finalize:  &graph.FinalizeSpec{Output: "done"},
			},
		},
		Edges: []graph.Edge{
			{From: "pause", To: "finish", Type: graph.EdgeSuccess},
		},
		EntryNodeID: "pause",
	}
	h := newHarness(g)
	created := h.create(t, "1000")
	h.drive(t)

	step := h.step(t, created.ID, "pause")
	if step.Status != run.StepPending {
		t.Fatalf("未到期的等待应退回 pending, 实际 %s", step.Status)
	}
	if step.Attempt != 0 {
		t.Fatalf("退回不应消耗重试预算, attempt=%d", step.Attempt)
	}
	if step.NextEligibleAt < time.Now().Unix()+3000 {
		t.Fatalf("应定向到到期时刻, next_eligible_at=%d", step.NextEligibleAt)
	}
	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusRunning {
		t.Fatalf("等待中的运行应保持 running, 实际 %s", r.Status)
	}
}

func TestExecutorWaitRoundsSubSecondDurationUp(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{
				ID:   "pause",
				Type: graph.NodeWait,
				Wait: &graph.WaitSpec{DurationMs: 500},
			},
			{
				ID:        "finish",
				Type:      graph.NodeFinalize,
				DependsOn: []string{"pause"},
				Finalize:  &graph.FinalizeSpec{Output: "done"},
			},
		},
		Edges: []graph.Edge{
			{From: "pause", To: "finish", Type: graph.EdgeSuccess},
		},
		EntryNodeID: "pause",
	}
	h := newHarness(g)
	created := h.create(t, "1000")

	ctx := context.Background()
	now := time.Now().Unix()
	claimed, err := h.store.ClaimStep(ctx, created.ID, "pause", now+60, now)
	if err != nil {
		t.Fatalf("领取步骤失败: %v", err)
	}
	// 把创建时刻固定在未来, 消除秒针跨界带来的抖动。
	claimed.CreatedAt = now + 5
	r, _ := h.store.GetRun(ctx, created.ID)
	node, ok := r.Graph.NodeByID("pause")
	if !ok {
		t.Fatal("图中缺少 pause 节点")
	}

	_, _, execErr := h.exec.executeWait(ctx, r, node, claimed)
	if !stdErrors.Is(execErr, errStepDeferred) {
		t.Fatalf("亚秒级等待应被退回, 实际 %v", execErr)
	}
	step := h.step(t, created.ID, "pause")
	if step.NextEligibleAt != claimed.CreatedAt+1 {
		t.Fatalf("500ms 应向上取整为 1s 等待, next_eligible_at=%d created_at=%d",
			step.NextEligibleAt, claimed.CreatedAt)
	}
}

func TestExecutorSkipsCanceledRun(t *testing.T) {
	h := newHarness(workflowGraph())
	created := h.create(t, "5000000")
	if err := h.svc.Cancel(context.Background(), created.ID, event.UserActor("user-1")); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	h.drive(t)

	r, _ := h.store.GetRun(context.Background(), created.ID)
	if r.Status != run.StatusCanceled {
		t.Fatalf("期望 canceled, 实际 %s", r.Status)
	}
	if len(h.invoker.calls) != 0 {
		t.Fatalf("已取消的运行不应调用工具: %v", h.invoker.calls)
	}
	if len(h.wallet.Payments()) != 0 {
		t.Fatalf("已取消的运行不应出账: %+v", h.wallet.Payments())
	}
}

func TestSweeperRepublishesEligibleSteps(t *testing.T) {
	h := newHarness(workflowGraph())
	created := h.create(t, "5000000")
	// 丢弃创建时投递的引用, 模拟队列消息丢失。
	for {
		if _, ok := h.queue.pop(); !ok {
			break
		}
	}

	rescue := &captureProducer{}
	sweeper := NewSweeper(h.store, rescue, WithSweepLimit(16))
	sweeper.sweep(context.Background())

	found := false
	for {
		ref, ok := rescue.pop()
		if !ok {
			break
		}
		if ref.RunID == created.ID && ref.StepID == "search" {
			found = true
		}
	}
	if !found {
		t.Fatal("扫描应重新投递可领取的步骤")
	}
}
