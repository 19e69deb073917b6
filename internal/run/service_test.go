package run

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"IntentFlow/internal/budget"
	"IntentFlow/internal/event"
	"IntentFlow/internal/graph"
)

type fakePlanner struct {
	graph    *graph.Graph
	planErr  string
	attempts int
	err      error
}

func (p *fakePlanner) Plan(_ context.Context, _, _ string, _ budget.Budget) (*PlanResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &PlanResult{Graph: p.graph, Err: p.planErr, Attempts: p.attempts}, nil
}

func newTestService(planner Planner) (*Service, *MemoryStore, *MemoryQueue, *event.MemoryLog) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	log := event.NewMemoryLog()
	return NewService(store, queue, log, planner), store, queue, log
}

func drainQueue(queue *MemoryQueue) []StepRef {
	refs := make([]StepRef, 0, 4)
	for {
		select {
		case ref := <-queue.ch:
			refs = append(refs, ref)
		default:
			return refs
		}
	}
}

func TestServiceCreatePlansAndDispatches(t *testing.T) {
	planner := &fakePlanner{graph: testGraph(), attempts: 1}
	svc, store, queue, log := newTestService(planner)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateRequest{
		WorkspaceID: "ws-1",
		Input:       "summarize today's news",
		Budget:      budget.Budget{Asset: "USDC", Network: "base", MaxAtomic: "5000000"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.Status != StatusRunning {
		t.Fatalf("expected run to start running, got %s", run.Status)
	}

	steps, err := store.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 materialized steps, got %d", len(steps))
	}

	// 只有无前驱的入口步骤会被投递。
	refs := drainQueue(queue)
	if len(refs) != 1 || refs[0].StepID != "search" {
		t.Fatalf("unexpected dispatched refs: %+v", refs)
	}

	events, err := log.List(ctx, run.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	wantOrder := []event.Type{
		event.TypeRunCreated,
		event.TypePlanAttempt,
		event.TypeStepCreated,
		event.TypeStepCreated,
		event.TypeStepCreated,
		event.TypeRunStatusChanged,
	}
	if len(events) != len(wantOrder) {
		t.Fatalf("expected %d events, got %d", len(wantOrder), len(events))
	}
	for i, evt := range events {
		if evt.Type != wantOrder[i] {
			t.Fatalf("event %d: got %s, want %s", i, evt.Type, wantOrder[i])
		}
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d: seq %d", i, evt.Seq)
		}
	}
}

func TestServiceCreatePlanExhausted(t *testing.T) {
	planner := &fakePlanner{planErr: "planner exhausted all attempts", attempts: 3}
	svc, store, queue, log := newTestService(planner)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateRequest{
		WorkspaceID: "ws-1",
		Input:       "do something impossible",
		Budget:      budget.Budget{Asset: "USDC", Network: "base", MaxAtomic: "1000"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("plan-exhausted run must fail, got %s", run.Status)
	}
	if run.PlanError == "" {
		t.Fatalf("expected plan error recorded")
	}

	steps, err := store.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Status != StepFailed || steps[0].ErrorCode != "PLANNING_EXHAUSTED" {
		t.Fatalf("unexpected fallback steps: %+v", steps)
	}
	if refs := drainQueue(queue); len(refs) != 0 {
		t.Fatalf("plan-exhausted run must not dispatch steps, got %+v", refs)
	}

	events, err := log.List(ctx, run.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	sawPlanFailed := false
	for _, evt := range events {
		if evt.Type == event.TypePlanFailed {
			sawPlanFailed = true
			if evt.Actor.Type != event.ActorPlanner {
				t.Fatalf("plan failure must be attributed to the planner, got %+v", evt.Actor)
			}
		}
	}
	if !sawPlanFailed {
		t.Fatalf("expected PLAN_FAILED event")
	}
	last := events[len(events)-1]
	if last.Type != event.TypeRunStatusChanged || last.Data["new_status"] != string(StatusFailed) {
		t.Fatalf("expected final run-status event, got %+v", last)
	}
}

func TestServiceApproveResumesRun(t *testing.T) {
	g := &graph.Graph{
		EntryNodeID: "gate",
		Nodes: []graph.Node{
			{ID: "gate", Type: graph.NodeApproval, Approval: &graph.ApprovalSpec{Message: "proceed?"}},
			{ID: "finish", Type: graph.NodeFinalize, DependsOn: []string{"gate"}, Finalize: &graph.FinalizeSpec{Output: "done"}},
		},
		Edges: []graph.Edge{{From: "gate", To: "finish", Type: graph.EdgeSuccess}},
	}
	planner := &fakePlanner{graph: g, attempts: 1}
	svc, store, queue, log := newTestService(planner)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateRequest{
		WorkspaceID: "ws-1",
		Input:       "needs a human",
		Budget:      budget.Budget{Asset: "USDC", Network: "base", MaxAtomic: "1000"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Transition(ctx, run.ID, StatusRunning, StatusPausedForApproval, event.SystemActor()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	drainQueue(queue)

	if err := svc.Approve(ctx, run.ID, "gate", event.UserActor("user-7"), nil); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("approval must resume the run, got %s", got.Status)
	}
	gate, err := store.GetStep(ctx, run.ID, "gate")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if gate.Status != StepSucceeded {
		t.Fatalf("approved step must succeed, got %s", gate.Status)
	}

	// 批准后依赖它的步骤重新进入调度。
	refs := drainQueue(queue)
	if len(refs) != 1 || refs[0].StepID != "finish" {
		t.Fatalf("expected finish to be dispatched after approval, got %+v", refs)
	}

	events, err := log.List(ctx, run.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	sawGrant := false
	for _, evt := range events {
		if evt.Type == event.TypeApprovalGranted {
			sawGrant = true
			if evt.Actor.ID != "user-7" {
				t.Fatalf("approval actor mismatch: %+v", evt.Actor)
			}
		}
	}
	if !sawGrant {
		t.Fatalf("expected APPROVAL_GRANTED event")
	}
}

func TestServiceApproveRejectsNonApprovalStep(t *testing.T) {
	planner := &fakePlanner{graph: testGraph(), attempts: 1}
	svc, _, _, _ := newTestService(planner)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateRequest{
		WorkspaceID: "ws-1",
		Input:       "summarize today's news",
		Budget:      budget.Budget{Asset: "USDC", Network: "base", MaxAtomic: "1000"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = svc.Approve(ctx, run.ID, "search", event.UserActor("user-7"), nil)
	if !stdErrors.Is(err, ErrTransitionConflict) {
		t.Fatalf("expected conflict approving a pending step, got %v", err)
	}
}

func TestServiceCancel(t *testing.T) {
	planner := &fakePlanner{graph: testGraph(), attempts: 1}
	svc, store, _, _ := newTestService(planner)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateRequest{
		WorkspaceID: "ws-1",
		Input:       "summarize today's news",
		Budget:      budget.Budget{Asset: "USDC", Network: "base", MaxAtomic: "1000"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Cancel(ctx, run.ID, event.UserActor("user-7")); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != StatusCanceled {
		t.Fatalf("expected canceled run, got %s", got.Status)
	}
	steps, err := store.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for _, step := range steps {
		if step.Status != StepCanceled {
			t.Fatalf("expected all steps canceled, got %s=%s", step.StepID, step.Status)
		}
	}

	// 终态运行拒绝再次取消。
	if err := svc.Cancel(ctx, run.ID, event.UserActor("user-7")); !stdErrors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition on double cancel, got %v", err)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	planner := &fakePlanner{planErr: "exhausted", attempts: 3}
	svc, _, _, _ := newTestService(planner)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	run, err := svc.Create(ctx, CreateRequest{
		WorkspaceID: "ws-1",
		Input:       "anything",
		Budget:      budget.Budget{Asset: "USDC", Network: "base", MaxAtomic: "1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := svc.WaitUntilCompleted(ctx, run.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed run, got %s", got.Status)
	}
}
