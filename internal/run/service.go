package run

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"IntentFlow/internal/budget"
	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/event"
	"IntentFlow/internal/graph"
	"IntentFlow/pkg/logger"
)

// PlanResult 是规划器对一条意图的产出。Err 非空表示规划在允许的
// 尝试次数内未能产出合法的图。
type PlanResult struct {
	Graph    *graph.Graph
	Err      string
	Attempts int
}

// Planner 将自然语言意图规划为工作流图。
type Planner interface {
	Plan(ctx context.Context, workspaceID, intent string, b budget.Budget) (*PlanResult, error)
}

// CreateRequest 描述一次运行的创建请求。
type CreateRequest struct {
	WorkspaceID string
	Input       string
	Budget      budget.Budget
	Actor       event.Actor
}

// Service 负责运行的创建、查询与生命周期操作。每次成功的状态变更
// 都同步追加恰好一条事件。
type Service struct {
	store    Store
	producer Producer
	events   event.Log
	planner  Planner
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, events event.Log, planner Planner) *Service {
	return &Service{store: store, producer: producer, events: events, planner: planner}
}

// Create 规划意图、物化步骤并创建运行。规划失败时运行以回退图创建,
// 全部步骤直接置为失败，运行随即进入 failed 终态。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Run, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "运行意图不能为空")
	}
	if s.store == nil || s.events == nil || s.planner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	if _, err := budget.ParseAtomic(req.Budget.MaxAtomic); err != nil {
		return nil, err
	}
	actor := req.Actor
	if actor.Type == "" {
		actor = event.SystemActor()
	}

	plan, err := s.planner.Plan(ctx, req.WorkspaceID, req.Input, req.Budget)
	if err != nil {
		return nil, err
	}
	planGraph := plan.Graph
	if plan.Err != "" || planGraph == nil {
		planGraph = graph.Fallback(plan.Err)
	}

	runID := uuid.NewString()
	now := time.Now().Unix()
	run := &Run{
		ID:          runID,
		WorkspaceID: req.WorkspaceID,
		Input:       req.Input,
		Graph:       planGraph,
		Budget:      req.Budget,
		Status:      StatusQueued,
		PlanError:   plan.Err,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	steps := MaterializeSteps(runID, planGraph, plan.Err, now)

	if err := s.store.CreateRun(ctx, run, steps); err != nil {
		return nil, err
	}

	s.append(ctx, runID, event.Draft{
		Type: event.TypeRunCreated,
		Data: map[string]any{
			"workspace_id": req.WorkspaceID,
			"input":        req.Input,
			"max_atomic":   req.Budget.MaxAtomic,
			"status":       string(StatusQueued),
			"attempts":     plan.Attempts,
		},
		Actor: actor,
	})
	s.append(ctx, runID, event.Draft{
		Type: event.TypePlanAttempt,
		Data: map[string]any{
			"attempts": plan.Attempts,
			"accepted": plan.Err == "",
		},
		Actor: event.Actor{Type: event.ActorPlanner, ID: "planner"},
	})
	for _, step := range steps {
		s.append(ctx, runID, event.Draft{
			Type: event.TypeStepCreated,
			Data: map[string]any{
				"step_id":   step.StepID,
				"node_type": string(step.NodeType),
				"status":    string(step.Status),
			},
			Actor: event.SystemActor(),
		})
	}

	if plan.Err != "" {
		s.append(ctx, runID, event.Draft{
			Type: event.TypePlanFailed,
			Data: map[string]any{
				"reason":   plan.Err,
				"attempts": plan.Attempts,
			},
			Actor: event.Actor{Type: event.ActorPlanner, ID: "planner"},
		})
		// 注定无法成功的运行立即收敛到 failed 终态。
		if err := s.Transition(ctx, runID, StatusQueued, StatusRunning, event.SystemActor()); err != nil {
			return nil, err
		}
		if err := s.Transition(ctx, runID, StatusRunning, StatusFailed, event.SystemActor()); err != nil {
			return nil, err
		}
		return s.store.GetRun(ctx, runID)
	}

	if err := s.Transition(ctx, runID, StatusQueued, StatusRunning, event.SystemActor()); err != nil {
		return nil, err
	}
	s.publishReadySteps(ctx, run, steps)

	logger.Audit().Info("运行入队成功",
		slog.String("run_id", runID),
		slog.String("workspace_id", req.WorkspaceID),
		slog.Int("steps", len(steps)),
		slog.String("max_atomic", req.Budget.MaxAtomic),
	)
	return s.store.GetRun(ctx, runID)
}

// Transition 执行条件状态迁移并同步追加恰好一条事件。
// 竞争失败与非法迁移都不产生事件。
func (s *Service) Transition(ctx context.Context, runID string, from, to Status, actor event.Actor) error {
	if err := s.store.TransitionRun(ctx, runID, from, to); err != nil {
		return err
	}
	s.append(ctx, runID, event.Draft{
		Type: event.TypeRunStatusChanged,
		Data: map[string]any{
			"previous_status": string(from),
			"new_status":      string(to),
		},
		Actor: actor,
	})
	return nil
}

// Get 返回指定运行的当前状态。
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.GetRun(ctx, runID)
}

// Steps 返回指定运行的全部步骤。
func (s *Service) Steps(ctx context.Context, runID string) ([]*Step, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.ListSteps(ctx, runID)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.ListRuns(ctx, options)
}

// Events 返回指定运行的有序事件流。
func (s *Service) Events(ctx context.Context, runID string) ([]*event.Event, error) {
	if s.events == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "事件日志未初始化")
	}
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.events.List(ctx, runID)
}

// Approve 批准一个等待审批的步骤。批准被记录为事件，运行若因该步骤
// 暂停则恢复运行，依赖它的步骤重新进入调度。
func (s *Service) Approve(ctx context.Context, runID, stepID string, actor event.Actor, outputs map[string]any) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if IsTerminal(run.Status) {
		return ErrIllegalTransition
	}
	if err := s.store.ApproveStep(ctx, runID, stepID, outputs); err != nil {
		return err
	}
	s.append(ctx, runID, event.Draft{
		Type: event.TypeApprovalGranted,
		Data: map[string]any{
			"step_id": stepID,
		},
		Actor: actor,
	})
	s.append(ctx, runID, event.Draft{
		Type: event.TypeStepStatusChanged,
		Data: map[string]any{
			"step_id":         stepID,
			"previous_status": string(StepRequiresApproval),
			"new_status":      string(StepSucceeded),
		},
		Actor: actor,
	})

	if run.Status == StatusPausedForApproval {
		if err := s.Transition(ctx, runID, StatusPausedForApproval, StatusRunning, actor); err != nil &&
			!stdErrors.Is(err, ErrTransitionConflict) {
			return err
		}
	}

	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	s.publishReadySteps(ctx, run, steps)
	return nil
}

// Cancel 取消运行：运行进入 canceled 终态，全部非终态步骤一并取消。
// 已在执行中的步骤由执行器在提交前的防护检查中发现取消并放弃结果。
func (s *Service) Cancel(ctx context.Context, runID string, actor event.Actor) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if IsTerminal(run.Status) {
		return ErrIllegalTransition
	}
	if err := s.Transition(ctx, runID, run.Status, StatusCanceled, actor); err != nil {
		return err
	}

	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if IsTerminalStep(step.Status) {
			continue
		}
		if err := s.store.CancelStep(ctx, runID, step.StepID); err != nil {
			if stdErrors.Is(err, ErrTransitionConflict) {
				continue
			}
			return err
		}
		s.append(ctx, runID, event.Draft{
			Type: event.TypeStepStatusChanged,
			Data: map[string]any{
				"step_id":         step.StepID,
				"previous_status": string(step.Status),
				"new_status":      string(StepCanceled),
			},
			Actor: actor,
		})
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询运行状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, runID string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if IsTerminal(run.Status) {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// publishReadySteps 投递所有前驱已全部成功的 pending 步骤。
// 投递失败不致命：周期扫描会重新发现这些步骤。
func (s *Service) publishReadySteps(ctx context.Context, run *Run, steps []*Step) {
	if s.producer == nil || run.Graph == nil {
		return
	}
	byID := make(map[string]*Step, len(steps))
	for _, step := range steps {
		byID[step.StepID] = step
	}
	for _, step := range steps {
		if step.Status != StepPending {
			continue
		}
		if !StepReady(run.Graph, byID, step.StepID) {
			continue
		}
		ref := StepRef{RunID: run.ID, StepID: step.StepID}
		if err := s.producer.Publish(ctx, ref); err != nil {
			logger.L().Warn("步骤投递失败",
				slog.Any("error", err),
				slog.String("run_id", run.ID),
				slog.String("step_id", step.StepID),
			)
		}
	}
}

// PredecessorsSucceeded 判断一个步骤的全部前驱是否已成功。
func PredecessorsSucceeded(g *graph.Graph, byID map[string]*Step, stepID string) bool {
	for _, pred := range g.Predecessors(stepID) {
		step, ok := byID[pred]
		if !ok || step.Status != StepSucceeded {
			return false
		}
	}
	return true
}

// StepReady 判断一个步骤是否可以进入调度：全部前驱已成功,
// 且每条指向它的失败边的起点都已不可重试地失败。
// 失败边的目标是兜底分支, 起点正常成功时它永远不会执行。
func StepReady(g *graph.Graph, byID map[string]*Step, stepID string) bool {
	if !PredecessorsSucceeded(g, byID, stepID) {
		return false
	}
	for _, source := range g.FailureSources(stepID) {
		step, ok := byID[source]
		if !ok {
			return false
		}
		if step.Status != StepFailed || step.Attempt < step.MaxRetries {
			return false
		}
	}
	return true
}

func (s *Service) append(ctx context.Context, runID string, draft event.Draft) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(ctx, runID, draft); err != nil {
		logger.L().Error("事件追加失败",
			slog.Any("error", err),
			slog.String("run_id", runID),
			slog.String("event_type", string(draft.Type)),
		)
	}
}
