// Package planner 将自然语言意图规划为可执行的工作流图。
// 规划是生成-校验-重试循环：模型产出候选 JSON，经提取与图校验后
// 要么接受，要么把具体错误回馈给模型再试，直到成功或尝试耗尽。
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"IntentFlow/internal/budget"
	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/graph"
	"IntentFlow/internal/llm"
	"IntentFlow/internal/run"
	"IntentFlow/internal/tooling"
	"IntentFlow/pkg/logger"
)

// Result 是一次完整规划的产出。
type Result struct {
	Success   bool
	Graph     *graph.Graph
	Err       string
	Attempts  int
	LatencyMs int64
	Tokens    int
}

// Planner 驱动生成-校验-重试循环。
type Planner struct {
	client      llm.Client
	catalog     tooling.Catalog
	maxAttempts int
	retryDelay  time.Duration
}

// Option 配置 Planner。
type Option func(*Planner)

// WithMaxAttempts 设置最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryDelay 设置传输故障后的固定重试间隔。
func WithRetryDelay(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// New 构造 Planner。
func New(client llm.Client, catalog tooling.Catalog, opts ...Option) *Planner {
	p := &Planner{
		client:      client,
		catalog:     catalog,
		maxAttempts: 3,
		retryDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanWorkflow 为意图规划工作流图。内容失败重建提示词并嵌入上一次
// 的原始输出与校验错误；传输故障以相同提示词在固定间隔后重试。
// 两类失败都消耗尝试次数。尝试耗尽不是 error：调用方拿到
// Success=false 的结果并以回退图创建运行。
func (p *Planner) PlanWorkflow(ctx context.Context, workspaceID, intent string, b budget.Budget) (*Result, error) {
	if p.client == nil || p.catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "规划器未初始化")
	}
	ceiling, err := budget.ParseAtomic(b.MaxAtomic)
	if err != nil {
		return nil, err
	}
	tools, err := p.catalog.List(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(tools))
	for _, tool := range tools {
		known[tool.ID] = true
	}

	basePrompt := buildUserPrompt(intent, tools, ceiling.String())
	state := NewState(p.maxAttempts)
	result := &Result{}

	for !state.Done() {
		prompt := basePrompt
		if state.LastRaw != "" {
			prompt = buildRetryPrompt(basePrompt, state.LastRaw, state.LastErrors)
		}

		resp, genErr := p.client.Generate(ctx, llm.Request{System: systemPrompt, User: prompt})
		result.Attempts = state.Attempt
		if genErr != nil {
			logger.L().Warn("规划请求失败",
				slog.Any("error", genErr),
				slog.Int("attempt", state.Attempt),
			)
			state = state.Next(OutcomeTransport, "", nil)
			if state.Done() {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay):
			}
			continue
		}

		result.LatencyMs += resp.LatencyMs
		result.Tokens += resp.Usage.TotalTokens

		candidate, ok := ExtractJSON(resp.Text)
		if !ok {
			state = state.Next(OutcomeInvalid, resp.Text, []string{"output did not contain a parseable JSON object"})
			continue
		}
		g, issues := graph.Validate(candidate)
		if len(issues) == 0 {
			issues = p.checkPlan(g, known, ceiling)
		}
		if len(issues) > 0 {
			logger.L().Info("规划校验未通过",
				slog.Int("attempt", state.Attempt),
				slog.Int("issues", len(issues)),
			)
			state = state.Next(OutcomeInvalid, resp.Text, issues)
			continue
		}

		state = state.Next(OutcomeValid, "", nil)
		result.Success = true
		result.Graph = g
	}

	if !result.Success {
		result.Err = fmt.Sprintf("planning exhausted after %d attempts", state.MaxAttempts)
		if len(state.LastErrors) > 0 {
			result.Err += ": " + state.LastErrors[0]
		}
	}
	return result, nil
}

// checkPlan 执行图校验之外的规划级检查：工具目录成员资格与预算总和。
func (p *Planner) checkPlan(g *graph.Graph, known map[string]bool, ceiling *big.Int) []string {
	issues := make([]string, 0, 2)
	total := new(big.Int)
	for _, node := range g.Nodes {
		if node.Type != graph.NodeToolCall || node.ToolCall == nil {
			continue
		}
		if !known[node.ToolCall.ToolID] {
			issues = append(issues, fmt.Sprintf("node %q references unknown tool %q", node.ID, node.ToolCall.ToolID))
		}
		if node.ToolCall.Payment.MaxAtomic != nil {
			total.Add(total, node.ToolCall.Payment.MaxAtomic)
		}
	}
	if total.Cmp(ceiling) > 0 {
		issues = append(issues, fmt.Sprintf("plan budget %s exceeds ceiling %s", total.String(), ceiling.String()))
	}
	return issues
}

// Plan 以运行服务所需的形态暴露规划结果。
func (p *Planner) Plan(ctx context.Context, workspaceID, intent string, b budget.Budget) (*run.PlanResult, error) {
	result, err := p.PlanWorkflow(ctx, workspaceID, intent, b)
	if err != nil {
		return nil, err
	}
	return &run.PlanResult{Graph: result.Graph, Err: result.Err, Attempts: result.Attempts}, nil
}

var _ run.Planner = (*Planner)(nil)
