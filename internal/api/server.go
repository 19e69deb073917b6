package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"IntentFlow/internal/budget"
	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/event"
	"IntentFlow/internal/observability/metrics"
	"IntentFlow/internal/run"
	"IntentFlow/internal/workspace"
)

// Server 负责暴露 REST 接口，供外部提交意图、查询运行与事件流、
// 执行审批取消以及维护工作区成员。所有编排语义都在 run 服务内，
// 这里只做协议转换。
type Server struct {
	addr    string
	runs    *run.Service
	members workspace.Store
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs *run.Service, members workspace.Store) *Server {
	return &Server{addr: addr, runs: runs, members: members}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整路由，便于测试直接挂 httptest。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", s.instrument("create_run", s.handleCreateRun))
	mux.HandleFunc("GET /api/v1/runs", s.instrument("list_runs", s.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}", s.instrument("get_run", s.handleGetRun))
	mux.HandleFunc("GET /api/v1/runs/{id}/steps", s.instrument("list_steps", s.handleListSteps))
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.instrument("list_events", s.handleListEvents))
	mux.HandleFunc("POST /api/v1/runs/{id}/approve", s.instrument("approve_step", s.handleApprove))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.instrument("cancel_run", s.handleCancel))
	mux.HandleFunc("POST /api/v1/workspaces/{id}/members", s.instrument("add_member", s.handleAddMember))
	mux.HandleFunc("GET /api/v1/workspaces/{id}/members", s.instrument("list_members", s.handleListMembers))
	mux.HandleFunc("PUT /api/v1/workspaces/{id}/members/{user}", s.instrument("update_member", s.handleUpdateMemberRole))
	mux.HandleFunc("DELETE /api/v1/workspaces/{id}/members/{user}", s.instrument("remove_member", s.handleRemoveMember))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type createRunRequest struct {
	WorkspaceID string          `json:"workspace_id"`
	Input       string          `json:"input"`
	Budget      createRunBudget `json:"budget"`
	ActorID     string          `json:"actor_id"`
}

type createRunBudget struct {
	Asset     string `json:"asset"`
	Network   string `json:"network"`
	MaxAtomic string `json:"max_atomic"`
}

type approveRequest struct {
	StepID  string         `json:"step_id"`
	ActorID string         `json:"actor_id"`
	Outputs map[string]any `json:"outputs"`
}

type cancelRequest struct {
	ActorID string `json:"actor_id"`
}

// handleCreateRun 接收意图与预算，同步完成规划并创建运行。
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	created, err := s.runs.Create(r.Context(), run.CreateRequest{
		WorkspaceID: req.WorkspaceID,
		Input:       req.Input,
		Budget: budget.Budget{
			Asset:     req.Budget.Asset,
			Network:   req.Budget.Network,
			MaxAtomic: req.Budget.MaxAtomic,
		},
		Actor: userActor(req.ActorID),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleListRuns 支持按工作区、状态过滤并分页。
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var opts []run.ListOption
	if workspaceID := query.Get("workspace_id"); workspaceID != "" {
		opts = append(opts, run.WithWorkspace(workspaceID))
	}
	if rawStatus := query.Get("status"); rawStatus != "" {
		var statuses []run.Status
		for _, part := range strings.Split(rawStatus, ",") {
			status := run.Status(strings.TrimSpace(part))
			if !run.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "不支持的运行状态: "+string(status)))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if limit, ok := parsePositiveInt(query.Get("limit")); ok {
		opts = append(opts, run.WithLimit(limit))
	}
	if offset, ok := parsePositiveInt(query.Get("offset")); ok {
		opts = append(opts, run.WithOffset(offset))
	}

	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	found, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.runs.Steps(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.runs.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleApprove 对处于待审批状态的步骤放行，运行随后恢复调度。
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.StepID) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "step_id 不能为空"))
		return
	}

	runID := r.PathValue("id")
	if err := s.runs.Approve(r.Context(), runID, req.StepID, userActor(req.ActorID), req.Outputs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "step_id": req.StepID, "approved": true})
}

// handleCancel 将运行置为取消终态，未完成的步骤不再被调度。
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.Body != nil {
		// 取消请求体可以为空。
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	runID := r.PathValue("id")
	if err := s.runs.Cancel(r.Context(), runID, userActor(req.ActorID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "canceled": true})
}

type memberRequest struct {
	ClerkUserID string         `json:"clerk_user_id"`
	Role        workspace.Role `json:"role"`
}

// handleAddMember 把外部身份服务签发的用户加入工作区。
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "成员存储未初始化"))
		return
	}
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.ClerkUserID) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "clerk_user_id 不能为空"))
		return
	}
	if !workspace.IsValidRole(req.Role) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "不支持的成员角色: "+string(req.Role)))
		return
	}

	member := &workspace.Member{
		WorkspaceID: r.PathValue("id"),
		ClerkUserID: req.ClerkUserID,
		Role:        req.Role,
	}
	if err := s.members.AddMember(r.Context(), member); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "成员存储未初始化"))
		return
	}
	members, err := s.members.ListMembers(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "成员存储未初始化"))
		return
	}
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if !workspace.IsValidRole(req.Role) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "不支持的成员角色: "+string(req.Role)))
		return
	}

	workspaceID, userID := r.PathValue("id"), r.PathValue("user")
	if err := s.members.UpdateRole(r.Context(), workspaceID, userID, req.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id":  workspaceID,
		"clerk_user_id": userID,
		"role":          req.Role,
	})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "成员存储未初始化"))
		return
	}
	if err := s.members.RemoveMember(r.Context(), r.PathValue("id"), r.PathValue("user")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// instrument 为处理函数记录请求量与时延指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func userActor(actorID string) event.Actor {
	if strings.TrimSpace(actorID) == "" {
		actorID = "anonymous"
	}
	return event.Actor{Type: event.ActorUser, ID: actorID}
}

func parsePositiveInt(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, false
	}
	return parsed, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将内部错误码映射为 HTTP 状态码，并以统一结构返回。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFromCode(code), map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

func statusFromCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidationFailed:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeIllegalTransition, xerrors.CodeClaimConflict:
		return http.StatusConflict
	case xerrors.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
