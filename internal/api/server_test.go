package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"IntentFlow/internal/budget"
	"IntentFlow/internal/event"
	"IntentFlow/internal/graph"
	"IntentFlow/internal/run"
	"IntentFlow/internal/workspace"
)

type fakePlanner struct {
	graph *graph.Graph
}

func (p *fakePlanner) Plan(_ context.Context, _, _ string, _ budget.Budget) (*run.PlanResult, error) {
	return &run.PlanResult{Graph: p.graph, Attempts: 1}, nil
}

func apiGraph() *graph.Graph {
	return &graph.Graph{
		EntryNodeID: "search",
		Nodes: []graph.Node{
			{
				ID:   "search",
				Type: graph.NodeToolCall,
				ToolCall: &graph.ToolCallSpec{
					ToolID:   "news-search",
					Endpoint: "https://api.example.com/search",
					Payment:  graph.Payment{MaxAtomic: big.NewInt(1000000)},
				},
			},
			{
				ID:        "finish",
				Type:      graph.NodeFinalize,
				DependsOn: []string{"search"},
				Finalize:  &graph.FinalizeSpec{Output: "results"},
			},
		},
		Edges: []graph.Edge{
			{From: "search", To: "finish", Type: graph.EdgeSuccess},
		},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *run.Service, *run.MemoryStore) {
	t.Helper()
	store := run.NewMemoryStore()
	queue := run.NewMemoryQueue(16)
	log := event.NewMemoryLog()
	svc := run.NewService(store, queue, log, &fakePlanner{graph: apiGraph()})
	srv := httptest.NewServer(NewServer(":0", svc, workspace.NewMemoryStore()).Handler())
	t.Cleanup(srv.Close)
	return srv, svc, store
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createRunViaAPI(t *testing.T, srv *httptest.Server) *run.Run {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/v1/runs", map[string]any{
		"workspace_id": "ws-1",
		"input":        "summarize today's news",
		"budget":       map[string]any{"asset": "USDC", "network": "base-sepolia", "max_atomic": "5000000"},
		"actor_id":     "user-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created run.Run
	decodeBody(t, resp, &created)
	return &created
}

func TestServerCreateAndGetRun(t *testing.T) {
	srv, _, _ := newTestServer(t)

	created := createRunViaAPI(t, srv)
	if created.ID == "" || created.Status != run.StatusRunning {
		t.Fatalf("unexpected created run: %+v", created)
	}

	resp, err := http.Get(srv.URL + "/api/v1/runs/" + created.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var fetched run.Run
	decodeBody(t, resp, &fetched)
	if fetched.ID != created.ID || fetched.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected fetched run: %+v", fetched)
	}
}

func TestServerCreateRunRejectsEmptyInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/runs", map[string]any{
		"workspace_id": "ws-1",
		"input":        "   ",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	if body.Error.Code != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected error code: %s", body.Error.Code)
	}
}

func TestServerGetRunNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/runs/missing")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestServerListRunsFilters(t *testing.T) {
	srv, _, _ := newTestServer(t)

	createRunViaAPI(t, srv)
	createRunViaAPI(t, srv)

	resp, err := http.Get(srv.URL + "/api/v1/runs?workspace_id=ws-1&status=running&limit=1")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Runs []*run.Run `json:"runs"`
	}
	decodeBody(t, resp, &body)
	if len(body.Runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(body.Runs))
	}
	if body.Runs[0].WorkspaceID != "ws-1" {
		t.Fatalf("unexpected run: %+v", body.Runs[0])
	}

	resp, err = http.Get(srv.URL + "/api/v1/runs?status=bogus")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", resp.StatusCode)
	}
}

func TestServerListStepsAndEvents(t *testing.T) {
	srv, _, _ := newTestServer(t)
	created := createRunViaAPI(t, srv)

	resp, err := http.Get(srv.URL + "/api/v1/runs/" + created.ID + "/steps")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var stepsBody struct {
		Steps []*run.Step `json:"steps"`
	}
	decodeBody(t, resp, &stepsBody)
	if len(stepsBody.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(stepsBody.Steps))
	}

	resp, err = http.Get(srv.URL + "/api/v1/runs/" + created.ID + "/events")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var eventsBody struct {
		Events []*event.Event `json:"events"`
	}
	decodeBody(t, resp, &eventsBody)
	if len(eventsBody.Events) == 0 {
		t.Fatalf("expected events after creation")
	}
	if eventsBody.Events[0].Type != event.TypeRunCreated {
		t.Fatalf("expected first event RUN_CREATED, got %s", eventsBody.Events[0].Type)
	}
	for i, evt := range eventsBody.Events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("expected contiguous seq, got %d at index %d", evt.Seq, i)
		}
	}
}

func TestServerApproveStep(t *testing.T) {
	srv, _, store := newTestServer(t)
	created := createRunViaAPI(t, srv)
	ctx := context.Background()

	// 把入口步骤推进到待审批，运行转为暂停。
	now := time.Now().Unix()
	if _, err := store.ClaimStep(ctx, created.ID, "search", now+60, now); err != nil {
		t.Fatalf("claim step: %v", err)
	}
	if err := store.MarkStepRunning(ctx, created.ID, "search"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.RequireApproval(ctx, created.ID, "search"); err != nil {
		t.Fatalf("require approval: %v", err)
	}
	if err := store.TransitionRun(ctx, created.ID, run.StatusRunning, run.StatusPausedForApproval); err != nil {
		t.Fatalf("pause run: %v", err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/api/v1/runs/%s/approve", srv.URL, created.ID), map[string]any{
		"step_id":  "search",
		"actor_id": "approver-1",
		"outputs":  map[string]any{"results": "approved manually"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	step, err := store.GetStep(ctx, created.ID, "search")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if step.Status != run.StepSucceeded {
		t.Fatalf("expected approved step to succeed, got %s", step.Status)
	}

	reloaded, err := store.GetRun(ctx, created.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if reloaded.Status != run.StatusRunning {
		t.Fatalf("expected run to resume, got %s", reloaded.Status)
	}
}

func TestServerApproveRequiresStepID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	created := createRunViaAPI(t, srv)

	resp := postJSON(t, fmt.Sprintf("%s/api/v1/runs/%s/approve", srv.URL, created.ID), map[string]any{
		"actor_id": "approver-1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServerCancelRun(t *testing.T) {
	srv, _, store := newTestServer(t)
	created := createRunViaAPI(t, srv)

	resp := postJSON(t, fmt.Sprintf("%s/api/v1/runs/%s/cancel", srv.URL, created.ID), map[string]any{
		"actor_id": "user-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	reloaded, err := store.GetRun(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if reloaded.Status != run.StatusCanceled {
		t.Fatalf("expected canceled run, got %s", reloaded.Status)
	}

	// 终态运行不可重复取消。
	resp = postJSON(t, fmt.Sprintf("%s/api/v1/runs/%s/cancel", srv.URL, created.ID), map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for terminal run, got %d", resp.StatusCode)
	}
}

func TestServerHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createRunViaAPI(t, srv)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServerWorkspaceMembers(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := srv.URL + "/api/v1/workspaces/ws-1/members"

	resp := postJSON(t, base, map[string]any{"clerk_user_id": "user_abc", "role": "owner"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created workspace.Member
	decodeBody(t, resp, &created)
	if created.WorkspaceID != "ws-1" || created.Role != workspace.RoleOwner {
		t.Fatalf("unexpected member: %+v", created)
	}

	// 重复加入同一成员是冲突。
	resp = postJSON(t, base, map[string]any{"clerk_user_id": "user_abc", "role": "member"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	resp = postJSON(t, base, map[string]any{"clerk_user_id": "user_abc", "role": "emperor"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPut, base+"/user_abc",
		bytes.NewReader([]byte(`{"role":"admin"}`)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	updateResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	updateResp.Body.Close()
	if updateResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", updateResp.StatusCode)
	}

	listResp, err := http.Get(base)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	var listed struct {
		Members []workspace.Member `json:"members"`
	}
	decodeBody(t, listResp, &listed)
	if len(listed.Members) != 1 || listed.Members[0].Role != workspace.RoleAdmin {
		t.Fatalf("unexpected member list: %+v", listed.Members)
	}

	req, err = http.NewRequest(http.MethodDelete, base+"/user_abc", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	deleteResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("remove member: %v", err)
	}
	deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleteResp.StatusCode)
	}

	req, err = http.NewRequest(http.MethodDelete, base+"/user_abc", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	missingResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("remove missing member: %v", err)
	}
	missingResp.Body.Close()
	if missingResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missingResp.StatusCode)
	}
}
