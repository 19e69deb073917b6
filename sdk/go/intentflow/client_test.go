package intentflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateRunPostsSubmission(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission RunSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.Input != "book a flight" || submission.Budget.MaxAtomic != "5000000" {
			t.Fatalf("unexpected submission: %+v", submission)
		}
		created = true
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Status: "running"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	run, err := client.CreateRun(context.Background(), RunSubmission{
		WorkspaceID: "ws-1",
		Input:       "book a flight",
		Budget:      Budget{Asset: "USDC", Network: "base-sepolia", MaxAtomic: "5000000"},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if !created || run.ID != "run-1" {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestListRunsBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("workspace_id") != "ws-1" || query.Get("status") != "running" || query.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"runs": []Run{{ID: "run-1", Status: "running"}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	runs, err := client.ListRuns(context.Background(), ListRunsQuery{
		WorkspaceID: "ws-1",
		Status:      "running",
		Limit:       5,
	})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestGetRunError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "NOT_FOUND", "message": "run not found"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetRun(context.Background(), "run-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestWaitForCompletionPollsUntilTerminal(t *testing.T) {
	statuses := []string{"running", "running", "succeeded"}
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := statuses[len(statuses)-1]
		if calls < len(statuses) {
			status = statuses[calls]
		}
		calls++
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Status: status})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	run, err := client.WaitForCompletion(context.Background(), "run-1", time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.Status != "succeeded" {
		t.Fatalf("expected terminal run, got %s", run.Status)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestApproveAndCancel(t *testing.T) {
	var approvePath, cancelPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/runs/run-1/approve":
			approvePath = r.URL.Path
			var payload struct {
				StepID string `json:"step_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.StepID != "gate" {
				t.Fatalf("unexpected approve payload: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"approved": true})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/runs/run-1/cancel":
			cancelPath = r.URL.Path
			_ = json.NewEncoder(w).Encode(map[string]any{"canceled": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.Approve(context.Background(), "run-1", "gate", "approver-1", nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := client.Cancel(context.Background(), "run-1", "user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if approvePath == "" || cancelPath == "" {
		t.Fatal("expected both approve and cancel calls")
	}
}
