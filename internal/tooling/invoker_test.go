package tooling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "IntentFlow/internal/errors"
)

func TestHTTPInvokerSuccess(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"articles": []any{"a", "b"}})
	}))
	defer server.Close()

	inv := NewHTTPInvoker(5 * time.Second)
	result, err := inv.Invoke(context.Background(), server.URL+"/search", map[string]any{"query": "news"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotPayload["query"] != "news" {
		t.Fatalf("payload not forwarded: %+v", gotPayload)
	}
	articles, ok := result["articles"].([]any)
	if !ok || len(articles) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHTTPInvokerErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		wantCode xerrors.Code
	}{
		{"server error is transient", http.StatusInternalServerError, xerrors.CodeStepTransient},
		{"rate limit is transient", http.StatusTooManyRequests, xerrors.CodeStepTransient},
		{"bad request is fatal", http.StatusBadRequest, xerrors.CodeStepFatal},
		{"payment required is fatal", http.StatusPaymentRequired, xerrors.CodeStepFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer server.Close()

			inv := NewHTTPInvoker(5 * time.Second)
			_, err := inv.Invoke(context.Background(), server.URL, nil)
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if got := xerrors.CodeOf(err); got != tc.wantCode {
				t.Fatalf("status %d classified as %s, want %s", tc.status, got, tc.wantCode)
			}
		})
	}
}

func TestHTTPInvokerNonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text result"))
	}))
	defer server.Close()

	inv := NewHTTPInvoker(5 * time.Second)
	result, err := inv.Invoke(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result["raw"] != "plain text result" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
