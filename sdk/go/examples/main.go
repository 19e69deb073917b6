package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"IntentFlow/sdk/go/intentflow"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(intentflow.Run{
			ID:     "run-demo",
			Status: "running",
			Budget: intentflow.Budget{Asset: "USDC", Network: "base-sepolia", MaxAtomic: "5000000"},
		})
	})
	mux.HandleFunc("GET /api/v1/runs/run-demo", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(intentflow.Run{
			ID:     "run-demo",
			Status: "succeeded",
			Budget: intentflow.Budget{Asset: "USDC", Network: "base-sepolia", MaxAtomic: "5000000", SpentAtomic: "1000000"},
		})
	})
	mux.HandleFunc("GET /api/v1/runs/run-demo/events", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": []intentflow.Event{
				{RunID: "run-demo", Seq: 1, Type: "RUN_CREATED"},
				{RunID: "run-demo", Seq: 2, Type: "RUN_STATUS_CHANGED"},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := intentflow.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := client.CreateRun(ctx, intentflow.RunSubmission{
		WorkspaceID: "demo",
		Input:       "find the three cheapest flights to Tokyo and summarize them",
		Budget:      intentflow.Budget{Asset: "USDC", Network: "base-sepolia", MaxAtomic: "5000000"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created run %s (status=%s)\n", run.ID, run.Status)

	finished, err := client.WaitForCompletion(ctx, run.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished with status=%s spent=%s\n", finished.ID, finished.Status, finished.Budget.SpentAtomic)

	events, err := client.ListEvents(ctx, run.ID)
	if err != nil {
		panic(err)
	}
	for _, evt := range events {
		fmt.Printf("event %d: %s\n", evt.Seq, evt.Type)
	}
}
