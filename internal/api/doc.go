// Package api exposes the REST surface for submitting intents, inspecting
// runs, steps and event streams, and driving approvals and cancellation.
// It is thin glue over the run service; orchestration semantics live below it.
package api
