package app

import (
	"context"
	"encoding/json"
	"net/http"
)

// Runner starts one monitoring run on demand.
// Params: bounding context.
// Returns: run report or execution error.
type Runner interface {
	RunOnce(ctx context.Context) (RunReport, error)
}

// TriggerHandler starts a run from an HTTP request.
// Params: runner executes the run synchronously.
// Returns: HTTP handler for the run-trigger endpoint.
type TriggerHandler struct {
	runner Runner
}

// NewTriggerHandler creates the run-trigger handler.
// Params: runner, usually the manager.
// Returns: configured handler.
func NewTriggerHandler(runner Runner) *TriggerHandler {
	return &TriggerHandler{runner: runner}
}

// triggerResponse is the JSON body returned for a triggered run.
type triggerResponse struct {
	RunID          string `json:"run_id"`
	ItemCount      int    `json:"item_count"`
	ViolationCount int    `json:"violation_count"`
	AlertsSent     int    `json:"alerts_sent"`
	Criticals      int    `json:"criticals"`
	Errors         int    `json:"errors"`
}

// ServeHTTP executes one run and reports its counters.
// Params: HTTP request/response writer pair.
// Returns: 200 with counters, 409 when another run holds the lock,
// 503 when the run could not execute.
func (h *TriggerHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	report, err := h.runner.RunOnce(request.Context())
	if err != nil {
		http.Error(writer, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if report.Skipped {
		http.Error(writer, "run already in progress", http.StatusConflict)
		return
	}

	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(triggerResponse{
		RunID:          report.RunID,
		ItemCount:      report.ItemCount,
		ViolationCount: report.ViolationCount,
		AlertsSent:     report.AlertsSent,
		Criticals:      report.Criticals,
		Errors:         len(report.Errors),
	})
}
