// ABOUTME: HTTP API handlers for submitting, inspecting and cancelling tasks
// ABOUTME: Also serves provider health, agent summaries and per-task SSE streams

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/conclave/internal/consensus"
	"github.com/2389/conclave/internal/orchestrator"
	"github.com/2389/conclave/internal/store"
)

// maxRequestBody bounds POST /tasks bodies. Descriptions are limited
// separately by the orchestrator.
const maxRequestBody = 1 << 20

// SubmitTaskRequest is the JSON request body for POST /tasks.
type SubmitTaskRequest struct {
	Description string `json:"description"`
	TaskType    string `json:"taskType"`
}

// SubmitTaskResponse is the JSON response for POST /tasks.
type SubmitTaskResponse struct {
	TaskID string `json:"taskId"`
}

// TaskSummary is one entry of GET /tasks.
type TaskSummary struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	TaskType    string    `json:"taskType"`
	State       string    `json:"state"`
	Phases      int       `json:"phases"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PhaseResultResponse is one phase result of GET /tasks/{id}.
type PhaseResultResponse struct {
	Phase       string    `json:"phase"`
	AgentID     string    `json:"agentId"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model,omitempty"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	LatencyMS   int64     `json:"latencyMs"`
	Fallback    bool      `json:"fallback"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completedAt"`
}

// TaskResponse is the JSON response for GET /tasks/{id}.
type TaskResponse struct {
	TaskSummary
	Results   []PhaseResultResponse `json:"results"`
	Consensus consensus.Result      `json:"consensus"`
}

// ProviderHealthResponse is one entry of GET /providers/health.
type ProviderHealthResponse struct {
	Name            string    `json:"name"`
	Kind            string    `json:"kind"`
	State           string    `json:"state"`
	Score           float64   `json:"score"`
	LastChecked     time.Time `json:"lastChecked"`
	Samples         int       `json:"samples"`
	Failures        int       `json:"failures"`
	Trips           int       `json:"trips"`
	MeanLatencyMS   int64     `json:"meanLatencyMs"`
	CooldownSeconds float64   `json:"cooldownRemainingSeconds,omitempty"`
	Capabilities    []string  `json:"capabilities"`
}

// AgentResponse is one entry of GET /agents.
type AgentResponse struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Role              string   `json:"role"`
	Capabilities      []string `json:"capabilities"`
	PreferredProvider string   `json:"preferredProvider,omitempty"`
	Model             string   `json:"model,omitempty"`
	Phases            int      `json:"phases"`
	SuccessRate       float64  `json:"successRate"`
	MeanConfidence    float64  `json:"meanConfidence"`
	MeanLatencyMS     int64    `json:"meanLatencyMs"`
}

func summarize(t *store.Task) TaskSummary {
	return TaskSummary{
		ID:          t.ID,
		Description: t.Description,
		TaskType:    t.TaskType,
		State:       string(t.State),
		Phases:      len(t.Results),
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func taskResponse(t *store.Task) TaskResponse {
	results := make([]PhaseResultResponse, 0, len(t.Results))
	for _, r := range t.Results {
		results = append(results, PhaseResultResponse{
			Phase:       r.Phase,
			AgentID:     r.AgentID,
			Provider:    r.Provider,
			Model:       r.Model,
			Text:        r.Text,
			Confidence:  r.Confidence,
			LatencyMS:   r.Latency.Milliseconds(),
			Fallback:    r.Fallback,
			Attempts:    r.Attempts,
			CompletedAt: r.CompletedAt,
		})
	}
	return TaskResponse{
		TaskSummary: summarize(t),
		Results:     results,
		Consensus:   t.Consensus(),
	}
}

// parseSubmitRequest decodes a SubmitTaskRequest. Field validation is left
// to the orchestrator so HTTP and CLI submissions share one rule set.
func parseSubmitRequest(r io.Reader) (*SubmitTaskRequest, error) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// handleSubmitTask handles POST /tasks.
// A repeated Idempotency-Key returns the task created by the first request.
func (g *Gateway) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	req, err := parseSubmitRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		if id, ok := g.dedupe.Lookup(key); ok {
			g.logger.Debug("idempotent replay", "task_id", id)
			g.sendJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id})
			return
		}
	}

	task, err := g.orchestrator.Submit(r.Context(), req.Description, req.TaskType)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTaskSpec):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, orchestrator.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		g.logger.Error("failed to submit task", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	id := task.ID
	if key != "" {
		// A concurrent request with the same key got there first. Its task wins.
		if first, seen := g.dedupe.Remember(key, task.ID); seen {
			g.logger.Warn("duplicate submission raced on idempotency key", "task_id", task.ID, "original_task_id", first)
			if err := g.orchestrator.Cancel(r.Context(), task.ID); err != nil {
				g.logger.Warn("failed to cancel duplicate task", "task_id", task.ID, "error", err)
			}
			id = first
		}
	}

	g.sendJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id})
}

// handleListTasks handles GET /tasks?limit=N.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := g.orchestrator.List(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list tasks", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarize(t))
	}
	g.sendJSON(w, http.StatusOK, out)
}

// lookupTask resolves the {id} path value, writing 404 or 500 on failure.
func (g *Gateway) lookupTask(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	id := r.PathValue("id")
	task, err := g.orchestrator.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to get task", "task_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return task, true
}

// handleGetTask handles GET /tasks/{id}.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := g.lookupTask(w, r)
	if !ok {
		return
	}
	g.sendJSON(w, http.StatusOK, taskResponse(task))
}

// handleTaskReport handles GET /tasks/{id}/report[?format=html].
func (g *Gateway) handleTaskReport(w http.ResponseWriter, r *http.Request) {
	task, ok := g.lookupTask(w, r)
	if !ok {
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, renderReport(task))
	case "html":
		page, err := renderReportHTML(task)
		if err != nil {
			g.logger.Error("failed to render report", "task_id", task.ID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "format must be markdown or html")
	}
}

// handleCancelTask handles POST /tasks/{id}/cancel.
func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := g.orchestrator.Cancel(r.Context(), id)
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusAccepted, map[string]string{"taskId": id, "status": "cancelling"})
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("failed to cancel task", "task_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleTaskEvents handles GET /tasks/{id}/events as a Server-Sent Events
// stream. The first event is a snapshot of the task; the stream ends after
// the task's terminal event.
func (g *Gateway) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the task so no transition falls in between.
	id := r.PathValue("id")
	ch, _ := g.broadcaster.Subscribe(r.Context(), id)

	task, ok := g.lookupTask(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "snapshot", summarize(task))
	flusher.Flush()
	if task.State.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
		}
	}
}

// handleProvidersHealth handles GET /providers/health.
func (g *Gateway) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	bridges := g.providers.All()
	out := make([]ProviderHealthResponse, 0, len(bridges))
	for _, b := range bridges {
		st := g.monitor.Status(b.Name())
		out = append(out, ProviderHealthResponse{
			Name:            st.Name,
			Kind:            b.Kind(),
			State:           st.State.String(),
			Score:           st.Score,
			LastChecked:     st.LastChecked,
			Samples:         st.Samples,
			Failures:        st.Failures,
			Trips:           st.Trips,
			MeanLatencyMS:   st.MeanLatency.Milliseconds(),
			CooldownSeconds: st.CooldownRemaining.Seconds(),
			Capabilities:    b.Capabilities(),
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleListAgents handles GET /agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.agents.List()
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentResponse{
			ID:                a.ID,
			Name:              a.Name,
			Role:              string(a.Role),
			Capabilities:      a.Capabilities,
			PreferredProvider: a.PreferredProvider,
			Model:             a.Model,
			Phases:            a.Stats.Phases,
			SuccessRate:       a.Stats.SuccessRate(),
			MeanConfidence:    a.Stats.MeanConfidence,
			MeanLatencyMS:     a.Stats.MeanLatency.Milliseconds(),
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
