package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/engine"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Engine  *engine.Engine
	Bus     comms.Bus
	Logger  *slog.Logger
	Version string
	StartAt time.Time
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("POST /api/tasks/cleanup", h.cleanupTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", h.assignTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", h.startTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/fail", h.failTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", h.retryTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/reassign", h.reassignTask)

	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("POST /api/agents", h.registerAgent)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", h.deleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", h.heartbeat)
	mux.HandleFunc("PUT /api/agents/{id}/capabilities", h.setCapabilities)
	mux.HandleFunc("GET /api/agents/{id}/next", h.nextTask)
	mux.HandleFunc("POST /api/agents/{id}/reassign", h.reassignAll)

	mux.HandleFunc("GET /api/locks", h.listLocks)
	mux.HandleFunc("POST /api/locks", h.acquireLock)
	mux.HandleFunc("GET /api/locks/check", h.checkLock)
	mux.HandleFunc("POST /api/locks/release", h.releaseByPath)
	mux.HandleFunc("DELETE /api/locks/{id}", h.releaseLock)
	mux.HandleFunc("POST /api/locks/{id}/force-release", h.forceRelease)

	mux.HandleFunc("GET /api/conflicts", h.listConflicts)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", h.resolveConflict)
	mux.HandleFunc("GET /api/decisions", h.listDecisions)
	mux.HandleFunc("POST /api/decisions/{id}/override", h.overrideDecision)
	mux.HandleFunc("GET /api/alerts", h.listAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/ack", h.ackAlert)

	mux.HandleFunc("POST /api/run/{loop}", h.runLoop)
	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("GET /api/events", h.listEvents)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps a domain error to its HTTP status.
func (h *Handlers) writeEngineError(w http.ResponseWriter, err error) {
	var lc *lock.ConflictError
	switch {
	case errors.As(err, &lc):
		body := map[string]any{
			"error":           err.Error(),
			"resource_path":   lc.ResourcePath,
			"holder_agent_id": lc.Holder,
			"lock_type":       lc.HolderType,
		}
		if lc.ExpiresAt != nil {
			body["expires_at"] = lc.ExpiresAt.UTC()
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.Is(err, task.ErrInvalid), errors.Is(err, agent.ErrInvalid),
		errors.Is(err, lock.ErrInvalid), errors.Is(err, audit.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound), errors.Is(err, agent.ErrNotFound),
		errors.Is(err, lock.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrConflict), errors.Is(err, agent.ErrConflict),
		errors.Is(err, lock.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger().Error("api request failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.Logger
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an integer query parameter, reporting 400 on garbage.
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		ProjectID:  q.Get("project_id"),
		AssignedTo: q.Get("assigned_to"),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		filter.Status = &st
	}
	if q.Has("priority") {
		n, ok := queryInt(w, r, "priority")
		if !ok {
			return
		}
		p := task.Priority(n)
		filter.Priority = &p
	}
	var ok bool
	if filter.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}

	tasks, err := h.Engine.ListTasks(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req engine.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Engine.Enqueue(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type agentRef struct {
	AgentID string `json:"agent_id"`
}

func (h *Handlers) assignTask(w http.ResponseWriter, r *http.Request) {
	var req agentRef
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.Assign(r.Context(), r.PathValue("id"), req.AgentID)
	h.writeTask(w, t, err)
}

func (h *Handlers) startTask(w http.ResponseWriter, r *http.Request) {
	var req agentRef
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.Start(r.Context(), r.PathValue("id"), req.AgentID)
	h.writeTask(w, t, err)
}

type completeRequest struct {
	Result        string `json:"result"`
	ActualMinutes *int   `json:"actual_minutes,omitempty"`
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.Complete(r.Context(), r.PathValue("id"), req.Result, req.ActualMinutes)
	h.writeTask(w, t, err)
}

type failRequest struct {
	Error string `json:"error"`
}

func (h *Handlers) failTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.Fail(r.Context(), r.PathValue("id"), req.Error)
	h.writeTask(w, t, err)
}

func (h *Handlers) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.Retry(r.Context(), r.PathValue("id"))
	h.writeTask(w, t, err)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.Cancel(r.Context(), r.PathValue("id"))
	h.writeTask(w, t, err)
}

func (h *Handlers) reassignTask(w http.ResponseWriter, r *http.Request) {
	var req agentRef
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.Reassign(r.Context(), r.PathValue("id"), req.AgentID)
	h.writeTask(w, t, err)
}

func (h *Handlers) writeTask(w http.ResponseWriter, t *task.Task, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type cleanupRequest struct {
	OlderThan string `json:"older_than"` // Go duration, e.g. "168h"
}

func (h *Handlers) cleanupTasks(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if !decode(w, r, &req) {
		return
	}
	var age time.Duration
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			writeError(w, http.StatusBadRequest, "older_than: "+err.Error())
			return
		}
		age = d
	}
	n, err := h.Engine.Cleanup(r.Context(), age)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	var statuses []agent.Status
	for _, s := range r.URL.Query()["status"] {
		st := agent.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		statuses = append(statuses, st)
	}
	agents, err := h.Engine.ListAgents(r.Context(), statuses...)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if agents == nil {
		agents = []*agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req engine.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	a, err := h.Engine.RegisterAgent(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.GetAgent(r.Context(), r.PathValue("id"))
	h.writeAgent(w, a, err)
}

func (h *Handlers) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	Status agent.Status `json:"status,omitempty"`
}

func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Engine.Heartbeat(r.Context(), r.PathValue("id"), req.Status)
	h.writeAgent(w, a, err)
}

func (h *Handlers) setCapabilities(w http.ResponseWriter, r *http.Request) {
	var caps agent.Capabilities
	if err := json.NewDecoder(r.Body).Decode(&caps); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	a, err := h.Engine.SetCapabilities(r.Context(), r.PathValue("id"), caps)
	h.writeAgent(w, a, err)
}

func (h *Handlers) writeAgent(w http.ResponseWriter, a *agent.Agent, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) nextTask(w http.ResponseWriter, r *http.Request) {
	next, ok, err := h.Engine.NextTaskForAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

type reassignAllRequest struct {
	To string `json:"to"`
}

func (h *Handlers) reassignAll(w http.ResponseWriter, r *http.Request) {
	var req reassignAllRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.ReassignAll(r.Context(), r.PathValue("id"), req.To)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Loops, stats, events ---

func (h *Handlers) runLoop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("loop")
	if !slices.Contains(engine.Loops, name) {
		writeError(w, http.StatusNotFound, "unknown loop "+name)
		return
	}
	res, err := h.Engine.RunLoop(r.Context(), name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Stats(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		writeJSON(w, http.StatusOK, []*comms.Event{})
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = comms.AllTopics
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	if limit == 0 {
		limit = 50
	}
	events, err := h.Bus.History(topic, limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []*comms.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if !h.StartAt.IsZero() {
		body["uptime"] = time.Since(h.StartAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, body)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
