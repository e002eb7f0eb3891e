package api

import (
	"net/http"
	"time"

	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/engine"
	"github.com/GoCodeAlone/foreman/lock"
)

// --- Lock handlers ---

func (h *Handlers) listLocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := lock.Filter{
		ProjectID:     q.Get("project_id"),
		ResourcePath:  q.Get("resource_path"),
		HolderAgentID: q.Get("holder_agent_id"),
	}
	if s := q.Get("status"); s != "" {
		st := lock.Status(s)
		f.Status = &st
	}
	var ok bool
	if f.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	locks, err := h.Engine.ListLocks(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if locks == nil {
		locks = []*lock.FileLock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

// acquireRequest mirrors engine.AcquireRequest with a human TTL ("15m").
type acquireRequest struct {
	ProjectID string    `json:"project_id"`
	Path      string    `json:"resource_path"`
	Holder    string    `json:"holder_agent_id"`
	Type      lock.Type `json:"lock_type"`
	TTL       string    `json:"ttl,omitempty"`
}

func (h *Handlers) acquireLock(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decode(w, r, &req) {
		return
	}
	in := engine.AcquireRequest{
		ProjectID: req.ProjectID,
		Path:      req.Path,
		Holder:    req.Holder,
		Type:      req.Type,
	}
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ttl: "+err.Error())
			return
		}
		in.TTL = d
	}
	l, err := h.Engine.Acquire(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handlers) checkLock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	held, err := h.Engine.Check(r.Context(), q.Get("project_id"), q.Get("resource_path"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if held == nil {
		held = []*lock.FileLock{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locked": len(held) > 0,
		"locks":  held,
	})
}

type releaseRequest struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"resource_path"`
	Holder    string `json:"holder_agent_id"`
}

func (h *Handlers) releaseLock(w http.ResponseWriter, r *http.Request) {
	l, err := h.Engine.Release(r.Context(), r.PathValue("id"), r.URL.Query().Get("holder_agent_id"))
	h.writeLock(w, l, err)
}

func (h *Handlers) releaseByPath(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.Engine.ReleaseByPath(r.Context(), req.ProjectID, req.Path, req.Holder)
	h.writeLock(w, l, err)
}

type forceReleaseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) forceRelease(w http.ResponseWriter, r *http.Request) {
	var req forceReleaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "forced by " + Subject(r.Context())
	}
	l, err := h.Engine.ForceRelease(r.Context(), r.PathValue("id"), req.Reason)
	h.writeLock(w, l, err)
}

func (h *Handlers) writeLock(w http.ResponseWriter, l *lock.FileLock, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- Audit records ---

// auditFilter reads the query parameters shared by the record listings.
func auditFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	q := r.URL.Query()
	f := audit.Filter{
		Kind:         q.Get("kind"),
		TaskID:       q.Get("task_id"),
		AgentID:      q.Get("agent_id"),
		ResourcePath: q.Get("resource_path"),
		Severity:     audit.Severity(q.Get("severity")),
		Unresolved:   q.Get("unresolved") == "true",
	}
	if s := q.Get("since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return f, false
		}
		f.Since = &ts
	}
	var ok bool
	f.Limit, ok = queryInt(w, r, "limit")
	return f, ok
}

func (h *Handlers) listConflicts(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	recs, err := h.Engine.ListConflicts(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if recs == nil {
		recs = []*audit.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) resolveConflict(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.ResolveConflict(r.Context(), r.PathValue("id")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listDecisions(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	recs, err := h.Engine.ListDecisions(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if recs == nil {
		recs = []*audit.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type overrideRequest struct {
	Note string `json:"note"`
}

func (h *Handlers) overrideDecision(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Engine.OverrideDecision(r.Context(), r.PathValue("id"), Subject(r.Context()), req.Note)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	alerts, err := h.Engine.ListAlerts(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*audit.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handlers) ackAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.AcknowledgeAlert(r.Context(), r.PathValue("id")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
