package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/engine"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/server/api"
	"github.com/GoCodeAlone/foreman/store"
	"github.com/GoCodeAlone/foreman/task"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

type apiHarness struct {
	t      *testing.T
	engine *engine.Engine
	bus    *comms.InMemoryBus
	mux    http.Handler
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := comms.NewInMemoryBus()
	n := comms.NewNotifier(bus, 64)
	t.Cleanup(func() { n.Close(context.Background()) })
	e := engine.New(st, engine.WithEvents(n))

	mux := http.NewServeMux()
	h := &api.Handlers{Engine: e, Bus: bus, Version: "test"}
	h.RegisterRoutes(mux)
	// Stands in for the auth middleware.
	authed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(api.WithSubject(r.Context(), "ops")))
	})
	return &apiHarness{t: t, engine: e, bus: bus, mux: authed}
}

func (a *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, req)
	return rr
}

func decodeAs[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestTaskRoutes_Lifecycle(t *testing.T) {
	a := newAPI(t)

	rr := a.do(http.MethodPost, "/api/agents", engine.RegisterRequest{
		ID: "a1", Capabilities: agent.Capabilities{"go": 80},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = a.do(http.MethodPost, "/api/tasks", engine.EnqueueRequest{
		Title: "build", RequiredCapabilities: []string{"go"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeAs[task.Task](t, rr)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, task.PriorityNormal, created.Priority)

	rr = a.do(http.MethodPost, "/api/run/dispatch", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeAs[engine.DispatchResult](t, rr)
	assert.Equal(t, 1, res.Assigned)

	rr = a.do(http.MethodPost, "/api/tasks/"+created.ID+"/start", map[string]string{"agent_id": "a1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, task.StatusInProgress, decodeAs[task.Task](t, rr).Status)

	rr = a.do(http.MethodPost, "/api/tasks/"+created.ID+"/complete", map[string]any{"result": "ok"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, task.StatusCompleted, decodeAs[task.Task](t, rr).Status)

	rr = a.do(http.MethodGet, "/api/tasks?status=completed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeAs[[]task.Task](t, rr), 1)

	// completed is terminal
	rr = a.do(http.MethodPost, "/api/tasks/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestTaskRoutes_ErrorMapping(t *testing.T) {
	a := newAPI(t)

	rr := a.do(http.MethodPost, "/api/tasks", engine.EnqueueRequest{Title: "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(http.MethodGet, "/api/tasks?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodGet, "/api/tasks?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodPost, "/api/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "create requires a body")

	rr = a.do(http.MethodPost, "/api/run/sweep", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestAgentRoutes(t *testing.T) {
	a := newAPI(t)

	rr := a.do(http.MethodPost, "/api/agents", engine.RegisterRequest{
		ID: "a1", Capabilities: agent.Capabilities{"Go": 70},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = a.do(http.MethodPut, "/api/agents/a1/capabilities", agent.Capabilities{"rust": 60})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decodeAs[agent.Agent](t, rr)
	assert.Equal(t, agent.Capabilities{"rust": 60}, got.Capabilities)

	rr = a.do(http.MethodPost, "/api/agents/a1/heartbeat", nil)
	require.Equal(t, http.StatusOK, rr.Code, "empty heartbeat body is allowed")

	rr = a.do(http.MethodPost, "/api/agents/a1/heartbeat", map[string]string{"status": "inactive"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodGet, "/api/agents/a1/next", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = a.do(http.MethodPost, "/api/tasks", engine.EnqueueRequest{
		Title: "port", RequiredCapabilities: []string{"rust"},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = a.do(http.MethodGet, "/api/agents/a1/next", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	next := decodeAs[engine.RankedTask](t, rr)
	assert.Equal(t, "port", next.Task.Title)

	rr = a.do(http.MethodGet, "/api/agents?status=idle", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeAs[[]agent.Agent](t, rr), 1)

	rr = a.do(http.MethodGet, "/api/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(http.MethodDelete, "/api/agents/a1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestLockRoutes_ConflictCarriesHolder(t *testing.T) {
	a := newAPI(t)

	rr := a.do(http.MethodPost, "/api/locks", map[string]string{
		"resource_path": "src/main.go", "holder_agent_id": "a1", "lock_type": "exclusive", "ttl": "10m",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	held := decodeAs[lock.FileLock](t, rr)
	require.NotNil(t, held.ExpiresAt)
	assert.Equal(t, lock.StatusActive, held.Status)

	rr = a.do(http.MethodPost, "/api/locks", map[string]string{
		"resource_path": "src/main.go", "holder_agent_id": "a2", "lock_type": "shared",
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	body := decodeAs[map[string]any](t, rr)
	assert.Equal(t, "a1", body["holder_agent_id"])
	assert.Equal(t, "exclusive", body["lock_type"])
	assert.NotEmpty(t, body["expires_at"])

	rr = a.do(http.MethodGet, "/api/locks/check?resource_path=src/main.go", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeAs[map[string]any](t, rr)["locked"])

	rr = a.do(http.MethodGet, "/api/conflicts?unresolved=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	conflicts := decodeAs[[]audit.ConflictRecord](t, rr)
	require.Len(t, conflicts, 1)

	rr = a.do(http.MethodPost, "/api/conflicts/"+conflicts[0].ID+"/resolve", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// only the holder may release
	rr = a.do(http.MethodDelete, "/api/locks/"+held.ID+"?holder_agent_id=a2", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = a.do(http.MethodPost, "/api/locks/release", map[string]string{
		"resource_path": "src/main.go", "holder_agent_id": "a1",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, lock.StatusReleased, decodeAs[lock.FileLock](t, rr).Status)

	rr = a.do(http.MethodPost, "/api/locks", map[string]string{
		"resource_path": "x", "holder_agent_id": "a1", "ttl": "soon",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLockRoutes_ForceRelease(t *testing.T) {
	a := newAPI(t)

	l, err := a.engine.Acquire(context.Background(), engine.AcquireRequest{
		Path: "db/schema.sql", Holder: "a1", Type: lock.TypeExclusive,
	})
	require.NoError(t, err)

	rr := a.do(http.MethodPost, "/api/locks/"+l.ID+"/force-release", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decodeAs[lock.FileLock](t, rr)
	assert.Equal(t, lock.StatusForceReleased, got.Status)
	assert.Equal(t, "forced by ops", got.ReleaseReason)

	rr = a.do(http.MethodPost, "/api/locks/nope/force-release", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDecisionOverrideUsesSubject(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()

	_, err := a.engine.RegisterAgent(ctx, engine.RegisterRequest{ID: "a1", Capabilities: agent.Capabilities{"go": 50}})
	require.NoError(t, err)
	_, err = a.engine.Enqueue(ctx, engine.EnqueueRequest{Title: "t", RequiredCapabilities: []string{"go"}})
	require.NoError(t, err)
	_, err = a.engine.Dispatch(ctx)
	require.NoError(t, err)

	rr := a.do(http.MethodGet, "/api/decisions?kind=assignment", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decisions := decodeAs[[]audit.DecisionRecord](t, rr)
	require.Len(t, decisions, 1)

	rr = a.do(http.MethodPost, "/api/decisions/"+decisions[0].ID+"/override", map[string]string{"note": "wrong agent"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	orig, err := a.engine.ListDecisions(ctx, audit.Filter{Kind: string(audit.DecisionAssignment)})
	require.NoError(t, err)
	require.Len(t, orig, 1)
	assert.Equal(t, "ops", orig[0].OverriddenBy)

	rr = a.do(http.MethodPost, "/api/decisions/"+decisions[0].ID+"/override", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "second override is rejected")
}

func TestStatsAndEvents(t *testing.T) {
	a := newAPI(t)

	rr := a.do(http.MethodPost, "/api/tasks", engine.EnqueueRequest{Title: "x"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = a.do(http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decodeAs[engine.Stats](t, rr)
	assert.Equal(t, 1, stats.Tasks.ByStatus[task.StatusPending])

	require.Eventually(t, func() bool {
		evs, _ := a.bus.History("task", 10)
		return len(evs) == 1
	}, testTimeout, testTick)

	rr = a.do(http.MethodGet, "/api/events?topic=task", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	evs := decodeAs[[]comms.Event](t, rr)
	require.Len(t, evs, 1)
	assert.Equal(t, comms.TaskEnqueued, evs[0].Type)

	rr = a.do(http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "test", decodeAs[map[string]string](t, rr)["version"])
}
