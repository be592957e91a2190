package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/memsync/internal/config"
	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
)

type fakeMemories struct {
	entries map[string]*core.MemoryEntry
}

func (f *fakeMemories) Store(_ context.Context, entry *core.MemoryEntry) (*core.MemoryEntry, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("mem-%d", len(f.entries)+1)
	}
	entry.Version = 1
	f.entries[entry.ID] = entry
	return entry, nil
}

func (f *fakeMemories) Get(_ context.Context, id string) (*core.MemoryEntry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: memory entry %s", core.ErrNotFound, id)
	}
	return e, nil
}

func (f *fakeMemories) Query(_ context.Context, _ core.MemoryFilter) ([]core.MemoryEntry, error) {
	out := make([]core.MemoryEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeMemories) SearchSimilarity(_ context.Context, vector []float32, _ string, _ int, _ float64) ([]core.SimilarityMatch, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: vector is required", core.ErrInvalidInput)
	}
	return nil, nil
}

func (f *fakeMemories) Relate(_ context.Context, sourceID, targetID string, kind core.RelationshipKind) error {
	if sourceID == targetID {
		return fmt.Errorf("%w: self relationship", core.ErrInvalidInput)
	}
	return nil
}

func (f *fakeMemories) Related(_ context.Context, _ string, _ core.RelationshipKind, _ int) ([]core.MemoryEntry, error) {
	return nil, nil
}

func (f *fakeMemories) Aggregate(_ context.Context, serviceID, domain string, from, to time.Time) (*core.MemoryAggregation, error) {
	return &core.MemoryAggregation{ServiceID: serviceID, Domain: domain, WindowStart: from, WindowEnd: to}, nil
}

type fakeLedger struct {
	events []core.LearningEvent
}

func (f *fakeLedger) Record(_ context.Context, ev *core.LearningEvent) (*core.LearningEvent, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("ev-%d", len(f.events)+1)
	}
	ev.Timestamp = time.Now().UTC()
	f.events = append(f.events, *ev)
	return ev, nil
}

func (f *fakeLedger) History(_ context.Context, filter core.EventFilter) ([]core.LearningEvent, error) {
	events := f.events
	if filter.Offset > 0 {
		if filter.Offset >= len(events) {
			return nil, nil
		}
		events = events[filter.Offset:]
	}
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

func (f *fakeLedger) Patterns(_ context.Context, _ string, _ int64) ([]core.LearningPattern, error) {
	return nil, nil
}

func (f *fakeLedger) Metrics(_ context.Context, domain string, from, to time.Time) (*core.LearningMetrics, error) {
	return &core.LearningMetrics{Domain: domain, WindowStart: from, WindowEnd: to, TotalEvents: int64(len(f.events))}, nil
}

func (f *fakeLedger) Trends(_ context.Context, domain string, _, _ time.Time, _, _ int) (*core.TrendReport, error) {
	return &core.TrendReport{Domain: domain, Trend: core.TrendStable}, nil
}

type fakeInsights struct {
	insights []core.Insight
}

func (f *fakeInsights) Recent(_ context.Context, _ string, _ int) ([]core.Insight, error) {
	return f.insights, nil
}

func (f *fakeInsights) Snapshot(_ string) (float64, float64) { return 1.5, 42 }

func (f *fakeInsights) Domains(_ context.Context) ([]string, error) {
	return []string{"support"}, nil
}

type fakeArchiver struct{ swept int }

func (f *fakeArchiver) SweepArchive(_ context.Context) (int, error) {
	f.swept++
	return 3, nil
}

type fakeHealth struct{ warmErr error }

func (f *fakeHealth) Healthy(_ context.Context) map[string]error {
	return map[string]error{"hot": nil, "warm": f.warmErr}
}

func newTestServer(t *testing.T, auth config.AuthConfig) (*Server, *fakeMemories, *fakeLedger, *fakeArchiver, *fakeHealth) {
	t.Helper()
	mem := &fakeMemories{entries: make(map[string]*core.MemoryEntry)}
	led := &fakeLedger{}
	arc := &fakeArchiver{}
	hlt := &fakeHealth{}
	srv := NewServer(config.ServerConfig{
		Host:           "127.0.0.1",
		Port:           0,
		RequestTimeout: 5 * time.Second,
	}, "svc-test", auth, mem, led, &fakeInsights{}, arc, hlt, nil, metrics.New(), zerolog.Nop())
	return srv, mem, led, arc, hlt
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func validStoreBody() map[string]interface{} {
	return map[string]interface{}{
		"service_id": "svc-a",
		"agent_id":   "agent-1",
		"domain":     "support",
		"kind":       "episodic",
		"payload":    map[string]interface{}{"text": "hello"},
	}
}

func TestStoreAndGetMemory(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/memory", validStoreBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stored := decodeBody(t, rec)["entry"].(map[string]interface{})
	id := stored["id"].(string)
	require.NotEmpty(t, id)

	rec = do(t, h, http.MethodGet, "/memory/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)["entry"].(map[string]interface{})
	assert.Equal(t, "support", got["domain"])
}

func TestUnknownFieldRejected(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	body := validStoreBody()
	body["bogus_field"] = true

	rec := do(t, srv.Handler(), http.MethodPost, "/memory", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "invalid_input", out["code"])
	assert.NotEmpty(t, out["error"])
	assert.NotEmpty(t, out["timestamp"])
}

func TestGetUnknownEntry(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, srv.Handler(), http.MethodGet, "/memory/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["code"])
}

func TestSimilarityRequiresVector(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, srv.Handler(), http.MethodPost, "/memory/search/similarity",
		map[string]interface{}{"domain": "support"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	auth := config.AuthConfig{Tokens: map[string]config.Principal{
		"secret-agent": {Name: "worker", Role: "agent"},
	}}
	srv, _, _, _, _ := newTestServer(t, auth)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/memory", validStoreBody(), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["code"])

	rec = do(t, h, http.MethodPost, "/memory", validStoreBody(),
		map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/memory", validStoreBody(),
		map[string]string{"Authorization": "Bearer secret-agent"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestArchiveRequiresAdmin(t *testing.T) {
	auth := config.AuthConfig{Tokens: map[string]config.Principal{
		"t-agent": {Name: "worker", Role: "agent"},
		"t-admin": {Name: "ops", Role: "admin"},
	}}
	srv, _, _, arc, _ := newTestServer(t, auth)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/memory/archive", nil,
		map[string]string{"Authorization": "Bearer t-agent"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeBody(t, rec)["code"])
	assert.Zero(t, arc.swept)

	rec = do(t, h, http.MethodPost, "/memory/archive", nil,
		map[string]string{"Authorization": "Bearer t-admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decodeBody(t, rec)["archived"])
	assert.Equal(t, 1, arc.swept)
}

func TestExportAllowsAnalyst(t *testing.T) {
	auth := config.AuthConfig{Tokens: map[string]config.Principal{
		"t-analyst": {Name: "bi", Role: "analyst"},
		"t-agent":   {Name: "worker", Role: "agent"},
	}}
	srv, _, _, _, _ := newTestServer(t, auth)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/analytics/export", nil,
		map[string]string{"Authorization": "Bearer t-analyst"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	rec = do(t, h, http.MethodGet, "/analytics/export", nil,
		map[string]string{"Authorization": "Bearer t-agent"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExportPagesBeyondSingleQueryLimit(t *testing.T) {
	srv, _, led, _, _ := newTestServer(t, config.AuthConfig{})

	// More history than one ledger page holds; the export must collect
	// every event, not just the first page.
	now := time.Now().UTC()
	for i := 0; i < 1200; i++ {
		led.events = append(led.events, core.LearningEvent{
			ID:        fmt.Sprintf("ev-%d", i),
			ServiceID: "svc-a",
			AgentID:   "agent-1",
			Domain:    "support",
			Kind:      core.LearningTraining,
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		})
	}

	rec := do(t, srv.Handler(), http.MethodGet, "/analytics/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	events, ok := body["events"].([]interface{})
	require.True(t, ok)
	assert.Len(t, events, 1200)
}

func TestRecordLearningEvent(t *testing.T) {
	srv, _, led, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, srv.Handler(), http.MethodPost, "/learning/events", map[string]interface{}{
		"service_id": "svc-a",
		"agent_id":   "agent-1",
		"domain":     "support",
		"kind":       "training",
		"input":      map[string]interface{}{"q": "hi"},
		"output":     map[string]interface{}{"confidence": 0.9},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, led.events, 1)
	assert.Equal(t, core.LearningTraining, led.events[0].Kind)
}

func TestRecordRejectsUnknownKind(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, srv.Handler(), http.MethodPost, "/learning/events", map[string]interface{}{
		"service_id": "svc-a",
		"agent_id":   "agent-1",
		"domain":     "support",
		"kind":       "osmosis",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsQueryModes(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/analytics/query",
		map[string]interface{}{"type": "realtime", "domain": "support"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)["result"].(map[string]interface{})
	assert.Equal(t, 1.5, result["events_per_sec"])
	assert.Equal(t, 42.0, result["ema_latency_ms"])

	rec = do(t, h, http.MethodPost, "/analytics/query",
		map[string]interface{}{"type": "historical", "domain": "support"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/analytics/query",
		map[string]interface{}{"type": "predictive", "domain": "support"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/analytics/query",
		map[string]interface{}{"type": "psychic", "domain": "support"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackEventLandsInLedger(t *testing.T) {
	srv, _, led, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, srv.Handler(), http.MethodPost, "/analytics/events", map[string]interface{}{
		"name":       "signup_completed",
		"service_id": "svc-a",
		"domain":     "growth",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, led.events, 1)
	assert.Equal(t, core.LearningAdaptation, led.events[0].Kind)
	assert.Equal(t, "signup_completed", led.events[0].Context["event_name"])
}

func TestDashboardBundle(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, srv.Handler(), http.MethodGet, "/analytics/dashboard", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	domains := out["domains"].([]interface{})
	require.Len(t, domains, 1)
	first := domains[0].(map[string]interface{})
	assert.Equal(t, "support", first["domain"])
}

func TestReportKindValidation(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/analytics/reports/summary/support", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/analytics/reports/detailed/support", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "patterns")

	rec = do(t, h, http.MethodGet, "/analytics/reports/glossy/support", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReportsDegradedTier(t *testing.T) {
	srv, _, _, _, hlt := newTestServer(t, config.AuthConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	hlt.warmErr = fmt.Errorf("connection refused")
	rec = do(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	components := decodeBody(t, rec)["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["hot"])
	assert.Equal(t, "connection refused", components["warm"])
}

func TestRequestIDPropagation(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", nil,
		map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = do(t, h, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestInvalidTimeParam(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, srv.Handler(), http.MethodGet, "/learning/metrics?from=yesterday", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeBody(t, rec)["code"])
}
