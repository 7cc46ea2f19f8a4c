package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerThreshold(t *testing.T) {
	agg := NewAggregator(Config{FailureThreshold: 3}, nil)
	tr := agg.Tracker("cache")
	boom := errors.New("connection refused")

	assert.Equal(t, StatusOK, tr.Report().Status)
	assert.Equal(t, "not yet observed", tr.Report().Detail)

	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusOK},
		{boom, StatusDegraded},
		{boom, StatusDegraded},
		{boom, StatusDown},
		{boom, StatusDown},
		{nil, StatusOK},
		{boom, StatusDegraded},
	}
	for i, tt := range tests {
		tr.Record(tt.err)
		assert.Equal(t, tt.want, tr.Report().Status, "step %d", i)
	}

	r := tr.Report()
	assert.Equal(t, 1, r.ConsecutiveFailures)
	assert.Equal(t, "connection refused", r.Detail)
	assert.NotNil(t, r.LastSuccess)
	assert.NotNil(t, r.LastFailure)
}

func TestDisabledAndDegradedMarks(t *testing.T) {
	agg := NewAggregator(Config{FailureThreshold: 1}, nil)

	remote := agg.Tracker("remote_planner")
	remote.Disable("")
	remote.Record(errors.New("ignored"))
	assert.Equal(t, StatusOK, remote.Report().Status)
	assert.Equal(t, "disabled", remote.Report().Detail)

	cache := agg.Tracker("cache")
	cache.Degrade("redis unreachable at startup; using in-memory cache")
	cache.Record(nil)
	assert.Equal(t, StatusDegraded, cache.Report().Status)
	cache.Record(errors.New("boom"))
	assert.Equal(t, StatusDown, cache.Report().Status)
	cache.Record(nil)
	assert.Equal(t, StatusDegraded, cache.Report().Status)
}

func TestSnapshotTakesWorstStatus(t *testing.T) {
	agg := NewAggregator(Config{FailureThreshold: 2}, nil)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return fixed }

	agg.Tracker("audit").Record(nil)
	agg.Tracker("cache").Record(errors.New("timeout"))
	agg.Tracker("event_bus").Record(nil)

	s := agg.Snapshot()
	assert.Equal(t, StatusDegraded, s.Status)
	assert.Equal(t, fixed, s.CheckedAt)
	require.Len(t, s.Dependencies, 3)
	assert.Equal(t, "audit", s.Dependencies[0].Name)
	assert.Equal(t, "cache", s.Dependencies[1].Name)

	agg.Tracker("cache").Record(errors.New("timeout"))
	assert.Equal(t, StatusDown, agg.Snapshot().Status)
}

func TestPollRunsProbesWithTimeout(t *testing.T) {
	agg := NewAggregator(Config{FailureThreshold: 1, ProbeTimeout: 20 * time.Millisecond}, nil)

	var disabledCalls int32
	agg.AddProbe("audit", func(context.Context) error { return nil })
	agg.AddProbe("event_bus", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	agg.AddProbe("remote_planner", func(context.Context) error {
		atomic.AddInt32(&disabledCalls, 1)
		return nil
	}).Disable("no remote target configured")

	agg.Poll(context.Background())

	byName := map[string]Report{}
	for _, r := range agg.Snapshot().Dependencies {
		byName[r.Name] = r
	}
	assert.Equal(t, StatusOK, byName["audit"].Status)
	assert.Equal(t, StatusDown, byName["event_bus"].Status)
	assert.Contains(t, byName["event_bus"].Detail, "deadline exceeded")
	assert.Equal(t, StatusOK, byName["remote_planner"].Status)
	assert.Zero(t, atomic.LoadInt32(&disabledCalls))
}

func TestRunStopsWithContext(t *testing.T) {
	agg := NewAggregator(Config{PollInterval: 5 * time.Millisecond}, nil)
	var calls int32
	agg.AddProbe("cache", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, agg.Run(ctx))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestHandlers(t *testing.T) {
	agg := NewAggregator(Config{FailureThreshold: 1}, nil)
	agg.Tracker("cache").Record(errors.New("refused"))

	r := chi.NewRouter()
	RegisterRoutes(r, NewHandler(agg))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/integrations", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, StatusDown, snap.Status)
	require.Len(t, snap.Dependencies, 1)
	assert.Equal(t, "refused", snap.Dependencies[0].Detail)
}
