package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	id       string
	endpoint string
}

func (f *fakeTarget) ID() string             { return f.id }
func (f *fakeTarget) HealthEndpoint() string { return f.endpoint }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestProber(tracker *Tracker, targets ...Probeable) *Prober {
	p := NewProber(ProberConfig{ProbeTimeout: 2 * time.Second}, tracker, nil, quietLogger())
	for _, t := range targets {
		p.AddTarget(t)
	}
	return p
}

func statusServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeStatusClassification(t *testing.T) {
	tests := []struct {
		status  int
		healthy bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusMethodNotAllowed, true},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := statusServer(t, tc.status)
			tracker := NewTracker(TrackerConfig{DegradedAfter: 1, DownAfter: 3})
			results := newTestProber(tracker, &fakeTarget{id: "openai", endpoint: srv.URL}).
				ProbeAll(context.Background())

			require.Len(t, results, 1)
			r := results[0]
			assert.Equal(t, "openai", r.ProviderID)
			assert.Equal(t, tc.status, r.StatusCode)
			assert.Equal(t, tc.healthy, r.Healthy)

			stats := tracker.Get("openai")
			assert.EqualValues(t, 1, stats.Calls)
			if tc.healthy {
				assert.Empty(t, r.Error)
				assert.Equal(t, StateHealthy, r.State)
			} else {
				assert.Contains(t, r.Error, "HTTP")
				assert.Equal(t, StateDegraded, r.State)
				assert.Contains(t, stats.LastError, "probe: HTTP")
			}
		})
	}
}

func TestProbeRepeatedFailuresMarkDown(t *testing.T) {
	srv := statusServer(t, http.StatusBadGateway)
	tracker := NewTracker(TrackerConfig{DegradedAfter: 1, DownAfter: 2})
	p := newTestProber(tracker, &fakeTarget{id: "google", endpoint: srv.URL})

	p.ProbeAll(context.Background())
	results := p.ProbeAll(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, StateDown, results[0].State)
	assert.Equal(t, 2, tracker.Get("google").ConsecFailures)
}

func TestProbeUnreachable(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	results := newTestProber(tracker, &fakeTarget{id: "anthropic", endpoint: "http://127.0.0.1:1/v1/messages"}).
		ProbeAll(context.Background())
	require.Len(t, results, 1)
	assert.False(t, results[0].Healthy)
	assert.NotEmpty(t, results[0].Error)
	assert.Zero(t, results[0].StatusCode)
	assert.EqualValues(t, 1, tracker.Get("anthropic").Failures)
}

func TestProbeSkipsEmptyEndpoint(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	results := newTestProber(tracker, &fakeTarget{id: "local"}).ProbeAll(context.Background())
	assert.Empty(t, results)
	assert.Empty(t, tracker.All())
}

func TestProbeCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tracker := NewTracker(DefaultTrackerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := newTestProber(tracker, &fakeTarget{id: "openai", endpoint: srv.URL}).ProbeAll(ctx)
	require.Len(t, results, 1)
	assert.False(t, results[0].Healthy)
}

func TestProbeAllBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(DefaultTrackerConfig())
	p := NewProber(ProberConfig{ProbeTimeout: 2 * time.Second, MaxConcurrent: 2}, tracker, nil, quietLogger())
	for _, id := range []string{"e", "d", "c", "b", "a"} {
		p.AddTarget(&fakeTarget{id: id, endpoint: srv.URL})
	}

	results := p.ProbeAll(context.Background())
	require.Len(t, results, 5)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, id, results[i].ProviderID, "results sorted by provider")
		assert.True(t, results[i].Healthy)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProberTargets(t *testing.T) {
	p := newTestProber(NewTracker(DefaultTrackerConfig()),
		&fakeTarget{id: "openai", endpoint: "x"},
		&fakeTarget{id: "anthropic", endpoint: "y"},
	)
	p.AddTarget(&fakeTarget{id: "openai", endpoint: "z"})
	assert.Equal(t, []string{"anthropic", "openai"}, p.Targets())
}

func TestNewProberDefaults(t *testing.T) {
	p := NewProber(ProberConfig{}, NewTracker(DefaultTrackerConfig()), nil, nil)
	def := DefaultProberConfig()
	assert.Equal(t, def.ProbeTimeout, p.cfg.ProbeTimeout)
	assert.Equal(t, def.MaxConcurrent, p.cfg.MaxConcurrent)
	assert.NotNil(t, p.client)
}
