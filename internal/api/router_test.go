package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridlevsky/expert-voter/internal/feed"
	"github.com/skridlevsky/expert-voter/internal/metrics"
	"github.com/skridlevsky/expert-voter/internal/strategy"
)

type fakeStatuses struct {
	statuses []feed.Status
	excluded []feed.Exclusion
}

func (f *fakeStatuses) Statuses() []feed.Status     { return f.statuses }
func (f *fakeStatuses) Excluded() []feed.Exclusion { return f.excluded }

type fakeDB struct{ err error }

func (f *fakeDB) Health(ctx context.Context) error { return f.err }

func newTestRouter(t *testing.T, cfg *RouterConfig) http.Handler {
	t.Helper()
	result := NewRouter(cfg)
	t.Cleanup(result.RateLimiter.Stop)
	return result.Router
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, &RouterConfig{})
	rec := get(t, h, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestHealth_DatabaseDown(t *testing.T) {
	h := newTestRouter(t, &RouterConfig{Database: &fakeDB{err: errors.New("connection refused")}})
	rec := get(t, h, "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unhealthy", body.Services["database"])
}

func TestAccounts(t *testing.T) {
	source := &fakeStatuses{
		statuses: []feed.Status{
			{Login: "alice", Category: "IT", Strategy: "BaseStrategy", Votes: 3, Skipped: 1, State: feed.StateFetching},
			{Login: "bob", Category: "Humor", Strategy: "FiveStrategy", Votes: 4, State: feed.StateVoting},
		},
		excluded: []feed.Exclusion{{Login: "carol", Reason: "carol is not an expert"}},
	}
	h := newTestRouter(t, &RouterConfig{Accounts: source})

	rec := get(t, h, "/api/accounts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body AccountsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Accounts, 2)
	assert.Equal(t, 7, body.TotalVotes)
	require.Len(t, body.Excluded, 1)
	assert.Equal(t, "carol", body.Excluded[0].Login)

	rec = get(t, h, "/api/accounts/bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var status feed.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "FiveStrategy", status.Strategy)

	rec = get(t, h, "/api/accounts/nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccounts_Empty(t *testing.T) {
	h := newTestRouter(t, &RouterConfig{})
	rec := get(t, h, "/api/accounts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accounts":[],"excluded":[],"totalVotes":0}`, rec.Body.String())
}

func TestStrategies(t *testing.T) {
	h := newTestRouter(t, &RouterConfig{Strategies: strategy.NewRegistry()})
	rec := get(t, h, "/api/strategies")
	require.Equal(t, http.StatusOK, rec.Code)

	var body StrategiesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, strategy.DefaultName, body.Default)
	assert.Len(t, body.Strategies, len(strategy.Presets))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.VoteCast("alice", "upvote")

	h := newTestRouter(t, &RouterConfig{Gatherer: reg})
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `expert_voter_votes_cast_total{account="alice",direction="upvote"} 1`))
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(RateLimitConfig{Limit: 2, Window: time.Minute, Clock: clock})
	defer rl.Stop()

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	ok, _ := rl.Allow(req)
	assert.True(t, ok)
	clock.Advance(10 * time.Second)
	ok, _ = rl.Allow(req)
	assert.True(t, ok)

	ok, wait := rl.Allow(req)
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, wait)

	other := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	ok, _ = rl.Allow(other)
	assert.True(t, ok, "limits are per client")

	clock.Advance(51 * time.Second)
	ok, _ = rl.Allow(req)
	assert.True(t, ok)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limit: 1, Window: time.Minute, Clock: clockwork.NewFakeClock()})
	defer rl.Stop()

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, http.StatusNoContent, get(t, h, "/").Code)
	rec := get(t, h, "/")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "61", rec.Header().Get("Retry-After"))
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", GetClientIP(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", GetClientIP(req))
}
