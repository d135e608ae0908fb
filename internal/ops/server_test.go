package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/inboxd/internal/metrics"
	"github.com/you/inboxd/internal/poller"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestLoop() *poller.Loop {
	return poller.New(poller.Config{WorkerID: "test"}, nil, nil, nil, nil, zap.NewNop(), metrics.NewCollector())
}

func TestHealthz(t *testing.T) {
	m := metrics.NewCollector()
	r := Router(newTestLoop(), fakePinger{}, m)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	bad := Router(newTestLoop(), fakePinger{err: errors.New("down")}, m)
	bad.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyzReportsLoopState(t *testing.T) {
	loop := newTestLoop()
	r := Router(loop, fakePinger{}, metrics.NewCollector())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State  string `json:"state"`
		Leader bool   `json:"leader"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_LEADER", body.State)
	assert.False(t, body.Leader)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewCollector()
	m.JobsDispatched.Inc()
	r := Router(newTestLoop(), fakePinger{}, m)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inboxd_jobs_dispatched_total 1")
}
