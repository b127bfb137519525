package healthserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	name  string
	ready bool
	detail string
}

func (f fakeChecker) Name() string            { return f.name }
func (f fakeChecker) Ready() (bool, string) { return f.ready, f.detail }

func TestHealthz_AlwaysReturnsHealthy(t *testing.T) {
	s := New("v1.2.3")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "v1.2.3", body.Version)
}

func TestReadyz_AllReadyReturnsOK(t *testing.T) {
	s := New("v1", fakeChecker{name: "redis", ready: true, detail: "ok"}, fakeChecker{name: "ledger", ready: true, detail: "ok"})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body readyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ok", body.Checks["redis"])
	assert.Empty(t, body.Message)
}

func TestReadyz_OneNotReadyReturnsServiceUnavailable(t *testing.T) {
	s := New("v1",
		fakeChecker{name: "redis", ready: true, detail: "ok"},
		fakeChecker{name: "cluster", ready: false, detail: "dial tcp: connection refused"},
	)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body readyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "dial tcp: connection refused", body.Checks["cluster"])
	assert.NotEmpty(t, body.Message)
}

func TestReadyz_NoCheckersReturnsReady(t *testing.T) {
	s := New("v1")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz_RejectsNonGET(t *testing.T) {
	s := New("v1")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint_IsMounted(t *testing.T) {
	s := New("v1")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
