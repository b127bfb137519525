package dispatcher

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/internal/agentcard"
	"github.com/cuemby/agentctl/internal/authclient"
	"github.com/cuemby/agentctl/internal/backend"
	"github.com/cuemby/agentctl/internal/cluster"
	"github.com/cuemby/agentctl/internal/events"
	"github.com/cuemby/agentctl/internal/ledger"
	"github.com/cuemby/agentctl/internal/observability"
	"github.com/cuemby/agentctl/internal/statusstore"
	"github.com/cuemby/agentctl/internal/types"
	"github.com/cuemby/agentctl/internal/version"
)

// fixedClock gives every call to Now() the same instant, so generated
// names (job ids, deployment names, image tags) are deterministic across
// a test, and never sleeps for real.
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time       { return c.now }
func (c fixedClock) Sleep(time.Duration) {}

// fakeBackend is an in-memory stand-in for the platform's own HTTP API
// (§6), wired up over httptest so the real backend.Client exercises it
// exactly as it would the production service.
type fakeBackend struct {
	mu sync.Mutex

	buildCreates      int
	deployCreates     int
	registryUpserts   int
	uploadStatuses    []types.UploadStatus
	versionMapping    map[string]string // "agentID|semver" -> tag
	lastBuildStatus   types.BuildRecord
	lastDeployStatus  types.DeploymentRecord
	registryVersionStatus string
	failBuildCreate   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{versionMapping: map[string]string{}}
}

var (
	buildStatusPath    = regexp.MustCompile(`^/api/v1/agents/build/[^/]+/status$`)
	deployStatusPath   = regexp.MustCompile(`^/api/v1/agents/deployment/[^/]+/status$`)
	registryEntryPath  = regexp.MustCompile(`^/api/v1/registry/agent/[^/]+$`)
	registryStatusPath = regexp.MustCompile(`^/api/v1/registry/agent/[^/]+/version/status$`)
)

func (f *fakeBackend) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/v1/upload-status/agent/"):
		var us types.UploadStatus
		json.NewDecoder(r.Body).Decode(&us) //nolint:errcheck
		f.uploadStatuses = append(f.uploadStatuses, us)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/agents/build":
		f.buildCreates++
		if f.failBuildCreate {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var rec types.BuildRecord
		json.NewDecoder(r.Body).Decode(&rec) //nolint:errcheck
		f.versionMapping[rec.AgentID+"|"+rec.VersionMapping.SemanticVersion] = rec.VersionMapping.ImageTag
		json.NewEncoder(w).Encode(map[string]string{"_id": "build-1"}) //nolint:errcheck

	case r.Method == http.MethodPut && buildStatusPath.MatchString(r.URL.Path):
		json.NewDecoder(r.Body).Decode(&f.lastBuildStatus) //nolint:errcheck
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/agents/deploy":
		f.deployCreates++
		json.NewEncoder(w).Encode(map[string]string{"_id": "deploy-1"}) //nolint:errcheck

	case r.Method == http.MethodPut && deployStatusPath.MatchString(r.URL.Path):
		json.NewDecoder(r.Body).Decode(&f.lastDeployStatus) //nolint:errcheck
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPut && registryStatusPath.MatchString(r.URL.Path):
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		f.registryVersionStatus = body["status"]
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPut && registryEntryPath.MatchString(r.URL.Path):
		f.registryUpserts++
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/agents/build/version-mapping":
		agentID := r.URL.Query().Get("agent_id")
		semver := r.URL.Query().Get("semantic_version")
		tag, ok := f.versionMapping[agentID+"|"+semver]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"image_tag": tag}) //nolint:errcheck

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/agents/") && strings.HasSuffix(r.URL.Path, "/download"):
		w.Header().Set("Content-Type", "application/gzip")
		w.Write(emptyTarball()) //nolint:errcheck

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func emptyTarball() []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.Close() //nolint:errcheck
	gz.Close() //nolint:errcheck
	return buf.Bytes()
}

type testHarness struct {
	Dispatcher *Dispatcher
	Cluster    *cluster.FakeDriver
	Backend    *fakeBackend
	Clock      fixedClock
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	backendFake := newFakeBackend()
	backendSrv := httptest.NewServer(http.HandlerFunc(backendFake.handler))
	t.Cleanup(backendSrv.Close)

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(authSrv.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	backendClient := backend.New(backendSrv.URL)
	driver := cluster.NewFakeDriver()
	ledgerStore, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ledgerStore.Close() })

	broker := events.NewBroker()

	clock := fixedClock{now: time.Unix(1700000000, 0)}

	disp := New(Dispatcher{
		Backend: backendClient,
		Auth:    authclient.New(authSrv.URL),
		Cluster: driver,
		Status:  statusstore.New(rdb, backendClient),
		Version: version.New(backendClient, driver),
		Observability: observability.New(backendClient, driver, observability.Config{
			InjectionEnabled: false,
		}),
		AgentCard:         agentcard.New(backendClient, "unused-generator", false),
		Ledger:            ledgerStore,
		Events:            broker,
		GatewayBase:       "http://gw.example",
		Namespace:         "default",
		RegistryURL:       "registry.example",
		Clock:             clock,
		BuildPollInterval: 0,
		BuildWaitCeiling:  time.Hour,

		ObservabilityCollectorURL:   "http://collector.example:4317",
		ObservabilityTracingEnabled: true,
	})

	return &testHarness{Dispatcher: disp, Cluster: driver, Backend: backendFake, Clock: clock}
}

func (h *testHarness) jobID(agentName string) string {
	return fmt.Sprintf("%s-%d", agentName, h.Clock.now.Unix())
}

func (h *testHarness) deploymentName(agentName string) string {
	return fmt.Sprintf("agent-%s-%d", agentName, h.Clock.now.Unix())
}

func uploadProgressSequence(statuses []types.UploadStatus) []int {
	out := make([]int, len(statuses))
	for i, s := range statuses {
		out[i] = s.ProgressPercentage
	}
	return out
}

// --- S1: happy deploy -------------------------------------------------

func TestDeployAgent_HappyPath(t *testing.T) {
	h := newHarness(t)
	jobID := h.jobID("myA")
	h.Cluster.JobStatusSequence[jobID] = []cluster.JobStatus{cluster.JobActive, cluster.JobSucceeded}

	h.Dispatcher.Handle(context.Background(), "msg-1", map[string]string{
		"action":     "deploy_agent",
		"agent_name": "myA",
		"agent_id":   "myA",
		"agent_path": "/app/agents/myA/v1.0.0",
		"owner_id":   "u1",
		"upload_id":  "up1",
	})

	assert.Equal(t, 1, h.Backend.buildCreates, "at most one BuildRecord per message")
	assert.Equal(t, 1, h.Backend.deployCreates, "at most one DeploymentRecord per message")
	assert.Equal(t, 1, h.Backend.registryUpserts, "at most one registry upsert per message")

	assert.Equal(t, types.BuildStatusSuccess, h.Backend.lastBuildStatus.Status)
	assert.Equal(t, "1.0.0", h.Backend.lastBuildStatus.VersionTag)
	assert.Equal(t, types.DeployStatusRunning, h.Backend.lastDeployStatus.Status)

	expectedURL := fmt.Sprintf("http://gw.example/agents/%s", h.deploymentName("myA"))
	assert.Equal(t, expectedURL, h.Backend.lastDeployStatus.ServiceURL)
	assert.Equal(t, "active", h.Backend.registryVersionStatus)

	progress := uploadProgressSequence(h.Backend.uploadStatuses)
	assert.Equal(t, []int{95, 96, 97, 98, 100}, progress, "progress must pass through 95->96->97->98->100 in order")

	dep, ok := h.Cluster.Deployments[h.deploymentName("myA")]
	require.True(t, ok)
	assert.Equal(t, "u1", dep.Env["OWNER_ID"])
	assert.Equal(t, "http://collector.example:4317", dep.Env["PHOENIX_COLLECTOR_ENDPOINT"], "every deploy must carry the observability env vars (spec §4.2.1 step 5)")
	assert.Equal(t, "true", dep.Env["TRACING_ENABLED"])
	assert.Equal(t, "myA", dep.Env["AGENT_PROJECT_NAME"])
}

// --- S2: build failure --------------------------------------------------

func TestDeployAgent_BuildFailure(t *testing.T) {
	h := newHarness(t)
	jobID := h.jobID("myA")
	h.Cluster.JobStatusSequence[jobID] = []cluster.JobStatus{cluster.JobActive, cluster.JobFailed}

	h.Dispatcher.Handle(context.Background(), "msg-2", map[string]string{
		"action":     "deploy_agent",
		"agent_name": "myA",
		"agent_id":   "myA",
		"agent_path": "/app/agents/myA/v1.0.0",
		"owner_id":   "u1",
		"upload_id":  "up1",
	})

	assert.Equal(t, 0, h.Backend.deployCreates, "no DeploymentRecord on build failure")
	assert.Equal(t, types.BuildStatusFailed, h.Backend.lastBuildStatus.Status)

	last := h.Backend.uploadStatuses[len(h.Backend.uploadStatuses)-1]
	assert.Equal(t, types.UploadFailed, last.Status)
	assert.Equal(t, 0, last.ProgressPercentage)
	require.Len(t, last.ErrorDetails, 1)
	assert.Equal(t, fmt.Sprintf("Build job %s failed", jobID), last.ErrorDetails[0])

	_, exists := h.Cluster.Deployments[h.deploymentName("myA")]
	assert.False(t, exists)
}

// --- S3: update with cleanup --------------------------------------------

func TestUpdateAgent_CleansUpPreviousVersion(t *testing.T) {
	h := newHarness(t)

	oldDeployment := "agent-myA-v1.0.0-1699999999"
	require.NoError(t, h.Cluster.DeployAgent(context.Background(), oldDeployment, "registry.example/myA:v1.0.0", 8080, nil))

	jobID := h.jobID("myA")
	h.Cluster.JobStatusSequence[jobID] = []cluster.JobStatus{cluster.JobSucceeded}

	h.Dispatcher.Handle(context.Background(), "msg-3", map[string]string{
		"action":           "update_agent",
		"agent_name":       "myA",
		"agent_id":         "myA",
		"agent_path":       "/app/agents/myA/v1.0.1",
		"new_version":      "1.0.1",
		"previous_version": "1.0.0",
		"update_strategy":  "rolling",
		"cleanup_old":      "true",
	})

	assert.Equal(t, types.DeployStatusRunning, h.Backend.lastDeployStatus.Status)
	assert.Equal(t, "active", h.Backend.registryVersionStatus)

	remaining, err := h.Cluster.ListAgentDeployments(context.Background(), "myA")
	require.NoError(t, err)
	assert.NotContains(t, remaining, oldDeployment, "the previous version's deployment must be reaped")
}

// --- S4: rollback via mapping --------------------------------------------

func TestRollbackAgent_UsesMappedImageTag(t *testing.T) {
	h := newHarness(t)
	h.Backend.versionMapping["myA|1.0.0"] = "v1700000000"

	currentDeployment := "agent-myA-v1.0.1-1699999999"
	require.NoError(t, h.Cluster.DeployAgent(context.Background(), currentDeployment, "registry.example/myA:v1699999999", 8080, nil))

	h.Dispatcher.Handle(context.Background(), "msg-4", map[string]string{
		"action":          "rollback_agent",
		"agent_name":      "myA",
		"agent_id":        "myA",
		"target_version":  "1.0.0",
		"current_version": "1.0.1",
	})

	dep, ok := h.Cluster.Deployments[h.deploymentName("myA")]
	require.True(t, ok)
	assert.Equal(t, "registry.example/myA:v1700000000", dep.Image)

	remaining, _ := h.Cluster.ListAgentDeployments(context.Background(), "myA")
	assert.NotContains(t, remaining, currentDeployment, "the failed current version must be reaped")
}

func TestRollbackAgent_FallsBackWhenMappingMissing(t *testing.T) {
	h := newHarness(t)

	h.Dispatcher.Handle(context.Background(), "msg-4b", map[string]string{
		"action":         "rollback_agent",
		"agent_name":     "myA",
		"agent_id":       "myA",
		"target_version": "0.9.0",
	})

	dep, ok := h.Cluster.Deployments[h.deploymentName("myA")]
	require.True(t, ok)
	assert.Equal(t, "registry.example/myA:v0.9.0", dep.Image)
}

// --- S5: missing owner skips permissions ---------------------------------

func TestDeployAgent_MissingOwnerSkipsPermissions(t *testing.T) {
	h := newHarness(t)
	jobID := h.jobID("myA")
	h.Cluster.JobStatusSequence[jobID] = []cluster.JobStatus{cluster.JobSucceeded}

	h.Dispatcher.Handle(context.Background(), "msg-5", map[string]string{
		"action":     "deploy_agent",
		"agent_name": "myA",
		"agent_id":   "myA",
		"agent_path": "/app/agents/myA/v1.0.0",
		"upload_id":  "up1",
	})

	last := h.Backend.uploadStatuses[len(h.Backend.uploadStatuses)-1]
	assert.Equal(t, types.UploadCompleted, last.Status)
	assert.Equal(t, 100, last.ProgressPercentage)
	assert.False(t, last.CompletionDetails["permissions_created"], "missing owner_id must record permissions_created=false in the completion payload")
	assert.True(t, last.CompletionDetails["registry_updated"])
}

// --- rebuild keeps newest -------------------------------------------------

func TestRebuildAgent_KeepsNewestDeployment(t *testing.T) {
	h := newHarness(t)
	// Two prior rebuilds of the same version; the reap keeps only the
	// lexicographically-newest (keepLatest=1). The deployment this command
	// itself creates carries no version marker in its name, so it never
	// enters the reap's candidate set and survives regardless.
	older := "agent-myA-v1.0.0-rebuild-1699999000"
	newer := "agent-myA-v1.0.0-rebuild-1699999500"
	require.NoError(t, h.Cluster.DeployAgent(context.Background(), older, "registry.example/myA:v1.0.0-rebuild-1699999000", 8080, nil))
	require.NoError(t, h.Cluster.DeployAgent(context.Background(), newer, "registry.example/myA:v1.0.0-rebuild-1699999500", 8080, nil))

	jobID := h.jobID("myA")
	h.Cluster.JobStatusSequence[jobID] = []cluster.JobStatus{cluster.JobSucceeded}

	h.Dispatcher.Handle(context.Background(), "msg-6", map[string]string{
		"action":     "rebuild_agent",
		"agent_name": "myA",
		"agent_id":   "myA",
		"agent_path": "/app/agents/myA/v1.0.0",
		"version":    "1.0.0",
	})

	remaining, err := h.Cluster.ListAgentDeployments(context.Background(), "myA")
	require.NoError(t, err)
	assert.NotContains(t, remaining, older, "the oldest rebuild of the same version must be reaped")
	assert.Contains(t, remaining, newer, "the newest rebuild of the same version is kept")
	assert.Contains(t, remaining, h.deploymentName("myA"), "the deployment this command just created is always kept")
	assert.Len(t, remaining, 2)
}

// --- invalid command ------------------------------------------------------

func TestHandle_UnknownActionAcknowledgesWithoutWork(t *testing.T) {
	h := newHarness(t)
	h.Dispatcher.Handle(context.Background(), "msg-7", map[string]string{
		"action":     "launch_the_missiles",
		"agent_name": "myA",
	})
	assert.Equal(t, 0, h.Backend.buildCreates)
	assert.Equal(t, 0, h.Backend.deployCreates)
}

func TestHandle_MissingAgentNameAcknowledgesWithoutWork(t *testing.T) {
	h := newHarness(t)
	h.Dispatcher.Handle(context.Background(), "msg-8", map[string]string{
		"action": "deploy_agent",
	})
	assert.Equal(t, 0, h.Backend.buildCreates)
}

// --- URL construction -------------------------------------------------

func TestPublicURL_LocalhostGatewayAppendsPort(t *testing.T) {
	assert.Equal(t, "http://localhost:8000/agents/agent-myA-1", publicURL("http://localhost", "agent-myA-1"))
	assert.Equal(t, "http://localhost:8000/agents/agent-myA-1", publicURL("http://localhost/", "agent-myA-1"))
}

func TestPublicURL_StripsTrailingSlash(t *testing.T) {
	assert.Equal(t, "http://gw.example/agents/agent-myA-1", publicURL("http://gw.example/", "agent-myA-1"))
}
