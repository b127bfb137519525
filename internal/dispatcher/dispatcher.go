// Package dispatcher is the Dispatcher / State Machine: it interprets a
// command's action, drives it through build/deploy/register/permissions/
// finalize, records state transitions, and emits status/progress. This is
// the hardest and largest component of the orchestration worker.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/agentctl/internal/agentcard"
	"github.com/cuemby/agentctl/internal/authclient"
	"github.com/cuemby/agentctl/internal/backend"
	"github.com/cuemby/agentctl/internal/cluster"
	"github.com/cuemby/agentctl/internal/command"
	"github.com/cuemby/agentctl/internal/events"
	"github.com/cuemby/agentctl/internal/ledger"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/obslog"
	"github.com/cuemby/agentctl/internal/observability"
	"github.com/cuemby/agentctl/internal/statusstore"
	"github.com/cuemby/agentctl/internal/types"
	"github.com/cuemby/agentctl/internal/version"
)

const (
	agentPort        = 8080
	buildPollInterval = 5 * time.Second
	buildWaitCeiling  = 600 * time.Second
)

// Clock lets tests control time without sleeping for real.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time      { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Dispatcher owns the per-command workflow described in spec §4.2.
type Dispatcher struct {
	Backend       *backend.Client
	Auth          *authclient.Client
	Cluster       cluster.Driver
	Status        *statusstore.Store
	Version       *version.Resolver
	Observability *observability.Stager
	AgentCard     *agentcard.Resolver
	Ledger        *ledger.Ledger
	Events        *events.Broker

	GatewayBase string
	Namespace   string
	RegistryURL string
	LLMAPIKey   string

	ObservabilityCollectorURL   string
	ObservabilityTracingEnabled bool

	Clock Clock

	// BuildPollInterval/BuildWaitCeiling default to 5s/600s; tests may
	// shrink both to avoid real sleeps.
	BuildPollInterval time.Duration
	BuildWaitCeiling  time.Duration
}

// New constructs a Dispatcher with production defaults.
func New(d Dispatcher) *Dispatcher {
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	if d.BuildPollInterval == 0 {
		d.BuildPollInterval = buildPollInterval
	}
	if d.BuildWaitCeiling == 0 {
		d.BuildWaitCeiling = buildWaitCeiling
	}
	return &d
}

// Handle is the Handler func the stream consumer invokes for one message.
// It always runs the prelude (§4.2 steps 1-2), routes on action, and
// guarantees a definitive status is recorded before returning, regardless
// of outcome.
func (d *Dispatcher) Handle(ctx context.Context, messageID string, fields map[string]string) {
	cmd := command.Parse(messageID, fields)
	header := cmd.Head()
	timer := metrics.NewTimer()

	log := obslog.WithCommand(messageID)
	log.Info().Str("agent_name", header.AgentName).Msg("dispatching command")

	d.Events.Publish(&events.Event{Type: events.EventCommandStarted, AgentName: header.AgentName, MessageID: messageID})

	d.setAgentStatus(ctx, header.AgentName, types.StatusProcessing, "initializing", nil)
	d.updateUploadStatus(ctx, header.AgentName, types.UploadOrchestrationProcess, 95, "orchestration started")

	var action types.Action
	var err error

	switch c := cmd.(type) {
	case types.DeployCommand:
		action = types.ActionDeployAgent
		err = d.handleDeploy(ctx, c)
	case types.UpdateCommand:
		action = types.ActionUpdateAgent
		err = d.handleUpdate(ctx, c)
	case types.RollbackCommand:
		action = types.ActionRollbackAgent
		err = d.handleRollback(ctx, c)
	case types.RebuildCommand:
		action = types.ActionRebuildAgent
		err = d.handleRebuild(ctx, c)
	case types.UnknownCommand:
		action = types.Action(c.RawAction)
		d.setAgentStatus(ctx, header.AgentName, types.StatusError, "invalid_command", map[string]string{"message": c.Reason})
		log.Warn().Str("reason", c.Reason).Msg("invalid command, acknowledging without further work")
		metrics.CommandsTotal.WithLabelValues(string(action), "invalid").Inc()
		return
	}

	timer.ObserveDurationVec(metrics.CommandDuration, string(action))

	if err != nil {
		log.Error().Err(err).Msg("command failed")
		metrics.CommandsTotal.WithLabelValues(string(action), "failed").Inc()
		d.Events.Publish(&events.Event{Type: events.EventCommandFailed, AgentName: header.AgentName, MessageID: messageID, Message: err.Error()})
		return
	}

	metrics.CommandsTotal.WithLabelValues(string(action), "success").Inc()
	d.Events.Publish(&events.Event{Type: events.EventCommandSucceeded, AgentName: header.AgentName, MessageID: messageID})
}

// --- status helpers -------------------------------------------------------

func (d *Dispatcher) setAgentStatus(ctx context.Context, agentName, label, stage string, extra map[string]string) {
	fields := map[string]string{"stage": stage}
	for k, v := range extra {
		fields[k] = v
	}
	d.Status.SetAgentStatus(ctx, agentName, label, fields)
}

func (d *Dispatcher) updateUploadStatus(ctx context.Context, agentName, status string, progress int, message string, extra ...func(*types.UploadStatus)) {
	d.Status.UpdateUploadStatus(ctx, agentName, status, progress, message, extra...)
}

func (d *Dispatcher) failCommand(ctx context.Context, agentName, failureLabel, stage, message string) error {
	d.setAgentStatus(ctx, agentName, failureLabel, stage, map[string]string{"message": message})
	d.updateUploadStatus(ctx, agentName, types.UploadFailed, 0, message, func(us *types.UploadStatus) {
		us.ErrorDetails = []string{message}
	})
	return fmt.Errorf("%s", message)
}

// --- naming helpers --------------------------------------------------------

func buildJobID(agentName string, now time.Time) string {
	return fmt.Sprintf("%s-%d", agentName, now.Unix())
}

func deploymentName(agentName string, now time.Time) string {
	return fmt.Sprintf("agent-%s-%d", agentName, now.Unix())
}

func imageTag(now time.Time) string {
	return fmt.Sprintf("v%d", now.Unix())
}

func rebuildImageTag(semver string, now time.Time) string {
	return fmt.Sprintf("v%s-rebuild-%d", semver, now.Unix())
}

// publicURL composes the gateway-relative URL for a deployment. The
// configured gateway has any trailing slash stripped; the bare local-dev
// convention http://localhost gets :8000 appended.
func publicURL(gatewayBase, deployment string) string {
	base := strings.TrimRight(gatewayBase, "/")
	if base == "http://localhost" {
		base += ":8000"
	}
	return fmt.Sprintf("%s/agents/%s", base, deployment)
}

func imageReference(registryURL, agentName, tag string) string {
	return fmt.Sprintf("%s/%s:%s", strings.TrimRight(registryURL, "/"), agentName, tag)
}

// --- build wait loop --------------------------------------------------------

// waitForBuild polls the cluster driver until the job reaches a terminal
// state or the ceiling elapses. Unknown statuses are treated as still
// running so transient cluster API flaps don't fail the build.
func (d *Dispatcher) waitForBuild(ctx context.Context, jobName string) (bool, error) {
	deadline := d.Clock.Now().Add(d.BuildWaitCeiling)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BuildDuration)

	for {
		status, err := d.Cluster.GetJobStatus(ctx, jobName)
		if err != nil {
			return false, fmt.Errorf("poll job %s: %w", jobName, err)
		}
		switch status {
		case cluster.JobSucceeded:
			return true, nil
		case cluster.JobFailed:
			return false, nil
		}
		if d.Clock.Now().After(deadline) {
			return false, fmt.Errorf("build job %s timed out after %s", jobName, d.BuildWaitCeiling)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		d.Clock.Sleep(d.BuildPollInterval)
	}
}

// buildEnv assembles the env vars passed to Cluster.DeployAgent, including
// the observability env vars (§6) every deploy/update/rollback/rebuild
// injects so the deployed agent can report traces to the collector.
func (d *Dispatcher) buildEnv(agentName, ownerID, webhookURL string, uploadType types.UploadType) map[string]string {
	env := map[string]string{
		"AGENT_NAME": agentName,
		"OWNER_ID":   ownerID,
	}
	if d.LLMAPIKey != "" {
		env["LLM_API_KEY"] = d.LLMAPIKey
	}
	if uploadType == types.UploadTypeN8NRegister && webhookURL != "" {
		env["WEBHOOK_URL"] = webhookURL
	}
	for k, v := range d.observabilityEnv(agentName) {
		env[k] = v
	}
	return env
}

// observabilityEnv is the Cluster Driver analogue of the original's
// get_observability_env_vars: every deployed agent gets the collector
// endpoint, whether tracing is enabled, and its own project name.
func (d *Dispatcher) observabilityEnv(agentName string) map[string]string {
	return map[string]string{
		"PHOENIX_COLLECTOR_ENDPOINT": d.ObservabilityCollectorURL,
		"TRACING_ENABLED":            fmt.Sprintf("%t", d.ObservabilityTracingEnabled),
		"AGENT_PROJECT_NAME":         agentName,
	}
}
