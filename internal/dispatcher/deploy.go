package dispatcher

import (
	"context"
	"fmt"

	"github.com/cuemby/agentctl/internal/command"
	"github.com/cuemby/agentctl/internal/types"
)

// buildOutcome carries the state produced by the shared "build, deploy,
// register" sub-state-machine used by deploy_agent, update_agent(new
// version), and rebuild_agent.
type buildOutcome struct {
	buildRecordID string
	deploymentID  string
	deployedImage string
	publicURL     string
	deployName    string
}

// runBuildDeployRegister drives init -> build_submitted -> build_running ->
// build_succeeded/failed -> deploy_submitted -> running, per §4.2's shared
// sub-state-machine. semver is the version recorded in the version mapping;
// tag is the concrete image tag to build and deploy.
func (d *Dispatcher) runBuildDeployRegister(ctx context.Context, h types.Header, agentPath, semver, tag, gitURL, webhookURL string, failureLabel string) (buildOutcome, error) {
	now := d.Clock.Now()
	jobID := buildJobID(h.AgentName, now)
	image := imageReference(d.RegistryURL, h.AgentName, tag)

	d.setAgentStatus(ctx, h.AgentName, types.StatusBuilding, "build_submitted", map[string]string{"image": image})

	filesSource := ""
	if d.Observability.Enabled() {
		if cmName, ok := d.Observability.Stage(ctx, h.AgentName, semver, d.Namespace); ok {
			filesSource = cmName
		}
	}

	if err := d.Cluster.CreateBuildJob(ctx, jobID, gitURL, image, filesSource); err != nil {
		return buildOutcome{}, d.failCommand(ctx, h.AgentName, failureLabel, "build_submitted", fmt.Sprintf("create build job %s: %v", jobID, err))
	}

	buildRec := types.BuildRecord{
		AgentID:        h.AgentID,
		VersionTag:     semver,
		ImageReference: image,
		Status:         types.BuildStatusBuilding,
		K8sJobName:     jobID,
		VersionMapping: types.VersionMapping{SemanticVersion: semver, ImageTag: tag, Timestamp: now},
	}
	buildID, _ := d.Backend.CreateBuildRecord(ctx, buildRec)
	if buildID != "" {
		d.Ledger.RecordBuild(h.MessageID, buildID) //nolint:errcheck
	}

	d.setAgentStatus(ctx, h.AgentName, types.StatusBuilding, "build_running", nil)
	d.updateUploadStatus(ctx, h.AgentName, types.UploadOrchestrationProcess, 96, "build running")

	succeeded, err := d.waitForBuild(ctx, jobID)
	if err != nil {
		buildRec.Status = types.BuildStatusFailed
		buildRec.ErrorMessage = err.Error()
		d.Backend.UpdateBuildStatus(ctx, buildID, buildRec)
		return buildOutcome{}, d.failCommand(ctx, h.AgentName, failureLabel, "build_running", err.Error())
	}
	if !succeeded {
		buildRec.Status = types.BuildStatusFailed
		buildRec.ErrorMessage = fmt.Sprintf("Build job %s failed", jobID)
		d.Backend.UpdateBuildStatus(ctx, buildID, buildRec)
		return buildOutcome{}, d.failCommand(ctx, h.AgentName, failureLabel, "build_failed", fmt.Sprintf("Build job %s failed", jobID))
	}

	buildRec.Status = types.BuildStatusSuccess
	d.Backend.UpdateBuildStatus(ctx, buildID, buildRec)
	d.updateUploadStatus(ctx, h.AgentName, types.UploadOrchestrationProcess, 97, "build succeeded")

	deployName := deploymentName(h.AgentName, d.Clock.Now())
	url := publicURL(d.GatewayBase, deployName)
	env := d.buildEnv(h.AgentName, h.OwnerID, webhookURL, h.UploadType)

	d.setAgentStatus(ctx, h.AgentName, types.StatusDeploying, "deploy_submitted", map[string]string{"image": image})

	deployRec := types.DeploymentRecord{
		AgentID:           h.AgentID,
		BuildID:           buildID,
		Status:            types.DeployStatusStarting,
		K8sDeploymentName: deployName,
		Namespace:         d.Namespace,
	}
	deploymentID, _ := d.Backend.CreateDeploymentRecord(ctx, deployRec)
	if deploymentID != "" {
		d.Ledger.RecordDeployment(h.MessageID, deploymentID) //nolint:errcheck
	}

	if err := d.Cluster.DeployAgent(ctx, deployName, image, agentPort, env); err != nil {
		deployRec.Status = types.DeployStatusFailed
		deployRec.ErrorMessage = err.Error()
		d.Backend.UpdateDeploymentStatus(ctx, deploymentID, deployRec)
		return buildOutcome{}, d.failCommand(ctx, h.AgentName, failureLabel, "deploy_submitted", fmt.Sprintf("deploy %s: %v", deployName, err))
	}

	deployRec.Status = types.DeployStatusRunning
	deployRec.ServiceURL = url
	d.Backend.UpdateDeploymentStatus(ctx, deploymentID, deployRec)
	d.updateUploadStatus(ctx, h.AgentName, types.UploadOrchestrationProcess, 98, "deployed")

	return buildOutcome{
		buildRecordID: buildID,
		deploymentID:  deploymentID,
		deployedImage: image,
		publicURL:     url,
		deployName:    deployName,
	}, nil
}

// registerAndFinalize implements §4.2.1 steps 6-8: upsert the registry,
// optionally create permissions, mark everything complete, and flip the
// registry version status to active.
func (d *Dispatcher) registerAndFinalize(ctx context.Context, h types.Header, semver string, out buildOutcome) error {
	return d.registerAndFinalizeWithLabel(ctx, h, semver, out, "")
}

// registerAndFinalizeWithLabel is registerAndFinalize plus an optional
// flow-specific AgentStatus label (e.g. "updated", "rolled_back",
// "rebuilt") written immediately before the generic "running" status. The
// source writes both labels at the end of a successful update; this
// preserves that behavior for update/rollback/rebuild callers.
func (d *Dispatcher) registerAndFinalizeWithLabel(ctx context.Context, h types.Header, semver string, out buildOutcome, interimLabel string) error {
	if interimLabel != "" {
		d.setAgentStatus(ctx, h.AgentName, interimLabel, "finalizing", map[string]string{"version": semver})
	}
	doc := d.AgentCard.Resolve(ctx, h.AgentName, semver, h.OwnerID, out.publicURL)
	entry := types.RegistryEntry{
		ID:             h.AgentName,
		Name:           h.AgentName,
		URL:            out.publicURL,
		Version:        semver,
		DeploymentType: "kubernetes",
		OwnerID:        h.OwnerID,
	}
	if caps, ok := doc["capabilities"].(map[string]interface{}); ok {
		entry.Capabilities = caps
	}
	registered := d.Backend.UpsertRegistryEntry(ctx, h.AgentName, entry)
	if registered {
		d.Ledger.RecordRegistryUpsert(h.MessageID) //nolint:errcheck
	}

	permissionsCreated := false
	if registered && h.OwnerID != "" {
		permissionsCreated = d.Auth.CreatePermissions(ctx, h.AgentID, h.OwnerID)
	}

	d.setAgentStatus(ctx, h.AgentName, types.StatusRunning, "finalized", map[string]string{
		"url":     out.publicURL,
		"image":   out.deployedImage,
		"version": semver,
	})

	if registered {
		d.Backend.PatchRegistryVersionStatus(ctx, h.AgentName, "active")
	}

	d.updateUploadStatus(ctx, h.AgentName, types.UploadCompleted, 100, "completed", func(us *types.UploadStatus) {
		us.CompletionDetails = map[string]bool{
			"registry_updated":    registered,
			"permissions_created": permissionsCreated,
		}
	})
	return nil
}

func (d *Dispatcher) handleDeploy(ctx context.Context, c types.DeployCommand) error {
	semver := command.ExtractVersion(c.AgentPath)
	tag := imageTag(d.Clock.Now())

	out, err := d.runBuildDeployRegister(ctx, c.Header, c.AgentPath, semver, tag, c.GitURL, c.WebhookURL, types.StatusFailed)
	if err != nil {
		return err
	}
	return d.registerAndFinalize(ctx, c.Header, semver, out)
}
