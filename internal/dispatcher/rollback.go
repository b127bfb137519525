package dispatcher

import (
	"fmt"

	"context"

	"github.com/cuemby/agentctl/internal/types"
)

// handleRollback drives rollback_agent (§4.2.3). No new image is built;
// the target version's image tag is resolved via the Version Engine
// rather than synthesized, and no registry version_history entry is
// created for the deploy — only statuses flip.
func (d *Dispatcher) handleRollback(ctx context.Context, c types.RollbackCommand) error {
	h := c.Header

	tag := d.Version.ResolveImageTag(ctx, h.AgentID, c.TargetVersion)
	image := imageReference(d.RegistryURL, h.AgentName, tag)

	deployName := deploymentName(h.AgentName, d.Clock.Now())
	url := publicURL(d.GatewayBase, deployName)
	env := d.buildEnv(h.AgentName, h.OwnerID, "", h.UploadType)

	d.setAgentStatus(ctx, h.AgentName, types.StatusRollingBack, "deploy_submitted", map[string]string{"image": image})
	d.updateUploadStatus(ctx, h.AgentName, types.UploadOrchestrationProcess, 97, "rolling back")

	deployRec := types.DeploymentRecord{
		AgentID:           h.AgentID,
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
		return d.failCommand(ctx, h.AgentName, types.StatusRollbackFailed, "deploy_submitted", fmt.Sprintf("rollback deploy %s: %v", deployName, err))
	}

	deployRec.Status = types.DeployStatusRunning
	deployRec.ServiceURL = url
	d.Backend.UpdateDeploymentStatus(ctx, deploymentID, deployRec)
	d.updateUploadStatus(ctx, h.AgentName, types.UploadOrchestrationProcess, 98, "rolled back, registering")

	out := buildOutcome{deploymentID: deploymentID, deployedImage: image, publicURL: url, deployName: deployName}

	if err := d.registerAndFinalizeWithLabel(ctx, h, c.TargetVersion, out, types.StatusRolledBack); err != nil {
		return err
	}

	if c.CurrentVersion != "" {
		d.Version.CleanupOldDeployments(ctx, h.AgentID, c.CurrentVersion, 0)
	}
	return nil
}
