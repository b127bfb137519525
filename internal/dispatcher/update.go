package dispatcher

import (
	"context"

	"github.com/cuemby/agentctl/internal/obslog"
	"github.com/cuemby/agentctl/internal/types"
)

// handleUpdate drives update_agent. Identical to deploy except the build
// record correlates to new_version, a successful deploy optionally reaps
// the previous version's deployments, and finalization records the
// version transition via both an update-specific and the generic
// "running" AgentStatus label.
func (d *Dispatcher) handleUpdate(ctx context.Context, c types.UpdateCommand) error {
	if c.UpdateStrategy == types.UpdateStrategyBlueGreen {
		obslog.Warn("update_agent: blue-green strategy accepted but implemented as rolling update")
	}

	tag := imageTag(d.Clock.Now())

	out, err := d.runBuildDeployRegister(ctx, c.Header, c.AgentPath, c.NewVersion, tag, "", "", types.StatusUpdateFailed)
	if err != nil {
		return err
	}

	if c.CleanupOld && c.PreviousVersion != "" {
		result := d.Version.CleanupOldDeployments(ctx, c.AgentID, c.PreviousVersion, 0)
		obslog.Info("update_agent: cleanup of previous version deployments complete")
		_ = result
	}

	return d.registerAndFinalizeWithLabel(ctx, c.Header, c.NewVersion, out, types.StatusUpdated)
}
