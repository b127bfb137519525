package dispatcher

import (
	"context"

	"github.com/cuemby/agentctl/internal/types"
)

// handleRebuild drives rebuild_agent (§4.2.4): identical to deploy_agent
// but the image tag encodes the current semver, and the post-deploy reap
// keeps the newest deployment of the same version instead of deleting all
// of them.
func (d *Dispatcher) handleRebuild(ctx context.Context, c types.RebuildCommand) error {
	tag := rebuildImageTag(c.Version, d.Clock.Now())

	out, err := d.runBuildDeployRegister(ctx, c.Header, c.AgentPath, c.Version, tag, "", "", types.StatusRebuildFailed)
	if err != nil {
		return err
	}

	if err := d.registerAndFinalizeWithLabel(ctx, c.Header, c.Version, out, types.StatusRebuilt); err != nil {
		return err
	}

	d.Version.CleanupOldDeployments(ctx, c.AgentID, c.Version, 1)
	return nil
}
