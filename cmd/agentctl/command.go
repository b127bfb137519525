package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Enqueue an orchestration command onto the stream without the ingress API",
}

var (
	cmdAgentName      string
	cmdAgentID        string
	cmdOwnerID        string
	cmdUploadID       string
	cmdUploadType     string
	cmdAgentPath      string
	cmdGitURL         string
	cmdWebhookURL     string
	cmdNewVersion     string
	cmdPreviousVer    string
	cmdTargetVersion  string
	cmdCurrentVersion string
	cmdUpdateStrategy string
	cmdCleanupOld     bool
	cmdVersion        string
)

func init() {
	for _, c := range []*cobra.Command{commandDeployCmd, commandUpdateCmd, commandRollbackCmd, commandRebuildCmd} {
		c.Flags().StringVar(&cmdAgentName, "agent-name", "", "agent name (required)")
		c.Flags().StringVar(&cmdAgentID, "agent-id", "", "agent id (defaults to agent-name)")
		c.Flags().StringVar(&cmdOwnerID, "owner-id", "", "owning user id")
		c.Flags().StringVar(&cmdUploadID, "upload-id", "", "upload id this command correlates to")
		c.Flags().StringVar(&cmdUploadType, "upload-type", "", "zip, directory, github, agent_update, github_update, agent_rollback, n8n_register")
		c.MarkFlagRequired("agent-name") //nolint:errcheck
		commandCmd.AddCommand(c)
	}

	commandDeployCmd.Flags().StringVar(&cmdAgentPath, "agent-path", "", "backend-resolvable agent path, may encode /v<semver>")
	commandDeployCmd.Flags().StringVar(&cmdGitURL, "git-url", "", "source git repository, if building from git")
	commandDeployCmd.Flags().StringVar(&cmdWebhookURL, "webhook-url", "", "webhook URL for n8n_register uploads")

	commandUpdateCmd.Flags().StringVar(&cmdAgentPath, "agent-path", "", "backend-resolvable agent path for the new version")
	commandUpdateCmd.Flags().StringVar(&cmdNewVersion, "new-version", "", "semantic version being deployed (required)")
	commandUpdateCmd.Flags().StringVar(&cmdPreviousVer, "previous-version", "", "semantic version being replaced")
	commandUpdateCmd.Flags().StringVar(&cmdUpdateStrategy, "strategy", "rolling", "rolling or blue-green")
	commandUpdateCmd.Flags().BoolVar(&cmdCleanupOld, "cleanup-old", false, "reap the previous version's deployments on success")
	commandUpdateCmd.MarkFlagRequired("new-version") //nolint:errcheck

	commandRollbackCmd.Flags().StringVar(&cmdTargetVersion, "target-version", "", "version to roll back to (required)")
	commandRollbackCmd.Flags().StringVar(&cmdCurrentVersion, "current-version", "", "version being rolled back from")
	commandRollbackCmd.MarkFlagRequired("target-version") //nolint:errcheck

	commandRebuildCmd.Flags().StringVar(&cmdAgentPath, "agent-path", "", "backend-resolvable agent path")
	commandRebuildCmd.Flags().StringVar(&cmdVersion, "version", "", "current semantic version being rebuilt (required)")
	commandRebuildCmd.MarkFlagRequired("version") //nolint:errcheck
}

func header() map[string]interface{} {
	agentID := cmdAgentID
	if agentID == "" {
		agentID = cmdAgentName
	}
	uploadID := cmdUploadID
	if uploadID == "" {
		// operators driving commands by hand have no ingress-assigned
		// upload_id; synthesize one so UploadStatus records still key
		// cleanly.
		uploadID = uuid.NewString()
	}
	return map[string]interface{}{
		"agent_name":  cmdAgentName,
		"agent_id":    agentID,
		"owner_id":    cmdOwnerID,
		"upload_id":   uploadID,
		"upload_type": cmdUploadType,
	}
}

func enqueue(cmd *cobra.Command, fields map[string]interface{}) error {
	ctx := cmd.Context()
	redisAddr := fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port)
	client := redis.NewClient(&redis.Options{Addr: redisAddr, DB: cfg.Redis.DB})
	defer client.Close()

	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "orchestration:commands",
		Values: fields,
	}).Result()
	if err != nil {
		return fmt.Errorf("command: enqueue: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", id)
	return nil
}

var commandDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Enqueue a deploy_agent command",
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := header()
		fields["action"] = "deploy_agent"
		fields["agent_path"] = cmdAgentPath
		fields["git_url"] = cmdGitURL
		fields["webhook_url"] = cmdWebhookURL
		return enqueue(cmd, fields)
	},
}

var commandUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Enqueue an update_agent command",
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := header()
		fields["action"] = "update_agent"
		fields["agent_path"] = cmdAgentPath
		fields["new_version"] = cmdNewVersion
		fields["previous_version"] = cmdPreviousVer
		fields["update_strategy"] = cmdUpdateStrategy
		if cmdCleanupOld {
			fields["cleanup_old"] = "true"
		} else {
			fields["cleanup_old"] = "false"
		}
		return enqueue(cmd, fields)
	},
}

var commandRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Enqueue a rollback_agent command",
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := header()
		fields["action"] = "rollback_agent"
		fields["target_version"] = cmdTargetVersion
		fields["current_version"] = cmdCurrentVersion
		return enqueue(cmd, fields)
	},
}

var commandRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Enqueue a rebuild_agent command",
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := header()
		fields["action"] = "rebuild_agent"
		fields["agent_path"] = cmdAgentPath
		fields["version"] = cmdVersion
		return enqueue(cmd, fields)
	},
}
