package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/agentctl/internal/backend"
)

var (
	versionResolveAgentID string
	versionResolveSemver  string
)

var versionResolveCmd = &cobra.Command{
	Use:   "version-resolve",
	Short: "Resolve a semantic version to its mapped immutable image tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := backend.New(cfg.BackendBaseURL)
		tag, ok := client.ResolveVersionMapping(cmd.Context(), versionResolveAgentID, versionResolveSemver)
		if !ok {
			fallback := "v" + versionResolveSemver
			fmt.Fprintf(cmd.OutOrStdout(), "no mapping found; rollback would fall back to %s\n", fallback)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), tag)
		return nil
	},
}

func init() {
	versionResolveCmd.Flags().StringVar(&versionResolveAgentID, "agent-id", "", "agent id (required)")
	versionResolveCmd.Flags().StringVar(&versionResolveSemver, "version", "", "semantic version (required)")
	versionResolveCmd.MarkFlagRequired("agent-id")  //nolint:errcheck
	versionResolveCmd.MarkFlagRequired("version")   //nolint:errcheck
}
