package main

import (
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <agent-name>",
	Short: "Print the volatile AgentStatus hash for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		redisAddr := fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port)
		client := redis.NewClient(&redis.Options{Addr: redisAddr, DB: cfg.Redis.DB})
		defer client.Close()

		key := fmt.Sprintf("agent:status:%s", args[0])
		fields, err := client.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("status: read %s: %w", key, err)
		}
		if len(fields) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no status recorded for %s\n", args[0])
			return nil
		}

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", k+":", fields[k])
		}
		ttl, _ := client.TTL(ctx, key).Result()
		fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", "ttl:", ttl)
		return nil
	},
}
