// Package statusstore centralizes the two status-write helpers the
// dispatcher calls from many sites: SetAgentStatus (volatile, best-effort)
// and UpdateUploadStatus (durable, forwarded to the backend). Centralizing
// them here is what lets the progress contract be enforced by inspection
// rather than by auditing every call site.
package statusstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/agentctl/internal/backend"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/obslog"
	"github.com/cuemby/agentctl/internal/types"
)

const agentStatusTTL = 24 * time.Hour

// Store writes AgentStatus to Redis and forwards UploadStatus to the
// backend API.
type Store struct {
	redis   *redis.Client
	backend *backend.Client
}

// New constructs a Store.
func New(redisClient *redis.Client, backendClient *backend.Client) *Store {
	return &Store{redis: redisClient, backend: backendClient}
}

// SetAgentStatus writes the volatile AgentStatus hash for agentName. This
// is best-effort: a write failure is logged and counted but never aborts
// the calling workflow.
func (s *Store) SetAgentStatus(ctx context.Context, agentName, label string, fields map[string]string) {
	key := fmt.Sprintf("agent:status:%s", agentName)
	values := map[string]interface{}{
		"agent_name":   agentName,
		"status":       label,
		"last_updated": time.Now().UTC().Format(time.RFC3339),
		"updated_by":   "k8s-worker",
	}
	for k, v := range fields {
		if v == "" {
			continue // the store rejects nulls; empty values are simply omitted
		}
		values[k] = v
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, agentStatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.VolatileStatusWriteFailures.WithLabelValues("redis_error").Inc()
		obslog.Errorf(fmt.Sprintf("statusstore: write agent status for %s", agentName), err)
	}
}

// UpdateUploadStatus forwards a durable UploadStatus update to the backend
// API for the given agentName. Like SetAgentStatus, failures are logged,
// not raised.
func (s *Store) UpdateUploadStatus(ctx context.Context, agentName, status string, progress int, message string, extra ...func(*types.UploadStatus)) {
	us := types.UploadStatus{
		Status:             status,
		ProgressPercentage: progress,
		StatusMessage:      message,
		UpdatedAt:          time.Now().UTC(),
	}
	for _, fn := range extra {
		fn(&us)
	}
	if ok := s.backend.UpdateUploadStatus(ctx, agentName, us); !ok {
		obslog.Error(fmt.Sprintf("statusstore: upload status forward failed for %s (status=%s)", agentName, status))
	}
}
