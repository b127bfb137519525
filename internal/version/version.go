// Package version implements the Version Engine: semver-to-image-tag
// resolution for rollback, and the reap policy that decides which old
// deployments to delete after a successful update, rebuild, or rollback.
package version

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/agentctl/internal/backend"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/obslog"
)

// Resolver resolves semantic versions to immutable image tags and reaps
// old deployments.
type Resolver struct {
	backend *backend.Client
	driver  deploymentLister
}

type deploymentLister interface {
	ListAgentDeployments(ctx context.Context, agentID string) ([]string, error)
	DeleteAgentDeployment(ctx context.Context, name string) error
}

// New constructs a Resolver.
func New(backendClient *backend.Client, driver deploymentLister) *Resolver {
	return &Resolver{backend: backendClient, driver: driver}
}

// ResolveImageTag resolves (agentID, semanticVersion) to the immutable
// image tag recorded by the build that produced it. On miss or error it
// falls back to the literal "v<semver>" and logs a warning, preserving
// backward compatibility for agents that existed before version mapping
// was introduced. Called only by rollback.
func (r *Resolver) ResolveImageTag(ctx context.Context, agentID, semanticVersion string) string {
	tag, ok := r.backend.ResolveVersionMapping(ctx, agentID, semanticVersion)
	if ok {
		return tag
	}
	fallback := "v" + semanticVersion
	obslog.Warn(fmt.Sprintf("version: no mapping for %s@%s, falling back to %s", agentID, semanticVersion, fallback))
	return fallback
}

// ReapResult tallies a cleanup pass.
type ReapResult struct {
	Deleted int
	Failed  int
}

// CleanupOldDeployments lists all deployments for agentID, optionally
// filters to ones matching version, sorts the remainder lexicographically
// (chronological given the "-<timestamp>" suffix convention), retains the
// last keepLatest, and deletes the rest. It never returns an error; the
// caller only sees a tally of successes and failures.
func (r *Resolver) CleanupOldDeployments(ctx context.Context, agentID, matchVersion string, keepLatest int) ReapResult {
	deployments, err := r.driver.ListAgentDeployments(ctx, agentID)
	if err != nil {
		obslog.Errorf(fmt.Sprintf("version: list deployments for %s", agentID), err)
		return ReapResult{}
	}

	if matchVersion != "" {
		filtered := deployments[:0:0]
		marker1 := "-v" + matchVersion + "-"
		marker2 := "-" + matchVersion
		for _, name := range deployments {
			if strings.Contains(name, marker1) || strings.HasSuffix(name, marker2) {
				filtered = append(filtered, name)
			}
		}
		deployments = filtered
	}

	sort.Strings(deployments)

	toDelete := deployments
	if keepLatest > 0 {
		if keepLatest >= len(deployments) {
			toDelete = nil
		} else {
			toDelete = deployments[:len(deployments)-keepLatest]
		}
	}

	result := ReapResult{}
	for _, name := range toDelete {
		if err := r.driver.DeleteAgentDeployment(ctx, name); err != nil {
			result.Failed++
			metrics.ReapTotal.WithLabelValues("failed").Inc()
			obslog.Errorf(fmt.Sprintf("version: delete deployment %s", name), err)
			continue
		}
		result.Deleted++
		metrics.ReapTotal.WithLabelValues("deleted").Inc()
	}
	return result
}
