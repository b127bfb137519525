// Package cluster abstracts the container cluster API behind a narrow
// interface with a real implementation (K8sDriver) and a test fake
// (FakeDriver), so the dispatcher never depends on a particular cluster
// technology.
package cluster

import "context"

// JobStatus mirrors the enumerated statuses the Cluster Driver returns for
// a build job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobUnknown   JobStatus = "unknown"
)

// Driver is the six-operation contract §4.6 gives the Cluster Driver.
// Every operation is blocking and synchronous from the caller's
// perspective; callers that must not starve the stream loop run these off
// the main goroutine themselves.
type Driver interface {
	// CreateBuildJob is idempotent with respect to jobID and returns
	// immediately after submission. Exactly one of gitURL or filesSource
	// should be set.
	CreateBuildJob(ctx context.Context, jobID, gitURL, imageDestination, filesSource string) error

	// GetJobStatus reports the current status of a previously submitted
	// build job. An unrecognized status from the underlying cluster API
	// is surfaced as JobUnknown rather than an error, so transient API
	// flaps don't fail the build wait loop.
	GetJobStatus(ctx context.Context, jobName string) (JobStatus, error)

	// DeployAgent creates or updates the named deployment to serve
	// imageReference on port, with the given environment variables.
	DeployAgent(ctx context.Context, deploymentName, imageReference string, port int32, env map[string]string) error

	// ListAgentDeployments returns the deployment names currently running
	// for agentID.
	ListAgentDeployments(ctx context.Context, agentID string) ([]string, error)

	// DeleteAgentDeployment removes one deployment by name.
	DeleteAgentDeployment(ctx context.Context, name string) error

	// CreateConfigMapWithFiles publishes data as a config-map named name
	// in namespace.
	CreateConfigMapWithFiles(ctx context.Context, name string, data map[string]string, namespace string) error
}
