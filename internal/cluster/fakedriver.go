package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeDriver is an in-memory Driver implementation for unit tests. It has
// no external state to persist, so tests construct it directly rather than
// reaching for a separate fake package.
type FakeDriver struct {
	mu sync.Mutex

	Jobs        map[string]JobStatus
	Deployments map[string]deployment // name -> deployment
	ConfigMaps  map[string]map[string]string

	// JobStatusSequence queues the statuses GetJobStatus returns for the
	// named job, one per call, before it falls back to Jobs; useful for
	// simulating a multi-poll build wait.
	JobStatusSequence map[string][]JobStatus
}

type deployment struct {
	AgentID string
	Image   string
	Port    int32
	Env     map[string]string
}

// NewFakeDriver constructs an empty FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		Jobs:              make(map[string]JobStatus),
		Deployments:       make(map[string]deployment),
		ConfigMaps:        make(map[string]map[string]string),
		JobStatusSequence: make(map[string][]JobStatus),
	}
}

func (d *FakeDriver) CreateBuildJob(ctx context.Context, jobID, gitURL, imageDestination, filesSource string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.Jobs[jobID]; exists {
		return fmt.Errorf("cluster: job %s already exists", jobID)
	}
	d.Jobs[jobID] = JobPending
	return nil
}

func (d *FakeDriver) GetJobStatus(ctx context.Context, jobName string) (JobStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq, ok := d.JobStatusSequence[jobName]; ok && len(seq) > 0 {
		next := seq[0]
		d.JobStatusSequence[jobName] = seq[1:]
		d.Jobs[jobName] = next
		return next, nil
	}
	status, ok := d.Jobs[jobName]
	if !ok {
		return JobUnknown, nil
	}
	return status, nil
}

// SetJobStatus is a test helper to force a job's current status.
func (d *FakeDriver) SetJobStatus(jobName string, status JobStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Jobs[jobName] = status
}

func (d *FakeDriver) DeployAgent(ctx context.Context, deploymentName, imageReference string, port int32, env map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Deployments[deploymentName] = deployment{Image: imageReference, Port: port, Env: env}
	return nil
}

func (d *FakeDriver) ListAgentDeployments(ctx context.Context, agentID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0)
	for name := range d.Deployments {
		if strings.Contains(name, agentID) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *FakeDriver) DeleteAgentDeployment(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.Deployments, name)
	return nil
}

func (d *FakeDriver) CreateConfigMapWithFiles(ctx context.Context, name string, data map[string]string, namespace string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ConfigMaps[name] = data
	return nil
}
