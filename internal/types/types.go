// Package types holds the data model shared by every component of the
// orchestration worker: the wire command, the status records it writes,
// and the durable build/deployment/registry entities it owns.
package types

import "time"

// Action identifies the orchestration flow a Command drives.
type Action string

const (
	ActionDeployAgent   Action = "deploy_agent"
	ActionUpdateAgent   Action = "update_agent"
	ActionRollbackAgent Action = "rollback_agent"
	ActionRebuildAgent  Action = "rebuild_agent"
)

// UploadType enumerates the upload_type field of a Command.
type UploadType string

const (
	UploadTypeZip           UploadType = "zip"
	UploadTypeDirectory     UploadType = "directory"
	UploadTypeGithub        UploadType = "github"
	UploadTypeAgentUpdate   UploadType = "agent_update"
	UploadTypeGithubUpdate  UploadType = "github_update"
	UploadTypeAgentRollback UploadType = "agent_rollback"
	UploadTypeN8NRegister   UploadType = "n8n_register"
)

// UpdateStrategy enumerates update_strategy values. blue-green is accepted
// but implemented as a rolling update; see Dispatcher.
type UpdateStrategy string

const (
	UpdateStrategyRolling    UpdateStrategy = "rolling"
	UpdateStrategyBlueGreen  UpdateStrategy = "blue-green"
)

// AgentStatus labels, per spec §6.
const (
	StatusProcessing     = "processing"
	StatusBuilding       = "building"
	StatusDeploying      = "deploying"
	StatusRunning        = "running"
	StatusUpdating       = "updating"
	StatusUpdated        = "updated"
	StatusRollingBack    = "rolling_back"
	StatusRolledBack     = "rolled_back"
	StatusRebuilding     = "rebuilding"
	StatusRebuilt        = "rebuilt"
	StatusFailed         = "failed"
	StatusUpdateFailed   = "update_failed"
	StatusRollbackFailed = "rollback_failed"
	StatusRebuildFailed  = "rebuild_failed"
	StatusError          = "error"
)

// UploadStatus values, per spec §6.
const (
	UploadInitiated              = "initiated"
	UploadProcessing             = "processing"
	UploadCapabilitiesGenerated  = "capabilities_generated"
	UploadOrchestrationTriggered = "orchestration_triggered"
	UploadOrchestrationProcess   = "orchestration_processing"
	UploadCompleted              = "completed"
	UploadFailed                 = "failed"
)

// Build/deploy record statuses.
const (
	BuildStatusBuilding = "building"
	BuildStatusSuccess  = "success"
	BuildStatusFailed   = "failed"

	DeployStatusStarting = "starting"
	DeployStatusRunning  = "running"
	DeployStatusFailed   = "failed"
)

// Job statuses returned by the Cluster Driver's get_job_status.
const (
	JobPending   = "pending"
	JobActive    = "active"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobUnknown   = "unknown"
)

// Header carries the fields common to every Command variant.
type Header struct {
	MessageID  string
	AgentName  string
	AgentID    string
	OwnerID    string
	UploadID   string
	UploadType UploadType
	BaseURL    string
}

// Command is the closed sum type parsed from a stream message. Only one of
// the concrete variants below implements it for any given message.
type Command interface {
	isCommand()
	Head() Header
}

// DeployCommand drives the deploy_agent flow.
type DeployCommand struct {
	Header
	AgentPath  string
	GitURL     string
	WebhookURL string
}

func (c DeployCommand) isCommand()     {}
func (c DeployCommand) Head() Header   { return c.Header }

// UpdateCommand drives the update_agent flow.
type UpdateCommand struct {
	Header
	AgentPath       string
	NewVersion      string
	PreviousVersion string
	UpdateStrategy  UpdateStrategy
	CleanupOld      bool
}

func (c UpdateCommand) isCommand()   {}
func (c UpdateCommand) Head() Header { return c.Header }

// RollbackCommand drives the rollback_agent flow.
type RollbackCommand struct {
	Header
	TargetVersion  string
	CurrentVersion string
}

func (c RollbackCommand) isCommand()   {}
func (c RollbackCommand) Head() Header { return c.Header }

// RebuildCommand drives the rebuild_agent flow.
type RebuildCommand struct {
	Header
	AgentPath string
	Version   string
}

func (c RebuildCommand) isCommand()   {}
func (c RebuildCommand) Head() Header { return c.Header }

// UnknownCommand is returned by the parser when action is missing or
// unrecognized. The Dispatcher still records a failure and acknowledges.
type UnknownCommand struct {
	Header
	RawAction string
	Reason    string
}

func (c UnknownCommand) isCommand()   {}
func (c UnknownCommand) Head() Header { return c.Header }

// ErrorDetail is one entry of an UploadStatus's error_details list.
type ErrorDetail struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UploadHistoryEntry records a prior version transition for an upload.
type UploadHistoryEntry struct {
	Version   string    `json:"version"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

// UploadStatus is the durable, upload_id-keyed progress record.
type UploadStatus struct {
	UploadID              string               `json:"upload_id"`
	Status                string               `json:"status"`
	ProgressPercentage    int                  `json:"progress_percentage"`
	StatusMessage         string               `json:"status_message"`
	OrchestrationDuration float64              `json:"orchestration_duration,omitempty"`
	UpdatedAt             time.Time            `json:"updated_at"`
	ErrorDetails          []string             `json:"error_details,omitempty"`
	UploadHistory         []UploadHistoryEntry `json:"upload_history,omitempty"`

	// CompletionDetails carries the non-fatal side-effect flags (§4.5,
	// §8 S5) the completion payload records, e.g. "permissions_created"
	// and "registry_updated".
	CompletionDetails map[string]bool `json:"completion_details,omitempty"`
}

// AgentStatus is the volatile, agent-name-keyed status hash (TTL 24h).
type AgentStatus struct {
	AgentName   string            `json:"agent_name"`
	Status      string            `json:"status"`
	LastUpdated time.Time         `json:"last_updated"`
	UpdatedBy   string            `json:"updated_by"`
	Stage       string            `json:"stage,omitempty"`
	Image       string            `json:"image,omitempty"`
	URL         string            `json:"url,omitempty"`
	Version     string            `json:"version,omitempty"`
	Message     string            `json:"message,omitempty"`
	Extra       map[string]string `json:"-"`
}

// VersionMapping is the authoritative (agent, semver) -> image tag record
// consulted on rollback.
type VersionMapping struct {
	SemanticVersion string    `json:"semantic_version"`
	ImageTag        string    `json:"image_tag"`
	Timestamp       time.Time `json:"timestamp"`
}

// BuildRecord is created at build start.
type BuildRecord struct {
	ID             string         `json:"_id,omitempty"`
	AgentID        string         `json:"agent_id"`
	VersionTag     string         `json:"version_tag"`
	ImageReference string         `json:"image_reference"`
	Status         string         `json:"status"`
	K8sJobName     string         `json:"k8s_job_name"`
	VersionMapping VersionMapping `json:"version_mapping"`
	LogsTail       string         `json:"logs,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// DeploymentRecord is created at deploy start.
type DeploymentRecord struct {
	ID               string `json:"_id,omitempty"`
	AgentID          string `json:"agent_id"`
	BuildID          string `json:"build_id,omitempty"`
	Status           string `json:"status"`
	K8sDeploymentName string `json:"k8s_deployment_name"`
	Namespace        string `json:"namespace"`
	ServiceURL       string `json:"service_url,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// RegistryVersionEntry is one entry of a RegistryEntry's version_history.
type RegistryVersionEntry struct {
	Version       string    `json:"version"`
	Status        string    `json:"status"` // active, archived, failed, building
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	BuildIDs      []string  `json:"build_ids,omitempty"`
	DeploymentIDs []string  `json:"deployment_ids,omitempty"`
	RollbackInfo  string    `json:"rollback_info,omitempty"`
}

// RegistryEntry is the public description of a deployed agent.
type RegistryEntry struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	URL            string                 `json:"url"`
	Version        string                 `json:"version"`
	DeploymentType string                 `json:"deployment_type"`
	OwnerID        string                 `json:"owner_id,omitempty"`
	Capabilities   map[string]interface{} `json:"capabilities,omitempty"`
	Skills         []interface{}          `json:"skills,omitempty"`
	VersionHistory []RegistryVersionEntry `json:"version_history,omitempty"`
}
