// Package command parses the flat string-keyed stream message into the
// closed Command sum type defined in internal/types, capturing the §3
// invariants at the type level instead of ad-hoc field checks scattered
// through the dispatcher.
package command

import (
	"strings"

	"github.com/cuemby/agentctl/internal/types"
)

// Fields is the raw field map delivered by the stream for one message.
type Fields map[string]string

func (f Fields) get(key string) string { return f[key] }

func (f Fields) bool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(f[key]))
	return v == "true" || v == "1"
}

// boolDefault is like bool but returns def when key is absent from the
// wire message or its value is empty, rather than treating either as false.
func (f Fields) boolDefault(key string, def bool) bool {
	raw, ok := f[key]
	if !ok {
		return def
	}
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

// Parse converts a stream message into a typed Command. It never returns an
// error: an invalid or unrecognized message yields types.UnknownCommand so
// the dispatcher can still record a failure and acknowledge.
func Parse(messageID string, f Fields) types.Command {
	action := f.get("action")
	if action == "" {
		action = f.get("command")
	}

	header := types.Header{
		MessageID:  messageID,
		AgentName:  f.get("agent_name"),
		AgentID:    f.get("agent_id"),
		OwnerID:    f.get("owner_id"),
		UploadID:   f.get("upload_id"),
		UploadType: types.UploadType(f.get("upload_type")),
		BaseURL:    f.get("base_url"),
	}

	if header.AgentName == "" {
		return types.UnknownCommand{Header: header, RawAction: action, Reason: "missing agent_name"}
	}

	switch types.Action(action) {
	case types.ActionDeployAgent:
		return types.DeployCommand{
			Header:     header,
			AgentPath:  f.get("agent_path"),
			GitURL:     f.get("git_url"),
			WebhookURL: f.get("webhook_url"),
		}

	case types.ActionUpdateAgent:
		newVersion := f.get("new_version")
		if newVersion == "" {
			return types.UnknownCommand{Header: header, RawAction: action, Reason: "update_agent missing new_version"}
		}
		strategy := types.UpdateStrategy(f.get("update_strategy"))
		if strategy == "" {
			strategy = types.UpdateStrategyRolling
		}
		return types.UpdateCommand{
			Header:          header,
			AgentPath:       agentPathOrGithubUpdate(f, header.UploadType),
			NewVersion:      newVersion,
			PreviousVersion: f.get("previous_version"),
			UpdateStrategy:  strategy,
			// Matches the original's fields.get('cleanup_old', True):
			// an update that omits cleanup_old entirely still reaps the
			// previous version.
			CleanupOld: f.boolDefault("cleanup_old", true),
		}

	case types.ActionRollbackAgent:
		targetVersion := f.get("target_version")
		if targetVersion == "" {
			return types.UnknownCommand{Header: header, RawAction: action, Reason: "rollback_agent missing target_version"}
		}
		return types.RollbackCommand{
			Header:         header,
			TargetVersion:  targetVersion,
			CurrentVersion: f.get("current_version"),
		}

	case types.ActionRebuildAgent:
		return types.RebuildCommand{
			Header:    header,
			AgentPath: f.get("agent_path"),
			Version:   f.get("version"),
		}

	default:
		return types.UnknownCommand{Header: header, RawAction: action, Reason: "unrecognized action"}
	}
}

// agentPathOrGithubUpdate preserves the source behavior for the GitHub
// update path: a missing agent_path is recorded as the literal
// "github-update" rather than left empty.
func agentPathOrGithubUpdate(f Fields, uploadType types.UploadType) string {
	if path := f.get("agent_path"); path != "" {
		return path
	}
	if uploadType == types.UploadTypeGithubUpdate {
		return "github-update"
	}
	return ""
}

// ExtractVersion returns the semver suffix of an agent path of the form
// ".../v<semver>", defaulting to "1.0.0" when no such suffix is present.
func ExtractVersion(agentPath string) string {
	idx := strings.LastIndex(agentPath, "/v")
	if idx == -1 {
		return "1.0.0"
	}
	version := agentPath[idx+2:]
	if version == "" {
		return "1.0.0"
	}
	return version
}
