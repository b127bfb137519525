// Package backend is the HTTP client to the platform's own API: upload
// status, build/deployment record CRUD, registry upsert, version
// resolution, and tarball download. No HTTP client library appears in this
// module's dependencies, so this client is built on net/http with an
// explicit timeout on each *http.Client.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/agentctl/internal/obslog"
	"github.com/cuemby/agentctl/internal/types"
)

const (
	defaultTimeout  = 10 * time.Second
	downloadTimeout = 30 * time.Second
)

// Client is the Backend Client singleton.
type Client struct {
	baseURL string
	http    *http.Client
	dl      *http.Client
}

// New constructs a Client against baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		dl:      &http.Client{Timeout: downloadTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("backend: marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("backend: build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("backend: decode response for %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// UpdateUploadStatus PUTs the latest upload status for an agent. A failure
// is logged here and reported as false; it is never returned as an error.
func (c *Client) UpdateUploadStatus(ctx context.Context, agentName string, status types.UploadStatus) bool {
	path := fmt.Sprintf("/api/v1/upload-status/agent/%s/latest", url.PathEscape(agentName))
	code, err := c.do(ctx, http.MethodPut, path, status, nil)
	if err != nil || code >= 300 {
		obslog.Errorf(fmt.Sprintf("backend: update upload status for %s (code=%d)", agentName, code), errOrNil(err))
		return false
	}
	return true
}

type idResponse struct {
	ID string `json:"_id"`
}

// CreateBuildRecord creates a BuildRecord and returns its assigned id.
func (c *Client) CreateBuildRecord(ctx context.Context, rec types.BuildRecord) (string, bool) {
	var resp idResponse
	code, err := c.do(ctx, http.MethodPost, "/api/v1/agents/build", rec, &resp)
	if err != nil || code >= 300 {
		obslog.Errorf(fmt.Sprintf("backend: create build record (code=%d)", code), errOrNil(err))
		return "", false
	}
	return resp.ID, true
}

// UpdateBuildStatus PUTs a status transition for an existing build record.
func (c *Client) UpdateBuildStatus(ctx context.Context, buildID string, rec types.BuildRecord) bool {
	path := fmt.Sprintf("/api/v1/agents/build/%s/status", url.PathEscape(buildID))
	code, err := c.do(ctx, http.MethodPut, path, rec, nil)
	if err != nil || code >= 300 {
		obslog.Errorf(fmt.Sprintf("backend: update build status %s (code=%d)", buildID, code), errOrNil(err))
		return false
	}
	return true
}

// CreateDeploymentRecord creates a DeploymentRecord and returns its id.
func (c *Client) CreateDeploymentRecord(ctx context.Context, rec types.DeploymentRecord) (string, bool) {
	var resp idResponse
	code, err := c.do(ctx, http.MethodPost, "/api/v1/agents/deploy", rec, &resp)
	if err != nil || code >= 300 {
		obslog.Errorf(fmt.Sprintf("backend: create deployment record (code=%d)", code), errOrNil(err))
		return "", false
	}
	return resp.ID, true
}

// UpdateDeploymentStatus PUTs a status transition for an existing
// deployment record.
func (c *Client) UpdateDeploymentStatus(ctx context.Context, deploymentID string, rec types.DeploymentRecord) bool {
	path := fmt.Sprintf("/api/v1/agents/deployment/%s/status", url.PathEscape(deploymentID))
	code, err := c.do(ctx, http.MethodPut, path, rec, nil)
	if err != nil || code >= 300 {
		obslog.Errorf(fmt.Sprintf("backend: update deployment status %s (code=%d)", deploymentID, code), errOrNil(err))
		return false
	}
	return true
}

// UpsertRegistryEntry PUTs the full registry document for an agent.
// This is the one backend call whose failure is allowed to block a
// downstream step (permissions creation), per §4.4.
func (c *Client) UpsertRegistryEntry(ctx context.Context, agentName string, entry types.RegistryEntry) bool {
	path := fmt.Sprintf("/api/v1/registry/agent/%s", url.PathEscape(agentName))
	code, err := c.do(ctx, http.MethodPut, path, entry, nil)
	if err != nil || (code != http.StatusOK && code != http.StatusCreated) {
		obslog.Errorf(fmt.Sprintf("backend: upsert registry entry %s (code=%d)", agentName, code), errOrNil(err))
		return false
	}
	return true
}

// PatchRegistryVersionStatus flips the status of one version_history entry.
func (c *Client) PatchRegistryVersionStatus(ctx context.Context, agentName, status string) bool {
	path := fmt.Sprintf("/api/v1/registry/agent/%s/version/status", url.PathEscape(agentName))
	code, err := c.do(ctx, http.MethodPut, path, map[string]string{"status": status}, nil)
	if err != nil || code >= 300 {
		obslog.Errorf(fmt.Sprintf("backend: patch registry version status %s (code=%d)", agentName, code), errOrNil(err))
		return false
	}
	return true
}

type versionMappingResponse struct {
	ImageTag string `json:"image_tag"`
}

// ResolveVersionMapping resolves (agentID, semanticVersion) to an immutable
// image tag. Returns ok=false on miss or error; the caller synthesizes the
// v<semver> fallback tag.
func (c *Client) ResolveVersionMapping(ctx context.Context, agentID, semanticVersion string) (string, bool) {
	path := fmt.Sprintf("/api/v1/agents/build/version-mapping?agent_id=%s&semantic_version=%s",
		url.QueryEscape(agentID), url.QueryEscape(semanticVersion))
	var resp versionMappingResponse
	code, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil || code >= 300 || resp.ImageTag == "" {
		return "", false
	}
	return resp.ImageTag, true
}

// DownloadAgentTarball fetches an agent's source tarball, optionally
// pinned to a version, and returns the raw gzip bytes.
func (c *Client) DownloadAgentTarball(ctx context.Context, agentName, version string) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/agents/%s/download", url.PathEscape(agentName))
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build download request: %w", err)
	}
	resp, err := c.dl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: download %s: %w", agentName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend: download %s: status %d", agentName, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: read tarball body for %s: %w", agentName, err)
	}
	return data, nil
}

func errOrNil(err error) error {
	if err == nil {
		return fmt.Errorf("non-2xx response")
	}
	return err
}
