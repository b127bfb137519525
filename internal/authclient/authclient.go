// Package authclient is the single-operation HTTP client to the identity
// service: create per-agent owner permissions.
package authclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/agentctl/internal/obslog"
)

const timeout = 30 * time.Second

// Client talks to the configured AUTH_SERVICE_URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client against baseURL.
func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

// CreatePermissions creates owner permissions for agentID. Failure is
// non-fatal to the overall flow; the caller records the boolean result in
// the completion status payload.
func (c *Client) CreatePermissions(ctx context.Context, agentID, ownerID string) bool {
	path := fmt.Sprintf("/auth/agents/%s/permissions?owner_id=%s", url.PathEscape(agentID), url.QueryEscape(ownerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		obslog.Errorf("authclient: build request", err)
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		obslog.Errorf(fmt.Sprintf("authclient: create permissions for %s", agentID), err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		obslog.Error(fmt.Sprintf("authclient: create permissions for %s returned %d", agentID, resp.StatusCode))
		return false
	}
	return true
}
