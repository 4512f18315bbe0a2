// Package monitor is the keeper's view of the cluster-wide role authority.
// The monitor is consumed as an unreliable request/response collaborator:
// every call site must survive a failed round trip without crashing, since
// losing the monitor is one of the failure modes the keeper exists to
// handle.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sindef/redis-keeper/pkg/auth"
	"github.com/sindef/redis-keeper/pkg/fsm"
)

// Report is what a node tells the monitor about itself each cycle.
type Report struct {
	Name          string   `json:"name"`
	NodeID        int      `json:"node_id"`
	GroupID       int      `json:"group_id"`
	CurrentRole   fsm.Role `json:"current_role"`
	EngineRunning bool     `json:"engine_running"`
	Lag           int64    `json:"lag"`
	SyncState     string   `json:"sync_state"`
}

// Assignment is the monitor's answer: the role this node should converge
// to, plus the upstream to replicate from when the role is a follower one.
type Assignment struct {
	Role         fsm.Role `json:"role"`
	UpstreamHost string   `json:"upstream_host,omitempty"`
	UpstreamPort int      `json:"upstream_port,omitempty"`
}

// Registration is the monitor's answer to a first-boot registration.
type Registration struct {
	NodeID       int      `json:"node_id"`
	GroupID      int      `json:"group_id"`
	AssignedRole fsm.Role `json:"assigned_role"`
}

// Client is the request/response contract the reconciliation loop consumes.
type Client interface {
	// NodeActive reports the node's current situation and returns the
	// monitor's assignment for it.
	NodeActive(ctx context.Context, report Report) (*Assignment, error)
	// Register announces a brand-new node and returns its identity.
	Register(ctx context.Context, report Report) (*Registration, error)
}

// HTTPClient talks to the monitor over its HTTP API.
type HTTPClient struct {
	baseURL       string
	httpClient    *http.Client
	authenticator *auth.Authenticator
}

// NewHTTPClient creates a monitor client. The timeout bounds each round
// trip so a hung monitor cannot stall the loop past its cycle budget.
func NewHTTPClient(baseURL string, authenticator *auth.Authenticator, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: timeout},
		authenticator: authenticator,
	}
}

func (c *HTTPClient) NodeActive(ctx context.Context, report Report) (*Assignment, error) {
	var assignment Assignment
	if err := c.post(ctx, "/1.0/node/active", report, &assignment); err != nil {
		return nil, err
	}
	if _, err := fsm.ParseRole(string(assignment.Role)); err != nil {
		return nil, fmt.Errorf("monitor assigned an unknown role: %w", err)
	}
	return &assignment, nil
}

func (c *HTTPClient) Register(ctx context.Context, report Report) (*Registration, error) {
	var registration Registration
	if err := c.post(ctx, "/1.0/node/register", report, &registration); err != nil {
		return nil, err
	}
	if _, err := fsm.ParseRole(string(registration.AssignedRole)); err != nil {
		return nil, fmt.Errorf("monitor assigned an unknown role: %w", err)
	}
	return &registration, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authenticator.SignRequest(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("monitor unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("monitor returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode monitor response: %w", err)
	}

	return nil
}
