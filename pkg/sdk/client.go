// Package sdk is the Go client for the control plane's agent surface.
//
// Agents hold a short-lived ephemeral token minted by their sandbox. With
// that token they can ask owners for capabilities and relay calls through
// connected resources; alert-worthy observations flow into the owner's
// pipeline the same way. Nothing here ever sees a tenant's vault or
// plaintext credentials.
//
// Two integration patterns:
//
//  1. Direct: client.CallResource(ctx, "github", call) relays one request
//  2. Transport: WrapHTTPClient(client, hosts, nil) reroutes existing HTTP
//     code through the relay without changes
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://ocmt.example.com",
//	    Token:   os.Getenv("OCMT_AGENT_TOKEN"),
//	})
//
//	approval, err := client.RequestApproval(ctx, sdk.ApprovalRequest{
//	    SubjectPublicKey: agentKey,
//	    Resource:         "github",
//	    Scope:            []string{sdk.PermRead, sdk.PermList},
//	    ExpiresPreset:    "24h",
//	})
//	// Poll or listen for the owner's decision, then:
//	approval, err = client.ConfirmIssued(ctx, approval.ID, approval.Token)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the control plane endpoint (required)
	// Examples: "https://ocmt.example.com", "http://localhost:8080"
	BaseURL string

	// Token is the agent's ephemeral token (required)
	Token string

	// Timeout for control plane requests (default 30s)
	Timeout time.Duration

	// HTTPClient overrides the transport; leave nil for the default
	HTTPClient *http.Client

	// OnBlocked is called when the control plane refuses a resource call,
	// before the error is returned
	OnBlocked func(err *APIError)
}

// Client talks to the control plane on an agent's behalf.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a control plane client.
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://ocmt.example.com",
//	    Token:   os.Getenv("OCMT_AGENT_TOKEN"),
//	})
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// postJSON sends one JSON request and decodes the answer into out. Non-2xx
// statuses come back as *APIError.
func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ocmt-sdk: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ocmt-sdk: failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ocmt-sdk: control plane request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ocmt-sdk: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Code = "unknown"
			apiErr.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("ocmt-sdk: failed to parse response: %w", err)
		}
	}
	return nil
}

// ValidateToken asks the control plane whether the configured token is
// still good. Agents call this at boot and whenever NeedsRefresh matters.
func (c *Client) ValidateToken(ctx context.Context) (*TokenStatus, error) {
	req := map[string]string{"token": c.config.Token}
	var status TokenStatus
	if err := c.postJSON(ctx, "/api/gateway/token/validate", req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RequestApproval files a capability request with the resource's owner.
// The returned approval is pending; hold on to its ID and Token.
//
// Example:
//
//	approval, err := client.RequestApproval(ctx, sdk.ApprovalRequest{
//	    SubjectPublicKey: agentKey,
//	    Resource:         "github",
//	    Scope:            []string{sdk.PermRead},
//	    ExpiresPreset:    "1h",
//	    Reason:           "nightly dependency audit",
//	})
func (c *Client) RequestApproval(ctx context.Context, req ApprovalRequest) (*Approval, error) {
	var approval Approval
	if err := c.postJSON(ctx, "/api/approvals", req, &approval); err != nil {
		return nil, err
	}
	return &approval, nil
}

// ConfirmIssued collects an approved capability. The token proves the
// caller is the original requester; the approval moves to StatusIssued
// and cannot be collected twice.
func (c *Client) ConfirmIssued(ctx context.Context, approvalID, token string) (*Approval, error) {
	req := map[string]string{"token": token}
	var approval Approval
	if err := c.postJSON(ctx, "/api/approvals/"+approvalID+"/issued", req, &approval); err != nil {
		return nil, err
	}
	return &approval, nil
}

// CallResource relays one request through a connected resource. The
// control plane injects the owner's credential; the agent never sees it.
//
// Example:
//
//	result, err := client.CallResource(ctx, resourceID, sdk.ResourceCall{
//	    Method: "GET",
//	    Path:   "/repos/acme/widget/issues",
//	    Query:  "state=open",
//	})
//	if err == nil && result.Status == 200 {
//	    // result.Body holds the upstream answer
//	}
func (c *Client) CallResource(ctx context.Context, resourceID string, call ResourceCall) (*CallResult, error) {
	var result CallResult
	if err := c.postJSON(ctx, "/api/resources/"+resourceID+"/call", call, &result); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Code == "forbidden" && c.config.OnBlocked != nil {
			c.config.OnBlocked(apiErr)
		}
		return nil, err
	}
	return &result, nil
}

// TriggerAlert reports an observation to the owner's alert pipeline. The
// control plane answers as soon as the event is accepted; rule matching
// and delivery happen behind it.
func (c *Client) TriggerAlert(ctx context.Context, ev AlertEvent) error {
	return c.postJSON(ctx, "/api/alerts/trigger", ev, nil)
}
