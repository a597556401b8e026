// Package innoflowsdk is a small HTTP client for the innoflow API.
package innoflowsdk

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
)

// Client is a minimal innoflow HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID and ActorRole are sent as legacy actor headers when no token is set.
	ActorID    string
	ActorRole  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Entity is the stored envelope of any kind. Payload holds the kind-specific fields.
type Entity struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Title      string          `json:"title"`
	Status     string          `json:"status"`
	Version    int64           `json:"version"`
	Approvals  []Approval      `json:"approvals"`
	Provenance *ConversionLink `json:"provenance,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// Approval is one recorded approval-chain decision.
type Approval struct {
	Step         int    `json:"step"`
	ApproverRole string `json:"approver_role"`
	ApproverName string `json:"approver_name"`
	Decision     string `json:"decision"`
	Comment      string `json:"comment,omitempty"`
	DecidedAt    string `json:"decided_at"`
}

type DecisionResult struct {
	Entity   Entity   `json:"entity"`
	Approval Approval `json:"approval"`
}

type ConversionLink struct {
	SourceKind     string `json:"source_kind"`
	SourceID       string `json:"source_id"`
	TargetKind     string `json:"target_kind"`
	TargetID       string `json:"target_id"`
	ConversionType string `json:"conversion_type"`
	CreatedAt      string `json:"created_at"`
}

type ConvertResult struct {
	Target         Entity         `json:"target"`
	Link           ConversionLink `json:"link"`
	Warnings       []string       `json:"warnings,omitempty"`
	BackRefPending bool           `json:"back_ref_pending"`
	Replayed       bool           `json:"replayed"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// ErrorBody is the API error envelope content.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Err        ErrorBody
}

func (e *APIError) Error() string {
	if e.Err.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Err.Code, e.Err.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEntity creates a draft entity of the given kind.
func (c *Client) CreateEntity(ctx context.Context, kind, title string, fields map[string]any) (Entity, error) {
	body := map[string]any{"title": title}
	if fields != nil {
		body["fields"] = fields
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, entityPath(kind, ""), body, &resp)
	return resp, err
}

// Entity fetches an entity.
func (c *Client) Entity(ctx context.Context, kind, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, entityPath(kind, id), nil, &resp)
	return resp, err
}

// Transition moves an entity to status.
func (c *Client) Transition(ctx context.Context, kind, id, status string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPost, entityPath(kind, id)+"/transitions", map[string]any{"status": status}, &resp)
	return resp, err
}

// Decide records a decision on the current approval step. step may be zero.
func (c *Client) Decide(ctx context.Context, kind, id, decision, comment string, step int) (DecisionResult, error) {
	body := map[string]any{"decision": decision}
	if comment != "" {
		body["comment"] = comment
	}
	if step > 0 {
		body["step"] = step
	}
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, entityPath(kind, id)+"/approvals", body, &resp)
	return resp, err
}

// ApproveMilestone completes an approval-gated milestone.
func (c *Client) ApproveMilestone(ctx context.Context, kind, id, milestone string, evidence []string, notes string) (Entity, error) {
	body := map[string]any{"milestone": milestone, "evidence": evidence}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, entityPath(kind, id)+"/milestones/approve", body, &resp)
	return resp, err
}

// AssessTRL records a readiness assessment.
func (c *Client) AssessTRL(ctx context.Context, kind, id string, level, confidence int, evidence string) (Entity, error) {
	body := map[string]any{"level": level}
	if confidence > 0 {
		body["confidence"] = confidence
	}
	if evidence != "" {
		body["evidence_text"] = evidence
	}
	var resp struct {
		Entity Entity `json:"entity"`
	}
	err := c.do(ctx, http.MethodPost, entityPath(kind, id)+"/trl", body, &resp)
	return resp.Entity, err
}

// Convert creates a linked target entity from the source.
func (c *Client) Convert(ctx context.Context, kind, id, conversionType, title string, fields map[string]any, idempotencyKey string) (ConvertResult, error) {
	body := map[string]any{"conversion_type": conversionType}
	if title != "" {
		body["title"] = title
	}
	if fields != nil {
		body["fields"] = fields
	}
	if idempotencyKey != "" {
		body["idempotency_key"] = idempotencyKey
	}
	var resp ConvertResult
	err := c.do(ctx, http.MethodPost, entityPath(kind, id)+"/conversions", body, &resp)
	return resp, err
}

// RecordProgress reports execution progress for one scaling unit.
func (c *Client) RecordProgress(ctx context.Context, planID, unitID string, progress float64, kpiStatus string) (Entity, error) {
	body := map[string]any{"unit_id": unitID, "progress": progress}
	if kpiStatus != "" {
		body["kpi_status"] = kpiStatus
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, planPath(planID, "progress"), body, &resp)
	return resp, err
}

// DecideBudget decides the budget gate of a scaling plan.
func (c *Client) DecideBudget(ctx context.Context, planID, decision, comments string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPost, planPath(planID, "budget"), map[string]any{"decision": decision, "comments": comments}, &resp)
	return resp, err
}

// DecideIntegration decides the national integration gate.
func (c *Client) DecideIntegration(ctx context.Context, planID, decision string, checklist map[string]bool, notes string) (Entity, error) {
	body := map[string]any{"decision": decision, "checklist": checklist}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, planPath(planID, "integration"), body, &resp)
	return resp, err
}

// Events returns recent audit events, optionally scoped to one entity.
func (c *Client) Events(ctx context.Context, kind, id string, limit int) ([]Event, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("entity_kind", kind)
	}
	if id != "" {
		q.Set("entity_id", id)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.ActorRole != "" {
			req.Header.Set("X-Actor-Role", c.ActorRole)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error ErrorBody `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Err = env.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func entityPath(kind, id string) string {
	p := fmt.Sprintf("v0/entities/%s", url.PathEscape(kind))
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func planPath(id, action string) string {
	return fmt.Sprintf("v0/scaling-plans/%s/%s", url.PathEscape(id), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
