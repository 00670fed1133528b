package deallinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dealline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Milestone is one payment step of a milestone-based deal.
type Milestone struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// Terms carries amounts as decimal strings.
type Terms struct {
	Amount            string      `json:"amount,omitempty"`
	Milestones        []Milestone `json:"milestones,omitempty"`
	SalaryAmount      string      `json:"salaryAmount,omitempty"`
	SalaryTerms       string      `json:"salaryTerms,omitempty"`
	TotalAmount       string      `json:"totalAmount,omitempty"`
	UpfrontPercentage string      `json:"upfrontPercentage,omitempty"`
	RemainingAmount   string      `json:"remainingAmount,omitempty"`
	Hours             string      `json:"hours,omitempty"`
	HourlyRate        string      `json:"hourlyRate,omitempty"`
}

// Deal represents the API deal model.
type Deal struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Stage            string            `json:"stage"`
	ProjectType      string            `json:"projectType,omitempty"`
	StageRecordIDs   map[string]string `json:"stageRecordIds,omitempty"`
	Terms            Terms             `json:"terms"`
	DealStatus       string            `json:"dealStatus,omitempty"`
	LossReason       string            `json:"lossReason,omitempty"`
	ProjectStartDate string            `json:"projectStartDate,omitempty"`
	ProjectCloseDate string            `json:"projectCloseDate,omitempty"`
	CloseDate        string            `json:"closeDate,omitempty"`
	IsConverted      bool              `json:"isConverted"`
	OwnerID          string            `json:"ownerId,omitempty"`
	PendingStage     string            `json:"pendingStage,omitempty"`
	Unsynced         bool              `json:"unsynced"`
	CreatedAt        string            `json:"createdAt"`
	ModifiedTime     string            `json:"modifiedTime"`
}

// HistoryRecord is one stage history entry.
type HistoryRecord struct {
	ID               string `json:"id"`
	OpportunityID    string `json:"opportunityId"`
	StageName        string `json:"stageName"`
	StartDate        string `json:"startDate"`
	ModifiedTime     string `json:"modifiedTime"`
	ActingUser       string `json:"actingUser"`
	ProjectType      string `json:"projectType,omitempty"`
	Terms            Terms  `json:"terms"`
	DealStatus       string `json:"dealStatus,omitempty"`
	LossReason       string `json:"lossReason,omitempty"`
	ProjectStartDate string `json:"projectStartDate,omitempty"`
	ProjectCloseDate string `json:"projectCloseDate,omitempty"`
	CloseDate        string `json:"closeDate,omitempty"`
	Current          bool   `json:"current,omitempty"`
}

// HistoryDetail is a record with its rendered fields.
type HistoryDetail struct {
	Record HistoryRecord `json:"record"`
	Fields []struct {
		Label string `json:"label"`
		Value string `json:"value"`
	} `json:"fields"`
}

// PendingForm is the open form of a gated stage.
type PendingForm struct {
	Stage       string            `json:"stage"`
	ProjectType string            `json:"project_type,omitempty"`
	Fields      []string          `json:"fields"`
	Values      map[string]string `json:"values"`
	Milestones  []Milestone       `json:"milestones,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Commit is the outcome of a committed stage change.
type Commit struct {
	Phase   string          `json:"phase"`
	Record  HistoryRecord   `json:"record"`
	Deal    Deal            `json:"deal"`
	History []HistoryRecord `json:"history"`
}

// Transition is the answer to a stage change request. Outcome is noop,
// pending or committed.
type Transition struct {
	Outcome string       `json:"outcome"`
	Stage   string       `json:"stage"`
	Form    *PendingForm `json:"form,omitempty"`
	Commit  *Commit      `json:"commit,omitempty"`
}

// PendingEdit changes an open form. Rows are removed, then added, then
// fields are applied.
type PendingEdit struct {
	Fields          map[string]string `json:"fields,omitempty"`
	AddMilestones   int               `json:"add_milestones,omitempty"`
	RemoveMilestone *int              `json:"remove_milestone,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// FieldErrors returns per-field messages of a validation_failed error.
func (e *APIError) FieldErrors() map[string]string {
	raw, ok := e.Details["fields"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// ErrorCode returns the API error code of err, or "" if err is not an APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// CreateDeal creates a deal in OnBoarded.
func (c *Client) CreateDeal(ctx context.Context, name, projectType string, terms *Terms) (Deal, error) {
	body := map[string]any{"name": name}
	if projectType != "" {
		body["projectType"] = projectType
	}
	if terms != nil {
		body["terms"] = terms
	}
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals", body, &resp)
	return resp, err
}

// ListDeals lists deals, optionally in one stage.
func (c *Client) ListDeals(ctx context.Context, stage string) ([]Deal, error) {
	page, err := c.ListDealsPage(ctx, stage, 0, "")
	return page.Items, err
}

// DealPage is one page of deals in creation order.
type DealPage struct {
	Items      []Deal
	NextCursor string
}

// ListDealsPage lists up to limit deals after cursor. A zero limit lists all.
func (c *Client) ListDealsPage(ctx context.Context, stage string, limit int, cursor string) (DealPage, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "deals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var page DealPage
	header, err := c.doWithHeader(ctx, http.MethodGet, endpoint, nil, &page.Items)
	if err != nil {
		return DealPage{}, err
	}
	page.NextCursor = header.Get("X-Next-Cursor")
	return page, nil
}

// GetDeal fetches a deal by id.
func (c *Client) GetDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, dealPath(id, ""), nil, &resp)
	return resp, err
}

// RequestTransition asks to move a deal to stage.
func (c *Client) RequestTransition(ctx context.Context, dealID, stage string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, dealPath(dealID, "transitions"), map[string]any{"stage": stage}, &resp)
	return resp, err
}

// EditPending applies edits to the open form and returns it.
func (c *Client) EditPending(ctx context.Context, dealID string, edit PendingEdit) (PendingForm, error) {
	var resp PendingForm
	err := c.do(ctx, http.MethodPatch, dealPath(dealID, "pending"), edit, &resp)
	return resp, err
}

// SubmitPending validates the open form and commits its stage.
func (c *Client) SubmitPending(ctx context.Context, dealID string) (Commit, error) {
	var resp Commit
	err := c.do(ctx, http.MethodPost, dealPath(dealID, "pending/submit"), nil, &resp)
	return resp, err
}

// CancelPending discards the open form.
func (c *Client) CancelPending(ctx context.Context, dealID string) error {
	return c.do(ctx, http.MethodDelete, dealPath(dealID, "pending"), nil, nil)
}

// Resync retries the deal update after a deal_update_failed error.
func (c *Client) Resync(ctx context.Context, dealID string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, dealPath(dealID, "resync"), nil, &resp)
	return resp, err
}

// History lists the stage records of a deal.
func (c *Client) History(ctx context.Context, dealID string) ([]HistoryRecord, error) {
	var resp []HistoryRecord
	err := c.do(ctx, http.MethodGet, dealPath(dealID, "history"), nil, &resp)
	return resp, err
}

// HistoryRecord fetches one record with its rendered fields.
func (c *Client) HistoryRecord(ctx context.Context, recordID string) (HistoryDetail, error) {
	var resp HistoryDetail
	err := c.do(ctx, http.MethodGet, "history/"+url.PathEscape(recordID), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	_, err := c.doWithHeader(ctx, method, endpoint, body, out)
	return err
}

func (c *Client) doWithHeader(ctx context.Context, method, endpoint string, body any, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return resp.Header, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func dealPath(id, sub string) string {
	p := "deals/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
