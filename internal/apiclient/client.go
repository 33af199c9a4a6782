// Package apiclient is a typed client for the partner guardian HTTP API.
// Every error it returns is an *apperr.Error: 401 is KindAuth, read failures
// are KindTransientFetch and failed mutations are KindWriteFailure.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leozw/partner-guardian/internal/aggregate"
	"github.com/leozw/partner-guardian/internal/apperr"
	"github.com/leozw/partner-guardian/internal/core"
)

const (
	apiPrefix = "/api/v1"
	loginPath = "/auth/login"
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client

	mu             sync.RWMutex
	token          string
	onUnauthorized func()
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithUnauthorizedHandler registers fn to run whenever the server answers 401.
// The client has already dropped its token when fn runs.
func WithUnauthorizedHandler(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Authenticated() bool {
	return c.Token() != ""
}

// Auth

func (c *Client) Login(ctx context.Context, username, password string) (*core.LoginResponse, error) {
	var out core.LoginResponse
	body := core.LoginRequest{Username: username, Password: password}
	if err := c.write(ctx, http.MethodPost, loginPath, body, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.AccessToken)
	return &out, nil
}

func (c *Client) Me(ctx context.Context) (*core.User, error) {
	var out core.User
	if err := c.read(ctx, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	body := core.ChangePasswordRequest{CurrentPassword: current, NewPassword: next}
	return c.write(ctx, http.MethodPost, "/auth/change-password", body, nil)
}

// Dashboard

func (c *Client) Overview(ctx context.Context) (*aggregate.Overview, error) {
	var out aggregate.Overview
	if err := c.read(ctx, "/dashboard/overview", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DashboardPartners(ctx context.Context) ([]core.PartnerDashboard, error) {
	var out []core.PartnerDashboard
	if err := c.read(ctx, "/dashboard/partners", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerRefresh asks the server to collect every active partner now.
func (c *Client) TriggerRefresh(ctx context.Context) error {
	return c.write(ctx, http.MethodPost, "/dashboard/refresh", nil, nil)
}

// Alerts

func (c *Client) AlertSummary(ctx context.Context) (*aggregate.AlertCounts, error) {
	var out aggregate.AlertCounts
	if err := c.read(ctx, "/alerts/summary", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Alerts(ctx context.Context, resolved bool) ([]core.AlertLog, error) {
	var out []core.AlertLog
	q := url.Values{"resolved": {strconv.FormatBool(resolved)}}
	if err := c.read(ctx, "/alerts", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DismissAlert(ctx context.Context, alertID string, hours int) (*core.AlertLog, error) {
	var out core.AlertLog
	path := fmt.Sprintf("/alerts/%s/dismiss?hours=%d", url.PathEscape(alertID), hours)
	if err := c.write(ctx, http.MethodPut, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Partners

func (c *Client) Partners(ctx context.Context) ([]core.Partner, error) {
	var out []core.Partner
	if err := c.read(ctx, "/partners", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreatePartner(ctx context.Context, in core.PartnerInput) (*core.Partner, error) {
	var out core.Partner
	if err := c.write(ctx, http.MethodPost, "/partners", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdatePartner(ctx context.Context, partnerID string, in core.PartnerUpdate) (*core.Partner, error) {
	var out core.Partner
	if err := c.write(ctx, http.MethodPut, partnerPath(partnerID, ""), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeletePartner(ctx context.Context, partnerID string) error {
	return c.write(ctx, http.MethodDelete, partnerPath(partnerID, ""), nil, nil)
}

func (c *Client) UpdateConcurrency(ctx context.Context, partnerID string, update core.ConcurrencyUpdate) (*core.ConcurrencyResult, error) {
	var out core.ConcurrencyResult
	if err := c.write(ctx, http.MethodPost, partnerPath(partnerID, "/concurrency"), update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BulkUpdateConcurrency(ctx context.Context, update core.BulkConcurrencyUpdate) ([]core.BulkConcurrencyItem, error) {
	var out struct {
		Results []core.BulkConcurrencyItem `json:"results"`
	}
	if err := c.write(ctx, http.MethodPut, "/concurrency/bulk", update, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) SetPauseNonPriority(ctx context.Context, partnerID string, enabled bool) (*core.PauseNonPriorityResult, error) {
	var out core.PauseNonPriorityResult
	body := core.PauseNonPriorityUpdate{Enabled: &enabled}
	if err := c.write(ctx, http.MethodPost, partnerPath(partnerID, "/pause-non-priority"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PartnerPeriodStats(ctx context.Context, partnerID string, period core.Period) (*core.PeriodStatsReport, error) {
	var out core.PeriodStatsReport
	if err := c.read(ctx, partnerPath(partnerID, "/period-stats"), periodQuery(period), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AllPartnersPeriodStats(ctx context.Context, period core.Period) (*core.AllPartnersPeriodStats, error) {
	var out core.AllPartnersPeriodStats
	if err := c.read(ctx, "/all-partners/period-stats", periodQuery(period), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func periodQuery(p core.Period) url.Values {
	return url.Values{"start_date": {p.StartDate}, "end_date": {p.EndDate}}
}

func (c *Client) ConcurrencySuggestion(ctx context.Context, partnerID string) (*core.ConcurrencySuggestion, error) {
	var out core.ConcurrencySuggestion
	if err := c.read(ctx, partnerPath(partnerID, "/concurrency/suggestion"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TestConnection(ctx context.Context, partnerID string) (*core.ConnectionTestResult, error) {
	var out core.ConnectionTestResult
	if err := c.write(ctx, http.MethodPost, partnerPath(partnerID, "/test"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForceSync only schedules a collection; poll the metrics to see the effect.
func (c *Client) ForceSync(ctx context.Context, partnerID string) error {
	return c.write(ctx, http.MethodPost, partnerPath(partnerID, "/force-sync"), nil, nil)
}

// PartnerMetrics returns nil when the partner has no snapshot yet.
func (c *Client) PartnerMetrics(ctx context.Context, partnerID string) (*core.Snapshot, error) {
	var out *core.Snapshot
	if err := c.read(ctx, partnerPath(partnerID, "/metrics"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PartnerLogs(ctx context.Context, partnerID string, limit int) ([]core.ConnectionLogEntry, error) {
	var out []core.ConnectionLogEntry
	if err := c.read(ctx, partnerPath(partnerID, "/logs"), limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PartnerHistory(ctx context.Context, partnerID string, limit int) ([]core.ConcurrencyHistoryEntry, error) {
	var out []core.ConcurrencyHistoryEntry
	if err := c.read(ctx, partnerPath(partnerID, "/history"), limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearLogs irreversibly deletes every connection log of the partner.
func (c *Client) ClearLogs(ctx context.Context, partnerID string) error {
	return c.write(ctx, http.MethodDelete, partnerPath(partnerID, "/logs"), nil, nil)
}

// Settings

func (c *Client) Settings(ctx context.Context) ([]core.Setting, error) {
	var out []core.Setting
	if err := c.read(ctx, "/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateSettings(ctx context.Context, settings []core.Setting) ([]core.Setting, error) {
	var out []core.Setting
	if err := c.write(ctx, http.MethodPut, "/settings", settings, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func partnerPath(partnerID, suffix string) string {
	return "/partners/" + url.PathEscape(partnerID) + suffix
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (c *Client) read(ctx context.Context, path string, query url.Values, out interface{}) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out, apperr.KindTransientFetch)
}

func (c *Client) write(ctx context.Context, method, path string, body, out interface{}) error {
	return c.do(ctx, method, path, body, out, apperr.KindWriteFailure)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, failKind apperr.Kind) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.New(failKind, op, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return apperr.New(failKind, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.New(failKind, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// A rejected login is bad credentials, not an expired session.
		if path != loginPath {
			c.invalidate()
		}
		return apperr.New(apperr.KindAuth, op, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.New(failKind, op, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)})
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.New(failKind, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	fn := c.onUnauthorized
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
