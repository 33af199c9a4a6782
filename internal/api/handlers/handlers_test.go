package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/api/middleware"
	"github.com/leozw/partner-guardian/internal/apperr"
	"github.com/leozw/partner-guardian/internal/auth"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/db"
	"github.com/leozw/partner-guardian/internal/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	mu        sync.Mutex
	users     map[string]*core.User
	partners  map[string]*core.Partner
	snapshots map[string]*core.Snapshot
	logs      []*core.ConnectionLogEntry
	settings  []core.Setting
	alerts    map[string]*core.AlertLog
	pingErr   error
	failList  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[string]*core.User{},
		partners:  map[string]*core.Partner{},
		snapshots: map[string]*core.Snapshot{},
		alerts:    map[string]*core.AlertLog{},
	}
}

func (f *fakeStore) Ping() error { return f.pingErr }

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*core.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user: %w", db.ErrNotFound)
}

func (f *fakeStore) GetUser(_ context.Context, id string) (*core.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user: %w", db.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, id, hash string) error {
	f.users[id].PasswordHash = hash
	return nil
}

func (f *fakeStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	f.users[id].LastLogin = &at
	return nil
}

func (f *fakeStore) ListPartners(_ context.Context, activeOnly bool) ([]*core.Partner, error) {
	if f.failList != nil {
		return nil, f.failList
	}
	out := []*core.Partner{}
	for _, id := range []string{"p1", "p2", "p3"} {
		if p, ok := f.partners[id]; ok && (!activeOnly || p.IsActive) {
			out = append(out, p)
		}
	}
	for id, p := range f.partners {
		if id != "p1" && id != "p2" && id != "p3" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPartner(_ context.Context, id string) (*core.Partner, error) {
	p, ok := f.partners[id]
	if !ok {
		return nil, fmt.Errorf("partner: %w", db.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) CreatePartner(_ context.Context, p *core.Partner) error {
	f.partners[p.ID] = p
	return nil
}

func (f *fakeStore) UpdatePartner(_ context.Context, p *core.Partner) error {
	f.partners[p.ID] = p
	return nil
}

func (f *fakeStore) DeletePartner(_ context.Context, id string) error {
	if _, ok := f.partners[id]; !ok {
		return fmt.Errorf("partner: %w", db.ErrNotFound)
	}
	delete(f.partners, id)
	return nil
}

func (f *fakeStore) LatestSnapshot(_ context.Context, partnerID string) (*core.Snapshot, error) {
	s, ok := f.snapshots[partnerID]
	if !ok {
		return nil, fmt.Errorf("snapshot: %w", db.ErrNotFound)
	}
	return s, nil
}

func (f *fakeStore) LatestSnapshots(context.Context) (map[string]*core.Snapshot, error) {
	return f.snapshots, nil
}

func (f *fakeStore) SaveConnectionLog(_ context.Context, l *core.ConnectionLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeStore) ListConnectionLogs(_ context.Context, partnerID string, limit int) ([]*core.ConnectionLogEntry, error) {
	out := []*core.ConnectionLogEntry{}
	for _, l := range f.logs {
		if l.PartnerID == partnerID && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteConnectionLogs(_ context.Context, partnerID string) (int64, error) {
	var kept []*core.ConnectionLogEntry
	var deleted int64
	for _, l := range f.logs {
		if l.PartnerID == partnerID {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	f.logs = kept
	return deleted, nil
}

func (f *fakeStore) ListHistory(context.Context, string, int) ([]*core.ConcurrencyHistoryEntry, error) {
	return []*core.ConcurrencyHistoryEntry{}, nil
}

func (f *fakeStore) ListSettings(context.Context) ([]core.Setting, error) {
	return f.settings, nil
}

func (f *fakeStore) GetSetting(_ context.Context, key string) (*core.Setting, error) {
	for _, s := range f.settings {
		if s.Key == key {
			cp := s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("setting: %w", db.ErrNotFound)
}

func (f *fakeStore) LoadSettings(context.Context) (core.Settings, error) {
	return core.SettingsFromList(f.settings), nil
}

func (f *fakeStore) UpsertSettings(_ context.Context, settings []core.Setting, updatedBy string) error {
	for _, s := range settings {
		s.UpdatedBy = &updatedBy
		replaced := false
		for i := range f.settings {
			if f.settings[i].Key == s.Key {
				f.settings[i] = s
				replaced = true
			}
		}
		if !replaced {
			f.settings = append(f.settings, s)
		}
	}
	return nil
}

func (f *fakeStore) ListAlerts(_ context.Context, resolved bool, limit int) ([]*core.AlertLog, error) {
	out := []*core.AlertLog{}
	for _, a := range f.alerts {
		if a.IsResolved == resolved && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) DismissAlert(_ context.Context, id, by string, until time.Time) (*core.AlertLog, error) {
	a, ok := f.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert: %w", db.ErrNotFound)
	}
	a.IsDismissed = true
	a.DismissedBy = &by
	a.DismissedUntil = &until
	return a, nil
}

func (f *fakeStore) DismissedPartnerIDs(_ context.Context, now time.Time) ([]string, error) {
	ids := []string{}
	for _, a := range f.alerts {
		if !a.IsResolved && a.IsDismissed && a.DismissedUntil != nil && a.DismissedUntil.After(now) {
			ids = append(ids, a.PartnerID)
		}
	}
	return ids, nil
}

type fakeCollector struct {
	summary scheduler.RunSummary
	err     error
	synced  chan string
}

func (f *fakeCollector) FetchAll(context.Context) (scheduler.RunSummary, error) {
	return f.summary, f.err
}

func (f *fakeCollector) ForceSync(_ context.Context, partnerID string) (*core.Snapshot, error) {
	f.synced <- partnerID
	return &core.Snapshot{PartnerID: partnerID, AlertLevel: core.AlertNormal}, nil
}

type fakeTester struct {
	result core.ConnectionTestResult
}

func (f *fakeTester) TestConnection(context.Context, *core.Partner) core.ConnectionTestResult {
	return f.result
}

type fakeConcurrency struct {
	err       error
	changedBy string
	bulk      core.BulkConcurrencyUpdate
	paused    map[string]bool
}

func (f *fakeConcurrency) UpdateMany(_ context.Context, upd core.BulkConcurrencyUpdate, changedBy string) ([]core.BulkConcurrencyItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bulk = upd
	f.changedBy = changedBy
	items := make([]core.BulkConcurrencyItem, 0, len(upd.PartnerIDs))
	for _, id := range upd.PartnerIDs {
		items = append(items, core.BulkConcurrencyItem{PartnerID: id, Success: true})
	}
	return items, nil
}

func (f *fakeConcurrency) SetPauseNonPriority(_ context.Context, partnerID string, enabled bool, changedBy string) (*core.PauseNonPriorityResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.paused == nil {
		f.paused = map[string]bool{}
	}
	f.paused[partnerID] = enabled
	f.changedBy = changedBy
	return &core.PauseNonPriorityResult{
		Success:         true,
		Partner:         core.Partner{ID: partnerID, PauseNonPriority: enabled},
		SyncedToPartner: true,
	}, nil
}

func (f *fakeConcurrency) Update(_ context.Context, partnerID string, upd core.ConcurrencyUpdate, changedBy string) (*core.ConcurrencyResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.changedBy = changedBy
	return &core.ConcurrencyResult{
		Success: true,
		Message: fmt.Sprintf("Concurrency updated from 10 to %d", upd.NewLimit),
		Partner: core.Partner{ID: partnerID, ConcurrencyLimit: upd.NewLimit},
	}, nil
}

func (f *fakeConcurrency) SuggestFor(context.Context, string) (core.ConcurrencySuggestion, error) {
	return core.ConcurrencySuggestion{Suggested: 12, Reason: "queue backlog"}, nil
}

// fakePeriods answers period queries from canned per-partner results.
type fakePeriods struct {
	stats map[string]core.PeriodStats
	errs  map[string]error
}

func (f *fakePeriods) PeriodStats(_ context.Context, p *core.Partner, _ core.Period) (*core.PeriodStats, error) {
	if err := f.errs[p.ID]; err != nil {
		return nil, err
	}
	stats := f.stats[p.ID]
	return &stats, nil
}

type fakeForgetter struct {
	forgotten []string
}

func (f *fakeForgetter) ForgetPartner(partnerID string) {
	f.forgotten = append(f.forgotten, partnerID)
}

type testEnv struct {
	store       *fakeStore
	collector   *fakeCollector
	tester      *fakeTester
	concurrency *fakeConcurrency
	periods     *fakePeriods
	forgetter   *fakeForgetter
	origins     *middleware.Origins
	tokens      *auth.TokenManager
	handler     *Handler
	router      *gin.Engine
	now         time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:       newFakeStore(),
		collector:   &fakeCollector{synced: make(chan string, 1)},
		tester:      &fakeTester{},
		concurrency: &fakeConcurrency{},
		periods:     &fakePeriods{stats: map[string]core.PeriodStats{}, errs: map[string]error{}},
		forgetter:   &fakeForgetter{},
		origins:     middleware.NewOrigins(nil),
		tokens:      auth.NewTokenManager([]byte("test-secret"), time.Hour),
		now:         time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC),
	}
	env.handler = NewHandler(Deps{
		Store:       env.store,
		Collector:   env.collector,
		Tester:      env.tester,
		Concurrency: env.concurrency,
		Periods:     env.periods,
		Tokens:      env.tokens,
		Origins:     env.origins,
		Metrics:     env.forgetter,
		Logger:      zap.NewNop(),
	})
	env.handler.now = func() time.Time { return env.now }

	h := env.handler
	r := gin.New()
	r.POST("/auth/login", h.Login)
	api := r.Group("/", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, "u1")
		c.Set(middleware.ContextUsername, "root")
		c.Next()
	})
	api.GET("/auth/me", h.Me)
	api.POST("/auth/change-password", h.ChangePassword)
	api.GET("/dashboard/overview", h.DashboardOverview)
	api.GET("/dashboard/partners", h.DashboardPartners)
	api.POST("/dashboard/refresh", h.RefreshDashboard)
	api.GET("/alerts/summary", h.AlertSummary)
	api.GET("/alerts", h.ListAlerts)
	api.PUT("/alerts/:id/dismiss", h.DismissAlert)
	api.GET("/partners", h.ListPartners)
	api.POST("/partners", h.CreatePartner)
	api.PUT("/partners/:id", h.UpdatePartner)
	api.DELETE("/partners/:id", h.DeletePartner)
	api.POST("/partners/:id/concurrency", h.UpdateConcurrency)
	api.GET("/partners/:id/concurrency/suggestion", h.SuggestConcurrency)
	api.POST("/partners/:id/test", h.TestConnection)
	api.POST("/partners/:id/force-sync", h.ForceSync)
	api.GET("/partners/:id/metrics", h.PartnerMetrics)
	api.GET("/partners/:id/logs", h.PartnerLogs)
	api.DELETE("/partners/:id/logs", h.ClearPartnerLogs)
	api.POST("/partners/:id/pause-non-priority", h.PauseNonPriority)
	api.GET("/partners/:id/period-stats", h.PartnerPeriodStats)
	api.PUT("/concurrency/bulk", h.BulkUpdateConcurrency)
	api.GET("/all-partners/period-stats", h.AllPartnersPeriodStats)
	api.GET("/settings", h.ListSettings)
	api.GET("/settings/:key", h.GetSetting)
	api.PUT("/settings", h.UpdateSettings)
	r.GET("/ready", h.Ready)
	env.router = r

	return env
}

func (env *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) addPartner(id string, limit int) *core.Partner {
	p := &core.Partner{
		ID:               id,
		Name:             "Partner " + id,
		DBHost:           "10.0.0.1",
		DBPort:           3306,
		DBName:           "tenant",
		DBUsername:       "reader",
		DBPassword:       "secret",
		ConcurrencyLimit: limit,
		IsActive:         true,
		LastSyncStatus:   core.SyncNeverSynced,
	}
	env.store.partners[id] = p
	return p
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	env.store.users["u1"] = &core.User{ID: "u1", Username: "root", Role: core.RoleAdmin, PasswordHash: hash}

	w := env.do(http.MethodPost, "/auth/login", map[string]string{"username": "root", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/auth/login", map[string]string{"username": "nobody", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/auth/login", map[string]string{"username": "root"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/auth/login", map[string]string{"username": "root", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp core.LoginResponse
	decode(t, w, &resp)
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Equal(t, "root", resp.User.Username)
	assert.NotContains(t, w.Body.String(), hash)
	require.NotNil(t, resp.User.LastLogin)

	claims, err := env.tokens.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	hash, err := auth.HashPassword("old-password")
	require.NoError(t, err)
	env.store.users["u1"] = &core.User{ID: "u1", Username: "root", PasswordHash: hash}

	tests := map[string]struct {
		body     map[string]string
		expected int
	}{
		"missing fields":   {body: map[string]string{"newPassword": "long-enough"}, expected: http.StatusBadRequest},
		"too short":        {body: map[string]string{"currentPassword": "old-password", "newPassword": "short"}, expected: http.StatusBadRequest},
		"wrong current":    {body: map[string]string{"currentPassword": "nope", "newPassword": "long-enough"}, expected: http.StatusBadRequest},
		"password changed": {body: map[string]string{"currentPassword": "old-password", "newPassword": "long-enough"}, expected: http.StatusOK},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/auth/change-password", tc.body)
			assert.Equal(t, tc.expected, w.Code, w.Body.String())
		})
	}
	assert.True(t, auth.CheckPassword(env.store.users["u1"].PasswordHash, "long-enough"))
}

func TestDashboardOverviewAndAlertSummary(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)
	env.addPartner("p2", 10)
	env.addPartner("p3", 10)

	env.store.snapshots["p1"] = &core.Snapshot{
		PartnerID: "p1", ActiveCalls: 2, QueuedCalls: 250, RunningCampaigns: 1,
		CampaignsToday: 3, ConcurrencyLimit: 10, SnapshotTime: env.now.Add(-time.Minute),
	}
	env.store.snapshots["p2"] = &core.Snapshot{
		PartnerID: "p2", ActiveCalls: 5, QueuedCalls: 10, RunningCampaigns: 2,
		CampaignsToday: 4, ConcurrencyLimit: 10, SnapshotTime: env.now.Add(-time.Minute),
	}

	w := env.do(http.MethodGet, "/dashboard/overview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var overview map[string]interface{}
	decode(t, w, &overview)
	assert.EqualValues(t, 3, overview["totalPartners"])
	assert.EqualValues(t, 7, overview["activeCalls"])
	assert.EqualValues(t, 260, overview["queuedCalls"])

	w = env.do(http.MethodGet, "/alerts/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts map[string]interface{}
	decode(t, w, &counts)
	assert.EqualValues(t, 1, counts["critical"])
	assert.EqualValues(t, 1, counts["offline"])
}

func TestDashboardPartnersIncludesMissingSnapshots(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)
	env.addPartner("p2", 10)
	env.store.snapshots["p1"] = &core.Snapshot{PartnerID: "p1", SnapshotTime: env.now}

	w := env.do(http.MethodGet, "/dashboard/partners", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rows []struct {
		Partner  core.Partner   `json:"partner"`
		Snapshot *core.Snapshot `json:"snapshot"`
	}
	decode(t, w, &rows)
	require.Len(t, rows, 2)
	assert.Equal(t, "p1", rows[0].Partner.ID)
	assert.NotNil(t, rows[0].Snapshot)
	assert.Equal(t, "p2", rows[1].Partner.ID)
	assert.Nil(t, rows[1].Snapshot)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestRefreshDashboard(t *testing.T) {
	env := newTestEnv(t)
	env.collector.summary = scheduler.RunSummary{Partners: 3, Succeeded: 2, Failed: 1}

	w := env.do(http.MethodPost, "/dashboard/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.EqualValues(t, 2, resp["succeeded"])
	assert.EqualValues(t, 1, resp["failed"])

	env.collector.err = errors.New("db down")
	w = env.do(http.MethodPost, "/dashboard/refresh", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDismissAlert(t *testing.T) {
	env := newTestEnv(t)
	env.store.alerts["a1"] = &core.AlertLog{ID: "a1", PartnerID: "p1", AlertLevel: core.AlertHigh}

	tests := map[string]struct {
		path     string
		expected int
	}{
		"invalid hours": {path: "/alerts/a1/dismiss?hours=abc", expected: http.StatusBadRequest},
		"zero hours":    {path: "/alerts/a1/dismiss?hours=0", expected: http.StatusBadRequest},
		"unknown alert": {path: "/alerts/zz/dismiss", expected: http.StatusNotFound},
		"default hours": {path: "/alerts/a1/dismiss", expected: http.StatusOK},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodPut, tc.path, nil)
			assert.Equal(t, tc.expected, w.Code, w.Body.String())
		})
	}

	a := env.store.alerts["a1"]
	require.NotNil(t, a.DismissedUntil)
	assert.Equal(t, env.now.Add(24*time.Hour), *a.DismissedUntil)
	assert.Equal(t, "root", *a.DismissedBy)
}

func TestCreatePartner(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/partners", map[string]interface{}{"partnerName": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/partners", map[string]interface{}{
		"partnerName": "Acme",
		"dbHost":      "db.acme.internal",
		"dbName":      "acme",
		"dbUsername":  "reader",
		"dbPassword":  "hunter2",
		"sshConfig":   map[string]interface{}{"enabled": true, "host": "bastion", "username": "ops", "privateKey": "KEY"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "hunter2")
	assert.NotContains(t, w.Body.String(), "KEY")

	var created map[string]interface{}
	decode(t, w, &created)
	assert.Equal(t, true, created["hasDbPassword"])
	assert.EqualValues(t, 10, created["concurrencyLimit"])
	require.Len(t, env.store.partners, 1)
}

func TestUpdatePartnerCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)

	w := env.do(http.MethodPut, "/partners/p1", map[string]interface{}{"dbPassword": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "secret", env.store.partners["p1"].DBPassword)

	w = env.do(http.MethodPut, "/partners/p1", map[string]interface{}{"partnerName": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Renamed", env.store.partners["p1"].Name)
	assert.Equal(t, "secret", env.store.partners["p1"].DBPassword)

	w = env.do(http.MethodPut, "/partners/p1", map[string]interface{}{"dbPassword": "rotated"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rotated", env.store.partners["p1"].DBPassword)

	w = env.do(http.MethodPut, "/partners/missing", map[string]interface{}{"partnerName": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeletePartnerForgetsSeries(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)

	w := env.do(http.MethodDelete, "/partners/p1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"p1"}, env.forgetter.forgotten)

	w = env.do(http.MethodDelete, "/partners/p1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateConcurrency(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected int
	}{
		"accepted":      {expected: http.StatusOK},
		"out of range":  {err: apperr.Validation("concurrency.update", "concurrency limit must be between 1 and 100"), expected: http.StatusBadRequest},
		"not found":     {err: fmt.Errorf("partner: %w", db.ErrNotFound), expected: http.StatusNotFound},
		"store failure": {err: apperr.New(apperr.KindWriteFailure, "concurrency.update", errors.New("boom")), expected: http.StatusInternalServerError},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			env.concurrency.err = tc.err

			w := env.do(http.MethodPost, "/partners/p1/concurrency", map[string]interface{}{"newLimit": 25})
			assert.Equal(t, tc.expected, w.Code, w.Body.String())
			if tc.err == nil {
				assert.Equal(t, "root", env.concurrency.changedBy)
				assert.Contains(t, w.Body.String(), "Concurrency updated from 10 to 25")
			}
		})
	}
}

func TestSuggestConcurrency(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)

	w := env.do(http.MethodGet, "/partners/p1/concurrency/suggestion", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"suggested":12,"reason":"queue backlog"}`, w.Body.String())

	w = env.do(http.MethodGet, "/partners/zz/concurrency/suggestion", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestConnectionRecordsLog(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)
	env.tester.result = core.ConnectionTestResult{Success: false, Message: "SSH connection failed: timeout", ResponseTimeMs: 30000}

	w := env.do(http.MethodPost, "/partners/p1/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "SSH connection failed")

	require.Len(t, env.store.logs, 1)
	entry := env.store.logs[0]
	assert.Equal(t, core.ConnectionFailure, entry.ConnectionStatus)
	assert.Equal(t, "test", entry.QueryType)
	require.NotNil(t, entry.ErrorMessage)
	assert.Equal(t, "SSH connection failed: timeout", *entry.ErrorMessage)
}

func TestForceSyncRunsInBackground(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)

	w := env.do(http.MethodPost, "/partners/zz/force-sync", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/partners/p1/force-sync", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case id := <-env.collector.synced:
		assert.Equal(t, "p1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("force sync did not run")
	}
}

func TestPartnerMetricsAndLogs(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)

	w := env.do(http.MethodGet, "/partners/p1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())

	env.store.snapshots["p1"] = &core.Snapshot{PartnerID: "p1", ActiveCalls: 4}
	w = env.do(http.MethodGet, "/partners/p1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"activeCalls":4`)

	for i := 0; i < 3; i++ {
		env.store.logs = append(env.store.logs, &core.ConnectionLogEntry{ID: fmt.Sprint(i), PartnerID: "p1"})
	}
	w = env.do(http.MethodGet, "/partners/p1/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []core.ConnectionLogEntry
	decode(t, w, &logs)
	assert.Len(t, logs, 2)

	w = env.do(http.MethodDelete, "/partners/p1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":3}`, w.Body.String())
	assert.Empty(t, env.store.logs)
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t)

	setting := func(key string, value string) map[string]interface{} {
		return map[string]interface{}{"settingKey": key, "settingValue": json.RawMessage(value)}
	}

	tests := map[string]struct {
		body     interface{}
		expected int
	}{
		"not an array":        {body: map[string]string{"settingKey": "x"}, expected: http.StatusBadRequest},
		"interval too short":  {body: []interface{}{setting(core.SettingRefreshInterval, "10")}, expected: http.StatusBadRequest},
		"interval not number": {body: []interface{}{setting(core.SettingRefreshInterval, `"fast"`)}, expected: http.StatusBadRequest},
		"flag not boolean":    {body: []interface{}{setting(core.SettingAutoRefreshEnabled, `"yes"`)}, expected: http.StatusBadRequest},
		"valid settings": {body: []interface{}{
			setting(core.SettingRefreshInterval, "60"),
			setting(core.SettingPublicAPIAllowedDomains, `"https://partner.example.com, https://other.example.com"`),
		}, expected: http.StatusOK},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodPut, "/settings", tc.body)
			assert.Equal(t, tc.expected, w.Code, w.Body.String())
		})
	}

	loaded := core.SettingsFromList(env.store.settings)
	assert.Equal(t, 60*time.Second, loaded.RefreshInterval())
	assert.True(t, env.origins.Allowed("https://other.example.com"))
	require.NotNil(t, env.store.settings[0].UpdatedBy)
	assert.Equal(t, "root", *env.store.settings[0].UpdatedBy)

	w := env.do(http.MethodGet, "/settings/"+core.SettingRefreshInterval, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"settingValue":60`)

	w = env.do(http.MethodGet, "/settings/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReady(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env.store.pingErr = errors.New("connection refused")
	w = env.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAlertSummaryMovesDismissedPartners(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)
	env.addPartner("p2", 10)
	env.store.snapshots["p1"] = &core.Snapshot{
		PartnerID: "p1", ActiveCalls: 2, QueuedCalls: 250, ConcurrencyLimit: 10, SnapshotTime: env.now,
	}
	env.store.snapshots["p2"] = &core.Snapshot{
		PartnerID: "p2", ActiveCalls: 2, QueuedCalls: 300, ConcurrencyLimit: 10, SnapshotTime: env.now,
	}
	env.store.alerts["a1"] = &core.AlertLog{ID: "a1", PartnerID: "p1", AlertLevel: core.AlertCritical}
	env.store.alerts["a2"] = &core.AlertLog{ID: "a2", PartnerID: "p2", AlertLevel: core.AlertCritical}

	counts := func() map[string]interface{} {
		w := env.do(http.MethodGet, "/alerts/summary", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out map[string]interface{}
		decode(t, w, &out)
		return out
	}

	before := counts()
	assert.EqualValues(t, 2, before["critical"])
	assert.EqualValues(t, 0, before["dismissed"])

	w := env.do(http.MethodPut, "/alerts/a1/dismiss?hours=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	after := counts()
	assert.EqualValues(t, 1, after["critical"])
	assert.EqualValues(t, 1, after["dismissed"])

	expired := env.now.Add(-time.Minute)
	env.store.alerts["a1"].DismissedUntil = &expired
	assert.EqualValues(t, 2, counts()["critical"])
}

func TestListAlertsRejectsBadResolvedFlag(t *testing.T) {
	env := newTestEnv(t)
	env.store.alerts["a1"] = &core.AlertLog{ID: "a1", PartnerID: "p1", AlertLevel: core.AlertHigh}
	env.store.alerts["a2"] = &core.AlertLog{ID: "a2", PartnerID: "p2", AlertLevel: core.AlertMedium, IsResolved: true}

	tests := map[string]struct {
		path     string
		expected int
		count    int
	}{
		"default lists open":   {path: "/alerts", expected: http.StatusOK, count: 1},
		"resolved":             {path: "/alerts?resolved=true", expected: http.StatusOK, count: 1},
		"unparseable flag":     {path: "/alerts?resolved=yes", expected: http.StatusBadRequest},
		"explicit open alerts": {path: "/alerts?resolved=false", expected: http.StatusOK, count: 1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodGet, tc.path, nil)
			require.Equal(t, tc.expected, w.Code, w.Body.String())
			if tc.expected != http.StatusOK {
				return
			}
			var alerts []core.AlertLog
			decode(t, w, &alerts)
			assert.Len(t, alerts, tc.count)
		})
	}
}

func TestBulkUpdateConcurrency(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/concurrency/bulk", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/concurrency/bulk", map[string]interface{}{
		"partnerIds": []string{"p1", "p2"},
		"newLimit":   40,
		"reason":     "evening peak",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results []core.BulkConcurrencyItem `json:"results"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "p2", resp.Results[1].PartnerID)
	assert.Equal(t, 40, env.concurrency.bulk.NewLimit)
	assert.Equal(t, "root", env.concurrency.changedBy)

	env.concurrency.err = apperr.Validation("concurrency.bulk_update", "partnerIds must not be empty")
	w = env.do(http.MethodPut, "/concurrency/bulk", map[string]interface{}{"newLimit": 40})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "partnerIds must not be empty")
}

func TestPauseNonPriority(t *testing.T) {
	env := newTestEnv(t)

	tests := map[string]struct {
		body     interface{}
		expected int
	}{
		"missing flag": {body: map[string]interface{}{}, expected: http.StatusBadRequest},
		"wrong type":   {body: map[string]interface{}{"enabled": "yes"}, expected: http.StatusBadRequest},
		"enable":       {body: map[string]interface{}{"enabled": true}, expected: http.StatusOK},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/partners/p1/pause-non-priority", tc.body)
			assert.Equal(t, tc.expected, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, map[string]bool{"p1": true}, env.concurrency.paused)

	env.concurrency.err = fmt.Errorf("partner: %w", db.ErrNotFound)
	w := env.do(http.MethodPost, "/partners/zz/pause-non-priority", map[string]interface{}{"enabled": false})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPartnerPeriodStats(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)
	env.addPartner("p2", 10)
	env.periods.stats["p1"] = core.PeriodStats{
		Calls:      core.StatusCounts{Total: 12, ByStatus: map[string]int{"COMPLETED": 10, "FAILED": 2}},
		Submittals: core.StatusCounts{Total: 3, ByStatus: map[string]int{"SUBMITTED": 3}},
	}
	env.periods.errs["p2"] = errors.New("SSH connection failed: timeout")

	tests := map[string]struct {
		path     string
		expected int
	}{
		"missing dates":   {path: "/partners/p1/period-stats", expected: http.StatusBadRequest},
		"bad date":        {path: "/partners/p1/period-stats?start_date=2024-13-01&end_date=2024-05-01", expected: http.StatusBadRequest},
		"reversed range":  {path: "/partners/p1/period-stats?start_date=2024-05-02&end_date=2024-05-01", expected: http.StatusBadRequest},
		"range too long":  {path: "/partners/p1/period-stats?start_date=2022-01-01&end_date=2024-05-01", expected: http.StatusBadRequest},
		"unknown partner": {path: "/partners/zz/period-stats?start_date=2024-05-01&end_date=2024-05-02", expected: http.StatusNotFound},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodGet, tc.path, nil)
			assert.Equal(t, tc.expected, w.Code, w.Body.String())
		})
	}

	w := env.do(http.MethodGet, "/partners/p1/period-stats?start_date=2024-05-01&end_date=2024-05-02", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ok core.PeriodStatsReport
	decode(t, w, &ok)
	assert.True(t, ok.Success)
	assert.Equal(t, "2024-05-01", ok.Period.StartDate)
	assert.Equal(t, 12, ok.Calls.Total)
	assert.Equal(t, 2, ok.Calls.ByStatus["FAILED"])

	w = env.do(http.MethodGet, "/partners/p2/period-stats?start_date=2024-05-01&end_date=2024-05-02", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var failed core.PeriodStatsReport
	decode(t, w, &failed)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "SSH connection failed")
	assert.Equal(t, 0, failed.Calls.Total)
	assert.NotNil(t, failed.Calls.ByStatus)
}

func TestAllPartnersPeriodStats(t *testing.T) {
	env := newTestEnv(t)
	env.addPartner("p1", 10)
	env.addPartner("p2", 10)
	env.addPartner("p3", 10).IsActive = false
	env.periods.stats["p1"] = core.PeriodStats{
		Calls:      core.StatusCounts{Total: 12, ByStatus: map[string]int{"COMPLETED": 10, "FAILED": 2}},
		Submittals: core.StatusCounts{Total: 3, ByStatus: map[string]int{"SUBMITTED": 3}},
	}
	env.periods.stats["p2"] = core.PeriodStats{
		Calls:      core.StatusCounts{Total: 5, ByStatus: map[string]int{"COMPLETED": 5}},
		Submittals: core.StatusCounts{ByStatus: map[string]int{}},
	}

	w := env.do(http.MethodGet, "/all-partners/period-stats?start_date=2024-05-01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/all-partners/period-stats?start_date=2024-05-01&end_date=2024-05-02", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out core.AllPartnersPeriodStats
	decode(t, w, &out)

	assert.True(t, out.Success)
	assert.Equal(t, 2, out.TotalPartners)
	assert.Equal(t, 17, out.Aggregated.Calls.Total)
	assert.Equal(t, map[string]int{"COMPLETED": 15, "FAILED": 2}, out.Aggregated.Calls.ByStatus)
	assert.Equal(t, 3, out.Aggregated.Submittals.Total)
	require.Len(t, out.PartnerBreakdown, 2)
	assert.Equal(t, "p1", out.PartnerBreakdown[0].PartnerID)
	assert.Equal(t, "Partner p2", out.PartnerBreakdown[1].PartnerName)

	env.periods.errs["p2"] = errors.New("Database connection failed")
	w = env.do(http.MethodGet, "/all-partners/period-stats?start_date=2024-05-01&end_date=2024-05-02", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var partial core.AllPartnersPeriodStats
	decode(t, w, &partial)
	assert.Equal(t, 12, partial.Aggregated.Calls.Total)
	require.Len(t, partial.PartnerBreakdown, 2)
	assert.Equal(t, "Database connection failed", partial.PartnerBreakdown[1].Error)
	assert.Equal(t, 0, partial.PartnerBreakdown[1].Calls.Total)
}
