// Package dashboard is the operator's mounted dashboard view. It owns the
// snapshot store, the poller and the concurrency editor, and renders a Model
// from them on demand.
package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leozw/partner-guardian/internal/aggregate"
	"github.com/leozw/partner-guardian/internal/apperr"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/editor"
	"github.com/leozw/partner-guardian/internal/health"
	"github.com/leozw/partner-guardian/internal/poller"
	"github.com/leozw/partner-guardian/internal/snapshots"
	"go.uber.org/zap"
)

const maxNotifications = 20

// Backend is the subset of the API the view talks to.
type Backend interface {
	Settings(ctx context.Context) ([]core.Setting, error)
	UpdateSettings(ctx context.Context, settings []core.Setting) ([]core.Setting, error)
	DashboardPartners(ctx context.Context) ([]core.PartnerDashboard, error)
	PartnerHistory(ctx context.Context, partnerID string, limit int) ([]core.ConcurrencyHistoryEntry, error)
	UpdateConcurrency(ctx context.Context, partnerID string, update core.ConcurrencyUpdate) (*core.ConcurrencyResult, error)
}

type Notification struct {
	Kind    apperr.Kind
	Message string
	At      time.Time
}

type Row struct {
	Partner  core.Partner
	Snapshot *core.Snapshot
	Level    core.AlertLevel
	Message  string
	Bucket   aggregate.Bucket
}

// Offline reports whether the row has no live snapshot.
func (r Row) Offline() bool {
	return r.Bucket == aggregate.BucketOffline
}

type Model struct {
	Summary        aggregate.Summary
	Rows           []Row
	Editor         editor.State
	Notifications  []Notification
	LastRefresh    time.Time
	AutoRefresh    bool
	Interval       time.Duration
	HistoryPartner string
	History        []core.ConcurrencyHistoryEntry
}

type View struct {
	backend Backend
	store   *snapshots.Store
	poller  *poller.Poller
	editor  *editor.Coordinator
	logger  *zap.Logger
	now     func() time.Time

	mu             sync.Mutex
	settings       core.Settings
	mounted        bool
	generation     uint64
	requestSeq     uint64
	appliedSeq     uint64
	lastRefresh    time.Time
	notifications  []Notification
	historyPartner string
	history        []core.ConcurrencyHistoryEntry
	onChange       func(Model)
	onAuthError    func()
}

func New(backend Backend, logger *zap.Logger) *View {
	v := &View{
		backend:  backend,
		store:    snapshots.NewStore(),
		logger:   logger,
		now:      time.Now,
		settings: core.DefaultSettings(),
	}
	v.poller = poller.New(v.pollTick, logger)
	v.editor = editor.NewCoordinator(backend, v.refetchAfterEdit)
	v.editor.OnChange(func(editor.State) { v.changed() })
	return v
}

// OnChange registers a callback invoked with a fresh Model after every state
// change. It is never invoked after Unmount.
func (v *View) OnChange(fn func(Model)) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// OnAuthError registers a callback for rejected sessions.
func (v *View) OnAuthError(fn func()) {
	v.mu.Lock()
	v.onAuthError = fn
	v.mu.Unlock()
}

func (v *View) Store() *snapshots.Store {
	return v.store
}

func (v *View) Poller() *poller.Poller {
	return v.poller
}

// Mount loads settings and data once, then starts polling per the settings.
func (v *View) Mount(ctx context.Context) error {
	v.mu.Lock()
	v.mounted = true
	v.generation++
	v.mu.Unlock()

	err := v.Refresh(ctx)

	v.mu.Lock()
	interval, auto := v.settings.RefreshInterval(), v.settings.AutoRefreshEnabled()
	v.mu.Unlock()
	v.poller.Start(ctx, interval, auto)

	v.logger.Info("Dashboard mounted",
		zap.Duration("interval", interval),
		zap.Bool("auto_refresh", auto),
	)
	return err
}

// Unmount stops polling. Responses still in flight are discarded on arrival.
func (v *View) Unmount() {
	v.mu.Lock()
	v.mounted = false
	v.generation++
	v.mu.Unlock()
	v.poller.Stop()
	v.logger.Info("Dashboard unmounted")
}

func (v *View) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mounted
}

// RefreshNow requests an out-of-band refresh through the poller.
func (v *View) RefreshNow() bool {
	return v.poller.RefreshNow()
}

// Refresh fetches settings and dashboard data synchronously.
func (v *View) Refresh(ctx context.Context) error {
	return v.refresh(ctx, v.currentGeneration())
}

func (v *View) pollTick(ctx context.Context, trigger poller.Trigger) {
	if err := v.refresh(ctx, v.currentGeneration()); err != nil {
		v.logger.Debug("Refresh failed", zap.String("trigger", string(trigger)), zap.Error(err))
	}
}

func (v *View) currentGeneration() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.generation
}

func (v *View) refresh(ctx context.Context, gen uint64) error {
	v.mu.Lock()
	v.requestSeq++
	seq := v.requestSeq
	v.mu.Unlock()

	settingsList, settingsErr := v.backend.Settings(ctx)
	rows, rowsErr := v.backend.DashboardPartners(ctx)

	v.mu.Lock()
	if !v.mounted || gen != v.generation {
		v.mu.Unlock()
		return nil
	}

	var resetPoller bool
	if settingsErr != nil {
		v.notifyLocked(settingsErr)
	} else {
		next := core.SettingsFromList(settingsList)
		resetPoller = next.RefreshInterval() != v.settings.RefreshInterval() ||
			next.AutoRefreshEnabled() != v.settings.AutoRefreshEnabled()
		v.settings = next
	}

	if rowsErr != nil {
		v.notifyLocked(rowsErr)
	} else {
		v.applyLocked(rows, seq)
		v.lastRefresh = v.now()
	}
	interval, auto := v.settings.RefreshInterval(), v.settings.AutoRefreshEnabled()
	v.mu.Unlock()

	if resetPoller {
		v.poller.Reset(interval, auto)
	}
	v.changed()

	if rowsErr != nil {
		return rowsErr
	}
	return settingsErr
}

// applyLocked stores snapshots unconditionally, letting the store order them by
// snapshot time, but only takes the partner list from the newest response.
func (v *View) applyLocked(rows []core.PartnerDashboard, seq uint64) {
	if seq > v.appliedSeq {
		partners := make([]core.Partner, 0, len(rows))
		for _, row := range rows {
			partners = append(partners, row.Partner)
		}
		v.store.SetPartners(partners)
		v.appliedSeq = seq
	}

	for _, row := range rows {
		if row.Snapshot == nil {
			continue
		}
		if _, known := v.store.Partner(row.Partner.ID); !known {
			continue
		}
		if row.Snapshot.Failed() {
			v.notifyLocked(apperr.New(apperr.KindPartial, "fetch metrics",
				fmt.Errorf("%s: %s", row.Partner.Name, *row.Snapshot.CollectorError)))
		}
		v.store.Upsert(row.Partner.ID, *row.Snapshot)
	}
}

// SetAutoRefresh persists the toggle and re-establishes the timer.
func (v *View) SetAutoRefresh(ctx context.Context, enabled bool) error {
	value, err := core.NewSettingValue(enabled)
	if err != nil {
		return err
	}
	if _, err := v.backend.UpdateSettings(ctx, []core.Setting{{Key: core.SettingAutoRefreshEnabled, Value: value}}); err != nil {
		v.mu.Lock()
		v.notifyLocked(err)
		v.mu.Unlock()
		v.changed()
		return err
	}

	v.mu.Lock()
	next := make(core.Settings, len(v.settings)+1)
	for k, val := range v.settings {
		next[k] = val
	}
	next[core.SettingAutoRefreshEnabled] = enabled
	v.settings = next
	interval := next.RefreshInterval()
	mounted := v.mounted
	v.mu.Unlock()

	if mounted {
		v.poller.Reset(interval, enabled)
	}
	v.changed()
	return nil
}

// BeginEdit starts the quick-edit of a partner's limit.
func (v *View) BeginEdit(partnerID string) error {
	p, ok := v.store.Partner(partnerID)
	if !ok {
		return apperr.Validation("begin edit", "unknown partner %q", partnerID)
	}
	return v.editor.Begin(partnerID, p.ConcurrencyLimit)
}

func (v *View) SetEditValue(value string) {
	v.editor.SetValue(value)
}

func (v *View) CancelEdit() {
	v.editor.Cancel()
}

// SubmitEdit sends the edited limit. Failures are also recorded as
// notifications.
func (v *View) SubmitEdit(ctx context.Context, reason string) error {
	err := v.editor.Submit(ctx, reason)
	if err != nil && apperr.KindOf(err) != apperr.KindValidation {
		v.mu.Lock()
		v.notifyLocked(err)
		v.mu.Unlock()
		v.changed()
	}
	return err
}

func (v *View) refetchAfterEdit(ctx context.Context) error {
	partnerID := v.editor.State().PartnerID
	if err := v.Refresh(ctx); err != nil {
		return err
	}
	return v.LoadHistory(ctx, partnerID)
}

// LoadHistory fetches the concurrency history of one partner.
func (v *View) LoadHistory(ctx context.Context, partnerID string) error {
	gen := v.currentGeneration()
	entries, err := v.backend.PartnerHistory(ctx, partnerID, 20)

	v.mu.Lock()
	if !v.mounted || gen != v.generation {
		v.mu.Unlock()
		return nil
	}
	if err != nil {
		v.notifyLocked(err)
	} else {
		v.historyPartner = partnerID
		v.history = entries
	}
	v.mu.Unlock()
	v.changed()
	return err
}

// Render builds the model from the current store contents and settings.
func (v *View) Render() Model {
	v.mu.Lock()
	m := Model{
		Notifications:  append([]Notification(nil), v.notifications...),
		LastRefresh:    v.lastRefresh,
		AutoRefresh:    v.settings.AutoRefreshEnabled(),
		Interval:       v.settings.RefreshInterval(),
		HistoryPartner: v.historyPartner,
		History:        append([]core.ConcurrencyHistoryEntry(nil), v.history...),
	}
	th := health.ThresholdsFromSettings(v.settings)
	opts := aggregate.Options{Now: v.now(), StalenessWindow: v.settings.StalenessWindow()}
	v.mu.Unlock()

	entries := v.store.All()
	partners := make([]core.Partner, 0, len(entries))
	snaps := make(map[string]*core.Snapshot, len(entries))
	for _, e := range entries {
		partners = append(partners, e.Partner)
		row := Row{Partner: e.Partner, Bucket: aggregate.BucketOf(e.Snapshot, th, opts)}
		if e.Snapshot != nil {
			snaps[e.Partner.ID] = e.Snapshot
			row.Level, row.Message = health.Classify(*e.Snapshot, th)
			if !e.Snapshot.Failed() {
				row.Snapshot = e.Snapshot
			}
		}
		m.Rows = append(m.Rows, row)
	}
	m.Summary = aggregate.Summarize(partners, snaps, th, opts)
	m.Editor = v.editor.State()
	return m
}

// DrainNotifications returns and clears the pending notifications.
func (v *View) DrainNotifications() []Notification {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.notifications
	v.notifications = nil
	return out
}

func (v *View) notifyLocked(err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown {
		kind = apperr.KindTransientFetch
	}
	v.notifications = append(v.notifications, Notification{Kind: kind, Message: err.Error(), At: v.now()})
	if len(v.notifications) > maxNotifications {
		v.notifications = v.notifications[len(v.notifications)-maxNotifications:]
	}
	v.logger.Warn("Dashboard notification", zap.String("kind", kind.String()), zap.Error(err))

	if kind == apperr.KindAuth && v.onAuthError != nil {
		go v.onAuthError()
	}
}

func (v *View) changed() {
	v.mu.Lock()
	fn, mounted := v.onChange, v.mounted
	v.mu.Unlock()
	if fn == nil || !mounted {
		return
	}
	fn(v.Render())
}
