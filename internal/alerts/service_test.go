package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/db"
)

type fakeStore struct {
	mu     sync.Mutex
	alerts []*core.AlertLog
}

func (f *fakeStore) ActiveAlert(_ context.Context, partnerID string) (*core.AlertLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.alerts) - 1; i >= 0; i-- {
		if a := f.alerts[i]; a.PartnerID == partnerID && !a.IsResolved {
			return a, nil
		}
	}
	return nil, fmt.Errorf("alert: %w", db.ErrNotFound)
}

func (f *fakeStore) CreateAlert(_ context.Context, a *core.AlertLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.ID == id {
			a.IsResolved = true
			a.ResolvedAt = &at
		}
	}
	return nil
}

func (f *fakeStore) MarkAlertEmailed(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.ID == id {
			a.EmailSent = true
			a.LastEmailSentAt = &at
		}
	}
	return nil
}

func (f *fakeStore) LastAlertEmail(_ context.Context, partnerID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *time.Time
	for _, a := range f.alerts {
		if a.PartnerID == partnerID && a.LastEmailSentAt != nil && (last == nil || a.LastEmailSentAt.After(*last)) {
			last = a.LastEmailSentAt
		}
	}
	return last, nil
}

func (f *fakeStore) open() []*core.AlertLog {
	var out []*core.AlertLog
	for _, a := range f.alerts {
		if !a.IsResolved {
			out = append(out, a)
		}
	}
	return out
}

type fakeNotifier struct {
	sent []Notification
	err  error
}

func (f *fakeNotifier) SendAlert(_ context.Context, n Notification) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func snapshotAt(level core.AlertLevel) *core.Snapshot {
	msg := level.String() + " condition"
	return &core.Snapshot{AlertLevel: level, AlertMessage: &msg, QueuedCalls: 250}
}

func emailSettings() core.Settings {
	s := core.DefaultSettings()
	s[core.SettingEmailAlertsEnabled] = true
	s[core.SettingEmailRecipients] = []interface{}{"ops@example.com"}
	return s
}

func newTestService(store *fakeStore, notifier Notifier) (*Service, *time.Time) {
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(store, notifier, nil, zap.NewNop(), time.Hour)
	svc.now = func() time.Time { return clock }
	return svc, &clock
}

func TestEvaluateLifecycle(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(store, nil)
	p := &core.Partner{ID: "p1", Name: "Acme"}
	ctx := context.Background()
	settings := core.DefaultSettings()

	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertNormal), settings))
	assert.Empty(t, store.alerts, "healthy partner opens nothing")

	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertHigh), settings))
	require.Len(t, store.open(), 1)
	assert.Equal(t, core.AlertHigh, store.open()[0].AlertLevel)
	assert.Equal(t, "HIGH condition", store.open()[0].AlertMessage)

	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertHigh), settings))
	assert.Len(t, store.alerts, 1, "same level keeps the existing alert")

	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertMedium), settings))
	assert.Len(t, store.alerts, 2)
	require.Len(t, store.open(), 1)
	assert.Equal(t, core.AlertMedium, store.open()[0].AlertLevel)

	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertIdle), settings))
	assert.Empty(t, store.open())
}

func TestEvaluateErrorLevelOpensAlert(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(store, nil)
	p := &core.Partner{ID: "p1"}

	require.NoError(t, svc.Evaluate(context.Background(), p, &core.Snapshot{AlertLevel: core.AlertError}, core.DefaultSettings()))
	require.Len(t, store.open(), 1)
	assert.Equal(t, "Alert triggered", store.open()[0].AlertMessage)
}

func TestCriticalEmail(t *testing.T) {
	tests := map[string]struct {
		settings     core.Settings
		notifierErr  error
		expectedSent int
		expectedMark bool
	}{
		"sent when enabled": {
			settings:     emailSettings(),
			expectedSent: 1,
			expectedMark: true,
		},
		"disabled by setting": {
			settings: core.DefaultSettings(),
		},
		"no recipients": {
			settings: func() core.Settings {
				s := emailSettings()
				delete(s, core.SettingEmailRecipients)
				return s
			}(),
		},
		"delivery failure leaves alert unmarked": {
			settings:    emailSettings(),
			notifierErr: errors.New("smtp down"),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := &fakeStore{}
			notifier := &fakeNotifier{err: tc.notifierErr}
			svc, _ := newTestService(store, notifier)
			p := &core.Partner{ID: "p1", Name: "Acme"}

			require.NoError(t, svc.Evaluate(context.Background(), p, snapshotAt(core.AlertCritical), tc.settings))

			assert.Len(t, notifier.sent, tc.expectedSent)
			require.Len(t, store.alerts, 1)
			assert.Equal(t, tc.expectedMark, store.alerts[0].EmailSent)
		})
	}
}

func TestCriticalEmailThrottledPerPartner(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	svc, clock := newTestService(store, notifier)
	p := &core.Partner{ID: "p1", Name: "Acme"}
	ctx := context.Background()
	settings := emailSettings()

	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertCritical), settings))
	require.Len(t, notifier.sent, 1)

	// Bounce through HIGH so a new CRITICAL alert is opened.
	*clock = clock.Add(20 * time.Minute)
	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertHigh), settings))
	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertCritical), settings))
	assert.Len(t, notifier.sent, 1, "second email within the hour is suppressed")

	*clock = clock.Add(time.Hour)
	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertHigh), settings))
	require.NoError(t, svc.Evaluate(ctx, p, snapshotAt(core.AlertCritical), settings))
	assert.Len(t, notifier.sent, 2)
	assert.Equal(t, []string{"ops@example.com"}, notifier.sent[1].Recipients)
}

func TestRenderAlert(t *testing.T) {
	note := Notification{
		Partner:  &core.Partner{Name: "Acme <East>"},
		Snapshot: &core.Snapshot{AlertLevel: core.AlertCritical, QueuedCalls: 250, ActiveCalls: 2, UtilizationPercent: 20},
		Message:  "High queue (250) with low utilization (20.0%)",
	}

	subject, text, body := renderAlert("Partner Guardian", note)

	assert.Equal(t, "[Partner Guardian] CRITICAL Alert: Acme <East>", subject)
	assert.Contains(t, text, "- Queued Calls: 250")
	assert.Contains(t, text, "- Utilization: 20.0%")
	assert.Contains(t, body, "Acme &lt;East&gt;")
}
