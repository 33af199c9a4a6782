package editor

import (
	"context"
	"errors"
	"testing"

	"github.com/leozw/partner-guardian/internal/apperr"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	calls   []core.ConcurrencyUpdate
	err     error
	onCall  func()
	partner []string
}

func (f *fakeBackend) UpdateConcurrency(_ context.Context, partnerID string, update core.ConcurrencyUpdate) (*core.ConcurrencyResult, error) {
	f.calls = append(f.calls, update)
	f.partner = append(f.partner, partnerID)
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &core.ConcurrencyResult{Success: true}, nil
}

func TestSubmitRejectsOutOfRangeWithoutNetworkCall(t *testing.T) {
	tests := map[string]string{
		"above max":   "150",
		"zero":        "0",
		"negative":    "-3",
		"not integer": "12.5",
		"text":        "lots",
	}

	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			backend := &fakeBackend{}
			c := NewCoordinator(backend, nil)
			require.NoError(t, c.Begin("p1", 10))
			c.SetValue(value)

			err := c.Submit(context.Background(), "")
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Empty(t, backend.calls)

			st := c.State()
			assert.Equal(t, Editing, st.Phase)
			assert.Equal(t, value, st.Value)
		})
	}
}

func TestSubmitFailureKeepsEnteredValue(t *testing.T) {
	backend := &fakeBackend{err: errors.New("502 bad gateway")}
	refetched := false
	c := NewCoordinator(backend, func(context.Context) error {
		refetched = true
		return nil
	})
	require.NoError(t, c.Begin("p1", 10))
	c.SetValue("50")

	err := c.Submit(context.Background(), "peak hours")
	require.Error(t, err)
	assert.Equal(t, apperr.KindWriteFailure, apperr.KindOf(err))
	assert.False(t, refetched)

	st := c.State()
	assert.Equal(t, Editing, st.Phase)
	assert.Equal(t, "50", st.Value)
	assert.Equal(t, "p1", st.PartnerID)
	assert.Error(t, st.Err)
	require.Len(t, backend.calls, 1)
	assert.Equal(t, 50, backend.calls[0].NewLimit)
}

func TestSubmitSuccessRefetchesAndReturnsToViewing(t *testing.T) {
	backend := &fakeBackend{}
	var phaseDuringCall Phase
	var c *Coordinator
	backend.onCall = func() { phaseDuringCall = c.State().Phase }

	refetches := 0
	c = NewCoordinator(backend, func(context.Context) error {
		refetches++
		return nil
	})
	require.NoError(t, c.Begin("q", 10))
	c.SetValue("20")

	require.NoError(t, c.Submit(context.Background(), " capacity increase "))
	assert.Equal(t, Submitting, phaseDuringCall)
	assert.Equal(t, 1, refetches)
	assert.Equal(t, Viewing, c.State().Phase)

	require.Len(t, backend.calls, 1)
	assert.Equal(t, 20, backend.calls[0].NewLimit)
	require.NotNil(t, backend.calls[0].Reason)
	assert.Equal(t, "capacity increase", *backend.calls[0].Reason)
}

func TestBeginSwitchesTargetAndDiscardsUnsavedEdit(t *testing.T) {
	c := NewCoordinator(&fakeBackend{}, nil)
	require.NoError(t, c.Begin("a", 10))
	c.SetValue("99")
	require.NoError(t, c.Begin("b", 30))

	st := c.State()
	assert.Equal(t, "b", st.PartnerID)
	assert.Equal(t, "30", st.Value)
	assert.Equal(t, 30, st.Original)
}

func TestBeginRefusedWhileSubmitting(t *testing.T) {
	backend := &fakeBackend{}
	var c *Coordinator
	var beginErr error
	backend.onCall = func() { beginErr = c.Begin("other", 5) }
	c = NewCoordinator(backend, nil)

	require.NoError(t, c.Begin("a", 10))
	require.NoError(t, c.Submit(context.Background(), ""))
	assert.ErrorIs(t, beginErr, ErrSubmitInFlight)
}

func TestCancelMakesNoCall(t *testing.T) {
	backend := &fakeBackend{}
	var seen []Phase
	c := NewCoordinator(backend, nil)
	c.OnChange(func(s State) { seen = append(seen, s.Phase) })

	require.NoError(t, c.Begin("a", 10))
	c.SetValue("40")
	c.Cancel()

	assert.Equal(t, Viewing, c.State().Phase)
	assert.Empty(t, backend.calls)
	assert.Equal(t, []Phase{Editing, Editing, Viewing}, seen)
}

func TestSubmitWithoutEdit(t *testing.T) {
	c := NewCoordinator(&fakeBackend{}, nil)
	err := c.Submit(context.Background(), "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
