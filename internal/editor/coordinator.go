// Package editor coordinates the dashboard's quick-edit of a partner's
// concurrency limit. At most one partner is edited at a time.
package editor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/leozw/partner-guardian/internal/apperr"
	"github.com/leozw/partner-guardian/internal/core"
)

type Phase int

const (
	Viewing Phase = iota
	Editing
	Submitting
)

func (p Phase) String() string {
	switch p {
	case Editing:
		return "editing"
	case Submitting:
		return "submitting"
	default:
		return "viewing"
	}
}

// State is a snapshot of the coordinator. PartnerID and Value are empty while
// Viewing.
type State struct {
	Phase     Phase
	PartnerID string
	Original  int
	Value     string
	Err       error
}

// Backend carries a limit change to the server.
type Backend interface {
	UpdateConcurrency(ctx context.Context, partnerID string, update core.ConcurrencyUpdate) (*core.ConcurrencyResult, error)
}

// RefetchFunc reloads the dashboard after a successful change. The coordinator
// never patches local state with its own value.
type RefetchFunc func(ctx context.Context) error

var ErrSubmitInFlight = errors.New("a concurrency change is already being submitted")

type Coordinator struct {
	mu       sync.Mutex
	state    State
	backend  Backend
	refetch  RefetchFunc
	onChange func(State)
}

func NewCoordinator(backend Backend, refetch RefetchFunc) *Coordinator {
	return &Coordinator{backend: backend, refetch: refetch}
}

// OnChange registers a callback invoked after every transition.
func (c *Coordinator) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin starts editing partnerID with currentLimit as the initial value. Any
// unsaved edit of another partner is discarded.
func (c *Coordinator) Begin(partnerID string, currentLimit int) error {
	c.mu.Lock()
	if c.state.Phase == Submitting {
		c.mu.Unlock()
		return ErrSubmitInFlight
	}
	c.state = State{
		Phase:     Editing,
		PartnerID: partnerID,
		Original:  currentLimit,
		Value:     strconv.Itoa(currentLimit),
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// SetValue updates the field while Editing; it is ignored otherwise.
func (c *Coordinator) SetValue(v string) {
	c.mu.Lock()
	if c.state.Phase != Editing {
		c.mu.Unlock()
		return
	}
	c.state.Value = v
	c.mu.Unlock()
	c.notify()
}

// Cancel discards the edit without contacting the server.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.state.Phase != Editing {
		c.mu.Unlock()
		return
	}
	c.state = State{}
	c.mu.Unlock()
	c.notify()
}

// Submit validates the entered value and sends it with the optional reason.
// Invalid input returns a validation error and stays in Editing.
// A server failure returns to Editing with the entered value kept.
func (c *Coordinator) Submit(ctx context.Context, reason string) error {
	c.mu.Lock()
	switch c.state.Phase {
	case Viewing:
		c.mu.Unlock()
		return apperr.Validation("submit concurrency", "no partner is being edited")
	case Submitting:
		c.mu.Unlock()
		return ErrSubmitInFlight
	}

	limit, err := ParseLimit(c.state.Value)
	if err != nil {
		c.state.Err = err
		c.mu.Unlock()
		c.notify()
		return err
	}

	partnerID := c.state.PartnerID
	c.state.Phase = Submitting
	c.state.Err = nil
	c.mu.Unlock()
	c.notify()

	update := core.ConcurrencyUpdate{NewLimit: limit}
	if r := strings.TrimSpace(reason); r != "" {
		update.Reason = &r
	}

	if _, err := c.backend.UpdateConcurrency(ctx, partnerID, update); err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.New(apperr.KindWriteFailure, "update concurrency", err)
		}
		c.mu.Lock()
		c.state.Phase = Editing
		c.state.Err = err
		c.mu.Unlock()
		c.notify()
		return err
	}

	var refetchErr error
	if c.refetch != nil {
		refetchErr = c.refetch(ctx)
	}

	c.mu.Lock()
	c.state = State{}
	c.mu.Unlock()
	c.notify()
	return refetchErr
}

// ParseLimit accepts an integer in [1, 100].
func ParseLimit(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, apperr.Validation("validate concurrency", "concurrency limit must be a whole number")
	}
	if !core.ValidConcurrencyLimit(n) {
		return 0, apperr.Validation("validate concurrency", "concurrency limit must be between %d and %d",
			core.MinConcurrencyLimit, core.MaxConcurrencyLimit)
	}
	return n, nil
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fn, st := c.onChange, c.state
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s State) String() string {
	if s.Phase == Viewing {
		return "viewing"
	}
	return fmt.Sprintf("%s %s=%s", s.Phase, s.PartnerID, s.Value)
}
