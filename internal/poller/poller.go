// Package poller drives periodic dashboard refreshes with an out-of-band
// "refresh now" signal that runs through the same handler as the timer.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

// RefreshFunc performs one refresh. Ticks are not serialized: a manual refresh
// may run while a timer refresh is still in flight.
type RefreshFunc func(ctx context.Context, trigger Trigger)

type Poller struct {
	refresh RefreshFunc
	logger  *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	stopLoop context.CancelFunc
	loopDone chan struct{}
	interval time.Duration
	enabled  bool

	activeTimers int32
	inflight     sync.WaitGroup
}

func New(refresh RefreshFunc, logger *zap.Logger) *Poller {
	return &Poller{refresh: refresh, logger: logger}
}

// Start mounts the poller. Refreshes run under ctx; cancelling it is
// equivalent to Stop. The timer only runs when enabled is true.
func (p *Poller) Start(ctx context.Context, interval time.Duration, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.ctx = ctx
	p.interval = interval
	p.enabled = enabled
	p.startLocked()
}

// Reset tears the timer down and re-establishes it with new parameters.
func (p *Poller) Reset(interval time.Duration, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return
	}
	if interval == p.interval && enabled == p.enabled && p.loopDone != nil {
		return
	}
	p.stopLocked()
	p.interval = interval
	p.enabled = enabled
	p.startLocked()
}

// Stop unmounts the poller. In-flight refreshes are left to finish; their
// owner decides whether to discard the results.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.ctx = nil
}

// RefreshNow fires a manual refresh. It is a no-op when not mounted.
func (p *Poller) RefreshNow() bool {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return false
	}
	p.fire(ctx, TriggerManual)
	return true
}

// ActiveTimers reports how many timer loops are running; it is at most one.
func (p *Poller) ActiveTimers() int {
	return int(atomic.LoadInt32(&p.activeTimers))
}

// Wait blocks until every refresh started so far has returned.
func (p *Poller) Wait() {
	p.inflight.Wait()
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Poller) startLocked() {
	if !p.enabled || p.interval <= 0 || p.ctx == nil {
		return
	}
	loopCtx, cancel := context.WithCancel(p.ctx)
	done := make(chan struct{})
	p.stopLoop = cancel
	p.loopDone = done

	atomic.AddInt32(&p.activeTimers, 1)
	go p.loop(loopCtx, p.ctx, p.interval, done)

	p.logger.Debug("Poller started", zap.Duration("interval", p.interval))
}

func (p *Poller) stopLocked() {
	if p.stopLoop == nil {
		return
	}
	p.stopLoop()
	<-p.loopDone
	p.stopLoop = nil
	p.loopDone = nil
	p.logger.Debug("Poller stopped")
}

func (p *Poller) loop(loopCtx, refreshCtx context.Context, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		atomic.AddInt32(&p.activeTimers, -1)
		close(done)
	}()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			p.fire(refreshCtx, TriggerTimer)
		}
	}
}

func (p *Poller) fire(ctx context.Context, trigger Trigger) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.refresh(ctx, trigger)
	}()
}
