// Package poll schedules visibility-aware, cancellation-safe periodic
// fetches. Polling (not push) is deliberate: every tick re-checks the
// world before spending a network round trip.
package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fetch performs one refresh for a conversation. Implementations are
// expected to honor ctx cancellation and to treat it as silent.
type Fetch func(ctx context.Context, key string)

// Poller drives a Fetch on a fixed interval. Every tick first checks
// visibility, whether the polled conversation is still displayed, and a
// minimum-gap throttle so a visibility-regain wake and a timer tick cannot
// both fetch within a short window. Issuing a fetch cancels any outstanding
// previous one.
type Poller struct {
	interval time.Duration
	minGap   time.Duration
	visible  func() bool
	active   func(key string) bool
	fetch    Fetch
	logger   *zap.Logger

	mu          sync.Mutex
	cancelLoop  context.CancelFunc
	cancelFetch context.CancelFunc
	lastFetch   time.Time
	wakeCh      chan struct{}
}

// New creates a poller. visible and active may be nil, meaning always
// visible / always active.
func New(interval, minGap time.Duration, visible func() bool, active func(string) bool, fetch Fetch, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		interval: interval,
		minGap:   minGap,
		visible:  visible,
		active:   active,
		fetch:    fetch,
		logger:   logger,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start begins polling for the given conversation. A previous loop, if any,
// is stopped first. An immediate fetch is attempted before the first tick.
func (p *Poller) Start(ctx context.Context, key string) {
	p.Stop()

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelLoop = cancel
	// The throttle guards against redundant fetches of the same target; a
	// fresh Start polls something new and must not inherit the old clock.
	p.lastFetch = time.Time{}
	p.mu.Unlock()

	go p.loop(ctx, key)
	p.Wake()
}

// Stop halts the loop and cancels any outstanding fetch.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelLoop != nil {
		p.cancelLoop()
		p.cancelLoop = nil
	}
	if p.cancelFetch != nil {
		p.cancelFetch()
		p.cancelFetch = nil
	}
}

// Wake requests an immediate fetch, subject to the same gating as a tick.
// Called on visibility regain and after sends to pull confirmations sooner.
func (p *Poller) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context, key string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx, key)
		case <-p.wakeCh:
			p.tick(ctx, key)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) tick(ctx context.Context, key string) {
	if p.visible != nil && !p.visible() {
		return
	}
	if p.active != nil && !p.active(key) {
		p.logger.Debug("skipping poll for inactive conversation", zap.String("key", key))
		return
	}

	p.mu.Lock()
	if time.Since(p.lastFetch) < p.minGap {
		p.mu.Unlock()
		return
	}
	p.lastFetch = time.Now()
	// A newer fetch invalidates any earlier one still outstanding, so a
	// stale response can never overwrite fresher state.
	if p.cancelFetch != nil {
		p.cancelFetch()
	}
	fctx, cancel := context.WithCancel(ctx)
	p.cancelFetch = cancel
	p.mu.Unlock()

	go func() {
		defer cancel()
		p.fetch(fctx, key)
	}()
}
