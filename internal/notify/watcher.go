// Package notify watches for unread inbound messages while the user is not
// on the conversation surface and emits deduplicated notification events.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/crm"
	"github.com/zapdesk/zapdesk/internal/model"
	"github.com/zapdesk/zapdesk/internal/poll"
	"github.com/zapdesk/zapdesk/internal/store"
	"go.uber.org/zap"
)

// Lister fetches unread inbound messages for a tenant.
type Lister interface {
	UnreadInbound(ctx context.Context, tenant string) ([]model.Message, error)
}

// Watcher polls for unread inbound messages independently of any mounted
// conversation view. Each message id is notified at most once per tenant.
type Watcher struct {
	lister    Lister
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
	poller    *poll.Poller
	onSurface func() bool
	allowed   func() bool
	prefs     func() config.NotificationPrefs

	mu     sync.Mutex
	tenant string
	seen   map[string]struct{}
	denied bool
}

// NewWatcher creates a cross-page notification watcher. visible gates on
// page visibility, onSurface on the conversation surface being displayed,
// allowed on the user's capability check.
func NewWatcher(
	lister Lister,
	db *store.DB,
	b *bus.Bus,
	cfg *config.Config,
	visible func() bool,
	onSurface func() bool,
	allowed func() bool,
	prefs func() config.NotificationPrefs,
	logger *zap.Logger,
) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		lister:    lister,
		db:        db,
		bus:       b,
		logger:    logger,
		onSurface: onSurface,
		allowed:   allowed,
		prefs:     prefs,
		tenant:    cfg.Tenant,
		seen:      make(map[string]struct{}),
	}
	w.poller = poll.New(cfg.NotifyInterval(), cfg.MinFetchGap(), visible, nil,
		func(ctx context.Context, _ string) { w.tick(ctx) }, logger)
	return w
}

// Start begins watching.
func (w *Watcher) Start(ctx context.Context) {
	w.poller.Start(ctx, "")
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.poller.Stop()
}

// ResetTenant switches the active tenant and clears the notified set, so
// ids from the previous tenant cannot suppress legitimate notifications.
func (w *Watcher) ResetTenant(tenant string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if tenant == w.tenant {
		return
	}
	w.tenant = tenant
	w.seen = make(map[string]struct{})
	w.denied = false
}

func (w *Watcher) tick(ctx context.Context) {
	if w.onSurface != nil && w.onSurface() {
		return
	}
	if w.allowed != nil && !w.allowed() {
		return
	}
	if w.prefs != nil {
		p := w.prefs()
		if !p.InApp && !p.Push {
			return
		}
	}

	w.mu.Lock()
	tenant := w.tenant
	denied := w.denied
	w.mu.Unlock()
	if denied {
		return
	}

	msgs, err := w.lister.UnreadInbound(ctx, tenant)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, crm.ErrPermissionDenied) {
			// Non-retryable: stop asking until the tenant context changes.
			w.logger.Warn("notification watch forbidden", zap.String("tenant", tenant))
			w.mu.Lock()
			w.denied = true
			w.mu.Unlock()
			return
		}
		w.logger.Debug("unread fetch failed, will retry next tick", zap.Error(err))
		return
	}

	for _, m := range msgs {
		if m.Direction != model.Inbound || m.Read() || m.ID.Local() || m.ID.IsZero() {
			continue
		}
		if w.alreadyNotified(tenant, m.ID.Value()) {
			continue
		}
		w.bus.Publish(bus.Event{
			Kind:      "notify.inbound",
			Timestamp: time.Now(),
			Payload:   m,
		})
		w.markNotified(tenant, m.ID.Value())
	}
}

func (w *Watcher) alreadyNotified(tenant, id string) bool {
	w.mu.Lock()
	_, ok := w.seen[id]
	w.mu.Unlock()
	if ok {
		return true
	}
	if w.db != nil {
		was, err := w.db.WasNotified(tenant, id)
		if err != nil {
			w.logger.Error("failed to check notified set", zap.Error(err))
			return false
		}
		return was
	}
	return false
}

func (w *Watcher) markNotified(tenant, id string) {
	w.mu.Lock()
	w.seen[id] = struct{}{}
	w.mu.Unlock()
	if w.db != nil {
		if err := w.db.MarkNotified(tenant, id); err != nil {
			w.logger.Error("failed to persist notified id", zap.Error(err))
		}
	}
}
