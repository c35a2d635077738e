// Package engine composes the sync core: it owns the visible message sets,
// the active-conversation guard, the draft store, and the send pipeline,
// and exposes the surface the UI renders from.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/crm"
	"github.com/zapdesk/zapdesk/internal/draft"
	"github.com/zapdesk/zapdesk/internal/lifecycle"
	"github.com/zapdesk/zapdesk/internal/model"
	"github.com/zapdesk/zapdesk/internal/poll"
	"github.com/zapdesk/zapdesk/internal/reconcile"
	"github.com/zapdesk/zapdesk/internal/send"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/timestatus"
	"go.uber.org/zap"
)

// Transport is the slice of the CRM API the engine consumes directly.
type Transport interface {
	ListMessages(ctx context.Context, key string, page crm.Page) (*crm.ListResult, error)
	MarkRead(ctx context.Context, serverID string) error
	NotificationThresholds(ctx context.Context) (model.NotificationConfig, error)
}

// ackSettleDelay is how long after a send ack the engine waits before
// pulling a reconciliation fetch, giving the store time to echo the send.
const ackSettleDelay = 2 * time.Second

// Engine keeps a locally rendered conversation consistent with the CRM
// backend. All state commits pass the session guard twice so responses for
// a conversation the user left never land.
type Engine struct {
	cfg       *config.Config
	transport Transport
	pipeline  *send.Pipeline
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger

	guard  *reconcile.Guard
	rec    *reconcile.Reconciler
	drafts *draft.Store
	poller *poll.Poller

	visible  atomic.Bool
	surfaced atomic.Bool

	mu            sync.RWMutex
	conversations map[string][]model.Message
	notifCfg      model.NotificationConfig
	markedRead    map[string]struct{}

	runCtx context.Context
	cancel context.CancelFunc
}

// New creates the engine. Collaborators are wired by the daemon module.
func New(cfg *config.Config, transport Transport, pipeline *send.Pipeline, db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:           cfg,
		transport:     transport,
		pipeline:      pipeline,
		db:            db,
		bus:           b,
		logger:        logger,
		guard:         reconcile.NewGuard(),
		rec:           reconcile.New(cfg.MaxUnconfirmedPolls, logger),
		drafts:        draft.NewStore(cfg.DraftDebounce()),
		conversations: make(map[string][]model.Message),
		notifCfg:      model.DefaultNotificationConfig(),
		markedRead:    make(map[string]struct{}),
	}
	e.poller = poll.New(cfg.PollInterval(), cfg.MinFetchGap(),
		e.Visible, e.guard.StillActive, e.refresh, logger)
	e.visible.Store(true)
	return e
}

// Start loads the SLA thresholds and begins consuming send verdicts.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx, e.cancel = context.WithCancel(ctx)

	if cfg, err := e.transport.NotificationThresholds(e.runCtx); err != nil {
		e.logger.Warn("failed to load notification thresholds, using defaults", zap.Error(err))
	} else {
		e.mu.Lock()
		e.notifCfg = cfg
		e.mu.Unlock()
	}

	e.recoverOutbox()

	ch, unsub := e.bus.Subscribe("message.send_", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleSendVerdict(evt)
			case <-e.runCtx.Done():
				return
			}
		}
	}()
}

// Stop halts polling and cancels everything outstanding.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.poller.Stop()
	e.drafts.Close()
}

// SwitchConversation flushes the outgoing conversation's input into its
// draft, activates the new key, primes the view from the local cache, and
// starts polling. Returns the stored draft for the new conversation.
func (e *Engine) SwitchConversation(key, outgoingInput string) string {
	prev := e.guard.Activate(key)
	if prev != "" && prev != key {
		e.drafts.Flush(prev, outgoingInput)
	}

	e.mu.Lock()
	if _, ok := e.conversations[key]; !ok && e.db != nil {
		if cached, err := e.db.CachedConversation(key); err != nil {
			e.logger.Error("failed to load cached conversation", zap.Error(err), zap.String("key", key))
		} else if len(cached) > 0 {
			e.conversations[key] = cached
		}
	}
	e.mu.Unlock()

	e.bus.Publish(bus.Event{
		Kind:    "conversation.switched",
		Payload: map[string]string{"conversation_key": key, "previous": prev},
	})

	e.poller.Start(e.runCtx, key)
	e.markInboundRead(key)

	return e.drafts.Get(key)
}

// SetDraftInput records the current input text for the active conversation,
// debounced per keystroke.
func (e *Engine) SetDraftInput(text string) {
	if key := e.guard.Active(); key != "" {
		e.drafts.Set(key, text)
	}
}

// Draft returns the stored draft for the active conversation.
func (e *Engine) Draft() string {
	return e.drafts.Get(e.guard.Active())
}

// Submit starts an optimistic send for the active conversation. Returns
// false when nothing was submitted: no active conversation, empty payload,
// or a send already in flight (double-clicks are idempotent no-ops).
func (e *Engine) Submit(body, mediaPath, mimeType string) bool {
	key := e.guard.Active()
	if key == "" || (body == "" && mediaPath == "") {
		return false
	}

	hint := e.contactHint(key)
	ph := e.pipeline.Begin(key, body, mediaPath, mimeType, hint)
	if ph == nil {
		return false
	}

	e.mu.Lock()
	e.conversations[key] = append(append([]model.Message(nil), e.conversations[key]...), *ph)
	e.mu.Unlock()

	e.drafts.Clear(key)
	e.publishUpserted(key)

	go e.pipeline.Dispatch(e.runCtx, *ph)
	return true
}

// RetryFailedSend re-submits a failed outbound message. The surfaced failed
// placeholder is removed and a fresh send begins with the same content.
func (e *Engine) RetryFailedSend(localID string) bool {
	key := e.guard.Active()
	if key == "" {
		return false
	}

	var failed *model.Message
	e.mu.Lock()
	msgs := e.conversations[key]
	kept := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID.Local() && m.ID.Value() == localID && m.Status == lifecycle.Failed {
			ph := m
			failed = &ph
			continue
		}
		kept = append(kept, m)
	}
	if failed != nil {
		e.conversations[key] = kept
	}
	e.mu.Unlock()

	if failed == nil {
		if ph, ok := e.pipeline.LastFailed(key); ok {
			failed = &ph
		} else {
			return false
		}
	}
	e.rec.Forget(key, localID)

	return e.Submit(failed.Body, failed.MediaPath, failed.MimeType)
}

// VisibleMessages returns a copy of the active conversation's message set.
func (e *Engine) VisibleMessages() []model.Message {
	key := e.guard.Active()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.Message(nil), e.conversations[key]...)
}

// Aggregate returns the derived conversation view for the active key.
func (e *Engine) Aggregate() model.Conversation {
	key := e.guard.Active()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return model.Aggregate(key, e.conversations[key])
}

// TimeStatus classifies a message against the loaded SLA thresholds.
func (e *Engine) TimeStatus(m model.Message) timestatus.Status {
	e.mu.RLock()
	cfg := e.notifCfg
	e.mu.RUnlock()
	return timestatus.Classify(m, cfg, time.Now())
}

// ActiveConversation returns the current conversation key.
func (e *Engine) ActiveConversation() string {
	return e.guard.Active()
}

// SetVisible reflects page visibility. Regaining visibility triggers an
// immediate (throttled) fetch.
func (e *Engine) SetVisible(v bool) {
	was := e.visible.Swap(v)
	if v && !was {
		e.poller.Wake()
	}
}

// Visible reports page visibility.
func (e *Engine) Visible() bool { return e.visible.Load() }

// SetSurfaced reflects whether the conversation surface is displayed. The
// cross-page notifier gates on this.
func (e *Engine) SetSurfaced(v bool) { e.surfaced.Store(v) }

// Surfaced reports whether the conversation surface is displayed.
func (e *Engine) Surfaced() bool { return e.surfaced.Load() }

// refresh fetches an authoritative snapshot and merges it into the visible
// set. Both guard checkpoints are enforced here.
func (e *Engine) refresh(ctx context.Context, key string) {
	result, err := e.transport.ListMessages(ctx, key, crm.Page{Limit: 100})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// Superseded by a newer fetch or a conversation switch.
		case errors.Is(err, crm.ErrPermissionDenied):
			e.logger.Warn("conversation access forbidden, polling stopped", zap.String("key", key))
			e.bus.Publish(bus.Event{Kind: "error.permission", Payload: map[string]string{"conversation_key": key}})
			e.poller.Stop()
		default:
			e.logger.Debug("poll fetch failed, next tick will retry", zap.Error(err), zap.String("key", key))
		}
		return
	}

	// Checkpoint 1: the response may already be for a conversation the
	// user left.
	if !e.guard.StillActive(key) {
		return
	}

	e.mu.Lock()
	current := e.conversations[key]
	merged, changed := e.rec.Merge(key, current, result.Messages)

	// Checkpoint 2: the user may have switched during the merge.
	if !e.guard.StillActive(key) {
		e.mu.Unlock()
		return
	}
	if !changed {
		e.mu.Unlock()
		return
	}
	e.conversations[key] = merged
	e.mu.Unlock()

	if e.db != nil {
		if err := e.db.CacheConversation(key, merged); err != nil {
			e.logger.Error("failed to cache conversation", zap.Error(err), zap.String("key", key))
		}
		if err := e.db.UpdateCheckpoint("last_poll:"+key, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
			e.logger.Error("failed to update checkpoint", zap.Error(err))
		}
	}
	e.publishUpserted(key)
	e.markInboundRead(key)
}

func (e *Engine) handleSendVerdict(evt bus.Event) {
	switch evt.Kind {
	case "message.send_ack":
		ack, ok := evt.Payload.(send.Ack)
		if !ok {
			return
		}
		e.mu.Lock()
		msgs := e.conversations[ack.ConversationKey]
		for i := range msgs {
			if msgs[i].ID.Local() && msgs[i].ID.Value() == ack.LocalID {
				// The visible id stays: swapping it under the user's eyes
				// would be disruptive. Reconciliation replaces it later.
				msgs[i].Status = lifecycle.Sent
				msgs[i].CorrelationID = ack.CorrelationID
				break
			}
		}
		e.mu.Unlock()
		e.publishUpserted(ack.ConversationKey)

		time.AfterFunc(ackSettleDelay, func() {
			if e.guard.StillActive(ack.ConversationKey) {
				e.poller.Wake()
			}
		})

	case "message.send_failed":
		failure, ok := evt.Payload.(send.Failure)
		if !ok {
			return
		}
		ph := failure.Placeholder
		key := ph.ConversationKey

		e.mu.Lock()
		msgs := e.conversations[key]
		kept := make([]model.Message, 0, len(msgs))
		for _, m := range msgs {
			if m.ID.Equal(ph.ID) {
				continue
			}
			kept = append(kept, m)
		}
		e.conversations[key] = kept
		e.mu.Unlock()

		e.rec.Forget(key, ph.ID.Value())

		// Restore the content so no work is lost.
		e.drafts.Flush(key, ph.Body)
		e.bus.Publish(bus.Event{
			Kind:    "draft.restored",
			Payload: map[string]string{"conversation_key": key, "text": ph.Body},
		})
		e.publishUpserted(key)
	}
}

// recoverOutbox surfaces journaled sends that never got a verdict before
// the last shutdown. Each one is marked failed, shown as a failed
// placeholder, and has its content restored to the conversation draft, so
// a crash mid-send never loses what the user wrote.
func (e *Engine) recoverOutbox() {
	if e.db == nil {
		return
	}
	entries, err := e.db.PendingOutbox()
	if err != nil {
		e.logger.Error("failed to read outbox journal", zap.Error(err))
		return
	}

	for _, entry := range entries {
		const reason = "interrupted before a verdict"
		if err := e.db.MarkOutboxFailed(entry.LocalID, reason); err != nil {
			e.logger.Error("failed to mark journal entry failed", zap.Error(err),
				zap.String("local_id", entry.LocalID))
		}

		ph := model.Message{
			ID:              model.LocalID(entry.LocalID),
			ConversationKey: entry.ConversationKey,
			Direction:       model.Outbound,
			Status:          lifecycle.Failed,
			Body:            entry.Body,
			MediaPath:       entry.MediaPath,
			MimeType:        entry.MimeType,
			FailureReason:   reason,
			CreatedAt:       time.Now(),
		}

		e.mu.Lock()
		if _, ok := e.conversations[entry.ConversationKey]; !ok {
			if cached, err := e.db.CachedConversation(entry.ConversationKey); err != nil {
				e.logger.Error("failed to load cached conversation", zap.Error(err),
					zap.String("key", entry.ConversationKey))
			} else {
				e.conversations[entry.ConversationKey] = cached
			}
		}
		e.conversations[entry.ConversationKey] = append(e.conversations[entry.ConversationKey], ph)
		e.mu.Unlock()

		e.drafts.Flush(entry.ConversationKey, entry.Body)
		e.logger.Warn("recovered interrupted send",
			zap.String("local_id", entry.LocalID),
			zap.String("conversation", entry.ConversationKey))
		e.bus.Publish(bus.Event{
			Kind:    "draft.restored",
			Payload: map[string]string{"conversation_key": entry.ConversationKey, "text": entry.Body},
		})
		e.publishUpserted(entry.ConversationKey)
	}
}

// markInboundRead tells the backend the user saw the conversation's unread
// inbound messages. Runs on switch and again after each committed merge, so
// messages that arrive while the conversation is open are covered too.
// Fire-and-forget: failures are logged, never retried; the dedup set keeps a
// slow server echo from producing repeat calls.
func (e *Engine) markInboundRead(key string) {
	e.mu.Lock()
	var ids []string
	for _, m := range e.conversations[key] {
		if m.Direction == model.Inbound && !m.Read() && !m.ID.Local() {
			if _, done := e.markedRead[m.ID.Value()]; done {
				continue
			}
			e.markedRead[m.ID.Value()] = struct{}{}
			ids = append(ids, m.ID.Value())
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		go func(id string) {
			if err := e.transport.MarkRead(e.runCtx, id); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("mark read failed", zap.Error(err), zap.String("msg_id", id))
			}
		}(id)
	}
}

func (e *Engine) contactHint(key string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, m := range e.conversations[key] {
		if m.ContactName != "" {
			return m.ContactName
		}
	}
	return ""
}

func (e *Engine) publishUpserted(key string) {
	e.bus.Publish(bus.Event{
		Kind:    "message.upserted",
		Payload: map[string]string{"conversation_key": key},
	})
}
