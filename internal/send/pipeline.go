// Package send implements the optimistic outbound pipeline: a placeholder
// appears in the conversation immediately, then moves through its delivery
// lifecycle as the real send resolves.
package send

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/crm"
	"github.com/zapdesk/zapdesk/internal/lifecycle"
	"github.com/zapdesk/zapdesk/internal/model"
	"github.com/zapdesk/zapdesk/internal/store"
	"go.uber.org/zap"
)

// Transport performs the actual network send. The pipeline prevents
// double-invocation; the transport does not have to.
type Transport interface {
	SendText(ctx context.Context, key, body string) (*crm.SendResult, error)
	SendMedia(ctx context.Context, key, body, mediaPath, mimeType string) (*crm.SendResult, error)
}

// Ack is the payload of message.send_ack events.
type Ack struct {
	ConversationKey string
	LocalID         string
	CorrelationID   string
}

// Failure is the payload of message.send_failed events. The placeholder is
// carried whole so the content can be restored to the draft.
type Failure struct {
	Placeholder model.Message
	Reason      string
}

// Pipeline owns outbound sends. At most one send is in flight at a time; a
// second submit while one is outstanding is an idempotent no-op.
type Pipeline struct {
	transport Transport
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger

	mu         sync.Mutex
	inFlight   bool
	lastFailed map[string]model.Message // by conversation key
}

// NewPipeline creates a send pipeline.
func NewPipeline(transport Transport, db *store.DB, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		transport:  transport,
		db:         db,
		bus:        b,
		logger:     logger,
		lastFailed: make(map[string]model.Message),
	}
}

// Busy reports whether a send is currently outstanding.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Begin claims the in-flight slot and builds a fresh placeholder at the
// chronological tail. Returns nil when a send is already outstanding.
func (p *Pipeline) Begin(key, body, mediaPath, mimeType, contactName string) *model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight {
		return nil
	}
	p.inFlight = true
	return &model.Message{
		ID:              model.NewLocalID(),
		ConversationKey: key,
		Direction:       model.Outbound,
		Status:          lifecycle.Pending,
		Body:            body,
		MediaPath:       mediaPath,
		MimeType:        mimeType,
		ContactName:     contactName,
		CreatedAt:       time.Now(),
	}
}

// Dispatch journals the placeholder and performs the transport call,
// publishing message.send_ack or message.send_failed with the verdict.
// Must be called with a placeholder obtained from Begin.
func (p *Pipeline) Dispatch(ctx context.Context, ph model.Message) {
	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	localID := ph.ID.Value()
	if p.db != nil {
		if err := p.db.QueueOutbox(localID, ph.ConversationKey, ph.Body, ph.MediaPath, ph.MimeType); err != nil {
			p.logger.Error("failed to journal send", zap.Error(err), zap.String("local_id", localID))
		}
		if err := p.db.MarkOutboxSending(localID); err != nil {
			p.logger.Error("failed to mark sending", zap.Error(err), zap.String("local_id", localID))
		}
	}

	machine := lifecycle.NewMachine(localID, p.bus)

	var result *crm.SendResult
	var err error
	if ph.HasMedia() {
		result, err = p.transport.SendMedia(ctx, ph.ConversationKey, ph.Body, ph.MediaPath, ph.MimeType)
	} else {
		result, err = p.transport.SendText(ctx, ph.ConversationKey, ph.Body)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cancellation is not an error; no rollback event, no user noise.
			if p.db != nil {
				_ = p.db.MarkOutboxFailed(localID, "canceled")
			}
			return
		}
		p.logger.Error("send failed", zap.Error(err),
			zap.String("local_id", localID),
			zap.String("conversation", ph.ConversationKey))
		_ = machine.Transition(lifecycle.Failed)
		if p.db != nil {
			_ = p.db.MarkOutboxFailed(localID, err.Error())
		}
		p.mu.Lock()
		p.lastFailed[ph.ConversationKey] = ph
		p.mu.Unlock()
		p.bus.Publish(bus.Event{
			Kind:    "message.send_failed",
			Payload: Failure{Placeholder: ph, Reason: err.Error()},
		})
		return
	}

	_ = machine.Transition(lifecycle.Sent)
	if p.db != nil {
		if err := p.db.MarkOutboxSent(localID, result.CorrelationID); err != nil {
			p.logger.Error("failed to mark sent", zap.Error(err), zap.String("local_id", localID))
		}
	}
	p.mu.Lock()
	delete(p.lastFailed, ph.ConversationKey)
	p.mu.Unlock()

	p.logger.Info("message sent",
		zap.String("local_id", localID),
		zap.String("correlation_id", result.CorrelationID))
	p.bus.Publish(bus.Event{
		Kind: "message.send_ack",
		Payload: Ack{
			ConversationKey: ph.ConversationKey,
			LocalID:         localID,
			CorrelationID:   result.CorrelationID,
		},
	})
}

// LastFailed returns the most recent failed send for a conversation, if any.
func (p *Pipeline) LastFailed(key string) (model.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ph, ok := p.lastFailed[key]
	return ph, ok
}
