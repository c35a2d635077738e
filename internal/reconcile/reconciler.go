// Package reconcile merges authoritative server snapshots with the local
// optimistic view of a conversation into one consistent, deduplicated,
// chronologically ordered set.
package reconcile

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zapdesk/zapdesk/internal/lifecycle"
	"github.com/zapdesk/zapdesk/internal/model"
	"go.uber.org/zap"
)

// Reconciler owns the merge of server snapshots into visible message sets.
// No other component mutates a visible set except the send pipeline's
// insert/removal of its own placeholders, which use a disjoint id namespace.
type Reconciler struct {
	maxUnconfirmedPolls int
	logger              *zap.Logger

	mu          sync.Mutex
	unconfirmed map[string]map[string]int // conversation key -> local id -> polls without a match
}

// New creates a reconciler. maxUnconfirmedPolls bounds how many merge cycles
// a sent-but-unmatched placeholder survives before it is surfaced as failed.
func New(maxUnconfirmedPolls int, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		maxUnconfirmedPolls: maxUnconfirmedPolls,
		logger:              logger,
		unconfirmed:         make(map[string]map[string]int),
	}
}

// Merge combines the current visible set for a conversation with a fresh
// server snapshot. Server-origin records win every conflict; placeholders
// are retained only until the server echoes their correlation id. The
// returned bool is false when the result is indistinguishable from current,
// so background merges can skip re-publishing.
func (r *Reconciler) Merge(key string, current, snapshot []model.Message) ([]model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counters := r.unconfirmed[key]
	if counters == nil {
		counters = make(map[string]int)
		r.unconfirmed[key] = counters
	}

	merged := make([]model.Message, 0, len(snapshot)+4)
	serverIDs := make(map[string]struct{}, len(snapshot))
	byCorrelation := make(map[string]int)

	for _, s := range snapshot {
		if s.ID.IsZero() {
			// Defensive: a record without an id can never be deduplicated.
			r.logger.Debug("dropping snapshot record without id",
				zap.String("conversation", s.ConversationKey))
			continue
		}
		if _, dup := serverIDs[s.ID.Value()]; dup {
			continue
		}
		serverIDs[s.ID.Value()] = struct{}{}
		if s.CorrelationID != "" {
			byCorrelation[s.CorrelationID] = len(merged)
		}
		merged = append(merged, s)
	}

	seen := make(map[string]struct{})
	for _, m := range current {
		if !m.ID.Local() {
			// Authoritative entries are re-sourced from the snapshot.
			continue
		}
		if m.CorrelationID != "" {
			if idx, ok := byCorrelation[m.CorrelationID]; ok {
				// The server caught up: its record supersedes the placeholder
				// entirely, including the id. Local-only metadata is kept when
				// the server has not resolved it yet.
				if merged[idx].ContactName == "" {
					merged[idx].ContactName = m.ContactName
				}
				delete(counters, m.ID.Value())
				continue
			}
		}

		keep := m
		if m.Status == lifecycle.Sent {
			// Store delivery is asynchronous; the placeholder may take several
			// polls to be echoed. It must never be retained indefinitely.
			counters[m.ID.Value()]++
			seen[m.ID.Value()] = struct{}{}
			if counters[m.ID.Value()] > r.maxUnconfirmedPolls {
				keep.Status = lifecycle.Failed
				keep.FailureReason = fmt.Sprintf("no server confirmation after %d polls", r.maxUnconfirmedPolls)
				r.logger.Warn("placeholder unconfirmed past bound",
					zap.String("local_id", m.ID.Value()),
					zap.String("correlation_id", m.CorrelationID))
			}
		}
		merged = append(merged, keep)
	}

	// Drop aging counters for placeholders this conversation no longer
	// tracks. Other conversations' counters are untouched: switching away
	// and back must not reset the aging clock.
	for id := range counters {
		if _, ok := seen[id]; !ok {
			delete(counters, id)
		}
	}
	if len(counters) == 0 {
		delete(r.unconfirmed, key)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	return merged, !equalVisible(current, merged)
}

// Forget clears the aging counter for a placeholder, e.g. after the send
// pipeline rolled it back.
func (r *Reconciler) Forget(key, localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if counters, ok := r.unconfirmed[key]; ok {
		delete(counters, localID)
		if len(counters) == 0 {
			delete(r.unconfirmed, key)
		}
	}
}

func equalVisible(a, b []model.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].ID.Equal(b[i].ID) ||
			a[i].Status != b[i].Status ||
			a[i].CorrelationID != b[i].CorrelationID ||
			a[i].ContactName != b[i].ContactName ||
			a[i].Body != b[i].Body ||
			a[i].FailureReason != b[i].FailureReason ||
			!a[i].ReadAt.Equal(b[i].ReadAt) ||
			!a[i].CreatedAt.Equal(b[i].CreatedAt) {
			return false
		}
	}
	return true
}
