package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/crm"
	"github.com/zapdesk/zapdesk/internal/lifecycle"
	"github.com/zapdesk/zapdesk/internal/model"
	"github.com/zapdesk/zapdesk/internal/send"
	"github.com/zapdesk/zapdesk/internal/store"
)

// mockBackend implements both the engine transport and the send transport
// so one fake stands in for the whole CRM API.
type mockBackend struct {
	mu       sync.Mutex
	list     map[string][]model.Message
	sendErr  error
	sent     []string
	markRead []string
}

func newMockBackend() *mockBackend {
	return &mockBackend{list: make(map[string][]model.Message)}
}

func (m *mockBackend) setList(key string, msgs []model.Message) {
	m.mu.Lock()
	m.list[key] = msgs
	m.mu.Unlock()
}

func (m *mockBackend) ListMessages(_ context.Context, key string, _ crm.Page) (*crm.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &crm.ListResult{Messages: append([]model.Message(nil), m.list[key]...)}, nil
}

func (m *mockBackend) MarkRead(_ context.Context, serverID string) error {
	m.mu.Lock()
	m.markRead = append(m.markRead, serverID)
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) wasMarkedRead(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, got := range m.markRead {
		if got == id {
			return true
		}
	}
	return false
}

func (m *mockBackend) NotificationThresholds(context.Context) (model.NotificationConfig, error) {
	return model.DefaultNotificationConfig(), nil
}

func (m *mockBackend) SendText(_ context.Context, key, body string) (*crm.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, body)
	return &crm.SendResult{CorrelationID: "wamid.123", Status: lifecycle.Sent}, nil
}

func (m *mockBackend) SendMedia(_ context.Context, key, body, mediaPath, _ string) (*crm.SendResult, error) {
	return m.SendText(nil, key, body)
}

func testEngine(t *testing.T, backend *mockBackend) *Engine {
	return testEngineWithDB(t, backend, nil)
}

func testEngineWithDB(t *testing.T, backend *mockBackend, db *store.DB) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.PollIntervalMs = 3_600_000 // keep the test in control of fetches
	cfg.MinFetchGapMs = 0
	cfg.DraftDebounceMs = 10

	b := bus.New()
	pipeline := send.NewPipeline(backend, db, b, nil)
	e := New(cfg, backend, pipeline, db, b, nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOptimisticSendReconcilesToServerRecord(t *testing.T) {
	backend := newMockBackend()
	e := testEngine(t, backend)
	e.SwitchConversation("5511999999999", "")

	if !e.Submit("olá", "", "") {
		t.Fatal("Submit rejected with nothing in flight")
	}

	// The placeholder is visible immediately, before any network verdict.
	msgs := e.VisibleMessages()
	if len(msgs) != 1 || !msgs[0].ID.Local() {
		t.Fatalf("after submit: %+v", msgs)
	}
	localID := msgs[0].ID.Value()

	// Ack arrives: same visible id, status advances, correlation recorded.
	waitFor(t, "ack to land", func() bool {
		m := e.VisibleMessages()
		return len(m) == 1 && m[0].Status == lifecycle.Sent
	})
	msgs = e.VisibleMessages()
	if msgs[0].ID.Value() != localID {
		t.Errorf("visible id changed on ack: %q -> %q", localID, msgs[0].ID.Value())
	}
	if msgs[0].CorrelationID != "wamid.123" {
		t.Errorf("correlation id = %q", msgs[0].CorrelationID)
	}

	// The server now echoes the send; reconciliation collapses placeholder
	// and echo into the single authoritative record.
	backend.setList("5511999999999", []model.Message{{
		ID:              model.ServerID("wamid.123"),
		ConversationKey: "5511999999999",
		Direction:       model.Outbound,
		Status:          lifecycle.Delivered,
		Body:            "olá",
		CorrelationID:   "wamid.123",
		CreatedAt:       time.Now(),
	}})
	e.refresh(context.Background(), "5511999999999")

	msgs = e.VisibleMessages()
	if len(msgs) != 1 {
		t.Fatalf("after reconcile: %d messages, want 1", len(msgs))
	}
	if msgs[0].ID.Local() || msgs[0].ID.Value() != "wamid.123" {
		t.Errorf("message not resolved to server record: %+v", msgs[0])
	}
	if msgs[0].Status != lifecycle.Delivered {
		t.Errorf("status = %v, want delivered", msgs[0].Status)
	}
}

func TestFailedSendRollsBackAndRestoresDraft(t *testing.T) {
	backend := newMockBackend()
	backend.sendErr = fmt.Errorf("gateway timeout")
	e := testEngine(t, backend)
	e.SwitchConversation("5511999999999", "")

	if !e.Submit("Olá", "", "") {
		t.Fatal("Submit rejected")
	}

	waitFor(t, "rollback", func() bool {
		return len(e.VisibleMessages()) == 0
	})
	if got := e.Draft(); got != "Olá" {
		t.Errorf("draft = %q, want the failed content restored", got)
	}

	// The user can send again after fixing the problem.
	backend.mu.Lock()
	backend.sendErr = nil
	backend.mu.Unlock()
	if !e.Submit("Olá", "", "") {
		t.Error("Submit after failure rejected, in-flight slot leaked")
	}
}

func TestStaleResponseForLeftConversationIsDiscarded(t *testing.T) {
	backend := newMockBackend()
	backend.setList("B", []model.Message{{
		ID:              model.ServerID("s1"),
		ConversationKey: "B",
		Direction:       model.Inbound,
		Body:            "late reply",
		CreatedAt:       time.Now(),
	}})
	e := testEngine(t, backend)
	e.SwitchConversation("A", "")

	// A response for B lands while A is active: it must not commit.
	e.refresh(context.Background(), "B")

	e.mu.RLock()
	stale := len(e.conversations["B"])
	e.mu.RUnlock()
	if stale != 0 {
		t.Errorf("stale response committed %d messages for an inactive conversation", stale)
	}
}

func TestSwitchFlushesOutgoingDraft(t *testing.T) {
	backend := newMockBackend()
	e := testEngine(t, backend)

	e.SwitchConversation("A", "")
	restored := e.SwitchConversation("B", "meio digitado")
	if restored != "" {
		t.Errorf("draft for B = %q, want empty", restored)
	}

	// Coming back to A returns what was being typed when the user left.
	if restored := e.SwitchConversation("A", ""); restored != "meio digitado" {
		t.Errorf("draft for A = %q, want flushed input", restored)
	}
}

func TestSubmitClearsDraft(t *testing.T) {
	backend := newMockBackend()
	e := testEngine(t, backend)
	e.SwitchConversation("A", "")

	e.SetDraftInput("olá")
	waitFor(t, "debounce", func() bool { return e.Draft() == "olá" })

	e.Submit("olá", "", "")
	if got := e.Draft(); got != "" {
		t.Errorf("draft after submit = %q, want cleared", got)
	}
}

func TestDoubleSubmitIsIdempotent(t *testing.T) {
	backend := newMockBackend()
	e := testEngine(t, backend)
	e.SwitchConversation("A", "")

	if !e.Submit("one", "", "") {
		t.Fatal("first Submit rejected")
	}
	// A second click before the verdict must not create a second placeholder.
	e.Submit("one", "", "")

	waitFor(t, "verdict", func() bool {
		m := e.VisibleMessages()
		return len(m) == 1 && m[0].Status == lifecycle.Sent
	})
	if n := len(e.VisibleMessages()); n != 1 {
		t.Errorf("%d messages after double submit, want 1", n)
	}
}

func TestStartRecoversInterruptedSends(t *testing.T) {
	db := testDB(t)
	if err := db.QueueOutbox("l1", "5511999999999", "não chegou a sair", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("l1"); err != nil {
		t.Fatal(err)
	}

	// A new engine over the same database stands in for a process restart.
	e := testEngineWithDB(t, newMockBackend(), db)

	restored := e.SwitchConversation("5511999999999", "")
	if restored != "não chegou a sair" {
		t.Errorf("draft = %q, want the interrupted send's content restored", restored)
	}

	msgs := e.VisibleMessages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want the recovered placeholder", len(msgs))
	}
	if msgs[0].Status != lifecycle.Failed || msgs[0].FailureReason == "" {
		t.Errorf("recovered placeholder = %+v, want failed with reason", msgs[0])
	}

	// The journal is drained: a second restart recovers nothing.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending journal entries after recovery, want 0", len(pending))
	}
}

func TestSwitchMarksInboundRead(t *testing.T) {
	backend := newMockBackend()
	e := testEngine(t, backend)

	e.SwitchConversation("A", "")
	backend.setList("A", []model.Message{{
		ID:              model.ServerID("s1"),
		ConversationKey: "A",
		Direction:       model.Inbound,
		Body:            "oi",
		CreatedAt:       time.Now(),
	}})
	e.refresh(context.Background(), "A")

	// Re-entering the conversation reports the unread message as seen.
	e.SwitchConversation("B", "")
	e.SwitchConversation("A", "")

	waitFor(t, "mark read", func() bool { return backend.wasMarkedRead("s1") })
}

func TestMergeMarksNewInboundReadWhileOpen(t *testing.T) {
	backend := newMockBackend()
	e := testEngine(t, backend)
	e.SwitchConversation("A", "")

	// The message arrives after the switch; the open conversation still
	// reports it as seen, exactly once.
	backend.setList("A", []model.Message{{
		ID:              model.ServerID("s1"),
		ConversationKey: "A",
		Direction:       model.Inbound,
		Body:            "oi",
		CreatedAt:       time.Now(),
	}})
	e.refresh(context.Background(), "A")

	waitFor(t, "mark read after merge", func() bool { return backend.wasMarkedRead("s1") })

	// Another merge before the server echoes read_at must not re-send.
	e.refresh(context.Background(), "A")
	time.Sleep(50 * time.Millisecond)
	backend.mu.Lock()
	calls := len(backend.markRead)
	backend.mu.Unlock()
	if calls != 1 {
		t.Errorf("MarkRead called %d times for one message, want 1", calls)
	}
}
