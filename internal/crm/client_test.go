package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/model"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.APIBaseURL = srv.URL
	cfg.APIToken = "token-123"
	return NewClient(cfg, zap.NewNop())
}

func TestListMessages(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("phone"); got != "5511999999999" {
			t.Errorf("phone = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-123" {
			t.Errorf("authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(listResponse{
			Total: 2,
			Messages: []messageDTO{
				{ID: "s1", Phone: "5511999999999", Direction: "inbound", Body: "oi", CreatedAtMs: 1000},
				{ID: "s2", Phone: "5511999999999", Direction: "outbound", Body: "olá", CreatedAtMs: 2000, ReadAtMs: 3000},
			},
		})
	}))

	result, err := c.ListMessages(context.Background(), "5511999999999", Page{Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 2 || len(result.Messages) != 2 {
		t.Fatalf("total = %d, messages = %d", result.Total, len(result.Messages))
	}
	if result.Messages[0].Direction != model.Inbound || result.Messages[0].Read() {
		t.Errorf("first message should be unread inbound: %+v", result.Messages[0])
	}
	if result.Messages[1].Direction != model.Outbound || !result.Messages[1].Read() {
		t.Errorf("second message should be read outbound: %+v", result.Messages[1])
	}
	if result.Messages[0].ID.Local() {
		t.Error("server messages must carry server ids")
	}
}

func TestListMessagesToleratesSparsePayload(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Backend omits everything optional.
		_, _ = w.Write([]byte(`{"messages":[{"id":"s1"}]}`))
	}))

	result, err := c.ListMessages(context.Background(), "551", Page{})
	if err != nil {
		t.Fatal(err)
	}
	m := result.Messages[0]
	if m.ID.Value() != "s1" || m.Direction != model.Inbound || !m.CreatedAt.IsZero() {
		t.Errorf("sparse decode = %+v", m)
	}
}

func TestSendTextReturnsCorrelation(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["phone"] != "5511999999999" || payload["body"] != "olá" {
			t.Errorf("payload = %v", payload)
		}
		_ = json.NewEncoder(w).Encode(sendResponse{CorrelationID: "wamid.123", Status: "sent"})
	}))

	result, err := c.SendText(context.Background(), "5511999999999", "olá")
	if err != nil {
		t.Fatal(err)
	}
	if result.CorrelationID != "wamid.123" {
		t.Errorf("correlation id = %q", result.CorrelationID)
	}
}

func TestPermissionDenied(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.ListMessages(context.Background(), "551", Page{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestThresholds404FallsBackToDefaults(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	cfg, err := c.NotificationThresholds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := model.DefaultNotificationConfig()
	if cfg != want {
		t.Errorf("thresholds = %+v, want defaults %+v", cfg, want)
	}
}

func TestCancellationPropagates(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListMessages(ctx, "551", Page{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
