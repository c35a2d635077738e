// Package crm is the REST transport to the CRM messaging backend. It is the
// only component that talks to the network; everything above it consumes
// narrow interfaces.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/lifecycle"
	"github.com/zapdesk/zapdesk/internal/model"
	"go.uber.org/zap"
)

// ErrPermissionDenied marks a 403 from the backend. Callers must not
// loop-retry it.
var ErrPermissionDenied = errors.New("permission denied")

// Client talks to the CRM messaging API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *zap.Logger

	listTimeout  time.Duration
	sendTimeout  time.Duration
	mediaTimeout time.Duration
}

// NewClient creates a CRM API client from config.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL:      cfg.APIBaseURL,
		token:        cfg.APIToken,
		httpc:        &http.Client{},
		logger:       logger,
		listTimeout:  cfg.ListTimeout(),
		sendTimeout:  cfg.SendTimeout(),
		mediaTimeout: cfg.MediaSendTimeout(),
	}
}

// ListMessages fetches an authoritative snapshot of a conversation. Poll
// callers rely on the short deadline to fail fast and retry on the next tick.
func (c *Client) ListMessages(ctx context.Context, key string, page Page) (*ListResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("phone", key)
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		q.Set("offset", strconv.Itoa(page.Offset))
	}

	var resp listResponse
	if err := c.getJSON(ctx, "/messages?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	result := &ListResult{Total: resp.Total}
	for _, dto := range resp.Messages {
		result.Messages = append(result.Messages, dto.toModel())
	}
	return result, nil
}

// SendText sends a text-only message.
func (c *Client) SendText(ctx context.Context, key, body string) (*SendResult, error) {
	return c.send(ctx, c.sendTimeout, map[string]any{
		"phone": key,
		"body":  body,
	})
}

// SendMedia sends a message with an attachment. Uses a longer deadline to
// accommodate upload latency.
func (c *Client) SendMedia(ctx context.Context, key, body, mediaPath, mimeType string) (*SendResult, error) {
	return c.send(ctx, c.mediaTimeout, map[string]any{
		"phone":     key,
		"body":      body,
		"media_url": mediaPath,
		"mime_type": mimeType,
	})
}

func (c *Client) send(ctx context.Context, timeout time.Duration, payload map[string]any) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/send", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp sendResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &SendResult{
		CorrelationID: resp.CorrelationID,
		Status:        lifecycle.State(resp.Status),
	}, nil
}

// MarkRead marks a message read on the backend. Fire-and-forget: failures
// are logged by the caller, never retried here.
func (c *Client) MarkRead(ctx context.Context, serverID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/messages/"+url.PathEscape(serverID)+"/read", nil)
	if err != nil {
		return fmt.Errorf("create mark-read request: %w", err)
	}
	return c.do(req, nil)
}

// NotificationThresholds fetches the SLA threshold configuration. A 404 is
// not a failure: the documented defaults apply.
func (c *Client) NotificationThresholds(ctx context.Context) (model.NotificationConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	var resp thresholdsResponse
	err := c.getJSON(ctx, "/settings/notification-thresholds", &resp)
	if errors.Is(err, errNotFound) {
		return model.DefaultNotificationConfig(), nil
	}
	if err != nil {
		return model.NotificationConfig{}, err
	}
	return model.NotificationConfig{
		Active:   resp.Active,
		OnTime:   resp.OnTime,
		Delayed:  resp.Delayed,
		Critical: resp.Critical,
	}, nil
}

// UnreadInbound fetches unread inbound messages across all conversations
// for the active tenant.
func (c *Client) UnreadInbound(ctx context.Context, tenant string) ([]model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("tenant", tenant)

	var resp listResponse
	if err := c.getJSON(ctx, "/messages/unread?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	var msgs []model.Message
	for _, dto := range resp.Messages {
		msgs = append(msgs, dto.toModel())
	}
	return msgs, nil
}

var errNotFound = errors.New("not found")

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrPermissionDenied)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, errNotFound)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
