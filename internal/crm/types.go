package crm

import (
	"time"

	"github.com/zapdesk/zapdesk/internal/lifecycle"
	"github.com/zapdesk/zapdesk/internal/model"
)

// Page selects a window of a conversation's history.
type Page struct {
	Limit  int
	Offset int
}

// ListResult is an authoritative snapshot of a conversation.
type ListResult struct {
	Messages []model.Message
	Total    int
}

// SendResult is the backend's acknowledgement of an outbound send.
type SendResult struct {
	CorrelationID string
	Status        lifecycle.State
}

// messageDTO mirrors the backend's wire shape. All fields are optional on
// the wire; absent values decode to zero values and are treated as unknown.
type messageDTO struct {
	ID            string `json:"id"`
	Phone         string `json:"phone"`
	Direction     string `json:"direction"`
	Status        string `json:"status"`
	Body          string `json:"body"`
	MediaURL      string `json:"media_url"`
	MimeType      string `json:"mime_type"`
	ContactName   string `json:"contact_name"`
	CorrelationID string `json:"correlation_id"`
	CreatedAtMs   int64  `json:"created_at_unix_ms"`
	ReadAtMs      int64  `json:"read_at_unix_ms"`
}

type listResponse struct {
	Messages []messageDTO `json:"messages"`
	Total    int          `json:"total"`
}

type sendResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

type thresholdsResponse struct {
	Active   bool `json:"active"`
	OnTime   int  `json:"on_time_minutes"`
	Delayed  int  `json:"delayed_minutes"`
	Critical int  `json:"critical_minutes"`
}

func (d messageDTO) toModel() model.Message {
	m := model.Message{
		ID:              model.ServerID(d.ID),
		ConversationKey: d.Phone,
		Direction:       model.Inbound,
		Status:          lifecycle.State(d.Status),
		Body:            d.Body,
		MediaPath:       d.MediaURL,
		MimeType:        d.MimeType,
		ContactName:     d.ContactName,
		CorrelationID:   d.CorrelationID,
	}
	if d.Direction == string(model.Outbound) {
		m.Direction = model.Outbound
	}
	if d.CreatedAtMs > 0 {
		m.CreatedAt = time.UnixMilli(d.CreatedAtMs)
	}
	if d.ReadAtMs > 0 {
		m.ReadAt = time.UnixMilli(d.ReadAtMs)
	}
	return m
}
