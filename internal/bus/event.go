package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used across the engine:
//
//	message.upserted       — a conversation's visible set changed
//	message.send_ack       — transport confirmed an outbound send
//	message.send_failed    — an outbound send failed, placeholder rolled back
//	conversation.switched  — the active conversation changed
//	draft.restored         — failed send content returned to the input
//	lifecycle.changed      — a placeholder moved through its delivery states
//	notify.inbound         — unread inbound message seen off-surface
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
