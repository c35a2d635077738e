package model

// Conversation is a derived aggregate over all messages sharing a
// conversation key. It is recomputed on every message-set change and never
// independently mutated.
type Conversation struct {
	Key         string
	LastMessage *Message
	UnreadCount int
	Total       int
}

// Aggregate computes the conversation view for a message set. Messages are
// expected to be sorted ascending by CreatedAt.
func Aggregate(key string, msgs []Message) Conversation {
	c := Conversation{Key: key, Total: len(msgs)}
	for i := range msgs {
		if msgs[i].Direction == Inbound && !msgs[i].Read() {
			c.UnreadCount++
		}
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		c.LastMessage = &last
	}
	return c
}
