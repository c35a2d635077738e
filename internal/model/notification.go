package model

// NotificationConfig holds the SLA thresholds, in minutes, used to classify
// how long an inbound message has waited without a reply. Owned by the CRM
// backend; read-only here.
type NotificationConfig struct {
	Active   bool
	OnTime   int
	Delayed  int
	Critical int
}

// DefaultNotificationConfig returns the documented fallback thresholds used
// when the backend has none configured.
func DefaultNotificationConfig() NotificationConfig {
	return NotificationConfig{Active: true, OnTime: 15, Delayed: 30, Critical: 60}
}

// Complete reports whether the thresholds form a usable ascending set.
func (c NotificationConfig) Complete() bool {
	return c.OnTime > 0 && c.Delayed > c.OnTime && c.Critical > c.Delayed
}
