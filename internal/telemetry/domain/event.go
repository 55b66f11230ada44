package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventLogin            EventType = "login"
	EventLogout           EventType = "logout"
	EventLogoutAll        EventType = "logout_all"
	EventRefreshSucceeded EventType = "refresh_succeeded"
	EventRefreshFailed    EventType = "refresh_failed"
	EventForcedLogout     EventType = "forced_logout"
	EventExpiryWarning    EventType = "expiry_warning"
)

// Source tags events produced by this client.
const Source = "bms-client"

// Event is a session lifecycle event. It is the JSON value written to Kafka and the
// body of OTel log records.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"eventType"`
	UserID    string          `json:"userId,omitempty"`
	Role      string          `json:"role,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEvent returns an event with a fresh id and the given timestamp.
func NewEvent(t EventType, userID string, at time.Time) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    userID,
		Source:    Source,
		CreatedAt: at.UTC(),
	}
}

// WithReason sets Reason and returns e.
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithMetadata marshals v into Metadata. Values that fail to marshal are dropped.
func (e *Event) WithMetadata(v any) *Event {
	if b, err := json.Marshal(v); err == nil {
		e.Metadata = b
	}
	return e
}
