package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageBody is the JSON body of a delivered chat message.
type MessageBody struct {
	ID        int64       `json:"id"`
	Chat      Ref[int64]  `json:"chat"`
	Sender    Ref[string] `json:"sender"`
	Content   string      `json:"content"`
	Timestamp Timestamp   `json:"timestamp"`
}

// Ref is a nested {"id": ...} reference.
type Ref[T any] struct {
	ID T `json:"id"`
}

// SendBody is the JSON body published to /app/chat/{chatId}.
type SendBody struct {
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// ChatBody describes a conversation in listings and new-chat notifications.
type ChatBody struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Validate reports whether a decoded message carries the fields the client relies on.
func (m MessageBody) Validate() error {
	if m.ID == 0 {
		return fmt.Errorf("%w: message without id", ErrMalformedFrame)
	}
	if m.Chat.ID == 0 {
		return fmt.Errorf("%w: message %d without chat id", ErrMalformedFrame, m.ID)
	}
	return nil
}

// Timestamp accepts RFC3339 and zone-less local date-times, which the
// upstream backend emits, and marshals as RFC3339Nano.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var millis int64
		if numErr := json.Unmarshal(data, &millis); numErr != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = time.UnixMilli(millis).UTC()
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", raw)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}
