package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrMissingID indicates that a record has no identifier or one exceeding storage bounds.
	ErrMissingID = errors.New("messages: invalid message id")
	// ErrMissingSender indicates that a record has no author identity.
	ErrMissingSender = errors.New("messages: missing sender")
	// ErrInvalidSentAt indicates that the composition timestamp is absent or not ISO-8601.
	ErrInvalidSentAt = errors.New("messages: invalid sentAt timestamp")
	// ErrEmptyBody indicates that a record carries neither text nor image.
	ErrEmptyBody = errors.New("messages: record has neither text nor image")
	// ErrDuplicateMessage indicates that a record with the same identifier is already in the ledger.
	ErrDuplicateMessage = errors.New("messages: duplicate message id")
)

// ReplyRef is a copy of the quoted message's essential fields. It is not a live link.
type ReplyRef struct {
	Sender string `json:"sender"`
	Text   string `json:"text,omitempty"`
	SentAt string `json:"sentAt"`
}

// MessageRecord is a single chat message. Records are immutable once sent.
type MessageRecord struct {
	ID      string    `json:"id"`
	Sender  string    `json:"sender"`
	Text    string    `json:"text,omitempty"`
	Image   string    `json:"image,omitempty"`
	SentAt  string    `json:"sentAt"`
	ReplyTo *ReplyRef `json:"replyTo,omitempty"`
}

// Validate reports whether the record can be appended to a ledger.
func (r MessageRecord) Validate() error {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return fmt.Errorf("%w: empty", ErrMissingID)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrMissingID, maxIdentifierLength)
	}
	if strings.TrimSpace(r.Sender) == "" {
		return ErrMissingSender
	}
	if _, err := ParseSentAt(r.SentAt); err != nil {
		return err
	}
	if !r.HasText() && !r.HasImage() {
		return ErrEmptyBody
	}
	return nil
}

// HasText reports whether the record carries a non-blank text body.
func (r MessageRecord) HasText() bool {
	return strings.TrimSpace(r.Text) != ""
}

// HasImage reports whether the record carries an inline image payload.
func (r MessageRecord) HasImage() bool {
	return r.Image != ""
}

// ParseSentAt parses an ISO-8601 composition timestamp.
func ParseSentAt(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidSentAt)
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSentAt, err)
	}
	return parsed, nil
}

// FormatSentAt renders a composition timestamp the way records carry it.
func FormatSentAt(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

// wireRecord accepts both the current field names and the ones used by the
// legacy relay ({name, message, image, timestamp}).
type wireRecord struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Image     string    `json:"image"`
	SentAt    string    `json:"sentAt"`
	ReplyTo   *ReplyRef `json:"replyTo"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"`
}

// UnmarshalJSON decodes a record, falling back to legacy field names and
// deriving an identifier from the timestamp when none was sent.
func (r *MessageRecord) UnmarshalJSON(data []byte) error {
	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	record := MessageRecord{
		ID:      wire.ID,
		Sender:  firstNonEmpty(wire.Sender, wire.Name),
		Text:    firstNonEmpty(wire.Text, wire.Message),
		Image:   wire.Image,
		SentAt:  firstNonEmpty(wire.SentAt, wire.Timestamp),
		ReplyTo: wire.ReplyTo,
	}
	if record.ID == "" && record.SentAt != "" && record.Sender != "" {
		record.ID = record.SentAt + "/" + record.Sender
	}
	*r = record
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
