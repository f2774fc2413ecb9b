package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeFormat is the layout of Envelope.OccurredAt: RFC 3339 in UTC with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the wire representation of an event, shared by producers and consumers.
type Envelope struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt string          `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Envelope builds the outbound wire envelope for the record.
func (r *Record) Envelope() Envelope {
	return Envelope{
		EventID:    r.EventID,
		EventType:  r.EventType,
		OccurredAt: r.OccurredAt.UTC().Format(TimeFormat),
		Payload:    json.RawMessage(r.Payload),
	}
}

// EnvelopeError describes a message body that can never be processed, no matter how
// often it is redelivered.
type EnvelopeError struct {
	Reason  string
	Details []string
	Err     error
}

func (e *EnvelopeError) Error() string {
	if len(e.Details) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Details, " "))
}

func (e *EnvelopeError) Unwrap() error { return e.Err }

// DecodeEnvelope parses a message body. It only checks that the body is a JSON object
// with the envelope's field types; call Validate for the content rules.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if !isJSONObject(body) {
		return env, &EnvelopeError{Reason: "Message is not valid JSON.", Details: []string{"Event must be an object."}}
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, &EnvelopeError{Reason: "Message is not valid JSON.", Details: []string{err.Error()}, Err: err}
	}
	return env, nil
}

// Validate checks the rules every event must satisfy regardless of its type.
func (e Envelope) Validate() error {
	var details []string

	if strings.TrimSpace(e.EventID) == "" {
		details = append(details, "eventId must be a non-empty string.")
	}
	if strings.TrimSpace(e.EventType) == "" {
		details = append(details, "eventType must be a non-empty string.")
	}
	if _, err := e.Time(); err != nil {
		details = append(details, "occurredAt must be a valid ISO datetime string.")
	}
	if !isJSONObject(e.Payload) {
		details = append(details, "payload must be an object.")
	}

	if len(details) > 0 {
		return &EnvelopeError{Reason: "Invalid event envelope.", Details: details}
	}
	return nil
}

// Time parses OccurredAt.
func (e Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.OccurredAt)
}

// Marshal encodes the envelope as a message body.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
