package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every entry appended to a stream. The event id doubles as the
// idempotency key consumers claim before acting, so redeliveries and replays
// collapse onto a single extraction.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload for publishing. The publisher stamps EventID and
// OccurredAt on envelopes that arrive without them.
func NewEnvelope(eventType, version string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{EventType: eventType, PayloadVersion: version, Data: data}, nil
}

// ValidateBasic checks the mandatory fields and stamps a missing OccurredAt.
// Payload contents are the registry's business, not checked here.
func (e *Envelope) ValidateBasic() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("envelope missing event_id")
	case e.EventType == "":
		return fmt.Errorf("envelope missing event_type")
	case e.PayloadVersion == "":
		return fmt.Errorf("envelope missing payload_version")
	case e.Attempt < 0:
		return fmt.Errorf("envelope attempt %d is negative", e.Attempt)
	case len(e.Data) == 0:
		return fmt.Errorf("envelope missing data payload")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

// Marshal validates the envelope and returns its JSON encoding.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes JSON bytes into a validated envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
