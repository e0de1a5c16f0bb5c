// Package stream feeds transactions from a message stream into the engine
// and publishes score results. Messages are acknowledged only after their
// result, or their rejection, has been published.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/riskengine/internal/fraud"
)

// Message is one delivery from a Source. ID is the transport's delivery
// identifier used for acknowledgement.
type Message struct {
	ID      string
	Payload []byte
}

// Source delivers messages at least once. Messages fetched but never
// acknowledged are delivered again.
type Source interface {
	// Fetch returns at most max messages, waiting briefly when none are
	// available. An empty result is not an error.
	Fetch(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
}

// Sink publishes one payload keyed by transaction id.
type Sink interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// Rejection is the dead-letter payload for messages that can never be
// scored.
type Rejection struct {
	MessageID string                 `json:"message_id"`
	Error     *fraud.ValidationError `json:"error"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Raw       string                 `json:"raw,omitempty"`
	At        time.Time              `json:"rejected_at"`
}

func decode(m Message) (fraud.Transaction, *fraud.ValidationError) {
	var tx fraud.Transaction
	if err := json.Unmarshal(m.Payload, &tx); err != nil {
		return tx, fraud.Invalid(fraud.CodeMalformed, "payload", err.Error())
	}
	return tx, nil
}

func rejection(m Message, verr *fraud.ValidationError, at time.Time) ([]byte, error) {
	r := Rejection{MessageID: m.ID, Error: verr, At: at.UTC()}
	if json.Valid(m.Payload) {
		r.Payload = json.RawMessage(m.Payload)
	} else {
		r.Raw = string(m.Payload)
	}
	return json.Marshal(r)
}
