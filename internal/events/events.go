// Package events defines the domain-event taxonomy and the NATS subjects
// the control plane uses as its internal bus. The backend event stream
// publishes here and the webhook dispatcher subscribes, so a slow or failing
// webhook target can never reach back to the event producer.
package events

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/nats-io/nats.go"
)

// Domain event types delivered to subscribed apps.
const (
	TypePaymentReceived = "payment_received"
	TypePaymentSent     = "payment_sent"
	TypeChannelOpened   = "channel_opened"
	TypeChannelClosed   = "channel_closed"
	// TypeTest is the synthetic event used by manual webhook tests. It
	// bypasses subscription filtering.
	TypeTest = "test"
)

// SubjectPrefix is the NATS subject namespace for domain events.
const SubjectPrefix = "volthub.events."

// SubjectWildcard matches every domain event subject.
const SubjectWildcard = SubjectPrefix + ">"

// Subject returns the NATS subject for a domain event type.
func Subject(eventType string) string {
	return SubjectPrefix + strings.ReplaceAll(eventType, " ", "")
}

// TypeFromSubject recovers the event type from a domain event subject.
func TypeFromSubject(subject string) string {
	return strings.TrimPrefix(subject, SubjectPrefix)
}

// Envelope is the JSON body delivered to an app's webhook endpoint. The
// signature is computed over the exact serialized bytes of this structure.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Data      json.RawMessage `json:"data"`
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	log.Println("Connected to NATS server at", natsURL)
	return nc, nil
}

// Publish emits a domain event onto the bus. The payload is the event data
// only; the dispatcher wraps it in an Envelope at delivery time.
func Publish(nc *nats.Conn, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return nc.Publish(Subject(eventType), payload)
}
