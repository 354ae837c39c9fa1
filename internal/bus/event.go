package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated namespaces:
//
//	session.*  lifecycle (status_changed, qr, authenticated, logged_out, init_failed)
//	wa.*       raw adapter traffic (message, receipt, history_batch, contacts)
//	chat.*     projection updates (upserted)
//	outbox.*   send pipeline results (sent, failed)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// T creates an event stamped with the current time.
func T(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
