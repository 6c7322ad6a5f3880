package streams

import (
	"encoding/json"

	"github.com/taskwatch/taskwatch/pkg/subscriber"
)

// StreamStore holds the ordered event log and the live subscriptions for
// each stream. Streams are created on demand by the first operation that
// touches them.
type StreamStore interface {
	// Append assigns the next sequence number and a timestamp to a new
	// event, stores it and fans it out to live subscriptions.
	Append(streamID string, eventType string, data json.RawMessage) (subscriber.Event, error)
	// History returns the stored events with a sequence number strictly
	// greater than afterSequence, in sequence order.
	History(streamID string, afterSequence int64) ([]subscriber.Event, error)
	// Subscribe registers a live subscription for a stream.
	Subscribe(streamID string) (*Subscription, error)
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(streamID string, subscriptionID string)
}

// Subscription is one live consumer of a stream. Events are delivered on C
// in sequence order; a consumer that falls too far behind has events
// dropped and is expected to recover through History.
type Subscription struct {
	ID string
	C  <-chan subscriber.Event
}
