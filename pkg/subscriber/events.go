package subscriber

import (
	"encoding/json"
	"time"
)

// The reserved event type that carries session/server status instead of a
// domain event. It is routed to the OnHeartbeat callback and never to OnEvent.
const HeartbeatEventType = "heartbeat"

// Event is the wire shape shared by the push and pull transports.
// A Sequence of 0 means the event is unsequenced (out-of-band) and
// bypasses deduplication and resume cursors entirely.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
}

// ConnectionState is the externally observable state of a subscriber.
type ConnectionState int

const (
	// Disconnected is both the initial state and the permanent final state
	// once the subscriber is stopped or a terminal event has been observed.
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	// Polling means the push transport has been given up on for now and
	// events are being pulled periodically instead.
	Polling
	// Degraded is polling whose most recent pull attempt failed. It is still
	// an active recovery state, not a dead end.
	Degraded
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Polling:
		return "Polling"
	case Degraded:
		return "Degraded"
	default:
		return "Unknown"
	}
}

// StreamTarget identifies the stream a subscriber attaches to. The identity
// fields never change for the lifetime of one subscriber instance; only the
// resume cursor advances internally as events arrive.
type StreamTarget struct {
	BaseURL  string
	StreamID string
	Token    string
	// LastSequence is the last sequence number the caller has already
	// consumed, 0 meaning "from the beginning".
	LastSequence int64
}

// Callbacks are invoked synchronously from the subscriber's own run loop.
// Callers must not block inside them. Any callback may be nil.
type Callbacks struct {
	OnEvent       func(Event)
	OnStateChange func(state ConnectionState, info string)
	OnError       func(error)
	OnHeartbeat   func(Event)
}

// Tuning holds the interval and threshold constants for one subscriber
// instance. The same engine is instantiated with different tunings for the
// fine-grained per-task stream and the coarser per-account stream.
type Tuning struct {
	// InitialBackoff and MaxBackoff bound the exponential reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HeartbeatWindow is the staleness window: if no traffic at all arrives
	// on an open push stream within this window, the stream is treated as
	// dead and reconnected.
	HeartbeatWindow time.Duration
	// PollInterval is the pull-fallback cadence. The first poll happens
	// immediately on entering the Polling state.
	PollInterval time.Duration
	// UpgradeInterval is how often a push upgrade is attempted while polling.
	UpgradeInterval time.Duration
	// FallbackThreshold is the retry count above which push reconnection
	// escalates to polling.
	FallbackThreshold int
}

// DefaultTuning returns the tuning for a single-task stream.
func DefaultTuning() Tuning {
	return Tuning{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		HeartbeatWindow:   45 * time.Second,
		PollInterval:      4 * time.Second,
		UpgradeInterval:   60 * time.Second,
		FallbackThreshold: 5,
	}
}

// AccountStreamTuning returns the coarser tuning used for the per-account
// cross-task stream, which trades latency for fewer requests.
func AccountStreamTuning() Tuning {
	return Tuning{
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        60 * time.Second,
		HeartbeatWindow:   90 * time.Second,
		PollInterval:      15 * time.Second,
		UpgradeInterval:   120 * time.Second,
		FallbackThreshold: 5,
	}
}

// DefaultTerminalEventTypes are the event types that mark the subscribed
// task as finished. Observing one permanently stops all recovery activity.
func DefaultTerminalEventTypes() []string {
	return []string{"task-complete", "error", "cancelled"}
}

// Params configures a subscriber instance.
type Params struct {
	Target StreamTarget
	// Tuning defaults to DefaultTuning() when left as the zero value.
	Tuning Tuning
	// TerminalEventTypes defaults to DefaultTerminalEventTypes() when nil.
	TerminalEventTypes []string
	Callbacks          Callbacks
	// Opener defaults to an SSE opener when nil.
	Opener PushOpener
	// Fetcher defaults to a plain HTTP fetcher when nil.
	Fetcher HistoryFetcher
}
