package subscriber

// Subscriber keeps the caller continuously informed of a remote task's
// progress despite transport failures. It never gives up on its own;
// the only permanent stop conditions are Stop() and a terminal event.
type Subscriber interface {
	// Start begins connecting. It is idempotent while active and a no-op
	// after Stop() or after a terminal event has been observed.
	Start()
	// Stop permanently deactivates the subscriber, cancels every timer and
	// closes any open connection before returning. No callback fires after
	// Stop returns. Irreversible.
	Stop()
	// ForceUpgrade resets the retry counter and immediately attempts a push
	// connection. Only meaningful while in Polling or Degraded; polling
	// continues until the push attempt's outcome is known.
	ForceUpgrade()
	// State returns the current connection state.
	State() ConnectionState
	// ReconnectAttempts returns the current retry counter value.
	ReconnectAttempts() int
}
