package subscriber

// PushMessage is one item received on a push stream: either a raw event
// payload or the error that ended the stream. A stream delivers at most one
// message with a non-nil Err, as its final message.
type PushMessage struct {
	Data []byte
	Err  error
}

// PushStream is a live server-push connection. The Messages channel is
// closed once the stream has ended, after any final error message.
type PushStream interface {
	Messages() <-chan PushMessage
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// PushOpener dials a push stream for a fully constructed URL. The engine
// depends only on this narrow capability; SSE and WebSocket bindings are
// provided and anything else can be plugged in.
type PushOpener interface {
	Open(rawURL string) (PushStream, error)
}

// HistoryFetcher issues one bounded pull request for events after a cursor.
// It returns the response status code and the decoded events; a non-nil
// error means the request never produced a usable response.
type HistoryFetcher interface {
	Fetch(rawURL string) (int, []Event, error)
}
