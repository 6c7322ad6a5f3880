package subscriber

import (
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketOpener opens push streams over a WebSocket connection carrying
// one JSON event per message.
type WebSocketOpener struct {
	dialer *websocket.Dialer
}

// NewWebSocketOpener returns a WebSocket opener. A nil dialer uses
// websocket.DefaultDialer.
func NewWebSocketOpener(dialer *websocket.Dialer) *WebSocketOpener {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocketOpener{dialer: dialer}
}

func (o *WebSocketOpener) Open(rawURL string) (PushStream, error) {
	conn, _, err := o.dialer.Dial(websocketURL(rawURL), nil)
	if err != nil {
		return nil, err
	}

	stream := &websocketStream{
		conn:     conn,
		messages: make(chan PushMessage, 16),
		done:     make(chan struct{}),
	}
	go stream.readLoop()
	return stream, nil
}

// websocketURL rewrites an http(s) URL into its ws(s) equivalent so the
// engine can build one URL shape for every transport.
func websocketURL(rawURL string) string {
	if strings.HasPrefix(rawURL, "https://") {
		return "wss://" + strings.TrimPrefix(rawURL, "https://")
	}
	if strings.HasPrefix(rawURL, "http://") {
		return "ws://" + strings.TrimPrefix(rawURL, "http://")
	}
	return rawURL
}

type websocketStream struct {
	conn      *websocket.Conn
	messages  chan PushMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (s *websocketStream) Messages() <-chan PushMessage {
	return s.messages
}

func (s *websocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *websocketStream) readLoop() {
	defer close(s.messages)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.send(PushMessage{Err: err})
			return
		}
		if !s.send(PushMessage{Data: data}) {
			return
		}
	}
}

func (s *websocketStream) send(message PushMessage) bool {
	select {
	case s.messages <- message:
		return true
	case <-s.done:
		return false
	}
}
