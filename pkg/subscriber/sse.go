package subscriber

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

const (
	sseContentType = "text/event-stream"
	// sseScanBufferSize bounds a single SSE line.
	sseScanBufferSize = 1024 * 1024
)

// SSEOpener opens Server-Sent Events push streams over plain HTTP.
type SSEOpener struct {
	client *http.Client
}

// NewSSEOpener returns an SSE opener. A nil client gets a dedicated client
// with no overall timeout, as the stream is expected to stay open
// indefinitely.
func NewSSEOpener(client *http.Client) *SSEOpener {
	if client == nil {
		client = &http.Client{}
	}
	return &SSEOpener{client: client}
}

func (o *SSEOpener) Open(rawURL string) (PushStream, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", sseContentType)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("push stream returned status %d", resp.StatusCode)
	}

	stream := &sseStream{
		resp:     resp,
		messages: make(chan PushMessage, 16),
		done:     make(chan struct{}),
	}
	go stream.readLoop()
	return stream, nil
}

type sseStream struct {
	resp      *http.Response
	messages  chan PushMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (s *sseStream) Messages() <-chan PushMessage {
	return s.messages
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.resp.Body.Close()
	})
	return nil
}

// readLoop frames SSE fields into payloads: data lines accumulate until a
// blank line marks the event boundary, comment lines are ignored.
func (s *sseStream) readLoop() {
	defer close(s.messages)
	defer s.resp.Body.Close()

	scanner := bufio.NewScanner(s.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseScanBufferSize)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				if !s.send(PushMessage{Data: []byte(strings.Join(data, "\n"))}) {
					return
				}
				data = nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("push stream ended")
	}
	s.send(PushMessage{Err: err})
}

func (s *sseStream) send(message PushMessage) bool {
	select {
	case s.messages <- message:
		return true
	case <-s.done:
		return false
	}
}
