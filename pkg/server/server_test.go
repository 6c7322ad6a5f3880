package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskwatch/taskwatch/pkg/streams"
	"github.com/taskwatch/taskwatch/pkg/subscriber"
)

func Test_subscriber_receives_replayed_and_live_events_over_sse(t *testing.T) {
	testServer, store := createTestServer(60)
	defer testServer.Close()

	appendEvents(t, store, "task-1", 2)

	rec := newRecorder()
	sub := createTestSubscriber(testServer.URL, "task-1", 0, nil, rec)
	defer sub.Stop()
	sub.Start()

	rec.waitForState(t, subscriber.Connected, 5*time.Second)

	appendEvents(t, store, "task-1", 1)
	if _, err := store.Append("task-1", "task-complete", json.RawMessage(`{}`)); err != nil {
		t.Error(err)
		t.FailNow()
	}

	rec.waitForState(t, subscriber.Disconnected, 5*time.Second)

	sequences := rec.eventSequences()
	if len(sequences) != 4 {
		t.Error("expected 4 events end-to-end, received: ", len(sequences))
		t.FailNow()
	}
	for i, sequence := range sequences {
		if sequence != int64(i+1) {
			t.Error("expected events in sequence order, received: ", sequences)
			t.FailNow()
		}
	}
	if rec.lastEventType() != "task-complete" {
		t.Error("expected the final event to be terminal, received: ", rec.lastEventType())
	}
}

func Test_subscriber_receives_events_over_websocket_transport(t *testing.T) {
	testServer, store := createTestServer(60)
	defer testServer.Close()

	appendEvents(t, store, "task-1", 2)

	rec := newRecorder()
	opener := subscriber.NewWebSocketOpener(nil)
	sub := createTestSubscriber(testServer.URL, "task-1", 0, opener, rec)
	defer sub.Stop()
	sub.Start()

	rec.waitForState(t, subscriber.Connected, 5*time.Second)

	if _, err := store.Append("task-1", "task-complete", json.RawMessage(`{}`)); err != nil {
		t.Error(err)
		t.FailNow()
	}

	rec.waitForState(t, subscriber.Disconnected, 5*time.Second)

	sequences := rec.eventSequences()
	if len(sequences) != 3 {
		t.Error("expected 3 events over websockets, received: ", len(sequences))
		t.FailNow()
	}
	if rec.lastEventType() != "task-complete" {
		t.Error("expected the final event to be terminal, received: ", rec.lastEventType())
	}
}

func Test_subscriber_resumes_from_its_last_sequence_cursor(t *testing.T) {
	testServer, store := createTestServer(60)
	defer testServer.Close()

	appendEvents(t, store, "task-1", 5)

	rec := newRecorder()
	sub := createTestSubscriber(testServer.URL, "task-1", 3, nil, rec)
	defer sub.Stop()
	sub.Start()

	rec.waitForState(t, subscriber.Connected, 5*time.Second)
	rec.waitForEventCount(t, 2, 5*time.Second)

	sequences := rec.eventSequences()
	if sequences[0] != 4 || sequences[1] != 5 {
		t.Error("expected only events after the resume cursor, received: ", sequences)
	}
}

func Test_heartbeats_are_delivered_on_an_idle_push_stream(t *testing.T) {
	testServer, _ := createTestServer(1)
	defer testServer.Close()

	rec := newRecorder()
	sub := createTestSubscriber(testServer.URL, "task-1", 0, nil, rec)
	defer sub.Stop()
	sub.Start()

	rec.waitForState(t, subscriber.Connected, 5*time.Second)
	rec.waitForHeartbeat(t, 5*time.Second)

	if len(rec.eventSequences()) != 0 {
		t.Error("heartbeats must never surface through the event callback")
	}
}

func Test_history_endpoint_filters_by_after_cursor(t *testing.T) {
	testServer, store := createTestServer(60)
	defer testServer.Close()

	appendEvents(t, store, "task-1", 5)

	fetcher := subscriber.NewHTTPFetcher(nil)
	status, history, err := fetcher.Fetch(
		testServer.URL + "/streams/task-1/events?token=test-token&after=2",
	)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if status != http.StatusOK {
		t.Error("expected a 200 response, received: ", status)
		t.FailNow()
	}
	if len(history) != 3 {
		t.Error("expected 3 events after cursor 2, received: ", len(history))
		t.FailNow()
	}
	if history[0].Sequence != 3 {
		t.Error("expected the first returned event to be sequence 3, received: ", history[0].Sequence)
	}
}

func Test_requests_without_a_token_are_unauthorised(t *testing.T) {
	testServer, _ := createTestServer(60)
	defer testServer.Close()

	for _, path := range []string{"/streams/task-1/live", "/streams/task-1/events"} {
		resp, err := http.Get(testServer.URL + path)
		if err != nil {
			t.Error(err)
			t.FailNow()
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Error("expected 401 for ", path, " without a token, received: ", resp.StatusCode)
		}
	}
}

func Test_negative_after_cursor_is_rejected(t *testing.T) {
	testServer, _ := createTestServer(60)
	defer testServer.Close()

	resp, err := http.Get(testServer.URL + "/streams/task-1/events?token=test-token&after=-1")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Error("expected 400 for a negative cursor, received: ", resp.StatusCode)
	}
}

func createTestServer(heartbeatInterval int) (*httptest.Server, streams.StreamStore) {
	logger := createLogger()
	store := streams.NewInMemoryStore(
		&streams.InMemoryStoreParams{
			ExpireAfterIdleTime: 300,
		},
		logger,
	)
	handler := NewDefaultServer(
		&ServerParams{
			HeartbeatInterval: heartbeatInterval,
		},
		store,
		logger,
	)
	return httptest.NewServer(handler), store
}

func createTestSubscriber(
	baseURL string,
	streamID string,
	lastSequence int64,
	opener subscriber.PushOpener,
	rec *recorder,
) subscriber.Subscriber {
	return subscriber.NewDefaultSubscriber(
		&subscriber.Params{
			Target: subscriber.StreamTarget{
				BaseURL:      baseURL,
				StreamID:     streamID,
				Token:        "test-token",
				LastSequence: lastSequence,
			},
			Tuning: subscriber.Tuning{
				InitialBackoff:    10 * time.Millisecond,
				MaxBackoff:        50 * time.Millisecond,
				HeartbeatWindow:   10 * time.Second,
				PollInterval:      50 * time.Millisecond,
				UpgradeInterval:   1 * time.Second,
				FallbackThreshold: 5,
			},
			Callbacks: rec.callbacks(),
			Opener:    opener,
		},
		createLogger(),
	)
}

func createLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func appendEvents(t *testing.T, store streams.StreamStore, streamID string, count int) {
	for i := 0; i < count; i += 1 {
		_, err := store.Append(streamID, "task-progress", json.RawMessage(`{"step":1}`))
		if err != nil {
			t.Error(err)
			t.FailNow()
		}
	}
}

type recorder struct {
	mu         sync.Mutex
	events     []subscriber.Event
	heartbeats int

	stateC     chan subscriber.ConnectionState
	heartbeatC chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		stateC:     make(chan subscriber.ConnectionState, 128),
		heartbeatC: make(chan struct{}, 128),
	}
}

func (r *recorder) callbacks() subscriber.Callbacks {
	return subscriber.Callbacks{
		OnEvent: func(event subscriber.Event) {
			r.mu.Lock()
			r.events = append(r.events, event)
			r.mu.Unlock()
		},
		OnStateChange: func(state subscriber.ConnectionState, info string) {
			r.stateC <- state
		},
		OnHeartbeat: func(event subscriber.Event) {
			r.mu.Lock()
			r.heartbeats += 1
			r.mu.Unlock()
			select {
			case r.heartbeatC <- struct{}{}:
			default:
			}
		},
	}
}

func (r *recorder) waitForState(
	t *testing.T,
	expected subscriber.ConnectionState,
	timeout time.Duration,
) {
	deadline := time.After(timeout)
	for {
		select {
		case state := <-r.stateC:
			if state == expected {
				return
			}
		case <-deadline:
			t.Error("timed out waiting for state ", expected)
			t.FailNow()
		}
	}
}

func (r *recorder) waitForEventCount(t *testing.T, expected int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		count := len(r.events)
		r.mu.Unlock()
		if count >= expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("timed out waiting for ", expected, " events")
	t.FailNow()
}

func (r *recorder) waitForHeartbeat(t *testing.T, timeout time.Duration) {
	select {
	case <-r.heartbeatC:
	case <-time.After(timeout):
		t.Error("timed out waiting for a heartbeat")
		t.FailNow()
	}
}

func (r *recorder) eventSequences() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	sequences := []int64{}
	for _, event := range r.events {
		sequences = append(sequences, event.Sequence)
	}
	return sequences
}

func (r *recorder) lastEventType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1].Type
}
