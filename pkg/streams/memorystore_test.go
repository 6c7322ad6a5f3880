package streams

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func Test_append_assigns_monotonic_sequences_from_one(t *testing.T) {
	store := createTestStore(300)

	first, err := store.Append("stream-1", "task-progress", json.RawMessage(`{"step":1}`))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	second, err := store.Append("stream-1", "task-progress", json.RawMessage(`{"step":2}`))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Error("expected sequences 1 and 2, received: ", first.Sequence, " and ", second.Sequence)
	}
	if first.Timestamp == "" {
		t.Error("expected appended events to carry a timestamp")
	}
}

func Test_history_filters_by_after_cursor(t *testing.T) {
	store := createTestStore(300)

	for i := 0; i < 5; i += 1 {
		if _, err := store.Append("stream-1", "task-progress", nil); err != nil {
			t.Error(err)
			t.FailNow()
		}
	}

	history, err := store.History("stream-1", 2)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(history) != 3 {
		t.Error("expected 3 events after cursor 2, received: ", len(history))
	}
	for i, event := range history {
		if event.Sequence != int64(i+3) {
			t.Error("expected events in sequence order starting at 3, received: ", event.Sequence)
		}
	}
}

func Test_subscriptions_receive_appended_events(t *testing.T) {
	store := createTestStore(300)

	subscription, err := store.Subscribe("stream-1")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	defer store.Unsubscribe("stream-1", subscription.ID)

	appended, err := store.Append("stream-1", "task-progress", json.RawMessage(`{"step":1}`))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}

	select {
	case received := <-subscription.C:
		if received.Sequence != appended.Sequence {
			t.Error("expected the appended event to be fanned out, received sequence: ", received.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for the subscription to receive the event")
		t.FailNow()
	}
}

func Test_history_is_bounded_by_max_history(t *testing.T) {
	store := NewInMemoryStore(
		&InMemoryStoreParams{
			ExpireAfterIdleTime: 300,
			MaxHistoryPerStream: 3,
		},
		createLogger(),
	)

	for i := 0; i < 5; i += 1 {
		if _, err := store.Append("stream-1", "task-progress", nil); err != nil {
			t.Error(err)
			t.FailNow()
		}
	}

	history, err := store.History("stream-1", 0)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(history) != 3 {
		t.Error("expected history to be trimmed to 3 events, received: ", len(history))
	}
	if history[0].Sequence != 3 {
		t.Error("expected the oldest events to be trimmed first, first retained: ", history[0].Sequence)
	}
}

func Test_expired_stream_is_rejected(t *testing.T) {
	// A negative idle expiry makes every subsequent access find the stream
	// already expired without the test having to sleep.
	store := createTestStore(-1)

	if _, err := store.Append("stream-1", "task-progress", nil); err != nil {
		t.Error(err)
		t.FailNow()
	}

	_, err := store.Append("stream-1", "task-progress", nil)
	if err == nil {
		t.Error("expected an error appending to an expired stream")
		t.FailNow()
	}
}

func createTestStore(expireAfterIdleTime int) StreamStore {
	return NewInMemoryStore(
		&InMemoryStoreParams{
			ExpireAfterIdleTime: expireAfterIdleTime,
		},
		createLogger(),
	)
}

func createLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}
