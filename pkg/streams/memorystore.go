package streams

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/taskwatch/taskwatch/pkg/subscriber"
)

const subscriptionBufferSize = 64

type InMemoryStoreParams struct {
	// ExpireAfterIdleTime is the number of seconds of inactivity after
	// which a stream is discarded.
	ExpireAfterIdleTime int
	// MaxHistoryPerStream bounds the retained event log per stream,
	// 0 meaning unbounded.
	MaxHistoryPerStream int
}

func NewInMemoryStore(params *InMemoryStoreParams, logger *logrus.Logger) StreamStore {
	return &inMemoryStore{
		params:  params,
		streams: map[string]*internalStreamState{},
		logger:  logger,
	}
}

type inMemoryStore struct {
	mu      sync.Mutex
	params  *InMemoryStoreParams
	streams map[string]*internalStreamState
	logger  *logrus.Logger
}

type internalStreamState struct {
	streamID     string
	events       []subscriber.Event
	nextSequence int64
	subscribers  map[string]chan subscriber.Event
	lastAccessed int
	// We hold an expired property as a soft delete property
	// to prevent clients trying to resume a stream after its
	// idle expiry time has passed.
	expired bool
	mu      sync.Mutex
}

func (s *inMemoryStore) Append(streamID string, eventType string, data json.RawMessage) (subscriber.Event, error) {
	stream, err := s.loadOrCreate(streamID)
	if err != nil {
		return subscriber.Event{}, err
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	event := subscriber.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  stream.nextSequence,
	}
	stream.nextSequence += 1
	stream.events = append(stream.events, event)

	maxHistory := s.params.MaxHistoryPerStream
	if maxHistory > 0 && len(stream.events) > maxHistory {
		stream.events = stream.events[len(stream.events)-maxHistory:]
	}

	for subscriptionID, ch := range stream.subscribers {
		select {
		case ch <- event:
		default:
			// A full buffer means the subscriber has fallen behind; the
			// event is dropped here and recovered through History.
			s.logger.Debug(
				"dropping event ", event.Sequence,
				" for slow subscription ", subscriptionID,
			)
		}
	}

	return event, nil
}

func (s *inMemoryStore) History(streamID string, afterSequence int64) ([]subscriber.Event, error) {
	stream, err := s.loadOrCreate(streamID)
	if err != nil {
		return nil, err
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	history := []subscriber.Event{}
	for _, event := range stream.events {
		if event.Sequence > afterSequence {
			history = append(history, event)
		}
	}
	return history, nil
}

func (s *inMemoryStore) Subscribe(streamID string) (*Subscription, error) {
	stream, err := s.loadOrCreate(streamID)
	if err != nil {
		return nil, err
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	subscriptionID := uuid.New().String()
	ch := make(chan subscriber.Event, subscriptionBufferSize)
	stream.subscribers[subscriptionID] = ch

	return &Subscription{ID: subscriptionID, C: ch}, nil
}

func (s *inMemoryStore) Unsubscribe(streamID string, subscriptionID string) {
	s.mu.Lock()
	stream := s.streams[streamID]
	s.mu.Unlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	ch, exists := stream.subscribers[subscriptionID]
	if !exists {
		return
	}
	delete(stream.subscribers, subscriptionID)
	close(ch)
}

func (s *inMemoryStore) loadOrCreate(streamID string) (*internalStreamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamID]
	if stream != nil {
		expired := s.checkExpiredAndUpdateIfNeeded(stream)
		if expired {
			return nil, fmt.Errorf("stream has expired for stream id (%s)", streamID)
		}
		return stream, nil
	}

	stream = &internalStreamState{
		streamID: streamID,
		// Sequence numbers start at 1 so that 0 can mean
		// "from the beginning" on resume cursors.
		nextSequence: 1,
		subscribers:  map[string]chan subscriber.Event{},
		lastAccessed: int(time.Now().Unix()),
	}
	s.streams[streamID] = stream
	return stream, nil
}

func (s *inMemoryStore) checkExpiredAndUpdateIfNeeded(stream *internalStreamState) bool {
	stream.mu.Lock()
	defer stream.mu.Unlock()

	if stream.expired {
		return true
	}

	now := int(time.Now().Unix())
	if stream.lastAccessed+s.params.ExpireAfterIdleTime < now {
		s.logger.Debug("setting stream ", stream.streamID, " to expired")
		stream.expired = true
	}
	stream.lastAccessed = now

	return stream.expired
}
