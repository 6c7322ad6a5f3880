package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/taskwatch/taskwatch/pkg/streams"
	"github.com/taskwatch/taskwatch/pkg/subscriber"
)

type ServerParams struct {
	// HeartbeatInterval is the number of seconds between heartbeat events
	// written to live push streams.
	HeartbeatInterval int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// No need for strict CORS checking for this implementation.
		return true
	},
}

type serverImpl struct {
	params *ServerParams
	store  streams.StreamStore
	logger *logrus.Logger
}

// NewDefaultServer returns the HTTP handler for the event-stream server:
// a live push endpoint (SSE, upgrading to WebSocket on request) and a pull
// endpoint serving bounded history after a sequence cursor.
func NewDefaultServer(params *ServerParams, store streams.StreamStore, logger *logrus.Logger) http.Handler {
	s := &serverImpl{
		params: params,
		store:  store,
		logger: logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/streams/{streamID}/live", s.handleLive).Methods(http.MethodGet)
	router.HandleFunc("/streams/{streamID}/events", s.handleHistory).Methods(http.MethodGet)
	return router
}

func (s *serverImpl) handleHistory(w http.ResponseWriter, r *http.Request) {
	streamID, ok := s.authorise(w, r)
	if !ok {
		return
	}

	after, err := deriveAfterCursor(r.URL.Query().Get("after"))
	if err != nil {
		s.logger.Error("failed to parse after cursor: ", err)
		writeJSONError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}

	history, err := s.store.History(streamID, after)
	if err != nil {
		s.logger.Error("failed to load history: ", err)
		writeJSONError(w, http.StatusGone, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(history); err != nil {
		s.logger.Error("failed to encode history response: ", err)
	}
}

func (s *serverImpl) handleLive(w http.ResponseWriter, r *http.Request) {
	streamID, ok := s.authorise(w, r)
	if !ok {
		return
	}

	after, err := deriveAfterCursor(r.URL.Query().Get("after"))
	if err != nil {
		s.logger.Error("failed to parse after cursor: ", err)
		writeJSONError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r, streamID, after)
		return
	}
	s.serveSSE(w, r, streamID, after)
}

func (s *serverImpl) authorise(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing credential token")
		return "", false
	}
	return mux.Vars(r)["streamID"], true
}

func (s *serverImpl) serveSSE(w http.ResponseWriter, r *http.Request, streamID string, after int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subscription, replay, err := s.attach(streamID, after)
	if err != nil {
		writeJSONError(w, http.StatusGone, err.Error())
		return
	}
	defer s.store.Unsubscribe(streamID, subscription.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastWritten := after
	for _, event := range replay {
		if err := writeSSEEvent(w, event); err != nil {
			return
		}
		lastWritten = event.Sequence
	}
	flusher.Flush()

	heartbeats := time.NewTicker(time.Duration(s.params.HeartbeatInterval) * time.Second)
	defer heartbeats.Stop()

	for {
		select {
		case event, ok := <-subscription.C:
			if !ok {
				return
			}
			// Skip anything already covered by the replay so the same
			// sequence is not written twice on one connection.
			if event.Sequence > 0 && event.Sequence <= lastWritten {
				continue
			}
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			if event.Sequence > lastWritten {
				lastWritten = event.Sequence
			}
			flusher.Flush()
		case <-heartbeats.C:
			if err := writeSSEEvent(w, heartbeatEvent()); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *serverImpl) serveWebSocket(w http.ResponseWriter, r *http.Request, streamID string, after int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websockets upgrade error: ", err)
		return
	}
	defer conn.Close()

	subscription, replay, err := s.attach(streamID, after)
	if err != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(1*time.Second),
		)
		return
	}
	defer s.store.Unsubscribe(streamID, subscription.ID)

	// The subscriber never writes application messages; reads only serve
	// to detect the connection going away.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastWritten := after
	for _, event := range replay {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		lastWritten = event.Sequence
	}

	heartbeats := time.NewTicker(time.Duration(s.params.HeartbeatInterval) * time.Second)
	defer heartbeats.Stop()

	for {
		select {
		case event, ok := <-subscription.C:
			if !ok {
				return
			}
			if event.Sequence > 0 && event.Sequence <= lastWritten {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Sequence > lastWritten {
				lastWritten = event.Sequence
			}
		case <-heartbeats.C:
			if err := conn.WriteJSON(heartbeatEvent()); err != nil {
				return
			}
		case <-peerGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// attach subscribes before snapshotting history so no event can fall in the
// gap between the two; overlap is filtered out with the sequence cursor.
func (s *serverImpl) attach(streamID string, after int64) (*streams.Subscription, []subscriber.Event, error) {
	subscription, err := s.store.Subscribe(streamID)
	if err != nil {
		return nil, nil, err
	}
	replay, err := s.store.History(streamID, after)
	if err != nil {
		s.store.Unsubscribe(streamID, subscription.ID)
		return nil, nil, err
	}
	return subscription, replay, nil
}

func writeSSEEvent(w http.ResponseWriter, event subscriber.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func heartbeatEvent() subscriber.Event {
	return subscriber.Event{
		Type:      subscriber.HeartbeatEventType,
		Data:      json.RawMessage(`{"status":"ok"}`),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func deriveAfterCursor(queryParam string) (int64, error) {
	if queryParam == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(queryParam, 10, 64)
	if err != nil {
		return 0, err
	}
	if after < 0 {
		return 0, fmt.Errorf("after cursor must not be negative, got %d", after)
	}
	return after, nil
}
