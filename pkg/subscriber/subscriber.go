package subscriber

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type command int

const (
	cmdStart command = iota
	cmdStop
	cmdForceUpgrade
)

type dialOutcome struct {
	gen    int
	stream PushStream
	err    error
}

type pollOutcome struct {
	status int
	events []Event
	err    error
}

// subscriberImpl is the connection controller. A single run-loop goroutine
// owns every mutable field below the mutex section; commands, transport
// messages, timer fires and I/O outcomes are all serialized through its
// select loop, so no two handlers for one instance ever run concurrently.
type subscriberImpl struct {
	params   *Params
	tuning   Tuning
	terminal map[string]struct{}
	logger   *logrus.Logger

	cmds         chan command
	dialOutcomes chan dialOutcome
	pollOutcomes chan pollOutcome
	loopDone     chan struct{}

	// Snapshot fields for the pure observers, written only by the loop.
	mu      sync.Mutex
	state   ConnectionState
	retries int

	// Loop-owned state. Never touched outside the run loop.
	started        bool
	stopped        bool
	terminated     bool
	lastSequence   int64
	window         *sequenceWindow
	gen            int
	stream         PushStream
	backoff        *reconnectBackoff
	reconnectTimer *time.Timer
	heartbeatTimer *time.Timer
	pollTicker     *time.Ticker
	upgradeTicker  *time.Ticker
	pollInFlight   bool
}

// NewDefaultSubscriber creates a subscriber for the given target and starts
// its run loop. Nothing is dialled until Start is called.
func NewDefaultSubscriber(params *Params, logger *logrus.Logger) Subscriber {
	tuning := params.Tuning
	if tuning == (Tuning{}) {
		tuning = DefaultTuning()
	}

	terminalTypes := params.TerminalEventTypes
	if terminalTypes == nil {
		terminalTypes = DefaultTerminalEventTypes()
	}
	terminal := map[string]struct{}{}
	for _, eventType := range terminalTypes {
		terminal[eventType] = struct{}{}
	}

	if params.Opener == nil {
		params.Opener = NewSSEOpener(nil)
	}
	if params.Fetcher == nil {
		params.Fetcher = NewHTTPFetcher(nil)
	}

	s := &subscriberImpl{
		params:       params,
		tuning:       tuning,
		terminal:     terminal,
		logger:       logger,
		cmds:         make(chan command),
		dialOutcomes: make(chan dialOutcome, 4),
		pollOutcomes: make(chan pollOutcome, 4),
		loopDone:     make(chan struct{}),
		state:        Disconnected,
		lastSequence: params.Target.LastSequence,
		window:       newSequenceWindow(),
		backoff:      newReconnectBackoff(tuning.InitialBackoff, tuning.MaxBackoff),
	}
	go s.run()
	return s
}

func (s *subscriberImpl) Start() {
	s.sendCommand(cmdStart)
}

func (s *subscriberImpl) Stop() {
	s.sendCommand(cmdStop)
	<-s.loopDone
}

func (s *subscriberImpl) ForceUpgrade() {
	s.sendCommand(cmdForceUpgrade)
}

func (s *subscriberImpl) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *subscriberImpl) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *subscriberImpl) sendCommand(cmd command) {
	select {
	case s.cmds <- cmd:
	case <-s.loopDone:
		// Already stopped or terminal, every command is a no-op.
	}
}

func (s *subscriberImpl) run() {
	defer close(s.loopDone)
	for {
		select {
		case cmd := <-s.cmds:
			switch cmd {
			case cmdStart:
				s.handleStart()
			case cmdStop:
				s.stopped = true
				s.shutdown("stopped by caller")
			case cmdForceUpgrade:
				s.handleForceUpgrade()
			}
		case message, ok := <-s.streamMessages():
			s.handleStreamMessage(message, ok)
		case outcome := <-s.dialOutcomes:
			s.handleDialOutcome(outcome)
		case outcome := <-s.pollOutcomes:
			s.handlePollOutcome(outcome)
		case <-timerChan(s.reconnectTimer):
			s.reconnectTimer = nil
			s.attemptPush("reconnect backoff elapsed")
		case <-timerChan(s.heartbeatTimer):
			s.heartbeatTimer = nil
			s.handleStaleHeartbeat()
		case <-tickerChan(s.pollTicker):
			s.schedulePoll()
		case <-tickerChan(s.upgradeTicker):
			s.handleUpgradeTick()
		}

		if s.stopped || s.terminated {
			return
		}
	}
}

func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *subscriberImpl) streamMessages() <-chan PushMessage {
	if s.stream == nil {
		return nil
	}
	return s.stream.Messages()
}

func (s *subscriberImpl) handleStart() {
	if s.started {
		s.logger.Debug("start requested while already active, ignoring")
		return
	}
	s.started = true
	s.attemptPush("start requested")
}

func (s *subscriberImpl) handleForceUpgrade() {
	state := s.State()
	if state != Polling && state != Degraded {
		s.logger.Debug("force upgrade ignored in state ", state)
		return
	}
	s.setRetries(0)
	s.backoff.Reset()
	s.attemptPush("forced push upgrade")
}

func (s *subscriberImpl) handleUpgradeTick() {
	state := s.State()
	if state != Polling && state != Degraded {
		return
	}
	s.setRetries(0)
	s.backoff.Reset()
	s.attemptPush("scheduled push upgrade")
}

// attemptPush dials the push endpoint without touching the poll or upgrade
// timers; while polling, the push attempt and the poll cycle race and
// whichever transport produces events first wins.
func (s *subscriberImpl) attemptPush(reason string) {
	if s.stopped || s.terminated {
		return
	}
	s.gen++
	s.setState(Connecting, reason)
	go s.dial(s.gen, s.pushURL())
}

func (s *subscriberImpl) dial(gen int, rawURL string) {
	stream, err := s.params.Opener.Open(rawURL)
	select {
	case s.dialOutcomes <- dialOutcome{gen: gen, stream: stream, err: err}:
	case <-s.loopDone:
		if stream != nil {
			stream.Close()
		}
	}
}

func (s *subscriberImpl) handleDialOutcome(outcome dialOutcome) {
	stale := outcome.gen != s.gen || s.stopped || s.terminated
	if stale {
		if outcome.stream != nil {
			outcome.stream.Close()
		}
		return
	}

	if outcome.err != nil {
		s.logger.Debug("push connect failed: ", outcome.err)
		s.handlePushFailure()
		return
	}

	s.stream = outcome.stream
	s.setRetries(0)
	s.backoff.Reset()
	s.stopPolling()
	s.setState(Connected, "push stream established")
	s.resetHeartbeat()
}

func (s *subscriberImpl) handleStreamMessage(message PushMessage, ok bool) {
	if !ok || message.Err != nil {
		err := message.Err
		if err == nil {
			err = errors.New("push stream closed")
		}
		s.logger.Debug("push stream error: ", err)
		s.closeStream()
		s.stopHeartbeat()
		s.handlePushFailure()
		return
	}

	var event Event
	if err := json.Unmarshal(message.Data, &event); err != nil {
		// A single malformed payload is dropped, the stream continues.
		s.emitError(fmt.Errorf("malformed event payload: %w", err))
		return
	}

	s.resetHeartbeat()
	s.deliver(event)
}

// handlePushFailure runs the reconnect ladder: back off and retry until the
// retry count exceeds the fallback threshold, then escalate to polling.
func (s *subscriberImpl) handlePushFailure() {
	if s.stopped || s.terminated {
		return
	}

	s.setRetries(s.ReconnectAttempts() + 1)
	retries := s.ReconnectAttempts()

	if retries > s.tuning.FallbackThreshold {
		s.enterPolling()
		return
	}

	s.setState(Reconnecting, fmt.Sprintf("push attempt %d failed", retries))
	delay := s.backoff.NextDelay()
	s.logger.Debug("scheduling reconnect attempt ", retries+1, " in ", delay)
	s.armReconnect(delay)
}

func (s *subscriberImpl) handleStaleHeartbeat() {
	if s.State() != Connected {
		return
	}
	s.logger.Warn("no traffic within the staleness window, forcing reconnect")
	s.closeStream()
	s.handlePushFailure()
}

func (s *subscriberImpl) enterPolling() {
	s.setState(Polling, "push unavailable, falling back to polling")
	if s.pollTicker != nil {
		return
	}
	s.pollTicker = time.NewTicker(s.tuning.PollInterval)
	s.upgradeTicker = time.NewTicker(s.tuning.UpgradeInterval)
	s.schedulePoll()
}

func (s *subscriberImpl) schedulePoll() {
	if s.pollInFlight || s.stopped || s.terminated {
		return
	}
	s.pollInFlight = true
	go s.poll(s.pollURL())
}

func (s *subscriberImpl) poll(rawURL string) {
	status, events, err := s.params.Fetcher.Fetch(rawURL)
	select {
	case s.pollOutcomes <- pollOutcome{status: status, events: events, err: err}:
	case <-s.loopDone:
	}
}

func (s *subscriberImpl) handlePollOutcomeFailure(outcome pollOutcome) {
	err := outcome.err
	if err == nil {
		err = fmt.Errorf("history fetch returned status %d", outcome.status)
	}
	s.emitError(err)
	// Polling never stops itself on failure, the state label is the only
	// thing that changes.
	if s.State() == Polling {
		s.setState(Degraded, "history fetch failed")
	}
}

func (s *subscriberImpl) handlePollOutcome(outcome pollOutcome) {
	s.pollInFlight = false
	if s.stopped || s.terminated || s.pollTicker == nil {
		return
	}

	failed := outcome.err != nil || outcome.status < 200 || outcome.status >= 300
	if failed {
		s.handlePollOutcomeFailure(outcome)
		return
	}

	if s.State() == Degraded {
		s.setState(Polling, "history fetch recovered")
	}
	for _, event := range outcome.events {
		s.deliver(event)
		if s.terminated {
			return
		}
	}
}

// deliver routes one event through heartbeat routing, deduplication, the
// caller callback and the terminal-event check, identically for both
// transports.
func (s *subscriberImpl) deliver(event Event) {
	if event.Type == HeartbeatEventType {
		s.emitHeartbeat(event)
		return
	}

	if event.Sequence > 0 {
		if s.window.Seen(event.Sequence) {
			return
		}
		s.window.Mark(event.Sequence)
		if event.Sequence > s.lastSequence {
			s.lastSequence = event.Sequence
		}
	}

	s.emitEvent(event)

	if _, isTerminal := s.terminal[event.Type]; isTerminal {
		s.terminated = true
		s.shutdown("terminal event observed")
	}
}

// shutdown cancels every timer, closes any open connection and parks the
// instance in Disconnected. Used for both Stop() and the terminal marker.
func (s *subscriberImpl) shutdown(reason string) {
	s.stopReconnect()
	s.stopHeartbeat()
	s.stopPolling()
	s.closeStream()
	s.setState(Disconnected, reason)
}

func (s *subscriberImpl) closeStream() {
	if s.stream == nil {
		return
	}
	s.stream.Close()
	s.stream = nil
}

func (s *subscriberImpl) armReconnect(delay time.Duration) {
	s.stopReconnect()
	s.reconnectTimer = time.NewTimer(delay)
}

func (s *subscriberImpl) stopReconnect() {
	if s.reconnectTimer == nil {
		return
	}
	s.reconnectTimer.Stop()
	s.reconnectTimer = nil
}

func (s *subscriberImpl) resetHeartbeat() {
	s.stopHeartbeat()
	s.heartbeatTimer = time.NewTimer(s.tuning.HeartbeatWindow)
}

func (s *subscriberImpl) stopHeartbeat() {
	if s.heartbeatTimer == nil {
		return
	}
	s.heartbeatTimer.Stop()
	s.heartbeatTimer = nil
}

func (s *subscriberImpl) stopPolling() {
	if s.pollTicker != nil {
		s.pollTicker.Stop()
		s.pollTicker = nil
	}
	if s.upgradeTicker != nil {
		s.upgradeTicker.Stop()
		s.upgradeTicker = nil
	}
}

func (s *subscriberImpl) setState(state ConnectionState, info string) {
	s.mu.Lock()
	unchanged := s.state == state
	if !unchanged {
		s.state = state
	}
	s.mu.Unlock()
	if unchanged {
		return
	}

	s.logger.Debug("state change to ", state, " (", info, ")")
	if s.params.Callbacks.OnStateChange != nil {
		s.params.Callbacks.OnStateChange(state, info)
	}
}

func (s *subscriberImpl) setRetries(retries int) {
	s.mu.Lock()
	s.retries = retries
	s.mu.Unlock()
}

func (s *subscriberImpl) emitEvent(event Event) {
	if s.params.Callbacks.OnEvent != nil {
		s.params.Callbacks.OnEvent(event)
	}
}

func (s *subscriberImpl) emitHeartbeat(event Event) {
	if s.params.Callbacks.OnHeartbeat != nil {
		s.params.Callbacks.OnHeartbeat(event)
	}
}

func (s *subscriberImpl) emitError(err error) {
	s.logger.Debug("subscriber error: ", err)
	if s.params.Callbacks.OnError != nil {
		s.params.Callbacks.OnError(err)
	}
}

func (s *subscriberImpl) pushURL() string {
	return s.endpointURL("live")
}

func (s *subscriberImpl) pollURL() string {
	return s.endpointURL("events")
}

func (s *subscriberImpl) endpointURL(leaf string) string {
	q := url.Values{
		"token": {s.params.Target.Token},
	}
	if s.lastSequence > 0 {
		q.Set("after", strconv.FormatInt(s.lastSequence, 10))
	}
	base := strings.TrimSuffix(s.params.Target.BaseURL, "/")
	return fmt.Sprintf(
		"%s/streams/%s/%s?%s",
		base,
		url.PathEscape(s.params.Target.StreamID),
		leaf,
		q.Encode(),
	)
}
