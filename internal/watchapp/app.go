package watchapp

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/taskwatch/taskwatch/pkg/config"
	"github.com/taskwatch/taskwatch/pkg/subscriber"
)

type RunParams struct {
	BaseURL  string
	StreamID string
	Token    string
	// Transport selects the push binding, "sse" or "websocket".
	Transport string
	// FromSequence resumes after an already-consumed sequence number,
	// 0 meaning from the beginning.
	FromSequence int64
	// AccountStream selects the coarser per-account tuning instead of the
	// per-task tuning.
	AccountStream bool
}

func Run(params *RunParams) error {
	err := godotenv.Load(".env.watch")
	if err != nil {
		// Environment files are optional for the watcher, flags and
		// ambient env vars are enough to run.
		logrus.Debug("no .env.watch file loaded: ", err)
	}

	conf, err := config.LoadForSubscriber()
	if err != nil {
		return fmt.Errorf("failed to load configuration for subscriber: %w", err)
	}

	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.999999999Z07:00"
	customFormatter.FullTimestamp = true
	logger := logrus.New()
	logger.SetFormatter(customFormatter)
	logLevel, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	opener, err := selectOpener(params.Transport)
	if err != nil {
		return err
	}

	finished := make(chan struct{})
	watcher := subscriber.NewDefaultSubscriber(
		&subscriber.Params{
			Target: subscriber.StreamTarget{
				BaseURL:      params.BaseURL,
				StreamID:     params.StreamID,
				Token:        params.Token,
				LastSequence: params.FromSequence,
			},
			Tuning: deriveTuning(conf, params.AccountStream),
			Opener: opener,
			Callbacks: subscriber.Callbacks{
				OnEvent: func(event subscriber.Event) {
					fmt.Printf("[%s] #%d %s %s\n", event.Timestamp, event.Sequence, event.Type, event.Data)
				},
				OnStateChange: func(state subscriber.ConnectionState, info string) {
					fmt.Printf("-- %s (%s)\n", state, info)
					if state == subscriber.Disconnected {
						close(finished)
					}
				},
				OnError: func(err error) {
					logger.Warn("stream error: ", err)
				},
				OnHeartbeat: func(event subscriber.Event) {
					logger.Debug("heartbeat: ", string(event.Data))
				},
			},
		},
		logger,
	)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)

	watcher.Start()

	select {
	case <-finished:
		// Terminal event observed, the subscriber has already cleaned up.
	case <-interrupts:
		watcher.Stop()
	}
	return nil
}

func selectOpener(transport string) (subscriber.PushOpener, error) {
	switch transport {
	case "sse", "":
		return subscriber.NewSSEOpener(nil), nil
	case "websocket":
		return subscriber.NewWebSocketOpener(nil), nil
	default:
		return nil, fmt.Errorf("unknown transport %q, expected sse or websocket", transport)
	}
}

func deriveTuning(conf *config.SubscriberConfig, accountStream bool) subscriber.Tuning {
	if accountStream {
		return subscriber.AccountStreamTuning()
	}
	tuning := subscriber.DefaultTuning()
	tuning.PollInterval = time.Duration(conf.PollIntervalSeconds) * time.Second
	tuning.HeartbeatWindow = time.Duration(conf.HeartbeatWindowSeconds) * time.Second
	tuning.UpgradeInterval = time.Duration(conf.UpgradeIntervalSeconds) * time.Second
	tuning.FallbackThreshold = conf.FallbackThreshold
	return tuning
}
