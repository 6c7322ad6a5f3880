package streamdapp

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/taskwatch/taskwatch/pkg/config"
	"github.com/taskwatch/taskwatch/pkg/server"
	"github.com/taskwatch/taskwatch/pkg/streams"
)

type RunParams struct {
	Port int
	// DemoStream, when non-empty, names a stream on which a synthetic task
	// emits progress events ending in task-complete.
	DemoStream string
	// DemoEventIntervalMillis is the delay between synthetic events.
	DemoEventIntervalMillis int
	// DemoEventCount is the number of progress events before completion.
	DemoEventCount int
}

func Run(params *RunParams) error {
	err := godotenv.Load(".env.streamd")
	if err != nil {
		logrus.Debug("no .env.streamd file loaded: ", err)
	}

	conf, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration for streamd: ", err)
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

	store := streams.NewInMemoryStore(
		&streams.InMemoryStoreParams{
			ExpireAfterIdleTime: conf.StreamIdleTimeExpiry,
		},
		logger,
	)

	srv := server.NewDefaultServer(
		&server.ServerParams{
			HeartbeatInterval: conf.HeartbeatInterval,
		},
		store,
		logger,
	)

	router := mux.NewRouter()
	router.PathPrefix("/").Handler(srv)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", params.Port),
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           router,
	}

	if params.DemoStream != "" {
		go runDemoTask(store, params, logger)
	}

	log.Printf("Stream server listening on port %d ... \n", params.Port)
	return httpSrv.ListenAndServe()
}

// runDemoTask emits a synthetic long-running task onto the demo stream so a
// watcher can be pointed at it straight away.
func runDemoTask(store streams.StreamStore, params *RunParams, logger *logrus.Logger) {
	taskID := uuid.New().String()
	interval := time.Duration(params.DemoEventIntervalMillis) * time.Millisecond

	for i := 1; i <= params.DemoEventCount; i += 1 {
		progress := i * 100 / params.DemoEventCount
		data, _ := json.Marshal(map[string]interface{}{
			"taskId":   taskID,
			"progress": progress,
			"message":  fmt.Sprintf("step %d of %d", i, params.DemoEventCount),
		})
		if _, err := store.Append(params.DemoStream, "task-progress", data); err != nil {
			logger.Error("failed to append demo event: ", err)
			return
		}
		time.Sleep(interval)
	}

	data, _ := json.Marshal(map[string]interface{}{"taskId": taskID})
	if _, err := store.Append(params.DemoStream, "task-complete", data); err != nil {
		logger.Error("failed to append demo completion event: ", err)
	}
}
