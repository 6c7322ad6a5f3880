package config

import (
	"os"
	"strconv"
)

type Config struct {
	StreamIdleTimeExpiry int
	HeartbeatInterval    int
	LogLevel             string
}

func Load() (*Config, error) {
	expiryStr, expiryExists := os.LookupEnv("STREAM_IDLE_TIME_EXPIRY")
	if !expiryExists {
		expiryStr = "300"
	}
	streamIdleTimeExpiry, err := strconv.Atoi(expiryStr)
	if err != nil {
		return nil, err
	}

	heartbeatStr, heartbeatExists := os.LookupEnv("HEARTBEAT_INTERVAL")
	if !heartbeatExists {
		heartbeatStr = "15"
	}
	heartbeatInterval, err := strconv.Atoi(
		heartbeatStr,
	)
	if err != nil {
		return nil, err
	}

	logLevel, logLevelExists := os.LookupEnv("LOG_LEVEL")
	if !logLevelExists {
		logLevel = "info"
	}

	return &Config{
		StreamIdleTimeExpiry: streamIdleTimeExpiry,
		HeartbeatInterval:    heartbeatInterval,
		LogLevel:             logLevel,
	}, nil
}
