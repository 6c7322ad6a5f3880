package config

import (
	"os"
	"strconv"
)

type SubscriberConfig struct {
	PollIntervalSeconds    int
	HeartbeatWindowSeconds int
	UpgradeIntervalSeconds int
	FallbackThreshold      int
	LogLevel               string
}

func LoadForSubscriber() (*SubscriberConfig, error) {
	pollStr, pollExists := os.LookupEnv("POLL_INTERVAL_SECONDS")
	if !pollExists {
		pollStr = "4"
	}
	pollIntervalSeconds, err := strconv.Atoi(pollStr)
	if err != nil {
		return nil, err
	}

	windowStr, windowExists := os.LookupEnv("HEARTBEAT_WINDOW_SECONDS")
	if !windowExists {
		windowStr = "45"
	}
	heartbeatWindowSeconds, err := strconv.Atoi(windowStr)
	if err != nil {
		return nil, err
	}

	upgradeStr, upgradeExists := os.LookupEnv("UPGRADE_INTERVAL_SECONDS")
	if !upgradeExists {
		upgradeStr = "60"
	}
	upgradeIntervalSeconds, err := strconv.Atoi(upgradeStr)
	if err != nil {
		return nil, err
	}

	thresholdStr, thresholdExists := os.LookupEnv("FALLBACK_THRESHOLD")
	if !thresholdExists {
		thresholdStr = "5"
	}
	fallbackThreshold, err := strconv.Atoi(thresholdStr)
	if err != nil {
		return nil, err
	}

	logLevel, logLevelExists := os.LookupEnv("LOG_LEVEL")
	if !logLevelExists {
		logLevel = "info"
	}

	return &SubscriberConfig{
		PollIntervalSeconds:    pollIntervalSeconds,
		HeartbeatWindowSeconds: heartbeatWindowSeconds,
		UpgradeIntervalSeconds: upgradeIntervalSeconds,
		FallbackThreshold:      fallbackThreshold,
		LogLevel:               logLevel,
	}, nil
}
