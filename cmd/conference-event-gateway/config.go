// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-event-gateway service.
package main

import (
	"os"
	"slices"
	"strings"
)

// Config holds all configuration values for the conference-event-gateway service.
type Config struct {
	// NATS configuration
	NATSURL string

	// NATS JetStream stream configuration
	NATSEventStreamName    string // Stream name (default: conference_events)
	NATSEventSubjectPrefix string // Subject prefix (default: conference_events)

	// Server configuration
	Port string
	Bind string

	// Logging
	Debug bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		NATSURL:                os.Getenv("NATS_URL"),
		NATSEventStreamName:    os.Getenv("NATS_EVENT_STREAM_NAME"),
		NATSEventSubjectPrefix: os.Getenv("NATS_EVENT_SUBJECT_PREFIX"),
		Port:                   os.Getenv("PORT"),
		Bind:                   os.Getenv("BIND"),
		Debug:                  parseBooleanEnv("DEBUG"),
	}

	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://localhost:4222"
	}
	if cfg.NATSEventStreamName == "" {
		cfg.NATSEventStreamName = "conference_events"
	}
	if cfg.NATSEventSubjectPrefix == "" {
		cfg.NATSEventSubjectPrefix = "conference_events"
	}
	if cfg.Port == "" {
		cfg.Port = "8081"
	}
	if cfg.Bind == "" {
		cfg.Bind = "*"
	}

	return cfg, nil
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
}
