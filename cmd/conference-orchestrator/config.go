// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the conference-orchestrator service.
type Config struct {
	// NATS configuration
	NATSURL string

	// KV buckets backing the datastore
	ObjectsBucket  string // Object rows (default: conference-objects)
	MappingsBucket string // Secondary indexes and locks (default: conference-mappings)

	// Conference event stream (fed by the event gateway)
	NATSEventStreamName    string // Stream name (default: conference_events)
	NATSEventSubjectPrefix string // Subject prefix (default: conference_events)

	// Meeting-request stream (booking commands from the scheduling frontend)
	NATSMeetingStreamName    string // Stream name (default: meeting_requests)
	NATSMeetingSubjectPrefix string // Subject prefix (default: meeting_requests)

	// ExternalURL is this system's public base URL, used in heartbeat
	// responses for documents-to-post callbacks and in generated device
	// configuration.
	ExternalURL string

	// AllowAnonymousPoll permits passive heartbeats on the bare /tms/ path
	// with no customer key. Off by default.
	AllowAnonymousPoll bool

	// Periodic datastore sync cadence
	SyncInterval     time.Duration // Incremental sync pass interval
	FullSyncInterval time.Duration // Promote a pass to a full sync this often

	// Server configuration
	Port string
	Bind string

	// Logging
	Debug bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	syncMinutes := parseIntEnv("SYNC_INTERVAL_MINUTES", 15)
	fullSyncMinutes := parseIntEnv("FULL_SYNC_INTERVAL_MINUTES", 360)

	cfg := &Config{
		NATSURL:                  os.Getenv("NATS_URL"),
		ObjectsBucket:            os.Getenv("OBJECTS_BUCKET"),
		MappingsBucket:           os.Getenv("MAPPINGS_BUCKET"),
		NATSEventStreamName:      os.Getenv("NATS_EVENT_STREAM_NAME"),
		NATSEventSubjectPrefix:   os.Getenv("NATS_EVENT_SUBJECT_PREFIX"),
		NATSMeetingStreamName:    os.Getenv("NATS_MEETING_STREAM_NAME"),
		NATSMeetingSubjectPrefix: os.Getenv("NATS_MEETING_SUBJECT_PREFIX"),
		ExternalURL:              os.Getenv("EXTERNAL_URL"),
		AllowAnonymousPoll:       parseBooleanEnv("ALLOW_ANONYMOUS_POLL"),
		SyncInterval:             time.Duration(syncMinutes) * time.Minute,
		FullSyncInterval:         time.Duration(fullSyncMinutes) * time.Minute,
		Port:                     os.Getenv("PORT"),
		Bind:                     os.Getenv("BIND"),
		Debug:                    parseBooleanEnv("DEBUG"),
	}

	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://localhost:4222"
	}
	if cfg.ObjectsBucket == "" {
		cfg.ObjectsBucket = "conference-objects"
	}
	if cfg.MappingsBucket == "" {
		cfg.MappingsBucket = "conference-mappings"
	}
	if cfg.NATSEventStreamName == "" {
		cfg.NATSEventStreamName = "conference_events"
	}
	if cfg.NATSEventSubjectPrefix == "" {
		cfg.NATSEventSubjectPrefix = "conference_events"
	}
	if cfg.NATSMeetingStreamName == "" {
		cfg.NATSMeetingStreamName = "meeting_requests"
	}
	if cfg.NATSMeetingSubjectPrefix == "" {
		cfg.NATSMeetingSubjectPrefix = "meeting_requests"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Bind == "" {
		cfg.Bind = "*"
	}
	if cfg.ExternalURL == "" {
		cfg.ExternalURL = "http://localhost:" + cfg.Port
	}
	cfg.ExternalURL = strings.TrimSuffix(cfg.ExternalURL, "/")

	return cfg, nil
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
}

// parseIntEnv parses an integer environment variable with a default value.
func parseIntEnv(envVar string, defaultVal int) int {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
