// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-event-gateway service accepts inbound provider callbacks —
// Pexip event-sink posts and call bridge CDR posts — and publishes each raw
// payload to a NATS JetStream stream for the orchestrator to consume. The
// gateway is the only piece that must be reachable from the conferencing
// infrastructure; the orchestrator pods stay private.
//
// Published subjects use the form: {NATS_EVENT_SUBJECT_PREFIX}.{kind}.{cluster_id}
//
// Optional environment variables (with defaults):
//
//	NATS_URL                   nats://localhost:4222
//	NATS_EVENT_STREAM_NAME     conference_events
//	NATS_EVENT_SUBJECT_PREFIX  conference_events
//	PORT                       8081
//	BIND                       *
//	DEBUG                      false
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	errKey                  = "error"
	gracefulShutdownSeconds = 25

	maxEventBytes = 4 << 20
)

var (
	logger    *slog.Logger
	cfg       *Config
	natsConn  *nats.Conn
	jsContext jetstream.JetStream
)

func main() {
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", cfg.Port, "listener port")
	var bind = flag.String("bind", cfg.Bind, "interface to bind on")
	flag.Parse()

	logOptions := &slog.HandlerOptions{}
	if cfg.Debug || *debug {
		logOptions.Level = slog.LevelDebug
		logOptions.AddSource = true
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, logOptions))
	slog.SetDefault(logger)

	// Health check server.
	http.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "OK\n")
	})
	http.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if natsConn == nil || !natsConn.IsConnected() || natsConn.IsDraining() {
			http.Error(w, "NATS connection not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "OK\n")
	})

	// Inbound event surface: /events/{kind}/{cluster_id}.
	http.HandleFunc("/events/", eventIngestHandler)

	var addr string
	if *bind == "*" {
		addr = ":" + *port
	} else {
		addr = *bind + ":" + *port
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.With(errKey, err).Error("http listener error")
			os.Exit(1)
		}
	}()

	gracefulCloseWG := sync.WaitGroup{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Connect to NATS.
	gracefulCloseWG.Add(1)
	natsConn, err = nats.Connect(
		cfg.NATSURL,
		nats.DrainTimeout(gracefulShutdownSeconds*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			if s != nil {
				logger.With(errKey, err, "subject", s.Subject, "queue", s.Queue).Error("async NATS error")
			} else {
				logger.With(errKey, err).Error("async NATS error outside subscription")
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if ctx.Err() != nil {
				gracefulCloseWG.Done()
				return
			}
			logger.Error("NATS max-reconnects exhausted; connection closed")
			done <- os.Interrupt
			time.Sleep(5 * time.Second)
			os.Exit(1)
		}),
	)
	if err != nil {
		logger.With(errKey, err).Error("error creating NATS client")
		os.Exit(1)
	}

	jsContext, err = jetstream.New(natsConn)
	if err != nil {
		logger.With(errKey, err).Error("error creating JetStream context")
		os.Exit(1)
	}

	// Create (or update) the NATS JetStream stream that receives conference events.
	_, err = jsContext.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.NATSEventStreamName,
		Subjects:    []string{cfg.NATSEventSubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      14 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Compression: jetstream.S2Compression,
		Description: "Conference provider callback events",
	})
	if err != nil {
		logger.With(errKey, err, "stream", cfg.NATSEventStreamName).Error("error creating NATS stream")
		os.Exit(1)
	}

	// Block until SIGINT / SIGTERM.
	<-done
	logger.Debug("beginning graceful shutdown")

	cancel()

	// Drain the NATS connection (flushes pending publishes).
	if !natsConn.IsClosed() && !natsConn.IsDraining() {
		logger.Info("draining NATS connection")
		if err := natsConn.Drain(); err != nil {
			logger.With(errKey, err).Error("error draining NATS connection")
			os.Exit(1)
		}
	}

	gracefulCloseWG.Wait()
	logger.Debug("graceful shutdown complete")

	if err = httpServer.Close(); err != nil {
		logger.With(errKey, err).Error("http listener error on close")
	}
}

// eventIngestHandler accepts one provider callback and forwards it to the
// stream. The path carries the event kind and the originating cluster:
// /events/pexip/<cluster_id> for event-sink posts, /events/cdr/<cluster_id>
// for call bridge CDR posts.
func eventIngestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/events/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	kind, clusterID := parts[0], parts[1]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty payload", http.StatusBadRequest)
		return
	}

	if err := publishEvent(r.Context(), kind, clusterID, body); err != nil {
		logger.With(errKey, err, "kind", kind, "cluster_id", clusterID).
			ErrorContext(r.Context(), "failed to publish event")
		http.Error(w, "failed to publish event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
