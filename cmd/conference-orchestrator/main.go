// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	errKey            = "error"
	defaultListenPort = "8080"
	// gracefulShutdownSeconds should be higher than NATS client
	// request timeout, and lower than the pod or liveness probe's
	// terminationGracePeriodSeconds.
	gracefulShutdownSeconds = 25
)

var (
	logger     *slog.Logger
	cfg        *Config
	natsConn   *nats.Conn
	jsContext  jetstream.JetStream
	objectsKV  jetstream.KeyValue
	mappingsKV jetstream.KeyValue

	datastore   *Datastore
	procState   *ProcessState
	syncer      *syncEngine
	dispatcher  *taskDispatcher
	provisioner *provisioningHandler
	booker      *meetingOrchestrator
)

// main parses optional flags, wires the datastore and provider clients, and
// starts the HTTP listener, the task dispatcher, the sync loop, and the
// event consumer.
func main() {
	// Load configuration
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", cfg.Port, "listener port")
	var bind = flag.String("bind", cfg.Bind, "interface to bind on")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	logOptions := &slog.HandlerOptions{}

	// Optional debug logging.
	if cfg.Debug || *debug {
		logOptions.Level = slog.LevelDebug
		logOptions.AddSource = true
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, logOptions))
	slog.SetDefault(logger)

	// Support GET/POST monitoring "ping".
	http.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		// This always returns as long as the service is still running. As this
		// endpoint is expected to be used as a Kubernetes liveness check, this
		// service must likewise self-detect non-recoverable errors and
		// self-terminate.
		fmt.Fprintf(w, "OK\n")
	})

	// Basic health check.
	http.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if natsConn == nil {
			http.Error(w, "no NATS connection", http.StatusServiceUnavailable)
			return
		}
		if !natsConn.IsConnected() || natsConn.IsDraining() {
			http.Error(w, "NATS connection not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "OK\n")
	})

	// The provisioning surface shares the listener with the health checks;
	// /livez and /readyz are more specific patterns and keep priority.
	registerHandlers(http.DefaultServeMux)

	// Add the http listener. This server does NOT participate in the graceful
	// shutdown process; we want it to stay up until the process is killed, to
	// avoid liveness checks failing during the graceful shutdown.
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
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.With(errKey, err).Error("http listener error")
			os.Exit(1)
		}
	}()

	// Create a wait group which is used to wait while draining (gracefully
	// closing) a connection.
	gracefulCloseWG := sync.WaitGroup{}

	// Support graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Create NATS connection.
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
				// If our parent background context has already been canceled, this is
				// a graceful shutdown. Decrement the wait group but do not exit, to
				// allow other graceful shutdown steps to complete.
				gracefulCloseWG.Done()
				return
			}
			// Otherwise, this handler means that max reconnect attempts have been
			// exhausted.
			logger.Error("NATS max-reconnects exhausted; connection closed")
			// Send a synthetic interrupt and give any graceful-shutdown tasks 5
			// seconds to clean up.
			done <- os.Interrupt
			time.Sleep(5 * time.Second)
			// Exit with an error instead of decrementing the wait group.
			os.Exit(1)
		}),
	)
	if err != nil {
		logger.With(errKey, err).Error("error creating NATS client")
		os.Exit(1)
	}

	// Create JetStream context
	jsContext, err = jetstream.New(natsConn)
	if err != nil {
		logger.With(errKey, err).Error("error creating JetStream context")
		os.Exit(1)
	}

	// Create KV bucket connections for the object rows.
	objectsKV, err = jsContext.KeyValue(ctx, cfg.ObjectsBucket)
	if err != nil {
		logger.With(errKey, err, "bucket", cfg.ObjectsBucket).Error("error accessing objects KV bucket")
		os.Exit(1)
	}

	// Create the mappings KV bucket for secondary indexes, locks, and claims.
	mappingsKV, err = jsContext.KeyValue(ctx, cfg.MappingsBucket)
	if err != nil {
		logger.With(errKey, err, "bucket", cfg.MappingsBucket).Error("error accessing mappings KV bucket")
		os.Exit(1)
	}

	// Wire the service components.
	datastore = newJetStreamDatastore(objectsKV, mappingsKV)
	procState = NewProcessState()
	defer procState.Close()
	syncer = newSyncEngine(datastore, procState)
	dispatcher = newTaskDispatcher(datastore, procState)
	provisioner = newProvisioningHandler(datastore, dispatcher, cfg.ExternalURL)
	booker = newMeetingOrchestrator(datastore, syncer, newKVResourceLocker(datastore.mappings))

	// Create or get the JetStream pull consumer for gateway events. A durable
	// shared consumer lets multiple orchestrator pods split the stream.
	consumerName := "conference-orchestrator-event-consumer"
	streamName := cfg.NATSEventStreamName

	consumer, err := jsContext.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: cfg.NATSEventSubjectPrefix + ".>",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		MaxAckPending: 1000,
		Description:   "durable/shared conference event consumer for orchestrator pods",
	})
	if err != nil {
		logger.With(errKey, err, "consumer", consumerName, "stream", streamName).Error("error creating JetStream pull consumer")
		os.Exit(1)
	}

	// Start consuming gateway events with error handling.
	eventConsumerCtx, err := consumer.Consume(conferenceEventHandler, jetstream.ConsumeErrHandler(func(consCtx jetstream.ConsumeContext, err error) {
		logger.With(errKey, err).Error("event consumer error encountered")
	}))
	if err != nil {
		logger.With(errKey, err, "consumer", consumerName).Error("error starting event consumer")
		os.Exit(1)
	}
	defer eventConsumerCtx.Stop()

	// Subscribe to booking commands from the meeting-requests stream.
	bookingConsumerName := "conference-orchestrator-booking-consumer"

	bookingConsumer, err := jsContext.CreateOrUpdateConsumer(ctx, cfg.NATSMeetingStreamName, jetstream.ConsumerConfig{
		Name:          bookingConsumerName,
		Durable:       bookingConsumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: cfg.NATSMeetingSubjectPrefix + ".>",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		Description:   "booking command consumer for conference-orchestrator",
	})
	if err != nil {
		logger.With(errKey, err, "consumer", bookingConsumerName, "stream", cfg.NATSMeetingStreamName).Error("error creating booking consumer")
		os.Exit(1)
	}

	// Start consuming booking commands with error handling.
	bookingConsumerCtx, err := bookingConsumer.Consume(meetingRequestHandler, jetstream.ConsumeErrHandler(func(consCtx jetstream.ConsumeContext, err error) {
		logger.With(errKey, err).Error("booking consumer error encountered")
	}))
	if err != nil {
		logger.With(errKey, err, "consumer", bookingConsumerName).Error("error starting booking consumer")
		os.Exit(1)
	}
	defer bookingConsumerCtx.Stop()

	// Start the active task dispatcher.
	gracefulCloseWG.Add(1)
	go func() {
		defer gracefulCloseWG.Done()
		dispatcher.Run(ctx)
	}()

	// Start the periodic datastore sync loop.
	gracefulCloseWG.Add(1)
	go func() {
		defer gracefulCloseWG.Done()
		runSyncLoop(ctx)
	}()

	// This next line blocks until SIGINT or SIGTERM is received, or NATS disconnects.
	<-done

	// Begin graceful shutdown process.
	logger.Debug("beginning graceful shutdown")

	// Drain consumers first (non-blocking) to mitigate "nats: connection
	// closed" errors in the ConsumeErrHandler.
	eventConsumerCtx.Drain()
	bookingConsumerCtx.Drain()

	// Cancel the background context.
	cancel()

	// Drain the connection, which will drain all remaining subscriptions, then
	// close the connection when complete (including the consumer draining).
	if !natsConn.IsClosed() && !natsConn.IsDraining() {
		logger.Info("draining NATS connection")
		if err := natsConn.Drain(); err != nil {
			logger.With(errKey, err).Error("error draining NATS connection")
			os.Exit(1)
		}
	}

	// Wait for the graceful shutdown steps to complete.
	logger.Debug("waiting for graceful shutdown steps to complete")
	gracefulCloseWG.Wait()
	logger.Debug("graceful shutdown steps completed")

	// Immediately close the HTTP server after graceful shutdown has finished.
	if err = httpServer.Close(); err != nil {
		logger.With(errKey, err).Error("http listener error on close")
	}
}

// runSyncLoop drives periodic cluster synchronization: incremental passes at
// the configured interval, promoted to a full pass once the full-sync
// interval elapses.
func runSyncLoop(ctx context.Context) {
	lastFull := make(map[string]time.Time)
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		clusters, err := datastore.ListClusters(ctx)
		if err != nil {
			logger.With(errKey, err).ErrorContext(ctx, "failed to list clusters for sync")
			continue
		}

		for _, cluster := range clusters {
			full := time.Since(lastFull[cluster.ID]) >= cfg.FullSyncInterval
			if err := syncer.SyncCluster(ctx, cluster.ID, full); err != nil {
				logger.With(errKey, err, "cluster_id", cluster.ID, "full", full).
					WarnContext(ctx, "cluster sync failed")
				continue
			}
			if full {
				lastFull[cluster.ID] = time.Now().UTC()
			}
		}
	}
}
