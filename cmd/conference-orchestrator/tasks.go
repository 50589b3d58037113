// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Active endpoint task dispatch, out of band from the passive path. A
// periodic pass selects a batch of pending tasks sized to the current queue
// depth, claims each with the datastore's atomic claim (so concurrent
// dispatchers skip each other's rows), and queues them onto per-endpoint
// serial chains so tasks against one endpoint never interleave. Slow tasks
// run through a separate bounded pool with a wider time limit.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	dispatchInterval = 30 * time.Second

	// Adaptive batch sizes by queue depth.
	taskBatchSmall  = 10
	taskBatchMedium = 30
	taskBatchLarge  = 150

	taskTimeout     = 1 * time.Minute
	slowTaskTimeout = 5 * time.Minute

	slowPoolSize = 4

	// Tasks stuck in queued with no recent attempt are handed back.
	staleRequeueAge = 10 * time.Minute

	maxTaskAttempts = 5
)

// taskDispatcher owns the per-endpoint serial chains.
type taskDispatcher struct {
	ds    *Datastore
	state *ProcessState

	mu     sync.Mutex
	chains map[string]chan *EndpointTask

	slowSem chan struct{}
	wg      sync.WaitGroup
}

func newTaskDispatcher(ds *Datastore, state *ProcessState) *taskDispatcher {
	return &taskDispatcher{
		ds:      ds,
		state:   state,
		chains:  make(map[string]chan *EndpointTask),
		slowSem: make(chan struct{}, slowPoolSize),
	}
}

// Run loops dispatch passes until ctx is canceled, then drains the chains.
func (d *taskDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.closeChains()
			d.wg.Wait()
			return
		case <-ticker.C:
			if err := d.requeueStale(ctx); err != nil {
				logger.With(errKey, err).WarnContext(ctx, "failed to requeue stale tasks")
			}
			if err := d.dispatchBatch(ctx); err != nil {
				logger.With(errKey, err).WarnContext(ctx, "task dispatch pass failed")
			}
		}
	}
}

func (d *taskDispatcher) closeChains() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, chain := range d.chains {
		close(chain)
	}
	d.chains = make(map[string]chan *EndpointTask)
}

// listTasks walks the per-endpoint task indexes.
func (d *taskDispatcher) listTasks(ctx context.Context) ([]*EndpointTask, error) {
	keys, err := d.ds.mappings.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var tasks []*EndpointTask
	for _, key := range keys {
		if !strings.HasPrefix(key, "endpoint-tasks.") {
			continue
		}
		endpointID := strings.TrimPrefix(key, "endpoint-tasks.")
		ids, idsErr := d.ds.EndpointTaskIDs(ctx, endpointID)
		if idsErr != nil {
			return nil, idsErr
		}
		for _, id := range ids {
			task, getErr := d.ds.GetEndpointTask(ctx, id)
			if getErr != nil {
				if isNotFound(getErr) {
					continue
				}
				return nil, getErr
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// requeueStale hands back tasks that sat in queued for too long without an
// attempt, so a crashed dispatcher cannot strand them.
func (d *taskDispatcher) requeueStale(ctx context.Context) error {
	tasks, err := d.listTasks(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-staleRequeueAge)
	for _, task := range tasks {
		if task.Status != TaskQueued {
			continue
		}
		reference := task.TSLastAttempt
		if reference.IsZero() {
			reference = task.TSCreated
		}
		if reference.After(cutoff) {
			continue
		}
		task.Status = TaskPending
		d.ds.ReleaseTask(ctx, task.ID)
		if err := d.ds.PutEndpointTask(ctx, task); err != nil {
			return err
		}
		logger.With("task_id", task.ID, "endpoint_id", task.EndpointID).
			InfoContext(ctx, "requeued stale task")
	}
	return nil
}

// batchSize adapts the selection size to the backlog.
func batchSize(depth int) int {
	switch {
	case depth > 100:
		return taskBatchLarge
	case depth > 20:
		return taskBatchMedium
	default:
		return taskBatchSmall
	}
}

// dispatchBatch selects and queues one batch of runnable tasks.
func (d *taskDispatcher) dispatchBatch(ctx context.Context) error {
	tasks, err := d.listTasks(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var runnable []*EndpointTask
	endpoints := make(map[string]*Endpoint)
	for _, task := range tasks {
		if task.Status != TaskPending {
			continue
		}
		if !task.TSScheduleAttempt.IsZero() && task.TSScheduleAttempt.After(now) {
			continue
		}
		if !task.Constraint.Allows(now) {
			continue
		}
		endpoint, ok := endpoints[task.EndpointID]
		if !ok {
			e, getErr := d.ds.GetEndpoint(ctx, task.EndpointID)
			if getErr != nil {
				continue
			}
			endpoints[task.EndpointID] = e
			endpoint = e
		}
		// Active dispatch only reaches endpoints we can talk to directly;
		// everything else waits for the passive heartbeat.
		if endpoint.Status == StateUnknown || !endpoint.DirectCapable() {
			continue
		}
		runnable = append(runnable, task)
	}

	limit := batchSize(len(runnable))
	queued := 0
	for _, task := range runnable {
		if queued >= limit {
			break
		}
		if !d.ds.ClaimTask(ctx, task.ID) {
			// A peer dispatcher holds this row.
			continue
		}
		task.Status = TaskQueued
		task.TSLastAttempt = now
		if err := d.ds.PutEndpointTask(ctx, task); err != nil {
			d.ds.ReleaseTask(ctx, task.ID)
			return err
		}
		d.enqueue(ctx, endpoints[task.EndpointID], task)
		queued++
	}
	if queued > 0 {
		logger.With("queued", queued, "backlog", len(runnable)).DebugContext(ctx, "dispatched task batch")
	}
	return nil
}

// enqueue places a task on its endpoint's serial chain, creating the chain
// worker on first use.
func (d *taskDispatcher) enqueue(ctx context.Context, endpoint *Endpoint, task *EndpointTask) {
	d.mu.Lock()
	chain, ok := d.chains[task.EndpointID]
	if !ok {
		chain = make(chan *EndpointTask, 16)
		d.chains[task.EndpointID] = chain
		d.wg.Add(1)
		go d.runChain(ctx, endpoint, chain)
	}
	d.mu.Unlock()

	select {
	case chain <- task:
	default:
		// Chain full: hand the task back for the next pass.
		task.Status = TaskPending
		d.ds.ReleaseTask(ctx, task.ID)
		if err := d.ds.PutEndpointTask(ctx, task); err != nil {
			logger.With(errKey, err, "task_id", task.ID).WarnContext(ctx, "failed to return task to queue")
		}
	}
}

// runChain executes one endpoint's tasks strictly in order.
func (d *taskDispatcher) runChain(ctx context.Context, endpoint *Endpoint, chain <-chan *EndpointTask) {
	defer d.wg.Done()
	for task := range chain {
		d.executeTask(ctx, endpoint, task)
	}
}

// executeTask runs one claimed task against the endpoint and records the
// outcome.
func (d *taskDispatcher) executeTask(ctx context.Context, endpoint *Endpoint, task *EndpointTask) {
	timeout := taskTimeout
	if task.Slow {
		d.slowSem <- struct{}{}
		defer func() { <-d.slowSem }()
		timeout = slowTaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logger.With("task_id", task.ID, "endpoint_id", endpoint.ID, "action", string(task.Action))

	err := d.runAction(taskCtx, endpoint, task)

	now := time.Now().UTC()
	task.Attempts++
	task.TSLastAttempt = now
	switch {
	case err == nil:
		task.Status = TaskDone
		task.Error = ""
		log.InfoContext(ctx, "task complete")
	case errors.Is(err, errUnsupportedAction):
		task.Status = TaskFailed
		task.Error = err.Error()
		log.With(errKey, err).WarnContext(ctx, "task action unsupported")
	case task.Attempts >= maxTaskAttempts:
		task.Status = TaskFailed
		task.Error = err.Error()
		log.With(errKey, err).WarnContext(ctx, "task failed permanently")
	default:
		// Back off before the next try.
		task.Status = TaskPending
		task.Error = err.Error()
		task.TSScheduleAttempt = now.Add(time.Duration(task.Attempts) * 2 * time.Minute)
		log.With(errKey, err, "attempt", task.Attempts).WarnContext(ctx, "task failed, will retry")
	}

	d.ds.ReleaseTask(ctx, task.ID)
	if putErr := d.ds.PutEndpointTask(ctx, task); putErr != nil {
		log.With(errKey, putErr).ErrorContext(ctx, "failed to persist task outcome")
	}
}

// runAction maps a task action onto the endpoint client capability surface.
func (d *taskDispatcher) runAction(ctx context.Context, endpoint *Endpoint, task *EndpointTask) error {
	client, err := newEndpointClient(endpoint, d.state)
	if err != nil {
		return err
	}

	switch task.Action {
	case TaskDialInfo:
		return client.SetDialInfo(ctx, &DialInfo{
			SIP:      payloadString(task, "sip"),
			H323:     payloadString(task, "h323"),
			H323E164: payloadString(task, "h323_e164"),
		})
	case TaskPassword:
		if err := client.SetPassword(ctx, payloadString(task, "password")); err != nil {
			return err
		}
		endpoint.Password = payloadString(task, "password")
		return d.ds.PutEndpoint(ctx, endpoint)
	case TaskCACertificates:
		return client.AddCACertificates(ctx, payloadString(task, "pem"))
	case TaskEvents:
		registered, checkErr := client.CheckEventsStatus(ctx)
		if checkErr != nil {
			return checkErr
		}
		if registered {
			return nil
		}
		if ce, ok := client.(*ciscoCEClient); ok {
			return ce.RegisterFeedback(ctx, payloadString(task, "url"))
		}
		return fmt.Errorf("%w: events", errUnsupportedAction)
	case TaskConfiguration, TaskCommands, TaskRoomControls, TaskRoomControlsRestart:
		if ce, ok := client.(*ciscoCEClient); ok {
			return ce.putXML(ctx, payloadString(task, "xml"))
		}
		return fmt.Errorf("%w: %s", errUnsupportedAction, task.Action)
	case TaskPassive:
		doc, renderErr := client.GetPassiveProvisioningConfiguration(payloadString(task, "url"))
		if renderErr != nil {
			return renderErr
		}
		if ce, ok := client.(*ciscoCEClient); ok {
			if err := ce.putXML(ctx, string(doc)); err != nil {
				return err
			}
			// Once the endpoint polls us, it is passive by definition.
			endpoint.ConnectionType = ConnectionPassive
			return d.ds.PutEndpoint(ctx, endpoint)
		}
		return fmt.Errorf("%w: passive switch", errUnsupportedAction)
	case TaskRepeat:
		return client.UpdateStatistics(ctx, endpoint)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedAction, task.Action)
	}
}

// EnqueueTask validates and stores a new endpoint task.
func (d *taskDispatcher) EnqueueTask(ctx context.Context, task *EndpointTask) error {
	if task.ID == "" || task.EndpointID == "" || task.Action == "" {
		return &InvalidDataError{Message: "incomplete task", Fields: map[string]string{
			"id": task.ID, "endpoint_id": task.EndpointID, "action": string(task.Action),
		}}
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	if task.TSCreated.IsZero() {
		task.TSCreated = time.Now().UTC()
	}
	return d.ds.PutEndpointTask(ctx, task)
}
