// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*taskDispatcher, *Datastore) {
	t.Helper()
	ds := newTestDatastore()
	state := NewProcessState()
	t.Cleanup(state.Close)
	return newTaskDispatcher(ds, state), ds
}

func TestBatchSize(t *testing.T) {
	assert.Equal(t, taskBatchSmall, batchSize(0))
	assert.Equal(t, taskBatchSmall, batchSize(20))
	assert.Equal(t, taskBatchMedium, batchSize(21))
	assert.Equal(t, taskBatchMedium, batchSize(100))
	assert.Equal(t, taskBatchLarge, batchSize(101))
}

func TestEnqueueTaskValidation(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()

	var invalid *InvalidDataError
	err := dispatcher.EnqueueTask(ctx, &EndpointTask{EndpointID: "ep-1", Action: TaskPassword})
	require.ErrorAs(t, err, &invalid)
	err = dispatcher.EnqueueTask(ctx, &EndpointTask{ID: "task-1", Action: TaskPassword})
	require.ErrorAs(t, err, &invalid)
	err = dispatcher.EnqueueTask(ctx, &EndpointTask{ID: "task-1", EndpointID: "ep-1"})
	require.ErrorAs(t, err, &invalid)
}

func TestEnqueueTaskDefaults(t *testing.T) {
	dispatcher, ds := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, dispatcher.EnqueueTask(ctx, &EndpointTask{
		ID:         "task-1",
		EndpointID: "ep-1",
		Action:     TaskPassword,
	}))

	task, err := ds.GetEndpointTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.False(t, task.TSCreated.IsZero())

	ids, err := ds.EndpointTaskIDs(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, ids)
}

func TestRequeueStale(t *testing.T) {
	dispatcher, ds := newTestDispatcher(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &EndpointTask{
		ID:            "task-stale",
		EndpointID:    "ep-1",
		Action:        TaskPassword,
		Status:        TaskQueued,
		TSCreated:     now.Add(-time.Hour),
		TSLastAttempt: now.Add(-time.Hour),
	}
	fresh := &EndpointTask{
		ID:            "task-fresh",
		EndpointID:    "ep-1",
		Action:        TaskPassword,
		Status:        TaskQueued,
		TSCreated:     now.Add(-time.Hour),
		TSLastAttempt: now.Add(-time.Minute),
	}
	pending := &EndpointTask{
		ID:         "task-pending",
		EndpointID: "ep-1",
		Action:     TaskPassword,
		Status:     TaskPending,
		TSCreated:  now.Add(-time.Hour),
	}
	for _, task := range []*EndpointTask{stale, fresh, pending} {
		require.NoError(t, ds.PutEndpointTask(ctx, task))
	}
	require.True(t, ds.ClaimTask(ctx, "task-stale"))

	require.NoError(t, dispatcher.requeueStale(ctx))

	requeued, err := ds.GetEndpointTask(ctx, "task-stale")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, requeued.Status)
	// The claim was released, so the next pass can pick it up.
	assert.True(t, ds.ClaimTask(ctx, "task-stale"))

	untouched, err := ds.GetEndpointTask(ctx, "task-fresh")
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, untouched.Status)
}

func TestRequeueStaleUsesCreationWithoutAttempt(t *testing.T) {
	dispatcher, ds := newTestDispatcher(t)
	ctx := context.Background()

	task := &EndpointTask{
		ID:         "task-never-tried",
		EndpointID: "ep-1",
		Action:     TaskConfiguration,
		Status:     TaskQueued,
		TSCreated:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, ds.PutEndpointTask(ctx, task))
	require.NoError(t, dispatcher.requeueStale(ctx))

	requeued, err := ds.GetEndpointTask(ctx, "task-never-tried")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, requeued.Status)
}

func TestTaskConstraintAllows(t *testing.T) {
	at := time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC)

	var unset *TaskConstraint
	assert.True(t, unset.Allows(at))
	assert.True(t, (&TaskConstraint{}).Allows(at))

	window := &TaskConstraint{NotBefore: "12:00", NotAfter: "18:00"}
	assert.True(t, window.Allows(at))
	assert.False(t, window.Allows(time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC)))
	assert.False(t, window.Allows(time.Date(2026, 9, 1, 19, 0, 0, 0, time.UTC)))

	// An unknown zone blocks execution rather than guessing.
	broken := &TaskConstraint{NotBefore: "12:00", Timezone: "Mars/Olympus"}
	assert.False(t, broken.Allows(at))
}

func TestListTasksWalksEndpointIndexes(t *testing.T) {
	dispatcher, ds := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, ds.PutEndpointTask(ctx, &EndpointTask{ID: "t-1", EndpointID: "ep-1", Action: TaskPassword, Status: TaskPending, TSCreated: time.Now().UTC()}))
	require.NoError(t, ds.PutEndpointTask(ctx, &EndpointTask{ID: "t-2", EndpointID: "ep-2", Action: TaskEvents, Status: TaskDone, TSCreated: time.Now().UTC()}))

	tasks, err := dispatcher.listTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	ids := []string{tasks[0].ID, tasks[1].ID}
	assert.ElementsMatch(t, []string{"t-1", "t-2"}, ids)
}
