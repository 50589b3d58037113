// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recurringMaster() *Meeting {
	start := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)
	return &Meeting{
		ID:             "master-1",
		ClusterID:      "cl-1",
		Title:          "standup",
		TSStart:        start,
		TSStop:         start.Add(30 * time.Minute),
		RecurrenceRule: "RRULE:FREQ=DAILY;COUNT=3",
		ProviderRef:    "61170",
		ProviderRef2:   "22f67f91-4067-4905-a9b7-c09b297850a4",
		ProviderSecret: "szbKx3Zrg0uSc2FHxab25g",
	}
}

func TestMaterializeOccurrencesDaily(t *testing.T) {
	master := recurringMaster()
	occurrences, err := materializeOccurrences(master)
	require.NoError(t, err)
	require.Len(t, occurrences, 3)

	for i, occurrence := range occurrences {
		expected := master.TSStart.Add(time.Duration(i) * 24 * time.Hour)
		assert.Equal(t, expected, occurrence.TSStart.UTC())
		assert.Equal(t, expected.Add(30*time.Minute), occurrence.TSStop.UTC())
		assert.Equal(t, "master-1", occurrence.RecurringMasterID)
		assert.Equal(t, "standup", occurrence.Title)
		assert.NotEqual(t, master.ID, occurrence.ID)
		assert.Empty(t, occurrence.RecurrenceRule)

		// Provider state never carries over from the master.
		assert.Empty(t, occurrence.ProviderRef)
		assert.Empty(t, occurrence.ProviderRef2)
		assert.Empty(t, occurrence.ProviderSecret)
	}

	// Each occurrence gets its own id.
	assert.NotEqual(t, occurrences[0].ID, occurrences[1].ID)
}

func TestMaterializeOccurrencesSkipsExceptions(t *testing.T) {
	master := recurringMaster()
	master.RecurrenceExceptions = []string{
		master.TSStart.Add(24 * time.Hour).Format(time.RFC3339),
	}

	occurrences, err := materializeOccurrences(master)
	require.NoError(t, err)
	require.Len(t, occurrences, 2)
	assert.Equal(t, master.TSStart, occurrences[0].TSStart.UTC())
	assert.Equal(t, master.TSStart.Add(48*time.Hour), occurrences[1].TSStart.UTC())
}

func TestMaterializeOccurrencesRequiresRule(t *testing.T) {
	master := recurringMaster()
	master.RecurrenceRule = ""
	_, err := materializeOccurrences(master)
	var invalid *InvalidDataError
	require.ErrorAs(t, err, &invalid)
}

func TestMaterializeOccurrencesRejectsBadException(t *testing.T) {
	master := recurringMaster()
	master.RecurrenceExceptions = []string{"next tuesday"}
	_, err := materializeOccurrences(master)
	require.Error(t, err)
}

func TestMaterializeOccurrencesCapsRunawayRules(t *testing.T) {
	master := recurringMaster()
	master.RecurrenceRule = "FREQ=HOURLY"
	occurrences, err := materializeOccurrences(master)
	require.NoError(t, err)
	assert.Len(t, occurrences, maxOccurrences)
}

func TestNormalizeRRule(t *testing.T) {
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", normalizeRRule("RRULE:FREQ=WEEKLY;BYDAY=MO"))
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", normalizeRRule("FREQ=WEEKLY;BYDAY=MO"))
	assert.Equal(t, "FREQ=DAILY", normalizeRRule("  RRULE:FREQ=DAILY  "))
}
