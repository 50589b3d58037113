// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Recurring-meeting materialization. The recurring master holds an RFC 5545
// RRULE; booking expands it into concrete occurrence records.

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
)

const (
	// occurrenceHorizon bounds how far ahead occurrences are materialized.
	occurrenceHorizon = 365 * 24 * time.Hour

	// maxOccurrences caps runaway rules (e.g. FREQ=MINUTELY).
	maxOccurrences = 200
)

// materializeOccurrences expands a recurring master into occurrence
// meetings. Exceptions (RFC 3339 timestamps of skipped starts) are dropped.
func materializeOccurrences(master *Meeting) ([]*Meeting, error) {
	if master.RecurrenceRule == "" {
		return nil, &InvalidDataError{Message: "meeting has no recurrence rule", Fields: map[string]string{"id": master.ID}}
	}

	rule, err := rrule.StrToRRule(normalizeRRule(master.RecurrenceRule))
	if err != nil {
		return nil, fmt.Errorf("failed to parse recurrence rule: %w", err)
	}
	rule.DTStart(master.TSStart.UTC())

	exceptions := make(map[time.Time]bool, len(master.RecurrenceExceptions))
	for _, raw := range master.RecurrenceExceptions {
		ts, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid recurrence exception %q: %w", raw, parseErr)
		}
		exceptions[ts.UTC()] = true
	}

	duration := master.TSStop.Sub(master.TSStart)
	horizon := master.TSStart.Add(occurrenceHorizon)
	starts := rule.Between(master.TSStart.UTC(), horizon, true)

	occurrences := make([]*Meeting, 0, len(starts))
	for _, start := range starts {
		if exceptions[start.UTC()] {
			continue
		}
		if len(occurrences) >= maxOccurrences {
			break
		}
		occurrence := *master
		occurrence.ID = uuid.NewString()
		occurrence.TSStart = start
		occurrence.TSStop = start.Add(duration)
		occurrence.RecurrenceRule = ""
		occurrence.RecurrenceExceptions = nil
		occurrence.RecurringMasterID = master.ID
		occurrence.OccurrenceIDs = nil
		// Provider state belongs to each occurrence individually.
		occurrence.ProviderRef = ""
		occurrence.ProviderRef2 = ""
		occurrence.ProviderSecret = ""
		occurrence.ModeratorAccessMethodID = ""
		occurrences = append(occurrences, &occurrence)
	}
	return occurrences, nil
}

// normalizeRRule accepts both bare rules ("FREQ=WEEKLY;...") and prefixed
// ones ("RRULE:FREQ=WEEKLY;...").
func normalizeRRule(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "RRULE:")
}
