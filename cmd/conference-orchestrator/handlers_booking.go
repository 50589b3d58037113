// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// Booking request actions accepted on the meeting-requests stream.
const (
	bookingActionBook    = "book"
	bookingActionRebook  = "rebook"
	bookingActionUnbook  = "unbook"
	bookingActionConfirm = "confirm"
)

// bookingRequest is one command published by the scheduling frontend.
type bookingRequest struct {
	Action       string   `json:"action"`
	MeetingID    string   `json:"meeting_id,omitempty"`
	AllRecurring bool     `json:"all_recurring,omitempty"`
	Meeting      *Meeting `json:"meeting,omitempty"`
}

func (r *bookingRequest) validate() error {
	switch r.Action {
	case bookingActionBook:
		if r.Meeting == nil || r.Meeting.ID == "" {
			return &InvalidDataError{Message: "book requires a meeting", Fields: map[string]string{"action": r.Action}}
		}
	case bookingActionRebook:
		if r.MeetingID == "" || r.Meeting == nil {
			return &InvalidDataError{Message: "rebook requires meeting_id and meeting", Fields: map[string]string{"action": r.Action}}
		}
	case bookingActionUnbook, bookingActionConfirm:
		if r.MeetingID == "" {
			return &InvalidDataError{Message: "missing meeting_id", Fields: map[string]string{"action": r.Action}}
		}
	default:
		return &InvalidDataError{Message: "unknown action", Fields: map[string]string{"action": r.Action}}
	}
	return nil
}

// meetingRequestHandler processes booking commands from the meeting-requests
// stream. Handles ACK/NAK logic internally based on retry conditions.
func meetingRequestHandler(msg jetstream.Msg) {
	ctx := context.Background()

	subject := msg.Subject()
	logger.With("subject", subject).DebugContext(ctx, "received booking request")

	var request bookingRequest
	if err := json.Unmarshal(msg.Data(), &request); err != nil {
		logger.With(errKey, err, "subject", subject).ErrorContext(ctx, "failed to unmarshal booking request")
		if ackErr := msg.Ack(); ackErr != nil {
			logger.With(errKey, ackErr, "subject", subject).Error("failed to acknowledge booking message")
		}
		return
	}

	if err := request.validate(); err != nil {
		logger.With(errKey, err, "subject", subject).WarnContext(ctx, "invalid booking request")
		if ackErr := msg.Ack(); ackErr != nil {
			logger.With(errKey, ackErr, "subject", subject).Error("failed to acknowledge booking message")
		}
		return
	}

	log := logger.With("action", request.Action, "meeting_id", requestMeetingID(&request))
	err := applyBookingRequest(ctx, &request)
	if err == nil {
		log.InfoContext(ctx, "booking request applied")
		if ackErr := msg.Ack(); ackErr != nil {
			log.With(errKey, ackErr).Error("failed to acknowledge booking message")
		}
		return
	}

	if shouldRetryBooking(err) {
		log.With(errKey, err).ErrorContext(ctx, "booking request failed, will retry")
		if nakErr := msg.Nak(); nakErr != nil {
			log.With(errKey, nakErr).Error("failed to NAK booking message for retry")
		}
		return
	}

	log.With(errKey, err).WarnContext(ctx, "dropping unprocessable booking request")
	if ackErr := msg.Ack(); ackErr != nil {
		log.With(errKey, ackErr).Error("failed to acknowledge booking message")
	}
}

func requestMeetingID(request *bookingRequest) string {
	if request.MeetingID != "" {
		return request.MeetingID
	}
	if request.Meeting != nil {
		return request.Meeting.ID
	}
	return ""
}

func applyBookingRequest(ctx context.Context, request *bookingRequest) error {
	switch request.Action {
	case bookingActionBook:
		return booker.Book(ctx, request.Meeting)
	case bookingActionRebook:
		return booker.Rebook(ctx, request.MeetingID, request.Meeting, request.AllRecurring)
	case bookingActionUnbook:
		return booker.Unbook(ctx, request.MeetingID, request.AllRecurring)
	case bookingActionConfirm:
		return booker.Confirm(ctx, request.MeetingID)
	default:
		return &InvalidDataError{Message: "unknown action", Fields: map[string]string{"action": request.Action}}
	}
}

// shouldRetryBooking separates transient failures, which earn a redelivery,
// from request failures that can never succeed.
func shouldRetryBooking(err error) bool {
	var invalidErr *InvalidDataError
	if errors.As(err, &invalidErr) || isNotFound(err) {
		return false
	}
	return true
}
