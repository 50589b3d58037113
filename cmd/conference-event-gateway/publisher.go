// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-event-gateway service.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	nats "github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"
)

// publishEvent forwards one raw event payload to the conference-events
// stream. The orchestrator does all interpretation; the gateway only assigns
// a subject and a deduplication id.
func publishEvent(ctx context.Context, kind, clusterID string, body []byte) error {
	subject := subjectFor(cfg.NATSEventSubjectPrefix, kind, clusterID)

	msg := &nats.Msg{
		Subject: subject,
		Data:    body,
		Header:  nats.Header{},
	}
	// Dedup on the event's own identity where the payload carries one, so
	// provider retries and gateway restarts don't double-deliver.
	msg.Header.Set("Nats-Msg-Id", eventMessageID(kind, body))

	if _, err := jsContext.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to NATS subject %s: %w", subject, err)
	}

	logger.With("subject", subject, "bytes", len(body)).DebugContext(ctx, "published conference event")
	return nil
}

// subjectFor constructs a NATS subject for the event, sanitizing characters
// that have special meaning in NATS subjects.
func subjectFor(prefix, kind, clusterID string) string {
	replacer := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return prefix + "." + replacer.Replace(kind) + "." + replacer.Replace(clusterID)
}

// eventMessageID derives a stable deduplication id. Pexip event-sink posts
// carry an event name and participant/conference guid; everything else falls
// back to a digest of the payload.
func eventMessageID(kind string, body []byte) string {
	if kind == "pexip" {
		event := gjson.GetBytes(body, "event").String()
		guid := gjson.GetBytes(body, "data.uuid").String()
		if guid == "" {
			guid = gjson.GetBytes(body, "data.guid").String()
		}
		seq := gjson.GetBytes(body, "seq").String()
		if event != "" && guid != "" {
			return event + "-" + guid + "-" + seq
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}
