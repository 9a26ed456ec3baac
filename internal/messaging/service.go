// Package messaging provides the chat-platform collaborators consumed by
// the orchestrator: an event poller and a reply emitter.
//
// Two backends are included. The Whatsmeow-based service covers both sides
// (it buffers pushed events so the orchestrator can poll them), while the
// Twilio service is an emit-only alternative for deployments that deliver
// through the Twilio REST API.
package messaging

import (
	"context"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/orchestrator"
)

// Service is a pluggable platform backend: it observes new chat events and
// delivers generated replies.
type Service interface {
	// Poll returns the events observed since the previous call.
	Poll(ctx context.Context) ([]models.RawEvent, error)

	// Emit delivers one reply and classifies the outcome.
	Emit(ctx context.Context, item models.OutboundItem) (orchestrator.EmitResult, error)

	// Start begins background processing (event subscription).
	Start(ctx context.Context) error

	// Stop stops background processing and releases resources.
	Stop() error
}
