package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/orchestrator"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
)

// Constants for WhatsAppService configuration
const (
	// DefaultEventBufferSize defines the buffer size for the inbound event channel
	DefaultEventBufferSize = 256
	// DefaultChannelTimeout defines the timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp
// client. Events arrive pushed from the server; the service buffers them in
// a channel that Poll drains, turning the push stream into the pull shape
// the orchestrator expects.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	events   chan models.RawEvent
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: make(chan models.RawEvent, DefaultEventBufferSize),
		done:   make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// Start begins background event handling.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	return nil
}

// Poll drains the buffered event channel and returns everything observed
// since the previous call. It never blocks waiting for new events.
func (s *WhatsAppService) Poll(ctx context.Context) ([]models.RawEvent, error) {
	var out []models.RawEvent
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out, nil
		}
	}
}

// Emit delivers one reply into its conversation.
func (s *WhatsAppService) Emit(ctx context.Context, item models.OutboundItem) (orchestrator.EmitResult, error) {
	err := s.client.SendMessage(ctx, item.ConversationID, item.ReplyText)
	if err != nil {
		if isWhatsAppRateLimit(err) {
			slog.Warn("WhatsAppService Emit rate limited", "id", item.ID, "conversation", item.ConversationID)
			return orchestrator.EmitResult{RateLimited: true}, err
		}
		slog.Error("WhatsAppService Emit failed", "id", item.ID, "error", err)
		return orchestrator.EmitResult{}, err
	}
	return orchestrator.EmitResult{Delivered: true}, nil
}

// isWhatsAppRateLimit reports whether a send error is the server refusing
// for rate reasons rather than a genuine failure.
func isWhatsAppRateLimit(err error) bool {
	if errors.Is(err, whatsmeow.ErrIQRateOverLimit) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "rate-overlimit") || strings.Contains(msg, "429")
}

// handleEvents registers the message handler and keeps it running until the
// context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			// Ignore other event types
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts one incoming message into a RawEvent and
// buffers it for the next Poll.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe {
		// Own replies come back on the same stream; ingesting them would
		// make the engine answer itself.
		return
	}

	var messageText string
	var threadID string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
		// A quoted message anchors the reply chain; its ID serves as the
		// thread identifier.
		threadID = evt.Message.ExtendedTextMessage.GetContextInfo().GetStanzaID()
	} else {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	raw := models.RawEvent{
		ExternalID:     evt.Info.ID,
		ConversationID: evt.Info.Chat.String(),
		ThreadID:       threadID,
		ActorID:        evt.Info.Sender.User,
		Text:           messageText,
	}

	select {
	case s.events <- raw:
		slog.Debug("WhatsAppService incoming message buffered", "externalID", raw.ExternalID, "conversation", raw.ConversationID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService event buffer full, dropping message", "externalID", raw.ExternalID, "timeout", DefaultChannelTimeout)
	}
}

var _ Service = (*WhatsAppService)(nil)
var _ orchestrator.Fetcher = (*WhatsAppService)(nil)
var _ orchestrator.Emitter = (*WhatsAppService)(nil)
