package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/orchestrator"
)

// TwilioOpts holds configuration options for the Twilio emitter.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string // sender number in "whatsapp:+1234567890" format
}

// TwilioOption defines a configuration option for the Twilio emitter.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sender number.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// TwilioService is an emit-only backend delivering replies through the
// Twilio REST API. Deployments using it pair it with a separate Fetcher;
// Twilio pushes inbound traffic over webhooks rather than a pollable stream.
type TwilioService struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioService creates a Twilio-backed emitter. Credentials fall back to
// the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio emitter config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &TwilioService{
		client: client,
		from:   cfg.From,
	}, nil
}

// Emit delivers one reply via the Twilio messages endpoint.
func (s *TwilioService) Emit(ctx context.Context, item models.OutboundItem) (orchestrator.EmitResult, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + item.ConversationID)
	params.SetFrom(s.from)
	params.SetBody(item.ReplyText)

	_, err := s.client.Api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status == 429 {
			slog.Warn("TwilioService Emit rate limited", "id", item.ID, "conversation", item.ConversationID)
			return orchestrator.EmitResult{RateLimited: true}, err
		}
		slog.Error("TwilioService Emit failed", "id", item.ID, "error", err)
		return orchestrator.EmitResult{}, fmt.Errorf("failed to send message to %s: %w", item.ConversationID, err)
	}

	slog.Debug("TwilioService message sent", "id", item.ID, "conversation", item.ConversationID)
	return orchestrator.EmitResult{Delivered: true}, nil
}

var _ orchestrator.Emitter = (*TwilioService)(nil)
