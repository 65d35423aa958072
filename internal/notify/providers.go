package notify

import (
	"context"
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go/v7"
)

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UserID       string
}

// NewProvider picks a provider by name. Unknown names and a pubnub provider
// without keys fall back to logging.
func NewProvider(kind string, cfg PubNubConfig, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case "noop":
		return noopProvider{}
	case "pubnub":
		if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
			logger.Warn("pubnub keys missing, notifications will be logged")
			return LogProvider{Logger: logger}
		}
		return NewPubNubProvider(cfg)
	default:
		return LogProvider{Logger: logger}
	}
}

type LogProvider struct {
	Logger *slog.Logger
}

func (LogProvider) Name() string { return "log" }

func (p LogProvider) Send(_ context.Context, userID string, payload Payload) error {
	p.Logger.Info("notification", "user_id", userID, "title", payload.Title, "body", payload.Body)
	return nil
}

type noopProvider struct{}

func (noopProvider) Name() string { return "noop" }

func (noopProvider) Send(context.Context, string, Payload) error { return nil }

// PubNubProvider publishes to the per-user channel "user-<id>".
type PubNubProvider struct {
	pn *pubnub.PubNub
}

func NewPubNubProvider(cfg PubNubConfig) *PubNubProvider {
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnConfig.PublishKey = cfg.PublishKey
	pnConfig.SubscribeKey = cfg.SubscribeKey
	pnConfig.SecretKey = cfg.SecretKey
	return &PubNubProvider{pn: pubnub.NewPubNub(pnConfig)}
}

func (*PubNubProvider) Name() string { return "pubnub" }

func (p *PubNubProvider) Send(ctx context.Context, userID string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, status, err := p.pn.Publish().
		Channel(UserChannel(userID)).
		Message(publishMessage(payload)).
		Execute()
	if err != nil {
		return fmt.Errorf("pubnub publish: %w", err)
	}
	if status.Error != nil {
		return fmt.Errorf("pubnub publish: %w", status.Error)
	}
	if status.StatusCode >= 300 {
		return fmt.Errorf("pubnub publish rejected with status %d", status.StatusCode)
	}
	return nil
}

func UserChannel(userID string) string {
	return "user-" + userID
}

func publishMessage(payload Payload) map[string]any {
	msg := map[string]any{
		"title": payload.Title,
		"body":  payload.Body,
	}
	if len(payload.Data) > 0 {
		msg["data"] = payload.Data
	}
	return msg
}
