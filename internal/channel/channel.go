// Package channel implements domain.Transport for each supported platform.
package channel

import (
	"fmt"
	"log/slog"
	"net/http"

	"chanbridge/internal/config"
	"chanbridge/internal/domain"
)

// Chunk limits per platform, in characters.
const (
	WSGatewayChunkLimit = 4000
	TelegramChunkLimit  = 4096
	SlackChunkLimit     = 3900
	DiscordChunkLimit   = 2000
)

// New builds the transport for a connection config.
func New(cc config.ConnectionConfig, logger *slog.Logger) (domain.Transport, error) {
	creds := cc.Credentials
	switch cc.Platform {
	case "wsgateway":
		return NewWSGateway(WSGatewayConfig{
			Endpoint:     creds["endpoint"],
			ClientID:     creds["clientId"],
			ClientSecret: creds["clientSecret"],
			RobotCode:    creds["robotCode"],
			Topic:        creds["topic"],
			Logger:       logger,
		}), nil
	case "telegram":
		return NewTelegram(TelegramConfig{
			Token:   creds["token"],
			APIBase: creds["apiBase"],
			Logger:  logger,
		}), nil
	case "slack":
		return NewSlack(SlackConfig{
			BotToken: creds["botToken"],
			AppToken: creds["appToken"],
			APIBase:  creds["apiBase"],
			Logger:   logger,
		}), nil
	case "discord":
		return NewDiscord(DiscordConfig{
			Token:   creds["token"],
			GuildID: creds["guildId"],
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cc.Platform)
	}
}

// classifyStatus wraps err with domain.ErrPermission for HTTP statuses that
// mean the bot may not message the target.
func classifyStatus(status int, err error) error {
	if status == http.StatusForbidden {
		return fmt.Errorf("%w: %w", domain.ErrPermission, err)
	}
	return err
}
