package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"chanbridge/internal/domain"
)

// Slack API error codes that mean the bot cannot post to the target.
var slackPermissionErrors = map[string]bool{
	"not_in_channel":    true,
	"channel_not_found": true,
	"is_archived":       true,
	"restricted_action": true,
	"cannot_dm_bot":     true,
	"user_disabled":     true,
	"missing_scope":     true,
}

// SlackConfig configures a Socket Mode app.
type SlackConfig struct {
	BotToken string
	AppToken string
	APIBase  string // overrides https://slack.com/api/
	Logger   *slog.Logger
}

// Slack implements domain.Transport and domain.DraftEditor using Socket Mode.
type Slack struct {
	cfg    SlackConfig
	logger *slog.Logger

	mu     sync.Mutex
	api    *slack.Client
	socket *socketmode.Client
	botUID string
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{cfg: cfg, logger: cfg.Logger.With("component", "slack")}
}

func (s *Slack) Platform() string { return "slack" }

func (s *Slack) ChunkLimit() int { return SlackChunkLimit }

// Handshake checks the bot token with auth.test and records the bot user id.
func (s *Slack) Handshake(ctx context.Context) error {
	opts := []slack.Option{slack.OptionAppLevelToken(s.cfg.AppToken)}
	if s.cfg.APIBase != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(s.cfg.APIBase, "/")+"/"))
	}
	api := slack.New(s.cfg.BotToken, opts...)
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	s.logger.Info("slack bot authenticated", "user", auth.User, "user_id", auth.UserID, "team", auth.Team)

	s.mu.Lock()
	s.api, s.botUID = api, auth.UserID
	s.mu.Unlock()
	return nil
}

// Open prepares the Socket Mode client. The socket itself is dialed by Serve.
func (s *Slack) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil {
		return errors.New("open before handshake")
	}
	s.socket = socketmode.New(s.api)
	return nil
}

func (s *Slack) Serve(ctx context.Context, deliver func(domain.InboundMessage)) error {
	s.mu.Lock()
	socket, botUID := s.socket, s.botUID
	s.mu.Unlock()
	if socket == nil {
		return fmt.Errorf("%w: slack socket not open", domain.ErrTransportClosed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- socket.RunContext(runCtx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: socket mode: %w", domain.ErrTransportClosed, err)
		case evt, ok := <-socket.Events:
			if !ok {
				return fmt.Errorf("%w: socket mode events closed", domain.ErrTransportClosed)
			}
			if evt.Request != nil {
				socket.Ack(*evt.Request)
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				api, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || api.Type != slackevents.CallbackEvent {
					continue
				}
				if msg, ok := slackMessage(api.InnerEvent.Data, botUID); ok {
					deliver(msg)
				}
			case socketmode.EventTypeConnectionError:
				s.logger.Warn("slack socket connection error", "data", evt.Data)
			}
		}
	}
}

func slackMessage(data any, botUID string) (domain.InboundMessage, bool) {
	var (
		user, channel, channelType, text, ts, threadTS string
	)
	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		if ev.SubType != "" || ev.BotID != "" {
			return domain.InboundMessage{}, false
		}
		user, channel, channelType, text, ts, threadTS = ev.User, ev.Channel, ev.ChannelType, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp
	case *slackevents.AppMentionEvent:
		user, channel, channelType, text, ts, threadTS = ev.User, ev.Channel, "channel", ev.Text, ev.TimeStamp, ev.ThreadTimeStamp
	default:
		return domain.InboundMessage{}, false
	}
	if user == "" || user == botUID || strings.TrimSpace(text) == "" {
		return domain.InboundMessage{}, false
	}

	scope := domain.ScopeGroup
	if channelType == "im" {
		scope = domain.ScopeDirect
	}
	msg := domain.InboundMessage{
		ID:             channel + ":" + ts,
		ConversationID: channel,
		Scope:          scope,
		SenderID:       user,
		Payload:        domain.TextPayload{Text: text},
		Reply:          domain.ReplyHandle{ConversationID: channel, Scope: scope},
	}
	if scope == domain.ScopeGroup {
		msg.Reply.ThreadID = threadTS
		if msg.Reply.ThreadID == "" {
			msg.Reply.ThreadID = ts
		}
	}
	return msg, true
}

func (s *Slack) client() (*slack.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil {
		return nil, fmt.Errorf("%w: slack not authenticated", domain.ErrTransportClosed)
	}
	return s.api, nil
}

func (s *Slack) Probe(ctx context.Context) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	if _, err := api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("%w: auth.test: %w", domain.ErrTransportClosed, err)
	}
	return nil
}

func (s *Slack) Send(ctx context.Context, h domain.ReplyHandle, text string) (string, error) {
	api, err := s.client()
	if err != nil {
		return "", err
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if h.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(h.ThreadID))
	}
	_, ts, err := api.PostMessageContext(ctx, h.ConversationID, opts...)
	if err != nil {
		return "", slackError("chat.postMessage", err)
	}
	return ts, nil
}

func (s *Slack) Edit(ctx context.Context, h domain.ReplyHandle, messageID, text string) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	if _, _, _, err := api.UpdateMessageContext(ctx, h.ConversationID, messageID, slack.MsgOptionText(text, false)); err != nil {
		return slackError("chat.update", err)
	}
	return nil
}

func (s *Slack) Delete(ctx context.Context, h domain.ReplyHandle, messageID string) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	if _, _, err := api.DeleteMessageContext(ctx, h.ConversationID, messageID); err != nil {
		return slackError("chat.delete", err)
	}
	return nil
}

// ResolveMedia authorizes private file URLs with the bot token.
func (s *Slack) ResolveMedia(ctx context.Context, ref domain.MediaRef) (string, map[string]string, error) {
	if ref.URL == "" {
		return "", nil, errors.New("slack media has no url")
	}
	return ref.URL, map[string]string{"Authorization": "Bearer " + s.cfg.BotToken}, nil
}

func (s *Slack) Close() error {
	s.mu.Lock()
	s.socket = nil
	s.mu.Unlock()
	return nil
}

func slackError(op string, err error) error {
	wrapped := fmt.Errorf("slack %s: %w", op, err)
	if slackPermissionErrors[err.Error()] {
		return fmt.Errorf("%w: %w", domain.ErrPermission, wrapped)
	}
	return wrapped
}
