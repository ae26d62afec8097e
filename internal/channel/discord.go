package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"chanbridge/internal/domain"
)

// DiscordConfig configures a Discord bot.
type DiscordConfig struct {
	Token string
	// GuildID limits guild traffic to one server; direct messages always pass.
	GuildID string
	Logger  *slog.Logger
}

// Discord implements domain.Transport and domain.DraftEditor over the
// Discord gateway. Library-level reconnects are disabled so that drops
// surface to the owning connection.
type Discord struct {
	cfg    DiscordConfig
	logger *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
	inbox   chan domain.InboundMessage
	dropped chan struct{}
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{cfg: cfg, logger: cfg.Logger.With("component", "discord")}
}

func (d *Discord) Platform() string { return "discord" }

func (d *Discord) ChunkLimit() int { return DiscordChunkLimit }

// Handshake validates the token by fetching the bot user.
func (d *Discord) Handshake(ctx context.Context) error {
	s, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	me, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord users/@me: %w", err)
	}
	d.logger.Info("discord bot authenticated", "user", me.Username, "id", me.ID)

	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.ShouldReconnectOnError = false

	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
	return nil
}

// Open registers handlers and connects the gateway websocket.
func (d *Discord) Open(ctx context.Context) error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return errors.New("open before handshake")
	}

	inbox := make(chan domain.InboundMessage, 64)
	dropped := make(chan struct{})
	var dropOnce sync.Once
	guild := d.cfg.GuildID

	s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if s.State != nil && s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
			return
		}
		if guild != "" && m.GuildID != "" && m.GuildID != guild {
			return
		}
		msg, ok := discordMessage(m.Message)
		if !ok {
			return
		}
		select {
		case inbox <- msg:
		default:
			d.logger.Warn("discord inbox full, dropping message", "message_id", m.ID)
		}
	})
	s.AddHandler(func(*discordgo.Session, *discordgo.Disconnect) {
		dropOnce.Do(func() { close(dropped) })
	})

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}

	d.mu.Lock()
	d.inbox, d.dropped = inbox, dropped
	d.mu.Unlock()
	return nil
}

func (d *Discord) Serve(ctx context.Context, deliver func(domain.InboundMessage)) error {
	d.mu.Lock()
	inbox, dropped := d.inbox, d.dropped
	d.mu.Unlock()
	if inbox == nil {
		return fmt.Errorf("%w: discord not open", domain.ErrTransportClosed)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dropped:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: discord gateway disconnected", domain.ErrTransportClosed)
		case msg := <-inbox:
			deliver(msg)
		}
	}
}

func discordMessage(m *discordgo.Message) (domain.InboundMessage, bool) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return domain.InboundMessage{}, false
	}
	scope := domain.ScopeGroup
	if m.GuildID == "" {
		scope = domain.ScopeDirect
	}
	msg := domain.InboundMessage{
		ID:             m.ID,
		ConversationID: m.ChannelID,
		Scope:          scope,
		SenderID:       m.Author.ID,
		SenderName:     m.Author.Username,
		Reply:          domain.ReplyHandle{ConversationID: m.ChannelID, Scope: scope, ReplyTo: m.ID},
	}

	if len(m.Attachments) > 0 {
		a := m.Attachments[0]
		ref := domain.MediaRef{URL: a.URL, MimeType: a.ContentType, Name: a.Filename, Size: int64(a.Size)}
		switch {
		case strings.HasPrefix(a.ContentType, "image/"):
			msg.Payload = domain.ImagePayload{Media: ref, Caption: m.Content}
		case strings.HasPrefix(a.ContentType, "audio/"):
			msg.Payload = domain.VoicePayload{Media: ref}
		case strings.HasPrefix(a.ContentType, "video/"):
			msg.Payload = domain.VideoPayload{Media: ref, Caption: m.Content}
		default:
			msg.Payload = domain.FilePayload{Media: ref, Caption: m.Content}
		}
		return msg, true
	}
	if strings.TrimSpace(m.Content) == "" {
		return domain.InboundMessage{}, false
	}
	msg.Payload = domain.TextPayload{Text: m.Content}
	return msg, true
}

func (d *Discord) current() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, fmt.Errorf("%w: discord not authenticated", domain.ErrTransportClosed)
	}
	return d.session, nil
}

// Probe checks that the gateway session is ready and the REST API answers.
func (d *Discord) Probe(ctx context.Context) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	s.RLock()
	ready := s.DataReady
	s.RUnlock()
	if !ready {
		return fmt.Errorf("%w: discord gateway not ready", domain.ErrTransportClosed)
	}
	if _, err := s.User("@me", discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("%w: users/@me: %w", domain.ErrTransportClosed, err)
	}
	return nil
}

// Send posts to the channel in h. A direct handle without a reply anchor is
// a proactive target and holds a user id, so a DM channel is opened first.
func (d *Discord) Send(ctx context.Context, h domain.ReplyHandle, text string) (string, error) {
	s, err := d.current()
	if err != nil {
		return "", err
	}
	channelID := h.ConversationID
	if h.Scope == domain.ScopeDirect && h.ReplyTo == "" {
		if dm, err := s.UserChannelCreate(h.ConversationID, discordgo.WithContext(ctx)); err == nil {
			channelID = dm.ID
		}
	}

	send := &discordgo.MessageSend{Content: text}
	if h.ReplyTo != "" && h.Scope == domain.ScopeGroup {
		fail := false
		send.Reference = &discordgo.MessageReference{MessageID: h.ReplyTo, ChannelID: channelID, FailIfNotExists: &fail}
	}
	m, err := s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError("send", err)
	}
	return m.ID, nil
}

func (d *Discord) Edit(ctx context.Context, h domain.ReplyHandle, messageID, text string) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	if _, err := s.ChannelMessageEdit(h.ConversationID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return discordError("edit", err)
	}
	return nil
}

func (d *Discord) Delete(ctx context.Context, h domain.ReplyHandle, messageID string) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	if err := s.ChannelMessageDelete(h.ConversationID, messageID, discordgo.WithContext(ctx)); err != nil {
		return discordError("delete", err)
	}
	return nil
}

// ResolveMedia returns attachment CDN urls unchanged.
func (d *Discord) ResolveMedia(ctx context.Context, ref domain.MediaRef) (string, map[string]string, error) {
	if ref.URL == "" {
		return "", nil, errors.New("discord media has no url")
	}
	return ref.URL, nil, nil
}

func (d *Discord) Close() error {
	d.mu.Lock()
	s := d.session
	d.session, d.inbox, d.dropped = nil, nil, nil
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func discordError(op string, err error) error {
	wrapped := fmt.Errorf("discord %s: %w", op, err)
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return classifyStatus(rest.Response.StatusCode, wrapped)
	}
	return wrapped
}
