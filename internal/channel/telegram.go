package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chanbridge/internal/domain"
)

const telegramPollTimeout = 30 // seconds

// TelegramConfig configures a long-polling Telegram bot.
type TelegramConfig struct {
	Token string
	// APIBase overrides https://api.telegram.org, mainly for tests.
	APIBase string
	Logger  *slog.Logger
}

// Telegram implements domain.Transport and domain.DraftEditor over the Bot
// API's getUpdates long poll.
type Telegram struct {
	token    string
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	bot      *tgbotapi.BotAPI
	stopPoll func()
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	endpoint := tgbotapi.APIEndpoint
	if cfg.APIBase != "" {
		endpoint = strings.TrimRight(cfg.APIBase, "/") + "/bot%s/%s"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:    cfg.Token,
		endpoint: endpoint,
		client:   &http.Client{Timeout: (telegramPollTimeout + 15) * time.Second},
		logger:   cfg.Logger.With("component", "telegram"),
	}
}

func (t *Telegram) Platform() string { return "telegram" }

func (t *Telegram) ChunkLimit() int { return TelegramChunkLimit }

// Handshake validates the token with getMe.
func (t *Telegram) Handshake(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, ctxClient{ctx: ctx, client: t.client})
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	bot.Client = t.client
	t.logger.Info("telegram bot authenticated", "username", bot.Self.UserName, "id", bot.Self.ID)

	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	return nil
}

// Open removes any registered webhook so getUpdates is allowed.
func (t *Telegram) Open(ctx context.Context) error {
	bot, err := t.current(ctx)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram deleteWebhook: %w", err)
	}
	return nil
}

// current returns the authenticated bot with every request bound to ctx.
// The long poll uses the shared bot directly.
func (t *Telegram) current(ctx context.Context) (*tgbotapi.BotAPI, error) {
	bot, err := t.shared()
	if err != nil {
		return nil, err
	}
	scoped := *bot
	scoped.Client = ctxClient{ctx: ctx, client: bot.Client}
	return &scoped, nil
}

func (t *Telegram) shared() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot == nil {
		return nil, fmt.Errorf("%w: telegram not authenticated", domain.ErrTransportClosed)
	}
	return t.bot, nil
}

// ctxClient attaches ctx to each Bot API request.
type ctxClient struct {
	ctx    context.Context
	client tgbotapi.HTTPClient
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// Serve long-polls for updates. The poller retries network errors on its
// own, so silent stalls are left to Probe.
func (t *Telegram) Serve(ctx context.Context, deliver func(domain.InboundMessage)) error {
	bot, err := t.shared()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := bot.GetUpdatesChan(u)
	var once sync.Once
	stop := func() { once.Do(bot.StopReceivingUpdates) }
	t.mu.Lock()
	t.stopPoll = stop
	t.mu.Unlock()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: update channel closed", domain.ErrTransportClosed)
			}
			if msg, ok := telegramMessage(update); ok {
				deliver(msg)
			}
		}
	}
}

func telegramMessage(update tgbotapi.Update) (domain.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.Chat == nil || m.From == nil || m.From.IsBot {
		return domain.InboundMessage{}, false
	}

	scope := domain.ScopeGroup
	if m.Chat.IsPrivate() {
		scope = domain.ScopeDirect
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := domain.InboundMessage{
		ID:             chatID + ":" + strconv.Itoa(m.MessageID),
		ConversationID: chatID,
		Scope:          scope,
		SenderID:       strconv.FormatInt(m.From.ID, 10),
		SenderName:     strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		Reply:          domain.ReplyHandle{ConversationID: chatID, Scope: scope},
	}
	if scope == domain.ScopeGroup {
		msg.Reply.ReplyTo = strconv.Itoa(m.MessageID)
	}

	switch {
	case m.Voice != nil:
		msg.Payload = domain.VoicePayload{Media: domain.MediaRef{FileID: m.Voice.FileID, MimeType: m.Voice.MimeType, Size: int64(m.Voice.FileSize)}}
	case m.Audio != nil:
		msg.Payload = domain.VoicePayload{Media: domain.MediaRef{FileID: m.Audio.FileID, MimeType: m.Audio.MimeType, Name: m.Audio.FileName, Size: int64(m.Audio.FileSize)}}
	case len(m.Photo) > 0:
		p := m.Photo[len(m.Photo)-1] // largest size last
		msg.Payload = domain.ImagePayload{Media: domain.MediaRef{FileID: p.FileID, MimeType: "image/jpeg", Size: int64(p.FileSize)}, Caption: m.Caption}
	case m.Video != nil:
		msg.Payload = domain.VideoPayload{Media: domain.MediaRef{FileID: m.Video.FileID, MimeType: m.Video.MimeType, Name: m.Video.FileName, Size: int64(m.Video.FileSize)}, Caption: m.Caption}
	case m.Document != nil:
		msg.Payload = domain.FilePayload{Media: domain.MediaRef{FileID: m.Document.FileID, MimeType: m.Document.MimeType, Name: m.Document.FileName, Size: int64(m.Document.FileSize)}, Caption: m.Caption}
	case m.Text != "":
		msg.Payload = domain.TextPayload{Text: m.Text}
	default:
		return domain.InboundMessage{}, false
	}
	return msg, true
}

// Probe calls getMe.
func (t *Telegram) Probe(ctx context.Context) error {
	bot, err := t.current(ctx)
	if err != nil {
		return err
	}
	if _, err := bot.GetMe(); err != nil {
		return fmt.Errorf("%w: getMe: %w", domain.ErrTransportClosed, err)
	}
	return nil
}

func (t *Telegram) Send(ctx context.Context, h domain.ReplyHandle, text string) (string, error) {
	bot, err := t.current(ctx)
	if err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(h.ConversationID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", h.ConversationID, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if h.ReplyTo != "" {
		msg.ReplyToMessageID, _ = strconv.Atoi(h.ReplyTo)
		msg.AllowSendingWithoutReply = true
	}
	sent, err := bot.Send(msg)
	if err != nil {
		return "", telegramError("sendMessage", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) Edit(ctx context.Context, h domain.ReplyHandle, messageID, text string) error {
	bot, chatID, msgID, err := t.target(ctx, h, messageID)
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, text)); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return telegramError("editMessageText", err)
	}
	return nil
}

func (t *Telegram) Delete(ctx context.Context, h domain.ReplyHandle, messageID string) error {
	bot, chatID, msgID, err := t.target(ctx, h, messageID)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return telegramError("deleteMessage", err)
	}
	return nil
}

func (t *Telegram) target(ctx context.Context, h domain.ReplyHandle, messageID string) (*tgbotapi.BotAPI, int64, int, error) {
	bot, err := t.current(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	chatID, err := strconv.ParseInt(h.ConversationID, 10, 64)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("invalid chat id %q: %w", h.ConversationID, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	return bot, chatID, msgID, nil
}

// ResolveMedia turns a file id into a download link via getFile.
func (t *Telegram) ResolveMedia(ctx context.Context, ref domain.MediaRef) (string, map[string]string, error) {
	if ref.URL != "" {
		return ref.URL, ref.Header, nil
	}
	bot, err := t.current(ctx)
	if err != nil {
		return "", nil, err
	}
	link, err := bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return "", nil, telegramError("getFile", err)
	}
	return link, nil, nil
}

func (t *Telegram) Close() error {
	t.mu.Lock()
	stop := t.stopPoll
	t.stopPoll = nil
	t.bot = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func telegramError(op string, err error) error {
	wrapped := fmt.Errorf("telegram %s: %w", op, err)
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, wrapped)
	}
	var valErr tgbotapi.Error
	if errors.As(err, &valErr) {
		return classifyStatus(valErr.Code, wrapped)
	}
	return wrapped
}
