package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"chanbridge/internal/domain"
)

const (
	frameSystem   = "SYSTEM"
	frameEvent    = "EVENT"
	frameCallback = "CALLBACK"

	systemPing       = "ping"
	systemDisconnect = "disconnect"

	defaultBotTopic   = "/v1/im/bot/messages/get"
	tokenHeader       = "x-gateway-access-token"
	tokenRefreshSlack = time.Minute
)

// WSGatewayConfig holds the credentials for a push-socket gateway: a REST
// endpoint that issues a connection ticket and a websocket that streams
// frames carrying bot messages.
type WSGatewayConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	RobotCode    string
	Topic        string
	// StaleAfter fails Probe when nothing was read from the socket for this
	// long. Defaults to three minutes.
	StaleAfter   time.Duration
	WriteTimeout time.Duration
	HTTPTimeout  time.Duration
	Logger       *slog.Logger
}

// WSGateway implements domain.Transport over a ticketed websocket.
type WSGateway struct {
	cfg    WSGatewayConfig
	client *resty.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	streamURL   string
	ticket      string
	conn        *websocket.Conn

	writeMu  sync.Mutex
	lastSeen atomic.Int64
}

func NewWSGateway(cfg WSGatewayConfig) *WSGateway {
	if cfg.Topic == "" {
		cfg.Topic = defaultBotTopic
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.HTTPTimeout).
		SetHeader("Content-Type", "application/json")
	return &WSGateway{
		cfg:    cfg,
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HTTPTimeout},
		logger: cfg.Logger.With("component", "wsgateway"),
	}
}

func (g *WSGateway) Platform() string { return "wsgateway" }

func (g *WSGateway) ChunkLimit() int { return WSGatewayChunkLimit }

type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"` // seconds
}

type subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type openRequest struct {
	ClientID      string         `json:"clientId"`
	ClientSecret  string         `json:"clientSecret"`
	Subscriptions []subscription `json:"subscriptions"`
}

type openResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// Handshake fetches an access token and negotiates a one-time ticket for
// the stream endpoint.
func (g *WSGateway) Handshake(ctx context.Context) error {
	if _, err := g.refreshToken(ctx); err != nil {
		return err
	}

	var out openResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(openRequest{
			ClientID:      g.cfg.ClientID,
			ClientSecret:  g.cfg.ClientSecret,
			Subscriptions: []subscription{{Type: frameCallback, Topic: g.cfg.Topic}},
		}).
		SetResult(&out).
		Post("/v1/gateway/connections/open")
	if err != nil {
		return fmt.Errorf("open connection request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("open connection (status %d): %s", resp.StatusCode(), resp.String())
	}
	if out.Endpoint == "" || out.Ticket == "" {
		return errors.New("open connection: response missing endpoint or ticket")
	}

	g.mu.Lock()
	g.streamURL, g.ticket = out.Endpoint, out.Ticket
	g.mu.Unlock()
	return nil
}

func (g *WSGateway) refreshToken(ctx context.Context) (string, error) {
	var out tokenResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(tokenRequest{ClientID: g.cfg.ClientID, ClientSecret: g.cfg.ClientSecret}).
		SetResult(&out).
		Post("/v1/oauth/token")
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("token (status %d): %s", resp.StatusCode(), resp.String())
	}
	if out.AccessToken == "" {
		return "", errors.New("token: empty access token")
	}
	ttl := time.Duration(out.ExpireIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	g.mu.Lock()
	g.token, g.tokenExpiry = out.AccessToken, time.Now().Add(ttl)
	g.mu.Unlock()
	return out.AccessToken, nil
}

func (g *WSGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	token, expiry := g.token, g.tokenExpiry
	g.mu.Unlock()
	if token != "" && time.Until(expiry) > tokenRefreshSlack {
		return token, nil
	}
	return g.refreshToken(ctx)
}

// Open dials the stream endpoint with the ticket from the last Handshake.
func (g *WSGateway) Open(ctx context.Context) error {
	g.mu.Lock()
	stream, ticket := g.streamURL, g.ticket
	g.mu.Unlock()
	if stream == "" {
		return errors.New("open before handshake")
	}

	u, err := url.Parse(stream)
	if err != nil {
		return fmt.Errorf("stream endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ticket", ticket)
	u.RawQuery = q.Encode()

	conn, _, err := g.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	g.touch()
	conn.SetPongHandler(func(string) error {
		g.touch()
		return nil
	})

	g.mu.Lock()
	old := g.conn
	g.conn = conn
	g.ticket = "" // tickets are single use
	g.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (g *WSGateway) touch() { g.lastSeen.Store(time.Now().UnixNano()) }

func (g *WSGateway) current() *websocket.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

type frameHeaders struct {
	Topic       string `json:"topic,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

type gatewayFrame struct {
	SpecVersion string       `json:"specVersion"`
	Type        string       `json:"type"`
	Headers     frameHeaders `json:"headers"`
	Data        string       `json:"data"`
}

type frameAck struct {
	Code    int          `json:"code"`
	Headers frameHeaders `json:"headers"`
	Message string       `json:"message"`
	Data    string       `json:"data"`
}

// Serve reads frames until the socket drops or ctx ends. Control pings are
// answered inline; callback frames are acknowledged before deliver runs.
func (g *WSGateway) Serve(ctx context.Context, deliver func(domain.InboundMessage)) error {
	conn := g.current()
	if conn == nil {
		return fmt.Errorf("%w: not open", domain.ErrTransportClosed)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				g.logger.Warn("skip malformed frame", "err", err)
				continue
			}
			return fmt.Errorf("%w: %w", domain.ErrTransportClosed, err)
		}
		g.touch()

		switch frame.Type {
		case frameSystem:
			switch frame.Headers.Topic {
			case systemPing:
				if err := g.ack(conn, frame, frame.Data); err != nil {
					return fmt.Errorf("%w: ack ping: %w", domain.ErrTransportClosed, err)
				}
			case systemDisconnect:
				return fmt.Errorf("%w: gateway requested disconnect", domain.ErrTransportClosed)
			default:
				g.logger.Debug("ignore system frame", "topic", frame.Headers.Topic)
			}

		case frameCallback, frameEvent:
			if err := g.ack(conn, frame, `{"response":null}`); err != nil {
				return fmt.Errorf("%w: ack frame: %w", domain.ErrTransportClosed, err)
			}
			if frame.Type != frameCallback || frame.Headers.Topic != g.cfg.Topic {
				g.logger.Debug("drop frame for unsubscribed topic", "type", frame.Type, "topic", frame.Headers.Topic)
				continue
			}
			msg, err := parseBotMessage(frame.Data)
			if err != nil {
				g.logger.Warn("skip undecodable bot message", "message_id", frame.Headers.MessageID, "err", err)
				continue
			}
			deliver(msg)

		default:
			g.logger.Debug("ignore frame", "type", frame.Type)
		}
	}
}

func (g *WSGateway) ack(conn *websocket.Conn, frame gatewayFrame, data string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	return conn.WriteJSON(frameAck{
		Code: 200,
		Headers: frameHeaders{
			ContentType: "application/json",
			MessageID:   frame.Headers.MessageID,
		},
		Message: "OK",
		Data:    data,
	})
}

type richSegment struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	DownloadCode string `json:"downloadCode,omitempty"`
}

type botContent struct {
	DownloadCode string        `json:"downloadCode,omitempty"`
	Recognition  string        `json:"recognition,omitempty"`
	FileName     string        `json:"fileName,omitempty"`
	RichText     []richSegment `json:"richText,omitempty"`
}

type botMessage struct {
	MsgID            string `json:"msgId"`
	ConversationID   string `json:"conversationId"`
	ConversationType string `json:"conversationType"` // "1" direct, "2" group
	SenderStaffID    string `json:"senderStaffId"`
	SenderID         string `json:"senderId"`
	SenderNick       string `json:"senderNick"`
	MsgType          string `json:"msgtype"`
	Text             struct {
		Content string `json:"content"`
	} `json:"text"`
	Content                   botContent `json:"content"`
	SessionWebhook            string     `json:"sessionWebhook"`
	SessionWebhookExpiredTime int64      `json:"sessionWebhookExpiredTime"` // unix ms
	CreateAt                  int64      `json:"createAt"`                  // unix ms
}

func parseBotMessage(data string) (domain.InboundMessage, error) {
	var m botMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return domain.InboundMessage{}, err
	}
	if m.MsgID == "" || m.ConversationID == "" {
		return domain.InboundMessage{}, errors.New("missing msgId or conversationId")
	}

	sender := m.SenderStaffID
	if sender == "" {
		sender = m.SenderID
	}
	// Direct conversations are keyed by the peer so proactive sends and
	// replies after webhook expiry can address the user.
	scope := domain.ScopeDirect
	conv := sender
	if m.ConversationType == "2" {
		scope = domain.ScopeGroup
		conv = m.ConversationID
	}

	msg := domain.InboundMessage{
		ID:             m.MsgID,
		ConversationID: conv,
		Scope:          scope,
		SenderID:       sender,
		SenderName:     m.SenderNick,
		Payload:        botPayload(m),
		Reply: domain.ReplyHandle{
			ConversationID: conv,
			Scope:          scope,
			Webhook:        m.SessionWebhook,
		},
	}
	if m.SessionWebhookExpiredTime > 0 {
		exp := time.UnixMilli(m.SessionWebhookExpiredTime)
		msg.Reply.WebhookExpiry = exp
		msg.Expiry = exp
	}
	return msg, nil
}

func botPayload(m botMessage) domain.Payload {
	ref := domain.MediaRef{FileID: m.Content.DownloadCode, Name: m.Content.FileName}
	switch m.MsgType {
	case "picture":
		return domain.ImagePayload{Media: ref}
	case "audio":
		return domain.VoicePayload{Media: ref, Transcript: m.Content.Recognition}
	case "video":
		return domain.VideoPayload{Media: ref}
	case "file":
		return domain.FilePayload{Media: ref}
	case "richText":
		segs := make([]domain.Segment, 0, len(m.Content.RichText))
		for _, s := range m.Content.RichText {
			switch {
			case s.DownloadCode != "":
				segs = append(segs, domain.Segment{Kind: domain.SegmentImage, Media: domain.MediaRef{FileID: s.DownloadCode}})
			case s.Text != "":
				segs = append(segs, domain.Segment{Kind: domain.SegmentText, Text: s.Text})
			}
		}
		return domain.RichTextPayload{Segments: segs}
	default:
		return domain.TextPayload{Text: m.Text.Content}
	}
}

// Probe fails when the socket has been silent for longer than StaleAfter,
// and otherwise sends a websocket ping whose pong refreshes the timestamp.
func (g *WSGateway) Probe(ctx context.Context) error {
	conn := g.current()
	if conn == nil {
		return fmt.Errorf("%w: not open", domain.ErrTransportClosed)
	}
	if idle := time.Since(time.Unix(0, g.lastSeen.Load())); idle > g.cfg.StaleAfter {
		return fmt.Errorf("%w: no traffic for %s", domain.ErrTransportClosed, idle.Round(time.Second))
	}
	deadline := time.Now().Add(g.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("%w: ping: %w", domain.ErrTransportClosed, err)
	}
	return nil
}

type webhookText struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

type webhookResult struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type robotSend struct {
	RobotCode      string   `json:"robotCode,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	UserIDs        []string `json:"userIds,omitempty"`
	MsgKey         string   `json:"msgKey"`
	MsgParam       string   `json:"msgParam"`
}

type robotSendResult struct {
	ProcessQueryKey string `json:"processQueryKey"`
}

// Send replies through the per-message session webhook while it is valid
// and falls back to the robot messaging API otherwise.
func (g *WSGateway) Send(ctx context.Context, h domain.ReplyHandle, text string) (string, error) {
	if h.Webhook != "" && (h.WebhookExpiry.IsZero() || time.Now().Before(h.WebhookExpiry)) {
		return "", g.sendWebhook(ctx, h.Webhook, text)
	}
	return g.sendRobot(ctx, h, text)
}

func (g *WSGateway) sendWebhook(ctx context.Context, hook, text string) error {
	body := webhookText{MsgType: "text"}
	body.Text.Content = text

	var out webhookResult
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(hook)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	if resp.IsError() {
		return classifyStatus(resp.StatusCode(), fmt.Errorf("webhook send (status %d): %s", resp.StatusCode(), resp.String()))
	}
	if out.ErrCode != 0 {
		return fmt.Errorf("webhook send: %d %s", out.ErrCode, out.ErrMsg)
	}
	return nil
}

func (g *WSGateway) sendRobot(ctx context.Context, h domain.ReplyHandle, text string) (string, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return "", err
	}
	param, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return "", err
	}
	req := robotSend{RobotCode: g.cfg.RobotCode, MsgKey: "sampleText", MsgParam: string(param)}
	if h.Scope == domain.ScopeGroup {
		req.ConversationID = h.ConversationID
	} else {
		req.UserIDs = []string{h.ConversationID}
	}

	var out robotSendResult
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader(tokenHeader, token).
		SetBody(req).
		SetResult(&out).
		Post("/v1/robot/messages")
	if err != nil {
		return "", fmt.Errorf("robot send: %w", err)
	}
	if resp.IsError() {
		return "", classifyStatus(resp.StatusCode(), fmt.Errorf("robot send (status %d): %s", resp.StatusCode(), resp.String()))
	}
	return out.ProcessQueryKey, nil
}

type downloadRequest struct {
	DownloadCode string `json:"downloadCode"`
	RobotCode    string `json:"robotCode,omitempty"`
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

// ResolveMedia exchanges a download code for a short-lived URL.
func (g *WSGateway) ResolveMedia(ctx context.Context, ref domain.MediaRef) (string, map[string]string, error) {
	if ref.URL != "" {
		return ref.URL, ref.Header, nil
	}
	token, err := g.accessToken(ctx)
	if err != nil {
		return "", nil, err
	}
	var out downloadResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader(tokenHeader, token).
		SetBody(downloadRequest{DownloadCode: ref.FileID, RobotCode: g.cfg.RobotCode}).
		SetResult(&out).
		Post("/v1/robot/files/download")
	if err != nil {
		return "", nil, fmt.Errorf("resolve media: %w", err)
	}
	if resp.IsError() {
		return "", nil, fmt.Errorf("resolve media (status %d): %s", resp.StatusCode(), resp.String())
	}
	if out.DownloadURL == "" {
		return "", nil, errors.New("resolve media: empty download url")
	}
	return out.DownloadURL, nil, nil
}

func (g *WSGateway) Close() error {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn == nil {
		return nil
	}
	g.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	g.writeMu.Unlock()
	return conn.Close()
}
