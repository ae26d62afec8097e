package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeGateway struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu       sync.Mutex
	tokenErr bool
	hooks    []string
	robot    []robotSend
	tickets  []string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t, conns: make(chan *websocket.Conn, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		fail := g.tokenErr
		g.mu.Unlock()
		if fail || req.ClientSecret != "secret" {
			http.Error(w, `{"code":"invalidClient"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, tokenResponse{AccessToken: "tok", ExpireIn: 7200})
	})
	mux.HandleFunc("POST /v1/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, openResponse{Endpoint: "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/stream", Ticket: "ticket-1"})
	})
	mux.HandleFunc("GET /stream", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.tickets = append(g.tickets, r.URL.Query().Get("ticket"))
		g.mu.Unlock()
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- conn
	})
	mux.HandleFunc("POST /hook", func(w http.ResponseWriter, r *http.Request) {
		var body webhookText
		json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.hooks = append(g.hooks, body.Text.Content)
		g.mu.Unlock()
		writeJSON(w, webhookResult{})
	})
	mux.HandleFunc("POST /v1/robot/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tokenHeader) != "tok" {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		var body robotSend
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.UserIDs) == 1 && body.UserIDs[0] == "blocked" {
			http.Error(w, `{"code":"Forbidden.AccessDenied"}`, http.StatusForbidden)
			return
		}
		g.mu.Lock()
		g.robot = append(g.robot, body)
		g.mu.Unlock()
		writeJSON(w, robotSendResult{ProcessQueryKey: "pq-1"})
	})
	mux.HandleFunc("POST /v1/robot/files/download", func(w http.ResponseWriter, r *http.Request) {
		var body downloadRequest
		json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, downloadResponse{DownloadURL: "https://files.example/" + body.DownloadCode})
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (g *fakeGateway) transport() *WSGateway {
	return NewWSGateway(WSGatewayConfig{
		Endpoint:     g.srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		RobotCode:    "robot",
		Logger:       testLogger(),
	})
}

func readAck(t *testing.T, conn *websocket.Conn) frameAck {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack frameAck
	require.NoError(t, conn.ReadJSON(&ack))
	return ack
}

func botFrame(id string, msg map[string]any) gatewayFrame {
	data, _ := json.Marshal(msg)
	return gatewayFrame{
		SpecVersion: "1.0",
		Type:        frameCallback,
		Headers:     frameHeaders{Topic: defaultBotTopic, MessageID: id, ContentType: "application/json"},
		Data:        string(data),
	}
}

func TestWSGateway_ServeAcksAndDelivers(t *testing.T) {
	gw := newFakeGateway(t)
	tr := gw.transport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, tr.Handshake(ctx))
	require.NoError(t, tr.Open(ctx))
	server := <-gw.conns
	defer server.Close()

	delivered := make(chan domain.InboundMessage, 4)
	served := make(chan error, 1)
	go func() { served <- tr.Serve(ctx, func(m domain.InboundMessage) { delivered <- m }) }()

	require.NoError(t, server.WriteJSON(gatewayFrame{Type: frameSystem, Headers: frameHeaders{Topic: systemPing, MessageID: "p1"}, Data: `{"opaque":"x"}`}))
	ack := readAck(t, server)
	assert.Equal(t, 200, ack.Code)
	assert.Equal(t, "p1", ack.Headers.MessageID)
	assert.Equal(t, `{"opaque":"x"}`, ack.Data)

	other := botFrame("o1", map[string]any{"msgId": "x", "conversationId": "c"})
	other.Headers.Topic = "/v1/card/callback"
	require.NoError(t, server.WriteJSON(other))
	assert.Equal(t, "o1", readAck(t, server).Headers.MessageID)

	expiry := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, server.WriteJSON(botFrame("m1", map[string]any{
		"msgId":                     "msg-1",
		"conversationId":            "cid-group",
		"conversationType":          "2",
		"senderStaffId":             "staff-7",
		"senderNick":                "Ana",
		"msgtype":                   "text",
		"text":                      map[string]string{"content": "@bot hello"},
		"sessionWebhook":            gw.srv.URL + "/hook",
		"sessionWebhookExpiredTime": expiry,
	})))
	assert.Equal(t, "m1", readAck(t, server).Headers.MessageID)

	var msg domain.InboundMessage
	select {
	case msg = <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Empty(t, delivered, "unsubscribed topic must not be delivered")
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, domain.ScopeGroup, msg.Scope)
	assert.Equal(t, "staff-7", msg.SenderID)
	assert.Equal(t, domain.TextPayload{Text: "@bot hello"}, msg.Payload)
	assert.Equal(t, "cid-group", msg.Reply.ConversationID)
	assert.Equal(t, expiry, msg.Expiry.UnixMilli())

	require.NoError(t, tr.Probe(ctx))

	require.NoError(t, server.WriteJSON(gatewayFrame{Type: frameSystem, Headers: frameHeaders{Topic: systemDisconnect}}))
	select {
	case err := <-served:
		assert.ErrorIs(t, err, domain.ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return on disconnect")
	}

	gw.mu.Lock()
	assert.Equal(t, []string{"ticket-1"}, gw.tickets)
	gw.mu.Unlock()
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestWSGateway_ServeReturnsNilOnCancel(t *testing.T) {
	gw := newFakeGateway(t)
	tr := gw.transport()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, tr.Handshake(ctx))
	require.NoError(t, tr.Open(ctx))
	server := <-gw.conns
	defer server.Close()

	served := make(chan error, 1)
	go func() { served <- tr.Serve(ctx, func(domain.InboundMessage) {}) }()
	cancel()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestWSGateway_HandshakeRejectsBadCredentials(t *testing.T) {
	gw := newFakeGateway(t)
	tr := NewWSGateway(WSGatewayConfig{Endpoint: gw.srv.URL, ClientID: "client", ClientSecret: "wrong", Logger: testLogger()})

	err := tr.Handshake(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Error(t, tr.Open(context.Background()), "open needs a ticket")
}

func TestWSGateway_SendRoutes(t *testing.T) {
	gw := newFakeGateway(t)
	tr := gw.transport()
	ctx := context.Background()

	id, err := tr.Send(ctx, domain.ReplyHandle{
		ConversationID: "u1",
		Scope:          domain.ScopeDirect,
		Webhook:        gw.srv.URL + "/hook",
		WebhookExpiry:  time.Now().Add(time.Minute),
	}, "via hook")
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = tr.Send(ctx, domain.ReplyHandle{
		ConversationID: "u1",
		Scope:          domain.ScopeDirect,
		Webhook:        gw.srv.URL + "/hook",
		WebhookExpiry:  time.Now().Add(-time.Minute),
	}, "expired hook")
	require.NoError(t, err)
	assert.Equal(t, "pq-1", id)

	_, err = tr.Send(ctx, domain.Target{Scope: domain.ScopeGroup, ID: "cid-9"}.Handle(), "to group")
	require.NoError(t, err)

	_, err = tr.Send(ctx, domain.Target{Scope: domain.ScopeDirect, ID: "blocked"}.Handle(), "nope")
	assert.ErrorIs(t, err, domain.ErrPermission)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, []string{"via hook"}, gw.hooks)
	require.Len(t, gw.robot, 2)
	assert.Equal(t, []string{"u1"}, gw.robot[0].UserIDs)
	assert.Equal(t, "robot", gw.robot[0].RobotCode)
	assert.JSONEq(t, `{"content":"expired hook"}`, gw.robot[0].MsgParam)
	assert.Equal(t, "cid-9", gw.robot[1].ConversationID)
}

func TestWSGateway_ResolveMedia(t *testing.T) {
	gw := newFakeGateway(t)
	tr := gw.transport()

	u, _, err := tr.ResolveMedia(context.Background(), domain.MediaRef{FileID: "code-1"})
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/code-1", u)
}

func TestParseBotMessage_Payloads(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.Payload
	}{
		{
			"voice with recognition",
			`{"msgId":"1","conversationId":"c","conversationType":"1","senderId":"s","msgtype":"audio","content":{"downloadCode":"d1","recognition":"hi there"}}`,
			domain.VoicePayload{Media: domain.MediaRef{FileID: "d1"}, Transcript: "hi there"},
		},
		{
			"file",
			`{"msgId":"1","conversationId":"c","msgtype":"file","content":{"downloadCode":"d2","fileName":"a.pdf"}}`,
			domain.FilePayload{Media: domain.MediaRef{FileID: "d2", Name: "a.pdf"}},
		},
		{
			"rich text",
			`{"msgId":"1","conversationId":"c","msgtype":"richText","content":{"richText":[{"text":"look"},{"type":"picture","downloadCode":"d3"}]}}`,
			domain.RichTextPayload{Segments: []domain.Segment{
				{Kind: domain.SegmentText, Text: "look"},
				{Kind: domain.SegmentImage, Media: domain.MediaRef{FileID: "d3"}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseBotMessage(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Payload)
		})
	}

	msg, err := parseBotMessage(`{"msgId":"1","conversationId":"c","conversationType":"1","senderId":"s"}`)
	require.NoError(t, err)
	assert.Equal(t, "s", msg.Reply.ConversationID, "direct replies target the sender")

	_, err = parseBotMessage(`{"conversationId":"c"}`)
	assert.Error(t, err)
}
