package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanbridge/internal/config"
	"chanbridge/internal/domain"
)

func TestNew_ByPlatform(t *testing.T) {
	tests := []struct {
		platform string
		limit    int
	}{
		{"wsgateway", 4000},
		{"telegram", 4096},
		{"slack", 3900},
		{"discord", 2000},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			tr, err := New(config.ConnectionConfig{Platform: tt.platform, Credentials: map[string]string{}}, testLogger())
			require.NoError(t, err)
			assert.Equal(t, tt.platform, tr.Platform())
			assert.Equal(t, tt.limit, tr.ChunkLimit())
		})
	}

	_, err := New(config.ConnectionConfig{Platform: "fax"}, testLogger())
	assert.Error(t, err)
}

// fakeTelegramAPI answers Bot API methods at /bot<token>/<method>.
type fakeTelegramAPI struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []string
	texts []string
}

func newFakeTelegramAPI(t *testing.T) *fakeTelegramAPI {
	f := &fakeTelegramAPI{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		r.ParseForm()
		f.mu.Lock()
		f.calls = append(f.calls, method)
		if method == "sendMessage" || method == "editMessageText" {
			f.texts = append(f.texts, r.FormValue("text"))
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			if !strings.Contains(r.URL.Path, "/botgood-token/") {
				w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
				return
			}
			w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Bridge","username":"bridge_bot"}}`))
		case "deleteWebhook", "deleteMessage":
			w.Write([]byte(`{"ok":true,"result":true}`))
		case "sendMessage":
			if r.FormValue("chat_id") == "13" {
				w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
				return
			}
			w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":7,"type":"private"}}}`))
		case "editMessageText":
			w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":7,"type":"private"}}}`))
		case "getFile":
			w.Write([]byte(`{"ok":true,"result":{"file_id":"f1","file_path":"voice/file_1.oga"}}`))
		default:
			w.Write([]byte(`{"ok":true,"result":[]}`))
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func TestTelegram_HandshakeSendEditDelete(t *testing.T) {
	api := newFakeTelegramAPI(t)
	tr := NewTelegram(TelegramConfig{Token: "good-token", APIBase: api.srv.URL, Logger: testLogger()})
	ctx := context.Background()

	require.NoError(t, tr.Handshake(ctx))
	require.NoError(t, tr.Open(ctx))
	require.NoError(t, tr.Probe(ctx))

	h := domain.ReplyHandle{ConversationID: "7", Scope: domain.ScopeDirect}
	id, err := tr.Send(ctx, h, "hello")
	require.NoError(t, err)
	assert.Equal(t, "77", id)
	require.NoError(t, tr.Edit(ctx, h, id, "hello again"))
	require.NoError(t, tr.Delete(ctx, h, id))

	_, err = tr.Send(ctx, domain.ReplyHandle{ConversationID: "13"}, "blocked")
	assert.ErrorIs(t, err, domain.ErrPermission)

	link, _, err := tr.ResolveMedia(ctx, domain.MediaRef{FileID: "f1"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(link, "/voice/file_1.oga"))

	api.mu.Lock()
	assert.Equal(t, []string{"hello", "hello again", "blocked"}, api.texts)
	assert.Contains(t, api.calls, "deleteWebhook")
	assert.Contains(t, api.calls, "deleteMessage")
	api.mu.Unlock()

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err = tr.Send(ctx, h, "after close")
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestTelegram_HandshakeRejectsBadToken(t *testing.T) {
	api := newFakeTelegramAPI(t)
	tr := NewTelegram(TelegramConfig{Token: "bad-token", APIBase: api.srv.URL, Logger: testLogger()})
	assert.Error(t, tr.Handshake(context.Background()))
}

func TestTelegram_CallsEndWithContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Bridge","username":"bridge_bot"}}`))
			return
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	tr := NewTelegram(TelegramConfig{Token: "good-token", APIBase: srv.URL, Logger: testLogger()})
	require.NoError(t, tr.Handshake(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tr.Send(ctx, domain.ReplyHandle{ConversationID: "7"}, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	assert.Error(t, tr.Edit(ctx, domain.ReplyHandle{ConversationID: "7"}, "77", "x"))
	assert.Error(t, tr.Probe(ctx))
}

func TestTelegramMessage(t *testing.T) {
	private := &tgbotapi.Chat{ID: 7, Type: "private"}
	group := &tgbotapi.Chat{ID: -100, Type: "supergroup"}
	from := &tgbotapi.User{ID: 5, FirstName: "Ana", LastName: "Li"}

	msg, ok := telegramMessage(tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 3, Chat: private, From: from, Text: "hi"}})
	require.True(t, ok)
	assert.Equal(t, "7:3", msg.ID)
	assert.Equal(t, domain.ScopeDirect, msg.Scope)
	assert.Equal(t, "Ana Li", msg.SenderName)
	assert.Equal(t, domain.TextPayload{Text: "hi"}, msg.Payload)
	assert.Empty(t, msg.Reply.ReplyTo)

	msg, ok = telegramMessage(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 9, Chat: group, From: from, Caption: "look",
		Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large", FileSize: 900}},
	}})
	require.True(t, ok)
	assert.Equal(t, domain.ScopeGroup, msg.Scope)
	assert.Equal(t, "9", msg.Reply.ReplyTo)
	img, isImage := msg.Payload.(domain.ImagePayload)
	require.True(t, isImage)
	assert.Equal(t, "large", img.Media.FileID)
	assert.Equal(t, "look", img.Caption)

	msg, ok = telegramMessage(tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 4, Chat: private, From: from, Voice: &tgbotapi.Voice{FileID: "v1", MimeType: "audio/ogg"}}})
	require.True(t, ok)
	assert.Equal(t, domain.KindVoice, msg.Payload.Kind())

	_, ok = telegramMessage(tgbotapi.Update{Message: &tgbotapi.Message{Chat: private, From: &tgbotapi.User{ID: 1, IsBot: true}, Text: "loop"}})
	assert.False(t, ok)
	_, ok = telegramMessage(tgbotapi.Update{})
	assert.False(t, ok)
}

func TestSlackMessage(t *testing.T) {
	msg, ok := slackMessage(&slackevents.MessageEvent{User: "U1", Channel: "D1", ChannelType: "im", Text: "hi", TimeStamp: "1.1"}, "UBOT")
	require.True(t, ok)
	assert.Equal(t, "D1:1.1", msg.ID)
	assert.Equal(t, domain.ScopeDirect, msg.Scope)
	assert.Empty(t, msg.Reply.ThreadID)

	msg, ok = slackMessage(&slackevents.AppMentionEvent{User: "U1", Channel: "C1", Text: "<@UBOT> hi", TimeStamp: "2.2"}, "UBOT")
	require.True(t, ok)
	assert.Equal(t, domain.ScopeGroup, msg.Scope)
	assert.Equal(t, "2.2", msg.Reply.ThreadID, "group replies open a thread on the message")

	_, ok = slackMessage(&slackevents.MessageEvent{User: "UBOT", Channel: "C1", Text: "echo", TimeStamp: "3.3"}, "UBOT")
	assert.False(t, ok)
	_, ok = slackMessage(&slackevents.MessageEvent{User: "U1", Channel: "C1", SubType: "message_changed", Text: "x"}, "UBOT")
	assert.False(t, ok)
}

func TestSlackError(t *testing.T) {
	assert.ErrorIs(t, slackError("chat.postMessage", errors.New("not_in_channel")), domain.ErrPermission)
	assert.NotErrorIs(t, slackError("chat.postMessage", errors.New("ratelimited")), domain.ErrPermission)
}

func TestDiscordMessage(t *testing.T) {
	author := &discordgo.User{ID: "u1", Username: "ana"}

	msg, ok := discordMessage(&discordgo.Message{ID: "m1", ChannelID: "c1", Author: author, Content: "hi"})
	require.True(t, ok)
	assert.Equal(t, domain.ScopeDirect, msg.Scope)
	assert.Equal(t, "m1", msg.Reply.ReplyTo)

	msg, ok = discordMessage(&discordgo.Message{
		ID: "m2", ChannelID: "c2", GuildID: "g1", Author: author, Content: "see attached",
		Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn.example/a.png", Filename: "a.png", ContentType: "image/png", Size: 10}},
	})
	require.True(t, ok)
	assert.Equal(t, domain.ScopeGroup, msg.Scope)
	assert.Equal(t, domain.ImagePayload{
		Media:   domain.MediaRef{URL: "https://cdn.example/a.png", MimeType: "image/png", Name: "a.png", Size: 10},
		Caption: "see attached",
	}, msg.Payload)

	_, ok = discordMessage(&discordgo.Message{ID: "m3", Author: &discordgo.User{ID: "b", Bot: true}, Content: "beep"})
	assert.False(t, ok)
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("boom")
	assert.ErrorIs(t, classifyStatus(http.StatusForbidden, base), domain.ErrPermission)
	assert.Same(t, base, classifyStatus(http.StatusBadGateway, base))
}
