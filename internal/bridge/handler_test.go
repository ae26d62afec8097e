package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanbridge/internal/agent"
	"chanbridge/internal/bus"
	"chanbridge/internal/content"
	"chanbridge/internal/domain"
	"chanbridge/internal/registry"
	"chanbridge/internal/security"
	"chanbridge/internal/session"
)

type fakeAgent struct {
	mu    sync.Mutex
	turns []agent.Turn
	run   func(ctx context.Context, turn agent.Turn) (agent.Result, error)
}

func (f *fakeAgent) Run(ctx context.Context, turn agent.Turn) (agent.Result, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, turn)
	}
	return agent.Result{Text: "echo: " + turn.Prompt}, nil
}

func (f *fakeAgent) Turns() []agent.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Turn(nil), f.turns...)
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) Emit(ev bus.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) reasons(typ string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.Type != typ {
			continue
		}
		r, _ := ev.Payload["reason"].(string)
		out = append(out, r)
	}
	return out
}

type handlerFixture struct {
	tr      *fakeTransport
	agent   *fakeAgent
	tracker *session.Tracker
	events  *eventLog
	now     time.Time
	h       *Handler
}

func newHandlerFixture(t *testing.T, mutate func(*HandlerConfig)) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		tr:      newFakeTransport(),
		agent:   &fakeAgent{},
		tracker: session.NewTracker(session.TrackerConfig{Logger: testLogger()}),
		events:  &eventLog{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := HandlerConfig{
		Sender:        f.tr,
		Registries:    registry.New(registry.DedupConfig{}, registry.RiskConfig{}),
		Access:        security.NewAccessPolicy("", "", nil),
		Extractor:     content.NewExtractor(content.ExtractorConfig{Logger: testLogger()}),
		Conversations: f.tracker,
		Agent:         f.agent,
		Commands:      agent.NewCommands(f.tracker, "test-model", []string{"read_file"}),
		Events:        f.events,
		Logger:        testLogger(),
		Now:           func() time.Time { return f.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.h = NewHandler(cfg)
	return f
}

func textMessage(id, conv, sender, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:             id,
		AssistantID:    "bot",
		Platform:       "fake",
		ConversationID: conv,
		Scope:          domain.ScopeDirect,
		SenderID:       sender,
		Payload:        domain.TextPayload{Text: text},
		Reply:          domain.ReplyHandle{ConversationID: conv, Scope: domain.ScopeDirect},
	}
}

func TestHandler_RepliesAndRecordsHistory(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()

	f.h.Handle(ctx, textMessage("1", "c1", "u1", "hello"))
	f.h.Handle(ctx, textMessage("2", "c1", "u1", "again"))

	sent := f.tr.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "echo: hello", sent[0].Text)
	assert.Equal(t, "c1", sent[0].Handle.ConversationID)

	turns := f.agent.Turns()
	require.Len(t, turns, 2)
	assert.Empty(t, turns[0].History)
	require.Len(t, turns[1].History, 2)
	assert.Equal(t, "hello", turns[1].History[0].Content)
	assert.Equal(t, "echo: hello", turns[1].History[1].Content)

	assert.Len(t, f.tracker.History("bot", "c1"), 4)
}

func TestHandler_SameConversationRunsOneTurnAtATime(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})
	f := newHandlerFixture(t, nil)
	f.agent.run = func(ctx context.Context, turn agent.Turn) (agent.Result, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return agent.Result{Text: "echo: " + turn.Prompt}, nil
	}

	var wg sync.WaitGroup
	for i, text := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.h.Handle(context.Background(), textMessage(string(rune('1'+i)), "c1", "u1", text))
		}()
	}
	require.Eventually(t, func() bool { return len(f.agent.Turns()) == 1 }, time.Second, 5*time.Millisecond)
	release <- struct{}{}
	require.Eventually(t, func() bool { return len(f.agent.Turns()) == 2 }, time.Second, 5*time.Millisecond)
	release <- struct{}{}
	wg.Wait()

	assert.Equal(t, 1, peak)
	history := f.tracker.History("bot", "c1")
	require.Len(t, history, 4)
	for i, m := range history {
		want := domain.RoleUser
		if i%2 == 1 {
			want = domain.RoleAssistant
		}
		assert.Equal(t, want, m.Role)
	}
	assert.Len(t, f.agent.Turns()[1].History, 2)
	assert.Zero(t, f.h.convs.len())
}

func TestHandler_DifferentConversationsRunConcurrently(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	f := newHandlerFixture(t, nil)
	f.agent.run = func(ctx context.Context, turn agent.Turn) (agent.Result, error) {
		started <- struct{}{}
		<-release
		return agent.Result{Text: "ok"}, nil
	}

	var wg sync.WaitGroup
	for i, conv := range []string{"c1", "c2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.h.Handle(context.Background(), textMessage(string(rune('1'+i)), conv, "u1", "hi"))
		}()
	}
	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("conversations did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
	assert.Len(t, f.tr.Sent(), 2)
}

func TestHandler_DuplicateWithinTTLIsNotProcessed(t *testing.T) {
	f := newHandlerFixture(t, nil)
	msg := textMessage("42", "c1", "u1", "hi")

	f.h.Handle(context.Background(), msg)
	f.h.Handle(context.Background(), msg)

	assert.Len(t, f.agent.Turns(), 1)
	assert.Len(t, f.tr.Sent(), 1)
	assert.Equal(t, []string{"duplicate"}, f.events.reasons(bus.EventMessageDropped))
}

func TestHandler_ExpiredMessageDropped(t *testing.T) {
	f := newHandlerFixture(t, nil)
	msg := textMessage("1", "c1", "u1", "late")
	msg.Expiry = f.now.Add(-time.Second)

	f.h.Handle(context.Background(), msg)

	assert.Empty(t, f.agent.Turns())
	assert.Equal(t, []string{"expired"}, f.events.reasons(bus.EventMessageDropped))
}

func TestHandler_AccessPolicy(t *testing.T) {
	f := newHandlerFixture(t, func(c *HandlerConfig) {
		c.Access = security.NewAccessPolicy(security.PolicyAllowlist, security.PolicyOpen, []string{"friend"})
	})

	f.h.Handle(context.Background(), textMessage("1", "c1", "stranger", "hi"))
	f.h.Handle(context.Background(), textMessage("2", "c2", "friend", "hi"))

	turns := f.agent.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, []string{"access"}, f.events.reasons(bus.EventMessageDropped))
}

func TestHandler_ResetCommandSkipsAgent(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()

	f.h.Handle(ctx, textMessage("1", "c1", "u1", "remember this"))
	require.Len(t, f.tracker.History("bot", "c1"), 2)

	f.h.Handle(ctx, textMessage("2", "c1", "u1", "/reset"))

	assert.Len(t, f.agent.Turns(), 1)
	assert.Empty(t, f.tracker.History("bot", "c1"))
	sent := f.tr.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Text, "starts over")
}

func TestHandler_AgentFailureSendsOneApology(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.agent.run = func(context.Context, agent.Turn) (agent.Result, error) {
		return agent.Result{}, errors.New("backend unavailable")
	}

	f.h.Handle(context.Background(), textMessage("1", "c1", "u1", "hi"))

	require.Eventually(t, func() bool { return len(f.tr.Sent()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ApologyReply, sent[0].Text)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	var failed int
	for _, ev := range f.events.events {
		if ev.Type == bus.EventMessageFailed {
			failed++
			assert.Equal(t, "agent", ev.Payload["stage"])
		}
	}
	assert.Equal(t, 1, failed)
}

func TestHandler_ApologyFailureIsSwallowed(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.tr.sendErrs["c1"] = errors.New("webhook expired")

	assert.NotPanics(t, func() {
		f.h.Handle(context.Background(), textMessage("1", "c1", "u1", "hi"))
	})
	assert.Empty(t, f.tracker.History("bot", "c1")[1:], "assistant turn is not recorded when delivery fails")
}

func TestHandler_LongReplyIsChunked(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.tr.limit = 20
	f.agent.run = func(context.Context, agent.Turn) (agent.Result, error) {
		return agent.Result{Text: "first paragraph\n\nsecond paragraph here"}, nil
	}

	f.h.Handle(context.Background(), textMessage("1", "c1", "u1", "hi"))

	sent := f.tr.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "first paragraph", sent[0].Text)
	assert.Equal(t, "second paragraph", sent[1].Text)
	assert.Equal(t, "here", sent[2].Text)
	for _, s := range sent {
		assert.LessOrEqual(t, len(s.Text), 20)
	}
}

func TestHandler_ToolScopeCarriesReplyHandle(t *testing.T) {
	f := newHandlerFixture(t, nil)
	var scope domain.ToolScope
	f.agent.run = func(ctx context.Context, turn agent.Turn) (agent.Result, error) {
		scope, _ = domain.ToolScopeFrom(ctx)
		return agent.Result{Text: "ok"}, nil
	}

	f.h.Handle(context.Background(), textMessage("1", "c9", "u1", "hi"))

	assert.Equal(t, "bot", scope.AssistantID)
	assert.Equal(t, "c9", scope.Reply.ConversationID)
	assert.NotNil(t, scope.Sender)
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func TestHandler_RateLimited(t *testing.T) {
	f := newHandlerFixture(t, func(c *HandlerConfig) { c.Limiter = denyAll{} })

	f.h.Handle(context.Background(), textMessage("1", "c1", "u1", "hi"))

	assert.Empty(t, f.agent.Turns())
	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, SlowDownReply, sent[0].Text)
}

func TestHandler_StreamingEditsDraftInPlace(t *testing.T) {
	tr := newFakeTransport()
	ed := editableTransport{tr}
	f := newHandlerFixture(t, func(c *HandlerConfig) {
		c.Sender = ed
		c.Streaming = true
	})
	f.tr = tr
	f.agent.run = func(ctx context.Context, turn agent.Turn) (agent.Result, error) {
		require.NotNil(t, turn.OnPartial)
		turn.OnPartial("Hel")
		turn.OnPartial("Hello") // inside the edit interval: skipped
		f.now = f.now.Add(2 * time.Second)
		turn.OnPartial("Hello, wor")
		return agent.Result{Text: "Hello, world"}, nil
	}

	f.h.Handle(context.Background(), textMessage("1", "c1", "u1", "hi"))

	sent := tr.Sent()
	require.Len(t, sent, 1, "one draft message")
	assert.True(t, strings.HasPrefix(sent[0].Text, "Hel"))
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []string{"m1=Hello, wor" + draftSuffix, "m1=Hello, world"}, tr.edits)
	assert.Empty(t, tr.deletes)
}
