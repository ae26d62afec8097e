package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanbridge/internal/bus"
	"chanbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sentMessage struct {
	Handle domain.ReplyHandle
	Text   string
}

// fakeTransport scripts a platform gateway.
type fakeTransport struct {
	mu            sync.Mutex
	handshakeErrs []error // consumed per call; the last one repeats
	openErr       error
	probeErrs     []error
	sendErrs      map[string]error // by conversation id
	limit         int
	editable      bool

	handshakes int
	opens      int
	closes     int
	probes     int
	nextID     int
	sent       []sentMessage
	edits      []string
	deletes    []string

	deliver func(domain.InboundMessage)
	drop    chan error
	serving chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		limit:    4000,
		drop:     make(chan error, 4),
		serving:  make(chan struct{}, 16),
		sendErrs: make(map[string]error),
	}
}

func (f *fakeTransport) Platform() string { return "fake" }
func (f *fakeTransport) ChunkLimit() int  { return f.limit }

func (f *fakeTransport) Handshake(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handshakes++
	if len(f.handshakeErrs) == 0 {
		return nil
	}
	err := f.handshakeErrs[0]
	if len(f.handshakeErrs) > 1 {
		f.handshakeErrs = f.handshakeErrs[1:]
	}
	return err
}

func (f *fakeTransport) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeTransport) Serve(ctx context.Context, deliver func(domain.InboundMessage)) error {
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
	f.serving <- struct{}{}
	select {
	case <-ctx.Done():
		return nil
	case err := <-f.drop:
		return err
	}
}

func (f *fakeTransport) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if len(f.probeErrs) == 0 {
		return nil
	}
	err := f.probeErrs[0]
	f.probeErrs = f.probeErrs[1:]
	return err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(_ context.Context, h domain.ReplyHandle, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErrs[h.ConversationID]; err != nil {
		return "", err
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{Handle: h, Text: text})
	return "m" + strconv.Itoa(f.nextID), nil
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) counts() (handshakes, opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes, f.opens, f.closes
}

func (f *fakeTransport) push(msg domain.InboundMessage) {
	f.mu.Lock()
	d := f.deliver
	f.mu.Unlock()
	d(msg)
}

// editableTransport adds draft editing.
type editableTransport struct {
	*fakeTransport
}

func (e editableTransport) Edit(_ context.Context, _ domain.ReplyHandle, id, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edits = append(e.edits, id+"="+text)
	return nil
}

func (e editableTransport) Delete(_ context.Context, _ domain.ReplyHandle, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deletes = append(e.deletes, id)
	return nil
}

type handlerFunc func(ctx context.Context, msg domain.InboundMessage)

func (f handlerFunc) Handle(ctx context.Context, msg domain.InboundMessage) { f(ctx, msg) }

// statusRecorder collects connection.status transitions.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *statusRecorder) Emit(ev bus.Event) {
	if ev.Type != bus.EventConnectionStatus {
		return
	}
	r.mu.Lock()
	r.statuses = append(r.statuses, ev.Payload["status"].(string))
	r.mu.Unlock()
}

func (r *statusRecorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func newTestConnection(t *testing.T, tr domain.Transport, h MessageHandler, ev bus.Emitter, maxAttempts int) *Connection {
	t.Helper()
	if h == nil {
		h = handlerFunc(func(context.Context, domain.InboundMessage) {})
	}
	c := NewConnection(ConnectionConfig{
		AssistantID:       "bot",
		Transport:         tr,
		Handler:           h,
		Backoff:           Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond},
		MaxAttempts:       maxAttempts,
		HeartbeatInterval: -1,
		Events:            ev,
		Logger:            testLogger(),
	})
	t.Cleanup(c.Stop)
	return c
}

func TestBackoff_MonotonicAndBounded(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 60 * time.Second, Jitter: 0.3}

	prev := time.Duration(0)
	for attempts := 0; attempts < 12; attempts++ {
		base := b.Base(attempts)
		assert.GreaterOrEqual(t, base, prev, "attempt %d", attempts)
		assert.LessOrEqual(t, base, b.Max)
		prev = base
	}
	assert.Equal(t, time.Second, b.Base(0))
	assert.Equal(t, 8*time.Second, b.Base(3))
	assert.Equal(t, 60*time.Second, b.Base(10))

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		b.Rand = func() float64 { return r }
		for attempts := 0; attempts < 8; attempts++ {
			base := float64(b.Base(attempts))
			d := float64(b.Delay(attempts))
			assert.GreaterOrEqual(t, d, base*(1-b.Jitter)-1)
			assert.LessOrEqual(t, d, base*(1+b.Jitter)+1)
		}
	}
}

func TestBackoff_NoJitter(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
}

func TestConnection_HandshakeFailureIsFatal(t *testing.T) {
	tr := newFakeTransport()
	tr.handshakeErrs = []error{errors.New("401 bad credentials")}
	c := newTestConnection(t, tr, nil, nil, 3)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHandshake)
	assert.Equal(t, StatusError, c.Status())
	assert.False(t, c.ScheduleReconnect())

	time.Sleep(20 * time.Millisecond)
	handshakes, opens, _ := tr.counts()
	assert.Equal(t, 1, handshakes)
	assert.Equal(t, 0, opens)
	assert.False(t, c.Snapshot().EverConnected)
}

func TestConnection_ReconnectsAfterDrop(t *testing.T) {
	tr := newFakeTransport()
	rec := &statusRecorder{}
	c := newTestConnection(t, tr, nil, rec, 5)

	require.NoError(t, c.Start(context.Background()))
	<-tr.serving
	assert.Equal(t, StatusConnected, c.Status())

	tr.drop <- errors.New("close 1006")
	<-tr.serving

	require.Eventually(t, func() bool { return c.Status() == StatusConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.Attempts())
	handshakes, opens, _ := tr.counts()
	assert.Equal(t, 2, handshakes)
	assert.Equal(t, 2, opens)
	assert.Equal(t, []string{"connecting", "connected", "error", "connecting", "connected"}, rec.Statuses())
}

func TestConnection_OutlivesStartContext(t *testing.T) {
	tr := newFakeTransport()
	c := newTestConnection(t, tr, nil, nil, 5)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	<-tr.serving
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusConnected, c.Status())
	_, _, closes := tr.counts()
	assert.Equal(t, 0, closes)

	tr.drop <- errors.New("close 1006")
	<-tr.serving
	require.Eventually(t, func() bool {
		h, _, _ := tr.counts()
		return h == 2 && c.Status() == StatusConnected
	}, time.Second, time.Millisecond)

	c.Stop()
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnection_GivesUpAfterMaxAttempts(t *testing.T) {
	tr := newFakeTransport()
	tr.handshakeErrs = []error{nil, errors.New("gateway down")}
	c := newTestConnection(t, tr, nil, nil, 3)

	require.NoError(t, c.Start(context.Background()))
	<-tr.serving
	tr.drop <- errors.New("idle timeout")

	require.Eventually(t, func() bool {
		h, _, _ := tr.counts()
		return h == 4 && c.Status() == StatusError
	}, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	handshakes, _, _ := tr.counts()
	assert.Equal(t, 4, handshakes, "one start plus three retries")
	assert.Equal(t, 3, c.Attempts())
	assert.Equal(t, StatusError, c.Status())
	assert.NotEmpty(t, c.Snapshot().LastError)
}

func TestConnection_HeartbeatFailureReconnects(t *testing.T) {
	tr := newFakeTransport()
	tr.probeErrs = []error{errors.New("no pong")}
	c := NewConnection(ConnectionConfig{
		AssistantID:       "bot",
		Transport:         tr,
		Handler:           handlerFunc(func(context.Context, domain.InboundMessage) {}),
		Backoff:           Backoff{Initial: time.Millisecond, Max: time.Millisecond},
		HeartbeatInterval: 5 * time.Millisecond,
		Logger:            testLogger(),
	})
	t.Cleanup(c.Stop)

	require.NoError(t, c.Start(context.Background()))
	<-tr.serving
	<-tr.serving

	require.Eventually(t, func() bool {
		h, _, _ := tr.counts()
		return h == 2 && c.Status() == StatusConnected
	}, time.Second, time.Millisecond)
}

func TestConnection_DeliversThroughQueueAndStopLetsHandlerFinish(t *testing.T) {
	tr := newFakeTransport()
	release := make(chan struct{})
	got := make(chan domain.InboundMessage, 1)
	var handlerErr error
	h := handlerFunc(func(ctx context.Context, msg domain.InboundMessage) {
		got <- msg
		<-release
		handlerErr = ctx.Err()
	})
	c := newTestConnection(t, tr, h, nil, 3)

	require.NoError(t, c.Start(context.Background()))
	<-tr.serving
	tr.push(domain.InboundMessage{ID: "1", ConversationID: "c1", Scope: domain.ScopeDirect})

	msg := <-got
	assert.Equal(t, "bot", msg.AssistantID)
	assert.Equal(t, "fake", msg.Platform)
	assert.False(t, msg.ReceivedAt.IsZero())

	c.Stop()
	assert.Equal(t, StatusDisconnected, c.Status())
	_, _, closes := tr.counts()
	assert.GreaterOrEqual(t, closes, 1)
	assert.False(t, c.ScheduleReconnect())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
	assert.NoError(t, handlerErr)
}
