package bus

import (
	"log/slog"
	"sync"
	"time"

	"chanbridge/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// Queue buffers inbound messages between a transport and the handler so the
// transport can acknowledge a frame before business processing starts.
type Queue struct {
	inbound chan domain.InboundMessage
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue(bufferSize int, logger *slog.Logger) *Queue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Queue{
		inbound: make(chan domain.InboundMessage, bufferSize),
		timeout: defaultPublishTimeout,
		logger:  logger,
	}
}

// Publish enqueues msg. When the buffer is full it waits up to the publish
// timeout before dropping, and reports whether the message was accepted.
func (q *Queue) Publish(msg domain.InboundMessage) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed queue", "message", msg.DedupKey())
		return false
	}

	select {
	case q.inbound <- msg:
		return true
	default:
	}

	q.logger.Warn("inbound queue full, waiting", "conversation", msg.ConversationID)
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.inbound <- msg:
		return true
	case <-timer.C:
		q.logger.Error("message dropped: inbound queue full", "message", msg.DedupKey(), "waited", q.timeout)
		return false
	}
}

// Messages returns the receive side. It is closed by Close.
func (q *Queue) Messages() <-chan domain.InboundMessage {
	return q.inbound
}

// Len reports the number of buffered messages.
func (q *Queue) Len() int {
	return len(q.inbound)
}

// Close stops accepting messages. Buffered messages remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.inbound)
	}
}
