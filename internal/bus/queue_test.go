package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanbridge/internal/domain"
)

func TestQueue_PublishAndReceive(t *testing.T) {
	q := NewQueue(2, testEBLogger())

	require.True(t, q.Publish(domain.InboundMessage{ID: "1"}))
	require.True(t, q.Publish(domain.InboundMessage{ID: "2"}))
	assert.Equal(t, 2, q.Len())

	msg := <-q.Messages()
	assert.Equal(t, "1", msg.ID)
}

func TestQueue_FullDropsAfterTimeout(t *testing.T) {
	q := NewQueue(1, testEBLogger())
	q.timeout = 20 * time.Millisecond

	require.True(t, q.Publish(domain.InboundMessage{ID: "1"}))
	start := time.Now()
	assert.False(t, q.Publish(domain.InboundMessage{ID: "2"}))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_FullAcceptsWhenDrained(t *testing.T) {
	q := NewQueue(1, testEBLogger())
	require.True(t, q.Publish(domain.InboundMessage{ID: "1"}))

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-q.Messages()
	}()
	assert.True(t, q.Publish(domain.InboundMessage{ID: "2"}))
}

func TestQueue_CloseDrainsAndRejects(t *testing.T) {
	q := NewQueue(4, testEBLogger())
	q.Publish(domain.InboundMessage{ID: "1"})
	q.Close()
	q.Close()

	assert.False(t, q.Publish(domain.InboundMessage{ID: "2"}))

	var got []string
	for m := range q.Messages() {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"1"}, got)
}
