package metrics

import (
	"chanbridge/internal/bus"
)

var durationBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Recorder turns bus events into bridge metrics.
type Recorder struct {
	c *Collector
}

func NewRecorder(c *Collector) *Recorder {
	return &Recorder{c: c}
}

// Subscribe registers the recorder for every event on eb and returns the
// handler id.
func (r *Recorder) Subscribe(eb *bus.EventBus) string {
	return eb.On("*", r.Record)
}

// Record updates the metrics for one event. Unknown event types are ignored.
func (r *Recorder) Record(ev bus.Event) {
	conn := ev.Source
	switch ev.Type {
	case bus.EventConnectionStatus:
		status := str(ev.Payload["status"])
		r.c.Counter("chanbridge_connection_transitions_total", "Connection status transitions",
			Labels("connection", conn, "status", status)).Inc()
		up := int64(0)
		if status == "connected" {
			up = 1
		}
		r.c.Gauge("chanbridge_connection_up", "1 when the connection is connected",
			Labels("connection", conn)).Set(up)
		r.c.Gauge("chanbridge_connection_attempts", "Reconnect attempts since the last successful connect",
			Labels("connection", conn)).Set(int64(num(ev.Payload["attempts"])))

	case bus.EventMessageHandled:
		r.c.Counter("chanbridge_messages_total", "Inbound messages by outcome",
			Labels("connection", conn, "outcome", "handled")).Inc()
		r.c.Histogram("chanbridge_message_duration_seconds", "Time from dequeue to final delivery",
			Labels("connection", conn), durationBuckets).Observe(num(ev.Payload["duration_ms"]) / 1000)
		if n := num(ev.Payload["tool_calls"]); n > 0 {
			r.c.Counter("chanbridge_tool_calls_total", "Tool invocations made by the agent loop",
				Labels("connection", conn)).Add(int64(n))
		}
		for _, dir := range []string{"input", "output"} {
			if n := num(ev.Payload[dir+"_tokens"]); n > 0 {
				r.c.Counter("chanbridge_model_tokens_total", "Model tokens consumed",
					Labels("connection", conn, "direction", dir)).Add(int64(n))
			}
		}
		if b, _ := ev.Payload["exhausted"].(bool); b {
			r.c.Counter("chanbridge_agent_exhausted_total", "Turns that hit the tool-turn cap",
				Labels("connection", conn)).Inc()
		}

	case bus.EventMessageFailed:
		r.c.Counter("chanbridge_messages_total", "Inbound messages by outcome",
			Labels("connection", conn, "outcome", "failed")).Inc()
		r.c.Counter("chanbridge_message_failures_total", "Message failures by pipeline stage",
			Labels("connection", conn, "stage", str(ev.Payload["stage"]))).Inc()

	case bus.EventMessageDropped:
		r.c.Counter("chanbridge_messages_dropped_total", "Inbound messages dropped before the agent",
			Labels("connection", conn, "reason", str(ev.Payload["reason"]))).Inc()

	case bus.EventProactiveSent, bus.EventProactiveSkipped, bus.EventProactiveFailed:
		result := ev.Type[len("proactive."):]
		r.c.Counter("chanbridge_proactive_total", "Proactive sends by result",
			Labels("source", conn, "result", result)).Inc()
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
