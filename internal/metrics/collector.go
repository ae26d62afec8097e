// Package metrics keeps in-process counters, gauges and histograms and
// serves them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family groups every labelled series sharing one metric name.
type family struct {
	help   string
	kind   kind
	series map[string]any // label set -> *Counter, *Gauge or *Histogram
}

type Collector struct {
	mu       sync.Mutex
	families map[string]*family
	started  time.Time
}

func NewCollector() *Collector {
	return &Collector{families: make(map[string]*family), started: time.Now()}
}

func (c *Collector) Uptime() time.Duration { return time.Since(c.started) }

// series returns the metric for name{labels}, creating it with mk on first
// use. Reusing a name with a different kind is a programming error.
func (c *Collector) series(name, help string, k kind, labels string, mk func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		f = &family{help: help, kind: k, series: make(map[string]any)}
		c.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s is a %s, not a %s", name, f.kind, k))
	}
	m, ok := f.series[labels]
	if !ok {
		m = mk()
		f.series[labels] = m
	}
	return m
}

type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into fixed upper bounds.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64 // per bound, not cumulative
	n      uint64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
	h.sum += v
	if i, _ := slices.BinarySearch(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(h.n)
}

func (c *Collector) Counter(name, help, labels string) *Counter {
	return c.series(name, help, kindCounter, labels, func() any { return new(Counter) }).(*Counter)
}

func (c *Collector) Gauge(name, help, labels string) *Gauge {
	return c.series(name, help, kindGauge, labels, func() any { return new(Gauge) }).(*Gauge)
}

// Histogram returns the histogram for name{labels}. bounds only matter on
// first use; they are sorted and deduplicated.
func (c *Collector) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return c.series(name, help, kindHistogram, labels, func() any {
		b := slices.Compact(slices.Sorted(slices.Values(bounds)))
		return &Histogram{bounds: b, counts: make([]uint64, len(b))}
	}).(*Histogram)
}

// Labels renders alternating key, value arguments as a label set body such
// as connection="a:slack",status="connected".
func Labels(kv ...string) string {
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, kv[i]+"="+strconv.Quote(kv[i+1]))
	}
	return strings.Join(pairs, ",")
}

func withLabels(name, labels string, extra ...string) string {
	all := labels
	if e := Labels(extra...); e != "" {
		if all != "" {
			all += ","
		}
		all += e
	}
	if all == "" {
		return name
	}
	return name + "{" + all + "}"
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// WriteTo renders every family, sorted by name and then label set.
func (c *Collector) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	sb.WriteString("# HELP chanbridge_uptime_seconds Seconds since the process started\n")
	sb.WriteString("# TYPE chanbridge_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "chanbridge_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.Lock()
	names := slices.Sorted(maps.Keys(c.families))
	for _, name := range names {
		f := c.families[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, f.help, name, f.kind)
		for _, labels := range slices.Sorted(maps.Keys(f.series)) {
			switch m := f.series[labels].(type) {
			case *Counter:
				fmt.Fprintf(&sb, "%s %d\n", withLabels(name, labels), m.Value())
			case *Gauge:
				fmt.Fprintf(&sb, "%s %d\n", withLabels(name, labels), m.Value())
			case *Histogram:
				m.mu.Lock()
				var cum uint64
				for i, b := range m.bounds {
					cum += m.counts[i]
					fmt.Fprintf(&sb, "%s %d\n", withLabels(name+"_bucket", labels, "le", formatFloat(b)), cum)
				}
				fmt.Fprintf(&sb, "%s %d\n", withLabels(name+"_bucket", labels, "le", "+Inf"), m.n)
				fmt.Fprintf(&sb, "%s %s\n", withLabels(name+"_sum", labels), formatFloat(m.sum))
				fmt.Fprintf(&sb, "%s %d\n", withLabels(name+"_count", labels), m.n)
				m.mu.Unlock()
			}
		}
	}
	c.mu.Unlock()

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// Render returns the exposition text as a string.
func (c *Collector) Render() string {
	var sb strings.Builder
	c.WriteTo(&sb)
	return sb.String()
}

func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}
