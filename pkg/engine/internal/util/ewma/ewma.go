// Package ewma tracks exponentially weighted moving averages over several
// window sizes at once.
package ewma

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// window holds the moving average for one window size, such as 15m.
type window struct {
	size time.Duration

	initialized bool
	value       float64
	lastUpdate  time.Time
}

// name returns a name for the window based on its size. Unlike
// [time.Duration.String], trailing zero units are removed, so 15m0s becomes
// 15m.
func (w *window) name() string {
	name := w.size.String()

	if strings.HasSuffix(name, "m0s") {
		name = name[:len(name)-2]
	}
	if strings.HasSuffix(name, "h0m") {
		name = name[:len(name)-2]
	}
	return name
}

// observe folds value into the average. An observation older than the
// previous one resets the window.
func (w *window) observe(value float64, now time.Time) {
	if !w.initialized || now.Before(w.lastUpdate) {
		w.initialized = true
		w.value = value
		w.lastUpdate = now
		return
	}

	//   ewma_new = decay * ewma_old + (1 - decay) * value
	// where decay = e^(-delta/window_size).
	delta := now.Sub(w.lastUpdate)
	decay := math.Exp(-delta.Seconds() / w.size.Seconds())

	w.value = decay*w.value + (1-decay)*value
	w.lastUpdate = now
}

// Tracker keeps one moving average per window size. It is safe for
// concurrent use and implements [prometheus.Collector], exposing every
// window as a gauge with a "window" label.
type Tracker struct {
	desc *prometheus.Desc
	now  func() time.Time

	mu      sync.Mutex
	windows []*window
}

var _ prometheus.Collector = (*Tracker)(nil)

// DefaultWindows are the window sizes used when none are given.
var DefaultWindows = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// NewTracker returns a tracker over the given window sizes, exposed as the
// metric name with help text help.
func NewTracker(name, help string, sizes ...time.Duration) *Tracker {
	if len(sizes) == 0 {
		sizes = DefaultWindows
	}
	t := &Tracker{
		desc: prometheus.NewDesc(name, help, []string{"window"}, nil),
		now:  time.Now,
	}
	for _, size := range sizes {
		t.windows = append(t.windows, &window{size: size})
	}
	return t
}

// Observe records value at the current time.
func (t *Tracker) Observe(value float64) {
	t.ObserveAt(value, t.now())
}

// ObserveAt records value at time now.
func (t *Tracker) ObserveAt(value float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.windows {
		w.observe(value, now)
	}
}

// Values returns the current average of every window, keyed by window name.
// Windows without observations are omitted.
func (t *Tracker) Values() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.windows))
	for _, w := range t.windows {
		if w.initialized {
			out[w.name()] = w.value
		}
	}
	return out
}

// Describe implements [prometheus.Collector].
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) { ch <- t.desc }

// Collect implements [prometheus.Collector].
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	for name, value := range t.Values() {
		ch <- prometheus.MustNewConstMetric(t.desc, prometheus.GaugeValue, value, name)
	}
}
