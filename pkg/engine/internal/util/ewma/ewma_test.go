package ewma

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWindow_Name(t *testing.T) {
	for size, expected := range map[time.Duration]string{
		time.Minute:      "1m",
		15 * time.Minute: "15m",
		time.Hour:        "1h",
		90 * time.Second: "1m30s",
	} {
		w := &window{size: size}
		require.Equal(t, expected, w.name())
	}
}

func TestTracker(t *testing.T) {
	start := time.Unix(0, 0)
	tracker := NewTracker("test_ratio", "test", time.Minute)
	require.Empty(t, tracker.Values())

	tracker.ObserveAt(1, start)
	require.Equal(t, map[string]float64{"1m": 1}, tracker.Values())

	// After one window size the old value keeps a weight of 1/e.
	tracker.ObserveAt(0, start.Add(time.Minute))
	require.InDelta(t, 0.3679, tracker.Values()["1m"], 0.0001)

	// Observations from the past reset the window.
	tracker.ObserveAt(0.5, start)
	require.Equal(t, 0.5, tracker.Values()["1m"])
}

func TestTracker_Collect(t *testing.T) {
	tracker := NewTracker("test_ratio", "Test ratio.", time.Minute, 5*time.Minute)
	tracker.ObserveAt(0.25, time.Unix(0, 0))

	reg := prometheus.NewRegistry()
	reg.MustRegister(tracker)

	expected := `
# HELP test_ratio Test ratio.
# TYPE test_ratio gauge
test_ratio{window="1m"} 0.25
test_ratio{window="5m"} 0.25
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_ratio"))
}
