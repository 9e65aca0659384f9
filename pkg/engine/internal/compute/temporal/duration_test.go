package temporal

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
)

func durations(t *testing.T, mem memory.Allocator, unit arrow.TimeUnit, values ...*int64) *array.Duration {
	t.Helper()
	b := array.NewDurationBuilder(mem, &arrow.DurationType{Unit: unit})
	defer b.Release()
	for _, v := range values {
		if v == nil {
			b.AppendNull()
			continue
		}
		b.Append(arrow.Duration(*v))
	}
	return b.NewDurationArray()
}

func ptr(v int64) *int64 { return &v }

func stringsOf(arr *array.String) []any {
	out := make([]any, arr.Len())
	for i := range arr.Len() {
		if arr.IsNull(i) {
			continue
		}
		out[i] = arr.Value(i)
	}
	return out
}

func TestCastTimeUnit(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := durations(t, mem, arrow.Millisecond, ptr(1500), nil, ptr(-1500))
	defer in.Release()

	t.Run("coarser truncates toward zero", func(t *testing.T) {
		out := CastTimeUnit(mem, in, arrow.Second)
		defer out.Release()
		require.Equal(t, arrow.Second, out.DataType().(*arrow.DurationType).Unit)
		require.Equal(t, arrow.Duration(1), out.Value(0))
		require.True(t, out.IsNull(1))
		require.Equal(t, arrow.Duration(-1), out.Value(2))
	})

	t.Run("finer", func(t *testing.T) {
		out := CastTimeUnit(mem, in, arrow.Microsecond)
		defer out.Release()
		require.Equal(t, arrow.Duration(1_500_000), out.Value(0))
		require.Equal(t, arrow.Duration(-1_500_000), out.Value(2))
	})

	t.Run("same unit", func(t *testing.T) {
		out := CastTimeUnit(mem, in, arrow.Millisecond)
		defer out.Release()
		require.True(t, array.Equal(in, out))
	})
}

func TestFromDurations(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	out := FromDurations(mem, []time.Duration{1500 * time.Millisecond, 2 * time.Second}, []bool{true, false}, arrow.Millisecond)
	defer out.Release()
	require.Equal(t, 2, out.Len())
	require.Equal(t, arrow.Duration(1500), out.Value(0))
	require.True(t, out.IsNull(1))
}

func TestFormatDurations(t *testing.T) {
	const (
		second = int64(time.Second)
		day    = 86_400 * second
	)

	tests := []struct {
		name   string
		unit   arrow.TimeUnit
		format string
		in     []*int64
		want   []any
	}{
		{
			name:   "human nanoseconds",
			unit:   arrow.Nanosecond,
			format: FormatHuman,
			in:     []*int64{ptr(0), ptr(3*day + 22*60*second + 55*second + int64(time.Millisecond)), ptr(1500), ptr(2_000_000), nil},
			want:   []any{"0ns", "3d 22m 55s 1ms", "1500ns", "2ms", nil},
		},
		{
			name:   "human seconds",
			unit:   arrow.Second,
			format: FormatHuman,
			in:     []*int64{ptr(90), ptr(0), ptr(-90)},
			want:   []any{"1m 30s", "0s", "-1m -30s"},
		},
		{
			name:   "human milliseconds",
			unit:   arrow.Millisecond,
			format: FormatHuman,
			in:     []*int64{ptr(3_600_000), ptr(1_001)},
			want:   []any{"1h", "1s 1ms"},
		},
		{
			name:   "iso",
			unit:   arrow.Nanosecond,
			format: FormatISO,
			in:     []*int64{ptr(0), ptr(day), ptr(day + 2*3600*second), nil},
			want:   []any{"PT0S", "P1D", "P1DT2H", nil},
		},
		{
			name:   "iso fractional seconds",
			unit:   arrow.Millisecond,
			format: FormatISOStrict,
			in:     []*int64{ptr(90_500), ptr(-3_600_000)},
			want:   []any{"PT1M30.5S", "-PT1H"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			in := durations(t, mem, tt.unit, tt.in...)
			defer in.Release()

			out, err := FormatDurations(mem, in, tt.format)
			require.NoError(t, err)
			defer out.Release()
			require.Equal(t, tt.want, stringsOf(out))
		})
	}

	t.Run("unsupported format", func(t *testing.T) {
		in := durations(t, memory.DefaultAllocator, arrow.Second, ptr(1))
		defer in.Release()
		_, err := FormatDurations(memory.DefaultAllocator, in, "%H:%M")
		require.ErrorIs(t, err, errors.ErrUnsupportedFormat)
	})
}
