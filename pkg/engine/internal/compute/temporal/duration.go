// Package temporal implements kernels over arrow duration arrays.
package temporal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
)

// Duration string formats accepted by [FormatDurations].
const (
	FormatISO       = "iso"
	FormatISOStrict = "iso:strict"
	FormatHuman     = "polars"
)

// CastTimeUnit returns a copy of arr in the unit to. Converting to a coarser
// unit truncates toward zero. Converting to a finer unit wraps on overflow.
func CastTimeUnit(mem memory.Allocator, arr *array.Duration, to arrow.TimeUnit) *array.Duration {
	from := arr.DataType().(*arrow.DurationType).Unit

	builder := array.NewDurationBuilder(mem, &arrow.DurationType{Unit: to})
	defer builder.Release()
	builder.Reserve(arr.Len())

	fromMul, toMul := int64(from.Multiplier()), int64(to.Multiplier())
	for i := range arr.Len() {
		if arr.IsNull(i) {
			builder.AppendNull()
			continue
		}
		v := int64(arr.Value(i))
		switch {
		case fromMul > toMul:
			v *= fromMul / toMul
		case fromMul < toMul:
			v /= toMul / fromMul
		}
		builder.Append(arrow.Duration(v))
	}
	return builder.NewDurationArray()
}

// FromDurations builds a duration array in unit from values. A value is null
// where valid is false; a nil valid marks every value as valid.
func FromDurations(mem memory.Allocator, values []time.Duration, valid []bool, unit arrow.TimeUnit) *array.Duration {
	builder := array.NewDurationBuilder(mem, &arrow.DurationType{Unit: unit})
	defer builder.Release()
	builder.Reserve(len(values))

	for i, d := range values {
		if valid != nil && !valid[i] {
			builder.AppendNull()
			continue
		}
		builder.Append(arrow.Duration(d / unit.Multiplier()))
	}
	return builder.NewDurationArray()
}

// FormatDurations renders every value of arr as a string in the given
// format. Nulls stay null. An unknown format returns an error wrapping
// [errors.ErrUnsupportedFormat].
func FormatDurations(mem memory.Allocator, arr *array.Duration, format string) (*array.String, error) {
	unit := arr.DataType().(*arrow.DurationType).Unit

	var write func(*strings.Builder, int64, arrow.TimeUnit)
	switch format {
	case FormatISO, FormatISOStrict:
		write = writeISO
	case FormatHuman:
		write = writeHuman
	default:
		return nil, fmt.Errorf("format %q for duration (expected one of %q or %q): %w",
			format, FormatISO, FormatHuman, errors.ErrUnsupportedFormat)
	}

	builder := array.NewStringBuilder(mem)
	defer builder.Release()
	builder.Reserve(arr.Len())

	var sb strings.Builder
	for i := range arr.Len() {
		if arr.IsNull(i) {
			builder.AppendNull()
			continue
		}
		sb.Reset()
		write(&sb, int64(arr.Value(i)), unit)
		builder.Append(sb.String())
	}
	return builder.NewStringArray(), nil
}

var partNames = [4]string{"d", "h", "m", "s"}

// partSizes returns the length of a day, hour, minute and second in unit.
func partSizes(unit arrow.TimeUnit) [4]int64 {
	perSecond := int64(time.Second / unit.Multiplier())
	return [4]int64{86_400 * perSecond, 3_600 * perSecond, 60 * perSecond, perSecond}
}

// writeHuman writes v like "3d 22m 55s 1ms".
func writeHuman(sb *strings.Builder, v int64, unit arrow.TimeUnit) {
	suffixes := subsecondSuffixes(unit)
	if v == 0 {
		sb.WriteString("0")
		if suffixes[0] == "" {
			sb.WriteString("s")
		} else {
			sb.WriteString(suffixes[0])
		}
		return
	}

	sizes := partSizes(unit)
	for i, size := range sizes {
		whole := v / size
		if i > 0 {
			whole = (v % sizes[i-1]) / size
		}
		if whole == 0 {
			continue
		}
		sb.WriteString(strconv.FormatInt(whole, 10))
		sb.WriteString(partNames[i])
		if v%size != 0 {
			sb.WriteByte(' ')
		}
	}

	frac := v % sizes[3]
	if frac == 0 {
		return
	}
	value, suffix := frac, suffixes[0]
	switch {
	case frac%1_000 != 0:
	case frac%1_000_000 != 0:
		value, suffix = frac/1_000, suffixes[1]
	default:
		value, suffix = frac/1_000_000, suffixes[2]
	}
	sb.WriteString(strconv.FormatInt(value, 10))
	sb.WriteString(suffix)
}

func subsecondSuffixes(unit arrow.TimeUnit) [3]string {
	switch unit {
	case arrow.Nanosecond:
		return [3]string{"ns", "µs", "ms"}
	case arrow.Microsecond:
		return [3]string{"µs", "ms", ""}
	case arrow.Millisecond:
		return [3]string{"ms", "", ""}
	}
	return [3]string{}
}

// writeISO writes v as an ISO 8601 duration such as "P1DT2H3M4.5S".
func writeISO(sb *strings.Builder, v int64, unit arrow.TimeUnit) {
	if v == 0 {
		sb.WriteString("PT0S")
		return
	}
	if v < 0 {
		sb.WriteString("-P")
		v = -v
	} else {
		sb.WriteByte('P')
	}

	sizes := partSizes(unit)
	if days := v / sizes[0]; days != 0 {
		sb.WriteString(strconv.FormatInt(days, 10))
		sb.WriteByte('D')
	}
	v %= sizes[0]
	if v == 0 {
		return
	}

	sb.WriteByte('T')
	if hours := v / sizes[1]; hours != 0 {
		sb.WriteString(strconv.FormatInt(hours, 10))
		sb.WriteByte('H')
	}
	if minutes := (v % sizes[1]) / sizes[2]; minutes != 0 {
		sb.WriteString(strconv.FormatInt(minutes, 10))
		sb.WriteByte('M')
	}
	seconds, frac := (v%sizes[2])/sizes[3], v%sizes[3]
	if seconds == 0 && frac == 0 {
		return
	}
	sb.WriteString(strconv.FormatInt(seconds, 10))
	if frac != 0 {
		digits := len(strconv.FormatInt(sizes[3], 10)) - 1
		fraction := fmt.Sprintf("%0*d", digits, frac)
		sb.WriteByte('.')
		sb.WriteString(strings.TrimRight(fraction, "0"))
	}
	sb.WriteByte('S')
}
