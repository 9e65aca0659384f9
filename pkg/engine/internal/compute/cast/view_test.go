package cast

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
)

func stringView(mem memory.Allocator, values ...*string) *array.StringView {
	b := array.NewStringViewBuilder(mem)
	defer b.Release()
	for _, v := range values {
		if v == nil {
			b.AppendNull()
			continue
		}
		b.Append(*v)
	}
	return b.NewStringViewArray()
}

func str(s string) *string { return &s }

func TestViewToDictionary(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := stringView(mem, str("a"), str("b"), nil, str("a"), str("a very long value past the inline limit"))
	defer in.Release()

	dict, err := ViewToDictionary(mem, in, arrow.PrimitiveTypes.Int8)
	require.NoError(t, err)
	defer dict.Release()

	require.Equal(t, 5, dict.Len())
	require.True(t, dict.IsNull(2))
	require.Equal(t, 3, dict.Dictionary().Len())
	require.Equal(t, dict.GetValueIndex(0), dict.GetValueIndex(3))

	values := dict.Dictionary().(*array.String)
	require.Equal(t, "b", values.Value(dict.GetValueIndex(1)))

	t.Run("too many distinct values", func(t *testing.T) {
		b := array.NewStringViewBuilder(mem)
		for i := range 200 {
			b.Append(fmt.Sprintf("value-%d", i))
		}
		many := b.NewStringViewArray()
		b.Release()
		defer many.Release()

		_, err := ViewToDictionary(mem, many, arrow.PrimitiveTypes.Int8)
		require.ErrorIs(t, err, errors.ErrOutOfBounds)

		dict, err := ViewToDictionary(mem, many, arrow.PrimitiveTypes.Uint8)
		require.NoError(t, err)
		dict.Release()
	})

	t.Run("unsupported input", func(t *testing.T) {
		b := array.NewInt64Builder(mem)
		b.Append(1)
		ints := b.NewInt64Array()
		b.Release()
		defer ints.Release()

		_, err := ViewToDictionary(mem, ints, arrow.PrimitiveTypes.Int32)
		require.ErrorIs(t, err, errors.ErrType)
	})
}

func TestViewToBinary(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	b := array.NewBinaryViewBuilder(mem)
	b.Append([]byte("foo"))
	b.AppendNull()
	b.Append([]byte{})
	in := b.NewBinaryViewArray()
	b.Release()
	defer in.Release()

	out := ViewToBinary(mem, in)
	defer out.Release()
	require.Equal(t, 3, out.Len())
	require.Equal(t, []byte("foo"), out.Value(0))
	require.True(t, out.IsNull(1))
	require.False(t, out.IsNull(2))
	require.Empty(t, out.Value(2))
}

func TestStringViewToString(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := stringView(mem, str("x"), nil)
	defer in.Release()

	out := StringViewToString(mem, in)
	defer out.Release()
	require.Equal(t, "x", out.Value(0))
	require.True(t, out.IsNull(1))
}

func TestParseStrings(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := stringView(mem, str("42"), str("4.5"), str("nope"), nil, str("2024-02-29"), str("true"))
	defer in.Release()

	ints := StringToInt64(mem, in)
	defer ints.Release()
	require.Equal(t, int64(42), ints.Value(0))
	for _, i := range []int{1, 2, 3, 4, 5} {
		require.True(t, ints.IsNull(i), "row %d", i)
	}

	floats := StringToFloat64(mem, in)
	defer floats.Release()
	require.Equal(t, 42.0, floats.Value(0))
	require.Equal(t, 4.5, floats.Value(1))
	require.True(t, floats.IsNull(2))

	bools := StringToBool(mem, in)
	defer bools.Release()
	require.True(t, bools.Value(5))
	require.True(t, bools.IsNull(0))

	dates := StringToDate32(mem, in)
	defer dates.Release()
	require.False(t, dates.IsNull(4))
	require.Equal(t, "2024-02-29", dates.Value(4).FormattedString())
	require.True(t, dates.IsNull(0))
}

func TestStringToTimestamp(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := stringView(mem, str("2024-01-02T03:04:05Z"), str("2024-01-02 03:04:05.5"), str("yesterday"))
	defer in.Release()

	out := StringToTimestamp(mem, in, arrow.Millisecond)
	defer out.Release()

	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, arrow.Timestamp(want.UnixMilli()), out.Value(0))
	require.Equal(t, arrow.Timestamp(want.UnixMilli()+500), out.Value(1))
	require.True(t, out.IsNull(2))
}

func TestBinaryViewToInt64(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	le := binary.LittleEndian.AppendUint64(nil, 7)
	b := array.NewBinaryViewBuilder(mem)
	b.Append(le)
	b.Append([]byte{1, 2, 3})
	b.AppendNull()
	in := b.NewBinaryViewArray()
	b.Release()
	defer in.Release()

	out := BinaryViewToInt64(mem, in, true)
	defer out.Release()
	require.Equal(t, int64(7), out.Value(0))
	require.True(t, out.IsNull(1))
	require.True(t, out.IsNull(2))

	big := BinaryViewToInt64(mem, in, false)
	defer big.Release()
	require.Equal(t, int64(7)<<56, big.Value(0))
}
