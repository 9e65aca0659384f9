// Package index provides row index types and the chunk-row addresses used
// to refer to rows of chunked columns.
package index

import (
	"fmt"
	"math"
	"slices"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
)

// IdxSize is the type of a row index.
type IdxSize = uint32

// NullableIdx is a row index whose maximum value denotes null.
type NullableIdx struct {
	inner IdxSize
}

// NullIdx returns the null index.
func NullIdx() NullableIdx { return NullableIdx{inner: math.MaxUint32} }

// NewNullableIdx wraps idx.
func NewNullableIdx(idx IdxSize) NullableIdx { return NullableIdx{inner: idx} }

// IsNull reports whether i is the null index.
func (i NullableIdx) IsNull() bool { return i.inner == math.MaxUint32 }

// Idx returns the raw index.
func (i NullableIdx) Idx() IdxSize { return i.inner }

// Get returns the index and whether it is not null.
func (i NullableIdx) Get() (IdxSize, bool) { return i.inner, !i.IsNull() }

// CheckBounds returns an error wrapping [errors.ErrOutOfBounds] if any index
// in idx is not below length.
func CheckBounds(idx []IdxSize, length IdxSize) error {
	if len(idx) == 0 {
		return nil
	}
	if m := slices.Max(idx); m >= length {
		return fmt.Errorf("index %d is out of bounds for length %d: %w", m, length, errors.ErrOutOfBounds)
	}
	return nil
}

// Signed is the set of signed integer types accepted by [ToIdx].
type Signed interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int
}

// Unsigned is the set of unsigned integer types accepted by [ToIdx].
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint
}

// ToIdx converts i into an index into a sequence of the given length. A
// negative i counts from the end.
func ToIdx[T Signed](i T, length uint64) IdxSize {
	idx := int64(i)
	if idx < 0 {
		return IdxSize(idx + int64(length))
	}
	return IdxSize(idx)
}

// UnsignedToIdx converts i into an index. The length is ignored.
func UnsignedToIdx[T Unsigned](i T, _ uint64) IdxSize {
	return IdxSize(i)
}

// ChunkBits is the number of bits of a [ChunkID] addressing the chunk. It
// allows for 2^24 chunks of 2^40 rows each.
const ChunkBits = 24

const chunkMask = (uint64(1) << ChunkBits) - 1

// ChunkID addresses a row of a chunked column by chunk and row within the
// chunk. The maximum value denotes null.
type ChunkID uint64

// NullChunkID is the null address.
const NullChunkID = ChunkID(math.MaxUint64)

// StoreChunkID packs chunk and row into a ChunkID. chunk must fit in
// [ChunkBits] bits.
func StoreChunkID(chunk, row IdxSize) ChunkID {
	if uint64(chunk) > chunkMask {
		panic(errors.Invariantf("chunk %d does not fit in %d bits", chunk, ChunkBits))
	}
	return ChunkID(uint64(row)<<ChunkBits | uint64(chunk))
}

// IsNull reports whether id is the null address.
func (id ChunkID) IsNull() bool { return id == NullChunkID }

// Extract returns the chunk and row of id.
func (id ChunkID) Extract() (chunk, row IdxSize) {
	return IdxSize(uint64(id) & chunkMask), IdxSize(uint64(id) >> ChunkBits)
}

// String returns "NULL" or "(chunk, row)".
func (id ChunkID) String() string {
	if id.IsNull() {
		return "NULL"
	}
	chunk, row := id.Extract()
	return fmt.Sprintf("(%d, %d)", chunk, row)
}
