// Package hashing provides the hash primitives used to partition rows by key.
package hashing

import (
	"bytes"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
)

// BoostHashCombine mixes the hash r into l, the way boost::hash_combine
// does.
func BoostHashCombine(l, r uint64) uint64 {
	return l ^ (r + (0x9e3779b9 + (l << 6) + (r >> 2)))
}

// FoldedMultiply multiplies a and b as 128-bit integers and folds the high
// half of the product into the low half.
func FoldedMultiply(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return lo ^ hi
}

// HashToPartition maps h to a partition in [0, n). Treating h as a uniform
// random number in [0, 2^64), floor(h * n / 2^64) is almost uniform in
// [0, n).
func HashToPartition(h uint64, n int) int {
	hi, _ := bits.Mul64(h, uint64(n))
	return int(hi)
}

const (
	seedMix1 uint64 = 0x85921e81c41226a0
	seedMix2 uint64 = 0x3bc1d0faba166294
	seedMix3 uint64 = 0xfbde893e21a73756
)

// HashPartitioner assigns hashes to a fixed number of partitions.
// Partitioners created with the same number of partitions and seed assign
// every hash to the same partition.
type HashPartitioner struct {
	numPartitions int
	seed          uint64
}

// NewHashPartitioner creates a partitioner over numPartitions partitions.
// It panics if numPartitions is not positive.
func NewHashPartitioner(numPartitions int, seed uint64) HashPartitioner {
	if numPartitions <= 0 {
		panic(errors.Invariantf("number of partitions must be positive, got %d", numPartitions))
	}
	seed = FoldedMultiply(seed^seedMix1, seedMix2)
	seed = FoldedMultiply(seed, seedMix3)
	seed |= 1
	return HashPartitioner{numPartitions: numPartitions, seed: seed}
}

// HashToPartition returns the partition of hash, in [0, NumPartitions()).
func (p HashPartitioner) HashToPartition(hash uint64) int {
	return HashToPartition(hash*p.seed, p.numPartitions)
}

// NullPartition returns the partition null keys are put into.
func (p HashPartitioner) NullPartition() int { return 0 }

// NumPartitions returns the number of partitions.
func (p HashPartitioner) NumPartitions() int { return p.numPartitions }

// randomOdd makes multiplication a universal hash function in the top bits.
const randomOdd uint64 = 0x55fbfd6bfc5458e9

// Integer is the set of integer types [DirtyHash] accepts.
type Integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint
}

// DirtyHash is a quick hash of an integer. Only the top bits are well
// distributed, which is what [HashToPartition] uses.
func DirtyHash[T Integer](v T) uint64 {
	return uint64(v) * randomOdd
}

// DirtyHash128 is [DirtyHash] for a 128-bit integer given as its two halves.
func DirtyHash128(hi int64, lo uint64) uint64 {
	return lo*randomOdd + uint64(hi)
}

// BytesHash is a byte string with a precomputed hash. Rehashing a table of
// BytesHash values reuses the stored hash instead of reading the bytes.
type BytesHash struct {
	payload []byte
	null    bool
	hash    uint64
}

// NewBytesHash returns b with its xxhash.
func NewBytesHash(b []byte) BytesHash {
	return BytesHash{payload: b, hash: xxhash.Sum64(b)}
}

// NullBytesHash returns a null value with the given hash.
func NullBytesHash(hash uint64) BytesHash {
	return BytesHash{null: true, hash: hash}
}

// IsNull reports whether h holds no value.
func (h BytesHash) IsNull() bool { return h.null }

// Bytes returns the payload, or nil for a null value.
func (h BytesHash) Bytes() []byte { return h.payload }

// DirtyHash returns the precomputed hash.
func (h BytesHash) DirtyHash() uint64 { return h.hash }

// Equal reports whether h and other have the same hash and payload.
func (h BytesHash) Equal(other BytesHash) bool {
	return h.hash == other.hash && h.null == other.null && bytes.Equal(h.payload, other.payload)
}
