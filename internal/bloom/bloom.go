// Package bloom implements the probabilistic filter used as payload
// material for the peer protocol's filterload message.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

const (
	maxFilterBytes = 36000
	maxHashFuncs   = 50
	hashSeedFactor = 0xFBA4C795
	ln2Squared     = math.Ln2 * math.Ln2
)

// Filter is a Bloom filter sized and hashed per the Bitcoin-family
// filterload wire format: a byte vector, a hash-function count, a tweak
// mixed into every hash seed, and an opaque flags byte carried verbatim.
type Filter struct {
	bits  []byte
	nHash uint32
	tweak uint32
	flags uint8
}

// New sizes a filter for n elements at false-positive rate p, per the
// standard BIP37 formulas:
//
//	m_bits  = ceil(-n * ln(p) / ln(2)^2)
//	m_bytes = min(m_bits / 8, 36000)
//	k       = min(floor(m_bytes * 8 / n * ln(2)), 50)
func New(n int, p float64, tweak uint32, flags uint8) *Filter {
	numBits := math.Ceil(-1.0 / ln2Squared * float64(n) * math.Log(p))
	numBytes := int(numBits / 8)
	if numBytes > maxFilterBytes {
		numBytes = maxFilterBytes
	}
	if numBytes < 0 {
		numBytes = 0
	}

	var nHash uint32
	if n > 0 && numBytes > 0 {
		k := float64(numBytes*8) / float64(n) * math.Ln2
		nHash = uint32(k)
		if nHash > maxHashFuncs {
			nHash = maxHashFuncs
		}
	}

	return &Filter{
		bits:  make([]byte, numBytes),
		nHash: nHash,
		tweak: tweak,
		flags: flags,
	}
}

// hash computes the bit index for hash function i over data, per the
// filter's tweak.
func (f *Filter) hash(data []byte, i uint32) uint32 {
	seed := i*hashSeedFactor + f.tweak
	if len(f.bits) == 0 {
		return 0
	}
	return murmur3.Sum32WithSeed(data, seed) % (uint32(len(f.bits)) * 8)
}

// Insert adds data to the filter.
func (f *Filter) Insert(data []byte) {
	for i := uint32(0); i < f.nHash; i++ {
		idx := f.hash(data, i)
		f.bits[idx/8] |= 1 << (idx & 0x7)
	}
}

// Contains reports whether data may have been inserted. False positives
// are possible; false negatives are not.
func (f *Filter) Contains(data []byte) bool {
	for i := uint32(0); i < f.nHash; i++ {
		idx := f.hash(data, i)
		if f.bits[idx/8]&(1<<(idx&0x7)) == 0 {
			return false
		}
	}
	return true
}

// Bits returns the raw filter bytes, as serialised by filterload.
func (f *Filter) Bits() []byte { return f.bits }

// NumHashFuncs returns k.
func (f *Filter) NumHashFuncs() uint32 { return f.nHash }

// Tweak returns the per-filter tweak constant.
func (f *Filter) Tweak() uint32 { return f.tweak }

// Flags returns the filter's flags byte.
func (f *Filter) Flags() uint8 { return f.flags }
