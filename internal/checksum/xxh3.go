// Package checksum provides checksum functions used for block and record
// integrity verification.
//
// XXH3 block checksums delegate to the upstream xxHash implementation so the
// produced digests match the reference algorithm bit-for-bit.
package checksum

import (
	"github.com/zeebo/xxh3"
)

// XXH3_64bits computes the 64-bit XXH3 hash of data.
func XXH3_64bits(data []byte) uint64 {
	return xxh3.Hash(data)
}

// XXH3Checksum computes the block-style XXH3 checksum for a buffer whose
// trailing byte (typically a compression-type tag) participates in the
// digest with a distinct mixing step, matching the on-disk checksum layout
// used by the block and table formats.
func XXH3Checksum(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	h := XXH3_64bits(data[:len(data)-1])
	v := uint32(h)

	lastByte := data[len(data)-1]
	const randomPrime = 0x6b9083d9
	return v ^ (uint32(lastByte) * randomPrime)
}

// XXH3ChecksumWithLastByte computes the XXH3 checksum over data combined with
// a trailing byte that is supplied separately (not appended to data), used
// when the compression-type tag lives outside the payload buffer.
func XXH3ChecksumWithLastByte(data []byte, lastByte byte) uint32 {
	h := XXH3_64bits(data)
	v := uint32(h)

	const randomPrime = 0x6b9083d9
	return v ^ (uint32(lastByte) * randomPrime)
}
