package leaddr

import (
	"crypto/rand"
	"encoding/binary"
)

// RandomSource supplies the randomness used for private address generation and
// rotation interval jitter.
type RandomSource interface {
	// Bytes returns n freshly drawn random bytes.
	Bytes(n int) []byte

	// Uint64 returns a freshly drawn random value.
	Uint64() uint64
}

type cryptoRandom struct{}

// NewCryptoRandom returns a RandomSource backed by crypto/rand.
func NewCryptoRandom() RandomSource { return cryptoRandom{} }

func (cryptoRandom) Bytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read never fails on supported platforms
		panic(err)
	}
	return buf
}

func (r cryptoRandom) Uint64() uint64 {
	return binary.LittleEndian.Uint64(r.Bytes(8))
}
