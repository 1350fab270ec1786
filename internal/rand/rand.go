// Package rand generates short random identifiers for wire messages.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const (
	bytesInUint64 = 8
	charset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var charsetLen = len(charset)

var defaultRandBytes = newRandBytes()

func newRandBytes() *randBytes {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &randBytes{
		//nolint:gosec // message ids are not security sensitive
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type randBytes struct {
	mut sync.Mutex
	rng *rand.Rand
}

func (rb *randBytes) read(buf []byte) {
	rb.mut.Lock()
	defer rb.mut.Unlock()

	i := 0
	for i+bytesInUint64 <= len(buf) {
		binary.LittleEndian.PutUint64(buf[i:], rb.rng.Uint64())
		i += bytesInUint64
	}
	if i < len(buf) {
		var tail [bytesInUint64]byte
		binary.LittleEndian.PutUint64(tail[:], rb.rng.Uint64())
		copy(buf[i:], tail[:len(buf)-i])
	}
}

// NewMessageID returns a random base62 string of the given length.
// The distribution is slightly non-uniform, which is acceptable because
// the ids only need to be unique among in-flight messages.
func NewMessageID(length int) string {
	buf := make([]byte, length)
	defaultRandBytes.read(buf)

	for i, b := range buf {
		buf[i] = charset[int(b)%charsetLen]
	}

	return string(buf)
}
