// Package rand generates the random identifiers the client assigns locally, such as
// the ids of new documents.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const (
	bytesInUint64 = 8
	// AutoIDLength is the length of generated document ids. 62^20 ids make collisions
	// between clients negligible.
	AutoIDLength = 20
	charset      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	charsetLen = len(charset)
	// Bytes at or above this value would favor the first characters of charset.
	unbiasedMaxVal = (256 / charsetLen) * charsetLen
)

var defaultRandBytes = newRandBytes()

func newRandBytes() *randBytes {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("BUG: reading the random seed failed: " + err.Error())
	}

	return &randBytes{
		//nolint:gosec // ids need to be unique, not unpredictable
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

// read fills bytes entirely.
func (rb *randBytes) read(bytes []byte) {
	var chunk [bytesInUint64]byte

	rb.mut.Lock()
	defer rb.mut.Unlock()
	for len(bytes) > 0 {
		binary.LittleEndian.PutUint64(chunk[:], rb.rng.Uint64())
		n := copy(bytes, chunk[:])
		bytes = bytes[n:]
	}
}

// AutoID returns a random document id of AutoIDLength characters drawn uniformly from
// [A-Za-z0-9].
func AutoID() string {
	return uniformString(AutoIDLength)
}

func uniformString(length int) string {
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		defaultRandBytes.read(buf)
		for _, b := range buf {
			if int(b) >= unbiasedMaxVal {
				continue
			}
			out = append(out, charset[int(b)%charsetLen])
			if len(out) == length {
				break
			}
		}
	}
	return string(out)
}
