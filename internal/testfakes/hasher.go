package testfakes

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/forkerdotnet/forkergo/internal/interfaces"
)

// Hasher is a real-SHA-256 fake (deterministic and collision-free, so tests
// can assert on expected digests without a separate hashing code path).
type Hasher struct{}

func (Hasher) New() interfaces.StreamHasher {
	return &streamHasher{h: sha256.New()}
}

type streamHasher struct {
	h hash.Hash
}

func (s *streamHasher) Write(p []byte) (int, error) { return s.h.Write(p) }
func (s *streamHasher) SumHex() string              { return hex.EncodeToString(s.h.Sum(nil)) }
