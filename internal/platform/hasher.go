package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/forkerdotnet/forkergo/internal/interfaces"
)

// SHA256Hasher constructs streaming SHA-256 hashers (spec §4.5/§4.6: every
// content hash in this system is a hex-encoded SHA-256 digest).
type SHA256Hasher struct{}

// NewSHA256Hasher constructs a SHA256Hasher.
func NewSHA256Hasher() SHA256Hasher { return SHA256Hasher{} }

func (SHA256Hasher) New() interfaces.StreamHasher {
	return streamHasher{h: sha256.New()}
}

type streamHasher struct {
	h hash.Hash
}

func (s streamHasher) Write(p []byte) (int, error) { return s.h.Write(p) }

func (s streamHasher) SumHex() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
