// Package digest computes BLAKE3 digests of files and streams.
package digest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

var ErrMismatch = errors.New("blake3 digest mismatch")

// File computes the BLAKE3 hash of a file.
func File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// Stream hashes and counts everything written to it.
type Stream struct {
	hasher *blake3.Hasher
	n      atomic.Int64
}

func NewStream() *Stream {
	return &Stream{hasher: blake3.New()}
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.hasher.Write(p)
	s.n.Add(int64(n))
	return n, err
}

func (s *Stream) Bytes() int64 {
	return s.n.Load()
}

func (s *Stream) Sum() string {
	return fmt.Sprintf("%x", s.hasher.Sum(nil))
}
