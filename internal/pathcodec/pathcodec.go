// Package pathcodec flattens filesystem paths into single file names and back.
//
// The path separator becomes Delimiter. A literal Delimiter is written as
// Escape+Delimiter and a literal Escape is doubled, so names that contain
// neither of the two and no separator pass through unchanged.
package pathcodec

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Separator = '/'
	Delimiter = '+'
	Escape    = '%'
)

var ErrInvalid = errors.New("invalid encoded path")

func Encode(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case Separator:
			b.WriteByte(Delimiter)
		case Delimiter, Escape:
			b.WriteByte(Escape)
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func Decode(encoded string) (string, error) {
	var b strings.Builder
	b.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		switch c := encoded[i]; c {
		case Delimiter:
			b.WriteByte(Separator)
		case Escape:
			if i+1 >= len(encoded) {
				return "", fmt.Errorf("%w: dangling escape in %q", ErrInvalid, encoded)
			}
			next := encoded[i+1]
			if next != Delimiter && next != Escape {
				return "", fmt.Errorf("%w: unknown escape %q in %q", ErrInvalid, encoded[i:i+2], encoded)
			}
			b.WriteByte(next)
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
