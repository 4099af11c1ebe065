// Package bits packs fixed-width fields into 256-bit words and computes
// the hash commitments participants bind their claims with.
package bits

import (
	"errors"
	"fmt"

	"github.com/vreid/arbiter/internal/pkg/protocol"
	"golang.org/x/crypto/sha3"
)

const (
	WordBits     = protocol.WordSize * 8
	MaxFieldBits = 64
)

var (
	ErrFieldOutOfRange = errors.New("field out of range")
	ErrValueOverflow   = errors.New("value does not fit in field")
)

// Field addresses Width bits starting at Offset, where bit 0 is the least
// significant bit of the word.
type Field struct {
	Offset uint `json:"offset" koanf:"offset"`
	Width  uint `json:"width"  koanf:"width"`
}

func (f Field) Validate() error {
	if f.Width == 0 || f.Width > MaxFieldBits {
		return fmt.Errorf("%w: width %d", ErrFieldOutOfRange, f.Width)
	}

	if f.Offset > WordBits || f.Width > WordBits-f.Offset {
		return fmt.Errorf("%w: offset %d width %d", ErrFieldOutOfRange, f.Offset, f.Width)
	}

	return nil
}

func (f Field) max() uint64 {
	if f.Width == MaxFieldBits {
		return ^uint64(0)
	}

	return (uint64(1) << f.Width) - 1
}

func bitAt(w protocol.Word, pos uint) uint64 {
	b := w[protocol.WordSize-1-int(pos/8)]

	return uint64(b>>(pos%8)) & 1
}

func setBit(w *protocol.Word, pos uint, on bool) {
	idx := protocol.WordSize - 1 - int(pos/8)
	mask := byte(1) << (pos % 8)

	if on {
		w[idx] |= mask
	} else {
		w[idx] &^= mask
	}
}

// Pack returns a copy of w with v written into f. Bits outside f are
// preserved.
func Pack(w protocol.Word, f Field, v uint64) (protocol.Word, error) {
	err := f.Validate()
	if err != nil {
		return protocol.Word{}, err
	}

	if v > f.max() {
		return protocol.Word{}, fmt.Errorf("%w: %d > %d", ErrValueOverflow, v, f.max())
	}

	for i := range f.Width {
		setBit(&w, f.Offset+i, (v>>i)&1 == 1)
	}

	return w, nil
}

func Unpack(w protocol.Word, f Field) (uint64, error) {
	err := f.Validate()
	if err != nil {
		return 0, err
	}

	var v uint64
	for i := range f.Width {
		v |= bitAt(w, f.Offset+i) << i
	}

	return v, nil
}

// Keccak256 hashes the concatenation of parts.
func Keccak256(parts ...[]byte) protocol.Word {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}

	var out protocol.Word
	copy(out[:], h.Sum(nil))

	return out
}

// Commit is the commitment a participant publishes for value, blinded by
// salt.
func Commit(value, salt protocol.Word) protocol.Word {
	return Keccak256(value[:], salt[:])
}
