package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const WordSize = 32

var ErrInvalidWord = errors.New("invalid word")

type ParticipantID string

// Word is a 256-bit big-endian value. Revealed values, salts and
// commitments are all Words.
type Word [WordSize]byte

func (w Word) Hex() string {
	return "0x" + hex.EncodeToString(w[:])
}

func (w Word) String() string {
	return w.Hex()
}

func (w Word) Equal(o Word) bool {
	return bytes.Equal(w[:], o[:])
}

func (w Word) IsZero() bool {
	return w == Word{}
}

func (w Word) MarshalText() ([]byte, error) {
	return []byte(w.Hex()), nil
}

func (w *Word) UnmarshalText(text []byte) error {
	parsed, err := ParseWord(string(text))
	if err != nil {
		return err
	}

	*w = parsed

	return nil
}

// ParseWord accepts a hex string with or without the 0x prefix. Shorter
// inputs are left-padded, matching how a uint256 is widened.
func ParseWord(s string) (Word, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Word{}, fmt.Errorf("%w: %w", ErrInvalidWord, err)
	}

	if len(raw) > WordSize {
		return Word{}, fmt.Errorf("%w: %d bytes", ErrInvalidWord, len(raw))
	}

	var w Word
	copy(w[WordSize-len(raw):], raw)

	return w, nil
}

// WordFromUint64 places v in the low 8 bytes of a Word.
func WordFromUint64(v uint64) Word {
	var w Word
	for i := range 8 {
		w[WordSize-1-i] = byte(v >> (8 * i))
	}

	return w
}

// Entry is one finalized revealed value. Score is the fixed-width field
// unpacked from Value at reveal time.
type Entry struct {
	Participant ParticipantID `json:"participant"`
	Value       Word          `json:"value"`
	Score       uint64        `json:"score"`
}

type ForfeitReason string

const (
	ForfeitNone          ForfeitReason = ""
	ForfeitNoReveal      ForfeitReason = "no_reveal"
	ForfeitInvalidReveal ForfeitReason = "invalid_reveal"
	ForfeitTimeout       ForfeitReason = "timeout"
)

type Forfeit struct {
	Participant ParticipantID `json:"participant"`
	Reason      ForfeitReason `json:"reason"`
}
