package logstore

import (
	"time"

	"github.com/vreid/arbiter/internal/pkg/protocol"
)

// Entry describes one stored log. Hash is the Keccak-256 of the content
// and is what a participant references in its claim.
type Entry struct {
	Hash      protocol.Word `json:"hash"`
	Size      int64         `json:"size"`
	Filename  string        `json:"filename,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
