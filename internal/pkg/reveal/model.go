package reveal

import (
	"time"

	"github.com/vreid/arbiter/internal/pkg/bits"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

type Phase string

const (
	PhaseCommit           Phase = "commit"
	PhaseReveal           Phase = "reveal"
	PhaseAwaitingFinalize Phase = "awaiting_finalize"
	PhaseFinalized        Phase = "finalized"
)

type Params struct {
	Session        string    `json:"session"`
	CommitDeadline time.Time `json:"commit_deadline"`
	RevealDeadline time.Time `json:"reveal_deadline"`

	// ScoreField locates the score inside a revealed value. A zero Width
	// disables score extraction.
	ScoreField bits.Field `json:"score_field"`
}

// Claim is created at commit time and mutated at most once, at reveal
// time or when it is forfeited.
type Claim struct {
	Participant protocol.ParticipantID `json:"participant"`
	Commitment  protocol.Word          `json:"commitment"`
	Index       int                    `json:"index"`
	CommittedAt time.Time              `json:"committed_at"`

	Value      *protocol.Word `json:"value,omitempty"`
	Score      uint64         `json:"score"`
	RevealedAt *time.Time     `json:"revealed_at,omitempty"`

	Forfeit protocol.ForfeitReason `json:"forfeit,omitempty"`
}

func (c *Claim) Revealed() bool {
	return c.Value != nil
}

func (c *Claim) Forfeited() bool {
	return c.Forfeit != protocol.ForfeitNone
}

func (c *Claim) settled() bool {
	return c.Revealed() || c.Forfeited()
}

// clone copies c without sharing the revealed value or timestamp.
func (c *Claim) clone() Claim {
	result := *c

	if c.Value != nil {
		value := *c.Value
		result.Value = &value
	}

	if c.RevealedAt != nil {
		revealedAt := *c.RevealedAt
		result.RevealedAt = &revealedAt
	}

	return result
}

// Finalization is the output of the reveal phase: valid entries in commit
// order, and every forfeited participant.
type Finalization struct {
	Entries     []protocol.Entry   `json:"entries"`
	Forfeits    []protocol.Forfeit `json:"forfeits"`
	FinalizedAt time.Time          `json:"finalized_at"`
}

// Immediate reports whether the finalization already decides the result
// without a tournament. The entry is nil when nobody revealed.
func (f *Finalization) Immediate() (*protocol.Entry, bool) {
	switch len(f.Entries) {
	case 0:
		return nil, true
	case 1:
		entry := f.Entries[0]

		return &entry, true
	default:
		return nil, false
	}
}

func (f *Finalization) clone() *Finalization {
	return &Finalization{
		Entries:     append([]protocol.Entry{}, f.Entries...),
		Forfeits:    append([]protocol.Forfeit{}, f.Forfeits...),
		FinalizedAt: f.FinalizedAt,
	}
}
