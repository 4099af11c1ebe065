package arbiter

import (
	"time"

	"github.com/vreid/arbiter/internal/pkg/bits"
	"github.com/vreid/arbiter/internal/pkg/matchmanager"
	"github.com/vreid/arbiter/internal/pkg/protocol"
	"github.com/vreid/arbiter/internal/pkg/reveal"
)

type Status string

const (
	// StatusCollecting covers the commit and reveal phases.
	StatusCollecting  Status = "collecting"
	StatusFinalized   Status = "finalized"
	StatusArbitrating Status = "arbitrating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Action is what a session needs next from the keeper.
type Action string

const (
	ActionNone     Action = ""
	ActionFinalize Action = "finalize"
	ActionStart    Action = "start"
	ActionAdvance  Action = "advance"
)

type CreateSessionRequest struct {
	ID             string      `json:"id,omitempty"`
	CommitDuration string      `json:"commit_duration,omitempty"`
	RevealDuration string      `json:"reveal_duration,omitempty"`
	ScoreField     *bits.Field `json:"score_field,omitempty"`
}

type CommitRequest struct {
	Participant protocol.ParticipantID `json:"participant"`
	Commitment  protocol.Word          `json:"commitment"`
}

type RevealRequest struct {
	Participant protocol.ParticipantID `json:"participant"`
	Value       protocol.Word          `json:"value"`
	Salt        protocol.Word          `json:"salt"`
}

type SessionView struct {
	ID     string        `json:"id"`
	Status Status        `json:"status"`
	Phase  reveal.Phase  `json:"phase"`
	Params reveal.Params `json:"params"`

	Claims       []reveal.Claim           `json:"claims"`
	Finalization *reveal.Finalization     `json:"finalization,omitempty"`
	Tournament   *matchmanager.Tournament `json:"tournament,omitempty"`
	Result       *protocol.Entry          `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Receipt is the signed statement of a session's canonical result.
// Result is nil when nobody revealed a valid value.
type Receipt struct {
	Session  string             `json:"session"`
	Result   *protocol.Entry    `json:"result"`
	Rounds   int                `json:"rounds"`
	Forfeits []protocol.Forfeit `json:"forfeits"`

	Timestamp int64 `json:"timestamp"`
}

type SignedReceipt struct {
	Receipt Receipt `json:"receipt"`

	Signature string `json:"signature"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}
