package match

import (
	"context"
	"time"

	"github.com/vreid/arbiter/internal/pkg/protocol"
)

type State string

const (
	StateCreated            State = "created"
	StateAwaitingComparison State = "awaiting_comparison"
	StateEscalated          State = "escalated"
	StateResolved           State = "resolved"
	StateErrored            State = "errored"
)

func (s State) Terminal() bool {
	return s == StateResolved || s == StateErrored
}

type Resolution string

const (
	ResolutionNone             Resolution = ""
	ResolutionAgreement        Resolution = "agreement"
	ResolutionVerificationGame Resolution = "verification_game"
	ResolutionForfeiture       Resolution = "forfeiture"
)

// Handle is an opaque reference to a verification game instance. The
// engine owns the instance; a Match only keeps the reference.
type Handle string

type VerdictStatus string

const (
	VerdictPending  VerdictStatus = "pending"
	VerdictWinner   VerdictStatus = "winner"
	VerdictTimedOut VerdictStatus = "timed_out"
)

// Verdict is what an engine reports for an instance. Participant is the
// winner for VerdictWinner and the loser for VerdictTimedOut.
type Verdict struct {
	Status      VerdictStatus          `json:"status"`
	Participant protocol.ParticipantID `json:"participant,omitempty"`
}

func Pending() Verdict {
	return Verdict{Status: VerdictPending}
}

func WinnerVerdict(winner protocol.ParticipantID) Verdict {
	return Verdict{Status: VerdictWinner, Participant: winner}
}

func TimedOutVerdict(loser protocol.ParticipantID) Verdict {
	return Verdict{Status: VerdictTimedOut, Participant: loser}
}

// Engine is the capability a Match escalates to when two values differ.
// CreateInstance fails with protocol.ErrEngineUnavailable when no
// instance could be created. Poll fails with protocol.ErrNotFound when
// the engine does not know the handle.
type Engine interface {
	CreateInstance(ctx context.Context, a, b protocol.Entry) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Verdict, error)
}

// Ref addresses a match inside a tournament.
type Ref struct {
	Round int `json:"round"`
	Index int `json:"index"`
}

type Match struct {
	Round int `json:"round"`
	Index int `json:"index"`

	// Left plays the claimer and Right the challenger when escalated.
	Left  protocol.Entry `json:"left"`
	Right protocol.Entry `json:"right"`

	State      State      `json:"state"`
	Resolution Resolution `json:"resolution,omitempty"`
	Handle     Handle     `json:"handle,omitempty"`

	Winner  *protocol.Entry        `json:"winner,omitempty"`
	Loser   protocol.ParticipantID `json:"loser,omitempty"`
	Forfeit protocol.ForfeitReason `json:"forfeit,omitempty"`

	// Attempts counts CreateInstance calls; PollFailures counts
	// consecutive failed polls of the current instance.
	Attempts     int       `json:"attempts"`
	PollFailures int       `json:"poll_failures,omitempty"`
	Deadline     time.Time `json:"deadline"`
	EscalatedAt  time.Time `json:"escalated_at,omitzero"`
	ResolvedAt   time.Time `json:"resolved_at,omitzero"`
	Error        string    `json:"error,omitempty"`
}

func (m *Match) Ref() Ref {
	return Ref{Round: m.Round, Index: m.Index}
}
