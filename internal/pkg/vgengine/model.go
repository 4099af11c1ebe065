package vgengine

import (
	"time"

	"github.com/vreid/arbiter/internal/pkg/match"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

// Instance is the record of one verification game. The external engine
// plays the game and reports the verdict back; until then the instance is
// pending.
type Instance struct {
	Handle     match.Handle   `json:"handle"`
	Claimer    protocol.Entry `json:"claimer"`
	Challenger protocol.Entry `json:"challenger"`
	Verdict    match.Verdict  `json:"verdict"`

	// Deadline is when the side expected to move next loses by time.
	// Every recorded move pushes it one round further.
	Deadline   time.Time              `json:"deadline"`
	LastMover  protocol.ParticipantID `json:"last_mover,omitempty"`
	LastMoveAt time.Time              `json:"last_move_at,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	DecidedAt time.Time `json:"decided_at,omitzero"`
}

// MoveRequest is what the external engine posts when a participant makes
// a move in the game.
type MoveRequest struct {
	Participant protocol.ParticipantID `json:"participant"`
}

func (i *Instance) Decided() bool {
	return i.Verdict.Status != match.VerdictPending
}

func (i *Instance) involves(p protocol.ParticipantID) bool {
	return p != "" && (p == i.Claimer.Participant || p == i.Challenger.Participant)
}

// idle returns the participant who failed to move in time. Until the
// first move the challenger is the one expected to act.
func (i *Instance) idle() protocol.ParticipantID {
	if i.LastMover == i.Challenger.Participant {
		return i.Claimer.Participant
	}

	return i.Challenger.Participant
}

// expired reports whether an undecided instance is strictly past its
// deadline.
func (i *Instance) expired(now time.Time) bool {
	return !i.Decided() && !i.Deadline.IsZero() && i.Deadline.Before(now)
}
