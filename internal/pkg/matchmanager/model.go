package matchmanager

import (
	"fmt"
	"time"

	"github.com/vreid/arbiter/internal/pkg/match"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Round is one layer of the bracket. Entrants are paired positionally; a
// trailing odd entrant becomes the Bye.
type Round struct {
	Index    int              `json:"index"`
	Entrants []protocol.Entry `json:"entrants"`
	Matches  []*match.Match   `json:"matches"`
	Bye      *protocol.Entry  `json:"bye,omitempty"`
}

func (r *Round) resolved() bool {
	for _, m := range r.Matches {
		if m.State != match.StateResolved {
			return false
		}
	}

	return true
}

func (r *Round) errored() *match.Match {
	for _, m := range r.Matches {
		if m.State == match.StateErrored {
			return m
		}
	}

	return nil
}

// survivors returns the match winners in positional order followed by
// the bye. Only meaningful once every match is resolved.
func (r *Round) survivors() []protocol.Entry {
	result := make([]protocol.Entry, 0, len(r.Matches)+1)

	for _, m := range r.Matches {
		result = append(result, *m.Winner)
	}

	if r.Bye != nil {
		result = append(result, *r.Bye)
	}

	return result
}

type Tournament struct {
	ID     string          `json:"id"`
	Status Status          `json:"status"`
	Rounds []*Round        `json:"rounds"`
	Result *protocol.Entry `json:"result,omitempty"`

	FailedMatch *match.Ref `json:"failed_match,omitempty"`
	Failure     string     `json:"failure,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Current returns the round in progress, or the last one played.
func (t *Tournament) Current() *Round {
	if len(t.Rounds) == 0 {
		return nil
	}

	return t.Rounds[len(t.Rounds)-1]
}

// State returns a deep copy of the tournament that callers may keep or
// serialize after releasing whatever lock guards t.
func (t *Tournament) State() Tournament {
	result := *t
	result.Rounds = make([]*Round, 0, len(t.Rounds))

	for _, round := range t.Rounds {
		r := &Round{
			Index:    round.Index,
			Entrants: append([]protocol.Entry(nil), round.Entrants...),
			Matches:  make([]*match.Match, 0, len(round.Matches)),
		}

		if round.Bye != nil {
			bye := *round.Bye
			r.Bye = &bye
		}

		for _, m := range round.Matches {
			copied := *m
			if m.Winner != nil {
				winner := *m.Winner
				copied.Winner = &winner
			}

			r.Matches = append(r.Matches, &copied)
		}

		result.Rounds = append(result.Rounds, r)
	}

	if t.Result != nil {
		entry := *t.Result
		result.Result = &entry
	}

	if t.FailedMatch != nil {
		ref := *t.FailedMatch
		result.FailedMatch = &ref
	}

	return result
}

// Match returns a copy of the match at round/index.
func (t *Tournament) Match(round, index int) (match.Match, error) {
	if round < 0 || round >= len(t.Rounds) {
		return match.Match{}, fmt.Errorf("%w: round %d", protocol.ErrNotFound, round)
	}

	matches := t.Rounds[round].Matches
	if index < 0 || index >= len(matches) {
		return match.Match{}, fmt.Errorf("%w: match %d/%d", protocol.ErrNotFound, round, index)
	}

	return *matches[index], nil
}

type OutcomeKind string

const (
	// OutcomeMatch is a resolved match.
	OutcomeMatch OutcomeKind = "match"
	// OutcomeForfeit is a claim lost before any match, during reveal.
	OutcomeForfeit OutcomeKind = "forfeit"
)

// Outcome is published for every resolved match and every reveal-phase
// forfeit. Loser is empty when a match resolved by agreement.
type Outcome struct {
	Kind       OutcomeKind            `json:"kind"`
	Session    string                 `json:"session"`
	Round      int                    `json:"round"`
	Index      int                    `json:"index"`
	Winner     protocol.ParticipantID `json:"winner,omitempty"`
	Loser      protocol.ParticipantID `json:"loser,omitempty"`
	Resolution match.Resolution       `json:"resolution,omitempty"`
	Forfeit    protocol.ForfeitReason `json:"forfeit,omitempty"`
}

// Decisive reports whether the outcome should move ratings.
func (o Outcome) Decisive() bool {
	return o.Kind == OutcomeMatch && o.Winner != "" && o.Loser != ""
}

func ForfeitOutcome(session string, forfeit protocol.Forfeit) Outcome {
	return Outcome{
		Kind:    OutcomeForfeit,
		Session: session,
		Round:   -1,
		Index:   -1,
		Loser:   forfeit.Participant,
		Forfeit: forfeit.Reason,
	}
}

func matchOutcome(session string, m *match.Match) Outcome {
	return Outcome{
		Kind:       OutcomeMatch,
		Session:    session,
		Round:      m.Round,
		Index:      m.Index,
		Winner:     m.Winner.Participant,
		Loser:      m.Loser,
		Resolution: m.Resolution,
		Forfeit:    m.Forfeit,
	}
}
