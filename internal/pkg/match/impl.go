// Package match implements the pairwise comparison between two revealed
// values. Equal values resolve on the spot; different values escalate to
// a verification game engine, which the match then polls.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vreid/arbiter/internal/pkg/protocol"
)

// New creates a match in StateCreated. Byes never become matches.
func New(round, index int, left, right protocol.Entry, deadline time.Time) *Match {
	return &Match{
		Round:    round,
		Index:    index,
		Left:     left,
		Right:    right,
		State:    StateCreated,
		Deadline: deadline,
	}
}

func (m *Match) outOfPhase(op string) error {
	return fmt.Errorf("%w: %s on match %d/%d in state %s", protocol.ErrOutOfPhase, op, m.Round, m.Index, m.State)
}

// Compare decides the match locally when both values are bit-for-bit
// equal and otherwise requests a verification game instance. When the
// engine cannot create one, the match stays in StateAwaitingComparison
// so the caller can retry.
func (m *Match) Compare(ctx context.Context, engine Engine, now time.Time) error {
	if m.State != StateCreated && m.State != StateAwaitingComparison {
		return m.outOfPhase("compare")
	}

	m.State = StateAwaitingComparison

	if m.Left.Value.Equal(m.Right.Value) {
		m.resolve(m.Left, "", ResolutionAgreement, now)

		return nil
	}

	m.Attempts++

	handle, err := engine.CreateInstance(ctx, m.Left, m.Right)
	if err == nil && handle == "" {
		err = errors.New("engine returned an empty handle")
	}

	if err != nil {
		if !errors.Is(err, protocol.ErrEngineUnavailable) {
			err = fmt.Errorf("%w: %w", protocol.ErrEngineUnavailable, err)
		}

		return fmt.Errorf("match %d/%d attempt %d: %w", m.Round, m.Index, m.Attempts, err)
	}

	m.Handle = handle
	m.State = StateEscalated
	m.EscalatedAt = now

	return nil
}

// Poll asks the engine for a verdict. A pending verdict leaves the match
// escalated; it is the only point where the protocol waits.
func (m *Match) Poll(ctx context.Context, engine Engine, now time.Time) (State, error) {
	if m.State != StateEscalated {
		return m.State, m.outOfPhase("poll")
	}

	verdict, err := engine.Poll(ctx, m.Handle)
	if err != nil {
		return m.pollFailed(err)
	}

	m.PollFailures = 0

	switch verdict.Status {
	case VerdictPending:
		return m.State, nil

	case VerdictWinner:
		winner, loser, ok := m.split(verdict.Participant)
		if !ok {
			return m.rejectVerdict(verdict)
		}

		m.resolve(winner, loser.Participant, ResolutionVerificationGame, now)

	case VerdictTimedOut:
		loser, winner, ok := m.split(verdict.Participant)
		if !ok {
			return m.rejectVerdict(verdict)
		}

		m.resolve(winner, loser.Participant, ResolutionForfeiture, now)
		m.Forfeit = protocol.ForfeitTimeout

	default:
		return m.rejectVerdict(verdict)
	}

	return m.State, nil
}

// pollFailed records a failed poll. An engine that no longer knows the
// instance can never produce a verdict, so the match is errored at once;
// anything else counts as a transient outage.
func (m *Match) pollFailed(err error) (State, error) {
	if errors.Is(err, protocol.ErrNotFound) {
		err = fmt.Errorf("%w: %s: %w", protocol.ErrLostInstance, m.Handle, err)
		m.Fail(err.Error())

		return m.State, fmt.Errorf("match %d/%d: %w", m.Round, m.Index, err)
	}

	if !errors.Is(err, protocol.ErrEngineUnavailable) {
		err = fmt.Errorf("%w: %w", protocol.ErrEngineUnavailable, err)
	}

	m.PollFailures++

	return m.State, fmt.Errorf("match %d/%d poll %s failure %d: %w", m.Round, m.Index, m.Handle, m.PollFailures, err)
}

// split returns the entry named by p and its opponent.
func (m *Match) split(p protocol.ParticipantID) (protocol.Entry, protocol.Entry, bool) {
	switch p {
	case m.Left.Participant:
		return m.Left, m.Right, true
	case m.Right.Participant:
		return m.Right, m.Left, true
	default:
		return protocol.Entry{}, protocol.Entry{}, false
	}
}

func (m *Match) rejectVerdict(verdict Verdict) (State, error) {
	err := fmt.Errorf("%w: %s %q on match %d/%d", protocol.ErrUnknownVerdict, verdict.Status, verdict.Participant, m.Round, m.Index)
	m.Fail(err.Error())

	return m.State, err
}

func (m *Match) resolve(winner protocol.Entry, loser protocol.ParticipantID, resolution Resolution, now time.Time) {
	m.Winner = &winner
	m.Loser = loser
	m.Resolution = resolution
	m.State = StateResolved
	m.ResolvedAt = now
}

// Fail moves a non-terminal match to StateErrored.
func (m *Match) Fail(reason string) {
	if m.State.Terminal() {
		return
	}

	m.State = StateErrored
	m.Error = reason
}

// Overdue reports whether an escalated match is past its advisory
// deadline. The engine remains the authority on timeouts.
func (m *Match) Overdue(now time.Time) bool {
	return m.State == StateEscalated && !m.Deadline.IsZero() && now.After(m.Deadline)
}
