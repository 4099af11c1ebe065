// Package matchmanager runs the single-elimination bracket that reduces a
// finalized value set to one canonical result.
package matchmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/match"
	"github.com/vreid/arbiter/internal/pkg/metrics"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

const (
	DefaultEngineAttempts = 3
	DefaultMatchDuration  = 30 * time.Minute
)

var ErrInvalidManager = errors.New("invalid match manager")

// Manager drives tournaments. It holds no tournament state of its own, so
// one Manager can serve many sessions; each Tournament must be accessed
// by one goroutine at a time.
type Manager struct {
	engine match.Engine

	engineAttempts int
	matchDuration  time.Duration

	now         func() time.Time
	outcomeSink chan<- Outcome
	logger      *log.Logger
	metrics     *metrics.ProtocolMetrics
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithEngineAttempts bounds how many times instantiation is tried for one
// match, and how many consecutive polls may fail, before the match is
// errored.
func WithEngineAttempts(attempts int) Option {
	return func(m *Manager) {
		m.engineAttempts = attempts
	}
}

func WithMatchDuration(d time.Duration) Option {
	return func(m *Manager) {
		m.matchDuration = d
	}
}

func WithOutcomeSink(sink chan<- Outcome) Option {
	return func(m *Manager) {
		m.outcomeSink = sink
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(protocolMetrics *metrics.ProtocolMetrics) Option {
	return func(m *Manager) {
		m.metrics = protocolMetrics
	}
}

func NewManager(engine match.Engine, opts ...Option) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidManager)
	}

	result := &Manager{
		engine: engine,

		engineAttempts: DefaultEngineAttempts,
		matchDuration:  DefaultMatchDuration,

		now:    time.Now,
		logger: log.NewNopLogger(),
	}

	for _, opt := range opts {
		opt(result)
	}

	if result.engineAttempts < 1 {
		return nil, fmt.Errorf("%w: engine attempts must be at least 1", ErrInvalidManager)
	}

	if result.matchDuration <= 0 {
		return nil, fmt.Errorf("%w: match duration must be positive", ErrInvalidManager)
	}

	return result, nil
}

// Start opens a tournament over entries in the given order. A single
// entry is the result; otherwise Round 0 is formed and every match is
// compared. An EngineUnavailable error means some matches are still
// awaiting comparison; the tournament is running and Advance retries
// them.
func (m *Manager) Start(ctx context.Context, id string, entries []protocol.Entry) (*Tournament, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("tournament %s: %w", id, protocol.ErrNoEntries)
	}

	t := &Tournament{
		ID:        id,
		Status:    StatusRunning,
		Rounds:    []*Round{},
		StartedAt: m.now(),
	}

	if len(entries) == 1 {
		m.complete(t, entries[0])

		return t, nil
	}

	engineErr := m.openRound(ctx, t, 0, entries)

	err := m.settle(ctx, t)
	if err != nil {
		return t, err
	}

	return t, engineErr
}

// Advance retries instantiation for matches still awaiting comparison,
// polls every escalated match, and promotes the bracket as far as the
// resolved matches allow. It is meant to be called repeatedly until the
// tournament is terminal.
func (m *Manager) Advance(ctx context.Context, t *Tournament) error {
	if t.Status.Terminal() {
		return fmt.Errorf("tournament %s is %s: %w", t.ID, t.Status, protocol.ErrAlreadyTerminal)
	}

	engineErr := m.drive(ctx, t, t.Current())

	err := m.settle(ctx, t)
	if err != nil {
		return err
	}

	return engineErr
}

// Abort cancels a running tournament. Resolved matches are kept as they
// are.
func (m *Manager) Abort(t *Tournament) error {
	if t.Status.Terminal() {
		return fmt.Errorf("tournament %s is %s: %w", t.ID, t.Status, protocol.ErrAlreadyTerminal)
	}

	t.Status = StatusCancelled
	t.FinishedAt = m.now()

	m.metrics.TournamentFinished(string(t.Status))
	m.logger.Info("tournament cancelled", "tournament", t.ID, "round", len(t.Rounds)-1)

	return nil
}

// openRound pairs entrants positionally and compares every match.
func (m *Manager) openRound(ctx context.Context, t *Tournament, index int, entrants []protocol.Entry) error {
	now := m.now()
	deadline := now.Add(m.matchDuration)

	round := &Round{
		Index:    index,
		Entrants: entrants,
		Matches:  make([]*match.Match, 0, len(entrants)/2),
	}

	for i := 0; i+1 < len(entrants); i += 2 {
		round.Matches = append(round.Matches, match.New(index, i/2, entrants[i], entrants[i+1], deadline))
	}

	if len(entrants)%2 == 1 {
		bye := entrants[len(entrants)-1]
		round.Bye = &bye
	}

	t.Rounds = append(t.Rounds, round)

	m.logger.Debug("round opened",
		"tournament", t.ID,
		"round", index,
		"entrants", len(entrants),
		"matches", len(round.Matches),
		"bye", round.Bye != nil,
	)

	var engineErr error

	for _, mt := range round.Matches {
		err := m.compare(ctx, t, mt)
		if err != nil && engineErr == nil {
			engineErr = err
		}
	}

	return engineErr
}

// drive makes one pass over the non-terminal matches of round.
func (m *Manager) drive(ctx context.Context, t *Tournament, round *Round) error {
	var engineErr error

	for _, mt := range round.Matches {
		var err error

		switch mt.State {
		case match.StateCreated, match.StateAwaitingComparison:
			err = m.compare(ctx, t, mt)
		case match.StateEscalated:
			err = m.poll(ctx, t, mt)
		case match.StateResolved, match.StateErrored:
			continue
		}

		if err != nil && engineErr == nil {
			engineErr = err
		}
	}

	return engineErr
}

func (m *Manager) compare(ctx context.Context, t *Tournament, mt *match.Match) error {
	err := mt.Compare(ctx, m.engine, m.now())
	if err != nil {
		m.metrics.EngineError("create_instance")

		if mt.Attempts >= m.engineAttempts {
			mt.Fail(fmt.Sprintf("no verification game instance after %d attempts: %v", mt.Attempts, err))
			m.logger.Error("giving up on match",
				"tournament", t.ID,
				"round", mt.Round,
				"match", mt.Index,
				"attempts", mt.Attempts,
				"err", err,
			)

			return nil
		}

		m.logger.Warn("failed to create verification game instance",
			"tournament", t.ID,
			"round", mt.Round,
			"match", mt.Index,
			"attempts", mt.Attempts,
			"err", err,
		)

		return err
	}

	if mt.State == match.StateEscalated {
		m.metrics.Escalation()
		m.logger.Info("match escalated",
			"tournament", t.ID,
			"round", mt.Round,
			"match", mt.Index,
			"handle", mt.Handle,
		)

		return nil
	}

	m.publish(ctx, t, mt)

	return nil
}

func (m *Manager) poll(ctx context.Context, t *Tournament, mt *match.Match) error {
	now := m.now()

	state, err := mt.Poll(ctx, m.engine, now)
	if err != nil {
		if protocol.IsEngineUnavailable(err) {
			m.metrics.EngineError("poll")

			if mt.PollFailures >= m.engineAttempts {
				mt.Fail(fmt.Sprintf("no verdict after %d failed polls: %v", mt.PollFailures, err))
				m.logger.Error("giving up on match",
					"tournament", t.ID,
					"round", mt.Round,
					"match", mt.Index,
					"handle", mt.Handle,
					"poll_failures", mt.PollFailures,
					"err", err,
				)

				return nil
			}

			m.logger.Warn("failed to poll verification game",
				"tournament", t.ID,
				"round", mt.Round,
				"match", mt.Index,
				"handle", mt.Handle,
				"poll_failures", mt.PollFailures,
				"err", err,
			)

			return err
		}

		m.logger.Error("match errored while polling",
			"tournament", t.ID,
			"round", mt.Round,
			"match", mt.Index,
			"handle", mt.Handle,
			"err", err,
		)

		return nil
	}

	switch state {
	case match.StateResolved:
		m.publish(ctx, t, mt)
	case match.StateEscalated:
		if mt.Overdue(now) {
			m.logger.Warn("verification game past its deadline",
				"tournament", t.ID,
				"round", mt.Round,
				"match", mt.Index,
				"handle", mt.Handle,
				"deadline", mt.Deadline,
			)
		}
	case match.StateCreated, match.StateAwaitingComparison, match.StateErrored:
	}

	return nil
}

// settle promotes the bracket while the current round is fully resolved.
func (m *Manager) settle(ctx context.Context, t *Tournament) error {
	var engineErr error

	for {
		round := t.Current()

		failed := round.errored()
		if failed != nil {
			return m.fail(t, failed)
		}

		if !round.resolved() {
			return engineErr
		}

		survivors := round.survivors()
		if len(survivors) == 1 {
			m.complete(t, survivors[0])

			return nil
		}

		err := m.openRound(ctx, t, round.Index+1, survivors)
		if err != nil && engineErr == nil {
			engineErr = err
		}
	}
}

func (m *Manager) complete(t *Tournament, result protocol.Entry) {
	t.Status = StatusCompleted
	t.Result = &result
	t.FinishedAt = m.now()

	m.metrics.TournamentFinished(string(t.Status))
	m.logger.Info("tournament completed",
		"tournament", t.ID,
		"rounds", len(t.Rounds),
		"winner", result.Participant,
		"value", result.Value,
	)
}

func (m *Manager) fail(t *Tournament, failed *match.Match) error {
	ref := failed.Ref()

	t.Status = StatusFailed
	t.FailedMatch = &ref
	t.Failure = failed.Error
	t.FinishedAt = m.now()

	m.metrics.TournamentFinished(string(t.Status))
	m.logger.Error("tournament failed",
		"tournament", t.ID,
		"round", ref.Round,
		"match", ref.Index,
		"reason", failed.Error,
	)

	return fmt.Errorf("tournament %s: match %d/%d: %w", t.ID, ref.Round, ref.Index, protocol.ErrTournamentFailed)
}

func (m *Manager) publish(ctx context.Context, t *Tournament, mt *match.Match) {
	m.metrics.MatchResolved(string(mt.Resolution))

	if mt.Forfeit != protocol.ForfeitNone {
		m.metrics.Forfeit(string(mt.Forfeit))
	}

	m.logger.Info("match resolved",
		"tournament", t.ID,
		"round", mt.Round,
		"match", mt.Index,
		"resolution", mt.Resolution,
		"winner", mt.Winner.Participant,
	)

	if m.outcomeSink == nil {
		return
	}

	select {
	case m.outcomeSink <- matchOutcome(t.ID, mt):
	case <-ctx.Done():
		m.logger.Warn("dropped match outcome", "tournament", t.ID, "round", mt.Round, "match", mt.Index, "err", ctx.Err())
	}
}
