// Package arbiter hosts arbitration sessions: one commit-reveal phase
// followed, when needed, by one tournament. Access to each session is
// serialized; different sessions proceed independently.
package arbiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do/v2"
	"github.com/vreid/arbiter/internal/pkg/claimlog"
	"github.com/vreid/arbiter/internal/pkg/common"
	"github.com/vreid/arbiter/internal/pkg/config"
	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/match"
	"github.com/vreid/arbiter/internal/pkg/matchmanager"
	"github.com/vreid/arbiter/internal/pkg/metrics"
	"github.com/vreid/arbiter/internal/pkg/protocol"
	"github.com/vreid/arbiter/internal/pkg/reveal"
	"github.com/vreid/arbiter/internal/pkg/vgengine"
)

var ErrInvalidRequest = fmt.Errorf("%w: invalid request", protocol.ErrProtocolViolation)

type session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time

	reveal     *reveal.Manager
	tournament *matchmanager.Tournament

	// result is only meaningful once decided is set.
	result  *protocol.Entry
	decided bool
}

type ArbiterService struct {
	Protocol        config.ProtocolConfig
	SignatureSecret string

	matches     *matchmanager.Manager
	claimLogger claimlog.Logger
	outcomeSink chan<- matchmanager.Outcome
	metrics     *metrics.ProtocolMetrics
	logger      *log.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	order    []string
}

type Option func(*ArbiterService)

func WithClock(now func() time.Time) Option {
	return func(s *ArbiterService) {
		s.now = now
	}
}

func WithClaimLogger(claimLogger claimlog.Logger) Option {
	return func(s *ArbiterService) {
		s.claimLogger = claimLogger
	}
}

// WithOutcomeSink receives reveal-phase forfeits. Match outcomes are
// published by the match manager itself.
func WithOutcomeSink(sink chan<- matchmanager.Outcome) Option {
	return func(s *ArbiterService) {
		s.outcomeSink = sink
	}
}

func WithMetrics(protocolMetrics *metrics.ProtocolMetrics) Option {
	return func(s *ArbiterService) {
		s.metrics = protocolMetrics
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *ArbiterService) {
		s.logger = logger
	}
}

func WithSignatureSecret(secret string) Option {
	return func(s *ArbiterService) {
		s.SignatureSecret = secret
	}
}

func NewArbiter(matches *matchmanager.Manager, protocolConfig config.ProtocolConfig, opts ...Option) *ArbiterService {
	result := &ArbiterService{
		Protocol: protocolConfig,

		matches:     matches,
		claimLogger: claimlog.NopLogger{},
		logger:      log.NewNopLogger(),
		now:         time.Now,

		sessions: map[string]*session{},
		order:    []string{},
	}

	for _, opt := range opts {
		opt(result)
	}

	return result
}

func NewArbiterService(i do.Injector) (*ArbiterService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	engine := do.MustInvoke[*vgengine.Registry](i)
	claimLogger := do.MustInvoke[claimlog.Logger](i)
	protocolMetrics := do.MustInvoke[*metrics.ProtocolMetrics](i)
	logger := do.MustInvoke[*log.Logger](i)

	outcomeSink := do.MustInvokeNamed[chan<- matchmanager.Outcome](i, "outcome-sink")
	signatureSecret := do.MustInvokeNamed[string](i, "signature-secret")

	matches, err := matchmanager.NewManager(engine,
		matchmanager.WithEngineAttempts(cfg.Protocol.EngineAttempts),
		matchmanager.WithMatchDuration(cfg.Protocol.MatchDuration),
		matchmanager.WithOutcomeSink(outcomeSink),
		matchmanager.WithMetrics(protocolMetrics),
		matchmanager.WithLogger(logger.WithModule("matchmanager")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create match manager: %w", err)
	}

	result := NewArbiter(matches, cfg.Protocol,
		WithClaimLogger(claimLogger),
		WithOutcomeSink(outcomeSink),
		WithMetrics(protocolMetrics),
		WithLogger(logger.WithModule("arbiter")),
		WithSignatureSecret(signatureSecret),
	)

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Routes)

	return result, nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%w: duration %s must be positive", ErrInvalidRequest, value)
	}

	return d, nil
}

// CreateSession opens the commit phase of a new session. Durations and
// the score field default to the protocol configuration.
func (s *ArbiterService) CreateSession(_ context.Context, req CreateSessionRequest) (*SessionView, error) {
	commitDuration, err := parseDuration(req.CommitDuration, s.Protocol.CommitDuration)
	if err != nil {
		return nil, err
	}

	revealDuration, err := parseDuration(req.RevealDuration, s.Protocol.RevealDuration)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session id: %w", err)
		}

		id = generated.String()
	}

	scoreField := s.Protocol.ScoreField
	if req.ScoreField != nil {
		scoreField = *req.ScoreField
	}

	now := s.now()
	commitDeadline := now.Add(commitDuration)

	manager, err := reveal.NewManager(reveal.Params{
		Session:        id,
		CommitDeadline: commitDeadline,
		RevealDeadline: commitDeadline.Add(revealDuration),
		ScoreField:     scoreField,
	},
		reveal.WithClock(s.now),
		reveal.WithClaimLogger(s.claimLogger),
		reveal.WithLogger(s.logger.WithModule("reveal")),
		reveal.WithMetrics(s.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	sess := &session{
		id:        id,
		createdAt: now,
		reveal:    manager,
	}

	s.mu.Lock()

	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", protocol.ErrSessionExists, id)
	}

	s.sessions[id] = sess
	s.order = append(s.order, id)

	s.mu.Unlock()

	s.logger.Info("session created",
		"session", id,
		"commit_deadline", manager.Params().CommitDeadline,
		"reveal_deadline", manager.Params().RevealDeadline,
	)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return s.view(sess), nil
}

func (s *ArbiterService) lookup(id string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, protocol.ErrNotFound)
	}

	return sess, nil
}

// with runs fn while holding the session lock.
func (s *ArbiterService) with(id string, fn func(sess *session) error) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return fn(sess)
}

// SessionIDs lists sessions in creation order.
func (s *ArbiterService) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.order...)
}

func (s *ArbiterService) Commit(ctx context.Context, id string, req CommitRequest) error {
	return s.with(id, func(sess *session) error {
		//nolint:wrapcheck
		return sess.reveal.Commit(ctx, req.Participant, req.Commitment)
	})
}

func (s *ArbiterService) Reveal(ctx context.Context, id string, req RevealRequest) error {
	return s.with(id, func(sess *session) error {
		//nolint:wrapcheck
		return sess.reveal.Reveal(ctx, req.Participant, req.Value, req.Salt)
	})
}

// Finalize closes the reveal phase. With fewer than two valid values the
// session is decided right away.
func (s *ArbiterService) Finalize(ctx context.Context, id string) (*SessionView, error) {
	var result *SessionView

	err := s.with(id, func(sess *session) error {
		finalization, err := sess.reveal.Finalize(ctx)
		if err != nil {
			//nolint:wrapcheck
			return err
		}

		for _, forfeit := range finalization.Forfeits {
			s.publish(ctx, matchmanager.ForfeitOutcome(sess.id, forfeit))
		}

		if entry, ok := finalization.Immediate(); ok {
			sess.result = entry
			sess.decided = true

			s.logger.Info("session decided without tournament",
				"session", sess.id,
				"entries", len(finalization.Entries),
			)
		}

		result = s.view(sess)

		return nil
	})

	return result, err
}

// Start opens the tournament over the finalized entries.
func (s *ArbiterService) Start(ctx context.Context, id string) (*SessionView, error) {
	var result *SessionView

	err := s.with(id, func(sess *session) error {
		finalization := sess.reveal.Finalization()

		switch {
		case finalization == nil:
			return fmt.Errorf("%w: session %s is not finalized", protocol.ErrOutOfPhase, sess.id)
		case sess.tournament != nil:
			return fmt.Errorf("%w: session %s already started", protocol.ErrOutOfPhase, sess.id)
		case sess.decided:
			return fmt.Errorf("%w: session %s needs no tournament", protocol.ErrOutOfPhase, sess.id)
		}

		tournament, err := s.matches.Start(ctx, sess.id, finalization.Entries)
		if tournament != nil {
			sess.tournament = tournament
			s.settle(sess)
		}

		result = s.view(sess)

		//nolint:wrapcheck
		return err
	})

	return result, err
}

func (s *ArbiterService) Advance(ctx context.Context, id string) (*SessionView, error) {
	var result *SessionView

	err := s.with(id, func(sess *session) error {
		if sess.tournament == nil {
			return fmt.Errorf("%w: session %s has no tournament", protocol.ErrOutOfPhase, sess.id)
		}

		err := s.matches.Advance(ctx, sess.tournament)
		s.settle(sess)

		result = s.view(sess)

		//nolint:wrapcheck
		return err
	})

	return result, err
}

func (s *ArbiterService) Abort(_ context.Context, id string) (*SessionView, error) {
	var result *SessionView

	err := s.with(id, func(sess *session) error {
		if sess.tournament == nil {
			return fmt.Errorf("%w: session %s has no tournament", protocol.ErrOutOfPhase, sess.id)
		}

		err := s.matches.Abort(sess.tournament)
		if err != nil {
			//nolint:wrapcheck
			return err
		}

		result = s.view(sess)

		return nil
	})

	return result, err
}

func (s *ArbiterService) Session(id string) (*SessionView, error) {
	var result *SessionView

	err := s.with(id, func(sess *session) error {
		result = s.view(sess)

		return nil
	})

	return result, err
}

func (s *ArbiterService) Claim(id string, participant protocol.ParticipantID) (reveal.Claim, error) {
	var result reveal.Claim

	err := s.with(id, func(sess *session) error {
		var err error

		result, err = sess.reveal.Claim(participant)

		//nolint:wrapcheck
		return err
	})

	return result, err
}

func (s *ArbiterService) Match(id string, round, index int) (match.Match, error) {
	var result match.Match

	err := s.with(id, func(sess *session) error {
		if sess.tournament == nil {
			return fmt.Errorf("session %s has no tournament: %w", sess.id, protocol.ErrNotFound)
		}

		var err error

		result, err = sess.tournament.Match(round, index)

		//nolint:wrapcheck
		return err
	})

	return result, err
}

// Receipt signs the canonical result of a decided session.
func (s *ArbiterService) Receipt(id string) (*SignedReceipt, error) {
	var receipt Receipt

	err := s.with(id, func(sess *session) error {
		switch s.status(sess) {
		case StatusCompleted:
		case StatusFailed:
			return fmt.Errorf("session %s: %w", sess.id, protocol.ErrTournamentFailed)
		case StatusCancelled:
			return fmt.Errorf("%w: session %s was cancelled", protocol.ErrOutOfPhase, sess.id)
		case StatusCollecting, StatusFinalized, StatusArbitrating:
			return fmt.Errorf("%w: session %s is not decided yet", protocol.ErrTooEarly, sess.id)
		}

		finalization := sess.reveal.Finalization()

		receipt = Receipt{
			Session:   sess.id,
			Result:    sess.result,
			Forfeits:  finalization.Forfeits,
			Timestamp: finalization.FinalizedAt.Unix(),
		}

		if sess.tournament != nil {
			receipt.Rounds = len(sess.tournament.Rounds)
			receipt.Timestamp = sess.tournament.FinishedAt.Unix()
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return SignReceipt(receipt, []byte(s.SignatureSecret))
}

// NextAction reports which protocol step the session is waiting for.
func (s *ArbiterService) NextAction(id string) (Action, error) {
	var result Action

	err := s.with(id, func(sess *session) error {
		switch s.status(sess) {
		case StatusCollecting:
			if sess.reveal.Phase() == reveal.PhaseAwaitingFinalize {
				result = ActionFinalize
			}
		case StatusFinalized:
			result = ActionStart
		case StatusArbitrating:
			result = ActionAdvance
		case StatusCompleted, StatusFailed, StatusCancelled:
		}

		return nil
	})

	return result, err
}

// settle records the tournament result once it is known.
func (s *ArbiterService) settle(sess *session) {
	if sess.tournament.Status != matchmanager.StatusCompleted || sess.decided {
		return
	}

	sess.result = sess.tournament.Result
	sess.decided = true
}

func (s *ArbiterService) status(sess *session) Status {
	if sess.reveal.Finalization() == nil {
		return StatusCollecting
	}

	if sess.tournament == nil {
		if sess.decided {
			return StatusCompleted
		}

		return StatusFinalized
	}

	switch sess.tournament.Status {
	case matchmanager.StatusCompleted:
		return StatusCompleted
	case matchmanager.StatusFailed:
		return StatusFailed
	case matchmanager.StatusCancelled:
		return StatusCancelled
	case matchmanager.StatusRunning:
	}

	return StatusArbitrating
}

func (s *ArbiterService) view(sess *session) *SessionView {
	result := &SessionView{
		ID:     sess.id,
		Status: s.status(sess),
		Phase:  sess.reveal.Phase(),
		Params: sess.reveal.Params(),

		Claims:       sess.reveal.Claims(),
		Finalization: sess.reveal.Finalization(),

		CreatedAt: sess.createdAt,
	}

	if sess.tournament != nil {
		state := sess.tournament.State()
		result.Tournament = &state
	}

	if sess.result != nil {
		entry := *sess.result
		result.Result = &entry
	}

	return result
}

func (s *ArbiterService) publish(ctx context.Context, outcome matchmanager.Outcome) {
	if s.outcomeSink == nil {
		return
	}

	select {
	case s.outcomeSink <- outcome:
	case <-ctx.Done():
		s.logger.Warn("dropped forfeit outcome", "session", outcome.Session, "participant", outcome.Loser, "err", ctx.Err())
	}
}
