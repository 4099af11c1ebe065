package reveal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vreid/arbiter/internal/pkg/bits"
	"github.com/vreid/arbiter/internal/pkg/claimlog"
	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/metrics"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

var (
	ErrInvalidParams    = errors.New("invalid reveal params")
	ErrEmptyParticipant = fmt.Errorf("%w: empty participant id", protocol.ErrProtocolViolation)
)

// Manager runs the commit-reveal phase of one session. It is not safe for
// concurrent use; callers serialize access.
type Manager struct {
	params Params

	claims map[protocol.ParticipantID]*Claim
	order  []protocol.ParticipantID

	finalization *Finalization

	now         func() time.Time
	claimLogger claimlog.Logger
	logger      *log.Logger
	metrics     *metrics.ProtocolMetrics
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithClaimLogger(claimLogger claimlog.Logger) Option {
	return func(m *Manager) {
		m.claimLogger = claimLogger
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

func NewManager(params Params, opts ...Option) (*Manager, error) {
	if !params.RevealDeadline.After(params.CommitDeadline) {
		return nil, fmt.Errorf("%w: reveal deadline must be after commit deadline", ErrInvalidParams)
	}

	if params.ScoreField.Width != 0 {
		err := params.ScoreField.Validate()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
	}

	result := &Manager{
		params: params,

		claims: map[protocol.ParticipantID]*Claim{},
		order:  []protocol.ParticipantID{},

		now:         time.Now,
		claimLogger: claimlog.NopLogger{},
		logger:      log.NewNopLogger(),
	}

	for _, opt := range opts {
		opt(result)
	}

	result.logger = result.logger.With("session", params.Session)

	return result, nil
}

func (m *Manager) Params() Params {
	return m.params
}

func (m *Manager) Phase() Phase {
	if m.finalization != nil {
		return PhaseFinalized
	}

	now := m.now()

	switch {
	case now.Before(m.params.CommitDeadline):
		return PhaseCommit
	case now.Before(m.params.RevealDeadline):
		return PhaseReveal
	default:
		return PhaseAwaitingFinalize
	}
}

// Commit records participant's commitment. Only one commitment per
// participant is accepted, and only while the commit phase is open.
func (m *Manager) Commit(ctx context.Context, participant protocol.ParticipantID, commitment protocol.Word) error {
	err := m.commit(ctx, participant, commitment)
	if err != nil {
		m.metrics.Commit("rejected")

		return err
	}

	m.metrics.Commit("accepted")

	return nil
}

func (m *Manager) commit(ctx context.Context, participant protocol.ParticipantID, commitment protocol.Word) error {
	if participant == "" {
		return ErrEmptyParticipant
	}

	if _, ok := m.claims[participant]; ok {
		return fmt.Errorf("%w: %s", protocol.ErrDuplicateCommit, participant)
	}

	now := m.now()
	if m.finalization != nil || !now.Before(m.params.CommitDeadline) {
		return fmt.Errorf("%w: commit deadline was %s", protocol.ErrDeadlinePassed, m.params.CommitDeadline.Format(time.RFC3339))
	}

	m.claims[participant] = &Claim{
		Participant: participant,
		Commitment:  commitment,
		Index:       len(m.order),
		CommittedAt: now,
	}
	m.order = append(m.order, participant)

	m.appendLog(ctx, claimlog.NewRecord(m.params.Session, participant, claimlog.KindCommit, commitment, now))

	m.logger.Debug("commit accepted", "participant", participant, "index", len(m.order)-1)

	return nil
}

// Reveal discloses participant's value. A value that does not match the
// commitment forfeits the claim.
func (m *Manager) Reveal(ctx context.Context, participant protocol.ParticipantID, value, salt protocol.Word) error {
	err := m.reveal(ctx, participant, value, salt)
	if err != nil {
		m.metrics.Reveal("rejected")

		return err
	}

	m.metrics.Reveal("accepted")

	return nil
}

//nolint:cyclop
func (m *Manager) reveal(ctx context.Context, participant protocol.ParticipantID, value, salt protocol.Word) error {
	if m.finalization != nil {
		return protocol.ErrAlreadyFinalized
	}

	now := m.now()
	if now.Before(m.params.CommitDeadline) {
		return fmt.Errorf("%w: reveal opens at %s", protocol.ErrTooEarly, m.params.CommitDeadline.Format(time.RFC3339))
	}

	if !now.Before(m.params.RevealDeadline) {
		return fmt.Errorf("%w: reveal deadline was %s", protocol.ErrDeadlinePassed, m.params.RevealDeadline.Format(time.RFC3339))
	}

	claim, ok := m.claims[participant]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrNotCommitted, participant)
	}

	if claim.Forfeited() {
		return fmt.Errorf("%w: %s", protocol.ErrClaimForfeited, participant)
	}

	if claim.Revealed() {
		return fmt.Errorf("%w: %s", protocol.ErrAlreadyRevealed, participant)
	}

	if !bits.Commit(value, salt).Equal(claim.Commitment) {
		claim.Forfeit = protocol.ForfeitInvalidReveal
		m.metrics.Forfeit(string(protocol.ForfeitInvalidReveal))
		m.logger.Warn("reveal does not match commitment", "participant", participant)

		return fmt.Errorf("%w: %s", protocol.ErrInvalidReveal, participant)
	}

	var score uint64

	if m.params.ScoreField.Width != 0 {
		unpacked, err := bits.Unpack(value, m.params.ScoreField)
		if err != nil {
			return fmt.Errorf("failed to unpack score: %w", err)
		}

		score = unpacked
	}

	revealed := value
	claim.Value = &revealed
	claim.Score = score
	claim.RevealedAt = &now

	m.appendLog(ctx, claimlog.NewRecord(m.params.Session, participant, claimlog.KindReveal, value, now))

	m.logger.Debug("reveal accepted", "participant", participant, "score", score)

	return nil
}

// Finalize closes the reveal phase. It can be called once, after the
// reveal deadline.
func (m *Manager) Finalize(_ context.Context) (*Finalization, error) {
	if m.finalization != nil {
		return nil, protocol.ErrAlreadyFinalized
	}

	now := m.now()
	if now.Before(m.params.RevealDeadline) {
		return nil, fmt.Errorf("%w: reveal phase ends at %s", protocol.ErrTooEarly, m.params.RevealDeadline.Format(time.RFC3339))
	}

	result := &Finalization{
		Entries:     []protocol.Entry{},
		Forfeits:    []protocol.Forfeit{},
		FinalizedAt: now,
	}

	for _, participant := range m.order {
		claim := m.claims[participant]

		if !claim.settled() {
			claim.Forfeit = protocol.ForfeitNoReveal
			m.metrics.Forfeit(string(protocol.ForfeitNoReveal))
		}

		if claim.Forfeited() {
			result.Forfeits = append(result.Forfeits, protocol.Forfeit{
				Participant: participant,
				Reason:      claim.Forfeit,
			})

			continue
		}

		result.Entries = append(result.Entries, protocol.Entry{
			Participant: participant,
			Value:       *claim.Value,
			Score:       claim.Score,
		})
	}

	m.finalization = result

	m.logger.Info("reveal phase finalized", "entries", len(result.Entries), "forfeits", len(result.Forfeits))

	return result.clone(), nil
}

// Finalization returns a copy of the finalization, or nil before
// Finalize.
func (m *Manager) Finalization() *Finalization {
	if m.finalization == nil {
		return nil
	}

	return m.finalization.clone()
}

func (m *Manager) Claim(participant protocol.ParticipantID) (Claim, error) {
	claim, ok := m.claims[participant]
	if !ok {
		return Claim{}, fmt.Errorf("claim %s: %w", participant, protocol.ErrNotFound)
	}

	return claim.clone(), nil
}

// Claims returns copies of all claims in commit order.
func (m *Manager) Claims() []Claim {
	result := make([]Claim, 0, len(m.order))
	for _, participant := range m.order {
		result = append(result, m.claims[participant].clone())
	}

	return result
}

func (m *Manager) appendLog(ctx context.Context, record claimlog.Record) {
	err := m.claimLogger.Append(ctx, record)
	if err != nil {
		m.logger.Warn("failed to append claim record",
			"participant", record.Participant,
			"kind", record.Kind,
			"err", err)
	}
}
