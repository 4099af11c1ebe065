package arbiter_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/arbiter/internal/pkg/arbiter"
	"github.com/vreid/arbiter/internal/pkg/bits"
	"github.com/vreid/arbiter/internal/pkg/config"
	"github.com/vreid/arbiter/internal/pkg/match"
	"github.com/vreid/arbiter/internal/pkg/match/matchtest"
	"github.com/vreid/arbiter/internal/pkg/matchmanager"
	"github.com/vreid/arbiter/internal/pkg/protocol"
	"github.com/vreid/arbiter/internal/pkg/reveal"
)

const secret = "test-secret"

var start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Set(d time.Duration) {
	c.now = start.Add(d)
}

type fixture struct {
	service  *arbiter.ArbiterService
	engine   *matchtest.Engine
	clock    *clock
	outcomes chan matchmanager.Outcome
}

func protocolConfig() config.ProtocolConfig {
	return config.ProtocolConfig{
		CommitDuration: time.Minute,
		RevealDuration: time.Minute,
		MatchDuration:  time.Hour,
		EngineAttempts: 2,
		ScoreField:     bits.Field{Offset: 0, Width: 64},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	c := &clock{now: start}
	engine := matchtest.NewEngine()
	outcomes := make(chan matchmanager.Outcome, 64)
	cfg := protocolConfig()

	matches, err := matchmanager.NewManager(engine,
		matchmanager.WithClock(c.Now),
		matchmanager.WithEngineAttempts(cfg.EngineAttempts),
		matchmanager.WithOutcomeSink(outcomes),
	)
	require.NoError(t, err)

	service := arbiter.NewArbiter(matches, cfg,
		arbiter.WithClock(c.Now),
		arbiter.WithOutcomeSink(outcomes),
		arbiter.WithSignatureSecret(secret),
	)

	return &fixture{
		service:  service,
		engine:   engine,
		clock:    c,
		outcomes: outcomes,
	}
}

func salt(p protocol.ParticipantID) protocol.Word {
	return bits.Keccak256([]byte("salt"), []byte(p))
}

func (f *fixture) commit(t *testing.T, id string, p protocol.ParticipantID, v uint64) {
	t.Helper()

	require.NoError(t, f.service.Commit(context.Background(), id, arbiter.CommitRequest{
		Participant: p,
		Commitment:  bits.Commit(protocol.WordFromUint64(v), salt(p)),
	}))
}

func (f *fixture) reveal(t *testing.T, id string, p protocol.ParticipantID, v uint64) {
	t.Helper()

	require.NoError(t, f.service.Reveal(context.Background(), id, arbiter.RevealRequest{
		Participant: p,
		Value:       protocol.WordFromUint64(v),
		Salt:        salt(p),
	}))
}

// play commits every value, reveals those listed in revealed, and
// finalizes.
func (f *fixture) play(t *testing.T, id string, values map[protocol.ParticipantID]uint64, order []protocol.ParticipantID, revealed ...protocol.ParticipantID) *arbiter.SessionView {
	t.Helper()

	ctx := context.Background()

	_, err := f.service.CreateSession(ctx, arbiter.CreateSessionRequest{ID: id})
	require.NoError(t, err)

	for _, p := range order {
		f.commit(t, id, p, values[p])
	}

	f.clock.Set(90 * time.Second)

	for _, p := range revealed {
		f.reveal(t, id, p, values[p])
	}

	f.clock.Set(2 * time.Minute)

	view, err := f.service.Finalize(ctx, id)
	require.NoError(t, err)

	return view
}

func TestAllAgreeEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order := []protocol.ParticipantID{"a", "b", "c", "d"}
	values := map[protocol.ParticipantID]uint64{"a": 10, "b": 10, "c": 10, "d": 10}

	view := f.play(t, "s-1", values, order, order...)
	assert.Equal(t, arbiter.StatusFinalized, view.Status)

	view, err := f.service.Start(context.Background(), "s-1")
	require.NoError(t, err)

	assert.Equal(t, arbiter.StatusCompleted, view.Status)
	require.NotNil(t, view.Result)
	assert.Equal(t, protocol.WordFromUint64(10), view.Result.Value)
	assert.Len(t, view.Tournament.Rounds, 2)
	assert.Empty(t, f.engine.Instances())

	receipt, err := f.service.Receipt("s-1")
	require.NoError(t, err)
	assert.True(t, arbiter.VerifyReceipt(*receipt, []byte(secret)))
	assert.Equal(t, 2, receipt.Receipt.Rounds)
}

func TestDisagreementEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	order := []protocol.ParticipantID{"a", "b"}
	values := map[protocol.ParticipantID]uint64{"a": 10, "b": 20}

	f.play(t, "s-1", values, order, order...)

	view, err := f.service.Start(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.StatusArbitrating, view.Status)

	action, err := f.service.NextAction("s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.ActionAdvance, action)

	m, err := f.service.Match("s-1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, match.StateEscalated, m.State)

	f.engine.Decide(m.Handle, match.WinnerVerdict("a"))

	view, err = f.service.Advance(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.StatusCompleted, view.Status)
	assert.Equal(t, protocol.WordFromUint64(10), view.Result.Value)

	outcome := <-f.outcomes
	assert.Equal(t, protocol.ParticipantID("a"), outcome.Winner)
	assert.Equal(t, protocol.ParticipantID("b"), outcome.Loser)
}

func TestNonRevealerIsExcluded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order := []protocol.ParticipantID{"a", "b"}
	values := map[protocol.ParticipantID]uint64{"a": 10, "b": 20}

	view := f.play(t, "s-1", values, order, "b")

	assert.Equal(t, arbiter.StatusCompleted, view.Status)
	assert.Nil(t, view.Tournament)
	require.NotNil(t, view.Result)
	assert.Equal(t, protocol.ParticipantID("b"), view.Result.Participant)

	outcome := <-f.outcomes
	assert.Equal(t, matchmanager.ForfeitOutcome("s-1", protocol.Forfeit{
		Participant: "a",
		Reason:      protocol.ForfeitNoReveal,
	}), outcome)

	_, err := f.service.Start(context.Background(), "s-1")
	require.ErrorIs(t, err, protocol.ErrOutOfPhase)

	action, err := f.service.NextAction("s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.ActionNone, action)

	receipt, err := f.service.Receipt("s-1")
	require.NoError(t, err)
	assert.Zero(t, receipt.Receipt.Rounds)
	assert.Equal(t, []protocol.Forfeit{{Participant: "a", Reason: protocol.ForfeitNoReveal}}, receipt.Receipt.Forfeits)
}

func TestNobodyRevealed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order := []protocol.ParticipantID{"a"}

	view := f.play(t, "s-1", map[protocol.ParticipantID]uint64{"a": 1}, order)
	assert.Equal(t, arbiter.StatusCompleted, view.Status)
	assert.Nil(t, view.Result)

	receipt, err := f.service.Receipt("s-1")
	require.NoError(t, err)
	assert.Nil(t, receipt.Receipt.Result)
}

func TestDuplicateCommitRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.CreateSession(ctx, arbiter.CreateSessionRequest{ID: "s-1"})
	require.NoError(t, err)

	f.commit(t, "s-1", "a", 10)

	err = f.service.Commit(ctx, "s-1", arbiter.CommitRequest{
		Participant: "a",
		Commitment:  bits.Commit(protocol.WordFromUint64(99), salt("a")),
	})
	require.ErrorIs(t, err, protocol.ErrDuplicateCommit)

	claim, err := f.service.Claim("s-1", "a")
	require.NoError(t, err)
	assert.Equal(t, bits.Commit(protocol.WordFromUint64(10), salt("a")), claim.Commitment)
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	view, err := f.service.CreateSession(ctx, arbiter.CreateSessionRequest{
		CommitDuration: "10m",
		RevealDuration: "5m",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, view.ID)
	assert.Equal(t, arbiter.StatusCollecting, view.Status)
	assert.Equal(t, reveal.PhaseCommit, view.Phase)
	assert.Equal(t, start.Add(10*time.Minute), view.Params.CommitDeadline)
	assert.Equal(t, start.Add(15*time.Minute), view.Params.RevealDeadline)

	_, err = f.service.CreateSession(ctx, arbiter.CreateSessionRequest{ID: view.ID})
	require.ErrorIs(t, err, protocol.ErrSessionExists)

	_, err = f.service.CreateSession(ctx, arbiter.CreateSessionRequest{CommitDuration: "soon"})
	require.ErrorIs(t, err, arbiter.ErrInvalidRequest)

	_, err = f.service.CreateSession(ctx, arbiter.CreateSessionRequest{RevealDuration: "-1m"})
	require.ErrorIs(t, err, arbiter.ErrInvalidRequest)

	_, err = f.service.CreateSession(ctx, arbiter.CreateSessionRequest{ScoreField: &bits.Field{Offset: 255, Width: 8}})
	require.ErrorIs(t, err, arbiter.ErrInvalidRequest)

	_, err = f.service.CreateSession(ctx, arbiter.CreateSessionRequest{ScoreField: &bits.Field{Offset: math.MaxUint - 1, Width: 4}})
	require.ErrorIs(t, err, arbiter.ErrInvalidRequest)

	assert.Equal(t, []string{view.ID}, f.service.SessionIDs())
}

func TestUnknownSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.service.Session("missing")
	require.ErrorIs(t, err, protocol.ErrNotFound)

	_, err = f.service.NextAction("missing")
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestNextActionFollowsPhases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.CreateSession(ctx, arbiter.CreateSessionRequest{ID: "s-1"})
	require.NoError(t, err)

	f.commit(t, "s-1", "a", 1)
	f.commit(t, "s-1", "b", 1)

	action, err := f.service.NextAction("s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.ActionNone, action)

	_, err = f.service.Start(ctx, "s-1")
	require.ErrorIs(t, err, protocol.ErrOutOfPhase)

	_, err = f.service.Receipt("s-1")
	require.ErrorIs(t, err, protocol.ErrTooEarly)

	f.clock.Set(90 * time.Second)
	f.reveal(t, "s-1", "a", 1)
	f.reveal(t, "s-1", "b", 1)

	f.clock.Set(2 * time.Minute)

	action, err = f.service.NextAction("s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.ActionFinalize, action)

	_, err = f.service.Finalize(ctx, "s-1")
	require.NoError(t, err)

	action, err = f.service.NextAction("s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.ActionStart, action)

	_, err = f.service.Start(ctx, "s-1")
	require.NoError(t, err)

	action, err = f.service.NextAction("s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.ActionNone, action)
}

func TestAbortCancelsSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	order := []protocol.ParticipantID{"a", "b"}

	f.play(t, "s-1", map[protocol.ParticipantID]uint64{"a": 1, "b": 2}, order, order...)

	_, err := f.service.Abort(ctx, "s-1")
	require.ErrorIs(t, err, protocol.ErrOutOfPhase)

	_, err = f.service.Start(ctx, "s-1")
	require.NoError(t, err)

	view, err := f.service.Abort(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, arbiter.StatusCancelled, view.Status)

	_, err = f.service.Abort(ctx, "s-1")
	require.ErrorIs(t, err, protocol.ErrAlreadyTerminal)

	_, err = f.service.Receipt("s-1")
	require.ErrorIs(t, err, protocol.ErrOutOfPhase)
}

func TestEngineOutageFailsSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.engine.CreateFailures = 10

	order := []protocol.ParticipantID{"a", "b"}
	f.play(t, "s-1", map[protocol.ParticipantID]uint64{"a": 1, "b": 2}, order, order...)

	view, err := f.service.Start(ctx, "s-1")
	require.ErrorIs(t, err, protocol.ErrEngineUnavailable)
	assert.Equal(t, arbiter.StatusArbitrating, view.Status)

	view, err = f.service.Advance(ctx, "s-1")
	require.ErrorIs(t, err, protocol.ErrTournamentFailed)
	assert.Equal(t, arbiter.StatusFailed, view.Status)
	assert.Equal(t, &match.Ref{Round: 0, Index: 0}, view.Tournament.FailedMatch)

	_, err = f.service.Receipt("s-1")
	require.ErrorIs(t, err, protocol.ErrTournamentFailed)
}

func TestReceiptRejectsTampering(t *testing.T) {
	t.Parallel()

	signed, err := arbiter.SignReceipt(arbiter.Receipt{
		Session: "s-1",
		Result: &protocol.Entry{
			Participant: "a",
			Value:       protocol.WordFromUint64(10),
			Score:       10,
		},
		Rounds:    1,
		Timestamp: start.Unix(),
	}, []byte(secret))
	require.NoError(t, err)

	assert.True(t, arbiter.VerifyReceipt(*signed, []byte(secret)))
	assert.False(t, arbiter.VerifyReceipt(*signed, []byte("other-secret")))

	tampered := *signed
	tampered.Receipt.Result = &protocol.Entry{
		Participant: "b",
		Value:       protocol.WordFromUint64(10),
		Score:       10,
	}
	assert.False(t, arbiter.VerifyReceipt(tampered, []byte(secret)))
}
