package match_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/arbiter/internal/pkg/match"
	"github.com/vreid/arbiter/internal/pkg/match/matchtest"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func entry(p protocol.ParticipantID, v uint64) protocol.Entry {
	return protocol.Entry{Participant: p, Value: protocol.WordFromUint64(v), Score: v}
}

func TestEqualValuesResolveWithoutEngine(t *testing.T) {
	t.Parallel()

	engine := matchtest.NewEngine()
	m := match.New(0, 0, entry("alice", 10), entry("bob", 10), now.Add(time.Hour))

	assert.Equal(t, match.StateCreated, m.State)
	require.NoError(t, m.Compare(context.Background(), engine, now))

	assert.Equal(t, match.StateResolved, m.State)
	assert.Equal(t, match.ResolutionAgreement, m.Resolution)
	require.NotNil(t, m.Winner)
	assert.Equal(t, protocol.ParticipantID("alice"), m.Winner.Participant)
	assert.Empty(t, engine.Instances())
	assert.Zero(t, m.Attempts)
}

func TestDifferentValuesEscalate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := matchtest.NewEngine()
	m := match.New(0, 0, entry("alice", 10), entry("bob", 20), now.Add(time.Hour))

	require.NoError(t, m.Compare(ctx, engine, now))
	assert.Equal(t, match.StateEscalated, m.State)
	assert.Equal(t, match.Handle("vg-1"), m.Handle)

	instances := engine.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, protocol.ParticipantID("alice"), instances[0].A.Participant)
	assert.Equal(t, protocol.ParticipantID("bob"), instances[0].B.Participant)

	state, err := m.Poll(ctx, engine, now)
	require.NoError(t, err)
	assert.Equal(t, match.StateEscalated, state)

	engine.Decide(m.Handle, match.WinnerVerdict("alice"))

	state, err = m.Poll(ctx, engine, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, match.StateResolved, state)
	assert.Equal(t, match.ResolutionVerificationGame, m.Resolution)
	assert.Equal(t, protocol.WordFromUint64(10), m.Winner.Value)
	assert.Equal(t, protocol.ParticipantID("bob"), m.Loser)
	assert.Equal(t, now.Add(time.Minute), m.ResolvedAt)
}

func TestTimedOutSideForfeits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := matchtest.NewEngine()
	m := match.New(1, 0, entry("alice", 10), entry("bob", 20), now.Add(time.Hour))

	require.NoError(t, m.Compare(ctx, engine, now))
	engine.Decide(m.Handle, match.TimedOutVerdict("alice"))

	state, err := m.Poll(ctx, engine, now)
	require.NoError(t, err)
	assert.Equal(t, match.StateResolved, state)
	assert.Equal(t, match.ResolutionForfeiture, m.Resolution)
	assert.Equal(t, protocol.ForfeitTimeout, m.Forfeit)
	assert.Equal(t, protocol.ParticipantID("bob"), m.Winner.Participant)
	assert.Equal(t, protocol.ParticipantID("alice"), m.Loser)
}

func TestEngineUnavailableKeepsMatchRetryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := matchtest.NewEngine()
	engine.CreateFailures = 1

	m := match.New(0, 0, entry("alice", 10), entry("bob", 20), now.Add(time.Hour))

	err := m.Compare(ctx, engine, now)
	require.ErrorIs(t, err, protocol.ErrEngineUnavailable)
	assert.Equal(t, match.StateAwaitingComparison, m.State)
	assert.Equal(t, 1, m.Attempts)

	require.NoError(t, m.Compare(ctx, engine, now))
	assert.Equal(t, match.StateEscalated, m.State)
	assert.Equal(t, 2, m.Attempts)
}

type brokenEngine struct{}

func (brokenEngine) CreateInstance(context.Context, protocol.Entry, protocol.Entry) (match.Handle, error) {
	return "", errors.New("connection refused")
}

func (brokenEngine) Poll(context.Context, match.Handle) (match.Verdict, error) {
	return match.Verdict{}, errors.New("connection refused")
}

func TestEngineErrorsAreClassified(t *testing.T) {
	t.Parallel()

	m := match.New(0, 0, entry("alice", 10), entry("bob", 20), now)

	err := m.Compare(context.Background(), brokenEngine{}, now)
	require.ErrorIs(t, err, protocol.ErrEngineUnavailable)
	assert.True(t, protocol.IsEngineUnavailable(err))
}

func TestPollErrorLeavesMatchEscalated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := matchtest.NewEngine()
	m := match.New(0, 0, entry("alice", 10), entry("bob", 20), now)

	require.NoError(t, m.Compare(ctx, engine, now))

	state, err := m.Poll(ctx, brokenEngine{}, now)
	require.ErrorIs(t, err, protocol.ErrEngineUnavailable)
	assert.Equal(t, match.StateEscalated, state)
	assert.Equal(t, 1, m.PollFailures)

	_, err = m.Poll(ctx, brokenEngine{}, now)
	require.ErrorIs(t, err, protocol.ErrEngineUnavailable)
	assert.Equal(t, 2, m.PollFailures)

	state, err = m.Poll(ctx, engine, now)
	require.NoError(t, err)
	assert.Equal(t, match.StateEscalated, state)
	assert.Zero(t, m.PollFailures)
}

func TestLostInstanceErrorsMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := matchtest.NewEngine()
	m := match.New(0, 0, entry("alice", 10), entry("bob", 20), now)

	require.NoError(t, m.Compare(ctx, engine, now))

	engine.PollErr = protocol.ErrNotFound

	state, err := m.Poll(ctx, engine, now)
	require.ErrorIs(t, err, protocol.ErrLostInstance)
	assert.True(t, protocol.IsStructuralFailure(err))
	assert.False(t, protocol.IsEngineUnavailable(err))
	assert.Equal(t, match.StateErrored, state)
	assert.NotEmpty(t, m.Error)
}

func TestUnknownVerdictErrorsMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := matchtest.NewEngine()
	m := match.New(0, 0, entry("alice", 10), entry("bob", 20), now)

	require.NoError(t, m.Compare(ctx, engine, now))
	engine.Decide(m.Handle, match.WinnerVerdict("mallory"))

	state, err := m.Poll(ctx, engine, now)
	require.ErrorIs(t, err, protocol.ErrUnknownVerdict)
	assert.True(t, protocol.IsStructuralFailure(err))
	assert.Equal(t, match.StateErrored, state)
	assert.NotEmpty(t, m.Error)
	assert.Nil(t, m.Winner)
}

func TestOutOfPhase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := matchtest.NewEngine()
	m := match.New(0, 0, entry("alice", 10), entry("bob", 10), now)

	_, err := m.Poll(ctx, engine, now)
	require.ErrorIs(t, err, protocol.ErrOutOfPhase)

	require.NoError(t, m.Compare(ctx, engine, now))
	require.ErrorIs(t, m.Compare(ctx, engine, now), protocol.ErrOutOfPhase)
}

func TestFailIgnoresTerminal(t *testing.T) {
	t.Parallel()

	m := match.New(0, 0, entry("alice", 10), entry("bob", 10), now)
	require.NoError(t, m.Compare(context.Background(), matchtest.NewEngine(), now))

	m.Fail("too late")
	assert.Equal(t, match.StateResolved, m.State)
	assert.Empty(t, m.Error)
}

func TestOverdue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := match.New(0, 0, entry("alice", 10), entry("bob", 20), now.Add(time.Hour))

	assert.False(t, m.Overdue(now.Add(2*time.Hour)))

	require.NoError(t, m.Compare(ctx, matchtest.NewEngine(), now))
	assert.False(t, m.Overdue(now.Add(time.Minute)))
	assert.True(t, m.Overdue(now.Add(2*time.Hour)))
}
