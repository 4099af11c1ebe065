package protocol

import (
	"errors"
	"fmt"
)

// Error classes. Concrete errors wrap exactly one of these so callers can
// branch with errors.Is on the class.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrEngineUnavailable = errors.New("verification engine unavailable")
	ErrStructuralFailure = errors.New("structural failure")
	ErrNotFound          = errors.New("not found")
)

var (
	ErrDuplicateCommit  = fmt.Errorf("%w: duplicate commit", ErrProtocolViolation)
	ErrDeadlinePassed   = fmt.Errorf("%w: deadline passed", ErrProtocolViolation)
	ErrInvalidReveal    = fmt.Errorf("%w: invalid reveal", ErrProtocolViolation)
	ErrNotCommitted     = fmt.Errorf("%w: participant has not committed", ErrProtocolViolation)
	ErrAlreadyRevealed  = fmt.Errorf("%w: claim already revealed", ErrProtocolViolation)
	ErrClaimForfeited   = fmt.Errorf("%w: claim forfeited", ErrProtocolViolation)
	ErrAlreadyFinalized = fmt.Errorf("%w: already finalized", ErrProtocolViolation)
	ErrTooEarly         = fmt.Errorf("%w: too early", ErrProtocolViolation)
	ErrOutOfPhase       = fmt.Errorf("%w: operation not allowed in current phase", ErrProtocolViolation)
	ErrNoEntries        = fmt.Errorf("%w: no entries to arbitrate", ErrProtocolViolation)
	ErrAlreadyTerminal  = fmt.Errorf("%w: already terminal", ErrProtocolViolation)
	ErrSessionExists    = fmt.Errorf("%w: session already exists", ErrProtocolViolation)
	ErrUnknownVerdict   = fmt.Errorf("%w: verdict names a participant outside the match", ErrStructuralFailure)
	ErrLostInstance     = fmt.Errorf("%w: verification game instance lost", ErrStructuralFailure)
	ErrTournamentFailed = fmt.Errorf("%w: tournament failed", ErrStructuralFailure)
)

func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

func IsEngineUnavailable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable)
}

func IsStructuralFailure(err error) bool {
	return errors.Is(err, ErrStructuralFailure)
}
