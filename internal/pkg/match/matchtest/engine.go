// Package matchtest provides a scripted verification game engine for
// tests.
package matchtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vreid/arbiter/internal/pkg/match"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

type Instance struct {
	Handle match.Handle
	A      protocol.Entry
	B      protocol.Entry
}

// Engine hands out sequential handles and reports whatever verdicts the
// test decides. Undecided instances are pending unless Judge is set.
type Engine struct {
	mu sync.Mutex

	instances []Instance
	verdicts  map[match.Handle]match.Verdict

	// CreateFailures makes the next N CreateInstance calls fail.
	CreateFailures int
	// PollErr, when set, is returned by every Poll.
	PollErr error
	// Judge decides undecided instances on first poll.
	Judge func(a, b protocol.Entry) match.Verdict
}

func NewEngine() *Engine {
	return &Engine{
		verdicts: map[match.Handle]match.Verdict{},
	}
}

func (e *Engine) CreateInstance(_ context.Context, a, b protocol.Entry) (match.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.CreateFailures > 0 {
		e.CreateFailures--

		return "", fmt.Errorf("%w: scripted failure", protocol.ErrEngineUnavailable)
	}

	handle := match.Handle(fmt.Sprintf("vg-%d", len(e.instances)+1))
	e.instances = append(e.instances, Instance{Handle: handle, A: a, B: b})

	return handle, nil
}

func (e *Engine) Poll(_ context.Context, handle match.Handle) (match.Verdict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.PollErr != nil {
		return match.Verdict{}, e.PollErr
	}

	if verdict, ok := e.verdicts[handle]; ok {
		return verdict, nil
	}

	if e.Judge != nil {
		for _, instance := range e.instances {
			if instance.Handle == handle {
				verdict := e.Judge(instance.A, instance.B)
				e.verdicts[handle] = verdict

				return verdict, nil
			}
		}
	}

	return match.Pending(), nil
}

func (e *Engine) Decide(handle match.Handle, verdict match.Verdict) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.verdicts[handle] = verdict
}

// Instances returns every instance created so far, in creation order.
func (e *Engine) Instances() []Instance {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Instance(nil), e.instances...)
}

// HigherScoreWins is a Judge that favours the larger score, and the
// claimer on ties.
func HigherScoreWins(a, b protocol.Entry) match.Verdict {
	if b.Score > a.Score {
		return match.WinnerVerdict(b.Participant)
	}

	return match.WinnerVerdict(a.Participant)
}
