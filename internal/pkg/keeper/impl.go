// Package keeper drives session deadlines. The protocol core has no
// timers of its own; the keeper periodically performs whatever step each
// session is waiting for.
package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/do/v2"
	"github.com/vreid/arbiter/internal/pkg/arbiter"
	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

type Sessions interface {
	SessionIDs() []string
	NextAction(id string) (arbiter.Action, error)
	Finalize(ctx context.Context, id string) (*arbiter.SessionView, error)
	Start(ctx context.Context, id string) (*arbiter.SessionView, error)
	Advance(ctx context.Context, id string) (*arbiter.SessionView, error)
}

type KeeperService struct {
	Sessions Sessions
	Interval time.Duration

	logger *log.Logger
	done   chan struct{}
}

func NewKeeper(sessions Sessions, interval time.Duration, logger *log.Logger) *KeeperService {
	return &KeeperService{
		Sessions: sessions,
		Interval: interval,

		logger: logger,
		done:   make(chan struct{}),
	}
}

func NewKeeperService(i do.Injector) (*KeeperService, error) {
	arbiterService := do.MustInvoke[*arbiter.ArbiterService](i)
	interval := do.MustInvokeNamed[time.Duration](i, "keeper-interval")
	logger := do.MustInvoke[*log.Logger](i)

	if interval <= 0 {
		return nil, fmt.Errorf("keeper interval must be positive, got %s", interval)
	}

	return NewKeeper(arbiterService, interval, logger.WithModule("keeper")), nil
}

// Start runs the keeper until ctx is cancelled.
func (k *KeeperService) Start(ctx context.Context) {
	go k.run(ctx)
}

// Done is closed once the keeper has stopped.
func (k *KeeperService) Done() <-chan struct{} {
	return k.done
}

func (k *KeeperService) run(ctx context.Context) {
	defer close(k.done)

	ticker := time.NewTicker(k.Interval)
	defer ticker.Stop()

	k.logger.Info("keeper started", "interval", k.Interval)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")

			return
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick makes one pass over every session and returns how many steps
// succeeded.
func (k *KeeperService) Tick(ctx context.Context) int {
	performed := 0

	for _, id := range k.Sessions.SessionIDs() {
		if ctx.Err() != nil {
			break
		}

		action, err := k.Sessions.NextAction(id)
		if err != nil {
			k.logger.Error("failed to inspect session", "session", id, "err", err)

			continue
		}

		if action == arbiter.ActionNone {
			continue
		}

		err = k.perform(ctx, id, action)
		if err != nil {
			k.report(id, action, err)

			continue
		}

		performed++

		k.logger.Debug("session step performed", "session", id, "action", action)
	}

	return performed
}

func (k *KeeperService) perform(ctx context.Context, id string, action arbiter.Action) error {
	var err error

	switch action {
	case arbiter.ActionFinalize:
		_, err = k.Sessions.Finalize(ctx, id)
	case arbiter.ActionStart:
		_, err = k.Sessions.Start(ctx, id)
	case arbiter.ActionAdvance:
		_, err = k.Sessions.Advance(ctx, id)
	case arbiter.ActionNone:
	}

	//nolint:wrapcheck
	return err
}

func (k *KeeperService) report(id string, action arbiter.Action, err error) {
	switch {
	case protocol.IsEngineUnavailable(err):
		k.logger.Warn("verification engine unavailable", "session", id, "action", action, "err", err)
	case protocol.IsStructuralFailure(err):
		k.logger.Error("session failed", "session", id, "action", action, "err", err)
	case protocol.IsProtocolViolation(err):
		// Another caller got there first.
		k.logger.Debug("session step skipped", "session", id, "action", action, "err", err)
	default:
		k.logger.Error("session step failed", "session", id, "action", action, "err", err)
	}
}
