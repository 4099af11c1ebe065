// Package vgengine records verification game instances in bbolt and
// exposes them to the external engine that plays them.
package vgengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/arbiter/internal/pkg/common"
	"github.com/vreid/arbiter/internal/pkg/config"
	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/match"
	"github.com/vreid/arbiter/internal/pkg/protocol"
	bolt "go.etcd.io/bbolt"
)

const DefaultRoundDuration = 30 * time.Minute

var (
	ErrEngineBucketNotFound = errors.New("engine bucket doesn't exist")
	ErrInvalidVerdict       = fmt.Errorf("%w: invalid verdict", protocol.ErrProtocolViolation)
	ErrInvalidMove          = fmt.Errorf("%w: invalid move", protocol.ErrProtocolViolation)
)

type Registry struct {
	DatabaseService *common.DatabaseService

	// MaxOpen caps undecided instances; zero means unlimited.
	MaxOpen int
	// RoundDuration is how long a participant has to make its next move.
	RoundDuration time.Duration

	now    func() time.Time
	logger *log.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithMaxOpen(maxOpen int) Option {
	return func(r *Registry) {
		r.MaxOpen = maxOpen
	}
}

func WithRoundDuration(d time.Duration) Option {
	return func(r *Registry) {
		r.RoundDuration = d
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func NewRegistry(databaseService *common.DatabaseService, opts ...Option) *Registry {
	result := &Registry{
		DatabaseService: databaseService,
		RoundDuration:   DefaultRoundDuration,

		now:    time.Now,
		logger: log.NewNopLogger(),
	}

	for _, opt := range opts {
		opt(result)
	}

	return result
}

func NewEngineService(i do.Injector) (*Registry, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*log.Logger](i)
	maxOpen := do.MustInvokeNamed[int](i, "vg-max-open")

	result := NewRegistry(databaseService,
		WithMaxOpen(maxOpen),
		WithRoundDuration(cfg.Protocol.MatchDuration),
		WithLogger(logger.WithModule("vgengine")),
	)

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Routes)

	return result, nil
}

func (r *Registry) Routes(e *echo.Echo) {
	apiGroup := e.Group("/api")

	vgGroup := apiGroup.Group("/vg")

	vgGroup.GET("/instances", r.GetInstances)
	vgGroup.GET("/instances/:handle", r.GetInstance)
	vgGroup.POST("/instances/:handle/move", r.PostMove)
	vgGroup.POST("/instances/:handle/verdict", r.PostVerdict)
}

// CreateInstance implements match.Engine.
func (r *Registry) CreateInstance(_ context.Context, a, b protocol.Entry) (match.Handle, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("%w: failed to generate handle: %w", protocol.ErrEngineUnavailable, err)
	}

	now := r.now()

	instance := Instance{
		Handle:     match.Handle(id.String()),
		Claimer:    a,
		Challenger: b,
		Verdict:    match.Pending(),
		Deadline:   now.Add(r.RoundDuration),
		CreatedAt:  now,
	}

	err = r.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(common.EngineBucket))
		if bucket == nil {
			return ErrEngineBucketNotFound
		}

		if r.MaxOpen > 0 {
			open, err := countOpen(bucket)
			if err != nil {
				return err
			}

			if open >= r.MaxOpen {
				return fmt.Errorf("%d open instances", open)
			}
		}

		return putInstance(bucket, instance)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", protocol.ErrEngineUnavailable, err)
	}

	r.logger.Info("instance created",
		"handle", instance.Handle,
		"claimer", a.Participant,
		"challenger", b.Participant,
	)

	return instance.Handle, nil
}

// Poll implements match.Engine. An undecided instance past its deadline
// is decided on the spot against the participant who failed to move.
func (r *Registry) Poll(_ context.Context, handle match.Handle) (match.Verdict, error) {
	instance, err := r.Instance(handle)
	if err != nil {
		return match.Verdict{}, err
	}

	if !instance.expired(r.now()) {
		return instance.Verdict, nil
	}

	instance, err = r.update(handle, func(instance *Instance, now time.Time) error {
		if instance.expired(now) {
			instance.Verdict = match.TimedOutVerdict(instance.idle())
			instance.DecidedAt = now
		}

		return nil
	})
	if errors.Is(err, protocol.ErrAlreadyTerminal) {
		// A verdict arrived first.
		instance, err = r.Instance(handle)
		if err != nil {
			return match.Verdict{}, err
		}

		return instance.Verdict, nil
	}

	if err != nil {
		return match.Verdict{}, err
	}

	r.logger.Warn("instance timed out",
		"handle", handle,
		"loser", instance.Verdict.Participant,
		"deadline", instance.Deadline,
	)

	return instance.Verdict, nil
}

func (r *Registry) Instance(handle match.Handle) (*Instance, error) {
	var instance *Instance

	err := r.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(common.EngineBucket))
		if bucket == nil {
			return ErrEngineBucketNotFound
		}

		var err error

		instance, err = getInstance(bucket, handle)

		return err
	})
	if err != nil {
		return nil, err
	}

	return instance, nil
}

// Instances lists every instance, undecided ones only when pending is set.
func (r *Registry) Instances(pending bool) ([]Instance, error) {
	result := []Instance{}

	err := r.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(common.EngineBucket))
		if bucket == nil {
			return ErrEngineBucketNotFound
		}

		return bucket.ForEach(func(_, v []byte) error {
			var instance Instance

			err := json.Unmarshal(v, &instance)
			if err != nil {
				return fmt.Errorf("failed to unmarshal instance: %w", err)
			}

			if !pending || !instance.Decided() {
				result = append(result, instance)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	return result, nil
}

// Resolve records the verdict of the external engine. A verdict is final
// and must name one of the two participants.
func (r *Registry) Resolve(handle match.Handle, verdict match.Verdict) (*Instance, error) {
	if verdict.Status != match.VerdictWinner && verdict.Status != match.VerdictTimedOut {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidVerdict, verdict.Status)
	}

	instance, err := r.update(handle, func(instance *Instance, now time.Time) error {
		if !instance.involves(verdict.Participant) {
			return fmt.Errorf("%w: %q is not part of instance %s", ErrInvalidVerdict, verdict.Participant, handle)
		}

		instance.Verdict = verdict
		instance.DecidedAt = now

		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("instance decided",
		"handle", handle,
		"status", verdict.Status,
		"participant", verdict.Participant,
	)

	return instance, nil
}

// Move records that participant acted in the game, which gives the other
// side a fresh round to answer.
func (r *Registry) Move(handle match.Handle, participant protocol.ParticipantID) (*Instance, error) {
	instance, err := r.update(handle, func(instance *Instance, now time.Time) error {
		if !instance.involves(participant) {
			return fmt.Errorf("%w: %q is not part of instance %s", ErrInvalidMove, participant, handle)
		}

		if instance.expired(now) {
			return fmt.Errorf("instance %s: %w", handle, protocol.ErrDeadlinePassed)
		}

		instance.LastMover = participant
		instance.LastMoveAt = now
		instance.Deadline = now.Add(r.RoundDuration)

		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("move recorded", "handle", handle, "participant", participant, "deadline", instance.Deadline)

	return instance, nil
}

// update applies fn to an undecided instance inside one transaction.
func (r *Registry) update(handle match.Handle, fn func(instance *Instance, now time.Time) error) (*Instance, error) {
	var instance *Instance

	err := r.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(common.EngineBucket))
		if bucket == nil {
			return ErrEngineBucketNotFound
		}

		var err error

		instance, err = getInstance(bucket, handle)
		if err != nil {
			return err
		}

		if instance.Decided() {
			return fmt.Errorf("instance %s: %w", handle, protocol.ErrAlreadyTerminal)
		}

		err = fn(instance, r.now())
		if err != nil {
			return err
		}

		return putInstance(bucket, *instance)
	})
	if err != nil {
		return nil, err
	}

	return instance, nil
}

func (r *Registry) GetInstances(c echo.Context) error {
	instances, err := r.Instances(c.QueryParam("pending") == "true")
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, instances, "  ")
}

func (r *Registry) GetInstance(c echo.Context) error {
	instance, err := r.Instance(match.Handle(c.Param("handle")))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, instance, "  ")
}

func (r *Registry) PostMove(c echo.Context) error {
	var req MoveRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	instance, err := r.Move(match.Handle(c.Param("handle")), req.Participant)
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, instance, "  ")
}

func (r *Registry) PostVerdict(c echo.Context) error {
	var verdict match.Verdict

	err := c.Bind(&verdict)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	instance, err := r.Resolve(match.Handle(c.Param("handle")), verdict)
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, instance, "  ")
}

func getInstance(bucket *bolt.Bucket, handle match.Handle) (*Instance, error) {
	value := bucket.Get([]byte(handle))
	if value == nil {
		return nil, fmt.Errorf("instance %s: %w", handle, protocol.ErrNotFound)
	}

	var instance Instance

	err := json.Unmarshal(value, &instance)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance %s: %w", handle, err)
	}

	return &instance, nil
}

func putInstance(bucket *bolt.Bucket, instance Instance) error {
	value, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	err = bucket.Put([]byte(instance.Handle), value)
	if err != nil {
		return fmt.Errorf("failed to put instance: %w", err)
	}

	return nil
}

func countOpen(bucket *bolt.Bucket) (int, error) {
	open := 0

	err := bucket.ForEach(func(_, v []byte) error {
		var instance Instance

		err := json.Unmarshal(v, &instance)
		if err != nil {
			return fmt.Errorf("failed to unmarshal instance: %w", err)
		}

		if !instance.Decided() {
			open++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count open instances: %w", err)
	}

	return open, nil
}
