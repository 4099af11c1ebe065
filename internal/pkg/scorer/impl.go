// Package scorer keeps Elo ratings and forfeit counts per participant,
// fed by the outcomes the match manager publishes.
package scorer

import (
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/arbiter/internal/pkg/common"
	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/matchmanager"
	"github.com/vreid/arbiter/internal/pkg/protocol"
	"go.etcd.io/bbolt"
)

const DefaultRating = 1500.0

var (
	ErrRatingsBucketNotFound  = errors.New("ratings bucket doesn't exist")
	ErrCountBucketNotFound    = errors.New("count bucket doesn't exist")
	ErrForfeitsBucketNotFound = errors.New("forfeits bucket doesn't exist")
)

type ScorerService struct {
	DatabaseService *common.DatabaseService

	OutcomeSource <-chan matchmanager.Outcome

	logger *log.Logger
	done   chan struct{}
}

func NewScorer(databaseService *common.DatabaseService, outcomeSource <-chan matchmanager.Outcome, logger *log.Logger) *ScorerService {
	return &ScorerService{
		DatabaseService: databaseService,

		OutcomeSource: outcomeSource,

		logger: logger,
		done:   make(chan struct{}),
	}
}

func NewScorerService(i do.Injector) (*ScorerService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	outcomeSource := do.MustInvokeNamed[<-chan matchmanager.Outcome](i, "outcome-source")
	logger := do.MustInvoke[*log.Logger](i)

	result := NewScorer(databaseService, outcomeSource, logger.WithModule("scorer"))

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Routes)

	return result, nil
}

func (s *ScorerService) Routes(e *echo.Echo) {
	apiGroup := e.Group("/api")

	scoresGroup := apiGroup.Group("/scores")

	scoresGroup.GET("/:participant", s.GetScore)
}

// Start consumes outcomes until the source is closed.
func (s *ScorerService) Start() {
	go s.processOutcomes()
}

// Done is closed once the outcome source is drained.
func (s *ScorerService) Done() <-chan struct{} {
	return s.done
}

func GetKFactor(gamesPlayed int64) float64 {
	if gamesPlayed <= 20 {
		return 128.0
	}

	if gamesPlayed <= 50 {
		return 64.0
	}

	return 32.0
}

func CalculateExpectedScore(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
}

func UpdateRatings(
	winnerRating float64,
	winnerCount int64,
	loserRating float64,
	loserCount int64) (float64, int64, float64, int64) {
	expectedWinner := CalculateExpectedScore(winnerRating, loserRating)

	k := (GetKFactor(winnerCount) + GetKFactor(loserCount)) / 2.0

	winnerChange := k * (1.0 - expectedWinner)
	loserChange := k * (0.0 - (1.0 - expectedWinner))

	return winnerRating + winnerChange,
		winnerCount + 1,
		loserRating + loserChange,
		loserCount + 1
}

// HandleOutcome moves ratings for decisive match outcomes and counts
// forfeits. Agreements change nothing.
func (s *ScorerService) HandleOutcome(outcome matchmanager.Outcome) error {
	if outcome.Decisive() {
		err := s.rate(outcome.Winner, outcome.Loser)
		if err != nil {
			return err
		}
	}

	if outcome.Forfeit != protocol.ForfeitNone && outcome.Loser != "" {
		err := s.forfeit(outcome.Loser)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *ScorerService) rate(winnerID, loserID protocol.ParticipantID) error {
	//nolint:wrapcheck
	return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		ratings := tx.Bucket([]byte(common.ScorerRatingsBucket))
		if ratings == nil {
			return ErrRatingsBucketNotFound
		}

		count := tx.Bucket([]byte(common.ScorerCountBucket))
		if count == nil {
			return ErrCountBucketNotFound
		}

		winnerRating := common.BytesToFloat64(ratings.Get([]byte(winnerID)), DefaultRating)
		winnerCount := common.BytesToInt64(count.Get([]byte(winnerID)), 0)

		loserRating := common.BytesToFloat64(ratings.Get([]byte(loserID)), DefaultRating)
		loserCount := common.BytesToInt64(count.Get([]byte(loserID)), 0)

		winnerRating, winnerCount, loserRating, loserCount =
			UpdateRatings(winnerRating, winnerCount, loserRating, loserCount)

		err := ratings.Put([]byte(winnerID), common.Float64ToBytes(winnerRating))
		if err != nil {
			return fmt.Errorf("failed to put winner rating: %w", err)
		}

		err = count.Put([]byte(winnerID), common.Int64ToBytes(winnerCount))
		if err != nil {
			return fmt.Errorf("failed to put winner count: %w", err)
		}

		err = ratings.Put([]byte(loserID), common.Float64ToBytes(loserRating))
		if err != nil {
			return fmt.Errorf("failed to put loser rating: %w", err)
		}

		err = count.Put([]byte(loserID), common.Int64ToBytes(loserCount))
		if err != nil {
			return fmt.Errorf("failed to put loser count: %w", err)
		}

		return nil
	})
}

func (s *ScorerService) forfeit(participant protocol.ParticipantID) error {
	//nolint:wrapcheck
	return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		forfeits := tx.Bucket([]byte(common.ScorerForfeitsBucket))
		if forfeits == nil {
			return ErrForfeitsBucketNotFound
		}

		current := common.BytesToInt64(forfeits.Get([]byte(participant)), 0)

		err := forfeits.Put([]byte(participant), common.Int64ToBytes(current+1))
		if err != nil {
			return fmt.Errorf("failed to put forfeit count: %w", err)
		}

		return nil
	})
}

func (s *ScorerService) GetScorecard(participant protocol.ParticipantID) (Scorecard, error) {
	result := Scorecard{
		Participant: participant,
		Rating:      DefaultRating,
	}

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		ratings := tx.Bucket([]byte(common.ScorerRatingsBucket))
		if ratings == nil {
			return ErrRatingsBucketNotFound
		}

		count := tx.Bucket([]byte(common.ScorerCountBucket))
		if count == nil {
			return ErrCountBucketNotFound
		}

		forfeits := tx.Bucket([]byte(common.ScorerForfeitsBucket))
		if forfeits == nil {
			return ErrForfeitsBucketNotFound
		}

		key := []byte(participant)

		result.Rating = common.BytesToFloat64(ratings.Get(key), DefaultRating)
		result.Matches = common.BytesToInt64(count.Get(key), 0)
		result.Forfeits = common.BytesToInt64(forfeits.Get(key), 0)

		return nil
	})
	if err != nil {
		return Scorecard{}, fmt.Errorf("failed to read scorecard: %w", err)
	}

	return result, nil
}

func (s *ScorerService) GetScore(c echo.Context) error {
	scorecard, err := s.GetScorecard(protocol.ParticipantID(c.Param("participant")))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, scorecard, "  ")
}

func (s *ScorerService) processOutcomes() {
	defer close(s.done)

	for outcome := range s.OutcomeSource {
		err := s.HandleOutcome(outcome)
		if err != nil {
			s.logger.Error("failed to handle outcome",
				"session", outcome.Session,
				"kind", outcome.Kind,
				"err", err,
			)
		}
	}
}
