package claimlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vreid/arbiter/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

var ErrClaimLogBucketNotFound = errors.New("claim log bucket doesn't exist")

// BoltLogger keeps records in a single bucket keyed by a monotonically
// increasing sequence, used when no Redis is configured.
type BoltLogger struct {
	DatabaseService *common.DatabaseService
}

func NewBoltLogger(databaseService *common.DatabaseService) *BoltLogger {
	return &BoltLogger{
		DatabaseService: databaseService,
	}
}

func (l *BoltLogger) Append(_ context.Context, record Record) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal claim record: %w", err)
	}

	//nolint:wrapcheck
	return l.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(common.ClaimLogBucket))
		if bucket == nil {
			return ErrClaimLogBucketNotFound
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		//nolint:gosec // sequences never exceed int64
		return bucket.Put(common.Int64ToBytesBE(int64(seq)), value)
	})
}

// Records returns the records of session in append order.
func (l *BoltLogger) Records(_ context.Context, session string) ([]Record, error) {
	result := []Record{}

	err := l.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(common.ClaimLogBucket))
		if bucket == nil {
			return ErrClaimLogBucketNotFound
		}

		return bucket.ForEach(func(_, v []byte) error {
			var record Record

			err := json.Unmarshal(v, &record)
			if err != nil {
				return fmt.Errorf("failed to unmarshal claim record: %w", err)
			}

			if record.Session == session {
				result = append(result, record)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read claim records: %w", err)
	}

	return result, nil
}
