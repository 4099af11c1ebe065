package common_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/arbiter/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

func TestOpenDatabaseCreatesBuckets(t *testing.T) {
	t.Parallel()

	db, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Shutdown() })

	err = db.DB.View(func(tx *bolt.Tx) error {
		for _, bucket := range []string{
			common.ScorerRatingsBucket,
			common.ScorerCountBucket,
			common.ScorerForfeitsBucket,
			common.ClaimLogBucket,
			common.EngineBucket,
		} {
			assert.NotNil(t, tx.Bucket([]byte(bucket)), bucket)
		}

		return nil
	})
	require.NoError(t, err)
}

func TestEncoding(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1516.5, common.BytesToFloat64(common.Float64ToBytes(1516.5), 0), 0)
	assert.InDelta(t, 1500.0, common.BytesToFloat64(nil, 1500.0), 0)
	assert.Equal(t, int64(42), common.BytesToInt64(common.Int64ToBytes(42), 0))
	assert.Equal(t, int64(7), common.BytesToInt64(nil, 7))

	assert.Less(t, string(common.Int64ToBytesBE(255)), string(common.Int64ToBytesBE(256)))
}
