package claimlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

var ErrEmptyNamespace = errors.New("namespace cannot be empty")

// RedisLogger appends records to one Redis stream per session and
// publishes each record on a shared events channel.
type RedisLogger struct {
	rdb       *redis.Client
	namespace string
}

func NewRedisLogger(redisOpts *redis.Options, namespace string) (*RedisLogger, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}

	return &RedisLogger{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

func StreamKey(namespace, session string) string {
	return fmt.Sprintf("%s:%s:claims", namespace, session)
}

func EventsChannel(namespace string) string {
	return fmt.Sprintf("%s:claim_events", namespace)
}

func (l *RedisLogger) Append(ctx context.Context, record Record) error {
	err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(l.namespace, record.Session),
		Values: map[string]any{
			"participant": string(record.Participant),
			"kind":        string(record.Kind),
			"payload":     record.Payload.Hex(),
			"timestamp":   strconv.FormatInt(record.Timestamp, 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append claim record: %w", err)
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal claim record: %w", err)
	}

	err = l.rdb.Publish(ctx, EventsChannel(l.namespace), recordJSON).Err()
	if err != nil {
		return fmt.Errorf("failed to publish claim record: %w", err)
	}

	return nil
}

// Records reads back every record of a session in append order.
func (l *RedisLogger) Records(ctx context.Context, session string) ([]Record, error) {
	messages, err := l.rdb.XRange(ctx, StreamKey(l.namespace, session), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim records: %w", err)
	}

	result := make([]Record, 0, len(messages))

	for _, message := range messages {
		record, err := recordFromValues(session, message.Values)
		if err != nil {
			return nil, fmt.Errorf("malformed claim record %s: %w", message.ID, err)
		}

		result = append(result, record)
	}

	return result, nil
}

func recordFromValues(session string, values map[string]any) (Record, error) {
	field := func(name string) string {
		s, _ := values[name].(string)

		return s
	}

	payload, err := protocol.ParseWord(field("payload"))
	if err != nil {
		return Record{}, err
	}

	timestamp, err := strconv.ParseInt(field("timestamp"), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	return Record{
		Session:     session,
		Participant: protocol.ParticipantID(field("participant")),
		Kind:        Kind(field("kind")),
		Payload:     payload,
		Timestamp:   timestamp,
	}, nil
}

func (l *RedisLogger) Ping(ctx context.Context) error {
	//nolint:wrapcheck
	return l.rdb.Ping(ctx).Err()
}

func (l *RedisLogger) Shutdown() error {
	//nolint:wrapcheck
	return l.rdb.Close()
}
