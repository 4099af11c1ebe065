package claimlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vreid/arbiter/internal/pkg/log"
)

const (
	DefaultBufferSize   = 1024
	DefaultWriteTimeout = 2 * time.Second
)

var (
	ErrBufferFull = errors.New("claim log buffer full")
	ErrClosed     = errors.New("claim log closed")
)

// AsyncLogger queues records and writes them to the wrapped Logger on its
// own goroutine, so Append never waits on the backend. Records are written
// in the order they were appended.
type AsyncLogger struct {
	Logger       Logger
	WriteTimeout time.Duration

	logger *log.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

func NewAsyncLogger(inner Logger, bufferSize int, writeTimeout time.Duration, logger *log.Logger) *AsyncLogger {
	result := &AsyncLogger{
		Logger:       inner,
		WriteTimeout: writeTimeout,

		logger: logger,
		queue:  make(chan Record, bufferSize),
		done:   make(chan struct{}),
	}

	go result.run()

	return result
}

// Append enqueues record. It fails with ErrBufferFull instead of waiting
// when the backend has fallen behind.
func (l *AsyncLogger) Append(_ context.Context, record Record) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	select {
	case l.queue <- record:
		return nil
	default:
		return ErrBufferFull
	}
}

// Records reads through to the wrapped Logger when it supports reads.
// Records still queued are not included.
func (l *AsyncLogger) Records(ctx context.Context, session string) ([]Record, error) {
	reader, ok := l.Logger.(interface {
		Records(ctx context.Context, session string) ([]Record, error)
	})
	if !ok {
		return nil, errors.New("claim log backend does not support reads")
	}

	//nolint:wrapcheck
	return reader.Records(ctx, session)
}

func (l *AsyncLogger) run() {
	defer close(l.done)

	for record := range l.queue {
		l.write(record)
	}
}

func (l *AsyncLogger) write(record Record) {
	ctx, cancel := context.WithTimeout(context.Background(), l.WriteTimeout)
	defer cancel()

	err := l.Logger.Append(ctx, record)
	if err != nil {
		l.logger.Warn("failed to write claim record",
			"session", record.Session,
			"participant", record.Participant,
			"kind", record.Kind,
			"err", err,
		)
	}
}

// Shutdown stops accepting records, writes out what is queued and then
// shuts down the wrapped Logger if it has a Shutdown method.
func (l *AsyncLogger) Shutdown() error {
	l.mu.Lock()

	if !l.closed {
		l.closed = true
		close(l.queue)
	}

	l.mu.Unlock()

	<-l.done

	if closer, ok := l.Logger.(interface{ Shutdown() error }); ok {
		//nolint:wrapcheck
		return closer.Shutdown()
	}

	return nil
}
