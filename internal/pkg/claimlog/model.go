package claimlog

import (
	"context"
	"time"

	"github.com/vreid/arbiter/internal/pkg/protocol"
)

type Kind string

const (
	KindCommit Kind = "commit"
	KindReveal Kind = "reveal"
)

// Record is one append-only audit line: a commitment hash at commit time,
// the revealed value at reveal time.
type Record struct {
	Session     string                 `json:"session"`
	Participant protocol.ParticipantID `json:"participant"`
	Kind        Kind                   `json:"kind"`
	Payload     protocol.Word          `json:"payload"`
	Timestamp   int64                  `json:"timestamp"`
}

func NewRecord(session string, participant protocol.ParticipantID, kind Kind, payload protocol.Word, at time.Time) Record {
	return Record{
		Session:     session,
		Participant: participant,
		Kind:        kind,
		Payload:     payload,
		Timestamp:   at.Unix(),
	}
}

// Logger is a fire-and-forget audit sink. Callers never roll back protocol
// state when Append fails.
type Logger interface {
	Append(ctx context.Context, record Record) error
}

type NopLogger struct{}

func (NopLogger) Append(context.Context, Record) error {
	return nil
}
