// Package eventlog publishes room lifecycle and settlement records.
package eventlog

import (
	"context"
	"time"
)

const (
	KindRoomCreated    = "room-created"
	KindPlayerJoined   = "player-joined"
	KindPlayerLeft     = "player-left"
	KindRoomClosed     = "room-closed"
	KindGameStarted    = "game-started"
	KindGameOver       = "game-over"
	KindResultAccepted = "result-accepted"
	KindResultRejected = "result-rejected"
)

type Record struct {
	RoomID    string    `json:"roomId"`
	Kind      string    `json:"kind"`
	PlayerID  string    `json:"playerId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder must not block the caller for long: it is called from socket handlers.
type Recorder interface {
	Record(ctx context.Context, rec Record)
	Close() error
}

// Nop drops every record. Used when no brokers are configured.
type Nop struct{}

func (Nop) Record(context.Context, Record) {}
func (Nop) Close() error                   { return nil }
