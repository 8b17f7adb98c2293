// Package protocol defines the JSON messages exchanged between dodge clients and the server.
//
// Every frame on the socket is an Envelope. Requests that expect an answer carry an ID, and the
// server answers them with an Ack echoing that ID. Everything else is fire-and-forget.
package protocol

import "encoding/json"

type Type string

// client -> server
const (
	TypeCreateRoom    Type = "createRoom"
	TypeJoinRoom      Type = "joinRoom"
	TypeLeaveRoom     Type = "leaveRoom"
	TypeGetRooms      Type = "getRooms"
	TypeSetReady      Type = "setReady"
	TypeUpdatePlayer  Type = "updatePlayer"
	TypeStartGame     Type = "startGame"
	TypePing          Type = "ping"
	TypeSyncObstacles Type = "syncObstacles"
	TypeSubmitResult  Type = "submitResult"
)

// server -> client
const (
	TypeWelcome          Type = "welcome"
	TypeAck              Type = "ack"
	TypeRoomCreated      Type = "roomCreated"
	TypeRoomUpdated      Type = "roomUpdated"
	TypeRoomClosed       Type = "roomClosed"
	TypePlayerJoined     Type = "playerJoined"
	TypePlayerLeft       Type = "playerLeft"
	TypePlayerReady      Type = "playerReady"
	TypeGameStarted      Type = "gameStarted"
	TypeGameStateUpdate  Type = "gameStateUpdate"
	TypeObstaclesUpdated Type = "obstaclesUpdated"
	TypePong             Type = "pong"
	TypeError            Type = "error"
)

// both directions: a client declares it, the server relays it
const TypeGameOver Type = "gameOver"

type Envelope struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Room status values.
const (
	StatusWaiting  = "waiting"
	StatusPlaying  = "playing"
	StatusFinished = "finished"
)

type Position struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VelocityY float64 `json:"velocityY"`
}

type Obstacle struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type PlayerState struct {
	PlayerID    string   `json:"playerId"`
	DisplayName string   `json:"displayName"`
	Address     string   `json:"address,omitempty"`
	ColorIndex  int      `json:"colorIndex"`
	Color       string   `json:"color"`
	IsHost      bool     `json:"isHost"`
	IsReady     bool     `json:"isReady"`
	Score       int      `json:"score"`
	Position    Position `json:"position"`
	IsAlive     bool     `json:"isAlive"`
}

// RoomSnapshot is the full view of a room sent to its members.
type RoomSnapshot struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	HostID     string        `json:"hostId"`
	Players    []PlayerState `json:"players"`
	MaxPlayers int           `json:"maxPlayers"`
	IsPrivate  bool          `json:"isPrivate"`
	Status     string        `json:"status"`
	CreatedAt  int64         `json:"createdAt"`
	StartedAt  int64         `json:"startedAt,omitempty"`
	Obstacles  []Obstacle    `json:"obstacles"`
}

// RoomSummary is the lobby listing entry.
type RoomSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"maxPlayers"`
	Status     string `json:"status"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorPayload) Error() string {
	return e.Code + ": " + e.Message
}
