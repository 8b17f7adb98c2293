package protocol

// Event is implemented by every payload that can travel inside an Envelope.
// The set is closed: only types declared in this file implement it.
type Event interface {
	EventType() Type
}

type CreateRoom struct {
	RoomName   string `json:"roomName"`
	PlayerName string `json:"playerName"`
	MaxPlayers int    `json:"maxPlayers"`
	IsPrivate  bool   `json:"isPrivate"`
}

type JoinRoom struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
	Address    string `json:"address,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type GetRooms struct{}

type SetReady struct {
	RoomID  string `json:"roomId"`
	IsReady bool   `json:"isReady"`
}

// UpdatePlayer carries the sender's own physics state. Score and IsAlive are optional.
type UpdatePlayer struct {
	RoomID   string   `json:"roomId"`
	Position Position `json:"position"`
	Score    *int     `json:"score,omitempty"`
	IsAlive  *bool    `json:"isAlive,omitempty"`
}

type StartGame struct {
	RoomID string `json:"roomId"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type SyncObstacles struct {
	RoomID    string     `json:"roomId"`
	Obstacles []Obstacle `json:"obstacles"`
}

type SubmitResult struct {
	RoomID           string `json:"roomId"`
	Score            int    `json:"score"`
	DurationMs       int64  `json:"durationMs"`
	ObstaclesCleared int    `json:"obstaclesCleared"`
}

type Ranking struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
}

type GameOver struct {
	RoomID   string    `json:"roomId"`
	WinnerID string    `json:"winnerId"`
	Rankings []Ranking `json:"rankings"`
	// set by the server when relaying
	DeclaredBy string `json:"declaredBy,omitempty"`
}

type Welcome struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// Ack answers a request. Only the fields relevant to the request are set.
type Ack struct {
	Success bool          `json:"success"`
	Error   *ErrorPayload `json:"error,omitempty"`
	Room    *RoomSnapshot `json:"room,omitempty"`
	Rooms   []RoomSummary `json:"rooms,omitempty"`
	Result  *ResultAck    `json:"result,omitempty"`
}

type ResultAck struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type RoomCreated struct {
	Room RoomSnapshot `json:"room"`
}

type RoomUpdated struct {
	Room RoomSnapshot `json:"room"`
}

type RoomClosed struct {
	RoomID string `json:"roomId"`
}

type PlayerJoined struct {
	RoomID   string      `json:"roomId"`
	PlayerID string      `json:"playerId"`
	Player   PlayerState `json:"player"`
}

type PlayerLeft struct {
	RoomID    string `json:"roomId"`
	PlayerID  string `json:"playerId"`
	NewHostID string `json:"newHostId,omitempty"`
}

type PlayerReady struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
	IsReady  bool   `json:"isReady"`
}

type GameStarted struct {
	RoomID    string `json:"roomId"`
	StartTime int64  `json:"startTime"`
}

type PlayerDelta struct {
	PlayerID string   `json:"playerId"`
	Position Position `json:"position"`
	Score    int      `json:"score"`
	IsAlive  bool     `json:"isAlive"`
}

type GameStateUpdate struct {
	RoomID  string        `json:"roomId"`
	Players []PlayerDelta `json:"players"`
}

type ObstaclesUpdated struct {
	RoomID    string     `json:"roomId"`
	Obstacles []Obstacle `json:"obstacles"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (CreateRoom) EventType() Type       { return TypeCreateRoom }
func (JoinRoom) EventType() Type         { return TypeJoinRoom }
func (LeaveRoom) EventType() Type        { return TypeLeaveRoom }
func (GetRooms) EventType() Type         { return TypeGetRooms }
func (SetReady) EventType() Type         { return TypeSetReady }
func (UpdatePlayer) EventType() Type     { return TypeUpdatePlayer }
func (StartGame) EventType() Type        { return TypeStartGame }
func (Ping) EventType() Type             { return TypePing }
func (SyncObstacles) EventType() Type    { return TypeSyncObstacles }
func (SubmitResult) EventType() Type     { return TypeSubmitResult }
func (GameOver) EventType() Type         { return TypeGameOver }
func (Welcome) EventType() Type          { return TypeWelcome }
func (Ack) EventType() Type              { return TypeAck }
func (RoomCreated) EventType() Type      { return TypeRoomCreated }
func (RoomUpdated) EventType() Type      { return TypeRoomUpdated }
func (RoomClosed) EventType() Type       { return TypeRoomClosed }
func (PlayerJoined) EventType() Type     { return TypePlayerJoined }
func (PlayerLeft) EventType() Type       { return TypePlayerLeft }
func (PlayerReady) EventType() Type      { return TypePlayerReady }
func (GameStarted) EventType() Type      { return TypeGameStarted }
func (GameStateUpdate) EventType() Type  { return TypeGameStateUpdate }
func (ObstaclesUpdated) EventType() Type { return TypeObstaclesUpdated }
func (Pong) EventType() Type             { return TypePong }
func (Error) EventType() Type            { return TypeError }

var constructors = map[Type]func() Event{
	TypeCreateRoom:       func() Event { return &CreateRoom{} },
	TypeJoinRoom:         func() Event { return &JoinRoom{} },
	TypeLeaveRoom:        func() Event { return &LeaveRoom{} },
	TypeGetRooms:         func() Event { return &GetRooms{} },
	TypeSetReady:         func() Event { return &SetReady{} },
	TypeUpdatePlayer:     func() Event { return &UpdatePlayer{} },
	TypeStartGame:        func() Event { return &StartGame{} },
	TypePing:             func() Event { return &Ping{} },
	TypeSyncObstacles:    func() Event { return &SyncObstacles{} },
	TypeSubmitResult:     func() Event { return &SubmitResult{} },
	TypeGameOver:         func() Event { return &GameOver{} },
	TypeWelcome:          func() Event { return &Welcome{} },
	TypeAck:              func() Event { return &Ack{} },
	TypeRoomCreated:      func() Event { return &RoomCreated{} },
	TypeRoomUpdated:      func() Event { return &RoomUpdated{} },
	TypeRoomClosed:       func() Event { return &RoomClosed{} },
	TypePlayerJoined:     func() Event { return &PlayerJoined{} },
	TypePlayerLeft:       func() Event { return &PlayerLeft{} },
	TypePlayerReady:      func() Event { return &PlayerReady{} },
	TypeGameStarted:      func() Event { return &GameStarted{} },
	TypeGameStateUpdate:  func() Event { return &GameStateUpdate{} },
	TypeObstaclesUpdated: func() Event { return &ObstaclesUpdated{} },
	TypePong:             func() Event { return &Pong{} },
	TypeError:            func() Event { return &Error{} },
}

// IsRequest reports whether events of type t are answered with an Ack.
func IsRequest(t Type) bool {
	switch t {
	case TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom, TypeGetRooms, TypeStartGame, TypeSubmitResult:
		return true
	}
	return false
}
