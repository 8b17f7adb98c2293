package rooms

// Error is a protocol-level failure. Code is what clients see on the wire.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrRoomNotFound       = &Error{Code: "room-not-found", Message: "Room not found"}
	ErrRoomFull           = &Error{Code: "room-full", Message: "Room full"}
	ErrAlreadyInRoom      = &Error{Code: "already-in-room", Message: "Player is already in a room"}
	ErrPlayerNotFound     = &Error{Code: "player-not-found", Message: "Player is not in this room"}
	ErrGameAlreadyStarted = &Error{Code: "game-already-started", Message: "Game already started"}
	ErrNotEnoughPlayers   = &Error{Code: "not-enough-players", Message: "At least 2 players are needed to start"}
	ErrInvalidRoomConfig  = &Error{Code: "invalid-room-config", Message: "maxPlayers must be between 2 and 4"}
	ErrNoSession          = &Error{Code: "no-session", Message: "No game has been played in this room"}
	ErrGameInProgress     = &Error{Code: "game-in-progress", Message: "Results are accepted once the game is over"}
	ErrAlreadySettled     = &Error{Code: "already-settled", Message: "A result was already submitted for this game"}
	ErrGameNotStarted     = &Error{Code: "game-not-started", Message: "No game is running in this room"}
	ErrAlreadyDeclared    = &Error{Code: "already-declared", Message: "You already declared this game over"}
)
