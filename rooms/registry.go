// Package rooms is the authoritative in-memory store of rooms and the players seated in them.
//
// Membership changes (join, leave, create, delete) take the registry lock and then the room lock,
// so the room's player list and the player->room index always change in the same step. Everything
// else takes the registry read lock and only the target room's lock, so traffic in one room never
// waits on another room's gameplay updates.
package rooms

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go_dodge_server/protocol"
)

type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	order       []string          // room ids by creation time, scanned by matchmaking
	playerRooms map[string]string // playerID -> roomID

	maxPlayers int
	newID      func() string
	now        func() time.Time
}

func NewRegistry(maxPlayers int) *Registry {
	if maxPlayers < MinPlayers || maxPlayers > DefaultMaxPlayers {
		maxPlayers = DefaultMaxPlayers
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		playerRooms: make(map[string]string),
		maxPlayers:  maxPlayers,
		newID:       newRoomID,
		now:         time.Now,
	}
}

func newRoomID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// RemoveResult tells the caller what to broadcast after a removal.
type RemoveResult struct {
	Closed    bool
	NewHostID string
	Room      protocol.RoomSnapshot // state after removal, empty when Closed
}

// FindOrCreateRoom seats a player through matchmaking. A preferredID naming a waiting room with
// a free seat wins; a full preferred room is an error; anything else falls back to the oldest
// public waiting room with a free seat, then to a brand new room.
func (r *Registry) FindOrCreateRoom(preferredID string, info PlayerInfo) (protocol.RoomSnapshot, protocol.PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seated := r.playerRooms[info.ID]; seated {
		return protocol.RoomSnapshot{}, protocol.PlayerState{}, ErrAlreadyInRoom
	}

	var target *Room
	if preferredID != "" {
		if room, ok := r.rooms[preferredID]; ok {
			room.mu.Lock()
			full, joinable := room.isFull(), room.joinable()
			room.mu.Unlock()
			if full {
				return protocol.RoomSnapshot{}, protocol.PlayerState{}, ErrRoomFull
			}
			if joinable {
				target = room
			}
		}
	}

	if target == nil {
		for _, id := range r.order {
			room := r.rooms[id]
			room.mu.Lock()
			ok := !room.isPrivate && room.joinable()
			room.mu.Unlock()
			if ok {
				target = room
				break
			}
		}
	}

	if target == nil {
		target = r.createLocked(RoomOptions{MaxPlayers: r.maxPlayers})
		log.Debug().Str("room_id", target.id).Msg("matchmaking miss, room created")
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if target.isFull() {
		return protocol.RoomSnapshot{}, protocol.PlayerState{}, ErrRoomFull
	}
	p := target.add(info)
	r.playerRooms[info.ID] = target.id
	return target.snapshot(), p.state(), nil
}

// CreateRoom makes a room with explicit options and seats its creator as host.
func (r *Registry) CreateRoom(opts RoomOptions, host PlayerInfo) (protocol.RoomSnapshot, error) {
	if opts.MaxPlayers == 0 {
		opts.MaxPlayers = r.maxPlayers
	}
	if opts.MaxPlayers < MinPlayers || opts.MaxPlayers > DefaultMaxPlayers {
		return protocol.RoomSnapshot{}, ErrInvalidRoomConfig
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seated := r.playerRooms[host.ID]; seated {
		return protocol.RoomSnapshot{}, ErrAlreadyInRoom
	}

	room := r.createLocked(opts)
	room.mu.Lock()
	defer room.mu.Unlock()
	room.add(host)
	r.playerRooms[host.ID] = room.id
	return room.snapshot(), nil
}

func (r *Registry) createLocked(opts RoomOptions) *Room {
	if opts.MaxPlayers == 0 {
		opts.MaxPlayers = r.maxPlayers
	}
	id := r.newID()
	for r.rooms[id] != nil {
		id = r.newID()
	}
	room := newRoom(id, opts, r.now())
	r.rooms[id] = room
	r.order = append(r.order, id)
	return room
}

// AddPlayer seats a player in a specific room.
func (r *Registry) AddPlayer(roomID string, info PlayerInfo) (protocol.RoomSnapshot, protocol.PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return protocol.RoomSnapshot{}, protocol.PlayerState{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	switch {
	case room.status != StatusWaiting:
		return protocol.RoomSnapshot{}, protocol.PlayerState{}, ErrGameAlreadyStarted
	case room.isFull():
		return protocol.RoomSnapshot{}, protocol.PlayerState{}, ErrRoomFull
	case room.indexOf(info.ID) >= 0:
		return protocol.RoomSnapshot{}, protocol.PlayerState{}, ErrAlreadyInRoom
	}
	if _, seated := r.playerRooms[info.ID]; seated {
		return protocol.RoomSnapshot{}, protocol.PlayerState{}, ErrAlreadyInRoom
	}

	p := room.add(info)
	r.playerRooms[info.ID] = room.id
	return room.snapshot(), p.state(), nil
}

// RemovePlayer unseats a player. An emptied room is deleted in the same step.
func (r *Registry) RemovePlayer(roomID, playerID string) (RemoveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return RemoveResult{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	newHostID, ok := room.remove(playerID)
	if !ok {
		return RemoveResult{}, ErrPlayerNotFound
	}
	delete(r.playerRooms, playerID)

	if len(room.players) == 0 {
		r.deleteLocked(roomID)
		log.Debug().Str("room_id", roomID).Msg("last player left, room deleted")
		return RemoveResult{Closed: true}, nil
	}

	return RemoveResult{NewHostID: newHostID, Room: room.snapshot()}, nil
}

func (r *Registry) deleteLocked(roomID string) {
	delete(r.rooms, roomID)
	for i, id := range r.order {
		if id == roomID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// withRoom runs fn with the room locked and the registry read-locked.
func (r *Registry) withRoom(roomID string, fn func(room *Room) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return fn(room)
}

func (r *Registry) SetReady(roomID, playerID string, isReady bool) (protocol.RoomSnapshot, error) {
	var snap protocol.RoomSnapshot
	err := r.withRoom(roomID, func(room *Room) error {
		p := room.player(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		p.IsReady = isReady
		snap = room.snapshot()
		return nil
	})
	return snap, err
}

// AreAllReady is false for rooms with fewer than two players, so a room never auto-starts solo.
func (r *Registry) AreAllReady(roomID string) bool {
	ready := false
	_ = r.withRoom(roomID, func(room *Room) error {
		ready = room.status == StatusWaiting && room.allReady()
		return nil
	})
	return ready
}

// StartGame moves a waiting room with at least two players to playing and opens a GameSession.
func (r *Registry) StartGame(roomID string) (protocol.RoomSnapshot, error) {
	var snap protocol.RoomSnapshot
	err := r.withRoom(roomID, func(room *Room) error {
		if room.status != StatusWaiting {
			return ErrGameAlreadyStarted
		}
		if len(room.players) < MinPlayers {
			return ErrNotEnoughPlayers
		}

		now := r.now()
		room.status = StatusPlaying
		room.startedAt = now
		room.obstacles = []protocol.Obstacle{}

		ids := make([]string, 0, len(room.players))
		for _, p := range room.players {
			p.Score = 0
			p.IsAlive = true
			p.Position = protocol.Position{}
			ids = append(ids, p.ID)
		}
		room.session = &GameSession{
			ID:        uuid.NewString(),
			Players:   ids,
			HostID:    room.hostID,
			StartTime: now,
			Status:    SessionPlaying,
			Settled:   make(map[string]bool),
			Declared:  make(map[string]bool),
		}
		snap = room.snapshot()
		return nil
	})
	return snap, err
}

// FinishGame marks a playing room finished and ends its session. Calling it again is a no-op.
func (r *Registry) FinishGame(roomID string) (protocol.RoomSnapshot, error) {
	var snap protocol.RoomSnapshot
	err := r.withRoom(roomID, func(room *Room) error {
		r.finishLocked(room)
		snap = room.snapshot()
		return nil
	})
	return snap, err
}

func (r *Registry) finishLocked(room *Room) {
	if room.status != StatusPlaying {
		return
	}
	room.status = StatusFinished
	if room.session != nil {
		room.session.end(r.now())
	}
}

// DeclareGameOver records a player's claim that the current game is over. The first claim
// finishes the room. Later claims about the same game are accepted once per player so that
// conflicting views still reach the room; a room with no game started accepts none.
func (r *Registry) DeclareGameOver(roomID, playerID string) (protocol.RoomSnapshot, error) {
	var snap protocol.RoomSnapshot
	err := r.withRoom(roomID, func(room *Room) error {
		switch {
		case room.status == StatusWaiting || room.session == nil:
			return ErrGameNotStarted
		case room.session.Declared[playerID]:
			return ErrAlreadyDeclared
		}
		if room.session.Declared == nil {
			room.session.Declared = make(map[string]bool)
		}
		room.session.Declared[playerID] = true
		r.finishLocked(room)
		snap = room.snapshot()
		return nil
	})
	return snap, err
}

// UpdatePlayerPosition overwrites the player's physics fields as reported by their own client.
func (r *Registry) UpdatePlayerPosition(roomID, playerID string, pos protocol.Position) (protocol.PlayerDelta, error) {
	return r.mutatePlayer(roomID, playerID, func(_ *Room, p *Player) {
		p.Position = pos
	})
}

// UpdatePlayerScore overwrites the player's score and appends it to the running session.
func (r *Registry) UpdatePlayerScore(roomID, playerID string, score int) (protocol.PlayerDelta, error) {
	if score < 0 {
		score = 0
	}
	return r.mutatePlayer(roomID, playerID, func(room *Room, p *Player) {
		p.Score = score
		if room.session != nil && room.session.Status == SessionPlaying {
			room.session.recordScore(playerID, score, r.now())
		}
	})
}

func (r *Registry) SetPlayerAlive(roomID, playerID string, alive bool) (protocol.PlayerDelta, error) {
	return r.mutatePlayer(roomID, playerID, func(_ *Room, p *Player) {
		p.IsAlive = alive
	})
}

func (r *Registry) mutatePlayer(roomID, playerID string, fn func(room *Room, p *Player)) (protocol.PlayerDelta, error) {
	var delta protocol.PlayerDelta
	err := r.withRoom(roomID, func(room *Room) error {
		p := room.player(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		fn(room, p)
		delta = p.delta()
		return nil
	})
	return delta, err
}

// SyncObstacles replaces the room's obstacle snapshot wholesale.
func (r *Registry) SyncObstacles(roomID string, obstacles []protocol.Obstacle) error {
	return r.withRoom(roomID, func(room *Room) error {
		room.obstacles = append(make([]protocol.Obstacle, 0, len(obstacles)), obstacles...)
		return nil
	})
}

func (r *Registry) Room(roomID string) (protocol.RoomSnapshot, bool) {
	var snap protocol.RoomSnapshot
	err := r.withRoom(roomID, func(room *Room) error {
		snap = room.snapshot()
		return nil
	})
	return snap, err == nil
}

func (r *Registry) Session(roomID string) (GameSession, bool) {
	var s GameSession
	found := false
	_ = r.withRoom(roomID, func(room *Room) error {
		if room.session != nil {
			s = room.session.clone()
			found = true
		}
		return nil
	})
	return s, found
}

// HostOf returns the current host of a room.
func (r *Registry) HostOf(roomID string) (string, bool) {
	var host string
	err := r.withRoom(roomID, func(room *Room) error {
		host = room.hostID
		return nil
	})
	return host, err == nil
}

// SettleResult claims the one settlement slot a player has for the room's last game and
// returns the session it belongs to. Results are only taken once the game has ended.
func (r *Registry) SettleResult(roomID, playerID string) (GameSession, error) {
	var s GameSession
	err := r.withRoom(roomID, func(room *Room) error {
		switch {
		case room.session == nil:
			return ErrNoSession
		case !room.session.hasPlayer(playerID):
			return ErrPlayerNotFound
		case room.session.Status != SessionEnded:
			return ErrGameInProgress
		case room.session.Settled[playerID]:
			return ErrAlreadySettled
		}
		room.session.Settled[playerID] = true
		s = room.session.clone()
		return nil
	})
	return s, err
}

// RoomOf returns the room the player is seated in.
func (r *Registry) RoomOf(playerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.playerRooms[playerID]
	return id, ok
}

// ListRooms returns summaries of public rooms, oldest first.
func (r *Registry) ListRooms() []protocol.RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.RoomSummary, 0, len(r.order))
	for _, id := range r.order {
		room := r.rooms[id]
		room.mu.Lock()
		if !room.isPrivate {
			out = append(out, room.summary())
		}
		room.mu.Unlock()
	}
	return out
}

func (r *Registry) NumRooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
