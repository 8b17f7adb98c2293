package rooms

import (
	"sync"
	"time"

	"go_dodge_server/protocol"
)

const (
	DefaultMaxPlayers = 4
	MinPlayers        = 2
)

type Status string

const (
	StatusWaiting  Status = protocol.StatusWaiting
	StatusPlaying  Status = protocol.StatusPlaying
	StatusFinished Status = protocol.StatusFinished
)

// PlayerInfo is what the gateway knows about a connection when it asks for a seat.
type PlayerInfo struct {
	ID      string
	Name    string
	Address string
}

// RoomOptions configures an explicitly created room.
type RoomOptions struct {
	Name       string
	MaxPlayers int
	IsPrivate  bool
}

type Player struct {
	ID          string
	DisplayName string
	Address     string
	ColorIndex  int
	IsHost      bool
	IsReady     bool
	Score       int
	Position    protocol.Position
	IsAlive     bool
}

// Room is only touched with mu held; the registry hands out snapshots, never *Room.
type Room struct {
	mu sync.Mutex

	id         string
	name       string
	hostID     string
	players    []*Player // join order
	maxPlayers int
	isPrivate  bool
	status     Status
	createdAt  time.Time
	startedAt  time.Time
	obstacles  []protocol.Obstacle
	session    *GameSession
}

func newRoom(id string, opts RoomOptions, now time.Time) *Room {
	name := opts.Name
	if name == "" {
		name = "Room " + id
	}
	return &Room{
		id:         id,
		name:       name,
		maxPlayers: opts.MaxPlayers,
		isPrivate:  opts.IsPrivate,
		status:     StatusWaiting,
		createdAt:  now,
		players:    make([]*Player, 0, opts.MaxPlayers),
		obstacles:  []protocol.Obstacle{},
	}
}

func (r *Room) isFull() bool {
	return len(r.players) >= r.maxPlayers
}

func (r *Room) joinable() bool {
	return r.status == StatusWaiting && !r.isFull()
}

func (r *Room) indexOf(playerID string) int {
	for i, p := range r.players {
		if p.ID == playerID {
			return i
		}
	}
	return -1
}

func (r *Room) player(playerID string) *Player {
	if i := r.indexOf(playerID); i >= 0 {
		return r.players[i]
	}
	return nil
}

func (r *Room) add(info PlayerInfo) *Player {
	p := &Player{
		ID:          info.ID,
		DisplayName: info.Name,
		Address:     info.Address,
		ColorIndex:  len(r.players),
		IsAlive:     true,
	}
	r.players = append(r.players, p)
	if r.hostID == "" {
		r.setHost(p.ID)
	}
	return p
}

// remove drops the player and promotes the earliest remaining joiner if the host left.
// It returns the new host id when a promotion happened.
func (r *Room) remove(playerID string) (newHostID string, ok bool) {
	i := r.indexOf(playerID)
	if i < 0 {
		return "", false
	}
	r.players = append(r.players[:i], r.players[i+1:]...)

	if len(r.players) == 0 {
		r.hostID = ""
		return "", true
	}
	if r.hostID == playerID {
		r.setHost(r.players[0].ID)
		return r.hostID, true
	}
	return "", true
}

func (r *Room) setHost(playerID string) {
	r.hostID = playerID
	for _, p := range r.players {
		p.IsHost = p.ID == playerID
	}
}

func (r *Room) allReady() bool {
	if len(r.players) < MinPlayers {
		return false
	}
	for _, p := range r.players {
		if !p.IsReady {
			return false
		}
	}
	return true
}

func (r *Room) snapshot() protocol.RoomSnapshot {
	s := protocol.RoomSnapshot{
		ID:         r.id,
		Name:       r.name,
		HostID:     r.hostID,
		Players:    make([]protocol.PlayerState, 0, len(r.players)),
		MaxPlayers: r.maxPlayers,
		IsPrivate:  r.isPrivate,
		Status:     string(r.status),
		CreatedAt:  r.createdAt.UnixMilli(),
		Obstacles:  append([]protocol.Obstacle{}, r.obstacles...),
	}
	if !r.startedAt.IsZero() {
		s.StartedAt = r.startedAt.UnixMilli()
	}
	for _, p := range r.players {
		s.Players = append(s.Players, p.state())
	}
	return s
}

func (r *Room) summary() protocol.RoomSummary {
	return protocol.RoomSummary{
		ID:         r.id,
		Name:       r.name,
		Players:    len(r.players),
		MaxPlayers: r.maxPlayers,
		Status:     string(r.status),
	}
}

func (p *Player) state() protocol.PlayerState {
	return protocol.PlayerState{
		PlayerID:    p.ID,
		DisplayName: p.DisplayName,
		Address:     p.Address,
		ColorIndex:  p.ColorIndex,
		Color:       colorFor(p.ColorIndex),
		IsHost:      p.IsHost,
		IsReady:     p.IsReady,
		Score:       p.Score,
		Position:    p.Position,
		IsAlive:     p.IsAlive,
	}
}

func (p *Player) delta() protocol.PlayerDelta {
	return protocol.PlayerDelta{
		PlayerID: p.ID,
		Position: p.Position,
		Score:    p.Score,
		IsAlive:  p.IsAlive,
	}
}
