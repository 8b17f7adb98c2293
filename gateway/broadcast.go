package gateway

import (
	"github.com/rs/zerolog/log"

	"go_dodge_server/protocol"
)

func (g *Gateway) joinGroup(roomID string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[roomID]
	if !ok {
		group = make(map[string]*Client)
		g.groups[roomID] = group
	}
	group[c.id.PlayerID] = c
}

func (g *Gateway) leaveGroup(roomID string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[roomID]
	if !ok {
		return
	}
	if group[c.id.PlayerID] == c {
		delete(group, c.id.PlayerID)
	}
	if len(group) == 0 {
		delete(g.groups, roomID)
	}
}

func (g *Gateway) members(roomID string) []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	group := g.groups[roomID]
	out := make([]*Client, 0, len(group))
	for _, c := range group {
		out = append(out, c)
	}
	return out
}

// broadcast encodes ev once and queues it for every member of the room except exceptID.
func (g *Gateway) broadcast(roomID string, ev protocol.Event, exceptID string) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Str("type", string(ev.EventType())).Msg("failed to encode broadcast")
		return
	}
	for _, c := range g.members(roomID) {
		if c.id.PlayerID == exceptID {
			continue
		}
		c.sendFrame(frame)
	}
}

// broadcastLobby reaches every connection, seated or not.
func (g *Gateway) broadcastLobby(ev protocol.Event, exceptID string) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.EventType())).Msg("failed to encode lobby broadcast")
		return
	}

	g.mu.RLock()
	all := make([]*Client, 0, len(g.clients))
	for id, c := range g.clients {
		if id != exceptID {
			all = append(all, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range all {
		c.sendFrame(frame)
	}
}

func (g *Gateway) broadcastRoom(room protocol.RoomSnapshot) {
	g.broadcast(room.ID, protocol.RoomUpdated{Room: room}, "")
}
