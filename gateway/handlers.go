package gateway

import (
	"context"
	"errors"
	"strings"

	"go_dodge_server/eventlog"
	"go_dodge_server/protocol"
	"go_dodge_server/rooms"
	"go_dodge_server/validator"
)

const (
	codeNotHost          = "not-host"
	codeNotInRoom        = "not-in-room"
	codeBadRequest       = "bad-request"
	codeUnknownEvent     = "unknown-event"
	codeInternal         = "internal-error"
	codeValidationFailed = "validation-failed"
)

var (
	errNotHost   = &rooms.Error{Code: codeNotHost, Message: "Only the host can do that"}
	errNotInRoom = &rooms.Error{Code: codeNotInRoom, Message: "You are not in this room"}
)

func (c *Client) dispatch(env protocol.Envelope, ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.CreateRoom:
		c.createRoom(env, *e)
	case *protocol.JoinRoom:
		c.joinRoom(env, *e)
	case *protocol.LeaveRoom:
		c.leaveRoom(env, *e)
	case *protocol.GetRooms:
		c.reply(env.ID, protocol.Ack{Success: true, Rooms: c.gw.registry.ListRooms()})
	case *protocol.SetReady:
		c.setReady(env, *e)
	case *protocol.UpdatePlayer:
		c.updatePlayer(env, *e)
	case *protocol.StartGame:
		c.startGame(env, *e)
	case *protocol.Ping:
		c.Send(protocol.Pong{Timestamp: e.Timestamp})
	case *protocol.SyncObstacles:
		c.syncObstacles(env, *e)
	case *protocol.GameOver:
		c.gameOver(env, *e)
	case *protocol.SubmitResult:
		c.submitResult(env, *e)
	default:
		c.fail(env, codeUnknownEvent, string(env.Type)+" is not accepted from clients")
	}
}

// fail answers a request with a failed ack, and anything else with an error event.
func (c *Client) fail(env protocol.Envelope, code, message string) {
	payload := &protocol.ErrorPayload{Code: code, Message: message}
	if protocol.IsRequest(env.Type) {
		c.reply(env.ID, protocol.Ack{Success: false, Error: payload})
		return
	}
	c.Send(protocol.Error{Code: code, Message: message})
}

func (c *Client) failErr(env protocol.Envelope, err error) {
	var re *rooms.Error
	if errors.As(err, &re) {
		c.log.Debug().Str("type", string(env.Type)).Str("code", re.Code).Msg("request rejected")
		c.fail(env, re.Code, re.Message)
		return
	}
	c.log.Error().Err(err).Str("type", string(env.Type)).Msg("request failed")
	c.fail(env, codeInternal, "Internal server error")
}

func (c *Client) info(requestedName string) rooms.PlayerInfo {
	name := c.id.PlayerName
	if strings.TrimSpace(requestedName) != "" {
		name = c.gw.displayName(requestedName, c.id.PlayerID)
	}
	return rooms.PlayerInfo{ID: c.id.PlayerID, Name: name, Address: c.id.Address}
}

func (c *Client) seatedIn(roomID string) bool {
	current, ok := c.gw.registry.RoomOf(c.id.PlayerID)
	return ok && current == roomID
}

func (c *Client) requireHost(roomID string) error {
	host, ok := c.gw.registry.HostOf(roomID)
	if !ok {
		return rooms.ErrRoomNotFound
	}
	if host != c.id.PlayerID {
		return errNotHost
	}
	return nil
}

// leavePrevious unseats the player from whatever room they are in, as an explicit leave would.
// Callers hold the lifecycle lock.
func (c *Client) leavePrevious() error {
	if current, ok := c.gw.registry.RoomOf(c.id.PlayerID); ok {
		return c.gw.leaveLocked(c, current)
	}
	return nil
}

func (c *Client) createRoom(env protocol.Envelope, e protocol.CreateRoom) {
	c.gw.lifecycle.Lock()
	defer c.gw.lifecycle.Unlock()

	if err := c.leavePrevious(); err != nil {
		c.failErr(env, err)
		return
	}

	opts := rooms.RoomOptions{Name: strings.TrimSpace(e.RoomName), MaxPlayers: e.MaxPlayers, IsPrivate: e.IsPrivate}
	room, err := c.gw.registry.CreateRoom(opts, c.info(e.PlayerName))
	if err != nil {
		c.failErr(env, err)
		return
	}

	c.gw.joinGroup(room.ID, c)
	c.reply(env.ID, protocol.Ack{Success: true, Room: &room})
	c.gw.roomOpened(c, room)
}

func (c *Client) joinRoom(env protocol.Envelope, e protocol.JoinRoom) {
	c.gw.lifecycle.Lock()
	defer c.gw.lifecycle.Unlock()

	roomID := strings.TrimSpace(e.RoomID)
	if roomID != "" && c.seatedIn(roomID) {
		c.failErr(env, rooms.ErrAlreadyInRoom)
		return
	}
	if err := c.leavePrevious(); err != nil {
		c.failErr(env, err)
		return
	}

	info := c.info(e.PlayerName)
	if e.Address != "" {
		info.Address = strings.TrimSpace(e.Address)
	}
	room, player, err := c.gw.registry.FindOrCreateRoom(roomID, info)
	if err != nil {
		c.failErr(env, err)
		return
	}

	c.gw.joinGroup(room.ID, c)
	c.reply(env.ID, protocol.Ack{Success: true, Room: &room})

	if len(room.Players) == 1 {
		c.gw.roomOpened(c, room)
		return
	}
	c.gw.broadcast(room.ID, protocol.PlayerJoined{RoomID: room.ID, PlayerID: player.PlayerID, Player: player}, c.id.PlayerID)
	c.gw.broadcast(room.ID, protocol.RoomUpdated{Room: room}, c.id.PlayerID)
	c.gw.record(room.ID, eventlog.KindPlayerJoined, c.id.PlayerID, player)
}

func (c *Client) leaveRoom(env protocol.Envelope, e protocol.LeaveRoom) {
	c.gw.lifecycle.Lock()
	defer c.gw.lifecycle.Unlock()

	if !c.seatedIn(e.RoomID) {
		c.failErr(env, errNotInRoom)
		return
	}
	if err := c.gw.leaveLocked(c, e.RoomID); err != nil {
		c.failErr(env, err)
		return
	}
	c.reply(env.ID, protocol.Ack{Success: true})
}

func (c *Client) setReady(env protocol.Envelope, e protocol.SetReady) {
	c.gw.lifecycle.Lock()
	defer c.gw.lifecycle.Unlock()

	if !c.seatedIn(e.RoomID) {
		c.failErr(env, errNotInRoom)
		return
	}
	room, err := c.gw.registry.SetReady(e.RoomID, c.id.PlayerID, e.IsReady)
	if err != nil {
		c.failErr(env, err)
		return
	}
	c.gw.broadcast(e.RoomID, protocol.PlayerReady{RoomID: e.RoomID, PlayerID: c.id.PlayerID, IsReady: e.IsReady}, "")
	c.gw.broadcastRoom(room)

	if c.gw.registry.AreAllReady(e.RoomID) {
		if _, err := c.gw.startLocked(e.RoomID); err != nil {
			c.log.Debug().Err(err).Str("room_id", e.RoomID).Msg("auto start failed")
		}
	}
}

func (c *Client) updatePlayer(env protocol.Envelope, e protocol.UpdatePlayer) {
	if !c.limiter.Allow() {
		return
	}
	if !c.seatedIn(e.RoomID) {
		c.failErr(env, errNotInRoom)
		return
	}

	reg := c.gw.registry
	delta, err := reg.UpdatePlayerPosition(e.RoomID, c.id.PlayerID, e.Position)
	if err == nil && e.Score != nil {
		delta, err = reg.UpdatePlayerScore(e.RoomID, c.id.PlayerID, *e.Score)
	}
	if err == nil && e.IsAlive != nil {
		delta, err = reg.SetPlayerAlive(e.RoomID, c.id.PlayerID, *e.IsAlive)
	}
	if err != nil {
		c.failErr(env, err)
		return
	}

	c.gw.broadcast(e.RoomID, protocol.GameStateUpdate{RoomID: e.RoomID, Players: []protocol.PlayerDelta{delta}}, c.id.PlayerID)
}

func (c *Client) startGame(env protocol.Envelope, e protocol.StartGame) {
	c.gw.lifecycle.Lock()
	defer c.gw.lifecycle.Unlock()

	if err := c.requireHost(e.RoomID); err != nil {
		c.failErr(env, err)
		return
	}
	room, err := c.gw.startLocked(e.RoomID)
	if err != nil {
		c.failErr(env, err)
		return
	}
	c.reply(env.ID, protocol.Ack{Success: true, Room: &room})
}

func (c *Client) syncObstacles(env protocol.Envelope, e protocol.SyncObstacles) {
	if !c.limiter.Allow() {
		return
	}
	if err := c.requireHost(e.RoomID); err != nil {
		c.failErr(env, err)
		return
	}
	if err := c.gw.registry.SyncObstacles(e.RoomID, e.Obstacles); err != nil {
		c.failErr(env, err)
		return
	}
	if e.Obstacles == nil {
		e.Obstacles = []protocol.Obstacle{}
	}
	c.gw.broadcast(e.RoomID, protocol.ObstaclesUpdated{RoomID: e.RoomID, Obstacles: e.Obstacles}, c.id.PlayerID)
}

// gameOver relays a client's declaration to the whole room. Each player's first declaration
// about a started game is relayed, including conflicting ones; the first one ends the session.
func (c *Client) gameOver(env protocol.Envelope, e protocol.GameOver) {
	if !c.seatedIn(e.RoomID) {
		c.failErr(env, errNotInRoom)
		return
	}
	room, err := c.gw.registry.DeclareGameOver(e.RoomID, c.id.PlayerID)
	if err != nil {
		c.failErr(env, err)
		return
	}

	e.DeclaredBy = c.id.PlayerID
	c.gw.broadcast(e.RoomID, e, "")
	c.gw.broadcastRoom(room)
	c.gw.record(e.RoomID, eventlog.KindGameOver, c.id.PlayerID, e)
}

// submitResult is the settlement boundary: each player gets one result per finished game,
// checked by the score heuristic. A rejected result does not affect the room.
func (c *Client) submitResult(env protocol.Envelope, e protocol.SubmitResult) {
	session, err := c.gw.registry.SettleResult(e.RoomID, c.id.PlayerID)
	if err != nil {
		c.failErr(env, err)
		return
	}

	durationMs := e.DurationMs
	if durationMs <= 0 {
		durationMs = session.Duration(c.gw.now()).Milliseconds()
	}
	res := validator.Validate(e.Score, durationMs, e.ObstaclesCleared)

	data := map[string]any{
		"sessionId":        session.ID,
		"score":            e.Score,
		"durationMs":       durationMs,
		"obstaclesCleared": e.ObstaclesCleared,
	}
	if !res.Valid {
		data["reason"] = res.Reason
		c.log.Info().Str("room_id", e.RoomID).Str("reason", res.Reason).Msg("result rejected")
		c.gw.record(e.RoomID, eventlog.KindResultRejected, c.id.PlayerID, data)
		c.reply(env.ID, protocol.Ack{
			Success: false,
			Error:   &protocol.ErrorPayload{Code: codeValidationFailed, Message: res.Reason},
			Result:  &protocol.ResultAck{Valid: false, Reason: res.Reason},
		})
		return
	}

	c.gw.record(e.RoomID, eventlog.KindResultAccepted, c.id.PlayerID, data)
	c.reply(env.ID, protocol.Ack{Success: true, Result: &protocol.ResultAck{Valid: true}})
}

// leave is the disconnect path.
func (g *Gateway) leave(c *Client, roomID string) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	return g.leaveLocked(c, roomID)
}

func (g *Gateway) leaveLocked(c *Client, roomID string) error {
	res, err := g.registry.RemovePlayer(roomID, c.id.PlayerID)
	g.leaveGroup(roomID, c)
	if err != nil {
		return err
	}

	g.record(roomID, eventlog.KindPlayerLeft, c.id.PlayerID, nil)
	if res.Closed {
		g.broadcastLobby(protocol.RoomClosed{RoomID: roomID}, c.id.PlayerID)
		g.record(roomID, eventlog.KindRoomClosed, "", nil)
		return nil
	}

	g.broadcast(roomID, protocol.PlayerLeft{RoomID: roomID, PlayerID: c.id.PlayerID, NewHostID: res.NewHostID}, "")
	g.broadcastRoom(res.Room)
	return nil
}

func (g *Gateway) startLocked(roomID string) (protocol.RoomSnapshot, error) {
	room, err := g.registry.StartGame(roomID)
	if err != nil {
		return room, err
	}
	g.broadcast(roomID, protocol.GameStarted{RoomID: roomID, StartTime: room.StartedAt}, "")
	g.broadcastRoom(room)
	g.record(roomID, eventlog.KindGameStarted, "", map[string]any{"players": len(room.Players)})
	return room, nil
}

// roomOpened announces a newly created public room to every connection.
func (g *Gateway) roomOpened(c *Client, room protocol.RoomSnapshot) {
	g.record(room.ID, eventlog.KindRoomCreated, c.id.PlayerID, nil)
	if !room.IsPrivate {
		g.broadcastLobby(protocol.RoomCreated{Room: room}, c.id.PlayerID)
	}
}

func (g *Gateway) record(roomID, kind, playerID string, data any) {
	g.recorder.Record(context.Background(), eventlog.Record{
		RoomID:    roomID,
		Kind:      kind,
		PlayerID:  playerID,
		Data:      data,
		Timestamp: g.now(),
	})
}
