package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_dodge_server/auth"
	"go_dodge_server/eventlog"
	"go_dodge_server/protocol"
	"go_dodge_server/rooms"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []eventlog.Record
}

func (r *captureRecorder) Record(_ context.Context, rec eventlog.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *captureRecorder) Close() error { return nil }

func (r *captureRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Kind)
	}
	return out
}

type testServer struct {
	gw       *Gateway
	registry *rooms.Registry
	recorder *captureRecorder
	url      string
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	reg := rooms.NewRegistry(rooms.DefaultMaxPlayers)
	rec := &captureRecorder{}
	opts.Registry = reg
	opts.Recorder = rec
	if opts.UpdateRate == 0 {
		opts.UpdateRate = 1000
	}
	gw := New(opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Shutdown()
		srv.Close()
	})
	return &testServer{
		gw:       gw,
		registry: reg,
		recorder: rec,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
	seq  atomic.Int64
}

func (s *testServer) dial(t *testing.T, query string) (*testConn, *http.Response, error) {
	t.Helper()
	u := s.url
	if query != "" {
		u += "?" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}, resp, nil
}

// connect dials and consumes the welcome event.
func (s *testServer) connect(t *testing.T, playerID string) *testConn {
	t.Helper()
	c, _, err := s.dial(t, "playerId="+playerID+"&playerName="+playerID)
	require.NoError(t, err)
	welcome := expect[protocol.Welcome](c, protocol.TypeWelcome)
	c.id = welcome.PlayerID
	return c
}

func (c *testConn) emit(ev protocol.Event) {
	c.t.Helper()
	frame, err := protocol.Encode(ev)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// request sends ev with a fresh id and waits for the matching ack.
func (c *testConn) request(ev protocol.Event) protocol.Ack {
	c.t.Helper()
	id := "req-" + strconv.FormatInt(c.seq.Add(1), 10)
	frame, err := protocol.EncodeWithID(id, ev)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))

	for {
		env, got := c.next()
		if env.Type == protocol.TypeAck && env.ID == id {
			return *got.(*protocol.Ack)
		}
	}
}

func (c *testConn) next() (protocol.Envelope, protocol.Event) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	env, ev, err := protocol.Decode(msg)
	require.NoError(c.t, err)
	return env, ev
}

// expect skips frames until one of type typ arrives.
func expect[T any](c *testConn, typ protocol.Type) T {
	c.t.Helper()
	for {
		env, ev := c.next()
		if env.Type == typ {
			p, ok := any(ev).(*T)
			require.True(c.t, ok, "payload %T", ev)
			return *p
		}
	}
}

func intPtr(v int) *int { return &v }

func TestHandshakeAssignsIdentity(t *testing.T) {
	s := newTestServer(t, Options{})

	c, _, err := s.dial(t, "")
	require.NoError(t, err)
	welcome := expect[protocol.Welcome](c, protocol.TypeWelcome)

	assert.NotEmpty(t, welcome.PlayerID)
	assert.True(t, strings.HasPrefix(welcome.PlayerName, "Player-"))
	assert.Equal(t, generatedName(welcome.PlayerID), welcome.PlayerName)
}

func TestHandshakeKeepsRequestedIdentity(t *testing.T) {
	s := newTestServer(t, Options{})

	c, _, err := s.dial(t, "playerId=p1&playerName=%20Alice%20&address=0xabc")
	require.NoError(t, err)
	welcome := expect[protocol.Welcome](c, protocol.TypeWelcome)

	assert.Equal(t, "p1", welcome.PlayerID)
	assert.Equal(t, "Alice", welcome.PlayerName)
}

func TestHandshakeReplacesBlockedName(t *testing.T) {
	s := newTestServer(t, Options{BlockedNames: []string{"darn"}})

	c, _, err := s.dial(t, "playerId=p1&playerName=xDarnx")
	require.NoError(t, err)
	welcome := expect[protocol.Welcome](c, protocol.TypeWelcome)

	assert.Equal(t, "Player-p1", welcome.PlayerName)
}

func TestHandshakeToken(t *testing.T) {
	const key = "test-key"
	s := newTestServer(t, Options{JWTKey: key})

	_, resp, err := s.dial(t, "playerId=p1")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = s.dial(t, "token=garbage")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.NewVerifier(key).Issue("from-token", time.Now(), time.Hour)
	require.NoError(t, err)
	c, _, err := s.dial(t, "playerId=ignored&token="+token)
	require.NoError(t, err)
	welcome := expect[protocol.Welcome](c, protocol.TypeWelcome)
	assert.Equal(t, "from-token", welcome.PlayerID)
}

func TestDuplicateConnectionRejected(t *testing.T) {
	s := newTestServer(t, Options{})
	s.connect(t, "p1")

	_, resp, err := s.dial(t, "playerId=p1")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMatchmakingJoinCarriesLatestState(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	ack := a.request(protocol.JoinRoom{})
	require.True(t, ack.Success)
	require.NotNil(t, ack.Room)
	roomID := ack.Room.ID
	require.Len(t, ack.Room.Players, 1)
	assert.True(t, ack.Room.Players[0].IsHost)

	pos := protocol.Position{X: 10, Y: 42, VelocityY: -3}
	a.emit(protocol.UpdatePlayer{RoomID: roomID, Position: pos, Score: intPtr(70)})
	require.Eventually(t, func() bool {
		room, _ := s.registry.Room(roomID)
		return room.Players[0].Score == 70
	}, time.Second, 10*time.Millisecond)

	ack = b.request(protocol.JoinRoom{})
	require.True(t, ack.Success)
	require.Equal(t, roomID, ack.Room.ID, "matchmaking reuses the waiting room")
	require.Len(t, ack.Room.Players, 2)

	first, second := ack.Room.Players[0], ack.Room.Players[1]
	assert.Equal(t, "a", first.PlayerID)
	assert.Equal(t, pos, first.Position)
	assert.Equal(t, 70, first.Score)
	assert.Equal(t, "b", second.PlayerID)
	assert.Equal(t, 1, second.ColorIndex)
	assert.False(t, second.IsHost)

	joined := expect[protocol.PlayerJoined](a, protocol.TypePlayerJoined)
	assert.Equal(t, "b", joined.PlayerID)
	assert.Equal(t, roomID, joined.RoomID)

	assert.Contains(t, s.recorder.kinds(), eventlog.KindPlayerJoined)
}

func TestRequestFailuresAreAcked(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	ack := a.request(protocol.CreateRoom{RoomName: "big", MaxPlayers: 9})
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "invalid-room-config", ack.Error.Code)

	ack = a.request(protocol.CreateRoom{RoomName: "duo", MaxPlayers: 2})
	require.True(t, ack.Success)
	roomID := ack.Room.ID
	assert.Equal(t, "duo", ack.Room.Name)

	ack = b.request(protocol.StartGame{RoomID: roomID})
	assert.Equal(t, codeNotHost, ack.Error.Code)

	ack = b.request(protocol.LeaveRoom{RoomID: roomID})
	assert.Equal(t, codeNotInRoom, ack.Error.Code)

	ack = a.request(protocol.StartGame{RoomID: roomID})
	assert.Equal(t, "not-enough-players", ack.Error.Code)

	ack = a.request(protocol.JoinRoom{RoomID: roomID})
	assert.Equal(t, "already-in-room", ack.Error.Code)

	ack = a.request(protocol.StartGame{RoomID: "MISSING"})
	assert.Equal(t, "room-not-found", ack.Error.Code)
}

func TestFullPreferredRoomRejectsJoin(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")
	c := s.connect(t, "c")

	ack := a.request(protocol.CreateRoom{MaxPlayers: 2, IsPrivate: true})
	require.True(t, ack.Success)
	roomID := ack.Room.ID

	require.True(t, b.request(protocol.JoinRoom{RoomID: roomID}).Success)

	ack = c.request(protocol.JoinRoom{RoomID: roomID})
	assert.False(t, ack.Success)
	assert.Equal(t, "room-full", ack.Error.Code)

	room, ok := s.registry.Room(roomID)
	require.True(t, ok)
	assert.Len(t, room.Players, 2)
}

func TestGetRoomsListsPublicRooms(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")
	c := s.connect(t, "c")

	require.True(t, a.request(protocol.CreateRoom{RoomName: "open"}).Success)
	require.True(t, b.request(protocol.CreateRoom{RoomName: "secret", IsPrivate: true}).Success)

	ack := c.request(protocol.GetRooms{})
	require.True(t, ack.Success)
	require.Len(t, ack.Rooms, 1)
	assert.Equal(t, "open", ack.Rooms[0].Name)
	assert.Equal(t, 1, ack.Rooms[0].Players)
}

func TestJoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	first := a.request(protocol.CreateRoom{RoomName: "first"})
	require.True(t, first.Success)
	second := b.request(protocol.CreateRoom{RoomName: "second"})
	require.True(t, second.Success)

	ack := a.request(protocol.JoinRoom{RoomID: second.Room.ID})
	require.True(t, ack.Success)
	assert.Len(t, ack.Room.Players, 2)

	_, ok := s.registry.Room(first.Room.ID)
	assert.False(t, ok, "emptied room is deleted")
	roomID, _ := s.registry.RoomOf("a")
	assert.Equal(t, second.Room.ID, roomID)
}

func TestReadyFlowStartsGame(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	roomID := a.request(protocol.JoinRoom{}).Room.ID
	require.True(t, b.request(protocol.JoinRoom{}).Success)

	a.emit(protocol.SetReady{RoomID: roomID, IsReady: true})
	ready := expect[protocol.PlayerReady](b, protocol.TypePlayerReady)
	assert.Equal(t, "a", ready.PlayerID)

	b.emit(protocol.SetReady{RoomID: roomID, IsReady: true})
	started := expect[protocol.GameStarted](a, protocol.TypeGameStarted)
	assert.Equal(t, roomID, started.RoomID)
	assert.NotZero(t, started.StartTime)
	expect[protocol.GameStarted](b, protocol.TypeGameStarted)

	room, _ := s.registry.Room(roomID)
	assert.Equal(t, protocol.StatusPlaying, room.Status)
	assert.Contains(t, s.recorder.kinds(), eventlog.KindGameStarted)
}

func TestObstacleSyncIsHostOnly(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	roomID := a.request(protocol.JoinRoom{}).Room.ID
	require.True(t, b.request(protocol.JoinRoom{}).Success)
	require.True(t, a.request(protocol.StartGame{RoomID: roomID}).Success)

	b.emit(protocol.SyncObstacles{RoomID: roomID, Obstacles: []protocol.Obstacle{{ID: "x"}}})
	e := expect[protocol.Error](b, protocol.TypeError)
	assert.Equal(t, codeNotHost, e.Code)

	obstacles := []protocol.Obstacle{{ID: "o1", X: 300, Y: 0, Width: 40, Height: 120}}
	a.emit(protocol.SyncObstacles{RoomID: roomID, Obstacles: obstacles})
	got := expect[protocol.ObstaclesUpdated](b, protocol.TypeObstaclesUpdated)
	assert.Equal(t, obstacles, got.Obstacles)

	room, _ := s.registry.Room(roomID)
	assert.Equal(t, obstacles, room.Obstacles)
}

func TestGameStateRelay(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	roomID := a.request(protocol.JoinRoom{}).Room.ID
	require.True(t, b.request(protocol.JoinRoom{}).Success)

	dead := false
	b.emit(protocol.UpdatePlayer{RoomID: roomID, Position: protocol.Position{Y: 5}, Score: intPtr(12), IsAlive: &dead})
	update := expect[protocol.GameStateUpdate](a, protocol.TypeGameStateUpdate)
	require.Len(t, update.Players, 1)
	assert.Equal(t, protocol.PlayerDelta{PlayerID: "b", Position: protocol.Position{Y: 5}, Score: 12, IsAlive: false}, update.Players[0])
}

func TestUpdateBudgetDropsExcess(t *testing.T) {
	s := newTestServer(t, Options{UpdateRate: 1})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	roomID := a.request(protocol.JoinRoom{}).Room.ID
	require.True(t, b.request(protocol.JoinRoom{}).Success)

	for i := 1; i <= 5; i++ {
		a.emit(protocol.UpdatePlayer{RoomID: roomID, Score: intPtr(i)})
	}
	// the ping is answered after every update above has been handled
	a.emit(protocol.Ping{Timestamp: 1})
	expect[protocol.Pong](a, protocol.TypePong)

	room, _ := s.registry.Room(roomID)
	assert.Equal(t, 1, room.Players[0].Score, "only the burst allowance gets through")
}

func TestGameOverAndSettlement(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	roomID := a.request(protocol.JoinRoom{}).Room.ID
	require.True(t, b.request(protocol.JoinRoom{}).Success)

	ack := a.request(protocol.SubmitResult{RoomID: roomID, Score: 1})
	assert.Equal(t, "no-session", ack.Error.Code)

	require.True(t, a.request(protocol.StartGame{RoomID: roomID}).Success)

	ack = a.request(protocol.SubmitResult{RoomID: roomID, Score: 1})
	assert.Equal(t, "game-in-progress", ack.Error.Code)

	a.emit(protocol.GameOver{RoomID: roomID, WinnerID: "a", Rankings: []protocol.Ranking{{PlayerID: "a", Score: 200}, {PlayerID: "b", Score: 10}}})
	over := expect[protocol.GameOver](b, protocol.TypeGameOver)
	assert.Equal(t, "a", over.WinnerID)
	assert.Equal(t, "a", over.DeclaredBy)
	own := expect[protocol.GameOver](a, protocol.TypeGameOver)
	assert.Equal(t, "a", own.DeclaredBy, "the declaring client gets the relay too")

	// a conflicting declaration is relayed as well
	b.emit(protocol.GameOver{RoomID: roomID, WinnerID: "b"})
	over = expect[protocol.GameOver](a, protocol.TypeGameOver)
	assert.Equal(t, "b", over.WinnerID)
	assert.Equal(t, "b", over.DeclaredBy)

	room, _ := s.registry.Room(roomID)
	assert.Equal(t, protocol.StatusFinished, room.Status)

	ack = a.request(protocol.SubmitResult{RoomID: roomID, Score: 200, DurationMs: 20000, ObstaclesCleared: 20})
	assert.True(t, ack.Success)
	require.NotNil(t, ack.Result)
	assert.True(t, ack.Result.Valid)

	ack = a.request(protocol.SubmitResult{RoomID: roomID, Score: 200, DurationMs: 20000, ObstaclesCleared: 20})
	assert.Equal(t, "already-settled", ack.Error.Code)

	ack = b.request(protocol.SubmitResult{RoomID: roomID, Score: 1000, DurationMs: 2000, ObstaclesCleared: 50})
	assert.False(t, ack.Success)
	assert.Equal(t, codeValidationFailed, ack.Error.Code)
	require.NotNil(t, ack.Result)
	assert.False(t, ack.Result.Valid)
	assert.NotEmpty(t, ack.Result.Reason)

	kinds := s.recorder.kinds()
	assert.Contains(t, kinds, eventlog.KindGameOver)
	assert.Contains(t, kinds, eventlog.KindResultAccepted)
	assert.Contains(t, kinds, eventlog.KindResultRejected)
}

func TestGameOverOnlyForStartedGames(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")

	roomID := a.request(protocol.JoinRoom{}).Room.ID
	require.True(t, b.request(protocol.JoinRoom{}).Success)

	a.emit(protocol.GameOver{RoomID: roomID, WinnerID: "early"})
	failed := expect[protocol.Error](a, protocol.TypeError)
	assert.Equal(t, "game-not-started", failed.Code)
	room, _ := s.registry.Room(roomID)
	assert.Equal(t, protocol.StatusWaiting, room.Status)

	require.True(t, a.request(protocol.StartGame{RoomID: roomID}).Success)
	a.emit(protocol.GameOver{RoomID: roomID, WinnerID: "a"})
	over := expect[protocol.GameOver](b, protocol.TypeGameOver)
	assert.Equal(t, "a", over.WinnerID, "the declaration made before the start never reached b")

	a.emit(protocol.GameOver{RoomID: roomID, WinnerID: "again"})
	failed = expect[protocol.Error](a, protocol.TypeError)
	assert.Equal(t, "already-declared", failed.Code)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")
	b := s.connect(t, "b")
	c := s.connect(t, "c")

	roomID := a.request(protocol.JoinRoom{}).Room.ID
	require.True(t, b.request(protocol.JoinRoom{}).Success)
	require.True(t, c.request(protocol.JoinRoom{}).Success)

	require.NoError(t, a.conn.Close())

	left := expect[protocol.PlayerLeft](b, protocol.TypePlayerLeft)
	assert.Equal(t, "a", left.PlayerID)
	assert.Equal(t, "b", left.NewHostID, "next in join order becomes host")

	_, seated := s.registry.RoomOf("a")
	assert.False(t, seated)

	require.True(t, b.request(protocol.LeaveRoom{RoomID: roomID}).Success)
	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return s.registry.NumRooms() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.gw.Connected() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.recorder.kinds(), eventlog.KindRoomClosed)
}

func TestBadFramesAnsweredWithErrors(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.connect(t, "a")

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	e := expect[protocol.Error](a, protocol.TypeError)
	assert.Equal(t, codeBadRequest, e.Code)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	e = expect[protocol.Error](a, protocol.TypeError)
	assert.Equal(t, codeUnknownEvent, e.Code)

	a.emit(protocol.RoomClosed{RoomID: "x"})
	e = expect[protocol.Error](a, protocol.TypeError)
	assert.Equal(t, codeUnknownEvent, e.Code)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"joinRoom","id":"j1","data":{"roomId":7}}`)))
	env, ev := a.next()
	for env.Type != protocol.TypeAck {
		env, ev = a.next()
	}
	assert.Equal(t, "j1", env.ID)
	assert.Equal(t, codeBadRequest, ev.(*protocol.Ack).Error.Code)

	// the connection survives all of the above
	a.emit(protocol.Ping{Timestamp: 99})
	pong := expect[protocol.Pong](a, protocol.TypePong)
	assert.Equal(t, int64(99), pong.Timestamp)
}

func TestDisplayName(t *testing.T) {
	g := New(Options{Registry: rooms.NewRegistry(4), BlockedNames: []string{"badword"}})

	assert.Equal(t, "Player-abcdef", g.displayName("", "abcdef12-3456"))
	assert.Equal(t, "Player-abcdef", g.displayName("  ", "abcdef12"))
	assert.Equal(t, "Player-p1", g.displayName("the BadWord guy", "p1"))
	assert.Equal(t, "Bob", g.displayName("Bob", "p1"))
	assert.Equal(t, strings.Repeat("x", maxNameLength), g.displayName(strings.Repeat("x", 40), "p1"))
}
