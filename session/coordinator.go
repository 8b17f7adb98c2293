// Package session runs a player's side of a match: obstacle generation while hosting,
// throttled position and score updates, and game-over detection from the room's broadcasts.
package session

import (
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go_dodge_server/protocol"
	"go_dodge_server/validator"
)

// Sender is satisfied by *client.Manager.
type Sender interface {
	Send(ev protocol.Event) error
}

type Config struct {
	Width  float64
	Height float64
	// PlayerX is the fixed column players fly in; an obstacle is cleared once it is behind it.
	PlayerX float64

	BaseSpeed       float64 // px per tick
	SpeedStep       float64 // added per difficulty level
	BaseSpawnGap    float64 // px travelled between spawns
	MinSpawnGap     float64
	SpawnGapStep    float64 // removed per difficulty level
	DifficultyEvery time.Duration

	ObstacleWidth     float64
	MinObstacleHeight float64
	MaxObstacleHeight float64

	PositionInterval time.Duration
	ObstacleInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Width:             800,
		Height:            600,
		PlayerX:           120,
		BaseSpeed:         4,
		SpeedStep:         0.5,
		BaseSpawnGap:      320,
		MinSpawnGap:       140,
		SpawnGapStep:      30,
		DifficultyEvery:   10 * time.Second,
		ObstacleWidth:     50,
		MinObstacleHeight: 80,
		MaxObstacleHeight: 300,
		PositionInterval:  50 * time.Millisecond,
		ObstacleInterval:  100 * time.Millisecond,
	}
}

type Option func(*Coordinator)

// WithRand fixes the obstacle generator, for reproducible runs.
func WithRand(r *rand.Rand) Option {
	return func(c *Coordinator) { c.rng = r }
}

// WithGameOver registers a callback for every game-over declaration seen in the room,
// including this player's own.
func WithGameOver(fn func(protocol.GameOver)) Option {
	return func(c *Coordinator) { c.onGameOver = fn }
}

type Coordinator struct {
	cfg  Config
	self string
	out  Sender
	rng  *rand.Rand
	log  zerolog.Logger
	now  func() time.Time

	onGameOver func(protocol.GameOver)

	mu        sync.Mutex
	roomID    string
	hostID    string
	playing   bool
	started   time.Time
	ended     time.Time
	players   map[string]*protocol.PlayerState
	order     []string // join order, used to break score ties
	obstacles []protocol.Obstacle
	travelled float64 // since the last spawn
	nextID    int
	passed    map[string]bool
	cleared   int
	declared  bool

	positions *rate.Limiter
	syncs     *rate.Limiter
}

func New(self string, out Sender, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		self:      self,
		out:       out,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       log.With().Str("component", "session").Str("player_id", self).Logger(),
		now:       time.Now,
		players:   make(map[string]*protocol.PlayerState),
		passed:    make(map[string]bool),
		positions: rate.NewLimiter(rate.Every(cfg.PositionInterval), 1),
		syncs:     rate.NewLimiter(rate.Every(cfg.ObstacleInterval), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join adopts a room snapshot, e.g. from a joinRoom ack.
func (c *Coordinator) Join(room protocol.RoomSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = room.ID
	c.adoptLocked(room)
}

// adoptLocked replaces the known roster with the snapshot's.
func (c *Coordinator) adoptLocked(room protocol.RoomSnapshot) {
	c.hostID = room.HostID
	c.players = make(map[string]*protocol.PlayerState, len(room.Players))
	c.order = c.order[:0]
	for _, p := range room.Players {
		p := p
		c.players[p.PlayerID] = &p
		c.order = append(c.order, p.PlayerID)
	}
}

// Start resets local match state. Called on gameStarted.
func (c *Coordinator) Start(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(now)
}

func (c *Coordinator) startLocked(now time.Time) {
	c.playing = true
	c.started = now
	c.ended = time.Time{}
	c.obstacles = []protocol.Obstacle{}
	c.travelled = 0
	c.passed = make(map[string]bool)
	c.cleared = 0
	c.declared = false
	for _, p := range c.players {
		p.IsAlive = true
		p.Score = 0
	}
	c.log.Debug().Str("room_id", c.roomID).Bool("host", c.hostID == c.self).Msg("match started")
}

// HandleEvent folds a server event into local state. It is shaped to be used as the
// client's OnMessage handler.
func (c *Coordinator) HandleEvent(_ protocol.Envelope, ev protocol.Event) {
	var outbox []protocol.Event
	var over *protocol.GameOver

	c.mu.Lock()
	switch e := ev.(type) {
	case *protocol.RoomUpdated:
		if e.Room.ID == c.roomID {
			c.adoptLocked(e.Room)
			outbox = c.checkGameOverLocked()
		}
	case *protocol.PlayerJoined:
		if e.RoomID == c.roomID {
			if _, known := c.players[e.PlayerID]; !known {
				p := e.Player
				c.players[e.PlayerID] = &p
				c.order = append(c.order, e.PlayerID)
			}
		}
	case *protocol.PlayerLeft:
		if e.RoomID == c.roomID {
			c.removeLocked(e.PlayerID)
			if e.NewHostID != "" {
				c.hostID = e.NewHostID
			}
			outbox = c.checkGameOverLocked()
		}
	case *protocol.GameStarted:
		if e.RoomID == c.roomID {
			// local clock: elapsed time feeds the local score
			c.startLocked(c.now())
		}
	case *protocol.GameStateUpdate:
		if e.RoomID == c.roomID {
			for _, d := range e.Players {
				if p, ok := c.players[d.PlayerID]; ok && d.PlayerID != c.self {
					p.Position = d.Position
					p.Score = d.Score
					p.IsAlive = d.IsAlive
				}
			}
			outbox = c.checkGameOverLocked()
		}
	case *protocol.ObstaclesUpdated:
		if e.RoomID == c.roomID && c.hostID != c.self {
			c.obstacles = append(make([]protocol.Obstacle, 0, len(e.Obstacles)), e.Obstacles...)
		}
	case *protocol.GameOver:
		if e.RoomID == c.roomID {
			c.declared = true
			c.finishLocked(c.now())
			g := *e
			over = &g
		}
	}
	c.mu.Unlock()

	c.send(outbox)
	if over != nil && c.onGameOver != nil {
		c.onGameOver(*over)
	}
}

func (c *Coordinator) removeLocked(playerID string) {
	delete(c.players, playerID)
	for i, id := range c.order {
		if id == playerID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Tick advances one frame. pos and alive come from the caller's own physics. The host also
// moves obstacles forward and publishes them.
func (c *Coordinator) Tick(now time.Time, pos protocol.Position, alive bool) {
	var outbox []protocol.Event

	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}

	me, ok := c.players[c.self]
	if !ok {
		c.mu.Unlock()
		return
	}
	died := me.IsAlive && !alive
	me.Position = pos
	me.IsAlive = me.IsAlive && alive

	if c.hostID == c.self {
		c.advanceLocked(now)
		if c.syncs.AllowN(now, 1) {
			outbox = append(outbox, protocol.SyncObstacles{RoomID: c.roomID, Obstacles: c.obstaclesLocked()})
		}
	}
	// a dead player's count and score freeze; obstacles keep flowing for the others
	if me.IsAlive {
		c.countClearedLocked()
		me.Score = c.scoreLocked(now)
	}

	// deaths go out immediately so every client sees the same alive count
	if c.positions.AllowN(now, 1) || died {
		score, isAlive := me.Score, me.IsAlive
		outbox = append(outbox, protocol.UpdatePlayer{RoomID: c.roomID, Position: pos, Score: &score, IsAlive: &isAlive})
	}
	outbox = append(outbox, c.checkGameOverLocked()...)
	c.mu.Unlock()

	c.send(outbox)
}

func (c *Coordinator) difficultyLocked(now time.Time) int {
	if c.cfg.DifficultyEvery <= 0 {
		return 0
	}
	return int(now.Sub(c.started) / c.cfg.DifficultyEvery)
}

func (c *Coordinator) speed(level int) float64 {
	return c.cfg.BaseSpeed + c.cfg.SpeedStep*float64(level)
}

func (c *Coordinator) spawnGap(level int) float64 {
	gap := c.cfg.BaseSpawnGap - c.cfg.SpawnGapStep*float64(level)
	if gap < c.cfg.MinSpawnGap {
		return c.cfg.MinSpawnGap
	}
	return gap
}

// advanceLocked shifts every obstacle left, drops the ones that left the arena and spawns a
// new one once enough distance has passed since the previous spawn.
func (c *Coordinator) advanceLocked(now time.Time) {
	level := c.difficultyLocked(now)
	speed := c.speed(level)

	kept := c.obstacles[:0]
	for _, o := range c.obstacles {
		o.X -= speed
		if o.X+o.Width >= 0 {
			kept = append(kept, o)
		}
	}
	c.obstacles = kept

	c.travelled += speed
	if len(c.obstacles) == 0 || c.travelled >= c.spawnGap(level) {
		c.obstacles = append(c.obstacles, c.spawnLocked())
		c.travelled = 0
	}
}

func (c *Coordinator) spawnLocked() protocol.Obstacle {
	c.nextID++
	span := c.cfg.MaxObstacleHeight - c.cfg.MinObstacleHeight
	h := c.cfg.MinObstacleHeight
	if span > 0 {
		h += c.rng.Float64() * span
	}
	y := 0.0
	if c.rng.Intn(2) == 1 {
		y = c.cfg.Height - h
	}
	return protocol.Obstacle{
		ID:     c.self + "-" + strconv.Itoa(c.nextID),
		X:      c.cfg.Width,
		Y:      y,
		Width:  c.cfg.ObstacleWidth,
		Height: h,
	}
}

func (c *Coordinator) countClearedLocked() {
	current := make(map[string]bool, len(c.obstacles))
	for _, o := range c.obstacles {
		current[o.ID] = true
		if !c.passed[o.ID] && o.X+o.Width < c.cfg.PlayerX {
			c.passed[o.ID] = true
			c.cleared++
		}
	}
	// culled obstacles were counted on their way out
	for id := range c.passed {
		if !current[id] {
			delete(c.passed, id)
		}
	}
}

// scoreLocked is the local score: points per obstacle cleared plus one per whole second
// survived. The survival bonus never exceeds the obstacle points, which keeps an honest
// score inside the settlement bound of PointsPerObstacle*ScoreSlack per obstacle.
func (c *Coordinator) scoreLocked(now time.Time) int {
	elapsed := now.Sub(c.started)
	if elapsed < 0 {
		elapsed = 0
	}
	points := c.cleared * validator.PointsPerObstacle
	bonus := int(elapsed / time.Second)
	if limit := points * (validator.ScoreSlack - 1); bonus > limit {
		bonus = limit
	}
	return points + bonus
}

// checkGameOverLocked declares game over the first time this client sees nobody alive.
// Other clients may declare too; the server relays all of them.
func (c *Coordinator) checkGameOverLocked() []protocol.Event {
	if !c.playing || c.declared || len(c.players) == 0 {
		return nil
	}
	for _, p := range c.players {
		if p.IsAlive {
			return nil
		}
	}

	rankings := c.rankingsLocked()
	if len(rankings) == 0 {
		return nil
	}
	c.declared = true
	c.finishLocked(c.now())
	over := protocol.GameOver{RoomID: c.roomID, WinnerID: rankings[0].PlayerID, Rankings: rankings}
	c.log.Info().Str("room_id", c.roomID).Str("winner", over.WinnerID).Msg("declaring game over")
	return []protocol.Event{over}
}

func (c *Coordinator) finishLocked(now time.Time) {
	if c.playing {
		c.playing = false
		c.ended = now
	}
}

func (c *Coordinator) rankingsLocked() []protocol.Ranking {
	rankings := make([]protocol.Ranking, 0, len(c.order))
	for _, id := range c.order {
		p, ok := c.players[id]
		if !ok {
			continue
		}
		rankings = append(rankings, protocol.Ranking{PlayerID: id, DisplayName: p.DisplayName, Score: p.Score})
	}
	sort.SliceStable(rankings, func(i, j int) bool { return rankings[i].Score > rankings[j].Score })
	return rankings
}

func (c *Coordinator) obstaclesLocked() []protocol.Obstacle {
	return append(make([]protocol.Obstacle, 0, len(c.obstacles)), c.obstacles...)
}

func (c *Coordinator) send(events []protocol.Event) {
	for _, ev := range events {
		if err := c.out.Send(ev); err != nil {
			c.log.Warn().Err(err).Str("type", string(ev.EventType())).Msg("send failed")
		}
	}
}

// Hits reports whether a square of half-size r centred on pos overlaps any obstacle.
func (c *Coordinator) Hits(pos protocol.Position, r float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.obstacles {
		if c.cfg.PlayerX+r > o.X && c.cfg.PlayerX-r < o.X+o.Width &&
			pos.Y+r > o.Y && pos.Y-r < o.Y+o.Height {
			return true
		}
	}
	return false
}

// Result is this player's settlement submission for the last match.
func (c *Coordinator) Result(now time.Time) protocol.SubmitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := c.ended
	if end.IsZero() {
		end = now
	}
	score := 0
	if me, ok := c.players[c.self]; ok {
		score = me.Score
	}
	return protocol.SubmitResult{
		RoomID:           c.roomID,
		Score:            score,
		DurationMs:       end.Sub(c.started).Milliseconds(),
		ObstaclesCleared: c.cleared,
	}
}

func (c *Coordinator) Obstacles() []protocol.Obstacle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obstaclesLocked()
}

func (c *Coordinator) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostID == c.self
}

func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *Coordinator) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Coordinator) Cleared() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}

func (c *Coordinator) Player(id string) (protocol.PlayerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.players[id]
	if !ok {
		return protocol.PlayerState{}, false
	}
	return *p, true
}
