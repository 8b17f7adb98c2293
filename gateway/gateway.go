// Package gateway is the websocket front of the room registry: it authenticates connections,
// turns inbound events into registry calls and fans the results out to room members.
package gateway

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go_dodge_server/auth"
	"go_dodge_server/eventlog"
	"go_dodge_server/protocol"
	"go_dodge_server/rooms"
	"go_dodge_server/trie"
)

const maxNameLength = 24

var (
	ErrMissingToken      = errors.New("missing-token")
	ErrAlreadyConnected  = errors.New("player-already-connected")
	errClientUnavailable = errors.New("client-unavailable")
)

type Options struct {
	Registry     *rooms.Registry
	Recorder     eventlog.Recorder
	BlockedNames []string
	// JWTKey, when set, makes the handshake token mandatory.
	JWTKey string
	// UpdateRate bounds updatePlayer and syncObstacles per connection per second.
	UpdateRate  float64
	CheckOrigin func(r *http.Request) bool
}

// Identity is fixed at handshake time and never changes for the life of a connection.
type Identity struct {
	PlayerID   string
	PlayerName string
	Address    string
}

type Gateway struct {
	registry *rooms.Registry
	recorder eventlog.Recorder
	names    *trie.Trie
	verifier *auth.Verifier
	upgrader websocket.Upgrader

	updateLimit rate.Limit
	updateBurst int

	// lifecycle serialises membership changes with the broadcasts that describe them,
	// so members never see room snapshots out of order.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	clients map[string]*Client            // playerID -> connection
	groups  map[string]map[string]*Client // roomID -> playerID -> connection

	now func() time.Time
}

func New(opts Options) *Gateway {
	if opts.Recorder == nil {
		opts.Recorder = eventlog.Nop{}
	}
	if opts.UpdateRate <= 0 {
		opts.UpdateRate = 30
	}
	g := &Gateway{
		registry: opts.Registry,
		recorder: opts.Recorder,
		names:    trie.FromWords(opts.BlockedNames),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		updateLimit: rate.Limit(opts.UpdateRate),
		updateBurst: int(opts.UpdateRate/2) + 1,
		clients:     make(map[string]*Client),
		groups:      make(map[string]map[string]*Client),
		now:         time.Now,
	}
	if opts.JWTKey != "" {
		g.verifier = auth.NewVerifier(opts.JWTKey)
	}
	return g
}

// ServeHTTP authenticates the request, upgrades it and runs the connection until it drops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := g.authenticate(r)
	if err != nil {
		log.Debug().Err(err).Str("ip", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if g.isConnected(id.PlayerID) {
		http.Error(w, ErrAlreadyConnected.Error(), http.StatusConflict)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("ip", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(g, conn, id, rate.NewLimiter(g.updateLimit, g.updateBurst))
	if !g.register(c) {
		c.closeWith(websocket.ClosePolicyViolation, ErrAlreadyConnected.Error())
		return
	}

	c.log.Info().Str("ip", r.RemoteAddr).Msg("player connected")
	go c.writePump()
	c.Send(protocol.Welcome{PlayerID: id.PlayerID, PlayerName: id.PlayerName})
	c.readLoop()
}

// authenticate reads the handshake fields. playerId is taken from a verified token when a
// JWT key is configured, otherwise from the query, otherwise generated.
func (g *Gateway) authenticate(r *http.Request) (Identity, error) {
	q := r.URL.Query()

	playerID := strings.TrimSpace(q.Get("playerId"))
	if g.verifier != nil {
		token := q.Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			return Identity{}, ErrMissingToken
		}
		id, err := g.verifier.Verify(token)
		if err != nil {
			return Identity{}, err
		}
		playerID = id
	}
	if playerID == "" {
		playerID = uuid.NewString()
	}

	return Identity{
		PlayerID:   playerID,
		PlayerName: g.displayName(q.Get("playerName"), playerID),
		Address:    strings.TrimSpace(q.Get("address")),
	}, nil
}

// displayName trims and caps the requested name, falling back to Player-<shortId> when it is
// empty or contains a blocked word.
func (g *Gateway) displayName(requested, playerID string) string {
	name := strings.TrimSpace(requested)
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}
	if name == "" || g.names.MatchAnywhere(name) {
		return generatedName(playerID)
	}
	return name
}

func generatedName(playerID string) string {
	short := strings.ReplaceAll(playerID, "-", "")
	if len(short) > 6 {
		short = short[:6]
	}
	return "Player-" + short
}

func (g *Gateway) isConnected(playerID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.clients[playerID]
	return ok
}

func (g *Gateway) register(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.clients[c.id.PlayerID]; taken {
		return false
	}
	g.clients[c.id.PlayerID] = c
	return true
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clients[c.id.PlayerID] == c {
		delete(g.clients, c.id.PlayerID)
	}
}

// Connected is the number of live connections.
func (g *Gateway) Connected() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Shutdown closes every connection. Each one runs its normal disconnect cleanup.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	all := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		all = append(all, c)
	}
	g.mu.RUnlock()

	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "server-shutdown")
	}
}
