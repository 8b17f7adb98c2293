// Package client keeps a player's connection to the game server alive: it queues outbound
// events while offline, heartbeats while online and reconnects after unexpected drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go_dodge_server/protocol"
)

var (
	ErrConnectTimeout     = errors.New("connect timeout")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed             = errors.New("client closed")
	ErrConnectionLost     = errors.New("connection lost")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

type Config struct {
	URL    string
	Header http.Header

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration

	AutoReconnect        bool
	MaxReconnectAttempts int
	// ReconnectDelay is the same for every attempt.
	ReconnectDelay time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
	}
}

// Handlers are called from the manager's goroutines, never while it holds its lock, so they
// may call back into the manager.
type Handlers struct {
	OnMessage     func(env protocol.Envelope, ev protocol.Event)
	OnStateChange func(State)
	OnReconnect   func(attempt int)
	OnError       func(error)
}

// Transport is the part of *websocket.Conn the manager uses.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Transport, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

func (d websocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

type Manager struct {
	cfg    Config
	dialer Dialer
	h      Handlers
	log    zerolog.Logger

	// cancelled by Close; every timer and goroutine watches it
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	writeMu    sync.Mutex // held across a write; always taken while holding mu
	state      State
	conn       Transport
	stopConn   context.CancelFunc
	queue      [][]byte
	attempts   int
	closed     bool
	retry      *time.Timer
	pending    map[string]chan protocol.Ack
	lastPingTs int64
	lastPingAt time.Time
	latency    time.Duration
	notes      []func()

	seq atomic.Uint64
}

func New(cfg Config, h Handlers, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg: cfg,
		dialer: websocketDialer{dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		}},
		h:       h,
		log:     log.With().Str("component", "client").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		pending: make(map[string]chan protocol.Ack),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// unlock releases mu and then runs the handler calls queued while it was held.
func (m *Manager) unlock() {
	notes := m.takeNotes()
	m.mu.Unlock()
	fire(notes)
}

func (m *Manager) takeNotes() []func() {
	notes := m.notes
	m.notes = nil
	return notes
}

func fire(notes []func()) {
	for _, f := range notes {
		f()
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("state change")
	m.state = s
	if m.h.OnStateChange != nil {
		m.notes = append(m.notes, func() { m.h.OnStateChange(s) })
	}
}

func (m *Manager) errorLocked(err error) {
	if m.h.OnError != nil {
		m.notes = append(m.notes, func() { m.h.OnError(err) })
	}
}

// Connect opens the transport, giving up after ConnectTimeout. On success every queued event
// is flushed in the order it was sent and the reconnect budget starts over.
func (m *Manager) Connect(ctx context.Context) error {
	_, err := m.connect(ctx)
	return err
}

// connect reports whether this call did the dialing. It returns false with a nil error when
// the manager is already connected or another dial is in flight.
func (m *Manager) connect(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.unlock()
		return false, ErrClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.unlock()
		return false, nil
	}
	m.setStateLocked(StateConnecting)
	m.unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.dialer.DialContext(dialCtx, m.cfg.URL, m.cfg.Header)
	if err == nil && dialCtx.Err() != nil {
		// opened just as the deadline passed
		conn.Close()
		err = dialCtx.Err()
	}
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, m.cfg.ConnectTimeout)
		}
		m.mu.Lock()
		if !m.closed {
			m.setStateLocked(StateDisconnected)
		}
		m.unlock()
		return true, fmt.Errorf("connect %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	if m.closed {
		m.unlock()
		conn.Close()
		return true, ErrClosed
	}
	connCtx, stop := context.WithCancel(m.ctx)
	m.conn = conn
	m.stopConn = stop
	m.attempts = 0
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.setStateLocked(StateConnected)
	queued := m.queue
	m.queue = nil

	m.writeMu.Lock()
	notes := m.takeNotes()
	m.mu.Unlock()
	unsent := m.flush(conn, queued)
	m.writeMu.Unlock()
	fire(notes)

	if len(unsent) > 0 {
		m.mu.Lock()
		m.queue = append(unsent, m.queue...)
		m.unlock()
	}

	go m.readLoop(conn)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeat(connCtx)
	}
	m.log.Info().Str("url", m.cfg.URL).Int("flushed", len(queued)-len(unsent)).Msg("connected")
	return true, nil
}

// flush runs with writeMu held and returns whatever it could not write.
func (m *Manager) flush(conn Transport, frames [][]byte) [][]byte {
	for i, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			m.log.Warn().Err(err).Int("unsent", len(frames)-i).Msg("flush interrupted")
			return append([][]byte(nil), frames[i:]...)
		}
	}
	return nil
}

// Send transmits ev, or queues it while the connection is not up.
func (m *Manager) Send(ev protocol.Event) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return m.sendFrame(frame)
}

func (m *Manager) sendFrame(frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.unlock()
		return ErrClosed
	}
	if m.state != StateConnected || m.conn == nil {
		m.queue = append(m.queue, frame)
		m.unlock()
		return nil
	}
	conn := m.conn
	m.writeMu.Lock()
	m.mu.Unlock()
	defer m.writeMu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Request sends ev with a fresh correlation id and waits for its ack. A failed ack is returned
// together with its error payload as the error.
func (m *Manager) Request(ctx context.Context, ev protocol.Event) (protocol.Ack, error) {
	id := strconv.FormatUint(m.seq.Add(1), 10)
	frame, err := protocol.EncodeWithID(id, ev)
	if err != nil {
		return protocol.Ack{}, err
	}

	ch := make(chan protocol.Ack, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.unlock()
	}()

	if err := m.sendFrame(frame); err != nil {
		return protocol.Ack{}, err
	}

	select {
	case ack := <-ch:
		if !ack.Success && ack.Error != nil {
			return ack, ack.Error
		}
		return ack, nil
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	case <-m.ctx.Done():
		return protocol.Ack{}, ErrClosed
	}
}

func (m *Manager) readLoop(conn Transport) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.dropped(conn, err)
			return
		}
		env, ev, err := protocol.Decode(msg)
		if err != nil {
			m.log.Debug().Err(err).Msg("undecodable frame from server")
			continue
		}

		switch e := ev.(type) {
		case *protocol.Pong:
			m.pong(e.Timestamp)
		case *protocol.Ack:
			m.resolve(env.ID, *e)
		}
		if m.h.OnMessage != nil {
			m.h.OnMessage(env, ev)
		}
	}
}

func (m *Manager) resolve(id string, ack protocol.Ack) {
	if id == "" {
		return
	}
	m.mu.Lock()
	ch, ok := m.pending[id]
	m.unlock()
	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			m.lastPingTs = now.UnixMilli()
			m.lastPingAt = now
			m.unlock()
			if err := m.Send(protocol.Ping{Timestamp: now.UnixMilli()}); err != nil {
				m.log.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (m *Manager) pong(ts int64) {
	m.mu.Lock()
	defer m.unlock()
	if ts == m.lastPingTs && !m.lastPingAt.IsZero() {
		m.latency = time.Since(m.lastPingAt)
	}
}

// dropped handles the end of a read loop. Drops of a superseded or deliberately closed
// transport are ignored.
func (m *Manager) dropped(conn Transport, cause error) {
	m.mu.Lock()
	defer m.unlock()
	if m.conn != conn {
		return
	}
	conn.Close()
	m.conn = nil
	m.stopConn()
	m.setStateLocked(StateDisconnected)
	if m.closed {
		return
	}

	m.log.Warn().Err(cause).Msg("connection lost")
	m.errorLocked(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if !m.cfg.AutoReconnect || m.closed {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.log.Error().Int("attempts", m.attempts).Msg("giving up on reconnect")
		m.setStateLocked(StateDisconnected)
		m.errorLocked(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.attempts))
		return
	}

	m.attempts++
	attempt := m.attempts
	m.setStateLocked(StateReconnecting)
	m.retry = time.AfterFunc(m.cfg.ReconnectDelay, func() { m.reconnect(attempt) })
}

func (m *Manager) reconnect(attempt int) {
	if m.ctx.Err() != nil {
		return
	}
	m.log.Info().Int("attempt", attempt).Msg("reconnecting")
	dialed, err := m.connect(m.ctx)
	if !dialed {
		// a manual Connect is dialing or already succeeded; its outcome stands
		return
	}
	if err != nil {
		m.mu.Lock()
		m.errorLocked(err)
		m.scheduleReconnectLocked()
		m.unlock()
		return
	}

	m.mu.Lock()
	if m.h.OnReconnect != nil {
		m.notes = append(m.notes, func() { m.h.OnReconnect(attempt) })
	}
	m.unlock()
}

// Close tears the connection down and cancels pending reconnect and heartbeat timers.
// Queued events are dropped.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	if m.retry != nil {
		m.retry.Stop()
	}
	conn := m.conn
	m.conn = nil
	if m.stopConn != nil {
		m.stopConn()
	}
	m.queue = nil
	m.setStateLocked(StateDisconnected)
	m.unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Latency is the round trip of the last answered heartbeat.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
