package gateway

import (
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go_dodge_server/protocol"
)

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
)

// Client is one authenticated websocket connection. Reads happen on the goroutine running
// readLoop; every write goes through the send channel and the writePump goroutine.
type Client struct {
	gw      *Gateway
	conn    *websocket.Conn
	id      Identity
	limiter *rate.Limiter
	log     zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(gw *Gateway, conn *websocket.Conn, id Identity, limiter *rate.Limiter) *Client {
	return &Client{
		gw:      gw,
		conn:    conn,
		id:      id,
		limiter: limiter,
		log:     log.With().Str("component", "gateway").Str("player_id", id.PlayerID).Logger(),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Client) readLoop() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("connection dropped")
			}
			return
		}
		c.handle(msg)
	}
}

// handle decodes and dispatches one frame. A panic in a handler is contained to this frame.
func (c *Client) handle(msg []byte) {
	var env protocol.Envelope
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Str("type", string(env.Type)).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			c.fail(env, codeInternal, "Internal server error")
		}
	}()

	env, ev, err := protocol.Decode(msg)
	if err != nil {
		c.log.Debug().Err(err).Str("type", string(env.Type)).Msg("undecodable frame")
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			c.fail(env, codeUnknownEvent, "Unknown event "+string(env.Type))
		case env.Type == "":
			c.fail(env, codeBadRequest, "Malformed message")
		default:
			c.fail(env, codeBadRequest, "Malformed "+string(env.Type)+" payload")
		}
		return
	}
	c.dispatch(env, ev)
}

// Send queues ev for delivery to this connection.
func (c *Client) Send(ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(ev.EventType())).Msg("failed to encode event")
		return
	}
	c.sendFrame(frame)
}

func (c *Client) reply(id string, ack protocol.Ack) {
	frame, err := protocol.EncodeWithID(id, ack)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode ack")
		return
	}
	c.sendFrame(frame)
}

// sendFrame never blocks. A connection whose buffer is full is too slow to keep up with its
// room and is closed.
func (c *Client) sendFrame(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.log.Warn().Err(errClientUnavailable).Msg("send buffer full, closing connection")
		go c.closeWith(websocket.CloseTryAgainLater, "send-buffer-full")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// closeWith sends a close frame and drops the connection. readLoop then fails its next read
// and runs the disconnect cleanup.
func (c *Client) closeWith(code int, reason string) {
	c.shutdown()
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.conn.Close()
}

// disconnect runs once the read loop has ended for any reason. It performs the same cleanup
// as an explicit leaveRoom.
func (c *Client) disconnect() {
	if roomID, ok := c.gw.registry.RoomOf(c.id.PlayerID); ok {
		if err := c.gw.leave(c, roomID); err != nil {
			c.log.Debug().Err(err).Str("room_id", roomID).Msg("cleanup leave failed")
		}
	}
	c.gw.unregister(c)
	c.shutdown()
	c.log.Info().Msg("player disconnected")
}
