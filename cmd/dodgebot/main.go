// dodgebot is a headless player: it matchmakes, readies up, flies a simple autopilot until
// everyone is out and then submits its result.
package main

import (
	"context"
	"flag"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go_dodge_server/client"
	"go_dodge_server/logger"
	"go_dodge_server/protocol"
	"go_dodge_server/session"
)

const (
	frame   = time.Second / 60
	gravity = 0.5
	flap    = -8.0
	radius  = 12.0
)

func main() {
	server := flag.String("url", "ws://localhost:5000/ws", "game server websocket url")
	name := flag.String("name", "", "display name")
	roomID := flag.String("room", "", "room to join; empty for matchmaking")
	token := flag.String("token", "", "handshake token, when the server requires one")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger.Setup(*debug)

	playerID := uuid.NewString()
	q := url.Values{}
	q.Set("playerId", playerID)
	if *name != "" {
		q.Set("playerName", *name)
	}
	if *token != "" {
		q.Set("token", *token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	welcome := make(chan protocol.Welcome, 1)
	over := make(chan protocol.GameOver, 4)

	var coord *session.Coordinator
	m := client.New(client.DefaultConfig(*server+"?"+q.Encode()), client.Handlers{
		OnMessage: func(env protocol.Envelope, ev protocol.Event) {
			if w, ok := ev.(*protocol.Welcome); ok {
				// a reconnect is welcomed again; only the first one is awaited
				select {
				case welcome <- *w:
				default:
				}
				return
			}
			coord.HandleEvent(env, ev)
		},
		OnStateChange: func(s client.State) { log.Debug().Str("state", string(s)).Msg("connection") },
		OnReconnect:   func(attempt int) { log.Info().Int("attempt", attempt).Msg("reconnected") },
		OnError:       func(err error) { log.Warn().Err(err).Msg("connection error") },
	})
	coord = session.New(playerID, m, session.DefaultConfig(), session.WithGameOver(func(g protocol.GameOver) {
		select {
		case over <- g:
		default:
		}
	}))
	defer m.Close()

	if err := m.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("could not connect")
	}

	select {
	case w := <-welcome:
		if w.PlayerID != playerID {
			log.Fatal().Str("assigned", w.PlayerID).Msg("server assigned a different player id")
		}
		log.Info().Str("player_id", w.PlayerID).Str("name", w.PlayerName).Msg("welcome")
	case <-ctx.Done():
		return
	}

	ack, err := m.Request(ctx, protocol.JoinRoom{RoomID: *roomID, PlayerName: *name})
	if err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	coord.Join(*ack.Room)
	log.Info().Str("room_id", ack.Room.ID).Int("players", len(ack.Room.Players)).Msg("joined room")

	if err := m.Send(protocol.SetReady{RoomID: ack.Room.ID, IsReady: true}); err != nil {
		log.Fatal().Err(err).Msg("ready failed")
	}

	var decl protocol.GameOver
	if !fly(ctx, coord, over, &decl) {
		return
	}
	log.Info().Str("winner", decl.WinnerID).Str("declared_by", decl.DeclaredBy).Msg("game over")

	result := coord.Result(time.Now())
	res, err := m.Request(ctx, result)
	switch {
	case err != nil && res.Result != nil:
		log.Warn().Str("reason", res.Result.Reason).Msg("result rejected")
	case err != nil:
		log.Error().Err(err).Msg("submit failed")
	default:
		log.Info().Int("score", result.Score).Int("cleared", result.ObstaclesCleared).Msg("result accepted")
	}

	if _, err := m.Request(ctx, protocol.LeaveRoom{RoomID: ack.Room.ID}); err != nil {
		log.Warn().Err(err).Msg("leave failed")
	}
}

// fly runs the autopilot until a game over is seen. It reports false when interrupted.
func fly(ctx context.Context, coord *session.Coordinator, over <-chan protocol.GameOver, decl *protocol.GameOver) bool {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	height := session.DefaultConfig().Height
	pos := protocol.Position{Y: height / 2}
	alive := true
	wasPlaying := false

	for {
		select {
		case <-ctx.Done():
			return false
		case *decl = <-over:
			return true
		case now := <-ticker.C:
			if !coord.Playing() {
				continue
			}
			if !wasPlaying {
				wasPlaying = true
				pos, alive = protocol.Position{Y: height / 2}, true
			}
			if alive {
				pos.VelocityY += gravity
				if pos.Y > height*0.6 || (pos.Y > height*0.4 && pos.VelocityY > 4) {
					pos.VelocityY = flap
				}
				pos.Y += pos.VelocityY
				if pos.Y < 0 || pos.Y > height || coord.Hits(pos, radius) {
					alive = false
					log.Info().Int("cleared", coord.Cleared()).Msg("crashed")
				}
			}
			coord.Tick(now, pos, alive)
		}
	}
}
