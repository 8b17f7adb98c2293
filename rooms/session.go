package rooms

import "time"

type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionPlaying SessionStatus = "playing"
	SessionPaused  SessionStatus = "paused"
	SessionEnded   SessionStatus = "ended"
)

type ScoreEntry struct {
	PlayerID  string
	Score     int
	Timestamp time.Time
}

// GameSession records one match played in a room. Scores is append-only.
type GameSession struct {
	ID        string
	Players   []string
	HostID    string
	StartTime time.Time
	EndTime   *time.Time
	Status    SessionStatus
	Scores    []ScoreEntry
	Settled   map[string]bool // players whose result went through settlement
	Declared  map[string]bool // players who declared this game over
}

func (s *GameSession) recordScore(playerID string, score int, at time.Time) {
	s.Scores = append(s.Scores, ScoreEntry{PlayerID: playerID, Score: score, Timestamp: at})
}

func (s *GameSession) end(at time.Time) {
	if s.Status == SessionEnded {
		return
	}
	s.Status = SessionEnded
	s.EndTime = &at
}

func (s *GameSession) hasPlayer(playerID string) bool {
	for _, id := range s.Players {
		if id == playerID {
			return true
		}
	}
	return false
}

func (s *GameSession) clone() GameSession {
	c := *s
	c.Players = append([]string(nil), s.Players...)
	c.Scores = append([]ScoreEntry(nil), s.Scores...)
	c.Settled = make(map[string]bool, len(s.Settled))
	for id, v := range s.Settled {
		c.Settled[id] = v
	}
	c.Declared = make(map[string]bool, len(s.Declared))
	for id, v := range s.Declared {
		c.Declared[id] = v
	}
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return c
}

// Duration is the time between start and end, or until now for a running session.
func (s GameSession) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}
