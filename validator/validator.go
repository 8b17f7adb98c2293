// Package validator holds the settlement-time score heuristic.
package validator

import "fmt"

const (
	MinDurationMs = 5000

	// per second
	MaxScoreRate    = 50.0
	MaxObstacleRate = 5.0

	PointsPerObstacle = 10
	ScoreSlack        = 2
)

// Result is the outcome of a settlement check. Reason is empty when Valid.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Validate runs the checks in order and stops at the first failure.
// It is advisory: it decides whether a result is recorded, nothing else.
func Validate(score int, durationMs int64, obstaclesCleared int) Result {
	if durationMs < MinDurationMs {
		return invalid("game duration %dms is shorter than the %dms minimum", durationMs, MinDurationMs)
	}

	seconds := float64(durationMs) / 1000

	if rate := float64(score) / seconds; rate > MaxScoreRate {
		return invalid("score rate %.2f/s exceeds %.0f/s", rate, MaxScoreRate)
	}

	if rate := float64(obstaclesCleared) / seconds; rate > MaxObstacleRate {
		return invalid("obstacle rate %.2f/s exceeds %.0f/s", rate, MaxObstacleRate)
	}

	if ceiling := obstaclesCleared * PointsPerObstacle * ScoreSlack; score > ceiling {
		return invalid("score %d is higher than %d obstacles cleared allow (%d)", score, obstaclesCleared, ceiling)
	}

	return Result{Valid: true}
}

func invalid(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}
