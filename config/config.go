package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port           string
	AllowedOrigins []string
	KafkaBrokers   []string
	KafkaTopic     string
	JWTKey         string
	MaxPlayers     int
	UpdateRate     float64
	BlockedNames   []string
	Debug          bool
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env file")
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function shaped like os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) Config {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return fallback
	}

	maxPlayers, err := strconv.Atoi(get("MAX_PLAYERS", "4"))
	if err != nil || maxPlayers < 2 || maxPlayers > 4 {
		maxPlayers = 4
	}
	updateRate, err := strconv.ParseFloat(get("UPDATE_RATE", "30"), 64)
	if err != nil || updateRate <= 0 {
		updateRate = 30
	}
	debug, _ := strconv.ParseBool(get("DEBUG", "false"))

	return Config{
		Port:           get("PORT", "5000"),
		AllowedOrigins: splitList(get("ALLOWED_ORIGINS", "")),
		KafkaBrokers:   splitList(get("KAFKA_BROKERS", "")),
		KafkaTopic:     get("KAFKA_TOPIC", "dodge-room-events"),
		JWTKey:         get("JWT_KEY", ""),
		MaxPlayers:     maxPlayers,
		UpdateRate:     updateRate,
		BlockedNames:   splitList(get("BLOCKED_NAMES", "")),
		Debug:          debug,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
