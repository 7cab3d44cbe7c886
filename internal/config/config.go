package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minRoomTTL = time.Minute

// Config contains the runtime settings for the call gateway and the Live
// Room Service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	Language         string

	LiveRoomAPIBaseURL string
	LiveRoomAPITimeout time.Duration
	LiveKitWSURL       string
	AutoplayAllowed    bool

	RoomServiceBindAddr string
	LiveKitURL          string
	LiveKitAPIKey       string
	LiveKitAPISecret    string
	LiveKitAgentName    string
	TokenTTL            time.Duration
	RoomTTL             time.Duration

	DatabaseURL string
}

// LoadDotEnv seeds the environment from .env style files. Missing files are
// ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "fancall"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		Language:            envOrDefault("APP_LANGUAGE", "en"),
		LiveRoomAPIBaseURL:  envOrDefault("LIVE_ROOM_API_BASE_URL", "http://localhost:8000"),
		RoomServiceBindAddr: envOrDefault("ROOM_SERVICE_BIND_ADDR", ":8000"),
		LiveKitURL:          envOrDefault("LIVEKIT_URL", "ws://localhost:7880"),
		LiveKitAPIKey:       envOrDefault("LIVEKIT_API_KEY", "devkey"),
		LiveKitAPISecret:    envOrDefault("LIVEKIT_API_SECRET", "secret"),
		LiveKitAgentName:    envOrDefault("LIVEKIT_AGENT_NAME", "fancall"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
		TokenTTL:            6 * time.Hour,
		RoomTTL:             30 * time.Minute,
	}
	// The browser-facing URL defaults to the server URL the room service uses.
	cfg.LiveKitWSURL = envOrDefault("LIVEKIT_WS_URL", cfg.LiveKitURL)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveRoomAPITimeout, err = durationFromEnv("LIVE_ROOM_API_TIMEOUT", cfg.LiveRoomAPITimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL, err = durationFromEnv("LIVEKIT_TOKEN_TTL", cfg.TokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RoomTTL, err = durationFromEnv("ROOM_TTL", cfg.RoomTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoplayAllowed, err = boolFromEnv("AUDIO_AUTOPLAY_ALLOWED", cfg.AutoplayAllowed)
	if err != nil {
		return Config{}, err
	}

	if err := checkLiveKitCredentials(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that do not depend on how values were supplied.
func (c Config) Validate() error {
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.LiveRoomAPITimeout < 0 {
		return fmt.Errorf("LIVE_ROOM_API_TIMEOUT must be >= 0")
	}
	if err := checkURL("LIVE_ROOM_API_BASE_URL", c.LiveRoomAPIBaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("LIVEKIT_URL", c.LiveKitURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if err := checkURL("LIVEKIT_WS_URL", c.LiveKitWSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("LIVEKIT_TOKEN_TTL must be positive")
	}
	if c.RoomTTL < minRoomTTL {
		return fmt.Errorf("ROOM_TTL must be at least %s", minRoomTTL)
	}
	if strings.TrimSpace(c.LiveKitAgentName) == "" {
		return fmt.Errorf("LIVEKIT_AGENT_NAME must not be empty")
	}
	return nil
}

// checkLiveKitCredentials rejects a partial LiveKit override: the URL, key
// and secret are set together or not at all.
func checkLiveKitCredentials() error {
	keys := []string{"LIVEKIT_URL", "LIVEKIT_API_KEY", "LIVEKIT_API_SECRET"}
	var set, unset []string
	for _, k := range keys {
		if stringsTrimSpace(k) == "" {
			unset = append(unset, k)
		} else {
			set = append(set, k)
		}
	}
	if len(set) > 0 && len(unset) > 0 {
		return fmt.Errorf("%s must be set together with %s", strings.Join(unset, ", "), strings.Join(set, ", "))
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s parse error: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL", key, strings.Join(schemes, "/"))
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
