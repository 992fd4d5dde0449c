package app

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"nerdhub/internal/geofence"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr           string
	Path           string
	CatalogPath    string
	Policy         geofence.JoinPolicy
	Timeout        time.Duration
	SweepInterval  time.Duration
	MirrorKind     string
	MirrorDSN      string
	AllowedOrigins []string
	UpgradeLimit   int
	Logger         *zap.Logger
}

// ClientConfig defines what a watching client needs.
type ClientConfig struct {
	ServerURL   string
	UserID      string
	BuildingID  string
	Lat         float64
	Lon         float64
	HasLocation bool
	Heartbeat   time.Duration
	Poll        time.Duration
	Timeout     time.Duration
	// FallbackKind is http, sqlite, redis or none.
	FallbackKind string
	FallbackDSN  string
	// BusBroker is an MQTT broker URL; empty means an in-process bus.
	BusBroker string
	BusTopic  string
	Logger    *zap.Logger
}

// LoadDotEnv reads .env files into the environment when present. Values
// already set in the environment win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// DefaultDBPath returns a per-user data path for the SQLite mirror.
func DefaultDBPath() string {
	if env := os.Getenv("NERDHUB_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("NERDHUB_DATA_DIR"); env != "" {
		return filepath.Join(env, "nerdhub.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "nerdhub", "nerdhub.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Nerdhub", "nerdhub.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Nerdhub", "nerdhub.db")
		}
		return filepath.Join(home, ".local", "share", "nerdhub", "nerdhub.db")
	}
	return filepath.Join(".", ".nerdhub", "nerdhub.db")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and
// falls back to /ws when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

// SplitList parses a comma separated flag value, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c ServerConfig) validate() error {
	if c.Timeout > 0 && c.SweepInterval > c.Timeout {
		return errors.New("sweep interval must not exceed the presence timeout")
	}
	return nil
}
