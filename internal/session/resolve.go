package session

import (
	"os"

	"github.com/matheus3301/wppbot/internal/config"
)

const DefaultSessionName = "main"

// Resolve picks the session both binaries operate on. The --session flag
// wins, then WPPBOT_SESSION, then default_session from config.toml. A config
// file that fails to load falls back to "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("WPPBOT_SESSION"); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
