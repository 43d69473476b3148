package session

import (
	"os"

	"github.com/matheus3301/duet/internal/config"
)

const DefaultSessionName = "main"

// EnvSession names the environment variable that selects a session.
const EnvSession = "DUET_SESSION"

// Resolve picks the session name. Precedence: the --session flag, then
// $DUET_SESSION, then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvSession); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
