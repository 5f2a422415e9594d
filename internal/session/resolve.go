package session

import (
	"errors"

	"github.com/matheus3301/chirp/internal/config"
)

const DefaultSessionName = "main"

// ErrNoUser is returned when no user id can be resolved for the session.
var ErrNoUser = errors.New("session: no user id configured")

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// ResolveUser determines the user id the daemon syncs as:
// 1. flagOverride (--user flag)
// 2. config.toml default_user
// There is no fallback; a sync session is meaningless without a user.
func ResolveUser(flagOverride string) (string, error) {
	if flagOverride != "" {
		return flagOverride, nil
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultUser != "" {
		return cfg.DefaultUser, nil
	}
	return "", ErrNoUser
}
