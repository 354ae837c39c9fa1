package session

import "github.com/matheus3301/warelay/internal/config"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config default_session (file or WARELAY_SESSION env)
// 3. "main"
func Resolve(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return config.DefaultSessionName
}
