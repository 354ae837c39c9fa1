package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.warelay.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".warelay")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// CredentialsDir returns the directory holding WhatsApp pairing credentials.
// It is deleted wholesale on logout and recreated on the next pairing.
func CredentialsDir(name string) string {
	return filepath.Join(Dir(name), "credentials")
}

// CredentialsDBPath returns the whatsmeow session.db path.
func CredentialsDBPath(name string) string {
	return filepath.Join(CredentialsDir(name), "session.db")
}

// ProjectionDBPath returns the relay-owned chat/message projection db path.
func ProjectionDBPath(name string) string {
	return filepath.Join(Dir(name), "warelay.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "warelayd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		CredentialsDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// WipeCredentials removes the credentials directory so the next initialize
// starts a fresh pairing flow. The projection db, logs and lock file are
// left in place.
func WipeCredentials(name string) error {
	return os.RemoveAll(CredentialsDir(name))
}
