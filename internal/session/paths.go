package session

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
)

// EnvHome overrides the duet home directory, ~/.duet by default.
const EnvHome = "DUET_HOME"

// File names inside a session directory.
const (
	socketFile = "daemon.sock"
	lockFile   = "LOCK"
	dbFile     = "duet.db"
	logFile    = "duetd.log"
	logsDir    = "logs"
	sessDir    = "sessions"
)

// BaseDir returns $DUET_HOME, or ~/.duet.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".duet")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Dir returns the session directory. Everything a daemon owns lives here:
// socket, lock, local database and logs.
func Dir(name string) string {
	return filepath.Join(BaseDir(), sessDir, name)
}

func SocketPath(name string) string { return filepath.Join(Dir(name), socketFile) }
func LockPath(name string) string   { return filepath.Join(Dir(name), lockFile) }

// AppDBPath returns the local database (friends cache, send log, call log,
// checkpoints).
func AppDBPath(name string) string { return filepath.Join(Dir(name), dbFile) }

func LogDir(name string) string  { return filepath.Join(Dir(name), logsDir) }
func LogPath(name string) string { return filepath.Join(LogDir(name), logFile) }

// EnsureDir creates the session tree, owner-only.
func EnsureDir(name string) error {
	return os.MkdirAll(LogDir(name), 0700)
}

// List returns the names of existing sessions, sorted. Directories whose
// names are not valid session names are skipped.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), sessDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}
