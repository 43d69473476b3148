package session

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestBaseDir(t *testing.T) {
	t.Setenv(EnvHome, "")
	home, _ := os.UserHomeDir()
	if got, want := Dir("main"), filepath.Join(home, ".duet", "sessions", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}

	t.Setenv(EnvHome, "/srv/duet")
	if got := ConfigPath(); got != "/srv/duet/config.toml" {
		t.Errorf("ConfigPath() with %s = %q", EnvHome, got)
	}
}

func TestSessionFilePaths(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{"db", AppDBPath("test"), filepath.Join("sessions", "test", "duet.db")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "duetd.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("%s path = %q, want suffix %q", tt.name, tt.got, tt.suffix)
			}
		})
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	names, err := List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List() before any session = %v, %v", names, err)
	}

	for _, n := range []string{"work", "main"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	info, err := os.Stat(LogDir("main"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); !info.IsDir() || perm != 0700 {
		t.Errorf("log dir mode = %v, want 0700 directory", info.Mode())
	}
	if err := os.MkdirAll(filepath.Join(BaseDir(), "sessions", "bad name"), 0700); err != nil {
		t.Fatal(err)
	}

	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names, []string{"main", "work"}) {
		t.Errorf("List() = %v", names)
	}
}
