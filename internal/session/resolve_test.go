package session

import (
	"testing"

	"github.com/matheus3301/duet/internal/config"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvSession, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultSessionName)
	}

	cfg := config.Default()
	cfg.DefaultSession = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q, want work", got)
	}

	t.Setenv(EnvSession, "laptop")
	if got := Resolve(""); got != "laptop" {
		t.Errorf("Resolve() with env = %q, want laptop", got)
	}

	if got := Resolve("cli"); got != "cli" {
		t.Errorf("Resolve(cli) = %q, want cli", got)
	}
}
