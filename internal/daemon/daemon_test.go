package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/duet/internal/api"
	"github.com/matheus3301/duet/internal/backend"
	"github.com/matheus3301/duet/internal/config"
	"github.com/matheus3301/duet/internal/lock"
	"github.com/matheus3301/duet/internal/realtime"
	"github.com/matheus3301/duet/internal/session"
	"go.uber.org/fx"
)

const (
	aliceID = "4d7f6a52-8f0e-4a51-9a8e-2f4a8f1c0a01"
	bobID   = "9b1e3c44-2d6f-4f0b-8c3a-7e5d1a2b3c04"
)

// tempHome points the session tree at a short /tmp directory so socket
// paths stay under the Unix socket length limit.
func tempHome(t *testing.T) string {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "duet-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("HOME", home)
	t.Setenv(session.EnvHome, "")
	return home
}

func testConfig(home string) *config.Config {
	cfg := config.Default()
	cfg.UserID = aliceID
	cfg.Email = "alice@example.com"
	cfg.Backend.DSN = backend.SQLitePrefix + filepath.Join(home, "backend.db")
	cfg.Stream.Transport = config.TransportLocal
	cfg.Log.Level = "error"
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	home := tempHome(t)
	cfg := testConfig(home)
	socketPath := filepath.Join(home, "d.sock")

	fxApp := fx.New(
		Module(Params{SessionName: "test", SocketPath: socketPath, Config: cfg}),
		fx.NopLogger,
	)
	if err := fxApp.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fxApp.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = fxApp.Stop(context.Background())
		}
	}()

	if _, held, err := lock.Held(session.LockPath("test")); err != nil || !held {
		t.Errorf("session lock held = %v, %v; want true", held, err)
	}

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.UserID != aliceID {
		t.Errorf("user = %q, want %q", st.UserID, aliceID)
	}
	if st.Call.Phase != "idle" {
		t.Errorf("call phase = %q, want idle", st.Call.Phase)
	}

	msgs, err := client.OpenConversation(ctx, bobID)
	if err != nil {
		t.Fatalf("OpenConversation() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages in a new conversation", len(msgs))
	}

	if _, err := client.Send(ctx, "hello bob"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msgs, err = client.Messages(ctx)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello bob" {
		t.Errorf("messages = %+v", msgs)
	}

	// The local backend streams the insert back and the entry settles.
	deadline := time.Now().Add(2 * time.Second)
	for len(msgs) == 1 && msgs[0].Pending {
		if time.Now().After(deadline) {
			t.Fatal("sent message never reconciled")
		}
		time.Sleep(10 * time.Millisecond)
		if msgs, err = client.Messages(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(msgs) != 1 || msgs[0].ID == 0 {
		t.Errorf("reconciled messages = %+v", msgs)
	}

	p, err := client.UpdateProfile(ctx, api.ProfileRequest{Username: "alice_new"})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if p.Username != "alice_new" {
		t.Errorf("profile = %+v", p)
	}

	// Without signaling a call fails and leaves the session idle.
	if err := client.StartCall(ctx, "", "audio"); err == nil {
		t.Error("StartCall() without signaling succeeded")
	}

	if err := fxApp.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	stopped = true

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
	if _, held, _ := lock.Held(session.LockPath("test")); held {
		t.Error("session lock still held after stop")
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	home := tempHome(t)
	cfg := testConfig(home)

	if err := session.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	lk, err := lock.Acquire(session.LockPath("test"), aliceID)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	fxApp := fx.New(
		Module(Params{SessionName: "test", SocketPath: filepath.Join(home, "d.sock"), Config: cfg}),
		fx.NopLogger,
	)
	err = fxApp.Err()
	if err == nil {
		t.Fatal("second daemon started while the lock was held")
	}
	if !strings.Contains(err.Error(), "session lock held") {
		t.Errorf("error = %v, want a held lock", err)
	}
}

func TestProvideConfigValidates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"missing user", func(c *config.Config) { c.UserID = "" }, "user id"},
		{"bad user", func(c *config.Config) { c.UserID = "alice" }, "invalid user id"},
		{"missing dsn", func(c *config.Config) { c.Backend.DSN = "" }, "backend.dsn"},
		{"local stream on postgres", func(c *config.Config) { c.Backend.DSN = "postgres://db/duet" }, "needs a sqlite:// backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			tt.mutate(cfg)
			_, err := provideConfig(Params{Config: cfg})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("provideConfig() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("provideConfig() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestProvideSource(t *testing.T) {
	cfg := config.Default()

	src, err := provideSource(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(interface{ Close() error }); ok {
		t.Error("websocket source should hold no connection of its own")
	}

	cfg.Stream.Transport = "redis"
	cfg.Stream.RedisAddr = "127.0.0.1:1"
	src, err = provideSource(cfg)
	if err != nil {
		t.Fatal(err)
	}
	closer, ok := src.(interface{ Close() error })
	if !ok {
		t.Fatal("redis source should be closable")
	}
	_ = closer.Close()

	cfg.Stream.Transport = config.TransportLocal
	src, err = provideSource(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(realtime.Publisher); !ok {
		t.Error("local source should accept published frames")
	}

	cfg.Stream.Transport = "carrier-pigeon"
	if _, err := provideSource(cfg); err == nil {
		t.Error("unknown transport accepted")
	}
}
