package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/presence"
)

func TestLocalSourceFanOut(t *testing.T) {
	src := NewLocalSource()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := src.Open(ctx, "sync-all-a")
	if err != nil {
		t.Fatal(err)
	}
	other, err := src.Open(ctx, "sync-all-b")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = other.Close() }()

	if err := src.Publish(ctx, "sync-all-a", []byte("one")); err != nil {
		t.Fatal(err)
	}
	data, err := a.Next(ctx)
	if err != nil || string(data) != "one" {
		t.Fatalf("Next = %q, %v", data, err)
	}

	short, stop := context.WithTimeout(ctx, 20*time.Millisecond)
	defer stop()
	if _, err := other.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("other channel received a frame: %v", err)
	}

	_ = a.Close()
	_ = a.Close()
	if _, err := a.Next(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next after Close err = %v", err)
	}
	if err := src.Publish(ctx, "sync-all-a", []byte("two")); err != nil {
		t.Errorf("publish without listeners: %v", err)
	}
}

func TestLocalSourcePublishWaitsForRoom(t *testing.T) {
	src := NewLocalSource()
	ctx := context.Background()
	st, err := src.Open(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = st.Close() }()

	for range localBuffer {
		if err := src.Publish(ctx, "c", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := src.Publish(full, "c", []byte("y")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("publish into a full stream err = %v, want it to block", err)
	}
}

func TestNotifierPublishesToBothUsers(t *testing.T) {
	src := NewLocalSource()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	alice, _ := src.Open(ctx, ChannelName("alice"))
	bob, _ := src.Open(ctx, ChannelName("bob"))

	notify := Notifier(src, nil)
	m := chat.Message{ID: 7, Token: "tok", SenderID: "alice", RecipientID: "bob", Text: "hi"}
	notify(ctx, FrameInsert, m)

	for _, st := range []Stream{alice, bob} {
		data, err := st.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		evt, ok, err := Decode(data)
		if err != nil || !ok {
			t.Fatalf("Decode = %v, %v", ok, err)
		}
		if evt.Kind != bus.KindStreamMessageInserted || evt.Payload.(chat.Message).Token != "tok" {
			t.Errorf("event = %+v", evt)
		}
	}

	// A cancelled caller context does not stop the announcement.
	done, stop := context.WithCancel(ctx)
	stop()
	notify(done, FrameUpdate, m)
	if _, err := alice.Next(ctx); err != nil {
		t.Errorf("update not published after caller cancel: %v", err)
	}
}

func TestEncodeRejectsPresence(t *testing.T) {
	if _, err := Encode(FramePresenceJoin, chat.Message{ID: 1}); err == nil {
		t.Error("Encode should only build message frames")
	}
	data, err := Encode(FrameUpdate, chat.Message{ID: 1, IsRead: true})
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Table != "messages" || f.Record == nil || !f.Record.IsRead {
		t.Errorf("frame = %+v", f)
	}
}

func (s *LocalSource) listeners(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

func TestClientEventsKeepOrder(t *testing.T) {
	src := NewLocalSource()
	b := bus.New()
	c := NewClient(src, "u1", nil, b, 5*time.Millisecond, 10*time.Millisecond, nil)
	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for src.listeners(ChannelName("u1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never joined")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nobody subscribes on the bus and the events channel fills up long
	// before the reader starts; nothing may be lost.
	const n = streamBuffer * 3
	go func() {
		for i := 1; i <= n; i++ {
			data, _ := json.Marshal(Frame{Type: FramePresenceJoin, ID: "p", Version: uint64(i)})
			if err := src.Publish(ctx, ChannelName("u1"), data); err != nil {
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)

	for i := 1; i <= n; i++ {
		select {
		case evt := <-c.Events():
			if d := evt.Payload.(presence.Delta); d.Version != uint64(i) {
				t.Fatalf("event %d has version %d", i, d.Version)
			}
		case <-ctx.Done():
			t.Fatalf("only %d of %d events delivered", i-1, n)
		}
	}
}
