package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/duet/internal/app"
	"github.com/matheus3301/duet/internal/backend"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/call"
	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/media"
	"github.com/matheus3301/duet/internal/status"
	"github.com/matheus3301/duet/internal/store"
	intsync "github.com/matheus3301/duet/internal/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeController struct {
	mu sync.Mutex

	snapshot app.Snapshot
	messages []chat.Message
	sendErr  error
	addErr   error
	calls    []store.CallRecord
	profile  chat.Profile

	sent       []string
	startPeer  string
	startKind  call.Kind
	historyLim int
}

func (f *fakeController) Snapshot(context.Context) (app.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeController) OpenConversation(_ context.Context, peerID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot.ActivePeer = peerID
	return f.messages, nil
}

func (f *fakeController) Messages(context.Context) ([]chat.Message, error) {
	return f.messages, nil
}

func (f *fakeController) Send(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	return fmt.Sprintf("tmp-%d", len(f.sent)), nil
}

func (f *fakeController) Friends(context.Context) ([]chat.Friend, error) {
	return []chat.Friend{{UserID: "u-bob", DisplayName: "bob_1234"}}, nil
}

func (f *fakeController) AddFriend(_ context.Context, username string) (chat.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return chat.Friend{}, f.addErr
	}
	return chat.Friend{UserID: "u-" + username, DisplayName: username}, nil
}

func (f *fakeController) UpdateProfile(_ context.Context, u chat.ProfileUpdate) (chat.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.Username == "taken" {
		return chat.Profile{}, fmt.Errorf("%w: taken", backend.ErrUsernameTaken)
	}
	if u.Username != "" {
		f.profile.Username = u.Username
	}
	if u.AvatarURL != "" {
		f.profile.AvatarURL = u.AvatarURL
	}
	f.profile.ID = "u-me"
	f.profile.UpdatedAt = time.UnixMilli(1_700_000_000_000)
	return f.profile, nil
}

func (f *fakeController) StartCall(_ context.Context, peerID string, kind call.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startPeer, f.startKind = peerID, kind
	return nil
}

func (f *fakeController) AcceptCall(context.Context) error  { return call.ErrNoPendingOffer }
func (f *fakeController) DeclineCall(context.Context) error { return nil }
func (f *fakeController) EndCall(context.Context) error     { return nil }

func (f *fakeController) CallHistory(limit int) ([]store.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyLim = limit
	return f.calls, nil
}

func (f *fakeController) setAddErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = err
}

func (f *fakeController) started() (string, call.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startPeer, f.startKind
}

func startServer(t *testing.T, ctrl Controller, b *bus.Bus) *Client {
	t.Helper()
	// Short path to stay under the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "duet-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	srv := grpc.NewServer()
	RegisterControlServer(srv, NewService(ctrl, b, nil))
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != want {
		t.Fatalf("code = %v, want %v (err = %v)", got, want, err)
	}
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{snapshot: app.Snapshot{
		UserID:     "u-alice",
		Status:     status.Online,
		ActivePeer: "u-bob",
		Unread:     map[string]int{"u-carol": 2},
		Online:     []string{"u-bob", "u-carol"},
		Call: call.Session{
			Phase:       call.Connected,
			CallID:      "c1",
			PeerID:      "u-bob",
			Direction:   call.Outbound,
			Kind:        call.Video,
			StartedAt:   time.UnixMilli(1700000000000),
			LocalTracks: []media.Track{{ID: "t1", Kind: media.TrackAudio}, {ID: "t2", Kind: media.TrackVideo}},
		},
	}}
	client := startServer(t, ctrl, bus.New())

	v, err := client.Status(testContext(t))
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if v.UserID != "u-alice" || v.Status != "ONLINE" || v.ActivePeer != "u-bob" {
		t.Errorf("status = %+v", v)
	}
	if v.Unread["u-carol"] != 2 {
		t.Errorf("unread = %v, want u-carol:2", v.Unread)
	}
	if len(v.Online) != 2 {
		t.Errorf("online = %v", v.Online)
	}
	if v.Call.Phase != "connected" || v.Call.StartedAtUnixMs != 1700000000000 {
		t.Errorf("call = %+v", v.Call)
	}
	if len(v.Call.LocalTracks) != 2 || v.Call.LocalTracks[1] != media.TrackVideo {
		t.Errorf("local tracks = %v", v.Call.LocalTracks)
	}
}

func TestConversationAndSend(t *testing.T) {
	ctrl := &fakeController{messages: []chat.Message{
		{ID: 42, SenderID: "u-alice", RecipientID: "u-bob", Text: "hi", CreatedAt: time.UnixMilli(1000)},
		{TempID: "tmp-x", SenderID: "u-alice", RecipientID: "u-bob", Text: "pending", CreatedAt: time.UnixMilli(2000)},
	}}
	client := startServer(t, ctrl, bus.New())
	ctx := testContext(t)

	msgs, err := client.OpenConversation(ctx, "u-bob")
	if err != nil {
		t.Fatalf("OpenConversation() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != 42 || msgs[0].Pending {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if !msgs[1].Pending || msgs[1].TempID != "tmp-x" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}

	tempID, err := client.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if tempID != "tmp-1" {
		t.Errorf("temp id = %q, want tmp-1", tempID)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.sent) != 1 || ctrl.sent[0] != "hello" {
		t.Errorf("sent = %v", ctrl.sent)
	}
}

func TestOpenConversationRequiresPeer(t *testing.T) {
	client := startServer(t, &fakeController{}, bus.New())
	_, err := client.OpenConversation(testContext(t), "")
	wantCode(t, err, codes.InvalidArgument)
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"no conversation", intsync.ErrNoConversation, codes.FailedPrecondition},
		{"empty", app.ErrEmptyMessage, codes.InvalidArgument},
		{"persistence", &intsync.PersistenceError{Op: "insert", TempID: "tmp-1", Err: errors.New("boom")}, codes.Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startServer(t, &fakeController{sendErr: tt.err}, bus.New())
			_, err := client.Send(testContext(t), "x")
			wantCode(t, err, tt.want)
		})
	}
}

func TestFriends(t *testing.T) {
	ctrl := &fakeController{}
	client := startServer(t, ctrl, bus.New())
	ctx := testContext(t)

	friends, err := client.Friends(ctx)
	if err != nil {
		t.Fatalf("Friends() error = %v", err)
	}
	if len(friends) != 1 || friends[0].DisplayName != "bob_1234" {
		t.Errorf("friends = %+v", friends)
	}

	f, err := client.AddFriend(ctx, "carol_5555")
	if err != nil {
		t.Fatalf("AddFriend() error = %v", err)
	}
	if f.UserID != "u-carol_5555" {
		t.Errorf("friend = %+v", f)
	}

	ctrl.setAddErr(backend.ErrUserNotFound)
	_, err = client.AddFriend(ctx, "nobody")
	wantCode(t, err, codes.NotFound)

	ctrl.setAddErr(backend.ErrAlreadyFriends)
	_, err = client.AddFriend(ctx, "bob_1234")
	wantCode(t, err, codes.AlreadyExists)
}

func TestUpdateProfile(t *testing.T) {
	ctrl := &fakeController{profile: chat.Profile{Username: "me_1234", FullName: "Me"}}
	client := startServer(t, ctrl, bus.New())
	ctx := testContext(t)

	p, err := client.UpdateProfile(ctx, ProfileRequest{Username: "neo", AvatarURL: "https://example.com/n.png"})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	want := ProfileView{UserID: "u-me", Username: "neo", FullName: "Me", AvatarURL: "https://example.com/n.png", UpdatedAtUnixMs: 1_700_000_000_000}
	if p != want {
		t.Errorf("profile = %+v, want %+v", p, want)
	}

	_, err = client.UpdateProfile(ctx, ProfileRequest{})
	wantCode(t, err, codes.InvalidArgument)

	_, err = client.UpdateProfile(ctx, ProfileRequest{Username: "taken"})
	wantCode(t, err, codes.AlreadyExists)
}

func TestCalls(t *testing.T) {
	ctrl := &fakeController{calls: []store.CallRecord{
		{CallID: "c1", PeerID: "u-bob", Direction: "outbound", Kind: "audio", Outcome: "completed", DurationMs: 1500},
	}}
	client := startServer(t, ctrl, bus.New())
	ctx := testContext(t)

	if err := client.StartCall(ctx, "u-bob", "audio"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if peer, kind := ctrl.started(); peer != "u-bob" || kind != call.Audio {
		t.Errorf("started %q/%q", peer, kind)
	}

	if err := client.StartCall(ctx, "", ""); err != nil {
		t.Fatalf("StartCall() default kind error = %v", err)
	}
	if _, kind := ctrl.started(); kind != call.Video {
		t.Errorf("default kind = %q, want video", kind)
	}

	wantCode(t, client.StartCall(ctx, "u-bob", "hologram"), codes.InvalidArgument)
	wantCode(t, client.AcceptCall(ctx), codes.FailedPrecondition)

	if err := client.DeclineCall(ctx); err != nil {
		t.Errorf("DeclineCall() error = %v", err)
	}
	if err := client.EndCall(ctx); err != nil {
		t.Errorf("EndCall() error = %v", err)
	}

	calls, err := client.CallHistory(ctx, 10)
	if err != nil {
		t.Fatalf("CallHistory() error = %v", err)
	}
	ctrl.mu.Lock()
	limit := ctrl.historyLim
	ctrl.mu.Unlock()
	if limit != 10 {
		t.Errorf("limit = %d, want 10", limit)
	}
	if len(calls) != 1 || calls[0].Outcome != "completed" || calls[0].DurationMs != 1500 {
		t.Errorf("calls = %+v", calls)
	}
}

func TestWatch(t *testing.T) {
	b := bus.New()
	client := startServer(t, &fakeController{}, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Publish until the watcher has subscribed and received one event.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Publish(bus.NewEvent(bus.KindCallIncoming, call.Incoming{CallID: "c9", PeerID: "u-bob", Kind: call.Audio}))
				b.Publish(bus.NewEvent(bus.KindStatusChanged, status.StatusChange{From: status.Offline, To: status.Connecting}))
			}
		}
	}()

	errDone := errors.New("done")
	var got EventView
	err := client.Watch(ctx, "call.", func(evt EventView) error {
		got = evt
		return errDone
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("Watch() error = %v", err)
	}
	if got.Kind != bus.KindCallIncoming {
		t.Errorf("kind = %q, want %q", got.Kind, bus.KindCallIncoming)
	}
	if got.EventID == "" {
		t.Error("missing event id")
	}
	if got.Payload["CallID"] != "c9" || got.Payload["Kind"] != "audio" {
		t.Errorf("payload = %v", got.Payload)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{call.ErrBusy, codes.FailedPrecondition},
		{call.ErrNoPeer, codes.FailedPrecondition},
		{call.ErrEnded, codes.Aborted},
		{fmt.Errorf("answer call: %w", call.ErrWithdrawn), codes.Aborted},
		{backend.ErrBadUsername, codes.InvalidArgument},
		{&call.CapabilityError{Constraints: media.Constraints{Audio: true}, Err: media.ErrUnavailable}, codes.Unavailable},
		{backend.ErrSelfFriend, codes.InvalidArgument},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(toStatus("op", tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
