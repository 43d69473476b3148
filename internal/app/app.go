// Package app wires the message, unread, presence and call components onto
// the event loop and exposes blocking commands for the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/call"
	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/loop"
	"github.com/matheus3301/duet/internal/presence"
	"github.com/matheus3301/duet/internal/session"
	"github.com/matheus3301/duet/internal/status"
	"github.com/matheus3301/duet/internal/store"
	intsync "github.com/matheus3301/duet/internal/sync"
	"github.com/matheus3301/duet/internal/unread"
	"go.uber.org/zap"
)

// loopTimeout bounds the final EndCall at shutdown.
const loopTimeout = 5 * time.Second

// CheckpointActivePeer remembers the open conversation across restarts.
const CheckpointActivePeer = "conversation.active_peer"

// ErrEmptyMessage is returned by Send for blank text.
var ErrEmptyMessage = errors.New("message is empty")

// Directory is the backend's view of users and friendships.
type Directory interface {
	Friends(ctx context.Context, userID string) ([]chat.Friend, error)
	AddFriend(ctx context.Context, userID, username string) (chat.Friend, error)
	UnreadBySender(ctx context.Context, recipientID string) (map[string]int, error)
	UpdateProfile(ctx context.Context, userID string, u chat.ProfileUpdate) (chat.Profile, error)
}

// LocalStore is the local app database.
type LocalStore interface {
	ReplaceFriends(friends []chat.Friend) error
	ListFriends() ([]chat.Friend, error)
	SetCheckpoint(key, value string) error
	Checkpoint(key string) (string, error)
	ListCalls(limit int) ([]store.CallRecord, error)
}

// Components are the loop-bound parts the app drives.
type Components struct {
	Session  *session.Context
	Engine   *intsync.Engine
	Unread   *unread.Tracker
	Presence *presence.Tracker
	Calls    *call.Manager
}

// Snapshot is a consistent view of the session taken on the loop.
type Snapshot struct {
	UserID     string
	Status     status.State
	ActivePeer string
	Unread     map[string]int
	Online     []string
	Call       call.Session
}

// App owns the loop and routes every external input onto it.
type App struct {
	loop      *loop.Loop
	bus       *bus.Bus
	status    *status.Machine
	c         Components
	directory Directory
	local     LocalStore
	offers    <-chan call.Offer
	stream    <-chan bus.Event
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the app. stream carries the realtime events in order and
// must not drop any. offers may be nil when signaling is disabled.
func New(l *loop.Loop, b *bus.Bus, sm *status.Machine, c Components, dir Directory, local LocalStore, stream <-chan bus.Event, offers <-chan call.Offer, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		loop:      l,
		bus:       b,
		status:    sm,
		c:         c,
		directory: dir,
		local:     local,
		offers:    offers,
		stream:    stream,
		logger:    logger,
	}
}

// Start runs the loop and the input routers, seeds unread counts and
// reopens the last conversation.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go a.loop.Run(ctx)
	go func() {
		defer close(a.done)
		a.route(ctx)
	}()

	a.restore()
}

// Stop halts routing and the loop, ending any call first.
func (a *App) Stop() {
	if a.cancel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), loopTimeout)
	defer cancel()
	_ = a.loop.Call(ctx, a.c.Calls.EndCall)
	a.cancel()
	<-a.done
	a.loop.Stop()
}

// route moves inputs onto the loop. Post blocks while the loop queue is
// full, which in turn stalls the stream instead of losing events.
func (a *App) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.stream:
			if !ok {
				a.stream = nil
				continue
			}
			a.loop.Post(func() { a.dispatch(evt) })
		case o, ok := <-a.offers:
			if !ok {
				a.offers = nil
				continue
			}
			a.loop.Post(func() { a.c.Calls.ReceiveIncoming(o) })
		}
	}
}

// dispatch applies one stream event. Runs on the loop.
func (a *App) dispatch(evt bus.Event) {
	switch evt.Kind {
	case bus.KindStreamMessageInserted:
		m, ok := evt.Payload.(chat.Message)
		if !ok {
			return
		}
		a.c.Unread.OnInserted(m)
		a.c.Engine.OnInserted(m)
	case bus.KindStreamMessageUpdated:
		if m, ok := evt.Payload.(chat.Message); ok {
			a.c.Engine.OnUpdated(m)
		}
	case bus.KindStreamPresenceState:
		if s, ok := evt.Payload.(presence.Snapshot); ok {
			a.c.Presence.OnSnapshot(s)
		}
	case bus.KindStreamPresenceJoin:
		if d, ok := evt.Payload.(presence.Delta); ok {
			a.c.Presence.OnJoin(d)
		}
	case bus.KindStreamPresenceLeave:
		if d, ok := evt.Payload.(presence.Delta); ok {
			a.c.Presence.OnLeave(d)
		}
	}
}

func (a *App) restore() {
	userID := a.c.Session.UserID()
	if a.directory != nil {
		a.loop.Go(func(ctx context.Context) error {
			counts, err := a.directory.UnreadBySender(ctx, userID)
			if err != nil {
				return err
			}
			a.loop.Post(func() { a.c.Unread.Seed(counts) })
			return nil
		}, func(err error) {
			if err != nil {
				a.logger.Warn("failed to seed unread counts", zap.Error(err))
			}
		})
	}

	peer, err := a.local.Checkpoint(CheckpointActivePeer)
	if err != nil {
		a.logger.Warn("failed to read active conversation checkpoint", zap.Error(err))
		return
	}
	if peer != "" {
		a.loop.Post(func() { a.open(peer) })
		a.logger.Info("restoring conversation", zap.String("peer", peer))
	}
}

// open switches conversations. Runs on the loop.
func (a *App) open(peerID string) *loop.Future {
	fut := a.c.Engine.OpenConversation(peerID)
	a.c.Unread.OpenConversation(peerID)
	return fut
}

// OpenConversation makes peerID the open conversation and returns its history.
func (a *App) OpenConversation(ctx context.Context, peerID string) ([]chat.Message, error) {
	if peerID == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	var fut *loop.Future
	if err := a.loop.Call(ctx, func() { fut = a.open(peerID) }); err != nil {
		return nil, err
	}
	if err := a.local.SetCheckpoint(CheckpointActivePeer, peerID); err != nil {
		a.logger.Warn("failed to save active conversation", zap.Error(err))
	}
	if err := fut.Wait(ctx); err != nil {
		return nil, err
	}
	return a.Messages(ctx)
}

// Messages returns the visible sequence of the open conversation.
func (a *App) Messages(ctx context.Context) ([]chat.Message, error) {
	var msgs []chat.Message
	err := a.loop.Call(ctx, func() { msgs = a.c.Engine.Messages() })
	return msgs, err
}

// Send posts text to the open conversation and waits for the store to
// accept it. Returns the optimistic temp id.
func (a *App) Send(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	var (
		tempID string
		fut    *loop.Future
		open   bool
	)
	err := a.loop.Call(ctx, func() {
		_, open = a.c.Session.ActivePeer()
		tempID, fut = a.c.Engine.Send(text)
	})
	if err != nil {
		return "", err
	}
	if !open || fut == nil {
		return "", intsync.ErrNoConversation
	}
	return tempID, fut.Wait(ctx)
}

// Snapshot returns the current session state.
func (a *App) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := a.loop.Call(ctx, func() {
		peer, _ := a.c.Session.ActivePeer()
		s = Snapshot{
			UserID:     a.c.Session.UserID(),
			ActivePeer: peer,
			Unread:     a.c.Unread.Counts(),
			Online:     a.c.Presence.Online(),
			Call:       a.c.Calls.Session(),
		}
	})
	if a.status != nil {
		s.Status = a.status.Current()
	}
	return s, err
}

// Friends lists friends from the backend, falling back to the local cache
// when the backend is unreachable.
func (a *App) Friends(ctx context.Context) ([]chat.Friend, error) {
	if a.directory != nil {
		friends, err := a.directory.Friends(ctx, a.c.Session.UserID())
		if err == nil {
			if err := a.local.ReplaceFriends(friends); err != nil {
				a.logger.Warn("failed to cache friends", zap.Error(err))
			}
			return friends, nil
		}
		a.logger.Warn("backend friends unavailable, using cache", zap.Error(err))
	}
	return a.local.ListFriends()
}

// AddFriend befriends the user with username.
func (a *App) AddFriend(ctx context.Context, username string) (chat.Friend, error) {
	if a.directory == nil {
		return chat.Friend{}, errors.New("backend not configured")
	}
	f, err := a.directory.AddFriend(ctx, a.c.Session.UserID(), username)
	if err != nil {
		return chat.Friend{}, err
	}
	if _, err := a.Friends(ctx); err != nil {
		a.logger.Warn("failed to refresh friends", zap.Error(err))
	}
	return f, nil
}

// UpdateProfile changes the user's own profile.
func (a *App) UpdateProfile(ctx context.Context, u chat.ProfileUpdate) (chat.Profile, error) {
	if a.directory == nil {
		return chat.Profile{}, errors.New("backend not configured")
	}
	p, err := a.directory.UpdateProfile(ctx, a.c.Session.UserID(), u)
	if err != nil {
		return chat.Profile{}, err
	}
	if a.bus != nil {
		a.bus.Publish(bus.NewEvent(bus.KindProfileUpdated, p))
	}
	return p, nil
}

// StartCall calls peerID, or the open conversation's peer if empty.
func (a *App) StartCall(ctx context.Context, peerID string, kind call.Kind) error {
	var fut *loop.Future
	err := a.loop.Call(ctx, func() {
		if peerID == "" {
			peerID, _ = a.c.Session.ActivePeer()
		}
		fut = a.c.Calls.StartCall(peerID, call.Options{Kind: kind})
	})
	if err != nil {
		return err
	}
	return fut.Wait(ctx)
}

// AcceptCall answers the pending offer.
func (a *App) AcceptCall(ctx context.Context) error {
	var fut *loop.Future
	if err := a.loop.Call(ctx, func() { fut = a.c.Calls.AcceptIncoming() }); err != nil {
		return err
	}
	return fut.Wait(ctx)
}

// DeclineCall rejects the pending offer.
func (a *App) DeclineCall(ctx context.Context) error {
	var derr error
	if err := a.loop.Call(ctx, func() { derr = a.c.Calls.DeclineIncoming() }); err != nil {
		return err
	}
	return derr
}

// EndCall hangs up.
func (a *App) EndCall(ctx context.Context) error {
	return a.loop.Call(ctx, a.c.Calls.EndCall)
}

// CallHistory returns the most recent calls.
func (a *App) CallHistory(limit int) ([]store.CallRecord, error) {
	return a.local.ListCalls(limit)
}
