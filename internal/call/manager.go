package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/loop"
	"github.com/matheus3301/duet/internal/media"
	"github.com/matheus3301/duet/internal/session"
	"github.com/matheus3301/duet/internal/store"
	"go.uber.org/zap"
)

// DefaultDeclineDelay is how long the declined phase lingers before idle.
const DefaultDeclineDelay = 3 * time.Second

// Call log outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeDeclined  = "declined"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// CallLog records finished calls.
type CallLog interface {
	RecordCall(r *store.CallRecord) error
}

// Manager owns the one call session. Every method must run on the loop;
// blocking steps run off-loop and re-enter through loop.Post.
//
// Each attempt gets a number and a context. Ending the call bumps the
// number and cancels the context, so a continuation still acquiring media
// never reaches the peer, and one that resolves afterwards sees a stale
// number and releases what it acquired instead of installing it.
type Manager struct {
	sess         *session.Context
	media        MediaProvider
	signaling    Signaling
	log          CallLog
	loop         *loop.Loop
	bus          *bus.Bus
	logger       *zap.Logger
	declineDelay time.Duration
	now          func() time.Time

	phase     Phase
	attempt   uint64
	callID    string
	peerID    string
	direction Direction
	opts      Options
	local     *media.Stream
	remote    *media.Stream
	handle    Handle
	startedAt time.Time
	pending   Offer
	timer     *time.Timer
	cancel    context.CancelFunc
}

// NewManager creates an idle manager.
func NewManager(sess *session.Context, mp MediaProvider, sig Signaling, log CallLog, l *loop.Loop, b *bus.Bus, declineDelay time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if declineDelay <= 0 {
		declineDelay = DefaultDeclineDelay
	}
	return &Manager{
		sess:         sess,
		media:        mp,
		signaling:    sig,
		log:          log,
		loop:         l,
		bus:          b,
		logger:       logger,
		declineDelay: declineDelay,
		now:          time.Now,
		phase:        Idle,
	}
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	return m.phase
}

// Session returns a snapshot of the call state.
func (m *Manager) Session() Session {
	s := Session{
		Phase:     m.phase,
		CallID:    m.callID,
		PeerID:    m.peerID,
		Direction: m.direction,
		Kind:      m.opts.Kind,
		StartedAt: m.startedAt,
	}
	if m.local != nil {
		s.LocalTracks = m.local.Tracks()
	}
	if m.remote != nil {
		s.RemoteTracks = m.remote.Tracks()
	}
	if m.pending != nil {
		s.Pending = &Incoming{CallID: m.pending.CallID(), PeerID: m.pending.PeerID(), Kind: m.pending.Options().Kind}
	}
	return s
}

// StartCall places an outbound call. The future resolves once the handle
// is open, or with the error that aborted the attempt.
func (m *Manager) StartCall(peerID string, opts Options) *loop.Future {
	if peerID == "" {
		return loop.Resolved(ErrNoPeer)
	}
	if m.phase != Idle || m.pending != nil || !m.sess.ClaimCall() {
		return loop.Resolved(ErrBusy)
	}

	m.attempt++
	m.callID = uuid.NewString()
	m.peerID = peerID
	m.direction = Outbound
	m.opts = opts
	m.setPhase(Calling)

	callID := m.callID
	fut := loop.NewFuture()
	m.spawn(fut, func(ctx context.Context) (*media.Stream, Handle, error) {
		local, err := m.acquire(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		if ctx.Err() != nil {
			local.Stop()
			return nil, nil, ErrEnded
		}
		h, err := m.signaling.Place(ctx, callID, peerID, local, opts)
		if err != nil {
			local.Stop()
			return nil, nil, fmt.Errorf("place call: %w", err)
		}
		return local, h, nil
	})
	return fut
}

// ReceiveIncoming holds offer for a decision. An offer that arrives while
// a call is active or another offer is pending is declined on the spot.
// Reports whether the offer is now pending.
func (m *Manager) ReceiveIncoming(offer Offer) bool {
	if m.phase != Idle || m.pending != nil || m.sess.CallBusy() {
		m.logger.Info("declining offer while busy",
			zap.String("peer", offer.PeerID()),
			zap.String("call_id", offer.CallID()),
			zap.String("phase", string(m.phase)))
		offer.Close()
		m.record(offer.CallID(), offer.PeerID(), Inbound, offer.Options().Kind, OutcomeDeclined, time.Time{})
		return false
	}
	m.pending = offer
	m.publish(bus.KindCallIncoming, Incoming{
		CallID: offer.CallID(),
		PeerID: offer.PeerID(),
		Kind:   offer.Options().Kind,
	})
	go func() {
		<-offer.Done()
		m.loop.Post(func() { m.withdrawn(offer) })
	}()
	return true
}

// withdrawn drops offer if it is still pending once settled. Offers that
// were accepted or declined are no longer pending by then.
func (m *Manager) withdrawn(offer Offer) {
	if m.pending != offer {
		return
	}
	m.pending = nil
	m.logger.Info("offer withdrawn by caller",
		zap.String("peer", offer.PeerID()),
		zap.String("call_id", offer.CallID()))
	m.record(offer.CallID(), offer.PeerID(), Inbound, offer.Options().Kind, OutcomeCancelled, time.Time{})
	m.publish(bus.KindCallCancelled, Incoming{
		CallID: offer.CallID(),
		PeerID: offer.PeerID(),
		Kind:   offer.Options().Kind,
	})
}

// AcceptIncoming acquires media matching the pending offer and answers it.
// The phase stays idle until the remote stream arrives.
func (m *Manager) AcceptIncoming() *loop.Future {
	if m.pending == nil {
		return loop.Resolved(ErrNoPendingOffer)
	}
	if !m.sess.ClaimCall() {
		return loop.Resolved(ErrBusy)
	}

	offer := m.pending
	m.pending = nil
	m.attempt++
	m.callID = offer.CallID()
	m.peerID = offer.PeerID()
	m.direction = Inbound
	m.opts = offer.Options()

	opts := m.opts
	fut := loop.NewFuture()
	m.spawn(fut, func(ctx context.Context) (*media.Stream, Handle, error) {
		local, err := m.acquire(ctx, opts)
		if err != nil {
			offer.Close()
			return nil, nil, err
		}
		if ctx.Err() != nil {
			local.Stop()
			offer.Close()
			return nil, nil, ErrEnded
		}
		h, err := offer.Answer(ctx, local)
		if err != nil {
			local.Stop()
			offer.Close()
			return nil, nil, fmt.Errorf("answer call: %w", err)
		}
		return local, h, nil
	})
	return fut
}

// DeclineIncoming rejects the pending offer without touching media.
func (m *Manager) DeclineIncoming() error {
	if m.pending == nil {
		return ErrNoPendingOffer
	}
	offer := m.pending
	m.pending = nil
	offer.Close()
	m.record(offer.CallID(), offer.PeerID(), Inbound, offer.Options().Kind, OutcomeDeclined, time.Time{})
	return nil
}

// EndCall tears down whatever exists and returns to idle. Calling it with
// nothing to end is a no-op.
func (m *Manager) EndCall() {
	if m.pending != nil {
		_ = m.DeclineIncoming()
	}
	if m.direction == "" {
		return
	}
	outcome := OutcomeCancelled
	switch m.phase {
	case Connected:
		outcome = OutcomeCompleted
	case Declined:
		outcome = OutcomeDeclined
	}
	m.finish(outcome)
}

// spawn runs start off-loop and installs its result if the attempt is
// still current. Anything acquired for a stale attempt, or after the loop
// has stopped, is released.
func (m *Manager) spawn(fut *loop.Future, start func(ctx context.Context) (*media.Stream, Handle, error)) {
	attempt := m.attempt
	ctx, cancel := context.WithCancel(m.loop.Context())
	m.cancel = cancel
	go func() {
		local, h, err := start(ctx)
		release := func() {
			if h != nil {
				h.Close()
			}
			if local != nil {
				local.Stop()
			}
		}
		ok := m.loop.Post(func() {
			if attempt != m.attempt {
				release()
				fut.Resolve(ErrEnded)
				return
			}
			if err != nil {
				m.abort(err)
				fut.Resolve(err)
				return
			}
			m.local = local
			m.handle = h
			m.watch(attempt, h)
			fut.Resolve(nil)
		})
		if !ok {
			release()
			fut.Resolve(loop.ErrStopped)
		}
	}()
}

func (m *Manager) acquire(ctx context.Context, opts Options) (*media.Stream, error) {
	c := opts.Constraints()
	local, err := m.media.Acquire(ctx, c)
	if err != nil {
		return nil, &CapabilityError{Constraints: c, Err: err}
	}
	return local, nil
}

// abort handles a failed start. Capability failures go straight back to
// idle; an outbound signaling failure counts as a decline.
func (m *Manager) abort(err error) {
	m.logger.Warn("call attempt failed",
		zap.String("call_id", m.callID),
		zap.String("peer", m.peerID),
		zap.Error(err))
	m.publish(bus.KindCallFailed, Failure{CallID: m.callID, PeerID: m.peerID, Reason: err.Error()})

	var capErr *CapabilityError
	if m.direction == Outbound && !errors.As(err, &capErr) {
		m.decline()
		return
	}
	m.finish(OutcomeFailed)
}

// watch forwards handle events onto the loop for as long as attempt is current.
func (m *Manager) watch(attempt uint64, h Handle) {
	go func() {
		for ev := range h.Events() {
			if !m.post(attempt, ev) {
				h.Close()
				return
			}
			if ev.Type == EventClosed {
				return
			}
		}
		m.post(attempt, HandleEvent{Type: EventClosed})
	}()
}

func (m *Manager) post(attempt uint64, ev HandleEvent) bool {
	return m.loop.Post(func() {
		if attempt != m.attempt {
			return
		}
		m.onHandleEvent(ev)
	})
}

func (m *Manager) onHandleEvent(ev HandleEvent) {
	m.logger.Debug("handle event", zap.String("call_id", m.callID), zap.Stringer("event", ev.Type))
	switch ev.Type {
	case EventRinging:
		if m.phase == Calling {
			m.setPhase(Ringing)
		}
	case EventRemoteStream:
		if m.phase == Declined {
			return
		}
		m.remote = ev.Remote
		if m.phase != Connected {
			m.startedAt = m.now()
			m.setPhase(Connected)
		}
	case EventClosed:
		switch {
		case m.phase == Connected:
			m.finish(OutcomeCompleted)
		case m.phase == Declined:
		case m.direction == Outbound:
			m.decline()
		default:
			m.finish(OutcomeCancelled)
		}
	}
}

// decline releases resources now and lingers in the declined phase.
func (m *Manager) decline() {
	m.release()
	m.setPhase(Declined)
	attempt := m.attempt
	m.timer = time.AfterFunc(m.declineDelay, func() {
		m.loop.Post(func() {
			if attempt == m.attempt && m.phase == Declined {
				m.finish(OutcomeDeclined)
			}
		})
	})
}

func (m *Manager) release() {
	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	m.remote = nil
}

// finish releases everything, logs the call and returns to idle.
func (m *Manager) finish(outcome string) {
	m.attempt++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.release()
	m.record(m.callID, m.peerID, m.direction, m.opts.Kind, outcome, m.startedAt)

	m.callID = ""
	m.peerID = ""
	m.direction = ""
	m.opts = Options{}
	m.startedAt = time.Time{}
	m.sess.ReleaseCall()
	if m.phase != Idle {
		m.setPhase(Idle)
	}
}

func (m *Manager) setPhase(to Phase) {
	from := m.phase
	if from == to {
		return
	}
	if !slices.Contains(validTransitions[from], to) {
		m.logger.Error("invalid call phase transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	m.phase = to
	m.logger.Info("call phase", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("peer", m.peerID))
	m.publish(bus.KindCallPhaseChanged, PhaseChange{
		From:      from,
		To:        to,
		CallID:    m.callID,
		PeerID:    m.peerID,
		Direction: m.direction,
		Kind:      m.opts.Kind,
	})
}

func (m *Manager) record(callID, peerID string, dir Direction, kind Kind, outcome string, startedAt time.Time) {
	if m.log == nil || callID == "" {
		return
	}
	rec := &store.CallRecord{
		CallID:    callID,
		PeerID:    peerID,
		Direction: string(dir),
		Kind:      string(kind),
		Outcome:   outcome,
	}
	if !startedAt.IsZero() {
		rec.StartedAt = startedAt.UnixMilli()
		rec.DurationMs = m.now().Sub(startedAt).Milliseconds()
	}
	m.loop.Go(func(context.Context) error {
		return m.log.RecordCall(rec)
	}, func(err error) {
		if err != nil {
			m.logger.Warn("failed to record call", zap.String("call_id", rec.CallID), zap.Error(err))
		}
	})
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(kind, payload))
	}
}
