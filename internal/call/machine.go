// Package call implements the client side of voice calls: the signaling
// state machine over the transport channel and the media session it drives.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/events"
	"github.com/servicehub/chatcore/internal/transport"
)

var (
	// ErrInvalidTransition is returned for actions not allowed in the
	// current phase.
	ErrInvalidTransition = errors.New("call: invalid transition")
	// ErrNotLive is returned by Minimize unless the call is connected and the
	// media layer has confirmed it.
	ErrNotLive = errors.New("call: media not connected")
	// ErrBusy is returned by Initiate while another call is live.
	ErrBusy = errors.New("call: another call is in progress")
)

// Phase is the signaling phase of a call.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseConnecting  Phase = "connecting"
	PhaseRinging     Phase = "ringing"
	PhaseNegotiating Phase = "negotiating"
	PhaseConnected   Phase = "connected"
	PhaseEnded       Phase = "ended"
	PhaseCancelled   Phase = "cancelled"
	PhaseRejected    Phase = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseCancelled || p == PhaseRejected
}

// Live reports whether a call is in progress.
func (p Phase) Live() bool {
	return p != PhaseIdle && p != "" && !p.Terminal()
}

// Direction tells who placed the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Reason explains a terminal phase.
type Reason string

const (
	ReasonHangup          Reason = "hangup"
	ReasonCancelled       Reason = "cancelled"
	ReasonRejected        Reason = "rejected"
	ReasonUnmounted       Reason = "unmounted"
	ReasonNoAnswer        Reason = "no_answer"
	ReasonMissed          Reason = "missed"
	ReasonMediaLost       Reason = "media_lost"
	ReasonError           Reason = "error"
	ReasonRemoteHangup    Reason = "remote_hangup"
	ReasonRemoteCancelled Reason = "remote_cancelled"
	ReasonRemoteRejected  Reason = "remote_rejected"
)

// Snapshot is a consistent view of the machine.
type Snapshot struct {
	CallID             string
	PeerID             string
	ConversationID     string
	Direction          Direction
	Phase              Phase
	Media              MediaState
	MediaEverConnected bool
	Floating           bool
	Reason             Reason
	Err                error
	ConnectedAt        time.Time
	Duration           time.Duration
}

// Config identifies the local user and the default peer.
type Config struct {
	SelfID         string
	PeerID         string
	ConversationID string
	// RingTimeout bounds both the outgoing wait for an answer and the
	// incoming ring. Zero means 30s.
	RingTimeout time.Duration
	// DisconnectGrace is how long connected media may stay disconnected
	// before the call is hung up. Zero means 10s.
	DisconnectGrace time.Duration
}

// Machine is the call signaling state machine for one user. At most one
// call is live at a time. This side emits at most one of cancel_call,
// end_call or reject_call per call; the ending flag guards it.
type Machine struct {
	cfg     Config
	channel transport.Channel
	factory MediaFactory
	logger  *logrus.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	callID             string
	peerID             string
	conversationID     string
	direction          Direction
	phase              Phase
	media              MediaState
	mediaEverConnected bool
	ending             bool
	detachInProgress   bool
	reason             Reason
	err                error
	session            MediaSession
	detached           MediaSession
	remoteSet          bool
	pendingICE         []events.Candidate
	ringTimer          *time.Timer
	graceTimer         *time.Timer
	connectedAt        time.Time
	endedAt            time.Time

	watchers  map[int]func(Snapshot)
	nextW     int
	unsubs    []func()
	closeOnce sync.Once
}

// NewMachine creates an idle machine. Call Start to subscribe to signaling.
func NewMachine(cfg Config, channel transport.Channel, factory MediaFactory, logger *logrus.Logger) *Machine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:      cfg,
		channel:  channel,
		factory:  factory,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		phase:    PhaseIdle,
		media:    MediaNone,
		watchers: make(map[int]func(Snapshot)),
	}
}

// Start registers the signaling handlers. It is a no-op when already
// started.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubs != nil {
		return
	}
	on := func(event string, h transport.Handler) {
		m.unsubs = append(m.unsubs, m.channel.On(event, h))
	}
	on(events.CallInitiated, m.handleInitiated)
	on(events.IncomingCall, m.handleIncoming)
	on(events.CallAccepted, m.handleAccepted)
	on(events.CallRejected, m.remoteTerminal(events.CallRejected))
	on(events.CallCancelled, m.remoteTerminal(events.CallCancelled))
	on(events.CallEnded, m.remoteTerminal(events.CallEnded))
	on(events.WebRTCOffer, m.handleOffer)
	on(events.WebRTCAnswer, m.handleAnswer)
	on(events.WebRTCICECandidate, m.handleRemoteCandidate)
}

// Close hangs up a live call, floating or not, and removes the handlers.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		_ = m.Hangup()
		m.mu.Lock()
		unsubs := m.unsubs
		m.unsubs = nil
		m.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		m.cancel()
	})
}

// OnChange registers fn to receive a snapshot after every transition.
func (m *Machine) OnChange(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextW
	m.nextW++
	m.watchers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Initiate places a call to the configured peer and returns its id.
func (m *Machine) Initiate() (string, error) {
	var callID string
	err := m.locked(func() error {
		if m.phase.Live() {
			return ErrBusy
		}
		if m.cfg.PeerID == "" {
			return fmt.Errorf("%w: no peer to call", ErrInvalidTransition)
		}
		m.resetLocked()
		callID = uuid.NewString()
		m.callID = callID
		m.peerID = m.cfg.PeerID
		m.conversationID = m.cfg.ConversationID
		m.direction = DirectionOutgoing
		m.phase = PhaseConnecting
		m.emitLocked(events.InitiateCall, events.CallInvite{
			CallID:         callID,
			CallerID:       m.cfg.SelfID,
			RecipientID:    m.peerID,
			ConversationID: m.conversationID,
		})
		m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() { m.ringExpired(callID) })
		m.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"peer_id": m.peerID,
		}).Info("call initiated")
		return nil
	})
	return callID, err
}

// Accept answers a ringing call. The media session is opened before the
// acceptance is signaled.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	callID, phase := m.callID, m.phase
	m.mu.Unlock()
	if phase != PhaseRinging {
		return fmt.Errorf("%w: accept while %s", ErrInvalidTransition, phase)
	}

	session, err := m.factory(ctx)
	if err != nil {
		err = fmt.Errorf("open media session: %w", err)
		m.abort(callID, err)
		return err
	}

	return m.locked(func() error {
		if m.callID != callID || m.phase != PhaseRinging {
			m.detached = session
			return fmt.Errorf("%w: call changed while accepting", ErrInvalidTransition)
		}
		m.attachLocked(session)
		m.stopRingLocked()
		m.phase = PhaseNegotiating
		m.media = MediaNegotiating
		m.emitLocked(events.AcceptCall, events.CallControl{
			CallID:         callID,
			RecipientID:    m.peerID,
			ConversationID: m.conversationID,
		})
		return nil
	})
}

// Reject declines a ringing call.
func (m *Machine) Reject() error {
	return m.locked(func() error {
		if m.phase != PhaseRinging {
			return fmt.Errorf("%w: reject while %s", ErrInvalidTransition, m.phase)
		}
		m.finishLocked(ReasonRejected)
		return nil
	})
}

// Hangup ends the call from this side. It emits end_call if the media layer
// ever connected and cancel_call otherwise. Repeated calls are no-ops.
func (m *Machine) Hangup() error {
	return m.locked(func() error {
		if !m.phase.Live() {
			return nil
		}
		reason := ReasonHangup
		if !m.mediaEverConnected {
			reason = ReasonCancelled
		}
		m.finishLocked(reason)
		return nil
	})
}

// Minimize hands the call over to a floating widget. The call screen may
// then unmount without tearing the call down.
func (m *Machine) Minimize() error {
	return m.locked(func() error {
		if m.phase != PhaseConnected || m.media != MediaConnected {
			return ErrNotLive
		}
		m.detachInProgress = true
		return nil
	})
}

// Restore brings a floating call back to the full screen.
func (m *Machine) Restore() {
	_ = m.locked(func() error {
		m.detachInProgress = false
		return nil
	})
}

// Teardown is the unmount path of the call screen. Unless the call is
// being detached into floating mode it ends a live call, emitting cancel
// or end, and always releases the media session of a finished call.
func (m *Machine) Teardown() {
	_ = m.locked(func() error {
		if m.detachInProgress {
			m.logger.WithField("call_id", m.callID).Debug("teardown suppressed for floating call")
			return nil
		}
		if m.phase.Live() {
			m.finishLocked(ReasonUnmounted)
			return nil
		}
		if m.session != nil {
			m.detached = m.session
			m.session = nil
		}
		return nil
	})
}

func (m *Machine) handleInitiated(data json.RawMessage) {
	var inv events.CallInvite
	if !m.decode(events.CallInitiated, data, &inv) {
		return
	}
	m.logger.WithField("call_id", inv.CallID).Debug("call registered by relay")
}

func (m *Machine) handleIncoming(data json.RawMessage) {
	var inv events.CallInvite
	if !m.decode(events.IncomingCall, data, &inv) || inv.CallID == "" {
		return
	}
	_ = m.locked(func() error {
		if inv.CallID == m.callID {
			return nil
		}
		if m.phase.Live() {
			m.logger.WithFields(logrus.Fields{
				"call_id":   inv.CallID,
				"caller_id": inv.CallerID,
			}).Info("busy, rejecting incoming call")
			m.emitLocked(events.RejectCall, events.CallControl{
				CallID:         inv.CallID,
				RecipientID:    inv.CallerID,
				ConversationID: inv.ConversationID,
			})
			return nil
		}
		m.resetLocked()
		callID := inv.CallID
		m.callID = callID
		m.peerID = inv.CallerID
		m.conversationID = inv.ConversationID
		if m.conversationID == "" {
			m.conversationID = m.cfg.ConversationID
		}
		m.direction = DirectionIncoming
		m.phase = PhaseRinging
		m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() { m.ringExpired(callID) })
		return nil
	})
}

func (m *Machine) handleAccepted(data json.RawMessage) {
	var ctl events.CallControl
	if !m.decode(events.CallAccepted, data, &ctl) {
		return
	}
	m.mu.Lock()
	callID := m.callID
	ok := ctl.CallID == callID && m.phase == PhaseConnecting && m.direction == DirectionOutgoing
	if !ok {
		m.ignoredLocked(events.CallAccepted, ctl.CallID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	session, err := m.factory(m.ctx)
	if err != nil {
		m.abort(callID, fmt.Errorf("open media session: %w", err))
		return
	}
	attached := false
	_ = m.locked(func() error {
		if m.callID != callID || m.phase != PhaseConnecting {
			m.detached = session
			return nil
		}
		m.attachLocked(session)
		m.stopRingLocked()
		m.phase = PhaseNegotiating
		m.media = MediaNegotiating
		attached = true
		return nil
	})
	if !attached {
		return
	}

	offer, err := session.CreateOffer(m.ctx)
	if err != nil {
		m.abort(callID, fmt.Errorf("create offer: %w", err))
		return
	}
	_ = m.locked(func() error {
		if m.callID != callID || !m.phase.Live() {
			return nil
		}
		m.emitLocked(events.WebRTCOffer, events.SessionDescription{
			CallID:      callID,
			RecipientID: m.peerID,
			SenderID:    m.cfg.SelfID,
			SDP:         offer,
		})
		return nil
	})
}

func (m *Machine) handleOffer(data json.RawMessage) {
	var sd events.SessionDescription
	if !m.decode(events.WebRTCOffer, data, &sd) {
		return
	}
	m.mu.Lock()
	callID, session := m.callID, m.session
	ok := sd.CallID == callID && m.phase == PhaseNegotiating && session != nil &&
		m.direction == DirectionIncoming && !m.remoteSet
	if !ok {
		m.ignoredLocked(events.WebRTCOffer, sd.CallID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	answer, err := session.AcceptOffer(m.ctx, sd.SDP)
	if err != nil {
		m.abort(callID, fmt.Errorf("accept offer: %w", err))
		return
	}
	var pending []events.Candidate
	_ = m.locked(func() error {
		if m.callID != callID || !m.phase.Live() {
			return nil
		}
		m.remoteSet = true
		pending, m.pendingICE = m.pendingICE, nil
		m.emitLocked(events.WebRTCAnswer, events.SessionDescription{
			CallID:      callID,
			RecipientID: m.peerID,
			SenderID:    m.cfg.SelfID,
			SDP:         answer,
		})
		return nil
	})
	m.addCandidates(callID, session, pending)
}

func (m *Machine) handleAnswer(data json.RawMessage) {
	var sd events.SessionDescription
	if !m.decode(events.WebRTCAnswer, data, &sd) {
		return
	}
	m.mu.Lock()
	callID, session := m.callID, m.session
	ok := sd.CallID == callID && m.phase == PhaseNegotiating && session != nil &&
		m.direction == DirectionOutgoing && !m.remoteSet
	if !ok {
		m.ignoredLocked(events.WebRTCAnswer, sd.CallID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := session.SetAnswer(sd.SDP); err != nil {
		m.abort(callID, fmt.Errorf("set answer: %w", err))
		return
	}
	var pending []events.Candidate
	m.mu.Lock()
	if m.callID == callID {
		m.remoteSet = true
		pending, m.pendingICE = m.pendingICE, nil
	}
	m.mu.Unlock()
	m.addCandidates(callID, session, pending)
}

func (m *Machine) handleRemoteCandidate(data json.RawMessage) {
	var ic events.ICECandidate
	if !m.decode(events.WebRTCICECandidate, data, &ic) {
		return
	}
	m.mu.Lock()
	if ic.CallID != m.callID || !m.phase.Live() {
		m.mu.Unlock()
		return
	}
	if m.session == nil || !m.remoteSet {
		m.pendingICE = append(m.pendingICE, ic.Candidate)
		m.mu.Unlock()
		return
	}
	session := m.session
	m.mu.Unlock()
	m.addCandidates(ic.CallID, session, []events.Candidate{ic.Candidate})
}

func (m *Machine) addCandidates(callID string, session MediaSession, cs []events.Candidate) {
	for _, c := range cs {
		if err := session.AddICECandidate(c); err != nil {
			m.logger.WithError(err).WithField("call_id", callID).Warn("failed to add ICE candidate")
		}
	}
}

func (m *Machine) localCandidate(callID string, c events.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if callID != m.callID || !m.phase.Live() {
		return
	}
	m.emitLocked(events.WebRTCICECandidate, events.ICECandidate{
		CallID:      callID,
		RecipientID: m.peerID,
		SenderID:    m.cfg.SelfID,
		Candidate:   c,
	})
}

func (m *Machine) mediaChanged(callID string, state MediaState) {
	_ = m.locked(func() error {
		if callID != m.callID || !m.phase.Live() {
			return nil
		}
		switch state {
		case MediaConnected:
			m.stopGraceLocked()
			m.media = MediaConnected
			m.mediaEverConnected = true
			if m.phase == PhaseNegotiating {
				m.phase = PhaseConnected
				m.connectedAt = m.now()
			}
		case MediaDisconnected:
			m.media = MediaDisconnected
			if m.mediaEverConnected && m.graceTimer == nil {
				m.graceTimer = time.AfterFunc(m.cfg.DisconnectGrace, func() { m.graceExpired(callID) })
			}
		case MediaFailed:
			m.media = MediaFailed
			m.finishLocked(ReasonMediaLost)
		}
		return nil
	})
}

func (m *Machine) graceExpired(callID string) {
	_ = m.locked(func() error {
		m.graceTimer = nil
		if callID != m.callID || !m.phase.Live() || m.media == MediaConnected {
			return nil
		}
		m.logger.WithField("call_id", callID).Warn("media stayed disconnected, hanging up")
		m.finishLocked(ReasonMediaLost)
		return nil
	})
}

func (m *Machine) ringExpired(callID string) {
	_ = m.locked(func() error {
		if callID != m.callID {
			return nil
		}
		switch m.phase {
		case PhaseConnecting:
			m.logger.WithField("call_id", callID).Info("no answer")
			m.finishLocked(ReasonNoAnswer)
		case PhaseRinging:
			// The caller gives up on its own timer and cancels.
			m.ending = true
			m.phase = PhaseEnded
			m.reason = ReasonMissed
			m.endLocked()
		}
		return nil
	})
}

func (m *Machine) remoteTerminal(event string) transport.Handler {
	return func(data json.RawMessage) {
		var ctl events.CallControl
		if !m.decode(event, data, &ctl) {
			return
		}
		_ = m.locked(func() error {
			if ctl.CallID != m.callID || !m.phase.Live() {
				m.ignoredLocked(event, ctl.CallID)
				return nil
			}
			early := m.phase == PhaseConnecting || m.phase == PhaseRinging
			m.ending = true
			switch event {
			case events.CallRejected:
				m.reason = ReasonRemoteRejected
				m.phase = PhaseEnded
				if early {
					m.phase = PhaseRejected
				}
			case events.CallCancelled:
				m.reason = ReasonRemoteCancelled
				m.phase = PhaseEnded
				if !m.mediaEverConnected {
					m.phase = PhaseCancelled
				}
			default:
				m.reason = ReasonRemoteHangup
				m.phase = PhaseEnded
			}
			m.endLocked()
			return nil
		})
	}
}

// abort ends the call after an unrecoverable local error.
func (m *Machine) abort(callID string, err error) {
	m.logger.WithError(err).WithField("call_id", callID).Error("call aborted")
	_ = m.locked(func() error {
		if callID != m.callID || !m.phase.Live() {
			return nil
		}
		m.err = err
		m.finishLocked(ReasonError)
		return nil
	})
}

// finishLocked emits this side's single terminating event and moves to a
// terminal phase. The event is end_call once media ever connected,
// reject_call for a declined ring and cancel_call otherwise.
func (m *Machine) finishLocked(reason Reason) {
	if m.ending || !m.phase.Live() {
		return
	}
	m.ending = true
	ctl := events.CallControl{
		CallID:         m.callID,
		RecipientID:    m.peerID,
		ConversationID: m.conversationID,
	}
	switch {
	case m.mediaEverConnected:
		ctl.Duration = int(m.durationLocked().Seconds())
		m.emitLocked(events.EndCall, ctl)
		m.phase = PhaseEnded
	case reason == ReasonRejected:
		m.emitLocked(events.RejectCall, ctl)
		m.phase = PhaseRejected
	default:
		m.emitLocked(events.CancelCall, ctl)
		m.phase = PhaseCancelled
		if reason == ReasonNoAnswer || reason == ReasonError || reason == ReasonMediaLost {
			m.phase = PhaseEnded
		}
	}
	m.reason = reason
	m.endLocked()
	m.logger.WithFields(logrus.Fields{
		"call_id": m.callID,
		"phase":   m.phase,
		"reason":  reason,
	}).Info("call finished")
}

// endLocked releases timers and the media session of a finished call.
func (m *Machine) endLocked() {
	m.stopRingLocked()
	m.stopGraceLocked()
	if !m.connectedAt.IsZero() {
		m.endedAt = m.now()
	}
	if m.session != nil {
		m.detached = m.session
		m.session = nil
	}
	m.detachInProgress = false
	m.pendingICE = nil
}

func (m *Machine) resetLocked() {
	m.stopRingLocked()
	m.stopGraceLocked()
	if m.session != nil {
		m.detached = m.session
	}
	m.callID, m.peerID, m.conversationID = "", "", ""
	m.direction = ""
	m.phase = PhaseIdle
	m.media = MediaNone
	m.mediaEverConnected = false
	m.ending = false
	m.detachInProgress = false
	m.reason = ""
	m.err = nil
	m.session = nil
	m.remoteSet = false
	m.pendingICE = nil
	m.connectedAt, m.endedAt = time.Time{}, time.Time{}
}

func (m *Machine) attachLocked(session MediaSession) {
	callID := m.callID
	m.session = session
	session.OnICECandidate(func(c events.Candidate) { m.localCandidate(callID, c) })
	session.OnStateChange(func(s MediaState) { m.mediaChanged(callID, s) })
}

func (m *Machine) stopRingLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) stopGraceLocked() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Machine) emitLocked(event string, payload any) {
	m.channel.Emit(event, payload)
}

func (m *Machine) ignoredLocked(event, callID string) {
	entry := m.logger.WithFields(logrus.Fields{
		"event":   event,
		"call_id": callID,
		"phase":   m.phase,
	})
	if callID == m.callID && m.phase.Terminal() {
		entry.Info("ignoring signaling after terminal state")
		return
	}
	entry.Debug("ignoring signaling event")
}

func (m *Machine) decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		m.logger.WithError(err).WithField("event", event).Warn("malformed call event")
		return false
	}
	return true
}

func (m *Machine) durationLocked() time.Duration {
	if m.connectedAt.IsZero() {
		return 0
	}
	end := m.endedAt
	if end.IsZero() {
		end = m.now()
	}
	return end.Sub(m.connectedAt)
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		CallID:             m.callID,
		PeerID:             m.peerID,
		ConversationID:     m.conversationID,
		Direction:          m.direction,
		Phase:              m.phase,
		Media:              m.media,
		MediaEverConnected: m.mediaEverConnected,
		Floating:           m.detachInProgress,
		Reason:             m.reason,
		Err:                m.err,
		ConnectedAt:        m.connectedAt,
		Duration:           m.durationLocked(),
	}
}

// locked runs fn under the lock, then closes a released media session and
// notifies watchers if the state changed.
func (m *Machine) locked(fn func() error) error {
	m.mu.Lock()
	before := m.snapshotLocked()
	err := fn()
	after := m.snapshotLocked()
	closing := m.detached
	m.detached = nil
	var watchers []func(Snapshot)
	if changed(before, after) {
		for _, w := range m.watchers {
			watchers = append(watchers, w)
		}
	}
	m.mu.Unlock()

	if closing != nil {
		if cerr := closing.Close(); cerr != nil {
			m.logger.WithError(cerr).WithField("call_id", after.CallID).Warn("failed to close media session")
		}
	}
	for _, w := range watchers {
		w(after)
	}
	return err
}

func changed(a, b Snapshot) bool {
	return a.CallID != b.CallID || a.Phase != b.Phase || a.Media != b.Media || a.Floating != b.Floating
}
