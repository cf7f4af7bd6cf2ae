package call

import (
	"context"
	"errors"
	"sync"

	"github.com/nmtri/vichat/internal/bus"
	"github.com/nmtri/vichat/internal/notify"
	"go.uber.org/zap"
)

var (
	// ErrCallNotActive is returned by controls invoked with no live call.
	ErrCallNotActive = errors.New("call not active")

	// ErrNoLocalStream is returned by mute/camera toggles when media
	// acquisition failed or was denied.
	ErrNoLocalStream = errors.New("no local media stream")
)

// Participant is one call member as known to the signaling layer.
type Participant struct {
	PeerID    string `json:"peer_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Emitter is the fire-and-forget side of the signaling channel.
type Emitter interface {
	Emit(event string, payload any) error
}

// Session owns one call: the local stream, one peer connection per remote
// participant, and the mute/camera flags. It is torn down exactly once,
// either locally via End or remotely via HandleTerminal.
type Session struct {
	id             string
	conversationID string
	kind           Kind
	selfPeerID     string

	machine *Machine
	media   MediaSource
	dialer  PeerDialer
	ch      Emitter
	bus     *bus.Bus
	notify  *notify.Notifier
	logger  *zap.Logger

	mu        sync.Mutex
	local     Stream
	muted     bool
	cameraOff bool
	peers     map[string]PeerConn
	info      map[string]Participant
	ended     bool
}

// SessionConfig carries the collaborators a session needs.
type SessionConfig struct {
	CallID         string
	ConversationID string
	Kind           Kind
	SelfPeerID     string
	Media          MediaSource
	Dialer         PeerDialer
	Emitter        Emitter
	Bus            *bus.Bus
	Notify         *notify.Notifier
	Logger         *zap.Logger
}

// NewSession creates an idle session for one call.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:             cfg.CallID,
		conversationID: cfg.ConversationID,
		kind:           cfg.Kind,
		selfPeerID:     cfg.SelfPeerID,
		machine:        NewMachine(cfg.Bus),
		media:          cfg.Media,
		dialer:         cfg.Dialer,
		ch:             cfg.Emitter,
		bus:            cfg.Bus,
		notify:         cfg.Notify,
		logger:         logger,
		peers:          make(map[string]PeerConn),
		info:           make(map[string]Participant),
	}
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.machine.Current() }

// Start acquires local media. Acquisition failure (typically a permission
// denial) degrades the session to a nil local stream instead of aborting:
// the call proceeds and remote parties render a placeholder tile.
func (s *Session) Start(ctx context.Context) error {
	if err := s.machine.Transition(AcquiringMedia); err != nil {
		return err
	}

	stream, err := s.media.Acquire(ctx, s.kind)
	if err != nil {
		s.logger.Warn("media acquisition failed, continuing without local stream", zap.Error(err))
		s.notify.Error("camera/microphone unavailable")
		stream = nil
	}

	s.mu.Lock()
	s.local = stream
	s.applyTrackFlagsLocked()
	s.mu.Unlock()

	return s.machine.Transition(SignalingConnected)
}

// Initiate announces a new call on the signaling channel. The participant
// roster arrives asynchronously via HandleRoster.
func (s *Session) Initiate() error {
	if err := s.machine.Transition(Initiating); err != nil {
		return err
	}
	s.emit("initiate_call", map[string]any{
		"call_id":         s.id,
		"conversation_id": s.conversationID,
		"kind":            s.kind,
	})
	return nil
}

// Join requests to join an existing call.
func (s *Session) Join() error {
	if err := s.machine.Transition(Joining); err != nil {
		return err
	}
	s.emit("join_call", map[string]any{"call_id": s.id})
	return nil
}

// HandleRoster processes the participant set the server answers an
// initiate/join intent with: one outgoing peer connection per remote
// participant not already connected.
func (s *Session) HandleRoster(participants []Participant) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	for _, p := range participants {
		s.connectPeerLocked(p)
	}
	s.mu.Unlock()

	if cur := s.machine.Current(); cur == Initiating || cur == Joining {
		_ = s.machine.Transition(InCall)
	}
}

// HandleParticipantJoined opens an outgoing peer connection to the new
// participant, skipping self and already-connected peers.
func (s *Session) HandleParticipantJoined(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.connectPeerLocked(p)
}

// HandleParticipantLeft closes and removes only that participant's
// connection; the rest of the session continues.
func (s *Session) HandleParticipantLeft(p Participant) {
	s.mu.Lock()
	conn, ok := s.peers[p.PeerID]
	if ok {
		delete(s.peers, p.PeerID)
		delete(s.info, p.PeerID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := conn.Close(); err != nil {
		s.logger.Warn("closing peer connection", zap.String("peer", p.PeerID), zap.Error(err))
	}
	s.bus.Publish(bus.E("call.peer_removed", p))
}

// HandleInbound accepts an inbound peer connection request. If local media
// is not up yet (the signaling event raced acquisition), it retries
// acquisition first; an inbound call is never dropped because of that
// race, worst case it is answered with no stream.
func (s *Session) HandleInbound(ctx context.Context, remotePeerID string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.local == nil {
		s.mu.Unlock()
		stream, err := s.media.Acquire(ctx, s.kind)
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			if stream != nil {
				stopTracks(stream)
			}
			return
		}
		if err == nil {
			if s.local == nil {
				s.local = stream
				s.applyTrackFlagsLocked()
			} else if stream != nil {
				// A concurrent acquisition won the race; this
				// stream has no owner and must not leak tracks.
				stopTracks(stream)
			}
		}
	}

	conn, err := s.dialer.Answer(remotePeerID, s.local)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("answering inbound peer failed", zap.String("peer", remotePeerID), zap.Error(err))
		s.notify.Error("could not connect a participant")
		return
	}
	s.peers[remotePeerID] = conn
	s.mu.Unlock()

	s.bus.Publish(bus.E("call.peer_added", Participant{PeerID: remotePeerID}))
}

// SetParticipantInfo records display info for a peer once it is known.
func (s *Session) SetParticipantInfo(p Participant) {
	s.mu.Lock()
	s.info[p.PeerID] = p
	s.mu.Unlock()
}

// ParticipantInfo returns display info for a peer, if known.
func (s *Session) ParticipantInfo(peerID string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.info[peerID]
	return p, ok
}

// PeerCount returns the number of connected remote participants.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Layout returns the current tiling rule (remote peers + self).
func (s *Session) Layout() Layout {
	return LayoutFor(s.PeerCount() + 1)
}

// ToggleMute flips the local audio track and mirrors the flag to every
// peer connection so remote parties observe it without renegotiation.
func (s *Session) ToggleMute() error {
	return s.toggle(AudioTrack, "microphone")
}

// ToggleCamera flips the local video track across all peer connections.
func (s *Session) ToggleCamera() error {
	return s.toggle(VideoTrack, "camera")
}

func (s *Session) toggle(kind TrackKind, label string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.notify.Error("no active call")
		return ErrCallNotActive
	}
	if s.local == nil {
		s.mu.Unlock()
		s.notify.Error("cannot control " + label + ": no local stream")
		return ErrNoLocalStream
	}

	var enabled bool
	if kind == AudioTrack {
		s.muted = !s.muted
		enabled = !s.muted
	} else {
		s.cameraOff = !s.cameraOff
		enabled = !s.cameraOff
	}
	for _, t := range s.local.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
	for id, conn := range s.peers {
		if err := conn.SetTrackEnabled(kind, enabled); err != nil {
			s.logger.Warn("mirroring track flag", zap.String("peer", id), zap.Error(err))
		}
	}
	s.mu.Unlock()

	s.bus.Publish(bus.E("call.controls_changed", map[string]bool{
		"muted":      s.Muted(),
		"camera_off": s.CameraOff(),
	}))
	return nil
}

// Muted reports the local mute flag.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// CameraOff reports the local camera-off flag.
func (s *Session) CameraOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraOff
}

// End tears the session down from the local side: it announces the end on
// the signaling channel, closes every peer connection, stops all local
// tracks and clears state. Idempotent: a second call reports a handled
// error instead of double-stopping anything.
func (s *Session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.notify.Info("no active call to end")
		return ErrCallNotActive
	}
	s.emit("end_call", map[string]string{"call_id": s.id})
	s.teardownLocked()
	s.mu.Unlock()

	s.bus.Publish(bus.E("call.ended", s.id))
	return nil
}

// HandleTerminal processes a terminal server event (call_ended,
// call_declined): forced teardown, no retry, no end_call echo.
func (s *Session) HandleTerminal(reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.mu.Unlock()

	if reason == "call_declined" {
		s.notify.Info("call declined")
	}
	s.bus.Publish(bus.E("call.ended", s.id))
}

// teardownLocked closes peers and stops tracks exactly once. Caller holds
// s.mu and has checked s.ended.
func (s *Session) teardownLocked() {
	s.ended = true
	for id, conn := range s.peers {
		if err := conn.Close(); err != nil {
			s.logger.Warn("closing peer connection", zap.String("peer", id), zap.Error(err))
		}
	}
	s.peers = make(map[string]PeerConn)
	s.info = make(map[string]Participant)
	if s.local != nil {
		stopTracks(s.local)
		s.local = nil
	}
	_ = s.machine.Transition(Ended)
}

// connectPeerLocked dials one remote participant. A failure removes only
// that participant; the session carries on.
func (s *Session) connectPeerLocked(p Participant) {
	if p.PeerID == "" || p.PeerID == s.selfPeerID {
		return
	}
	if _, ok := s.peers[p.PeerID]; ok {
		return
	}
	conn, err := s.dialer.Dial(p.PeerID, s.local)
	if err != nil {
		s.logger.Warn("dialing peer failed", zap.String("peer", p.PeerID), zap.Error(err))
		s.notify.Error("could not connect to " + p.Name)
		return
	}
	s.peers[p.PeerID] = conn
	s.info[p.PeerID] = p
	s.bus.Publish(bus.E("call.peer_added", p))
}

func (s *Session) applyTrackFlagsLocked() {
	if s.local == nil {
		return
	}
	for _, t := range s.local.Tracks() {
		switch t.Kind() {
		case AudioTrack:
			t.SetEnabled(!s.muted)
		case VideoTrack:
			t.SetEnabled(!s.cameraOff)
		}
	}
}

func (s *Session) emit(event string, payload any) {
	if err := s.ch.Emit(event, payload); err != nil {
		s.logger.Warn("signaling emit failed", zap.String("event", event), zap.Error(err))
	}
}

func stopTracks(s Stream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
