package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/nmtri/vichat/internal/bus"
	"github.com/nmtri/vichat/internal/notify"
	"go.uber.org/zap"
)

// ErrCallInProgress is returned when starting a call while one is active.
var ErrCallInProgress = errors.New("a call is already in progress")

// Signaler is what the manager needs from the realtime channel.
type Signaler interface {
	Emit(event string, payload any) error
	PeerID() string
}

// callEvent is the wire shape shared by the channel's call events.
type callEvent struct {
	CallID         string        `json:"call_id"`
	ConversationID string        `json:"conversation_id"`
	Kind           Kind          `json:"kind"`
	From           *Participant  `json:"from,omitempty"`
	Participant    *Participant  `json:"participant,omitempty"`
	Participants   []Participant `json:"participants,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// IncomingCall is the payload of call.incoming events; the UI decides
// whether to Accept or Dismiss it.
type IncomingCall struct {
	CallID         string
	ConversationID string
	Kind           Kind
	From           Participant
}

// Manager owns at most one live call session and routes decoded channel
// events to it. Signaling disconnects do NOT destroy the session; only
// terminal call events or a local End do.
type Manager struct {
	media  MediaSource
	dialer PeerDialer
	ch     Signaler
	bus    *bus.Bus
	notify *notify.Notifier
	logger *zap.Logger

	mu       sync.Mutex
	session  *Session
	incoming *IncomingCall

	cancel context.CancelFunc
}

// NewManager creates a call manager.
func NewManager(media MediaSource, dialer PeerDialer, ch Signaler, b *bus.Bus, n *notify.Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		media:  media,
		dialer: dialer,
		ch:     ch,
		bus:    b,
		notify: n,
		logger: logger,
	}
}

// Start subscribes to channel call events until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("rt.", 128)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event loop and ends any live call.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s != nil {
		_ = s.End()
	}
}

// StartCall initiates a new call in the given conversation.
func (m *Manager) StartCall(ctx context.Context, conversationID string, kind Kind) (*Session, error) {
	return m.begin(ctx, uuid.NewString(), conversationID, kind, (*Session).Initiate)
}

// JoinCall joins an existing call, e.g. one referenced by a link.
func (m *Manager) JoinCall(ctx context.Context, callID string, kind Kind) (*Session, error) {
	return m.begin(ctx, callID, "", kind, (*Session).Join)
}

// Accept answers the pending incoming call.
func (m *Manager) Accept(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	inc := m.incoming
	m.incoming = nil
	m.mu.Unlock()
	if inc == nil {
		return nil, ErrCallNotActive
	}
	s, err := m.begin(ctx, inc.CallID, inc.ConversationID, inc.Kind, (*Session).Join)
	if err != nil {
		return nil, err
	}
	s.SetParticipantInfo(inc.From)
	return s, nil
}

// Dismiss drops the pending incoming call without joining.
func (m *Manager) Dismiss() {
	m.mu.Lock()
	m.incoming = nil
	m.mu.Unlock()
}

// EndCall ends the live call. With no live call it reports a handled
// error, never a crash.
func (m *Manager) EndCall() error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		m.notify.Info("no active call to end")
		return ErrCallNotActive
	}
	return s.End()
}

// Session returns the live session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// HandleInboundPeer forwards an inbound peer connection request from the
// media layer to the live session.
func (m *Manager) HandleInboundPeer(ctx context.Context, remotePeerID string) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		m.logger.Warn("inbound peer with no live call", zap.String("peer", remotePeerID))
		return
	}
	s.HandleInbound(ctx, remotePeerID)
}

func (m *Manager) begin(ctx context.Context, callID, conversationID string, kind Kind, intent func(*Session) error) (*Session, error) {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		m.notify.Error("finish the current call first")
		return nil, ErrCallInProgress
	}
	s := NewSession(SessionConfig{
		CallID:         callID,
		ConversationID: conversationID,
		Kind:           kind,
		SelfPeerID:     m.ch.PeerID(),
		Media:          m.media,
		Dialer:         m.dialer,
		Emitter:        m.ch,
		Bus:            m.bus,
		Notify:         m.notify,
		Logger:         m.logger,
	})
	m.session = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.clearSession(s)
		return nil, err
	}
	if err := intent(s); err != nil {
		m.clearSession(s)
		return nil, err
	}
	return s, nil
}

func (m *Manager) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "rt.incoming_call":
		var ce callEvent
		if !m.decode(evt, &ce) {
			return
		}
		inc := &IncomingCall{CallID: ce.CallID, ConversationID: ce.ConversationID, Kind: ce.Kind}
		if ce.From != nil {
			inc.From = *ce.From
		}
		m.mu.Lock()
		m.incoming = inc
		m.mu.Unlock()
		m.bus.Publish(bus.E("call.incoming", *inc))

	case "rt.call_initiated", "rt.call_joined":
		var ce callEvent
		if !m.decode(evt, &ce) {
			return
		}
		if s := m.sessionFor(ce.CallID); s != nil {
			s.HandleRoster(ce.Participants)
		}

	case "rt.user_joined_call":
		var ce callEvent
		if !m.decode(evt, &ce) {
			return
		}
		if s := m.sessionFor(ce.CallID); s != nil && ce.Participant != nil {
			s.HandleParticipantJoined(*ce.Participant)
		}

	case "rt.user_left_call":
		var ce callEvent
		if !m.decode(evt, &ce) {
			return
		}
		if s := m.sessionFor(ce.CallID); s != nil && ce.Participant != nil {
			s.HandleParticipantLeft(*ce.Participant)
		}

	case "rt.call_ended", "rt.call_declined":
		var ce callEvent
		if !m.decode(evt, &ce) {
			return
		}
		if s := m.sessionFor(ce.CallID); s != nil {
			s.HandleTerminal(evt.Kind[len("rt."):])
			m.clearSession(s)
		}

	case "rt.call_error":
		var ce callEvent
		if !m.decode(evt, &ce) {
			return
		}
		m.logger.Warn("call error from server", zap.String("reason", ce.Reason))
		m.notify.Error("call error: " + ce.Reason)

	case "rt.disconnected":
		// Connectivity error only: the session survives a reconnect.
		m.mu.Lock()
		active := m.session != nil
		m.mu.Unlock()
		if active {
			m.notify.Error("connection lost, trying to reconnect")
		}
	}
}

// sessionFor returns the live session when the event targets it. Events
// with an empty call id are taken on trust for the single live call.
func (m *Manager) sessionFor(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	if callID != "" && m.session.ID() != callID {
		return nil
	}
	return m.session
}

func (m *Manager) clearSession(s *Session) {
	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()
}

func (m *Manager) decode(evt bus.Event, out *callEvent) bool {
	raw, ok := evt.Payload.(json.RawMessage)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		m.logger.Warn("bad call event payload", zap.String("kind", evt.Kind), zap.Error(err))
		return false
	}
	return true
}
