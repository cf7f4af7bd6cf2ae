package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nmtri/vichat/internal/bus"
	"github.com/nmtri/vichat/internal/notify"
)

// fakeTrack counts SetEnabled/Stop calls.
type fakeTrack struct {
	mu        sync.Mutex
	kind      TrackKind
	enabled   bool
	stopCount int
}

func (f *fakeTrack) Kind() TrackKind { return f.kind }

func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTrack) SetEnabled(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = v
}

func (f *fakeTrack) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCount++
}

func (f *fakeTrack) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCount
}

type fakeStream struct {
	tracks []Track
}

func (f *fakeStream) Tracks() []Track { return f.tracks }

func newFakeStream() (*fakeStream, *fakeTrack, *fakeTrack) {
	audio := &fakeTrack{kind: AudioTrack, enabled: true}
	video := &fakeTrack{kind: VideoTrack, enabled: true}
	return &fakeStream{tracks: []Track{audio, video}}, audio, video
}

// fakeMedia returns a queue of results, one per Acquire call.
type fakeMedia struct {
	mu      sync.Mutex
	results []acquireResult
	calls   int
}

type acquireResult struct {
	stream Stream
	err    error
}

func (f *fakeMedia) Acquire(_ context.Context, _ Kind) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil, errors.New("no more acquire results")
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.stream, r.err
}

// fakeConn records flag mirroring and close calls.
type fakeConn struct {
	mu       sync.Mutex
	remote   string
	flags    map[TrackKind]bool
	closed   int
	closeErr error
}

func (f *fakeConn) RemoteID() string { return f.remote }

func (f *fakeConn) OnRemoteStream(func(Stream)) {}

func (f *fakeConn) SetTrackEnabled(kind TrackKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[kind] = enabled
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   map[string]*fakeConn
	dialErr map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn), dialErr: make(map[string]error)}
}

func (f *fakeDialer) Dial(remote string, _ Stream) (PeerConn, error) {
	return f.connect(remote)
}

func (f *fakeDialer) Answer(remote string, _ Stream) (PeerConn, error) {
	return f.connect(remote)
}

func (f *fakeDialer) connect(remote string) (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dialErr[remote]; err != nil {
		return nil, err
	}
	c := &fakeConn{remote: remote, flags: make(map[TrackKind]bool)}
	f.conns[remote] = c
	return c, nil
}

type sessionEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *sessionEmitter) Emit(event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *sessionEmitter) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestSession(media MediaSource, dialer PeerDialer) (*Session, *sessionEmitter, *bus.Bus) {
	b := bus.New()
	em := &sessionEmitter{}
	s := NewSession(SessionConfig{
		CallID:         "call-1",
		ConversationID: "conv-1",
		Kind:           Video,
		SelfPeerID:     "self",
		Media:          media,
		Dialer:         dialer,
		Emitter:        em,
		Bus:            b,
		Notify:         notify.New(b),
		Logger:         nil,
	})
	return s, em, b
}

func startedSession(t *testing.T) (*Session, *sessionEmitter, *fakeDialer, *fakeTrack, *fakeTrack) {
	t.Helper()
	stream, audio, video := newFakeStream()
	media := &fakeMedia{results: []acquireResult{{stream: stream}}}
	dialer := newFakeDialer()
	s, em, _ := newTestSession(media, dialer)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, em, dialer, audio, video
}

func TestStartAcquiresMedia(t *testing.T) {
	s, _, _, audio, video := startedSession(t)
	if s.State() != SignalingConnected {
		t.Errorf("state = %s, want SIGNALING_CONNECTED", s.State())
	}
	if !audio.Enabled() || !video.Enabled() {
		t.Error("tracks should start enabled with default flags")
	}
}

func TestStartDegradedOnMediaFailure(t *testing.T) {
	media := &fakeMedia{results: []acquireResult{{err: errors.New("permission denied")}}}
	s, _, b := newTestSession(media, newFakeDialer())

	ch, unsub := b.Subscribe("notify.error", 10)
	defer unsub()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("degraded start must not abort: %v", err)
	}
	if s.State() != SignalingConnected {
		t.Errorf("state = %s, want SIGNALING_CONNECTED despite denial", s.State())
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("permission denial should surface a notification")
	}
}

func TestRosterDialsRemotesSkippingSelf(t *testing.T) {
	s, _, dialer, _, _ := startedSession(t)
	if err := s.Initiate(); err != nil {
		t.Fatal(err)
	}

	s.HandleRoster([]Participant{
		{PeerID: "self", Name: "Me"},
		{PeerID: "peer-b", Name: "B"},
		{PeerID: "peer-c", Name: "C"},
	})

	if s.PeerCount() != 2 {
		t.Fatalf("peer count = %d, want 2 (self skipped)", s.PeerCount())
	}
	if _, ok := dialer.conns["self"]; ok {
		t.Error("must not dial self")
	}
	if s.State() != InCall {
		t.Errorf("state = %s, want IN_CALL after roster", s.State())
	}
}

func TestRosterSkipsAlreadyConnected(t *testing.T) {
	s, _, _, _, _ := startedSession(t)
	_ = s.Initiate()

	s.HandleRoster([]Participant{{PeerID: "peer-b"}})
	s.HandleRoster([]Participant{{PeerID: "peer-b"}})

	if s.PeerCount() != 1 {
		t.Errorf("peer count = %d, want 1 (no duplicate connection)", s.PeerCount())
	}
}

func TestPerPeerDialFailureIsIsolated(t *testing.T) {
	s, _, dialer, _, _ := startedSession(t)
	_ = s.Initiate()
	dialer.mu.Lock()
	dialer.dialErr["peer-bad"] = errors.New("negotiation failed")
	dialer.mu.Unlock()

	s.HandleRoster([]Participant{{PeerID: "peer-bad"}, {PeerID: "peer-ok"}})

	if s.PeerCount() != 1 {
		t.Errorf("peer count = %d, want 1 (failure removes only that peer)", s.PeerCount())
	}
	if _, ok := dialer.conns["peer-ok"]; !ok {
		t.Error("healthy peer should still connect")
	}
}

// TestParticipantLeft is the [A(local), B, C] scenario: B leaving closes
// exactly B's connection and leaves C connected.
func TestParticipantLeft(t *testing.T) {
	s, _, dialer, _, _ := startedSession(t)
	_ = s.Initiate()
	s.HandleRoster([]Participant{{PeerID: "peer-b", Name: "B"}, {PeerID: "peer-c", Name: "C"}})

	s.HandleParticipantLeft(Participant{PeerID: "peer-b"})

	if s.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", s.PeerCount())
	}
	if got := dialer.conns["peer-b"].closeCount(); got != 1 {
		t.Errorf("B close count = %d, want 1", got)
	}
	if got := dialer.conns["peer-c"].closeCount(); got != 0 {
		t.Errorf("C close count = %d, want 0 (still in call)", got)
	}
}

func TestParticipantJoined(t *testing.T) {
	s, _, dialer, _, _ := startedSession(t)
	_ = s.Initiate()
	s.HandleRoster([]Participant{{PeerID: "peer-b"}})

	s.HandleParticipantJoined(Participant{PeerID: "peer-d", Name: "D"})

	if s.PeerCount() != 2 {
		t.Errorf("peer count = %d, want 2", s.PeerCount())
	}
	if _, ok := dialer.conns["peer-d"]; !ok {
		t.Error("new participant should be dialed")
	}
	if p, ok := s.ParticipantInfo("peer-d"); !ok || p.Name != "D" {
		t.Errorf("participant info = %+v, %v", p, ok)
	}
}

func TestToggleMuteFlipsLocalAndMirrors(t *testing.T) {
	s, _, dialer, audio, video := startedSession(t)
	_ = s.Initiate()
	s.HandleRoster([]Participant{{PeerID: "peer-b"}})

	if err := s.ToggleMute(); err != nil {
		t.Fatal(err)
	}
	if audio.Enabled() {
		t.Error("audio track should be disabled after mute")
	}
	if !video.Enabled() {
		t.Error("video track must be untouched by mute")
	}
	conn := dialer.conns["peer-b"]
	conn.mu.Lock()
	mirrored, ok := conn.flags[AudioTrack]
	conn.mu.Unlock()
	if !ok || mirrored {
		t.Error("mute must be mirrored to every peer connection")
	}

	// Unmute restores.
	if err := s.ToggleMute(); err != nil {
		t.Fatal(err)
	}
	if !audio.Enabled() {
		t.Error("audio track should be enabled after unmute")
	}
}

func TestToggleCameraIndependentOfMute(t *testing.T) {
	s, _, _, audio, video := startedSession(t)

	if err := s.ToggleCamera(); err != nil {
		t.Fatal(err)
	}
	if video.Enabled() {
		t.Error("video should be off")
	}
	if !audio.Enabled() {
		t.Error("audio must be untouched by camera toggle")
	}
	if !s.CameraOff() || s.Muted() {
		t.Errorf("flags = muted %v, cameraOff %v", s.Muted(), s.CameraOff())
	}
}

// TestToggleMuteWithoutStream: a denied-permission session toggling mute
// gets a visible "cannot control" notification, not a silent failure.
func TestToggleMuteWithoutStream(t *testing.T) {
	media := &fakeMedia{results: []acquireResult{{err: errors.New("denied")}}}
	s, _, b := newTestSession(media, newFakeDialer())
	_ = s.Start(context.Background())

	ch, unsub := b.Subscribe("notify.error", 10)
	defer unsub()

	err := s.ToggleMute()
	if !errors.Is(err, ErrNoLocalStream) {
		t.Errorf("error = %v, want ErrNoLocalStream", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a cannot-control notification")
	}
}

// TestEndTwice: the second End is a handled no-op and tracks are stopped
// exactly once.
func TestEndTwice(t *testing.T) {
	s, em, dialer, audio, video := startedSession(t)
	_ = s.Initiate()
	s.HandleRoster([]Participant{{PeerID: "peer-b"}})

	if err := s.End(); err != nil {
		t.Fatal(err)
	}
	if err := s.End(); !errors.Is(err, ErrCallNotActive) {
		t.Errorf("second End error = %v, want ErrCallNotActive", err)
	}

	if audio.stops() != 1 || video.stops() != 1 {
		t.Errorf("track stops = %d/%d, want exactly 1 each", audio.stops(), video.stops())
	}
	if got := dialer.conns["peer-b"].closeCount(); got != 1 {
		t.Errorf("peer close count = %d, want 1", got)
	}
	if em.count("end_call") != 1 {
		t.Errorf("end_call emits = %d, want 1", em.count("end_call"))
	}
	if s.State() != Ended {
		t.Errorf("state = %s, want ENDED", s.State())
	}
}

func TestTerminalEventTearsDownWithoutEcho(t *testing.T) {
	s, em, dialer, audio, _ := startedSession(t)
	_ = s.Join()
	s.HandleRoster([]Participant{{PeerID: "peer-b"}})

	s.HandleTerminal("call_ended")

	if s.PeerCount() != 0 {
		t.Errorf("peer count = %d, want 0 after teardown", s.PeerCount())
	}
	if audio.stops() != 1 {
		t.Errorf("audio stops = %d, want 1", audio.stops())
	}
	if got := dialer.conns["peer-b"].closeCount(); got != 1 {
		t.Errorf("peer close count = %d, want 1", got)
	}
	if em.count("end_call") != 0 {
		t.Error("server-forced teardown must not echo end_call")
	}

	// A later local End after the terminal event is the idempotent path.
	if err := s.End(); !errors.Is(err, ErrCallNotActive) {
		t.Errorf("End after terminal = %v, want ErrCallNotActive", err)
	}
}

// TestInboundAnswersAfterLateAcquire: an inbound connection arriving
// before media is up triggers a (re)acquire and is answered, never
// dropped.
func TestInboundAnswersAfterLateAcquire(t *testing.T) {
	stream, _, _ := newFakeStream()
	media := &fakeMedia{results: []acquireResult{
		{err: errors.New("device busy")}, // initial Start fails
		{stream: stream},                 // inbound retry succeeds
	}}
	dialer := newFakeDialer()
	s, _, _ := newTestSession(media, dialer)
	_ = s.Start(context.Background())

	s.HandleInbound(context.Background(), "peer-x")

	if s.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1 (inbound answered)", s.PeerCount())
	}
	media.mu.Lock()
	calls := media.calls
	media.mu.Unlock()
	if calls != 2 {
		t.Errorf("acquire calls = %d, want 2 (retry on inbound)", calls)
	}
}

// mediaFunc adapts a function to MediaSource for per-call behavior.
type mediaFunc func(ctx context.Context, kind Kind) (Stream, error)

func (f mediaFunc) Acquire(ctx context.Context, kind Kind) (Stream, error) { return f(ctx, kind) }

// TestInboundAcquireRaceStopsExtraStream: when the inbound re-acquire
// loses to a concurrent acquisition, the spare stream's tracks are
// stopped, never leaked.
func TestInboundAcquireRaceStopsExtraStream(t *testing.T) {
	winner, _, _ := newFakeStream()
	spare, spareAudio, spareVideo := newFakeStream()

	var s *Session
	calls := 0
	media := mediaFunc(func(_ context.Context, _ Kind) (Stream, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("device busy")
		}
		// Another path completes acquisition while this one is running.
		s.mu.Lock()
		s.local = winner
		s.mu.Unlock()
		return spare, nil
	})
	dialer := newFakeDialer()
	s, _, _ = newTestSession(media, dialer)
	_ = s.Start(context.Background())

	s.HandleInbound(context.Background(), "peer-x")

	if s.PeerCount() != 1 {
		t.Fatal("inbound call must still be answered")
	}
	if spareAudio.stops() != 1 || spareVideo.stops() != 1 {
		t.Errorf("spare stream stops = %d/%d, want 1 each", spareAudio.stops(), spareVideo.stops())
	}
	s.mu.Lock()
	kept := s.local
	s.mu.Unlock()
	if kept != Stream(winner) {
		t.Error("the stream that won the race must be kept")
	}
}

func TestInboundWithNoMediaStillAnswers(t *testing.T) {
	media := &fakeMedia{results: []acquireResult{
		{err: errors.New("denied")},
		{err: errors.New("denied")},
	}}
	dialer := newFakeDialer()
	s, _, _ := newTestSession(media, dialer)
	_ = s.Start(context.Background())

	s.HandleInbound(context.Background(), "peer-x")

	if s.PeerCount() != 1 {
		t.Error("inbound call must be answered even with no local stream")
	}
}

func TestLayoutFollowsPeerCount(t *testing.T) {
	s, _, _, _, _ := startedSession(t)
	_ = s.Initiate()

	if got := s.Layout(); !got.SelfOverlay {
		t.Errorf("solo layout = %+v, want self overlay", got)
	}
	s.HandleRoster([]Participant{{PeerID: "b"}, {PeerID: "c"}, {PeerID: "d"}})
	if got := s.Layout(); got.Columns != 2 || got.Rows != 2 || got.Asymmetric {
		t.Errorf("4-way layout = %+v, want 2x2", got)
	}
}
