package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectCall records one MockTransport.Connect invocation.
type ConnectCall struct {
	ServerURL string
	Token     string
}

// MockTransport is an in-process Transport used by tests and local demos.
type MockTransport struct {
	mu       sync.Mutex
	session  *MockSession
	connects []ConnectCall

	// ConnectFunc overrides the default behaviour of returning Session().
	ConnectFunc func(ctx context.Context, serverURL, token string) (Session, error)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{session: NewMockSession("mock-room", "mock-user")}
}

func (t *MockTransport) Connect(ctx context.Context, serverURL, token string) (Session, error) {
	t.mu.Lock()
	t.connects = append(t.connects, ConnectCall{ServerURL: serverURL, Token: token})
	fn := t.ConnectFunc
	s := t.session
	t.mu.Unlock()

	if token == "" {
		return nil, ErrEmptyToken
	}
	if fn != nil {
		return fn(ctx, serverURL, token)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Session returns the session handed out by Connect.
func (t *MockTransport) Session() *MockSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

func (t *MockTransport) SetSession(s *MockSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = s
}

func (t *MockTransport) Connects() []ConnectCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnectCall, len(t.connects))
	copy(out, t.connects)
	return out
}

// MockSession is a scriptable Session. Mutators emit the matching events.
type MockSession struct {
	events Emitter

	mu              sync.Mutex
	room            string
	identity        string
	participants    []Participant
	tracks          []Track
	canPlayback     bool
	sent            []string
	sendCalls       int
	startAudioCalls int
	disconnected    bool

	// SendChatFunc runs inside SendChat; a non-nil error fails the send.
	SendChatFunc func(ctx context.Context, text string) error
	// StartAudioFunc replaces the default StartAudio behaviour, which grants
	// playback and emits AudioPlaybackChanged.
	StartAudioFunc func(ctx context.Context) error
}

func NewMockSession(room, identity string) *MockSession {
	return &MockSession{room: room, identity: identity}
}

func (s *MockSession) RoomName() string      { return s.room }
func (s *MockSession) LocalIdentity() string { return s.identity }

func (s *MockSession) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

func (s *MockSession) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *MockSession) SendChat(ctx context.Context, text string) (ChatMessage, error) {
	s.mu.Lock()
	s.sendCalls++
	fn := s.SendChatFunc
	closed := s.disconnected
	s.mu.Unlock()

	if closed {
		return ChatMessage{}, ErrNotConnected
	}
	if fn != nil {
		if err := fn(ctx, text); err != nil {
			return ChatMessage{}, err
		}
	}

	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	return ChatMessage{
		ID:        uuid.NewString(),
		From:      s.identity,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Local:     true,
	}, nil
}

func (s *MockSession) CanPlaybackAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canPlayback
}

func (s *MockSession) StartAudio(ctx context.Context) error {
	s.mu.Lock()
	s.startAudioCalls++
	fn := s.StartAudioFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	s.SetCanPlaybackAudio(true)
	return nil
}

func (s *MockSession) Subscribe(fn func(Event)) func() { return s.events.Subscribe(fn) }

func (s *MockSession) Disconnect() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.mu.Unlock()
	s.events.Emit(Disconnected{})
}

// Drop simulates an unrecoverable transport failure.
func (s *MockSession) Drop(err error) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.mu.Unlock()
	s.events.Emit(Disconnected{Err: err})
}

func (s *MockSession) SetCanPlaybackAudio(v bool) {
	s.mu.Lock()
	changed := s.canPlayback != v
	s.canPlayback = v
	s.mu.Unlock()
	if changed {
		s.events.Emit(AudioPlaybackChanged{CanPlayback: v})
	}
}

func (s *MockSession) AddParticipant(p Participant) {
	s.mu.Lock()
	s.participants = append(s.participants, p)
	s.mu.Unlock()
	s.events.Emit(ParticipantJoined{Participant: p})
}

func (s *MockSession) RemoveParticipant(identity string) {
	s.mu.Lock()
	var (
		left  Participant
		found bool
	)
	kept := s.participants[:0]
	for _, p := range s.participants {
		if p.Identity == identity {
			left, found = p, true
			continue
		}
		kept = append(kept, p)
	}
	s.participants = kept
	var removed []Track
	keptTracks := s.tracks[:0]
	for _, t := range s.tracks {
		if t.ParticipantIdentity == identity {
			removed = append(removed, t)
			continue
		}
		keptTracks = append(keptTracks, t)
	}
	s.tracks = keptTracks
	s.mu.Unlock()

	for _, t := range removed {
		s.events.Emit(TrackUnpublished{Track: t})
	}
	if found {
		s.events.Emit(ParticipantLeft{Participant: left})
	}
}

func (s *MockSession) SetAgentState(identity string, state AgentState) {
	s.mu.Lock()
	for i := range s.participants {
		if s.participants[i].Identity == identity {
			s.participants[i].AgentState = state
		}
	}
	s.mu.Unlock()
	s.events.Emit(AgentStateChanged{Identity: identity, State: state})
}

func (s *MockSession) PublishTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
	s.events.Emit(TrackPublished{Track: t})
}

func (s *MockSession) UnpublishTrack(sid string) {
	s.mu.Lock()
	var (
		gone  Track
		found bool
	)
	kept := s.tracks[:0]
	for _, t := range s.tracks {
		if t.SID == sid {
			gone, found = t, true
			continue
		}
		kept = append(kept, t)
	}
	s.tracks = kept
	s.mu.Unlock()
	if found {
		s.events.Emit(TrackUnpublished{Track: gone})
	}
}

// ReceiveChat delivers a remote chat message.
func (s *MockSession) ReceiveChat(from, text string) {
	s.events.Emit(ChatReceived{Message: ChatMessage{
		ID:        uuid.NewString(),
		From:      from,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}})
}

func (s *MockSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *MockSession) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

func (s *MockSession) StartAudioCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startAudioCalls
}

func (s *MockSession) IsDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// Subscribers reports live event subscriptions, for leak checks.
func (s *MockSession) Subscribers() int { return s.events.Len() }
