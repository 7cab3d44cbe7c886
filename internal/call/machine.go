// Package call owns the authoritative state of one agent call: the
// lifecycle phase, the agent presence sub-state, media flags and the chat log.
package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antoniostano/fancall/internal/rtc"
)

// ChatEntry is one line of the call's chat log.
type ChatEntry struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Local     bool      `json:"local"`
}

// Snapshot is a read-only copy of the call session.
type Snapshot struct {
	State          State
	Err            error
	AudioPermitted bool
	HasAgentVideo  bool
	HasAgentAudio  bool
	AgentIdentity  string
	Chat           []ChatEntry
}

// Ready reports whether voice and chat can be used: connected and audible.
func (s Snapshot) Ready() bool {
	return s.State.IsConnected() && s.AudioPermitted
}

// TransitionHook observes state changes.
type TransitionHook func(from, to State)

// Machine is the call state machine. All writes to the session go through
// it; listeners are notified in write order.
type Machine struct {
	mu             sync.Mutex
	state          State
	err            error
	audioPermitted bool
	agent          string
	agentTracks    map[string]rtc.TrackKind
	chat           []ChatEntry
	subs           map[int]func(Snapshot)
	nextSub        int
	onTransition   TransitionHook
	logger         *slog.Logger

	// notifyMu keeps listener delivery ordered without holding mu.
	notifyMu sync.Mutex
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithTransitionHook(h TransitionHook) Option {
	return func(m *Machine) { m.onTransition = h }
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		state:       Idle(),
		agentTracks: make(map[string]rtc.TrackKind),
		subs:        make(map[int]func(Snapshot)),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn for snapshots after every change. fn must not
// call mutating Machine methods.
func (m *Machine) Subscribe(fn func(Snapshot)) (release func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure that ended the call, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// BeginTokenRequest moves Idle to RequestingToken.
func (m *Machine) BeginTokenRequest() error {
	return m.transition(PhaseIdle, RequestingToken())
}

// TokenReceived moves RequestingToken to Connecting.
func (m *Machine) TokenReceived() error {
	return m.transition(PhaseRequestingToken, Connecting())
}

// Connected moves Connecting to Connected/AwaitingAgent.
func (m *Machine) Connected() error {
	return m.transition(PhaseConnecting, Connected(PresenceAwaitingAgent))
}

// Fail ends the call with err. The error flag, not the state, records the
// failure.
func (m *Machine) Fail(err error) error {
	m.mu.Lock()
	if m.state.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, m.state)
	}
	m.err = err
	m.enterDisconnectedLocked()
	m.commitLocked()
	return nil
}

// Disconnect ends the call cleanly. Disconnecting a finished call is a no-op.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.enterDisconnectedLocked()
	m.commitLocked()
}

// SetAudioPermitted records the playback permission flag.
func (m *Machine) SetAudioPermitted(v bool) {
	m.mu.Lock()
	if m.audioPermitted == v || m.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.audioPermitted = v
	m.commitLocked()
}

// AppendChat adds an entry to the chat log of a connected call.
func (m *Machine) AppendChat(e ChatEntry) bool {
	m.mu.Lock()
	if !m.state.IsConnected() {
		m.mu.Unlock()
		return false
	}
	m.chat = append(m.chat, e)
	m.commitLocked()
	return true
}

// Apply folds a transport event into the session. Events that do not apply
// to the current phase are ignored.
func (m *Machine) Apply(ev rtc.Event) {
	if d, ok := ev.(rtc.Disconnected); ok {
		if d.Err != nil {
			_ = m.Fail(NewError(KindConnection, "transport", d.Err))
			return
		}
		m.Disconnect()
		return
	}

	m.mu.Lock()
	if !m.state.IsConnected() {
		m.mu.Unlock()
		return
	}
	changed := false
	switch e := ev.(type) {
	case rtc.ParticipantJoined:
		if e.Participant.IsAgent {
			changed = m.agentJoinedLocked(e.Participant.Identity, e.Participant.AgentState)
		}
	case rtc.ParticipantLeft:
		if e.Participant.Identity == m.agent {
			m.agent = ""
			clear(m.agentTracks)
			m.setPresenceLocked(PresenceAwaitingAgent)
			changed = true
		}
	case rtc.AgentStateChanged:
		if m.agent == "" {
			changed = m.agentJoinedLocked(e.Identity, e.State)
		} else if e.Identity == m.agent {
			if p, ok := presenceFor(e.State); ok {
				changed = m.setPresenceLocked(p)
			}
		}
	case rtc.TrackPublished:
		if e.Track.FromAgent {
			if _, seen := m.agentTracks[e.Track.SID]; !seen {
				m.agentTracks[e.Track.SID] = e.Track.Kind
				changed = true
			}
		}
	case rtc.TrackUnpublished:
		if _, seen := m.agentTracks[e.Track.SID]; seen {
			delete(m.agentTracks, e.Track.SID)
			changed = true
		}
	case rtc.ChatReceived:
		m.chat = append(m.chat, ChatEntry{
			ID:        e.Message.ID,
			Author:    e.Message.From,
			Text:      e.Message.Text,
			Timestamp: e.Message.Timestamp,
			Local:     e.Message.Local,
		})
		changed = true
	}
	if !changed {
		m.mu.Unlock()
		return
	}
	m.commitLocked()
}

func (m *Machine) agentJoinedLocked(identity string, state rtc.AgentState) bool {
	if m.agent != "" && m.agent != identity {
		return false
	}
	m.agent = identity
	p, ok := presenceFor(state)
	if !ok {
		p = PresenceListening
	}
	m.setPresenceLocked(p)
	return true
}

func (m *Machine) setPresenceLocked(p Presence) bool {
	next := Connected(p)
	if next == m.state {
		return false
	}
	m.recordLocked(m.state, next)
	m.state = next
	return true
}

func (m *Machine) transition(from Phase, to State) error {
	m.mu.Lock()
	if m.state.Phase() != from {
		cur := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}
	m.recordLocked(m.state, to)
	m.state = to
	m.commitLocked()
	return nil
}

func (m *Machine) enterDisconnectedLocked() {
	m.recordLocked(m.state, Disconnected())
	m.state = Disconnected()
	m.agent = ""
	clear(m.agentTracks)
}

func (m *Machine) recordLocked(from, to State) {
	m.logger.Debug("call state transition", "from", from.String(), "to", to.String())
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

// commitLocked publishes a snapshot and releases mu.
func (m *Machine) commitLocked() {
	snap := m.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(m.subs))
	for i := 0; i < m.nextSub; i++ {
		if fn, ok := m.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:          m.state,
		Err:            m.err,
		AudioPermitted: m.audioPermitted,
		AgentIdentity:  m.agent,
		Chat:           append([]ChatEntry(nil), m.chat...),
	}
	for _, kind := range m.agentTracks {
		switch kind {
		case rtc.TrackKindVideo:
			s.HasAgentVideo = true
		case rtc.TrackKindAudio:
			s.HasAgentAudio = true
		}
	}
	return s
}

func presenceFor(state rtc.AgentState) (Presence, bool) {
	switch state {
	case rtc.AgentStateListening:
		return PresenceListening, true
	case rtc.AgentStateThinking:
		return PresenceThinking, true
	case rtc.AgentStateSpeaking:
		return PresenceSpeaking, true
	default:
		return presenceNone, false
	}
}
