package call

// Phase is the top-level lifecycle position of a call.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequestingToken
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequestingToken:
		return "requesting_token"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Presence is the agent sub-state carried by PhaseConnected.
type Presence int

const (
	presenceNone Presence = iota
	PresenceAwaitingAgent
	PresenceListening
	PresenceThinking
	PresenceSpeaking
)

func (p Presence) String() string {
	switch p {
	case PresenceAwaitingAgent:
		return "awaiting_agent"
	case PresenceListening:
		return "listening"
	case PresenceThinking:
		return "thinking"
	case PresenceSpeaking:
		return "speaking"
	default:
		return ""
	}
}

// State is an immutable call state. Presence is only reachable through a
// connected state, so a speaking agent on a disconnected call cannot be built.
type State struct {
	phase    Phase
	presence Presence
}

func Idle() State            { return State{phase: PhaseIdle} }
func RequestingToken() State { return State{phase: PhaseRequestingToken} }
func Connecting() State      { return State{phase: PhaseConnecting} }
func Disconnected() State    { return State{phase: PhaseDisconnected} }

// Connected returns a connected state with the given agent presence.
// An unknown presence collapses to PresenceAwaitingAgent.
func Connected(p Presence) State {
	switch p {
	case PresenceAwaitingAgent, PresenceListening, PresenceThinking, PresenceSpeaking:
	default:
		p = PresenceAwaitingAgent
	}
	return State{phase: PhaseConnected, presence: p}
}

func (s State) Phase() Phase { return s.phase }

// Presence reports the agent sub-state; ok is false outside PhaseConnected.
func (s State) Presence() (p Presence, ok bool) {
	if s.phase != PhaseConnected {
		return presenceNone, false
	}
	return s.presence, true
}

func (s State) IsConnected() bool { return s.phase == PhaseConnected }
func (s State) IsTerminal() bool  { return s.phase == PhaseDisconnected }

// String renders "connected/listening" style labels.
func (s State) String() string {
	if p, ok := s.Presence(); ok {
		return s.phase.String() + "/" + p.String()
	}
	return s.phase.String()
}
