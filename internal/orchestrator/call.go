package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/fancall/internal/audiogate"
	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/chat"
	"github.com/antoniostano/fancall/internal/liveroom"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/rtc"
)

// Call is one join-existing attempt and, once connected, the live session.
type Call struct {
	roomID    string
	service   liveroom.Service
	transport rtc.Transport
	serverURL string
	reporter  ErrorReporter
	metrics   *observability.Metrics
	logger    *slog.Logger

	machine *call.Machine
	gate    *audiogate.Gate
	relay   *chat.Relay

	joined      atomic.Bool
	agentSeen   atomic.Bool
	connectedAt atomic.Int64

	mu       sync.Mutex
	closed   bool
	cancel   context.CancelFunc
	session  rtc.Session
	releases []func()
	active   bool
}

// NewCall prepares a join of roomID. Nothing happens until Join.
func (o *Orchestrator) NewCall(roomID string) *Call {
	logger := o.logger.With("room", roomID)
	metrics := o.metrics
	m := call.NewMachine(
		call.WithLogger(logger),
		call.WithTransitionHook(func(from, to call.State) {
			metrics.ObserveTransition(from.String(), to.String())
		}),
	)
	return &Call{
		roomID:    roomID,
		service:   o.service,
		transport: o.transport,
		serverURL: o.serverURL,
		reporter:  o.reporter,
		metrics:   metrics,
		logger:    logger,
		machine:   m,
		gate:      audiogate.New(m, audiogate.Options{Logger: logger, Metrics: metrics}),
		relay:     chat.NewRelay(m, chat.Options{Logger: logger, Metrics: metrics}),
	}
}

func (c *Call) RoomID() string { return c.roomID }
func (c *Call) Machine() *call.Machine { return c.machine }
func (c *Call) Gate() *audiogate.Gate { return c.gate }
func (c *Call) Relay() *chat.Relay { return c.relay }
func (c *Call) Snapshot() call.Snapshot { return c.machine.Snapshot() }
func (c *Call) Ready() bool { return c.machine.Snapshot().Ready() }
func (c *Call) Subscribe(fn func(call.Snapshot)) func() { return c.machine.Subscribe(fn) }

// Session returns the connected transport session, or nil.
func (c *Call) Session() rtc.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Call) SendChat(ctx context.Context, text string) (rtc.ChatMessage, error) {
	return c.relay.Send(ctx, text)
}

func (c *Call) EnableAudio(ctx context.Context) error {
	return c.gate.Enable(ctx)
}

// Join acquires a token for the room and connects. An invalid room id fails
// before any request is made. If ctx ends or Close runs while a step is
// pending, its result is discarded without touching the call state.
func (c *Call) Join(ctx context.Context) error {
	if !c.joined.CompareAndSwap(false, true) {
		return ErrAlreadyJoined
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrCallClosed
	}
	c.cancel = cancel
	c.mu.Unlock()

	begin := time.Now()
	if err := c.machine.BeginTokenRequest(); err != nil {
		return err
	}
	if err := liveroom.ValidateRoomID(c.roomID); err != nil {
		return c.fail(ctx, call.KindTokenAcquisition, "validate room id", err)
	}

	stepStart := time.Now()
	tok, err := c.service.GenerateToken(ctx, c.roomID)
	if ctxErr := c.detached(ctx); ctxErr != nil {
		return ctxErr
	}
	c.metrics.ObserveLiveRoomRequest("generate_token", err)
	if err == nil && tok.RoomName != c.roomID {
		err = fmt.Errorf("%w: token for room %q, want %q", liveroom.ErrInvalidResponse, tok.RoomName, c.roomID)
	}
	if err != nil {
		return c.fail(ctx, call.KindTokenAcquisition, "generate token", err)
	}
	c.metrics.ObserveStage(observability.StageGenerateToken, time.Since(stepStart))
	if err := c.machine.TokenReceived(); err != nil {
		return err
	}

	stepStart = time.Now()
	session, err := c.transport.Connect(ctx, c.serverURL, tok.Token)
	if ctxErr := c.detached(ctx); ctxErr != nil {
		if session != nil {
			session.Disconnect()
		}
		return ctxErr
	}
	if err != nil {
		return c.fail(ctx, call.KindConnection, "connect", err)
	}
	if err := c.attach(session); err != nil {
		session.Disconnect()
		return err
	}
	if err := c.machine.Connected(); err != nil {
		return err
	}
	c.connectedAt.Store(time.Now().UnixNano())
	c.metrics.ObserveStage(observability.StageConnect, time.Since(stepStart))

	for _, p := range session.Participants() {
		c.onEvent(rtc.ParticipantJoined{Participant: p})
	}
	for _, t := range session.Tracks() {
		c.onEvent(rtc.TrackPublished{Track: t})
	}
	if err := c.bindListeners(session); err != nil {
		return err
	}

	c.metrics.ObserveStage(observability.StageJoinTotal, time.Since(begin))
	c.logger.Info("call connected", "identity", tok.Identity)
	return nil
}

// attach records the session and routes its events into the machine.
func (c *Call) attach(s rtc.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCallClosed
	}
	c.session = s
	c.releases = append(c.releases, s.Subscribe(c.onEvent))
	c.active = true
	c.metrics.CallStarted()
	return nil
}

// bindListeners hands the session to the gate and relay unless Close already
// ran; Close releases both only after marking the call closed.
func (c *Call) bindListeners(s rtc.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCallClosed
	}
	c.gate.Attach(s)
	c.relay.Bind(s)
	return nil
}

func (c *Call) onEvent(ev rtc.Event) {
	c.metrics.ObserveCallEvent(rtc.EventType(ev))
	c.machine.Apply(ev)

	switch e := ev.(type) {
	case rtc.Disconnected:
		if e.Err != nil {
			if err := c.machine.Err(); err != nil {
				c.reporter.Report(context.Background(), err)
			}
		}
	case rtc.ParticipantJoined, rtc.AgentStateChanged:
		at := c.connectedAt.Load()
		if at != 0 && c.machine.Snapshot().AgentIdentity != "" && c.agentSeen.CompareAndSwap(false, true) {
			c.metrics.ObserveStage(observability.StageAgentJoin, time.Since(time.Unix(0, at)))
		}
	}
}

// detached returns a non-nil error when the join was abandoned.
func (c *Call) detached(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCallClosed
	}
	return nil
}

func (c *Call) fail(ctx context.Context, kind call.Kind, op string, err error) error {
	cerr := call.NewError(kind, op, err)
	if ferr := c.machine.Fail(cerr); ferr != nil {
		return ferr
	}
	c.metrics.ObserveIndicator(string(kind))
	c.reporter.Report(ctx, cerr)
	return cerr
}

// Close abandons a pending join or leaves the room. It is idempotent.
func (c *Call) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	session := c.session
	releases := c.releases
	c.releases = nil
	active := c.active
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.gate.Release()
	c.relay.Unbind()
	for _, release := range releases {
		release()
	}
	if session != nil {
		session.Disconnect()
	}
	c.machine.Disconnect()
	if active {
		c.metrics.CallEnded()
	}
	c.logger.Info("call closed")
}
