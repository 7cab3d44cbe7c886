package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/liveroom"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/rtc"
)

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) reported() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type recordingNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNavigator) Navigate(_ context.Context, path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *recordingNavigator) visited() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

type harness struct {
	service   *liveroom.MockService
	transport *rtc.MockTransport
	reporter  *recordingReporter
	navigator *recordingNavigator
	orch      *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		service:   &liveroom.MockService{},
		transport: rtc.NewMockTransport(),
		reporter:  &recordingReporter{},
		navigator: &recordingNavigator{},
	}
	h.orch = New(h.service, h.transport, Options{
		ServerURL: "ws://localhost:7880",
		Navigator: h.navigator,
		Reporter:  h.reporter,
		Metrics:   observability.NewMetrics("fancall_test"),
	})
	return h
}

func TestStartNewCreatesDispatchesAndNavigates(t *testing.T) {
	h := newHarness()
	h.service.CreateRoomFunc = func(context.Context) (liveroom.LiveRoom, error) {
		return liveroom.LiveRoom{ID: "room-42"}, nil
	}

	res, err := h.orch.StartNew(context.Background(), liveroom.AgentDispatchRequest{VoiceID: "v-1"})
	require.NoError(t, err)
	assert.Equal(t, "room-42", res.Room.ID)
	assert.Equal(t, "room-42", res.Dispatch.RoomName)
	assert.Equal(t, "/en/room-42", res.RoomPath)
	assert.Equal(t, []string{"/en/room-42"}, h.navigator.visited())
	assert.Equal(t, []liveroom.AgentDispatchRequest{{VoiceID: "v-1"}}, h.service.DispatchBodies())
	assert.False(t, h.orch.Starting())
}

func TestStartNewDoubleInvocationCreatesOneRoom(t *testing.T) {
	h := newHarness()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.service.CreateRoomFunc = func(context.Context) (liveroom.LiveRoom, error) {
		close(entered)
		<-unblock
		return liveroom.LiveRoom{ID: "room-42"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.StartNew(context.Background(), liveroom.AgentDispatchRequest{})
		done <- err
	}()
	<-entered
	assert.True(t, h.orch.Starting())

	_, err := h.orch.StartNew(context.Background(), liveroom.AgentDispatchRequest{})
	require.ErrorIs(t, err, ErrStartInProgress)

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.service.CreateCalls())
	assert.Len(t, h.navigator.visited(), 1)
}

func TestStartNewDispatchFailure(t *testing.T) {
	h := newHarness()
	h.service.DispatchAgentFunc = func(context.Context, string, liveroom.AgentDispatchRequest) (liveroom.DispatchRecord, error) {
		return liveroom.DispatchRecord{}, &liveroom.APIError{StatusCode: 502, Code: "DISPATCH_FAILED", Detail: "agent worker unavailable"}
	}

	_, err := h.orch.StartNew(context.Background(), liveroom.AgentDispatchRequest{})
	require.Error(t, err)
	assert.True(t, call.IsKind(err, call.KindDispatch))
	assert.True(t, liveroom.IsRetryable(err))
	assert.False(t, h.orch.Starting())
	assert.Empty(t, h.navigator.visited())

	reported := h.reporter.reported()
	require.Len(t, reported, 1)
	assert.True(t, call.IsKind(reported[0], call.KindDispatch))

	h.service.DispatchAgentFunc = nil
	_, err = h.orch.StartNew(context.Background(), liveroom.AgentDispatchRequest{})
	require.NoError(t, err, "guard must be cleared so the user can retry")
}

func TestStartNewRoomCreationFailureSkipsDispatch(t *testing.T) {
	h := newHarness()
	h.service.CreateRoomFunc = func(context.Context) (liveroom.LiveRoom, error) {
		return liveroom.LiveRoom{}, errors.New("connection refused")
	}

	_, err := h.orch.StartNew(context.Background(), liveroom.AgentDispatchRequest{})
	assert.True(t, call.IsKind(err, call.KindRoomCreation))
	assert.Empty(t, h.service.DispatchCalls())
	assert.Empty(t, h.navigator.visited())
	assert.Len(t, h.reporter.reported(), 1)
}

func TestStartNewRejectsDispatchIntoOtherRoom(t *testing.T) {
	h := newHarness()
	h.service.DispatchAgentFunc = func(_ context.Context, roomID string, _ liveroom.AgentDispatchRequest) (liveroom.DispatchRecord, error) {
		return liveroom.DispatchRecord{DispatchID: "d1", RoomName: "elsewhere", AgentName: "ava"}, nil
	}
	_, err := h.orch.StartNew(context.Background(), liveroom.AgentDispatchRequest{})
	require.ErrorIs(t, err, liveroom.ErrInvalidResponse)
	assert.Empty(t, h.navigator.visited())
}

func TestStartNewCancelledIsNotReported(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.service.CreateRoomFunc = func(ctx context.Context) (liveroom.LiveRoom, error) {
		cancel()
		return liveroom.LiveRoom{}, ctx.Err()
	}
	_, err := h.orch.StartNew(ctx, liveroom.AgentDispatchRequest{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.reporter.reported())
	assert.False(t, h.orch.Starting())
}

type stateLog struct {
	mu     sync.Mutex
	labels []string
}

func (l *stateLog) observe(s call.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	label := s.State.String()
	if n := len(l.labels); n > 0 && l.labels[n-1] == label {
		return
	}
	l.labels = append(l.labels, label)
}

func (l *stateLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.labels...)
}

func TestFullScenarioStateSequence(t *testing.T) {
	h := newHarness()
	h.service.CreateRoomFunc = func(context.Context) (liveroom.LiveRoom, error) {
		return liveroom.LiveRoom{ID: "room-42"}, nil
	}
	h.service.GenerateTokenFunc = func(_ context.Context, roomID string) (liveroom.AccessToken, error) {
		return liveroom.AccessToken{Token: "t1", RoomName: "room-42", Identity: "u1"}, nil
	}
	h.service.DispatchAgentFunc = func(context.Context, string, liveroom.AgentDispatchRequest) (liveroom.DispatchRecord, error) {
		return liveroom.DispatchRecord{DispatchID: "d1", RoomName: "room-42", AgentName: "ava"}, nil
	}

	res, err := h.orch.StartNew(context.Background(), liveroom.AgentDispatchRequest{})
	require.NoError(t, err)

	c := h.orch.NewCall(res.Room.ID)
	defer c.Close()
	log := &stateLog{}
	c.Subscribe(log.observe)

	require.NoError(t, c.Join(context.Background()))
	h.transport.Session().AddParticipant(rtc.Participant{Identity: "ava", IsAgent: true})

	assert.Equal(t, []string{
		"requesting_token",
		"connecting",
		"connected/awaiting_agent",
		"connected/listening",
	}, log.get())
	assert.Equal(t, []rtc.ConnectCall{{ServerURL: "ws://localhost:7880", Token: "t1"}}, h.transport.Connects())
}

func TestJoinEmptyRoomIDMakesNoRequest(t *testing.T) {
	h := newHarness()
	c := h.orch.NewCall("")
	err := c.Join(context.Background())

	require.ErrorIs(t, err, liveroom.ErrMissingRoomID)
	assert.True(t, call.IsKind(err, call.KindTokenAcquisition))
	assert.Empty(t, h.service.TokenCalls())
	assert.Empty(t, h.transport.Connects())
	snap := c.Snapshot()
	assert.True(t, snap.State.IsTerminal())
	assert.True(t, call.IsKind(snap.Err, call.KindTokenAcquisition))
}

func TestJoinTokenFailureIsTerminal(t *testing.T) {
	h := newHarness()
	h.service.GenerateTokenFunc = func(context.Context, string) (liveroom.AccessToken, error) {
		return liveroom.AccessToken{}, &liveroom.APIError{StatusCode: 404, Code: "ROOM_NOT_FOUND", Detail: "Live room not found"}
	}
	c := h.orch.NewCall("room-42")
	err := c.Join(context.Background())
	require.Error(t, err)
	assert.True(t, liveroom.IsNotFound(err))
	assert.Equal(t, call.Disconnected(), c.Snapshot().State)
	assert.Len(t, h.service.TokenCalls(), 1)
	assert.Empty(t, h.transport.Connects())
	assert.Len(t, h.reporter.reported(), 1)
}

func TestJoinConnectFailure(t *testing.T) {
	h := newHarness()
	h.transport.ConnectFunc = func(context.Context, string, string) (rtc.Session, error) {
		return nil, errors.New("signal connection failed")
	}
	c := h.orch.NewCall("room-42")
	err := c.Join(context.Background())
	assert.True(t, call.IsKind(err, call.KindConnection))
	assert.True(t, c.Snapshot().State.IsTerminal())
}

func TestJoinCancelledDuringTokenRequestLeavesStateAlone(t *testing.T) {
	h := newHarness()
	entered := make(chan struct{})
	h.service.GenerateTokenFunc = func(ctx context.Context, roomID string) (liveroom.AccessToken, error) {
		close(entered)
		<-ctx.Done()
		return liveroom.AccessToken{Token: "late", RoomName: roomID}, nil
	}
	c := h.orch.NewCall("room-42")
	done := make(chan error, 1)
	go func() { done <- c.Join(context.Background()) }()
	<-entered
	assert.Equal(t, call.RequestingToken(), c.Snapshot().State)

	c.Close()
	err := <-done
	require.Error(t, err)
	assert.Empty(t, h.transport.Connects())
	assert.Empty(t, h.reporter.reported())
	snap := c.Snapshot()
	assert.Equal(t, call.Disconnected(), snap.State)
	assert.NoError(t, snap.Err)
}

func TestJoinCancelledDuringConnectDisconnectsLateSession(t *testing.T) {
	h := newHarness()
	late := rtc.NewMockSession("room-42", "u1")
	ctx, cancel := context.WithCancel(context.Background())
	h.transport.ConnectFunc = func(context.Context, string, string) (rtc.Session, error) {
		cancel()
		return late, nil
	}
	c := h.orch.NewCall("room-42")
	err := c.Join(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, late.IsDisconnected())
	assert.Equal(t, call.Connecting(), c.Snapshot().State)
	assert.Nil(t, c.Session())
}

func TestJoinSeedsExistingParticipants(t *testing.T) {
	h := newHarness()
	s := h.transport.Session()
	s.AddParticipant(rtc.Participant{Identity: "ava", IsAgent: true, AgentState: rtc.AgentStateSpeaking})
	s.PublishTrack(rtc.Track{SID: "TR_v", Kind: rtc.TrackKindVideo, ParticipantIdentity: "ava", FromAgent: true})
	s.SetCanPlaybackAudio(true)

	c := h.orch.NewCall("mock-room")
	defer c.Close()
	require.NoError(t, c.Join(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, call.Connected(call.PresenceSpeaking), snap.State)
	assert.True(t, snap.HasAgentVideo)
	assert.True(t, c.Ready())
}

func TestCallAudioAndChat(t *testing.T) {
	h := newHarness()
	c := h.orch.NewCall("room-42")
	defer c.Close()
	require.NoError(t, c.Join(context.Background()))
	s := h.transport.Session()

	assert.False(t, c.Ready())
	require.NoError(t, c.EnableAudio(context.Background()))
	assert.True(t, c.Ready())

	_, err := c.SendChat(context.Background(), "hi")
	require.Error(t, err, "no agent yet")

	s.AddParticipant(rtc.Participant{Identity: "ava", IsAgent: true})
	_, err = c.SendChat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, s.Sent())
}

func TestCallCloseReleasesEverything(t *testing.T) {
	h := newHarness()
	c := h.orch.NewCall("room-42")
	require.NoError(t, c.Join(context.Background()))
	s := h.transport.Session()
	require.Positive(t, s.Subscribers())

	c.Close()
	c.Close()
	assert.Zero(t, s.Subscribers())
	assert.True(t, s.IsDisconnected())
	assert.Equal(t, call.Disconnected(), c.Snapshot().State)
	assert.NoError(t, c.Snapshot().Err)
	require.ErrorIs(t, c.Join(context.Background()), ErrAlreadyJoined)
}

// closingSession closes the call the first time Join reads the roster.
type closingSession struct {
	*rtc.MockSession
	close func()
	once  sync.Once
}

func (s *closingSession) Participants() []rtc.Participant {
	s.once.Do(s.close)
	return s.MockSession.Participants()
}

func TestCloseDuringJoinReleasesListeners(t *testing.T) {
	h := newHarness()
	mock := rtc.NewMockSession("room-42", "u1")
	var c *Call
	session := &closingSession{MockSession: mock, close: func() { c.Close() }}
	h.transport.ConnectFunc = func(context.Context, string, string) (rtc.Session, error) {
		return session, nil
	}
	c = h.orch.NewCall("room-42")

	err := c.Join(context.Background())
	require.ErrorIs(t, err, ErrCallClosed)
	assert.Zero(t, mock.Subscribers())
	assert.True(t, mock.IsDisconnected())
	assert.Equal(t, call.Disconnected(), c.Snapshot().State)
}

func TestTransportDropIsReported(t *testing.T) {
	h := newHarness()
	c := h.orch.NewCall("room-42")
	defer c.Close()
	require.NoError(t, c.Join(context.Background()))

	h.transport.Session().Drop(errors.New("ice failed"))
	snap := c.Snapshot()
	assert.True(t, snap.State.IsTerminal())
	assert.True(t, call.IsKind(snap.Err, call.KindConnection))

	require.Eventually(t, func() bool { return len(h.reporter.reported()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestJoinClosedCall(t *testing.T) {
	h := newHarness()
	c := h.orch.NewCall("room-42")
	c.Close()
	require.ErrorIs(t, c.Join(context.Background()), ErrCallClosed)
	assert.Empty(t, h.service.TokenCalls())
}

func TestRoomPath(t *testing.T) {
	assert.Equal(t, "/en/abc", RoomPath("", "abc"))
	assert.Equal(t, "/ko/a%2Fb", RoomPath("ko", "a/b"))
}
