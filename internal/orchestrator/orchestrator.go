// Package orchestrator drives call startup: creating a room and dispatching
// an agent for a new call, and acquiring a token and connecting for a join.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/liveroom"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/rtc"
)

const DefaultLanguage = "en"

var (
	ErrStartInProgress = errors.New("orchestrator: a call is already starting")
	ErrAlreadyJoined   = errors.New("orchestrator: call already joined")
	ErrCallClosed      = errors.New("orchestrator: call closed")
)

type Options struct {
	// ServerURL is the real-time media server the transport connects to.
	ServerURL string
	// Language prefixes room paths handed to the Navigator.
	Language  string
	Navigator Navigator
	Reporter  ErrorReporter
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Orchestrator runs startup sequences for one presentation context. At most
// one start-new runs at a time.
type Orchestrator struct {
	service   liveroom.Service
	transport rtc.Transport
	serverURL string
	language  string
	navigator Navigator
	reporter  ErrorReporter
	metrics   *observability.Metrics
	logger    *slog.Logger

	starting atomic.Bool
}

func New(service liveroom.Service, transport rtc.Transport, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	reporter := opts.Reporter
	if reporter == nil {
		reporter = LogReporter{Logger: logger, Metrics: opts.Metrics}
	}
	lang := strings.TrimSpace(opts.Language)
	if lang == "" {
		lang = DefaultLanguage
	}
	return &Orchestrator{
		service:   service,
		transport: transport,
		serverURL: strings.TrimSpace(opts.ServerURL),
		language:  lang,
		navigator: opts.Navigator,
		reporter:  reporter,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// StartResult describes a started call.
type StartResult struct {
	Room     liveroom.LiveRoom       `json:"room"`
	Dispatch liveroom.DispatchRecord `json:"dispatch"`
	RoomPath string                  `json:"roomPath"`
}

// Starting reports whether a start-new sequence is in flight.
func (o *Orchestrator) Starting() bool { return o.starting.Load() }

// StartNew creates a room, dispatches an agent into it and navigates to the
// room view. Each step runs only after the previous one succeeded. Failures
// are reported and returned; the in-flight guard is always cleared.
func (o *Orchestrator) StartNew(ctx context.Context, req liveroom.AgentDispatchRequest) (StartResult, error) {
	if !o.starting.CompareAndSwap(false, true) {
		return StartResult{}, ErrStartInProgress
	}
	defer o.starting.Store(false)

	begin := time.Now()
	stepStart := begin
	room, err := o.service.CreateRoom(ctx)
	o.metrics.ObserveLiveRoomRequest("create_room", err)
	if err != nil {
		return StartResult{}, o.startFailed(ctx, call.KindRoomCreation, "create room", err)
	}
	o.metrics.ObserveStage(observability.StageCreateRoom, time.Since(stepStart))

	stepStart = time.Now()
	rec, err := o.service.DispatchAgent(ctx, room.ID, req)
	o.metrics.ObserveLiveRoomRequest("dispatch_agent", err)
	if err == nil && rec.RoomName != "" && rec.RoomName != room.ID {
		err = fmt.Errorf("%w: dispatched to room %q, want %q", liveroom.ErrInvalidResponse, rec.RoomName, room.ID)
	}
	if err != nil {
		return StartResult{}, o.startFailed(ctx, call.KindDispatch, "dispatch agent", err)
	}
	o.metrics.ObserveStage(observability.StageDispatchAgent, time.Since(stepStart))

	if err := ctx.Err(); err != nil {
		return StartResult{}, err
	}
	res := StartResult{Room: room, Dispatch: rec, RoomPath: RoomPath(o.language, room.ID)}
	o.metrics.ObserveStage(observability.StageStartTotal, time.Since(begin))
	o.logger.Info("call started", "room", room.ID, "dispatch", rec.DispatchID, "agent", rec.AgentName)
	if o.navigator != nil {
		o.navigator.Navigate(ctx, res.RoomPath)
	}
	return res, nil
}

func (o *Orchestrator) startFailed(ctx context.Context, kind call.Kind, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	cerr := call.NewError(kind, op, err)
	o.metrics.ObserveIndicator(string(kind))
	o.reporter.Report(ctx, cerr)
	return cerr
}
