package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/fancall/internal/liveroom"
	"github.com/antoniostano/fancall/internal/protocol"
)

type options struct {
	baseURL  string
	clientID string
	roomID   string
	dispatch liveroom.AgentDispatchRequest
	timeout  time.Duration
	verbose  bool
}

type startResponse struct {
	RoomID   string                  `json:"roomId"`
	RoomPath string                  `json:"roomPath"`
	Dispatch liveroom.DispatchRecord `json:"dispatch"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

const usage = `usage: fancallctl [flags] start
       fancallctl [flags] join <roomId>

While joined, each stdin line is sent as chat.
  /audio  enable agent audio playback
  /quit   hang up`

var errQuit = errors.New("quit")

func main() {
	cfg, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fancallctl: %v\n%s\n", err, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil && !errors.Is(err, errQuit) {
		fmt.Fprintf(os.Stderr, "fancallctl: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string, errOut io.Writer) (options, error) {
	fs := flag.NewFlagSet("fancallctl", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var cfg options
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "fancall gateway base URL")
	fs.StringVar(&cfg.clientID, "client-id", "", "presentation context id (random when empty)")
	fs.StringVar(&cfg.dispatch.AvatarID, "avatar-id", "", "optional avatar id for the dispatched agent")
	fs.StringVar(&cfg.dispatch.VoiceID, "voice-id", "", "optional voice id for the dispatched agent")
	fs.StringVar(&cfg.dispatch.SystemPrompt, "system-prompt", "", "optional system prompt for the dispatched agent")
	fs.StringVar(&cfg.dispatch.ProfilePictureURL, "profile-picture-url", "", "optional profile picture URL")
	fs.StringVar(&cfg.dispatch.IdleVideoURL, "idle-video-url", "", "optional idle video URL")
	fs.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "timeout for the start request")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every call_state snapshot")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.clientID) == "" {
		cfg.clientID = "ctl-" + uuid.NewString()[:8]
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, fmt.Errorf("missing command")
	}
	switch rest[0] {
	case "start":
		if len(rest) != 1 {
			return options{}, fmt.Errorf("start takes no arguments")
		}
	case "join":
		if len(rest) != 2 {
			return options{}, fmt.Errorf("join requires a room id")
		}
		if err := liveroom.ValidateRoomID(rest[1]); err != nil {
			return options{}, err
		}
		cfg.roomID = rest[1]
	default:
		return options{}, fmt.Errorf("unknown command %q", rest[0])
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, in io.Reader, out io.Writer) error {
	if cfg.roomID == "" {
		startCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		res, err := startCall(startCtx, &http.Client{}, cfg)
		cancel()
		if err != nil {
			return fmt.Errorf("start call: %w", err)
		}
		fmt.Fprintf(out, "call started: room=%s path=%s agent=%s dispatch=%s\n",
			res.RoomID, res.RoomPath, res.Dispatch.AgentName, res.Dispatch.DispatchID)
		cfg.roomID = res.RoomID
	}

	wsURL, err := wsURLForCall(cfg.baseURL, cfg.roomID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{"X-Fancall-Client": []string{cfg.clientID}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	readErrCh := make(chan error, 1)
	go readLoop(conn, out, cfg.verbose, readErrCh)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return hangUp(conn, "interrupted")
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case line, ok := <-lines:
			if !ok {
				return hangUp(conn, "stdin closed")
			}
			msg, quit := parseInput(line)
			if quit {
				if err := hangUp(conn, "user quit"); err != nil {
					return err
				}
				return errQuit
			}
			if msg == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("ws write: %w", err)
			}
		}
	}
}

func startCall(ctx context.Context, client *http.Client, cfg options) (startResponse, error) {
	payload, err := json.Marshal(cfg.dispatch)
	if err != nil {
		return startResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/calls", bytes.NewReader(payload))
	if err != nil {
		return startResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fancall-Client", cfg.clientID)

	res, err := client.Do(req)
	if err != nil {
		return startResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return startResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return startResponse{}, fmt.Errorf("HTTP %d %s: %s (retryable=%t)", res.StatusCode, e.Code, e.Error, e.Retryable)
		}
		return startResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out startResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return startResponse{}, err
	}
	if strings.TrimSpace(out.RoomID) == "" {
		return startResponse{}, fmt.Errorf("missing roomId in response")
	}
	return out, nil
}

func wsURLForCall(baseURL, roomID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	base := strings.TrimRight(u.Path, "/")
	rawBase := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = base + "/v1/calls/" + roomID + "/ws"
	u.RawPath = rawBase + "/v1/calls/" + url.PathEscape(roomID) + "/ws"
	return u.String(), nil
}

// parseInput maps one stdin line to a client message. Blank lines yield nil.
func parseInput(line string) (msg any, quit bool) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil, false
	case "/quit", "/q":
		return nil, true
	case "/audio":
		return protocol.EnableAudio{Type: protocol.TypeEnableAudio}, false
	}
	return protocol.ChatSend{
		Type:        protocol.TypeChatSend,
		Text:        line,
		ClientMsgID: uuid.NewString(),
	}, false
}

func hangUp(conn *websocket.Conn, reason string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(protocol.HangUp{Type: protocol.TypeHangUp, Reason: reason}); err != nil {
		return fmt.Errorf("send hang_up: %w", err)
	}
	return nil
}

func readLoop(conn *websocket.Conn, out io.Writer, verbose bool, readErrCh chan<- error) {
	var lastState string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		line := formatServerMessage(msg)
		if _, ok := msg.(protocol.CallState); ok && !verbose {
			if line == lastState {
				continue
			}
			lastState = line
		}
		fmt.Fprintln(out, line)
	}
}

func formatServerMessage(msg any) string {
	switch m := msg.(type) {
	case protocol.CallState:
		state := m.State
		if m.Presence != "" {
			state += "/" + m.Presence
		}
		s := fmt.Sprintf("[state] %s agent=%q audio=%t video=%t ready=%t", state, m.AgentIdentity, m.AudioPermitted, m.HasAgentVideo, m.Ready)
		if m.Error != nil {
			s += fmt.Sprintf(" error=%s: %s", m.Error.Code, m.Error.Detail)
		}
		if m.AgentIdentity != "" && !m.AudioPermitted {
			s += " (type /audio to hear the agent)"
		}
		return s
	case protocol.ChatMessage:
		who := m.Author
		if m.Local {
			who = "you"
		}
		return fmt.Sprintf("[%s] %s: %s", time.UnixMilli(m.TSMs).Format("15:04:05"), who, m.Text)
	case protocol.ErrorEvent:
		return fmt.Sprintf("[error] %s (%s) retryable=%t: %s", m.Code, m.Source, m.Retryable, m.Detail)
	default:
		return fmt.Sprintf("%v", msg)
	}
}
