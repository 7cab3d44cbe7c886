package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/fancall/internal/config"
	"github.com/antoniostano/fancall/internal/liveroom"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/orchestrator"
	"github.com/antoniostano/fancall/internal/rtc"
)

type gateway struct {
	service   *liveroom.MockService
	transport *rtc.MockTransport
	metrics   *observability.Metrics
	server    *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{
		service:   &liveroom.MockService{},
		transport: rtc.NewMockTransport(),
		metrics:   observability.NewMetrics("test_httpapi"),
	}
	factory := func() *orchestrator.Orchestrator {
		return orchestrator.New(g.service, g.transport, orchestrator.Options{
			ServerURL: "ws://localhost:7880",
			Metrics:   g.metrics,
		})
	}
	srv := New(config.Config{}, factory, g.metrics, nil)
	g.server = httptest.NewServer(srv.Router())
	t.Cleanup(g.server.Close)
	return g
}

func postJSON(t *testing.T, url string, header http.Header, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func TestStartCall(t *testing.T) {
	g := newGateway(t)
	g.service.CreateRoomFunc = func(context.Context) (liveroom.LiveRoom, error) {
		return liveroom.LiveRoom{ID: "room-1"}, nil
	}

	res := postJSON(t, g.server.URL+"/v1/calls", nil, liveroom.AgentDispatchRequest{VoiceID: "v1"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if got := res.Header.Get("Location"); got != "/en/room-1" {
		t.Fatalf("Location = %q, want %q", got, "/en/room-1")
	}

	var body startCallResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if body.RoomID != "room-1" || body.RoomPath != "/en/room-1" {
		t.Fatalf("unexpected start response: %+v", body)
	}
	if body.Dispatch.DispatchID == "" {
		t.Fatalf("missing dispatch id: %+v", body)
	}

	bodies := g.service.DispatchBodies()
	if len(bodies) != 1 || bodies[0].VoiceID != "v1" {
		t.Fatalf("dispatch bodies = %+v", bodies)
	}
}

func TestStartCallDispatchFailure(t *testing.T) {
	g := newGateway(t)
	g.service.DispatchAgentFunc = func(context.Context, string, liveroom.AgentDispatchRequest) (liveroom.DispatchRecord, error) {
		return liveroom.DispatchRecord{}, &liveroom.APIError{StatusCode: http.StatusServiceUnavailable}
	}

	res := postJSON(t, g.server.URL+"/v1/calls", nil, nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.Code != "dispatch_failed" || !body.Retryable {
		t.Fatalf("error response = %+v", body)
	}
}

func TestStartCallInProgressPerClient(t *testing.T) {
	g := newGateway(t)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	g.service.CreateRoomFunc = func(context.Context) (liveroom.LiveRoom, error) {
		once.Do(func() { close(entered) })
		<-unblock
		return liveroom.LiveRoom{ID: "room-1"}, nil
	}

	header := http.Header{ClientHeader: []string{"tab-1"}}
	first := make(chan int, 1)
	go func() {
		res := postJSON(t, g.server.URL+"/v1/calls", header, nil)
		res.Body.Close()
		first <- res.StatusCode
	}()
	<-entered

	res := postJSON(t, g.server.URL+"/v1/calls", header, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	close(unblock)
	if got := <-first; got != http.StatusCreated {
		t.Fatalf("first start status = %d, want %d", got, http.StatusCreated)
	}
	if n := g.service.CreateCalls(); n != 1 {
		t.Fatalf("create calls = %d, want 1", n)
	}
}

func dialCall(t *testing.T, g *gateway, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/v1/calls/" + roomID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestCallSocketLifecycle(t *testing.T) {
	g := newGateway(t)
	session := rtc.NewMockSession("room-1", "u1")
	session.AddParticipant(rtc.Participant{Identity: "ava", IsAgent: true})
	g.transport.SetSession(session)

	conn := dialCall(t, g, "room-1")
	readUntil(t, conn, "connected state", func(m map[string]any) bool {
		return m["type"] == "call_state" && m["state"] == "connected" && m["agent_identity"] == "ava"
	})

	if err := conn.WriteJSON(map[string]any{"type": "enable_audio"}); err != nil {
		t.Fatalf("write enable_audio: %v", err)
	}
	readUntil(t, conn, "ready state", func(m map[string]any) bool {
		return m["type"] == "call_state" && m["ready"] == true
	})

	if err := conn.WriteJSON(map[string]any{"type": "chat_send", "text": "hello"}); err != nil {
		t.Fatalf("write chat_send: %v", err)
	}
	local := readUntil(t, conn, "local chat", func(m map[string]any) bool {
		return m["type"] == "chat_message"
	})
	if local["text"] != "hello" || local["local"] != true {
		t.Fatalf("local chat = %+v", local)
	}

	session.ReceiveChat("ava", "hi there")
	remote := readUntil(t, conn, "agent chat", func(m map[string]any) bool {
		return m["type"] == "chat_message" && m["local"] == false
	})
	if remote["author"] != "ava" || remote["text"] != "hi there" {
		t.Fatalf("agent chat = %+v", remote)
	}

	if err := conn.WriteJSON(map[string]any{"type": "hang_up", "reason": "done"}); err != nil {
		t.Fatalf("write hang_up: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !session.IsDisconnected() {
		if time.Now().After(deadline) {
			t.Fatalf("session still connected after hang_up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallSocketReportsJoinFailure(t *testing.T) {
	g := newGateway(t)
	g.service.GenerateTokenFunc = func(context.Context, string) (liveroom.AccessToken, error) {
		return liveroom.AccessToken{}, errors.New("token service down")
	}

	conn := dialCall(t, g, "room-9")
	var ev map[string]any
	sawDisconnected := false
	readUntil(t, conn, "join error and disconnected state", func(m map[string]any) bool {
		switch m["type"] {
		case "error_event":
			ev = m
		case "call_state":
			if m["state"] == "disconnected" && m["error"] != nil {
				sawDisconnected = true
			}
		}
		return ev != nil && sawDisconnected
	})
	if ev["code"] != "token_acquisition_failed" || ev["source"] != "join" {
		t.Fatalf("error event = %+v", ev)
	}
	if n := len(g.transport.Connects()); n != 0 {
		t.Fatalf("connects = %d, want 0", n)
	}
}

func TestCallSocketRejectsBadMessages(t *testing.T) {
	g := newGateway(t)
	conn := dialCall(t, g, "room-2")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readUntil(t, conn, "invalid message error", func(m map[string]any) bool {
		return m["type"] == "error_event"
	})
	if ev["code"] != "invalid_client_message" {
		t.Fatalf("error event = %+v", ev)
	}
}

func TestHealthAndPerf(t *testing.T) {
	g := newGateway(t)
	g.metrics.ObserveStage(observability.StageCreateRoom, 120*time.Millisecond)

	res, err := http.Get(g.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}

	perf, err := http.Get(g.server.URL + "/v1/perf/startup")
	if err != nil {
		t.Fatalf("GET /v1/perf/startup error = %v", err)
	}
	defer perf.Body.Close()
	var snap observability.StageSnapshot
	if err := json.NewDecoder(perf.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf: %v", err)
	}
	found := false
	for _, st := range snap.Stages {
		if st.Stage == observability.StageCreateRoom && st.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("create_room stage missing from %+v", snap.Stages)
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/calls", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	if got := clientKey(r); got != "addr:10.0.0.7" {
		t.Fatalf("clientKey = %q", got)
	}
	r.Header.Set(ClientHeader, "tab-7")
	if got := clientKey(r); got != "client:tab-7" {
		t.Fatalf("clientKey = %q", got)
	}
}
