package control

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/daemon"
	"github.com/coworkos/cowork/internal/provider"
	"github.com/coworkos/cowork/internal/store"
)

type nullProvider struct{}

func (nullProvider) DefaultModel() string { return "null" }
func (nullProvider) CreateMessage(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{
		Content:    []provider.ContentBlock{provider.TextBlock("ok")},
		StopReason: provider.StopEndTurn,
	}, nil
}

type fixture struct {
	server *Server
	http   *httptest.Server
	d      *daemon.Daemon
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfgStore, _ := config.NewStore(t.TempDir())
	workspaces, _ := config.NewWorkspaceRegistry(cfgStore)
	channels, _ := config.NewChannelRegistry(cfgStore)

	d := daemon.New(daemon.Options{
		Store:      st,
		Config:     config.DefaultConfig(),
		Workspaces: workspaces,
		Provider:   nullProvider{},
	})
	t.Cleanup(d.Shutdown)

	srv := NewServer(Options{
		Daemon:   d,
		Config:   config.DefaultConfig(),
		Channels: channels,
		Token:    "secret-token",
	})
	srv.Start()
	t.Cleanup(srv.Shutdown)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{server: srv, http: hs, d: d}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &frame
}

func sendReq(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	raw, _ := json.Marshal(params)
	if err := conn.WriteJSON(Frame{Type: FrameReq, ID: id, Method: method, Params: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// authenticate performs challenge + connect and returns after the ok frame.
func authenticate(t *testing.T, conn *websocket.Conn, token string) *Frame {
	t.Helper()
	challenge := readFrame(t, conn)
	if challenge.Event != "connect.challenge" {
		t.Fatalf("first frame = %+v, want challenge", challenge)
	}
	sendReq(t, conn, "auth1", "connect", map[string]string{"token": token, "device": "test"})
	return readFrame(t, conn)
}

func TestAuthHappyPathAndPing(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	res := authenticate(t, conn, "secret-token")
	if res.OK == nil || !*res.OK {
		t.Fatalf("connect response = %+v", res)
	}

	sendReq(t, conn, "r1", "ping", nil)
	pong := readFrame(t, conn)
	if pong.ID != "r1" || pong.OK == nil || !*pong.OK {
		t.Fatalf("ping response = %+v", pong)
	}
}

func TestMethodsRequireAuth(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	_ = readFrame(t, conn) // challenge

	sendReq(t, conn, "r1", "task.list", nil)
	res := readFrame(t, conn)
	if res.Error == nil || res.Error.Code != CodeUnauthorized {
		t.Fatalf("response = %+v", res)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	_ = readFrame(t, conn)

	for i := 1; i <= 5; i++ {
		sendReq(t, conn, "a", "connect", map[string]string{"token": "wrong"})
		res := readFrame(t, conn)
		if res.Error == nil || res.Error.Code != CodeUnauthorized {
			t.Fatalf("attempt %d: %+v", i, res)
		}
	}
	// Fifth failure closes the socket with the auth-failed code.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("socket must close after fifth failure")
	}
	if !websocket.IsCloseError(err, CloseAuthFailed) {
		t.Fatalf("close err = %v, want %d", err, CloseAuthFailed)
	}

	// Within the ban window even the correct token is rejected and the socket
	// closes with the rate-limit code.
	conn2 := f.dial(t)
	_ = readFrame(t, conn2)
	sendReq(t, conn2, "a", "connect", map[string]string{"token": "secret-token"})
	res := readFrame(t, conn2)
	if res.Error == nil || res.Error.Code != CodeUnauthorized {
		t.Fatalf("banned connect = %+v", res)
	}
	if res.Error.Message == "invalid token" {
		t.Fatal("ban must produce a rate-limit message, not a token check")
	}
	conn2.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn2.ReadMessage()
	if !websocket.IsCloseError(err, CloseRateLimited) {
		t.Fatalf("close err = %v, want %d", err, CloseRateLimited)
	}
}

func TestEventSeqMonotonicAndAuthOnly(t *testing.T) {
	f := newFixture(t)

	// Unauthenticated socket: must never receive task events.
	spectator := f.dial(t)
	_ = readFrame(t, spectator)

	conn := f.dial(t)
	if res := authenticate(t, conn, "secret-token"); res.OK == nil || !*res.OK {
		t.Fatalf("auth failed: %+v", res)
	}

	task, _ := f.d.Store().CreateTask(&store.Task{Prompt: "p"})
	for i := 0; i < 5; i++ {
		f.d.Emit(task.ID, store.EventLog, map[string]int{"i": i})
	}

	var last int64 = -1
	got := 0
	for got < 5 {
		frame := readFrame(t, conn)
		if frame.Type != FrameEvent || frame.Event != "task.event" {
			continue
		}
		if frame.Seq <= last {
			t.Fatalf("seq %d after %d", frame.Seq, last)
		}
		last = frame.Seq
		got++
	}

	spectator.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray Frame
	if err := spectator.ReadJSON(&stray); err == nil && stray.Event == "task.event" {
		t.Fatal("unauthenticated socket received a task event")
	}
}

func TestTaskMethodSurface(t *testing.T) {
	f := newFixture(t)
	ws, err := f.d.Workspaces().Create("w", t.TempDir(), config.WorkspacePermissions{Read: true, Write: true}, nil)
	if err != nil {
		t.Fatalf("ws: %v", err)
	}

	conn := f.dial(t)
	authenticate(t, conn, "secret-token")

	sendReq(t, conn, "c1", "task.create", map[string]any{
		"prompt": "say hi", "workspaceId": ws.ID,
	})

	var created *Frame
	for created == nil {
		frame := readFrame(t, conn)
		if frame.Type == FrameRes && frame.ID == "c1" {
			created = frame
		}
	}
	if created.OK == nil || !*created.OK {
		t.Fatalf("task.create = %+v", created)
	}

	sendReq(t, conn, "l1", "task.list", map[string]any{})
	for {
		frame := readFrame(t, conn)
		if frame.Type == FrameRes && frame.ID == "l1" {
			if frame.OK == nil || !*frame.OK {
				t.Fatalf("task.list = %+v", frame)
			}
			break
		}
	}

	sendReq(t, conn, "u1", "no.such.method", map[string]any{})
	for {
		frame := readFrame(t, conn)
		if frame.Type == FrameRes && frame.ID == "u1" {
			if frame.Error == nil || frame.Error.Code != CodeUnknownMethod {
				t.Fatalf("unknown method = %+v", frame)
			}
			break
		}
	}
}

func TestInvalidInputCode(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	authenticate(t, conn, "secret-token")

	sendReq(t, conn, "t1", "task.create", map[string]any{})
	for {
		frame := readFrame(t, conn)
		if frame.Type == FrameRes && frame.ID == "t1" {
			if frame.Error == nil || frame.Error.Code != CodeInvalidInput {
				t.Fatalf("response = %+v", frame)
			}
			return
		}
	}
}

func TestFrameSizeBoundary(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.ControlPlane.MaxFrameBytes = 4096

	conn := f.dial(t)
	authenticate(t, conn, "secret-token")

	// Under the cap: accepted (responds UNKNOWN_METHOD, not a close).
	small, _ := json.Marshal(map[string]string{"pad": strings.Repeat("x", 1024)})
	conn.WriteJSON(Frame{Type: FrameReq, ID: "s1", Method: "nope", Params: small})
	for {
		frame := readFrame(t, conn)
		if frame.Type == FrameRes && frame.ID == "s1" {
			break
		}
	}

	// Over the cap: the socket closes.
	big, _ := json.Marshal(map[string]string{"pad": strings.Repeat("x", 8192)})
	conn.WriteJSON(Frame{Type: FrameReq, ID: "b1", Method: "nope", Params: big})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	closed := false
	for !closed {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			closed = true
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := f.http.Client().Get(f.http.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
	if _, ok := body["clients"]; !ok {
		t.Fatal("clients count missing")
	}
}

func TestApprovalRespondViaControlPlane(t *testing.T) {
	f := newFixture(t)
	a, err := f.d.Gate().Request("t1", "delete", "delete x", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	conn := f.dial(t)
	authenticate(t, conn, "secret-token")

	sendReq(t, conn, "a1", "approval.respond", map[string]any{"approvalId": a.ID, "approved": true})
	for {
		frame := readFrame(t, conn)
		if frame.Type == FrameRes && frame.ID == "a1" {
			if frame.Error != nil {
				t.Fatalf("respond = %+v", frame)
			}
			break
		}
	}

	// A second respond through the wire returns the original outcome.
	sendReq(t, conn, "a2", "approval.respond", map[string]any{"approvalId": a.ID, "approved": false})
	for {
		frame := readFrame(t, conn)
		if frame.Type == FrameRes && frame.ID == "a2" {
			payload, _ := frame.Payload.(map[string]any)
			if payload["status"] != store.ApprovalApproved {
				t.Fatalf("duplicate respond payload = %+v", frame.Payload)
			}
			return
		}
	}
}
