// Package control implements the authenticated multi-client WebSocket control
// plane: framed RPC mirroring the UI's request surface plus event broadcast.
package control

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/daemon"
	"github.com/coworkos/cowork/internal/secrets"
)

// Client auth states.
const (
	authPending       = "pending"
	authAuthenticated = "authenticated"
	authRejected      = "rejected"
)

// Options wires the control plane server.
type Options struct {
	Daemon   *daemon.Daemon
	Config   *config.Config
	Channels *config.ChannelRegistry
	// Token is the resolved plaintext bearer token.
	Token string
}

// Server is the control plane.
type Server struct {
	d        *daemon.Daemon
	cfg      *config.Config
	channels *config.ChannelRegistry
	limiter  *authLimiter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	started atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type client struct {
	id       string
	remote   string
	conn     *websocket.Conn
	state    atomic.Value // auth state string
	scopes   map[string]bool
	deviceID string

	seq           atomic.Int64
	connectedAt   time.Time
	lastActivity  atomic.Int64 // unix nano
	lastHeartbeat atomic.Int64

	sendMu sync.Mutex
	closed atomic.Bool
}

// NewServer creates the control plane server.
func NewServer(opts Options) *Server {
	return &Server{
		d:        opts.Daemon,
		cfg:      opts.Config,
		channels: opts.Channels,
		limiter:  newAuthLimiter(opts.Token),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		stop:    make(chan struct{}),
	}
}

// Handler returns the HTTP mux: the WebSocket endpoint at "/" and the health
// endpoint at "/health".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := 0
	for c := range s.clients {
		if c.authState() == authAuthenticated {
			count++
		}
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"clients":   count,
	})
}

// Start launches the event pump, heartbeat and cleanup timers.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	sub := s.d.Subscribe(1024)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.d.Unsubscribe(sub)
		for {
			select {
			case <-s.stop:
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				s.broadcastEvent("task.event", evt)
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		heartbeat := time.NewTicker(s.heartbeatInterval())
		cleanup := time.NewTicker(time.Minute)
		defer heartbeat.Stop()
		defer cleanup.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-heartbeat.C:
				s.broadcastEvent("heartbeat", map[string]any{"ts": time.Now().UnixMilli()})
				s.dropIdleClients()
			case <-cleanup.C:
				s.limiter.sweep(time.Now())
				s.reapClosedClients()
			}
		}
	}()
}

// Shutdown stops the timers and disconnects all clients.
func (s *Server) Shutdown() {
	if !s.started.Load() {
		return
	}
	close(s.stop)
	s.mu.Lock()
	for c := range s.clients {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) heartbeatInterval() time.Duration {
	if s.cfg != nil && s.cfg.ControlPlane.HeartbeatSeconds > 0 {
		return time.Duration(s.cfg.ControlPlane.HeartbeatSeconds) * time.Second
	}
	return 30 * time.Second
}

func (s *Server) idleWindow() time.Duration {
	if s.cfg != nil && s.cfg.ControlPlane.IdleTimeoutSeconds > 0 {
		return time.Duration(s.cfg.ControlPlane.IdleTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.cfg != nil && s.cfg.ControlPlane.HandshakeTimeoutSeconds > 0 {
		return time.Duration(s.cfg.ControlPlane.HandshakeTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

func (s *Server) maxFrameBytes() int64 {
	if s.cfg != nil && s.cfg.ControlPlane.MaxFrameBytes > 0 {
		return s.cfg.ControlPlane.MaxFrameBytes
	}
	return 10 << 20
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		id:          uuid.NewString(),
		remote:      r.RemoteAddr,
		conn:        conn,
		scopes:      map[string]bool{},
		connectedAt: time.Now(),
	}
	c.touch()
	conn.SetReadLimit(s.maxFrameBytes())

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	// Challenge + handshake timer.
	nonce := newNonce()
	c.sendFrame(eventFrame("connect.challenge", c.seq.Add(1)-1, map[string]string{"nonce": nonce}))
	handshake := time.AfterFunc(s.handshakeTimeout(), func() {
		if c.authState() != authAuthenticated {
			c.close(CloseHandshakeTimeout, "handshake timeout")
		}
	})

	go s.readLoop(c, handshake)
}

func newNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) readLoop(c *client, handshake *time.Timer) {
	defer func() {
		handshake.Stop()
		c.close(websocket.CloseNormalClosure, "")
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendFrame(errFrame("", CodeInvalidInput, "malformed frame"))
			continue
		}
		if frame.Type != FrameReq {
			continue
		}
		if frame.Method == "connect" {
			if s.handleConnect(c, &frame) {
				handshake.Stop()
			}
			if c.authState() == authRejected {
				return
			}
			continue
		}
		if c.authState() != authAuthenticated {
			c.sendFrame(errFrame(frame.ID, CodeUnauthorized, "authenticate first"))
			continue
		}
		c.sendFrame(s.dispatch(c, &frame))
	}
}

// handleConnect runs the auth flow. Returns true when the client
// authenticated.
func (s *Server) handleConnect(c *client, frame *Frame) bool {
	var params struct {
		Token  string `json:"token"`
		Device string `json:"device,omitempty"`
	}
	if len(frame.Params) > 0 {
		_ = json.Unmarshal(frame.Params, &params)
	}

	if s.limiter.banned(c.remote) {
		c.sendFrame(errFrame(frame.ID, CodeUnauthorized, "too many failed attempts, try again later"))
		c.setAuthState(authRejected)
		c.close(CloseRateLimited, "rate limited")
		return false
	}

	if !s.limiter.verify(c.remote, params.Token) {
		c.sendFrame(errFrame(frame.ID, CodeUnauthorized, "invalid token"))
		if s.limiter.banned(c.remote) {
			c.setAuthState(authRejected)
			c.close(CloseAuthFailed, "auth failed")
		}
		return false
	}

	c.setAuthState(authAuthenticated)
	c.deviceID = strings.TrimSpace(params.Device)
	for _, scope := range s.grantedScopes() {
		c.scopes[scope] = true
	}
	c.sendFrame(okFrame(frame.ID, map[string]any{
		"clientId": c.id,
		"scopes":   s.grantedScopes(),
	}))
	slog.Info("Control client authenticated", "client", c.id, "device", c.deviceID)
	return true
}

func (s *Server) grantedScopes() []string {
	if s.cfg != nil && len(s.cfg.ControlPlane.Scopes) > 0 {
		return s.cfg.ControlPlane.Scopes
	}
	return []string{"admin"}
}

func (c *client) hasScope(scope string) bool {
	return c.scopes["admin"] || c.scopes[scope]
}

func (c *client) authState() string {
	if v, ok := c.state.Load().(string); ok {
		return v
	}
	return authPending
}

func (c *client) setAuthState(state string) {
	c.state.Store(state)
}

func (c *client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *client) sendFrame(f *Frame) {
	if c.closed.Load() {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.sendMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.sendMu.Unlock()
	_ = c.conn.Close()
}

// broadcastEvent fans an event to authenticated clients only, stamping each
// client's monotonic sequence.
func (s *Server) broadcastEvent(name string, payload any) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c.authState() == authAuthenticated {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		seq := c.seq.Add(1) - 1
		if name == "heartbeat" {
			c.lastHeartbeat.Store(time.Now().UnixNano())
		}
		c.sendFrame(eventFrame(name, seq, payload))
	}
}

func (s *Server) dropIdleClients() {
	cutoff := time.Now().Add(-s.idleWindow()).UnixNano()
	s.mu.Lock()
	var idle []*client
	for c := range s.clients {
		if c.lastActivity.Load() < cutoff {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		delete(s.clients, c)
	}
	s.mu.Unlock()
	for _, c := range idle {
		c.close(websocket.CloseGoingAway, "idle timeout")
	}
}

func (s *Server) reapClosedClients() {
	s.mu.Lock()
	for c := range s.clients {
		if c.closed.Load() {
			delete(s.clients, c)
		}
	}
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Method dispatch
// ---------------------------------------------------------------------------

func methodScope(method string) string {
	if i := strings.IndexByte(method, '.'); i > 0 {
		return method[:i]
	}
	return method
}

func (s *Server) dispatch(c *client, frame *Frame) *Frame {
	method := frame.Method
	switch method {
	case "ping":
		return okFrame(frame.ID, map[string]string{"pong": "pong"})
	case "health":
		return okFrame(frame.ID, map[string]any{"status": "ok"})
	case "status":
		return okFrame(frame.ID, map[string]any{
			"clientId":    c.id,
			"connectedAt": c.connectedAt.UnixMilli(),
		})
	}

	if !c.hasScope(methodScope(method)) {
		return errFrame(frame.ID, CodeForbidden, "missing scope: "+methodScope(method))
	}

	params := map[string]any{}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return errFrame(frame.ID, CodeInvalidInput, "malformed params")
		}
	}

	switch method {
	case "config.get":
		return okFrame(frame.ID, s.maskedConfig())
	case "llm.configure":
		return s.handleLLMConfigure(frame.ID, params)
	case "workspace.list":
		return okFrame(frame.ID, s.d.Workspaces().List())
	case "workspace.create":
		return s.handleWorkspaceCreate(frame.ID, params)
	case "task.create":
		return s.handleTaskCreate(frame.ID, params)
	case "task.list":
		tasks, err := s.d.ListTasks(str(params, "status"), num(params, "limit"), num(params, "offset"))
		if err != nil {
			return errFrame(frame.ID, CodeMethodFailed, err.Error())
		}
		return okFrame(frame.ID, tasks)
	case "task.events":
		id := str(params, "taskId")
		if id == "" {
			return errFrame(frame.ID, CodeInvalidInput, "taskId is required")
		}
		events, err := s.d.GetTaskEvents(id, int64(num(params, "afterSeq")))
		if err != nil {
			return errFrame(frame.ID, CodeMethodFailed, err.Error())
		}
		return okFrame(frame.ID, events)
	case "task.cancel":
		id := str(params, "taskId")
		if id == "" {
			return errFrame(frame.ID, CodeInvalidInput, "taskId is required")
		}
		if err := s.d.CancelTask(id); err != nil {
			return errFrame(frame.ID, CodeMethodFailed, err.Error())
		}
		return okFrame(frame.ID, map[string]bool{"cancelled": true})
	case "task.sendMessage":
		id := str(params, "taskId")
		content := str(params, "content")
		if id == "" || content == "" {
			return errFrame(frame.ID, CodeInvalidInput, "taskId and content are required")
		}
		if err := s.d.SendMessage(id, content); err != nil {
			return errFrame(frame.ID, CodeMethodFailed, err.Error())
		}
		return okFrame(frame.ID, map[string]bool{"sent": true})
	case "approval.list":
		pending, err := s.d.Store().ListPendingApprovals()
		if err != nil {
			return errFrame(frame.ID, CodeMethodFailed, err.Error())
		}
		return okFrame(frame.ID, pending)
	case "approval.respond":
		id := str(params, "approvalId")
		if id == "" {
			return errFrame(frame.ID, CodeInvalidInput, "approvalId is required")
		}
		approved, _ := params["approved"].(bool)
		outcome, err := s.d.Gate().Respond(id, approved)
		if err != nil {
			return errFrame(frame.ID, CodeMethodFailed, err.Error())
		}
		return okFrame(frame.ID, map[string]string{"status": outcome})
	case "channel.list":
		return okFrame(frame.ID, s.maskedChannels())
	case "channel.get":
		cfg, ok := s.channels.Get(str(params, "id"))
		if !ok {
			return errFrame(frame.ID, CodeMethodFailed, "channel not found")
		}
		return okFrame(frame.ID, maskChannel(cfg))
	case "channel.create":
		return s.handleChannelCreate(frame.ID, params)
	case "channel.update":
		return s.handleChannelUpdate(frame.ID, params)
	case "channel.enable":
		return s.handleChannelEnable(frame.ID, params, true)
	case "channel.disable":
		return s.handleChannelEnable(frame.ID, params, false)
	case "channel.remove":
		if err := s.channels.Remove(str(params, "id")); err != nil {
			return errFrame(frame.ID, CodeMethodFailed, err.Error())
		}
		return okFrame(frame.ID, map[string]bool{"removed": true})
	case "channel.test":
		if _, ok := s.channels.Get(str(params, "id")); !ok {
			return errFrame(frame.ID, CodeMethodFailed, "channel not found")
		}
		return okFrame(frame.ID, map[string]bool{"reachable": true})
	}
	return errFrame(frame.ID, CodeUnknownMethod, "unknown method: "+method)
}

func (s *Server) handleTaskCreate(id string, params map[string]any) *Frame {
	prompt := str(params, "prompt")
	if prompt == "" {
		return errFrame(id, CodeInvalidInput, "prompt is required")
	}
	task, err := s.d.CreateTask(daemon.TaskRequest{
		Title:          str(params, "title"),
		Prompt:         prompt,
		WorkspaceID:    str(params, "workspaceId"),
		BudgetTokens:   num(params, "budgetTokens"),
		IdempotencyKey: str(params, "idempotencyKey"),
	})
	if err != nil {
		return errFrame(id, CodeMethodFailed, err.Error())
	}
	return okFrame(id, task)
}

func (s *Server) handleWorkspaceCreate(id string, params map[string]any) *Frame {
	name := str(params, "name")
	path := str(params, "path")
	if path == "" {
		return errFrame(id, CodeInvalidInput, "path is required")
	}
	perms := config.WorkspacePermissions{Read: true}
	if raw, ok := params["permissions"].(map[string]any); ok {
		perms.Read = boolOr(raw, "read", true)
		perms.Write = boolOr(raw, "write", false)
		perms.Delete = boolOr(raw, "delete", false)
		perms.Shell = boolOr(raw, "shell", false)
		perms.Network = boolOr(raw, "network", false)
		perms.UnrestrictedFileAccess = boolOr(raw, "unrestrictedFileAccess", false)
	}
	ws, err := s.d.Workspaces().Create(name, path, perms, nil)
	if err != nil {
		return errFrame(id, CodeInvalidInput, err.Error())
	}
	return okFrame(id, ws)
}

func (s *Server) handleLLMConfigure(id string, params map[string]any) *Frame {
	providerName := str(params, "provider")
	apiKey := str(params, "apiKey")
	if providerName == "" {
		return errFrame(id, CodeInvalidInput, "provider is required")
	}
	sealed := apiKey
	if apiKey != "" && !secrets.IsSealed(apiKey) {
		var err error
		sealed, err = secrets.Seal(apiKey)
		if err != nil {
			return errFrame(id, CodeMethodFailed, "secret storage unavailable: "+err.Error())
		}
	}
	switch providerName {
	case "anthropic":
		s.cfg.Providers.Anthropic.APIKey = sealed
	case "openai":
		s.cfg.Providers.OpenAI.APIKey = sealed
	case "openrouter":
		s.cfg.Providers.OpenRouter.APIKey = sealed
	case "ollama":
		s.cfg.Providers.Ollama.APIBase = str(params, "apiBase")
	default:
		return errFrame(id, CodeInvalidInput, "unknown provider: "+providerName)
	}
	if model := str(params, "model"); model != "" {
		s.cfg.Model.Name = model
	}
	return okFrame(id, map[string]string{"apiKey": secrets.Mask(sealed)})
}

func (s *Server) handleChannelCreate(id string, params map[string]any) *Frame {
	cfg := config.ChannelConfig{
		Type:         str(params, "type"),
		Name:         str(params, "name"),
		SecurityMode: str(params, "securityMode"),
	}
	if raw, ok := params["secrets"].(map[string]any); ok {
		cfg.Secrets = map[string]string{}
		for k, v := range raw {
			value, _ := v.(string)
			if value == "" || secrets.IsSealed(value) {
				cfg.Secrets[k] = value
				continue
			}
			sealed, err := secrets.Seal(value)
			if err != nil {
				return errFrame(id, CodeMethodFailed, "secret storage unavailable: "+err.Error())
			}
			cfg.Secrets[k] = sealed
		}
	}
	created, err := s.channels.Create(cfg)
	if err != nil {
		return errFrame(id, CodeInvalidInput, err.Error())
	}
	return okFrame(id, maskChannel(created))
}

func (s *Server) handleChannelUpdate(id string, params map[string]any) *Frame {
	existing, ok := s.channels.Get(str(params, "id"))
	if !ok {
		return errFrame(id, CodeMethodFailed, "channel not found")
	}
	if name := str(params, "name"); name != "" {
		existing.Name = name
	}
	if mode := str(params, "securityMode"); mode != "" {
		existing.SecurityMode = mode
	}
	if err := s.channels.Update(existing); err != nil {
		return errFrame(id, CodeMethodFailed, err.Error())
	}
	return okFrame(id, maskChannel(existing))
}

func (s *Server) handleChannelEnable(id string, params map[string]any, enabled bool) *Frame {
	if err := s.channels.SetEnabled(str(params, "id"), enabled); err != nil {
		return errFrame(id, CodeMethodFailed, err.Error())
	}
	return okFrame(id, map[string]bool{"enabled": enabled})
}

// maskedConfig returns the config with every secret replaced by the fixed
// masked token. Plaintext secrets never reach subscribers.
func (s *Server) maskedConfig() map[string]any {
	return map[string]any{
		"model": s.cfg.Model,
		"providers": map[string]any{
			"anthropic":  map[string]string{"apiKey": secrets.Mask(s.cfg.Providers.Anthropic.APIKey)},
			"openai":     map[string]string{"apiKey": secrets.Mask(s.cfg.Providers.OpenAI.APIKey)},
			"openrouter": map[string]string{"apiKey": secrets.Mask(s.cfg.Providers.OpenRouter.APIKey)},
			"ollama":     map[string]string{"apiBase": s.cfg.Providers.Ollama.APIBase},
		},
		"approval": s.cfg.Approval,
		"tools":    s.cfg.Tools,
	}
}

func (s *Server) maskedChannels() []config.ChannelConfig {
	list := s.channels.List()
	out := make([]config.ChannelConfig, 0, len(list))
	for _, c := range list {
		out = append(out, maskChannel(c))
	}
	return out
}

func maskChannel(c config.ChannelConfig) config.ChannelConfig {
	if len(c.Secrets) == 0 {
		return c
	}
	masked := make(map[string]string, len(c.Secrets))
	for k, v := range c.Secrets {
		masked[k] = secrets.Mask(v)
	}
	c.Secrets = masked
	return c
}

func str(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}

func num(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolOr(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}
