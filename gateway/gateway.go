package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/tatuut/agentgateway/gateway/adapter"
	"github.com/tatuut/agentgateway/gateway/auth"
	"github.com/tatuut/agentgateway/gateway/credential"
	"github.com/tatuut/agentgateway/gateway/relay"
	"github.com/tatuut/agentgateway/gateway/session"
	"github.com/tatuut/agentgateway/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AgentFactory builds the adapters behind WebSocket sessions and synchronous queries.
type AgentFactory interface {
	session.AdapterFactory
	// NewQuery builds an adapter for exactly one turn.
	NewQuery(ctx context.Context, opts adapter.Options) (adapter.Adapter, error)
	Mode() adapter.Mode
}

// TranscriptStore persists relayed frames and reads them back per session.
type TranscriptStore interface {
	relay.Recorder
	ListEvents(ctx context.Context, sessionID string, limit int) ([]store.Event, error)
}

// Info describes the configured agent for /api/info.
type Info struct {
	Backend  string
	Model    string
	MaxTurns int
}

// Gateway serves the HTTP API and the WebSocket relay in front of one agent backend.
type Gateway struct {
	logger *zap.Logger
	log    *zap.SugaredLogger

	factory     AgentFactory
	credentials credential.Resolver
	verifier    *auth.Verifier
	transcripts TranscriptStore
	info        Info

	listenAddr     string
	tlsConfig      *tls.Config
	allowedOrigins []string
	maxSessions    int
	readLimit      int64
	keepalive      time.Duration

	Sessions *session.Registry
	Conns    *session.Connections
	relay    *relay.Server
	handler  http.Handler

	m          sync.Mutex
	httpServer *http.Server
	addr       net.Addr
	ready      chan struct{}
	readyOnce  sync.Once
}

type Option func(g *Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

// WithTLSConfig makes Run serve HTTPS and WSS.
func WithTLSConfig(c *tls.Config) Option {
	return func(g *Gateway) {
		g.tlsConfig = c
	}
}

// WithAllowedOrigins sets the cross-origin hosts allowed to call the API and open WebSockets.
// Patterns use path.Match syntax against the origin's host, so "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(g *Gateway) {
		g.allowedOrigins = origins
	}
}

func WithCredentials(r credential.Resolver) Option {
	return func(g *Gateway) {
		g.credentials = r
	}
}

// WithVerifier requires a valid bearer token on every route except /health.
func WithVerifier(v *auth.Verifier) Option {
	return func(g *Gateway) {
		g.verifier = v
	}
}

func WithTranscripts(s TranscriptStore) Option {
	return func(g *Gateway) {
		g.transcripts = s
	}
}

// WithMaxSessions bounds the number of live sessions. Zero means unbounded.
func WithMaxSessions(n int) Option {
	return func(g *Gateway) {
		g.maxSessions = n
	}
}

// WithMaxMessageBytes bounds inbound WebSocket messages and request bodies.
func WithMaxMessageBytes(n int64) Option {
	return func(g *Gateway) {
		g.readLimit = n
	}
}

func WithKeepalive(d time.Duration) Option {
	return func(g *Gateway) {
		g.keepalive = d
	}
}

func WithInfo(i Info) Option {
	return func(g *Gateway) {
		g.info = i
	}
}

// New constructs a gateway. Nothing listens until Run is called.
func New(factory AgentFactory, opts ...Option) (*Gateway, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	g := &Gateway{
		logger:         logger,
		factory:        factory,
		credentials:    credential.None{},
		listenAddr:     "127.0.0.1:8080",
		allowedOrigins: []string{"*"},
		readLimit:      1 << 20,
		keepalive:      30 * time.Second,
		ready:          make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}

	g.log = g.logger.Named("gateway").Sugar()
	g.Sessions = session.NewRegistry(factory, g.maxSessions, g.logger.Named("session_registry").Sugar())
	g.Conns = session.NewConnections()
	g.relay = &relay.Server{
		Log:            g.logger.Named("relay").Sugar(),
		Sessions:       g.Sessions,
		Conns:          g.Conns,
		Authenticated:  g.authenticated,
		ReadLimit:      g.readLimit,
		Keepalive:      g.keepalive,
		OriginPatterns: g.allowedOrigins,
	}
	if g.transcripts != nil {
		g.relay.Recorder = g.transcripts
	}

	router := httprouter.New()
	router.GET("/health", g.health)
	router.GET("/api/info", g.apiInfo)
	router.POST("/api/query", g.query)
	router.GET("/api/sessions", g.listSessions)
	router.GET("/api/sessions/:id/events", g.sessionEvents)
	router.GET("/", g.websocket)
	router.GET("/ws", g.websocket)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "")
	})

	g.handler = g.cors(g.authenticate(router))
	return g, nil
}

// Handler returns the gateway's HTTP handler, for serving it with a caller-owned server.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Run serves until Stop is called.
func (g *Gateway) Run() error {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if g.tlsConfig != nil {
		listener = tls.NewListener(listener, g.tlsConfig)
	}

	server := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.m.Lock()
	g.httpServer = server
	g.addr = listener.Addr()
	g.m.Unlock()
	g.readyOnce.Do(func() { close(g.ready) })

	g.log.Debugw("serving", "Addr", listener.Addr().String(), "TLS", g.tlsConfig != nil)
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Ready is closed once Run is listening.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr is the address Run is listening on, or nil before it is ready.
func (g *Gateway) Addr() net.Addr {
	g.m.Lock()
	defer g.m.Unlock()
	return g.addr
}

// Stop closes every WebSocket connection, terminates every agent and shuts the HTTP server down.
func (g *Gateway) Stop(ctx context.Context) error {
	g.Conns.CloseAll()
	sessionsErr := g.Sessions.Close(ctx)

	g.m.Lock()
	server := g.httpServer
	g.m.Unlock()
	var serverErr error
	if server != nil {
		serverErr = server.Shutdown(ctx)
	}
	return errors.Join(sessionsErr, serverErr)
}

func (g *Gateway) authenticated() bool {
	return credential.Available(context.Background(), g.credentials)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

type HealthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Authenticated  bool   `json:"authenticated"`
	Mode           string `json:"mode"`
	ActiveSessions int    `json:"activeSessions"`
	Connections    int    `json:"connections"`
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Timestamp:      timestamp(),
		Authenticated:  g.authenticated(),
		Mode:           string(g.factory.Mode()),
		ActiveSessions: len(g.Sessions.List()),
		Connections:    g.Conns.Len(),
	})
}

type InfoResponse struct {
	Model      string   `json:"model,omitempty"`
	AuthMethod string   `json:"authMethod"`
	Mode       string   `json:"mode"`
	Backend    string   `json:"backend"`
	MaxTurns   int      `json:"maxTurns,omitempty"`
	Features   []string `json:"features"`
}

func (g *Gateway) apiInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	features := []string{"websocket", "query", "sessions"}
	if g.transcripts != nil {
		features = append(features, "transcripts")
	}
	if g.verifier != nil {
		features = append(features, "bearer-auth")
	}
	writeJSON(w, http.StatusOK, InfoResponse{
		Model:      g.info.Model,
		AuthMethod: string(g.credentials.Method()),
		Mode:       string(g.factory.Mode()),
		Backend:    g.info.Backend,
		MaxTurns:   g.info.MaxTurns,
		Features:   features,
	})
}

type QueryRequest struct {
	Prompt  string              `json:"prompt"`
	Options *relay.QueryOptions `json:"options,omitempty"`
}

type QueryResponse struct {
	Success  bool              `json:"success"`
	Response string            `json:"response"`
	Messages []json.RawMessage `json:"messages,omitempty"`
	// Timestamp is RFC3339.
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Stderr    string `json:"stderr,omitempty"`
	Timestamp string `json:"timestamp"`
}

// query runs one turn through a fresh adapter and returns all of its output at once.
// The adapter is terminated when the turn ends or the request is aborted.
func (g *Gateway) query(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req QueryRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, g.readLimit))
	err := dec.Decode(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err), "")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required", "")
		return
	}

	a, err := g.factory.NewQuery(r.Context(), req.Options.AdapterOptions())
	if err != nil {
		g.log.Debugf("building query adapter: %s", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	defer a.Terminate()

	res, err := adapter.Collect(r.Context(), a, req.Prompt)
	if err != nil {
		g.log.Debugf("query failed: %s", err)
		writeError(w, http.StatusInternalServerError, err.Error(), adapter.StderrOf(err))
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Success:   true,
		Response:  res.Text,
		Messages:  res.Events,
		Timestamp: timestamp(),
	})
}

type SessionInfo struct {
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
	Mode         string `json:"mode"`
	CreatedAt    string `json:"createdAt"`
}

func (g *Gateway) listSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sessions := g.Sessions.List()
	resp := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, SessionInfo{
			SessionID:    s.ID,
			ConnectionID: s.ConnID,
			Mode:         string(s.Adapter.Mode()),
			CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type EventsResponse struct {
	SessionID string        `json:"sessionId"`
	Events    []store.Event `json:"events"`
}

func (g *Gateway) sessionEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if g.transcripts == nil {
		writeError(w, http.StatusNotFound, "transcripts are disabled", "")
		return
	}
	id := params.ByName("id")

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s), "")
			return
		}
		limit = n
	}

	events, err := g.transcripts.ListEvents(r.Context(), id, limit)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no events for session %q", id), "")
		return
	}
	if err != nil {
		g.log.Debugf("listing events for session %s: %s", id, err)
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{SessionID: id, Events: events})
}

func (g *Gateway) websocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.relay.ServeHTTP(w, r)
}

func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !originAllowed(origin, r.Host, g.allowedOrigins) {
				writeError(w, http.StatusForbidden, "origin not allowed", "")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches the same way the WebSocket handshake does, so the API and the relay agree.
func originAllowed(origin, host string, patterns []string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, host) {
		return true
	}
	for _, p := range patterns {
		matched, err := path.Match(strings.ToLower(p), strings.ToLower(u.Host))
		if err == nil && matched {
			return true
		}
	}
	return false
}

func (g *Gateway) authenticate(next http.Handler) http.Handler {
	if g.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "")
			return
		}
		subject, err := g.verifier.Verify(token)
		if err != nil {
			g.log.Debugw("rejected token", "Path", r.URL.Path, "Error", err)
			writeError(w, http.StatusUnauthorized, err.Error(), "")
			return
		}
		g.log.Debugw("authenticated request", "Path", r.URL.Path, "Subject", subject)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func writeError(w http.ResponseWriter, code int, msg, stderr string) {
	writeJSON(w, code, ErrorResponse{Error: msg, Stderr: stderr, Timestamp: timestamp()})
}
