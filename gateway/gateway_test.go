package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tatuut/agentgateway/gateway/adapter"
	"github.com/tatuut/agentgateway/gateway/adapter/adaptertest"
	"github.com/tatuut/agentgateway/gateway/auth"
	"github.com/tatuut/agentgateway/gateway/credential"
	"github.com/tatuut/agentgateway/gateway/relay"
	"github.com/tatuut/agentgateway/internal/net"
	"github.com/tatuut/agentgateway/internal/store"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func noRetries(r *retryablehttp.Client) { r.RetryMax = 0 }

// startGateway serves g on an httptest server and returns a client for it.
func startGateway(t *testing.T, g *Gateway, opts ...ClientOption) *Client {
	t.Helper()
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Stop(ctx)
		ts.Close()
	})
	opts = append([]ClientOption{WithCustomizeRetryableClient(noRetries)}, opts...)
	c, err := NewClient(log, ts.URL, opts...)
	require.NoError(t, err)
	return c
}

func newGateway(t *testing.T, factory AgentFactory, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	g, err := New(factory, opts...)
	require.NoError(t, err)
	return g
}

func TestHealthAndInfo(t *testing.T) {
	ctx := context.Background()
	factory := &adaptertest.Factory{Script: adaptertest.Echo}
	g := newGateway(t, factory,
		WithCredentials(&credential.Env{APIKey: "sk-test"}),
		WithInfo(Info{Backend: "cli", Model: "claude-x", MaxTurns: 5}),
	)
	c := startGateway(t, g)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Authenticated)
	assert.Equal(t, "interactive", health.Mode)
	assert.Equal(t, 0, health.ActiveSessions)
	_, err = time.Parse(time.RFC3339, health.Timestamp)
	assert.NoError(t, err)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "env", info.AuthMethod)
	assert.Equal(t, "cli", info.Backend)
	assert.Equal(t, "claude-x", info.Model)
	assert.Equal(t, 5, info.MaxTurns)
	assert.Equal(t, []string{"websocket", "query", "sessions"}, info.Features)

	// without a credential the gateway still runs, it just reports it
	g2 := newGateway(t, factory, WithCredentials(&credential.Env{}))
	health, err = startGateway(t, g2).Health(ctx)
	require.NoError(t, err)
	assert.False(t, health.Authenticated)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		cli       adapter.CLIConfig
		cred      credential.Resolver
		prompt    string
		expResp   string
		expStatus int
		expErr    string
		expStderr string
	}{
		{
			name:    "one turn through a real process",
			cli:     adapter.CLIConfig{Command: "sh", Args: []string{"-c", `read line; echo "agent: $line"`}},
			prompt:  "hello",
			expResp: "agent: hello\n",
		},
		{
			name:      "non-zero exit carries stderr",
			cli:       adapter.CLIConfig{Command: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}},
			prompt:    "hello",
			expStatus: http.StatusInternalServerError,
			expErr:    "exited with code 3",
			expStderr: "oops",
		},
		{
			name:      "spawn failure",
			cli:       adapter.CLIConfig{Command: "/does/not/exist"},
			prompt:    "hello",
			expStatus: http.StatusInternalServerError,
			expErr:    "spawning",
		},
		{
			name:      "missing credential fails before spawning",
			cli:       adapter.CLIConfig{Command: "cat"},
			cred:      &credential.Env{},
			prompt:    "hello",
			expStatus: http.StatusInternalServerError,
			expErr:    "credential",
		},
		{
			name:      "missing prompt",
			cli:       adapter.CLIConfig{Command: "cat"},
			expStatus: http.StatusBadRequest,
			expErr:    "prompt is required",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.cli
			cfg.Dialect = adapter.DialectRaw
			cfg.GracePeriod = time.Second
			factory := &adapter.Factory{Backend: adapter.BackendCLI, CLI: cfg, Credentials: c.cred, Log: log}
			client := startGateway(t, newGateway(t, factory))

			resp, err := client.Query(ctx, c.prompt, nil)
			if c.expStatus != 0 {
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr), "expected an APIError, got %v", err)
				assert.Equal(t, c.expStatus, apiErr.StatusCode)
				assert.Contains(t, apiErr.Message, c.expErr)
				assert.Contains(t, apiErr.Stderr, c.expStderr)
				return
			}
			require.NoError(t, err)
			assert.True(t, resp.Success)
			assert.Equal(t, c.expResp, resp.Response)
		})
	}
}

func TestQueryTerminatesTheAdapter(t *testing.T) {
	factory := &adaptertest.Factory{Script: adaptertest.Echo}
	client := startGateway(t, newGateway(t, factory))

	resp, err := client.Query(context.Background(), "hi", &relay.QueryOptions{Cwd: "/tmp", AllowedTools: []string{"Read"}})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Response)

	fake := factory.Last()
	require.NotNil(t, fake)
	assert.Equal(t, "/tmp", fake.Opts.WorkDir)
	assert.Equal(t, []string{"Read"}, fake.Opts.AllowedTools)
	assert.Eventually(t, func() bool { return !adapter.Alive(fake) }, 5*time.Second, 10*time.Millisecond)
}

func TestQueryMalformedBody(t *testing.T) {
	factory := &adaptertest.Factory{Script: adaptertest.Echo}
	g := newGateway(t, factory)
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/query", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, factory.Fakes())
}

func TestSessionsAndTranscripts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(store.MemoryPath, log)
	require.NoError(t, err)
	defer st.Close()

	factory := &adaptertest.Factory{Script: adaptertest.Echo}
	client := startGateway(t, newGateway(t, factory, WithTranscripts(st)))

	sessions, err := client.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	conn, err := client.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.StartSession(ctx, "s1", nil))
	f, err := conn.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, relay.TypeSessionStarted, f.Type)

	sessions, err = client.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, conn.ConnectionID, sessions[0].ConnectionID)
	assert.Equal(t, "interactive", sessions[0].Mode)

	text, err := conn.Ask(ctx, "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", text)

	expTypes := []string{relay.TypeSessionStarted, relay.TypeQueryStart, relay.TypeMessage, relay.TypeQueryComplete}
	assert.Eventually(t, func() bool {
		resp, err := client.Events(ctx, "s1", 0)
		if err != nil {
			return false
		}
		var types []string
		for _, ev := range resp.Events {
			types = append(types, ev.Type)
		}
		return assert.ObjectsAreEqual(expTypes, types)
	}, 5*time.Second, 20*time.Millisecond)

	last, err := client.Events(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, last.Events, 1)
	assert.Equal(t, relay.TypeQueryComplete, last.Events[0].Type)

	_, err = client.Events(ctx, "nope", 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	require.NoError(t, conn.EndSession(ctx))
	assert.Eventually(t, func() bool {
		sessions, err := client.Sessions(ctx)
		return err == nil && len(sessions) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTranscriptsDisabled(t *testing.T) {
	client := startGateway(t, newGateway(t, &adaptertest.Factory{Script: adaptertest.Echo}))
	_, err := client.Events(context.Background(), "s1", 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "disabled")
}

func TestBearerAuth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	verifier := auth.NewVerifier([]byte("secret"), "agentgateway")
	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	g := newGateway(t, &adaptertest.Factory{Script: adaptertest.Echo}, WithVerifier(verifier))
	anon := startGateway(t, g)

	// health stays open for load balancers
	_, err = anon.Health(ctx)
	require.NoError(t, err)

	_, err = anon.Info(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = anon.Dial(ctx)
	assert.Error(t, err)

	authed, err := NewClient(log, anon.baseURL, WithClientToken(token), WithCustomizeRetryableClient(noRetries))
	require.NoError(t, err)
	_, err = authed.Info(ctx)
	require.NoError(t, err)

	conn, err := authed.Dial(ctx)
	require.NoError(t, err)
	conn.Close()

	forged, err := auth.NewVerifier([]byte("other"), "agentgateway").Generate("mallory", time.Hour)
	require.NoError(t, err)
	bad, err := NewClient(log, anon.baseURL, WithClientToken(forged), WithCustomizeRetryableClient(noRetries))
	require.NoError(t, err)
	_, err = bad.Info(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestCORS(t *testing.T) {
	g := newGateway(t, &adaptertest.Factory{Script: adaptertest.Echo}, WithAllowedOrigins([]string{"*.example.com"}))
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	cases := []struct {
		name      string
		method    string
		origin    string
		expStatus int
		expAllow  string
	}{
		{name: "preflight from allowed origin", method: http.MethodOptions, origin: "https://app.example.com", expStatus: http.StatusNoContent, expAllow: "https://app.example.com"},
		{name: "get from allowed origin", method: http.MethodGet, origin: "https://app.example.com", expStatus: http.StatusOK, expAllow: "https://app.example.com"},
		{name: "disallowed origin", method: http.MethodGet, origin: "https://evil.test", expStatus: http.StatusForbidden},
		{name: "no origin", method: http.MethodGet, expStatus: http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req, err := http.NewRequest(c.method, ts.URL+"/health", nil)
			require.NoError(t, err)
			if c.origin != "" {
				req.Header.Set("Origin", c.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, c.expStatus, resp.StatusCode)
			assert.Equal(t, c.expAllow, resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed("http://localhost:3000", "localhost:3000", nil))
	assert.True(t, originAllowed("http://localhost:3000", "gateway:8080", []string{"*"}))
	assert.True(t, originAllowed("https://App.Example.com", "gateway:8080", []string{"*.example.com"}))
	assert.False(t, originAllowed("https://example.org", "gateway:8080", []string{"*.example.com"}))
	assert.False(t, originAllowed("://bad", "gateway:8080", []string{"*"}))
}

func TestNotFound(t *testing.T) {
	g := newGateway(t, &adaptertest.Factory{Script: adaptertest.Echo})
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRunWithTLSAndStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cert, err := GenerateSelfSigned("127.0.0.1", "localhost")
	require.NoError(t, err)
	serverTLS, err := ServerTLSConfig(cert.CertPEMBytes, cert.KeyPEMBytes)
	require.NoError(t, err)
	clientTLS, err := ClientTLSConfig(cert.CertPEMBytes)
	require.NoError(t, err)

	addr, err := net.FreeLocalAddr()
	require.NoError(t, err)

	factory := &adaptertest.Factory{Script: adaptertest.Echo}
	g := newGateway(t, factory, WithListenAddr(addr), WithTLSConfig(serverTLS))

	runErr := make(chan error, 1)
	go func() { runErr <- g.Run() }()
	select {
	case <-g.Ready():
	case err := <-runErr:
		t.Fatalf("gateway stopped early: %s", err)
	}
	assert.Equal(t, addr, g.Addr().String())

	client, err := NewClient(log, "https://"+addr, WithClientTLSConfig(clientTLS))
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(ctx))

	conn, err := client.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.StartSession(ctx, "s1", nil))
	f, err := conn.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, relay.TypeSessionStarted, f.Type)

	// a client without the CA refuses the self-signed cert
	untrusting, err := NewClient(log, "https://"+addr, WithCustomizeRetryableClient(noRetries))
	require.NoError(t, err)
	_, err = untrusting.Health(ctx)
	assert.Error(t, err)

	require.NoError(t, g.Stop(ctx))
	require.NoError(t, <-runErr)

	// the connection is closed and the agent terminated
	_, err = conn.Next(ctx)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return !adapter.Alive(factory.Last()) }, 5*time.Second, 10*time.Millisecond)
}

func TestLoadServerTLSConfigErrors(t *testing.T) {
	_, err := LoadServerTLSConfig("/does/not/exist.pem", "/does/not/exist.key")
	assert.ErrorContains(t, err, "reading TLS cert")

	_, err = ServerTLSConfig([]byte("nope"), []byte("nope"))
	assert.ErrorContains(t, err, "parsing server key pair")

	_, err = ClientTLSConfig([]byte("nope"))
	assert.Error(t, err)
}
