package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tatuut/agentgateway/gateway/adapter"
	"github.com/tatuut/agentgateway/gateway/adapter/adaptertest"
	"github.com/tatuut/agentgateway/gateway/session"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var log = zap.NewNop().Sugar()

type memRecorder struct {
	m      sync.Mutex
	frames map[string][]string
}

func (r *memRecorder) Record(ctx context.Context, sessionID, frameType string, frame []byte) error {
	r.m.Lock()
	defer r.m.Unlock()
	if r.frames == nil {
		r.frames = map[string][]string{}
	}
	r.frames[sessionID] = append(r.frames[sessionID], frameType)
	return nil
}

func (r *memRecorder) get(sessionID string) []string {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]string{}, r.frames[sessionID]...)
}

type harness struct {
	t        *testing.T
	factory  *adaptertest.Factory
	sessions *session.Registry
	conns    *session.Connections
	recorder *memRecorder
	url      string
}

func newHarness(t *testing.T, script adaptertest.Script) *harness {
	h := &harness{
		t:        t,
		factory:  &adaptertest.Factory{Script: script},
		conns:    session.NewConnections(),
		recorder: &memRecorder{},
	}
	h.sessions = session.NewRegistry(h.factory, 0, log)
	srv := &Server{
		Log:           log,
		Sessions:      h.sessions,
		Conns:         h.conns,
		Authenticated: func() bool { return true },
		Recorder:      h.recorder,
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	h.url = ts.URL
	return h
}

func (h *harness) dial() *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, h.url, log, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { c.Close() })
	return c
}

func expectFrame(t *testing.T, c *Client, frameType string) *Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, frameType, f.Type, "frame: %+v", f)
	assert.NotEmpty(t, f.Timestamp)
	return f
}

func TestConnectedAndPing(t *testing.T) {
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()
	assert.NotEmpty(t, c.ConnectionID)
	assert.True(t, c.Authenticated)
	assert.Equal(t, 1, h.conns.Len())

	require.NoError(t, c.Ping(context.Background()))
	expectFrame(t, c, TypePong)
}

func TestQueryBeforeStartCreatesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()

	require.NoError(t, c.Query(ctx, "hello", nil))
	started := expectFrame(t, c, TypeSessionStarted)
	assert.NotEmpty(t, started.SessionID)
	expectFrame(t, c, TypeQueryStart)
	msg := expectFrame(t, c, TypeMessage)
	assert.Equal(t, "echo: hello", msg.Text)
	expectFrame(t, c, TypeQueryComplete)

	s, ok := h.sessions.Get(started.SessionID)
	require.True(t, ok)
	assert.Equal(t, c.ConnectionID, s.ConnID)
	assert.Equal(t, []string{TypeSessionStarted, TypeQueryStart, TypeMessage, TypeQueryComplete}, h.recorder.get(started.SessionID))
}

func TestQueryUsesSessionIDFromOptions(t *testing.T) {
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()

	require.NoError(t, c.Query(context.Background(), "hi", &QueryOptions{SessionID: "chosen", Model: "m"}))
	started := expectFrame(t, c, TypeSessionStarted)
	assert.Equal(t, "chosen", started.SessionID)
	assert.Equal(t, "m", h.factory.Last().Opts.Model)
}

func TestChunksArriveInOrder(t *testing.T) {
	h := newHarness(t, func(f *adaptertest.Fake, line string) {
		for _, s := range []string{"A", "B", "C"} {
			f.Emit(adapter.Event{Kind: adapter.EventData, Text: s})
		}
		f.Emit(adapter.Event{Kind: adapter.EventTurnComplete})
	})
	c := h.dial()

	require.NoError(t, c.StartSession(context.Background(), "s", nil))
	expectFrame(t, c, TypeSessionStarted)
	require.NoError(t, c.Query(context.Background(), "go", nil))
	expectFrame(t, c, TypeQueryStart)
	for _, s := range []string{"A", "B", "C"} {
		assert.Equal(t, s, expectFrame(t, c, TypeMessage).Text)
	}
	expectFrame(t, c, TypeQueryComplete)
}

func TestMalformedInputKeepsConnectionUsable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()

	payloads := []string{
		"not json",
		`{"type":"launch_missiles"}`,
		`{"prompt":"no type"}`,
		`{"type":"query"}`,
	}
	for _, p := range payloads {
		require.NoError(t, c.conn.Write(ctx, websocket.MessageText, []byte(p)))
		f := expectFrame(t, c, TypeError)
		assert.Contains(t, f.Error, "malformed message")
	}

	require.NoError(t, c.Ping(ctx))
	expectFrame(t, c, TypePong)
	assert.Equal(t, 0, h.sessions.Len())
}

func TestStartAndEndSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()

	require.NoError(t, c.StartSession(ctx, "mine", &QueryOptions{AllowedTools: []string{"Read"}, Cwd: "/tmp"}))
	assert.Equal(t, "mine", expectFrame(t, c, TypeSessionStarted).SessionID)
	fake := h.factory.Last()
	assert.Equal(t, []string{"Read"}, fake.Opts.AllowedTools)
	assert.Equal(t, "/tmp", fake.Opts.WorkDir)

	// starting the same session again is idempotent
	require.NoError(t, c.StartSession(ctx, "mine", nil))
	expectFrame(t, c, TypeSessionStarted)
	assert.Len(t, h.factory.Fakes(), 1)

	require.NoError(t, c.EndSession(ctx))
	assert.Equal(t, "mine", expectFrame(t, c, TypeSessionEnded).SessionID)
	_, ok := h.sessions.Get("mine")
	assert.False(t, ok)
	assert.False(t, adapter.Alive(fake))

	// ending with no session is still acknowledged
	require.NoError(t, c.EndSession(ctx))
	assert.Empty(t, expectFrame(t, c, TypeSessionEnded).SessionID)
}

func TestStartSessionReplacesActiveSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()

	require.NoError(t, c.StartSession(ctx, "first", nil))
	expectFrame(t, c, TypeSessionStarted)
	first := h.factory.Last()

	require.NoError(t, c.StartSession(ctx, "second", nil))
	assert.Equal(t, "second", expectFrame(t, c, TypeSessionStarted).SessionID)
	assert.False(t, adapter.Alive(first))
	_, ok := h.sessions.Get("first")
	assert.False(t, ok)

	require.NoError(t, c.Query(ctx, "x", nil))
	expectFrame(t, c, TypeQueryStart)
	assert.Equal(t, "second", expectFrame(t, c, TypeMessage).SessionID)
	expectFrame(t, c, TypeQueryComplete)
}

func TestTransportCloseRemovesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()

	require.NoError(t, c.StartSession(ctx, "s", nil))
	expectFrame(t, c, TypeSessionStarted)
	fake := h.factory.Last()

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return h.sessions.Len() == 0 && h.conns.Len() == 0 && !adapter.Alive(fake)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStaleBindingLeavesReusedSessionAlone(t *testing.T) {
	cases := []struct {
		name     string
		teardown func(t *testing.T, h *harness, c *Client)
	}{
		{
			name: "end_session",
			teardown: func(t *testing.T, h *harness, c *Client) {
				require.NoError(t, c.EndSession(context.Background()))
				assert.Equal(t, "shared", expectFrame(t, c, TypeSessionEnded).SessionID)
			},
		},
		{
			name: "start_session for another session",
			teardown: func(t *testing.T, h *harness, c *Client) {
				require.NoError(t, c.StartSession(context.Background(), "other", nil))
				assert.Equal(t, "other", expectFrame(t, c, TypeSessionStarted).SessionID)
			},
		},
		{
			name: "transport close",
			teardown: func(t *testing.T, h *harness, c *Client) {
				require.NoError(t, c.Close())
				require.Eventually(t, func() bool { return h.conns.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, adaptertest.Echo)
			a := h.dial()
			b := h.dial()

			require.NoError(t, a.StartSession(ctx, "shared", nil))
			expectFrame(t, a, TypeSessionStarted)
			fakeA := h.factory.Last()
			// the agent dies without its exit reaching a's pump, so a stays bound to it
			fakeA.Terminate()

			require.NoError(t, b.StartSession(ctx, "shared", nil))
			expectFrame(t, b, TypeSessionStarted)
			fakeB := h.factory.Last()
			require.NotSame(t, fakeA, fakeB)

			c.teardown(t, h, a)

			assert.True(t, adapter.Alive(fakeB))
			s, ok := h.sessions.Get("shared")
			require.True(t, ok)
			assert.Same(t, fakeB, s.Adapter)

			require.NoError(t, b.Query(ctx, "still here", nil))
			expectFrame(t, b, TypeQueryStart)
			assert.Equal(t, "echo: still here", expectFrame(t, b, TypeMessage).Text)
			expectFrame(t, b, TypeQueryComplete)
		})
	}
}

func TestAgentExitDuringQuery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(f *adaptertest.Fake, line string) {
		if line == "crash" {
			f.Emit(adapter.Event{Kind: adapter.EventData, Text: "partial"})
			f.Exit(2, &adapter.ProcessExitError{Code: 2, Stderr: "boom"})
			return
		}
		adaptertest.Echo(f, line)
	})
	c := h.dial()

	require.NoError(t, c.Query(ctx, "crash", nil))
	sessionID := expectFrame(t, c, TypeSessionStarted).SessionID
	expectFrame(t, c, TypeQueryStart)
	assert.Equal(t, "partial", expectFrame(t, c, TypeMessage).Text)
	errFrame := expectFrame(t, c, TypeError)
	assert.Equal(t, "agent exited with code 2", errFrame.Error)
	assert.Equal(t, "boom", errFrame.Stderr)
	closed := expectFrame(t, c, TypeSessionClosed)
	require.NotNil(t, closed.Code)
	assert.Equal(t, 2, *closed.Code)

	require.Eventually(t, func() bool {
		_, ok := h.sessions.Get(sessionID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	// the connection is back to having no session, so the next query starts a fresh one
	require.NoError(t, c.Query(ctx, "again", nil))
	assert.NotEqual(t, sessionID, expectFrame(t, c, TypeSessionStarted).SessionID)
	expectFrame(t, c, TypeQueryStart)
	assert.Equal(t, "echo: again", expectFrame(t, c, TypeMessage).Text)
	expectFrame(t, c, TypeQueryComplete)
}

func TestIdleAgentExitOnlyClosesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()

	require.NoError(t, c.StartSession(ctx, "s", nil))
	expectFrame(t, c, TypeSessionStarted)
	h.factory.Last().Exit(0, nil)

	closed := expectFrame(t, c, TypeSessionClosed)
	require.NotNil(t, closed.Code)
	assert.Equal(t, 0, *closed.Code)
}

func TestTurnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(f *adaptertest.Fake, line string) {
		f.Emit(adapter.Event{Kind: adapter.EventTurnFailed, Err: &adapter.ProcessExitError{Code: 1, Stderr: "bad flag"}})
	})
	c := h.dial()

	_, err := c.Ask(ctx, "x", nil, nil)
	var frameErr *FrameError
	require.True(t, errors.As(err, &frameErr))
	assert.Equal(t, "bad flag", frameErr.Stderr)

	// the session survives a failed turn
	assert.Equal(t, 1, h.sessions.Len())
}

func TestSessionCreationErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adaptertest.Echo)
	c1 := h.dial()
	c2 := h.dial()

	require.NoError(t, c1.StartSession(ctx, "taken", nil))
	expectFrame(t, c1, TypeSessionStarted)

	require.NoError(t, c2.StartSession(ctx, "taken", nil))
	assert.Contains(t, expectFrame(t, c2, TypeError).Error, session.ErrSessionOwned.Error())

	h.factory.SetErr(errors.New("no agent for you"))
	require.NoError(t, c2.Query(ctx, "hi", nil))
	assert.Equal(t, "no agent for you", expectFrame(t, c2, TypeError).Error)

	require.NoError(t, c2.Ping(ctx))
	expectFrame(t, c2, TypePong)
}

func TestConcurrentConnectionsNeverCross(t *testing.T) {
	h := newHarness(t, adaptertest.Echo)
	clients := []*Client{h.dial(), h.dial()}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for n := 0; n < 20; n++ {
				prompt := fmt.Sprintf("client%d-%d", i, n)
				text, err := c.Ask(ctx, prompt, nil, nil)
				assert.NoError(t, err)
				assert.Equal(t, "echo: "+prompt, text)
			}
		}(i, c)
	}
	wg.Wait()

	assert.Equal(t, 2, h.sessions.Len())
	for _, s := range h.sessions.List() {
		lines := s.Adapter.(*adaptertest.Fake).Lines()
		require.Len(t, lines, 20)
		prefix := strings.SplitN(lines[0], "-", 2)[0] + "-"
		for _, line := range lines {
			assert.True(t, strings.HasPrefix(line, prefix), "session %s got %q", s.ID, line)
		}
	}
}

func TestLargeChunksAreSplit(t *testing.T) {
	big := strings.Repeat("é", maxFrameText)
	h := newHarness(t, func(f *adaptertest.Fake, line string) {
		f.Emit(adapter.Event{Kind: adapter.EventData, Text: big})
		f.Emit(adapter.Event{Kind: adapter.EventTurnComplete})
	})
	c := h.dial()

	var chunks int
	text, err := c.Ask(context.Background(), "x", nil, func(string) { chunks++ })
	require.NoError(t, err)
	assert.Equal(t, big, text)
	assert.Greater(t, chunks, 1)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"abc"}, splitText("abc", 5))
	assert.Equal(t, []string{"ab", "cd", "e"}, splitText("abcde", 2))
	// never splits the two-byte é
	assert.Equal(t, []string{"a", "é", "b"}, splitText("aéb", 2))
}

func TestShutdownClosesConnections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adaptertest.Echo)
	c := h.dial()
	require.NoError(t, c.StartSession(ctx, "s", nil))
	expectFrame(t, c, TypeSessionStarted)

	h.conns.CloseAll()

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.Next(readCtx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	require.Eventually(t, func() bool { return h.sessions.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
