package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tatuut/agentgateway/gateway/adapter"
	"github.com/tatuut/agentgateway/gateway/session"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	defaultReadLimit = 1 << 20
	writeTimeout     = 10 * time.Second
	// maxFrameText bounds the text carried by one message frame. Longer chunks are split across frames.
	maxFrameText = 32768
)

// Recorder persists the frames sent for each session.
type Recorder interface {
	Record(ctx context.Context, sessionID, frameType string, frame []byte) error
}

type Server struct {
	Log      *zap.SugaredLogger
	Sessions *session.Registry
	Conns    *session.Connections

	// Authenticated reports whether the gateway holds a credential for the agent. Sent in the connected frame.
	Authenticated func() bool
	// Recorder is optional.
	Recorder Recorder
	// ReadLimit is the largest inbound message accepted, in bytes.
	ReadLimit int64
	// Keepalive is the interval between server pings. Zero disables them.
	Keepalive time.Duration
	// OriginPatterns are the cross-origin hosts allowed to connect. See websocket.AcceptOptions.
	OriginPatterns []string
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.OriginPatterns,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	readLimit := s.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	wsConn.SetReadLimit(readLimit)

	id := uuid.NewString()
	s.Log.Debugw("accepted WebSocket conn", "ConnectionID", id, "RemoteAddr", r.RemoteAddr)

	// the request context is cancelled when the handler returns, which is after the runner has cleaned up
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &connRunner{
		log:    s.Log.Named("conn_runner").With("ConnectionID", id),
		srv:    s,
		conn:   wsConn,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
	}
	s.Conns.Add(&session.Connection{
		ID:          id,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
		Close: func() {
			runner.close(websocket.StatusGoingAway, "server shutting down")
		},
	})
	runner.run()
}

type connRunner struct {
	log    *zap.SugaredLogger
	srv    *Server
	conn   *websocket.Conn
	id     string
	ctx    context.Context
	cancel func()

	writeMut sync.Mutex

	// m guards the session binding. Frames for the bound session are written while holding it, so nothing from a
	// session can be sent after the binding is dropped.
	m           sync.Mutex
	sessionID   string
	adapter     adapter.Adapter
	queryActive bool

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *connRunner) run() {
	defer r.shutdown()

	authenticated := r.srv.Authenticated != nil && r.srv.Authenticated()
	r.write(Frame{Type: TypeConnected, ConnectionID: r.id, Authenticated: &authenticated})

	if r.srv.Keepalive > 0 {
		r.wg.Add(1)
		go r.keepalive()
	}

	for {
		// wsjson.Read closes the conn on a decode error, so decode separately to keep the conn open for malformed input
		_, b, err := r.conn.Read(r.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				r.log.Debug("client closed the conn")
			} else {
				r.log.Debugf("message reader got error: %s", err)
			}
			return
		}

		msg, err := ParseInbound(b)
		if err != nil {
			r.log.Debugf("dropping malformed message: %s", err)
			r.writeError("", err)
			continue
		}
		r.handle(msg)
	}
}

// shutdown removes the bound session and waits for the pumps and keepalive to finish.
func (r *connRunner) shutdown() {
	r.m.Lock()
	sessionID, a := r.unbindLocked()
	r.m.Unlock()
	if a != nil {
		r.srv.Sessions.RemoveAdapter(sessionID, a)
	}
	r.srv.Conns.Remove(r.id)
	r.cancel()
	r.close(websocket.StatusNormalClosure, "")
	r.wg.Wait()
	r.log.Debug("connection closed")
}

func (r *connRunner) close(code websocket.StatusCode, reason string) {
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *connRunner) keepalive() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.srv.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.srv.Keepalive)
		err := r.conn.Ping(ctx)
		cancel()
		if err != nil {
			if r.ctx.Err() == nil {
				r.log.Debugf("keepalive ping failed, closing: %s", err)
				r.close(websocket.StatusPolicyViolation, "keepalive timeout")
			}
			return
		}
	}
}

func (r *connRunner) handle(msg *InboundMessage) {
	switch msg.Type {
	case TypePing:
		r.write(Frame{Type: TypePong})
	case TypeStartSession:
		r.startSession(msg)
	case TypeQuery:
		r.query(msg)
	case TypeEndSession:
		r.endSession()
	}
}

func (r *connRunner) startSession(msg *InboundMessage) {
	id := msg.SessionID
	if id == "" && msg.Options != nil {
		id = msg.Options.SessionID
	}
	if id == "" {
		id = uuid.NewString()
	}

	r.m.Lock()
	var prev string
	var prevAdapter adapter.Adapter
	if r.sessionID != id {
		prev, prevAdapter = r.unbindLocked()
	}
	r.m.Unlock()
	if prevAdapter != nil {
		r.log.Debugw("replacing active session", "Previous", prev, "SessionID", id)
		r.srv.Sessions.RemoveAdapter(prev, prevAdapter)
	}

	r.bind(id, msg.Options)
}

// bind gets or creates the session and binds it to this connection, sending session_started.
// It reports whether the session is bound afterwards.
func (r *connRunner) bind(id string, opts *QueryOptions) bool {
	s, _, err := r.srv.Sessions.GetOrCreate(r.ctx, r.id, id, opts.AdapterOptions())
	if err != nil {
		r.log.Debugf("unable to create session %s: %s", id, err)
		r.writeError(id, err)
		return false
	}

	r.m.Lock()
	defer r.m.Unlock()
	alreadyBound := r.sessionID == id && r.adapter == s.Adapter
	r.sessionID = id
	r.adapter = s.Adapter
	r.write(Frame{Type: TypeSessionStarted, SessionID: id})
	if !alreadyBound {
		r.queryActive = false
		r.wg.Add(1)
		go r.pump(id, s.Adapter)
	}
	return true
}

func (r *connRunner) query(msg *InboundMessage) {
	r.m.Lock()
	bound := r.sessionID != ""
	r.m.Unlock()

	if !bound {
		id := ""
		if msg.Options != nil {
			id = msg.Options.SessionID
		}
		if id == "" {
			id = uuid.NewString()
		}
		if !r.bind(id, msg.Options) {
			return
		}
	}

	r.m.Lock()
	id, a := r.sessionID, r.adapter
	if a == nil {
		r.m.Unlock()
		r.writeError("", errors.New("session closed before the query could be sent"))
		return
	}
	// query_start must precede any output of this turn
	r.write(Frame{Type: TypeQueryStart, SessionID: id})
	r.queryActive = true
	r.m.Unlock()

	err := a.WriteLine(r.ctx, msg.Prompt)
	if err == nil {
		return
	}
	r.log.Debugf("error sending prompt to session %s: %s", id, err)
	r.m.Lock()
	if r.adapter == a && !errors.Is(err, adapter.ErrTurnInProgress) {
		r.queryActive = false
	}
	r.m.Unlock()
	r.writeError(id, err)
}

func (r *connRunner) endSession() {
	r.m.Lock()
	id, a := r.unbindLocked()
	r.m.Unlock()
	if a != nil {
		r.srv.Sessions.RemoveAdapter(id, a)
	}
	r.write(Frame{Type: TypeSessionEnded, SessionID: id})
}

// unbindLocked drops the binding and returns what was bound. Teardown goes through Registry.RemoveAdapter with the
// returned adapter, so a session that was since recreated under the same ID by another connection is left alone.
func (r *connRunner) unbindLocked() (string, adapter.Adapter) {
	id, a := r.sessionID, r.adapter
	r.sessionID = ""
	r.adapter = nil
	r.queryActive = false
	return id, a
}

// pump forwards one adapter's events until its event stream is closed.
// Events that arrive after the session was unbound from this connection are dropped.
func (r *connRunner) pump(sessionID string, a adapter.Adapter) {
	defer r.wg.Done()
	log := r.log.With("SessionID", sessionID)

	for ev := range a.Events() {
		r.m.Lock()
		if r.adapter != a {
			r.m.Unlock()
			continue
		}

		switch ev.Kind {
		case adapter.EventData:
			r.writeTextLocked(sessionID, ev.Text, ev.Raw)
		case adapter.EventTurnComplete:
			r.queryActive = false
			r.write(Frame{Type: TypeQueryComplete, SessionID: sessionID})
		case adapter.EventTurnFailed:
			r.queryActive = false
			r.write(errorFrame(sessionID, ev.Err))
		case adapter.EventExit:
			log.Debugw("agent exited", "Code", ev.Code)
			if r.queryActive && ev.Code != 0 {
				err := ev.Err
				if err == nil {
					err = &adapter.ProcessExitError{Code: ev.Code}
				}
				r.write(errorFrame(sessionID, err))
			}
			code := ev.Code
			r.write(Frame{Type: TypeSessionClosed, SessionID: sessionID, Code: &code})
			r.unbindLocked()
			r.m.Unlock()
			r.srv.Sessions.RemoveAdapter(sessionID, a)
			continue
		}
		r.m.Unlock()
	}
	log.Debug("event pump done")
}

// writeTextLocked sends one chunk of agent output, split across several message frames if it is large.
func (r *connRunner) writeTextLocked(sessionID, text string, raw json.RawMessage) {
	for _, part := range splitText(text, maxFrameText) {
		r.write(Frame{Type: TypeMessage, SessionID: sessionID, Text: part, Event: raw})
		// the raw event describes the whole chunk, so it rides on the first frame only
		raw = nil
	}
}

func errorFrame(sessionID string, err error) Frame {
	return Frame{
		Type:      TypeError,
		SessionID: sessionID,
		Error:     err.Error(),
		Stderr:    adapter.StderrOf(err),
	}
}

func (r *connRunner) writeError(sessionID string, err error) {
	r.write(errorFrame(sessionID, err))
}

// write sends one frame. Write errors are logged and otherwise ignored, since the read loop notices a dead conn.
func (r *connRunner) write(f Frame) {
	f.Timestamp = timestamp()
	b, err := json.Marshal(f)
	if err != nil {
		r.log.Debugf("error marshaling %s frame: %s", f.Type, err)
		return
	}

	r.writeMut.Lock()
	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	err = r.conn.Write(ctx, websocket.MessageText, b)
	cancel()
	r.writeMut.Unlock()
	if err != nil {
		r.log.Debugf("error writing %s frame: %s", f.Type, err)
	}

	if r.srv.Recorder != nil && f.SessionID != "" {
		err := r.srv.Recorder.Record(r.ctx, f.SessionID, f.Type, b)
		if err != nil {
			r.log.Debugf("error recording %s frame: %s", f.Type, err)
		}
	}
}

// splitText breaks s into pieces of at most n bytes without splitting a UTF-8 sequence.
func splitText(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var parts []string
	for len(s) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = n
		}
		parts = append(parts, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
