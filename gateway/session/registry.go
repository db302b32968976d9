// Package session tracks which agent adapter belongs to which session, and which connections are open.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tatuut/agentgateway/gateway/adapter"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrResourceExhausted = errors.New("session limit reached")
	ErrSessionOwned      = errors.New("session is owned by another connection")
	ErrClosed            = errors.New("session registry is closed")
)

type AdapterFactory interface {
	New(ctx context.Context, opts adapter.Options) (adapter.Adapter, error)
}

type Session struct {
	ID        string
	ConnID    string
	Adapter   adapter.Adapter
	CreatedAt time.Time
}

// Registry maps session IDs to their live adapters. It is shared by all connections.
type Registry struct {
	log         *zap.SugaredLogger
	factory     AdapterFactory
	maxSessions int

	// creating collapses concurrent creations of one ID, so spawning never holds m
	creating singleflight.Group

	m        sync.Mutex
	sessions map[string]*Session
	// reserved counts creations in flight, which count against maxSessions
	reserved int
	closed   bool
}

// NewRegistry builds a registry. A maxSessions of zero means unlimited.
func NewRegistry(factory AdapterFactory, maxSessions int, log *zap.SugaredLogger) *Registry {
	return &Registry{
		log:         log.Named("session_registry"),
		factory:     factory,
		maxSessions: maxSessions,
		sessions:    map[string]*Session{},
	}
}

// GetOrCreate returns the live session with the given ID, or builds and starts a new adapter for it.
// A live session is returned unchanged, so repeated calls never spawn twice. A dead adapter under the ID is replaced.
// Only callers creating the same ID wait on each other.
func (r *Registry) GetOrCreate(ctx context.Context, connID, sessionID string, opts adapter.Options) (*Session, bool, error) {
	ran := false
	v, err, _ := r.creating.Do(sessionID, func() (any, error) {
		ran = true
		return r.getOrCreate(ctx, connID, sessionID, opts)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(createResult)
	if res.session.ConnID != connID {
		return nil, false, fmt.Errorf("%w: %s", ErrSessionOwned, sessionID)
	}
	// callers that shared another caller's creation didn't create anything themselves
	return res.session, res.created && ran, nil
}

type createResult struct {
	session *Session
	created bool
}

func (r *Registry) getOrCreate(ctx context.Context, connID, sessionID string, opts adapter.Options) (createResult, error) {
	r.m.Lock()
	if r.closed {
		r.m.Unlock()
		return createResult{}, ErrClosed
	}
	if s, ok := r.sessions[sessionID]; ok {
		if adapter.Alive(s.Adapter) {
			r.m.Unlock()
			return createResult{session: s}, nil
		}
		r.log.Debugw("replacing dead session", "SessionID", sessionID)
		delete(r.sessions, sessionID)
	}
	if r.maxSessions > 0 && r.liveLocked()+r.reserved >= r.maxSessions {
		r.m.Unlock()
		return createResult{}, fmt.Errorf("%w (%d)", ErrResourceExhausted, r.maxSessions)
	}
	r.reserved++
	r.m.Unlock()

	a, err := r.start(ctx, sessionID, opts)

	r.m.Lock()
	defer r.m.Unlock()
	r.reserved--
	if err != nil {
		return createResult{}, err
	}
	if r.closed {
		a.Terminate()
		return createResult{}, ErrClosed
	}
	s := &Session{
		ID:        sessionID,
		ConnID:    connID,
		Adapter:   a,
		CreatedAt: time.Now(),
	}
	r.sessions[sessionID] = s
	r.log.Debugw("session created", "SessionID", sessionID, "ConnectionID", connID, "Mode", a.Mode())
	return createResult{session: s, created: true}, nil
}

func (r *Registry) start(ctx context.Context, sessionID string, opts adapter.Options) (adapter.Adapter, error) {
	opts.SessionID = sessionID
	a, err := r.factory.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	err = a.Start(ctx)
	if err != nil {
		a.Terminate()
		return nil, err
	}
	return a, nil
}

func (r *Registry) liveLocked() int {
	n := 0
	for _, s := range r.sessions {
		if adapter.Alive(s.Adapter) {
			n++
		}
	}
	return n
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove terminates the session's adapter and forgets the session. Removing an unknown ID does nothing.
func (r *Registry) Remove(sessionID string) {
	r.m.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.m.Unlock()

	if !ok {
		return
	}
	s.Adapter.Terminate()
	r.log.Debugw("session removed", "SessionID", sessionID)
}

// RemoveAdapter terminates a and forgets the session only if it is still bound to a.
// A connection tearing down its own adapter can't hit a replacement session created under the same ID.
func (r *Registry) RemoveAdapter(sessionID string, a adapter.Adapter) {
	r.m.Lock()
	s, ok := r.sessions[sessionID]
	if ok && s.Adapter == a {
		delete(r.sessions, sessionID)
	}
	r.m.Unlock()

	a.Terminate()
	r.log.Debugw("session removed", "SessionID", sessionID)
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []Session {
	r.m.Lock()
	defer r.m.Unlock()
	var l []Session
	for _, s := range r.sessions {
		if adapter.Alive(s.Adapter) {
			l = append(l, *s)
		}
	}
	sort.Slice(l, func(i, j int) bool { return l[i].CreatedAt.Before(l[j].CreatedAt) })
	return l
}

func (r *Registry) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.sessions)
}

// Close terminates every session and waits for the adapters to stop, or for ctx to be done.
// Sessions can't be created afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.m.Lock()
	sessions := r.sessions
	r.sessions = map[string]*Session{}
	r.closed = true
	r.m.Unlock()

	for _, s := range sessions {
		s.Adapter.Terminate()
	}
	for _, s := range sessions {
		select {
		case <-s.Adapter.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
