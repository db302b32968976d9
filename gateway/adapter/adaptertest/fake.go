// Package adaptertest provides a scripted in-memory adapter for testing code that drives adapters.
package adaptertest

import (
	"context"
	"sync"

	"github.com/tatuut/agentgateway/gateway/adapter"
)

// Script reacts to one line written to a Fake, typically by emitting events. It runs on its own goroutine.
type Script func(f *Fake, line string)

// Echo answers every line with one data chunk and a completed turn.
func Echo(f *Fake, line string) {
	f.Emit(adapter.Event{Kind: adapter.EventData, Text: "echo: " + line})
	f.Emit(adapter.Event{Kind: adapter.EventTurnComplete})
}

type Fake struct {
	Opts   adapter.Options
	script Script
	mode   adapter.Mode

	events chan adapter.Event
	done   chan struct{}

	emitMut sync.Mutex
	closed  bool

	m        sync.Mutex
	lines    []string
	started  bool
	exitCode int

	terminateOnce sync.Once
}

var _ adapter.Adapter = (*Fake)(nil)

func NewFake(opts adapter.Options, script Script) *Fake {
	return &Fake{
		Opts:   opts,
		script: script,
		mode:   adapter.ModeInteractive,
		events: make(chan adapter.Event, 256),
		done:   make(chan struct{}),
	}
}

func (f *Fake) Start(ctx context.Context) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.started = true
	return nil
}

func (f *Fake) WriteLine(ctx context.Context, text string) error {
	if !adapter.Alive(f) {
		return adapter.ErrWriteAfterExit
	}
	f.m.Lock()
	f.lines = append(f.lines, text)
	f.m.Unlock()
	if f.script != nil {
		go f.script(f, text)
	}
	return nil
}

func (f *Fake) Events() <-chan adapter.Event { return f.events }
func (f *Fake) Done() <-chan struct{}        { return f.done }
func (f *Fake) Mode() adapter.Mode           { return f.mode }

func (f *Fake) ExitCode() int {
	f.m.Lock()
	defer f.m.Unlock()
	return f.exitCode
}

// Emit delivers ev to the consumer. It is dropped once the fake has stopped.
func (f *Fake) Emit(ev adapter.Event) {
	f.emitMut.Lock()
	defer f.emitMut.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	case <-f.done:
	}
}

// Exit simulates the agent process exiting on its own with code.
func (f *Fake) Exit(code int, err error) {
	f.m.Lock()
	f.exitCode = code
	f.m.Unlock()
	f.Emit(adapter.Event{Kind: adapter.EventExit, Code: code, Err: err})
	f.Terminate()
}

func (f *Fake) Terminate() {
	f.terminateOnce.Do(func() {
		close(f.done)
		f.emitMut.Lock()
		f.closed = true
		close(f.events)
		f.emitMut.Unlock()
	})
}

func (f *Fake) Started() bool {
	f.m.Lock()
	defer f.m.Unlock()
	return f.started
}

// Lines returns everything written to the fake so far.
func (f *Fake) Lines() []string {
	f.m.Lock()
	defer f.m.Unlock()
	return append([]string{}, f.lines...)
}

// Factory builds Fakes running the same script and remembers them.
type Factory struct {
	Script Script

	m     sync.Mutex
	err   error
	fakes []*Fake
}

// SetErr makes New fail with err. A nil err restores normal behavior.
func (f *Factory) SetErr(err error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.err = err
}

func (f *Factory) New(ctx context.Context, opts adapter.Options) (adapter.Adapter, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	fake := NewFake(opts, f.Script)
	f.fakes = append(f.fakes, fake)
	return fake, nil
}

// NewQuery builds a fake the same way New does.
func (f *Factory) NewQuery(ctx context.Context, opts adapter.Options) (adapter.Adapter, error) {
	return f.New(ctx, opts)
}

func (f *Factory) Mode() adapter.Mode { return adapter.ModeInteractive }

func (f *Factory) Fakes() []*Fake {
	f.m.Lock()
	defer f.m.Unlock()
	return append([]*Fake{}, f.fakes...)
}

// Last returns the most recently built fake, or nil.
func (f *Factory) Last() *Fake {
	f.m.Lock()
	defer f.m.Unlock()
	if len(f.fakes) == 0 {
		return nil
	}
	return f.fakes[len(f.fakes)-1]
}
