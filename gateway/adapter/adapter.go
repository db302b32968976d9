package adapter

import (
	"context"
	"encoding/json"
)

type Mode string

const (
	ModeOneShot     Mode = "oneshot"
	ModeInteractive Mode = "interactive"
	ModeSDK         Mode = "sdk"
)

type EventKind int

const (
	// EventData carries one chunk of agent output.
	EventData EventKind = iota
	// EventTurnComplete marks the end of a successful turn.
	EventTurnComplete
	// EventTurnFailed marks the end of a failed turn. Err is set. The adapter may still accept more turns.
	EventTurnFailed
	// EventExit is the last event before the channel is closed. Code holds the exit code, and Err is set for non-zero codes.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventTurnComplete:
		return "turn_complete"
	case EventTurnFailed:
		return "turn_failed"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Text string
	// Raw is the structured backend event that produced this chunk, if the backend has one.
	Raw  json.RawMessage
	Code int
	Err  error
}

// Adapter is one external agent bound to a session.
type Adapter interface {
	// Start prepares the adapter. Interactive adapters spawn their process here.
	Start(ctx context.Context) error
	// WriteLine sends one turn to the agent.
	WriteLine(ctx context.Context, text string) error
	// Events returns the output stream. It is closed after the adapter is terminated or has exited.
	Events() <-chan Event
	// Terminate stops the adapter without blocking. It is safe to call more than once.
	Terminate()
	// Done is closed once the adapter has fully stopped and Events is closed.
	Done() <-chan struct{}
	ExitCode() int
	Mode() Mode
}

// Options are the per-session knobs a client may set.
type Options struct {
	SessionID    string
	AllowedTools []string
	WorkDir      string
	Model        string
	SystemPrompt string
	MaxTokens    int64
}

// Alive reports whether the adapter has not stopped yet.
func Alive(a Adapter) bool {
	select {
	case <-a.Done():
		return false
	default:
		return true
	}
}
