package adapter

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Dialect controls how prompts, session IDs and capability flags are passed to the agent executable.
type Dialect string

const (
	// DialectClaude speaks the claude CLI flags (--print, --session-id, --resume, --allowed-tools).
	DialectClaude Dialect = "claude"
	// DialectRaw passes only the configured args. Useful for wrapping arbitrary line-oriented programs.
	DialectRaw Dialect = "raw"
)

// DefaultAllowedTools is the capability set applied when neither the caller nor the config supplies one.
var DefaultAllowedTools = []string{"WebSearch", "Read", "Write", "Edit", "Bash", "Glob", "Grep"}

const defaultGracePeriod = 3 * time.Second

type CLIConfig struct {
	Command string
	// Args are passed before any dialect flags.
	Args    []string
	Dialect Dialect
	Mode    Mode
	// DefaultAllowedTools applies when Options.AllowedTools is empty.
	DefaultAllowedTools []string
	WorkDir             string
	// GracePeriod is how long a terminated process gets to exit after its stdin is closed.
	GracePeriod time.Duration
	// TurnIdle ends an interactive turn once stdout has been quiet this long, counted from the prompt or the last
	// output. Zero disables it.
	TurnIdle time.Duration
	// MaxOutputBytes bounds the output of a single one-shot turn. Zero means unbounded.
	MaxOutputBytes int
	// MaxTurns caps the agentic turns of one one-shot run. Zero leaves the agent's default.
	MaxTurns int
}

// CLI is an Adapter backed by a spawned agent executable.
type CLI struct {
	log  *zap.SugaredLogger
	cfg  CLIConfig
	opts Options
	env  []string

	ctx    context.Context
	cancel func()
	events chan Event
	done   chan struct{}

	emitMut      sync.Mutex
	eventsClosed bool

	terminated atomic.Bool
	cur        atomic.Pointer[proc]

	m           sync.Mutex
	started     bool
	exited      bool
	exitCode    int
	turns       int
	turnPending bool
	idleTimer   *time.Timer
	idleGen     int

	wg            sync.WaitGroup
	terminateOnce sync.Once
	finishOnce    sync.Once
}

var _ Adapter = (*CLI)(nil)

// NewCLI builds a CLI adapter. env is appended to the gateway's environment for every spawn, which is how
// per-session credentials reach the agent.
func NewCLI(cfg CLIConfig, opts Options, env []string, log *zap.SugaredLogger) *CLI {
	if cfg.Mode == "" {
		cfg.Mode = ModeOneShot
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectClaude
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.DefaultAllowedTools == nil {
		cfg.DefaultAllowedTools = DefaultAllowedTools
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CLI{
		log:    log.Named("cli_adapter").With("SessionID", opts.SessionID),
		cfg:    cfg,
		opts:   opts,
		env:    env,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

func (c *CLI) Mode() Mode            { return c.cfg.Mode }
func (c *CLI) Events() <-chan Event  { return c.events }
func (c *CLI) Done() <-chan struct{} { return c.done }

func (c *CLI) ExitCode() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.exitCode
}

// buildArgs assembles the argument list for one spawn. The prompt itself always travels on stdin.
func (c *CLI) buildArgs(resume bool) []string {
	args := append([]string{}, c.cfg.Args...)
	if c.cfg.Dialect == DialectRaw {
		return args
	}

	if c.cfg.Mode == ModeOneShot {
		args = append(args, "--print", "--output-format", "text")
	}
	if id := c.opts.SessionID; id != "" {
		if resume {
			args = append(args, "--resume", id)
		} else {
			args = append(args, "--session-id", id)
		}
	}
	tools := c.opts.AllowedTools
	if len(tools) == 0 {
		tools = c.cfg.DefaultAllowedTools
	}
	if len(tools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(tools, ","))
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if c.cfg.MaxTurns > 0 && c.cfg.Mode == ModeOneShot {
		args = append(args, "--max-turns", strconv.Itoa(c.cfg.MaxTurns))
	}
	return args
}

func (c *CLI) workDir() string {
	if c.opts.WorkDir != "" {
		return c.opts.WorkDir
	}
	return c.cfg.WorkDir
}

func (c *CLI) spawn(args []string) (*proc, error) {
	return startProc(procSpec{
		Command: c.cfg.Command,
		Args:    args,
		Env:     c.env,
		WD:      c.workDir(),
	}, c.log)
}

// Start spawns the long-lived process in interactive mode. In one-shot mode it only checks that the executable
// can be found, so a missing binary fails session creation rather than the first query.
func (c *CLI) Start(ctx context.Context) error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.started {
		return nil
	}
	if c.terminated.Load() {
		return ErrWriteAfterExit
	}

	if c.cfg.Mode != ModeInteractive {
		_, err := exec.LookPath(c.cfg.Command)
		if err != nil {
			return &ProcessSpawnError{Command: c.cfg.Command, Err: err}
		}
		c.started = true
		return nil
	}

	p, err := c.spawn(c.buildArgs(false))
	if err != nil {
		return err
	}
	c.started = true
	c.cur.Store(p)
	c.wg.Add(1)
	go c.runInteractive(p)
	c.stopIfTerminated(p)
	return nil
}

func (c *CLI) WriteLine(ctx context.Context, text string) error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.terminated.Load() || c.exited {
		return ErrWriteAfterExit
	}
	if !c.started {
		return errors.New("adapter not started")
	}

	if c.cfg.Mode == ModeInteractive {
		err := c.cur.Load().writeLine(text)
		if err != nil {
			return err
		}
		c.turnPending = true
		// a prompt that produces no output still ends its turn
		c.armIdleLocked()
		return nil
	}

	if c.cur.Load() != nil {
		return ErrTurnInProgress
	}
	p, err := c.spawn(c.buildArgs(c.turns > 0))
	if err != nil {
		return err
	}
	c.turns++
	c.cur.Store(p)
	c.wg.Add(1)
	go c.runTurn(p)
	c.stopIfTerminated(p)
	go func() {
		err := p.writeLine(text)
		if err != nil {
			c.log.Debugf("error writing prompt: %s", err)
		}
		p.closeStdin()
	}()
	return nil
}

func (c *CLI) runTurn(p *proc) {
	defer c.wg.Done()

	total := 0
	limited := false
	var carry utf8Carry
	code := p.run(func(b []byte) bool {
		total += len(b)
		if c.cfg.MaxOutputBytes > 0 && total > c.cfg.MaxOutputBytes {
			limited = true
			return false
		}
		if text := carry.take(b); text != "" {
			c.emit(Event{Kind: EventData, Text: text})
		}
		return true
	})
	if rest := carry.flush(); rest != "" && !limited {
		c.emit(Event{Kind: EventData, Text: rest})
	}

	// the next turn may only start once this one's terminal event is queued
	c.m.Lock()
	defer c.m.Unlock()
	c.cur.Store(nil)
	c.exitCode = code
	switch {
	case limited:
		c.emit(Event{Kind: EventTurnFailed, Code: code, Err: ErrOutputLimit})
	case code == 0:
		c.emit(Event{Kind: EventTurnComplete})
	default:
		c.emit(Event{Kind: EventTurnFailed, Code: code, Err: &ProcessExitError{Code: code, Stderr: p.stderr.String()}})
	}
}

func (c *CLI) runInteractive(p *proc) {
	defer c.wg.Done()

	var carry utf8Carry
	code := p.run(func(b []byte) bool {
		if text := carry.take(b); text != "" {
			c.emit(Event{Kind: EventData, Text: text})
			c.armIdle()
		}
		return true
	})
	if rest := carry.flush(); rest != "" {
		c.emit(Event{Kind: EventData, Text: rest})
	}

	c.m.Lock()
	c.exited = true
	c.exitCode = code
	c.turnPending = false
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.m.Unlock()

	var err error
	if code != 0 {
		err = &ProcessExitError{Code: code, Stderr: p.stderr.String()}
	}
	c.emit(Event{Kind: EventExit, Code: code, Err: err})
	c.finish()
}

func (c *CLI) armIdle() {
	c.m.Lock()
	defer c.m.Unlock()
	c.armIdleLocked()
}

// armIdleLocked restarts the idle timer of the pending turn. The caller holds m.
func (c *CLI) armIdleLocked() {
	if c.cfg.TurnIdle <= 0 || !c.turnPending {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleGen++
	gen := c.idleGen
	c.idleTimer = time.AfterFunc(c.cfg.TurnIdle, func() { c.idleFired(gen) })
}

func (c *CLI) idleFired(gen int) {
	c.m.Lock()
	defer c.m.Unlock()
	if gen != c.idleGen || !c.turnPending || c.exited {
		return
	}
	c.turnPending = false
	c.emit(Event{Kind: EventTurnComplete})
}

// stopIfTerminated covers a Terminate that raced with a spawn and saw no current process.
func (c *CLI) stopIfTerminated(p *proc) {
	if c.terminated.Load() {
		go p.stop(c.cfg.GracePeriod)
	}
}

// Terminate never takes the adapter lock, so it can't stall behind an emit that is waiting on a slow consumer.
func (c *CLI) Terminate() {
	c.terminateOnce.Do(func() {
		c.terminated.Store(true)
		p := c.cur.Load()

		go func() {
			if p != nil {
				p.stop(c.cfg.GracePeriod)
			}
			c.cancel()
			c.wg.Wait()
			c.finish()
		}()
	})
}

// emit queues an event. Once the adapter is cancelled, events that don't fit in the buffer are dropped.
func (c *CLI) emit(ev Event) {
	c.emitMut.Lock()
	defer c.emitMut.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *CLI) finish() {
	c.finishOnce.Do(func() {
		c.cancel()
		c.emitMut.Lock()
		c.eventsClosed = true
		close(c.events)
		c.emitMut.Unlock()
		close(c.done)
	})
}

// utf8Carry holds back a trailing partial UTF-8 sequence so that no chunk splits a character.
type utf8Carry struct {
	pending []byte
}

func (u *utf8Carry) take(b []byte) string {
	b = append(u.pending, b...)
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	u.pending = append([]byte{}, b[cut:]...)
	return string(b[:cut])
}

func (u *utf8Carry) flush() string {
	s := string(u.pending)
	u.pending = nil
	return s
}
