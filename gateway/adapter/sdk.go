package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const (
	defaultSDKModel     = "claude-sonnet-4-5-20250929"
	defaultSDKMaxTokens = 4096
)

type SDKConfig struct {
	Model        string
	MaxTokens    int64
	SystemPrompt string
	// MaxOutputBytes bounds the text of a single turn. Zero means unbounded.
	MaxOutputBytes int
	// ClientOptions carry the credential and, in tests, the base URL.
	ClientOptions []option.RequestOption
}

// SDK is an Adapter that talks to the Anthropic Messages API directly and keeps the conversation history in memory.
type SDK struct {
	log    *zap.SugaredLogger
	client anthropic.Client
	cfg    SDKConfig
	opts   Options

	ctx    context.Context
	cancel func()
	events chan Event
	done   chan struct{}

	// emitMut orders events across turns: a turn's final event is queued before the next turn can emit.
	emitMut sync.Mutex

	terminated atomic.Bool

	m       sync.Mutex
	history []anthropic.MessageParam
	busy    bool

	wg            sync.WaitGroup
	terminateOnce sync.Once
}

var _ Adapter = (*SDK)(nil)

func NewSDK(cfg SDKConfig, opts Options, log *zap.SugaredLogger) *SDK {
	if opts.Model != "" {
		cfg.Model = opts.Model
	}
	if cfg.Model == "" {
		cfg.Model = defaultSDKModel
	}
	if opts.MaxTokens > 0 {
		cfg.MaxTokens = opts.MaxTokens
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultSDKMaxTokens
	}
	if opts.SystemPrompt != "" {
		cfg.SystemPrompt = opts.SystemPrompt
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SDK{
		log:    log.Named("sdk_adapter").With("SessionID", opts.SessionID),
		client: anthropic.NewClient(cfg.ClientOptions...),
		cfg:    cfg,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

func (s *SDK) Mode() Mode            { return ModeSDK }
func (s *SDK) Events() <-chan Event  { return s.events }
func (s *SDK) Done() <-chan struct{} { return s.done }
func (s *SDK) ExitCode() int         { return 0 }

func (s *SDK) Start(ctx context.Context) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.terminated.Load() {
		return ErrWriteAfterExit
	}
	return nil
}

func (s *SDK) WriteLine(ctx context.Context, text string) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.terminated.Load() {
		return ErrWriteAfterExit
	}
	if s.busy {
		return ErrTurnInProgress
	}
	s.busy = true
	s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.cfg.Model),
		MaxTokens: s.cfg.MaxTokens,
		Messages:  append([]anthropic.MessageParam{}, s.history...),
	}
	if s.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: s.cfg.SystemPrompt}}
	}

	s.wg.Add(1)
	go s.stream(params)
	return nil
}

func (s *SDK) stream(params anthropic.MessageNewParams) {
	defer s.wg.Done()

	stream := s.client.Messages.NewStreaming(s.ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	total := 0
	var turnErr error
	for stream.Next() {
		event := stream.Current()
		err := message.Accumulate(event)
		if err != nil {
			turnErr = fmt.Errorf("accumulating stream event: %w", err)
			break
		}

		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok {
			continue
		}
		total += len(text.Text)
		if s.cfg.MaxOutputBytes > 0 && total > s.cfg.MaxOutputBytes {
			turnErr = ErrOutputLimit
			break
		}
		s.emit(Event{Kind: EventData, Text: text.Text, Raw: json.RawMessage(event.RawJSON())})
	}
	if turnErr == nil && stream.Err() != nil {
		turnErr = fmt.Errorf("anthropic api error: %w", stream.Err())
	}

	s.emitMut.Lock()
	defer s.emitMut.Unlock()

	s.m.Lock()
	s.busy = false
	if turnErr != nil {
		// drop the unanswered prompt so the history stays alternating
		s.history = s.history[:len(s.history)-1]
	} else {
		s.history = append(s.history, message.ToParam())
	}
	s.m.Unlock()

	if turnErr != nil {
		s.log.Debugf("turn failed: %s", turnErr)
		s.emitLocked(Event{Kind: EventTurnFailed, Err: turnErr})
		return
	}
	s.emitLocked(Event{Kind: EventTurnComplete})
}

func (s *SDK) emit(ev Event) {
	s.emitMut.Lock()
	defer s.emitMut.Unlock()
	s.emitLocked(ev)
}

// emitLocked queues an event, giving up once the adapter is cancelled. The caller holds emitMut.
func (s *SDK) emitLocked(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Terminate takes no lock, so it can't stall behind an emit that is waiting on a slow consumer.
func (s *SDK) Terminate() {
	s.terminateOnce.Do(func() {
		s.terminated.Store(true)
		s.cancel()
		go func() {
			// a WriteLine that saw terminated unset has added its stream to wg once it releases m
			s.m.Lock()
			s.m.Unlock()
			s.wg.Wait()
			close(s.events)
			close(s.done)
		}()
	})
}
