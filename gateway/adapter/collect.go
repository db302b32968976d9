package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

type Result struct {
	Text string
	// Events are the raw backend events, when the backend produces them.
	Events []json.RawMessage
}

// Collect starts a, runs one turn with prompt and gathers its output. The caller still owns a and must terminate it.
func Collect(ctx context.Context, a Adapter, prompt string) (*Result, error) {
	err := a.Start(ctx)
	if err != nil {
		return nil, err
	}
	err = a.WriteLine(ctx, prompt)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-a.Events():
			if !ok {
				return nil, errors.New("agent stopped before the turn completed")
			}
			switch ev.Kind {
			case EventData:
				text.WriteString(ev.Text)
				if len(ev.Raw) > 0 {
					res.Events = append(res.Events, ev.Raw)
				}
			case EventTurnComplete:
				res.Text = text.String()
				return res, nil
			case EventTurnFailed:
				return nil, ev.Err
			case EventExit:
				if ev.Err != nil {
					return nil, ev.Err
				}
				res.Text = text.String()
				return res, nil
			}
		}
	}
}
