package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is a WebSocket client for the relay protocol.
type Client struct {
	Logger *zap.SugaredLogger

	// ConnectionID and Authenticated are taken from the server's connected frame.
	ConnectionID  string
	Authenticated bool

	conn *websocket.Conn
}

type DialOptions struct {
	HTTPClient *http.Client
	// Token is sent as a bearer token, for gateways that require one.
	Token string
}

// Dial connects to a relay endpoint and waits for the connected frame.
func Dial(ctx context.Context, url string, log *zap.SugaredLogger, opts *DialOptions) (*Client, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	log = log.Named("relay_client")
	log.Debugw("dialing WebSocket", "URL", url)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      opts.HTTPClient,
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)

	c := &Client{Logger: log, conn: conn}
	f, err := c.Next(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("reading connected frame: %w", err)
	}
	if f.Type != TypeConnected {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("expected %s frame, got %s", TypeConnected, f.Type)
	}
	c.ConnectionID = f.ConnectionID
	c.Authenticated = f.Authenticated != nil && *f.Authenticated
	return c, nil
}

func (c *Client) Send(ctx context.Context, msg InboundMessage) error {
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *Client) StartSession(ctx context.Context, sessionID string, opts *QueryOptions) error {
	return c.Send(ctx, InboundMessage{Type: TypeStartSession, SessionID: sessionID, Options: opts})
}

func (c *Client) Query(ctx context.Context, prompt string, opts *QueryOptions) error {
	return c.Send(ctx, InboundMessage{Type: TypeQuery, Prompt: prompt, Options: opts})
}

func (c *Client) EndSession(ctx context.Context) error {
	return c.Send(ctx, InboundMessage{Type: TypeEndSession})
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Send(ctx, InboundMessage{Type: TypePing})
}

// Next returns the next frame from the server.
func (c *Client) Next(ctx context.Context) (*Frame, error) {
	var f Frame
	err := wsjson.Read(ctx, c.conn, &f)
	if err != nil {
		return nil, err
	}
	c.Logger.Debugw("got frame", "Type", f.Type, "SessionID", f.SessionID)
	return &f, nil
}

// Ask sends a query and collects the message text until the turn completes.
// The onText callback, if set, sees each chunk as it arrives.
func (c *Client) Ask(ctx context.Context, prompt string, opts *QueryOptions, onText func(string)) (string, error) {
	err := c.Query(ctx, prompt, opts)
	if err != nil {
		return "", fmt.Errorf("sending query: %w", err)
	}

	var text strings.Builder
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return text.String(), err
		}
		switch f.Type {
		case TypeMessage:
			text.WriteString(f.Text)
			if onText != nil {
				onText(f.Text)
			}
		case TypeQueryComplete:
			return text.String(), nil
		case TypeError:
			return text.String(), &FrameError{Message: f.Error, Stderr: f.Stderr}
		case TypeSessionClosed:
			return text.String(), errors.New("session closed by the agent")
		}
	}
}

// FrameError is an error frame received from the server.
type FrameError struct {
	Message string
	Stderr  string
}

func (e *FrameError) Error() string { return e.Message }

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
