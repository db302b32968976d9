package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/tatuut/agentgateway/gateway"
	"github.com/tatuut/agentgateway/gateway/auth"
	"github.com/tatuut/agentgateway/gateway/relay"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "url",
		Usage:   "The gateway's base URL.",
		Value:   "http://127.0.0.1:8080",
		EnvVars: []string{"AGENTGATEWAY_URL"},
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "Bearer token for gateways with auth enabled.",
		EnvVars: []string{"AGENTGATEWAY_TOKEN"},
	},
}

func newClient(ctx *cli.Context) (*gateway.Client, error) {
	return gateway.NewClient(zap.NewNop().Sugar(), ctx.String("url"), gateway.WithClientToken(ctx.String("token")))
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "check a running gateway",
	Flags: clientFlags,
	Action: func(ctx *cli.Context) error {
		c, err := newClient(ctx)
		if err != nil {
			return err
		}
		health, err := c.Health(ctx.Context)
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		return printJSON(health)
	},
}

var queryCommand = &cli.Command{
	Name:      "query",
	Usage:     "send one prompt to a running gateway and print the response",
	ArgsUsage: "<prompt>",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{
			Name:  "stream",
			Usage: "Stream the response over the WebSocket relay instead of waiting for it.",
		},
		&cli.StringFlag{
			Name:  "session-id",
			Usage: "Session ID, to continue an earlier conversation.",
		},
		&cli.StringFlag{
			Name:  "cwd",
			Usage: "Working directory for the agent.",
		},
		&cli.StringFlag{
			Name:  "model",
			Usage: "Model override.",
		},
		&cli.StringSliceFlag{
			Name:  "allowed-tool",
			Usage: "Tool the agent may use. Repeatable.",
		},
	}, clientFlags...),
	Action: func(ctx *cli.Context) error {
		prompt := strings.Join(ctx.Args().Slice(), " ")
		if prompt == "" {
			return errors.New("a prompt is required")
		}
		opts := &relay.QueryOptions{
			Cwd:          ctx.String("cwd"),
			Model:        ctx.String("model"),
			AllowedTools: ctx.StringSlice("allowed-tool"),
			SessionID:    ctx.String("session-id"),
		}
		c, err := newClient(ctx)
		if err != nil {
			return err
		}

		if !ctx.Bool("stream") {
			resp, err := c.Query(ctx.Context, prompt, opts)
			var apiErr *gateway.APIError
			if errors.As(err, &apiErr) && apiErr.Stderr != "" {
				color.New(color.FgHiBlack).Fprintln(os.Stderr, apiErr.Stderr)
			}
			if err != nil {
				return err
			}
			fmt.Println(resp.Response)
			return nil
		}

		conn, err := c.Dial(ctx.Context)
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.Ask(ctx.Context, prompt, opts, func(text string) {
			fmt.Print(text)
		})
		fmt.Println()
		var frameErr *relay.FrameError
		if errors.As(err, &frameErr) && frameErr.Stderr != "" {
			color.New(color.FgHiBlack).Fprintln(os.Stderr, frameErr.Stderr)
		}
		return err
	},
}

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "mint a bearer token signed with auth.jwt_secret",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "subject",
			Usage:    "Who the token is for.",
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "How long the token is valid. Zero never expires.",
			Value: 24 * time.Hour,
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, _, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not configured")
		}
		token, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer).Generate(ctx.String("subject"), ctx.Duration("ttl"))
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
