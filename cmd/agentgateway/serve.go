package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/fatih/color"
	"github.com/tatuut/agentgateway/gateway"
	"github.com/tatuut/agentgateway/gateway/adapter"
	"github.com/tatuut/agentgateway/gateway/auth"
	"github.com/tatuut/agentgateway/gateway/credential"
	"github.com/tatuut/agentgateway/internal/config"
	"github.com/tatuut/agentgateway/internal/store"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const banner = `
  __ _  __ _  ___ _ __ | |_ __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _' |/ _ \ '_ \| __/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | (_| |  __/ | | | || (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|\__, |\___|_| |_|\__\__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
       |___/               |___/                             |___/
`

const pruneInterval = time.Hour

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the gateway",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Overrides server.listen.",
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "Overrides agent.backend. One of [cli,sdk].",
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "Overrides agent.mode. One of [oneshot,interactive].",
		},
		&cli.StringFlag{
			Name:  "command",
			Usage: "Overrides agent.command.",
		},
		&cli.BoolFlag{
			Name:  "no-banner",
			Usage: "Don't print the startup banner.",
		},
	},
	Action: serve,
}

func serve(cctx *cli.Context) error {
	cfg, path, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	if v := cctx.String("listen"); v != "" {
		cfg.Server.Listen = v
	}
	if v := cctx.String("backend"); v != "" {
		cfg.Agent.Backend = v
	}
	if v := cctx.String("mode"); v != "" {
		cfg.Agent.Mode = v
	}
	if v := cctx.String("command"); v != "" {
		cfg.Agent.Command = v
	}
	err = cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := newCredentials(cfg.Credentials, log)
	factory := newFactory(cfg, creds, log)

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithListenAddr(cfg.Server.Listen),
		gateway.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		gateway.WithCredentials(creds),
		gateway.WithMaxSessions(cfg.Limits.MaxSessions),
		gateway.WithMaxMessageBytes(cfg.Limits.MaxMessageBytes),
		gateway.WithKeepalive(cfg.Relay.Keepalive.D()),
		gateway.WithInfo(gateway.Info{
			Backend:  cfg.Agent.Backend,
			Model:    cfg.Agent.Model,
			MaxTurns: cfg.Agent.MaxTurns,
		}),
	}
	if cfg.Server.TLSCert != "" {
		tlsConfig, err := gateway.LoadServerTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return err
		}
		opts = append(opts, gateway.WithTLSConfig(tlsConfig))
	}
	if cfg.Auth.JWTSecret != "" {
		opts = append(opts, gateway.WithVerifier(auth.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)))
	}
	var transcripts *store.Store
	if cfg.Store.Path != "" {
		transcripts, err = store.Open(cfg.Store.Path, log)
		if err != nil {
			return fmt.Errorf("opening transcript store: %w", err)
		}
		defer transcripts.Close()
		opts = append(opts, gateway.WithTranscripts(transcripts))
	}

	g, err := gateway.New(factory, opts...)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	if !cctx.Bool("no-banner") {
		printBanner(cfg, path, creds)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(g.Run)
	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		// every agent gets its full grace period
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.GracePeriod.D()+5*time.Second)
		defer cancel()
		return g.Stop(shutdownCtx)
	})
	if oauth, ok := creds.(*credential.OAuthFile); ok {
		group.Go(func() error {
			err := oauth.Watch(ctx)
			if err != nil {
				log.Warnf("not watching credentials file for changes: %s", err)
			}
			return nil
		})
	}
	if transcripts != nil && cfg.Store.Retention > 0 {
		group.Go(func() error {
			pruneLoop(ctx, transcripts, cfg.Store.Retention.D(), log)
			return nil
		})
	}
	return group.Wait()
}

func newCredentials(cfg config.CredentialsConfig, log *zap.SugaredLogger) credential.Resolver {
	switch credential.Method(cfg.Strategy) {
	case credential.MethodEnv:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return &credential.Env{APIKey: key}
	case credential.MethodOAuthFile:
		return credential.NewOAuthFile(cfg.OAuthFile, log)
	default:
		return credential.None{}
	}
}

func newFactory(cfg *config.Config, creds credential.Resolver, log *zap.SugaredLogger) *adapter.Factory {
	a := cfg.Agent
	f := &adapter.Factory{
		Backend: adapter.Backend(a.Backend),
		CLI: adapter.CLIConfig{
			Command:             a.Command,
			Args:                a.Args,
			Dialect:             adapter.Dialect(a.Dialect),
			Mode:                adapter.Mode(a.Mode),
			DefaultAllowedTools: a.AllowedTools,
			WorkDir:             a.WorkDir,
			GracePeriod:         a.GracePeriod.D(),
			TurnIdle:            a.TurnIdle.D(),
			MaxOutputBytes:      a.MaxOutputBytes,
			MaxTurns:            a.MaxTurns,
		},
		SDK: adapter.SDKConfig{
			Model:          a.Model,
			MaxTokens:      a.MaxTokens,
			SystemPrompt:   a.SystemPrompt,
			MaxOutputBytes: a.MaxOutputBytes,
		},
		Credentials: creds,
		Log:         log.Named("adapter"),
	}
	if a.BaseURL != "" {
		f.SDK.ClientOptions = append(f.SDK.ClientOptions, option.WithBaseURL(a.BaseURL))
	}
	return f
}

func pruneLoop(ctx context.Context, s *store.Store, retention time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := s.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warnf("pruning transcripts: %s", err)
		} else if n > 0 {
			log.Debugw("pruned transcripts", "Events", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printBanner(cfg *config.Config, path string, creds credential.Resolver) {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	scheme, wsScheme := "http", "ws"
	if cfg.Server.TLSCert != "" {
		scheme, wsScheme = "https", "wss"
	}
	if path == "" {
		path = "(defaults)"
	}

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:      %s", cfg.Agent.Backend)
	if cfg.Agent.Backend == string(adapter.BackendCLI) {
		fmt.Printf(" (%s, %s)", cfg.Agent.Command, cfg.Agent.Mode)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("WebSocket:  %s://%s/ws\n", wsScheme, cfg.Server.Listen)
	green.Print("    ▶ ")
	fmt.Printf("Health:     %s://%s/health\n", scheme, cfg.Server.Listen)
	green.Print("    ▶ ")
	fmt.Printf("Query:      POST %s://%s/api/query\n", scheme, cfg.Server.Listen)

	if credential.Available(context.Background(), creds) {
		green.Print("    ▶ ")
		fmt.Printf("Credential: %s\n", creds.Method())
	} else {
		yellow.Print("    ! ")
		fmt.Printf("Credential: %s (none available, the agent must find its own)\n", creds.Method())
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Bearer auth disabled")
	}
	fmt.Println()
}
