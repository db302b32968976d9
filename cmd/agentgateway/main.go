package main

import (
	"fmt"
	"log"
	"os"

	"github.com/tatuut/agentgateway/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "agentgateway",
		Usage:   "relay browser WebSocket and HTTP clients to an AI agent",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML or TOML config file. Defaults to $" + config.EnvVar + " or the nearest agentgateway.{yaml,yml,toml}.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Overrides logging.level. One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			healthCommand,
			queryCommand,
			tokenCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig locates and loads the config, applying the global flags.
func loadConfig(ctx *cli.Context) (*config.Config, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("getting working directory: %w", err)
	}
	path, err := config.Locate(ctx.String("config"), wd)
	if err != nil {
		return nil, "", fmt.Errorf("locating config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if lvl := ctx.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, path, nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
