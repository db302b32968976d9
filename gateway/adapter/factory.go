package adapter

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tatuut/agentgateway/gateway/credential"
	"go.uber.org/zap"
)

type Backend string

const (
	BackendCLI Backend = "cli"
	BackendSDK Backend = "sdk"
)

// Factory builds adapters for one configured backend and credential strategy.
type Factory struct {
	Backend     Backend
	CLI         CLIConfig
	SDK         SDKConfig
	Credentials credential.Resolver
	Log         *zap.SugaredLogger
}

// Mode is the mode of adapters returned by New.
func (f *Factory) Mode() Mode {
	if f.Backend == BackendSDK {
		return ModeSDK
	}
	if f.CLI.Mode == "" {
		return ModeOneShot
	}
	return f.CLI.Mode
}

// New builds an unstarted adapter for a session.
// The credential is resolved here, so a missing credential fails before anything is spawned.
func (f *Factory) New(ctx context.Context, opts Options) (Adapter, error) {
	return f.build(ctx, opts, f.CLI)
}

// NewQuery builds an adapter for a single synchronous turn. CLI adapters are always one-shot here.
func (f *Factory) NewQuery(ctx context.Context, opts Options) (Adapter, error) {
	cfg := f.CLI
	cfg.Mode = ModeOneShot
	return f.build(ctx, opts, cfg)
}

func (f *Factory) build(ctx context.Context, opts Options, cliCfg CLIConfig) (Adapter, error) {
	resolver := f.Credentials
	if resolver == nil {
		resolver = credential.None{}
	}
	cred, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving %s credential: %w", resolver.Method(), err)
	}

	switch f.Backend {
	case BackendSDK:
		sdkCfg := f.SDK
		sdkCfg.ClientOptions = append([]option.RequestOption{}, f.SDK.ClientOptions...)
		if cred.APIKey != "" {
			sdkCfg.ClientOptions = append(sdkCfg.ClientOptions, option.WithAPIKey(cred.APIKey))
		}
		if cred.OAuthToken != "" {
			sdkCfg.ClientOptions = append(sdkCfg.ClientOptions, option.WithAuthToken(cred.OAuthToken))
		}
		return NewSDK(sdkCfg, opts, f.Log), nil
	case BackendCLI, "":
		return NewCLI(cliCfg, opts, cred.Env(), f.Log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", f.Backend)
	}
}
