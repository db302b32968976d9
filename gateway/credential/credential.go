// Package credential resolves the secret the gateway hands to each agent it starts.
//
// The gateway never writes credentials into its own environment. A resolved Credential is passed explicitly to every
// spawn, either as child environment variables or as SDK client options.
package credential

import (
	"context"
	"errors"
)

var ErrMissingCredential = errors.New("no agent credential available")

type Method string

const (
	MethodNone      Method = "none"
	MethodEnv       Method = "env"
	MethodOAuthFile Method = "oauth-file"
)

const (
	apiKeyEnv     = "ANTHROPIC_API_KEY"
	oauthTokenEnv = "CLAUDE_CODE_OAUTH_TOKEN"
)

type Credential struct {
	APIKey     string
	OAuthToken string
}

func (c Credential) Empty() bool { return c.APIKey == "" && c.OAuthToken == "" }

// Env returns the variables that carry c to a child process.
func (c Credential) Env() []string {
	var env []string
	if c.APIKey != "" {
		env = append(env, apiKeyEnv+"="+c.APIKey)
	}
	if c.OAuthToken != "" {
		env = append(env, oauthTokenEnv+"="+c.OAuthToken)
	}
	return env
}

type Resolver interface {
	// Resolve returns the credential to use for the next spawn, or ErrMissingCredential.
	Resolve(ctx context.Context) (Credential, error)
	Method() Method
}

// Available reports whether r can currently produce a credential.
func Available(ctx context.Context, r Resolver) bool {
	if r.Method() == MethodNone {
		return false
	}
	_, err := r.Resolve(ctx)
	return err == nil
}

// None passes nothing and lets the agent find its own credentials.
type None struct{}

func (None) Resolve(ctx context.Context) (Credential, error) { return Credential{}, nil }
func (None) Method() Method                                  { return MethodNone }

// Env uses a fixed API key, typically read from the gateway's environment at startup.
type Env struct {
	APIKey string
}

func (e *Env) Resolve(ctx context.Context) (Credential, error) {
	if e.APIKey == "" {
		return Credential{}, ErrMissingCredential
	}
	return Credential{APIKey: e.APIKey}, nil
}

func (e *Env) Method() Method { return MethodEnv }
