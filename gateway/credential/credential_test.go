package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeCreds(t *testing.T, path, token string, expiresAt time.Time) {
	t.Helper()
	var contents string
	if expiresAt.IsZero() {
		contents = fmt.Sprintf(`{"claudeAiOauth":{"accessToken":%q}}`, token)
	} else {
		contents = fmt.Sprintf(`{"claudeAiOauth":{"accessToken":%q,"expiresAt":%d}}`, token, expiresAt.UnixMilli())
	}
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
}

func TestCredentialEnv(t *testing.T) {
	assert.Empty(t, Credential{}.Env())
	assert.True(t, Credential{}.Empty())
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=k"}, Credential{APIKey: "k"}.Env())
	assert.Equal(t, []string{"CLAUDE_CODE_OAUTH_TOKEN=t"}, Credential{OAuthToken: "t"}.Env())
}

func TestNoneAndEnv(t *testing.T) {
	ctx := context.Background()

	cred, err := None{}.Resolve(ctx)
	require.NoError(t, err)
	assert.True(t, cred.Empty())
	assert.False(t, Available(ctx, None{}))

	_, err = (&Env{}).Resolve(ctx)
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.False(t, Available(ctx, &Env{}))

	cred, err = (&Env{APIKey: "secret"}).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", cred.APIKey)
	assert.True(t, Available(ctx, &Env{APIKey: "secret"}))
}

func TestOAuthFile(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		write     bool
		raw       string
		token     string
		expiresAt time.Time
		expErr    bool
	}{
		{name: "missing file", expErr: true},
		{name: "malformed file", write: true, raw: "{not json", expErr: true},
		{name: "empty token", write: true, raw: `{"claudeAiOauth":{}}`, expErr: true},
		{name: "no expiry", write: true, token: "tok"},
		{name: "valid", write: true, token: "tok", expiresAt: now.Add(time.Hour)},
		{name: "expired", write: true, token: "tok", expiresAt: now.Add(-time.Hour), expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "credentials.json")
			if c.write {
				if c.raw != "" {
					require.NoError(t, os.WriteFile(path, []byte(c.raw), 0600))
				} else {
					writeCreds(t, path, c.token, c.expiresAt)
				}
			}

			f := NewOAuthFile(path, log)
			f.Now = func() time.Time { return now }

			cred, err := f.Resolve(ctx)
			if c.expErr {
				assert.ErrorIs(t, err, ErrMissingCredential)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.token, cred.OAuthToken)
			assert.Equal(t, []string{"CLAUDE_CODE_OAUTH_TOKEN=" + c.token}, cred.Env())
		})
	}
}

func TestOAuthFileReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCreds(t, path, "first", time.Time{})

	f := NewOAuthFile(path, zap.NewNop().Sugar())
	watchErr := make(chan error, 1)
	go func() { watchErr <- f.Watch(ctx) }()

	cred, err := f.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", cred.OAuthToken)

	// give the watcher a moment to register before writing
	time.Sleep(50 * time.Millisecond)
	writeCreds(t, path, "second", time.Time{})

	require.Eventually(t, func() bool {
		cred, err := f.Resolve(ctx)
		return err == nil && cred.OAuthToken == "second"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-watchErr)
}
