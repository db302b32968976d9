package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 100 * time.Millisecond

type oauthFileContents struct {
	ClaudeAiOauth struct {
		AccessToken string `json:"accessToken"`
		// milliseconds since the epoch
		ExpiresAt int64 `json:"expiresAt"`
	} `json:"claudeAiOauth"`
}

// OAuthFile reads an OAuth access token from a credentials file and reloads it whenever the file changes.
type OAuthFile struct {
	Path string
	Log  *zap.SugaredLogger
	// Now is overridden in tests.
	Now func() time.Time

	m         sync.RWMutex
	token     string
	expiresAt time.Time
	loadErr   error
}

func NewOAuthFile(path string, log *zap.SugaredLogger) *OAuthFile {
	f := &OAuthFile{
		Path: path,
		Log:  log.Named("oauth_file"),
		Now:  time.Now,
	}
	f.reload()
	return f
}

func (f *OAuthFile) Method() Method { return MethodOAuthFile }

func (f *OAuthFile) Resolve(ctx context.Context) (Credential, error) {
	f.m.RLock()
	defer f.m.RUnlock()
	if f.loadErr != nil {
		return Credential{}, fmt.Errorf("%w: %s", ErrMissingCredential, f.loadErr)
	}
	if f.token == "" {
		return Credential{}, ErrMissingCredential
	}
	if !f.expiresAt.IsZero() && !f.Now().Before(f.expiresAt) {
		return Credential{}, fmt.Errorf("%w: token expired at %s", ErrMissingCredential, f.expiresAt.UTC().Format(time.RFC3339))
	}
	return Credential{OAuthToken: f.token}, nil
}

func (f *OAuthFile) reload() {
	token, expiresAt, err := readOAuthFile(f.Path)

	f.m.Lock()
	defer f.m.Unlock()
	f.loadErr = err
	f.token = token
	f.expiresAt = expiresAt
	if err != nil {
		f.Log.Debugf("unable to load credentials file: %s", err)
		return
	}
	f.Log.Debugw("loaded credentials file", "Path", f.Path, "ExpiresAt", expiresAt)
}

func readOAuthFile(path string) (string, time.Time, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var contents oauthFileContents
	err = json.Unmarshal(b, &contents)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	var expiresAt time.Time
	if ms := contents.ClaudeAiOauth.ExpiresAt; ms > 0 {
		expiresAt = time.UnixMilli(ms)
	}
	return contents.ClaudeAiOauth.AccessToken, expiresAt, nil
}

// Watch reloads the file on every change until ctx is done.
// The parent directory is watched, since editors and token refreshers usually replace the file rather than write it.
func (f *OAuthFile) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.Path)
	err = watcher.Add(dir)
	if err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	name := filepath.Clean(f.Path)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, f.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.Log.Debugf("watcher error: %s", err)
		}
	}
}
