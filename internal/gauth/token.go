package gauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// loadToken reads a cached token written by saveToken.
func loadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token file '%s': %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file '%s' holds no token", path)
	}
	return &tok, nil
}

// saveToken writes the token with owner-only permissions. The write goes to a
// temporary file first so a crash never leaves a truncated token behind.
func saveToken(path string, tok *oauth2.Token) error {
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// savingSource persists every newly minted token so a refresh survives the
// process.
type savingSource struct {
	base   oauth2.TokenSource
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || s.last.AccessToken != tok.AccessToken {
		// Refresh responses may omit the refresh token.
		if tok.RefreshToken == "" && s.last != nil {
			tok.RefreshToken = s.last.RefreshToken
		}
		if err := saveToken(s.path, tok); err != nil {
			s.logger.Warn("Could not persist refreshed token", zap.Error(err))
		} else {
			s.logger.Debug("Persisted refreshed token", zap.Time("expiry", tok.Expiry))
		}
		s.last = tok
	}
	return tok, nil
}

// snapshot returns the most recently seen token.
func (s *savingSource) snapshot() *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
