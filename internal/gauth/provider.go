// Package gauth provides the Gmail OAuth credential: it loads a cached token,
// refreshes it when expired and falls back to the installed-app consent flow.
package gauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/xkilldash9x/portal-login/internal/config"
)

// Scope is read-only: the login flow never changes mailbox state.
const Scope = gmail.GmailReadonlyScope

// Credential is a refreshable Gmail token.
type Credential struct {
	source *savingSource
}

// TokenSource returns the refreshing, persisting token source.
func (c *Credential) TokenSource() oauth2.TokenSource {
	return c.source
}

// Valid reports whether the current token is unexpired or can be refreshed.
// It never performs network calls.
func (c *Credential) Valid() bool {
	if c == nil || c.source == nil {
		return false
	}
	tok := c.source.snapshot()
	return tok != nil && (tok.Valid() || tok.RefreshToken != "")
}

// AuthURLHandler presents the consent URL to the user.
type AuthURLHandler func(authURL string) error

// Provider obtains Credentials for the configured Gmail account.
type Provider struct {
	cfg        config.GmailConfig
	logger     *zap.Logger
	onAuthURL  AuthURLHandler
	listenAddr string
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithAuthURLHandler replaces the default, which prints the URL to stderr.
func WithAuthURLHandler(h AuthURLHandler) ProviderOption {
	return func(p *Provider) { p.onAuthURL = h }
}

// WithListenAddr sets the loopback address for the consent redirect.
func WithListenAddr(addr string) ProviderOption {
	return func(p *Provider) { p.listenAddr = addr }
}

// NewProvider creates a Provider for the gmail configuration section.
func NewProvider(cfg config.GmailConfig, logger *zap.Logger, opts ...ProviderOption) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		cfg:        cfg,
		logger:     logger.Named("gauth"),
		listenAddr: "127.0.0.1:0",
		onAuthURL: func(authURL string) error {
			_, err := fmt.Fprintf(os.Stderr, "Authorize mailbox access by visiting:\n\n  %s\n\n", authURL)
			return err
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Credential returns a usable credential, refreshing or running the consent
// flow as needed. The resulting token is written to the token file.
func (p *Provider) Credential(ctx context.Context) (*Credential, error) {
	oc, err := p.oauthConfig()
	if err != nil {
		return nil, err
	}

	tok, err := loadToken(p.cfg.TokenFile)
	switch {
	case err == nil:
		cred, refreshErr := p.fromToken(ctx, oc, tok)
		if refreshErr == nil {
			return cred, nil
		}
		p.logger.Warn("Cached token could not be refreshed, requesting consent", zap.Error(refreshErr))
	case errors.Is(err, os.ErrNotExist):
		p.logger.Info("No cached token found, requesting consent", zap.String("token_file", p.cfg.TokenFile))
	default:
		p.logger.Warn("Ignoring unreadable token file", zap.Error(err))
	}

	tok, err = p.consent(ctx, oc)
	if err != nil {
		return nil, err
	}
	if err := saveToken(p.cfg.TokenFile, tok); err != nil {
		return nil, err
	}
	return p.wrap(ctx, oc, tok), nil
}

// fromToken validates a cached token, refreshing it once if it has expired.
func (p *Provider) fromToken(ctx context.Context, oc *oauth2.Config, tok *oauth2.Token) (*Credential, error) {
	cred := p.wrap(ctx, oc, tok)
	if tok.Valid() {
		p.logger.Debug("Using cached token", zap.Time("expiry", tok.Expiry))
		return cred, nil
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("cached token expired and has no refresh token")
	}
	if _, err := cred.source.Token(); err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	p.logger.Info("Refreshed expired token")
	return cred, nil
}

func (p *Provider) wrap(ctx context.Context, oc *oauth2.Config, tok *oauth2.Token) *Credential {
	// Refreshes happen during polling, after the caller's setup context.
	base := oc.TokenSource(context.WithoutCancel(ctx), tok)
	return &Credential{source: &savingSource{
		base:   base,
		path:   p.cfg.TokenFile,
		logger: p.logger,
		last:   tok,
	}}
}

func (p *Provider) oauthConfig() (*oauth2.Config, error) {
	b, err := os.ReadFile(p.cfg.ClientSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client secret file '%s': %w", p.cfg.ClientSecretFile, err)
	}
	oc, err := google.ConfigFromJSON(b, Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client secret file: %w", err)
	}
	return oc, nil
}

type authResult struct {
	code string
	err  error
}

// consent runs the installed-app flow with a loopback redirect and PKCE.
func (p *Provider) consent(ctx context.Context, oc *oauth2.Config) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open loopback listener: %w", err)
	}

	cfg := *oc
	cfg.RedirectURL = fmt.Sprintf("http://%s/", ln.Addr().String())
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	results := make(chan authResult, 1)
	srv := &http.Server{
		Handler:           callbackHandler(state, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- authResult{err: err}:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
	p.logger.Info("Waiting for mailbox consent", zap.String("redirect_url", cfg.RedirectURL))
	if err := p.onAuthURL(authURL); err != nil {
		return nil, fmt.Errorf("failed to present consent URL: %w", err)
	}

	timeout := p.cfg.ConsentTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res authResult
	select {
	case res = <-results:
	case <-waitCtx.Done():
		return nil, fmt.Errorf("consent not completed: %w", waitCtx.Err())
	}
	if res.err != nil {
		return nil, res.err
	}

	tok, err := cfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	p.logger.Info("Mailbox consent granted")
	return tok, nil
}

// callbackHandler accepts exactly one redirect carrying the expected state.
func callbackHandler(state string, results chan<- authResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res authResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("consent denied: %s", q.Get("error"))
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			res.err = errors.New("consent redirect carried an unexpected state")
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		default:
			res.code = q.Get("code")
		}

		if res.err == nil {
			_, _ = fmt.Fprintln(w, "Mailbox access granted. You can close this window.")
		} else if q.Get("error") != "" {
			_, _ = fmt.Fprintln(w, "Mailbox access was not granted.")
		}
		select {
		case results <- res:
		default:
		}
	})
}
