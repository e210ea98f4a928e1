package mailbox

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/xkilldash9x/portal-login/internal/config"
)

// Gmail adapts the Gmail API v1 to the Mailbox port. It only ever issues
// list and get calls, so the gmail.readonly scope is sufficient.
type Gmail struct {
	svc        *gmail.Service
	userID     string
	maxResults int64
	limiter    *rate.Limiter
}

// NewGmail builds a Gmail client authenticated by cred. Extra client options
// are appended after the token source, so tests can redirect the endpoint.
func NewGmail(ctx context.Context, cred Credential, cfg config.MailboxConfig, opts ...option.ClientOption) (*Gmail, error) {
	clientOpts := append([]option.ClientOption{option.WithTokenSource(cred.TokenSource())}, opts...)
	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Gmail{
		svc:        svc,
		userID:     cfg.UserID,
		maxResults: cfg.MaxResults,
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

// GmailConnector returns a Connector that opens a Gmail client per poll run.
func GmailConnector(cfg config.MailboxConfig, opts ...option.ClientOption) Connector {
	return func(ctx context.Context, cred Credential) (Mailbox, error) {
		g, err := NewGmail(ctx, cred, cfg, opts...)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// List runs a search query and returns the matching message ids.
func (g *Gmail) List(ctx context.Context, query string) ([]string, error) {
	call := g.svc.Users.Messages.List(g.userID).Q(query).Context(ctx)
	if g.maxResults > 0 {
		call = call.MaxResults(g.maxResults)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// Get fetches message metadata, which carries internalDate and the snippet
// without downloading the body.
func (g *Gmail) Get(ctx context.Context, id string) (Message, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Message{}, err
	}

	m, err := g.svc.Users.Messages.Get(g.userID, id).Format("metadata").Context(ctx).Do()
	if err != nil {
		return Message{}, fmt.Errorf("failed to get message '%s': %w", id, err)
	}

	return Message{
		ID:        m.Id,
		Delivered: time.UnixMilli(m.InternalDate),
		Snippet:   m.Snippet,
	}, nil
}
