// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"golang.org/x/oauth2"

	"github.com/xkilldash9x/portal-login/internal/browser"
	"github.com/xkilldash9x/portal-login/internal/config"
	"github.com/xkilldash9x/portal-login/internal/mailbox"
	"github.com/xkilldash9x/portal-login/internal/retry"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Portal() config.PortalConfig {
	args := m.Called()
	return args.Get(0).(config.PortalConfig)
}

func (m *MockConfig) Timeouts() config.TimeoutsConfig {
	args := m.Called()
	return args.Get(0).(config.TimeoutsConfig)
}

func (m *MockConfig) Mailbox() config.MailboxConfig {
	args := m.Called()
	return args.Get(0).(config.MailboxConfig)
}

func (m *MockConfig) Gmail() config.GmailConfig {
	args := m.Called()
	return args.Get(0).(config.GmailConfig)
}

func (m *MockConfig) Credentials() config.CredentialsConfig {
	args := m.Called()
	return args.Get(0).(config.CredentialsConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool)              { m.Called(b) }
func (m *MockConfig) SetBrowserLeaveSessionOpen(b bool)      { m.Called(b) }
func (m *MockConfig) SetBrowserRemoteURL(u string)           { m.Called(u) }
func (m *MockConfig) SetMailboxPollMaxAttempts(n int)        { m.Called(n) }
func (m *MockConfig) SetMailboxPollInterval(d time.Duration) { m.Called(d) }

// -- Session Page Mock --

// MockSessionPage mocks the browser tab used by the login orchestrator.
type MockSessionPage struct {
	mock.Mock
}

func (m *MockSessionPage) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockSessionPage) WaitPresent(ctx context.Context, loc browser.Locator, timeout time.Duration) error {
	args := m.Called(ctx, loc, timeout)
	return args.Error(0)
}

// WaitURL evaluates the predicate against the URL configured as the first
// return value (when it is a string) before returning the error.
func (m *MockSessionPage) WaitURL(ctx context.Context, pred func(string) bool, timeout time.Duration) error {
	args := m.Called(ctx, pred, timeout)
	if url, ok := args.Get(0).(string); ok && !pred(url) {
		return browser.ErrTimeout
	}
	return args.Error(1)
}

func (m *MockSessionPage) Fill(ctx context.Context, loc browser.Locator, text string) error {
	args := m.Called(ctx, loc, text)
	return args.Error(0)
}

func (m *MockSessionPage) Click(ctx context.Context, loc browser.Locator) error {
	args := m.Called(ctx, loc)
	return args.Error(0)
}

func (m *MockSessionPage) Location(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// -- OTP Source Mock --

// MockOTPSource mocks the mailbox OTP source.
type MockOTPSource struct {
	mock.Mock
}

func (m *MockOTPSource) FetchOTP(ctx context.Context, cred mailbox.Credential, after time.Time, policy retry.Policy) (mailbox.Code, error) {
	args := m.Called(ctx, cred, after, policy)
	return args.Get(0).(mailbox.Code), args.Error(1)
}

// -- Credential Mock --

// MockCredential mocks an OAuth credential handle.
type MockCredential struct {
	mock.Mock
}

func (m *MockCredential) TokenSource() oauth2.TokenSource {
	args := m.Called()
	if ts, ok := args.Get(0).(oauth2.TokenSource); ok {
		return ts
	}
	return nil
}

func (m *MockCredential) Valid() bool {
	args := m.Called()
	return args.Bool(0)
}
