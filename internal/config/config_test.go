// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "portal-login", cfg.Logger().ServiceName)
	assert.False(t, cfg.Browser().Headless)
	assert.True(t, cfg.Browser().LeaveSessionOpen)
	assert.Equal(t, 10*time.Second, cfg.Timeouts().LoginForm)
	assert.Equal(t, 60*time.Second, cfg.Timeouts().OTPPage)
	assert.Equal(t, 20, cfg.Mailbox().Poll.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Mailbox().Poll.Interval)
	assert.Equal(t, "otp@hackeru.com", cfg.Mailbox().Sender)
	assert.Equal(t, "id:digit-%d", cfg.Portal().Locators.OTPDigit)
	assert.Equal(t, 6, cfg.Portal().OTPDigits)

	require.NoError(t, cfg.Validate(), "defaults must be a valid configuration")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Portal Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.PortalCfg.LoginURL = "not a url"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "login_url must be an absolute URL")

		cfg = NewDefaultConfig()
		cfg.PortalCfg.OTPURL = ""
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "one of otp_url or otp_url_pattern is required")

		// A pattern alone is enough.
		cfg.PortalCfg.OTPURLPattern = `action=otp$`
		assert.NoError(t, cfg.Validate())

		cfg.PortalCfg.OTPURLPattern = `(`
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "otp_url_pattern does not compile")

		cfg = NewDefaultConfig()
		cfg.PortalCfg.Locators.OTPDigit = "id:digit"
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "%d placeholder")
	})

	t.Run("Timeouts Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.TimeoutsCfg.OTPPage = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all timeouts must be positive durations")
	})

	t.Run("Mailbox Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Mailbox()
		assert.NoError(t, valid.Validate())

		noAttempts := valid
		noAttempts.Poll.MaxAttempts = 0
		assert.ErrorContains(t, noAttempts.Validate(), "poll.max_attempts must be at least 1")

		shrinking := valid
		shrinking.Poll.Multiplier = 0.5
		assert.ErrorContains(t, shrinking.Validate(), "poll.multiplier must be >= 1")

		noSender := valid
		noSender.Sender = ""
		assert.ErrorContains(t, noSender.Validate(), "sender is required")
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("reads yaml overrides on top of defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		yaml := []byte(`
portal:
  login_url: "https://portal.example.test/"
  otp_url: "https://portal.example.test/otp"
mailbox:
  sender: "codes@example.test"
  poll:
    max_attempts: 3
    interval: 2s
timeouts:
  otp_page: 45s
`)
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yaml)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "https://portal.example.test/", cfg.Portal().LoginURL)
		assert.Equal(t, "codes@example.test", cfg.Mailbox().Sender)
		assert.Equal(t, 3, cfg.Mailbox().Poll.MaxAttempts)
		assert.Equal(t, 2*time.Second, cfg.Mailbox().Poll.Interval)
		assert.Equal(t, 45*time.Second, cfg.Timeouts().OTPPage)
		// Untouched keys keep their defaults.
		assert.Equal(t, 10*time.Second, cfg.Timeouts().LoginForm)
	})

	t.Run("expands home directory paths", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		home, err := homedir.Dir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".config", "portal-login", "credentials.enc"), cfg.Credentials().File)
	})

	t.Run("environment overrides keys with empty defaults", func(t *testing.T) {
		t.Setenv("PORTAL_LOGIN_BROWSER_REMOTE_URL", "ws://127.0.0.1:9222/devtools/browser/abc")
		t.Setenv("PORTAL_LOGIN_BROWSER_USER_AGENT", "portal-login-test")
		t.Setenv("PORTAL_LOGIN_BROWSER_ARGS", "--lang=en-US,--window-size=1280,800")
		t.Setenv("PORTAL_LOGIN_PORTAL_OTP_URL_PATTERN", `action=otp$`)
		t.Setenv("PORTAL_LOGIN_PORTAL_AUTHENTICATED_URL_PATTERN", `action=home`)
		t.Setenv("PORTAL_LOGIN_LOGGER_COLORS_ERROR", "red")

		v := viper.New()
		SetDefaults(v)
		v.SetEnvPrefix("PORTAL_LOGIN")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser().RemoteURL)
		assert.Equal(t, "portal-login-test", cfg.Browser().UserAgent)
		assert.Equal(t, []string{"--lang=en-US", "--window-size=1280", "800"}, cfg.Browser().Args)
		assert.Equal(t, `action=otp$`, cfg.Portal().OTPURLPattern)
		assert.Equal(t, `action=home`, cfg.Portal().AuthenticatedURLPattern)
		assert.Equal(t, "red", cfg.Logger().Colors.Error)
	})

	t.Run("yaml headers decode into the map default", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString("browser:\n  headers:\n    X-Portal-Client: portal-login\n")))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "portal-login", cfg.Browser().Headers["x-portal-client"])
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("mailbox.poll.max_attempts", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetBrowserHeadless(true)
	iface.SetBrowserLeaveSessionOpen(false)
	iface.SetBrowserRemoteURL("ws://127.0.0.1:9222/devtools/browser/abc")
	iface.SetMailboxPollMaxAttempts(5)
	iface.SetMailboxPollInterval(time.Second)

	assert.True(t, cfg.Browser().Headless)
	assert.False(t, cfg.Browser().LeaveSessionOpen)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser().RemoteURL)
	assert.Equal(t, 5, cfg.Mailbox().Poll.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Mailbox().Poll.Interval)
}
