// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Portal() PortalConfig
	Timeouts() TimeoutsConfig
	Mailbox() MailboxConfig
	Gmail() GmailConfig
	Credentials() CredentialsConfig
	Metrics() MetricsConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserLeaveSessionOpen(bool)
	SetBrowserRemoteURL(string)

	// Mailbox Setters
	SetMailboxPollMaxAttempts(int)
	SetMailboxPollInterval(time.Duration)
}

// Config holds the entire application configuration.
// Sections are exported for viper's decoder and read through the Interface getters.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	PortalCfg      PortalConfig      `mapstructure:"portal" yaml:"portal"`
	TimeoutsCfg    TimeoutsConfig    `mapstructure:"timeouts" yaml:"timeouts"`
	MailboxCfg     MailboxConfig     `mapstructure:"mailbox" yaml:"mailbox"`
	GmailCfg       GmailConfig       `mapstructure:"gmail" yaml:"gmail"`
	CredentialsCfg CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	MetricsCfg     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Portal() PortalConfig           { return c.PortalCfg }
func (c *Config) Timeouts() TimeoutsConfig       { return c.TimeoutsCfg }
func (c *Config) Mailbox() MailboxConfig         { return c.MailboxCfg }
func (c *Config) Gmail() GmailConfig             { return c.GmailCfg }
func (c *Config) Credentials() CredentialsConfig { return c.CredentialsCfg }
func (c *Config) Metrics() MetricsConfig         { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)         { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserLeaveSessionOpen(b bool) { c.BrowserCfg.LeaveSessionOpen = b }
func (c *Config) SetBrowserRemoteURL(u string)      { c.BrowserCfg.RemoteURL = u }

func (c *Config) SetMailboxPollMaxAttempts(n int)        { c.MailboxCfg.Poll.MaxAttempts = n }
func (c *Config) SetMailboxPollInterval(d time.Duration) { c.MailboxCfg.Poll.Interval = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Headless        bool              `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string          `mapstructure:"args" yaml:"args"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
	// RemoteURL attaches to an already running browser (DevTools websocket URL)
	// instead of launching a new process.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
	// LeaveSessionOpen keeps the tab alive after the login attempt so the
	// session can be inspected or reused.
	LeaveSessionOpen bool          `mapstructure:"leave_session_open" yaml:"leave_session_open"`
	LaunchTimeout    time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// PortalConfig describes the target portal. Everything here is an external
// contract of the site being logged into.
type PortalConfig struct {
	LoginURL string `mapstructure:"login_url" yaml:"login_url"`
	OTPURL   string `mapstructure:"otp_url" yaml:"otp_url"`
	// OTPURLPattern, when set, replaces the exact OTPURL comparison.
	OTPURLPattern string `mapstructure:"otp_url_pattern" yaml:"otp_url_pattern"`
	// AuthenticatedURLPattern, when set, is the signal for a completed login.
	// Otherwise leaving the OTP page counts as authenticated.
	AuthenticatedURLPattern string         `mapstructure:"authenticated_url_pattern" yaml:"authenticated_url_pattern"`
	PostLoginURL            string         `mapstructure:"post_login_url" yaml:"post_login_url"`
	OTPDigits               int            `mapstructure:"otp_digits" yaml:"otp_digits"`
	Locators                LocatorsConfig `mapstructure:"locators" yaml:"locators"`
}

// LocatorsConfig holds element locators in "id:<id>" or "css:<selector>" form.
type LocatorsConfig struct {
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	Submit    string `mapstructure:"submit" yaml:"submit"`
	OTPDigit  string `mapstructure:"otp_digit" yaml:"otp_digit"`
	OTPSubmit string `mapstructure:"otp_submit" yaml:"otp_submit"`
}

// TimeoutsConfig bounds every wait the login flow performs.
type TimeoutsConfig struct {
	Navigation      time.Duration `mapstructure:"navigation" yaml:"navigation"`
	LoginForm       time.Duration `mapstructure:"login_form" yaml:"login_form"`
	OTPPage         time.Duration `mapstructure:"otp_page" yaml:"otp_page"`
	Element         time.Duration `mapstructure:"element" yaml:"element"`
	Authenticated   time.Duration `mapstructure:"authenticated" yaml:"authenticated"`
	URLPollInterval time.Duration `mapstructure:"url_poll_interval" yaml:"url_poll_interval"`
}

// MailboxConfig configures OTP retrieval from the mailbox.
type MailboxConfig struct {
	UserID            string     `mapstructure:"user_id" yaml:"user_id"`
	Sender            string     `mapstructure:"sender" yaml:"sender"`
	MaxResults        int64      `mapstructure:"max_results" yaml:"max_results"`
	RequestsPerSecond float64    `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Poll              PollConfig `mapstructure:"poll" yaml:"poll"`
}

// PollConfig is the bounded retry policy for mailbox polling.
type PollConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// GmailConfig locates the OAuth client secrets and the cached token.
type GmailConfig struct {
	ClientSecretFile string        `mapstructure:"client_secret_file" yaml:"client_secret_file"`
	TokenFile        string        `mapstructure:"token_file" yaml:"token_file"`
	ConsentTimeout   time.Duration `mapstructure:"consent_timeout" yaml:"consent_timeout"`
}

// CredentialsConfig configures the encrypted portal credential store.
type CredentialsConfig struct {
	File          string `mapstructure:"file" yaml:"file"`
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env"`
	Save          bool   `mapstructure:"save" yaml:"save"`
}

// MetricsConfig enables the prometheus textfile export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
// Every key gets one, even if empty, so AutomaticEnv can override it.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "portal-login")
	v.SetDefault("logger.log_file", "portal-login.log")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	for _, level := range []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"} {
		v.SetDefault("logger.colors."+level, "")
	}

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.leave_session_open", true)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.headers", map[string]string{})
	v.SetDefault("browser.remote_url", "")

	// -- Portal --
	v.SetDefault("portal.login_url", "https://hackeru.priza.net/")
	v.SetDefault("portal.otp_url", "https://hackeru.priza.net/default.aspx?action=otp")
	v.SetDefault("portal.post_login_url", "https://hackeru.priza.net/some_authenticated_page")
	v.SetDefault("portal.otp_url_pattern", "")
	v.SetDefault("portal.authenticated_url_pattern", "")
	v.SetDefault("portal.otp_digits", 6)
	v.SetDefault("portal.locators.username", "id:username")
	v.SetDefault("portal.locators.password", "id:pass")
	v.SetDefault("portal.locators.submit", `css:button[type="submit"]`)
	v.SetDefault("portal.locators.otp_digit", "id:digit-%d")
	v.SetDefault("portal.locators.otp_submit", "id:ctl00_PageBody_OTP_Button1")

	// -- Timeouts --
	v.SetDefault("timeouts.navigation", "60s")
	v.SetDefault("timeouts.login_form", "10s")
	v.SetDefault("timeouts.otp_page", "60s")
	v.SetDefault("timeouts.element", "10s")
	v.SetDefault("timeouts.authenticated", "30s")
	v.SetDefault("timeouts.url_poll_interval", "250ms")

	// -- Mailbox --
	v.SetDefault("mailbox.user_id", "me")
	v.SetDefault("mailbox.sender", "otp@hackeru.com")
	v.SetDefault("mailbox.max_results", 10)
	v.SetDefault("mailbox.requests_per_second", 5.0)
	v.SetDefault("mailbox.poll.max_attempts", 20)
	v.SetDefault("mailbox.poll.interval", "10s")
	v.SetDefault("mailbox.poll.multiplier", 1.0)
	v.SetDefault("mailbox.poll.max_interval", "0s")

	// -- Gmail OAuth --
	v.SetDefault("gmail.client_secret_file", "client_secret_oauth.json")
	v.SetDefault("gmail.token_file", "token.json")
	v.SetDefault("gmail.consent_timeout", "5m")

	// -- Credentials --
	v.SetDefault("credentials.file", "~/.config/portal-login/credentials.enc")
	v.SetDefault("credentials.passphrase_env", "PORTAL_LOGIN_PASSPHRASE")
	v.SetDefault("credentials.save", true)

	// -- Metrics --
	v.SetDefault("metrics.textfile", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading "~" in every file path setting.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.LoggerCfg.LogFile,
		&c.GmailCfg.ClientSecretFile,
		&c.GmailCfg.TokenFile,
		&c.CredentialsCfg.File,
		&c.MetricsCfg.Textfile,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("could not resolve path '%s': %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.PortalCfg.Validate(); err != nil {
		return fmt.Errorf("portal configuration invalid: %w", err)
	}
	if err := c.TimeoutsCfg.Validate(); err != nil {
		return fmt.Errorf("timeouts configuration invalid: %w", err)
	}
	if err := c.MailboxCfg.Validate(); err != nil {
		return fmt.Errorf("mailbox configuration invalid: %w", err)
	}
	if c.GmailCfg.ClientSecretFile == "" || c.GmailCfg.TokenFile == "" {
		return fmt.Errorf("gmail.client_secret_file and gmail.token_file are required")
	}
	return nil
}

// Validate checks the portal description.
func (p *PortalConfig) Validate() error {
	if _, err := url.ParseRequestURI(p.LoginURL); err != nil {
		return fmt.Errorf("login_url must be an absolute URL: %w", err)
	}
	if p.OTPURL == "" && p.OTPURLPattern == "" {
		return fmt.Errorf("one of otp_url or otp_url_pattern is required")
	}
	if p.OTPURLPattern != "" {
		if _, err := regexp.Compile(p.OTPURLPattern); err != nil {
			return fmt.Errorf("otp_url_pattern does not compile: %w", err)
		}
	}
	if p.AuthenticatedURLPattern != "" {
		if _, err := regexp.Compile(p.AuthenticatedURLPattern); err != nil {
			return fmt.Errorf("authenticated_url_pattern does not compile: %w", err)
		}
	}
	if p.OTPDigits <= 0 {
		return fmt.Errorf("otp_digits must be a positive integer")
	}
	l := p.Locators
	if l.Username == "" || l.Password == "" || l.Submit == "" || l.OTPSubmit == "" {
		return fmt.Errorf("locators.username, locators.password, locators.submit and locators.otp_submit are required")
	}
	if !strings.Contains(l.OTPDigit, "%d") {
		return fmt.Errorf("locators.otp_digit must contain a %%d placeholder for the digit position")
	}
	return nil
}

// Validate ensures every wait is bounded.
func (t *TimeoutsConfig) Validate() error {
	if t.Navigation <= 0 || t.LoginForm <= 0 || t.OTPPage <= 0 || t.Element <= 0 || t.Authenticated <= 0 {
		return fmt.Errorf("all timeouts must be positive durations")
	}
	if t.URLPollInterval <= 0 {
		return fmt.Errorf("url_poll_interval must be a positive duration")
	}
	return nil
}

// Validate checks the mailbox polling settings.
func (m *MailboxConfig) Validate() error {
	if m.Sender == "" {
		return fmt.Errorf("sender is required")
	}
	if m.Poll.MaxAttempts < 1 {
		return fmt.Errorf("poll.max_attempts must be at least 1")
	}
	if m.Poll.Interval < 0 {
		return fmt.Errorf("poll.interval must not be negative")
	}
	if m.Poll.Multiplier != 0 && m.Poll.Multiplier < 1 {
		return fmt.Errorf("poll.multiplier must be >= 1 so waits never shrink below the interval")
	}
	if m.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive")
	}
	return nil
}
