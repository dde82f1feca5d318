// Package config reads the gateway's environment-sourced configuration. The
// environment is consulted exactly once at startup; the resulting Config is
// immutable for the life of the process.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// CredentialStrategy identifies which of the mutually exclusive Salesforce
// authentication flows the gateway will use.
type CredentialStrategy string

const (
	// StrategyRefreshToken exchanges a long-lived OAuth refresh token.
	StrategyRefreshToken CredentialStrategy = "refresh_token"
	// StrategyAccessToken uses a pre-issued access token as-is.
	StrategyAccessToken CredentialStrategy = "access_token"
	// StrategyPassword performs an interactive username/password login with
	// the security token appended to the password.
	StrategyPassword CredentialStrategy = "password"
)

// TransportKind selects which HTTP transport variant the gateway serves.
type TransportKind string

const (
	// TransportStreamable multiplexes a session over many HTTP requests,
	// keyed by the Mcp-Session-Id header.
	TransportStreamable TransportKind = "streamable"
	// TransportSSE carries all server messages on one long-lived
	// event stream per session.
	TransportSSE TransportKind = "sse"
)

// Default OAuth app settings used when the refresh-token strategy is
// configured without an explicit connected app.
const (
	DefaultClientID    = "PlatformCLI"
	DefaultRedirectURI = "http://localhost:1717/OauthRedirect"
)

// Salesforce holds the upstream connection settings. Exactly one credential
// strategy is selected by Strategy; the unrelated fields are left empty.
type Salesforce struct {
	InstanceURL string
	Strategy    CredentialStrategy

	RefreshToken string
	ClientID     string
	ClientSecret string
	RedirectURI  string

	AccessToken string

	Username      string
	Password      string
	SecurityToken string
}

// Config is the gateway's complete startup configuration.
type Config struct {
	Salesforce Salesforce

	// APIKey is the shared secret guarding every route except health and
	// metrics. Empty disables the gate.
	APIKey string

	Transport TransportKind
	Port      int
	LogLevel  slog.Level
}

// FromEnv builds a Config from the process environment. It fails when the
// instance URL is missing or no credential strategy can be selected.
func FromEnv() (*Config, error) {
	sf, err := salesforceFromEnv()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Salesforce: *sf,
		APIKey:     os.Getenv("MCP_API_KEY"),
		Transport:  TransportStreamable,
		Port:       8080,
		LogLevel:   slog.LevelInfo,
	}

	switch kind := strings.ToLower(os.Getenv("MCP_TRANSPORT")); kind {
	case "", string(TransportStreamable):
	case string(TransportSSE):
		cfg.Transport = TransportSSE
	default:
		return nil, fmt.Errorf("config: unknown MCP_TRANSPORT %q", kind)
	}

	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("config: invalid PORT %q", raw)
		}
		cfg.Port = port
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := parseLogLevel(raw)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}

	return cfg, nil
}

// salesforceFromEnv selects the credential strategy in strict precedence
// order: refresh token, then static access token, then username/password.
func salesforceFromEnv() (*Salesforce, error) {
	sf := &Salesforce{
		InstanceURL: strings.TrimRight(os.Getenv("SALESFORCE_INSTANCE_URL"), "/"),
	}
	if sf.InstanceURL == "" {
		return nil, fmt.Errorf("config: SALESFORCE_INSTANCE_URL is required")
	}

	switch {
	case os.Getenv("SALESFORCE_REFRESH_TOKEN") != "":
		sf.Strategy = StrategyRefreshToken
		sf.RefreshToken = os.Getenv("SALESFORCE_REFRESH_TOKEN")
		sf.ClientID = envOr("SALESFORCE_CLIENT_ID", DefaultClientID)
		sf.ClientSecret = os.Getenv("SALESFORCE_CLIENT_SECRET")
		sf.RedirectURI = envOr("SALESFORCE_REDIRECT_URI", DefaultRedirectURI)
	case os.Getenv("SALESFORCE_ACCESS_TOKEN") != "":
		sf.Strategy = StrategyAccessToken
		sf.AccessToken = os.Getenv("SALESFORCE_ACCESS_TOKEN")
	default:
		sf.Strategy = StrategyPassword
		sf.Username = os.Getenv("SALESFORCE_USERNAME")
		sf.Password = os.Getenv("SALESFORCE_PASSWORD")
		sf.SecurityToken = os.Getenv("SALESFORCE_SECURITY_TOKEN")
		if sf.Username == "" || sf.Password == "" {
			return nil, fmt.Errorf("config: no Salesforce credentials: set SALESFORCE_REFRESH_TOKEN, SALESFORCE_ACCESS_TOKEN, or SALESFORCE_USERNAME and SALESFORCE_PASSWORD")
		}
	}
	return sf, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown LOG_LEVEL %q", raw)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
