package config

import (
	"log/slog"
	"testing"
)

func setSalesforceEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	// Clear everything the loader reads so ambient env cannot leak in.
	for _, key := range []string{
		"SALESFORCE_INSTANCE_URL", "SALESFORCE_REFRESH_TOKEN",
		"SALESFORCE_CLIENT_ID", "SALESFORCE_CLIENT_SECRET", "SALESFORCE_REDIRECT_URI",
		"SALESFORCE_ACCESS_TOKEN", "SALESFORCE_USERNAME", "SALESFORCE_PASSWORD",
		"SALESFORCE_SECURITY_TOKEN", "MCP_API_KEY", "MCP_TRANSPORT", "PORT", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	for key, value := range vars {
		t.Setenv(key, value)
	}
}

func TestFromEnvRefreshTokenTakesPrecedence(t *testing.T) {
	setSalesforceEnv(t, map[string]string{
		"SALESFORCE_INSTANCE_URL":  "https://example.my.salesforce.com/",
		"SALESFORCE_REFRESH_TOKEN": "refresh-123",
		"SALESFORCE_ACCESS_TOKEN":  "access-456",
		"SALESFORCE_USERNAME":      "user@example.com",
		"SALESFORCE_PASSWORD":      "hunter2",
	})

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Salesforce.Strategy != StrategyRefreshToken {
		t.Fatalf("strategy = %q, want %q", cfg.Salesforce.Strategy, StrategyRefreshToken)
	}
	if cfg.Salesforce.InstanceURL != "https://example.my.salesforce.com" {
		t.Fatalf("instance URL not normalized: %q", cfg.Salesforce.InstanceURL)
	}
	if cfg.Salesforce.ClientID != DefaultClientID {
		t.Fatalf("client ID = %q, want default %q", cfg.Salesforce.ClientID, DefaultClientID)
	}
	if cfg.Salesforce.RedirectURI != DefaultRedirectURI {
		t.Fatalf("redirect URI = %q, want default %q", cfg.Salesforce.RedirectURI, DefaultRedirectURI)
	}
}

func TestFromEnvAccessTokenBeforePassword(t *testing.T) {
	setSalesforceEnv(t, map[string]string{
		"SALESFORCE_INSTANCE_URL": "https://example.my.salesforce.com",
		"SALESFORCE_ACCESS_TOKEN": "access-456",
		"SALESFORCE_USERNAME":     "user@example.com",
		"SALESFORCE_PASSWORD":     "hunter2",
	})

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Salesforce.Strategy != StrategyAccessToken {
		t.Fatalf("strategy = %q, want %q", cfg.Salesforce.Strategy, StrategyAccessToken)
	}
	if cfg.Salesforce.AccessToken != "access-456" {
		t.Fatalf("access token = %q", cfg.Salesforce.AccessToken)
	}
}

func TestFromEnvPasswordStrategy(t *testing.T) {
	setSalesforceEnv(t, map[string]string{
		"SALESFORCE_INSTANCE_URL":   "https://example.my.salesforce.com",
		"SALESFORCE_USERNAME":       "user@example.com",
		"SALESFORCE_PASSWORD":       "hunter2",
		"SALESFORCE_SECURITY_TOKEN": "sectoken",
	})

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Salesforce.Strategy != StrategyPassword {
		t.Fatalf("strategy = %q, want %q", cfg.Salesforce.Strategy, StrategyPassword)
	}
	if cfg.Salesforce.SecurityToken != "sectoken" {
		t.Fatalf("security token = %q", cfg.Salesforce.SecurityToken)
	}
}

func TestFromEnvMissingCredentials(t *testing.T) {
	setSalesforceEnv(t, map[string]string{
		"SALESFORCE_INSTANCE_URL": "https://example.my.salesforce.com",
	})
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when no credentials are configured")
	}
}

func TestFromEnvMissingInstanceURL(t *testing.T) {
	setSalesforceEnv(t, map[string]string{
		"SALESFORCE_ACCESS_TOKEN": "access-456",
	})
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when SALESFORCE_INSTANCE_URL is missing")
	}
}

func TestFromEnvServerSettings(t *testing.T) {
	setSalesforceEnv(t, map[string]string{
		"SALESFORCE_INSTANCE_URL": "https://example.my.salesforce.com",
		"SALESFORCE_ACCESS_TOKEN": "access-456",
		"MCP_API_KEY":             "secret",
		"MCP_TRANSPORT":           "sse",
		"PORT":                    "9090",
		"LOG_LEVEL":               "debug",
	})

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.APIKey != "secret" {
		t.Fatalf("api key = %q", cfg.APIKey)
	}
	if cfg.Transport != TransportSSE {
		t.Fatalf("transport = %q, want sse", cfg.Transport)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug", cfg.LogLevel)
	}
}

func TestFromEnvRejectsBadTransport(t *testing.T) {
	setSalesforceEnv(t, map[string]string{
		"SALESFORCE_INSTANCE_URL": "https://example.my.salesforce.com",
		"SALESFORCE_ACCESS_TOKEN": "access-456",
		"MCP_TRANSPORT":           "websocket",
	})
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for unknown transport kind")
	}
}
