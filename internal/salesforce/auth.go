package salesforce

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/forcebridge/mcp-salesforce/internal/config"
)

// Connect authenticates against the org named in cfg using the single
// credential strategy the configuration selected. Strategies are never
// chained: a failure surfaces to the caller rather than falling through to
// the next flow.
func Connect(ctx context.Context, cfg config.Salesforce) (*Client, error) {
	switch cfg.Strategy {
	case config.StrategyRefreshToken:
		return connectWithRefreshToken(ctx, cfg)
	case config.StrategyAccessToken:
		return connectWithAccessToken(cfg), nil
	case config.StrategyPassword:
		return connectWithPassword(ctx, cfg)
	}
	return nil, fmt.Errorf("salesforce: unknown credential strategy %q", cfg.Strategy)
}

func oauthConfig(cfg config.Salesforce) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL: cfg.InstanceURL + "/services/oauth2/token",
		},
	}
}

// connectWithRefreshToken builds a self-refreshing client from the stored
// refresh token and validates it with one identity round-trip before
// returning it.
func connectWithRefreshToken(ctx context.Context, cfg config.Salesforce) (*Client, error) {
	conf := oauthConfig(cfg)
	// The token source outlives the triggering request, so it must not be
	// bound to the caller's context.
	source := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	client := NewClient(cfg.InstanceURL, oauth2.NewClient(context.Background(), source))

	if _, err := client.Identity(ctx); err != nil {
		return nil, fmt.Errorf("salesforce: refresh token validation failed: %w", err)
	}
	return client, nil
}

// connectWithAccessToken trusts the configured token as-is; no validation
// round-trip is performed.
func connectWithAccessToken(cfg config.Salesforce) *Client {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	return NewClient(cfg.InstanceURL, oauth2.NewClient(context.Background(), source))
}

// connectWithPassword performs the username/password token exchange with the
// security token suffixed to the password.
func connectWithPassword(ctx context.Context, cfg config.Salesforce) (*Client, error) {
	conf := oauthConfig(cfg)
	if conf.ClientID == "" {
		conf.ClientID = config.DefaultClientID
	}
	token, err := conf.PasswordCredentialsToken(ctx, cfg.Username, cfg.Password+cfg.SecurityToken)
	if err != nil {
		return nil, fmt.Errorf("salesforce: login failed for %s: %w", cfg.Username, err)
	}
	// The password grant yields no refresh token for most orgs; reuse the
	// issued access token for the life of the process.
	source := oauth2.StaticTokenSource(token)
	return NewClient(instanceURLFromToken(token, cfg.InstanceURL), oauth2.NewClient(context.Background(), source)), nil
}

// instanceURLFromToken prefers the instance_url the token response names,
// since logins against login.salesforce.com get redirected to the org pod.
func instanceURLFromToken(token *oauth2.Token, fallback string) string {
	if raw, ok := token.Extra("instance_url").(string); ok && raw != "" {
		return raw
	}
	return fallback
}
