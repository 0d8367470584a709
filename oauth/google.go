// Package oauth implements Google sign-in: building the consent URL, exchanging the
// authorization code, and verifying the returned ID token with OIDC discovery.
// Offline access with forced consent is always requested so Google issues the refresh
// token the chat client needs.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/onnwee/outer/backend/db"
)

// GoogleIssuer is the OIDC issuer for Google accounts.
const GoogleIssuer = "https://accounts.google.com"

// ErrNonceMismatch means the ID token was not minted for this sign-in attempt.
var ErrNonceMismatch = errors.New("oauth: id token nonce mismatch")

// Options configure a Google sign-in provider.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Issuer overrides GoogleIssuer (tests).
	Issuer string
	// HTTPClient is used for discovery, key fetches and the token exchange.
	HTTPClient *http.Client
}

// Google is a lazily discovered OIDC provider. It is safe for concurrent use.
type Google struct {
	opts Options

	mu       sync.Mutex
	provider *oidc.Provider
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogle returns a provider; discovery happens on first use.
func NewGoogle(opts Options) *Google {
	if opts.Issuer == "" {
		opts.Issuer = GoogleIssuer
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	return &Google{opts: opts}
}

func (g *Google) clientContext(ctx context.Context) context.Context {
	if g.opts.HTTPClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, g.opts.HTTPClient)
}

func (g *Google) discover(ctx context.Context) (*oauth2.Config, *oidc.IDTokenVerifier, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provider != nil {
		return g.config, g.verifier, nil
	}
	provider, err := oidc.NewProvider(g.clientContext(ctx), g.opts.Issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	g.provider = provider
	g.config = &oauth2.Config{
		ClientID:     g.opts.ClientID,
		ClientSecret: g.opts.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  g.opts.RedirectURL,
		Scopes:       g.opts.Scopes,
	}
	g.verifier = provider.Verifier(&oidc.Config{ClientID: g.opts.ClientID})
	return g.config, g.verifier, nil
}

// AuthCodeURL returns the consent page URL for state and nonce.
func (g *Google) AuthCodeURL(ctx context.Context, state, nonce string) (string, error) {
	cfg, _, err := g.discover(ctx)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oidc.Nonce(nonce),
	), nil
}

// Exchange trades code for tokens, verifies the ID token against nonce and returns the
// account to persist.
func (g *Google) Exchange(ctx context.Context, code, nonce string) (db.GoogleAccount, error) {
	cfg, verifier, err := g.discover(ctx)
	if err != nil {
		return db.GoogleAccount{}, err
	}
	tok, err := cfg.Exchange(g.clientContext(ctx), code)
	if err != nil {
		return db.GoogleAccount{}, fmt.Errorf("token exchange failed: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return db.GoogleAccount{}, fmt.Errorf("no id_token in token response")
	}
	idToken, err := verifier.Verify(g.clientContext(ctx), rawIDToken)
	if err != nil {
		return db.GoogleAccount{}, fmt.Errorf("id token verification failed: %w", err)
	}
	if idToken.Nonce != nonce {
		return db.GoogleAccount{}, ErrNonceMismatch
	}

	var claims struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return db.GoogleAccount{}, fmt.Errorf("failed to extract claims: %w", err)
	}

	scope, _ := tok.Extra("scope").(string)
	return db.GoogleAccount{
		Subject:      idToken.Subject,
		Email:        claims.Email,
		Name:         claims.Name,
		Picture:      claims.Picture,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawIDToken,
		Scope:        scope,
		Expiry:       tok.Expiry,
	}, nil
}

// RandomString returns n random bytes, base64url encoded, for state and nonce values.
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
