package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const oidcKeyID = "test-key"

// OIDCGrant is what the fake issuer returns for one authorization code.
type OIDCGrant struct {
	Subject      string
	Email        string
	Name         string
	Nonce        string
	AccessToken  string
	RefreshToken string
}

// OIDCServer is a minimal OpenID Connect issuer: discovery, JWKS and a token endpoint
// that answers codes registered with Grant.
type OIDCServer struct {
	*httptest.Server
	ClientID string

	key    *rsa.PrivateKey
	mu     sync.Mutex
	grants map[string]OIDCGrant
}

// NewOIDCServer starts an issuer whose ID tokens are audienced to clientID.
func NewOIDCServer(t *testing.T, clientID string) *OIDCServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &OIDCServer{ClientID: clientID, key: key, grants: make(map[string]OIDCGrant)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"issuer":                                s.URL,
			"authorization_endpoint":                s.URL + "/auth",
			"token_endpoint":                        s.URL + "/token",
			"jwks_uri":                              s.URL + "/keys",
			"userinfo_endpoint":                     s.URL + "/userinfo",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		pub := s.key.PublicKey
		WriteJSON(w, http.StatusOK, map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"kid": oidcKeyID,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("POST /token", s.handleToken)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Grant registers the tokens issued for code.
func (s *OIDCServer) Grant(code string, g OIDCGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[code] = g
}

func (s *OIDCServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	code := r.PostForm.Get("code")
	s.mu.Lock()
	g, ok := s.grants[code]
	delete(s.grants, code)
	s.mu.Unlock()
	if !ok {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.URL,
		"sub":   g.Subject,
		"aud":   s.ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"email": g.Email,
		"name":  g.Name,
	}
	if g.Nonce != "" {
		claims["nonce"] = g.Nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = oidcKeyID
	idToken, err := tok.SignedString(s.key)
	if err != nil {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	body := map[string]any{
		"access_token": g.AccessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
		"scope":        "openid email profile",
	}
	if g.RefreshToken != "" {
		body["refresh_token"] = g.RefreshToken
	}
	WriteJSON(w, http.StatusOK, body)
}
