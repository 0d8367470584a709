package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/outer/backend/db"
	"github.com/onnwee/outer/backend/oauth"
	"github.com/onnwee/outer/backend/session"
	"github.com/onnwee/outer/backend/telemetry"
)

const defaultReturnTo = "/inbox"

// safeReturnTo keeps only same-site absolute paths so the callback cannot redirect
// off the app.
func safeReturnTo(v string) string {
	if v == "" || !strings.HasPrefix(v, "/") || strings.HasPrefix(v, "//") || strings.Contains(v, `\`) {
		return defaultReturnTo
	}
	return v
}

// HandleGoogleStart begins Google sign-in by redirecting to the consent screen.
func (h *Handlers) HandleGoogleStart(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		http.Error(w, "google sign-in not configured (need GOOGLE_CLIENT_ID + GOOGLE_CLIENT_SECRET)", http.StatusServiceUnavailable)
		return
	}
	state, err := oauth.RandomString(16)
	if err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	nonce, err := oauth.RandomString(16)
	if err != nil {
		http.Error(w, "nonce gen error", http.StatusInternalServerError)
		return
	}
	if !h.addOAuthState(state, pendingSignIn{
		nonce:    nonce,
		returnTo: safeReturnTo(r.URL.Query().Get("return_to")),
		expiry:   h.now().Add(stateTTL),
	}) {
		http.Error(w, "too many pending sign-ins", http.StatusServiceUnavailable)
		return
	}
	authURL, err := h.google.AuthCodeURL(r.Context(), state, nonce)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("build auth url", slog.Any("err", err), slog.String("component", "auth"))
		http.Error(w, "sign-in unavailable", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleGoogleCallback completes sign-in: it validates state, exchanges the code,
// stores the account and issues the session cookie.
func (h *Handlers) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "auth"))
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		telemetry.SignIn("denied")
		log.Info("google sign-in denied", slog.String("error", e))
		http.Redirect(w, r, h.cfg.AppURL+"/sign-in?error="+url.QueryEscape(e), http.StatusFound)
		return
	}
	if h.google == nil {
		http.Error(w, "google sign-in not configured", http.StatusServiceUnavailable)
		return
	}
	code := q.Get("code")
	st := q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	pending, ok := h.takeOAuthState(st)
	if !ok {
		telemetry.SignIn("invalid_state")
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	acct, err := h.google.Exchange(r.Context(), code, pending.nonce)
	if err != nil {
		telemetry.SignIn("exchange_failed")
		log.Warn("google code exchange failed", slog.Any("err", err))
		if errors.Is(err, oauth.ErrNonceMismatch) {
			http.Error(w, "invalid sign-in response", http.StatusBadRequest)
			return
		}
		http.Error(w, "sign-in failed", http.StatusBadGateway)
		return
	}
	userID, err := h.store.UpsertGoogleAccount(r.Context(), acct)
	if err != nil {
		telemetry.SignIn("store_failed")
		log.Error("store google account", slog.Any("err", err))
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}
	if err := h.sessions.Issue(w, session.Identity{UserID: userID, Email: acct.Email, Name: acct.Name}); err != nil {
		telemetry.SignIn("session_failed")
		log.Error("issue session", slog.Any("err", err))
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}
	telemetry.SignIn("ok")
	log.Info("signed in", slog.String("user_id", userID))
	http.Redirect(w, r, h.cfg.AppURL+pending.returnTo, http.StatusFound)
}

// HandleSignOut clears the session cookie.
func (h *Handlers) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSession reports the signed-in user, or 401 without a session.
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := session.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	user, err := h.store.GetUser(r.Context(), id.UserID)
	if errors.Is(err, db.ErrNoUser) {
		h.sessions.Clear(w)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("load session user", slog.Any("err", err), slog.String("component", "auth"))
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          user,
		"expiresAt":     id.ExpiresAt,
	})
}

// HandleRoot sends signed-in visitors to the inbox and everyone else to sign-in.
func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if _, ok := session.FromContext(r.Context()); ok {
		http.Redirect(w, r, h.cfg.AppURL+"/inbox", http.StatusFound)
		return
	}
	http.Redirect(w, r, h.cfg.AppURL+"/sign-in", http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
