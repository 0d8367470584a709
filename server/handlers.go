// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/outer/backend/config"
	"github.com/onnwee/outer/backend/db"
	"github.com/onnwee/outer/backend/session"
)

const (
	// Maximum number of pending sign-ins to keep in memory
	maxOAuthStates = 10000
	stateTTL       = 10 * time.Minute
)

// AccountStore is the slice of the database the HTTP handlers use.
type AccountStore interface {
	Ping(ctx context.Context) error
	UpsertGoogleAccount(ctx context.Context, a db.GoogleAccount) (string, error)
	GetUser(ctx context.Context, id string) (*db.User, error)
}

// SignIn starts and completes the Google authorization-code flow.
type SignIn interface {
	AuthCodeURL(ctx context.Context, state, nonce string) (string, error)
	Exchange(ctx context.Context, code, nonce string) (db.GoogleAccount, error)
}

// pendingSignIn is what a state parameter maps to between start and callback.
type pendingSignIn struct {
	nonce    string
	returnTo string
	expiry   time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg      *config.Config
	store    AccountStore
	sessions *session.Manager
	google   SignIn

	stateStore map[string]pendingSignIn
	stateMu    sync.Mutex
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies. google may
// be nil when sign-in is not configured.
func NewHandlers(cfg *config.Config, store AccountStore, sessions *session.Manager, google SignIn) *Handlers {
	return &Handlers{
		cfg:        cfg,
		store:      store,
		sessions:   sessions,
		google:     google,
		stateStore: make(map[string]pendingSignIn),
		now:        time.Now,
	}
}

// cleanExpiredStates removes expired states. Called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := h.now()
	for state, p := range h.stateStore {
		if now.After(p.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records a pending sign-in. It refuses new states once the store is full
// so a flood of start requests cannot exhaust memory.
func (h *Handlers) addOAuthState(state string, p pendingSignIn) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		h.cleanExpiredStates()
		if len(h.stateStore) >= maxOAuthStates {
			return false
		}
	}
	h.stateStore[state] = p
	return true
}

// takeOAuthState consumes a state. Each state is valid for one callback.
func (h *Handlers) takeOAuthState(state string) (pendingSignIn, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	p, ok := h.stateStore[state]
	if !ok {
		return pendingSignIn{}, false
	}
	delete(h.stateStore, state)
	if h.now().After(p.expiry) {
		return pendingSignIn{}, false
	}
	return p, true
}
