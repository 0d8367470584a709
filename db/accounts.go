package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/outer/backend/crypto"
)

// ProviderGoogle is the provider_id of accounts linked through Google sign-in.
const ProviderGoogle = "google"

var (
	// ErrNoAccount means the user has no stored account row for the provider.
	ErrNoAccount = errors.New("db: no account for user")
	// ErrNoUser means no user row exists with the requested id.
	ErrNoUser = errors.New("db: user not found")
)

// Credential is the stored OAuth token pair for one user. Either half may be empty
// when the provider never issued it or it was revoked.
type Credential struct {
	// Subject is the Google account id the tokens belong to.
	Subject      string
	AccessToken  string
	RefreshToken string
}

// Complete reports whether both token halves are present.
func (c Credential) Complete() bool { return c.AccessToken != "" && c.RefreshToken != "" }

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// GoogleAccount is the result of a completed Google sign-in.
type GoogleAccount struct {
	Subject      string
	Email        string
	Name         string
	Picture      string
	AccessToken  string
	RefreshToken string
	IDToken      string
	Scope        string
	Expiry       time.Time
}

// Store reads and writes users and their linked accounts. Tokens are sealed with the
// keyring when one is configured (encryption_version=1) and stored as plaintext
// otherwise (encryption_version=0).
type Store struct {
	db      *sql.DB
	dialect Dialect
	keys    *crypto.Keyring
}

// NewStore wraps an open database. keys may be nil to disable encryption.
func NewStore(db *sql.DB, dialect Dialect, keys *crypto.Keyring) *Store {
	return &Store{db: db, dialect: dialect, keys: keys}
}

// DB exposes the underlying handle for health checks and tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) q(query string) string { return rebind(s.dialect, query) }

// LookupCredential returns the Google token pair for userID, or ErrNoAccount when the
// user never linked an account. A row with missing halves is returned as-is; callers
// use Credential.Complete to tell the two states apart.
func (s *Store) LookupCredential(ctx context.Context, userID string) (Credential, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT account_id, access_token, refresh_token, COALESCE(encryption_version, 0), encryption_key_id
		 FROM accounts WHERE user_id = $1 AND provider_id = $2
		 ORDER BY updated_at DESC LIMIT 1`), userID, ProviderGoogle)

	var subject string
	var access, refresh, keyID sql.NullString
	var version int
	if err := row.Scan(&subject, &access, &refresh, &version, &keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNoAccount
		}
		return Credential{}, fmt.Errorf("query account: %w", err)
	}

	at, err := s.open(access.String, version, keyID.String)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt access token: %w", err)
	}
	rt, err := s.open(refresh.String, version, keyID.String)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return Credential{Subject: subject, AccessToken: at, RefreshToken: rt}, nil
}

// UpsertGoogleAccount links a Google identity to a user, creating the user on first
// sign-in, and returns the user id. Google omits the refresh token on repeat consent;
// the stored one is kept in that case.
func (s *Store) UpsertGoogleAccount(ctx context.Context, a GoogleAccount) (string, error) {
	if a.Subject == "" {
		return "", fmt.Errorf("google account subject is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var userID string
	var storedRefresh, storedKeyID sql.NullString
	var storedVersion int
	err = tx.QueryRowContext(ctx, s.q(
		`SELECT user_id, refresh_token, COALESCE(encryption_version, 0), encryption_key_id
		 FROM accounts WHERE provider_id = $1 AND account_id = $2`), ProviderGoogle, a.Subject).
		Scan(&userID, &storedRefresh, &storedVersion, &storedKeyID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		userID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO users(id, email, name, image, created_at, updated_at)
			 VALUES($1, $2, $3, $4, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`),
			userID, a.Email, a.Name, a.Picture); err != nil {
			return "", fmt.Errorf("insert user: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("query account: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE users SET email = $2, name = $3, image = $4, updated_at = CURRENT_TIMESTAMP WHERE id = $1`),
			userID, a.Email, a.Name, a.Picture); err != nil {
			return "", fmt.Errorf("update user: %w", err)
		}
	}

	refresh := a.RefreshToken
	if refresh == "" && storedRefresh.String != "" {
		refresh, err = s.open(storedRefresh.String, storedVersion, storedKeyID.String)
		if err != nil {
			return "", fmt.Errorf("decrypt stored refresh token: %w", err)
		}
	}

	sealed, version, keyID, err := s.sealAll(a.AccessToken, refresh, a.IDToken)
	if err != nil {
		return "", err
	}
	var expiry sql.NullTime
	if !a.Expiry.IsZero() {
		expiry = sql.NullTime{Time: a.Expiry.UTC(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO accounts(id, user_id, provider_id, account_id, access_token, refresh_token, id_token,
		   access_token_expires_at, scope, encryption_version, encryption_key_id, created_at, updated_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(provider_id, account_id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   id_token = EXCLUDED.id_token,
		   access_token_expires_at = EXCLUDED.access_token_expires_at,
		   scope = EXCLUDED.scope,
		   encryption_version = EXCLUDED.encryption_version,
		   encryption_key_id = EXCLUDED.encryption_key_id,
		   updated_at = CURRENT_TIMESTAMP`),
		uuid.NewString(), userID, ProviderGoogle, a.Subject, sealed[0], sealed[1], sealed[2],
		expiry, a.Scope, version, keyID)
	if err != nil {
		return "", fmt.Errorf("upsert account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return userID, nil
}

// GetUser loads a user profile by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var email, name, image sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, email, name, image FROM users WHERE id = $1`), id).
		Scan(&u.ID, &email, &name, &image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoUser
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.Email, u.Name, u.Image = email.String, name.String, image.String
	return &u, nil
}

// sealAll encrypts each value under the primary key, reporting the encryption metadata
// to store alongside them.
func (s *Store) sealAll(values ...string) ([]string, int, string, error) {
	if s.keys == nil {
		return values, 0, "", nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		sealed, err := s.keys.Seal(v)
		if err != nil {
			return nil, 0, "", fmt.Errorf("encrypt token: %w", err)
		}
		out[i] = sealed
	}
	return out, 1, s.keys.PrimaryKeyID(), nil
}

func (s *Store) open(value string, version int, keyID string) (string, error) {
	if version == 0 || value == "" {
		return value, nil
	}
	if s.keys == nil {
		return "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
	}
	if keyID == "" {
		keyID = s.keys.PrimaryKeyID()
	}
	return s.keys.Open(value, keyID)
}
