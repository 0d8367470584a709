package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onnwee/outer/backend/crypto"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=private", t.Name())
	database, dialect, err := Connect(dsn)
	require.NoError(t, err)
	require.Equal(t, SQLite, dialect)
	require.NoError(t, Migrate(context.Background(), database, dialect))
	t.Cleanup(func() { _ = database.Close() })
	return NewStore(database, dialect, nil)
}

func testKeyring(t *testing.T, primary string, extra map[string]string) *crypto.Keyring {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	keys := map[string]string{primary: base64.StdEncoding.EncodeToString(key)}
	for k, v := range extra {
		keys[k] = v
	}
	kr, err := crypto.NewKeyring(primary, keys)
	require.NoError(t, err)
	return kr
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn     string
		driver  string
		source  string
		dialect Dialect
	}{
		{"postgres://u:p@h:5432/d", "pgx", "postgres://u:p@h:5432/d", Postgres},
		{"postgresql://h/d", "pgx", "postgresql://h/d", Postgres},
		{"host=localhost dbname=outer", "pgx", "host=localhost dbname=outer", Postgres},
		{"sqlite://data/outer.db", "sqlite", "data/outer.db", SQLite},
		{"file:local.db", "sqlite", "file:local.db", SQLite},
		{"outer.db", "sqlite", "outer.db", SQLite},
		{":memory:", "sqlite", ":memory:", SQLite},
	}
	for _, tt := range tests {
		driver, source, dialect := ParseDSN(tt.dsn)
		if driver != tt.driver || source != tt.source || dialect != tt.dialect {
			t.Errorf("ParseDSN(%q) = (%q, %q, %q), want (%q, %q, %q)", tt.dsn, driver, source, dialect, tt.driver, tt.source, tt.dialect)
		}
	}
}

func TestRebind(t *testing.T) {
	require.Equal(t, "a = ?1 AND b = ?2", rebind(SQLite, "a = $1 AND b = $2"))
	require.Equal(t, "a = $1", rebind(Postgres, "a = $1"))
}

func TestMigrateIdempotent(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, Migrate(context.Background(), s.DB(), SQLite))
	require.NoError(t, Migrate(context.Background(), s.DB(), SQLite))
}

func TestLookupCredentialNoAccount(t *testing.T) {
	s := openSQLite(t)
	_, err := s.LookupCredential(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNoAccount)
}

func TestUpsertAndLookupPlaintext(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	userID, err := s.UpsertGoogleAccount(ctx, GoogleAccount{
		Subject: "1234", Email: "ada@example.com", Name: "Ada",
		AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	cred, err := s.LookupCredential(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, Credential{Subject: "1234", AccessToken: "at-1", RefreshToken: "rt-1"}, cred)
	require.True(t, cred.Complete())

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", u.Email)
	require.Equal(t, "Ada", u.Name)
}

func TestUpsertKeepsUserAndRefreshToken(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	first, err := s.UpsertGoogleAccount(ctx, GoogleAccount{Subject: "sub", Name: "Old", AccessToken: "at-1", RefreshToken: "rt-1"})
	require.NoError(t, err)
	second, err := s.UpsertGoogleAccount(ctx, GoogleAccount{Subject: "sub", Name: "New", AccessToken: "at-2"})
	require.NoError(t, err)
	require.Equal(t, first, second)

	cred, err := s.LookupCredential(ctx, first)
	require.NoError(t, err)
	require.Equal(t, "at-2", cred.AccessToken)
	require.Equal(t, "rt-1", cred.RefreshToken)

	u, err := s.GetUser(ctx, first)
	require.NoError(t, err)
	require.Equal(t, "New", u.Name)
}

func TestLookupIncompleteCredential(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	userID, err := s.UpsertGoogleAccount(ctx, GoogleAccount{Subject: "sub", AccessToken: "at-only"})
	require.NoError(t, err)

	cred, err := s.LookupCredential(ctx, userID)
	require.NoError(t, err)
	require.False(t, cred.Complete())
	require.Equal(t, "at-only", cred.AccessToken)
}

func TestEncryptedTokens(t *testing.T) {
	s := openSQLite(t)
	s.keys = testKeyring(t, "k1", nil)
	ctx := context.Background()

	userID, err := s.UpsertGoogleAccount(ctx, GoogleAccount{Subject: "enc", AccessToken: "secret-at", RefreshToken: "secret-rt"})
	require.NoError(t, err)

	var rawAccess string
	var version int
	var keyID string
	require.NoError(t, s.DB().QueryRow(`SELECT access_token, encryption_version, encryption_key_id FROM accounts WHERE user_id = ?1`, userID).
		Scan(&rawAccess, &version, &keyID))
	require.NotEqual(t, "secret-at", rawAccess)
	require.Equal(t, 1, version)
	require.Equal(t, "k1", keyID)

	cred, err := s.LookupCredential(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, Credential{Subject: "enc", AccessToken: "secret-at", RefreshToken: "secret-rt"}, cred)

	s.keys = nil
	_, err = s.LookupCredential(ctx, userID)
	require.ErrorContains(t, err, "ENCRYPTION_KEY not configured")
}

func TestResealPlaintext(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	userID, err := s.UpsertGoogleAccount(ctx, GoogleAccount{Subject: "p", AccessToken: "at", RefreshToken: "rt"})
	require.NoError(t, err)

	s.keys = testKeyring(t, "k1", nil)
	report, err := s.Reseal(ctx, true, true)
	require.NoError(t, err)
	require.Equal(t, ResealReport{Candidates: 1}, report)

	status, err := s.TokenStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, []EncryptionStatus{{Version: 0, KeyID: "", Count: 1}}, status)

	report, err = s.Reseal(ctx, true, false)
	require.NoError(t, err)
	require.Equal(t, ResealReport{Candidates: 1, Resealed: 1}, report)

	status, err = s.TokenStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, []EncryptionStatus{{Version: 1, KeyID: "k1", Count: 1}}, status)

	cred, err := s.LookupCredential(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, Credential{Subject: "p", AccessToken: "at", RefreshToken: "rt"}, cred)
}

func TestResealRequiresKeys(t *testing.T) {
	s := openSQLite(t)
	_, err := s.Reseal(context.Background(), true, false)
	require.Error(t, err)
}

func TestResealRotateWithKnownKey(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	raw := make([]byte, crypto.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	k1 := base64.StdEncoding.EncodeToString(raw)

	kr1, err := crypto.NewKeyring("k1", map[string]string{"k1": k1})
	require.NoError(t, err)
	s.keys = kr1
	userID, err := s.UpsertGoogleAccount(ctx, GoogleAccount{Subject: "r", AccessToken: "at", RefreshToken: "rt"})
	require.NoError(t, err)

	s.keys = testKeyring(t, "k2", map[string]string{"k1": k1})
	report, err := s.Reseal(ctx, true, false)
	require.NoError(t, err)
	require.Zero(t, report.Candidates)

	report, err = s.Reseal(ctx, false, false)
	require.NoError(t, err)
	require.Equal(t, ResealReport{Candidates: 1, Resealed: 1}, report)

	status, err := s.TokenStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, []EncryptionStatus{{Version: 1, KeyID: "k2", Count: 1}}, status)

	cred, err := s.LookupCredential(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, Credential{Subject: "r", AccessToken: "at", RefreshToken: "rt"}, cred)
}

func TestRunMigrationsPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	database, dialect, err := Connect(dsn)
	require.NoError(t, err)
	defer database.Close()
	require.Equal(t, Postgres, dialect)

	require.NoError(t, RunMigrations(database))
	require.NoError(t, RunMigrations(database))

	version, dirty, err := GetMigrationVersion(database)
	require.NoError(t, err)
	require.False(t, dirty)
	require.GreaterOrEqual(t, version, uint(1))
}
