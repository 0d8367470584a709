package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onnwee/outer/backend/db"
	"github.com/onnwee/outer/backend/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func randomKey(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

// run executes outerctl against dsn and returns stdout.
func run(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--dsn", dsn}, args...))
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

// seed migrates a fresh sqlite file and stores one plaintext account.
func seed(t *testing.T) (dsn, userID string) {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("ENCRYPTION_PREVIOUS_KEYS", "")
	dsn = filepath.Join(t.TempDir(), "outer.db")

	out, err := run(t, dsn, "migrate", "up")
	require.NoError(t, err)
	require.Contains(t, out, "schema up to date")

	database, dialect, err := db.Connect(dsn)
	require.NoError(t, err)
	defer func() { _ = database.Close() }()
	userID, err = db.NewStore(database, dialect, nil).UpsertGoogleAccount(context.Background(), db.GoogleAccount{
		Subject:      "sub-1",
		Email:        "ada@example.com",
		Name:         "Ada",
		AccessToken:  "at",
		RefreshToken: "rt",
	})
	require.NoError(t, err)
	return dsn, userID
}

func TestTokensEncryptAndRotate(t *testing.T) {
	dsn, _ := seed(t)

	out, err := run(t, dsn, "tokens", "status")
	require.NoError(t, err)
	require.Equal(t, "version=0 key=- accounts=1\n", out)

	_, err = run(t, dsn, "tokens", "encrypt")
	require.ErrorContains(t, err, "ENCRYPTION_KEY is required")

	k1 := randomKey(t)
	t.Setenv("ENCRYPTION_KEY", k1)
	t.Setenv("ENCRYPTION_KEY_ID", "k1")

	out, err = run(t, dsn, "tokens", "encrypt", "--dry-run")
	require.NoError(t, err)
	require.Contains(t, out, "candidates=1 resealed=0")

	out, err = run(t, dsn, "tokens", "encrypt")
	require.NoError(t, err)
	require.Contains(t, out, "candidates=1 resealed=1 errors=0")

	out, err = run(t, dsn, "tokens", "status")
	require.NoError(t, err)
	require.Equal(t, "version=1 key=k1 accounts=1\n", out)

	t.Setenv("ENCRYPTION_KEY", randomKey(t))
	t.Setenv("ENCRYPTION_KEY_ID", "k2")
	t.Setenv("ENCRYPTION_PREVIOUS_KEYS", "k1:"+k1)

	out, err = run(t, dsn, "tokens", "rotate")
	require.NoError(t, err)
	require.Contains(t, out, "resealed=1")

	out, err = run(t, dsn, "tokens", "status")
	require.NoError(t, err)
	require.Equal(t, "version=1 key=k2 accounts=1\n", out)
}

func TestSessionMint(t *testing.T) {
	dsn, userID := seed(t)
	t.Setenv("SESSION_SECRET", testSecret)

	out, err := run(t, dsn, "session", "mint", "--user", userID)
	require.NoError(t, err)

	m, err := session.NewManager(session.Options{Secret: testSecret})
	require.NoError(t, err)
	id, err := m.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, userID, id.UserID)
	require.Equal(t, "ada@example.com", id.Email)

	_, err = run(t, dsn, "session", "mint", "--user", "missing")
	require.ErrorIs(t, err, db.ErrNoUser)

	_, err = run(t, dsn, "session", "mint")
	require.ErrorContains(t, err, "required flag")
}

func TestSessionMintRequiresSecret(t *testing.T) {
	dsn, userID := seed(t)
	t.Setenv("SESSION_SECRET", "short")
	_, err := run(t, dsn, "session", "mint", "--user", userID)
	require.ErrorContains(t, err, "SESSION_SECRET")
}

func TestMigrateVersionRequiresPostgres(t *testing.T) {
	dsn, _ := seed(t)
	_, err := run(t, dsn, "migrate", "version")
	require.ErrorContains(t, err, "postgres only")
	_, err = run(t, dsn, "migrate", "down")
	require.ErrorContains(t, err, "requires postgres")
}
