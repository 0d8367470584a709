package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/onnwee/outer/backend/crypto"
	"github.com/onnwee/outer/backend/db"
)

// SetupTestDB opens a private in-memory sqlite database, migrates it and wraps it in an
// account store. keys may be nil for plaintext tokens.
func SetupTestDB(t *testing.T, keys *crypto.Keyring) *db.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, dialect, err := db.Connect(fmt.Sprintf("file:%s?mode=memory&cache=private", name))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database, dialect); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return db.NewStore(database, dialect, keys)
}

// SetupPostgres connects to TEST_PG_DSN and applies the versioned migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupPostgres(t *testing.T, keys *crypto.Keyring) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, dialect, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Prepare(context.Background(), database, dialect); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return db.NewStore(database, dialect, keys)
}
