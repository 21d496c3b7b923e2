package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/internal/storage/storagetest"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects to the test database and empties both tables.
func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()

	s, err := NewStore(ctx, postgresTestDSN(t), storagetest.Dimension)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, "TRUNCATE TABLE memory_entries, sessions")
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSuite(t *testing.T) {
	storagetest.Run(t, newTestStore)
}
