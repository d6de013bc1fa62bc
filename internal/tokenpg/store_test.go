package tokenpg

import (
	"context"
	"os"
	"testing"

	"github.com/tyemirov/tokenrelay/internal/tokenkit/storetest"
)

func TestPostgresTokenStoreSemantics(t *testing.T) {
	databaseURL := os.Getenv("TOKENRELAY_TEST_POSTGRES_URL")
	if databaseURL == "" {
		t.Skip("TOKENRELAY_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := RunMigrations(ctx, pool); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := RunMigrations(ctx, pool); err != nil {
		t.Fatalf("migrations must be idempotent: %v", err)
	}
	storetest.Exercise(t, NewPostgresTokenStore(pool))
}

func TestBuildPoolRejectsMalformedURL(t *testing.T) {
	t.Parallel()
	if _, err := BuildPool(context.Background(), "postgres://%zz"); err == nil {
		t.Fatalf("expected an error for a malformed url")
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	t.Parallel()
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		t.Fatalf("failed to read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected embedded migrations")
	}
}
