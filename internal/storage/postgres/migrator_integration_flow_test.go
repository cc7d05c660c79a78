package postgres

import (
	"context"
	"testing"
	"time"
)

func tableExists(ctx context.Context, t *testing.T, store *Store, table string) bool {
	t.Helper()

	var name *string
	if err := store.DB().QueryRowContext(ctx, `SELECT to_regclass($1)::text`, table).Scan(&name); err != nil {
		t.Fatalf("lookup table %s: %v", table, err)
	}
	return name != nil
}

func TestMigrator_StorefrontSchemaSteps(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	t.Cleanup(func() {
		_ = store.MigrateUp(context.Background(), 0)
	})

	steps := []struct {
		name     string
		apply    func() error
		version  int64
		applied  int
		sessions bool
		keys     bool
	}{
		{
			name:    "cart sessions and outbox only",
			apply:   func() error { return store.MigrateUp(ctx, 1) },
			version: 1, applied: 1, sessions: true,
		},
		{
			name:    "checkout idempotency keys",
			apply:   func() error { return store.MigrateUp(ctx, 0) },
			version: 2, applied: 2, sessions: true, keys: true,
		},
		{
			name:    "repeated up changes nothing",
			apply:   func() error { return store.MigrateUp(ctx, 0) },
			version: 2, applied: 2, sessions: true, keys: true,
		},
		{
			name:    "default down step drops idempotency keys",
			apply:   func() error { return store.MigrateDown(ctx, 0) },
			version: 1, applied: 1, sessions: true,
		},
		{
			name:  "down to empty schema",
			apply: func() error { return store.MigrateDown(ctx, 5) },
		},
		{
			name:  "down on empty schema",
			apply: func() error { return store.MigrateDown(ctx, 1) },
		},
	}

	for _, step := range steps {
		if err := step.apply(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		version, applied, err := store.MigrationStatus(ctx)
		if err != nil {
			t.Fatalf("%s: status: %v", step.name, err)
		}
		if version != step.version || applied != step.applied {
			t.Fatalf("%s: version=%d applied=%d, want %d/%d", step.name, version, applied, step.version, step.applied)
		}
		if got := tableExists(ctx, t, store, "cart_sessions"); got != step.sessions {
			t.Fatalf("%s: cart_sessions exists=%v", step.name, got)
		}
		if got := tableExists(ctx, t, store, "outbox_messages"); got != step.sessions {
			t.Fatalf("%s: outbox_messages exists=%v", step.name, got)
		}
		if got := tableExists(ctx, t, store, "idempotency_keys"); got != step.keys {
			t.Fatalf("%s: idempotency_keys exists=%v", step.name, got)
		}
	}
}

func TestMigrator_SavedCartSurvivesIdempotencyRollback(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.Cleanup(func() {
		_ = store.MigrateUp(context.Background(), 0)
	})

	if _, err := store.DB().ExecContext(ctx,
		`INSERT INTO cart_sessions (session_id, cart_id, lines) VALUES ('s1', 'abc', '[{"product_id":"p1","quantity":2}]')`,
	); err != nil {
		t.Fatalf("insert cart session: %v", err)
	}

	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("rollback idempotency migration: %v", err)
	}

	var cartID string
	if err := store.DB().QueryRowContext(ctx, `SELECT cart_id FROM cart_sessions WHERE session_id = 's1'`).Scan(&cartID); err != nil {
		t.Fatalf("saved cart lost after rollback: %v", err)
	}
	if cartID != "abc" {
		t.Fatalf("unexpected cart id %q", cartID)
	}
}

func TestMigrator_NilStoreAndUnknownDirection(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	calls := map[string]func() error{
		"up":   func() error { return nilStore.MigrateUp(ctx, 0) },
		"down": func() error { return nilStore.MigrateDown(ctx, 1) },
		"status": func() error {
			_, _, err := nilStore.MigrationStatus(ctx)
			return err
		},
	}
	for name, call := range calls {
		if err := call(); err == nil {
			t.Fatalf("%s on nil store must fail", name)
		}
	}

	store := openRawPostgresStoreForIntegrationTest(t)
	if err := store.migrate(ctx, migrationDirection("sideways"), 0); err == nil {
		t.Fatal("expected unsupported direction error")
	}
}
