package router

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"statehouse/api/internal/auth"
	"statehouse/api/internal/store"
)

// realSchemaStore serves registry lookups for schemas created directly
// by the test, without a meta schema.
type realSchemaStore struct {
	schemas map[string]string
}

func (s *realSchemaStore) GetRuntime(_ context.Context, id string) (store.RuntimeEnvironment, error) {
	schema, ok := s.schemas[id]
	if !ok {
		return store.RuntimeEnvironment{}, store.ErrNotFound
	}
	return store.RuntimeEnvironment{
		ID:         id,
		Schema:     schema,
		Status:     store.StatusReady,
		LastUsedAt: time.Now(),
	}, nil
}

func (s *realSchemaStore) Touch(context.Context, string) error { return nil }

func seedEnvSchema(t *testing.T, db *sql.DB, value string) string {
	t.Helper()
	ctx := context.Background()
	schema := "state_test_" + uuid.NewString()[:8]
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA %q`, schema),
		fmt.Sprintf(`CREATE TABLE %q.notes (id SERIAL PRIMARY KEY, body TEXT NOT NULL)`, schema),
		fmt.Sprintf(`INSERT INTO %q.notes (body) VALUES ('%s')`, schema, value),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed schema: %v", err)
		}
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schema))
	})
	return schema
}

// TestSessionsAreIsolatedAcrossEnvironments proves the core guarantee:
// a session bound to one environment only ever observes that
// environment's data, with no schema qualification in its queries.
func TestSessionsAreIsolatedAcrossEnvironments(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db, err := store.Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Skipf("database not reachable: %v", err)
	}
	defer db.Close()

	schemaA := seedEnvSchema(t, db, "belongs-to-a")
	schemaB := seedEnvSchema(t, db, "belongs-to-b")

	envs := &realSchemaStore{schemas: map[string]string{"env-a": schemaA, "env-b": schemaB}}
	tokens := auth.NewTokenHandler("secret", "statehouse")
	r := New(db, envs, tokens)

	tokenA, err := tokens.Issue(auth.IssueRequest{UserID: 1, EnvironmentID: "env-a", TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	tokenB, err := tokens.Issue(auth.IssueRequest{UserID: 2, EnvironmentID: "env-b", TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	sessionA, err := r.SessionForToken(ctx, tokenA)
	if err != nil {
		t.Fatalf("SessionForToken(A) error = %v", err)
	}
	defer sessionA.Close()
	sessionB, err := r.SessionForToken(ctx, tokenB)
	if err != nil {
		t.Fatalf("SessionForToken(B) error = %v", err)
	}
	defer sessionB.Close()

	// Unqualified queries resolve inside each session's own schema.
	var body string
	if err := sessionA.QueryRowContext(ctx, `SELECT body FROM notes`).Scan(&body); err != nil {
		t.Fatalf("query in session A: %v", err)
	}
	if body != "belongs-to-a" {
		t.Fatalf("session A sees %q", body)
	}
	if err := sessionB.QueryRowContext(ctx, `SELECT body FROM notes`).Scan(&body); err != nil {
		t.Fatalf("query in session B: %v", err)
	}
	if body != "belongs-to-b" {
		t.Fatalf("session B sees %q", body)
	}

	// A write through A stays invisible to B.
	if _, err := sessionA.ExecContext(ctx, `INSERT INTO notes (body) VALUES ('a-only')`); err != nil {
		t.Fatalf("insert in session A: %v", err)
	}
	var n int
	if err := sessionB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		t.Fatalf("count in session B: %v", err)
	}
	if n != 1 {
		t.Fatalf("session B sees %d rows, want 1", n)
	}
}

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "statehouse")
	pass := envOr("POSTGRES_PASSWORD", "statehouse")
	dbname := envOr("POSTGRES_DB", "statehouse_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
