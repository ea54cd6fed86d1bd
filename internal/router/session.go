package router

import (
	"context"
	"database/sql"
	"fmt"
)

// Session is a database handle whose unqualified table names resolve
// against one runtime environment's schema. It owns a dedicated
// connection for its lifetime; queries issued through it cannot
// observe any other environment's data.
type Session struct {
	conn   *sql.Conn
	schema string

	// Request context carried from the validated token.
	EnvironmentID string
	UserID        int
	RunID         string
}

func newSession(ctx context.Context, db *sql.DB, schema string) (*Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`SET search_path TO %q`, schema)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bind search_path to %s: %w", schema, err)
	}
	return &Session{conn: conn, schema: schema}, nil
}

// Schema returns the physical schema this session is bound to.
func (s *Session) Schema() string {
	return s.schema
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

func (s *Session) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return s.conn.BeginTx(ctx, opts)
}

// Close resets the search_path and releases the connection back to the
// pool. Safe to call once on every exit path.
func (s *Session) Close() error {
	// Reset before release so a pooled connection never leaks one
	// environment's binding into another request.
	_, resetErr := s.conn.ExecContext(context.Background(), `SET search_path TO DEFAULT`)
	closeErr := s.conn.Close()
	if resetErr != nil {
		// The connection is discarded on close error anyway; the reset
		// failure matters only if the close succeeded.
		if closeErr == nil {
			return fmt.Errorf("reset search_path: %w", resetErr)
		}
	}
	return closeErr
}
