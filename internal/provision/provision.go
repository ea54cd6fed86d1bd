// Package provision creates and tears down the physical schemas that
// back runtime environments, and bulk-copies template data into them.
package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConflict means the target schema already exists. Generated
	// names make this statistically negligible, not impossible.
	ErrConflict = errors.New("schema already exists")

	// ErrProvisioning wraps any DDL or row-copy failure. The caller
	// must tear the target schema down; partial clones are never left
	// in service.
	ErrProvisioning = errors.New("provisioning failed")
)

const pgDuplicateSchema = "42P06"

// Provisioner owns physical schemas and their contents. It never
// touches the registry rows describing them.
type Provisioner struct {
	db *sql.DB

	// Dependency graphs are computed once per template schema, not
	// re-reflected on every clone.
	mu     sync.Mutex
	graphs map[string]*TableGraph
}

func New(db *sql.DB) *Provisioner {
	return &Provisioner{db: db, graphs: make(map[string]*TableGraph)}
}

// CreateSchema creates an empty schema, failing with ErrConflict if it
// already exists.
func (p *Provisioner) CreateSchema(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, name))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateSchema {
			return fmt.Errorf("%w: %s", ErrConflict, name)
		}
		return fmt.Errorf("%w: create schema %s: %v", ErrProvisioning, name, err)
	}
	return nil
}

// ReplicateStructure creates every template table in the target schema
// with identical structure. CREATE TABLE LIKE carries columns, types,
// defaults, identity and indexes but not foreign keys, so those are
// replayed afterwards with the references rewritten into the target
// schema. DDL is not transactional on every path, so a failure here
// obliges the caller to Teardown the target.
func (p *Provisioner) ReplicateStructure(ctx context.Context, templateSchema, targetSchema string) error {
	tables, err := p.listTables(ctx, templateSchema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	for _, table := range tables {
		stmt := fmt.Sprintf(`CREATE TABLE %q.%q (LIKE %q.%q INCLUDING ALL)`,
			targetSchema, table, templateSchema, table)
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: create table %s.%s: %v", ErrProvisioning, targetSchema, table, err)
		}
	}

	fks, err := p.listForeignKeys(ctx, templateSchema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	for _, fk := range fks {
		// Intra-template references move with the clone; references to
		// tables outside the template (shared lookup schemas) keep
		// pointing at the original.
		refSchema := targetSchema
		if fk.ForeignSchema != templateSchema {
			refSchema = fk.ForeignSchema
		}
		stmt := fmt.Sprintf(`ALTER TABLE %q.%q ADD CONSTRAINT %q FOREIGN KEY (%s) REFERENCES %q.%q (%s) ON UPDATE %s ON DELETE %s`,
			targetSchema, fk.Table, fk.Name,
			quoteColumns(fk.Columns),
			refSchema, fk.ForeignTable, quoteColumns(fk.ForeignColumns),
			fk.UpdateRule, fk.DeleteRule)
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: add constraint %s on %s.%s: %v", ErrProvisioning, fk.Name, targetSchema, fk.Table, err)
		}
	}
	return nil
}

// CloneRows copies every row of every template table into the target
// and repairs identity counters, all inside one transaction. The copy
// order respects foreign keys; a caller-supplied order takes
// precedence verbatim, with remaining tables appended in dependency
// order.
func (p *Provisioner) CloneRows(ctx context.Context, templateSchema, targetSchema string, overrideOrder []string) error {
	graph, err := p.graphFor(ctx, templateSchema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	sorted, err := graph.Sorted()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	order := applyOverride(sorted, overrideOrder)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin clone tx: %v", ErrProvisioning, err)
	}
	defer tx.Rollback()

	for _, table := range order {
		stmt := fmt.Sprintf(`INSERT INTO %q.%q SELECT * FROM %q.%q`,
			targetSchema, table, templateSchema, table)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			// A failed copy may mean the template changed under the
			// cached graph; re-reflect on the next attempt.
			p.InvalidateTemplate(templateSchema)
			return fmt.Errorf("%w: copy rows into %s.%s: %v", ErrProvisioning, targetSchema, table, err)
		}
	}

	if err := ResetSequences(ctx, tx, targetSchema, order); err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit clone tx: %v", ErrProvisioning, err)
	}
	return nil
}

// Teardown drops the schema and everything in it. Dropping a schema
// that does not exist is a no-op, which makes cleanup after failed
// provisioning safe to repeat.
func (p *Provisioner) Teardown(ctx context.Context, name string) error {
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, name)); err != nil {
		return fmt.Errorf("drop schema %s: %w", name, err)
	}
	return nil
}

// InvalidateTemplate drops the cached dependency graph for a template
// schema so the next clone re-reads the catalog.
func (p *Provisioner) InvalidateTemplate(templateSchema string) {
	p.mu.Lock()
	delete(p.graphs, templateSchema)
	p.mu.Unlock()
}

// graphFor returns the cached dependency graph for a template schema,
// building it from catalog metadata on first use. Templates are
// treated as immutable once cloning starts; an altered template keeps
// serving the stale graph until a copy fails (CloneRows invalidates on
// failure) or InvalidateTemplate is called.
func (p *Provisioner) graphFor(ctx context.Context, templateSchema string) (*TableGraph, error) {
	p.mu.Lock()
	if g, ok := p.graphs[templateSchema]; ok {
		p.mu.Unlock()
		return g, nil
	}
	p.mu.Unlock()

	graph := NewTableGraph()
	tables, err := p.listTables(ctx, templateSchema)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		graph.AddTable(t)
	}
	fks, err := p.listForeignKeys(ctx, templateSchema)
	if err != nil {
		return nil, err
	}
	for _, fk := range fks {
		// External references are not cloned and impose no copy order.
		if fk.ForeignSchema != templateSchema {
			continue
		}
		graph.AddDependency(fk.Table, fk.ForeignTable)
	}

	p.mu.Lock()
	p.graphs[templateSchema] = graph
	p.mu.Unlock()
	return graph, nil
}

func (p *Provisioner) listTables(ctx context.Context, schema string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

type foreignKey struct {
	Name           string
	Table          string
	Columns        []string
	ForeignSchema  string
	ForeignTable   string
	ForeignColumns []string
	UpdateRule     string
	DeleteRule     string
}

// listForeignKeys reads FK constraints from pg_constraint, pairing
// local and referenced columns positionally through conkey/confkey.
// information_schema's column_usage views cannot express that pairing:
// joining them on constraint name alone cross-products the column
// lists of composite keys.
func (p *Provisioner) listForeignKeys(ctx context.Context, schema string) ([]foreignKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT con.conname, rel.relname, att.attname,
			fnsp.nspname, frel.relname, fatt.attname,
			con.confupdtype::text, con.confdeltype::text
		FROM pg_constraint con
		JOIN pg_class rel ON rel.oid = con.conrelid
		JOIN pg_namespace nsp ON nsp.oid = rel.relnamespace
		JOIN pg_class frel ON frel.oid = con.confrelid
		JOIN pg_namespace fnsp ON fnsp.oid = frel.relnamespace
		JOIN LATERAL unnest(con.conkey, con.confkey)
			WITH ORDINALITY AS pairs(attnum, fattnum, ord) ON TRUE
		JOIN pg_attribute att
			ON att.attrelid = con.conrelid AND att.attnum = pairs.attnum
		JOIN pg_attribute fatt
			ON fatt.attrelid = con.confrelid AND fatt.attnum = pairs.fattnum
		WHERE con.contype = 'f' AND nsp.nspname = $1
		ORDER BY con.conname, pairs.ord
	`, schema)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys in %s: %w", schema, err)
	}
	defer rows.Close()

	byName := make(map[string]*foreignKey)
	var order []string
	for rows.Next() {
		var name, table, column, fschema, ftable, fcolumn, updateAction, deleteAction string
		if err := rows.Scan(&name, &table, &column, &fschema, &ftable, &fcolumn, &updateAction, &deleteAction); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fk, ok := byName[name]
		if !ok {
			fk = &foreignKey{
				Name:          name,
				Table:         table,
				ForeignSchema: fschema,
				ForeignTable:  ftable,
				UpdateRule:    referentialAction(updateAction),
				DeleteRule:    referentialAction(deleteAction),
			}
			byName[name] = fk
			order = append(order, name)
		}
		fk.Columns = append(fk.Columns, column)
		fk.ForeignColumns = append(fk.ForeignColumns, fcolumn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]foreignKey, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

// referentialAction expands pg_constraint's single-letter action codes.
func referentialAction(code string) string {
	switch code {
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	case "r":
		return "RESTRICT"
	default:
		return "NO ACTION"
	}
}

// ResetSequences points every serial/identity counter past the copied
// ids so inserts never collide with copied rows. Empty tables keep
// their initial value. Also used after artifact restores.
func ResetSequences(ctx context.Context, tx *sql.Tx, schema string, tables []string) error {
	for _, table := range tables {
		// pg_get_serial_sequence errors out (and poisons the tx) when
		// the column is missing, so check for an id column first.
		var hasID bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM information_schema.columns
				WHERE table_schema = $1 AND table_name = $2 AND column_name = 'id'
			)
		`, schema, table).Scan(&hasID)
		if err != nil {
			return fmt.Errorf("inspect columns of %s.%s: %w", schema, table, err)
		}
		if !hasID {
			continue
		}

		var seqName sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT pg_get_serial_sequence($1, 'id')`,
			fmt.Sprintf("%q.%q", schema, table),
		).Scan(&seqName)
		if err != nil {
			return fmt.Errorf("find sequence for %s.%s: %w", schema, table, err)
		}
		if !seqName.Valid || seqName.String == "" {
			continue
		}
		stmt := fmt.Sprintf(
			`SELECT setval($1, COALESCE((SELECT MAX(id) FROM %q.%q), 0) + 1, false)`,
			schema, table)
		if _, err := tx.ExecContext(ctx, stmt, seqName.String); err != nil {
			return fmt.Errorf("reset sequence for %s.%s: %w", schema, table, err)
		}
	}
	return nil
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}
