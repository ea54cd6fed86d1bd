// Package snapshot archives template schemas as JSON artifacts in
// object storage, so a template can be versioned, shipped between
// databases, or restored after a reseed.
package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"statehouse/api/internal/provision"
)

// Artifact is the serialized form of one template schema. Tables are
// stored in copy order so a restore can insert them front to back.
type Artifact struct {
	Schema    string    `json:"schema"`
	CreatedAt time.Time `json:"created_at"`
	Tables    []Table   `json:"tables"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Service reads and writes template artifacts in a MinIO bucket.
type Service struct {
	client *minio.Client
	bucket string
	db     *sql.DB
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewService(db *sql.DB, opts Options) (*Service, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Service{client: client, bucket: opts.Bucket, db: db}, nil
}

// EnsureBucket creates the artifact bucket if it does not exist.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Export dumps every listed table of the schema, in the given order,
// and uploads the artifact under the given object name. Returns the
// artifact's storage location.
func (s *Service) Export(ctx context.Context, schema string, tables []string, object string) (string, error) {
	artifact := Artifact{Schema: schema, CreatedAt: time.Now()}

	for _, table := range tables {
		dumped, err := s.dumpTable(ctx, schema, table)
		if err != nil {
			return "", err
		}
		artifact.Tables = append(artifact.Tables, dumped)
	}

	payload, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, object,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", object, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, object), nil
}

// Restore loads an artifact and inserts its rows into the target
// schema, which must already have the matching structure. All inserts
// run in one transaction.
func (s *Service) Restore(ctx context.Context, object, targetSchema string) error {
	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("fetch artifact %s: %w", object, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", object, err)
	}
	var artifact Artifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return fmt.Errorf("decode artifact %s: %w", object, err)
	}

	return restoreArtifact(ctx, s.db, artifact, targetSchema)
}

// restoreArtifact inserts the artifact's rows into the target schema
// and repairs identity counters, all in one transaction. Rows carry
// explicit ids, so without the counter repair the next direct insert
// would collide.
func restoreArtifact(ctx context.Context, db *sql.DB, artifact Artifact, targetSchema string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore tx: %w", err)
	}
	defer tx.Rollback()

	tables := make([]string, 0, len(artifact.Tables))
	for _, table := range artifact.Tables {
		if err := restoreTable(ctx, tx, targetSchema, table); err != nil {
			return err
		}
		tables = append(tables, table.Name)
	}

	if err := provision.ResetSequences(ctx, tx, targetSchema, tables); err != nil {
		return fmt.Errorf("restore into %s: %w", targetSchema, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore tx: %w", err)
	}
	return nil
}

func (s *Service) dumpTable(ctx context.Context, schema, table string) (Table, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %q.%q`, schema, table))
	if err != nil {
		return Table{}, fmt.Errorf("dump %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Table{}, fmt.Errorf("columns of %s.%s: %w", schema, table, err)
	}

	out := Table{Name: table, Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return Table{}, fmt.Errorf("scan %s.%s: %w", schema, table, err)
		}
		// Byte slices marshal as base64; store them as text so the
		// artifact stays readable and restores cleanly.
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	return out, rows.Err()
}

func restoreTable(ctx context.Context, tx *sql.Tx, schema string, table Table) error {
	if len(table.Rows) == 0 {
		return nil
	}
	placeholders := make([]string, len(table.Columns))
	quoted := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		quoted[i] = fmt.Sprintf("%q", c)
	}
	stmt := fmt.Sprintf(`INSERT INTO %q.%q (%s) VALUES (%s)`,
		schema, table.Name,
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "))

	for _, row := range table.Rows {
		if len(row) != len(table.Columns) {
			return fmt.Errorf("restore %s: row width %d does not match %d columns", table.Name, len(row), len(table.Columns))
		}
		if _, err := tx.ExecContext(ctx, stmt, row...); err != nil {
			return fmt.Errorf("restore row into %s.%s: %w", schema, table.Name, err)
		}
	}
	return nil
}
