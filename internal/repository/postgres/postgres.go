// Package postgres stores documents, signatures and the artifact catalog in
// PostgreSQL. The row lock is a SELECT ... FOR UPDATE inside a transaction.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/folio/pkg/folio"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const documentColumns = `id::text, doc_type, subject_id, org_id, state, round, rounds, fields, completed,
pending_category, version, created_by, created_at_ms, updated_by, updated_at_ms`

const artifactColumns = `id::text, document_id::text, description, metadata, path, generated_at_ms, generated_by`

// Store is a PostgreSQL document repository.
type Store struct{ DB *pgxpool.Pool }

// New wraps an existing pool.
func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Connect opens a pool for dsn.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(pool), nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return &folio.PersistenceError{Op: "migrate", Err: err}
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*folio.Document, error) {
	var d folio.Document
	var state string
	var fieldsJSON, completedJSON []byte
	err := row.Scan(&d.ID, &d.DocType, &d.SubjectID, &d.OrgID, &state, &d.Round, &d.Rounds,
		&fieldsJSON, &completedJSON, &d.PendingCategory, &d.Version,
		&d.CreatedBy, &d.CreatedAtMs, &d.UpdatedBy, &d.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	d.State = folio.State(state)
	d.Fields = folio.Record{}
	if err := json.Unmarshal(fieldsJSON, &d.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	d.Completed = map[string]int64{}
	if err := json.Unmarshal(completedJSON, &d.Completed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed: %w", err)
	}
	return &d, nil
}

func encodeDocument(d *folio.Document) ([]byte, []byte, error) {
	fields := d.Fields
	if fields == nil {
		fields = folio.Record{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	completed := d.Completed
	if completed == nil {
		completed = map[string]int64{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal completed: %w", err)
	}
	return fieldsJSON, completedJSON, nil
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, folio.ErrNotFound)
}

// CreateDocument inserts a new document row.
func (s *Store) CreateDocument(ctx context.Context, d *folio.Document) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	fieldsJSON, completedJSON, err := encodeDocument(d)
	if err != nil {
		return err
	}

	_, err = s.DB.Exec(ctx, `INSERT INTO documents(id,doc_type,subject_id,org_id,state,round,rounds,fields,completed,
pending_category,version,created_by,created_at_ms,updated_by,updated_at_ms)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		d.ID, d.DocType, d.SubjectID, d.OrgID, string(d.State), d.Round, d.Rounds, fieldsJSON, completedJSON,
		d.PendingCategory, d.Version, d.CreatedBy, d.CreatedAtMs, d.UpdatedBy, d.UpdatedAtMs)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("document %s already exists", d.ID)
		}
		return &folio.PersistenceError{Op: "create document", Err: err}
	}
	return nil
}

// GetDocument reads a document row.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*folio.Document, error) {
	if _, err := uuid.Parse(documentID); err != nil {
		return nil, notFound("document", documentID)
	}
	doc, err := scanDocument(s.DB.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("document", documentID)
	}
	if err != nil {
		return nil, &folio.PersistenceError{Op: "read document", Err: err}
	}
	return doc, nil
}

// ListDocuments returns matching documents, oldest first.
func (s *Store) ListDocuments(ctx context.Context, filter folio.ListFilter) ([]*folio.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE true`
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		q += fmt.Sprintf(` AND %s=$%d`, column, len(args))
	}
	add("doc_type", filter.DocType)
	add("state", string(filter.State))
	add("org_id", filter.OrgID)
	add("subject_id", filter.SubjectID)
	q += ` ORDER BY created_at_ms ASC, id ASC`

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, &folio.PersistenceError{Op: "list documents", Err: err}
	}
	defer rows.Close()

	var out []*folio.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// ResolveDocumentID returns every document ID starting with prefix.
func (s *Store) ResolveDocumentID(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT id::text FROM documents WHERE id::text LIKE $1::text || '%' ORDER BY 1`, strings.ToLower(prefix))
	if err != nil {
		return nil, &folio.PersistenceError{Op: "resolve document", Err: err}
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Lock holds the document row FOR UPDATE while fn runs, then writes the
// mutation and commits. Concurrent writers queue on the row, so fn always
// sees the latest committed state.
func (s *Store) Lock(ctx context.Context, documentID string, fn folio.LockFunc) (*folio.Document, error) {
	if _, err := uuid.Parse(documentID); err != nil {
		return nil, notFound("document", documentID)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, &folio.PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	doc, err := scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 FOR UPDATE`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("document", documentID)
	}
	if err != nil {
		return nil, &folio.PersistenceError{Op: "lock document", Err: err}
	}

	sigs, err := querySignatures(ctx, tx, documentID)
	if err != nil {
		return nil, err
	}

	mut, err := fn(doc, sigs)
	if err != nil {
		return nil, err
	}
	if mut == nil || mut.Document == nil {
		return nil, fmt.Errorf("lock function returned no document")
	}
	next := mut.Document
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	fieldsJSON, completedJSON, err := encodeDocument(next)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `UPDATE documents SET state=$2, round=$3, rounds=$4, fields=$5, completed=$6,
pending_category=$7, version=$8, updated_by=$9, updated_at_ms=$10 WHERE id=$1`,
		documentID, string(next.State), next.Round, next.Rounds, fieldsJSON, completedJSON,
		next.PendingCategory, next.Version, next.UpdatedBy, next.UpdatedAtMs)
	if err != nil {
		return nil, &folio.PersistenceError{Op: "update document", Err: err}
	}

	for _, sig := range mut.Signatures {
		if err := sig.Validate(); err != nil {
			return nil, fmt.Errorf("invalid signature: %w", err)
		}
		_, err := tx.Exec(ctx, `INSERT INTO signatures(document_id,section_key,id,role,path,captured_at_ms,captured_by)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (document_id, section_key) DO UPDATE
SET id=EXCLUDED.id, role=EXCLUDED.role, path=EXCLUDED.path,
    captured_at_ms=EXCLUDED.captured_at_ms, captured_by=EXCLUDED.captured_by`,
			documentID, sig.SectionKey, sig.ID, string(sig.Role), sig.Path, sig.CapturedAtMs, sig.CapturedBy)
		if err != nil {
			return nil, &folio.PersistenceError{Op: "write signature", Err: err}
		}
	}
	if len(mut.Removed) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM signatures WHERE document_id=$1 AND section_key = ANY($2)`, documentID, mut.Removed); err != nil {
			return nil, &folio.PersistenceError{Op: "remove signatures", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &folio.PersistenceError{Op: "commit document", Err: err}
	}
	return next, nil
}

// Signatures returns the current signature rows keyed by section.
func (s *Store) Signatures(ctx context.Context, documentID string) (map[string]folio.Signature, error) {
	if _, err := uuid.Parse(documentID); err != nil {
		return map[string]folio.Signature{}, nil
	}
	return querySignatures(ctx, s.DB, documentID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func querySignatures(ctx context.Context, q querier, documentID string) (map[string]folio.Signature, error) {
	rows, err := q.Query(ctx, `SELECT id::text, document_id::text, section_key, role, path, captured_at_ms, captured_by
FROM signatures WHERE document_id=$1`, documentID)
	if err != nil {
		return nil, &folio.PersistenceError{Op: "read signatures", Err: err}
	}
	defer rows.Close()

	sigs := map[string]folio.Signature{}
	for rows.Next() {
		var sig folio.Signature
		var role string
		if err := rows.Scan(&sig.ID, &sig.DocumentID, &sig.SectionKey, &role, &sig.Path, &sig.CapturedAtMs, &sig.CapturedBy); err != nil {
			return nil, &folio.PersistenceError{Op: "read signatures", Err: err}
		}
		sig.Role = folio.Role(role)
		sigs[sig.SectionKey] = sig
	}
	if err := rows.Err(); err != nil {
		return nil, &folio.PersistenceError{Op: "read signatures", Err: err}
	}
	return sigs, nil
}

func scanArtifact(row rowScanner) (*folio.Artifact, error) {
	var a folio.Artifact
	var metadata []byte
	if err := row.Scan(&a.ID, &a.DocumentID, &a.Description, &metadata, &a.Path, &a.GeneratedAtMs, &a.GeneratedBy); err != nil {
		return nil, err
	}
	a.Metadata = map[string]string{}
	if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact metadata: %w", err)
	}
	return &a, nil
}

// FindArtifact returns the newest catalog row whose metadata category tag
// equals category.
func (s *Store) FindArtifact(ctx context.Context, documentID, category string) (*folio.Artifact, error) {
	if _, err := uuid.Parse(documentID); err != nil {
		return nil, notFound("artifact", documentID+"/"+category)
	}
	a, err := scanArtifact(s.DB.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts
WHERE document_id=$1 AND metadata->>'category'=$2
ORDER BY generated_at_ms DESC, id ASC LIMIT 1`, documentID, category))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("artifact", documentID+"/"+category)
	}
	if err != nil {
		return nil, &folio.PersistenceError{Op: "find artifact", Err: err}
	}
	return a, nil
}

// InsertArtifact adds a catalog row.
func (s *Store) InsertArtifact(ctx context.Context, a *folio.Artifact) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO artifacts(id,document_id,description,metadata,path,generated_at_ms,generated_by)
VALUES($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.DocumentID, a.Description, metadata, a.Path, a.GeneratedAtMs, a.GeneratedBy)
	if err != nil {
		return &folio.PersistenceError{Op: "insert artifact", Err: err}
	}
	return nil
}

// UpdateArtifact overwrites an existing catalog row in place.
func (s *Store) UpdateArtifact(ctx context.Context, a *folio.Artifact) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}
	tag, err := s.DB.Exec(ctx, `UPDATE artifacts SET description=$2, metadata=$3, path=$4, generated_at_ms=$5, generated_by=$6
WHERE id=$1`, a.ID, a.Description, metadata, a.Path, a.GeneratedAtMs, a.GeneratedBy)
	if err != nil {
		return &folio.PersistenceError{Op: "update artifact", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return notFound("artifact", a.ID)
	}
	return nil
}

// Artifacts returns every catalog row of a document, newest first.
func (s *Store) Artifacts(ctx context.Context, documentID string) ([]*folio.Artifact, error) {
	if _, err := uuid.Parse(documentID); err != nil {
		return nil, nil
	}
	rows, err := s.DB.Query(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE document_id=$1
ORDER BY generated_at_ms DESC, id ASC`, documentID)
	if err != nil {
		return nil, &folio.PersistenceError{Op: "read artifacts", Err: err}
	}
	defer rows.Close()

	var out []*folio.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, &folio.PersistenceError{Op: "read artifacts", Err: err}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
