package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/docvault/internal/config"
	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		// Append SSL params to the provided DATABASE_URL safely.
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Chunk writes of one upload run in parallel, so the pool must be at
	// least as large as WRITE_PARALLELISM.
	maxOpen := 20
	if cfg.WriteParallelism*2 > maxOpen {
		maxOpen = cfg.WriteParallelism * 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// Ensure bootstrap once
	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Chunk index

func (c *DatabaseClient) InsertChunk(ctx context.Context, chunk *models.Chunk) (bool, error) {
	if chunk == nil {
		return false, errors.New("nil chunk")
	}
	inline, blobPath, err := chunkLocationArgs(chunk.Location)
	if err != nil {
		return false, err
	}
	const q = `
		INSERT INTO chunks (` + chunkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		ON CONFLICT (hash) DO NOTHING
	`
	res, err := c.db.ExecContext(ctx, q,
		chunk.Hash, chunk.Length, chunk.StoredLength, chunk.Compression, inline, blobPath, nullTime(chunk.CreatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (c *DatabaseClient) GetChunk(ctx context.Context, hash string) (*models.Chunk, error) {
	const q = `SELECT ` + chunkColumns + ` FROM chunks WHERE hash = $1`
	ch, err := scanChunk(c.db.QueryRowContext(ctx, q, hash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *DatabaseClient) ChunkExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM chunks WHERE hash = $1)`, hash).Scan(&exists)
	return exists, err
}

func (c *DatabaseClient) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks`).Scan(&n)
	return n, err
}

// DeleteUnreferencedChunks removes one batch of garbage. Rows locked by an
// in-flight manifest commit are skipped and picked up by a later pass. The
// deleted rows stay locked until commit, so release runs while concurrent
// commits referencing them still wait and concurrent writers still see them.
func (c *DatabaseClient) DeleteUnreferencedChunks(ctx context.Context, olderThan time.Time, limit int, release core.ChunkRelease) ([]models.Chunk, error) {
	const q = `
		DELETE FROM chunks
		WHERE hash IN (
			SELECT ch.hash FROM chunks ch
			WHERE ch.created_at < $1
			  AND NOT EXISTS (SELECT 1 FROM version_chunks vc WHERE vc.chunk_hash = ch.hash)
			ORDER BY ch.created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + chunkColumns

	// Once release has run the rows must go too, even if the caller gave up,
	// so the transaction is not bound to ctx.
	tx, err := c.db.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out, err := deleteChunks(ctx, tx, q, olderThan, limit)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if release != nil {
		release(ctx, out)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func deleteChunks(ctx context.Context, tx *sql.Tx, q string, olderThan time.Time, limit int) ([]models.Chunk, error) {
	rows, err := tx.QueryContext(ctx, q, olderThan, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

// Documents

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents (id, owner_id, title, deleted, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`
	_, err := c.db.ExecContext(ctx, q, doc.ID, doc.OwnerID, doc.Title, doc.Deleted, nullTime(doc.CreatedAt))
	if isPgError(err, pgUniqueViolation) {
		return fmt.Errorf("document %s already exists: %w", doc.ID, core.ErrValidation)
	}
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, owner_id, title, deleted, created_at
		FROM documents
		WHERE id = $1
	`
	var d models.Document
	err := c.db.QueryRowContext(ctx, q, id).Scan(&d.ID, &d.OwnerID, &d.Title, &d.Deleted, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Versions and manifests

// CreateVersion inserts the version row and its manifest in a single
// transaction. Referenced chunks are locked FOR SHARE so garbage collection
// cannot remove them between validation and commit.
func (c *DatabaseClient) CreateVersion(ctx context.Context, v *models.DocumentVersion, entries []models.ManifestEntry) error {
	if v == nil {
		return errors.New("nil version")
	}
	metadata, err := encodeMetadata(v.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var docExists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, v.DocumentID).Scan(&docExists); err != nil {
		return err
	}
	if !docExists {
		return fmt.Errorf("document %s: %w", v.DocumentID, core.ErrDocumentNotFound)
	}

	if err := lockChunks(ctx, tx, entries); err != nil {
		return err
	}

	const qVersion = `
		INSERT INTO document_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()))
	`
	_, err = tx.ExecContext(ctx, qVersion,
		v.ID, v.DocumentID, v.Label, v.UploaderID, v.ContentType, v.Size,
		v.Deleted, v.Signed, v.Chunked, v.LegacyPath, string(metadata), nullTime(v.CreatedAt))
	if isPgError(err, pgUniqueViolation) {
		return fmt.Errorf("version %s already exists: %w", v.ID, core.ErrValidation)
	}
	if err != nil {
		return err
	}

	if err := insertManifest(ctx, tx, v.ID, entries); err != nil {
		return err
	}

	// A cancelled upload must not commit its version.
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Commit()
}

// lockChunks verifies every referenced chunk exists and takes a share lock on
// it for the rest of the transaction.
func lockChunks(ctx context.Context, tx *sql.Tx, entries []models.ManifestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(entries))
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := want[e.ChunkHash]; ok {
			continue
		}
		want[e.ChunkHash] = struct{}{}
		hashes = append(hashes, e.ChunkHash)
	}

	rows, err := tx.QueryContext(ctx, `SELECT hash FROM chunks WHERE hash = ANY($1) FOR SHARE`, hashes)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return err
		}
		delete(want, h)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, e := range entries {
		if _, missing := want[e.ChunkHash]; missing {
			return fmt.Errorf("chunk %s at ordinal %d does not exist: %w", e.ChunkHash, e.Ordinal, core.ErrValidation)
		}
	}
	return nil
}

func insertManifest(ctx context.Context, tx *sql.Tx, versionID string, entries []models.ManifestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO version_chunks (version_id, ordinal, chunk_hash, length)
		VALUES ($1, $2, $3, $4)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, versionID, e.Ordinal, e.ChunkHash, e.Length); err != nil {
			if isPgError(err, pgForeignKeyViolation) {
				return fmt.Errorf("chunk %s at ordinal %d does not exist: %w", e.ChunkHash, e.Ordinal, core.ErrValidation)
			}
			return err
		}
	}
	return nil
}

func (c *DatabaseClient) GetVersion(ctx context.Context, id string) (*models.DocumentVersion, error) {
	const q = `SELECT ` + versionColumns + ` FROM document_versions WHERE id = $1`
	v, err := scanVersion(c.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *DatabaseClient) ListVersions(ctx context.Context, documentID string, includeDeleted bool) ([]models.DocumentVersion, error) {
	const q = `
		SELECT ` + versionColumns + `
		FROM document_versions
		WHERE document_id = $1 AND ($2::boolean OR NOT deleted)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID, includeDeleted)
	if err != nil {
		return nil, err
	}
	return scanVersions(rows)
}

func (c *DatabaseClient) ListLegacyVersions(ctx context.Context, limit int) ([]models.DocumentVersion, error) {
	const q = `
		SELECT ` + versionColumns + `
		FROM document_versions
		WHERE NOT chunked
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := c.db.QueryContext(ctx, q, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanVersions(rows)
}

func (c *DatabaseClient) GetManifest(ctx context.Context, versionID string) ([]models.ManifestEntry, error) {
	const q = `
		SELECT version_id, ordinal, chunk_hash, length
		FROM version_chunks
		WHERE version_id = $1
		ORDER BY ordinal ASC
	`
	rows, err := c.db.QueryContext(ctx, q, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ManifestEntry
	for rows.Next() {
		var e models.ManifestEntry
		if err := rows.Scan(&e.VersionID, &e.Ordinal, &e.ChunkHash, &e.Length); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) SetVersionDeleted(ctx context.Context, id string, deleted bool) error {
	return c.updateVersionFlag(ctx, `UPDATE document_versions SET deleted = $2 WHERE id = $1`, id, deleted)
}

func (c *DatabaseClient) SetVersionSigned(ctx context.Context, id string, signed bool) error {
	return c.updateVersionFlag(ctx, `UPDATE document_versions SET signed = $2 WHERE id = $1`, id, signed)
}

func (c *DatabaseClient) updateVersionFlag(ctx context.Context, q, id string, value bool) error {
	res, err := c.db.ExecContext(ctx, q, id, value)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("version %s: %w", id, core.ErrVersionNotFound)
	}
	return nil
}

// CommitMigration writes the manifest and flips the storage mode in one
// transaction. The version row is locked FOR UPDATE, so of two concurrent
// migrations exactly one commits and the other sees ErrAlreadyMigrated.
func (c *DatabaseClient) CommitMigration(ctx context.Context, versionID string, entries []models.ManifestEntry, size int64) error {
	if len(entries) == 0 {
		return fmt.Errorf("empty manifest: %w", core.ErrValidation)
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var chunked bool
	err = tx.QueryRowContext(ctx, `SELECT chunked FROM document_versions WHERE id = $1 FOR UPDATE`, versionID).Scan(&chunked)
	if err == sql.ErrNoRows {
		return fmt.Errorf("version %s: %w", versionID, core.ErrVersionNotFound)
	}
	if err != nil {
		return err
	}
	if chunked {
		return fmt.Errorf("version %s: %w", versionID, core.ErrAlreadyMigrated)
	}

	if err := lockChunks(ctx, tx, entries); err != nil {
		return err
	}
	if err := insertManifest(ctx, tx, versionID, entries); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE document_versions SET chunked = true, size = $2 WHERE id = $1`, versionID, size); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Commit()
}

// PurgeVersion deletes the version row; its manifest goes with it by cascade.
func (c *DatabaseClient) PurgeVersion(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM document_versions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("version %s: %w", id, core.ErrVersionNotFound)
	}
	return nil
}

// nullTime lets the column default apply to a zero time.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// nullLimit maps a non-positive limit to LIMIT NULL, which Postgres treats as
// no limit.
func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
