package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/markdave123-py/docvault/internal/models"
)

const chunkColumns = `hash, length, stored_length, compression, inline_data, blob_path, created_at`

const versionColumns = `id, document_id, label, uploader_id, content_type, size, deleted, signed, chunked, legacy_path, metadata, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var (
		c        models.Chunk
		inline   []byte
		blobPath sql.NullString
	)
	if err := row.Scan(&c.Hash, &c.Length, &c.StoredLength, &c.Compression, &inline, &blobPath, &c.CreatedAt); err != nil {
		return nil, err
	}
	switch {
	case blobPath.Valid:
		c.Location = models.ExternalLocation(blobPath.String)
	case inline != nil:
		c.Location = models.InlineLocation(inline)
	default:
		return nil, fmt.Errorf("chunk %s has no location", c.Hash)
	}
	return &c, nil
}

// chunkLocationArgs splits a Location into the inline_data and blob_path
// column values; exactly one is non-nil.
func chunkLocationArgs(loc models.Location) (inline any, blobPath any, err error) {
	switch loc.Kind {
	case models.LocationInline:
		data := loc.Data
		if data == nil {
			data = []byte{}
		}
		return data, nil, nil
	case models.LocationExternal:
		return nil, loc.Path, nil
	default:
		return nil, nil, fmt.Errorf("unknown chunk location kind %d", loc.Kind)
	}
}

func scanVersion(row rowScanner) (*models.DocumentVersion, error) {
	var (
		v        models.DocumentVersion
		metadata []byte
	)
	if err := row.Scan(
		&v.ID, &v.DocumentID, &v.Label, &v.UploaderID, &v.ContentType, &v.Size,
		&v.Deleted, &v.Signed, &v.Chunked, &v.LegacyPath, &metadata, &v.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of version %s: %w", v.ID, err)
		}
		if len(v.Metadata) == 0 {
			v.Metadata = nil
		}
	}
	return &v, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func scanVersions(rows *sql.Rows) ([]models.DocumentVersion, error) {
	defer rows.Close()

	var out []models.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Postgres error codes the client reacts to.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
