package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/docvault/internal/models"
)

// DbClient defines the metadata persistence the core needs: the chunk index,
// the document/version registry and the version manifests.
// It abstracts Postgres/LevelDB so higher layers never depend on a specific DB.
type DbClient interface {
	// InsertChunk records a chunk. Inserting a hash that is already present is
	// a no-op and reports inserted=false.
	InsertChunk(ctx context.Context, chunk *models.Chunk) (inserted bool, err error)
	// GetChunk returns nil, nil when the hash is unknown.
	GetChunk(ctx context.Context, hash string) (*models.Chunk, error)
	ChunkExists(ctx context.Context, hash string) (bool, error)
	CountChunks(ctx context.Context) (int64, error)
	// DeleteUnreferencedChunks removes up to limit chunk records created before
	// olderThan that no manifest references, and returns them. release, when
	// non-nil, runs with the selected records still visible and locked against
	// manifest commits; the records disappear only after it returns.
	DeleteUnreferencedChunks(ctx context.Context, olderThan time.Time, limit int, release ChunkRelease) ([]models.Chunk, error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)

	// CreateVersion writes the version row and its manifest in one atomic
	// commit. Every referenced chunk must exist at commit time.
	CreateVersion(ctx context.Context, v *models.DocumentVersion, entries []models.ManifestEntry) error
	GetVersion(ctx context.Context, id string) (*models.DocumentVersion, error)
	ListVersions(ctx context.Context, documentID string, includeDeleted bool) ([]models.DocumentVersion, error)
	ListLegacyVersions(ctx context.Context, limit int) ([]models.DocumentVersion, error)
	GetManifest(ctx context.Context, versionID string) ([]models.ManifestEntry, error)
	SetVersionDeleted(ctx context.Context, id string, deleted bool) error
	SetVersionSigned(ctx context.Context, id string, signed bool) error
	// CommitMigration writes the manifest of a legacy version and flips it to
	// chunked mode in one atomic commit.
	CommitMigration(ctx context.Context, versionID string, entries []models.ManifestEntry, size int64) error
	PurgeVersion(ctx context.Context, id string) error

	Close() error
}

// ChunkRelease frees whatever a batch of collected chunk records points at.
type ChunkRelease func(ctx context.Context, chunks []models.Chunk)

// BlobBackend is an object store addressed by path.
// Any implementation satisfying it is interchangeable (S3, local disk, ...).
type BlobBackend interface {
	Upload(ctx context.Context, path string, data []byte) error
	DownloadToStream(ctx context.Context, path string, sink io.Writer) error
	Exists(ctx context.Context, path string) (bool, error)
	TemporaryReadURL(ctx context.Context, path string, validity time.Duration) (string, error)
	Delete(ctx context.Context, path string) error
}
