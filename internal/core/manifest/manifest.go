// Package manifest maps document versions to their content. A version is
// stored either as an ordered list of chunks or, for data written before
// chunking existed, as a single legacy blob.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/core/chunkstore"
	objectclient "github.com/markdave123-py/docvault/internal/core/object-client"
	"github.com/markdave123-py/docvault/internal/models"
)

// NewVersion describes a version to commit over chunks already in the store.
type NewVersion struct {
	DocumentID  string
	Refs        []chunkstore.ChunkRef
	Label       string
	UploaderID  string
	ContentType string
	Signed      bool
	Metadata    map[string]string
}

// LegacyVersion describes a pre-chunking version whose bytes are already in
// the blob backend at Path.
type LegacyVersion struct {
	ID          string // generated when empty
	DocumentID  string
	Path        string
	Size        int64
	Label       string
	UploaderID  string
	ContentType string
	CreatedAt   time.Time
}

// ReadOptions tunes Reconstitute.
type ReadOptions struct {
	// IncludeDeleted allows reading soft-deleted versions, for administrative
	// undelete.
	IncludeDeleted bool
}

type Manifest struct {
	db     core.DbClient
	chunks *chunkstore.Store
	blobs  core.BlobBackend

	chunked contentResolver
	legacy  contentResolver
}

func New(db core.DbClient, chunks *chunkstore.Store, blobs core.BlobBackend) *Manifest {
	return &Manifest{
		db:      db,
		chunks:  chunks,
		blobs:   blobs,
		chunked: chunkedResolver{db: db, chunks: chunks},
		legacy:  legacyResolver{blobs: blobs},
	}
}

func (m *Manifest) resolver(v *models.DocumentVersion) contentResolver {
	if v.Chunked {
		return m.chunked
	}
	return m.legacy
}

// CreateVersion commits a new chunked version. The version row and its
// manifest become visible together or not at all.
func (m *Manifest) CreateVersion(ctx context.Context, nv NewVersion) (string, error) {
	const op = "manifest.CreateVersion"

	if nv.DocumentID == "" {
		return "", core.Validationf(op, "document id is required")
	}
	if len(nv.Refs) == 0 {
		return "", core.Validationf(op, "a version needs at least one chunk").WithDocument(nv.DocumentID)
	}

	id := uuid.NewString()
	entries := make([]models.ManifestEntry, len(nv.Refs))
	var size int64
	for i, ref := range nv.Refs {
		if ref.Hash == "" {
			return "", core.Validationf(op, "empty chunk hash at ordinal %d", i).WithDocument(nv.DocumentID)
		}
		entries[i] = models.ManifestEntry{VersionID: id, Ordinal: i, ChunkHash: ref.Hash, Length: ref.Length}
		size += ref.Length
	}

	v := &models.DocumentVersion{
		ID:          id,
		DocumentID:  nv.DocumentID,
		Label:       nv.Label,
		UploaderID:  nv.UploaderID,
		ContentType: nv.ContentType,
		Size:        size,
		Signed:      nv.Signed,
		Chunked:     true,
		Metadata:    nv.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.db.CreateVersion(ctx, v, entries); err != nil {
		return "", registryError(op, err).WithDocument(nv.DocumentID).WithVersion(id)
	}

	log.WithFields(log.Fields{
		"document": nv.DocumentID,
		"version":  id,
		"chunks":   len(entries),
		"size":     size,
	}).Info("manifest: version created")
	return id, nil
}

// RegisterLegacyVersion records a version stored as one blob. The blob must
// already exist.
func (m *Manifest) RegisterLegacyVersion(ctx context.Context, lv LegacyVersion) (string, error) {
	const op = "manifest.RegisterLegacyVersion"

	if lv.DocumentID == "" || lv.Path == "" {
		return "", core.Validationf(op, "document id and path are required")
	}
	ok, err := m.blobs.Exists(ctx, lv.Path)
	if err != nil {
		return "", core.NewError(core.ErrStorageUnavailable, op, err).WithDocument(lv.DocumentID)
	}
	if !ok {
		return "", core.Validationf(op, "no blob at %s", lv.Path).WithDocument(lv.DocumentID)
	}

	created := lv.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	id := lv.ID
	if id == "" {
		id = uuid.NewString()
	}
	v := &models.DocumentVersion{
		ID:          id,
		DocumentID:  lv.DocumentID,
		Label:       lv.Label,
		UploaderID:  lv.UploaderID,
		ContentType: lv.ContentType,
		Size:        lv.Size,
		LegacyPath:  lv.Path,
		CreatedAt:   created,
	}
	if err := m.db.CreateVersion(ctx, v, nil); err != nil {
		return "", registryError(op, err).WithDocument(lv.DocumentID).WithVersion(v.ID)
	}
	return v.ID, nil
}

// Version returns the version record. Soft-deleted versions are reported as
// not found unless opts.IncludeDeleted is set.
func (m *Manifest) Version(ctx context.Context, versionID string, opts ReadOptions) (*models.DocumentVersion, error) {
	const op = "manifest.Version"

	v, err := m.db.GetVersion(ctx, versionID)
	if err != nil {
		return nil, core.NewError(core.ErrStorageUnavailable, op, err).WithVersion(versionID)
	}
	if v == nil || (v.Deleted && !opts.IncludeDeleted) {
		return nil, core.NewError(core.ErrVersionNotFound, op, nil).WithVersion(versionID)
	}
	return v, nil
}

// Reconstitute streams the version's bytes. Missing chunks surface from the
// returned reader as ErrChunkMissing.
func (m *Manifest) Reconstitute(ctx context.Context, versionID string, opts ReadOptions) (io.ReadCloser, error) {
	v, err := m.Version(ctx, versionID, opts)
	if err != nil {
		return nil, err
	}
	return m.resolver(v).open(ctx, v)
}

// Migrate moves a legacy version into the chunk store. The manifest and the
// storage mode flip are committed together, so a failure at any step leaves
// the version as it was. Chunks written by a failed attempt are left for
// garbage collection.
func (m *Manifest) Migrate(ctx context.Context, versionID string) ([]chunkstore.ChunkRef, error) {
	const op = "manifest.Migrate"

	v, err := m.Version(ctx, versionID, ReadOptions{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	if v.Chunked {
		return nil, core.NewError(core.ErrAlreadyMigrated, op, nil).WithDocument(v.DocumentID).WithVersion(versionID)
	}

	rc, err := m.legacy.open(ctx, v)
	if err != nil {
		return nil, err
	}
	refs, err := m.chunks.PutReader(ctx, rc)
	rc.Close()
	if err != nil {
		return nil, err
	}

	entries := make([]models.ManifestEntry, len(refs.Refs))
	for i, ref := range refs.Refs {
		entries[i] = models.ManifestEntry{VersionID: versionID, Ordinal: i, ChunkHash: ref.Hash, Length: ref.Length}
	}
	if err := m.db.CommitMigration(ctx, versionID, entries, refs.Size); err != nil {
		return nil, registryError(op, err).WithDocument(v.DocumentID).WithVersion(versionID)
	}

	log.WithFields(log.Fields{
		"document": v.DocumentID,
		"version":  versionID,
		"chunks":   len(entries),
		"size":     refs.Size,
	}).Info("manifest: legacy version migrated")
	return refs.Refs, nil
}

// MigrationReport summarizes MigrateAll.
type MigrationReport struct {
	Migrated []string
	Failed   map[string]error
}

// MigrateAll migrates up to limit legacy versions, oldest first. A version
// that fails is recorded and skipped; limit <= 0 means all of them.
func (m *Manifest) MigrateAll(ctx context.Context, limit int) (*MigrationReport, error) {
	pending, err := m.db.ListLegacyVersions(ctx, limit)
	if err != nil {
		return nil, core.NewError(core.ErrStorageUnavailable, "manifest.MigrateAll", err)
	}

	report := &MigrationReport{Failed: make(map[string]error)}
	for _, v := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, err := m.Migrate(ctx, v.ID)
		switch {
		case err == nil:
			report.Migrated = append(report.Migrated, v.ID)
		case errors.Is(err, core.ErrAlreadyMigrated):
			// migrated concurrently by someone else
		default:
			log.WithError(err).WithField("version", v.ID).Warn("manifest: migration failed")
			report.Failed[v.ID] = err
		}
	}
	return report, nil
}

func (m *Manifest) SetDeleted(ctx context.Context, versionID string, deleted bool) error {
	if err := m.db.SetVersionDeleted(ctx, versionID, deleted); err != nil {
		return registryError("manifest.SetDeleted", err).WithVersion(versionID)
	}
	return nil
}

func (m *Manifest) SetSigned(ctx context.Context, versionID string, signed bool) error {
	if err := m.db.SetVersionSigned(ctx, versionID, signed); err != nil {
		return registryError("manifest.SetSigned", err).WithVersion(versionID)
	}
	return nil
}

// Purge removes a version and its manifest for good. Its chunks stay until
// garbage collection finds them unreferenced. A legacy blob is deleted with
// the version.
func (m *Manifest) Purge(ctx context.Context, versionID string) error {
	const op = "manifest.Purge"

	v, err := m.Version(ctx, versionID, ReadOptions{IncludeDeleted: true})
	if err != nil {
		return err
	}
	if err := m.db.PurgeVersion(ctx, versionID); err != nil {
		return registryError(op, err).WithVersion(versionID)
	}
	if !v.Chunked && v.LegacyPath != "" {
		if err := m.blobs.Delete(ctx, v.LegacyPath); err != nil {
			log.WithError(err).WithField("version", versionID).Warn("manifest: could not delete legacy blob")
		}
	}
	return nil
}

func (m *Manifest) ListVersions(ctx context.Context, documentID string, includeDeleted bool) ([]models.DocumentVersion, error) {
	out, err := m.db.ListVersions(ctx, documentID, includeDeleted)
	if err != nil {
		return nil, core.NewError(core.ErrStorageUnavailable, "manifest.ListVersions", err).WithDocument(documentID)
	}
	return out, nil
}

// TemporaryURL issues a time-limited read URL for a legacy version. Chunked
// versions have no single blob to point at.
func (m *Manifest) TemporaryURL(ctx context.Context, versionID string, validity time.Duration) (string, error) {
	const op = "manifest.TemporaryURL"

	v, err := m.Version(ctx, versionID, ReadOptions{})
	if err != nil {
		return "", err
	}
	if v.Chunked {
		return "", core.Validationf(op, "chunked versions have no single blob").WithVersion(versionID)
	}
	u, err := m.blobs.TemporaryReadURL(ctx, v.LegacyPath, validity)
	if errors.Is(err, core.ErrURLUnsupported) {
		return "", core.NewError(core.ErrValidation, op, err).WithVersion(versionID)
	}
	if err != nil {
		return "", core.NewError(core.ErrStorageUnavailable, op, err).WithVersion(versionID)
	}
	return u, nil
}

// ImportLegacy uploads data as a legacy single blob and registers it. It
// exists to seed historical data and to exercise migration.
func (m *Manifest) ImportLegacy(ctx context.Context, documentID string, data []byte, label string) (string, error) {
	const op = "manifest.ImportLegacy"
	if len(data) == 0 {
		return "", core.Validationf(op, "empty input").WithDocument(documentID)
	}
	id := uuid.NewString()
	path := objectclient.LegacyPath(documentID, id)
	if err := m.blobs.Upload(ctx, path, data); err != nil {
		return "", core.NewError(core.ErrStorageUnavailable, op, err).WithDocument(documentID)
	}
	return m.RegisterLegacyVersion(ctx, LegacyVersion{
		ID:         id,
		DocumentID: documentID,
		Path:       path,
		Size:       int64(len(data)),
		Label:      label,
	})
}

// ReadAll is Reconstitute followed by reading the whole stream.
func (m *Manifest) ReadAll(ctx context.Context, versionID string, opts ReadOptions) ([]byte, error) {
	rc, err := m.Reconstitute(ctx, versionID, opts)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// registryError maps a registry failure to its error kind. Errors that already
// carry a kind keep it; anything else is a backend fault.
func registryError(op string, err error) *core.OpError {
	for _, kind := range []error{
		core.ErrValidation,
		core.ErrDocumentNotFound,
		core.ErrVersionNotFound,
		core.ErrAlreadyMigrated,
	} {
		if errors.Is(err, kind) {
			return core.NewError(kind, op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.NewError(core.ErrStorageUnavailable, op, fmt.Errorf("aborted: %w", err))
	}
	return core.NewError(core.ErrStorageUnavailable, op, err)
}
