package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/models"
)

func (l *LevelDBClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.has(documentKey(doc.ID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("document %s already exists: %w", doc.ID, core.ErrValidation)
	}
	raw, err := l.marshal(doc)
	if err != nil {
		return err
	}
	return l.db.Put(documentKey(doc.ID), raw, syncWrite)
}

func (l *LevelDBClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var d models.Document
	found, err := l.getRecord(documentKey(id), &d)
	if err != nil || !found {
		return nil, err
	}
	return &d, nil
}

// CreateVersion validates the document and every chunk, then writes the
// version, its manifest and its index keys in one batch.
func (l *LevelDBClient) CreateVersion(ctx context.Context, v *models.DocumentVersion, entries []models.ManifestEntry) error {
	if v == nil {
		return errors.New("nil version")
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	docExists, err := l.has(documentKey(v.DocumentID))
	if err != nil {
		return err
	}
	if !docExists {
		return fmt.Errorf("document %s: %w", v.DocumentID, core.ErrDocumentNotFound)
	}
	verExists, err := l.has(versionKey(v.ID))
	if err != nil {
		return err
	}
	if verExists {
		return fmt.Errorf("version %s already exists: %w", v.ID, core.ErrValidation)
	}
	if err := l.checkChunks(entries); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if err := l.putVersion(batch, v); err != nil {
		return err
	}
	if v.Chunked {
		raw, err := l.marshal(entries)
		if err != nil {
			return err
		}
		batch.Put(manifestKey(v.ID), raw)
	} else {
		batch.Put(legacyKey(v.CreatedAt.UnixNano(), v.ID), nil)
	}
	batch.Put(docIndexKey(v.DocumentID, v.CreatedAt.UnixNano(), v.ID), nil)

	// A context cancelled during validation must not commit.
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return l.db.Write(batch, syncWrite)
}

// checkChunks fails with ErrValidation naming the first unknown chunk.
// Caller holds mu.
func (l *LevelDBClient) checkChunks(entries []models.ManifestEntry) error {
	for _, e := range entries {
		ok, err := l.has(chunkKey(e.ChunkHash))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chunk %s at ordinal %d does not exist: %w", e.ChunkHash, e.Ordinal, core.ErrValidation)
		}
	}
	return nil
}

func (l *LevelDBClient) putVersion(batch *leveldb.Batch, v *models.DocumentVersion) error {
	raw, err := l.marshal(v)
	if err != nil {
		return err
	}
	batch.Put(versionKey(v.ID), raw)
	return nil
}

func (l *LevelDBClient) GetVersion(ctx context.Context, id string) (*models.DocumentVersion, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var v models.DocumentVersion
	found, err := l.getRecord(versionKey(id), &v)
	if err != nil || !found {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns the document's versions oldest first.
func (l *LevelDBClient) ListVersions(ctx context.Context, documentID string, includeDeleted bool) ([]models.DocumentVersion, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	prefix := docIndexPrefix(documentID)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []models.DocumentVersion
	for iter.Next() {
		// "<nanos>/<version id>"
		_, versionID, ok := strings.Cut(string(iter.Key()[len(prefix):]), "/")
		if !ok {
			continue
		}
		var v models.DocumentVersion
		found, err := l.getRecord(versionKey(versionID), &v)
		if err != nil {
			return nil, err
		}
		if !found || (v.Deleted && !includeDeleted) {
			continue
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

// ListLegacyVersions returns legacy versions oldest first.
func (l *LevelDBClient) ListLegacyVersions(ctx context.Context, limit int) ([]models.DocumentVersion, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixLegacy)), nil)
	defer iter.Release()

	var out []models.DocumentVersion
	for iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		key := string(iter.Key())
		id := key[strings.LastIndexByte(key, '/')+1:]
		var v models.DocumentVersion
		found, err := l.getRecord(versionKey(id), &v)
		if err != nil {
			return nil, err
		}
		if found && !v.Chunked {
			out = append(out, v)
		}
	}
	return out, iter.Error()
}

func (l *LevelDBClient) GetManifest(ctx context.Context, versionID string) ([]models.ManifestEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var entries []models.ManifestEntry
	if _, err := l.getRecord(manifestKey(versionID), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// updateVersion applies fn to a stored version under mu and writes it back.
func (l *LevelDBClient) updateVersion(ctx context.Context, id string, fn func(v *models.DocumentVersion)) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var v models.DocumentVersion
	found, err := l.getRecord(versionKey(id), &v)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("version %s: %w", id, core.ErrVersionNotFound)
	}
	fn(&v)
	raw, err := l.marshal(&v)
	if err != nil {
		return err
	}
	return l.db.Put(versionKey(id), raw, syncWrite)
}

func (l *LevelDBClient) SetVersionDeleted(ctx context.Context, id string, deleted bool) error {
	return l.updateVersion(ctx, id, func(v *models.DocumentVersion) { v.Deleted = deleted })
}

func (l *LevelDBClient) SetVersionSigned(ctx context.Context, id string, signed bool) error {
	return l.updateVersion(ctx, id, func(v *models.DocumentVersion) { v.Signed = signed })
}

// CommitMigration writes the manifest and flips the version to chunked mode in
// a single batch, so the version is never observed half-migrated.
func (l *LevelDBClient) CommitMigration(ctx context.Context, versionID string, entries []models.ManifestEntry, size int64) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var v models.DocumentVersion
	found, err := l.getRecord(versionKey(versionID), &v)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("version %s: %w", versionID, core.ErrVersionNotFound)
	}
	if v.Chunked {
		return fmt.Errorf("version %s: %w", versionID, core.ErrAlreadyMigrated)
	}
	if len(entries) == 0 {
		return fmt.Errorf("empty manifest: %w", core.ErrValidation)
	}
	if err := l.checkChunks(entries); err != nil {
		return err
	}

	v.Chunked = true
	v.Size = size

	batch := new(leveldb.Batch)
	if err := l.putVersion(batch, &v); err != nil {
		return err
	}
	raw, err := l.marshal(entries)
	if err != nil {
		return err
	}
	batch.Put(manifestKey(versionID), raw)
	batch.Delete(legacyKey(v.CreatedAt.UnixNano(), versionID))

	if err := ctxErr(ctx); err != nil {
		return err
	}
	return l.db.Write(batch, syncWrite)
}

// PurgeVersion physically removes a version and its manifest. Chunks stay
// until garbage collection finds them unreferenced.
func (l *LevelDBClient) PurgeVersion(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var v models.DocumentVersion
	found, err := l.getRecord(versionKey(id), &v)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("version %s: %w", id, core.ErrVersionNotFound)
	}

	batch := new(leveldb.Batch)
	batch.Delete(versionKey(id))
	batch.Delete(manifestKey(id))
	batch.Delete(legacyKey(v.CreatedAt.UnixNano(), id))
	batch.Delete(docIndexKey(v.DocumentID, v.CreatedAt.UnixNano(), id))
	return l.db.Write(batch, syncWrite)
}
