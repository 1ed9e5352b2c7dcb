package kvstore

import (
	"context"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/models"
)

func (l *LevelDBClient) InsertChunk(ctx context.Context, chunk *models.Chunk) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	key := chunkKey(chunk.Hash)
	exists, err := l.has(key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	raw, err := l.marshal(chunk)
	if err != nil {
		return false, err
	}
	if err := l.db.Put(key, raw, syncWrite); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LevelDBClient) GetChunk(ctx context.Context, hash string) (*models.Chunk, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var c models.Chunk
	found, err := l.getRecord(chunkKey(hash), &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (l *LevelDBClient) ChunkExists(ctx context.Context, hash string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	return l.has(chunkKey(hash))
}

func (l *LevelDBClient) CountChunks(ctx context.Context) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	return l.countPrefix(keyPrefixChunk)
}

// DeleteUnreferencedChunks scans every manifest to build the referenced set,
// then removes unreferenced chunk records older than olderThan in one batch.
// release runs under mu before the batch is written, so a writer either still
// sees the record or sees nothing and writes the chunk afresh.
func (l *LevelDBClient) DeleteUnreferencedChunks(ctx context.Context, olderThan time.Time, limit int, release core.ChunkRelease) ([]models.Chunk, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	referenced, err := l.referencedChunks()
	if err != nil {
		return nil, err
	}

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixChunk)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	var removed []models.Chunk
	for iter.Next() {
		if limit > 0 && len(removed) >= limit {
			break
		}
		hash := strings.TrimPrefix(string(iter.Key()), keyPrefixChunk)
		if _, ok := referenced[hash]; ok {
			continue
		}
		var c models.Chunk
		if err := cbor.Unmarshal(iter.Value(), &c); err != nil {
			return nil, err
		}
		if !c.CreatedAt.Before(olderThan) {
			continue
		}
		removed = append(removed, c)
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if batch.Len() == 0 {
		return nil, nil
	}
	if release != nil {
		release(ctx, removed)
	}
	if err := l.db.Write(batch, syncWrite); err != nil {
		return nil, err
	}
	return removed, nil
}

// referencedChunks returns the set of chunk hashes named by any manifest.
// Caller holds mu.
func (l *LevelDBClient) referencedChunks() (map[string]struct{}, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixManifest)), nil)
	defer iter.Release()

	refs := make(map[string]struct{})
	for iter.Next() {
		var entries []models.ManifestEntry
		if err := cbor.Unmarshal(iter.Value(), &entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			refs[e.ChunkHash] = struct{}{}
		}
	}
	return refs, iter.Error()
}
