package manifest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/core/chunkstore"
	"github.com/markdave123-py/docvault/internal/core/kvstore"
	objectclient "github.com/markdave123-py/docvault/internal/core/object-client"
	"github.com/markdave123-py/docvault/internal/models"
)

type fixture struct {
	db       *kvstore.LevelDBClient
	blobs    *objectclient.MemoryStore
	chunks   *chunkstore.Store
	manifest *Manifest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := kvstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs := objectclient.NewMemoryStore()
	chunks, err := chunkstore.New(db, blobs, chunkstore.Options{
		ChunkPolicy:      "size-1024",
		HashAlgorithm:    chunkstore.HashBlake3,
		Compression:      chunkstore.CompressionZstd,
		Location:         chunkstore.LocationExternal,
		WriteParallelism: 4,
	})
	require.NoError(t, err)

	return &fixture{db: db, blobs: blobs, chunks: chunks, manifest: New(db, chunks, blobs)}
}

func (f *fixture) document(t *testing.T) string {
	t.Helper()
	id := "doc-" + strings.ReplaceAll(t.Name(), "/", "-")
	require.NoError(t, f.db.CreateDocument(context.Background(), &models.Document{ID: id, OwnerID: "u1", Title: "t"}))
	return id
}

func (f *fixture) upload(t *testing.T, docID string, data []byte) string {
	t.Helper()
	ctx := context.Background()
	refs, err := f.chunks.Put(ctx, data)
	require.NoError(t, err)
	id, err := f.manifest.CreateVersion(ctx, NewVersion{DocumentID: docID, Refs: refs.Refs, Label: "v"})
	require.NoError(t, err)
	return id
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func Test_CreateVersion_Reconstitute(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	data := randomBytes(1, 10_000)

	id := f.upload(t, doc, data)

	rc, err := f.manifest.Reconstitute(context.Background(), id, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, rc))

	v, err := f.manifest.Version(context.Background(), id, ReadOptions{})
	require.NoError(t, err)
	assert.True(t, v.Chunked)
	assert.EqualValues(t, len(data), v.Size)
}

func Test_CreateVersion_RepeatedChunk(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	block := randomBytes(2, 1024)
	data := bytes.Repeat(block, 3)

	id := f.upload(t, doc, data)

	entries, err := f.db.GetManifest(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, entries[0].ChunkHash, entries[2].ChunkHash)

	got, err := f.manifest.ReadAll(context.Background(), id, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func Test_CreateVersion_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)

	_, err := f.manifest.CreateVersion(ctx, NewVersion{DocumentID: doc})
	assert.ErrorIs(t, err, core.ErrValidation)

	refs, err := f.chunks.Put(ctx, []byte("some bytes"))
	require.NoError(t, err)
	bogus := append(refs.Refs, chunkstore.ChunkRef{Hash: "blake3:00ff", Length: 3})

	_, err = f.manifest.CreateVersion(ctx, NewVersion{DocumentID: doc, Refs: bogus})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.manifest.CreateVersion(ctx, NewVersion{DocumentID: "missing", Refs: refs.Refs})
	assert.ErrorIs(t, err, core.ErrDocumentNotFound)

	versions, err := f.manifest.ListVersions(ctx, doc, true)
	require.NoError(t, err)
	assert.Empty(t, versions, "failed commits must leave no version behind")
}

func Test_CreateVersion_CancelledNeverCommits(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)

	refs, err := f.chunks.Put(context.Background(), randomBytes(3, 4096))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.manifest.CreateVersion(ctx, NewVersion{DocumentID: doc, Refs: refs.Refs})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	versions, err := f.manifest.ListVersions(context.Background(), doc, true)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func Test_DuplicateVersion_NoNewChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	data := randomBytes(4, 8192)

	first := f.upload(t, doc, data)
	before, err := f.chunks.Count(ctx)
	require.NoError(t, err)
	writes := f.blobs.TotalWrites()

	second := f.upload(t, doc, data)
	assert.NotEqual(t, first, second)

	after, err := f.chunks.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, writes, f.blobs.TotalWrites(), "identical content must not be written again")

	a, err := f.db.GetManifest(ctx, first)
	require.NoError(t, err)
	b, err := f.db.GetManifest(ctx, second)
	require.NoError(t, err)
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].ChunkHash, b[i].ChunkHash)
	}
}

func Test_ConcurrentUploads_PreserveOrder(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)

	shared := randomBytes(5, 4096)
	inputs := make([][]byte, 8)
	for i := range inputs {
		// Distinct versions that share a common prefix of chunks.
		inputs[i] = append(append([]byte(nil), shared...), randomBytes(int64(100+i), 3000+i*100)...)
	}

	ids := make([]string, len(inputs))
	var wg sync.WaitGroup
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			refs, err := f.chunks.Put(ctx, inputs[i])
			if !assert.NoError(t, err) {
				return
			}
			id, err := f.manifest.CreateVersion(ctx, NewVersion{DocumentID: doc, Refs: refs.Refs})
			if assert.NoError(t, err) {
				ids[i] = id
			}
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		require.NotEmpty(t, id)
		got, err := f.manifest.ReadAll(context.Background(), id, ReadOptions{})
		require.NoError(t, err)
		assert.Equal(t, inputs[i], got, "version %d", i)
	}
}

func Test_SoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	data := []byte("soft delete keeps the bytes around")
	id := f.upload(t, doc, data)

	require.NoError(t, f.manifest.SetDeleted(ctx, id, true))

	_, err := f.manifest.Reconstitute(ctx, id, ReadOptions{})
	assert.ErrorIs(t, err, core.ErrVersionNotFound)

	got, err := f.manifest.ReadAll(ctx, id, ReadOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, data, got)

	visible, err := f.manifest.ListVersions(ctx, doc, false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	require.NoError(t, f.manifest.SetDeleted(ctx, id, false))
	_, err = f.manifest.ReadAll(ctx, id, ReadOptions{})
	assert.NoError(t, err)

	assert.ErrorIs(t, f.manifest.SetDeleted(ctx, "nope", true), core.ErrVersionNotFound)
	_, err = f.manifest.Reconstitute(ctx, "nope", ReadOptions{IncludeDeleted: true})
	assert.ErrorIs(t, err, core.ErrVersionNotFound)
}

func Test_Reconstitute_ChunkMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	id := f.upload(t, doc, randomBytes(6, 5000))

	entries, err := f.db.GetManifest(ctx, id)
	require.NoError(t, err)
	require.Greater(t, len(entries), 2)
	require.NoError(t, f.blobs.Delete(ctx, objectclient.ChunkPath(entries[2].ChunkHash)))

	rc, err := f.manifest.Reconstitute(ctx, id, ReadOptions{})
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	require.ErrorIs(t, err, core.ErrChunkMissing)

	var opErr *core.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, entries[2].ChunkHash, opErr.ChunkHash)
}

func Test_LegacyMigration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	data := randomBytes(7, 20_000)

	id, err := f.manifest.ImportLegacy(ctx, doc, data, "imported")
	require.NoError(t, err)

	v, err := f.manifest.Version(ctx, id, ReadOptions{})
	require.NoError(t, err)
	require.False(t, v.Chunked)

	got, err := f.manifest.ReadAll(ctx, id, ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, data, got)

	url, err := f.manifest.TemporaryURL(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "mem:///documents/"))

	refs, err := f.manifest.Migrate(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, refs)

	v, err = f.manifest.Version(ctx, id, ReadOptions{})
	require.NoError(t, err)
	assert.True(t, v.Chunked)
	assert.EqualValues(t, len(data), v.Size)

	got, err = f.manifest.ReadAll(ctx, id, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = f.manifest.Migrate(ctx, id)
	assert.ErrorIs(t, err, core.ErrAlreadyMigrated)

	_, err = f.manifest.TemporaryURL(ctx, id, time.Minute)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func Test_Migrate_FailureLeavesVersionUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	data := randomBytes(8, 6000)

	id, err := f.manifest.ImportLegacy(ctx, doc, data, "")
	require.NoError(t, err)

	f.blobs.FailUploads = errors.New("disk full")
	_, err = f.manifest.Migrate(ctx, id)
	require.ErrorIs(t, err, core.ErrStorageUnavailable)
	f.blobs.FailUploads = nil

	v, err := f.manifest.Version(ctx, id, ReadOptions{})
	require.NoError(t, err)
	assert.False(t, v.Chunked)

	entries, err := f.db.GetManifest(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, entries)

	got, err := f.manifest.ReadAll(ctx, id, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func Test_Migrate_Concurrent(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	id, err := f.manifest.ImportLegacy(context.Background(), doc, randomBytes(9, 9000), "")
	require.NoError(t, err)

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manifest.Migrate(context.Background(), id)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, core.ErrAlreadyMigrated)
	}
	assert.Equal(t, 1, succeeded)
}

func Test_MigrateAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.manifest.ImportLegacy(ctx, doc, randomBytes(int64(20+i), 3000), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	report, err := f.manifest.MigrateAll(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, report.Migrated)
	assert.Empty(t, report.Failed)

	pending, err := f.db.ListLegacyVersions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func Test_Purge_ThenCollectGarbage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)

	keep := f.upload(t, doc, randomBytes(10, 3000))
	drop := f.upload(t, doc, randomBytes(11, 3000))

	require.NoError(t, f.manifest.Purge(ctx, drop))
	_, err := f.manifest.Reconstitute(ctx, drop, ReadOptions{IncludeDeleted: true})
	assert.ErrorIs(t, err, core.ErrVersionNotFound)

	report, err := f.chunks.CollectGarbage(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, 3, report.BlobsDeleted)

	got, err := f.manifest.ReadAll(ctx, keep, ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 3000)
}
