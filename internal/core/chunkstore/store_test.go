package chunkstore

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
	"github.com/markdave123-py/docvault/internal/core/kvstore"
	objectclient "github.com/markdave123-py/docvault/internal/core/object-client"
	"github.com/markdave123-py/docvault/internal/models"
)

func newTestStore(t *testing.T, opts Options) (*Store, *kvstore.LevelDBClient, *objectclient.MemoryStore) {
	t.Helper()
	db, err := kvstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs := objectclient.NewMemoryStore()
	s, err := New(db, blobs, opts)
	require.NoError(t, err)
	return s, db, blobs
}

func fixedOptions() Options {
	opts := DefaultOptions()
	opts.ChunkPolicy = "size-4096"
	return opts
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

func Test_HashBytes(t *testing.T) {
	h1, err := HashBytes(HashBlake3, []byte("abc"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h1, "blake3:"))
	assert.Len(t, h1, len("blake3:")+64)

	h2, err := HashBytes(HashBlake2b, []byte("abc"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h2, "blake2b:"))
	assert.NotEqual(t, h1[len("blake3:"):], h2[len("blake2b:"):])

	_, err = HashBytes("md5", []byte("abc"))
	assert.Error(t, err)
}

func Test_New_RejectsBadOptions(t *testing.T) {
	db, err := kvstore.OpenMemory()
	require.NoError(t, err)
	defer db.Close()
	blobs := objectclient.NewMemoryStore()

	for name, mutate := range map[string]func(*Options){
		"chunk policy": func(o *Options) { o.ChunkPolicy = "shards-12" },
		"hash":         func(o *Options) { o.HashAlgorithm = "sha1" },
		"compression":  func(o *Options) { o.Compression = "brotli" },
		"location":     func(o *Options) { o.Location = "somewhere" },
	} {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			mutate(&opts)
			_, err := New(db, blobs, opts)
			assert.Error(t, err)
		})
	}
}

func Test_Put_EmptyInput(t *testing.T) {
	s, _, blobs := newTestStore(t, fixedOptions())

	_, err := s.Put(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = s.PutReader(context.Background(), bytes.NewReader(nil))
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Zero(t, blobs.TotalWrites())
}

func Test_Put_RoundTrip(t *testing.T) {
	for _, codec := range []string{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(codec, func(t *testing.T) {
			opts := fixedOptions()
			opts.Compression = codec
			s, _, _ := newTestStore(t, opts)

			// Half text, half noise, so both compressible and incompressible
			// chunks are exercised.
			data := append(bytes.Repeat([]byte("the quick brown fox "), 1000), randomBytes(1, 20_000)...)
			refs, err := s.Put(context.Background(), data)
			require.NoError(t, err)
			assert.EqualValues(t, len(data), refs.Size)

			var total int64
			for _, r := range refs.Refs {
				total += r.Length
			}
			assert.Equal(t, refs.Size, total)

			got := readAll(t, s.Get(context.Background(), refs.Hashes()))
			assert.Equal(t, data, got)
		})
	}
}

func Test_Put_TenMegabytes(t *testing.T) {
	s, _, _ := newTestStore(t, DefaultOptions())
	data := randomBytes(2, 10<<20)

	refs, err := s.Put(context.Background(), data)
	require.NoError(t, err)
	assert.Greater(t, len(refs.Refs), 1)

	got := readAll(t, s.Get(context.Background(), refs.Hashes()))
	assert.True(t, bytes.Equal(data, got))
}

func Test_Put_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _, blobs := newTestStore(t, fixedOptions())
	data := randomBytes(3, 50_000)

	first, err := s.Put(ctx, data)
	require.NoError(t, err)
	count, err := s.Count(ctx)
	require.NoError(t, err)
	writes := blobs.TotalWrites()

	second, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, first.Hashes(), second.Hashes())

	again, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, count, again)
	assert.Equal(t, writes, blobs.TotalWrites())
}

func Test_Put_ConcurrentIdenticalData(t *testing.T) {
	ctx := context.Background()
	s, _, blobs := newTestStore(t, fixedOptions())
	data := randomBytes(4, 64<<10)

	const writers = 8
	results := make([]*ChunkRefs, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs, err := s.Put(ctx, data)
			if assert.NoError(t, err) {
				results[i] = refs
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].Hashes(), r.Hashes())
	}
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 16, n)

	for _, h := range results[0].Hashes() {
		assert.Equal(t, 1, blobs.Writes(objectclient.ChunkPath(h)), "hash %s", h)
	}
}

func Test_Put_BackendFailure(t *testing.T) {
	s, _, blobs := newTestStore(t, fixedOptions())
	blobs.FailUploads = errors.New("bucket gone")

	_, err := s.Put(context.Background(), randomBytes(5, 10_000))
	require.ErrorIs(t, err, core.ErrStorageUnavailable)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no index row may point at bytes that were never written")
}

func Test_Put_CancelledContext(t *testing.T) {
	s, _, _ := newTestStore(t, fixedOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, randomBytes(6, 10_000))
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_Put_Locations(t *testing.T) {
	ctx := context.Background()

	t.Run("inline", func(t *testing.T) {
		opts := fixedOptions()
		opts.Location = LocationInline
		s, db, blobs := newTestStore(t, opts)

		refs, err := s.Put(ctx, randomBytes(7, 9000))
		require.NoError(t, err)
		assert.Zero(t, blobs.TotalWrites())

		c, err := db.GetChunk(ctx, refs.Refs[0].Hash)
		require.NoError(t, err)
		assert.Equal(t, models.LocationInline, c.Location.Kind)

		assert.Len(t, readAll(t, s.Get(ctx, refs.Hashes())), 9000)
	})

	t.Run("auto", func(t *testing.T) {
		opts := fixedOptions()
		opts.Location = LocationAuto
		opts.InlineMaxBytes = 1000
		s, db, blobs := newTestStore(t, opts)

		// one full 4096 chunk and one 500 byte tail
		refs, err := s.Put(ctx, randomBytes(8, 4596))
		require.NoError(t, err)
		require.Len(t, refs.Refs, 2)
		assert.Equal(t, 1, blobs.TotalWrites())

		big, err := db.GetChunk(ctx, refs.Refs[0].Hash)
		require.NoError(t, err)
		assert.Equal(t, models.LocationExternal, big.Location.Kind)

		small, err := db.GetChunk(ctx, refs.Refs[1].Hash)
		require.NoError(t, err)
		assert.Equal(t, models.LocationInline, small.Location.Kind)
	})
}

func Test_Get_MissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	s, _, blobs := newTestStore(t, fixedOptions())
	refs, err := s.Put(ctx, randomBytes(9, 12_000))
	require.NoError(t, err)
	hashes := refs.Hashes()

	_, err = io.ReadAll(s.Get(ctx, []string{"blake3:feedface"}))
	assert.ErrorIs(t, err, core.ErrChunkMissing)

	blobs.Corrupt(objectclient.ChunkPath(hashes[1]), randomBytes(10, 4096))
	_, err = io.ReadAll(s.Get(ctx, hashes))
	assert.ErrorIs(t, err, core.ErrChunkMissing)

	require.NoError(t, blobs.Delete(ctx, objectclient.ChunkPath(hashes[2])))
	rc := s.Get(ctx, hashes[2:])
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, core.ErrChunkMissing)

	// The first chunk is intact and streams before the failure is hit.
	buf := make([]byte, 4096)
	n, err := io.ReadFull(s.Get(ctx, hashes), buf)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
}

func Test_Exists(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, fixedOptions())

	refs, err := s.Put(ctx, []byte("tiny"))
	require.NoError(t, err)

	ok, err := s.Exists(ctx, refs.Refs[0].Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "blake3:00")
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_CollectGarbage_Unreferenced(t *testing.T) {
	ctx := context.Background()
	s, _, blobs := newTestStore(t, fixedOptions())

	refs, err := s.Put(ctx, randomBytes(11, 10_000))
	require.NoError(t, err)

	// Within the grace period nothing is collected.
	report, err := s.CollectGarbage(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, report.Chunks)

	report, err = s.CollectGarbage(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, len(refs.Refs), report.Chunks)
	assert.Equal(t, len(refs.Refs), report.BlobsDeleted)
	assert.EqualValues(t, 10_000, report.Bytes)
	assert.Zero(t, blobs.Len())

	ok, err := s.Exists(ctx, refs.Refs[0].Hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

// deleteHookBackend runs beforeDelete once, ahead of the first blob deletion.
type deleteHookBackend struct {
	*objectclient.MemoryStore
	once         sync.Once
	beforeDelete func()
}

func (b *deleteHookBackend) Delete(ctx context.Context, path string) error {
	b.once.Do(b.beforeDelete)
	return b.MemoryStore.Delete(ctx, path)
}

func newDocumentDB(t *testing.T) *kvstore.LevelDBClient {
	t.Helper()
	db, err := kvstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.CreateDocument(context.Background(), &models.Document{
		ID: "doc-1", OwnerID: "owner", CreatedAt: time.Now().UTC(),
	}))
	return db
}

func commitVersion(ctx context.Context, db core.DbClient, id string, refs *ChunkRefs) error {
	entries := make([]models.ManifestEntry, len(refs.Refs))
	for i, r := range refs.Refs {
		entries[i] = models.ManifestEntry{VersionID: id, Ordinal: i, ChunkHash: r.Hash, Length: r.Length}
	}
	v := &models.DocumentVersion{ID: id, DocumentID: "doc-1", Size: refs.Size, Chunked: true, CreatedAt: time.Now().UTC()}
	return db.CreateVersion(ctx, v, entries)
}

func Test_CollectGarbage_ConcurrentUploadOfSameBytes(t *testing.T) {
	ctx := context.Background()
	db := newDocumentDB(t)
	blobs := &deleteHookBackend{MemoryStore: objectclient.NewMemoryStore()}
	s, err := New(db, blobs, fixedOptions())
	require.NoError(t, err)

	data := randomBytes(12, 4096)
	_, err = s.Put(ctx, data)
	require.NoError(t, err)

	// A second upload of the same bytes runs while gc is deleting the blob.
	// It deduplicates against the doomed record and then tries to commit.
	var putErr error
	deduped := make(chan struct{})
	committed := make(chan error, 1)
	blobs.beforeDelete = func() {
		go func() {
			refs, err := s.Put(ctx, data)
			putErr = err
			close(deduped)
			if err != nil {
				committed <- err
				return
			}
			committed <- commitVersion(ctx, db, "v-racing", refs)
		}()
		select {
		case <-deduped:
		case <-time.After(5 * time.Second):
			t.Error("upload blocked behind garbage collection")
		}
	}

	report, err := s.CollectGarbage(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)
	assert.Equal(t, 1, report.BlobsDeleted)

	var commitErr error
	select {
	case commitErr = <-committed:
	case <-time.After(5 * time.Second):
		t.Fatal("version commit never returned")
	}
	require.NoError(t, putErr)
	require.ErrorIs(t, commitErr, core.ErrValidation, "a version must not commit against a collected chunk")

	v, err := db.GetVersion(ctx, "v-racing")
	require.NoError(t, err)
	assert.Nil(t, v)

	// Retrying writes the bytes afresh and the committed version reads back.
	refs, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.NoError(t, commitVersion(ctx, db, "v-retry", refs))
	assert.Equal(t, data, readAll(t, s.Get(ctx, refs.Hashes())))

	report, err = s.CollectGarbage(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Chunks)
	assert.Equal(t, data, readAll(t, s.Get(ctx, refs.Hashes())))
}

func Test_CollectGarbage_BetweenDedupAndCommit(t *testing.T) {
	ctx := context.Background()
	db := newDocumentDB(t)
	s, err := New(db, objectclient.NewMemoryStore(), fixedOptions())
	require.NoError(t, err)

	data := randomBytes(13, 10_000)
	_, err = s.Put(ctx, data)
	require.NoError(t, err)

	refs, err := s.Put(ctx, data)
	require.NoError(t, err)
	for _, h := range refs.Hashes() {
		ok, err := s.Exists(ctx, h)
		require.NoError(t, err)
		require.True(t, ok)
	}

	report, err := s.CollectGarbage(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, len(refs.Refs), report.Chunks)

	err = commitVersion(ctx, db, "v-late", refs)
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Contains(t, err.Error(), "does not exist")

	versions, err := db.ListVersions(ctx, "doc-1", true)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func Test_CollectGarbage_SkipsChunkCommittedMeanwhile(t *testing.T) {
	ctx := context.Background()
	db := newDocumentDB(t)
	blobs := &deleteHookBackend{MemoryStore: objectclient.NewMemoryStore()}
	s, err := New(db, blobs, fixedOptions())
	require.NoError(t, err)

	doomed, err := s.Put(ctx, randomBytes(14, 4096))
	require.NoError(t, err)
	kept, err := s.Put(ctx, randomBytes(15, 4096))
	require.NoError(t, err)
	require.NoError(t, commitVersion(ctx, db, "v-kept", kept))

	// A commit racing the collection of an unrelated chunk waits and lands.
	committed := make(chan error, 1)
	blobs.beforeDelete = func() {
		go func() { committed <- commitVersion(ctx, db, "v-second", kept) }()
	}

	report, err := s.CollectGarbage(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)
	require.NoError(t, <-committed)

	_, err = io.ReadAll(s.Get(ctx, doomed.Hashes()))
	assert.ErrorIs(t, err, core.ErrChunkMissing)
	assert.Equal(t, randomBytes(15, 4096), readAll(t, s.Get(ctx, kept.Hashes())))
}
