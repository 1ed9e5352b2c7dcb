// Package chunkstore is the content-addressed chunk store: it splits document
// bytes into chunks, persists each distinct chunk once, and streams chunk
// sequences back in order.
package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	chunker "github.com/ipfs/boxo/chunker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/markdave123-py/docvault/internal/core"
	objectclient "github.com/markdave123-py/docvault/internal/core/object-client"
	"github.com/markdave123-py/docvault/internal/models"
)

// Options tunes a Store. The chunk policy must not change for the lifetime of
// a store instance; hash, compression and location policies may change
// between instances because every chunk records its own.
//
// ChunkPolicy:      boxo chunker string ("buzhash", "size-262144", "rabin-...").
// HashAlgorithm:    HashBlake3 or HashBlake2b.
// Compression:      codec applied to chunk bytes before persisting.
// Location:         LocationExternal, LocationInline or LocationAuto.
// InlineMaxBytes:   largest chunk kept inline under LocationAuto.
// WriteParallelism: concurrent chunk writes within one Put.
type Options struct {
	ChunkPolicy      string
	HashAlgorithm    string
	Compression      string
	Location         string
	InlineMaxBytes   int
	WriteParallelism int
}

// DefaultOptions is content-defined chunking, BLAKE3, zstd, external storage.
func DefaultOptions() Options {
	return Options{
		ChunkPolicy:      "buzhash",
		HashAlgorithm:    HashBlake3,
		Compression:      CompressionZstd,
		Location:         LocationExternal,
		InlineMaxBytes:   16 << 10,
		WriteParallelism: 8,
	}
}

// ChunkRef identifies one chunk of a Put, in stream order.
type ChunkRef struct {
	Hash   string
	Length int64
}

// ChunkRefs is the ordered result of a Put.
type ChunkRefs struct {
	Refs []ChunkRef
	Size int64
}

// Hashes returns the chunk identifiers in order.
func (c *ChunkRefs) Hashes() []string {
	out := make([]string, len(c.Refs))
	for i, r := range c.Refs {
		out[i] = r.Hash
	}
	return out
}

// GCReport summarizes a garbage collection pass.
type GCReport struct {
	Chunks       int
	Bytes        int64
	BlobsDeleted int
}

const gcBatchSize = 500

type Store struct {
	db     core.DbClient
	blobs  core.BlobBackend
	opts   Options
	flight singleflight.Group
}

func New(db core.DbClient, blobs core.BlobBackend, opts Options) (*Store, error) {
	if db == nil || blobs == nil {
		return nil, fmt.Errorf("chunkstore: db and blob backend are required")
	}
	if err := validateChunkPolicy(opts.ChunkPolicy); err != nil {
		return nil, err
	}
	if _, err := HashBytes(opts.HashAlgorithm, nil); err != nil {
		return nil, err
	}
	if err := validateCompression(opts.Compression); err != nil {
		return nil, err
	}
	switch opts.Location {
	case LocationExternal, LocationInline, LocationAuto:
	default:
		return nil, fmt.Errorf("unknown chunk location policy %q", opts.Location)
	}
	if opts.WriteParallelism < 1 {
		opts.WriteParallelism = 1
	}
	return &Store{db: db, blobs: blobs, opts: opts}, nil
}

// Put splits data into chunks and persists each chunk not already present.
func (s *Store) Put(ctx context.Context, data []byte) (*ChunkRefs, error) {
	if len(data) == 0 {
		return nil, core.Validationf("chunkstore.Put", "empty input")
	}
	return s.PutReader(ctx, bytes.NewReader(data))
}

// PutReader is Put over a stream. Chunks are written in parallel; the call
// returns only once every chunk is durable, or fails as a whole.
func (s *Store) PutReader(ctx context.Context, r io.Reader) (*ChunkRefs, error) {
	const op = "chunkstore.Put"

	splitter, err := chunker.FromString(r, s.opts.ChunkPolicy)
	if err != nil {
		return nil, core.NewError(core.ErrValidation, op, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.WriteParallelism)

	out := &ChunkRefs{}
	var readErr error
	for {
		if gctx.Err() != nil {
			break
		}
		data, err := splitter.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = core.NewError(core.ErrUnreadableStream, op, err)
			break
		}

		hash, err := HashBytes(s.opts.HashAlgorithm, data)
		if err != nil {
			readErr = err
			break
		}
		out.Refs = append(out.Refs, ChunkRef{Hash: hash, Length: int64(len(data))})
		out.Size += int64(len(data))

		g.Go(func() error {
			return s.persist(gctx, hash, data)
		})
	}

	werr := g.Wait()
	if readErr != nil {
		return nil, readErr
	}
	if werr != nil {
		return nil, werr
	}
	// The caller's context may have been cancelled between chunks.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(out.Refs) == 0 {
		return nil, core.Validationf(op, "empty input")
	}

	log.WithFields(log.Fields{"chunks": len(out.Refs), "size": out.Size}).Debug("chunkstore: put complete")
	return out, nil
}

// persist writes one chunk unless it already exists. Concurrent writers of the
// same hash inside this process share one write; writers in other processes
// race to idempotent no-ops at the backend and the index.
func (s *Store) persist(ctx context.Context, hash string, data []byte) error {
	ch := s.flight.DoChan(hash, func() (any, error) {
		// Detached so one caller abandoning its upload does not fail the
		// others sharing this write.
		return nil, s.write(context.WithoutCancel(ctx), hash, data)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) write(ctx context.Context, hash string, data []byte) error {
	const op = "chunkstore.Put"

	exists, err := s.db.ChunkExists(ctx, hash)
	if err != nil {
		return core.NewError(core.ErrStorageUnavailable, op, err).WithChunk(hash)
	}
	if exists {
		return nil
	}

	stored, codec, err := compress(s.opts.Compression, data)
	if err != nil {
		return core.NewError(core.ErrValidation, op, err).WithChunk(hash)
	}

	chunk := &models.Chunk{
		Hash:         hash,
		Length:       int64(len(data)),
		StoredLength: int64(len(stored)),
		Compression:  codec,
		CreatedAt:    time.Now().UTC(),
	}

	if s.inline(len(data)) {
		chunk.Location = models.InlineLocation(stored)
	} else {
		path := objectclient.ChunkPath(hash)
		// Bytes are durable before the index row that points at them exists.
		if err := s.blobs.Upload(ctx, path, stored); err != nil {
			return core.NewError(core.ErrStorageUnavailable, op, err).WithChunk(hash)
		}
		chunk.Location = models.ExternalLocation(path)
	}

	inserted, err := s.db.InsertChunk(ctx, chunk)
	if err != nil {
		return core.NewError(core.ErrStorageUnavailable, op, err).WithChunk(hash)
	}
	log.WithFields(log.Fields{
		"hash":     hash,
		"length":   chunk.Length,
		"stored":   chunk.StoredLength,
		"codec":    codec,
		"location": chunk.Location.Kind.String(),
		"inserted": inserted,
	}).Debug("chunkstore: chunk written")
	return nil
}

func (s *Store) inline(length int) bool {
	switch s.opts.Location {
	case LocationInline:
		return true
	case LocationAuto:
		return length <= s.opts.InlineMaxBytes
	default:
		return false
	}
}

// Exists reports whether a chunk with this hash is persisted.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	ok, err := s.db.ChunkExists(ctx, hash)
	if err != nil {
		return false, core.NewError(core.ErrStorageUnavailable, "chunkstore.Exists", err).WithChunk(hash)
	}
	return ok, nil
}

// Get streams the concatenation of the given chunks in order. Chunks are
// fetched lazily as the reader advances; a missing or corrupt chunk surfaces
// as ErrChunkMissing from Read. The stream is single-pass.
func (s *Store) Get(ctx context.Context, hashes []string) io.ReadCloser {
	return &chunkReader{ctx: ctx, store: s, hashes: hashes}
}

// load fetches, decodes and verifies one chunk.
func (s *Store) load(ctx context.Context, hash string) ([]byte, error) {
	const op = "chunkstore.Get"

	chunk, err := s.db.GetChunk(ctx, hash)
	if err != nil {
		return nil, core.NewError(core.ErrStorageUnavailable, op, err).WithChunk(hash)
	}
	if chunk == nil {
		return nil, core.NewError(core.ErrChunkMissing, op, nil).WithChunk(hash)
	}

	stored, err := s.fetch(ctx, chunk.Location)
	if errors.Is(err, core.ErrBlobNotFound) {
		return nil, core.NewError(core.ErrChunkMissing, op, err).WithChunk(hash)
	}
	if err != nil {
		return nil, core.NewError(core.ErrStorageUnavailable, op, err).WithChunk(hash)
	}

	data, err := decompress(chunk.Compression, stored, chunk.Length)
	if err != nil {
		return nil, core.NewError(core.ErrChunkMissing, op, err).WithChunk(hash)
	}

	alg, ok := hashAlgorithm(hash)
	if !ok {
		return nil, core.NewError(core.ErrChunkMissing, op, fmt.Errorf("malformed hash")).WithChunk(hash)
	}
	got, err := HashBytes(alg, data)
	if err != nil {
		return nil, core.NewError(core.ErrChunkMissing, op, err).WithChunk(hash)
	}
	if got != hash {
		return nil, core.NewError(core.ErrChunkMissing, op, fmt.Errorf("digest mismatch: stored bytes hash to %s", got)).WithChunk(hash)
	}
	return data, nil
}

// fetch resolves a chunk location to its stored bytes.
func (s *Store) fetch(ctx context.Context, loc models.Location) ([]byte, error) {
	switch loc.Kind {
	case models.LocationInline:
		return loc.Data, nil
	case models.LocationExternal:
		var buf bytes.Buffer
		if err := s.blobs.DownloadToStream(ctx, loc.Path, &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown chunk location kind %d", loc.Kind)
	}
}

// CollectGarbage deletes chunks that no manifest references and that are older
// than grace. The grace period protects chunks written by uploads whose
// manifest has not been committed yet.
//
// Blobs are deleted while the metadata store still holds the batch's records.
// A concurrent writer of the same bytes therefore either deduplicates against
// a record that is about to vanish, and its manifest commit fails with
// ErrValidation, or finds no record and writes the blob again after the
// deletion.
func (s *Store) CollectGarbage(ctx context.Context, grace time.Duration) (*GCReport, error) {
	cutoff := time.Now().Add(-grace)
	report := &GCReport{}

	for {
		removed, err := s.db.DeleteUnreferencedChunks(ctx, cutoff, gcBatchSize, func(ctx context.Context, chunks []models.Chunk) {
			report.BlobsDeleted += s.deleteBlobs(context.WithoutCancel(ctx), chunks)
		})
		if err != nil {
			return report, core.NewError(core.ErrStorageUnavailable, "chunkstore.CollectGarbage", err)
		}
		for _, c := range removed {
			report.Chunks++
			report.Bytes += c.Length
		}
		if len(removed) < gcBatchSize {
			break
		}
	}

	log.WithFields(log.Fields{
		"chunks": report.Chunks,
		"bytes":  report.Bytes,
		"blobs":  report.BlobsDeleted,
	}).Info("chunkstore: garbage collection finished")
	return report, nil
}

// deleteBlobs removes the external bytes of collected chunks. A blob that
// cannot be deleted is only wasted space and is logged.
func (s *Store) deleteBlobs(ctx context.Context, chunks []models.Chunk) int {
	deleted := 0
	for _, c := range chunks {
		if c.Location.Kind != models.LocationExternal {
			continue
		}
		if err := s.blobs.Delete(ctx, c.Location.Path); err != nil {
			log.WithError(err).WithField("hash", c.Hash).Warn("chunkstore: gc could not delete blob")
			continue
		}
		deleted++
	}
	return deleted
}

// Count returns the number of persisted chunk records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.db.CountChunks(ctx)
}

// chunkReader is the lazy stream returned by Get.
type chunkReader struct {
	ctx    context.Context
	store  *Store
	hashes []string
	next   int
	cur    []byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.next >= len(r.hashes) {
			return 0, io.EOF
		}
		if err := r.ctx.Err(); err != nil {
			r.err = err
			return 0, err
		}
		data, err := r.store.load(r.ctx, r.hashes[r.next])
		if err != nil {
			r.err = err
			return 0, err
		}
		r.next++
		r.cur = data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.cur = nil
	r.err = io.ErrClosedPipe
	return nil
}
