package manifest

import (
	"context"
	"errors"
	"io"

	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/core/chunkstore"
	"github.com/markdave123-py/docvault/internal/models"
)

// contentResolver opens the byte stream of one version. There is one
// implementation per storage mode.
type contentResolver interface {
	open(ctx context.Context, v *models.DocumentVersion) (io.ReadCloser, error)
}

// chunkedResolver reads a version through its manifest.
type chunkedResolver struct {
	db     core.DbClient
	chunks *chunkstore.Store
}

func (r chunkedResolver) open(ctx context.Context, v *models.DocumentVersion) (io.ReadCloser, error) {
	entries, err := r.db.GetManifest(ctx, v.ID)
	if err != nil {
		return nil, core.NewError(core.ErrStorageUnavailable, "manifest.Reconstitute", err).WithVersion(v.ID)
	}
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.ChunkHash
	}
	return r.chunks.Get(ctx, hashes), nil
}

// legacyResolver reads a pre-chunking version from its single blob.
type legacyResolver struct {
	blobs core.BlobBackend
}

func (r legacyResolver) open(ctx context.Context, v *models.DocumentVersion) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		err := r.blobs.DownloadToStream(ctx, v.LegacyPath, pw)
		if errors.Is(err, core.ErrBlobNotFound) {
			err = core.NewError(core.ErrChunkMissing, "manifest.Reconstitute", err).WithVersion(v.ID)
		} else if err != nil {
			err = core.NewError(core.ErrStorageUnavailable, "manifest.Reconstitute", err).WithVersion(v.ID)
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}
