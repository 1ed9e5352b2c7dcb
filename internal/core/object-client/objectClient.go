package objectclient

import (
	"context"
	"fmt"
	"path"

	"github.com/markdave123-py/docvault/internal/config"
	"github.com/markdave123-py/docvault/internal/core"
)

// New builds the blob backend selected by cfg.BlobBackend.
// It's abstract so you can replace AWS with MinIO, local disk, etc. easily.
func New(ctx context.Context, cfg *config.Config) (core.BlobBackend, error) {
	switch cfg.BlobBackend {
	case "s3":
		return NewS3Client(ctx, cfg)
	case "flatfs":
		return NewFlatFS(cfg.FlatFSPath)
	case "badger":
		return NewBadgerStore(cfg.BadgerPath)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

// ChunkPath is the blob path of an externally stored chunk. The first four
// hex characters of the digest shard the key space two levels deep.
// hash has the form "<algorithm>:<hex>".
func ChunkPath(hash string) string {
	alg, digest := splitHash(hash)
	if len(digest) < 4 {
		return path.Join("chunks", alg, digest)
	}
	return path.Join("chunks", alg, digest[:2], digest[2:4], digest)
}

// LegacyPath is the blob path of a pre-chunking single-blob version.
func LegacyPath(documentID, versionID string) string {
	return path.Join("documents", documentID, "versions", versionID)
}

func splitHash(hash string) (alg, digest string) {
	for i := 0; i < len(hash); i++ {
		if hash[i] == ':' {
			return hash[:i], hash[i+1:]
		}
	}
	return "raw", hash
}
