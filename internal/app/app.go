// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/markdave123-py/docvault/internal/config"
	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/core/chunkstore"
	db "github.com/markdave123-py/docvault/internal/core/database"
	"github.com/markdave123-py/docvault/internal/core/extraction_engine"
	"github.com/markdave123-py/docvault/internal/core/kvstore"
	"github.com/markdave123-py/docvault/internal/core/manifest"
	objectclient "github.com/markdave123-py/docvault/internal/core/object-client"
	"github.com/markdave123-py/docvault/internal/services"
)

type App struct {
	DBClient  core.DbClient
	Blobs     core.BlobBackend
	Chunks    *chunkstore.Store
	Manifest  *manifest.Manifest
	Extractor core.TextExtractor
	Documents *services.DocumentService
}

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the standard logger.
func ConfigureLogging(cfg *config.Config) {
	log.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{}
	dbClient, err := newMetadataStore(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBClient = dbClient
	log.WithField("store", cfg.MetadataStore).Info("Metadata store initialized and ready.")

	blobs, err := objectclient.New(appCtx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the blob backend, %w", err)
	}
	a.Blobs = blobs
	log.WithField("backend", cfg.BlobBackend).Info("Blob backend initialized and ready.")

	a.Chunks, err = chunkstore.New(dbClient, blobs, chunkstore.Options{
		ChunkPolicy:      cfg.ChunkPolicy,
		HashAlgorithm:    cfg.ChunkHash,
		Compression:      cfg.ChunkCompression,
		Location:         cfg.ChunkLocation,
		InlineMaxBytes:   cfg.InlineMaxBytes,
		WriteParallelism: cfg.WriteParallelism,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the chunk store, %w", err)
	}

	a.Manifest = manifest.New(dbClient, a.Chunks, blobs)

	useReadability := false
	a.Extractor = extraction_engine.NewPipeline(
		extraction_engine.NewDocumentExtractor(useReadability),
		extraction_engine.FitzRenderer{},
		extraction_engine.NewTesseractRecognizer(cfg.TessdataPrefix),
		extraction_engine.TessdataProbe{Dir: cfg.TessdataPrefix},
		extraction_engine.ExtractConfigFrom(cfg),
	)

	a.Documents = services.NewDocumentService(dbClient, a.Chunks, a.Manifest, a.Extractor, cfg.GCGracePeriod)
	return a, nil
}

func newMetadataStore(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	switch cfg.MetadataStore {
	case "postgres":
		return db.NewDatabaseClient(ctx, cfg)
	case "leveldb":
		return kvstore.Open(cfg.LevelDBPath)
	default:
		return nil, fmt.Errorf("unknown metadata store %q", cfg.MetadataStore)
	}
}

func (a *App) Close() {
	if c, ok := a.Blobs.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("closing blob backend")
		}
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
