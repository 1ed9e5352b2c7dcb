package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/core/chunkstore"
	"github.com/markdave123-py/docvault/internal/core/manifest"
	"github.com/markdave123-py/docvault/internal/models"
)

// UploadRequest is one new version of an existing document.
type UploadRequest struct {
	DocumentID  string
	Data        []byte
	Label       string
	UploaderID  string
	ContentType string
	Metadata    map[string]string
}

// DocumentService is the surface other layers call: upload, read and extract.
type DocumentService struct {
	db        core.DbClient
	chunks    *chunkstore.Store
	manifest  *manifest.Manifest
	extractor core.TextExtractor
	gcGrace   time.Duration
}

func NewDocumentService(db core.DbClient, chunks *chunkstore.Store, m *manifest.Manifest, extractor core.TextExtractor, gcGrace time.Duration) *DocumentService {
	return &DocumentService{db: db, chunks: chunks, manifest: m, extractor: extractor, gcGrace: gcGrace}
}

func (s *DocumentService) CreateDocument(ctx context.Context, ownerID, title string) (*models.Document, error) {
	const op = "documents.Create"
	if strings.TrimSpace(ownerID) == "" {
		return nil, core.Validationf(op, "owner is required")
	}
	doc := &models.Document{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     strings.TrimSpace(title),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, core.NewError(core.ErrStorageUnavailable, op, err).WithDocument(doc.ID)
	}
	return doc, nil
}

func (s *DocumentService) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, core.NewError(core.ErrStorageUnavailable, "documents.Get", err).WithDocument(id)
	}
	if doc == nil {
		return nil, core.NewError(core.ErrDocumentNotFound, "documents.Get", nil).WithDocument(id)
	}
	return doc, nil
}

// UploadVersion stores the bytes and then commits the version. Metadata is
// only written once every chunk is durable; a failure or cancellation before
// the commit leaves no version behind.
func (s *DocumentService) UploadVersion(ctx context.Context, req UploadRequest) (string, error) {
	const op = "documents.UploadVersion"

	if req.DocumentID == "" {
		return "", core.Validationf(op, "document id is required")
	}
	if len(req.Data) == 0 {
		return "", core.Validationf(op, "empty upload").WithDocument(req.DocumentID)
	}
	if _, err := s.GetDocument(ctx, req.DocumentID); err != nil {
		return "", err
	}

	start := time.Now()
	refs, err := s.chunks.Put(ctx, req.Data)
	if err != nil {
		return "", err
	}

	id, err := s.manifest.CreateVersion(ctx, manifest.NewVersion{
		DocumentID:  req.DocumentID,
		Refs:        refs.Refs,
		Label:       req.Label,
		UploaderID:  req.UploaderID,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"document": req.DocumentID,
		"version":  id,
		"size":     refs.Size,
		"chunks":   len(refs.Refs),
		"took":     time.Since(start).String(),
	}).Info("documents: version uploaded")
	return id, nil
}

func (s *DocumentService) ReadVersion(ctx context.Context, versionID string) (io.ReadCloser, error) {
	return s.manifest.Reconstitute(ctx, versionID, manifest.ReadOptions{})
}

func (s *DocumentService) ListVersions(ctx context.Context, documentID string, includeDeleted bool) ([]models.DocumentVersion, error) {
	return s.manifest.ListVersions(ctx, documentID, includeDeleted)
}

// ExtractText runs the extraction pipeline over an arbitrary stream.
func (s *DocumentService) ExtractText(ctx context.Context, r io.Reader, contentType string) (*core.ExtractedText, error) {
	return s.extractor.Extract(ctx, r, contentType)
}

// ExtractVersionText reconstitutes a stored version and extracts its text,
// using the content type recorded at upload.
func (s *DocumentService) ExtractVersionText(ctx context.Context, versionID string) (*core.ExtractedText, error) {
	v, err := s.manifest.Version(ctx, versionID, manifest.ReadOptions{})
	if err != nil {
		return nil, err
	}
	rc, err := s.manifest.Reconstitute(ctx, versionID, manifest.ReadOptions{})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	res, err := s.extractor.Extract(ctx, rc, v.ContentType)
	if err != nil {
		var oe *core.OpError
		if errors.As(err, &oe) {
			oe.WithDocument(v.DocumentID).WithVersion(versionID)
		}
		return nil, err
	}
	return res, nil
}

func (s *DocumentService) DeleteVersion(ctx context.Context, versionID string) error {
	return s.manifest.SetDeleted(ctx, versionID, true)
}

func (s *DocumentService) RestoreVersion(ctx context.Context, versionID string) error {
	return s.manifest.SetDeleted(ctx, versionID, false)
}

func (s *DocumentService) SignVersion(ctx context.Context, versionID string) error {
	return s.manifest.SetSigned(ctx, versionID, true)
}

func (s *DocumentService) MigrateVersion(ctx context.Context, versionID string) ([]chunkstore.ChunkRef, error) {
	return s.manifest.Migrate(ctx, versionID)
}

func (s *DocumentService) MigrateAll(ctx context.Context, limit int) (*manifest.MigrationReport, error) {
	return s.manifest.MigrateAll(ctx, limit)
}

func (s *DocumentService) CollectGarbage(ctx context.Context) (*chunkstore.GCReport, error) {
	return s.chunks.CollectGarbage(ctx, s.gcGrace)
}
