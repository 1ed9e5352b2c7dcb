package models

import (
	"time"
)

// Document is the logical identity that versions hang off.
type Document struct {
	ID        string    `db:"id" json:"id" cbor:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id" cbor:"owner_id"`
	Title     string    `db:"title" json:"title" cbor:"title"`
	Deleted   bool      `db:"deleted" json:"deleted" cbor:"deleted"`
	CreatedAt time.Time `db:"created_at" json:"created_at" cbor:"created_at"`
}

// DocumentVersion is one immutable upload of a document.
//
// Chunked selects the storage mode: when true the bytes are described by the
// version's manifest, otherwise they live as a single blob at LegacyPath.
type DocumentVersion struct {
	ID          string            `db:"id" json:"id" cbor:"id"`
	DocumentID  string            `db:"document_id" json:"document_id" cbor:"document_id"`
	Label       string            `db:"label" json:"label" cbor:"label"`
	UploaderID  string            `db:"uploader_id" json:"uploader_id" cbor:"uploader_id"`
	ContentType string            `db:"content_type" json:"content_type" cbor:"content_type"`
	Size        int64             `db:"size" json:"size" cbor:"size"`
	Deleted     bool              `db:"deleted" json:"deleted" cbor:"deleted"`
	Signed      bool              `db:"signed" json:"signed" cbor:"signed"`
	Chunked     bool              `db:"chunked" json:"chunked" cbor:"chunked"`
	LegacyPath  string            `db:"legacy_path" json:"legacy_path,omitempty" cbor:"legacy_path"`
	Metadata    map[string]string `db:"metadata" json:"metadata,omitempty" cbor:"metadata"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at" cbor:"created_at"`
}

// LocationKind tags which variant of Location is populated.
type LocationKind uint8

const (
	LocationInline   LocationKind = 1
	LocationExternal LocationKind = 2
)

func (k LocationKind) String() string {
	switch k {
	case LocationInline:
		return "inline"
	case LocationExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Location is where a chunk's stored bytes live: either inline in the
// metadata record or at a path in the blob backend. Exactly one of Data and
// Path is meaningful, selected by Kind.
type Location struct {
	Kind LocationKind `json:"kind" cbor:"1,keyasint"`
	Data []byte       `json:"-" cbor:"2,keyasint,omitempty"`
	Path string       `json:"path,omitempty" cbor:"3,keyasint,omitempty"`
}

func InlineLocation(data []byte) Location {
	return Location{Kind: LocationInline, Data: data}
}

func ExternalLocation(path string) Location {
	return Location{Kind: LocationExternal, Path: path}
}

// Chunk is a content-addressed unit of document bytes.
//
// Hash:         "<algorithm>:<hex digest>" over the uncompressed bytes.
// Length:       uncompressed length.
// StoredLength: length of the bytes as persisted (after compression).
// Compression:  codec name applied before persisting ("none", "lz4", "zstd").
type Chunk struct {
	Hash         string    `db:"hash" json:"hash" cbor:"hash"`
	Length       int64     `db:"length" json:"length" cbor:"length"`
	StoredLength int64     `db:"stored_length" json:"stored_length" cbor:"stored_length"`
	Compression  string    `db:"compression" json:"compression" cbor:"compression"`
	Location     Location  `db:"-" json:"location" cbor:"location"`
	CreatedAt    time.Time `db:"created_at" json:"created_at" cbor:"created_at"`
}

// ManifestEntry places one chunk at one ordinal of a version's byte stream.
// The same chunk may appear at several ordinals of one version.
type ManifestEntry struct {
	VersionID string `db:"version_id" json:"version_id" cbor:"version_id"`
	Ordinal   int    `db:"ordinal" json:"ordinal" cbor:"ordinal"`
	ChunkHash string `db:"chunk_hash" json:"chunk_hash" cbor:"chunk_hash"`
	Length    int64  `db:"length" json:"length" cbor:"length"`
}
