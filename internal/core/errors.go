package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers match them with errors.Is; the concrete error is
// usually an *OpError carrying the identities involved.
var (
	// malformed or empty input to a write operation, rejected before any side effect
	ErrValidation = errors.New("validation error")

	// transient backend faults
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRenderFailure      = errors.New("page render failure")

	// referential integrity violations
	ErrChunkMissing     = errors.New("chunk missing")
	ErrVersionNotFound  = errors.New("version not found")
	ErrDocumentNotFound = errors.New("document not found")

	// capability gaps
	ErrUnreadableStream   = errors.New("unreadable stream")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrNoLanguageResource = errors.New("no recognition language resource available")

	ErrAlreadyMigrated = errors.New("version already chunked")
	ErrBlobNotFound    = errors.New("blob not found")
	ErrURLUnsupported  = errors.New("backend cannot issue read urls")
)

// NoPage marks an OpError that is not tied to a page.
const NoPage = -1

// OpError is the error returned across the core's boundary. Kind is one of the
// sentinel errors above; Err is the underlying cause, if any.
type OpError struct {
	Kind       error
	Op         string
	DocumentID string
	VersionID  string
	ChunkHash  string
	Page       int
	Err        error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())

	var ctx []string
	if e.DocumentID != "" {
		ctx = append(ctx, "document="+e.DocumentID)
	}
	if e.VersionID != "" {
		ctx = append(ctx, "version="+e.VersionID)
	}
	if e.ChunkHash != "" {
		ctx = append(ctx, "chunk="+e.ChunkHash)
	}
	if e.Page >= 0 {
		ctx = append(ctx, fmt.Sprintf("page=%d", e.Page))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an OpError of the given kind with no page attached.
func NewError(kind error, op string, cause error) *OpError {
	return &OpError{Kind: kind, Op: op, Page: NoPage, Err: cause}
}

func (e *OpError) WithDocument(id string) *OpError {
	e.DocumentID = id
	return e
}

func (e *OpError) WithVersion(id string) *OpError {
	e.VersionID = id
	return e
}

func (e *OpError) WithChunk(hash string) *OpError {
	e.ChunkHash = hash
	return e
}

func (e *OpError) WithPage(page int) *OpError {
	e.Page = page
	return e
}

// Validationf is shorthand for a validation failure with a formatted reason.
func Validationf(op, format string, args ...any) *OpError {
	return NewError(ErrValidation, op, fmt.Errorf(format, args...))
}
