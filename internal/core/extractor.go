package core

import (
	"context"
	"io"
)

// ExtractedText represents the result of text extraction, with metadata about
// how it was produced.
type ExtractedText struct {
	Text string
	// Source is "structural" or "ocr".
	Source   string
	Pages    int
	Language string
	// StructuralErr is the structural parse failure, if any. It is reported
	// but never fatal on its own.
	StructuralErr error
	Metadata      map[string]string
}

// TextExtractor produces searchable text from a document byte stream.
// The contentType hint selects the structural parser.
type TextExtractor interface {
	Extract(ctx context.Context, r io.Reader, contentType string) (*ExtractedText, error)
}
