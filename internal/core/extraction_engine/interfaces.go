package extraction_engine

import "context"

// StructuralExtractor reads the text layer of a document without rendering
// it. Pages holds one entry per page when the format has pages, otherwise a
// single entry.
type StructuralExtractor interface {
	ExtractStructural(ctx context.Context, data []byte, contentType string) (pages []string, err error)
}

// PageRenderer opens a document for rasterization.
type PageRenderer interface {
	Open(data []byte) (RenderedDocument, error)
}

// RenderedDocument rasterizes pages of an opened document. Implementations
// need not be safe for concurrent use.
type RenderedDocument interface {
	NumPages() int
	// RenderPage returns page (0-based) as an encoded image.
	RenderPage(page int, dpi int) ([]byte, error)
	Close() error
}

// Recognizer turns a page image into text.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, language string) (string, error)
}

// LanguageProbe reports whether recognition resources for a language exist.
type LanguageProbe interface {
	Available(language string) bool
}
