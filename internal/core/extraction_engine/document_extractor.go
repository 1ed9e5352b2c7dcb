package extraction_engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"

	"github.com/markdave123-py/docvault/internal/core"
)

var _ StructuralExtractor = (*DocumentExtractor)(nil)

// DocumentExtractor reads native text layers: PDFs page by page, plain text
// as is, and office and markup formats through docconv.
type DocumentExtractor struct {
	useReadability bool
}

func NewDocumentExtractor(useReadability bool) *DocumentExtractor {
	return &DocumentExtractor{useReadability: useReadability}
}

func (e *DocumentExtractor) ExtractStructural(ctx context.Context, data []byte, contentType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case contentType == "application/pdf":
		return extractPDF(ctx, data)
	case contentType == "text/plain" || contentType == "text/markdown" || contentType == "text/csv":
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%s is not valid utf-8", contentType)
		}
		return []string{string(data)}, nil
	case strings.HasPrefix(contentType, "image/"):
		// no text layer; OCR only
		return nil, core.ErrUnsupportedFormat
	case docconvSupports(contentType):
		res, err := docconv.Convert(bytes.NewReader(data), contentType, e.useReadability)
		if err != nil {
			return nil, fmt.Errorf("docconv %s: %w", contentType, err)
		}
		return []string{res.Body}, nil
	default:
		return nil, fmt.Errorf("no structural parser for %q: %w", contentType, core.ErrUnsupportedFormat)
	}
}

// extractPDF returns the text layer of every page. The parser panics on some
// malformed inputs; that is reported as an ordinary error.
func extractPDF(ctx context.Context, data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	n := reader.NumPage()
	fonts := make(map[string]*pdf.Font)
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := reader.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := p.Font(name)
				fonts[name] = &f
			}
		}
		text, err := p.GetPlainText(fonts)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// docconvSupports lists the types docconv converts without external OCR.
func docconvSupports(contentType string) bool {
	switch contentType {
	case "application/msword",
		"application/vnd.ms-word",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.oasis.opendocument.text",
		"application/vnd.apple.pages",
		"application/x-iwork-pages-sffpages",
		"application/rtf",
		"application/x-rtf",
		"text/rtf",
		"text/richtext",
		"text/html",
		"text/url",
		"text/xml",
		"application/xml":
		return true
	}
	return false
}
