package extraction_engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"
	"github.com/otiai10/gosseract/v2"
)

var (
	_ PageRenderer  = FitzRenderer{}
	_ Recognizer    = (*TesseractRecognizer)(nil)
	_ LanguageProbe = TessdataProbe{}
)

// FitzRenderer rasterizes PDFs and images with MuPDF.
type FitzRenderer struct{}

func (FitzRenderer) Open(data []byte) (RenderedDocument, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) NumPages() int { return d.doc.NumPage() }

func (d *fitzDocument) RenderPage(page int, dpi int) ([]byte, error) {
	return d.doc.ImagePNG(page, float64(dpi))
}

func (d *fitzDocument) Close() error { return d.doc.Close() }

// TesseractRecognizer runs Tesseract through gosseract. A client is created
// per page because gosseract clients are not safe for concurrent use.
type TesseractRecognizer struct {
	TessdataPrefix string
}

func NewTesseractRecognizer(tessdataPrefix string) *TesseractRecognizer {
	return &TesseractRecognizer{TessdataPrefix: tessdataPrefix}
}

func (t *TesseractRecognizer) Recognize(ctx context.Context, image []byte, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	client := gosseract.NewClient()
	defer client.Close()

	if t.TessdataPrefix != "" {
		client.TessdataPrefix = t.TessdataPrefix
	}
	if err := client.SetLanguage(language); err != nil {
		return "", fmt.Errorf("set language %s: %w", language, err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	return client.Text()
}

// TessdataProbe checks for <Dir>/<lang>.traineddata.
type TessdataProbe struct {
	Dir string
}

func (p TessdataProbe) Available(language string) bool {
	info, err := os.Stat(filepath.Join(p.Dir, language+".traineddata"))
	return err == nil && !info.IsDir()
}
