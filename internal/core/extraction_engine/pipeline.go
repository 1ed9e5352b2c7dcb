package extraction_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/markdave123-py/docvault/internal/core"
)

const (
	SourceStructural = "structural"
	SourceOCR        = "ocr"

	// PageSeparator joins the text of consecutive pages.
	PageSeparator = "\f"

	// Keys of core.ExtractedText.Metadata.
	MetaContentType = "content_type"
	MetaBytes       = "bytes"
	MetaDPI         = "dpi"
	MetaLanguage    = "language"
)

var _ core.TextExtractor = (*Pipeline)(nil)

// Pipeline extracts text in two stages: the document's own text layer first,
// then OCR of rendered pages when the text layer is too thin.
type Pipeline struct {
	structural StructuralExtractor
	renderer   PageRenderer
	recognizer Recognizer
	languages  LanguageProbe
	cfg        ExtractConfig
}

func NewPipeline(structural StructuralExtractor, renderer PageRenderer, recognizer Recognizer, languages LanguageProbe, cfg ExtractConfig) *Pipeline {
	if cfg.RenderRetries < 1 {
		cfg.RenderRetries = 1
	}
	if cfg.DPI <= 0 {
		cfg.DPI = DefaultExtractConfig().DPI
	}
	return &Pipeline{
		structural: structural,
		renderer:   renderer,
		recognizer: recognizer,
		languages:  languages,
		cfg:        cfg,
	}
}

// state is a step of one extraction run.
type state int

const (
	stateNotStarted state = iota
	stateStructuralDone
	stateAccepted
	stateOcrDone
	stateFinished
)

func (s state) String() string {
	switch s {
	case stateNotStarted:
		return "not-started"
	case stateStructuralDone:
		return "structural-done"
	case stateAccepted:
		return "accepted"
	case stateOcrDone:
		return "ocr-done"
	case stateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// run carries one extraction through the state machine.
type run struct {
	p           *Pipeline
	data        []byte
	contentType string

	structuralPages []string
	structuralErr   error
	ocrPages        []string
	language        string

	result *core.ExtractedText
}

// Extract reads r fully and returns its text. Low quality text is never an
// error; a failure means no text could be produced at all.
func (p *Pipeline) Extract(ctx context.Context, r io.Reader, contentType string) (*core.ExtractedText, error) {
	const op = "extract"

	if r == nil {
		return nil, core.NewError(core.ErrUnreadableStream, op, errors.New("nil reader"))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, core.NewError(core.ErrUnreadableStream, op, err)
	}
	if buf.Len() == 0 {
		return nil, core.NewError(core.ErrUnreadableStream, op, errors.New("empty stream"))
	}

	x := &run{p: p, data: buf.Bytes(), contentType: normalizeContentType(contentType, buf.Bytes())}
	st := stateNotStarted
	for st != stateFinished {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := x.step(ctx, st)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"from": st, "to": next, "content_type": x.contentType}).Trace("extract: transition")
		st = next
	}
	return x.result, nil
}

// metadata describes how the result was produced. OCR results also carry the
// rendering resolution and recognition language.
func (x *run) metadata(ocr bool) map[string]string {
	md := map[string]string{
		MetaContentType: x.contentType,
		MetaBytes:       strconv.Itoa(len(x.data)),
	}
	if ocr {
		md[MetaDPI] = strconv.Itoa(x.p.cfg.DPI)
		md[MetaLanguage] = x.language
	}
	return md
}

func (x *run) step(ctx context.Context, st state) (state, error) {
	switch st {
	case stateNotStarted:
		x.structuralPages, x.structuralErr = x.p.structural.ExtractStructural(ctx, x.data, x.contentType)
		if x.structuralErr != nil {
			log.WithError(x.structuralErr).WithField("content_type", x.contentType).Debug("extract: structural stage failed")
		}
		return stateStructuralDone, nil

	case stateStructuralDone:
		if x.sufficient() || (x.structuralErr == nil && !renderable(x.contentType)) {
			return stateAccepted, nil
		}
		if !renderable(x.contentType) {
			return 0, core.NewError(core.ErrUnsupportedFormat, "extract", x.structuralErr)
		}
		if err := x.ocr(ctx); err != nil {
			return 0, err
		}
		return stateOcrDone, nil

	case stateAccepted:
		x.result = &core.ExtractedText{
			Text:          strings.Join(x.structuralPages, PageSeparator),
			Source:        SourceStructural,
			Pages:         len(x.structuralPages),
			StructuralErr: x.structuralErr,
			Metadata:      x.metadata(false),
		}
		return stateFinished, nil

	case stateOcrDone:
		x.result = &core.ExtractedText{
			Text:          strings.Join(x.ocrPages, PageSeparator),
			Source:        SourceOCR,
			Pages:         len(x.ocrPages),
			Language:      x.language,
			StructuralErr: x.structuralErr,
			Metadata:      x.metadata(true),
		}
		return stateFinished, nil

	default:
		return 0, fmt.Errorf("extract: no transition from %s", st)
	}
}

// sufficient is the single gate deciding whether OCR runs.
func (x *run) sufficient() bool {
	if x.structuralErr != nil {
		return false
	}
	text := strings.TrimSpace(strings.Join(x.structuralPages, PageSeparator))
	return utf8.RuneCountInString(text) > x.p.cfg.MinTextChars
}

func (x *run) ocr(ctx context.Context) error {
	const op = "extract.ocr"

	lang, err := x.p.chooseLanguage()
	if err != nil {
		return err
	}
	x.language = lang

	doc, err := x.p.renderer.Open(x.data)
	if err != nil {
		return core.NewError(core.ErrUnsupportedFormat, op, err)
	}
	defer doc.Close()

	n := doc.NumPages()
	x.ocrPages = make([]string, 0, n)
	for page := 0; page < n; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := x.p.recognizePage(ctx, doc, page, lang)
		if err != nil {
			return err
		}
		x.ocrPages = append(x.ocrPages, text)
	}

	log.WithFields(log.Fields{"pages": n, "language": lang}).Debug("extract: ocr finished")
	return nil
}

// chooseLanguage returns the first configured language whose resources are
// installed.
func (p *Pipeline) chooseLanguage() (string, error) {
	for _, lang := range p.cfg.Languages {
		if p.languages.Available(lang) {
			return lang, nil
		}
	}
	return "", core.NewError(core.ErrNoLanguageResource, "extract.ocr",
		fmt.Errorf("none of %v installed", p.cfg.Languages))
}

// recognizePage renders and recognizes one page, retrying both together.
func (p *Pipeline) recognizePage(ctx context.Context, doc RenderedDocument, page int, lang string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RenderRetries; attempt++ {
		img, err := doc.RenderPage(page, p.cfg.DPI)
		if err == nil {
			var text string
			text, err = p.recognizer.Recognize(ctx, img, lang)
			if err == nil {
				return strings.TrimSpace(text), nil
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		log.WithError(err).WithFields(log.Fields{"page": page, "attempt": attempt}).Warn("extract: page render failed")
		if attempt == p.cfg.RenderRetries {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * p.cfg.RenderBackoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", core.NewError(core.ErrRenderFailure, "extract.ocr", lastErr).WithPage(page)
}

// normalizeContentType strips parameters and sniffs the type when none is
// given.
func normalizeContentType(contentType string, data []byte) string {
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// renderable reports whether the page renderer can rasterize the type.
func renderable(contentType string) bool {
	return contentType == "application/pdf" || strings.HasPrefix(contentType, "image/")
}
