package extraction_engine

import (
	"time"

	"github.com/markdave123-py/docvault/internal/config"
)

// ExtractConfig tunes the two-stage pipeline.
//
// MinTextChars:  structural text longer than this many runes, once trimmed,
//                is accepted and OCR is skipped.
// DPI:           render resolution for OCR.
// Languages:     recognition languages in preference order.
// RenderRetries: attempts per page for render+recognize.
// RenderBackoff: wait after the n-th failed attempt is n*RenderBackoff.
type ExtractConfig struct {
	MinTextChars  int
	DPI           int
	Languages     []string
	RenderRetries int
	RenderBackoff time.Duration
}

func DefaultExtractConfig() ExtractConfig {
	return ExtractConfig{
		MinTextChars:  16,
		DPI:           300,
		Languages:     []string{"eng", "deu", "fra", "spa", "ita", "por", "nld"},
		RenderRetries: 3,
		RenderBackoff: 250 * time.Millisecond,
	}
}

// ExtractConfigFrom maps the application config onto the pipeline settings.
func ExtractConfigFrom(cfg *config.Config) ExtractConfig {
	return ExtractConfig{
		MinTextChars:  cfg.ExtractMinTextChars,
		DPI:           cfg.OCRDPI,
		Languages:     cfg.OCRLanguages,
		RenderRetries: cfg.RenderRetries,
		RenderBackoff: cfg.RenderBackoff,
	}
}
