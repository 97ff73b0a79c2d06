// Package triage decides, per document, which extraction engine should run
// and how complex the extraction is likely to be. Pure analysis: no retries,
// no side effects beyond reading the candidate file.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docrelay/extraction-service/internal/config"
	"github.com/docrelay/extraction-service/internal/extract"
)

// Complexity buckets reported on the plan.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// ExtractionPlan is the triage verdict for one document.
type ExtractionPlan struct {
	Supported      bool
	Engine         string
	NeedsOCR       bool
	NeedsLayout    bool
	Complexity     string
	Reason         string
	TriageDuration time.Duration
}

// Analyzer selects an extraction engine from lightweight per-document
// analysis. Construct once and share; it holds no per-call state.
type Analyzer struct {
	cfg     config.TriageConfig
	engines *extract.Registry
	prober  PDFProber
	logger  *slog.Logger
}

// NewAnalyzer creates an Analyzer. prober may be nil, in which case PDF
// triage degrades to a conservative default.
func NewAnalyzer(cfg config.TriageConfig, engines *extract.Registry, prober PDFProber, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		engines: engines,
		prober:  prober,
		logger:  logger,
	}
}

// Triage analyzes the file and returns an ExtractionPlan. It never fails for
// a supported category: when inspection is unavailable it returns a degraded
// but valid plan with the reason recorded.
func (a *Analyzer) Triage(ctx context.Context, path, declaredMimeType string) ExtractionPlan {
	start := time.Now()

	category := DetectCategory(path, declaredMimeType)

	var plan ExtractionPlan
	switch category {
	case CategoryImage:
		// Standalone image OCR is not offered; OCR only happens inside
		// documents.
		plan = ExtractionPlan{
			Supported:  false,
			Complexity: ComplexityLow,
			Reason:     "standalone images are not supported for extraction",
		}
	case CategoryPDF:
		plan = a.triagePDF(ctx, path)
	case CategoryOffice:
		plan = a.triageOffice(path)
	case CategoryText:
		plan = ExtractionPlan{
			Supported:  true,
			Engine:     extract.EngineConvert,
			Complexity: ComplexityLow,
			Reason:     "plain text or markup, general-purpose conversion",
		}
	default:
		plan = ExtractionPlan{
			Supported:  true,
			Engine:     extract.EngineConvert,
			Complexity: ComplexityMedium,
			Reason:     fmt.Sprintf("unknown file type %q, falling back to general-purpose conversion", declaredMimeType),
		}
	}

	plan.TriageDuration = time.Since(start)

	a.logger.Debug("Triage decision",
		slog.String("path", path),
		slog.String("category", string(category)),
		slog.String("engine", plan.Engine),
		slog.Bool("needs_ocr", plan.NeedsOCR),
		slog.Bool("needs_layout", plan.NeedsLayout),
		slog.String("reason", plan.Reason),
		slog.Duration("duration", plan.TriageDuration),
	)

	return plan
}

func (a *Analyzer) triagePDF(ctx context.Context, path string) ExtractionPlan {
	if a.prober == nil {
		return a.routeAdvanced(false, false, ComplexityMedium,
			"pdf inspection tooling unavailable, conservative routing")
	}

	stats, err := a.prober.Probe(ctx, path, a.cfg.SamplePages)
	if err != nil {
		return a.routeAdvanced(false, false, ComplexityMedium,
			fmt.Sprintf("pdf probe failed (%v), conservative routing", err))
	}

	if stats.AvgTextPerPage < float64(a.cfg.MinTextPerPage) {
		return a.routeAdvanced(true, false, ComplexityHigh,
			fmt.Sprintf("scanned pdf suspected: %.0f chars/page over %d sampled pages", stats.AvgTextPerPage, stats.PagesSampled))
	}

	switch {
	case stats.AvgBlocksPerPage > a.cfg.MaxBlocksPerPage:
		return a.routeAdvanced(false, true, ComplexityHigh,
			fmt.Sprintf("dense layout: %.1f blocks/page", stats.AvgBlocksPerPage))
	case stats.AvgImagesPerPage > a.cfg.MaxImagesPerPage:
		return a.routeAdvanced(false, true, ComplexityHigh,
			fmt.Sprintf("image-heavy pdf: %.1f images/page", stats.AvgImagesPerPage))
	case stats.LineDensity > a.cfg.TableLineThreshold:
		return a.routeAdvanced(false, true, ComplexityHigh,
			fmt.Sprintf("table-like line density: %.1f lines/page", stats.LineDensity))
	}

	return ExtractionPlan{
		Supported:  true,
		Engine:     extract.EnginePDFFast,
		Complexity: ComplexityLow,
		Reason:     fmt.Sprintf("text-rich pdf: %.0f chars/page, simple layout", stats.AvgTextPerPage),
	}
}

// routeAdvanced routes to the advanced engine, downgrading to the fast
// engine when it is not available.
func (a *Analyzer) routeAdvanced(needsOCR, needsLayout bool, complexity, reason string) ExtractionPlan {
	if !a.engines.Available(extract.EngineDocAI) {
		return ExtractionPlan{
			Supported:   true,
			Engine:      extract.EnginePDFFast,
			NeedsOCR:    needsOCR,
			NeedsLayout: needsLayout,
			Complexity:  complexity,
			Reason:      reason + "; advanced engine unavailable, downgraded to fast engine",
		}
	}

	return ExtractionPlan{
		Supported:   true,
		Engine:      extract.EngineDocAI,
		NeedsOCR:    needsOCR,
		NeedsLayout: needsLayout,
		Complexity:  complexity,
		Reason:      reason,
	}
}

func (a *Analyzer) triageOffice(path string) ExtractionPlan {
	info, err := os.Stat(path)
	if err != nil {
		return ExtractionPlan{
			Supported:  true,
			Engine:     extract.EngineConvert,
			Complexity: ComplexityMedium,
			Reason:     fmt.Sprintf("stat failed (%v), general-purpose conversion", err),
		}
	}

	if info.Size() > a.cfg.OfficeSizeBytes && a.engines.Available(extract.EngineDocAI) {
		return ExtractionPlan{
			Supported:   true,
			Engine:      extract.EngineDocAI,
			NeedsLayout: true,
			Complexity:  ComplexityHigh,
			Reason:      fmt.Sprintf("large office document (%d bytes), advanced engine", info.Size()),
		}
	}

	return ExtractionPlan{
		Supported:  true,
		Engine:     extract.EngineConvert,
		Complexity: ComplexityMedium,
		Reason:     fmt.Sprintf("office document (%d bytes), general-purpose conversion", info.Size()),
	}
}
