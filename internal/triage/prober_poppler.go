package triage

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// PopplerProber samples PDF text with the poppler pdftotext tool. It only
// yields text statistics; block and image counts stay zero, which biases
// triage towards the fast engine for text-rich documents and towards the
// conservative path for near-empty ones.
type PopplerProber struct {
	bin string
}

// NewPopplerProber returns a prober, or an error when pdftotext is not
// installed. Callers pass a nil prober to the analyzer in that case.
func NewPopplerProber() (*PopplerProber, error) {
	bin, err := exec.LookPath("pdftotext")
	if err != nil {
		return nil, fmt.Errorf("pdftotext not found: %w", err)
	}

	return &PopplerProber{bin: bin}, nil
}

// Probe implements PDFProber.
func (p *PopplerProber) Probe(ctx context.Context, path string, samplePages int) (*PDFStats, error) {
	if samplePages <= 0 {
		samplePages = 1
	}

	cmd := exec.CommandContext(ctx, p.bin,
		"-f", "1",
		"-l", fmt.Sprintf("%d", samplePages),
		path, "-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdftotext probe failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	text := stdout.String()

	// pdftotext separates pages with form feeds; fewer separators than
	// requested means the document is shorter than the sample window.
	pages := strings.Count(text, "\f")
	if pages == 0 {
		pages = 1
	}
	if pages > samplePages {
		pages = samplePages
	}

	chars := len(strings.TrimSpace(text))

	// Drawing-operator stats need real PDF parsing; leave them zero rather
	// than faking them from text lines.
	return &PDFStats{
		PagesSampled:   pages,
		AvgTextPerPage: float64(chars) / float64(pages),
	}, nil
}
