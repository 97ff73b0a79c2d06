package extract

import (
	"context"
	"fmt"
	"os"
	"time"
	"unicode/utf8"
)

// maxConvertBytes caps how much of a document the plain converter reads.
const maxConvertBytes = 32 << 20

// ConvertEngine is the general-purpose fallback: it reads the file as text.
// Good enough for plain text and markup; anything binary should have been
// routed elsewhere by triage.
type ConvertEngine struct{}

// NewConvertEngine creates the fallback converter.
func NewConvertEngine() *ConvertEngine {
	return &ConvertEngine{}
}

// Name implements Engine.
func (e *ConvertEngine) Name() string {
	return EngineConvert
}

// Extract implements Engine.
func (e *ConvertEngine) Extract(ctx context.Context, path string) (*Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat document: %w", err)
	}
	if info.Size() > maxConvertBytes {
		return nil, fmt.Errorf("document too large for plain conversion: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	result := &Result{
		Text:      string(data),
		PageCount: 1,
		Method:    EngineConvert,
		Duration:  time.Since(start),
	}

	if !utf8.Valid(data) {
		result.Warnings = append(result.Warnings, "document is not valid UTF-8, text may be garbled")
	}

	return result, nil
}
