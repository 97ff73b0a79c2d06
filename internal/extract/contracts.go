// Package extract defines the boundary to the extraction engines. The
// engines themselves (OCR, PDF parsing, document conversion) are external
// collaborators; the scheduler only ever sees this uniform contract.
package extract

import (
	"context"
	"time"
)

// Engine names used by triage routing.
const (
	EnginePDFFast = "pdf-fast" // fast text-layer extraction for simple PDFs
	EngineDocAI   = "docai"    // advanced engine: OCR + layout analysis
	EngineConvert = "convert"  // general-purpose document conversion
)

// Engine extracts normalized text from a document file.
type Engine interface {
	// Extract reads the file at path and returns its text content.
	Extract(ctx context.Context, path string) (*Result, error)

	// Name returns the engine identifier triage routes by.
	Name() string
}

// Result contains the extracted text and metadata.
type Result struct {
	Text      string
	PageCount int
	Method    string
	Warnings  []string
	Duration  time.Duration
}

// Registry holds the engines available to this deployment.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry from the provided engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Get returns the named engine, or nil if it is not registered.
func (r *Registry) Get(name string) Engine {
	return r.engines[name]
}

// Available reports whether the named engine is registered. Triage consults
// this to downgrade advanced-engine routing when the engine is absent.
func (r *Registry) Available(name string) bool {
	_, ok := r.engines[name]
	return ok
}

// Names lists the registered engine names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}
