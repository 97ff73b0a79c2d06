package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandEngine wraps an external extraction binary invoked per document.
// The binary receives the file path as its last argument and writes the
// extracted text to stdout.
type CommandEngine struct {
	name string
	bin  string
	args []string
}

// NewCommandEngine creates an engine shelling out to bin. Returns an error
// if the binary is not on PATH, so deployments without the tool simply do
// not register the engine.
func NewCommandEngine(name, bin string, args ...string) (*CommandEngine, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("engine binary %s not found: %w", bin, err)
	}

	return &CommandEngine{
		name: name,
		bin:  bin,
		args: args,
	}, nil
}

// Name implements Engine.
func (e *CommandEngine) Name() string {
	return e.name
}

// Extract implements Engine.
func (e *CommandEngine) Extract(ctx context.Context, path string) (*Result, error) {
	start := time.Now()

	args := append(append([]string{}, e.args...), path, "-")
	cmd := exec.CommandContext(ctx, e.bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w (%s)", e.bin, err, strings.TrimSpace(stderr.String()))
	}

	text := stdout.String()
	result := &Result{
		Text:      text,
		PageCount: strings.Count(text, "\f") + 1,
		Method:    e.name,
		Duration:  time.Since(start),
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		result.Warnings = append(result.Warnings, msg)
	}

	return result, nil
}
