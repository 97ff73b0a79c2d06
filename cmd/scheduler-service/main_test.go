package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrelay/extraction-service/internal/config"
	"github.com/docrelay/extraction-service/internal/extract"
)

func TestWatchReloadsExitsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hup := make(chan os.Signal, 1)
	reloaded := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		watchReloads(ctx, hup, func() { reloaded <- struct{}{} })
		close(done)
	}()

	hup <- syscall.SIGHUP
	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload was not applied")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reload watcher did not exit after shutdown")
	}
}

func TestBuildEngineRegistrySkipsUnconfiguredAdvancedEngine(t *testing.T) {
	engines := buildEngineRegistry(&config.ExtractConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.True(t, engines.Available(extract.EngineConvert))
	assert.False(t, engines.Available(extract.EngineDocAI))
}

func TestBuildEngineRegistryRegistersConfiguredAdvancedEngine(t *testing.T) {
	cfg := &config.ExtractConfig{
		AdvancedEngine: config.CommandEngineConfig{Command: "sh", Args: []string{"-c"}},
	}

	engines := buildEngineRegistry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.True(t, engines.Available(extract.EngineDocAI))
}

func TestBuildEngineRegistryAdvancedEngineBinaryMissing(t *testing.T) {
	cfg := &config.ExtractConfig{
		AdvancedEngine: config.CommandEngineConfig{Command: "docai-binary-not-installed"},
	}

	engines := buildEngineRegistry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, engines.Available(extract.EngineDocAI))
}
