// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/strategy"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fleetOptions builds options over a temp project holding ichiV1.py,
// MACDCCI/ and CustomStoplossWithPSAR.py.
func fleetOptions(t *testing.T, strategies ...string) Options {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "user_data", "strategies")
	for _, p := range []string{"ichiV1.py", "MACDCCI/MACDCCI.py", "CustomStoplossWithPSAR.py"} {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("class X: pass\n"), 0o644))
	}

	cfg := config.Default()
	cfg.Strategies = strategies
	cfg.Paths.StrategyRoot = root
	cfg.Paths.ComposeFile = filepath.Join(dir, "docker-compose.yml")
	cfg.Paths.Archive = filepath.Join(dir, "build", "strategies.tar.gz")
	return OptionsFromConfig(cfg, quietLogger())
}

func entries(ids ...string) []strategy.Entry {
	out := make([]strategy.Entry, len(ids))
	for i, id := range ids {
		out[i] = strategy.Entry{Identifier: id, Kind: strategy.KindFile}
	}
	return out
}

// =============================================================================
// Generate Tests
// =============================================================================

func TestGenerate_IchiAndMacdcci(t *testing.T) {
	opts := fleetOptions(t, "ichiV1", "MACDCCI")

	res, err := Generate(context.Background(), opts)
	require.NoError(t, err)
	doc := res.Document

	require.Len(t, doc.Workers, 2)
	assert.Equal(t, []string{"ichiv1", "macdcci"}, doc.Console.DependsOn)
	assert.Equal(t, doc.WorkerSlugs(), doc.Console.DependsOn)

	assert.Equal(t, 8081, doc.Workers[0].Port)
	assert.Equal(t, 8082, doc.Workers[1].Port)
	assert.Equal(t, 8080, doc.Console.Port)

	assert.Equal(t, "freqtrade_ichi_v1", doc.Workers[0].ResolvedContainerName(doc.DefaultPrefix))
	assert.Equal(t, "freqtrade_macdcci", doc.Workers[1].ResolvedContainerName(doc.DefaultPrefix))

	cmd := doc.Workers[0].Command
	assert.Equal(t, []string{"--config", "/freqtrade/user_data/config.json", "--strategy", "ichiV1"}, cmd[len(cmd)-4:])
	assert.Equal(t, "trade", cmd[0])

	data, err := os.ReadFile(res.ComposePath)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"${CONSOLE_PORT:-8080}:8080"`)
	assert.Contains(t, text, `"${BOT_1_PORT:-8081}:8080"`)
	assert.Contains(t, text, `"${BOT_2_PORT:-8082}:8080"`)
	assert.Contains(t, text, `"${CONTAINER_PREFIX:-freqtrade}_ichi_v1"`)
	assert.Contains(t, text, `"${CONTAINER_PREFIX:-freqtrade}_macdcci"`)
	assert.Contains(t, text, "freqtradeorg/freqtrade:${IMAGE_TAG:-stable}")
	assert.Contains(t, text, "./user_data:/freqtrade/user_data")

	// console is rendered before any worker
	assert.Less(t, strings.Index(text, "  frequi:"), strings.Index(text, "  ichiv1:"))
	assert.Less(t, strings.Index(text, "  ichiv1:"), strings.Index(text, "  macdcci:"))

	assert.FileExists(t, res.Archive.Path)
	assert.Equal(t, 2, res.Archive.Files)
	assert.True(t, res.Changed)
}

func TestGenerate_ByteIdenticalOnRerun(t *testing.T) {
	opts := fleetOptions(t, "ichiV1", "MACDCCI", "CustomStoplossWithPSAR")

	first, err := Generate(context.Background(), opts)
	require.NoError(t, err)
	firstBytes, err := os.ReadFile(first.ComposePath)
	require.NoError(t, err)

	second, err := Generate(context.Background(), opts)
	require.NoError(t, err)
	secondBytes, err := os.ReadFile(second.ComposePath)
	require.NoError(t, err)

	assert.Equal(t, firstBytes, secondBytes)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Archive.SHA256, second.Archive.SHA256)
}

func TestGenerate_SkipsMissingEntries(t *testing.T) {
	opts := fleetOptions(t, "ichiV1", "Ghost", "MACDCCI")

	res, err := Generate(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ghost"}, res.Missing)
	require.Len(t, res.Document.Workers, 2)

	// skipped entries do not consume a port
	assert.Equal(t, 8082, res.Document.Workers[1].Port)
	assert.Equal(t, "bot.2", res.Document.Workers[1].Role)
}

func TestGenerate_ConfigErrorsProduceNoArtifacts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   error
	}{
		{"empty list", func(o *Options) { o.Strategies = nil }, strategy.ErrEmptyList},
		{"missing root", func(o *Options) { o.StrategyRoot += "-gone" }, strategy.ErrRootMissing},
		{"nothing resolves", func(o *Options) { o.Strategies = []string{"Ghost"} }, strategy.ErrNoneResolved},
		{"duplicate slug", func(o *Options) { o.Strategies = []string{"ichiV1", "ichiV1"} }, ErrDuplicateSlug},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := fleetOptions(t, "ichiV1")
			tt.mutate(&opts)

			_, err := Generate(context.Background(), opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.NoFileExists(t, opts.ComposePath)
			assert.NoFileExists(t, opts.ArchivePath)
		})
	}
}

// =============================================================================
// Synthesize Tests
// =============================================================================

func TestSynthesize_PortsAndSlugsUnique(t *testing.T) {
	opts := fleetOptions(t)
	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		ids = append(ids, fmt.Sprintf("Strategy%03d", i))
	}

	doc, err := Synthesize(opts, entries(ids...))
	require.NoError(t, err)

	ports := map[int]bool{}
	slugs := map[string]bool{}
	for _, s := range doc.Services() {
		assert.False(t, ports[s.Port], "port %d reused", s.Port)
		assert.False(t, slugs[s.Slug], "slug %s reused", s.Slug)
		ports[s.Port] = true
		slugs[s.Slug] = true
	}
	assert.Len(t, ports, 21)
	assert.Equal(t, 8081+19, doc.Workers[19].Port)
}

func TestSynthesize_Collisions(t *testing.T) {
	t.Run("slug", func(t *testing.T) {
		_, err := Synthesize(fleetOptions(t), entries("ichiV1", "ICHIV1"))
		assert.ErrorIs(t, err, ErrDuplicateSlug)
	})
	t.Run("console slug", func(t *testing.T) {
		_, err := Synthesize(fleetOptions(t), entries("frequi"))
		assert.ErrorIs(t, err, ErrDuplicateSlug)
	})
	t.Run("console port", func(t *testing.T) {
		opts := fleetOptions(t)
		opts.WorkerBasePort = 8079
		_, err := Synthesize(opts, entries("a", "b"))
		assert.ErrorIs(t, err, ErrPortCollision)
	})
}

func TestSynthesize_BuildSection(t *testing.T) {
	opts := fleetOptions(t)
	opts.Worker.Build = config.BuildConfig{Context: ".", Dockerfile: "docker/worker.Dockerfile"}

	doc, err := Synthesize(opts, entries("MACDCCI"))
	require.NoError(t, err)
	data, err := doc.Render()
	require.NoError(t, err)
	assert.Contains(t, string(data), "dockerfile: docker/worker.Dockerfile")
}

func TestImageRef(t *testing.T) {
	tests := []struct {
		image string
		want  string
	}{
		{"freqtradeorg/freqtrade", "freqtradeorg/freqtrade:${IMAGE_TAG:-stable}"},
		{"freqtradeorg/freqtrade:2024.1", "freqtradeorg/freqtrade:2024.1"},
		{"localhost:5000/bots/worker", "localhost:5000/bots/worker:${IMAGE_TAG:-stable}"},
		{"worker@sha256:abc", "worker@sha256:abc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, imageRef(tt.image, "stable"), tt.image)
	}
}

func TestPortVariable(t *testing.T) {
	assert.Equal(t, "CONSOLE_PORT", PortVariable(RoleConsole))
	assert.Equal(t, "BOT_1_PORT", PortVariable(WorkerRole(0)))
	assert.Equal(t, "BOT_12_PORT", PortVariable(WorkerRole(11)))
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_ReadsGeneratedDocument(t *testing.T) {
	opts := fleetOptions(t, "ichiV1", "MACDCCI", "CustomStoplossWithPSAR")
	res, err := Generate(context.Background(), opts)
	require.NoError(t, err)

	loaded, err := Load(res.ComposePath)
	require.NoError(t, err)

	assert.Equal(t, res.Document.Roles(), loaded.Roles())
	assert.Equal(t, res.Document.Ports(), loaded.Ports())
	assert.Equal(t, res.Document.WorkerSlugs(), loaded.WorkerSlugs())
	assert.Equal(t, "freqtrade", loaded.DefaultPrefix)
	assert.Equal(t, "custom_stoploss_with_psar", loaded.Workers[2].ContainerSuffix)
	assert.Equal(t, "CustomStoplossWithPSAR", loaded.Workers[2].Identifier)
}

func TestLoad_RejectsForeignDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  web:\n    image: nginx\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrMalformedDocument)
}
