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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/archive"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/strategy"
)

// Result describes one Generate run.
type Result struct {
	Document    *Document
	Archive     *archive.Result
	ComposePath string

	// Missing lists configured strategies that were skipped.
	Missing []string

	// Changed is false when the written document is byte-identical to the
	// one it replaced.
	Changed bool
}

// Generate resolves the strategy list, builds the document, packages the
// strategy archive and writes the document.
//
// # Description
//
// Configuration errors (empty list, missing source root, nothing resolved,
// duplicate names) abort before any artifact is written. Unresolved entries
// are logged as warnings and reported in Result.Missing. The document is
// replaced atomically: a reader sees either the previous or the new file.
//
// # Inputs
//
//   - ctx: Cancels archive packaging.
//   - opts: Paths, ports, images and the strategy list.
//
// # Outputs
//
//   - *Result: The document, the archive result and whether the document
//     changed.
//   - error: A strategy.Err*, synth.Err* or I/O error.
//
// # Examples
//
//	res, err := synth.Generate(ctx, synth.OptionsFromConfig(cfg, logger))
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.ComposePath, res.Archive.SHA256)
func Generate(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.logger()

	resolution, err := strategy.Resolve(opts.StrategyRoot, opts.Strategies, logger)
	if err != nil {
		return nil, err
	}

	doc, err := Synthesize(opts, resolution.Entries)
	if err != nil {
		return nil, err
	}
	data, err := doc.Render()
	if err != nil {
		return nil, err
	}

	arch, err := archive.Package(ctx, resolution.Entries, opts.ArchivePath, archive.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	previous, _ := os.ReadFile(opts.ComposePath)
	if err := writeAtomic(opts.ComposePath, data); err != nil {
		return nil, err
	}

	changed := !bytes.Equal(previous, data)
	logger.Info("Compose document written",
		"path", opts.ComposePath,
		"workers", len(doc.Workers),
		"changed", changed,
		"archive_sha256", arch.SHA256)

	return &Result{
		Document:    doc,
		Archive:     arch,
		ComposePath: opts.ComposePath,
		Missing:     resolution.Missing,
		Changed:     changed,
	}, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".compose-*.yml")
	if err != nil {
		return fmt.Errorf("failed to create temp document: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp document: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
