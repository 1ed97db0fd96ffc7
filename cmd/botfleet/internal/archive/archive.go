// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/strategy"
)

// ErrNoEntries is returned when Package is called without sources.
var ErrNoEntries = errors.New("no strategy sources to package")

// Options tunes Package. The zero value is usable.
type Options struct {
	// TempDir is where the staging directory is created.
	// Default: os.TempDir()
	TempDir string

	// Logger receives debug output. Default: slog.Default()
	Logger *slog.Logger
}

// Result describes a written archive.
type Result struct {
	Path   string
	Files  int
	Bytes  int64
	SHA256 string
}

// Package stages the sources of entries and writes them to outPath.
//
// # Description
//
// Each file entry is staged as "<basename>", each directory entry as
// "<identifier>/..." (Python caches are skipped). The staging directory is
// always removed before Package returns, whether it succeeds or not. The
// archive is written to a sibling temp file and renamed into place, so a
// failed run never leaves a truncated archive at outPath.
//
// # Inputs
//
//   - ctx: Checked between entries.
//   - entries: Resolved strategies, in deployment order.
//   - outPath: Destination of the .tar.gz file.
//   - opts: Staging location and logger.
//
// # Outputs
//
//   - *Result: Path, file count, size and sha256 of the archive.
//   - error: ErrNoEntries, or a wrapped filesystem error.
func Package(ctx context.Context, entries []strategy.Entry, outPath string, opts Options) (*Result, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	staging, err := os.MkdirTemp(opts.TempDir, "botfleet-stage-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			logger.Warn("failed to remove staging dir", "path", staging, "error", rmErr)
		}
	}()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := stage(staging, e); err != nil {
			return nil, fmt.Errorf("stage %s: %w", e.Identifier, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".archive-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash := sha256.New()
	files, err := writeTarGz(io.MultiWriter(tmp, hash), staging)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return nil, fmt.Errorf("move archive into place: %w", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("strategy archive written", "path", outPath, "files", files, "bytes", info.Size())
	return &Result{
		Path:   outPath,
		Files:  files,
		Bytes:  info.Size(),
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// =============================================================================
// Staging
// =============================================================================

func stage(staging string, e strategy.Entry) error {
	switch e.Kind {
	case strategy.KindDirectory:
		return copyTree(e.Path, filepath.Join(staging, e.Identifier))
	default:
		return copyFile(e.Path, filepath.Join(staging, filepath.Base(e.Path)))
	}
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "__pycache__" {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// =============================================================================
// Tarball
// =============================================================================

func writeTarGz(w io.Writer, root string) (int, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	files := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		hdr := &tar.Header{
			Name:    name,
			ModTime: time.Unix(0, 0).UTC(),
		}
		if d.IsDir() {
			hdr.Typeflag = tar.TypeDir
			hdr.Name = strings.TrimSuffix(name, "/") + "/"
			hdr.Mode = 0o755
			return tw.WriteHeader(hdr)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0o644
		hdr.Size = info.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return files, err
	}
	if err := tw.Close(); err != nil {
		return files, err
	}
	return files, gz.Close()
}
