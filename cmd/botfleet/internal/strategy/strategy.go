// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package strategy resolves declared strategy identifiers to their sources
// under the strategy root and discovers what is available there.
package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrEmptyList is returned when no strategy identifiers are declared.
	ErrEmptyList = errors.New("strategy list is empty")

	// ErrRootMissing is returned when the strategy source root does not exist.
	ErrRootMissing = errors.New("strategy source root not found")

	// ErrNoneResolved is returned when not a single declared strategy resolves.
	ErrNoneResolved = errors.New("no strategy could be resolved")
)

// SourceExt is the file extension of single-file strategies.
const SourceExt = ".py"

// =============================================================================
// Types
// =============================================================================

// Kind tells whether a strategy lives in a single file or a directory.
type Kind int

const (
	// KindFile is a single "<root>/<identifier>.py" file.
	KindFile Kind = iota

	// KindDirectory is a "<root>/<identifier>/" directory.
	KindDirectory
)

// String returns "file" or "directory".
func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Entry is one resolved strategy. Identity is the identifier; the position
// in the slice returned by Resolve is the deployment order.
type Entry struct {
	Identifier string
	Kind       Kind
	// Path is the absolute path of the file or directory.
	Path string
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	// Entries holds resolved strategies in declaration order.
	Entries []Entry

	// Missing holds identifiers that matched neither a file nor a directory.
	Missing []string
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve locates the source of every identifier under root.
//
// # Description
//
// A directory named after the identifier wins over "<identifier>.py" when
// both exist. Identifiers that resolve to nothing are logged as warnings and
// reported in Resolution.Missing; they do not abort the run. The run is
// aborted when the list is empty, the root is missing, or nothing resolves.
//
// # Inputs
//
//   - root: Strategy source root (e.g. "user_data/strategies").
//   - identifiers: Declared identifiers, in deployment order.
//   - logger: Receives one warning per unresolved identifier. May be nil.
//
// # Outputs
//
//   - Resolution: Resolved entries plus unresolved identifiers.
//   - error: ErrEmptyList, ErrRootMissing or ErrNoneResolved (wrapped).
func Resolve(root string, identifiers []string, logger *slog.Logger) (Resolution, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(identifiers) == 0 {
		return Resolution{}, ErrEmptyList
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve strategy root %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil || !info.IsDir() {
		return Resolution{}, fmt.Errorf("%w: %s", ErrRootMissing, absRoot)
	}

	var res Resolution
	for _, id := range identifiers {
		entry, ok := locate(absRoot, id)
		if !ok {
			logger.Warn("strategy source not found, skipping",
				"strategy", id,
				"root", absRoot,
			)
			res.Missing = append(res.Missing, id)
			continue
		}
		res.Entries = append(res.Entries, entry)
	}

	if len(res.Entries) == 0 {
		return res, fmt.Errorf("%w: tried %s under %s", ErrNoneResolved, strings.Join(identifiers, ", "), absRoot)
	}
	return res, nil
}

func locate(root, id string) (Entry, bool) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return Entry{}, false
	}

	dir := filepath.Join(root, id)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return Entry{Identifier: id, Kind: KindDirectory, Path: dir}, true
	}

	file := filepath.Join(root, id+SourceExt)
	if info, err := os.Stat(file); err == nil && info.Mode().IsRegular() {
		return Entry{Identifier: id, Kind: KindFile, Path: file}, true
	}

	return Entry{}, false
}

// =============================================================================
// Discovery
// =============================================================================

// Discovered is a strategy found on disk by Discover.
type Discovered struct {
	Identifier string
	Kind       Kind
	Path       string
	// SourceFiles counts the .py files that make up the strategy.
	SourceFiles int
}

// Discover lists the strategies available under root, sorted by identifier.
//
// Directories count when they contain at least one .py file. Top-level .py
// files count as single-file strategies. Hidden entries and "__init__.py" /
// "__pycache__" are ignored.
func Discover(root string) ([]Discovered, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRootMissing, root)
		}
		return nil, fmt.Errorf("read strategy root: %w", err)
	}

	var found []Discovered
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__") {
			continue
		}
		path := filepath.Join(root, name)

		if e.IsDir() {
			n, err := countSources(path)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				found = append(found, Discovered{Identifier: name, Kind: KindDirectory, Path: path, SourceFiles: n})
			}
			continue
		}

		if e.Type().IsRegular() && strings.HasSuffix(name, SourceExt) {
			found = append(found, Discovered{
				Identifier:  strings.TrimSuffix(name, SourceExt),
				Kind:        KindFile,
				Path:        path,
				SourceFiles: 1,
			})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Identifier < found[j].Identifier })
	return found, nil
}

func countSources(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+SourceExt))
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", dir, err)
	}
	n := 0
	for _, m := range matches {
		if filepath.Base(m) != "__init__.py" {
			n++
		}
	}
	return n, nil
}
