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
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebounce = 150 * time.Millisecond

// startWatch runs Watch over a fresh workspace and counts onChange calls.
func startWatch(t *testing.T) (cfgPath, root string, calls *atomic.Int32) {
	t.Helper()
	dir := t.TempDir()
	cfgPath = filepath.Join(dir, "botfleet.yaml")
	root = filepath.Join(dir, "strategies")
	require.NoError(t, os.WriteFile(cfgPath, []byte("strategies: [ichiV1]\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "MACDCCI", "__pycache__"), 0o755))

	calls = &atomic.Int32{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, WatchOptions{ConfigPath: cfgPath, StrategyRoot: root, Debounce: testDebounce},
			func() { calls.Add(1) })
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// watches are registered before Watch starts reading events
	time.Sleep(100 * time.Millisecond)
	return cfgPath, root, calls
}

func TestWatch_DebouncesBurst(t *testing.T) {
	_, root, calls := startWatch(t)
	src := filepath.Join(root, "ichiV1.py")

	require.NoError(t, os.WriteFile(src, []byte("class ichiV1: pass\n"), 0o644))
	require.NoError(t, os.WriteFile(src, []byte("class ichiV1:\n    timeframe = '5m'\n"), 0o644))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 3*testDebounce, 10*time.Millisecond)
}

func TestWatch_IgnoresBytecode(t *testing.T) {
	_, root, calls := startWatch(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "MACDCCI", "__pycache__", "MACDCCI.cpython-311.pyc"), []byte{0x0}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ichiV1.pyc"), []byte{0x0}, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "__pycache__"), 0o755))

	assert.Never(t, func() bool { return calls.Load() > 0 }, 4*testDebounce, 10*time.Millisecond)
}

func TestWatch_ConfigAndNestedSources(t *testing.T) {
	cfgPath, root, calls := startWatch(t)

	require.NoError(t, os.WriteFile(cfgPath, []byte("strategies: [ichiV1, MACDCCI]\n"), 0o644))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// files next to the config are not sources
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(cfgPath), "notes.txt"), []byte("x"), 0o644))
	assert.Never(t, func() bool { return calls.Load() > 1 }, 3*testDebounce, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "MACDCCI", "indicators.py"), []byte("def rsi(): pass\n"), 0o644))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}
