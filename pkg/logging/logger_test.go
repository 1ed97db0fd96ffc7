// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"trace", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Writer: &buf})
	defer logger.Close()

	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestNew_ServiceAttributeAndJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Service: "botfleet", JSON: true, Writer: &buf})
	defer logger.Close()

	logger.With("project", "botfleet-staging").Info("deploy started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("console output is not JSON: %v (%s)", err, buf.String())
	}
	if record["service"] != "botfleet" {
		t.Errorf("service = %v, want botfleet", record["service"])
	}
	if record["project"] != "botfleet-staging" {
		t.Errorf("project = %v, want botfleet-staging", record["project"])
	}
}

func TestNew_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	defer logger.Close()

	logger.Slog().Info("login",
		"password", "hunter2",
		"access_token", "abc",
		"password_present", true,
		"username", "freqtrader",
	)

	out := buf.String()
	for _, leaked := range []string{"hunter2", "abc"} {
		if strings.Contains(out, leaked) {
			t.Errorf("secret %q leaked: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "password_present=true") {
		t.Errorf("presence flag was redacted: %s", out)
	}
	if !strings.Contains(out, "username=freqtrader") {
		t.Errorf("username missing: %s", out)
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "deploy", Writer: &buf})

	logger.Slog().Info("to both")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}

	path := logger.FilePath()
	if !strings.HasPrefix(path, dir) || !strings.Contains(path, "deploy_") {
		t.Fatalf("unexpected log path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to both"`) {
		t.Errorf("file record missing: %s", data)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Errorf("console record missing: %s", buf.String())
	}
}

func TestNew_QuietWritesOnlyFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir})
	logger.Slog().Error("file only")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	data, err := os.ReadFile(logger.FilePath())
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "file only") {
		t.Errorf("file record missing: %s", data)
	}
}
