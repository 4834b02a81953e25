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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.want {
			t.Errorf("Level(%d).String() = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestNew_QuietMode(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})
	defer logger.Close()

	logger.Info("quiet message", "key", "value")

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	if entries[0].Message != "quiet message" {
		t.Errorf("message = %q", entries[0].Message)
	}
	if entries[0].Attrs["key"] != "value" {
		t.Errorf("attrs = %v", entries[0].Attrs)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Level: LevelWarn, Exporter: exp})
	defer logger.Close()

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	logger.Error("kept too")

	entries := exp.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after filtering, got %d", len(entries))
	}
	if entries[0].Level != LevelWarn || entries[1].Level != LevelError {
		t.Errorf("levels = %v, %v", entries[0].Level, entries[1].Level)
	}
}

func TestLogger_With(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})
	defer logger.Close()

	child := logger.With("document_id", "doc-1")
	child.Info("child message")

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Attrs["document_id"] != "doc-1" {
		t.Errorf("child attrs not carried: %v", entries[0].Attrs)
	}
}

func TestLogger_ServiceAttribute(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Service: "syncd", Exporter: exp})
	defer logger.Close()

	logger.Info("tagged")

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Service != "syncd" {
		t.Errorf("service = %q, want syncd", entries[0].Service)
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "syncd"})

	logger.Info("file message", "n", 7)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "syncd_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log file is not JSON: %v", err)
	}
	if record["msg"] != "file message" {
		t.Errorf("msg = %v", record["msg"])
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	// Construction must degrade, not fail, when the directory is unusable.
	logger := New(Config{Quiet: true, LogDir: string([]byte{0})})
	defer logger.Close()
	logger.Info("still works")
}

func TestLogger_Close_Idempotent(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("concurrent", "worker", j)
			}
		}()
	}
	wg.Wait()

	if got := len(exp.Entries()); got != 200 {
		t.Errorf("expected 200 entries, got %d", got)
	}
}

func TestWriterExporter_Export(t *testing.T) {
	var buf bytes.Buffer
	exp := NewWriterExporter(&buf)

	err := exp.Export(context.Background(), LogEntry{
		Timestamp: time.Now(),
		Level:     LevelInfo,
		Message:   "hello",
		Service:   "syncd",
		Attrs:     map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["message"] != "hello" || record["level"] != "INFO" {
		t.Errorf("record = %v", record)
	}
}

func TestBufferedExporter_EntriesReturnsCopy(t *testing.T) {
	exp := NewBufferedExporter()
	_ = exp.Export(context.Background(), LogEntry{Message: "one"})

	entries := exp.Entries()
	entries[0].Message = "mutated"

	if exp.Entries()[0].Message != "one" {
		t.Error("Entries exposed internal storage")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log/duet"); got != "/var/log/duet" {
		t.Errorf("absolute path changed: %q", got)
	}
}
