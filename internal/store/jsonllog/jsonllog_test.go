package jsonllog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caic-xyz/openjules/internal/model"
)

func TestWriterOpenAppendCloseRoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	w, err := Open(dir, MetaMessage{MissionID: "m1", Goal: "add a feature", StartedAt: started})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w == nil {
		t.Fatalf("Open returned a nil Writer for a non-empty dir")
	}

	if err := w.AppendEvent(&model.MissionLog{
		StepID:    "s1",
		Type:      model.LogCommand,
		Content:   "npm test",
		Timestamp: started.Add(time.Second),
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	if err := w.Close(ResultMessage{Status: "COMPLETED", DurationMs: 1500}); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one compressed log file, got %d", len(entries))
	}
	compressed := filepath.Join(dir, entries[0].Name())
	if filepath.Ext(compressed) != ".br" {
		t.Fatalf("expected a .br file after Close, got %s", compressed)
	}

	lm, err := Load(compressed)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lm.MissionID != "m1" || lm.Goal != "add a feature" {
		t.Fatalf("unexpected meta: %+v", lm)
	}
	if len(lm.Events) != 1 || lm.Events[0].Content != "npm test" {
		t.Fatalf("unexpected events: %+v", lm.Events)
	}
	if lm.Result == nil || lm.Result.Status != "COMPLETED" || lm.Result.DurationMs != 1500 {
		t.Fatalf("unexpected result: %+v", lm.Result)
	}
}

func TestOpenReturnsNilWriterWhenDirEmpty(t *testing.T) {
	w, err := Open("", MetaMessage{MissionID: "m2"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w != nil {
		t.Fatalf("expected a nil Writer when dir is empty")
	}
	// A nil Writer's methods must be safe no-ops.
	if err := w.AppendEvent(&model.MissionLog{}); err != nil {
		t.Fatalf("AppendEvent on nil Writer: %v", err)
	}
	if err := w.Close(ResultMessage{}); err != nil {
		t.Fatalf("Close on nil Writer: %v", err)
	}
}

func TestLoadRejectsFileWithoutMetaHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-log.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"something_else"}`+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to reject a file without a valid mission_meta header")
	}
}
