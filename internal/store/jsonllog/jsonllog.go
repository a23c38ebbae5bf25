// Package jsonllog implements a crash-recoverable mission log: a JSONL file
// per mission run with a "mission_meta" header line, one line per
// MissionLog event, and a "mission_result" trailer written on completion,
// generalised from a task-runner log format (caic_meta/caic_result) from
// "task" to "mission" semantics. On Close the file is brotli-compressed at
// rest, the same fast-compression idiom normally applied to the wire,
// applied here to storage instead.
package jsonllog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/caic-xyz/openjules/internal/model"
)

// errNotLogFile is returned when a file lacks a valid mission_meta header.
var errNotLogFile = errors.New("jsonllog: not a mission log file")

// MetaMessage is the mandatory first line of every mission log file.
type MetaMessage struct {
	Type      string    `json:"type"` // always "mission_meta"
	MissionID string    `json:"missionId"`
	Goal      string    `json:"goal"`
	Repo      string    `json:"repo,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Validate rejects malformed headers, mirroring agent.MetaMessage.Validate
// from the task-runner log format this is generalised from.
func (m MetaMessage) Validate() error {
	if m.Type != "mission_meta" || m.MissionID == "" {
		return fmt.Errorf("jsonllog: invalid mission_meta header")
	}
	return nil
}

// ResultMessage is the mandatory trailer written once a mission reaches a
// terminal or gating status.
type ResultMessage struct {
	Type       string             `json:"type"` // always "mission_result"
	Status     string             `json:"status"`
	DurationMs int64              `json:"durationMs"`
	TokenUsage model.MissionTokenUsage `json:"tokenUsage"`
	Error      string             `json:"error,omitempty"`
}

// eventLine wraps a MissionLog event for JSONL encoding.
type eventLine struct {
	Type      string    `json:"type"`
	StepID    string    `json:"stepId,omitempty"`
	LogType   string    `json:"logType"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Writer appends mission events to a single JSONL file for the duration of
// one controller run.
type Writer struct {
	f    *os.File
	w    *bufio.Writer
	path string
}

// Open creates a new log file under dir named
// "<RFC3339Basic>-<missionID>.jsonl" and writes the meta header. Returns a
// nil Writer (and no error) when dir is empty: "no log directory configured"
// means logging is simply disabled, not an error.
func Open(dir string, meta MetaMessage) (*Writer, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	meta.Type = "mission_meta"
	name := fmt.Sprintf("%s-%s.jsonl", meta.StartedAt.UTC().Format("20060102T150405"), meta.MissionID)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, w: bufio.NewWriter(f), path: f.Name()}
	if err := w.writeLine(meta); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// AppendEvent appends a single MissionLog event line.
func (w *Writer) AppendEvent(l *model.MissionLog) error {
	if w == nil {
		return nil
	}
	if err := w.writeLine(eventLine{
		Type:      "mission_event",
		StepID:    l.StepID,
		LogType:   string(l.Type),
		Content:   l.Content,
		Timestamp: l.Timestamp,
	}); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close writes the result trailer, flushes, then brotli-compresses the file
// at rest and removes the plaintext copy.
func (w *Writer) Close(result ResultMessage) error {
	if w == nil {
		return nil
	}
	result.Type = "mission_result"
	if err := w.writeLine(result); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		_ = w.f.Close()
		return err
	}
	compressedPath := w.path + ".br"
	out, err := os.Create(compressedPath)
	if err != nil {
		_ = w.f.Close()
		return err
	}
	bw := brotli.NewWriterLevel(out, 5)
	if _, err := bw.ReadFrom(w.f); err != nil {
		_ = bw.Close()
		_ = out.Close()
		_ = w.f.Close()
		return err
	}
	if err := bw.Close(); err != nil {
		_ = out.Close()
		_ = w.f.Close()
		return err
	}
	if err := out.Close(); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

// LoadedMission is reconstructed from a single JSONL (optionally
// brotli-compressed) log file, used for operator crash-recovery inspection.
type LoadedMission struct {
	MissionID string
	Goal      string
	StartedAt time.Time
	Events    []eventLine
	Result    *ResultMessage
}

// Load reconstructs a LoadedMission from a log file path, transparently
// decompressing ".br" files.
func Load(path string) (*LoadedMission, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var scanner *bufio.Scanner
	if filepath.Ext(path) == ".br" {
		scanner = bufio.NewScanner(brotli.NewReader(f))
	} else {
		scanner = bufio.NewScanner(f)
	}
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	if !scanner.Scan() {
		return nil, errNotLogFile
	}
	var meta MetaMessage
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil || meta.Validate() != nil {
		return nil, errNotLogFile
	}

	lm := &LoadedMission{MissionID: meta.MissionID, Goal: meta.Goal, StartedAt: meta.StartedAt}
	var envelope struct {
		Type string `json:"type"`
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			continue
		}
		switch envelope.Type {
		case "mission_result":
			var rm ResultMessage
			if err := json.Unmarshal(line, &rm); err != nil {
				return nil, fmt.Errorf("jsonllog: invalid mission_result: %w", err)
			}
			lm.Result = &rm
		case "mission_event":
			var ev eventLine
			if err := json.Unmarshal(line, &ev); err != nil {
				slog.Warn("jsonllog: skipping malformed event line", "err", err)
				continue
			}
			lm.Events = append(lm.Events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lm, nil
}
