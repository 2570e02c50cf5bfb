package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/cua/pkg/models"
)

// TrajectoryWriter appends every canonical message and screenshot of a run to
// a timestamped directory:
//
//	<dir>/YYYYMMDD_HHMMSS_<session_id>/messages.jsonl
//	<dir>/YYYYMMDD_HHMMSS_<session_id>/screenshots/<call_id>.png
//
// Writes happen on event so a crash loses at most the in-flight line; the
// jsonl file is fsynced on run end. Register it after scrubbing callbacks so
// the durable record is the scrubbed one.
type TrajectoryWriter struct {
	Dir string

	mu      sync.Mutex
	runDir  string
	file    *os.File
	written int
	shots   int
}

// NewTrajectoryWriter builds a writer rooted at dir.
func NewTrajectoryWriter(dir string) *TrajectoryWriter {
	return &TrajectoryWriter{Dir: dir}
}

func (w *TrajectoryWriter) Name() string { return "trajectory_writer" }

// RunDir returns the directory of the current run, empty before OnRunStart.
func (w *TrajectoryWriter) RunDir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runDir
}

func (w *TrajectoryWriter) OnRunStart(ctx context.Context, rc *RunContext) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	session := rc.SessionID
	if session == "" {
		session = rc.RunID
	}
	w.runDir = filepath.Join(w.Dir, fmt.Sprintf("%s_%s", rc.StartedAt.Format("20060102_150405"), session))
	if err := os.MkdirAll(filepath.Join(w.runDir, "screenshots"), 0o755); err != nil {
		return fmt.Errorf("trajectory: create %s: %w", w.runDir, err)
	}
	file, err := os.OpenFile(filepath.Join(w.runDir, "messages.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("trajectory: open messages.jsonl: %w", err)
	}
	w.file = file
	w.written = 0
	return nil
}

// BeforeTurn persists the messages appended to history since the last turn.
// History is append-only, so the diff is exactly the new suffix.
func (w *TrajectoryWriter) BeforeTurn(ctx context.Context, rc *RunContext, messages []models.Message) ([]models.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.appendLocked(messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// OnScreenshot stores the raw frame keyed by the observed call.
func (w *TrajectoryWriter) OnScreenshot(ctx context.Context, rc *RunContext, png []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runDir == "" {
		return png, nil
	}
	name := rc.CallID
	if name == "" {
		w.shots++
		name = fmt.Sprintf("frame_%03d", w.shots)
	}
	path := filepath.Join(w.runDir, "screenshots", name+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return nil, fmt.Errorf("trajectory: write screenshot: %w", err)
	}
	return png, nil
}

// OnRunEnd persists the tail of the emitted stream, a usage record, and
// fsyncs the jsonl file.
func (w *TrajectoryWriter) OnRunEnd(ctx context.Context, rc *RunContext, result *models.RunResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	_ = w.appendLocked(result.Output)

	record := struct {
		Type   string           `json:"type"`
		Status models.RunStatus `json:"status"`
		Usage  models.Usage     `json:"usage"`
		At     time.Time        `json:"at"`
	}{"run_usage", result.Status, result.Usage, time.Now().UTC()}
	if line, err := json.Marshal(record); err == nil {
		_, _ = w.file.Write(append(line, '\n'))
	}

	_ = w.file.Sync()
	_ = w.file.Close()
	w.file = nil
}

func (w *TrajectoryWriter) appendLocked(messages []models.Message) error {
	if w.file == nil {
		return nil
	}
	for ; w.written < len(messages); w.written++ {
		line, err := json.Marshal(messages[w.written])
		if err != nil {
			return fmt.Errorf("trajectory: encode message: %w", err)
		}
		if _, err := w.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("trajectory: append message: %w", err)
		}
	}
	return nil
}
