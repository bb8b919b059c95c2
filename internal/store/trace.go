package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/descentreg/internal/opt"
)

// TraceEntry is one line of trace.jsonl.
type TraceEntry struct {
	Iteration        int       `json:"iteration"`
	Value            float64   `json:"value"`
	ConvergenceValue float64   `json:"convergenceValue"`
	LearningRate     float64   `json:"learningRate"`
	Timestamp        time.Time `json:"timestamp"`
	Params           []float64 `json:"params,omitempty"`
}

// TraceWriter appends entries to a run's trace.jsonl through a buffer.
// It is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter opens <baseDir>/runs/<runID>/trace.jsonl, truncating it
// unless appendMode is set.
func NewTraceWriter(baseDir, runID string, appendMode bool) (*TraceWriter, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	dir := runDir(baseDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	path := filepath.Join(dir, traceFileName)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write buffers entry; it reaches the file on Flush or Close.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	data = append(data, '\n')

	tw.mu.Lock()
	defer tw.mu.Unlock()
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	return nil
}

// Flush writes buffered entries and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

func (tw *TraceWriter) Path() string { return tw.path }

// TraceObserver records iteration events of an optimizer.
type TraceObserver struct {
	w        *TraceWriter
	position func() []float64

	// Offset is added to recorded iteration numbers so a resumed run
	// continues the numbering of its trace.
	Offset int
}

// NewTraceObserver writes one entry per iteration event to w. When
// position is non-nil the entry also carries the current parameters.
func NewTraceObserver(w *TraceWriter, position func() []float64) *TraceObserver {
	return &TraceObserver{w: w, position: position}
}

func (o *TraceObserver) OnEvent(e opt.Event) {
	switch e.Kind {
	case opt.EventIteration:
		entry := TraceEntry{
			Iteration:        o.Offset + e.Iteration,
			Value:            e.Value,
			ConvergenceValue: e.ConvergenceValue,
			LearningRate:     e.LearningRate,
			Timestamp:        time.Now(),
		}
		if o.position != nil {
			entry.Params = o.position()
		}
		if err := o.w.Write(entry); err != nil {
			slog.Warn("Failed to write trace entry", "iteration", e.Iteration, "error", err)
		}
	case opt.EventEnd:
		if err := o.w.Flush(); err != nil {
			slog.Warn("Failed to flush trace", "path", o.w.Path(), "error", err)
		}
	}
}

// TraceReader reads trace.jsonl line by line.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

func NewTraceReader(baseDir, runID string) (*TraceReader, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(runDir(baseDir, runID), traceFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{RunID: runID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	// Entries with parameters of large displacement fields get long.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	return &TraceReader{file: file, scanner: scanner}, nil
}

// Read returns the next entry, or io.EOF at the end.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// DeleteTrace removes the trace of runID. A missing trace is not an error.
func DeleteTrace(baseDir, runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(runDir(baseDir, runID), traceFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}
	return nil
}
