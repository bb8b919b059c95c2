package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/registration"
)

func TestTraceWriter_WriteAndRead(t *testing.T) {
	baseDir := t.TempDir()

	tw, err := NewTraceWriter(baseDir, "run", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		entry := TraceEntry{
			Iteration:    i,
			Value:        1 / float64(i),
			LearningRate: 0.5,
			Timestamp:    time.Now(),
		}
		if err := tw.Write(entry); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr, err := NewTraceReader(baseDir, "run")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("Expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Iteration != i+1 || e.Value != 1/float64(i+1) {
			t.Errorf("Entry %d = %+v", i, e)
		}
		if e.Params != nil {
			t.Errorf("Entry %d has params %v", i, e.Params)
		}
	}
}

func TestTraceWriter_AppendAndTruncate(t *testing.T) {
	baseDir := t.TempDir()

	write := func(appendMode bool, n int) {
		tw, err := NewTraceWriter(baseDir, "run", appendMode)
		if err != nil {
			t.Fatalf("NewTraceWriter failed: %v", err)
		}
		for i := 0; i < n; i++ {
			tw.Write(TraceEntry{Iteration: i})
		}
		tw.Close()
	}
	count := func() int {
		tr, err := NewTraceReader(baseDir, "run")
		if err != nil {
			t.Fatalf("NewTraceReader failed: %v", err)
		}
		defer tr.Close()
		entries, err := tr.ReadAll()
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		return len(entries)
	}

	write(false, 3)
	write(true, 2)
	if got := count(); got != 5 {
		t.Errorf("After append: %d entries, want 5", got)
	}
	write(false, 1)
	if got := count(); got != 1 {
		t.Errorf("After truncate: %d entries, want 1", got)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTrace(t *testing.T) {
	baseDir := t.TempDir()
	tw, _ := NewTraceWriter(baseDir, "run", false)
	tw.Close()

	if err := DeleteTrace(baseDir, "run"); err != nil {
		t.Fatalf("DeleteTrace failed: %v", err)
	}
	if _, err := NewTraceReader(baseDir, "run"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Trace still readable: %v", err)
	}
	if err := DeleteTrace(baseDir, "run"); err != nil {
		t.Errorf("Deleting a missing trace should succeed, got %v", err)
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	baseDir := t.TempDir()
	tw, err := NewTraceWriter(baseDir, "run", false)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := tw.Write(TraceEntry{Iteration: g*1000 + i, Params: []float64{float64(g)}}); err != nil {
					t.Errorf("Write failed: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	tr, err := NewTraceReader(baseDir, "run")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed (interleaved lines?): %v", err)
	}
	if len(entries) != 400 {
		t.Errorf("Expected 400 entries, got %d", len(entries))
	}
}

func TestTraceObserver_RecordsRun(t *testing.T) {
	baseDir := t.TempDir()
	tw, err := NewTraceWriter(baseDir, "run", false)
	if err != nil {
		t.Fatal(err)
	}
	defer tw.Close()

	spec := registration.DefaultSpec()
	spec.Optimizer.NumberOfIterations = 12
	p, err := registration.Build(spec)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	p.Optimizer().AddObserver(NewTraceObserver(tw, p.Optimizer().CurrentPosition))

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.State != opt.StateMaxIterationsReached {
		t.Errorf("State = %v, want %v", res.State, opt.StateMaxIterationsReached)
	}

	// The end event flushed the writer, so the trace is readable while
	// the writer is still open.
	tr, err := NewTraceReader(baseDir, "run")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 12 {
		t.Fatalf("Expected 12 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Iteration != i+1 {
			t.Errorf("entries[%d].Iteration = %d", i, e.Iteration)
		}
		if len(e.Params) != 6 {
			t.Errorf("entries[%d] has %d params", i, len(e.Params))
		}
		if e.LearningRate <= 0 {
			t.Errorf("entries[%d].LearningRate = %f", i, e.LearningRate)
		}
	}
	if entries[11].Value >= entries[0].Value {
		t.Errorf("Value did not decrease: %f -> %f", entries[0].Value, entries[11].Value)
	}
}
