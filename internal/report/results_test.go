package report

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskmatch/internal/domain"
)

func TestAppendWritesOneLinePerRun(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	stats := domain.RunStats{
		Algorithm: domain.AlgorithmHungarian,
		N:         3,
		M:         2,
		Objective: 0.504,
		Messages:  57,
		Duration:  1500 * time.Millisecond,
		Input:     "example.txt",
	}
	path, err := w.Append(stats)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if filepath.Base(path) != "alg_2.dat" {
		t.Fatalf("wrote to %s", path)
	}
	if _, err := w.Append(stats); err != nil {
		t.Fatalf("second append: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", raw)
	}
	if lines[0] != "3 2 0.5040000000 57 1.5000000000 example.txt" {
		t.Fatalf("unexpected line %q", lines[0])
	}

	parsed, err := w.Read(domain.AlgorithmHungarian)
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if len(parsed) != 2 || parsed[1].Messages != 57 || math.Abs(parsed[1].Objective-0.504) > 1e-12 {
		t.Fatalf("unexpected parse %+v", parsed)
	}
	if parsed[0].Duration() != 1500*time.Millisecond {
		t.Fatalf("duration %s", parsed[0].Duration())
	}
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	lines, err := w.Read(domain.AlgorithmRefine)
	if err != nil || len(lines) != 0 {
		t.Fatalf("expected no lines, got %v %v", lines, err)
	}
}

func TestReadRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alg_1.dat"), []byte("3 2 x 4 1 in\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w, _ := NewWriter(dir)
	if _, err := w.Read(domain.AlgorithmRefine); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected malformed line error, got %v", err)
	}
}

func TestFormatKeepsInputOneField(t *testing.T) {
	got := Format(domain.RunStats{Algorithm: domain.AlgorithmRefine, Input: "my input.txt"})
	if !strings.HasSuffix(got, " my_input.txt") {
		t.Fatalf("input not collapsed: %q", got)
	}
}
