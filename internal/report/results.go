// Package report appends run statistics to the per-algorithm results file
// alg_<selector>.dat, one line per run: N M Z packets seconds input.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"taskmatch/internal/domain"
)

var ErrMalformedLine = errors.New("malformed results line")

// Line is one parsed results record.
type Line struct {
	N         int
	M         int
	Objective float64
	Messages  uint64
	Seconds   float64
	Input     string
}

type Writer struct {
	root string
}

func NewWriter(root string) (*Writer, error) {
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve results dir: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &Writer{root: absRoot}, nil
}

func FileName(alg domain.Algorithm) string {
	return fmt.Sprintf("alg_%d.dat", alg.Selector())
}

// Append writes one line for stats and returns the file it went to.
func (w *Writer) Append(stats domain.RunStats) (string, error) {
	if stats.Algorithm.Selector() < 0 {
		return "", fmt.Errorf("unknown algorithm %q", stats.Algorithm)
	}
	path, err := w.resolve(FileName(stats.Algorithm))
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, Format(stats)); err != nil {
		return "", fmt.Errorf("write results line: %w", err)
	}
	return path, nil
}

// Format renders stats as a results line without the trailing newline.
func Format(stats domain.RunStats) string {
	input := strings.Join(strings.Fields(stats.Input), "_")
	if input == "" {
		input = "-"
	}
	return fmt.Sprintf("%d %d %.10f %d %.10f %s",
		stats.N, stats.M, stats.Objective, stats.Messages, stats.Duration.Seconds(), input)
}

// Read parses every line of the results file for alg. A missing file
// yields no lines.
func (w *Writer) Read(alg domain.Algorithm) ([]Line, error) {
	path, err := w.resolve(FileName(alg))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()

	var out []Line
	sc := bufio.NewScanner(f)
	for lineNo := 1; sc.Scan(); lineNo++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		line, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), lineNo, err)
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan results file: %w", err)
	}
	return out, nil
}

func parseLine(text string) (Line, error) {
	fields := strings.Fields(text)
	if len(fields) != 6 {
		return Line{}, fmt.Errorf("%w: %d fields", ErrMalformedLine, len(fields))
	}
	var (
		line Line
		err  error
	)
	if line.N, err = strconv.Atoi(fields[0]); err != nil {
		return Line{}, fmt.Errorf("%w: n: %v", ErrMalformedLine, err)
	}
	if line.M, err = strconv.Atoi(fields[1]); err != nil {
		return Line{}, fmt.Errorf("%w: m: %v", ErrMalformedLine, err)
	}
	if line.Objective, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return Line{}, fmt.Errorf("%w: objective: %v", ErrMalformedLine, err)
	}
	if line.Messages, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return Line{}, fmt.Errorf("%w: packets: %v", ErrMalformedLine, err)
	}
	if line.Seconds, err = strconv.ParseFloat(fields[4], 64); err != nil {
		return Line{}, fmt.Errorf("%w: seconds: %v", ErrMalformedLine, err)
	}
	line.Input = fields[5]
	return line, nil
}

func (l Line) Duration() time.Duration {
	return time.Duration(l.Seconds * float64(time.Second))
}

func (w *Writer) resolve(name string) (string, error) {
	abs := filepath.Clean(filepath.Join(w.root, name))
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", fmt.Errorf("resolve results path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "." {
		return "", fmt.Errorf("results path escapes %s: %q", w.root, name)
	}
	return abs, nil
}
