package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const exampleInput = `3 2 1
1
1
1
0
0
0.9 0.1
0.8 0.2
0.3 0.7
2
1
`

func TestClusterCommandRunsExample(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "example.txt")
	if err := os.WriteFile(input, []byte(exampleInput), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	t.Setenv("HOME", dir)

	cmd := newCommand()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{input, "--db", filepath.Join(dir, "runs.db"), "--results-dir", dir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Z=0.5040000000") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	raw, err := os.ReadFile(filepath.Join(dir, "alg_2.dat"))
	if err != nil {
		t.Fatalf("results file: %v", err)
	}
	if !strings.HasPrefix(string(raw), "3 2 0.5040000000 ") {
		t.Fatalf("unexpected results line %q", raw)
	}
}

func TestClusterCommandRejectsUnknownAlgorithm(t *testing.T) {
	cmd := newCommand()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"in.txt", "--algorithm", "7"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error")
	}
}
