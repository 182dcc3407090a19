package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestInitializeCreatesDailyFile(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, true); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(Close)

	Get(CategoryPlanner).Info("plan ready with %d steps", 3)
	Get(CategoryCache).Debug("hit score %.2f", 0.93)
	Close()

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, "sys_log", fmt.Sprintf("autoweb_%s.log", date))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
	content := string(data)
	if !strings.Contains(content, "[planner] ") || !strings.Contains(content, "plan ready with 3 steps") {
		t.Errorf("missing planner line in log:\n%s", content)
	}
	if !strings.Contains(content, "[DEBUG] hit score 0.93") {
		t.Errorf("debug line should be written in debug mode:\n%s", content)
	}
}

func TestDebugGatedWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, false); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(Close)

	Get(CategoryVector).Debug("should not appear")
	Get(CategoryVector).Info("should appear")
	Close()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "sys_log", fmt.Sprintf("autoweb_%s.log", date)))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "should not appear") {
		t.Error("debug line written outside debug mode")
	}
	if !strings.Contains(content, "should appear") {
		t.Error("info line missing")
	}
}

func TestGetWithoutInitializeIsNoop(t *testing.T) {
	Close()
	l := Get(Category("orphan"))
	// Must not panic.
	l.Info("nowhere")
	l.Error("nowhere")
}

func TestPruneLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 35; i++ {
		name := fmt.Sprintf("autoweb_2026-06-%02d.log", i+1)
		if i >= 30 {
			name = fmt.Sprintf("autoweb_2026-07-%02d.log", i-29)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}
	// A non-matching file must survive pruning.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	pruneLogs(dir, 30)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	logs := 0
	other := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "autoweb_") {
			logs++
			if strings.HasPrefix(e.Name(), "autoweb_2026-06-0") && e.Name() <= "autoweb_2026-06-05.log" {
				t.Errorf("oldest file survived prune: %s", e.Name())
			}
		}
		if e.Name() == "other.txt" {
			other = true
		}
	}
	if logs != 30 {
		t.Errorf("expected 30 log files after prune, got %d", logs)
	}
	if !other {
		t.Error("unrelated file removed by prune")
	}
}

func TestConcurrentCategoryWrites(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, false); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(Close)

	var wg sync.WaitGroup
	cats := []Category{CategoryPlanner, CategoryCoder, CategoryExecutor, CategoryVerifier}
	for _, cat := range cats {
		wg.Add(1)
		go func(c Category) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				Get(c).Info("line %d", i)
			}
		}(cat)
	}
	wg.Wait()
	Close()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "sys_log", fmt.Sprintf("autoweb_%s.log", date)))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	// 200 writes plus 3 boot lines.
	if len(lines) != 203 {
		t.Errorf("expected 203 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, "[INFO]") {
			t.Errorf("interleaved or malformed line: %q", line)
		}
	}
}

func TestDumpExecutionWritesFile(t *testing.T) {
	dir := t.TempDir()
	SetCodeLogDir(dir)

	path, err := DumpExecution("page.Navigate(\"https://example.com\")", "navigated ok")
	if err != nil {
		t.Fatalf("DumpExecution failed: %v", err)
	}
	if !strings.Contains(path, filepath.Join(dir, "code_log")) {
		t.Errorf("dump landed outside code_log: %s", path)
	}
	if !strings.HasPrefix(filepath.Base(path), "exec_") {
		t.Errorf("expected exec_ prefix, got %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(data), "page.Navigate") || !strings.Contains(string(data), "navigated ok") {
		t.Errorf("dump missing code or output:\n%s", data)
	}

	errPath, err := DumpExecutionError("bad()", "boom", "undefined: bad")
	if err != nil {
		t.Fatalf("DumpExecutionError failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(errPath), "error_") {
		t.Errorf("expected error_ prefix, got %s", filepath.Base(errPath))
	}
	data, _ = os.ReadFile(errPath)
	if !strings.Contains(string(data), "undefined: bad") {
		t.Errorf("dump missing error section:\n%s", data)
	}
}

func TestAppenderWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "failures.jsonl")
	a := NewAppender(path)
	t.Cleanup(func() { a.Close() })

	type event struct {
		Kind  string  `json:"kind"`
		Score float64 `json:"score"`
	}
	if err := a.Append(event{Kind: "cache_failure", Score: 0.91}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := a.Append(event{Kind: "cache_failure", Score: 0.87}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	a.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read appender file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var e event
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("line 0 not valid JSON: %v", err)
	}
	if e.Kind != "cache_failure" || e.Score != 0.91 {
		t.Errorf("unexpected first event: %+v", e)
	}
}

func TestAppenderConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a := NewAppender(path)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = a.Append(map[string]int{"worker": n, "seq": j})
			}
		}(i)
	}
	wg.Wait()
	a.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read appender file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 200 {
		t.Fatalf("expected 200 lines, got %d", len(lines))
	}
	for i, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Fatalf("line %d is not valid JSON: %q", i, line)
		}
	}
}

func TestTimerStopLogsDuration(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, true); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(Close)

	timer := StartTimer(CategoryVector, "hybrid search")
	time.Sleep(5 * time.Millisecond)
	if d := timer.Stop(); d < 5*time.Millisecond {
		t.Errorf("expected at least 5ms elapsed, got %v", d)
	}
	Close()

	date := time.Now().Format("2006-01-02")
	data, _ := os.ReadFile(filepath.Join(dir, "sys_log", fmt.Sprintf("autoweb_%s.log", date)))
	if !strings.Contains(string(data), "hybrid search completed in") {
		t.Error("timer line missing from log")
	}
}
