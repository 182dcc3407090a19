package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Code execution dumps land under <dir>/code_log as standalone files so a
// failed script can be replayed without digging through the system log.

var (
	codeLogDir string
	codeLogMu  sync.Mutex
)

// SetCodeLogDir sets the base directory for execution dumps.
func SetCodeLogDir(dir string) {
	codeLogMu.Lock()
	defer codeLogMu.Unlock()
	if dir == "" {
		dir = "logs"
	}
	codeLogDir = filepath.Join(dir, "code_log")
}

// DumpExecution writes the executed script and its captured output to a
// timestamped file. Returns the file path.
func DumpExecution(code, output string) (string, error) {
	return dumpCode("exec", code, output, "")
}

// DumpExecutionError writes a failed script, its output and the error to a
// timestamped file. Returns the file path.
func DumpExecutionError(code, output, errMsg string) (string, error) {
	return dumpCode("error", code, output, errMsg)
}

func dumpCode(kind, code, output, errMsg string) (string, error) {
	codeLogMu.Lock()
	dir := codeLogDir
	codeLogMu.Unlock()
	if dir == "" {
		dir = filepath.Join("logs", "code_log")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create code log directory: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", kind, stamp))

	var b []byte
	b = append(b, fmt.Sprintf("# %s at %s\n\n## code\n", kind, time.Now().Format(time.RFC3339))...)
	b = append(b, code...)
	b = append(b, "\n\n## output\n"...)
	b = append(b, output...)
	if errMsg != "" {
		b = append(b, "\n\n## error\n"...)
		b = append(b, errMsg...)
	}
	b = append(b, '\n')

	if err := os.WriteFile(path, b, 0644); err != nil {
		return "", fmt.Errorf("failed to write code log: %w", err)
	}
	return path, nil
}
