package toolbox

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/1122414/AutoWeb/internal/browser"
	"github.com/1122414/AutoWeb/internal/logging"
)

// ExecResult carries what the executor needs to judge a run. Rows are
// whatever the code appended to the results sink before it finished or
// failed; Log is the combined capture that classification and the
// verifier read.
type ExecResult struct {
	Rows    []map[string]interface{}
	Log     string
	LogPath string
}

// Runner executes generated automation code with the tab surface, the
// toolbox and a results sink bound into scope. A non-nil result is
// returned even when err is set, so callers can classify the log.
type Runner interface {
	Run(ctx context.Context, tab *browser.Tab, code string) (*ExecResult, error)
}

// GoRunner interprets generated Go fragments in-process. Interpreting
// avoids compile round-trips and keeps the binding surface identical
// from the generated code's point of view across runs.
type GoRunner struct {
	kit *Kit
	// settleWait gives the page a moment after the code finishes before
	// the post-run URL is read; navigation often lands late.
	settleWait time.Duration
}

func NewGoRunner(kit *Kit) *GoRunner {
	return &GoRunner{kit: kit, settleWait: 5 * time.Second}
}

// Run executes the code, captures its output, records URL movement and
// dumps program plus capture to the code log.
func (r *GoRunner) Run(ctx context.Context, tab *browser.Tab, code string) (*ExecResult, error) {
	buf := &syncBuffer{}
	r.kit.SetSink(buf)
	defer r.kit.SetSink(nil)

	preURL := ""
	if tab != nil {
		preURL = tab.URL()
	}

	rows, hostErr := r.interpret(ctx, tab, code, buf)

	var chunks []string
	if out := strings.TrimSpace(buf.String()); out != "" {
		if hostErr != nil {
			chunks = append(chunks, "--- [Code Output (Partial)] ---\n"+out)
		} else {
			chunks = append(chunks, "--- [Code Output] ---\n"+out)
		}
	}

	if hostErr != nil {
		chunks = append(chunks, fmt.Sprintf("Execution failed: %v", hostErr))
	} else {
		postURL := preURL
		if tab != nil {
			if r.settleWait > 0 {
				tab.Wait(r.settleWait.Seconds())
			}
			postURL = tab.URL()
		}
		if preURL != postURL {
			chunks = append(chunks, fmt.Sprintf("--- [System Log] ---\nURL Changed: %s -> %s", preURL, postURL))
		} else {
			chunks = append(chunks, fmt.Sprintf("--- [System Log] ---\nURL Unchanged: %s", postURL))
		}
	}

	log := strings.Join(chunks, "\n")

	var logPath string
	var dumpErr error
	if hostErr != nil {
		logPath, dumpErr = logging.DumpExecutionError(code, log, hostErr.Error())
	} else {
		logPath, dumpErr = logging.DumpExecution(code, log)
	}
	if dumpErr != nil {
		logging.ExecutorError("code log dump failed: %v", dumpErr)
	} else if logPath != "" {
		log += "\n--- [System Log] ---\nLog saved to: " + logPath
	}

	return &ExecResult{Rows: rows, Log: log, LogPath: logPath}, hostErr
}

func (r *GoRunner) interpret(ctx context.Context, tab *browser.Tab, code string, buf *syncBuffer) ([]map[string]interface{}, error) {
	i := interp.New(interp.Options{Stdout: buf, Stderr: buf})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	if err := i.Use(interp.Exports{
		"autoweb/autoweb": {
			"Tab":     reflect.ValueOf(tab),
			"Toolbox": reflect.ValueOf(r.kit),
		},
	}); err != nil {
		return nil, fmt.Errorf("bind automation scope: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, wrapProgram(code)); err != nil {
		return nil, err
	}

	entry, err := i.Eval("main.run")
	if err != nil {
		return nil, fmt.Errorf("entry symbol missing: %w", err)
	}
	runFn, ok := entry.Interface().(func() error)
	if !ok {
		return nil, fmt.Errorf("entry symbol has the wrong shape")
	}

	// The reflected call cannot be cancelled mid-flight; on ctx expiry
	// the goroutine is abandoned and bounded by the browser timeouts.
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("panic: %v", rec)
			}
		}()
		errCh <- runFn()
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}

	return collectRows(i), runErr
}

// collectRows reads back whatever the program left in its results sink.
func collectRows(i *interp.Interpreter) []map[string]interface{} {
	v, err := i.Eval("main.results")
	if err != nil {
		return nil
	}
	rows, ok := v.Interface().([]map[string]interface{})
	if !ok {
		return nil
	}
	return rows
}

// preamble imports the packages generated code uses without declaring,
// with blank references so an unused one cannot fail the program.
const preamble = `var (
	_ = fmt.Sprintf
	_ = strings.TrimSpace
	_ = strconv.Itoa
	_ = time.Now
	_ = json.Marshal
	_ = regexp.MustCompile
	_ = sort.Strings
)

var (
	tab     = autoweb.Tab
	toolbox = autoweb.Toolbox
	results = []map[string]interface{}{}
)
`

var basePackages = []string{"fmt", "strings", "strconv", "time", "encoding/json", "regexp", "sort"}

// wrapProgram turns a generated fragment into an interpretable program:
// imports the fragment declared are hoisted into the file import block,
// the scope bindings are declared, and the body becomes func run.
func wrapProgram(code string) string {
	imports, body := hoistImports(code)

	seen := map[string]bool{}
	merged := make([]string, 0, len(basePackages)+len(imports))
	for _, p := range append(append([]string{}, basePackages...), imports...) {
		if p == "" || p == "autoweb" || seen[p] {
			continue
		}
		seen[p] = true
		merged = append(merged, p)
	}

	var b strings.Builder
	b.WriteString("package main\n\nimport (\n")
	for _, p := range merged {
		fmt.Fprintf(&b, "\t%q\n", p)
	}
	b.WriteString("\t\"autoweb\"\n)\n\n")
	b.WriteString(preamble)
	b.WriteString("\nfunc run() error {\n")
	for _, line := range strings.Split(body, "\n") {
		b.WriteString("\t")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\treturn nil\n}\n")
	return b.String()
}

// hoistImports strips package and import clauses from a fragment and
// returns the imported paths separately.
func hoistImports(code string) ([]string, string) {
	var imports []string
	var body []string

	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case inBlock:
			if strings.HasPrefix(trimmed, ")") {
				inBlock = false
				continue
			}
			if p := importPath(trimmed); p != "" {
				imports = append(imports, p)
			}
		case strings.HasPrefix(trimmed, "package "):
			continue
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case strings.HasPrefix(trimmed, "import "):
			if p := importPath(strings.TrimPrefix(trimmed, "import ")); p != "" {
				imports = append(imports, p)
			}
		default:
			body = append(body, line)
		}
	}
	return imports, strings.TrimRight(strings.Join(body, "\n"), "\n")
}

// importPath extracts the quoted path from an import line, dropping any
// alias.
func importPath(line string) string {
	start := strings.Index(line, `"`)
	if start < 0 {
		return ""
	}
	rest := line[start+1:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
