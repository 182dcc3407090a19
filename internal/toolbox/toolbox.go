// Package toolbox is the standard library handed to generated automation
// code: plain HTTP, file download, HTML cleanup, SQLite persistence and
// data export, plus the interpreter runner that executes generated code
// with these tools bound into scope.
package toolbox

import (
	"bytes"
	"crypto/tls"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	_ "modernc.org/sqlite"

	"github.com/1122414/AutoWeb/internal/logging"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// utf8BOM keeps Excel happy when it opens exported CSV directly.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Kit bundles the tool functions exposed to generated code. File output
// is grouped under the output directory by the host the data came from
// once SetCurrentURL has been called.
type Kit struct {
	outputDir string

	mu   sync.RWMutex
	host string
	sink io.Writer

	httpClient     *http.Client
	downloadClient *http.Client
}

// NewKit creates a toolbox writing artifacts under outputDir.
func NewKit(outputDir string) *Kit {
	if outputDir == "" {
		outputDir = "output"
	}
	// Scrape targets routinely serve broken certificate chains.
	transport := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	return &Kit{
		outputDir:      outputDir,
		httpClient:     &http.Client{Timeout: 30 * time.Second, Transport: transport},
		downloadClient: &http.Client{Timeout: 60 * time.Second, Transport: transport},
	}
}

// OutputDir returns the artifact root.
func (k *Kit) OutputDir() string { return k.outputDir }

// SetCurrentURL records the page the agent is working on; subsequent
// SaveData calls land under output/<host>/.
func (k *Kit) SetCurrentURL(rawURL string) {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	k.mu.Lock()
	k.host = host
	k.mu.Unlock()
}

// SetSink attaches a writer that receives tool progress lines, so the
// runner can fold them into the captured execution log.
func (k *Kit) SetSink(w io.Writer) {
	k.mu.Lock()
	k.sink = w
	k.mu.Unlock()
}

func (k *Kit) echo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logging.Toolbox("%s", msg)
	k.mu.RLock()
	sink := k.sink
	k.mu.RUnlock()
	if sink != nil {
		fmt.Fprintln(sink, "[Toolbox] "+msg)
	}
}

func (k *Kit) currentHost() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.host
}

// outputPath routes a requested file name under the artifact root,
// grouped by host when one is known. Directories in the requested path
// are ignored so generated code cannot scatter files around the tree.
func (k *Kit) outputPath(path string) string {
	base := filepath.Base(path)
	if host := k.currentHost(); host != "" {
		return filepath.Join(k.outputDir, host, base)
	}
	return filepath.Join(k.outputDir, base)
}

// HTTPRequest performs a plain HTTP call, bypassing the browser. params
// merge into the query string; data is sent as a JSON body.
func (k *Kit) HTTPRequest(rawURL, method string, headers, params map[string]string, data map[string]interface{}) (string, error) {
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for key, value := range params {
			q.Set(key, value)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, u.String(), body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	if data != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	k.echo("HTTP %s -> %s", method, u.String())
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("http status %s for %s", resp.Status, u.String())
	}
	return string(text), nil
}

// DownloadFile streams a URL to the given path, creating directories as
// needed.
func (k *Kit) DownloadFile(rawURL, savePath string) error {
	k.echo("Downloading %s -> %s", rawURL, savePath)

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := k.downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http status %s for %s", resp.Status, rawURL)
	}

	if dir := filepath.Dir(savePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create download dir: %w", err)
		}
	}
	f, err := os.Create(savePath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// CleanHTML strips scripts, styles and markup from an HTML fragment,
// returning whitespace-collapsed visible text.
func (k *Kit) CleanHTML(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return collapseSpaces(strings.Join(parts, " "))
}

var spaceRun = regexp.MustCompile(`\s+`)

func collapseSpaces(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// Cookie is the shape accepted by browser cookie imports.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// CookiesFromString parses either an exported JSON cookie list or a
// request-header style "k=v; k=v" string.
func (k *Kit) CookiesFromString(cookieStr, domain string) []Cookie {
	trimmed := strings.TrimSpace(cookieStr)
	if strings.HasPrefix(trimmed, "[") {
		var raw []map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
			cookies := make([]Cookie, 0, len(raw))
			for _, item := range raw {
				c := Cookie{
					Name:   stringField(item, "name"),
					Value:  stringField(item, "value"),
					Domain: stringField(item, "domain"),
					Path:   stringField(item, "path"),
				}
				if c.Domain == "" {
					c.Domain = domain
				}
				if c.Path == "" {
					c.Path = "/"
				}
				cookies = append(cookies, c)
			}
			return cookies
		}
	}

	var cookies []Cookie
	for _, part := range strings.Split(cookieStr, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		cookies = append(cookies, Cookie{Name: name, Value: value, Domain: domain, Path: "/"})
	}
	return cookies
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func (k *Kit) dbPath() string {
	return filepath.Join(k.outputDir, "autoweb_data.db")
}

// DBInsert writes a row into a SQLite table under the output directory,
// creating the table on first use. All payload columns are TEXT; id and
// created_at are added automatically.
func (k *Kit) DBInsert(table string, row map[string]interface{}) error {
	if len(row) == 0 {
		return errors.New("empty row")
	}
	if !identPattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	keys := make([]string, 0, len(row))
	for key := range row {
		if !identPattern.MatchString(key) {
			return fmt.Errorf("invalid column name %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if err := os.MkdirAll(k.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	db, err := sql.Open("sqlite", k.dbPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cols := make([]string, 0, len(keys))
	for _, key := range keys {
		cols = append(cols, key+" TEXT")
	}
	create := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, %s, created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)",
		table, strings.Join(cols, ", "),
	)
	if _, err := db.Exec(create); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	placeholders := make([]string, len(keys))
	values := make([]interface{}, len(keys))
	for i, key := range keys {
		placeholders[i] = "?"
		values[i] = cellString(row[key])
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(keys, ", "), strings.Join(placeholders, ", "),
	)
	if _, err := db.Exec(insert, values...); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	k.echo("DB insert -> %s", table)
	return nil
}

// DBQuery runs a query against the output database and returns rows as
// maps keyed by column name.
func (k *Kit) DBQuery(query string) ([]map[string]interface{}, error) {
	db, err := sql.Open("sqlite", k.dbPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return queryRows(db, query)
}

func queryRows(db *sql.DB, query string) ([]map[string]interface{}, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		cells := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := cells[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SaveData persists collected rows to a JSON, JSONL or CSV file named by
// path's base name, routed under the output directory. JSON targets that
// already exist get a timestamp suffix instead of being overwritten; CSV
// and JSONL targets are appended to. Returns the path actually written.
func (k *Kit) SaveData(rows []map[string]interface{}, path string) (string, error) {
	if len(rows) == 0 {
		return "", errors.New("no rows to save")
	}

	final := k.outputPath(path)
	if filepath.Ext(final) == "" {
		final += ".json"
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	var err error
	switch strings.ToLower(filepath.Ext(final)) {
	case ".csv":
		err = appendCSV(final, rows)
	case ".jsonl":
		err = appendJSONL(final, rows)
	case ".json":
		final = dedupePath(final)
		err = writeJSON(final, rows)
	default:
		return "", fmt.Errorf("unsupported file type %q", filepath.Ext(final))
	}
	if err != nil {
		return "", err
	}
	k.echo("Saved %d rows -> %s", len(rows), final)
	return final, nil
}

// Notify surfaces a message to the user. Currently console plus the
// system log; a real channel can hang off this later.
func (k *Kit) Notify(msg string) {
	k.echo("Notification: %s", msg)
	fmt.Printf("\n[AutoWeb] %s\n\n", msg)
}

// Save is an accepted alias for SaveData.
func (k *Kit) Save(rows []map[string]interface{}, path string) (string, error) {
	return k.SaveData(rows, path)
}

// WriteJSON is an accepted alias for SaveData.
func (k *Kit) WriteJSON(rows []map[string]interface{}, path string) (string, error) {
	return k.SaveData(rows, path)
}

// Request is an accepted alias for HTTPRequest.
func (k *Kit) Request(rawURL, method string, headers, params map[string]string, data map[string]interface{}) (string, error) {
	return k.HTTPRequest(rawURL, method, headers, params, data)
}

// Download is an accepted alias for DownloadFile.
func (k *Kit) Download(rawURL, savePath string) error {
	return k.DownloadFile(rawURL, savePath)
}

func dedupePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_%s%s", stem, time.Now().Format("20060102_150405"), ext)
}

func writeJSON(path string, rows []map[string]interface{}) error {
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func appendJSONL(path string, rows []map[string]interface{}) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open jsonl: %w", err)
	}
	defer f.Close()
	for _, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode jsonl row: %w", err)
		}
		if _, err := f.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("write jsonl: %w", err)
		}
	}
	return nil
}

// appendCSV creates the file with a BOM and header on first write;
// later writes align rows to the existing header.
func appendCSV(path string, rows []map[string]interface{}) error {
	var header []string
	creating := false
	if existing, err := readCSVHeader(path); err == nil && len(existing) > 0 {
		header = existing
	} else {
		creating = true
		for key := range rows[0] {
			header = append(header, key)
		}
		sort.Strings(header)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	if creating {
		if _, err := f.Write(utf8BOM); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	w := csv.NewWriter(f)
	if creating {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			if v, ok := row[col]; ok {
				record[i] = cellString(v)
			}
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func readCSVHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	return header, nil
}

// cellString flattens a value for CSV/SQLite storage; composites are
// JSON-encoded rather than Go-printed.
func cellString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64, float32, int, int64, int32, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
