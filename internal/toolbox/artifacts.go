package toolbox

import (
	"bufio"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoArtifacts means nothing under the output tree looks like data.
var ErrNoArtifacts = errors.New("no data artifacts found")

var artifactExts = map[string]bool{
	".json":   true,
	".jsonl":  true,
	".csv":    true,
	".db":     true,
	".sqlite": true,
}

// auditFileName is the cache-failure stream; it is bookkeeping, not
// scraped data, and must never be ingested.
const auditFileName = "cache_failures.jsonl"

// NewestArtifact returns the most recently modified data file under dir.
func NewestArtifact(dir string) (string, error) {
	var newest string
	var newestMod time.Time

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !artifactExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if filepath.Base(path) == auditFileName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
		return nil
	})

	if newest == "" {
		return "", ErrNoArtifacts
	}
	return newest, nil
}

// LoadRows parses an artifact file into rows ready for knowledge-base
// ingestion. SQLite files contribute every user table.
func LoadRows(path string) ([]interface{}, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSONRows(path)
	case ".jsonl":
		return loadJSONLRows(path)
	case ".csv":
		return loadCSVRows(path)
	case ".db", ".sqlite":
		return loadSQLiteRows(path)
	}
	return nil, fmt.Errorf("unsupported artifact type: %s", path)
}

func loadJSONRows(path string) ([]interface{}, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse json artifact: %w", err)
	}
	if list, ok := raw.([]interface{}); ok {
		return list, nil
	}
	return []interface{}{raw}, nil
}

func loadJSONLRows(path string) ([]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	defer f.Close()

	var rows []interface{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row interface{}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parse jsonl line: %w", err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return rows, nil
}

func loadCSVRows(path string) ([]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv artifact: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	rows := make([]interface{}, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func loadSQLiteRows(path string) ([]interface{}, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}
	defer db.Close()

	tables, err := queryRows(db, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	var rows []interface{}
	for _, t := range tables {
		name, _ := t["name"].(string)
		if !identPattern.MatchString(name) {
			continue
		}
		tableRows, err := queryRows(db, "SELECT * FROM "+name)
		if err != nil {
			return nil, fmt.Errorf("read table %s: %w", name, err)
		}
		for _, row := range tableRows {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
