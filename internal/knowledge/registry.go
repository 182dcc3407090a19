package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"

	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/logging"
)

// The field registry records every dynamic metadata field ever written,
// so the query analyzer can see the full filterable surface instead of
// sampling rows and missing rare fields.

// FieldInfo describes one registered dynamic field.
type FieldInfo struct {
	FirstSeen string `json:"first_seen"`
	Count     int    `json:"count"`
	Type      string `json:"type"` // "number" or "string"
}

// Registry tracks dynamic field names across knowledge-base writes.
type Registry interface {
	// Register records field names with sample values for type
	// inference. Fixed fields and schema internals are skipped.
	Register(ctx context.Context, fields map[string]interface{}) error

	// DynamicFields returns everything registered so far.
	DynamicFields(ctx context.Context) (map[string]FieldInfo, error)
}

// NewRegistry builds the backend named by the configuration.
func NewRegistry(cfg config.RegistryConfig) (Registry, error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		logging.Knowledge("field registry: redis backend (%s)", cfg.RedisURL)
		return NewRedisRegistry(cfg.RedisURL)
	case "", "json":
		logging.Knowledge("field registry: json backend (%s)", cfg.Path)
		return NewJSONRegistry(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown field registry backend %q", cfg.Backend)
	}
}

// skipRegistration filters out fields that are part of the collection
// schema rather than crawled data.
func skipRegistration(name string) bool {
	return isFixedField(name) || name == "text" || name == "pk" || name == "vector"
}

func inferFieldType(value interface{}) string {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return "number"
	default:
		return "string"
	}
}

const firstSeenLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// JSON backend
// ---------------------------------------------------------------------------

type registryFile struct {
	DynamicFields map[string]FieldInfo `json:"dynamic_fields"`
}

// JSONRegistry persists the registry to a local JSON file. An optional
// watcher reloads the file when another process rewrites it.
type JSONRegistry struct {
	path string

	mu     sync.Mutex
	fields map[string]FieldInfo

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewJSONRegistry loads the registry file if it exists; a missing or
// corrupt file starts empty rather than failing.
func NewJSONRegistry(path string) *JSONRegistry {
	r := &JSONRegistry{path: path, fields: make(map[string]FieldInfo)}
	r.reloadFromDisk()
	return r
}

func (r *JSONRegistry) reloadFromDisk() {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		logging.KnowledgeWarn("field registry: unreadable file %s: %v", r.path, err)
		return
	}
	r.mu.Lock()
	if file.DynamicFields != nil {
		r.fields = file.DynamicFields
	}
	r.mu.Unlock()
}

func (r *JSONRegistry) save() error {
	r.mu.Lock()
	raw, err := json.MarshalIndent(registryFile{DynamicFields: r.fields}, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.path, raw, 0o644)
}

// Register implements Registry.
func (r *JSONRegistry) Register(_ context.Context, fields map[string]interface{}) error {
	today := time.Now().Format(firstSeenLayout)
	changed := false

	r.mu.Lock()
	for name, value := range fields {
		if skipRegistration(name) {
			continue
		}
		inferred := inferFieldType(value)
		info, ok := r.fields[name]
		if !ok {
			info = FieldInfo{FirstSeen: today, Count: 1, Type: inferred}
		} else {
			info.Count++
			// number beats string: one numeric sample upgrades the
			// field, later strings never downgrade it
			if inferred == "number" {
				info.Type = "number"
			}
		}
		r.fields[name] = info
		changed = true
	}
	r.mu.Unlock()

	if !changed {
		return nil
	}
	return r.save()
}

// DynamicFields implements Registry.
func (r *JSONRegistry) DynamicFields(context.Context) (map[string]FieldInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]FieldInfo, len(r.fields))
	for name, info := range r.fields {
		out[name] = info
	}
	return out, nil
}

// Watch reloads the registry when the file changes on disk, so fields
// written by another process become visible without a restart.
func (r *JSONRegistry) Watch() error {
	if r.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return err
	}
	r.watcher = watcher
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.watchLoop()
	logging.Knowledge("field registry: watching %s", r.path)
	return nil
}

func (r *JSONRegistry) watchLoop() {
	defer close(r.doneCh)

	// Saves arrive as bursts of write events; coalesce before reloading.
	var dirty bool
	var lastEvent time.Time
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				dirty = true
				lastEvent = time.Now()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logging.KnowledgeWarn("field registry watcher: %v", err)
		case <-ticker.C:
			if dirty && time.Since(lastEvent) >= 200*time.Millisecond {
				dirty = false
				r.reloadFromDisk()
				logging.Knowledge("field registry: reloaded from %s", r.path)
			}
		}
	}
}

// Close stops the file watcher if one is running.
func (r *JSONRegistry) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.stopCh)
	err := r.watcher.Close()
	<-r.doneCh
	r.watcher = nil
	return err
}

// ---------------------------------------------------------------------------
// Redis backend
// ---------------------------------------------------------------------------

// redisRegistryKey is the hash holding one entry per dynamic field.
const redisRegistryKey = "autoweb:field_registry"

// RedisRegistry shares the registry between processes through a Redis
// hash. Entry values are the same JSON documents the file backend uses.
type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(url string) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("field registry redis url: %w", err)
	}
	return &RedisRegistry{client: redis.NewClient(opt)}, nil
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, fields map[string]interface{}) error {
	today := time.Now().Format(firstSeenLayout)

	for name, value := range fields {
		if skipRegistration(name) {
			continue
		}
		inferred := inferFieldType(value)

		var info FieldInfo
		existing, err := r.client.HGet(ctx, redisRegistryKey, name).Result()
		switch {
		case err == redis.Nil:
			info = FieldInfo{FirstSeen: today, Count: 1, Type: inferred}
		case err != nil:
			return fmt.Errorf("field registry hget %s: %w", name, err)
		default:
			if jerr := json.Unmarshal([]byte(existing), &info); jerr != nil {
				info = FieldInfo{FirstSeen: today, Type: inferred}
			}
			info.Count++
			if inferred == "number" {
				info.Type = "number"
			}
		}

		raw, err := json.Marshal(info)
		if err != nil {
			return err
		}
		if err := r.client.HSet(ctx, redisRegistryKey, name, string(raw)).Err(); err != nil {
			return fmt.Errorf("field registry hset %s: %w", name, err)
		}
	}
	return nil
}

// DynamicFields implements Registry.
func (r *RedisRegistry) DynamicFields(ctx context.Context) (map[string]FieldInfo, error) {
	raw, err := r.client.HGetAll(ctx, redisRegistryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("field registry hgetall: %w", err)
	}
	out := make(map[string]FieldInfo, len(raw))
	for name, val := range raw {
		var info FieldInfo
		if jerr := json.Unmarshal([]byte(val), &info); jerr != nil {
			info = FieldInfo{FirstSeen: "unknown"}
		}
		out[name] = info
	}
	return out, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// ---------------------------------------------------------------------------
// Prompt formatting
// ---------------------------------------------------------------------------

// FormatFieldsForPrompt renders the filterable-field inventory as prompt
// text for the query analyzer.
func FormatFieldsForPrompt(ctx context.Context, reg Registry) string {
	var b strings.Builder
	b.WriteString("Fixed fields (indexed): ")
	b.WriteString(strings.Join(FixedFields, ", "))

	if reg == nil {
		b.WriteString("\nDynamic fields: no registry configured")
		return b.String()
	}

	dynamic, err := reg.DynamicFields(ctx)
	if err != nil {
		logging.KnowledgeWarn("field registry read failed: %v", err)
		return b.String()
	}
	if len(dynamic) == 0 {
		b.WriteString("\nDynamic fields: none registered yet")
		return b.String()
	}

	type entry struct {
		name string
		info FieldInfo
	}
	entries := make([]entry, 0, len(dynamic))
	for name, info := range dynamic {
		entries = append(entries, entry{name, info})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].info.Count != entries[j].info.Count {
			return entries[i].info.Count > entries[j].info.Count
		}
		return entries[i].name < entries[j].name
	})

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		label := "text"
		if e.info.Type == "number" {
			label = "number"
		}
		parts = append(parts, fmt.Sprintf("%s (%s, seen %d times)", e.name, label, e.info.Count))
	}
	b.WriteString("\nDynamic fields: ")
	b.WriteString(strings.Join(parts, ", "))
	return b.String()
}
