package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempRegistryPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "data", "field_registry.json")
}

func TestJSONRegistryRegisterAndPromote(t *testing.T) {
	ctx := context.Background()
	reg := NewJSONRegistry(tempRegistryPath(t))

	require.NoError(t, reg.Register(ctx, map[string]interface{}{
		"rating":   9.3,
		"director": "Frank Darabont",
	}))

	fields, err := reg.DynamicFields(ctx)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "number", fields["rating"].Type)
	assert.Equal(t, 1, fields["rating"].Count)
	assert.Equal(t, "string", fields["director"].Type)

	// A later string sample never downgrades a number field.
	require.NoError(t, reg.Register(ctx, map[string]interface{}{"rating": "unrated"}))
	fields, err = reg.DynamicFields(ctx)
	require.NoError(t, err)
	assert.Equal(t, "number", fields["rating"].Type)
	assert.Equal(t, 2, fields["rating"].Count)

	// A numeric sample upgrades a string field.
	require.NoError(t, reg.Register(ctx, map[string]interface{}{"director": 7}))
	fields, err = reg.DynamicFields(ctx)
	require.NoError(t, err)
	assert.Equal(t, "number", fields["director"].Type)
}

func TestJSONRegistrySkipsSchemaFields(t *testing.T) {
	ctx := context.Background()
	reg := NewJSONRegistry(tempRegistryPath(t))

	require.NoError(t, reg.Register(ctx, map[string]interface{}{
		"source": "https://example.com",
		"title":  "x",
		"text":   "body",
		"pk":     int64(1),
		"vector": "v",
	}))

	fields, err := reg.DynamicFields(ctx)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestJSONRegistryPersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	path := tempRegistryPath(t)

	reg := NewJSONRegistry(path)
	require.NoError(t, reg.Register(ctx, map[string]interface{}{"rating": 9.3}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var file struct {
		DynamicFields map[string]FieldInfo `json:"dynamic_fields"`
	}
	require.NoError(t, json.Unmarshal(raw, &file))
	assert.Contains(t, file.DynamicFields, "rating")

	reloaded := NewJSONRegistry(path)
	fields, err := reloaded.DynamicFields(ctx)
	require.NoError(t, err)
	assert.Equal(t, "number", fields["rating"].Type)
	assert.Equal(t, 1, fields["rating"].Count)
}

func TestJSONRegistryToleratesCorruptFile(t *testing.T) {
	ctx := context.Background()
	path := tempRegistryPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	reg := NewJSONRegistry(path)
	fields, err := reg.DynamicFields(ctx)
	require.NoError(t, err)
	assert.Empty(t, fields)

	require.NoError(t, reg.Register(ctx, map[string]interface{}{"year": 1994}))
	fields, err = reg.DynamicFields(ctx)
	require.NoError(t, err)
	assert.Contains(t, fields, "year")
}

// The live watcher goroutine is timing-dependent; the reload it triggers
// is tested directly instead.
func TestJSONRegistryReloadPicksUpExternalWrites(t *testing.T) {
	ctx := context.Background()
	path := tempRegistryPath(t)
	reg := NewJSONRegistry(path)

	external := `{"dynamic_fields": {"actor": {"first_seen": "2026-08-01", "count": 12, "type": "string"}}}`
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(external), 0o644))

	reg.reloadFromDisk()

	fields, err := reg.DynamicFields(ctx)
	require.NoError(t, err)
	require.Contains(t, fields, "actor")
	assert.Equal(t, 12, fields["actor"].Count)
}

func TestNewRedisRegistryRejectsBadURL(t *testing.T) {
	_, err := NewRedisRegistry("not-a-url")
	assert.Error(t, err)
}

func TestNewRegistrySelectsBackend(t *testing.T) {
	reg, err := NewRegistry(configRegistry("json", tempRegistryPath(t), ""))
	require.NoError(t, err)
	_, ok := reg.(*JSONRegistry)
	assert.True(t, ok)

	reg, err = NewRegistry(configRegistry("redis", "", "redis://localhost:6379/0"))
	require.NoError(t, err)
	_, ok = reg.(*RedisRegistry)
	assert.True(t, ok)

	_, err = NewRegistry(configRegistry("etcd", "", ""))
	assert.Error(t, err)
}

func TestFormatFieldsForPrompt(t *testing.T) {
	ctx := context.Background()

	t.Run("sorted by frequency with type labels", func(t *testing.T) {
		reg := &fakeRegistry{fields: map[string]FieldInfo{
			"director": {Count: 45, Type: "string"},
			"rating":   {Count: 120, Type: "number"},
			"actor":    {Count: 45, Type: "string"},
		}}
		got := FormatFieldsForPrompt(ctx, reg)
		assert.Equal(t,
			"Fixed fields (indexed): source, title, category, data_type, platform, crawled_at\n"+
				"Dynamic fields: rating (number, seen 120 times), actor (text, seen 45 times), director (text, seen 45 times)",
			got)
	})

	t.Run("empty registry", func(t *testing.T) {
		got := FormatFieldsForPrompt(ctx, &fakeRegistry{})
		assert.Contains(t, got, "Dynamic fields: none registered yet")
	})

	t.Run("registry error keeps fixed fields", func(t *testing.T) {
		got := FormatFieldsForPrompt(ctx, &fakeRegistry{err: errors.New("down")})
		assert.Equal(t, "Fixed fields (indexed): source, title, category, data_type, platform, crawled_at", got)
	})
}
