package vecstore

import (
	"testing"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
)

func TestHitsFromResultSet(t *testing.T) {
	rs := milvusclient.ResultSet{
		ResultCount: 2,
		IDs:         column.NewColumnInt64("pk", []int64{7, 8}),
		Scores:      []float32{0.91, 0.42},
		Fields: milvusclient.DataSet{
			column.NewColumnVarChar("goal", []string{"click login", "open cart"}),
			column.NewColumnVarChar("code", []string{"a()", "b()"}),
		},
	}
	hits := hitsFromResultSet(rs)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != 7 || hits[1].ID != 8 {
		t.Errorf("unexpected ids: %d, %d", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score < 0.90 || hits[0].Score > 0.92 {
		t.Errorf("unexpected score: %v", hits[0].Score)
	}
	if hits[0].String("goal") != "click login" {
		t.Errorf("unexpected goal: %q", hits[0].String("goal"))
	}
	if hits[1].String("code") != "b()" {
		t.Errorf("unexpected code: %q", hits[1].String("code"))
	}
}

func TestHitsFromResultSetWithoutIDs(t *testing.T) {
	rs := milvusclient.ResultSet{
		Fields: milvusclient.DataSet{
			column.NewColumnVarChar("text", []string{"row a", "row b", "row c"}),
		},
	}
	hits := hitsFromResultSet(rs)
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits from column length, got %d", len(hits))
	}
	if hits[0].ID != -1 {
		t.Errorf("expected sentinel id -1, got %d", hits[0].ID)
	}
	if hits[2].String("text") != "row c" {
		t.Errorf("unexpected text: %q", hits[2].String("text"))
	}
}

func TestHitAccessors(t *testing.T) {
	h := Hit{Fields: map[string]interface{}{
		"name":    "widget",
		"raw":     []byte("bytes"),
		"price":   float32(9.5),
		"count":   int64(3),
		"ratio":   2.25,
		"flag":    true,
		"missing": nil,
	}}
	if h.String("name") != "widget" {
		t.Errorf("String(name) = %q", h.String("name"))
	}
	if h.String("raw") != "bytes" {
		t.Errorf("String(raw) = %q", h.String("raw"))
	}
	if h.String("absent") != "" {
		t.Errorf("String(absent) = %q", h.String("absent"))
	}
	if h.String("flag") != "true" {
		t.Errorf("String(flag) = %q", h.String("flag"))
	}
	if h.Float("price") != 9.5 {
		t.Errorf("Float(price) = %v", h.Float("price"))
	}
	if h.Float("ratio") != 2.25 {
		t.Errorf("Float(ratio) = %v", h.Float("ratio"))
	}
	if h.Int("count") != 3 {
		t.Errorf("Int(count) = %v", h.Int("count"))
	}
	if h.Int("absent") != 0 {
		t.Errorf("Int(absent) = %v", h.Int("absent"))
	}
}

func TestCollectionSpecVectorFields(t *testing.T) {
	spec := CollectionSpec{
		Name: "code_cache",
		Fields: []FieldSpec{
			{Name: "cache_id", Type: entity.FieldTypeVarChar, MaxLength: 64, Indexed: true},
			{Name: "goal", Type: entity.FieldTypeVarChar, MaxLength: 2000},
			{Name: "goal_vector", Type: entity.FieldTypeFloatVector},
			{Name: "url_vector", Type: entity.FieldTypeFloatVector},
		},
	}
	got := spec.VectorFields()
	if len(got) != 2 || got[0] != "goal_vector" || got[1] != "url_vector" {
		t.Errorf("unexpected vector fields: %v", got)
	}
}

func TestSchemaCompatible(t *testing.T) {
	spec := CollectionSpec{
		Name: "dom_cache",
		Fields: []FieldSpec{
			{Name: "cache_id", Type: entity.FieldTypeVarChar, MaxLength: 64},
			{Name: "url_vector", Type: entity.FieldTypeFloatVector},
		},
	}
	schema := entity.NewSchema().
		WithName("dom_cache").
		WithField(entity.NewField().WithName("pk").WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true).WithIsAutoID(true)).
		WithField(entity.NewField().WithName("cache_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName("url_vector").WithDataType(entity.FieldTypeFloatVector).WithDim(768))

	if !schemaCompatible(schema, spec, 768) {
		t.Error("expected schema to be compatible at dim 768")
	}
	if schemaCompatible(schema, spec, 1024) {
		t.Error("expected dim mismatch to be incompatible")
	}

	missing := entity.NewSchema().
		WithName("dom_cache").
		WithField(entity.NewField().WithName("pk").WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true).WithIsAutoID(true)).
		WithField(entity.NewField().WithName("url_vector").WithDataType(entity.FieldTypeFloatVector).WithDim(768))
	if schemaCompatible(missing, spec, 768) {
		t.Error("expected missing field to be incompatible")
	}
	if schemaCompatible(nil, spec, 768) {
		t.Error("nil schema must be incompatible")
	}
}
