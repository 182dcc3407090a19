package vecstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/1122414/AutoWeb/internal/logging"
)

// FieldSpec declares one collection field. The primary key is implicit:
// every collection gets an auto-id int64 "pk".
type FieldSpec struct {
	Name      string
	Type      entity.FieldType
	MaxLength int  // varchar fields
	Dim       int  // vector fields; 0 means use the collection dim
	Indexed   bool // scalar fields that get an inverted index
}

// CollectionSpec declares a collection layout for EnsureCollection.
type CollectionSpec struct {
	Name        string
	Description string
	Fields      []FieldSpec
}

// VectorFields lists the float-vector field names in declaration order.
func (c CollectionSpec) VectorFields() []string {
	var names []string
	for _, f := range c.Fields {
		if f.Type == entity.FieldTypeFloatVector {
			names = append(names, f.Name)
		}
	}
	return names
}

// EnsureCollection makes the collection exist, indexed and loaded. An
// existing collection with a missing field or a mismatched vector
// dimension is dropped and recreated; cached rows are rebuilt over time.
func (s *Store) EnsureCollection(ctx context.Context, tag string, spec CollectionSpec, dim int) error {
	has, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(spec.Name))
	if err != nil {
		return fmt.Errorf("has collection %s: %w", spec.Name, err)
	}
	if has {
		desc, derr := s.client.DescribeCollection(ctx, milvusclient.NewDescribeCollectionOption(spec.Name))
		if derr != nil {
			return fmt.Errorf("describe collection %s: %w", spec.Name, derr)
		}
		if schemaCompatible(desc.Schema, spec, dim) {
			if lerr := s.loadCollection(ctx, spec.Name); lerr != nil {
				return lerr
			}
			logging.Vector("[%s] reusing collection %q", tag, spec.Name)
			return nil
		}
		logging.VectorWarn("[%s] incompatible schema in %q, dropping and recreating", tag, spec.Name)
		if derr := s.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(spec.Name)); derr != nil {
			return fmt.Errorf("drop collection %s: %w", spec.Name, derr)
		}
	}
	return s.createCollection(ctx, tag, spec, dim)
}

func (s *Store) createCollection(ctx context.Context, tag string, spec CollectionSpec, dim int) error {
	schema := entity.NewSchema().
		WithName(spec.Name).
		WithDescription(spec.Description).
		WithDynamicFieldEnabled(true).
		WithField(entity.NewField().
			WithName("pk").
			WithDataType(entity.FieldTypeInt64).
			WithIsPrimaryKey(true).
			WithIsAutoID(true))
	for _, f := range spec.Fields {
		field := entity.NewField().WithName(f.Name).WithDataType(f.Type)
		switch f.Type {
		case entity.FieldTypeVarChar:
			maxLen := f.MaxLength
			if maxLen <= 0 {
				maxLen = 512
			}
			field = field.WithMaxLength(int64(maxLen))
		case entity.FieldTypeFloatVector:
			d := f.Dim
			if d <= 0 {
				d = dim
			}
			field = field.WithDim(int64(d))
		}
		schema = schema.WithField(field)
	}

	opt := milvusclient.NewCreateCollectionOption(spec.Name, schema).WithConsistencyLevel(entity.ClBounded)
	if err := s.client.CreateCollection(ctx, opt); err != nil {
		return fmt.Errorf("create collection %s: %w", spec.Name, err)
	}

	for _, name := range spec.VectorFields() {
		task, err := s.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(spec.Name, name, index.NewAutoIndex(entity.COSINE)))
		if err != nil {
			return fmt.Errorf("create index %s.%s: %w", spec.Name, name, err)
		}
		if err := task.Await(ctx); err != nil {
			return fmt.Errorf("await index %s.%s: %w", spec.Name, name, err)
		}
	}
	for _, f := range spec.Fields {
		if !f.Indexed || f.Type != entity.FieldTypeVarChar {
			continue
		}
		task, err := s.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(spec.Name, f.Name, index.NewInvertedIndex()))
		if err != nil {
			logging.VectorWarn("[%s] inverted index on %s.%s skipped: %v", tag, spec.Name, f.Name, err)
			continue
		}
		if err := task.Await(ctx); err != nil {
			logging.VectorWarn("[%s] inverted index on %s.%s not ready: %v", tag, spec.Name, f.Name, err)
		}
	}

	if err := s.loadCollection(ctx, spec.Name); err != nil {
		return err
	}
	logging.Vector("[%s] created collection %q (dim=%d)", tag, spec.Name, dim)
	return nil
}

func (s *Store) loadCollection(ctx context.Context, name string) error {
	task, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		return fmt.Errorf("load collection %s: %w", name, err)
	}
	if err := task.Await(ctx); err != nil {
		return fmt.Errorf("await load %s: %w", name, err)
	}
	return nil
}

// schemaCompatible checks that every declared field exists and that
// vector fields keep both their type and dimension.
func schemaCompatible(schema *entity.Schema, spec CollectionSpec, dim int) bool {
	if schema == nil {
		return false
	}
	existing := make(map[string]*entity.Field, len(schema.Fields))
	for _, f := range schema.Fields {
		existing[f.Name] = f
	}
	for _, f := range spec.Fields {
		got, ok := existing[f.Name]
		if !ok {
			return false
		}
		if f.Type != entity.FieldTypeFloatVector {
			continue
		}
		if got.DataType != entity.FieldTypeFloatVector {
			return false
		}
		want := f.Dim
		if want <= 0 {
			want = dim
		}
		gotDim, err := strconv.Atoi(got.TypeParams["dim"])
		if err != nil || gotDim != want {
			return false
		}
	}
	return true
}
