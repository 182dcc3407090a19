package knowledge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/1122414/AutoWeb/internal/config"
)

func newTestWriter(t *testing.T, gw *fakeGateway, emb *fakeEmbedder, reg Registry, mutate func(*config.KnowledgeConfig)) *Writer {
	t.Helper()
	cfg := config.DefaultConfig().Knowledge
	if mutate != nil {
		mutate(&cfg)
	}
	w := NewWriter(gw, emb, reg, cfg)
	t.Cleanup(func() { w.Close(5 * time.Second) })
	return w
}

func movieRow(title string) map[string]interface{} {
	return map[string]interface{}{
		"name":   title,
		"type":   "movie",
		"rating": "9.3",
		"text":   "A crawled plot summary for " + title,
	}
}

func columnNames(cols []column.Column) []string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name())
	}
	return names
}

func findColumn(t *testing.T, cols []column.Column, name string) column.Column {
	t.Helper()
	for _, c := range cols {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("column %s not found", name)
	return nil
}

func TestWriterFlushesWhenBufferFills(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	gw := &fakeGateway{}
	reg := &fakeRegistry{}
	w := newTestWriter(t, gw, &fakeEmbedder{}, reg, nil)

	rows := make([]map[string]interface{}, 0, 9)
	for i := 0; i < 9; i++ {
		rows = append(rows, movieRow("Movie "+strings.Repeat("I", i+1)))
	}
	require.Equal(t, 9, w.Add(ctx, rows, "https://movie.douban.com/top250"))
	assert.Empty(t, gw.insertCalls(), "below threshold, nothing should be written yet")

	require.Equal(t, 1, w.Add(ctx, movieRow("Movie X"), "https://movie.douban.com/top250"))
	require.True(t, w.FlushAndWait(2*time.Second))

	inserts := gw.insertCalls()
	require.Len(t, inserts, 1)
	assert.Equal(t, "kb_documents", inserts[0].collection)
	assert.Equal(t, []string{
		"vector", "text",
		"source", "title", "category", "data_type", "platform", "crawled_at",
		"$meta",
	}, columnNames(inserts[0].cols))
	assert.Equal(t, []string{writerTag}, gw.ensureCalls())

	titleCol := findColumn(t, inserts[0].cols, "title")
	first, err := titleCol.GetAsString(0)
	require.NoError(t, err)
	assert.Equal(t, "Movie I", first)

	metaRaw, err := findColumn(t, inserts[0].cols, "$meta").Get(0)
	require.NoError(t, err)
	var extra map[string]interface{}
	require.NoError(t, json.Unmarshal(metaRaw.([]byte), &extra))
	assert.Equal(t, 9.3, extra["rating"])
	_, hasTitle := extra["title"]
	assert.False(t, hasTitle, "fixed fields stay out of the dynamic column")
}

func TestWriterRegistersFieldSamples(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistry{}
	w := newTestWriter(t, &fakeGateway{}, &fakeEmbedder{}, reg, nil)

	w.Add(ctx, movieRow("The Shawshank Redemption"), "https://movie.douban.com/top250")

	calls := reg.registerCalls()
	require.Len(t, calls, 1, "fields must be registered during Add, before any write lands")
	assert.Contains(t, calls[0], "rating")
	assert.Contains(t, calls[0], "source")
	assert.Equal(t, 9.3, calls[0]["rating"], "samples carry converted values for type inference")
}

func TestWriterSkipsShortText(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	reg := &fakeRegistry{}
	w := newTestWriter(t, gw, &fakeEmbedder{}, reg, nil)

	assert.Equal(t, 0, w.Add(ctx, "tiny", "src"))
	assert.Equal(t, 0, w.Add(ctx, map[string]interface{}{"text": "short"}, "src"))
	assert.Empty(t, reg.registerCalls())

	w.FlushAndWait(time.Second)
	assert.Empty(t, gw.insertCalls())
}

func TestWriterTruncatesLongText(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	w := newTestWriter(t, gw, &fakeEmbedder{}, &fakeRegistry{}, func(cfg *config.KnowledgeConfig) {
		cfg.MaxContentLength = 20
	})

	w.Add(ctx, strings.Repeat("长", 30), "src")
	w.Flush()
	require.True(t, w.FlushAndWait(2*time.Second))

	inserts := gw.insertCalls()
	require.Len(t, inserts, 1)
	stored, err := findColumn(t, inserts[0].cols, "text").GetAsString(0)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(stored, truncatedMarker))
	assert.Equal(t, 20+utf8.RuneCountInString(truncatedMarker), utf8.RuneCountInString(stored))
}

func TestWriterStringItemGetsDefaults(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	w := newTestWriter(t, gw, &fakeEmbedder{}, &fakeRegistry{}, nil)

	w.Add(ctx, "a plain paragraph scraped off the page", "https://news.example/page")
	w.Flush()
	require.True(t, w.FlushAndWait(2*time.Second))

	inserts := gw.insertCalls()
	require.Len(t, inserts, 1)
	cols := inserts[0].cols

	source, err := findColumn(t, cols, "source").GetAsString(0)
	require.NoError(t, err)
	assert.Equal(t, "https://news.example/page", source)

	dataType, err := findColumn(t, cols, "data_type").GetAsString(0)
	require.NoError(t, err)
	assert.Equal(t, "crawled", dataType)

	crawledAt, err := findColumn(t, cols, "crawled_at").GetAsString(0)
	require.NoError(t, err)
	_, perr := time.Parse(crawledAtLayout, crawledAt)
	assert.NoError(t, perr)

	metaRaw, err := findColumn(t, cols, "$meta").Get(0)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(metaRaw.([]byte)))
}

func TestWriterCloseFlushesRemainder(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	gw := &fakeGateway{}
	w := NewWriter(gw, &fakeEmbedder{}, &fakeRegistry{}, config.DefaultConfig().Knowledge)

	w.Add(ctx, []map[string]interface{}{movieRow("A"), movieRow("B"), movieRow("C")}, "src")
	assert.Empty(t, gw.insertCalls())

	w.Close(5 * time.Second)
	require.Len(t, gw.insertCalls(), 1)

	// A closed writer drops instead of blocking.
	w.Add(ctx, movieRow("D"), "src")
	w.Flush()
	w.Close(time.Second)
	assert.Len(t, gw.insertCalls(), 1)
}

func TestWriterMixedPayloadShapes(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	w := newTestWriter(t, gw, &fakeEmbedder{}, &fakeRegistry{}, nil)

	n := w.Add(ctx, []interface{}{
		movieRow("Mixed"),
		"a plain string row that is long enough",
	}, "src")
	assert.Equal(t, 2, n)

	w.Flush()
	require.True(t, w.FlushAndWait(2*time.Second))
	inserts := gw.insertCalls()
	require.Len(t, inserts, 1)
	assert.Equal(t, 2, inserts[0].cols[0].Len())
}

func TestWriterLosesBatchWhenEmbeddingDown(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	gw := &fakeGateway{}
	emb := &fakeEmbedder{err: context.DeadlineExceeded}
	w := newTestWriter(t, gw, emb, &fakeRegistry{}, nil)

	w.Add(ctx, movieRow("Doomed"), "src")
	w.Flush()
	require.True(t, w.FlushAndWait(2*time.Second), "a failed batch still completes the wait")
	assert.Empty(t, gw.insertCalls())
	assert.Empty(t, gw.ensureCalls())
}
