package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func anchorNode(i int) map[string]interface{} {
	return map[string]interface{}{
		"t":    "a",
		"x":    fmt.Sprintf("/html/body/ul[1]/a[%d]", i),
		"txt":  fmt.Sprintf("Movie %d", i),
		"href": fmt.Sprintf("/movies/%d", i),
	}
}

func listNode(kids ...interface{}) map[string]interface{} {
	return map[string]interface{}{
		"t":    "ul",
		"x":    "/html/body/ul[1]",
		"kids": kids,
	}
}

func bodyNode(kids ...interface{}) map[string]interface{} {
	return map[string]interface{}{
		"t":    "body",
		"x":    "/html/body",
		"kids": kids,
	}
}

func TestCompressFoldsSiblingRuns(t *testing.T) {
	tail := map[string]interface{}{
		"t":   "button",
		"x":   "/html/body/ul[1]/button[1]",
		"txt": "Load more",
	}
	root := bodyNode(listNode(
		anchorNode(1), anchorNode(2), anchorNode(3), anchorNode(4), anchorNode(5),
		tail,
	))

	out := NewCompressor(ModeLite).Compress(root)

	ul := out["kids"].([]interface{})[0].(map[string]interface{})
	kids := ul["kids"].([]interface{})
	require.Len(t, kids, 2, "five anchors fold into one entry, button survives")

	group := kids[0].(map[string]interface{})
	require.Equal(t, "compressed_list", group["type"])
	require.Equal(t, 5, group["count"])
	require.Equal(t, "a", group["tag"])
	require.Equal(t, "/html/body/ul[1]/a[{i}]", group["xpath_template"])

	rows := group["data"].([]map[string]interface{})
	require.Len(t, rows, 5)
	require.Equal(t, "Movie 1", rows[0]["text"])
	require.Equal(t, "/movies/1", rows[0]["href"])
	require.Equal(t, 1, rows[0]["_index"])
	require.Equal(t, 5, rows[4]["_index"])

	desc := group["description"].(string)
	require.Contains(t, desc, "/html/body/ul[1]/a[{i}]")
	require.Contains(t, desc, "Movie 1")

	attrs := group["sample_attributes"].(map[string]string)
	require.Equal(t, "/movies/1", attrs["href"])

	require.Equal(t, "button", kids[1].(map[string]interface{})["t"])
}

func TestCompressAlignsSparseColumns(t *testing.T) {
	plain := anchorNode(2)
	delete(plain, "txt")
	titled := anchorNode(3)
	titled["title"] = "Third"

	root := listNode(anchorNode(1), plain, titled)
	out := NewCompressor(ModeLite).Compress(root)

	group := out["kids"].([]interface{})[0].(map[string]interface{})
	rows := group["data"].([]map[string]interface{})
	require.Len(t, rows, 3)
	require.Equal(t, "", rows[1]["text"], "missing text is padded so columns align")
	require.Equal(t, "", rows[0]["title"])
	require.Equal(t, "Third", rows[2]["title"])
}

func TestCompressKeepsShortRuns(t *testing.T) {
	root := listNode(anchorNode(1), anchorNode(2))
	out := NewCompressor(ModeLite).Compress(root)

	kids := out["kids"].([]interface{})
	require.Len(t, kids, 2)
	for _, kid := range kids {
		require.Equal(t, "a", kid.(map[string]interface{})["t"])
	}
}

func TestCompressSkippedMarkerBreaksRun(t *testing.T) {
	marker := map[string]interface{}{"t": "skipped", "count": 10}
	root := listNode(anchorNode(1), anchorNode(2), marker, anchorNode(3), anchorNode(4))

	out := NewCompressor(ModeLite).Compress(root)

	kids := out["kids"].([]interface{})
	require.Len(t, kids, 5, "runs of two on either side of the marker stay unfolded")
	require.Equal(t, "skipped", kids[2].(map[string]interface{})["t"])
}

func TestCompressSeparatesInputTypes(t *testing.T) {
	input := func(i int, typ string) map[string]interface{} {
		return map[string]interface{}{
			"t":    "input",
			"x":    fmt.Sprintf("/html/body/form[1]/input[%d]", i),
			"type": typ,
		}
	}
	root := listNode(
		input(1, "text"), input(2, "text"), input(3, "text"),
		input(4, "checkbox"), input(5, "checkbox"), input(6, "checkbox"),
	)

	out := NewCompressor(ModeLite).Compress(root)

	kids := out["kids"].([]interface{})
	require.Len(t, kids, 2)
	for _, kid := range kids {
		group := kid.(map[string]interface{})
		require.Equal(t, "compressed_list", group["type"])
		require.Equal(t, 3, group["count"])
	}
}

func TestCompressFullModeKeepsFormAttributes(t *testing.T) {
	input := func(i int) map[string]interface{} {
		return map[string]interface{}{
			"t":           "input",
			"x":           fmt.Sprintf("/html/body/form[1]/input[%d]", i),
			"type":        "text",
			"name":        fmt.Sprintf("q%d", i),
			"placeholder": "Search",
		}
	}
	root := listNode(input(1), input(2), input(3))

	lite := NewCompressor(ModeLite).Compress(bodyNode(root))
	liteGroup := lite["kids"].([]interface{})[0].(map[string]interface{})["kids"].([]interface{})[0].(map[string]interface{})
	liteRows := liteGroup["data"].([]map[string]interface{})
	require.NotContains(t, liteRows[0], "placeholder")

	rebuilt := listNode(input(1), input(2), input(3))
	full := NewCompressor(ModeFull).Compress(bodyNode(rebuilt))
	fullGroup := full["kids"].([]interface{})[0].(map[string]interface{})["kids"].([]interface{})[0].(map[string]interface{})
	fullRows := fullGroup["data"].([]map[string]interface{})
	require.Equal(t, "Search", fullRows[0]["placeholder"])
	require.Equal(t, "q1", fullRows[0]["name"])
	require.Equal(t, "text", fullRows[0]["type"])

	attrs := fullGroup["sample_attributes"].(map[string]string)
	require.Equal(t, "Search", attrs["placeholder"])
}

func TestCompressExtractsNestedText(t *testing.T) {
	item := func(i int) map[string]interface{} {
		return map[string]interface{}{
			"t":   "li",
			"c":   "movie",
			"x":   fmt.Sprintf("/html/body/ul[1]/li[%d]", i),
			"txt": fmt.Sprintf("#%d", i),
			"kids": []interface{}{
				map[string]interface{}{
					"t":   "a",
					"x":   fmt.Sprintf("/html/body/ul[1]/li[%d]/a[1]", i),
					"txt": fmt.Sprintf("Movie %d", i),
				},
			},
		}
	}
	root := listNode(item(1), item(2), item(3))

	out := NewCompressor(ModeLite).Compress(root)

	group := out["kids"].([]interface{})[0].(map[string]interface{})
	rows := group["data"].([]map[string]interface{})
	require.Equal(t, "#1 Movie 1", rows[0]["text"], "row text merges the node's own and descendant text")
}

func TestStructuralHashDistinguishesFoldedLists(t *testing.T) {
	c := NewCompressor(ModeLite)
	listA := map[string]interface{}{"type": "compressed_list", "xpath_template": "/html/body/div[1]/a[{i}]"}
	listB := map[string]interface{}{"type": "compressed_list", "xpath_template": "/html/body/div[2]/a[{i}]"}
	listA2 := map[string]interface{}{"type": "compressed_list", "xpath_template": "/html/body/div[1]/a[{i}]"}

	require.NotEqual(t, c.structuralHash(listA), c.structuralHash(listB))
	require.Equal(t, c.structuralHash(listA), c.structuralHash(listA2))
}

func TestCompressJSON(t *testing.T) {
	root := bodyNode(listNode(anchorNode(1), anchorNode(2), anchorNode(3)))
	raw, err := json.Marshal(root)
	require.NoError(t, err)

	out := NewCompressor(ModeLite).CompressJSON(string(raw))
	require.Contains(t, out, `"compressed_list"`)
	require.Contains(t, out, "Movie 2")

	var tree map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &tree))
}

func TestCompressJSONReturnsRawOnParseFailure(t *testing.T) {
	raw := "not json at all"
	require.Equal(t, raw, NewCompressor(ModeLite).CompressJSON(raw))
}

func TestDescribeGroupTruncatesSample(t *testing.T) {
	rows := make([]map[string]interface{}, 0, 25)
	for i := 1; i <= 25; i++ {
		rows = append(rows, map[string]interface{}{"text": fmt.Sprintf("item %d", i)})
	}
	desc := describeGroup("/html/body/ul[1]/li[{i}]", rows)
	require.True(t, strings.HasSuffix(desc, ", ...]"), desc)
	require.Contains(t, desc, "item 20")
	require.NotContains(t, desc, "item 21")

	blank := []map[string]interface{}{{}, {}, {}}
	require.Equal(t, "/html/body/ul[1]/li[{i}] (3 items)", describeGroup("/html/body/ul[1]/li[{i}]", blank))
}

func TestTrailingIndex(t *testing.T) {
	idx, ok := trailingIndex("/html/body/ul[1]/li[12]")
	require.True(t, ok)
	require.Equal(t, 12, idx)

	_, ok = trailingIndex(`//*[@id="app"]`)
	require.False(t, ok)

	_, ok = trailingIndex("/html/body/div[3]/span")
	require.False(t, ok)
}
