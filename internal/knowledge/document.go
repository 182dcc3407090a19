// Package knowledge manages the crawled-data knowledge base: a buffered
// write-behind pipeline into Milvus, a dynamic field registry that tells
// the query analyzer which metadata fields exist, and a hybrid
// retrieval + rerank QA service over the stored rows.
package knowledge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// FixedFields are the high-frequency scalar fields every stored row
// carries. They exist as real collection columns with inverted indexes;
// everything else a crawl produces lands in the dynamic-field JSON.
var FixedFields = []string{"source", "title", "category", "data_type", "platform", "crawled_at"}

const (
	// crawledAtLayout is the wall-clock format written into crawled_at.
	crawledAtLayout = "2006-01-02 15:04:05"

	// truncatedMarker is appended when a text body is cut at MaxContentLength.
	truncatedMarker = "...[truncated]"

	// minTextLength is the shortest text body worth storing. Anything
	// shorter is navigation debris, not content.
	minTextLength = 10
)

// textKeys are checked in order when extracting the text body from a row.
var textKeys = []string{"text", "content", "page_content", "description", "summary"}

// metadataTextKeys are excluded from dynamic metadata because they feed
// the text body. description and summary are deliberately NOT excluded:
// when they exist they are useful as filterable fields too.
var metadataTextKeys = map[string]bool{"text": true, "content": true, "page_content": true}

// Document is one pending knowledge-base row: the embedded text body
// plus scalar metadata. Fixed fields always present; dynamic fields
// only when the source row carried them.
type Document struct {
	Text     string
	Metadata map[string]interface{}

	// pctFields names metadata keys whose numeric value originally
	// carried a percent sign. Used only for batch format-consistency
	// checks; never persisted.
	pctFields []string
}

func isFixedField(name string) bool {
	for _, f := range FixedFields {
		if f == name {
			return true
		}
	}
	return false
}

// textContent extracts the text body from a crawled item.
// Priority: text > content > page_content > description > summary;
// maps without any of those are JSON-serialized whole.
func textContent(item interface{}) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]interface{}:
		for _, key := range textKeys {
			if raw, ok := v[key]; ok {
				s := stringify(raw)
				if s != "" {
					return s
				}
			}
		}
		if b, err := json.MarshalIndent(v, "", "  "); err == nil {
			return string(b)
		}
		return ""
	default:
		return fmt.Sprintf("%v", item)
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// truncateText cuts s to max runes and appends the truncation marker.
func truncateText(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + truncatedMarker
}

var currencyPrefixes = []string{"¥", "$", "€", "£", "￥"}

var invalidValues = map[string]bool{
	"": true, "-": true, "--": true,
	"N/A": true, "n/a": true, "null": true, "None": true,
}

// convertDynamicValue normalizes a scalar before it becomes a dynamic
// field. Numbers pass through; strings are cleaned of currency symbols,
// percent signs and thousands separators, then parsed as float when
// possible. Returns (nil, false) for placeholder junk like "-" or "N/A";
// wasPercent reports that the original value ended in '%'.
//
//	"41.30"   -> 41.30, false
//	"80.0%"   -> 80.0,  true
//	"¥4.32"   -> 4.32,  false
//	"1,234"   -> 1234,  false
//	"-"       -> nil,   false
//	"uncut"   -> "uncut", false
func convertDynamicValue(value interface{}) (interface{}, bool) {
	s, ok := value.(string)
	if !ok {
		return value, false
	}

	stripped := strings.TrimSpace(s)
	if invalidValues[stripped] {
		return nil, false
	}

	cleaned := stripped
	for _, prefix := range currencyPrefixes {
		if strings.HasPrefix(cleaned, prefix) {
			cleaned = strings.TrimSpace(strings.TrimPrefix(cleaned, prefix))
			break
		}
	}

	wasPercent := false
	if strings.HasSuffix(cleaned, "%") {
		cleaned = strings.TrimSpace(strings.TrimSuffix(cleaned, "%"))
		wasPercent = true
	}

	cleaned = strings.ReplaceAll(cleaned, ",", "")

	if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return f, wasPercent
	}
	return stripped, false
}

// extractMetadata builds the metadata map for a crawled row. Fixed fields
// are filled from the row (title falls back to name, category to type)
// or defaulted; every other scalar becomes a dynamic field after value
// conversion. Nested structures are skipped.
func extractMetadata(item map[string]interface{}, source string, now time.Time) (map[string]interface{}, []string) {
	meta := make(map[string]interface{}, len(item)+len(FixedFields))

	meta["source"] = firstString(item, source, "source")
	meta["title"] = firstString(item, "", "title", "name")
	meta["category"] = firstString(item, "", "category", "type")
	meta["data_type"] = firstString(item, "crawled", "data_type")
	meta["platform"] = firstString(item, "", "platform")
	meta["crawled_at"] = firstString(item, now.Format(crawledAtLayout), "crawled_at")

	var pctFields []string
	for key, value := range item {
		if isFixedField(key) || metadataTextKeys[key] {
			continue
		}
		switch value.(type) {
		case string, int, int64, float64, float32, bool:
			converted, wasPct := convertDynamicValue(value)
			if converted == nil {
				continue
			}
			meta[key] = converted
			if wasPct {
				pctFields = append(pctFields, key)
			}
		}
	}
	return meta, pctFields
}

// defaultMetadata covers plain-string items, which carry no fields of
// their own.
func defaultMetadata(source string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"source":     source,
		"title":      "",
		"category":   "",
		"data_type":  "crawled",
		"platform":   "",
		"crawled_at": now.Format(crawledAtLayout),
	}
}

func firstString(item map[string]interface{}, fallback string, keys ...string) string {
	for _, key := range keys {
		if raw, ok := item[key]; ok {
			if s := stringify(raw); s != "" {
				return s
			}
		}
	}
	return fallback
}

// minPctSamples is the smallest field population worth judging for
// percent-format consistency.
const minPctSamples = 3

// sanitizeFormatConsistency drops percent-derived values that disagree
// with the rest of their column. A price column where one row was
// scraped as "80%" and nine as plain floats should not keep the stray
// 80: if fewer than half of a numeric field's values in this batch came
// from percent strings, those values are format noise and are removed.
// Fields with fewer than minPctSamples values are left alone.
func sanitizeFormatConsistency(docs []Document) int {
	type fieldStat struct {
		total    int
		pctCount int
		pctDocs  []int
	}
	stats := make(map[string]*fieldStat)

	for i := range docs {
		pct := make(map[string]bool, len(docs[i].pctFields))
		for _, f := range docs[i].pctFields {
			pct[f] = true
		}
		for key, value := range docs[i].Metadata {
			if _, isNum := value.(float64); !isNum {
				continue
			}
			st := stats[key]
			if st == nil {
				st = &fieldStat{}
				stats[key] = st
			}
			st.total++
			if pct[key] {
				st.pctCount++
				st.pctDocs = append(st.pctDocs, i)
			}
		}
	}

	removed := 0
	for field, st := range stats {
		if st.total < minPctSamples || st.pctCount == 0 {
			continue
		}
		if float64(st.pctCount)/float64(st.total) >= 0.5 {
			continue
		}
		for _, idx := range st.pctDocs {
			delete(docs[idx].Metadata, field)
			removed++
		}
	}

	for i := range docs {
		docs[i].pctFields = nil
	}
	return removed
}
