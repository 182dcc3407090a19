package browser

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/1122414/AutoWeb/internal/logging"
)

// CompressMode selects how many attributes survive into folded rows.
type CompressMode int

const (
	// ModeLite keeps text, href and title. Default for page snapshots.
	ModeLite CompressMode = iota
	// ModeFull also keeps form and accessibility attributes.
	ModeFull
)

const (
	minGroupSize         = 3
	descriptionSampleMax = 20
)

var (
	liteCaptureKeys = []string{"txt", "href", "title"}
	fullCaptureKeys = []string{"txt", "href", "src", "title", "value", "placeholder", "aria-label", "name", "type", "role"}

	trailingIndexPattern = regexp.MustCompile(`\[(\d+)\]$`)
)

// Compressor folds runs of structurally identical sibling nodes into a
// single compressed_list entry carrying the extracted row data. Long
// result pages shrink by an order of magnitude without losing the
// information needed to pick locators.
type Compressor struct {
	captureKeys []string
}

func NewCompressor(mode CompressMode) *Compressor {
	keys := liteCaptureKeys
	if mode == ModeFull {
		keys = fullCaptureKeys
	}
	return &Compressor{captureKeys: keys}
}

// CompressJSON compresses a serialized skeleton tree. Input that does
// not parse as a JSON object is returned unchanged.
func (c *Compressor) CompressJSON(raw string) string {
	var node map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		logging.BrowserWarn("skeleton not compressible: %v", err)
		return raw
	}
	out, err := json.Marshal(c.Compress(node))
	if err != nil {
		logging.BrowserWarn("skeleton re-encode failed: %v", err)
		return raw
	}
	return string(out)
}

// Compress folds the tree in place, bottom-up so nested lists collapse
// before their parents are compared.
func (c *Compressor) Compress(node map[string]interface{}) map[string]interface{} {
	if node == nil {
		return nil
	}
	if kids, ok := node["kids"].([]interface{}); ok {
		for _, kid := range kids {
			if kn, ok := kid.(map[string]interface{}); ok {
				c.Compress(kn)
			}
		}
		node["kids"] = c.compressSiblings(kids)
	}
	return node
}

func (c *Compressor) compressSiblings(kids []interface{}) []interface{} {
	out := make([]interface{}, 0, len(kids))
	var run []map[string]interface{}
	var runHash string

	flush := func() {
		if len(run) >= minGroupSize {
			out = append(out, c.aggregateGroup(run))
		} else {
			for _, n := range run {
				out = append(out, n)
			}
		}
		run = nil
		runHash = ""
	}

	for _, kid := range kids {
		node, ok := kid.(map[string]interface{})
		if !ok {
			flush()
			out = append(out, kid)
			continue
		}
		// Ellipsis markers from the snapshot break runs: the nodes on
		// either side of one are not adjacent in the real DOM.
		if nodeString(node, "t") == "skipped" {
			flush()
			out = append(out, node)
			continue
		}
		h := c.structuralHash(node)
		if len(run) > 0 && h == runHash {
			run = append(run, node)
			continue
		}
		flush()
		run = append(run, node)
		runHash = h
	}
	flush()
	return out
}

// structuralHash fingerprints a node by shape, not content: tag, the
// filtered class list, the child tag sequence, and the input type.
func (c *Compressor) structuralHash(node map[string]interface{}) string {
	if nodeString(node, "type") == "compressed_list" {
		return "compressed_" + nodeString(node, "xpath_template")
	}
	parts := []string{nodeString(node, "t")}
	if cls := nodeString(node, "c"); cls != "" {
		parts = append(parts, cls)
	}
	if kids, ok := node["kids"].([]interface{}); ok {
		tags := make([]string, 0, len(kids))
		for _, kid := range kids {
			if kn, ok := kid.(map[string]interface{}); ok {
				tags = append(tags, nodeString(kn, "t"))
			}
		}
		parts = append(parts, strings.Join(tags, "|"))
	}
	if nodeString(node, "t") == "input" {
		parts = append(parts, nodeString(node, "type"))
	}
	sum := md5.Sum([]byte(strings.Join(parts, "::")))
	return hex.EncodeToString(sum[:])
}

func (c *Compressor) aggregateGroup(group []map[string]interface{}) map[string]interface{} {
	template := group[0]
	xpathTemplate := trailingIndexPattern.ReplaceAllString(nodeString(template, "x"), "[{i}]")

	rows := make([]map[string]interface{}, 0, len(group))
	present := map[string]bool{}
	indexed := false
	for _, node := range group {
		row := map[string]interface{}{}
		for _, key := range c.captureKeys {
			var value string
			if key == "txt" {
				value = nodeText(node)
			} else {
				value = nodeString(node, key)
			}
			if value == "" {
				continue
			}
			col := key
			if key == "txt" {
				col = "text"
			}
			row[col] = value
			present[col] = true
		}
		if idx, ok := trailingIndex(nodeString(node, "x")); ok {
			row["_index"] = idx
			indexed = true
		}
		rows = append(rows, row)
	}
	for _, row := range rows {
		for col := range present {
			if _, ok := row[col]; !ok {
				row[col] = ""
			}
		}
		if indexed {
			if _, ok := row["_index"]; !ok {
				row["_index"] = -1
			}
		}
	}

	out := map[string]interface{}{
		"type":           "compressed_list",
		"count":          len(group),
		"tag":            nodeString(template, "t"),
		"xpath_template": xpathTemplate,
		"description":    describeGroup(xpathTemplate, rows),
		"data":           rows,
	}
	if kids, ok := template["kids"]; ok {
		out["kids"] = kids
	}
	if attrs := c.sampleAttributes(template); len(attrs) > 0 {
		out["sample_attributes"] = attrs
	}
	return out
}

func (c *Compressor) sampleAttributes(template map[string]interface{}) map[string]string {
	out := map[string]string{}
	for _, key := range c.captureKeys {
		if key == "txt" {
			continue
		}
		if v := nodeString(template, key); v != "" {
			out[key] = v
		}
	}
	return out
}

func describeGroup(xpathTemplate string, rows []map[string]interface{}) string {
	texts := make([]string, 0, descriptionSampleMax)
	more := false
	for _, row := range rows {
		t, _ := row["text"].(string)
		if strings.TrimSpace(t) == "" {
			continue
		}
		if len(texts) == descriptionSampleMax {
			more = true
			break
		}
		texts = append(texts, t)
	}
	if len(texts) == 0 {
		return fmt.Sprintf("%s (%d items)", xpathTemplate, len(rows))
	}
	if more {
		return fmt.Sprintf("%s | Sample: [%s, ...]", xpathTemplate, strings.Join(texts, ", "))
	}
	return fmt.Sprintf("%s | Sample: [%s]", xpathTemplate, strings.Join(texts, ", "))
}

// nodeText collects the node's own text plus all descendant text.
func nodeText(node map[string]interface{}) string {
	var parts []string
	if t := nodeString(node, "txt"); t != "" {
		parts = append(parts, t)
	}
	if kids, ok := node["kids"].([]interface{}); ok {
		for _, kid := range kids {
			if kn, ok := kid.(map[string]interface{}); ok {
				if t := nodeText(kn); t != "" {
					parts = append(parts, t)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

func trailingIndex(xpath string) (int, bool) {
	m := trailingIndexPattern.FindStringSubmatch(xpath)
	if m == nil {
		return -1, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1, false
	}
	return n, true
}

func nodeString(node map[string]interface{}, key string) string {
	s, _ := node[key].(string)
	return s
}
