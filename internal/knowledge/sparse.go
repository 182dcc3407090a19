package knowledge

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// The sparse leg of hybrid retrieval: an in-memory BM25 index built per
// query over a bounded pull of stored rows. Dense search misses exact
// names and codes ("P2715Q", "肖申克的救赎"); keyword scoring catches
// them, and rank fusion merges both legs.

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type bm25Index struct {
	termFreqs []map[string]int
	docLens   []int
	docFreq   map[string]int
	avgLen    float64
	size      int
}

// newBM25Index tokenizes and indexes the given texts. Index positions
// correspond to input positions.
func newBM25Index(texts []string) *bm25Index {
	idx := &bm25Index{
		termFreqs: make([]map[string]int, len(texts)),
		docLens:   make([]int, len(texts)),
		docFreq:   make(map[string]int),
		size:      len(texts),
	}

	total := 0
	for i, text := range texts {
		tokens := tokenizeText(text)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		idx.termFreqs[i] = tf
		idx.docLens[i] = len(tokens)
		total += len(tokens)
		for tok := range tf {
			idx.docFreq[tok]++
		}
	}
	if len(texts) > 0 {
		idx.avgLen = float64(total) / float64(len(texts))
	}
	return idx
}

// search scores every document against the query and returns the
// positions of the top k, best first. Documents that match no query
// term are excluded.
func (idx *bm25Index) search(query string, k int) []int {
	if idx.size == 0 || k <= 0 {
		return nil
	}
	terms := tokenizeText(query)
	if len(terms) == 0 {
		return nil
	}

	scores := make([]float64, idx.size)
	for _, term := range terms {
		df := idx.docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(idx.size)-float64(df)+0.5)/(float64(df)+0.5))
		for i := 0; i < idx.size; i++ {
			tf := float64(idx.termFreqs[i][term])
			if tf == 0 {
				continue
			}
			norm := 1 - bm25B + bm25B*float64(idx.docLens[i])/idx.avgLen
			scores[i] += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*norm)
		}
	}

	ranked := make([]int, 0, idx.size)
	for i, s := range scores {
		if s > 0 {
			ranked = append(ranked, i)
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return scores[ranked[a]] > scores[ranked[b]]
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// tokenizeText lowercases and splits text into ASCII alphanumeric runs
// plus one token per CJK (or other non-ASCII) character. "kimi-2.5
// 人工智能" -> [kimi 2 5 人 工 智 能].
func tokenizeText(s string) []string {
	s = strings.ToLower(s)
	tokens := make([]string, 0, len(s)/3)
	var run []rune
	flush := func() {
		if len(run) > 0 {
			tokens = append(tokens, string(run))
			run = run[:0]
		}
	}
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			run = append(run, r)
		case r < 128:
			flush()
		default:
			flush()
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				tokens = append(tokens, string(r))
			}
		}
	}
	flush()
	return tokens
}
