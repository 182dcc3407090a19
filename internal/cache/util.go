package cache

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	numericSegments = regexp.MustCompile(`/\d+`)
	whitespaceRuns  = regexp.MustCompile(`\s+`)
	integerRuns     = regexp.MustCompile(`\b\d+\b`)
)

const (
	urlPatternMax = 512
	domHashInput  = 2500
	domTextMax    = 12000
	taskTextMax   = 1500

	// timestampLayout matches the expire_at layout the TTL filter parses.
	timestampLayout = "2006-01-02T15:04:05"
)

// NormalizeURL turns a live URL into the cache join key: no scheme, no
// leading www., numeric path segments wildcarded, query dropped. This is
// what lets a hit survive session ids in the path.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return truncate(trimmed, urlPatternMax)
	}
	host := u.Host
	if strings.HasPrefix(strings.ToLower(host), "www.") {
		host = host[4:]
	}
	path := numericSegments.ReplaceAllString(u.Path, "/*")
	return truncate(host+path, urlPatternMax)
}

// ComputeDOMHash fingerprints a DOM skeleton. The skeleton is compacted
// first so whitespace runs and counters do not move the hash, and only
// the first 2500 chars participate; page headers change far more often
// than footers.
func ComputeDOMHash(domSkeleton string) string {
	content := truncate(CompactDOM(domSkeleton), domHashInput)
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// CompactDOM prepares a DOM skeleton for embedding: whitespace runs
// collapse to one space and standalone integers become 0 so session ids
// and counters do not perturb the vector.
func CompactDOM(domSkeleton string) string {
	if domSkeleton == "" {
		return ""
	}
	dom := whitespaceRuns.ReplaceAllString(domSkeleton, " ")
	dom = integerRuns.ReplaceAllString(dom, "0")
	return truncate(dom, domTextMax)
}

// TaskIntent normalizes a user task for intent matching.
func TaskIntent(userTask string) string {
	text := whitespaceRuns.ReplaceAllString(strings.TrimSpace(userTask), " ")
	return truncate(text, taskTextMax)
}

// SquashScore maps a raw Milvus score or distance onto [0,1]. Values
// already in range pass through; everything else gets a monotone squash.
func SquashScore(score float64) float64 {
	switch {
	case score >= 0 && score <= 1:
		return score
	case score > 1 && score <= 2:
		return max0(1 - score/2)
	case score >= -1 && score < 0:
		return clamp01(1 + score)
	default:
		if score < 0 {
			score = -score
		}
		return clamp01(1 / (1 + score))
	}
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
