package vecstore

import (
	"math"
	"time"

	"github.com/1122414/AutoWeb/internal/logging"
)

// NormalizeWeights sanitizes hybrid-search weights: negatives are clamped
// to zero, a non-positive total falls back to defaults, and anything else
// is rescaled so the weights sum to 1.
func NormalizeWeights(weights, defaults []float64) []float64 {
	safe := make([]float64, len(weights))
	total := 0.0
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		safe[i] = w
		total += w
	}
	if total <= 0 {
		out := make([]float64, len(defaults))
		copy(out, defaults)
		return out
	}
	if math.Abs(total-1.0) > 1e-6 {
		logging.VectorWarn("weight sum=%.4f, auto-normalized", total)
	}
	for i := range safe {
		safe[i] /= total
	}
	return safe
}

// expireTimeFormat is the layout stored in cache expire_at fields.
const expireTimeFormat = "2006-01-02T15:04:05"

// FormatExpireAt renders t in the layout TTL filtering expects.
func FormatExpireAt(t time.Time) string {
	return t.Format(expireTimeFormat)
}

// FilterNotExpired drops hits whose expireField is past or unparseable.
// Invalid timestamps count as expired so stale rows never resurface.
func FilterNotExpired(hits []Hit, expireField string, now time.Time, tag string) []Hit {
	kept := make([]Hit, 0, len(hits))
	dropped := 0
	for _, hit := range hits {
		expireAt := hit.String(expireField)
		expDt, err := time.Parse(expireTimeFormat, expireAt)
		if err != nil || expDt.Before(now) {
			dropped++
			continue
		}
		kept = append(kept, hit)
	}
	if dropped > 0 {
		logging.Vector("[%s] TTL filtered %d expired/invalid hits", tag, dropped)
	}
	return kept
}
