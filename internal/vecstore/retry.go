package vecstore

import (
	"context"
	"strings"
	"time"

	"github.com/1122414/AutoWeb/internal/logging"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 300 * time.Millisecond
	backoffFactor        = 3
)

// Transient transport failures are worth retrying. Schema and parameter
// errors are deterministic and retrying them only delays the real failure.
var (
	retryablePatterns = []string{
		"timed out",
		"timeout",
		"temporarily unavailable",
		"connection reset",
		"connection refused",
		"connection aborted",
		"unavailable",
		"rpc",
		"channel",
		"socket",
		"deadline exceeded",
	}
	nonRetryablePatterns = []string{
		"schema",
		"field not found",
		"illegal",
		"invalid",
		"dimension",
		"param error",
	}
)

// IsRetryable reports whether err looks like a transient Milvus failure.
// Non-retryable patterns win over retryable ones.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, key := range nonRetryablePatterns {
		if strings.Contains(msg, key) {
			return false
		}
	}
	for _, key := range retryablePatterns {
		if strings.Contains(msg, key) {
			return true
		}
	}
	return false
}

// RunWithRetry executes fn up to three times with exponential backoff
// (0.3s, 0.9s, 2.7s). Non-retryable errors abort immediately. Every
// attempt is logged with its duration so slow vector ops show up in the
// system log.
func RunWithRetry(ctx context.Context, tag, operation string, fn func() error) error {
	var lastErr error
	for i := 1; i <= defaultRetryAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := fn()
		costMs := time.Since(start).Milliseconds()
		if err == nil {
			if i > 1 {
				logging.Vector("[%s] %s recovered on attempt %d/%d (%dms)", tag, operation, i, defaultRetryAttempts, costMs)
			}
			return nil
		}
		lastErr = err
		retryable := IsRetryable(err)
		logging.VectorWarn("[%s] %s failed attempt %d/%d (retryable=%v, %dms): %v",
			tag, operation, i, defaultRetryAttempts, retryable, costMs, err)
		if !retryable || i >= defaultRetryAttempts {
			break
		}
		backoff := defaultRetryBackoff
		for j := 1; j < i; j++ {
			backoff *= backoffFactor
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
