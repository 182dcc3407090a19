// Package vecstore is the shared gateway to Milvus. Every vector
// operation in the system (code cache, DOM cache, knowledge base) goes
// through this package so retries, weight normalization, TTL filtering
// and duration logging behave identically everywhere.
package vecstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/1122414/AutoWeb/internal/logging"
)

// Store wraps a Milvus client connection shared by all cache managers.
type Store struct {
	client  *milvusclient.Client
	address string
}

// ParseURI reduces a Milvus URI to the host:port address the client
// expects. Scheme is optional; the port defaults to 19530.
func ParseURI(uri string) string {
	raw := strings.TrimSpace(uri)
	if raw == "" {
		return "localhost:19530"
	}
	if idx := strings.Index(raw, "://"); idx >= 0 {
		raw = raw[idx+3:]
	}
	if idx := strings.Index(raw, "/"); idx >= 0 {
		raw = raw[:idx]
	}
	if !strings.Contains(raw, ":") {
		raw += ":19530"
	}
	return raw
}

// NewStore connects to Milvus at uri, retrying transient failures.
func NewStore(ctx context.Context, uri string) (*Store, error) {
	address := ParseURI(uri)
	var client *milvusclient.Client
	err := RunWithRetry(ctx, "VectorStore", fmt.Sprintf("connect(%s)", address), func() error {
		var cerr error
		client, cerr = milvusclient.New(ctx, &milvusclient.ClientConfig{Address: address})
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("milvus connect %s: %w", address, err)
	}
	logging.Vector("connected to Milvus at %s", address)
	return &Store{client: client, address: address}, nil
}

// Address returns the resolved host:port this store is connected to.
func (s *Store) Address() string {
	return s.address
}

// Close releases the underlying connection.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Close(ctx)
}
