package avro

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/pkg/clients"
	"github.com/ajitpratap0/featuresink/pkg/json"
)

// HTTPRegistry resolves schemas from a Confluent-compatible schema
// registry and caches them for the life of the process
type HTTPRegistry struct {
	baseURL string
	client  *clients.HTTPClient
	codec   *json.Codec
	logger  *zap.Logger

	mu      sync.RWMutex
	schemas map[int]string
}

// NewHTTPRegistry creates a registry client for baseURL
func NewHTTPRegistry(baseURL string, logger *zap.Logger) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  clients.NewHTTPClient(clients.DefaultHTTPConfig(), logger),
		codec:   json.NewCodec(),
		logger:  logger.With(zap.String("component", "schema_registry")),
		schemas: make(map[int]string),
	}
}

type schemaResponse struct {
	Schema string `json:"schema"`
}

// Schema implements Registry
func (r *HTTPRegistry) Schema(ctx context.Context, id int) (string, error) {
	r.mu.RLock()
	s, ok := r.schemas[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	url := fmt.Sprintf("%s/schemas/ids/%d", r.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.schemaregistry.v1+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("schema registry request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read schema registry response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("schema registry returned status %d for id %d", resp.StatusCode, id)
	}

	var sr schemaResponse
	if err := r.codec.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("invalid schema registry response: %w", err)
	}

	r.mu.Lock()
	r.schemas[id] = sr.Schema
	r.mu.Unlock()

	r.logger.Info("fetched schema", zap.Int("schema_id", id))
	return sr.Schema, nil
}

// Close releases pooled connections
func (r *HTTPRegistry) Close() error {
	return r.client.Close()
}
