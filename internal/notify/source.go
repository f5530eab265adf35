package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"labkeeper/internal/inventory"
)

// SourceConfig selects where the runner reads active items from.
//
// Driver values:
//   - "store": the configured item store (default)
//   - "api": a running labkeeper server, GET <URL>/api/inventory/current
//   - "file": a legacy JSON export with a "currentItems" array
type SourceConfig struct {
	Driver  string
	URL     string
	Path    string
	Timeout time.Duration
}

// OpenSource builds the configured source. store is used by the "store" driver.
func OpenSource(cfg SourceConfig, store Source) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "store":
		if store == nil {
			return nil, errors.New("source: item store not configured")
		}
		return store, nil
	case "api":
		return NewAPISource(cfg.URL, cfg.Timeout)
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("source: file path is required")
		}
		return &FileSource{Path: cfg.Path}, nil
	default:
		return nil, errors.New("unknown source driver: " + cfg.Driver)
	}
}

// APISource reads items from the HTTP API of a running server.
type APISource struct {
	url    string
	client *http.Client
}

func NewAPISource(baseURL string, timeout time.Duration) (*APISource, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("source: api url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &APISource{url: base + "/api/inventory/current", client: &http.Client{Timeout: timeout}}, nil
}

type apiItemsResponse struct {
	Status string             `json:"status"`
	Items  []json.RawMessage `json:"items"`
	Error  string            `json:"error"`
}

func (s *APISource) ListActive(ctx context.Context) ([]inventory.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", s.url, resp.StatusCode)
	}
	var out apiItemsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.url, err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("GET %s: status %q: %s", s.url, out.Status, out.Error)
	}
	return inventory.DecodeRecords(out.Items), nil
}

// FileSource reads the legacy inventory_data.json export.
type FileSource struct {
	Path string
}

type exportFile struct {
	CurrentItems []json.RawMessage `json:"currentItems"`
}

func (s *FileSource) ListActive(ctx context.Context) ([]inventory.Record, error) {
	_ = ctx
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	var out exportFile
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return inventory.DecodeRecords(out.CurrentItems), nil
}
