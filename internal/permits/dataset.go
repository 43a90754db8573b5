// Package permits performs the municipality permit lookup: it fetches the
// reference dataset once per process, normalizes city names, and copies
// matched row fields into the session under the configured answer keys.
package permits

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/matthew-callmother/estimator/pkg/logging"
)

// Row is one municipality record; a flat mapping of fields referenced by the
// lookup spec's write_to table.
type Row map[string]any

// Dataset is the reference lookup document: rows keyed by normalized city
// name plus an optional alias table mapping raw inputs to canonical keys.
type Dataset struct {
	Rows    map[string]Row    `json:"rows"`
	Aliases map[string]string `json:"aliases,omitempty"`
}

// Lookup resolves a raw city input against aliases and normalized keys.
func (d *Dataset) Lookup(raw string) (Row, bool) {
	key := Normalize(raw)
	if key == "" {
		return nil, false
	}
	if d.Aliases != nil {
		if canonical, ok := d.Aliases[key]; ok {
			key = Normalize(canonical)
		}
	}
	row, ok := d.Rows[key]
	return row, ok
}

var regionSuffixRe = regexp.MustCompile(`,\s*[a-z]{2}\.?$`)

// Normalize case-folds a city input and strips decorations users type:
// leading "city of", a trailing state suffix, and excess whitespace.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "city of ")
	s = strings.TrimPrefix(s, "town of ")
	s = regionSuffixRe.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// DatasetClient fetches the reference dataset and caches it for the life of
// the process. Concurrent callers share a single fetch.
type DatasetClient struct {
	url        string
	httpClient *http.Client
	logger     *logging.Logger

	mu     sync.Mutex
	cached *Dataset
}

// DatasetOption is a functional option for configuring the DatasetClient.
type DatasetOption func(*DatasetClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) DatasetOption {
	return func(c *DatasetClient) {
		c.httpClient = client
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logging.Logger) DatasetOption {
	return func(c *DatasetClient) {
		c.logger = logger
	}
}

// NewDatasetClient creates a client for the given dataset URL.
func NewDatasetClient(url string, opts ...DatasetOption) *DatasetClient {
	c := &DatasetClient{
		url: url,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached dataset, fetching it on first use. A failed fetch
// is not cached; the next call retries.
func (c *DatasetClient) Get(ctx context.Context) (*Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		return c.cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("permits: create dataset request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("permits: dataset request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("permits: dataset fetch returned status %d: %s", resp.StatusCode, string(body))
	}

	ds, err := parseDataset(resp.Body)
	if err != nil {
		return nil, err
	}

	c.cached = ds
	c.logger.Info("permit dataset loaded", "municipalities", len(ds.Rows), "aliases", len(ds.Aliases))
	return ds, nil
}

// parseDataset accepts both the wrapped {rows, aliases} document and the
// legacy flat form where the top-level object is the row map itself with an
// optional "aliases" member.
func parseDataset(r io.Reader) (*Dataset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("permits: read dataset: %w", err)
	}

	var wrapped Dataset
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Rows) > 0 {
		return normalizeKeys(&wrapped), nil
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("permits: decode dataset: %w", err)
	}

	ds := &Dataset{Rows: make(map[string]Row, len(flat))}
	for key, raw := range flat {
		if key == "aliases" {
			if err := json.Unmarshal(raw, &ds.Aliases); err != nil {
				return nil, fmt.Errorf("permits: decode aliases: %w", err)
			}
			continue
		}
		var row Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("permits: decode row %q: %w", key, err)
		}
		ds.Rows[key] = row
	}
	return normalizeKeys(ds), nil
}

func normalizeKeys(ds *Dataset) *Dataset {
	rows := make(map[string]Row, len(ds.Rows))
	for key, row := range ds.Rows {
		rows[Normalize(key)] = row
	}
	ds.Rows = rows

	if ds.Aliases != nil {
		aliases := make(map[string]string, len(ds.Aliases))
		for raw, canonical := range ds.Aliases {
			aliases[Normalize(raw)] = canonical
		}
		ds.Aliases = aliases
	}
	return ds
}
