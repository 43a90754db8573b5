package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matthew-callmother/estimator/pkg/logging"
)

// Loader fetches and validates the estimator configuration document.
type Loader struct {
	url        string
	httpClient *http.Client
	logger     *logging.Logger
}

// LoaderOption is a functional option for configuring the Loader.
type LoaderOption func(*Loader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) LoaderOption {
	return func(l *Loader) {
		l.httpClient = client
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logging.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a config loader for the given document URL.
func NewLoader(url string, opts ...LoaderOption) *Loader {
	l := &Loader{
		url: url,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fetch GETs the document, decodes it, and validates it. Validation warnings
// are logged; a validation error is fatal to the caller.
func (l *Loader) Fetch(ctx context.Context) (*Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, fmt.Errorf("schema: create config request: %w", err)
	}
	// Always revalidate; the document may change between sessions.
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("schema: config request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("schema: config fetch returned status %d: %s", resp.StatusCode, string(body))
	}

	cfg, err := Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		l.logger.Warn("config warning", "detail", w)
	}

	l.logger.Info("estimator config loaded", "questions", len(cfg.Questions), "start", cfg.StartID())
	return cfg, nil
}

// Parse decodes a configuration document from r without validating it.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("schema: decode config: %w", err)
	}
	cfg.index()
	return &cfg, nil
}
