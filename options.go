package modelcache

import (
	"net/http"
	"time"
)

// Download tuning constants.
const (
	// DefaultChunkSize is the default read buffer size for download streams.
	DefaultChunkSize = 64 * 1024

	// EstimateScale is the byte count at which the indeterminate progress
	// estimate reaches about 62%.
	EstimateScale = 8 * 1024 * 1024

	// DefaultLockTimeout is the default timeout for acquiring file locks.
	DefaultLockTimeout = 30 * time.Second
)

// DownloadOption configures a download operation.
type DownloadOption func(*downloadConfig)

// downloadConfig holds configuration for a download operation.
type downloadConfig struct {
	// sourceURL overrides the catalog's source URL.
	sourceURL string

	// label overrides the catalog's display name as the stored label.
	label string

	// progressFn is called with progress updates during download.
	progressFn ProgressFunc
}

// newDownloadConfig returns a downloadConfig with default values.
func newDownloadConfig(opts ...DownloadOption) *downloadConfig {
	cfg := &downloadConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithSourceURL downloads from url instead of the catalog entry's SourceURL.
// Keys that are not in the catalog require this option.
func WithSourceURL(url string) DownloadOption {
	return func(c *downloadConfig) {
		c.sourceURL = url
	}
}

// WithLabel sets the label stored with the asset.
// Defaults to the catalog display name.
func WithLabel(label string) DownloadOption {
	return func(c *downloadConfig) {
		c.label = label
	}
}

// WithProgress sets a callback for progress updates during download.
func WithProgress(fn ProgressFunc) DownloadOption {
	return func(c *downloadConfig) {
		c.progressFn = fn
	}
}

// Option configures a Cache.
type Option func(*cacheConfig)

// cacheConfig holds configuration for Cache construction.
type cacheConfig struct {
	// httpClient is used for all download requests.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger

	// store replaces the backend selected by Config.Backend.
	store BlobStore
}

// newCacheConfig returns a cacheConfig with default values.
func newCacheConfig() *cacheConfig {
	return &cacheConfig{
		httpClient: http.DefaultClient,
		logger:     NopLogger(),
	}
}

// WithHTTPClient sets a custom HTTP client for downloads.
// Useful for testing with mock servers or customizing timeouts.
// If not set, http.DefaultClient is used.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *cacheConfig) {
		c.httpClient = client
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) Option {
	return func(c *cacheConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBlobStore uses store instead of opening one from Config.
// The cache takes ownership and closes it on Close.
func WithBlobStore(store BlobStore) Option {
	return func(c *cacheConfig) {
		c.store = store
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// Compatible with slog and with zap through NewZapLogger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}
