package modelcache

import (
	"context"
	"errors"
	"fmt"
)

// Cache provides programmatic access to the asset cache.
// All methods are safe for concurrent use.
// For CLI integration, use NewCommand instead.
type Cache interface {
	// ListAnnotated pairs each descriptor of catalog with its local presence,
	// selection and download state. It does not modify anything.
	ListAnnotated(ctx context.Context, catalog Catalog) ([]AnnotatedModel, error)

	// List is ListAnnotated over the configured catalog.
	List(ctx context.Context) ([]AnnotatedModel, error)

	// Download fetches key and stores it, replacing any previous copy.
	// The source URL comes from the catalog unless WithSourceURL is given;
	// returns ErrUnknownModel when there is neither.
	// Returns ErrConcurrencyRejected, without any network I/O, if another
	// download is in flight. On failure the store is left unchanged.
	Download(ctx context.Context, key AssetKey, opts ...DownloadOption) error

	// StartDownload is Download without waiting. Rejection is reported
	// synchronously; the outcome of an accepted download is delivered on the
	// returned channel. The download stops when ctx is canceled.
	StartDownload(ctx context.Context, key AssetKey, opts ...DownloadOption) (<-chan error, error)

	// Delete removes the stored asset. Deleting an absent key succeeds.
	// If the asset was active, another stored asset (or none) is selected
	// before Delete returns.
	Delete(ctx context.Context, key AssetKey) error

	// Active returns the active key, or "" when nothing is selected.
	// A non-empty result is always a stored asset.
	Active() AssetKey

	// SetActive selects key. Returns ErrInvalidSelection if key is not stored.
	SetActive(ctx context.Context, key AssetKey) error

	// Get returns the stored asset. Returns ErrNotStored if absent.
	Get(ctx context.Context, key AssetKey) (StoredAsset, error)

	// LoadActive returns the active asset. Returns ErrNotStored when nothing
	// is selected.
	LoadActive(ctx context.Context) (StoredAsset, error)

	// State returns the transient download state of key.
	State(key AssetKey) DownloadState

	// CancelDownload aborts the in-flight download, if any. The aborted
	// download fails with an error matching ErrCanceled.
	// Reports whether a download was running.
	CancelDownload() bool

	// Catalog returns the configured catalog.
	Catalog() Catalog

	// Close cancels any in-flight download, waits for it to finish and
	// releases the store.
	Close() error
}

// Ensure cache implements Cache interface.
var _ Cache = (*cache)(nil)

// NewCache opens a cache session with the given configuration.
// The persisted selection is restored and reconciled against the store.
// Returns an error if the configuration is invalid (empty AppName without
// WithBlobStore, or a malformed catalog).
func NewCache(cfg Config, opts ...Option) (Cache, error) {
	ccfg := newCacheConfig()
	for _, opt := range opts {
		opt(ccfg)
	}

	if err := cfg.Catalog.Validate(); err != nil {
		return nil, err
	}

	store := ccfg.store
	if store == nil {
		if cfg.AppName == "" {
			return nil, errors.New("modelcache: AppName is required")
		}
		var err error
		store, err = openStore(cfg, ccfg.logger)
		if err != nil {
			return nil, err
		}
	}

	persist, _ := store.(SelectionStore)
	c := &cache{
		cfg:    cfg,
		logger: ccfg.logger,
		store:  store,
		sel:    newSelector(cfg.Catalog.Keys(), !cfg.ManualSelection, persist),
		dl:     newDownloader(newSourceClient(ccfg.httpClient, ccfg.logger), ccfg.logger, cfg.ChunkSize, cfg.IdleTimeout),
	}

	ctx := context.Background()
	if err := c.sel.load(ctx); err != nil {
		c.logger.Warn("failed to load persisted selection", "error", err)
	}

	c.mu.Lock()
	err := c.reconcileLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("reconciling selection: %w", err)
	}

	c.logger.Debug("cache opened", "active", c.sel.get())
	return c, nil
}
