package modelcache

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// cache is the concrete implementation of the Cache interface.
type cache struct {
	// cfg holds the session configuration.
	cfg Config

	// logger receives diagnostic messages.
	logger Logger

	// store holds the blobs.
	store BlobStore

	// sel holds the active selection.
	sel *selector

	// dl runs downloads, one at a time.
	dl *downloader

	// mu orders mutations of the stored key set with reconciliation.
	// Writers hold it across the store call and the reconcile, so readers
	// never see a selection that points at a deleted asset.
	mu sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

// ListAnnotated pairs each catalog entry with its local state.
func (c *cache) ListAnnotated(ctx context.Context, catalog Catalog) ([]AnnotatedModel, error) {
	c.mu.RLock()
	keys, err := c.store.ListKeys(ctx)
	active := c.sel.get()
	c.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("listing stored assets: %w", err)
	}

	models := make([]AnnotatedModel, 0, len(catalog))
	for _, d := range catalog {
		models = append(models, AnnotatedModel{
			Descriptor: d,
			Stored:     slices.Contains(keys, d.Key),
			Active:     d.Key == active,
			State:      c.dl.state(d.Key),
		})
	}
	return models, nil
}

// List annotates the configured catalog.
func (c *cache) List(ctx context.Context) ([]AnnotatedModel, error) {
	return c.ListAnnotated(ctx, c.cfg.Catalog)
}

// Download fetches key and waits for the result.
func (c *cache) Download(ctx context.Context, key AssetKey, opts ...DownloadOption) error {
	req, err := c.prepare(key, opts)
	if err != nil {
		return err
	}
	return c.dl.download(ctx, req)
}

// StartDownload fetches key in the background.
func (c *cache) StartDownload(ctx context.Context, key AssetKey, opts ...DownloadOption) (<-chan error, error) {
	req, err := c.prepare(key, opts)
	if err != nil {
		return nil, err
	}
	return c.dl.start(ctx, req)
}

// prepare resolves the source and label of a download.
func (c *cache) prepare(key AssetKey, opts []DownloadOption) (downloadRequest, error) {
	if err := ValidateKey(key); err != nil {
		return downloadRequest{}, err
	}

	dcfg := newDownloadConfig(opts...)
	desc, known := c.cfg.Catalog.Lookup(key)

	url := dcfg.sourceURL
	if url == "" {
		url = desc.SourceURL
	}
	if url == "" {
		if known {
			return downloadRequest{}, fmt.Errorf("%s has no source URL: %w", key, ErrUnknownModel)
		}
		return downloadRequest{}, fmt.Errorf("%s: %w", key, ErrUnknownModel)
	}

	label := dcfg.label
	if label == "" {
		label = desc.DisplayName
	}

	return downloadRequest{
		key:        key,
		url:        url,
		label:      label,
		progressFn: dcfg.progressFn,
		commit:     c.commit,
	}, nil
}

// commit stores a completed download and reconciles the selection.
// Once Put succeeds the download counts as successful; a reconcile failure
// is logged and repaired on the next mutation or startup.
func (c *cache) commit(ctx context.Context, asset StoredAsset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Put(ctx, asset); err != nil {
		return err
	}
	if err := c.reconcileLocked(ctx); err != nil {
		c.logger.Warn("reconcile after download failed", "key", asset.Key, "error", err)
	}
	return nil
}

// Delete removes key and reconciles the selection before returning.
func (c *cache) Delete(ctx context.Context, key AssetKey) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	c.logger.Info("asset deleted", "key", key)

	err := c.reconcileLocked(ctx)
	if err != nil && c.sel.clear(ctx, key) {
		c.logger.Warn("selection cleared after failed reconcile", "key", key, "error", err)
	}
	return err
}

// Active returns the active key. It waits for an in-progress mutation to
// finish reconciling.
func (c *cache) Active() AssetKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sel.get()
}

// SetActive selects a stored asset.
func (c *cache) SetActive(ctx context.Context, key AssetKey) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ok, err := c.has(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%q: %w", key, ErrInvalidSelection)
	}
	if err := c.sel.set(ctx, key); err != nil {
		return fmt.Errorf("saving selection: %w", err)
	}
	c.logger.Info("active model changed", "key", key)
	return nil
}

// has reports whether key is stored. Invalid keys are never stored.
func (c *cache) has(ctx context.Context, key AssetKey) (bool, error) {
	if ValidateKey(key) != nil {
		return false, nil
	}
	return c.store.Has(ctx, key)
}

// Get returns the stored asset.
func (c *cache) Get(ctx context.Context, key AssetKey) (StoredAsset, error) {
	if err := ValidateKey(key); err != nil {
		return StoredAsset{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Get(ctx, key)
}

// LoadActive returns the active asset.
func (c *cache) LoadActive(ctx context.Context) (StoredAsset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := c.sel.get()
	if key == "" {
		return StoredAsset{}, fmt.Errorf("no active model: %w", ErrNotStored)
	}
	return c.store.Get(ctx, key)
}

// State returns the download state of key.
func (c *cache) State(key AssetKey) DownloadState {
	return c.dl.state(key)
}

// CancelDownload aborts the in-flight download.
func (c *cache) CancelDownload() bool {
	key := c.dl.inFlight()
	if !c.dl.cancelInFlight() {
		return false
	}
	c.logger.Info("download canceled", "key", key)
	return true
}

// Catalog returns the configured catalog.
func (c *cache) Catalog() Catalog {
	return c.cfg.Catalog
}

// Close stops any download and closes the store. Later calls return the
// first result. The download slot is never released again, so later
// downloads are rejected.
func (c *cache) Close() error {
	c.closeOnce.Do(func() {
		c.dl.cancelInFlight()
		if err := c.dl.slot.Acquire(context.Background(), 1); err != nil {
			c.closeErr = err
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}

// reconcileLocked re-validates the selection against the stored keys.
// Callers hold mu.
func (c *cache) reconcileLocked(ctx context.Context) error {
	keys, err := c.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing stored assets: %w", err)
	}

	prev, cur, err := c.sel.reconcile(ctx, keys)
	if prev != cur {
		c.logger.Info("active model changed", "from", prev, "to", cur)
	}
	if err != nil {
		return fmt.Errorf("saving selection: %w", err)
	}
	return nil
}
