package modelcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// SchemaVersion is the version of the persisted record layout.
// Upgrades only add optional fields, so older records stay readable.
const SchemaVersion = 1

// checkCtx reports a done context as a storage failure that still matches
// the context error.
func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// BlobStore is a durable key→blob store.
// Every operation is a single transaction: readers never observe a
// partially written record, and a failed Put leaves the prior record intact.
// All backend failures are wrapped with ErrStorage.
type BlobStore interface {
	// Put stores asset, replacing any existing record for asset.Key entirely.
	Put(ctx context.Context, asset StoredAsset) error

	// Get returns the stored record. Returns ErrNotStored if absent.
	Get(ctx context.Context, key AssetKey) (StoredAsset, error)

	// Has reports whether a record exists for key.
	Has(ctx context.Context, key AssetKey) (bool, error)

	// Delete removes the record for key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key AssetKey) error

	// ListKeys returns the stored keys in unspecified order.
	ListKeys(ctx context.Context) ([]AssetKey, error)

	// Close releases the backing store.
	Close() error
}

// SelectionStore persists the active selection. Backends that implement it
// let the selection survive restarts.
type SelectionStore interface {
	// LoadActive returns the persisted active key, or "" if none.
	LoadActive(ctx context.Context) (AssetKey, error)

	// SaveActive persists key as the active selection. "" clears it.
	SaveActive(ctx context.Context, key AssetKey) error
}

// assetMeta is the persisted metadata of a record.
// Field tags are stable; new fields must be optional.
type assetMeta struct {
	Key       string `msgpack:"key"`
	Label     string `msgpack:"label,omitempty"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"created_at"`

	// Gen and Chunks locate the blob chunks in the badger backend.
	Gen    []byte `msgpack:"gen,omitempty"`
	Chunks int    `msgpack:"chunks,omitempty"`
}

// assetRecord is a full record as written by the directory backend.
type assetRecord struct {
	Meta  assetMeta `msgpack:"meta"`
	Bytes []byte    `msgpack:"bytes"`
}

func metaFromAsset(a StoredAsset) assetMeta {
	return assetMeta{
		Key:       string(a.Key),
		Label:     a.Label,
		Size:      a.Size,
		CreatedAt: a.CreatedAt.UnixMilli(),
	}
}

func (m assetMeta) asset(data []byte) StoredAsset {
	return StoredAsset{
		Key:       AssetKey(m.Key),
		Label:     m.Label,
		Bytes:     data,
		Size:      m.Size,
		CreatedAt: time.UnixMilli(m.CreatedAt),
	}
}

// validateAsset checks an asset before it is written.
func validateAsset(a StoredAsset) error {
	if err := ValidateKey(a.Key); err != nil {
		return err
	}
	if a.Size != int64(len(a.Bytes)) {
		return fmt.Errorf("%w: size %d does not match %d bytes for %s", ErrStorage, a.Size, len(a.Bytes), a.Key)
	}
	return nil
}

func encodeMeta(m assetMeta) ([]byte, error) {
	data, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding record %s: %v", ErrStorage, m.Key, err)
	}
	return data, nil
}

func decodeMeta(data []byte) (assetMeta, error) {
	var m assetMeta
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return assetMeta{}, fmt.Errorf("%w: decoding record: %v", ErrStorage, err)
	}
	return m, nil
}

// envVarName constructs an environment variable name from the app name.
// Converts appName to uppercase and appends "_MODELCACHE_DIR".
// Example: envVarName("toolkit") returns "TOOLKIT_MODELCACHE_DIR".
func envVarName(appName string) string {
	return strings.ToUpper(appName) + "_MODELCACHE_DIR"
}

// resolveDataDir picks the storage directory.
// Priority: env var > Config.DataDir > platform default.
func resolveDataDir(cfg Config) (string, error) {
	if envDir := os.Getenv(envVarName(cfg.AppName)); envDir != "" {
		return envDir, nil
	}
	if cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	dir, err := getDefaultDataDir(cfg.AppName)
	if err != nil {
		return "", fmt.Errorf("failed to get default data dir: %w", err)
	}
	return dir, nil
}

// openStore opens the backend selected by cfg.Backend.
func openStore(cfg Config, logger Logger) (BlobStore, error) {
	baseDir, err := resolveDataDir(cfg)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Backend) {
	case "", BackendBadger:
		return OpenBadgerStore(filepath.Join(baseDir, "db"), logger)
	case BackendDir:
		return OpenDirStore(baseDir)
	default:
		return nil, fmt.Errorf("modelcache: unknown backend %q", cfg.Backend)
	}
}
