package modelcache

import (
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Backend names accepted by Config.Backend.
const (
	// BackendBadger stores assets in an embedded badger database.
	BackendBadger = "badger"

	// BackendDir stores each asset as a record file in a directory.
	BackendDir = "dir"
)

// MaxKeyLength is the maximum length of an AssetKey in bytes.
const MaxKeyLength = 255

// Config configures a cache session.
type Config struct {
	// AppName determines the storage directory name.
	// Example: "toolkit" → ~/.local/share/toolkit/modelcache/ on Linux
	AppName string

	// DataDir overrides the default data directory.
	// If empty, uses platform-appropriate default.
	// Can also be set via environment variable: <APPNAME>_MODELCACHE_DIR
	DataDir string

	// Backend selects the blob store implementation: BackendBadger (default) or BackendDir.
	// Ignored when a store is supplied with WithBlobStore.
	Backend string

	// Catalog lists the known models in display order. The order decides
	// which stored asset becomes active when the current one disappears.
	Catalog Catalog

	// ChunkSize is the read buffer size for download streams.
	// Zero uses DefaultChunkSize.
	ChunkSize int

	// IdleTimeout aborts a download whose stream yields no data for this long.
	// Zero disables the check.
	IdleTimeout time.Duration

	// ManualSelection disables automatic activation of a stored asset when
	// nothing is active.
	ManualSelection bool
}

// AssetKey identifies a downloadable asset. It is opaque to the cache and
// stable across sessions.
type AssetKey string

// String returns the key as a plain string.
func (k AssetKey) String() string {
	return string(k)
}

// ValidateKey checks that key is usable as a store key.
// Returns ErrInvalidKey for empty, oversized, or control-character keys.
func ValidateKey(key AssetKey) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	for _, r := range string(key) {
		if unicode.IsControl(r) {
			return ErrInvalidKey
		}
	}
	return nil
}

// StoredAsset is a persisted blob and its metadata.
// Size always equals len(Bytes).
type StoredAsset struct {
	// Key identifies the asset.
	Key AssetKey

	// Label is an optional human-readable name, usually the catalog display name.
	Label string

	// Bytes is the blob content.
	Bytes []byte

	// Size is the blob length in bytes.
	Size int64

	// CreatedAt is when the asset was committed to the store.
	CreatedAt time.Time
}

// AnnotatedModel is a catalog entry with its local presence.
type AnnotatedModel struct {
	// Descriptor is the catalog entry.
	Descriptor ModelDescriptor

	// Stored reports whether the asset is present in the local store.
	Stored bool

	// Active reports whether the asset is the current selection.
	Active bool

	// State is the transient download state for the key.
	State DownloadState
}

// DownloadStatus is the lifecycle stage of a key's download.
type DownloadStatus string

const (
	// StatusIdle means no download is running for the key. After a
	// successful download the key is idle with Percent 100.
	StatusIdle DownloadStatus = "idle"

	// StatusDownloading means the key's download is in flight.
	StatusDownloading DownloadStatus = "downloading"

	// StatusError means the last download of the key failed.
	StatusError DownloadStatus = "error"
)

// DownloadState is the transient, in-memory state of a key's download.
// It is not persisted.
type DownloadState struct {
	// Key identifies the asset.
	Key AssetKey

	// Status is the lifecycle stage.
	Status DownloadStatus

	// Percent is the progress in [0, 100].
	Percent int

	// Indeterminate is true when the server did not declare a length and
	// Percent is an estimate.
	Indeterminate bool

	// BytesReceived is the number of bytes read so far.
	BytesReceived int64

	// BytesTotal is the declared length, or -1 if unknown.
	BytesTotal int64

	// Attempt identifies the download attempt that produced this state.
	Attempt uuid.UUID

	// Err is the failure of the last attempt when Status is StatusError.
	Err error
}

// Progress reports download progress. Events for one download have
// non-decreasing Percent; Percent reaches 100 only after the asset has been
// committed to the store.
type Progress struct {
	// Key identifies the asset being downloaded.
	Key AssetKey

	// Percent is the progress in [0, 100].
	Percent int

	// Indeterminate is true when the percentage is estimated.
	Indeterminate bool

	// BytesReceived is the number of bytes read so far.
	BytesReceived int64

	// BytesTotal is the declared length, or -1 if unknown.
	BytesTotal int64
}

// ProgressFunc receives progress updates during a download.
// It is called from the goroutine running the download.
type ProgressFunc func(Progress)
