package modelcache

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	recordExt     = ".rec"
	hashedPrefix  = "~"
	maxNameLength = 200
	selectionFile = "selection.json"
	lockFile      = "store.lock"
)

// recordNames encodes keys as lowercase base32 so names that differ only
// in case never collide on case-insensitive file systems.
var recordNames = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// DirStore is a BlobStore that keeps one msgpack record file per asset
// under <baseDir>/assets. Writes go through write-then-rename under a
// cross-process file lock, so a record file is either the old or the new
// record and never a mix.
type DirStore struct {
	// baseDir is the base directory for all storage operations.
	baseDir string

	// lockTimeout is the maximum duration to wait for file lock acquisition.
	lockTimeout time.Duration

	// mu serializes in-process writers; the file lock covers other processes.
	mu sync.RWMutex
}

var (
	_ BlobStore      = (*DirStore)(nil)
	_ SelectionStore = (*DirStore)(nil)
)

// selectionDoc is the contents of selection.json.
type selectionDoc struct {
	Active string `json:"active"`
}

// OpenDirStore opens a directory store rooted at baseDir, creating it if needed.
func OpenDirStore(baseDir string) (*DirStore, error) {
	s := &DirStore{baseDir: baseDir, lockTimeout: DefaultLockTimeout}
	if err := s.ensureDir(s.assetsDir()); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := s.withLock(s.renameRecords); err != nil {
		return nil, err
	}
	return s, nil
}

// renameRecords moves record files whose name does not match their key's
// current encoding, such as files written under an older naming scheme.
// Callers must hold the store lock.
func (s *DirStore) renameRecords() error {
	entries, err := os.ReadDir(s.assetsDir())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		path := filepath.Join(s.assetsDir(), name)
		key, err := readRecordKey(path)
		if err != nil || ValidateKey(key) != nil {
			continue
		}
		if want := s.recordPath(key); want != path {
			if err := os.Rename(path, want); err != nil {
				return fmt.Errorf("%w: renaming record for %s: %v", ErrStorage, key, err)
			}
		}
	}
	return nil
}

// Put atomically writes the record for asset.Key.
func (s *DirStore) Put(ctx context.Context, asset StoredAsset) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := validateAsset(asset); err != nil {
		return err
	}

	data, err := msgpack.Marshal(&assetRecord{Meta: metaFromAsset(asset), Bytes: asset.Bytes})
	if err != nil {
		return fmt.Errorf("%w: encoding record %s: %v", ErrStorage, asset.Key, err)
	}

	return s.withLock(func() error {
		return s.atomicWrite(s.recordPath(asset.Key), data)
	})
}

// Get reads the record for key.
func (s *DirStore) Get(ctx context.Context, key AssetKey) (StoredAsset, error) {
	if err := checkCtx(ctx); err != nil {
		return StoredAsset{}, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(s.recordPath(key))
	s.mu.RUnlock()
	if os.IsNotExist(err) {
		return StoredAsset{}, fmt.Errorf("%s: %w", key, ErrNotStored)
	}
	if err != nil {
		return StoredAsset{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var rec assetRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return StoredAsset{}, fmt.Errorf("%w: invalid record for %s: %v", ErrStorage, key, err)
	}
	if rec.Meta.Key != string(key) {
		return StoredAsset{}, fmt.Errorf("%w: record for %s holds key %q", ErrStorage, key, rec.Meta.Key)
	}
	return rec.Meta.asset(rec.Bytes), nil
}

// Has reports whether a record file exists for key.
func (s *DirStore) Has(ctx context.Context, key AssetKey) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}

	s.mu.RLock()
	_, err := os.Stat(s.recordPath(key))
	s.mu.RUnlock()
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return true, nil
}

// Delete removes the record file for key. A missing file is not an error.
func (s *DirStore) Delete(ctx context.Context, key AssetKey) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	return s.withLock(func() error {
		if err := os.Remove(s.recordPath(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: failed to remove record: %v", ErrStorage, err)
		}
		return nil
	})
}

// ListKeys returns the keys of all record files.
// Leftover temp files and names that do not decode are skipped.
func (s *DirStore) ListKeys(ctx context.Context) ([]AssetKey, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries, err := os.ReadDir(s.assetsDir())
	s.mu.RUnlock()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var keys []AssetKey
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		stem := strings.TrimSuffix(name, recordExt)
		if strings.HasPrefix(stem, hashedPrefix) {
			key, err := readRecordKey(filepath.Join(s.assetsDir(), name))
			if err != nil {
				continue
			}
			keys = append(keys, key)
			continue
		}
		raw, err := recordNames.DecodeString(stem)
		if err != nil {
			continue
		}
		keys = append(keys, AssetKey(raw))
	}
	return keys, nil
}

// LoadActive reads selection.json. A missing file means no selection.
func (s *DirStore) LoadActive(ctx context.Context) (AssetKey, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}

	s.mu.RLock()
	data, err := os.ReadFile(filepath.Join(s.baseDir, selectionFile))
	s.mu.RUnlock()
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var doc selectionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("%w: invalid %s: %v", ErrStorage, selectionFile, err)
	}
	return AssetKey(doc.Active), nil
}

// SaveActive atomically writes selection.json.
func (s *DirStore) SaveActive(ctx context.Context, key AssetKey) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	data, err := json.MarshalIndent(selectionDoc{Active: string(key)}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal selection: %v", ErrStorage, err)
	}

	return s.withLock(func() error {
		return s.atomicWrite(filepath.Join(s.baseDir, selectionFile), data)
	})
}

// Close is a no-op; the directory store holds no open handles between calls.
func (s *DirStore) Close() error {
	return nil
}

// withLock runs fn holding both the in-process mutex and the cross-process file lock.
func (s *DirStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := newFileLock(filepath.Join(s.baseDir, lockFile), s.lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: failed to create lock: %v", ErrStorage, err)
	}
	if err := lock.Lock(); err != nil {
		lock.Unlock()
		return fmt.Errorf("%w: failed to acquire lock: %v", ErrStorage, err)
	}
	defer lock.Unlock()

	return fn()
}

// atomicWrite writes data to a file using write-then-rename for atomicity.
// Callers must hold the store lock.
func (s *DirStore) atomicWrite(path string, data []byte) error {
	if err := s.ensureDir(filepath.Dir(path)); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: failed to write temp file: %v", ErrStorage, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) // cleanup on failure
		return fmt.Errorf("%w: failed to rename temp file: %v", ErrStorage, err)
	}
	return nil
}

// ensureDir creates a directory and all parent directories if they don't exist.
func (s *DirStore) ensureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory %s: %v", ErrStorage, path, err)
	}
	return nil
}

func (s *DirStore) assetsDir() string {
	return filepath.Join(s.baseDir, "assets")
}

// recordPath maps a key to its record file. Keys whose encoding would
// exceed common file name limits are hashed instead.
func (s *DirStore) recordPath(key AssetKey) string {
	name := recordNames.EncodeToString([]byte(key))
	if len(name) > maxNameLength {
		sum := sha256.Sum256([]byte(key))
		name = hashedPrefix + hex.EncodeToString(sum[:])
	}
	return filepath.Join(s.assetsDir(), name+recordExt)
}

// readRecordKey decodes only the metadata at the head of a record file.
func readRecordKey(path string) (AssetKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dec := msgpack.NewDecoder(bufio.NewReader(f))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	for i := 0; i < n; i++ {
		field, err := dec.DecodeString()
		if err != nil {
			return "", err
		}
		if field != "meta" {
			if err := dec.Skip(); err != nil {
				return "", err
			}
			continue
		}
		var meta assetMeta
		if err := dec.Decode(&meta); err != nil {
			return "", err
		}
		return AssetKey(meta.Key), nil
	}
	return "", fmt.Errorf("record %s has no metadata", path)
}
