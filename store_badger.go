package modelcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout inside the badger database. Blob bytes live in fixed-size
// chunks keyed blob/<key>\x00<generation><index>; keys never hold control
// characters, so the separator is unambiguous.
const (
	assetPrefix = "asset/"
	blobPrefix  = "blob/"
	schemaKey   = "meta/schema"
	activeKey   = "meta/active"

	genLen        = 16
	chunkSuffix   = 1 + genLen + 4
	diskChunkSize = 8 << 20
	memChunkSize  = 512 << 10
)

// BadgerStore is a BlobStore backed by an embedded badger database.
// A Put writes the blob as chunks under a fresh generation, then commits
// the metadata entry that points at it. Readers only follow committed
// metadata, so they see either the old blob or the new one.
type BadgerStore struct {
	db        *badger.DB
	logger    Logger
	chunkSize int
}

var (
	_ BlobStore      = (*BadgerStore)(nil)
	_ SelectionStore = (*BadgerStore)(nil)
)

// OpenBadgerStore opens (or creates) a badger database in dir.
// An empty dir opens a purely in-memory database, which is useful in tests.
func OpenBadgerStore(dir string, logger Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	return openBadger(opts, logger)
}

func openBadger(opts badger.Options, logger Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = NopLogger()
	}

	db, err := badger.Open(opts.WithLogger(badgerLogger{logger: logger}))
	if err != nil {
		return nil, fmt.Errorf("%w: opening database %s: %v", ErrStorage, opts.Dir, err)
	}

	s := &BadgerStore{db: db, logger: logger, chunkSize: chunkSizeFor(opts)}
	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.sweepChunks(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// chunkSizeFor keeps every chunk under the per-value limits badger enforces.
func chunkSizeFor(opts badger.Options) int {
	if opts.InMemory {
		return int(min(memChunkSize, opts.ValueThreshold))
	}
	return int(min(diskChunkSize, opts.ValueLogFileSize/4))
}

// checkSchema records the schema version on first open and warns when the
// database was written by a newer version.
func (s *BadgerStore) checkSchema() error {
	return s.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], SchemaVersion)
			return txn.Set([]byte(schemaKey), buf[:])
		}
		if err != nil {
			return err
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(raw) == 8 {
			if v := binary.BigEndian.Uint64(raw); v > SchemaVersion {
				s.logger.Warn("database written by newer schema", "version", v, "supported", SchemaVersion)
			}
		}
		return nil
	})
}

// Put stores asset, replacing any existing record.
func (s *BadgerStore) Put(ctx context.Context, asset StoredAsset) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := validateAsset(asset); err != nil {
		return err
	}

	gen := uuid.New()
	m := metaFromAsset(asset)
	m.Gen = gen[:]

	chunks, err := s.writeChunks(asset.Key, m.Gen, asset.Bytes)
	if err != nil {
		s.dropChunks(asset.Key, m.Gen)
		return fmt.Errorf("writing %s: %w", asset.Key, err)
	}
	m.Chunks = chunks

	meta, err := encodeMeta(m)
	if err != nil {
		s.dropChunks(asset.Key, m.Gen)
		return err
	}

	var prev []byte
	err = s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(assetEntry(asset.Key))
		switch {
		case err == nil:
			prev = genOf(item)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(assetEntry(asset.Key), meta); err != nil {
			return err
		}
		return txn.Delete(blobEntry(asset.Key))
	})
	if err != nil {
		s.dropChunks(asset.Key, m.Gen)
		return fmt.Errorf("writing %s: %w", asset.Key, err)
	}
	if prev != nil {
		s.dropChunks(asset.Key, prev)
	}
	return nil
}

// Get returns the stored record for key.
func (s *BadgerStore) Get(ctx context.Context, key AssetKey) (StoredAsset, error) {
	if err := checkCtx(ctx); err != nil {
		return StoredAsset{}, err
	}

	var asset StoredAsset
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(assetEntry(key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		meta, err := decodeMeta(raw)
		if err != nil {
			return err
		}

		data, err := readBlob(txn, key, meta)
		if err != nil {
			return err
		}
		asset = meta.asset(data)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return StoredAsset{}, fmt.Errorf("%s: %w", key, ErrNotStored)
	}
	if err != nil {
		return StoredAsset{}, wrapStorage("reading "+string(key), err)
	}
	return asset, nil
}

// readBlob assembles the blob that meta points at. Records written before
// chunking carry no generation and keep their bytes in a single entry.
func readBlob(txn *badger.Txn, key AssetKey, meta assetMeta) ([]byte, error) {
	if len(meta.Gen) == 0 {
		item, err := txn.Get(blobEntry(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: blob of %s is missing", ErrStorage, key)
		}
		if err != nil {
			return nil, err
		}
		return item.ValueCopy(nil)
	}

	data := make([]byte, 0, meta.Size)
	for i := range meta.Chunks {
		item, err := txn.Get(chunkEntry(key, meta.Gen, i))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: chunk %d of %s is missing", ErrStorage, i, key)
		}
		if err != nil {
			return nil, err
		}
		err = item.Value(func(v []byte) error {
			data = append(data, v...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if int64(len(data)) != meta.Size {
		return nil, fmt.Errorf("%w: %s holds %d bytes, record says %d", ErrStorage, key, len(data), meta.Size)
	}
	return data, nil
}

// Has reports whether key is stored. Only the metadata entry is read.
func (s *BadgerStore) Has(ctx context.Context, key AssetKey) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(assetEntry(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapStorage("reading "+string(key), err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is a no-op.
// The metadata entry goes first; the chunks it pointed at are dropped after.
func (s *BadgerStore) Delete(ctx context.Context, key AssetKey) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	var gen []byte
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(assetEntry(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		gen = genOf(item)
		if err := txn.Delete(assetEntry(key)); err != nil {
			return err
		}
		return txn.Delete(blobEntry(key))
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if gen != nil {
		s.dropChunks(key, gen)
	}
	return nil
}

// ListKeys returns all stored keys in key order.
func (s *BadgerStore) ListKeys(ctx context.Context) ([]AssetKey, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	var keys []AssetKey
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(assetPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			keys = append(keys, AssetKey(k[len(assetPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage("listing keys", err)
	}
	return keys, nil
}

// LoadActive returns the persisted active selection.
func (s *BadgerStore) LoadActive(ctx context.Context) (AssetKey, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}

	var key AssetKey
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activeKey))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		key = AssetKey(raw)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", wrapStorage("reading selection", err)
	}
	return key, nil
}

// SaveActive persists the active selection. An empty key clears it.
func (s *BadgerStore) SaveActive(ctx context.Context, key AssetKey) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	err := s.update(func(txn *badger.Txn) error {
		if key == "" {
			return txn.Delete([]byte(activeKey))
		}
		return txn.Set([]byte(activeKey), []byte(key))
	})
	if err != nil {
		return fmt.Errorf("saving selection: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return wrapStorage("closing database", err)
	}
	return nil
}

// update runs fn in a read-write transaction and wraps failures with ErrStorage.
// Badger discards the whole transaction when fn or the commit fails.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	if err := s.db.Update(fn); err != nil {
		if errors.Is(err, ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func wrapStorage(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// writeChunks stores data as chunks of generation gen and returns their count.
// The batch commits in as many transactions as badger needs.
func (s *BadgerStore) writeChunks(key AssetKey, gen, data []byte) (int, error) {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	n := 0
	for chunk := range slices.Chunk(data, s.chunkSize) {
		if err := wb.Set(chunkEntry(key, gen, n), chunk); err != nil {
			return 0, wrapStorage("writing chunk", err)
		}
		n++
	}
	if err := wb.Flush(); err != nil {
		return 0, wrapStorage("flushing chunks", err)
	}
	return n, nil
}

// dropChunks removes every chunk of key's generation gen. Failures only
// leave orphans, which the next open sweeps.
func (s *BadgerStore) dropChunks(key AssetKey, gen []byte) {
	prefix := append(chunkPrefix(key), gen...)

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err == nil {
		err = s.deleteEntries(keys)
	}
	if err != nil {
		s.logger.Warn("failed to drop blob chunks", "key", key, "error", err)
	}
}

// sweepChunks removes chunks that no committed record points at. They are
// left behind when a process dies between writing chunks and committing.
func (s *BadgerStore) sweepChunks() error {
	type owner struct {
		gen  []byte
		live bool
	}

	var orphans [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blobPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		owners := make(map[AssetKey]owner)
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			key, gen, ok := parseBlobEntry(k)
			if !ok {
				orphans = append(orphans, k)
				continue
			}

			o, seen := owners[key]
			if !seen {
				item, err := txn.Get(assetEntry(key))
				switch {
				case err == nil:
					o = owner{gen: genOf(item), live: true}
				case !errors.Is(err, badger.ErrKeyNotFound):
					return err
				}
				owners[key] = o
			}
			if !o.live || !bytes.Equal(gen, o.gen) {
				orphans = append(orphans, k)
			}
		}
		return nil
	})
	if err == nil {
		err = s.deleteEntries(orphans)
	}
	if err != nil {
		return wrapStorage("sweeping orphaned chunks", err)
	}
	if len(orphans) > 0 {
		s.logger.Info("removed orphaned blob chunks", "count", len(orphans))
	}
	return nil
}

func (s *BadgerStore) deleteEntries(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// genOf returns the blob generation recorded in a metadata item, or nil
// when the record predates chunking or does not decode.
func genOf(item *badger.Item) []byte {
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil
	}
	m, err := decodeMeta(raw)
	if err != nil {
		return nil
	}
	return m.Gen
}

func assetEntry(key AssetKey) []byte {
	return []byte(assetPrefix + string(key))
}

// blobEntry is the single blob entry of records written before chunking.
func blobEntry(key AssetKey) []byte {
	return []byte(blobPrefix + string(key))
}

func chunkPrefix(key AssetKey) []byte {
	return append(blobEntry(key), 0)
}

func chunkEntry(key AssetKey, gen []byte, i int) []byte {
	k := append(chunkPrefix(key), gen...)
	return binary.BigEndian.AppendUint32(k, uint32(i))
}

// parseBlobEntry splits a blob/ entry into its asset key and generation.
// Unchunked entries have a nil generation.
func parseBlobEntry(k []byte) (AssetKey, []byte, bool) {
	rest := k[len(blobPrefix):]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return AssetKey(rest), nil, true
	}
	if len(rest)-i != chunkSuffix {
		return "", nil, false
	}
	return AssetKey(rest[:i]), rest[i+1 : i+1+genLen], true
}
