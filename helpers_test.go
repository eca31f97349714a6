package modelcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// memStore is an in-memory BlobStore and SelectionStore with failure injection.
type memStore struct {
	mu      sync.Mutex
	records map[AssetKey]StoredAsset
	active  AssetKey
	puts    int

	failPut  bool
	failSave bool
	failList bool

	// afterDelete runs at the end of Delete, outside the store lock.
	afterDelete func()
	closes      int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[AssetKey]StoredAsset)}
}

var (
	_ BlobStore      = (*memStore)(nil)
	_ SelectionStore = (*memStore)(nil)
)

func (m *memStore) Put(ctx context.Context, asset StoredAsset) error {
	if err := validateAsset(asset); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.Join(ErrStorage, errInjected)
	}
	asset.Bytes = bytes.Clone(asset.Bytes)
	m.records[asset.Key] = asset
	m.puts++
	return nil
}

func (m *memStore) Get(ctx context.Context, key AssetKey) (StoredAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[key]
	if !ok {
		return StoredAsset{}, ErrNotStored
	}
	return a, nil
}

func (m *memStore) Has(ctx context.Context, key AssetKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *memStore) Delete(ctx context.Context, key AssetKey) error {
	m.mu.Lock()
	delete(m.records, key)
	hook := m.afterDelete
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (m *memStore) ListKeys(ctx context.Context) ([]AssetKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList {
		return nil, errors.Join(ErrStorage, errInjected)
	}
	keys := make([]AssetKey, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *memStore) LoadActive(ctx context.Context) (AssetKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func (m *memStore) SaveActive(ctx context.Context, key AssetKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.Join(ErrStorage, errInjected)
	}
	m.active = key
	return nil
}

// seed stores data under key directly, bypassing the cache.
func (m *memStore) seed(key AssetKey, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = StoredAsset{Key: key, Bytes: data, Size: int64(len(data))}
}

func (m *memStore) persistedActive() AssetKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// blobServer serves fixed bodies by path and counts requests.
type blobServer struct {
	*httptest.Server
	requests atomic.Int64
}

// newBlobServer serves bodies[path]. Paths under /nolength/ are sent without
// a Content-Length header.
func newBlobServer(t *testing.T, bodies map[string][]byte) *blobServer {
	t.Helper()
	bs := &blobServer{}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.requests.Add(1)
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > 10 && r.URL.Path[:10] == "/nolength/" {
			flusher := w.(http.Flusher)
			for chunk := range slices.Chunk(body, 1024) {
				w.Write(chunk)
				flusher.Flush()
			}
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	t.Cleanup(bs.Close)
	return bs
}

// gateServer holds each request open after sending head bytes until release is closed.
type gateServer struct {
	*httptest.Server
	started  chan struct{}
	release  chan struct{}
	requests atomic.Int64
}

func newGateServer(t *testing.T, head []byte, total int) *gateServer {
	t.Helper()
	gs := &gateServer{started: make(chan struct{}, 16), release: make(chan struct{})}
	gs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gs.requests.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(total))
		w.Write(head)
		w.(http.Flusher).Flush()
		gs.started <- struct{}{}
		select {
		case <-gs.release:
			w.Write(make([]byte, total-len(head)))
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		select {
		case <-gs.release:
		default:
			close(gs.release)
		}
		gs.Close()
	})
	return gs
}

// fakeClient returns canned responses without touching the network.
type fakeClient struct {
	status        int
	body          []byte
	contentLength int64
	calls         atomic.Int64
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode:    status,
		Body:          io.NopCloser(bytes.NewReader(f.body)),
		ContentLength: f.contentLength,
		Request:       req,
	}, nil
}

// progressLog records progress events.
type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (p *progressLog) record(pr Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pr)
}

func (p *progressLog) percents() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.events))
	for i, e := range p.events {
		out[i] = e.Percent
	}
	return out
}

func testCatalog(urls map[AssetKey]string) Catalog {
	cat := Catalog{
		{Key: "m1", DisplayName: "Model One", AdvertisedSize: "1 KB"},
		{Key: "m2", DisplayName: "Model Two", AdvertisedSize: "2 KB"},
		{Key: "m3", DisplayName: "Model Three", AdvertisedSize: "3 KB"},
	}
	for i := range cat {
		cat[i].SourceURL = urls[cat[i].Key]
	}
	return cat
}

func newTestCache(t *testing.T, cfg Config, store BlobStore, opts ...Option) Cache {
	t.Helper()
	c, err := NewCache(cfg, append([]Option{WithBlobStore(store)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
