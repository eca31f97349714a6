package modelcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestDownloader(client HTTPClient, chunkSize int, idle time.Duration) *downloader {
	return newDownloader(newSourceClient(client, NopLogger()), NopLogger(), chunkSize, idle)
}

// storeCommit commits straight into store.
func storeCommit(store BlobStore) commitFunc {
	return func(ctx context.Context, asset StoredAsset) error {
		return store.Put(ctx, asset)
	}
}

func assertNonDecreasing(t *testing.T, percents []int) {
	t.Helper()
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1], "progress regressed at event %d: %v", i, percents)
	}
}

func TestExactPercent(t *testing.T) {
	tests := []struct {
		received, total int64
		want            int
	}{
		{0, 1000, 0},
		{4, 1000, 0},
		{5, 1000, 1},
		{500, 1000, 50},
		{994, 1000, 99},
		{995, 1000, 99},
		{1000, 1000, 99},
		{1, 3, 33},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exactPercent(tt.received, tt.total), "exactPercent(%d, %d)", tt.received, tt.total)
	}
}

func TestEstimatePercent(t *testing.T) {
	assert.Equal(t, 0, estimatePercent(0))
	assert.Equal(t, 62, estimatePercent(EstimateScale))
	assert.Equal(t, 99, estimatePercent(1<<40))

	prev := 0
	for n := int64(0); n < 20*EstimateScale; n += EstimateScale / 16 {
		p := estimatePercent(n)
		assert.GreaterOrEqual(t, p, prev)
		assert.Less(t, p, 100)
		prev = p
	}
}

func TestDownloaderKnownLength(t *testing.T) {
	body := payload(1000)
	srv := newBlobServer(t, map[string][]byte{"/m1": body})
	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 100, 0)

	var log progressLog
	var storedAtFinal atomic.Bool
	err := d.download(context.Background(), downloadRequest{
		key:    "m1",
		url:    srv.URL + "/m1",
		label:  "Model One",
		commit: storeCommit(store),
		progressFn: func(p Progress) {
			log.record(p)
			if p.Percent == 100 {
				ok, _ := store.Has(context.Background(), "m1")
				storedAtFinal.Store(ok)
			}
			assert.False(t, p.Indeterminate)
			assert.Equal(t, int64(1000), p.BytesTotal)
		},
	})
	require.NoError(t, err)

	percents := log.percents()
	require.NotEmpty(t, percents)
	assertNonDecreasing(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
	for _, p := range percents[:len(percents)-1] {
		assert.Less(t, p, 100)
	}
	assert.True(t, storedAtFinal.Load(), "100%% must only be reported after the blob is stored")

	asset, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, body, asset.Bytes)
	assert.Equal(t, "Model One", asset.Label)
	assert.False(t, asset.CreatedAt.IsZero())

	st := d.state("m1")
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, 100, st.Percent)
	assert.Equal(t, int64(1000), st.BytesReceived)
	assert.NotZero(t, st.Attempt)
}

func TestDownloaderUnknownLength(t *testing.T) {
	body := payload(5000)
	srv := newBlobServer(t, map[string][]byte{"/nolength/m1": body})
	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 512, 0)

	var log progressLog
	err := d.download(context.Background(), downloadRequest{
		key:        "m1",
		url:        srv.URL + "/nolength/m1",
		commit:     storeCommit(store),
		progressFn: log.record,
	})
	require.NoError(t, err)

	percents := log.percents()
	assertNonDecreasing(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
	for _, e := range log.events {
		assert.True(t, e.Indeterminate)
		assert.Equal(t, int64(-1), e.BytesTotal)
	}

	asset, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), asset.Size)
}

func TestDownloaderStatusError(t *testing.T) {
	srv := newBlobServer(t, nil)
	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 0, 0)

	var log progressLog
	err := d.download(context.Background(), downloadRequest{
		key:        "m1",
		url:        srv.URL + "/missing",
		commit:     storeCommit(store),
		progressFn: log.record,
	})
	require.ErrorIs(t, err, ErrNetwork)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
	assert.Equal(t, "status", netErr.Op)

	st := d.state("m1")
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, 0, st.Percent)
	assert.ErrorIs(t, st.Err, ErrNetwork)
	assert.Zero(t, store.puts)
	assert.NotContains(t, log.percents(), 100)
}

func TestDownloaderLengthMismatch(t *testing.T) {
	tests := []struct {
		name          string
		body          int
		contentLength int64
	}{
		{"short body", 1000, 2000},
		{"long body", 1000, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.seed("m1", []byte("previous"))
			client := &fakeClient{body: payload(tt.body), contentLength: tt.contentLength}
			d := newTestDownloader(client, 128, 0)

			err := d.download(context.Background(), downloadRequest{key: "m1", url: "http://source/m1", commit: storeCommit(store)})
			require.ErrorIs(t, err, ErrNetwork)

			var netErr *NetworkError
			require.True(t, errors.As(err, &netErr))
			assert.Equal(t, "length", netErr.Op)

			asset, err := store.Get(context.Background(), "m1")
			require.NoError(t, err)
			assert.Equal(t, []byte("previous"), asset.Bytes, "prior record must survive a failed download")
			assert.Equal(t, StatusError, d.state("m1").Status)
		})
	}
}

func TestDownloaderSingleFlight(t *testing.T) {
	gate := newGateServer(t, payload(10), 100)
	other := newBlobServer(t, map[string][]byte{"/m2": payload(50)})
	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 0, 0)
	ctx := context.Background()

	done, err := d.start(ctx, downloadRequest{key: "m1", url: gate.URL + "/m1", commit: storeCommit(store)})
	require.NoError(t, err)
	<-gate.started

	assert.Equal(t, StatusDownloading, d.state("m1").Status)
	assert.Equal(t, AssetKey("m1"), d.inFlight())

	err = d.download(ctx, downloadRequest{key: "m2", url: other.URL + "/m2", commit: storeCommit(store)})
	require.ErrorIs(t, err, ErrConcurrencyRejected)
	assert.Zero(t, other.requests.Load(), "rejected download must not touch the network")
	assert.Equal(t, StatusIdle, d.state("m2").Status)

	close(gate.release)
	require.NoError(t, <-done)
	assert.Empty(t, d.inFlight())

	require.NoError(t, d.download(ctx, downloadRequest{key: "m2", url: other.URL + "/m2", commit: storeCommit(store)}))
	assert.Equal(t, int64(1), gate.requests.Load())
}

func TestDownloaderSingleFlightConcurrent(t *testing.T) {
	gate := newGateServer(t, payload(10), 20)
	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 0, 0)

	var (
		accepted atomic.Int64
		rejected atomic.Int64
		dones    = make(chan (<-chan error), 8)
	)
	var g errgroup.Group
	for i := range 8 {
		key := AssetKey([]byte{'k', byte('0' + i)})
		g.Go(func() error {
			done, err := d.start(context.Background(), downloadRequest{key: key, url: gate.URL, commit: storeCommit(store)})
			if errors.Is(err, ErrConcurrencyRejected) {
				rejected.Add(1)
				return nil
			}
			if err != nil {
				return err
			}
			accepted.Add(1)
			dones <- done
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, int64(7), rejected.Load())

	close(gate.release)
	require.NoError(t, <-<-dones)
	assert.Equal(t, int64(1), gate.requests.Load())
}

func TestDownloaderCancel(t *testing.T) {
	gate := newGateServer(t, payload(10), 100)
	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 0, 0)

	done, err := d.start(context.Background(), downloadRequest{key: "m1", url: gate.URL, commit: storeCommit(store)})
	require.NoError(t, err)
	<-gate.started

	assert.True(t, d.cancelInFlight())
	err = <-done
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StatusError, d.state("m1").Status)
	assert.Zero(t, store.puts)

	assert.False(t, d.cancelInFlight(), "nothing left to cancel")
	require.True(t, d.slot.TryAcquire(1), "slot must be released after cancellation")
	d.slot.Release(1)
}

func TestDownloaderIdleTimeout(t *testing.T) {
	gate := newGateServer(t, payload(10), 100)
	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 0, 50*time.Millisecond)

	err := d.download(context.Background(), downloadRequest{key: "m1", url: gate.URL, commit: storeCommit(store)})
	assert.ErrorIs(t, err, ErrStalled)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Zero(t, store.puts)
}

func TestDownloaderIdleTimeoutBeforeHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 0, 50*time.Millisecond)

	err := d.download(context.Background(), downloadRequest{key: "m1", url: srv.URL, commit: storeCommit(store)})
	assert.ErrorIs(t, err, ErrStalled)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StatusError, d.state("m1").Status)
	assert.Zero(t, store.puts)

	require.True(t, d.slot.TryAcquire(1), "slot must be released after a stall")
	d.slot.Release(1)
}

func TestDownloaderContextCanceled(t *testing.T) {
	gate := newGateServer(t, payload(10), 100)
	store := newMemStore()
	d := newTestDownloader(http.DefaultClient, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done, err := d.start(ctx, downloadRequest{key: "m1", url: gate.URL, commit: storeCommit(store)})
	require.NoError(t, err)
	<-gate.started
	cancel()

	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestDownloaderCommitFailure(t *testing.T) {
	srv := newBlobServer(t, map[string][]byte{"/m1": payload(100)})
	d := newTestDownloader(http.DefaultClient, 0, 0)

	var log progressLog
	err := d.download(context.Background(), downloadRequest{
		key: "m1",
		url: srv.URL + "/m1",
		commit: func(ctx context.Context, asset StoredAsset) error {
			return ErrStorage
		},
		progressFn: log.record,
	})
	require.ErrorIs(t, err, ErrStorage)
	assert.NotContains(t, log.percents(), 100)
	assert.Equal(t, StatusError, d.state("m1").Status)
	require.True(t, d.slot.TryAcquire(1), "slot must be released after a failed commit")
	d.slot.Release(1)
}

func TestDownloaderStateUnknownKey(t *testing.T) {
	d := newTestDownloader(http.DefaultClient, 0, 0)
	st := d.state("never")
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, 0, st.Percent)
	assert.Equal(t, int64(-1), st.BytesTotal)
}

func TestSourceStreamChunks(t *testing.T) {
	data := payload(1000)
	s := &sourceStream{url: "test", body: io.NopCloser(bytes.NewReader(data)), total: 1000}

	var got []byte
	n := 0
	for chunk, err := range s.chunks(300) {
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), 300)
		got = append(got, chunk...)
		n++
	}
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, n, 4)
	assert.NoError(t, s.checkLength(int64(len(got))))
	assert.ErrorIs(t, s.checkLength(999), ErrNetwork)
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("connection reset") }

func TestSourceStreamReadError(t *testing.T) {
	s := &sourceStream{url: "test", body: io.NopCloser(failingReader{}), total: -1}
	for _, err := range s.chunks(10) {
		require.ErrorIs(t, err, ErrNetwork)
		var netErr *NetworkError
		require.True(t, errors.As(err, &netErr))
		assert.Equal(t, "read", netErr.Op)
	}
}
