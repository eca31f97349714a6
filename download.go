package modelcache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// maxPrealloc bounds the buffer reserved up front from a declared length.
const maxPrealloc = 64 * 1024 * 1024

// commitFunc persists a completed download. The cache supplies one that
// writes the blob and reconciles the selection under its lock.
type commitFunc func(ctx context.Context, asset StoredAsset) error

// downloadRequest describes one download.
type downloadRequest struct {
	key        AssetKey
	url        string
	label      string
	progressFn ProgressFunc
	commit     commitFunc
}

// downloader runs at most one download at a time and tracks per-key state.
type downloader struct {
	source      *sourceClient
	logger      Logger
	chunkSize   int
	idleTimeout time.Duration

	// slot is the single-flight token. TryAcquire is the atomic check-and-set.
	slot *semaphore.Weighted

	// mu protects states, current and cancel.
	mu      sync.RWMutex
	states  map[AssetKey]DownloadState
	current AssetKey
	cancel  context.CancelCauseFunc
}

func newDownloader(source *sourceClient, logger Logger, chunkSize int, idleTimeout time.Duration) *downloader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &downloader{
		source:      source,
		logger:      logger,
		chunkSize:   chunkSize,
		idleTimeout: idleTimeout,
		slot:        semaphore.NewWeighted(1),
		states:      make(map[AssetKey]DownloadState),
	}
}

// download runs req to completion.
func (d *downloader) download(ctx context.Context, req downloadRequest) error {
	done, err := d.start(ctx, req)
	if err != nil {
		return err
	}
	return <-done
}

// start claims the single-flight slot and runs req in a new goroutine.
// It returns ErrConcurrencyRejected, without any network I/O, when another
// download holds the slot. The returned channel receives the result once the
// slot has been released.
func (d *downloader) start(ctx context.Context, req downloadRequest) (<-chan error, error) {
	if !d.slot.TryAcquire(1) {
		d.mu.RLock()
		current := d.current
		d.mu.RUnlock()
		return nil, fmt.Errorf("%s requested while %s is downloading: %w", req.key, current, ErrConcurrencyRejected)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	attempt := uuid.New()

	d.mu.Lock()
	d.current = req.key
	d.cancel = cancel
	d.states[req.key] = DownloadState{
		Key:        req.key,
		Status:     StatusDownloading,
		BytesTotal: -1,
		Attempt:    attempt,
	}
	d.mu.Unlock()

	d.logger.Info("download started", "key", req.key, "url", req.url, "attempt", attempt.String())

	done := make(chan error, 1)
	go func() {
		err := d.run(runCtx, cancel, req, attempt)
		cancel(nil)
		d.finish(req.key, attempt, err)
		done <- err
		close(done)
	}()
	return done, nil
}

// run streams the source, then commits the blob. The store is only touched
// after the whole body has been received and checked.
func (d *downloader) run(ctx context.Context, cancel context.CancelCauseFunc, req downloadRequest, attempt uuid.UUID) error {
	tracker := &progressTracker{key: req.key, total: -1, fn: req.progressFn, report: d.reporter(req.key, attempt)}

	// The watchdog also covers a source that never sends response headers.
	var watchdog *time.Timer
	if d.idleTimeout > 0 {
		watchdog = time.AfterFunc(d.idleTimeout, func() { cancel(ErrStalled) })
		defer watchdog.Stop()
	}

	stream, err := d.source.open(ctx, req.url)
	if err != nil {
		return d.abortErr(ctx, req.url, err)
	}
	defer stream.Close()
	if watchdog != nil {
		watchdog.Reset(d.idleTimeout)
	}

	tracker.total = stream.total
	tracker.emit(0)

	var blob []byte
	if stream.total > 0 {
		blob = make([]byte, 0, min(stream.total, maxPrealloc))
	}

	for chunk, err := range stream.chunks(d.chunkSize) {
		if err != nil {
			return d.abortErr(ctx, req.url, err)
		}
		if watchdog != nil {
			watchdog.Reset(d.idleTimeout)
		}
		blob = append(blob, chunk...)
		if stream.total >= 0 && int64(len(blob)) > stream.total {
			return stream.checkLength(int64(len(blob)))
		}
		tracker.advance(int64(len(blob)))
	}
	if ctx.Err() != nil {
		return d.abortErr(ctx, req.url, ctx.Err())
	}
	if err := stream.checkLength(int64(len(blob))); err != nil {
		return err
	}
	if blob == nil {
		blob = []byte{}
	}

	asset := StoredAsset{
		Key:       req.key,
		Label:     req.label,
		Bytes:     blob,
		Size:      int64(len(blob)),
		CreatedAt: time.Now(),
	}

	// The body is complete; a late cancellation must not abort the commit.
	if err := req.commit(context.WithoutCancel(ctx), asset); err != nil {
		return err
	}

	tracker.complete()
	return nil
}

// abortErr reports a failure, preferring the cancellation cause when the
// download context has ended.
func (d *downloader) abortErr(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return &NetworkError{Op: "read", URL: url, Err: context.Cause(ctx)}
	}
	return err
}

// finish records the outcome and releases the slot.
func (d *downloader) finish(key AssetKey, attempt uuid.UUID, err error) {
	d.mu.Lock()
	st := d.states[key]
	if err != nil {
		st = DownloadState{Key: key, Status: StatusError, BytesTotal: st.BytesTotal, Attempt: attempt, Err: err}
	} else {
		st.Status = StatusIdle
		st.Percent = 100
		st.Err = nil
	}
	d.states[key] = st
	d.current = ""
	d.cancel = nil
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("download failed", "key", key, "attempt", attempt.String(), "error", err)
	} else {
		d.logger.Info("download complete", "key", key, "attempt", attempt.String(), "bytes", st.BytesReceived)
	}

	d.slot.Release(1)
}

// reporter returns a callback that mirrors progress into the key's state.
func (d *downloader) reporter(key AssetKey, attempt uuid.UUID) func(Progress) {
	return func(p Progress) {
		d.mu.Lock()
		defer d.mu.Unlock()
		st := d.states[key]
		if st.Attempt != attempt {
			return
		}
		st.Percent = p.Percent
		st.Indeterminate = p.Indeterminate
		st.BytesReceived = p.BytesReceived
		st.BytesTotal = p.BytesTotal
		d.states[key] = st
	}
}

// state returns the download state for key. Keys never downloaded in this
// session are idle with no progress.
func (d *downloader) state(key AssetKey) DownloadState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if st, ok := d.states[key]; ok {
		return st
	}
	return DownloadState{Key: key, Status: StatusIdle, BytesTotal: -1}
}

// inFlight returns the key being downloaded, or "".
func (d *downloader) inFlight() AssetKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// cancelInFlight aborts the running download, if any.
func (d *downloader) cancelInFlight() bool {
	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel(ErrCanceled)
	return true
}

// progressTracker turns byte counts into a non-decreasing percentage.
type progressTracker struct {
	key      AssetKey
	total    int64
	received int64
	last     int
	fn       ProgressFunc
	report   func(Progress)
}

// advance emits progress for received bytes. Values stay below 100 until complete.
func (t *progressTracker) advance(received int64) {
	t.received = received
	if t.total > 0 {
		t.emit(exactPercent(received, t.total))
	} else {
		t.emit(estimatePercent(received))
	}
}

// complete emits the final 100 event.
func (t *progressTracker) complete() {
	t.emit(100)
}

func (t *progressTracker) emit(pct int) {
	t.last = max(pct, t.last)
	p := Progress{
		Key:           t.key,
		Percent:       t.last,
		Indeterminate: t.total < 0,
		BytesReceived: t.received,
		BytesTotal:    t.total,
	}
	t.report(p)
	if t.fn != nil {
		t.fn(p)
	}
}

// exactPercent is round(received/total*100), clamped to [0, 99].
func exactPercent(received, total int64) int {
	pct := int(math.Round(float64(received) / float64(total) * 100))
	return min(max(pct, 0), 99)
}

// estimatePercent approaches 99 as received grows, reaching about 62 at EstimateScale.
func estimatePercent(received int64) int {
	pct := int(math.Floor(99 * (1 - math.Exp(-float64(received)/EstimateScale))))
	return min(max(pct, 0), 99)
}
