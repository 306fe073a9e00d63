// Package writer implements the archive writer: a tailing loop that
// pulls certified values from a local source, accumulates them into
// size- or time-bounded blob files, optionally zstd-compresses each file,
// and a sync loop that uploads cut files to a remote object store and
// rewrites the manifest. The original archive writer treats every step
// as fatal on failure; here remote upload is instead retried with bounded
// exponential backoff, on the documented assumption that a reimplementation
// may soften fail-fast into bounded retry as long as manifest writes stay
// atomic.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/sha3"

	"github.com/dwallet-labs/ika/archive"
	"github.com/dwallet-labs/ika/archive/manifest"
	"github.com/dwallet-labs/ika/codec"
	"github.com/dwallet-labs/ika/errs"
	"github.com/dwallet-labs/ika/log"
	"github.com/dwallet-labs/ika/metrics"
	"github.com/dwallet-labs/ika/utils/wrappers"
)

// CertifiedValue is one certified checkpoint or system-checkpoint ready
// to be archived.
type CertifiedValue struct {
	Sequence uint64
	Epoch    uint64
	Bytes    []byte // already-encoded payload
}

// Source supplies the certified value at sequence; the writer rejects a
// value carrying any other sequence number. ok is false when none is
// available yet, prompting the tailing loop's retry sleep.
type Source interface {
	Next(ctx context.Context, sequence uint64) (value CertifiedValue, ok bool, err error)
}

// RetryPolicy bounds the writer's retry-with-backoff on remote operations.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// Retry runs fn up to policy.MaxAttempts times with exponential backoff,
// returning the last error if every attempt fails, or ctx.Err() if ctx is
// canceled while waiting between attempts.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	policy = policy.withDefaults()
	delay := policy.BaseDelay

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return errs.MarkTransient(lastErr)
}

// Config bundles the writer's size/time cut thresholds and dependencies.
type Config struct {
	Stream         manifest.StreamKind
	CommitFileSize int           // bytes; a blob that would exceed this cuts the file first
	CommitDuration time.Duration // a file open longer than this cuts before the next value is appended
	Compress       bool          // zstd-compress cut files before upload
	Retry          RetryPolicy
	Local          archive.ObjectStore // staging area cut files are written to before upload
	Remote         archive.ObjectStore // durable store cut files and the manifest are uploaded to
	Metrics        metrics.Sink
	Logger         log.Logger
}

type cutFile struct {
	epoch      uint64
	start, end uint64
	localKey   string
	sha3       [32]byte
	compressed bool
}

// Writer accumulates certified values into blob files and hands cut
// files to its own sync loop for upload.
type Writer struct {
	cfg Config

	mu         sync.Mutex
	epoch      uint64
	buffer     bytes.Buffer
	rangeStart uint64
	nextSeq    uint64
	lastCommit time.Time

	manifestMu sync.Mutex
	current    manifest.Manifest

	cuts chan cutFile
	kill chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Writer over cfg, resuming from resumeFrom (the
// manifest's current watermark; 0 on a fresh stream).
func New(cfg Config, resumeFrom manifest.Manifest) *Writer {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOp{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoOp()
	}
	resumeFrom.Stream = cfg.Stream
	return &Writer{
		cfg:        cfg,
		nextSeq:    resumeFrom.Watermark,
		rangeStart: resumeFrom.Watermark,
		lastCommit: timeNow(),
		current:    resumeFrom,
		cuts:       make(chan cutFile, 64),
		kill:       make(chan struct{}),
	}
}

// timeNow exists so tests can't accidentally rely on wall-clock ordering
// across process boundaries; production always uses time.Now.
var timeNow = time.Now

// Start launches the tailing loop and the sync loop as background
// goroutines, reading from source. Stop must be called to release them.
func (w *Writer) Start(ctx context.Context, source Source) {
	w.wg.Add(2)
	go w.tailLoop(ctx, source)
	go w.syncLoop(ctx)
}

// Stop signals both loops to exit and waits for them to finish.
func (w *Writer) Stop() {
	close(w.kill)
	w.wg.Wait()
}

// Manifest returns a snapshot of the writer's current manifest.
func (w *Writer) Manifest() manifest.Manifest {
	w.manifestMu.Lock()
	defer w.manifestMu.Unlock()
	return w.current
}

func (w *Writer) tailLoop(ctx context.Context, source Source) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kill:
			return
		default:
		}

		w.mu.Lock()
		seq := w.nextSeq
		w.mu.Unlock()

		value, ok, err := source.Next(ctx, seq)
		if err != nil {
			w.cfg.Logger.Warn("archive writer: source read failed")
			sleepOrKill(w.kill, 3*time.Second)
			continue
		}
		if !ok {
			sleepOrKill(w.kill, 3*time.Second)
			continue
		}
		if err := w.ingest(value); err != nil {
			w.cfg.Logger.Warn("archive writer: ingest failed")
		}
	}
}

func sleepOrKill(kill <-chan struct{}, d time.Duration) {
	select {
	case <-kill:
	case <-time.After(d):
	}
}

// ingest appends one certified value to the open file, rolling the epoch
// or cutting the file first if required.
func (w *Writer) ingest(value CertifiedValue) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if value.Sequence != w.nextSeq {
		return errs.MarkInvariant(errors.Newf("archive writer: expected sequence %d, got %d", w.nextSeq, value.Sequence))
	}

	if value.Epoch == w.epoch+1 {
		if w.buffer.Len() > 0 {
			if err := w.cutLocked(); err != nil {
				return err
			}
		}
		w.epoch = value.Epoch
	}

	encoded, err := codec.Marshal(value.Bytes)
	if err != nil {
		return err
	}
	nextBlobSize := len(encoded) + 4

	if w.buffer.Len() > 0 &&
		(w.buffer.Len()+nextBlobSize > w.cfg.CommitFileSize || timeNow().Sub(w.lastCommit) > w.cfg.CommitDuration) {
		if err := w.cutLocked(); err != nil {
			return err
		}
	}

	writeLengthPrefixed(&w.buffer, encoded)
	w.nextSeq++
	return nil
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) {
	p := wrappers.NewPacker(4 + len(data))
	p.PackInt(uint32(len(data)))
	p.PackBytes(data)
	buf.Write(p.Bytes)
}

// cutLocked finalizes the currently-open file under w.mu and hands it to
// the sync loop. Callers must hold w.mu.
func (w *Writer) cutLocked() error {
	header := manifest.EncodeBlobFileHeader(manifest.BlobFileHeader{
		StorageFormat: manifest.StorageFormatCBOR,
		Compression:   compressionCode(w.cfg.Compress),
	})

	body := make([]byte, 0, len(header)+w.buffer.Len())
	body = append(body, header[:]...)
	body = append(body, w.buffer.Bytes()...)

	if w.cfg.Compress {
		compressed, err := zstdCompress(body)
		if err != nil {
			return err
		}
		body = compressed
	}

	digest := sha3.Sum256(body)
	localKey := fmt.Sprintf("epoch_%d/%d.ika_checkpoint", w.epoch, w.rangeStart)

	if err := w.cfg.Local.Put(context.Background(), localKey, body); err != nil {
		return errs.MarkTransient(err)
	}

	cf := cutFile{
		epoch:      w.epoch,
		start:      w.rangeStart,
		end:        w.nextSeq,
		localKey:   localKey,
		sha3:       digest,
		compressed: w.cfg.Compress,
	}

	select {
	case w.cuts <- cf:
	default:
		w.cfg.Logger.Warn("archive writer: cut notification channel saturated, blocking")
		w.cuts <- cf
	}

	w.buffer.Reset()
	w.rangeStart = w.nextSeq
	w.lastCommit = timeNow()
	return nil
}

func compressionCode(compress bool) manifest.CompressionCode {
	if compress {
		return manifest.CompressionZstd
	}
	return manifest.CompressionNone
}

func zstdCompress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errs.MarkInvariant(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// syncLoop consumes cut notifications, uploads each file to the remote
// store with bounded retry, deletes the local staging copy, and rewrites
// the manifest.
func (w *Writer) syncLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kill:
			return
		case cf := <-w.cuts:
			if err := w.syncOne(ctx, cf); err != nil {
				w.cfg.Logger.Error("archive writer: sync failed after retries")
			}
		}
	}
}

func (w *Writer) syncOne(ctx context.Context, cf cutFile) error {
	data, err := w.cfg.Local.Get(ctx, cf.localKey)
	if err != nil {
		return errs.MarkTransient(err)
	}

	remoteKey := cf.localKey
	if err := Retry(ctx, w.cfg.Retry, func() error {
		return w.cfg.Remote.Put(ctx, remoteKey, data)
	}); err != nil {
		return err
	}

	if err := w.cfg.Local.Delete(ctx, cf.localKey); err != nil {
		w.cfg.Logger.Warn("archive writer: local cleanup failed after successful upload")
	}

	compression := manifest.CompressionNone
	if cf.compressed {
		compression = manifest.CompressionZstd
	}

	w.manifestMu.Lock()
	w.current.Files = append(w.current.Files, manifest.FileMetadata{
		Epoch:       cf.epoch,
		Start:       cf.start,
		End:         cf.end,
		Path:        remoteKey,
		SHA3:        cf.sha3,
		Compression: compression,
		Format:      manifest.StorageFormatCBOR,
	})
	w.current.Watermark = cf.end
	snapshot := w.current
	w.manifestMu.Unlock()

	raw, err := manifest.Finalize(snapshot)
	if err != nil {
		return errs.MarkInvariant(err)
	}
	if err := Retry(ctx, w.cfg.Retry, func() error {
		return w.cfg.Remote.Put(ctx, "MANIFEST", raw)
	}); err != nil {
		return err
	}

	w.cfg.Metrics.SetGauge("archive_latest_archived", float64(cf.end))
	return nil
}
