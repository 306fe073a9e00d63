// Package reader implements the archive reader: a background task
// that keeps a cached manifest fresh, range reads that binary-search the
// manifest and download intersecting files under bounded concurrency,
// consistency verification against the manifest's recorded digests, and
// a balancer that picks among several remote stores by freshness and
// latency when more than one mirror is available.
package reader

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/semaphore"

	"github.com/dwallet-labs/ika/archive/manifest"
	"github.com/dwallet-labs/ika/codec"
	"github.com/dwallet-labs/ika/errs"
	"github.com/dwallet-labs/ika/log"
	"github.com/dwallet-labs/ika/utils/wrappers"
	"github.com/dwallet-labs/ika/utils/metric"
)

// BlobStore is the minimal remote read surface the reader needs.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Target receives blobs decoded out of range reads, in ascending
// sequence-number order per file (but not necessarily globally, since
// files download concurrently).
type Target interface {
	Insert(sequence uint64, value []byte) error
}

// Counters tracks range-read progress for caller-side metrics.
type Counters struct {
	FilesDownloaded int64
	BlobsInserted   int64

	mu sync.Mutex
}

func (c *Counters) addFile() {
	c.mu.Lock()
	c.FilesDownloaded++
	c.mu.Unlock()
}

func (c *Counters) addBlobs(n int64) {
	c.mu.Lock()
	c.BlobsInserted += n
	c.mu.Unlock()
}

const defaultRefreshInterval = 60 * time.Second

// Reader maintains a cached manifest for one remote store and serves
// bounded-concurrency range reads against it.
type Reader struct {
	store               BlobStore
	downloadConcurrency int64
	refreshInterval     time.Duration
	logger              log.Logger

	mu       sync.RWMutex
	manifest manifest.Manifest

	kill chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Reader over store. downloadConcurrency bounds
// simultaneous file downloads during RangeRead and VerifyFileConsistency.
func New(store BlobStore, downloadConcurrency int64, logger log.Logger) *Reader {
	if logger == nil {
		logger = log.NewNoOp()
	}
	if downloadConcurrency <= 0 {
		downloadConcurrency = 1
	}
	return &Reader{
		store:               store,
		downloadConcurrency: downloadConcurrency,
		refreshInterval:     defaultRefreshInterval,
		logger:              logger,
		kill:                make(chan struct{}),
	}
}

// Manifest returns a snapshot of the currently cached manifest.
func (r *Reader) Manifest() manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest
}

// SyncManifestOnce fetches and validates the manifest from the remote
// store immediately, replacing the cached copy on success.
func (r *Reader) SyncManifestOnce(ctx context.Context) error {
	raw, err := r.store.Get(ctx, "MANIFEST")
	if err != nil {
		return errs.MarkTransient(err)
	}
	m, err := manifest.Read(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.manifest = m
	r.mu.Unlock()
	return nil
}

// StartManifestSync launches the background refresh task, which swallows
// transient sync errors and waits for the next tick.
func (r *Reader) StartManifestSync(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.kill:
				return
			case <-ticker.C:
				if err := r.SyncManifestOnce(ctx); err != nil {
					r.logger.Warn("archive reader: manifest sync failed, retrying next tick")
				}
			}
		}
	}()
}

// Stop halts the background manifest-sync task.
func (r *Reader) Stop() {
	close(r.kill)
	r.wg.Wait()
}

// RangeRead downloads and inserts into target every blob with sequence
// number in [lo, hi), using the cached manifest to locate intersecting
// files and downloading them under bounded concurrency.
func (r *Reader) RangeRead(ctx context.Context, lo, hi uint64, target Target, counters *Counters) error {
	m := r.Manifest()
	startIdx, endIdx := manifest.FindRange(m.Files, lo, hi)
	if startIdx >= endIdx {
		return nil
	}
	files := m.Files[startIdx:endIdx]

	sem := semaphore.NewWeighted(r.downloadConcurrency)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstErr error
	)

	for _, fm := range files {
		fm := fm
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			blobs, err := r.downloadAndDecode(ctx, fm)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if counters != nil {
				counters.addFile()
			}

			var inserted int64
			for seq := fm.Start; seq < fm.Start+uint64(len(blobs)); seq++ {
				if seq < lo || seq >= hi {
					continue
				}
				value := blobs[seq]
				if err := target.Insert(seq, value); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				inserted++
			}
			if counters != nil {
				counters.addBlobs(inserted)
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// downloadAndDecode fetches one file, verifies its digest, decompresses
// if necessary, and parses its length-prefixed blobs, keyed by their
// sequence number within the file's declared range.
func (r *Reader) downloadAndDecode(ctx context.Context, fm manifest.FileMetadata) (map[uint64][]byte, error) {
	raw, err := r.store.Get(ctx, fm.Path)
	if err != nil {
		return nil, errs.MarkTransient(err)
	}
	if err := verifyDigest(raw, fm.SHA3); err != nil {
		return nil, err
	}

	body := raw
	if fm.Compression == manifest.CompressionZstd {
		body, err = zstdDecompress(raw)
		if err != nil {
			return nil, err
		}
	}
	if len(body) < 6 {
		return nil, errs.MarkByzantine(errors.New("archive reader: truncated blob file"))
	}
	var header [6]byte
	copy(header[:], body[:6])
	if _, err := manifest.DecodeBlobFileHeader(header); err != nil {
		return nil, err
	}

	blobs := make(map[uint64][]byte)
	seq := fm.Start
	rest := body[6:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, errs.MarkByzantine(errors.New("archive reader: truncated blob length prefix"))
		}
		length := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < length {
			return nil, errs.MarkByzantine(errors.New("archive reader: truncated blob body"))
		}
		var value []byte
		if err := codec.Unmarshal(rest[:length], &value); err != nil {
			return nil, err
		}
		blobs[seq] = value
		seq++
		rest = rest[length:]
	}
	return blobs, nil
}

func verifyDigest(raw []byte, want [32]byte) error {
	got := sha3.Sum256(raw)
	if !bytes.Equal(got[:], want[:]) {
		return errs.MarkByzantine(errors.New("archive reader: file digest mismatch against manifest"))
	}
	return nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.MarkInvariant(err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errs.MarkByzantine(err)
	}
	return out, nil
}

// VerifyManifest asserts contiguity from 0, per the manifest's own
// invariant.
func VerifyManifest(m manifest.Manifest) error {
	return manifest.VerifyContiguity(m)
}

// VerifyFileConsistency downloads every file in the cached manifest and
// checks its SHA3 digest against the manifest's record, under bounded
// concurrency. It returns the number of files checked and, if any file
// failed, every failure joined into one error so an operator sees the
// full extent of corruption rather than only the first file reached.
func (r *Reader) VerifyFileConsistency(ctx context.Context, concurrency int64) (int, error) {
	m := r.Manifest()
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		checked int
		failed  wrappers.Errs
	)
	for _, fm := range m.Files {
		fm := fm
		if err := sem.Acquire(ctx, 1); err != nil {
			return checked, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			raw, err := r.store.Get(ctx, fm.Path)
			if err != nil {
				mu.Lock()
				failed.Add(errs.MarkTransient(err))
				mu.Unlock()
				return
			}
			if err := verifyDigest(raw, fm.SHA3); err != nil {
				mu.Lock()
				failed.Add(err)
				mu.Unlock()
				return
			}
			mu.Lock()
			checked++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return checked, failed.Err()
}

// Range is a half-open sequence-number span a Balancer is asked to
// locate a reader for.
type Range struct {
	Start, End uint64
}

// Balancer picks among several readers backed by independent remote
// mirrors, preferring a mirror whose manifest fully covers the requested
// range and tiebreaking on observed read latency.
type Balancer struct {
	mu      sync.RWMutex
	readers map[string]*Reader
	latency map[string]metric.Averager
}

// NewBalancer returns an empty Balancer.
func NewBalancer() *Balancer {
	return &Balancer{
		readers: make(map[string]*Reader),
		latency: make(map[string]metric.Averager),
	}
}

// AddReader registers a named mirror.
func (b *Balancer) AddReader(name string, r *Reader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readers[name] = r
	b.latency[name] = metric.NewAverager()
}

// RecordLatency folds one observed read latency into name's running
// average, used to break ties in future PickOneRandom calls.
func (b *Balancer) RecordLatency(name string, d time.Duration) {
	b.mu.RLock()
	avg, ok := b.latency[name]
	b.mu.RUnlock()
	if ok {
		avg.Observe(float64(d))
	}
}

// PickOneRandom selects a reader for rng: it prefers readers whose cached
// manifest fully covers rng.End, falling back to readers that cover only
// rng.Start, and breaks ties by preferring the lowest average latency,
// picking uniformly at random among any that remain tied.
func (b *Balancer) PickOneRandom(rng Range) (*Reader, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	full := b.candidatesLocked(func(m manifest.Manifest) bool { return m.Covers(rng.End) })
	candidates := full
	if len(candidates) == 0 {
		candidates = b.candidatesLocked(func(m manifest.Manifest) bool { return m.CoversStart(rng.Start) })
	}
	if len(candidates) == 0 {
		return nil, "", errs.MarkTransient(errors.Newf("archive reader: no mirror covers range [%d, %d)", rng.Start, rng.End))
	}

	best := bestByLatency(candidates, b.latency)
	name, err := pickRandom(best)
	if err != nil {
		return nil, "", err
	}
	return b.readers[name], name, nil
}

func (b *Balancer) candidatesLocked(pred func(manifest.Manifest) bool) []string {
	var out []string
	for name, r := range b.readers {
		if pred(r.Manifest()) {
			out = append(out, name)
		}
	}
	return out
}

func bestByLatency(names []string, latency map[string]metric.Averager) []string {
	type scored struct {
		name string
		avg  float64
	}
	scores := make([]scored, 0, len(names))
	for _, n := range names {
		avg := 0.0
		if a, ok := latency[n]; ok {
			avg = a.Read()
		}
		scores = append(scores, scored{name: n, avg: avg})
	}

	lowest := scores[0].avg
	for _, s := range scores[1:] {
		if s.avg < lowest {
			lowest = s.avg
		}
	}
	var best []string
	for _, s := range scores {
		if s.avg == lowest {
			best = append(best, s.name)
		}
	}
	return best
}

func pickRandom(names []string) (string, error) {
	if len(names) == 1 {
		return names[0], nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(names))))
	if err != nil {
		return "", errs.MarkInvariant(err)
	}
	return names[n.Int64()], nil
}
