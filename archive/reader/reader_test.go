package reader_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwallet-labs/ika/archive/manifest"
	"github.com/dwallet-labs/ika/archive/reader"
	"github.com/dwallet-labs/ika/archive/writer"
)

// buildArchive writes n sequential blobs through a real writer.Writer so
// reader tests exercise the exact on-disk format the writer produces.
func buildArchive(t *testing.T, n int, compress bool) *writer.MemStore {
	t.Helper()
	remote := writer.NewMemStore()
	local := writer.NewMemStore()
	source := &staticSource{count: n}

	w := writer.New(writer.Config{
		Stream:         manifest.StreamCheckpoint,
		CommitFileSize: 256,
		CommitDuration: time.Hour,
		Compress:       compress,
		Local:          local,
		Remote:         remote,
	}, manifest.Manifest{})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx, source)
	require.Eventually(t, func() bool { return w.Manifest().Watermark == uint64(n) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	w.Stop()
	return remote
}

type staticSource struct {
	mu    sync.Mutex
	count int
}

func (s *staticSource) Next(_ context.Context, sequence uint64) (writer.CertifiedValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(sequence) >= s.count {
		return writer.CertifiedValue{}, false, nil
	}
	return writer.CertifiedValue{
		Sequence: sequence,
		Bytes:    []byte(fmt.Sprintf("blob-%d", sequence)),
	}, true, nil
}

type recordingTarget struct {
	mu     sync.Mutex
	values map[uint64][]byte
}

func newRecordingTarget() *recordingTarget { return &recordingTarget{values: make(map[uint64][]byte)} }

func (t *recordingTarget) Insert(seq uint64, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[seq] = value
	return nil
}

func TestRangeReadReturnsExactBlobs(t *testing.T) {
	remote := buildArchive(t, 40, false)
	r := reader.New(remote, 4, nil)
	require.NoError(t, r.SyncManifestOnce(context.Background()))

	target := newRecordingTarget()
	counters := &reader.Counters{}
	require.NoError(t, r.RangeRead(context.Background(), 10, 25, target, counters))

	require.Len(t, target.values, 15)
	for seq := uint64(10); seq < 25; seq++ {
		require.Equal(t, []byte(fmt.Sprintf("blob-%d", seq)), target.values[seq])
	}
	require.EqualValues(t, 15, counters.BlobsInserted)
}

func TestRangeReadWithCompression(t *testing.T) {
	remote := buildArchive(t, 30, true)
	r := reader.New(remote, 2, nil)
	require.NoError(t, r.SyncManifestOnce(context.Background()))

	target := newRecordingTarget()
	require.NoError(t, r.RangeRead(context.Background(), 0, 30, target, nil))
	require.Len(t, target.values, 30)
}

func TestVerifyFileConsistencyPassesOnIntactArchive(t *testing.T) {
	remote := buildArchive(t, 20, false)
	r := reader.New(remote, 4, nil)
	require.NoError(t, r.SyncManifestOnce(context.Background()))

	checked, err := r.VerifyFileConsistency(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, len(r.Manifest().Files), checked)
}

func TestVerifyFileConsistencyDetectsCorruption(t *testing.T) {
	remote := buildArchive(t, 20, false)
	r := reader.New(remote, 4, nil)
	require.NoError(t, r.SyncManifestOnce(context.Background()))

	firstFile := r.Manifest().Files[0].Path
	raw, err := remote.Get(context.Background(), firstFile)
	require.NoError(t, err)
	corrupted := append([]byte{}, raw...)
	corrupted[len(corrupted)-1] ^= 0xFF
	require.NoError(t, remote.Put(context.Background(), firstFile, corrupted))

	_, err = r.VerifyFileConsistency(context.Background(), 4)
	require.Error(t, err)
}

func TestVerifyManifestDetectsDiscontinuity(t *testing.T) {
	m := manifest.Manifest{
		Files:     []manifest.FileMetadata{{Start: 0, End: 10}, {Start: 20, End: 30}},
		Watermark: 30,
	}
	require.Error(t, reader.VerifyManifest(m))
}

func TestBalancerPrefersFullCoverage(t *testing.T) {
	b := reader.NewBalancer()

	staleStore, freshStore := writer.NewMemStore(), writer.NewMemStore()
	stale := reader.New(staleStore, 1, nil)
	fresh := reader.New(freshStore, 1, nil)

	seedManifest(t, staleStore, stale, 50)
	seedManifest(t, freshStore, fresh, 100)

	b.AddReader("stale", stale)
	b.AddReader("fresh", fresh)

	picked, name, err := b.PickOneRandom(reader.Range{Start: 0, End: 80})
	require.NoError(t, err)
	require.Equal(t, "fresh", name)
	require.Same(t, fresh, picked)
}

func TestBalancerFallsBackToPartialCoverage(t *testing.T) {
	b := reader.NewBalancer()

	store := writer.NewMemStore()
	only := reader.New(store, 1, nil)
	seedManifest(t, store, only, 10)
	b.AddReader("only", only)

	_, name, err := b.PickOneRandom(reader.Range{Start: 5, End: 100})
	require.NoError(t, err)
	require.Equal(t, "only", name)
}

func TestBalancerReturnsErrorWhenNoMirrorCoversStart(t *testing.T) {
	b := reader.NewBalancer()
	empty := reader.New(writer.NewMemStore(), 1, nil)
	b.AddReader("empty", empty)

	_, _, err := b.PickOneRandom(reader.Range{Start: 5, End: 10})
	require.Error(t, err)
}

// seedManifest pushes a synthetic manifest directly into store and syncs
// r from it, without running a full writer.
func seedManifest(t *testing.T, store *writer.MemStore, r *reader.Reader, watermark uint64) {
	t.Helper()
	m := manifest.Manifest{Watermark: watermark}
	if watermark > 0 {
		m.Files = []manifest.FileMetadata{{Start: 0, End: watermark}}
	}
	raw, err := manifest.Finalize(m)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "MANIFEST", raw))
	require.NoError(t, r.SyncManifestOnce(context.Background()))
}
