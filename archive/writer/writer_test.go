package writer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwallet-labs/ika/archive/manifest"
	"github.com/dwallet-labs/ika/archive/writer"
)

type sliceSource struct {
	mu     sync.Mutex
	values []writer.CertifiedValue
}

func (s *sliceSource) Next(_ context.Context, sequence uint64) (writer.CertifiedValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.values {
		if v.Sequence == sequence {
			return v, true, nil
		}
	}
	return writer.CertifiedValue{}, false, nil
}

func values(n int, epoch uint64) []writer.CertifiedValue {
	out := make([]writer.CertifiedValue, n)
	for i := 0; i < n; i++ {
		out[i] = writer.CertifiedValue{Sequence: uint64(i), Epoch: epoch, Bytes: make([]byte, 64)}
	}
	return out
}

func TestWriterCutsOnSizeBoundaryAndSyncsToRemote(t *testing.T) {
	local := writer.NewMemStore()
	remote := writer.NewMemStore()
	source := &sliceSource{values: values(50, 0)}

	w := writer.New(writer.Config{
		Stream:         manifest.StreamCheckpoint,
		CommitFileSize: 300, // small enough to force several cuts across 50 small blobs
		CommitDuration: time.Hour,
		Local:          local,
		Remote:         remote,
	}, manifest.Manifest{})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx, source)

	require.Eventually(t, func() bool {
		return w.Manifest().Watermark == 50
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	w.Stop()

	m := w.Manifest()
	require.NoError(t, manifest.VerifyContiguity(m))
	require.Greater(t, len(m.Files), 1, "50 blobs over a 300-byte file size should cut into multiple files")

	raw, err := remote.Get(context.Background(), "MANIFEST")
	require.NoError(t, err)
	got, err := manifest.Read(raw)
	require.NoError(t, err)
	require.Equal(t, m.Watermark, got.Watermark)
}

func TestWriterRetryEventuallySucceeds(t *testing.T) {
	var attempts int
	err := writer.Retry(context.Background(), writer.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWriterRetryExhaustsAttempts(t *testing.T) {
	var attempts int
	err := writer.Retry(context.Background(), writer.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func() error {
		attempts++
		return context.DeadlineExceeded
	})
	require.Error(t, err)
	require.Equal(t, 2, attempts)
}

func TestFileStorePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	fs, err := writer.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Put(context.Background(), "epoch_0/0.ika_checkpoint", []byte("hello")))

	got, err := fs.Get(context.Background(), "epoch_0/0.ika_checkpoint")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	require.NoError(t, fs.Delete(context.Background(), "epoch_0/0.ika_checkpoint"))
	_, err = fs.Get(context.Background(), "epoch_0/0.ika_checkpoint")
	require.Error(t, err)
}
