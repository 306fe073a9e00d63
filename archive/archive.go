// Package archive defines the storage seam shared by the archive writer
// and reader: an ObjectStore abstract enough to be backed by a local
// filesystem staging area, an in-memory store for tests, or a real cloud
// blob store, without either side committing to one.
package archive

import "context"

// ObjectStore is a flat key-value blob store: local staging directories,
// in-memory test doubles, and cloud object stores all implement it
// uniformly.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
