// Package objectstore declares the backing content-addressed store
// contract spec.md §6 treats as an out-of-scope collaborator:
// get-tree/get-blob/get-blob-size/get-blob-metadata. It provides the Store
// interface plus an in-memory implementation used by this module's own
// tests and by callers that want to exercise InodeMap/Overlay wiring
// without a real remote object store. Grounded on gcs/bucket.go's Bucket
// interface shape (context-taking accessors returning a typed result or
// error); no real GCS SDK is wired in (see DESIGN.md).
package objectstore

import (
	"context"
	"crypto/sha1"
	"sync"

	"github.com/edenwood/edenfs/internal/edenerr"
	"github.com/edenwood/edenfs/internal/ids"
)

// Tree is one level of a source tree: a name-sorted set of entries, each
// either another Tree (by ObjectId) or a blob (by ObjectId), mirroring the
// minimal shape the daemon needs to materialize directory listings on
// demand.
type Tree struct {
	Entries []TreeEntry
}

// TreeEntry is one child of a Tree.
type TreeEntry struct {
	Name     string
	ObjectID ids.ObjectId
	IsTree   bool
}

// BlobMetadata is the subset of object metadata the daemon needs without
// fetching the full blob (§6: "get-blob-metadata(id) -> {size, sha1}").
type BlobMetadata struct {
	Size uint64
	SHA1 [sha1.Size]byte
}

// Store is the object store contract (§6).
type Store interface {
	GetTree(ctx context.Context, id ids.ObjectId) (Tree, error)
	GetBlob(ctx context.Context, id ids.ObjectId) ([]byte, error)
	GetBlobSize(ctx context.Context, id ids.ObjectId) (uint64, error)
	GetBlobMetadata(ctx context.Context, id ids.ObjectId) (BlobMetadata, error)
}

// MemStore is an in-memory Store, for tests and local experimentation.
type MemStore struct {
	mu    sync.RWMutex
	trees map[string]Tree
	blobs map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{trees: make(map[string]Tree), blobs: make(map[string][]byte)}
}

// PutTree registers a Tree under id, for test fixtures to populate.
func (s *MemStore) PutTree(id ids.ObjectId, t Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[string(id.Bytes())] = t
}

// PutBlob registers blob content under id, for test fixtures to populate.
func (s *MemStore) PutBlob(id ids.ObjectId, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(content))
	copy(cp, content)
	s.blobs[string(id.Bytes())] = cp
}

func (s *MemStore) GetTree(_ context.Context, id ids.ObjectId) (Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trees[string(id.Bytes())]
	if !ok {
		return Tree{}, edenerr.NotFound("objectstore: tree %s not found", id)
	}
	return t, nil
}

func (s *MemStore) GetBlob(_ context.Context, id ids.ObjectId) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[string(id.Bytes())]
	if !ok {
		return nil, edenerr.NotFound("objectstore: blob %s not found", id)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (s *MemStore) GetBlobSize(ctx context.Context, id ids.ObjectId) (uint64, error) {
	b, err := s.GetBlob(ctx, id)
	if err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

func (s *MemStore) GetBlobMetadata(ctx context.Context, id ids.ObjectId) (BlobMetadata, error) {
	b, err := s.GetBlob(ctx, id)
	if err != nil {
		return BlobMetadata{}, err
	}
	return BlobMetadata{Size: uint64(len(b)), SHA1: sha1.Sum(b)}, nil
}

var _ Store = (*MemStore)(nil)
