package inode

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenwood/edenfs/internal/edenerr"
	"github.com/edenwood/edenfs/internal/ids"
)

func newRoot() *Inode {
	return NewMaterializedTree(ids.RootInode, ids.RootInode, "", os.ModeDir|0o755, map[string]DirEntry{
		"child": {Ino: 5, Mode: 0o644},
	})
}

// stubLoader loads ino 5 as a plain file the first time it's asked, and
// fails any other ino.
type stubLoader struct {
	loads int
}

func (l *stubLoader) LoadChild(parent *Inode, name string, child ids.InodeNumber, unlinked bool, objectID *ids.ObjectId, mode os.FileMode) (*Inode, error) {
	l.loads++
	if child == 5 {
		return NewFile(child, parent.Ino, name, mode, objectID), nil
	}
	return nil, errUnknownIno(child)
}

// anyLoader materializes whatever it's asked for, as a tree or a file
// depending on mode, with no children of its own.
var anyLoader = LoaderFunc(func(parent *Inode, name string, child ids.InodeNumber, unlinked bool, objectID *ids.ObjectId, mode os.FileMode) (*Inode, error) {
	if mode.IsDir() {
		return NewMaterializedTree(child, parent.Ino, name, mode, map[string]DirEntry{}), nil
	}
	return NewFile(child, parent.Ino, name, mode, objectID), nil
})

func TestInitializeInstallsRoot(t *testing.T) {
	m := New(&stubLoader{})
	require.NoError(t, m.Initialize(newRoot()))

	trees, files := m.Counts()
	assert.Equal(t, 1, trees)
	assert.Equal(t, 0, files)
	assert.Equal(t, 1, m.LoadedCount())
}

func TestInitializeTwiceFails(t *testing.T) {
	m := New(&stubLoader{})
	require.NoError(t, m.Initialize(newRoot()))
	err := m.Initialize(newRoot())
	assert.ErrorIs(t, err, edenerr.BugKind)
}

// TestTakeoverRoundTripShutdown is §8 scenario 1: Initialize(root=1),
// lookup(5), shutdown(true) must not hang, and must re-emit the same
// takeover record for ino 5 unchanged, fs-ref-count included, since the
// kernel never forgot it in between.
func TestTakeoverRoundTripShutdown(t *testing.T) {
	m := New(&stubLoader{})
	require.NoError(t, m.InitializeFromTakeover(newRoot(), []TakeoverEntry{
		{Ino: 5, Parent: ids.RootInode, Name: "child", Mode: 0o644, FsRefCount: 2},
	}))

	n, err := m.Lookup(5)
	require.NoError(t, err)
	assert.Equal(t, ids.InodeNumber(5), n.Ino)
	assert.Equal(t, uint64(2), n.RefCount(), "the loaded inode should inherit the takeover entry's outstanding fs-ref-count")

	done := make(chan []TakeoverEntry, 1)
	go func() { done <- m.Shutdown(true) }()

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		assert.Equal(t, ids.InodeNumber(5), entries[0].Ino)
		assert.Equal(t, "child", entries[0].Name)
		assert.Equal(t, uint32(2), entries[0].FsRefCount, "outstanding fs-ref-count must survive load then shutdown unchanged")
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown(true) did not return: non-root loaded inodes were never unloaded")
	}
}

// TestShutdownWithoutTakeoverDropsEverything is the !allowTakeover half of
// scenario 1: nothing is serialized, and Shutdown still returns promptly.
func TestShutdownWithoutTakeoverDropsEverything(t *testing.T) {
	m := New(&stubLoader{})
	require.NoError(t, m.InitializeFromTakeover(newRoot(), []TakeoverEntry{
		{Ino: 5, Parent: ids.RootInode, Name: "child", Mode: 0o644, FsRefCount: 1},
	}))
	_, err := m.Lookup(5)
	require.NoError(t, err)

	done := make(chan []TakeoverEntry, 1)
	go func() { done <- m.Shutdown(false) }()

	select {
	case entries := <-done:
		assert.Nil(t, entries)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown(false) did not return")
	}
	assert.Equal(t, 0, m.LoadedCount())
}

// TestLookupLoadsThroughUnloadedChain exercises the ancestor-walk path:
// looking up a grandchild whose parent is itself still unloaded must load
// the parent first, then the child, rather than failing.
func TestLookupLoadsThroughUnloadedChain(t *testing.T) {
	m := New(anyLoader)
	require.NoError(t, m.InitializeFromTakeover(newRoot(), []TakeoverEntry{
		{Ino: 5, Parent: ids.RootInode, Name: "child", Mode: os.ModeDir | 0o755, FsRefCount: 1},
		{Ino: 6, Parent: 5, Name: "grandchild", Mode: 0o644, FsRefCount: 1},
	}))

	n, err := m.Lookup(6)
	require.NoError(t, err)
	assert.Equal(t, ids.InodeNumber(6), n.Ino)
	assert.Equal(t, ids.InodeNumber(5), n.Parent)

	// The ancestor should have been loaded as a side effect.
	parent, err := m.Lookup(5)
	require.NoError(t, err)
	assert.Equal(t, ids.InodeNumber(5), parent.Ino)
}

func TestLookupUnknownInoIsBug(t *testing.T) {
	m := New(&stubLoader{})
	require.NoError(t, m.Initialize(newRoot()))
	_, err := m.Lookup(999)
	assert.ErrorIs(t, err, edenerr.BugKind)
}

func TestLookupUnknownInoIsStaleForNFS(t *testing.T) {
	m := New(&stubLoader{})
	m.StaleAsNFS = true
	require.NoError(t, m.Initialize(newRoot()))
	_, err := m.Lookup(999)
	assert.ErrorIs(t, err, edenerr.StaleKind)
}

func TestLookupConcurrentCallsShareOneLoad(t *testing.T) {
	loader := &stubLoader{}
	m := New(loader)
	require.NoError(t, m.InitializeFromTakeover(newRoot(), []TakeoverEntry{
		{Ino: 5, Parent: ids.RootInode, Name: "child", Mode: 0o644, FsRefCount: 1},
	}))

	const n = 8
	results := make(chan *Inode, n)
	for i := 0; i < n; i++ {
		go func() {
			inode, err := m.Lookup(5)
			require.NoError(t, err)
			results <- inode
		}()
	}
	var first *Inode
	for i := 0; i < n; i++ {
		got := <-results
		if first == nil {
			first = got
		}
		assert.Same(t, first, got)
	}
	assert.Equal(t, 1, loader.loads)
}

// TestInitializeFromOverlayRebuildsUnloadedSet is §8 scenario 5: a
// materialized directory tree recorded in the Overlay reconstructs its
// descendants as unloaded entries without needing InodeMap to have seen
// them before.
type fakeDirLister struct {
	dirs map[ids.InodeNumber][]OverlayDirEntry
	data map[ids.InodeNumber]bool
}

func (f fakeDirLister) LoadDir(ino ids.InodeNumber) ([]OverlayDirEntry, bool) {
	e, ok := f.dirs[ino]
	return e, ok
}

func (f fakeDirLister) HasData(ino ids.InodeNumber) bool {
	return f.data[ino]
}

func TestInitializeFromOverlayRebuildsUnloadedSet(t *testing.T) {
	dirs := fakeDirLister{
		dirs: map[ids.InodeNumber][]OverlayDirEntry{
			ids.RootInode: {
				{Name: "sub", Ino: 5, Mode: os.ModeDir | 0o755, IsDir: true},
				{Name: "file.txt", Ino: 6, Mode: 0o644},
			},
			5: {
				{Name: "nested.txt", Ino: 7, Mode: 0o644},
			},
		},
		data: map[ids.InodeNumber]bool{ids.RootInode: true, 5: true},
	}
	m := New(anyLoader)
	require.NoError(t, m.InitializeFromOverlay(newRoot(), dirs))

	for _, ino := range []ids.InodeNumber{5, 6, 7} {
		_, err := m.Lookup(ino)
		require.NoErrorf(t, err, "ino %v should have been reconstructed as unloaded", ino)
	}
}

func TestDecFsRefcountOnUnloadedClampsAtZeroAndEvicts(t *testing.T) {
	m := New(&stubLoader{})
	require.NoError(t, m.InitializeFromTakeover(newRoot(), []TakeoverEntry{
		{Ino: 5, Parent: ids.RootInode, Name: "child", Mode: 0o644, FsRefCount: 1},
	}))

	require.NoError(t, m.DecFsRefcount(5, 5))

	m.StaleAsNFS = true
	_, err := m.Lookup(5)
	assert.ErrorIs(t, err, edenerr.StaleKind, "evicted unloaded entry should no longer resolve")
}

func TestDecFsRefcountOnUnknownInoIsBug(t *testing.T) {
	m := New(&stubLoader{})
	require.NoError(t, m.Initialize(newRoot()))
	err := m.DecFsRefcount(999, 1)
	assert.ErrorIs(t, err, edenerr.BugKind)
}

// TestForgetStaleInodesSweepsUnlinkedLoaded is §8 scenario 6: a loaded,
// unlinked inode past the staleness threshold is forced to zero refs and
// destroyed by the ordinary unreferenced path.
func TestForgetStaleInodesSweepsUnlinkedLoaded(t *testing.T) {
	m := New(&stubLoader{})
	require.NoError(t, m.Initialize(newRoot()))

	stale := NewMaterializedFile(42, ids.RootInode, "deleted", 0o644, nil)
	stale.unlinked = true
	m.insertLoadedLocked(stale)
	stale.IncRef()
	require.Equal(t, 2, m.LoadedCount())

	m.ForgetStaleInodes(func(ino ids.InodeNumber) bool { return ino == 42 })

	assert.Equal(t, uint64(0), stale.RefCount())
	assert.Equal(t, 1, m.LoadedCount())
}

// TestShutdownPreservesMaterializedDirWithPreservedChild is §8 scenario 1's
// companion invariant: a materialized directory loaded with its own
// outstanding fs-ref-count (inherited from the takeover entry, never
// forgotten) is preserved across shutdown verbatim, and its still-unloaded
// child survives alongside it untouched.
func TestShutdownPreservesMaterializedDirWithPreservedChild(t *testing.T) {
	loader := LoaderFunc(func(parent *Inode, name string, child ids.InodeNumber, unlinked bool, objectID *ids.ObjectId, mode os.FileMode) (*Inode, error) {
		return NewMaterializedTree(child, parent.Ino, name, mode, map[string]DirEntry{
			"f": {Ino: 6, Mode: 0o644},
		}), nil
	})
	m := New(loader)
	require.NoError(t, m.InitializeFromTakeover(newRoot(), []TakeoverEntry{
		{Ino: 5, Parent: ids.RootInode, Name: "child", Mode: os.ModeDir | 0o755, FsRefCount: 1},
		{Ino: 6, Parent: 5, Name: "f", Mode: 0o644, FsRefCount: 1},
	}))

	// Load the directory but leave its child (ino 6) unloaded.
	_, err := m.Lookup(5)
	require.NoError(t, err)

	entries := m.Shutdown(true)

	var sawDir, sawChild bool
	for _, e := range entries {
		if e.Ino == 5 {
			sawDir = true
		}
		if e.Ino == 6 {
			sawChild = true
		}
	}
	assert.True(t, sawChild, "child left unloaded with an outstanding fs-ref-count should survive shutdown")
	assert.True(t, sawDir, "materialized directory with a preserved descendant should itself be preserved across shutdown")
}

// TestShutdownForgetsDirWithoutPreservedChild is the negative case of the
// test above: once the child is also forgotten (its fs-ref-count reaches
// zero before shutdown), the directory has nothing left worth preserving
// and neither it nor the child survives.
func TestShutdownForgetsDirWithoutPreservedChild(t *testing.T) {
	loader := LoaderFunc(func(parent *Inode, name string, child ids.InodeNumber, unlinked bool, objectID *ids.ObjectId, mode os.FileMode) (*Inode, error) {
		return NewMaterializedTree(child, parent.Ino, name, mode, map[string]DirEntry{
			"f": {Ino: 6, Mode: 0o644},
		}), nil
	})
	m := New(loader)
	require.NoError(t, m.InitializeFromTakeover(newRoot(), []TakeoverEntry{
		{Ino: 5, Parent: ids.RootInode, Name: "child", Mode: os.ModeDir | 0o755, FsRefCount: 1},
		{Ino: 6, Parent: 5, Name: "f", Mode: 0o644, FsRefCount: 1},
	}))

	_, err := m.Lookup(5)
	require.NoError(t, err)
	// Forget the directory's own outstanding reference and the still-
	// unloaded child's, so neither has anything keeping it alive.
	require.NoError(t, m.DecFsRefcount(5, 1))
	require.NoError(t, m.DecFsRefcount(6, 1))

	entries := m.Shutdown(true)
	assert.Empty(t, entries, "nothing should survive once both the directory and its child have zero fs-refs")
}

// TestShutdownPreservesDirViaPreservedChildOnly covers the
// hasPreservedChildLocked branch directly: the directory's own outstanding
// reference is forgotten before shutdown, so it only survives because its
// child is still unloaded with a nonzero fs-ref-count.
func TestShutdownPreservesDirViaPreservedChildOnly(t *testing.T) {
	loader := LoaderFunc(func(parent *Inode, name string, child ids.InodeNumber, unlinked bool, objectID *ids.ObjectId, mode os.FileMode) (*Inode, error) {
		return NewMaterializedTree(child, parent.Ino, name, mode, map[string]DirEntry{
			"f": {Ino: 6, Mode: 0o644},
		}), nil
	})
	m := New(loader)
	require.NoError(t, m.InitializeFromTakeover(newRoot(), []TakeoverEntry{
		{Ino: 5, Parent: ids.RootInode, Name: "child", Mode: os.ModeDir | 0o755, FsRefCount: 1},
		{Ino: 6, Parent: 5, Name: "f", Mode: 0o644, FsRefCount: 1},
	}))

	_, err := m.Lookup(5)
	require.NoError(t, err)
	require.NoError(t, m.DecFsRefcount(5, 1))

	entries := m.Shutdown(true)
	var sawDir, sawChild bool
	for _, e := range entries {
		if e.Ino == 5 {
			sawDir = true
		}
		if e.Ino == 6 {
			sawChild = true
		}
	}
	assert.True(t, sawChild)
	assert.True(t, sawDir, "directory with zero fs-refs of its own must still be preserved if a child is preserved")
}
