package inode

import (
	"os"
	"sync"

	"github.com/edenwood/edenfs/internal/edenerr"
	"github.com/edenwood/edenfs/internal/ids"
)

// Loader resolves a single unloaded child given its already-loaded parent.
// InodeMap calls this at most once concurrently per ino: concurrent
// lookups of the same unloaded ino collapse onto the single in-flight
// call's result (§5: "Load completion for a given ino runs at most once
// concurrently").
type Loader interface {
	LoadChild(parent *Inode, name string, child ids.InodeNumber, unlinked bool, objectID *ids.ObjectId, mode os.FileMode) (*Inode, error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(parent *Inode, name string, child ids.InodeNumber, unlinked bool, objectID *ids.ObjectId, mode os.FileMode) (*Inode, error)

func (f LoaderFunc) LoadChild(parent *Inode, name string, child ids.InodeNumber, unlinked bool, objectID *ids.ObjectId, mode os.FileMode) (*Inode, error) {
	return f(parent, name, child, unlinked, objectID, mode)
}

// TakeoverEntry is one record of a takeover serialization, matching the
// wire shape of SerializedInodeMap's unloadedInodes (§3, §8 scenario 1).
type TakeoverEntry struct {
	Ino        ids.InodeNumber
	Parent     ids.InodeNumber
	Name       string
	Unlinked   bool
	Mode       os.FileMode
	// ObjectIDHex is the legacy-compatible hex encoding; an empty string
	// historically meant "materialized". New code never emits that
	// sentinel (see DESIGN.md), but the reader still accepts it.
	ObjectIDHex string
	HasObjectID bool
	FsRefCount  uint32
}

// DirLister abstracts the Overlay's persisted directory listings, used by
// InitializeFromOverlay to rebuild the unloaded set without depending on
// the overlay package directly (keeps inode import-free of overlay).
type DirLister interface {
	// LoadDir returns the persisted children of a materialized directory
	// ino, or ok=false if ino has no persisted listing.
	LoadDir(ino ids.InodeNumber) (entries []OverlayDirEntry, ok bool)
	// HasData reports whether ino has any persisted overlay blob.
	HasData(ino ids.InodeNumber) bool
}

// OverlayDirEntry is the minimal shape InitializeFromOverlay needs from a
// persisted directory listing.
type OverlayDirEntry struct {
	Name string
	Ino  ids.InodeNumber
	Mode os.FileMode
	IsDir bool
}

// InodeMap is the single source of truth for the set of live Inodes in a
// mount (§4.1). All state transitions take one mutex.
type InodeMap struct {
	mu sync.Mutex

	loaded        map[ids.InodeNumber]*Inode
	unloaded      map[ids.InodeNumber]*UnloadedInode
	treeCount     int
	fileCount     int
	root          *Inode
	initialized   bool
	shuttingDown  bool
	shutdownDone  chan struct{}
	shutdownTakeover bool
	unmounted     bool

	// StaleAsNFS makes lookup of an unknown ino fail with KindStale instead
	// of KindBug, for NFS-mounted checkouts per §4.1.
	StaleAsNFS bool

	loader Loader
}

// New constructs an empty, uninitialized InodeMap.
func New(loader Loader) *InodeMap {
	return &InodeMap{
		loaded:   make(map[ids.InodeNumber]*Inode),
		unloaded: make(map[ids.InodeNumber]*UnloadedInode),
		loader:   loader,
	}
}

// Initialize installs root into the loaded set. Fails if already
// initialized.
func (m *InodeMap) Initialize(root *Inode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return edenerr.Bug("InodeMap already initialized")
	}
	m.insertLoadedLocked(root)
	m.root = root
	m.initialized = true
	return nil
}

// InitializeFromTakeover installs root, then reconstructs the unloaded set
// from a takeover payload (§4.1, §8 scenario 1).
func (m *InodeMap) InitializeFromTakeover(root *Inode, entries []TakeoverEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return edenerr.Bug("InodeMap already initialized")
	}
	m.insertLoadedLocked(root)
	m.root = root
	m.initialized = true

	for _, e := range entries {
		if _, dup := m.unloaded[e.Ino]; dup {
			return edenerr.Bug("failed to emplace inode number %v; already present", e.Ino)
		}
		var objID *ids.ObjectId
		if e.HasObjectID {
			if e.ObjectIDHex == "" {
				// LEGACY: empty string meant "materialized" (no object id).
				objID = nil
			} else {
				id, err := ids.ObjectIdFromHex(e.ObjectIDHex)
				if err != nil {
					return err
				}
				objID = &id
			}
		}
		m.unloaded[e.Ino] = &UnloadedInode{
			Parent:     e.Parent,
			Name:       e.Name,
			Unlinked:   e.Unlinked,
			Mode:       e.Mode,
			ObjectID:   objID,
			FsRefCount: e.FsRefCount,
		}
	}
	return nil
}

// InitializeFromOverlay rebuilds the unloaded set by traversing persisted
// directory listings from root down (§4.1, §8 scenario 5). Each
// reconstructed entry is given fs-ref-count 1.
func (m *InodeMap) InitializeFromOverlay(root *Inode, dirs DirLister) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return edenerr.Bug("InodeMap already initialized")
	}
	m.insertLoadedLocked(root)
	m.root = root
	m.initialized = true

	type pending struct {
		ino ids.InodeNumber
	}
	stack := []pending{{ino: root.Ino}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, ok := dirs.LoadDir(cur.ino)
		if !ok {
			continue
		}
		for _, e := range entries {
			if e.IsDir {
				if !dirs.HasData(e.Ino) {
					continue
				}
				stack = append(stack, pending{ino: e.Ino})
			}
			if _, exists := m.unloaded[e.Ino]; exists {
				continue
			}
			m.unloaded[e.Ino] = &UnloadedInode{
				Parent:     cur.ino,
				Name:       e.Name,
				Mode:       e.Mode,
				FsRefCount: 1,
			}
		}
	}
	return nil
}

func (m *InodeMap) insertLoadedLocked(n *Inode) {
	m.loaded[n.Ino] = n
	if n.Kind == KindTree {
		m.treeCount++
	} else {
		m.fileCount++
	}
	n.unref = m.onInodeUnreferenced
}

// Counts returns (treeCount, fileCount); §8 invariant |loaded| = tree+file.
func (m *InodeMap) Counts() (trees, files int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.treeCount, m.fileCount
}

// LoadedCount returns len(loaded), for the §8 cross-check against Counts().
func (m *InodeMap) LoadedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loaded)
}

// Lookup resolves ino to its Inode, loading it (and, transitively, its
// unloaded ancestors) if necessary. It blocks the calling goroutine until
// the load completes or fails; concurrent Lookups of the same ino share a
// single in-flight load (§4.1, §5).
func (m *InodeMap) Lookup(ino ids.InodeNumber) (*Inode, error) {
	m.mu.Lock()

	if n, ok := m.loaded[ino]; ok {
		m.mu.Unlock()
		return n, nil
	}

	unloadedData, ok := m.unloaded[ino]
	if !ok {
		m.mu.Unlock()
		if m.StaleAsNFS {
			return nil, edenerr.Stale("inode %v is stale", ino)
		}
		return nil, errUnknownIno(ino)
	}

	ch := make(chan loadResult, 1)
	alreadyLoading := len(unloadedData.promiseQueue) > 0
	unloadedData.promiseQueue = append(unloadedData.promiseQueue, ch)

	if alreadyLoading {
		m.mu.Unlock()
		res := <-ch
		return res.inode, res.err
	}

	// Walk up through unloaded ancestors until we find a loaded parent,
	// exactly as InodeMap::lookupInode's while loop in original_source.
	childIno := ino
	childData := unloadedData
	for {
		if parent, ok := m.loaded[childData.Parent]; ok {
			name, unlinked, objID, mode := childData.Name, childData.Unlinked, childData.ObjectID, childData.Mode
			m.mu.Unlock()
			m.startChildLoad(parent, name, unlinked, childIno, objID, mode)
			res := <-ch
			return res.inode, res.err
		}

		parentData, ok := m.unloaded[childData.Parent]
		if !ok {
			m.mu.Unlock()
			bug := edenerr.Bug("unknown parent inode %v (of %s)", childData.Parent, childData.Name)
			m.failLoad(childIno, bug)
			res := <-ch
			return res.inode, res.err
		}

		parentAlreadyLoading := len(parentData.promiseQueue) > 0
		// This synthetic channel chains: when the parent finishes loading,
		// we kick off this child's load.
		parentCh := make(chan loadResult, 1)
		parentData.promiseQueue = append(parentData.promiseQueue, parentCh)
		name, unlinked, objID, mode := childData.Name, childData.Unlinked, childData.ObjectID, childData.Mode
		go m.continueParentLoad(parentCh, name, unlinked, childIno, objID, mode)

		if parentAlreadyLoading {
			m.mu.Unlock()
			res := <-ch
			return res.inode, res.err
		}

		childIno = childData.Parent
		childData = parentData
	}
}

// continueParentLoad waits for a parent's load (signalled on parentCh) and
// then starts the child's load, or propagates failure. Mirrors
// InodeMap::setupParentLookupPromise.
func (m *InodeMap) continueParentLoad(parentCh chan loadResult, name string, unlinked bool, childIno ids.InodeNumber, objID *ids.ObjectId, mode os.FileMode) {
	res := <-parentCh
	if res.err != nil {
		m.failLoad(childIno, res.err)
		return
	}
	m.startChildLoad(res.inode, name, unlinked, childIno, objID, mode)
}

// startChildLoad invokes the Loader for one child and fulfills every
// waiter registered for that ino, in FIFO order.
func (m *InodeMap) startChildLoad(parent *Inode, name string, unlinked bool, childIno ids.InodeNumber, objID *ids.ObjectId, mode os.FileMode) {
	child, err := m.loader.LoadChild(parent, name, childIno, unlinked, objID, mode)
	if err != nil {
		m.failLoad(childIno, err)
		return
	}

	m.mu.Lock()
	unloadedData, ok := m.unloaded[childIno]
	if !ok {
		// Lost the race with a concurrent shutdown/unload of this ino; the
		// freshly loaded child has nowhere to go but is otherwise harmless.
		m.mu.Unlock()
		return
	}
	waiters := unloadedData.promiseQueue
	inheritedRefs := unloadedData.FsRefCount
	delete(m.unloaded, childIno)
	child.Ino = childIno
	child.unlinked = unlinked
	// The unloaded entry's fs-ref-count is outstanding kernel lookups that
	// predate this load (inherited from a takeover or overlay recovery, or
	// accrued before the entry was last unloaded); it must continue counting
	// down from here rather than resetting to zero, or a later shutdown
	// would wrongly treat the inode as unreferenced (§8 scenario 1).
	child.refs = uint64(inheritedRefs)
	m.insertLoadedLocked(child)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- loadResult{inode: child}
	}
}

// failLoad fails every waiter on ino with the same error, leaving the
// unloaded entry intact so future lookups may retry (§7 propagation
// policy).
func (m *InodeMap) failLoad(ino ids.InodeNumber, err error) {
	m.mu.Lock()
	unloadedData, ok := m.unloaded[ino]
	var waiters []chan loadResult
	if ok {
		waiters = unloadedData.promiseQueue
		unloadedData.promiseQueue = nil
	}
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- loadResult{err: err}
	}
}

// DecFsRefcount decrements ino's kernel-facing reference counter by n.
func (m *InodeMap) DecFsRefcount(ino ids.InodeNumber, n uint32) error {
	m.mu.Lock()
	if loaded, ok := m.loaded[ino]; ok {
		m.mu.Unlock()
		loaded.DecRef(uint64(n))
		return nil
	}
	unloadedData, ok := m.unloaded[ino]
	if !ok {
		m.mu.Unlock()
		return edenerr.Bug("InodeMap::decFsRefcount() called on unknown inode number %v", ino)
	}
	if n >= unloadedData.FsRefCount {
		unloadedData.FsRefCount = 0
	} else {
		unloadedData.FsRefCount -= n
	}
	if unloadedData.FsRefCount == 0 {
		delete(m.unloaded, ino)
	}
	m.mu.Unlock()
	return nil
}

// onInodeUnreferenced is called when an Inode's strong reference count
// drops to zero. Outside of shutdown, an unlinked inode with nothing left
// referencing it is destroyed outright; a named inode is, for now, always
// kept loaded (§4.1: "choose to keep loaded"). During shutdown every
// non-root inode leaves the loaded set; it is preserved as an UnloadedInode
// only if it is a materialized directory with a still-preserved descendant
// (invariant: "materialized directories must be preserved if any
// descendant is preserved"), otherwise it is forgotten entirely. An inode
// whose fs-ref-count was still nonzero at shutdown never reaches this
// callback at all: Shutdown's preserveReferenced serializes it directly.
func (m *InodeMap) onInodeUnreferenced(n *Inode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown && n == m.root {
		m.removeLoadedLocked(n)
		m.maybeCompleteShutdownLocked()
		return
	}

	if !m.shuttingDown {
		if n.unlinked {
			m.removeLoadedLocked(n)
		}
		// A named (non-unlinked) inode with refs==0 stays loaded.
		return
	}

	m.removeLoadedLocked(n)

	forget := m.unmounted || n.unlinked
	if !forget && n.Kind == KindTree {
		forget = !m.hasPreservedChildLocked(n)
	} else if !forget {
		// A File only survives shutdown via its own fs-ref-count, handled
		// before this callback ever fires (see preserveReferenced); one
		// reaching here has nothing else that could keep it around.
		forget = true
	}

	if !forget {
		m.unloaded[n.Ino] = &UnloadedInode{
			Parent:   n.Parent,
			Name:     n.Name,
			Unlinked: n.unlinked,
			Mode:     n.Mode,
			ObjectID: n.ObjectID(),
		}
	}

	m.maybeCompleteShutdownLocked()
}

// hasPreservedChildLocked reports whether any child of the materialized
// directory n was itself preserved as an UnloadedInode. Must be called
// with m.mu held.
func (m *InodeMap) hasPreservedChildLocked(n *Inode) bool {
	for _, child := range n.children {
		if _, ok := m.unloaded[child.Ino]; ok {
			return true
		}
	}
	return false
}

// pickShutdownVictimLocked returns a loaded non-root inode with no loaded
// children, or nil if only the root remains. Uses each inode's Parent
// field rather than a Tree's children listing, since a lazily-loaded
// (non-materialized) Tree has no populated listing even though it may
// still have loaded descendants reached via takeover/overlay recovery.
func (m *InodeMap) pickShutdownVictimLocked() *Inode {
	hasLoadedChild := make(map[ids.InodeNumber]bool, len(m.loaded))
	for _, n := range m.loaded {
		if n == m.root {
			continue
		}
		hasLoadedChild[n.Parent] = true
	}
	for _, n := range m.loaded {
		if n == m.root || hasLoadedChild[n.Ino] {
			continue
		}
		return n
	}
	return nil
}

// preserveReferenced moves n directly from loaded to unloaded, carrying its
// current strong reference count forward as FsRefCount. n is still
// referenced (by definition: pickShutdownVictimLocked only returns it once
// it has no loaded children, regardless of its own ref count), so it is not
// destroyed or run through onInodeUnreferenced's forget decision — it is
// simply serialized as-is, the same inode a subsequent Lookup or takeover
// would reconstruct (§8 scenario 1).
func (m *InodeMap) preserveReferenced(n *Inode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLoadedLocked(n)
	m.unloaded[n.Ino] = &UnloadedInode{
		Parent:     n.Parent,
		Name:       n.Name,
		Unlinked:   n.unlinked,
		Mode:       n.Mode,
		ObjectID:   n.ObjectID(),
		FsRefCount: uint32(n.RefCount()),
	}
}

func (m *InodeMap) removeLoadedLocked(n *Inode) {
	delete(m.loaded, n.Ino)
	if n.Kind == KindTree {
		m.treeCount--
	} else {
		m.fileCount--
	}
}

// ForgetStaleInodes sweeps unloaded-unlinked and loaded-unlinked inodes
// for which isStale reports true (the caller decides staleness, e.g. by
// comparing last-access time against a threshold). Unloaded ones are
// dropped from the unloaded set; loaded ones have their FS refcount cleared
// so the ordinary unload path can destroy them (§4.1, §8 scenario 6). Must
// not be called on platforms without per-inode atime tracking.
func (m *InodeMap) ForgetStaleInodes(isStale func(ids.InodeNumber) bool) {
	m.mu.Lock()
	var toForget []ids.InodeNumber
	for ino, u := range m.unloaded {
		if u.Unlinked && isStale(ino) {
			toForget = append(toForget, ino)
		}
	}
	for _, ino := range toForget {
		delete(m.unloaded, ino)
	}
	var loadedStale []*Inode
	for ino, n := range m.loaded {
		if n.unlinked && isStale(ino) {
			loadedStale = append(loadedStale, n)
		}
	}
	m.mu.Unlock()

	for _, n := range loadedStale {
		n.DecRef(n.RefCount())
	}
}

// Shutdown stops new loads, walks the loaded set bottom-up, then drops the
// root's strong reference, waits for every inode to become unreferenced,
// and (if allowTakeover) serializes the remaining unloaded set. §4.1. A
// non-root inode that still carries an outstanding fs-ref-count was never
// unreferenced, so it is serialized back into the unloaded set verbatim
// with that count intact (§8 scenario 1: shutdown re-emits the same
// takeover record for an inode the kernel never forgot); only an inode
// already at zero refs goes through the ordinary destroy-or-preserve
// decision onInodeUnreferenced makes.
func (m *InodeMap) Shutdown(allowTakeover bool) []TakeoverEntry {
	m.mu.Lock()
	m.shuttingDown = true
	m.shutdownTakeover = allowTakeover
	m.shutdownDone = make(chan struct{})
	root := m.root
	m.mu.Unlock()

	// Repeatedly take a loaded non-root inode that has no loaded children
	// left, so parents are only processed once every descendant has already
	// resolved to destroyed/preserved/re-serialized; each iteration removes
	// its victim from m.loaded one way or another, so this always makes
	// progress and terminates.
	for {
		m.mu.Lock()
		victim := m.pickShutdownVictimLocked()
		m.mu.Unlock()
		if victim == nil {
			break
		}
		if victim.RefCount() > 0 {
			m.preserveReferenced(victim)
		} else {
			victim.DecRef(0)
		}
	}

	m.mu.Lock()
	_, rootStillLoaded := m.loaded[root.Ino]
	m.mu.Unlock()
	if rootStillLoaded {
		root.DecRef(root.RefCount())
	}

	m.mu.Lock()
	m.maybeCompleteShutdownLocked()
	done := m.shutdownDone
	m.mu.Unlock()
	<-done

	if !allowTakeover {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]TakeoverEntry, 0, len(m.unloaded))
	for ino, u := range m.unloaded {
		entry := TakeoverEntry{
			Ino: ino, Parent: u.Parent, Name: u.Name, Unlinked: u.Unlinked,
			Mode: u.Mode, FsRefCount: u.FsRefCount,
		}
		if u.ObjectID != nil {
			entry.HasObjectID = true
			entry.ObjectIDHex = u.ObjectID.String()
		}
		entries = append(entries, entry)
	}
	return entries
}

// maybeCompleteShutdownLocked signals shutdownDone once every loaded inode
// has been unreferenced. Must be called with m.mu held.
func (m *InodeMap) maybeCompleteShutdownLocked() {
	if !m.shuttingDown || m.shutdownDone == nil {
		return
	}
	select {
	case <-m.shutdownDone:
		return // already closed
	default:
	}
	if len(m.loaded) == 0 {
		close(m.shutdownDone)
	}
}

// Unmount marks the map as unmounted; from this point FS refcounts are
// semantically zero (§4.1).
func (m *InodeMap) Unmount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmounted = true
}
