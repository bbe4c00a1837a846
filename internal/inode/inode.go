// Package inode implements the InodeMap (§4.1) and the Inode variant types
// (§3): the single source of truth for the set of live inodes in a mount,
// their identity, lifecycle, and revival across materialization boundaries.
package inode

import (
	"os"

	"github.com/edenwood/edenfs/internal/ids"
)

// Kind distinguishes the two Inode variants. Per DESIGN.md this is modeled
// as a tagged variant with a small capability set, not an interface
// hierarchy, matching spec.md §9's explicit re-architecture note against
// virtual dispatch on Tree vs File.
type Kind int

const (
	KindTree Kind = iota
	KindFile
)

// DirEntry is one child slot of a materialized Tree's listing.
type DirEntry struct {
	Ino  ids.InodeNumber
	Mode os.FileMode
	// ObjectId is nil when the child itself is materialized (its content
	// lives in the Overlay, not derivable from the object store).
	ObjectId *ids.ObjectId
}

// Attributes are the subset of POSIX metadata the inode engine tracks
// itself; everything else (timestamps, UID/GID defaults) is applied by the
// kernel-channel layer when translating to the platform's attribute struct.
type Attributes struct {
	Mode os.FileMode
	Size uint64
}

// Inode is the in-memory representation of a Tree or a File, per §3. The
// tagged-variant fields below are only valid for the matching Kind; callers
// branch on Kind before touching them, mirroring the capability set
// (getAttr/read/readDir/lookupChild) spec.md §9 calls for instead of
// inheritance.
type Inode struct {
	Ino    ids.InodeNumber
	Parent ids.InodeNumber
	Name   string
	Kind   Kind
	Mode   os.FileMode

	// Tree fields.
	treeMaterialized bool
	treeObjectId     *ids.ObjectId
	children         map[string]DirEntry

	// File fields.
	fileMaterialized bool
	fileObjectId     *ids.ObjectId
	fileContent      []byte

	// refs is the strong kernel-facing reference count: the lookup/forget
	// delta. Decrementing to zero triggers InodeMap.onInodeUnreferenced.
	refs uint64

	// unlinked is true iff no materialized ancestor contains this inode by
	// name (invariant I3).
	unlinked bool

	unref func(*Inode)
}

// NewTree constructs a non-materialized Tree inode backed by objectID.
func NewTree(ino, parent ids.InodeNumber, name string, mode os.FileMode, objectID *ids.ObjectId) *Inode {
	return &Inode{
		Ino: ino, Parent: parent, Name: name, Kind: KindTree, Mode: mode,
		treeObjectId: objectID,
	}
}

// NewMaterializedTree constructs a materialized Tree inode with an explicit
// child listing.
func NewMaterializedTree(ino, parent ids.InodeNumber, name string, mode os.FileMode, children map[string]DirEntry) *Inode {
	if children == nil {
		children = map[string]DirEntry{}
	}
	return &Inode{
		Ino: ino, Parent: parent, Name: name, Kind: KindTree, Mode: mode,
		treeMaterialized: true, children: children,
	}
}

// NewFile constructs a clean File inode addressable by objectID.
func NewFile(ino, parent ids.InodeNumber, name string, mode os.FileMode, objectID *ids.ObjectId) *Inode {
	return &Inode{
		Ino: ino, Parent: parent, Name: name, Kind: KindFile, Mode: mode,
		fileObjectId: objectID,
	}
}

// NewMaterializedFile constructs a materialized File inode owning content.
func NewMaterializedFile(ino, parent ids.InodeNumber, name string, mode os.FileMode, content []byte) *Inode {
	return &Inode{
		Ino: ino, Parent: parent, Name: name, Kind: KindFile, Mode: mode,
		fileMaterialized: true, fileContent: content,
	}
}

// Materialized reports whether this inode's content/listing lives in the
// Overlay rather than being derivable from the object store (invariant I2).
func (n *Inode) Materialized() bool {
	if n.Kind == KindTree {
		return n.treeMaterialized
	}
	return n.fileMaterialized
}

// ObjectID returns the backing object-store id, or nil if materialized.
func (n *Inode) ObjectID() *ids.ObjectId {
	if n.Kind == KindTree {
		return n.treeObjectId
	}
	return n.fileObjectId
}

// Unlinked reports invariant I3.
func (n *Inode) Unlinked() bool {
	return n.unlinked
}

// Children returns the listing of a materialized Tree. Callers must hold
// the owning InodeMap's lock or otherwise serialize access; InodeMap is the
// only writer.
func (n *Inode) Children() map[string]DirEntry {
	return n.children
}

// SetChild installs or overwrites a child entry of a materialized Tree,
// marking it materialized if it was not already (a Tree becomes
// materialized the moment its listing is recorded in the Overlay).
func (n *Inode) SetChild(name string, entry DirEntry) {
	if n.children == nil {
		n.children = map[string]DirEntry{}
	}
	n.treeMaterialized = true
	n.children[name] = entry
}

// RemoveChild deletes a child entry from a materialized Tree's listing.
func (n *Inode) RemoveChild(name string) {
	delete(n.children, name)
}

// FileContent returns a materialized file's bytes.
func (n *Inode) FileContent() []byte {
	return n.fileContent
}

// SetFileContent materializes file content.
func (n *Inode) SetFileContent(content []byte) {
	n.fileMaterialized = true
	n.fileContent = content
}

// Attributes returns the inode's POSIX attributes.
func (n *Inode) Attributes() Attributes {
	size := uint64(0)
	if n.Kind == KindFile {
		size = uint64(len(n.fileContent))
	}
	return Attributes{Mode: n.Mode, Size: size}
}

// IncRef increments the kernel-facing strong reference count.
func (n *Inode) IncRef() {
	n.refs++
}

// DecRef decrements the reference count by count and, if it reaches zero,
// invokes the InodeMap's unreferenced callback. Mirrors
// fs/inode/lookup_count.go's DecrementLookupCount contract; a count
// exceeding the current refcount clamps it to zero rather than
// underflowing, and no error is reported.
func (n *Inode) DecRef(count uint64) (destroyed bool) {
	if count > n.refs {
		n.refs = 0
	} else {
		n.refs -= count
	}
	if n.refs == 0 && n.unref != nil {
		n.unref(n)
		return true
	}
	return false
}

// RefCount returns the current strong reference count.
func (n *Inode) RefCount() uint64 {
	return n.refs
}
