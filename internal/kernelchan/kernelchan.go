// Package kernelchan adapts this daemon's InodeMap (internal/inode) onto
// the kernel channel file system contract spec.md §6 calls an
// out-of-scope collaborator: the actual FUSE/NFS request loop. It
// converts between this daemon's ids.InodeNumber and
// github.com/jacobsa/fuse/fuseops.InodeID and implements the subset of
// fuseutil.FileSystem operations that only need InodeMap/Overlay state,
// grounded on gcsfuse's own fileSystem type composing its inode table
// behind fuseutil.FileSystem (fuseutil/samples/hello_fs.go shows the same
// embed-and-implement shape this package follows for Dispatcher).
package kernelchan

import (
	"context"
	"os"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/edenwood/edenfs/internal/ids"
	"github.com/edenwood/edenfs/internal/inode"
)

// ToFuseIno converts this daemon's inode number to the kernel channel's
// identifier type. Both are 64-bit and share the same root value (1), so
// the conversion is a plain reinterpretation.
func ToFuseIno(ino ids.InodeNumber) fuseops.InodeID {
	return fuseops.InodeID(ino)
}

// FromFuseIno is ToFuseIno's inverse.
func FromFuseIno(id fuseops.InodeID) ids.InodeNumber {
	return ids.InodeNumber(id)
}

func init() {
	// fuseops.RootInodeID and ids.RootInode must agree, or every mount
	// would start out looking up the wrong root.
	if fuseops.InodeID(ids.RootInode) != fuseops.RootInodeID {
		panic("kernelchan: ids.RootInode does not match fuseops.RootInodeID")
	}
}

// Dispatcher is the contract this package's FileSystem implementation
// needs from the rest of the daemon: just enough of InodeMap to answer
// LookUpInode/GetInodeAttributes/ForgetInode, the three calls this adapter
// implements.
type Dispatcher interface {
	Lookup(ino ids.InodeNumber) (*inode.Inode, error)
	DecFsRefcount(ino ids.InodeNumber, n uint32) error
}

// FileSystem is a thin fuseutil.FileSystem-shaped adapter: it does not
// implement the full interface (spec.md places the kernel channel loop
// itself out of scope), only the lookup/attribute/forget operations that
// exercise InodeMap, so that a real kernel-channel binding can embed this
// type and fill in the I/O-heavy methods (Read/Write/ReadDir content)
// against internal/overlay directly.
type FileSystem struct {
	Disp Dispatcher
}

// LookUpInode resolves (parent, name) by walking the parent's children
// through the Dispatcher; name resolution itself is InodeMap's concern
// (via the Loader a real binding installs), not this adapter's.
func (fs *FileSystem) LookUpInode(_ context.Context, parentID fuseops.InodeID, name string) (fuseops.ChildInodeEntry, error) {
	parent, err := fs.Disp.Lookup(FromFuseIno(parentID))
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	entry, ok := parent.Children()[name]
	if !ok {
		return fuseops.ChildInodeEntry{}, os.ErrNotExist
	}
	child, err := fs.Disp.Lookup(entry.Ino)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	// Resolving a lookup hands the kernel a new reference on child (§3,
	// §4.1's fs-ref-count is the lookup/forget delta); ForgetInode below
	// is what brings it back down via DecFsRefcount.
	child.IncRef()
	return fuseops.ChildInodeEntry{
		Child:      ToFuseIno(entry.Ino),
		Attributes: toFuseAttrs(child.Attributes()),
	}, nil
}

// GetInodeAttributes reports an inode's attributes to the kernel channel.
func (fs *FileSystem) GetInodeAttributes(_ context.Context, ino fuseops.InodeID) (fuseops.InodeAttributes, error) {
	n, err := fs.Disp.Lookup(FromFuseIno(ino))
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return toFuseAttrs(n.Attributes()), nil
}

// ForgetInode decrements the kernel's reference count on ino (§4.1's
// decFsRefcount), the call every kernel channel issues when the kernel's
// dentry cache evicts an entry.
func (fs *FileSystem) ForgetInode(_ context.Context, ino fuseops.InodeID, n uint64) error {
	return fs.Disp.DecFsRefcount(FromFuseIno(ino), uint32(n))
}

func toFuseAttrs(a inode.Attributes) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: 1,
		Mode:  a.Mode,
	}
}
