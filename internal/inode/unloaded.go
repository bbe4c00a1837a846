package inode

import (
	"os"

	"github.com/edenwood/edenfs/internal/ids"
)

// UnloadedInode is the reconstructible record kept for an inode that has no
// memory representation (§3). fs-ref-count tracks outstanding kernel-side
// references (lookup minus forget).
type UnloadedInode struct {
	Parent       ids.InodeNumber
	Name         string
	Unlinked     bool
	Mode         os.FileMode
	ObjectID     *ids.ObjectId
	FsRefCount   uint32
	promiseQueue []chan loadResult
}

type loadResult struct {
	inode *Inode
	err   error
}
