package inode

import "github.com/edenwood/edenfs/internal/edenerr"

// errUnknownIno is returned by lookup when the ino is in neither the loaded
// nor unloaded maps and the InodeMap is not configured to treat that as
// NFS staleness.
func errUnknownIno(ino any) error {
	return edenerr.Bug("InodeMap called with unknown inode number %v", ino)
}
