package privhelper

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/edenwood/edenfs/internal/edenerr"
)

// LinuxMounter issues raw mount(2)/umount(2) syscalls directly, the way
// the privileged helper does on Linux (it opens /dev/fuse itself rather
// than shelling out to fusermount, since it already holds the capability
// fusermount exists to avoid requiring).
type LinuxMounter struct{}

// NewPlatformMounter returns the Mounter for the running platform. Linux
// is the only one implemented today; spec.md §6 treats the other kernel
// channels (NFS-on-macOS, ProjFS-on-Windows) as out-of-scope collaborators
// with their own syscall surfaces.
func NewPlatformMounter() (Mounter, error) {
	return LinuxMounter{}, nil
}

const devFuse = "/dev/fuse"

// posixErr wraps err as an edenerr.Posix error when it carries a POSIX
// errno (the common case for unix package syscalls), falling back to a
// generic error otherwise rather than risking a panic on an unexpected
// error type.
func posixErr(err error, format string, args ...any) error {
	if e, ok := err.(unix.Errno); ok {
		return edenerr.Posix(int(e), format, args...)
	}
	return edenerr.Generic(format, args...)
}

// MountFUSE opens /dev/fuse and mounts it at mountPath, returning the
// opened fd for the kernel channel driver to take ownership of.
func (LinuxMounter) MountFUSE(mountPath string, readOnly bool) (int, error) {
	fd, err := unix.Open(devFuse, unix.O_RDWR, 0)
	if err != nil {
		return -1, posixErr(err, "open %s: %v", devFuse, err)
	}

	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV)
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	opts := fmt.Sprintf("fd=%d,rootmode=40000,user_id=%d,group_id=%d,allow_other", fd, os.Getuid(), os.Getgid())

	if err := unix.Mount("edenfs", mountPath, "fuse", flags, opts); err != nil {
		unix.Close(fd)
		return -1, posixErr(err, "mount fuse at %s: %v", mountPath, err)
	}
	return fd, nil
}

// UnmountFUSE force-unmounts a FUSE mount.
func (LinuxMounter) UnmountFUSE(mountPath string) error {
	if err := unix.Unmount(mountPath, unix.MNT_FORCE); err != nil {
		return posixErr(err, "unmount %s: %v", mountPath, err)
	}
	return nil
}

// MountNFS mounts an NFS client pointed at the daemon's loopback nfsd.
func (LinuxMounter) MountNFS(req MountNFSRequest) error {
	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV)
	if req.ReadOnly {
		flags |= unix.MS_RDONLY
	}
	opts := fmt.Sprintf("addr=%s,mountaddr=%s,rsize=%d,wsize=%d,vers=3,tcp",
		req.NfsdAddr, req.MountdAddr, req.IoSize, req.IoSize)
	if req.UseReaddirplus {
		opts += ",readdirplus"
	} else {
		opts += ",noreaddirplus"
	}
	if err := unix.Mount("edenfs", req.MountPath, "nfs", flags, opts); err != nil {
		return posixErr(err, "mount nfs at %s: %v", req.MountPath, err)
	}
	return nil
}

// UnmountNFS force-unmounts an NFS mount.
func (LinuxMounter) UnmountNFS(mountPath string) error {
	if err := unix.Unmount(mountPath, unix.MNT_FORCE); err != nil {
		return posixErr(err, "unmount %s: %v", mountPath, err)
	}
	return nil
}

// MountBind bind-mounts clientPath onto mountPath (MS_BIND).
func (LinuxMounter) MountBind(clientPath, mountPath string) error {
	if err := unix.Mount(clientPath, mountPath, "", unix.MS_BIND, ""); err != nil {
		return posixErr(err, "bind mount %s -> %s: %v", clientPath, mountPath, err)
	}
	return nil
}

// UnmountBind force-unmounts a bind mount.
func (LinuxMounter) UnmountBind(mountPath string) error {
	if err := unix.Unmount(mountPath, unix.MNT_FORCE); err != nil {
		return posixErr(err, "unmount bind %s: %v", mountPath, err)
	}
	return nil
}
