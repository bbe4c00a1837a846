package privhelper

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/edenwood/edenfs/internal/edenerr"
)

// privHelperFD is the file descriptor number the spawned child inherits its
// end of the socketpair on (§4.4: "inheriting one end of a connected local
// socket pair"). Go can't fork a bare child sharing the parent's address
// space the way the original does, so the equivalent here is re-executing
// the same binary in a distinguished mode with the socket passed as an
// inherited fd, which os/exec's ExtraFiles does starting at fd 3.
const privHelperFD = 3

// Spawn starts the privileged helper as a child process, handing it one end
// of a freshly created socketpair, and returns a Client bound to the other
// end. argv0 and helperArgs select how the child re-execs itself into
// helper mode (e.g. this binary with a hidden subcommand).
func Spawn(argv0 string, helperArgs []string) (*Client, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, edenerr.Generic("privhelper: socketpair: %v", err)
	}
	parentFD, childFD := fds[0], fds[1]

	childFile := os.NewFile(uintptr(childFD), "privhelper-child-sock")
	defer childFile.Close()

	cmd := exec.Command(argv0, helperArgs...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		unix.Close(parentFD)
		unix.Close(childFD)
		return nil, edenerr.Generic("privhelper: spawn %s: %v", argv0, err)
	}

	return NewClient(parentFD), nil
}

// ServerSocketFD returns the fd the helper process should use to construct
// its Server, given that it was spawned via Spawn.
func ServerSocketFD() int {
	return privHelperFD
}
