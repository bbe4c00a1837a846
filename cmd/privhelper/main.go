// Command privhelper is the privileged helper process spec.md §4.4
// describes: it owns the raw mount/unmount syscalls on behalf of the
// unprivileged edenfsd, speaking the length-prefixed framed protocol over
// the socket fd it inherits from its parent (internal/privhelper.Spawn
// re-execs edenfsd itself into this mode, passing the child end of a
// socketpair via os/exec's ExtraFiles, since Go cannot fork a bare child
// sharing the parent's address space the way the original process model
// does).
package main

import (
	"fmt"
	"os"

	"github.com/edenwood/edenfs/internal/privhelper"
)

func main() {
	mounter, err := privhelper.NewPlatformMounter()
	if err != nil {
		fmt.Fprintln(os.Stderr, "privhelper: unsupported platform:", err)
		os.Exit(1)
	}

	srv := privhelper.NewServer(privhelper.ServerSocketFD(), mounter, nil)
	if err := srv.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "privhelper: run:", err)
		os.Exit(1)
	}
}
