package privhelper

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/edenwood/edenfs/internal/edenerr"
	"github.com/edenwood/edenfs/internal/logger"
)

// Mounter abstracts the platform mount syscalls so Server's dispatch and
// sanity-check logic is testable without root privileges.
type Mounter interface {
	MountFUSE(mountPath string, readOnly bool) (fuseFD int, err error)
	UnmountFUSE(mountPath string) error
	MountNFS(req MountNFSRequest) error
	UnmountNFS(mountPath string) error
	MountBind(clientPath, mountPath string) error
	UnmountBind(mountPath string) error
}

// allowedFilesystemTypes is the allowlist of filesystem types judged safe
// to bind/overlay mount under (§4.4 step 3). bind-mounting onto an
// arbitrary remote or pseudo filesystem is refused.
var allowedFilesystemTypes = map[string]bool{
	"ext2": true, "ext3": true, "ext4": true,
	"xfs": true, "btrfs": true, "tmpfs": true, "overlay": true,
}

// Server is the privileged side of the PrivHelper protocol (§4.4). It runs
// a single-threaded dispatch loop over one connected socket, tracking every
// mount it has registered so unmount/bind requests can be validated against
// it.
type Server struct {
	fd      int
	mounter Mounter
	log     *slog.Logger

	mu       sync.Mutex
	mounts   map[string]bool // registered top-level mounts
	binds    map[string]bool // registered bind mounts, keyed by mount path
}

// NewServer constructs a Server bound to fd (the child's end of the
// socketpair).
func NewServer(fd int, mounter Mounter, log *slog.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		fd:      fd,
		mounter: mounter,
		log:     log,
		mounts:  make(map[string]bool),
		binds:   make(map[string]bool),
	}
}

// Run ignores SIGINT/SIGTERM (§4.4 step 1: lifecycle follows the parent's
// socket, not signals) and dispatches messages until the connection is
// closed, at which point it attempts to unmount everything it registered.
func (s *Server) Run() error {
	ignoreSignals()

	for {
		f, err := ReadFrame(s.fd)
		if err != nil {
			s.unmountAllOnEOF()
			return err
		}
		s.dispatch(f)
	}
}

func (s *Server) dispatch(f Frame) {
	resp, respErr := s.handle(f)
	if respErr != nil {
		s.respondError(f.TxnID, respErr)
		return
	}
	if err := WriteFrame(s.fd, Frame{TxnID: f.TxnID, Type: f.Type, Body: resp.Body, FDs: resp.FDs}); err != nil {
		s.log.Error("privhelper: failed to write response", "txn", f.TxnID, "error", err)
	}
}

// respondError serializes any dispatch error as RESP_ERROR (§4.4: "any
// exception during dispatch is serialized as RESP_ERROR with remote type
// name, message, and an errno if the source was a system error").
func (s *Server) respondError(txnID uint32, err error) {
	resp := ErrorResponse{RemoteType: "GenericError", Message: err.Error()}
	if ee, ok := err.(*edenerr.Error); ok {
		resp.RemoteType = ee.Kind.String()
		resp.Message = ee.Message
		if ee.Errno != 0 {
			resp.HasErrno = true
			resp.Errno = int32(ee.Errno)
		}
	}
	if werr := WriteFrame(s.fd, Frame{TxnID: txnID, Type: MsgRespError, Body: resp.encode()}); werr != nil {
		s.log.Error("privhelper: failed to write error response", "txn", txnID, "error", werr)
	}
}

type handlerResult struct {
	Body []byte
	FDs  []int
}

func (s *Server) handle(f Frame) (handlerResult, error) {
	switch f.Type {
	case MsgMountFUSE:
		req, err := decodeMountFUSERequest(f.Body)
		if err != nil {
			return handlerResult{}, err
		}
		return s.handleMountFUSE(req)
	case MsgUnmountFUSE:
		req, err := decodeUnmountFUSERequest(f.Body)
		if err != nil {
			return handlerResult{}, err
		}
		return handlerResult{}, s.handleUnmountFUSE(req)
	case MsgMountNFS:
		req, err := decodeMountNFSRequest(f.Body)
		if err != nil {
			return handlerResult{}, err
		}
		return handlerResult{}, s.handleMountNFS(req)
	case MsgUnmountNFS:
		req, err := decodeUnmountNFSRequest(f.Body)
		if err != nil {
			return handlerResult{}, err
		}
		return handlerResult{}, s.handleUnmountNFS(req)
	case MsgMountBind:
		req, err := decodeMountBindRequest(f.Body)
		if err != nil {
			return handlerResult{}, err
		}
		return handlerResult{}, s.handleMountBind(req)
	case MsgUnmountBind:
		req, err := decodeUnmountBindRequest(f.Body)
		if err != nil {
			return handlerResult{}, err
		}
		return handlerResult{}, s.handleUnmountBind(req)
	case MsgTakeoverShutdown:
		req, err := decodeTakeoverShutdownRequest(f.Body)
		if err != nil {
			return handlerResult{}, err
		}
		s.mu.Lock()
		delete(s.mounts, req.MountPath)
		s.mu.Unlock()
		return handlerResult{}, nil
	case MsgTakeoverStartup:
		req, err := decodeTakeoverStartupRequest(f.Body)
		if err != nil {
			return handlerResult{}, err
		}
		s.mu.Lock()
		s.mounts[req.MountPath] = true
		for _, bm := range req.BindMounts {
			s.binds[bm] = true
		}
		s.mu.Unlock()
		return handlerResult{}, nil
	case MsgSetLogFile:
		if len(f.FDs) != 1 {
			return handlerResult{}, edenerr.Generic("SET_LOG_FILE requires exactly one FD, got %d", len(f.FDs))
		}
		logFile := os.NewFile(uintptr(f.FDs[0]), "privhelper-log")
		s.log = slog.New(slog.NewTextHandler(logFile, nil))
		return handlerResult{}, nil
	case MsgSetDaemonTimeout, MsgSetUseEdenFS:
		return handlerResult{}, nil
	default:
		return handlerResult{}, edenerr.Generic("privhelper: unknown message type %v", f.Type)
	}
}

func (s *Server) handleMountFUSE(req MountFUSERequest) (handlerResult, error) {
	if err := s.sanityCheckMountPath(req.MountPath); err != nil {
		return handlerResult{}, err
	}
	fd, err := s.mounter.MountFUSE(req.MountPath, req.ReadOnly)
	if err != nil {
		return handlerResult{}, err
	}
	s.mu.Lock()
	s.mounts[req.MountPath] = true
	s.mu.Unlock()
	return handlerResult{FDs: []int{fd}}, nil
}

func (s *Server) handleUnmountFUSE(req UnmountFUSERequest) error {
	if err := s.requireRegistered(req.MountPath); err != nil {
		return err
	}
	if err := s.mounter.UnmountFUSE(req.MountPath); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.mounts, req.MountPath)
	s.mu.Unlock()
	return nil
}

func (s *Server) handleMountNFS(req MountNFSRequest) error {
	if err := s.sanityCheckMountPath(req.MountPath); err != nil {
		return err
	}
	if err := s.mounter.MountNFS(req); err != nil {
		return err
	}
	s.mu.Lock()
	s.mounts[req.MountPath] = true
	s.mu.Unlock()
	return nil
}

func (s *Server) handleUnmountNFS(req UnmountNFSRequest) error {
	if err := s.requireRegistered(req.MountPath); err != nil {
		return err
	}
	if err := s.mounter.UnmountNFS(req.MountPath); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.mounts, req.MountPath)
	s.mu.Unlock()
	return nil
}

func (s *Server) handleMountBind(req MountBindRequest) error {
	if !s.isUnderKnownMount(req.MountPath) {
		return edenerr.Generic("privhelper: bind mount %s is not under a registered mount", req.MountPath)
	}
	if err := s.mounter.MountBind(req.ClientPath, req.MountPath); err != nil {
		return err
	}
	s.mu.Lock()
	s.binds[req.MountPath] = true
	s.mu.Unlock()
	return nil
}

func (s *Server) handleUnmountBind(req UnmountBindRequest) error {
	s.mu.Lock()
	_, ok := s.binds[req.MountPath]
	s.mu.Unlock()
	if !ok {
		return edenerr.Generic("privhelper: bind mount %s was not registered", req.MountPath)
	}
	if err := s.mounter.UnmountBind(req.MountPath); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.binds, req.MountPath)
	s.mu.Unlock()
	return nil
}

func (s *Server) requireRegistered(mountPath string) error {
	s.mu.Lock()
	_, ok := s.mounts[mountPath]
	s.mu.Unlock()
	if !ok {
		return edenerr.Generic("privhelper: mount %s was not registered with this server", mountPath)
	}
	return nil
}

func (s *Server) isUnderKnownMount(mountPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for m := range s.mounts {
		if mountPath == m || strings.HasPrefix(mountPath, filepath.Clean(m)+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// sanityCheckMountPath implements §4.4 step 3: the requesting user must
// have write access, the path must be a directory the user owns, the
// filesystem type must be allowlisted, and a stale pre-existing mount by
// this daemon must be force-unmounted first.
func (s *Server) sanityCheckMountPath(mountPath string) error {
	info, err := os.Stat(mountPath)
	if err != nil {
		return edenerr.Posix(int(errnoOf(err)), "stat mount path %s: %v", mountPath, err)
	}
	if !info.IsDir() {
		return edenerr.Generic("mount path %s is not a directory", mountPath)
	}
	if err := unix.Access(mountPath, unix.W_OK); err != nil {
		return edenerr.Posix(int(errnoOf(err)), "mount path %s is not writable", mountPath)
	}

	var st unix.Stat_t
	if err := unix.Stat(mountPath, &st); err != nil {
		return edenerr.Posix(int(errnoOf(err)), "stat mount path %s: %v", mountPath, err)
	}
	if st.Uid != uint32(os.Geteuid()) {
		return edenerr.Generic("mount path %s is not owned by the requesting user", mountPath)
	}

	if stale, err := detectStaleMount(mountPath); err != nil {
		return err
	} else if stale {
		s.log.Warn("force-unmounting stale mount", "path", mountPath)
		if err := forceUnmount(mountPath); err != nil {
			return err
		}
	}

	return checkFilesystemTypeAllowed(mountPath)
}

func errnoOf(err error) unix.Errno {
	if e, ok := err.(*os.PathError); ok {
		if errno, ok := e.Err.(unix.Errno); ok {
			return errno
		}
	}
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return 0
}

// detectStaleMount reports whether mountPath is a leftover FUSE mount from
// a previous instance of this daemon: the kernel returns ENOTCONN on stat
// and /proc/mounts still lists the mount. This heuristic is inherently
// approximate — see DESIGN.md's Open Question decision on matching by the
// "edenfs" mount-source substring (the source LinuxMounter mounts with).
func detectStaleMount(mountPath string) (bool, error) {
	var st unix.Stat_t
	err := unix.Stat(mountPath, &st)
	if err == nil {
		return false, nil
	}
	if err != unix.ENOTCONN {
		return false, nil
	}

	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false, nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] == mountPath && strings.Contains(fields[0], "edenfs") {
			return true, nil
		}
	}
	return false, nil
}

func forceUnmount(mountPath string) error {
	if err := unix.Unmount(mountPath, unix.MNT_FORCE); err != nil {
		return edenerr.Posix(int(errnoOf(err)), "force-unmount stale mount %s: %v", mountPath, err)
	}
	return nil
}

// checkFilesystemTypeAllowed resolves the filesystem type backing the
// directory mountPath will overlay and rejects anything outside the
// allowlist (§4.4 step 3). The underlying filesystem, not the about-to-be
// mounted one, is what matters here.
func checkFilesystemTypeAllowed(mountPath string) error {
	fsType, err := lookupFSTypeFromProcMounts(mountPath)
	if err != nil {
		return err
	}
	if fsType != "" && !allowedFilesystemTypes[fsType] {
		return edenerr.Generic("mount path %s has disallowed filesystem type %q", mountPath, fsType)
	}
	return nil
}

// lookupFSTypeFromProcMounts finds the longest /proc/mounts mount-point
// prefix of path and returns its filesystem type, or "" if none matches
// (in which case the allowlist check is skipped rather than failing
// closed against an environment without /proc/mounts).
func lookupFSTypeFromProcMounts(path string) (string, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return "", nil
	}
	best := ""
	bestType := ""
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mp := fields[1]
		if (path == mp || strings.HasPrefix(path, mp+string(filepath.Separator))) && len(mp) > len(best) {
			best = mp
			bestType = fields[2]
		}
	}
	return bestType, nil
}

// unmountAllOnEOF implements §4.4 step 6: on socket EOF, attempt to unmount
// every registered mount before exiting.
func (s *Server) unmountAllOnEOF() {
	s.mu.Lock()
	mounts := make([]string, 0, len(s.mounts))
	for m := range s.mounts {
		mounts = append(mounts, m)
	}
	s.mu.Unlock()

	for _, m := range mounts {
		if err := s.mounter.UnmountFUSE(m); err != nil {
			s.log.Error("privhelper: failed to unmount on EOF", "path", m, "error", err)
		}
	}
}

func ignoreSignals() {
	// Ties this process's lifecycle to the parent's socket rather than to
	// signal delivery (§4.4 step 1): the parent closes the socket to tear
	// the helper down.
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
}
