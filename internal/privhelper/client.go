package privhelper

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/edenwood/edenfs/internal/edenerr"
	"github.com/edenwood/edenfs/internal/metrics"
)

// Client is the unprivileged daemon's handle onto the PrivHelper child
// process. It multiplexes concurrent requests over one socket, correlating
// responses by transaction id (§4.4, §5: "PrivHelper requests complete out
// of order; correlation is by transaction id").
type Client struct {
	fd int
	// connID is a process-lifetime identifier for this socket, distinct
	// from the wire transaction id: it has no wire representation and
	// exists purely so logs/metrics can correlate requests to the
	// connection that carried them across a helper respawn.
	connID uuid.UUID

	mu         sync.Mutex
	nextTxnID  uint32
	pending    map[uint32]chan response
	closed     bool
	sendTimeout time.Duration

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics.Registry that future calls report their
// outcome to. Optional: a nil registry (the default) disables reporting.
func (c *Client) SetMetrics(r *metrics.Registry) {
	c.mu.Lock()
	c.metrics = r
	c.mu.Unlock()
}

// ConnID returns this client's connection identifier, for log/metric
// correlation.
func (c *Client) ConnID() uuid.UUID {
	return c.connID
}

type response struct {
	frame Frame
	err   error
}

// NewClient wraps an already-connected socket fd (the parent's end of the
// socketpair used to spawn the helper).
func NewClient(fd int) *Client {
	c := &Client{
		fd:          fd,
		connID:      uuid.New(),
		nextTxnID:   1,
		pending:     make(map[uint32]chan response),
		sendTimeout: 30 * time.Second,
	}
	go c.readLoop()
	return c
}

// SetSendTimeout configures the per-operation send timeout (§5).
func (c *Client) SetSendTimeout(d time.Duration) {
	c.mu.Lock()
	c.sendTimeout = d
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		f, err := ReadFrame(c.fd)
		if err != nil {
			c.failAll(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[f.TxnID]
		if ok {
			delete(c.pending, f.TxnID)
		}
		c.mu.Unlock()
		if ok {
			ch <- response{frame: f}
		}
	}
}

// failAll fails every outstanding request with the same error (§5:
// "closing the connection fails every outstanding request with a single
// exception").
func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint32]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: err}
	}
}

// call sends a request and blocks for its matching response.
func (c *Client) call(msgType MsgType, body []byte, fds []int) (f Frame, err error) {
	c.mu.Lock()
	reg := c.metrics
	c.mu.Unlock()
	if reg != nil {
		defer func() { reg.ObserveCall(msgType.String(), err) }()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, edenerr.Generic("cannot send new requests on closed privhelper connection")
	}
	txnID := c.nextTxnID
	c.nextTxnID++
	ch := make(chan response, 1)
	c.pending[txnID] = ch
	timeout := c.sendTimeout
	c.mu.Unlock()

	if err := WriteFrame(c.fd, Frame{TxnID: txnID, Type: msgType, Body: body, FDs: fds}); err != nil {
		c.mu.Lock()
		delete(c.pending, txnID)
		c.mu.Unlock()
		return Frame{}, err
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return Frame{}, resp.err
		}
		if resp.frame.Type == MsgRespError {
			errResp, err := decodeErrorResponse(resp.frame.Body)
			if err != nil {
				return Frame{}, err
			}
			return Frame{}, errResp.asError()
		}
		return resp.frame, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, txnID)
		c.mu.Unlock()
		return Frame{}, edenerr.Generic("privhelper: request %s timed out", msgType)
	}
}

// MountFUSE requests a FUSE mount and returns the kernel channel FD handed
// back by the helper. The response must carry exactly one FD (§4.4).
func (c *Client) MountFUSE(mountPath string, readOnly bool) (*os.File, error) {
	f, err := c.call(MsgMountFUSE, MountFUSERequest{MountPath: mountPath, ReadOnly: readOnly}.encode(), nil)
	if err != nil {
		return nil, err
	}
	if len(f.FDs) != 1 {
		return nil, edenerr.Generic("privhelper: MOUNT_FUSE response carried %d FDs, expected 1", len(f.FDs))
	}
	return os.NewFile(uintptr(f.FDs[0]), mountPath), nil
}

// UnmountFUSE requests a FUSE unmount.
func (c *Client) UnmountFUSE(mountPath string) error {
	_, err := c.call(MsgUnmountFUSE, UnmountFUSERequest{MountPath: mountPath}.encode(), nil)
	return err
}

// MountNFS requests an NFS mount.
func (c *Client) MountNFS(req MountNFSRequest) error {
	_, err := c.call(MsgMountNFS, req.encode(), nil)
	return err
}

// UnmountNFS requests an NFS unmount.
func (c *Client) UnmountNFS(mountPath string) error {
	_, err := c.call(MsgUnmountNFS, UnmountNFSRequest{MountPath: mountPath}.encode(), nil)
	return err
}

// MountBind requests a bind mount; mountPath must be under a mount already
// registered with the server (§4.4).
func (c *Client) MountBind(clientPath, mountPath string) error {
	_, err := c.call(MsgMountBind, MountBindRequest{ClientPath: clientPath, MountPath: mountPath}.encode(), nil)
	return err
}

// UnmountBind requests a bind unmount.
func (c *Client) UnmountBind(mountPath string) error {
	_, err := c.call(MsgUnmountBind, UnmountBindRequest{MountPath: mountPath}.encode(), nil)
	return err
}

// TakeoverShutdown requests the helper release its ownership of a mount
// ahead of a graceful-restart takeover.
func (c *Client) TakeoverShutdown(mountPath string) error {
	_, err := c.call(MsgTakeoverShutdown, TakeoverShutdownRequest{MountPath: mountPath}.encode(), nil)
	return err
}

// TakeoverStartup re-registers a mount (and its bind mounts) with the
// helper after a graceful-restart takeover.
func (c *Client) TakeoverStartup(mountPath string, bindMounts []string) error {
	_, err := c.call(MsgTakeoverStartup, TakeoverStartupRequest{MountPath: mountPath, BindMounts: bindMounts}.encode(), nil)
	return err
}

// SetLogFile redirects the helper's log output to logFile, passed as an
// ancillary FD.
func (c *Client) SetLogFile(logFile *os.File) error {
	_, err := c.call(MsgSetLogFile, nil, []int{int(logFile.Fd())})
	return err
}

// SetDaemonTimeout informs the helper how long to wait for the daemon
// before assuming it is gone.
func (c *Client) SetDaemonTimeout(d time.Duration) error {
	_, err := c.call(MsgSetDaemonTimeout, SetDaemonTimeoutRequest{Timeout: d}.encode(), nil)
	return err
}

// SetUseEdenFS toggles a feature flag tracked by the helper.
func (c *Client) SetUseEdenFS(enabled bool) error {
	_, err := c.call(MsgSetUseEdenFS, SetUseEdenFSRequest{Enabled: enabled}.encode(), nil)
	return err
}

// Close closes the underlying socket, failing every outstanding request.
func (c *Client) Close() error {
	err := unix.Close(c.fd)
	c.failAll(edenerr.Generic("cannot send new requests on closed privhelper connection"))
	return err
}
