// Package privhelper implements the length-prefixed, FD-passing protocol
// between the unprivileged daemon and its privileged mount-helper child
// process (§4.4). The wire framing here is compatibility-critical: the
// header/metadata layout must not change across versions.
package privhelper

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/edenwood/edenfs/internal/edenerr"
)

// WireVersion is the current protocol version, sent in every message
// header.
const WireVersion uint32 = 1

// MsgType enumerates the exhaustive message catalog of §4.4.
type MsgType uint32

const (
	MsgMountFUSE MsgType = iota + 1
	MsgUnmountFUSE
	MsgMountNFS
	MsgUnmountNFS
	MsgMountBind
	MsgUnmountBind
	MsgTakeoverShutdown
	MsgTakeoverStartup
	MsgSetLogFile
	MsgSetDaemonTimeout
	MsgSetUseEdenFS
	MsgRespError
)

func (t MsgType) String() string {
	switch t {
	case MsgMountFUSE:
		return "MOUNT_FUSE"
	case MsgUnmountFUSE:
		return "UNMOUNT_FUSE"
	case MsgMountNFS:
		return "MOUNT_NFS"
	case MsgUnmountNFS:
		return "UNMOUNT_NFS"
	case MsgMountBind:
		return "MOUNT_BIND"
	case MsgUnmountBind:
		return "UNMOUNT_BIND"
	case MsgTakeoverShutdown:
		return "TAKEOVER_SHUTDOWN"
	case MsgTakeoverStartup:
		return "TAKEOVER_STARTUP"
	case MsgSetLogFile:
		return "SET_LOG_FILE"
	case MsgSetDaemonTimeout:
		return "SET_DAEMON_TIMEOUT"
	case MsgSetUseEdenFS:
		return "SET_USE_EDENFS"
	case MsgRespError:
		return "RESP_ERROR"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// metadataLen is the fixed on-wire size of the {transaction-id, msg-type}
// metadata block.
const metadataLen = 8

// header is {u32 version, u32 length}; length is always metadataLen since
// the body is framed separately (see Frame).
type header struct {
	Version uint32
	Length  uint32
}

// Frame is one full message: metadata, a body already serialized into
// bytes by the caller, and zero or more ancillary FDs.
type Frame struct {
	TxnID   uint32
	Type    MsgType
	Body    []byte
	FDs     []int
}

// WriteFrame writes a Frame to fd, attaching FDs as SCM_RIGHTS ancillary
// data when present.
func WriteFrame(fd int, f Frame) error {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], WireVersion)
	binary.BigEndian.PutUint32(hdr[4:8], metadataLen)

	meta := make([]byte, metadataLen)
	binary.BigEndian.PutUint32(meta[0:4], f.TxnID)
	binary.BigEndian.PutUint32(meta[4:8], uint32(f.Type))

	bodyLen := make([]byte, 4)
	binary.BigEndian.PutUint32(bodyLen, uint32(len(f.Body)))

	payload := append(hdr, meta...)
	payload = append(payload, bodyLen...)
	payload = append(payload, f.Body...)

	var oob []byte
	if len(f.FDs) > 0 {
		oob = unix.UnixRights(f.FDs...)
	}

	n, oobn, err := unix.SendmsgN(fd, payload, oob, nil, 0)
	if err != nil {
		return edenerr.Generic("privhelper sendmsg: %v", err)
	}
	if n != len(payload) || (len(oob) > 0 && oobn != len(oob)) {
		return edenerr.Generic("privhelper sendmsg: short write")
	}
	return nil
}

// ReadFrame reads one full Frame from fd, receiving any ancillary FDs sent
// alongside it.
func ReadFrame(fd int) (Frame, error) {
	// Ancillary FDs are attached to the control message of whichever
	// recvmsg call first drains the bytes the sender passed to sendmsg;
	// since a single Frame is written in one sendmsg call but read back in
	// several recvmsg calls (header, metadata, body-length, body), FDs must
	// be accumulated across all of them rather than read off just one.
	var allFDs []int

	hdr, fds, err := readExactlyWithFDs(fd, 8)
	allFDs = append(allFDs, fds...)
	if err != nil {
		return Frame{}, err
	}
	version := binary.BigEndian.Uint32(hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	if version != WireVersion {
		return Frame{}, edenerr.Generic("privhelper: unsupported wire version %d", version)
	}
	if length != metadataLen {
		return Frame{}, edenerr.Generic("privhelper: unexpected metadata length %d", length)
	}

	meta, fds, err := readExactlyWithFDs(fd, metadataLen)
	allFDs = append(allFDs, fds...)
	if err != nil {
		return Frame{}, err
	}
	txnID := binary.BigEndian.Uint32(meta[0:4])
	msgType := MsgType(binary.BigEndian.Uint32(meta[4:8]))

	bodyLenBytes, fds, err := readExactlyWithFDs(fd, 4)
	allFDs = append(allFDs, fds...)
	if err != nil {
		return Frame{}, err
	}
	bodyLen := binary.BigEndian.Uint32(bodyLenBytes)

	var body []byte
	if bodyLen > 0 {
		body, fds, err = readExactlyWithFDs(fd, int(bodyLen))
		allFDs = append(allFDs, fds...)
		if err != nil {
			return Frame{}, err
		}
	}

	return Frame{TxnID: txnID, Type: msgType, Body: body, FDs: allFDs}, nil
}

// readExactlyWithFDs reads exactly n bytes from fd, returning any FDs
// received via SCM_RIGHTS ancillary data alongside those bytes.
func readExactlyWithFDs(fd int, n int) ([]byte, []int, error) {
	buf := make([]byte, n)
	oob := make([]byte, unix.CmsgSpace(16*4)) // room for a handful of FDs
	got := 0
	var fds []int
	for got < n {
		nr, oobn, _, _, err := unix.Recvmsg(fd, buf[got:], oob, 0)
		if err != nil {
			return nil, nil, edenerr.Generic("privhelper recvmsg: %v", err)
		}
		if nr == 0 {
			return nil, nil, io.ErrUnexpectedEOF
		}
		if oobn > 0 {
			scms, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err == nil {
				for _, scm := range scms {
					parsed, err := unix.ParseUnixRights(&scm)
					if err == nil {
						fds = append(fds, parsed...)
					}
				}
			}
		}
		got += nr
	}
	return buf, fds, nil
}
