package privhelper

import (
	"encoding/binary"
	"time"

	"github.com/edenwood/edenfs/internal/edenerr"
)

// Each request struct below encodes/decodes its MsgType's body in the
// order listed in §4.4's message table: length-prefixed strings, then
// fixed-width fields.

func putString(buf []byte, s string) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(s)))
	buf = append(buf, lenBuf...)
	return append(buf, s...)
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, edenerr.Generic("privhelper: truncated string length")
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, edenerr.Generic("privhelper: truncated string body")
	}
	return string(buf[:n]), buf[n:], nil
}

func putBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func getBool(buf []byte) (bool, []byte, error) {
	if len(buf) < 1 {
		return false, nil, edenerr.Generic("privhelper: truncated bool")
	}
	return buf[0] != 0, buf[1:], nil
}

func putUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(buf, b...)
}

func getUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, edenerr.Generic("privhelper: truncated uint32")
	}
	return binary.BigEndian.Uint32(buf[0:4]), buf[4:], nil
}

func putUint64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return append(buf, b...)
}

func getUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, edenerr.Generic("privhelper: truncated uint64")
	}
	return binary.BigEndian.Uint64(buf[0:8]), buf[8:], nil
}

// MountFUSERequest is MOUNT_FUSE's body.
type MountFUSERequest struct {
	MountPath string
	ReadOnly  bool
}

func (r MountFUSERequest) encode() []byte {
	buf := putString(nil, r.MountPath)
	return putBool(buf, r.ReadOnly)
}

func decodeMountFUSERequest(body []byte) (MountFUSERequest, error) {
	path, rest, err := getString(body)
	if err != nil {
		return MountFUSERequest{}, err
	}
	ro, _, err := getBool(rest)
	if err != nil {
		return MountFUSERequest{}, err
	}
	return MountFUSERequest{MountPath: path, ReadOnly: ro}, nil
}

// UnmountFUSERequest is UNMOUNT_FUSE's body.
type UnmountFUSERequest struct {
	MountPath string
}

func (r UnmountFUSERequest) encode() []byte {
	return putString(nil, r.MountPath)
}

func decodeUnmountFUSERequest(body []byte) (UnmountFUSERequest, error) {
	path, _, err := getString(body)
	if err != nil {
		return UnmountFUSERequest{}, err
	}
	return UnmountFUSERequest{MountPath: path}, nil
}

// MountNFSRequest is MOUNT_NFS's body.
type MountNFSRequest struct {
	MountPath       string
	MountdAddr      string
	NfsdAddr        string
	ReadOnly        bool
	IoSize          uint32
	UseReaddirplus  bool
}

func (r MountNFSRequest) encode() []byte {
	buf := putString(nil, r.MountPath)
	buf = putString(buf, r.MountdAddr)
	buf = putString(buf, r.NfsdAddr)
	buf = putBool(buf, r.ReadOnly)
	buf = putUint32(buf, r.IoSize)
	return putBool(buf, r.UseReaddirplus)
}

func decodeMountNFSRequest(body []byte) (MountNFSRequest, error) {
	var r MountNFSRequest
	var rest []byte
	var err error
	if r.MountPath, rest, err = getString(body); err != nil {
		return r, err
	}
	if r.MountdAddr, rest, err = getString(rest); err != nil {
		return r, err
	}
	if r.NfsdAddr, rest, err = getString(rest); err != nil {
		return r, err
	}
	if r.ReadOnly, rest, err = getBool(rest); err != nil {
		return r, err
	}
	if r.IoSize, rest, err = getUint32(rest); err != nil {
		return r, err
	}
	if r.UseReaddirplus, _, err = getBool(rest); err != nil {
		return r, err
	}
	return r, nil
}

// UnmountNFSRequest is UNMOUNT_NFS's body.
type UnmountNFSRequest struct {
	MountPath string
}

func (r UnmountNFSRequest) encode() []byte { return putString(nil, r.MountPath) }

func decodeUnmountNFSRequest(body []byte) (UnmountNFSRequest, error) {
	path, _, err := getString(body)
	return UnmountNFSRequest{MountPath: path}, err
}

// MountBindRequest is MOUNT_BIND's body.
type MountBindRequest struct {
	ClientPath string
	MountPath  string
}

func (r MountBindRequest) encode() []byte {
	buf := putString(nil, r.ClientPath)
	return putString(buf, r.MountPath)
}

func decodeMountBindRequest(body []byte) (MountBindRequest, error) {
	clientPath, rest, err := getString(body)
	if err != nil {
		return MountBindRequest{}, err
	}
	mountPath, _, err := getString(rest)
	if err != nil {
		return MountBindRequest{}, err
	}
	return MountBindRequest{ClientPath: clientPath, MountPath: mountPath}, nil
}

// UnmountBindRequest is UNMOUNT_BIND's body.
type UnmountBindRequest struct {
	MountPath string
}

func (r UnmountBindRequest) encode() []byte { return putString(nil, r.MountPath) }

func decodeUnmountBindRequest(body []byte) (UnmountBindRequest, error) {
	path, _, err := getString(body)
	return UnmountBindRequest{MountPath: path}, err
}

// TakeoverShutdownRequest is TAKEOVER_SHUTDOWN's body.
type TakeoverShutdownRequest struct {
	MountPath string
}

func (r TakeoverShutdownRequest) encode() []byte { return putString(nil, r.MountPath) }

func decodeTakeoverShutdownRequest(body []byte) (TakeoverShutdownRequest, error) {
	path, _, err := getString(body)
	return TakeoverShutdownRequest{MountPath: path}, err
}

// TakeoverStartupRequest is TAKEOVER_STARTUP's body.
type TakeoverStartupRequest struct {
	MountPath  string
	BindMounts []string
}

func (r TakeoverStartupRequest) encode() []byte {
	buf := putString(nil, r.MountPath)
	buf = putUint32(buf, uint32(len(r.BindMounts)))
	for _, bm := range r.BindMounts {
		buf = putString(buf, bm)
	}
	return buf
}

func decodeTakeoverStartupRequest(body []byte) (TakeoverStartupRequest, error) {
	var r TakeoverStartupRequest
	path, rest, err := getString(body)
	if err != nil {
		return r, err
	}
	r.MountPath = path
	count, rest2, err := getUint32(rest)
	if err != nil {
		return r, err
	}
	rest = rest2
	for i := uint32(0); i < count; i++ {
		bm, next, err := getString(rest)
		if err != nil {
			return r, err
		}
		r.BindMounts = append(r.BindMounts, bm)
		rest = next
	}
	return r, nil
}

// SetDaemonTimeoutRequest is SET_DAEMON_TIMEOUT's body.
type SetDaemonTimeoutRequest struct {
	Timeout time.Duration
}

func (r SetDaemonTimeoutRequest) encode() []byte {
	return putUint64(nil, uint64(r.Timeout.Nanoseconds()))
}

func decodeSetDaemonTimeoutRequest(body []byte) (SetDaemonTimeoutRequest, error) {
	ns, _, err := getUint64(body)
	if err != nil {
		return SetDaemonTimeoutRequest{}, err
	}
	return SetDaemonTimeoutRequest{Timeout: time.Duration(ns)}, nil
}

// SetUseEdenFSRequest is SET_USE_EDENFS's body.
type SetUseEdenFSRequest struct {
	Enabled bool
}

func (r SetUseEdenFSRequest) encode() []byte { return putBool(nil, r.Enabled) }

func decodeSetUseEdenFSRequest(body []byte) (SetUseEdenFSRequest, error) {
	v, _, err := getBool(body)
	return SetUseEdenFSRequest{Enabled: v}, err
}

// ErrorResponse is RESP_ERROR's body.
type ErrorResponse struct {
	RemoteType string
	Message    string
	HasErrno   bool
	Errno      int32
}

func (r ErrorResponse) encode() []byte {
	buf := putString(nil, r.RemoteType)
	buf = putString(buf, r.Message)
	buf = putBool(buf, r.HasErrno)
	if r.HasErrno {
		buf = putUint32(buf, uint32(r.Errno))
	}
	return buf
}

func decodeErrorResponse(body []byte) (ErrorResponse, error) {
	var r ErrorResponse
	var rest []byte
	var err error
	if r.RemoteType, rest, err = getString(body); err != nil {
		return r, err
	}
	if r.Message, rest, err = getString(rest); err != nil {
		return r, err
	}
	if r.HasErrno, rest, err = getBool(rest); err != nil {
		return r, err
	}
	if r.HasErrno {
		var v uint32
		if v, _, err = getUint32(rest); err != nil {
			return r, err
		}
		r.Errno = int32(v)
	}
	return r, nil
}

func (r ErrorResponse) asError() *edenerr.Error {
	if r.HasErrno {
		return edenerr.Posix(int(r.Errno), "%s: %s", r.RemoteType, r.Message)
	}
	return edenerr.Generic("%s: %s", r.RemoteType, r.Message)
}
