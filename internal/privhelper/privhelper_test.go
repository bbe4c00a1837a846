package privhelper

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeMounter records calls instead of touching the real mount table, so
// dispatch logic is testable without root.
type fakeMounter struct {
	mountFUSECalls   []string
	unmountFUSECalls []string
	bindCalls        []string
	fuseFD           int
	failNextMount    bool
}

func (m *fakeMounter) MountFUSE(mountPath string, readOnly bool) (int, error) {
	if m.failNextMount {
		return -1, assertErr("synthetic mount failure")
	}
	m.mountFUSECalls = append(m.mountFUSECalls, mountPath)
	return m.fuseFD, nil
}

func (m *fakeMounter) UnmountFUSE(mountPath string) error {
	m.unmountFUSECalls = append(m.unmountFUSECalls, mountPath)
	return nil
}

func (m *fakeMounter) MountNFS(req MountNFSRequest) error { return nil }
func (m *fakeMounter) UnmountNFS(mountPath string) error  { return nil }

func (m *fakeMounter) MountBind(clientPath, mountPath string) error {
	m.bindCalls = append(m.bindCalls, mountPath)
	return nil
}
func (m *fakeMounter) UnmountBind(mountPath string) error { return nil }

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestPair(t *testing.T, mounter Mounter) (*Client, *Server) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	srv := NewServer(fds[1], mounter, nil)
	go srv.Run()

	return NewClient(fds[0]), srv
}

func mountableTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return dir
}

func TestClientServerMountFUSERoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	mounter := &fakeMounter{fuseFD: int(w.Fd())}
	client, srv := newTestPair(t, mounter)
	defer client.Close()
	_ = srv

	dir := mountableTempDir(t)
	f, err := client.MountFUSE(dir, false)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Contains(t, mounter.mountFUSECalls, dir)
}

func TestClientServerUnmountRequiresRegistration(t *testing.T) {
	mounter := &fakeMounter{}
	client, srv := newTestPair(t, mounter)
	defer client.Close()
	_ = srv

	err := client.UnmountFUSE("/not/registered")
	assert.Error(t, err)
}

func TestClientServerMountBindRequiresKnownParent(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	mounter := &fakeMounter{fuseFD: int(w.Fd())}
	client, srv := newTestPair(t, mounter)
	defer client.Close()
	_ = srv

	dir := mountableTempDir(t)
	_, err = client.MountFUSE(dir, false)
	require.NoError(t, err)

	err = client.MountBind("/src", dir+"/sub")
	assert.NoError(t, err)
	assert.Contains(t, mounter.bindCalls, dir+"/sub")

	err = client.MountBind("/src", "/totally/unrelated")
	assert.Error(t, err)
}

func TestClosedConnectionRejectsNewRequests(t *testing.T) {
	mounter := &fakeMounter{}
	client, srv := newTestPair(t, mounter)
	_ = srv

	require.NoError(t, client.Close())

	err := client.UnmountFUSE("/anything")
	assert.Error(t, err)
}

func TestSetDaemonTimeoutRoundTrips(t *testing.T) {
	mounter := &fakeMounter{}
	client, srv := newTestPair(t, mounter)
	defer client.Close()
	_ = srv

	assert.NoError(t, client.SetDaemonTimeout(5*time.Second))
}

func TestMessageTypeStringsAreStable(t *testing.T) {
	assert.Equal(t, "MOUNT_FUSE", MsgMountFUSE.String())
	assert.Equal(t, "RESP_ERROR", MsgRespError.String())
}
