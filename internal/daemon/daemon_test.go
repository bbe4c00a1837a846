package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edenwood/edenfs/internal/checkout"
	"github.com/edenwood/edenfs/internal/ids"
	"github.com/edenwood/edenfs/internal/objectstore"
)

func setupClientDir(t *testing.T, mountPath string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[repository]
path = "/home/user/repo"
type = "git"
`), 0o644))

	root := ids.NewRootId([]byte{1, 2, 3, 4})
	require.NoError(t, checkout.SaveParentCommit(dir, checkout.SetCheckedOutCommit(root)))
	return dir
}

func TestOpenRecoversCheckoutState(t *testing.T) {
	dir := setupClientDir(t, "/mnt/x")
	store := objectstore.NewMemStore()

	co, err := Open("/mnt/x", dir, store, nil)
	require.NoError(t, err)
	defer co.Overlay.Close()

	require.False(t, co.Parent.IsCheckoutInProgress())
	trees, _ := co.Inodes.Counts()
	require.Equal(t, 1, trees)
}

func TestCheckoutToRecordsJournalRootUpdate(t *testing.T) {
	dir := setupClientDir(t, "/mnt/x")
	store := objectstore.NewMemStore()
	co, err := Open("/mnt/x", dir, store, nil)
	require.NoError(t, err)
	defer co.Overlay.Close()

	before := co.Journal.LatestSequence()
	to := ids.NewRootId([]byte{9, 9, 9})
	require.NoError(t, co.CheckoutTo(context.Background(), to))

	require.False(t, co.Parent.IsCheckoutInProgress())
	id, ok := co.Parent.GetLastCheckoutId(checkout.PreferTo)
	require.True(t, ok)
	require.True(t, id.Equal(to))
	require.Greater(t, co.Journal.LatestSequence(), before)

	reloaded, err := checkout.LoadParentCommit(dir)
	require.NoError(t, err)
	idReloaded, _ := reloaded.GetLastCheckoutId(checkout.PreferTo)
	require.True(t, idReloaded.Equal(to))
}

func TestShutdownClosesOverlay(t *testing.T) {
	dir := setupClientDir(t, "/mnt/x")
	store := objectstore.NewMemStore()
	co, err := Open("/mnt/x", dir, store, nil)
	require.NoError(t, err)

	_, err = co.Shutdown(false)
	require.NoError(t, err)
}

func TestDaemonMountUnmountWithoutHelper(t *testing.T) {
	dir := setupClientDir(t, "/mnt/x")
	store := objectstore.NewMemStore()
	d := NewDaemon(nil, nil)

	co, err := d.Mount("/mnt/x", dir, store, false)
	require.NoError(t, err)
	require.NotNil(t, co)
	require.Contains(t, d.Checkouts, "/mnt/x")

	require.NoError(t, d.Unmount("/mnt/x"))
	require.NotContains(t, d.Checkouts, "/mnt/x")
}
