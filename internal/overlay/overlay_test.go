package overlay

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenwood/edenfs/internal/ids"
)

func mustOpen(t *testing.T) (*Overlay, string) {
	t.Helper()
	dir := t.TempDir()
	ov, err := Open(dir)
	require.NoError(t, err)
	return ov, dir
}

func TestOpenCreatesShardLayout(t *testing.T) {
	ov, dir := mustOpen(t)
	defer ov.Close()

	for _, shard := range []string{"00", "7f", "ff"} {
		info, err := os.Stat(dir + "/" + shard)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	info, err := os.Stat(dir + "/info")
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestSaveLoadDirRoundTrip(t *testing.T) {
	ov, _ := mustOpen(t)
	defer ov.Close()

	ino := ov.AllocateNextIno()
	objID := ids.NewObjectId([]byte{0xab, 0xcd})
	entries := []DirEntry{
		{Name: "foo.txt", Ino: ov.AllocateNextIno(), Mode: 0o644, IsDir: false, ObjectID: &objID},
		{Name: "bar", Ino: ov.AllocateNextIno(), Mode: os.ModeDir | 0o755, IsDir: true},
	}
	require.NoError(t, ov.SaveDir(ino, entries))

	assert.True(t, ov.HasData(ino))
	loaded, ok := ov.LoadDir(ino)
	require.True(t, ok)
	require.Len(t, loaded, 2)
	assert.Equal(t, "foo.txt", loaded[0].Name)
	assert.Equal(t, entries[0].Ino, loaded[0].Ino)
	assert.False(t, loaded[0].IsDir)
	require.NotNil(t, loaded[0].ObjectID)
	assert.Equal(t, objID.Bytes(), loaded[0].ObjectID.Bytes())
	assert.Equal(t, "bar", loaded[1].Name)
	assert.True(t, loaded[1].IsDir)
}

func TestLoadAndRemoveDirDeletesBlob(t *testing.T) {
	ov, _ := mustOpen(t)
	defer ov.Close()

	ino := ov.AllocateNextIno()
	require.NoError(t, ov.SaveDir(ino, nil))
	assert.True(t, ov.HasData(ino))

	_, ok := ov.LoadAndRemoveDir(ino)
	require.True(t, ok)
	assert.False(t, ov.HasData(ino))
}

func TestSaveLoadFileRoundTrip(t *testing.T) {
	ov, _ := mustOpen(t)
	defer ov.Close()

	ino := ov.AllocateNextIno()
	content := []byte("hello materialized world")
	require.NoError(t, ov.SaveFile(ino, content))

	loaded, ok := ov.LoadFile(ino)
	require.True(t, ok)
	assert.Equal(t, content, loaded)

	_, ok = ov.LoadDir(ino)
	assert.False(t, ok, "a file blob must not parse as a directory listing")
}

func TestAllocateNextInoNeverRepeatsAndExceedsRoot(t *testing.T) {
	ov, _ := mustOpen(t)
	defer ov.Close()

	seen := make(map[ids.InodeNumber]bool)
	for i := 0; i < 1000; i++ {
		ino := ov.AllocateNextIno()
		assert.Greater(t, uint64(ino), uint64(ids.RootInode))
		assert.False(t, seen[ino], "ino %v allocated twice", ino)
		seen[ino] = true
	}
}

func TestCloseThenReopenConsumesNextInodeFile(t *testing.T) {
	dir := t.TempDir()
	ov, err := Open(dir)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ov.AllocateNextIno()
	}
	last := ov.AllocateNextIno()
	require.NoError(t, ov.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	next := reopened.AllocateNextIno()
	assert.Greater(t, uint64(next), uint64(last))
}

func TestReopenWithoutNextInodeFileFallsBackToScan(t *testing.T) {
	dir := t.TempDir()
	ov, err := Open(dir)
	require.NoError(t, err)

	hi := ids.InodeNumber(0)
	for i := 0; i < 10; i++ {
		ino := ov.AllocateNextIno()
		require.NoError(t, ov.SaveDir(ino, nil))
		hi = ino
	}
	// Simulate an unclean shutdown: the lock file is removed (so a fresh
	// one can be locked) and next-inode-number was never written.
	require.NoError(t, os.Remove(dir+"/lock"))

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	next := reopened.AllocateNextIno()
	assert.Greater(t, uint64(next), uint64(hi))
}

func TestRemoveMissingBlobIsNotAnError(t *testing.T) {
	ov, _ := mustOpen(t)
	defer ov.Close()

	assert.NoError(t, ov.Remove(ov.AllocateNextIno()))
}
