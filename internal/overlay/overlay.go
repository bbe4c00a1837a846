// Package overlay implements the durable per-inode blob store and FS
// catalog described in §4.2: shard-by-low-byte layout, atomic
// rename-in-place writes, and the next-inode-number allocator.
package overlay

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/edenwood/edenfs/internal/edenerr"
	"github.com/edenwood/edenfs/internal/ids"
)

// FormatVersion is the overlay's on-disk format version, stored
// big-endian in both the info file and every per-inode blob header.
const FormatVersion uint32 = 1

// infoMagic is the 4-byte magic at the start of the info file (§4.2).
var infoMagic = [4]byte{0xED, 0xE0, 0x00, 0x01}

// Blob type identifiers, stored at the start of every per-inode blob.
var (
	typeDir  = [4]byte{'O', 'V', 'D', 'R'}
	typeFile = [4]byte{'O', 'V', 'F', 'L'}
)

const (
	numShards       = 256
	reservedZeroes  = 48
	blobHeaderLen   = 4 + 4 + reservedZeroes
	nextInodeFile   = "next-inode-number"
	lockFileName    = "lock"
	infoFileName    = "info"
	tmpDirName      = "tmp"
)

// DirEntry is one child slot of a persisted directory listing.
type DirEntry struct {
	Name     string
	Ino      ids.InodeNumber
	Mode     os.FileMode
	IsDir    bool
	ObjectID *ids.ObjectId
}

// Overlay is the durable map ino -> bytes described in §4.2. One Overlay
// exclusively owns its directory via a lock file (§5): concurrent daemons
// against the same directory are prevented at Open time.
type Overlay struct {
	root     string
	lockFile *os.File

	mu      sync.Mutex
	nextIno ids.InodeNumber
}

// Open acquires the overlay directory, creating its shard/tmp layout and
// info file if absent, and consumes next-inode-number if present (§4.2).
// If the file is absent or malformed the overlay is scanned for
// max(ino)+1.
func Open(root string) (*Overlay, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, edenerr.Generic("create overlay dir %s: %v", root, err)
	}

	lockPath := filepath.Join(root, lockFileName)
	lf, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, edenerr.Generic("open overlay lock %s: %v", lockPath, err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		errno := 0
		if e, ok := err.(unix.Errno); ok {
			errno = int(e)
		}
		return nil, edenerr.Posix(errno, "overlay %s is already locked by another daemon", root)
	}

	for s := 0; s < numShards; s++ {
		shardDir := filepath.Join(root, shardName(s))
		if err := os.MkdirAll(shardDir, 0o755); err != nil {
			return nil, edenerr.Generic("create shard dir %s: %v", shardDir, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o755); err != nil {
		return nil, edenerr.Generic("create tmp dir: %v", err)
	}

	if err := writeInfoFileIfAbsent(root); err != nil {
		return nil, err
	}

	ov := &Overlay{root: root, lockFile: lf}

	next, err := consumeNextInodeFile(root)
	if err != nil {
		return nil, err
	}
	if next == 0 {
		next, err = ov.scanForNextIno()
		if err != nil {
			return nil, err
		}
	}
	ov.nextIno = next
	return ov, nil
}

func shardName(lowByte int) string {
	return fmt.Sprintf("%02x", lowByte)
}

func shardFor(ino ids.InodeNumber) string {
	return shardName(int(uint64(ino) & 0xff))
}

func (o *Overlay) blobPath(ino ids.InodeNumber) string {
	return filepath.Join(o.root, shardFor(ino), strconv.FormatUint(uint64(ino), 10))
}

func writeInfoFileIfAbsent(root string) error {
	path := filepath.Join(root, infoFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	buf := make([]byte, 8)
	copy(buf[0:4], infoMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], FormatVersion)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return edenerr.Generic("write overlay info file: %v", err)
	}
	return nil
}

// consumeNextInodeFile reads and unlinks the next-inode-number file,
// returning 0 if it is absent or malformed (triggering a full scan).
func consumeNextInodeFile(root string) (ids.InodeNumber, error) {
	path := filepath.Join(root, nextInodeFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, edenerr.Generic("read %s: %v", nextInodeFile, err)
	}
	_ = os.Remove(path)
	if len(data) != 8 {
		return 0, nil
	}
	return ids.InodeNumber(binary.LittleEndian.Uint64(data)), nil
}

// scanForNextIno walks every shard directory to find max(ino)+1, used when
// next-inode-number is absent or malformed (e.g. after an unclean
// shutdown).
func (o *Overlay) scanForNextIno() (ids.InodeNumber, error) {
	max := ids.RootInode
	for s := 0; s < numShards; s++ {
		entries, err := os.ReadDir(filepath.Join(o.root, shardName(s)))
		if err != nil {
			continue
		}
		for _, e := range entries {
			v, err := strconv.ParseUint(e.Name(), 10, 64)
			if err != nil {
				continue
			}
			if ids.InodeNumber(v) > max {
				max = ids.InodeNumber(v)
			}
		}
	}
	return max + 1, nil
}

// AllocateNextIno hands out the next InodeNumber. Per §8, every allocated
// ino is > kRootNodeId and never repeats.
func (o *Overlay) AllocateNextIno() ids.InodeNumber {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.nextIno <= ids.RootInode {
		o.nextIno = ids.RootInode + 1
	}
	ino := o.nextIno
	o.nextIno++
	return ino
}

// writeAtomic writes data to tmp/<ino>, optionally fsyncs (required for the
// root ino per §4.2), then renames it into the shard path.
func (o *Overlay) writeAtomic(ino ids.InodeNumber, data []byte) error {
	tmpPath := filepath.Join(o.root, tmpDirName, strconv.FormatUint(uint64(ino), 10))
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return edenerr.Generic("create tmp overlay file: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return edenerr.Generic("write tmp overlay file: %v", err)
	}
	if ino == ids.RootInode {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return edenerr.Generic("fsync root overlay file: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return edenerr.Generic("close tmp overlay file: %v", err)
	}
	if err := os.Rename(tmpPath, o.blobPath(ino)); err != nil {
		os.Remove(tmpPath)
		return edenerr.Generic("rename overlay blob into place: %v", err)
	}
	return nil
}

func blobHeader(kind [4]byte) []byte {
	buf := make([]byte, blobHeaderLen)
	copy(buf[0:4], kind[:])
	binary.BigEndian.PutUint32(buf[4:8], FormatVersion)
	return buf
}

// SaveDir persists a materialized directory's listing.
func (o *Overlay) SaveDir(ino ids.InodeNumber, entries []DirEntry) error {
	body := encodeDirListing(entries)
	buf := append(blobHeader(typeDir), body...)
	return o.writeAtomic(ino, buf)
}

// SaveFile persists a materialized file's content.
func (o *Overlay) SaveFile(ino ids.InodeNumber, content []byte) error {
	buf := append(blobHeader(typeFile), content...)
	return o.writeAtomic(ino, buf)
}

// LoadDir returns the persisted listing of a materialized directory, or
// ok=false if ino has no persisted data.
func (o *Overlay) LoadDir(ino ids.InodeNumber) (entries []DirEntry, ok bool) {
	data, err := os.ReadFile(o.blobPath(ino))
	if err != nil {
		return nil, false
	}
	if len(data) < blobHeaderLen || string(data[0:4]) != string(typeDir[:]) {
		return nil, false
	}
	return decodeDirListing(data[blobHeaderLen:]), true
}

// LoadAndRemoveDir atomically reads then deletes a persisted directory
// listing (used when converting a materialized directory to unmaterialized
// e.g. during checkout reset).
func (o *Overlay) LoadAndRemoveDir(ino ids.InodeNumber) (entries []DirEntry, ok bool) {
	entries, ok = o.LoadDir(ino)
	if ok {
		_ = o.Remove(ino)
	}
	return entries, ok
}

// LoadFile returns the persisted content of a materialized file.
func (o *Overlay) LoadFile(ino ids.InodeNumber) (content []byte, ok bool) {
	data, err := os.ReadFile(o.blobPath(ino))
	if err != nil {
		return nil, false
	}
	if len(data) < blobHeaderLen || string(data[0:4]) != string(typeFile[:]) {
		return nil, false
	}
	return data[blobHeaderLen:], true
}

// Remove deletes ino's persisted blob, if any.
func (o *Overlay) Remove(ino ids.InodeNumber) error {
	err := os.Remove(o.blobPath(ino))
	if err != nil && !os.IsNotExist(err) {
		return edenerr.Generic("remove overlay blob %v: %v", ino, err)
	}
	return nil
}

// HasData reports whether ino has a persisted blob (used by §4.1's
// InitializeFromOverlay to decide whether to recurse into a directory
// child).
func (o *Overlay) HasData(ino ids.InodeNumber) bool {
	_, err := os.Stat(o.blobPath(ino))
	return err == nil
}

// Close releases the overlay's exclusive lock and, on a clean shutdown,
// writes the next-inode-number file so a future Open can skip the scan.
func (o *Overlay) Close() error {
	o.mu.Lock()
	next := o.nextIno
	o.mu.Unlock()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(next))
	path := filepath.Join(o.root, nextInodeFile)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return edenerr.Generic("write next-inode-number: %v", err)
	}

	if err := unix.Flock(int(o.lockFile.Fd()), unix.LOCK_UN); err != nil {
		return edenerr.Generic("unlock overlay: %v", err)
	}
	return o.lockFile.Close()
}
