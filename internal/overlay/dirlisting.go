package overlay

import (
	"encoding/binary"
	"os"

	"github.com/edenwood/edenfs/internal/ids"
)

// Directory listing wire format, following the blob header: a 4-byte
// little-endian entry count, then per entry a 4-byte name length, the name
// bytes, 8-byte ino, 4-byte mode, 1-byte isDir, 1-byte hasObjectID, and
// (if present) a 4-byte object-id length plus its bytes.

func encodeDirListing(entries []DirEntry) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		name := []byte(e.Name)
		rec := make([]byte, 4+len(name)+8+4+1+1)
		off := 0
		binary.LittleEndian.PutUint32(rec[off:], uint32(len(name)))
		off += 4
		copy(rec[off:], name)
		off += len(name)
		binary.LittleEndian.PutUint64(rec[off:], uint64(e.Ino))
		off += 8
		binary.LittleEndian.PutUint32(rec[off:], uint32(e.Mode))
		off += 4
		if e.IsDir {
			rec[off] = 1
		}
		off++
		if e.ObjectID != nil {
			rec[off] = 1
		}
		off++
		buf = append(buf, rec...)
		if e.ObjectID != nil {
			idBytes := e.ObjectID.Bytes()
			lenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(idBytes)))
			buf = append(buf, lenBuf...)
			buf = append(buf, idBytes...)
		}
	}
	return buf
}

func decodeDirListing(data []byte) []DirEntry {
	if len(data) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	entries := make([]DirEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			break
		}
		nameLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+nameLen > len(data) {
			break
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		if off+8+4+1+1 > len(data) {
			break
		}
		ino := ids.InodeNumber(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		mode := os.FileMode(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		isDir := data[off] == 1
		off++
		hasObjectID := data[off] == 1
		off++

		var objID *ids.ObjectId
		if hasObjectID {
			if off+4 > len(data) {
				break
			}
			idLen := int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			if off+idLen > len(data) {
				break
			}
			id := ids.NewObjectId(data[off : off+idLen])
			objID = &id
			off += idLen
		}

		entries = append(entries, DirEntry{
			Name:     name,
			Ino:      ino,
			Mode:     mode,
			IsDir:    isDir,
			ObjectID: objID,
		})
	}
	return entries
}
