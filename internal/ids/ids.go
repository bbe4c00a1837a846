// Package ids defines the opaque identifiers shared across the inode
// engine: inode numbers, content-store object ids, and working-copy root
// ids.
package ids

import (
	"encoding/hex"
	"fmt"
)

// InodeNumber is a 64-bit identifier, unique within a checkout for the
// lifetime of the daemon process. Ordered only by equality.
type InodeNumber uint64

// RootInode is the reserved inode number of the mount's root directory.
const RootInode InodeNumber = 1

// InvalidInode is never a valid inode number.
const InvalidInode InodeNumber = 0

// Valid reports whether i is neither the invalid sentinel nor otherwise
// malformed.
func (i InodeNumber) Valid() bool {
	return i != InvalidInode
}

func (i InodeNumber) String() string {
	return fmt.Sprintf("%d", uint64(i))
}

// ObjectId identifies content in the backing object store: a tree or a
// blob. It is opaque to the inode engine beyond equality and the ability to
// round-trip through the overlay's serialized listings.
type ObjectId struct {
	raw []byte
}

// NewObjectId wraps raw backing-store bytes.
func NewObjectId(raw []byte) ObjectId {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return ObjectId{raw: cp}
}

// Bytes returns the raw identifier bytes.
func (o ObjectId) Bytes() []byte {
	return o.raw
}

// Empty reports whether this is the zero-value object id (no backing
// content named). See DESIGN.md for why new code never emits this as a
// stand-in for "materialized" the way legacy encoders did.
func (o ObjectId) Empty() bool {
	return len(o.raw) == 0
}

func (o ObjectId) String() string {
	return hex.EncodeToString(o.raw)
}

// RootId identifies the top-level tree of a checked-out commit.
type RootId struct {
	raw []byte
}

// NewRootId wraps raw backing-store bytes identifying a commit's root tree.
func NewRootId(raw []byte) RootId {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return RootId{raw: cp}
}

// RootIdFromHex decodes a RootId from its ASCII-hex wire form (used by the
// SNAPSHOT v2/v3 layouts, see internal/checkout).
func RootIdFromHex(s string) (RootId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return RootId{}, fmt.Errorf("decode root id %q: %w", s, err)
	}
	return RootId{raw: raw}, nil
}

// ObjectIdFromHex decodes an ObjectId from its ASCII-hex wire form, used by
// the InodeMap takeover payload (§3, §4.1).
func ObjectIdFromHex(s string) (ObjectId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ObjectId{}, fmt.Errorf("decode object id %q: %w", s, err)
	}
	return ObjectId{raw: raw}, nil
}

// Bytes returns the raw identifier bytes.
func (r RootId) Bytes() []byte {
	return r.raw
}

// Hex renders the root id as lowercase hex. (The SNAPSHOT writer in
// internal/checkout stores raw bytes; its reader accepts either form.)
func (r RootId) Hex() string {
	return hex.EncodeToString(r.raw)
}

func (r RootId) String() string {
	return r.Hex()
}

// Equal reports value equality.
func (r RootId) Equal(other RootId) bool {
	if len(r.raw) != len(other.raw) {
		return false
	}
	for i := range r.raw {
		if r.raw[i] != other.raw[i] {
			return false
		}
	}
	return true
}
