package checkout

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/edenwood/edenfs/internal/edenerr"
	"github.com/edenwood/edenfs/internal/ids"
)

// snapshotMagic is the 4-byte magic at the start of every SNAPSHOT file
// version (§4.5).
var snapshotMagic = [4]byte{'e', 'd', 'e', 'n'}

const snapshotFileName = "SNAPSHOT"

// legacyHashLen is the fixed hash width of the v1 SNAPSHOT layout.
const legacyHashLen = 20

// RootIdPreference selects which root an InProgress checkout's
// getLastCheckoutId should prefer (§4.5).
type RootIdPreference int

const (
	PreferTo RootIdPreference = iota
	PreferFrom
	PreferOnlyStable
)

// ParentCommit is the tagged-variant state of §3: either Steady (no
// checkout running) or InProgress (a checkout is actively transitioning
// the working copy between two roots).
type ParentCommit struct {
	inProgress bool

	// Steady fields.
	workingCopyParent ids.RootId
	checkedOutRoot    ids.RootId

	// InProgress fields.
	fromRoot ids.RootId
	toRoot   ids.RootId
	pid      int
}

// Steady constructs a steady-state ParentCommit. workingCopyParent and
// checkedOutRoot may differ during a reset (§3).
func Steady(workingCopyParent, checkedOutRoot ids.RootId) ParentCommit {
	return ParentCommit{workingCopyParent: workingCopyParent, checkedOutRoot: checkedOutRoot}
}

// InProgress constructs a ParentCommit representing a running checkout.
func InProgress(from, to ids.RootId, pid int) ParentCommit {
	return ParentCommit{inProgress: true, fromRoot: from, toRoot: to, pid: pid}
}

// IsCheckoutInProgress reports whether a checkout is currently running.
func (p ParentCommit) IsCheckoutInProgress() bool {
	return p.inProgress
}

// InProgressPID returns the pid of the in-progress checkout, if any.
func (p ParentCommit) InProgressPID() (int, bool) {
	if !p.inProgress {
		return 0, false
	}
	return p.pid, true
}

// GetLastCheckoutId implements §4.5's query of the same name.
func (p ParentCommit) GetLastCheckoutId(pref RootIdPreference) (ids.RootId, bool) {
	if !p.inProgress {
		return p.checkedOutRoot, true
	}
	switch pref {
	case PreferTo:
		return p.toRoot, true
	case PreferFrom:
		return p.fromRoot, true
	case PreferOnlyStable:
		return ids.RootId{}, false
	default:
		return ids.RootId{}, false
	}
}

// GetWorkingCopyParent implements §4.5's query of the same name.
func (p ParentCommit) GetWorkingCopyParent() ids.RootId {
	if p.inProgress {
		return p.toRoot
	}
	return p.workingCopyParent
}

// SetCheckedOutCommit transitions to Steady{r, r} (§4.5).
func SetCheckedOutCommit(r ids.RootId) ParentCommit {
	return Steady(r, r)
}

// SetWorkingCopyParentCommit transitions to Steady{r, current-checked-out}
// (§4.5), preserving the previously checked-out root.
func (p ParentCommit) SetWorkingCopyParentCommit(r ids.RootId) ParentCommit {
	checkedOut := p.checkedOutRoot
	if p.inProgress {
		checkedOut = p.toRoot
	}
	return Steady(r, checkedOut)
}

// SetCheckoutInProgress transitions to InProgress{from, to, pid} (§4.5).
func SetCheckoutInProgress(from, to ids.RootId) ParentCommit {
	return InProgress(from, to, os.Getpid())
}

// LoadParentCommit reads and decodes the SNAPSHOT file under clientDir.
func LoadParentCommit(clientDir string) (ParentCommit, error) {
	path := filepath.Join(clientDir, snapshotFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return ParentCommit{}, edenerr.NotFound("read SNAPSHOT %s: %v", path, err)
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) (ParentCommit, error) {
	if len(data) < 8 {
		return ParentCommit{}, edenerr.Generic("SNAPSHOT: too-short")
	}
	if string(data[0:4]) != string(snapshotMagic[:]) {
		return ParentCommit{}, edenerr.Generic("SNAPSHOT: unsupported-legacy (bad magic)")
	}
	version := binary.BigEndian.Uint32(data[4:8])
	body := data[8:]

	switch version {
	case 1:
		return decodeSnapshotV1(body)
	case 2:
		return decodeSnapshotV2(body)
	case 3:
		return decodeSnapshotV3(body)
	default:
		return ParentCommit{}, edenerr.Generic("SNAPSHOT: unsupported-version %d", version)
	}
}

func decodeSnapshotV1(body []byte) (ParentCommit, error) {
	if len(body) < 2*legacyHashLen {
		return ParentCommit{}, edenerr.Generic("SNAPSHOT v1: range error (body too short)")
	}
	// Historically two parents; both treated as the same root today (§4.5).
	checkedOut := ids.NewRootId(body[legacyHashLen : 2*legacyHashLen])
	return Steady(checkedOut, checkedOut), nil
}

func decodeSnapshotV2(body []byte) (ParentCommit, error) {
	if len(body) < 4 {
		return ParentCommit{}, edenerr.Generic("SNAPSHOT v2: range error (missing hash-len)")
	}
	hashLen := binary.BigEndian.Uint32(body[0:4])
	body = body[4:]
	if uint32(len(body)) < hashLen {
		return ParentCommit{}, edenerr.Generic("SNAPSHOT v2: range error (hash truncated)")
	}
	root, err := decodeSnapshotHash(body[:hashLen])
	if err != nil {
		return ParentCommit{}, err
	}
	// A single hash sets both parent slots (§4.5).
	return Steady(root, root), nil
}

func decodeSnapshotV3(body []byte) (ParentCommit, error) {
	if len(body) < 4 {
		return ParentCommit{}, edenerr.Generic("SNAPSHOT v3: range error (missing pid)")
	}
	pid := int32(binary.BigEndian.Uint32(body[0:4]))
	body = body[4:]

	from, body, err := decodeSnapshotLengthPrefixedHash(body)
	if err != nil {
		return ParentCommit{}, err
	}
	to, _, err := decodeSnapshotLengthPrefixedHash(body)
	if err != nil {
		return ParentCommit{}, err
	}
	return InProgress(from, to, int(pid)), nil
}

func decodeSnapshotLengthPrefixedHash(body []byte) (ids.RootId, []byte, error) {
	if len(body) < 4 {
		return ids.RootId{}, nil, edenerr.Generic("SNAPSHOT v3: range error (missing hash-len)")
	}
	hashLen := binary.BigEndian.Uint32(body[0:4])
	body = body[4:]
	if uint32(len(body)) < hashLen {
		return ids.RootId{}, nil, edenerr.Generic("SNAPSHOT v3: range error (hash truncated)")
	}
	root, err := decodeSnapshotHash(body[:hashLen])
	if err != nil {
		return ids.RootId{}, nil, err
	}
	return root, body[hashLen:], nil
}

// decodeSnapshotHash accepts either raw binary or ASCII-hex bytes, letting
// the caller's RootId codec decide (§4.5): a well-formed even-length hex
// string decodes as hex, otherwise the bytes are used as-is.
func decodeSnapshotHash(raw []byte) (ids.RootId, error) {
	if looksLikeHex(raw) {
		if r, err := ids.RootIdFromHex(string(raw)); err == nil {
			return r, nil
		}
	}
	return ids.NewRootId(raw), nil
}

func looksLikeHex(raw []byte) bool {
	if len(raw)%2 != 0 || len(raw) == 0 {
		return false
	}
	_, err := hex.DecodeString(string(raw))
	return err == nil
}

// SaveParentCommit atomically writes p to the SNAPSHOT file under
// clientDir, encoding InProgress as v3 and Steady as v2 (new writes never
// emit the legacy v1 fixed-width layout).
func SaveParentCommit(clientDir string, p ParentCommit) error {
	var body []byte
	var version uint32
	if p.inProgress {
		version = 3
		body = encodeSnapshotV3(p)
	} else {
		version = 2
		body = encodeSnapshotV2(p)
	}

	buf := make([]byte, 8)
	copy(buf[0:4], snapshotMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], version)
	buf = append(buf, body...)

	path := filepath.Join(clientDir, snapshotFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return edenerr.Generic("write SNAPSHOT: %v", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return edenerr.Generic("rename SNAPSHOT into place: %v", err)
	}
	return nil
}

func encodeSnapshotV2(p ParentCommit) []byte {
	hashBytes := p.checkedOutRoot.Bytes()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(hashBytes)))
	return append(buf, hashBytes...)
}

func encodeSnapshotV3(p ParentCommit) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(p.pid))
	buf = append(buf, encodeLengthPrefixedHash(p.fromRoot)...)
	buf = append(buf, encodeLengthPrefixedHash(p.toRoot)...)
	return buf
}

func encodeLengthPrefixedHash(r ids.RootId) []byte {
	hashBytes := r.Bytes()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(hashBytes)))
	return append(buf, hashBytes...)
}
