// Package journal implements the ordered, bounded change log described in
// §4.3: every observable mount mutation is recorded as a JournalDelta,
// consecutive compatible deltas are coalesced, and the log is truncated to
// a memory budget while always retaining at least one entry.
package journal

import (
	"container/list"
	"strings"
	"sync"

	"github.com/edenwood/edenfs/internal/clock"
	"github.com/edenwood/edenfs/internal/ids"
)

// Sequence is a Journal-local monotone counter; assigned at enqueue time.
type Sequence uint64

// ExistenceChange records whether a path existed before/after a FileChange.
type ExistenceChange struct {
	ExistedBefore bool
	ExistedAfter  bool
}

// FileChange is one of the two JournalDelta variants (§3): a change to one
// path, or (for rename/replace) two.
type FileChange struct {
	Seq    Sequence
	Ts     int64
	Path1  string
	Path2  string // empty unless this is a rename/replace
	Info1  ExistenceChange
	Info2  ExistenceChange
	HasP2  bool
	DType  string // "file", "dir", "symlink" — informational only
}

// RootUpdate is the other JournalDelta variant: a checkout's mounted root
// changed (e.g. after a checkout or reset), optionally annotated with the
// set of paths left unclean by the transition.
type RootUpdate struct {
	Seq          Sequence
	Ts           int64
	FromRoot     ids.RootId
	ToRoot       ids.RootId
	UncleanPaths []string
}

// Subscriber is notified, best-effort and inline, after an append that
// produced at least one net-new or coalesced mutation since the last
// notification.
type Subscriber func()

// approxDeltaSize is the accounting unit used against MemoryBudget. It does
// not need to be exact: it only needs to be monotonic in payload size so
// truncation keeps roughly the configured footprint.
const approxDeltaSize = 128

// Journal is safe for concurrent use. All mutation happens under one mutex,
// matching §4.3's explicit requirement that "Journal operations never
// suspend" — no channel or goroutine hand-off sits on the append path.
type Journal struct {
	mu sync.Mutex

	clock         clock.Clock
	memoryBudget  int64
	usedMemory    int64
	nextSeq       Sequence
	fileChanges   *list.List // of *FileChange, oldest at Front
	rootUpdates   *list.List // of *RootUpdate, oldest at Front
	subscribers   map[int]Subscriber
	nextSubID     int
	pendingNotify bool
}

// New constructs an empty Journal with the given memory budget in bytes.
// A budget of zero is still honored: at least one entry is always kept
// (Invariant J2).
func New(c clock.Clock, memoryBudget int64) *Journal {
	return &Journal{
		clock:        c,
		memoryBudget: memoryBudget,
		nextSeq:      1,
		fileChanges:  list.New(),
		rootUpdates:  list.New(),
		subscribers:  make(map[int]Subscriber),
	}
}

// Subscribe registers a callback invoked after any append that produced a
// net change since the previous notification. The returned function
// unsubscribes.
func (j *Journal) Subscribe(cb Subscriber) (unsubscribe func()) {
	j.mu.Lock()
	id := j.nextSubID
	j.nextSubID++
	j.subscribers[id] = cb
	j.mu.Unlock()

	return func() {
		j.mu.Lock()
		delete(j.subscribers, id)
		j.mu.Unlock()
	}
}

func (j *Journal) now() int64 {
	return j.clock.Now().UnixNano()
}

// RecordCreated records that path began to exist.
func (j *Journal) RecordCreated(path, dtype string) {
	j.appendFileChange(&FileChange{Path1: path, Info1: ExistenceChange{ExistedBefore: false, ExistedAfter: true}, DType: dtype})
}

// RecordRemoved records that path ceased to exist.
func (j *Journal) RecordRemoved(path, dtype string) {
	j.appendFileChange(&FileChange{Path1: path, Info1: ExistenceChange{ExistedBefore: true, ExistedAfter: false}, DType: dtype})
}

// RecordChanged records that path's content or metadata changed in place.
func (j *Journal) RecordChanged(path, dtype string) {
	j.appendFileChange(&FileChange{Path1: path, Info1: ExistenceChange{ExistedBefore: true, ExistedAfter: true}, DType: dtype})
}

// RecordRenamed records path1 -> path2, where path1 ceases to exist and
// path2 begins to exist.
func (j *Journal) RecordRenamed(path1, path2, dtype string) {
	j.appendFileChange(&FileChange{
		Path1: path1, Path2: path2, HasP2: true,
		Info1: ExistenceChange{ExistedBefore: true, ExistedAfter: false},
		Info2: ExistenceChange{ExistedBefore: false, ExistedAfter: true},
		DType: dtype,
	})
}

// RecordReplaced records path1 -> path2 where path2 already existed and is
// overwritten (both existed before, both exist after, modulo path1 itself
// ceasing to exist under its old name).
func (j *Journal) RecordReplaced(path1, path2, dtype string) {
	j.appendFileChange(&FileChange{
		Path1: path1, Path2: path2, HasP2: true,
		Info1: ExistenceChange{ExistedBefore: true, ExistedAfter: false},
		Info2: ExistenceChange{ExistedBefore: true, ExistedAfter: true},
		DType: dtype,
	})
}

// RecordRootUpdate records that the mounted root moved from `from` to `to`.
func (j *Journal) RecordRootUpdate(from, to ids.RootId) {
	j.appendRootUpdate(&RootUpdate{FromRoot: from, ToRoot: to})
}

// RecordUncleanPaths annotates the most recent RootUpdate with paths left
// unclean by the transition (e.g. files with conflicts after a checkout).
func (j *Journal) RecordUncleanPaths(paths []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if back := j.rootUpdates.Back(); back != nil {
		ru := back.Value.(*RootUpdate)
		ru.UncleanPaths = append(ru.UncleanPaths, paths...)
	}
}

func (j *Journal) appendFileChange(fc *FileChange) {
	j.mu.Lock()
	mutated := false

	if back := j.fileChanges.Back(); back != nil {
		prev := back.Value.(*FileChange)
		if compactibleFileChange(prev, fc) {
			prev.Seq = j.nextSeq
			j.nextSeq++
			prev.Ts = j.now()
			mutated = true
			j.truncateLocked()
			j.maybeNotifyLocked(mutated)
			j.mu.Unlock()
			return
		}
	}

	fc.Seq = j.nextSeq
	j.nextSeq++
	fc.Ts = j.now()
	j.fileChanges.PushBack(fc)
	j.usedMemory += approxDeltaSize
	mutated = true

	j.truncateLocked()
	j.maybeNotifyLocked(mutated)
	j.mu.Unlock()
}

func (j *Journal) appendRootUpdate(ru *RootUpdate) {
	j.mu.Lock()
	mutated := false

	if back := j.rootUpdates.Back(); back != nil {
		prev := back.Value.(*RootUpdate)
		if len(prev.UncleanPaths) == 0 && prev.ToRoot.Equal(ru.FromRoot) {
			prev.ToRoot = ru.ToRoot
			prev.Seq = j.nextSeq
			j.nextSeq++
			prev.Ts = j.now()
			mutated = true
			j.truncateLocked()
			j.maybeNotifyLocked(mutated)
			j.mu.Unlock()
			return
		}
	}

	ru.Seq = j.nextSeq
	j.nextSeq++
	ru.Ts = j.now()
	j.rootUpdates.PushBack(ru)
	j.usedMemory += approxDeltaSize
	mutated = true

	j.truncateLocked()
	j.maybeNotifyLocked(mutated)
	j.mu.Unlock()
}

func compactibleFileChange(prev, next *FileChange) bool {
	if prev.HasP2 != next.HasP2 || prev.Path1 != next.Path1 || prev.Path2 != next.Path2 {
		return false
	}
	return prev.Info1 == next.Info1 && prev.Info2 == next.Info2
}

// truncateLocked drops the oldest entries while over budget, always
// retaining at least one delta total across both deques (Invariant J2).
func (j *Journal) truncateLocked() {
	for j.usedMemory > j.memoryBudget && j.totalEntriesLocked() > 1 {
		if !j.dropOldestLocked() {
			break
		}
	}
}

func (j *Journal) totalEntriesLocked() int {
	return j.fileChanges.Len() + j.rootUpdates.Len()
}

// dropOldestLocked removes whichever deque's front entry has the smaller
// sequence number, preserving overall chronological truncation across both
// streams.
func (j *Journal) dropOldestLocked() bool {
	fcFront := j.fileChanges.Front()
	ruFront := j.rootUpdates.Front()
	switch {
	case fcFront == nil && ruFront == nil:
		return false
	case fcFront == nil:
		j.rootUpdates.Remove(ruFront)
	case ruFront == nil:
		j.fileChanges.Remove(fcFront)
	default:
		if fcFront.Value.(*FileChange).Seq <= ruFront.Value.(*RootUpdate).Seq {
			j.fileChanges.Remove(fcFront)
		} else {
			j.rootUpdates.Remove(ruFront)
		}
	}
	j.usedMemory -= approxDeltaSize
	return true
}

func (j *Journal) maybeNotifyLocked(mutated bool) {
	if !mutated {
		return
	}
	subs := make([]Subscriber, 0, len(j.subscribers))
	for _, cb := range j.subscribers {
		subs = append(subs, cb)
	}
	// Subscribers run inline and best-effort (§4.3): a panicking subscriber
	// must not corrupt Journal state, so each runs behind its own recover.
	for _, cb := range subs {
		notifyOne(cb)
	}
}

func notifyOne(cb Subscriber) {
	defer func() { recover() }()
	cb()
}

// LatestSequence returns the sequence number that would be assigned to the
// next appended delta, minus one (i.e. the most recent assigned sequence,
// or 0 if the Journal is empty).
func (j *Journal) LatestSequence() Sequence {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq - 1
}

// Summary is the result of AccumulateRange (§4.3): a merged view of all
// file changes and root transitions since a given sequence number.
type Summary struct {
	ChangedFiles          map[string]ExistenceChange
	RootTransitions       []RootUpdate
	Truncated             bool
	ContainsHgOnlyChanges bool
}

// AccumulateRange walks both deques newest-to-oldest, merging FileChange
// deltas into a per-path view and collecting root transitions (duplicating
// a root transition across an intervening unclean-paths annotation is not
// needed here since RecordUncleanPaths mutates the RootUpdate in place).
func (j *Journal) AccumulateRange(fromSeq Sequence) Summary {
	j.mu.Lock()
	defer j.mu.Unlock()

	summary := Summary{ChangedFiles: make(map[string]ExistenceChange)}
	oldestSeq := j.oldestSeqLocked()
	summary.Truncated = fromSeq < oldestSeq

	allHg := true
	for e := j.fileChanges.Back(); e != nil; e = e.Prev() {
		fc := e.Value.(*FileChange)
		if fc.Seq < fromSeq {
			break
		}
		mergeExistence(summary.ChangedFiles, fc.Path1, fc.Info1)
		if !strings.HasPrefix(fc.Path1, ".hg/") {
			allHg = false
		}
		if fc.HasP2 {
			mergeExistence(summary.ChangedFiles, fc.Path2, fc.Info2)
			if !strings.HasPrefix(fc.Path2, ".hg/") {
				allHg = false
			}
		}
	}
	if len(summary.ChangedFiles) == 0 {
		allHg = false
	}
	summary.ContainsHgOnlyChanges = allHg

	for e := j.rootUpdates.Back(); e != nil; e = e.Prev() {
		ru := e.Value.(*RootUpdate)
		if ru.Seq < fromSeq {
			break
		}
		summary.RootTransitions = append([]RootUpdate{*ru}, summary.RootTransitions...)
	}

	return summary
}

func mergeExistence(m map[string]ExistenceChange, path string, info ExistenceChange) {
	existing, ok := m[path]
	if !ok {
		m[path] = info
		return
	}
	// Newest-to-oldest walk: `info` happened before `existing`. The merged
	// view's "before" comes from the older entry; "after" stays whatever
	// the newest entry recorded.
	m[path] = ExistenceChange{ExistedBefore: info.ExistedBefore, ExistedAfter: existing.ExistedAfter}
}

func (j *Journal) oldestSeqLocked() Sequence {
	var oldest Sequence
	if fc := j.fileChanges.Front(); fc != nil {
		oldest = fc.Value.(*FileChange).Seq
	}
	if ru := j.rootUpdates.Front(); ru != nil {
		s := ru.Value.(*RootUpdate).Seq
		if oldest == 0 || s < oldest {
			oldest = s
		}
	}
	return oldest
}

// FileChangeCallback is invoked once per FileChange during ForEachDelta; it
// returns false to stop iteration early.
type FileChangeCallback func(*FileChange) bool

// RootUpdateCallback is invoked once per RootUpdate during ForEachDelta; it
// returns false to stop iteration early.
type RootUpdateCallback func(*RootUpdate) bool

// ForEachDelta iterates newest to oldest across both deques starting from
// fromSeq, stopping when either callback returns false or limit entries
// have been visited (limit <= 0 means unbounded). Returns whether the walk
// was truncated by budget eviction before reaching fromSeq.
func (j *Journal) ForEachDelta(fromSeq Sequence, limit int, fileCb FileChangeCallback, rootCb RootUpdateCallback) (truncated bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	oldestSeq := j.oldestSeqLocked()
	truncated = fromSeq < oldestSeq

	var entries []deltaEntry
	for e := j.fileChanges.Back(); e != nil; e = e.Prev() {
		fc := e.Value.(*FileChange)
		if fc.Seq < fromSeq {
			break
		}
		entries = append(entries, deltaEntry{seq: fc.Seq, fileChange: fc})
	}
	for e := j.rootUpdates.Back(); e != nil; e = e.Prev() {
		ru := e.Value.(*RootUpdate)
		if ru.Seq < fromSeq {
			break
		}
		entries = append(entries, deltaEntry{seq: ru.Seq, rootUpdate: ru})
	}
	sortEntriesDesc(entries)

	visited := 0
	for _, ent := range entries {
		if limit > 0 && visited >= limit {
			break
		}
		visited++
		if ent.fileChange != nil {
			if !fileCb(ent.fileChange) {
				return truncated
			}
		} else {
			if !rootCb(ent.rootUpdate) {
				return truncated
			}
		}
	}
	return truncated
}

type deltaEntry struct {
	seq        Sequence
	fileChange *FileChange
	rootUpdate *RootUpdate
}

func sortEntriesDesc(entries []deltaEntry) {
	for i := 1; i < len(entries); i++ {
		for k := i; k > 0 && entries[k].seq > entries[k-1].seq; k-- {
			entries[k], entries[k-1] = entries[k-1], entries[k]
		}
	}
}
