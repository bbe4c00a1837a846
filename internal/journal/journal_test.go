package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenwood/edenfs/internal/clock"
	"github.com/edenwood/edenfs/internal/ids"
)

func newTestJournal(budget int64) *Journal {
	return New(clock.NewFakeClock(time.Unix(0, 0)), budget)
}

func TestSequenceNumbersStrictlyIncrease(t *testing.T) {
	j := newTestJournal(1 << 20)
	j.RecordCreated("a.txt", "file")
	j.RecordCreated("b.txt", "file")
	j.RecordCreated("c.txt", "file")

	var seqs []Sequence
	j.ForEachDelta(1, 0, func(fc *FileChange) bool {
		seqs = append(seqs, fc.Seq)
		return true
	}, func(*RootUpdate) bool { return true })

	require.Len(t, seqs, 3)
	assert.Greater(t, seqs[0], seqs[1])
	assert.Greater(t, seqs[1], seqs[2])
}

func TestConsecutiveIdenticalFileChangesCoalesce(t *testing.T) {
	j := newTestJournal(1 << 20)
	j.RecordChanged("a.txt", "file")
	j.RecordChanged("a.txt", "file")
	j.RecordChanged("a.txt", "file")

	count := 0
	j.ForEachDelta(1, 0, func(*FileChange) bool { count++; return true }, func(*RootUpdate) bool { return true })
	assert.Equal(t, 1, count, "three identical changes to the same path must coalesce into one")
}

func TestDistinctPathsDoNotCoalesce(t *testing.T) {
	j := newTestJournal(1 << 20)
	j.RecordChanged("a.txt", "file")
	j.RecordChanged("b.txt", "file")

	count := 0
	j.ForEachDelta(1, 0, func(*FileChange) bool { count++; return true }, func(*RootUpdate) bool { return true })
	assert.Equal(t, 2, count)
}

func TestChainedRootUpdatesCoalesce(t *testing.T) {
	j := newTestJournal(1 << 20)
	r1 := ids.NewRootId([]byte{1})
	r2 := ids.NewRootId([]byte{2})
	r3 := ids.NewRootId([]byte{3})

	j.RecordRootUpdate(r1, r2)
	j.RecordRootUpdate(r2, r3)

	var transitions []RootUpdate
	j.ForEachDelta(1, 0, func(*FileChange) bool { return true }, func(ru *RootUpdate) bool {
		transitions = append(transitions, *ru)
		return true
	})
	require.Len(t, transitions, 1, "chained root updates with no intervening unclean paths must coalesce")
	assert.True(t, transitions[0].FromRoot.Equal(r1))
	assert.True(t, transitions[0].ToRoot.Equal(r3))
}

func TestRootUpdateWithUncleanPathsDoesNotCoalesce(t *testing.T) {
	j := newTestJournal(1 << 20)
	r1 := ids.NewRootId([]byte{1})
	r2 := ids.NewRootId([]byte{2})
	r3 := ids.NewRootId([]byte{3})

	j.RecordRootUpdate(r1, r2)
	j.RecordUncleanPaths([]string{"conflict.txt"})
	j.RecordRootUpdate(r2, r3)

	count := 0
	j.ForEachDelta(1, 0, func(*FileChange) bool { return true }, func(*RootUpdate) bool { count++; return true })
	assert.Equal(t, 2, count)
}

func TestRetainsAtLeastOneEntryUnderZeroBudget(t *testing.T) {
	j := newTestJournal(0)
	j.RecordCreated("a.txt", "file")
	j.RecordCreated("b.txt", "file")
	j.RecordCreated("c.txt", "file")

	count := 0
	j.ForEachDelta(1, 0, func(*FileChange) bool { count++; return true }, func(*RootUpdate) bool { return true })
	assert.Equal(t, 1, count, "a zero memory budget must still retain at least one delta")
}

func TestAccumulateRangeMarksTruncatedWhenBeyondRetention(t *testing.T) {
	j := newTestJournal(approxDeltaSize * 2)
	for i := 0; i < 20; i++ {
		j.RecordCreated(string(rune('a'+i))+".txt", "file")
	}

	summary := j.AccumulateRange(1)
	assert.True(t, summary.Truncated)
}

func TestAccumulateRangeMergesPerPathExistence(t *testing.T) {
	j := newTestJournal(1 << 20)
	start := j.LatestSequence() + 1
	j.RecordCreated("a.txt", "file")
	j.RecordChanged("a.txt", "file")
	j.RecordRemoved("a.txt", "file")

	summary := j.AccumulateRange(start)
	info, ok := summary.ChangedFiles["a.txt"]
	require.True(t, ok)
	assert.False(t, info.ExistedBefore)
	assert.False(t, info.ExistedAfter)
}

func TestAccumulateRangeHgOnlyChanges(t *testing.T) {
	j := newTestJournal(1 << 20)
	start := j.LatestSequence() + 1
	j.RecordChanged(".hg/dirstate", "file")
	j.RecordChanged(".hg/bookmarks", "file")

	summary := j.AccumulateRange(start)
	assert.True(t, summary.ContainsHgOnlyChanges)

	j.RecordChanged("src/main.go", "file")
	summary2 := j.AccumulateRange(start)
	assert.False(t, summary2.ContainsHgOnlyChanges)
}

func TestSubscriberNotifiedOnMutation(t *testing.T) {
	j := newTestJournal(1 << 20)
	notified := 0
	unsub := j.Subscribe(func() { notified++ })
	defer unsub()

	j.RecordCreated("a.txt", "file")
	assert.Equal(t, 1, notified)

	j.RecordCreated("a.txt", "file") // identical, coalesces, still a mutation
	assert.Equal(t, 2, notified)
}

func TestPanickingSubscriberDoesNotCorruptJournal(t *testing.T) {
	j := newTestJournal(1 << 20)
	j.Subscribe(func() { panic("boom") })

	assert.NotPanics(t, func() {
		j.RecordCreated("a.txt", "file")
	})
	assert.Equal(t, Sequence(1), j.LatestSequence())
}

func TestForEachDeltaRespectsLimit(t *testing.T) {
	j := newTestJournal(1 << 20)
	for i := 0; i < 5; i++ {
		j.RecordCreated(string(rune('a'+i))+".txt", "file")
	}

	count := 0
	j.ForEachDelta(1, 2, func(*FileChange) bool { count++; return true }, func(*RootUpdate) bool { return true })
	assert.Equal(t, 2, count)
}
