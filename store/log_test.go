package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvledger/model"
	"github.com/kvledger/storage"
)

type fixedHorizon struct {
	id *model.LogID
}

func (h fixedHorizon) LastApplied() *model.LogID { return h.id }

func appliedAt(term, index uint64) fixedHorizon {
	return fixedHorizon{id: &model.LogID{Term: term, Index: index}}
}

func putEntry(term, index uint64, key, value string) model.LogEntry {
	return model.LogEntry{
		Index: index,
		Term:  term,
		Kind:  model.EntryNormal,
		Request: &model.AppRequest{
			Op:    model.OpPut,
			Key:   []byte(key),
			Value: []byte(value),
		},
	}
}

func entrySpan(term, start uint64, n int) []model.LogEntry {
	var out []model.LogEntry
	for i := 0; i < n; i++ {
		out = append(out, putEntry(term, start+uint64(i), "k", "v"))
	}
	return out
}

func newTestLog(t *testing.T, h AppliedHorizon) *LogStore {
	t.Helper()
	ls, err := NewLogStore(storage.NewMem(), h, nil)
	require.NoError(t, err)
	return ls
}

func Test_AppendAndReadRange(t *testing.T) {
	ls := newTestLog(t, nil)

	require.NoError(t, ls.Append([]model.LogEntry{
		putEntry(1, 1, "k1", "v1"),
		putEntry(1, 2, "k2", "v2"),
	}))
	require.NoError(t, ls.Append([]model.LogEntry{putEntry(2, 3, "k3", "v3")}))

	entries, err := ls.ReadRange(1, 4)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(1), entries[0].Index)
	assert.Equal(t, uint64(3), entries[2].Index)
	assert.Equal(t, []byte("k2"), entries[1].Request.Key)

	entries, err = ls.ReadRange(2, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Index)
}

func Test_AppendNonContiguousBatch(t *testing.T) {
	ls := newTestLog(t, nil)

	err := ls.Append([]model.LogEntry{putEntry(1, 1, "k", "v"), putEntry(1, 3, "k", "v")})
	assert.ErrorIs(t, err, ErrLogInconsistency)
}

func Test_AppendDisjointFromTail(t *testing.T) {
	ls := newTestLog(t, nil)

	require.NoError(t, ls.Append(entrySpan(1, 1, 2)))
	err := ls.Append([]model.LogEntry{putEntry(1, 5, "k", "v")})
	assert.ErrorIs(t, err, ErrLogInconsistency)

	// the failed append must not have changed the tail
	st := ls.State()
	require.NotNil(t, st.LastEntry)
	assert.Equal(t, uint64(2), st.LastEntry.Index)
}

func Test_TruncateAfter(t *testing.T) {
	ls := newTestLog(t, nil)
	require.NoError(t, ls.Append(entrySpan(1, 1, 3)))

	require.NoError(t, ls.TruncateAfter(1))

	entries, err := ls.ReadRange(2, 3)
	require.NoError(t, err)
	assert.Empty(t, entries)

	st := ls.State()
	require.NotNil(t, st.LastEntry)
	assert.Equal(t, uint64(1), st.LastEntry.Index)

	// appending at the truncation point succeeds again
	require.NoError(t, ls.Append([]model.LogEntry{putEntry(2, 2, "k", "v")}))

	// no-op past the tail
	require.NoError(t, ls.TruncateAfter(10))
}

func Test_PurgeUpto(t *testing.T) {
	ls := newTestLog(t, appliedAt(1, 3))
	require.NoError(t, ls.Append(entrySpan(1, 1, 3)))

	require.NoError(t, ls.PurgeUpto(2))

	st := ls.State()
	require.NotNil(t, st.LastPurged)
	assert.Equal(t, model.LogID{Term: 1, Index: 2}, *st.LastPurged)
	require.NotNil(t, st.LastEntry)
	assert.Equal(t, uint64(3), st.LastEntry.Index)
	assert.Equal(t, uint64(3), ls.FirstIndex())

	_, err := ls.ReadRange(1, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = ls.ReadRange(2, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)

	entries, err := ls.ReadRange(3, 4)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// purging the same range again is a no-op
	require.NoError(t, ls.PurgeUpto(2))
}

func Test_PurgeBeyondAppliedHorizon(t *testing.T) {
	ls := newTestLog(t, appliedAt(1, 3))
	require.NoError(t, ls.Append(entrySpan(1, 1, 5)))

	err := ls.PurgeUpto(5)
	assert.ErrorIs(t, err, ErrPurgeTooFar)

	// no horizon at all refuses any purge
	bare := newTestLog(t, nil)
	require.NoError(t, bare.Append(entrySpan(1, 1, 2)))
	assert.ErrorIs(t, bare.PurgeUpto(1), ErrPurgeTooFar)
}

func Test_SaveAndReadVote(t *testing.T) {
	ls := newTestLog(t, nil)

	v, err := ls.ReadVote()
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, ls.SaveVote(model.Vote{Term: 3, VotedFor: 2, Committed: true}))
	v, err = ls.ReadVote()
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, model.Vote{Term: 3, VotedFor: 2, Committed: true}, *v)

	// same term may be rewritten, lower term may not
	require.NoError(t, ls.SaveVote(model.Vote{Term: 3, VotedFor: 1}))
	assert.ErrorIs(t, ls.SaveVote(model.Vote{Term: 2, VotedFor: 1}), ErrStaleVote)
}

func Test_LogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	eng, err := storage.OpenFile(path)
	require.NoError(t, err)

	ls, err := NewLogStore(eng, appliedAt(1, 2), nil)
	require.NoError(t, err)
	require.NoError(t, ls.Append(entrySpan(1, 1, 3)))
	require.NoError(t, ls.PurgeUpto(1))
	require.NoError(t, ls.SaveVote(model.Vote{Term: 1, VotedFor: 1}))
	require.NoError(t, eng.Close())

	eng2, err := storage.OpenFile(path)
	require.NoError(t, err)
	ls2, err := NewLogStore(eng2, nil, nil)
	require.NoError(t, err)

	st := ls2.State()
	require.NotNil(t, st.LastPurged)
	assert.Equal(t, uint64(1), st.LastPurged.Index)
	require.NotNil(t, st.LastEntry)
	assert.Equal(t, uint64(3), st.LastEntry.Index)
	assert.Equal(t, uint64(2), ls2.FirstIndex())

	v, err := ls2.ReadVote()
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, uint64(1), v.Term)
}

func Test_EmptyLogState(t *testing.T) {
	ls := newTestLog(t, nil)
	st := ls.State()
	assert.Nil(t, st.LastPurged)
	assert.Nil(t, st.LastEntry)
	assert.Equal(t, uint64(0), ls.FirstIndex())

	entries, err := ls.ReadRange(1, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
