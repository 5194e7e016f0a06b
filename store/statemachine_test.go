package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvledger/merkle"
	"github.com/kvledger/model"
	"github.com/kvledger/storage"
)

func newTestSM(t *testing.T) *StateMachineStore {
	t.Helper()
	sm, err := NewStateMachine(storage.NewMem(), nil)
	require.NoError(t, err)
	return sm
}

func delEntry(term, index uint64, key string) model.LogEntry {
	return model.LogEntry{
		Index:   index,
		Term:    term,
		Kind:    model.EntryNormal,
		Request: &model.AppRequest{Op: model.OpDelete, Key: []byte(key)},
	}
}

func Test_ApplyPutAndDelete(t *testing.T) {
	sm := newTestSM(t)

	responses, err := sm.Apply([]model.LogEntry{putEntry(1, 1, "k1", "v1")})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, model.RespPutOk, responses[0].Kind)

	v, ok := sm.Get([]byte("k1"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	responses, err = sm.Apply([]model.LogEntry{delEntry(1, 2, "k1")})
	require.NoError(t, err)
	assert.Equal(t, model.RespDeleteOk, responses[0].Kind)
	_, ok = sm.Get([]byte("k1"))
	assert.False(t, ok)

	// deleting a key that was never there still succeeds
	responses, err = sm.Apply([]model.LogEntry{delEntry(1, 3, "ghost")})
	require.NoError(t, err)
	assert.Equal(t, model.RespDeleteOk, responses[0].Kind)

	applied := sm.LastApplied()
	require.NotNil(t, applied)
	assert.Equal(t, model.LogID{Term: 1, Index: 3}, *applied)
}

func Test_ApplyOutOfOrder(t *testing.T) {
	sm := newTestSM(t)
	_, err := sm.Apply([]model.LogEntry{putEntry(1, 1, "k", "v")})
	require.NoError(t, err)

	_, err = sm.Apply([]model.LogEntry{putEntry(1, 5, "k", "v")})
	assert.ErrorIs(t, err, ErrApplyOutOfOrder)

	_, err = sm.Apply([]model.LogEntry{putEntry(1, 2, "a", "1"), putEntry(1, 4, "b", "2")})
	assert.ErrorIs(t, err, ErrApplyOutOfOrder)

	// re-applying an already applied index is refused, never repeated
	_, err = sm.Apply([]model.LogEntry{putEntry(1, 1, "k", "other")})
	assert.ErrorIs(t, err, ErrApplyOutOfOrder)
	v, _ := sm.Get([]byte("k"))
	assert.Equal(t, []byte("v"), v)
}

func Test_BatchingDoesNotChangeOutcome(t *testing.T) {
	entries := []model.LogEntry{
		putEntry(1, 1, "a", "1"),
		putEntry(1, 2, "b", "2"),
		delEntry(1, 3, "a"),
		putEntry(2, 4, "c", "3"),
		putEntry(2, 5, "b", "rewritten"),
	}

	batched := newTestSM(t)
	batchedResp, err := batched.Apply(entries)
	require.NoError(t, err)

	single := newTestSM(t)
	var singleResp []model.AppResponse
	for _, e := range entries {
		r, err := single.Apply([]model.LogEntry{e})
		require.NoError(t, err)
		singleResp = append(singleResp, r...)
	}

	assert.Equal(t, batchedResp, singleResp)
	assert.Equal(t, *batched.LastApplied(), *single.LastApplied())

	br, err := batched.RootHash()
	require.NoError(t, err)
	sr, err := single.RootHash()
	require.NoError(t, err)
	assert.Equal(t, br, sr)
}

func Test_BlankEntriesAdvanceMarkerOnly(t *testing.T) {
	sm := newTestSM(t)
	responses, err := sm.Apply([]model.LogEntry{
		{Index: 1, Term: 1, Kind: model.EntryBlank},
		putEntry(1, 2, "k", "v"),
		{Index: 3, Term: 1, Kind: model.EntryMembership, Config: []byte("opaque")},
	})
	require.NoError(t, err)
	require.Len(t, responses, 3)
	assert.Equal(t, model.LogID{Term: 1, Index: 3}, *sm.LastApplied())

	root, err := sm.RootHash()
	require.NoError(t, err)
	assert.Equal(t, merkle.New([]merkle.Pair{{Key: []byte("k"), Value: []byte("v")}}).Root(), root)
}

func Test_RootHashScenario(t *testing.T) {
	sm := newTestSM(t)
	_, err := sm.Apply([]model.LogEntry{
		putEntry(1, 1, "k1", "v1"),
		putEntry(1, 2, "k2", "v2"),
		delEntry(1, 3, "k1"),
	})
	require.NoError(t, err)

	v, ok := sm.Get([]byte("k2"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
	_, ok = sm.Get([]byte("k1"))
	assert.False(t, ok)

	root, err := sm.RootHash()
	require.NoError(t, err)
	single := merkle.New([]merkle.Pair{{Key: []byte("k2"), Value: []byte("v2")}})
	assert.Equal(t, single.Root(), root)

	proof, err := sm.GetProof([]byte("k1"))
	require.NoError(t, err)
	assert.Nil(t, proof)

	proof, err = sm.GetProof([]byte("k2"))
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.True(t, merkle.VerifyProof(proof, root))
}

func Test_EmptyStore(t *testing.T) {
	sm := newTestSM(t)

	root, err := sm.RootHash()
	require.NoError(t, err)
	assert.Nil(t, root)

	proof, err := sm.GetProof([]byte("anything"))
	require.NoError(t, err)
	assert.Nil(t, proof)

	assert.Nil(t, sm.LastApplied())
}

func Test_ProofsVerifyForEveryKey(t *testing.T) {
	sm := newTestSM(t)
	var entries []model.LogEntry
	for i := 0; i < 9; i++ {
		entries = append(entries, putEntry(1, uint64(i+1),
			fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i)))
	}
	_, err := sm.Apply(entries)
	require.NoError(t, err)

	root, err := sm.RootHash()
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		proof, err := sm.GetProof([]byte(fmt.Sprintf("key%d", i)))
		require.NoError(t, err)
		require.NotNil(t, proof)
		assert.True(t, merkle.VerifyProof(proof, root))
	}
}

func Test_SnapshotRoundTrip(t *testing.T) {
	src := newTestSM(t)
	_, err := src.Apply([]model.LogEntry{
		putEntry(1, 1, "a", "1"),
		putEntry(1, 2, "b", "2"),
		putEntry(2, 3, "c", "3"),
	})
	require.NoError(t, err)

	snap, err := src.BuildSnapshot()
	require.NoError(t, err)
	assert.Equal(t, model.LogID{Term: 2, Index: 3}, snap.LastIncluded)

	dst := newTestSM(t)
	require.NoError(t, dst.InstallSnapshot(snap))

	assert.Equal(t, *src.LastApplied(), *dst.LastApplied())
	for _, k := range []string{"a", "b", "c"} {
		sv, sok := src.Get([]byte(k))
		dv, dok := dst.Get([]byte(k))
		assert.Equal(t, sok, dok)
		assert.Equal(t, sv, dv)
	}

	srcRoot, err := src.RootHash()
	require.NoError(t, err)
	dstRoot, err := dst.RootHash()
	require.NoError(t, err)
	assert.Equal(t, srcRoot, dstRoot)
}

func Test_InstallDiscardsPriorContents(t *testing.T) {
	src := newTestSM(t)
	_, err := src.Apply([]model.LogEntry{putEntry(1, 5, "only", "this")})
	require.NoError(t, err)
	snap, err := src.BuildSnapshot()
	require.NoError(t, err)

	dst := newTestSM(t)
	_, err = dst.Apply([]model.LogEntry{putEntry(1, 1, "stale", "gone")})
	require.NoError(t, err)

	require.NoError(t, dst.InstallSnapshot(snap))
	_, ok := dst.Get([]byte("stale"))
	assert.False(t, ok)
	v, ok := dst.Get([]byte("only"))
	assert.True(t, ok)
	assert.Equal(t, []byte("this"), v)
}

func Test_StaleSnapshotRejected(t *testing.T) {
	src := newTestSM(t)
	_, err := src.Apply([]model.LogEntry{putEntry(1, 2, "k", "v")})
	require.NoError(t, err)
	snap, err := src.BuildSnapshot()
	require.NoError(t, err)

	dst := newTestSM(t)
	_, err = dst.Apply(entrySpan(1, 1, 4))
	require.NoError(t, err)

	err = dst.InstallSnapshot(snap)
	assert.ErrorIs(t, err, ErrStaleSnapshot)

	// equal index is also a regression
	level, err := dst.BuildSnapshot()
	require.NoError(t, err)
	assert.ErrorIs(t, dst.InstallSnapshot(level), ErrStaleSnapshot)
}

func Test_CorruptSnapshotRejected(t *testing.T) {
	sm := newTestSM(t)
	err := sm.InstallSnapshot(&model.Snapshot{
		LastIncluded: model.LogID{Term: 1, Index: 1},
		Data:         []byte("not a snapshot"),
	})
	assert.ErrorIs(t, err, ErrSerialization)
}

func Test_AppliedMarkerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	eng, err := storage.OpenFile(path)
	require.NoError(t, err)
	sm, err := NewStateMachine(eng, nil)
	require.NoError(t, err)

	_, err = sm.Apply([]model.LogEntry{putEntry(3, 1, "k", "v")})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	eng2, err := storage.OpenFile(path)
	require.NoError(t, err)
	sm2, err := NewStateMachine(eng2, nil)
	require.NoError(t, err)

	applied := sm2.LastApplied()
	require.NotNil(t, applied)
	assert.Equal(t, model.LogID{Term: 3, Index: 1}, *applied)
	v, ok := sm2.Get([]byte("k"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
