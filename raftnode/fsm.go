package raftnode

import (
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kvledger/model"
	"github.com/kvledger/store"
)

// fsm adapts the state machine store to the consensus engine's FSM
// interface. The engine delivers committed command entries one at a
// time and in log order; entries it keeps to itself (no-ops, barriers,
// configuration changes) leave gaps in the delivered index sequence,
// which the adapter fills with blank entries so the store's
// contiguity contract holds.
type fsm struct {
	sm *store.StateMachineStore
}

func newFSM(sm *store.StateMachineStore) *fsm {
	return &fsm{sm: sm}
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	applied := f.sm.LastApplied()
	if applied != nil && l.Index <= applied.Index {
		// Replay of an already-applied entry after restart; the store
		// is durable, so re-applying would violate exactly-once.
		return model.AppResponse{Kind: model.RespPutOk}
	}

	var entries []model.LogEntry
	next := uint64(1)
	if applied != nil {
		next = applied.Index + 1
	}
	for ; next < l.Index; next++ {
		entries = append(entries, model.LogEntry{Index: next, Term: l.Term, Kind: model.EntryBlank})
	}
	entries = append(entries, toEntry(l))

	responses, err := f.sm.Apply(entries)
	if err != nil {
		return model.AppResponse{Kind: model.RespError, Message: err.Error()}
	}
	return responses[len(responses)-1]
}

func toEntry(l *raft.Log) model.LogEntry {
	e := model.LogEntry{Index: l.Index, Term: l.Term}
	switch l.Type {
	case raft.LogCommand:
		e.Kind = model.EntryNormal
		var req model.AppRequest
		if err := msgpack.Unmarshal(l.Data, &req); err == nil {
			e.Request = &req
		}
		// A command that fails to decode applies as an error response
		// deterministically on every node; Request stays nil.
	case raft.LogConfiguration:
		e.Kind = model.EntryMembership
		e.Config = append([]byte(nil), l.Data...)
	default:
		e.Kind = model.EntryBlank
	}
	return e
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	snap, err := f.sm.BuildSnapshot()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{snap: snap}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap model.Snapshot
	if err := msgpack.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	// At startup the engine replays its latest snapshot into the FSM
	// unconditionally. With a durable state machine that snapshot is
	// already reflected; only genuinely newer ones are installed.
	if applied := f.sm.LastApplied(); applied != nil && snap.LastIncluded.Index <= applied.Index {
		return nil
	}
	return f.sm.InstallSnapshot(&snap)
}

// fsmSnapshot streams a built snapshot into the engine's sink.
type fsmSnapshot struct {
	snap *model.Snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := msgpack.NewEncoder(sink).Encode(s.snap); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
