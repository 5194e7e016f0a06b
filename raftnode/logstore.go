package raftnode

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kvledger/model"
	"github.com/kvledger/store"
	"github.com/kvledger/storage"
)

// logStore adapts the core log store to the consensus engine's
// LogStore interface. The engine expresses both head compaction and
// tail conflict resolution as DeleteRange; the adapter routes those
// to the purge and truncate operations respectively.
type logStore struct {
	ls *store.LogStore
}

func newLogStore(ls *store.LogStore) *logStore {
	return &logStore{ls: ls}
}

func (a *logStore) FirstIndex() (uint64, error) {
	return a.ls.FirstIndex(), nil
}

func (a *logStore) LastIndex() (uint64, error) {
	st := a.ls.State()
	if st.LastEntry == nil {
		return 0, nil
	}
	return st.LastEntry.Index, nil
}

func (a *logStore) GetLog(index uint64, out *raft.Log) error {
	entries, err := a.ls.ReadRange(index, index+1)
	if err != nil {
		if errors.Is(err, store.ErrOutOfRange) {
			return raft.ErrLogNotFound
		}
		return err
	}
	if len(entries) == 0 {
		return raft.ErrLogNotFound
	}
	return fromEntry(entries[0], out)
}

func (a *logStore) StoreLog(l *raft.Log) error {
	return a.StoreLogs([]*raft.Log{l})
}

func (a *logStore) StoreLogs(logs []*raft.Log) error {
	entries := make([]model.LogEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, toEntry(l))
	}
	return a.ls.Append(entries)
}

func (a *logStore) DeleteRange(min, max uint64) error {
	first := a.ls.FirstIndex()
	st := a.ls.State()
	var last uint64
	if st.LastEntry != nil {
		last = st.LastEntry.Index
	}

	switch {
	case first != 0 && min <= first:
		// Head deletion: compaction behind a snapshot.
		return a.ls.PurgeUpto(max)
	case max >= last:
		// Tail deletion: conflicting entries from a deposed leader.
		return a.ls.TruncateAfter(min - 1)
	default:
		return fmt.Errorf("unsupported mid-log delete range [%d, %d]", min, max)
	}
}

// fromEntry reconstructs the engine's wire form of a stored entry.
func fromEntry(e model.LogEntry, out *raft.Log) error {
	out.Index = e.Index
	out.Term = e.Term
	out.Extensions = nil
	switch e.Kind {
	case model.EntryNormal:
		out.Type = raft.LogCommand
		if e.Request == nil {
			out.Data = nil
			return nil
		}
		data, err := msgpack.Marshal(e.Request)
		if err != nil {
			return fmt.Errorf("encode command %d: %w", e.Index, err)
		}
		out.Data = data
	case model.EntryMembership:
		out.Type = raft.LogConfiguration
		out.Data = append([]byte(nil), e.Config...)
	default:
		out.Type = raft.LogNoop
		out.Data = nil
	}
	return nil
}

// Stable-store keys the engine persists between restarts.
var (
	errNotFound = errors.New("not found")

	stablePrefix    = []byte("s/")
	keyLastVoteTerm = "LastVoteTerm"
	keyLastVoteCand = "LastVoteCand"
)

// stableStore persists the consensus engine's small durable keys
// (current term, last vote) in the log engine. Writes are flushed
// before returning; the engine counts on them surviving a crash.
// Vote-related keys are mirrored into the core vote record so the
// node's election state is readable through the log store contract.
type stableStore struct {
	eng storage.Engine
	ls  *store.LogStore
}

func newStableStore(eng storage.Engine, ls *store.LogStore) *stableStore {
	return &stableStore{eng: eng, ls: ls}
}

func stableKey(key []byte) []byte {
	k := make([]byte, 0, len(stablePrefix)+len(key))
	k = append(k, stablePrefix...)
	return append(k, key...)
}

func (s *stableStore) Set(key, val []byte) error {
	s.eng.Insert(stableKey(key), val)
	if err := s.eng.Flush(); err != nil {
		return err
	}
	if string(key) == keyLastVoteCand {
		s.mirrorVote(func(v *model.Vote) {
			if id, err := strconv.ParseUint(string(val), 10, 64); err == nil {
				v.VotedFor = id
			}
		})
	}
	return nil
}

func (s *stableStore) Get(key []byte) ([]byte, error) {
	v, ok := s.eng.Get(stableKey(key))
	if !ok {
		return nil, errNotFound
	}
	return v, nil
}

func (s *stableStore) SetUint64(key []byte, val uint64) error {
	if err := s.Set(key, []byte(strconv.FormatUint(val, 10))); err != nil {
		return err
	}
	if string(key) == keyLastVoteTerm {
		s.mirrorVote(func(v *model.Vote) {
			if val > v.Term {
				v.Term = val
			}
		})
	}
	return nil
}

func (s *stableStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stable key %q: %w", key, err)
	}
	return n, nil
}

func (s *stableStore) mirrorVote(update func(*model.Vote)) {
	v, err := s.ls.ReadVote()
	if err != nil || v == nil {
		v = &model.Vote{}
	}
	update(v)
	// Best effort: the stable keys above are authoritative.
	_ = s.ls.SaveVote(*v)
}
