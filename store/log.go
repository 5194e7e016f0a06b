package store

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kvledger/model"
	"github.com/kvledger/storage"
)

// Engine key layout. Entries sort by index because the index is
// big-endian; metadata lives under a separate prefix.
var (
	entryPrefix    = []byte("l/")
	entryPrefixEnd = []byte("l0") // first key past the entry keyspace
	voteKey        = []byte("m/vote")
	purgedKey      = []byte("m/purged")
)

// AppliedHorizon reports how far the state machine has applied the
// log. The log store consults it before purging so compaction can
// never discard unapplied commands.
type AppliedHorizon interface {
	LastApplied() *model.LogID
}

// LogStore is the durable, ordered store of consensus log entries and
// the node's current vote. The consensus engine is the sole caller of
// mutating operations and invokes them sequentially; reads may run
// concurrently with a mutation and observe a consistent state.
//
// Every mutating call is flushed to stable storage before returning
// success: the consensus engine treats a successful return as a
// durability guarantee usable for commit-index advancement.
type LogStore struct {
	mu      sync.RWMutex
	eng     storage.Engine
	horizon AppliedHorizon
	l       *slog.Logger

	// cached bounds, rebuilt from the engine at open
	first  *model.LogID
	last   *model.LogID
	purged *model.LogID
}

// NewLogStore opens a log store over eng. horizon may be nil, in
// which case PurgeUpto refuses every call.
func NewLogStore(eng storage.Engine, horizon AppliedHorizon, l *slog.Logger) (*LogStore, error) {
	if l == nil {
		l = slog.Default()
	}
	s := &LogStore{eng: eng, horizon: horizon, l: l}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LogStore) load() error {
	if raw, ok := s.eng.Get(purgedKey); ok {
		var id model.LogID
		if err := msgpack.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("%w: purge marker: %v", ErrSerialization, err)
		}
		s.purged = &id
	}
	return s.rescanBounds()
}

// rescanBounds rebuilds the cached first/last ids from the engine.
// Called with mu held (or before the store is shared).
func (s *LogStore) rescanBounds() error {
	s.first, s.last = nil, nil
	var decodeErr error
	s.eng.AscendRange(entryPrefix, entryPrefixEnd, func(_, raw []byte) bool {
		var e model.LogEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			decodeErr = fmt.Errorf("%w: log entry: %v", ErrSerialization, err)
			return false
		}
		id := e.ID()
		if s.first == nil {
			s.first = &id
		}
		s.last = &id
		return true
	})
	return decodeErr
}

func entryKey(index uint64) []byte {
	k := make([]byte, 0, len(entryPrefix)+8)
	k = append(k, entryPrefix...)
	return binary.BigEndian.AppendUint64(k, index)
}

// Append stores entries at the tail of the log. Entries must be
// index-increasing, contiguous among themselves, and contiguous with
// the existing tail; the caller is responsible for truncating a
// conflicting tail first.
func (s *LogStore) Append(entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return fmt.Errorf("%w: batch skips from %d to %d",
				ErrLogInconsistency, entries[i-1].Index, entries[i].Index)
		}
	}
	first := entries[0].Index
	switch {
	case s.last != nil && first != s.last.Index+1:
		return fmt.Errorf("%w: append at %d, tail at %d", ErrLogInconsistency, first, s.last.Index)
	case s.last == nil && s.purged != nil && first != s.purged.Index+1:
		return fmt.Errorf("%w: append at %d, purged through %d", ErrLogInconsistency, first, s.purged.Index)
	}

	for _, e := range entries {
		raw, err := msgpack.Marshal(&e)
		if err != nil {
			return fmt.Errorf("%w: log entry %d: %v", ErrSerialization, e.Index, err)
		}
		s.eng.Insert(entryKey(e.Index), raw)
	}
	if err := s.eng.Flush(); err != nil {
		return fmt.Errorf("%w: append flush: %v", ErrStorage, err)
	}
	if s.first == nil {
		id := entries[0].ID()
		s.first = &id
	}
	id := entries[len(entries)-1].ID()
	s.last = &id
	return nil
}

// ReadRange returns entries with start <= index < end in index order.
// Reading below the purge horizon fails: that data no longer exists.
func (s *LogStore) ReadRange(start, end uint64) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.purged != nil && start <= s.purged.Index {
		return nil, fmt.Errorf("%w: read from %d, purged through %d", ErrOutOfRange, start, s.purged.Index)
	}
	if end <= start {
		return nil, nil
	}

	var (
		out       []model.LogEntry
		decodeErr error
	)
	s.eng.AscendRange(entryKey(start), entryKey(end), func(_, raw []byte) bool {
		var e model.LogEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			decodeErr = fmt.Errorf("%w: log entry: %v", ErrSerialization, err)
			return false
		}
		out = append(out, e)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// TruncateAfter discards all entries with index > index. Used to
// resolve divergence when a new leader's entries conflict with this
// node's tail. No-op if index is at or past the current last index.
func (s *LogStore) TruncateAfter(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil || index >= s.last.Index {
		return nil
	}

	var doomed [][]byte
	s.eng.AscendRange(entryKey(index+1), entryPrefixEnd, func(k, _ []byte) bool {
		doomed = append(doomed, append([]byte(nil), k...))
		return true
	})
	for _, k := range doomed {
		s.eng.Remove(k)
	}
	if err := s.eng.Flush(); err != nil {
		return fmt.Errorf("%w: truncate flush: %v", ErrStorage, err)
	}
	s.l.Info("log truncated", slog.Uint64("after", index), slog.Int("removed", len(doomed)))
	return s.rescanBounds()
}

// PurgeUpto irreversibly discards entries with index <= index and
// advances the purge horizon. The index must not exceed the state
// machine's applied horizon.
func (s *LogStore) PurgeUpto(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied *model.LogID
	if s.horizon != nil {
		applied = s.horizon.LastApplied()
	}
	if applied == nil || index > applied.Index {
		return fmt.Errorf("%w: purge to %d, applied %s", ErrPurgeTooFar, index, formatID(applied))
	}
	if s.purged != nil && index <= s.purged.Index {
		return nil
	}

	// Resolve the term of the purge marker from the stored entry when
	// it still exists; after a snapshot install the log may already be
	// empty past the marker, in which case the applied id carries it.
	term := applied.Term
	if raw, ok := s.eng.Get(entryKey(index)); ok {
		var e model.LogEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("%w: log entry %d: %v", ErrSerialization, index, err)
		}
		term = e.Term
	}

	var doomed [][]byte
	s.eng.AscendRange(entryPrefix, entryKey(index+1), func(k, _ []byte) bool {
		doomed = append(doomed, append([]byte(nil), k...))
		return true
	})
	for _, k := range doomed {
		s.eng.Remove(k)
	}

	marker := model.LogID{Term: term, Index: index}
	raw, err := msgpack.Marshal(&marker)
	if err != nil {
		return fmt.Errorf("%w: purge marker: %v", ErrSerialization, err)
	}
	s.eng.Insert(purgedKey, raw)
	if err := s.eng.Flush(); err != nil {
		return fmt.Errorf("%w: purge flush: %v", ErrStorage, err)
	}

	s.purged = &marker
	s.l.Info("log purged", slog.Uint64("upto", index), slog.Int("removed", len(doomed)))
	return s.rescanBounds()
}

// SaveVote durably records the node's election state. The vote must
// survive a crash immediately after voting, so it is flushed before
// this returns. A vote with a lower term than the persisted one is
// rejected.
func (s *LogStore) SaveVote(vote model.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok := s.eng.Get(voteKey); ok {
		var cur model.Vote
		if err := msgpack.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("%w: vote: %v", ErrSerialization, err)
		}
		if vote.Term < cur.Term {
			return fmt.Errorf("%w: term %d below %d", ErrStaleVote, vote.Term, cur.Term)
		}
	}

	raw, err := msgpack.Marshal(&vote)
	if err != nil {
		return fmt.Errorf("%w: vote: %v", ErrSerialization, err)
	}
	s.eng.Insert(voteKey, raw)
	if err := s.eng.Flush(); err != nil {
		return fmt.Errorf("%w: vote flush: %v", ErrStorage, err)
	}
	return nil
}

// ReadVote returns the persisted vote, or nil if none was ever saved.
func (s *LogStore) ReadVote() (*model.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.eng.Get(voteKey)
	if !ok {
		return nil, nil
	}
	var v model.Vote
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: vote: %v", ErrSerialization, err)
	}
	return &v, nil
}

// State reports the current log bounds.
func (s *LogStore) State() model.LogState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.LogState{
		LastPurged: copyID(s.purged),
		LastEntry:  copyID(s.last),
	}
}

// FirstIndex returns the index of the first stored entry, 0 if the
// log holds no entries.
func (s *LogStore) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.first == nil {
		return 0
	}
	return s.first.Index
}

func copyID(id *model.LogID) *model.LogID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func formatID(id *model.LogID) string {
	if id == nil {
		return "none"
	}
	return fmt.Sprintf("%d-%d", id.Term, id.Index)
}
