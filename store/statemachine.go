package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kvledger/merkle"
	"github.com/kvledger/model"
	"github.com/kvledger/storage"
)

// Engine key layout for the state machine: application keys under
// their own prefix, the applied marker beside them so one flush moves
// both together.
var (
	dataPrefix    = []byte("k/")
	dataPrefixEnd = []byte("k0")
	appliedKey    = []byte("m/applied")
)

// StateMachineStore applies committed log entries to the key-value
// store in log order exactly once and owns the applied horizon. The
// consensus engine invokes Apply and InstallSnapshot sequentially;
// read operations may run concurrently and observe a consistent
// point-in-time view.
type StateMachineStore struct {
	mu  sync.RWMutex
	eng storage.Engine
	l   *slog.Logger

	lastApplied *model.LogID
}

// NewStateMachine opens a state machine store over eng, recovering
// the applied marker persisted by the last run.
func NewStateMachine(eng storage.Engine, l *slog.Logger) (*StateMachineStore, error) {
	if l == nil {
		l = slog.Default()
	}
	s := &StateMachineStore{eng: eng, l: l}
	if raw, ok := eng.Get(appliedKey); ok {
		var id model.LogID
		if err := msgpack.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%w: applied marker: %v", ErrSerialization, err)
		}
		s.lastApplied = &id
	}
	return s, nil
}

func dataKey(key []byte) []byte {
	k := make([]byte, 0, len(dataPrefix)+len(key))
	k = append(k, dataPrefix...)
	return append(k, key...)
}

// Apply executes a batch of committed entries against the key-value
// store. The batch must be contiguous and start immediately after the
// last applied entry. Application is deterministic: identical log
// contents produce identical key-value contents and responses on
// every node.
//
// The key-value mutations and the advanced applied marker reach
// stable storage in one flush, so a crash can never leave one ahead
// of the other.
func (s *StateMachineStore) Apply(entries []model.LogEntry) ([]model.AppResponse, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return nil, fmt.Errorf("%w: batch skips from %d to %d",
				ErrApplyOutOfOrder, entries[i-1].Index, entries[i].Index)
		}
	}
	if s.lastApplied != nil && entries[0].Index != s.lastApplied.Index+1 {
		return nil, fmt.Errorf("%w: batch starts at %d, applied through %d",
			ErrApplyOutOfOrder, entries[0].Index, s.lastApplied.Index)
	}

	responses := make([]model.AppResponse, 0, len(entries))
	for _, e := range entries {
		responses = append(responses, s.applyOne(e))
	}

	last := entries[len(entries)-1].ID()
	raw, err := msgpack.Marshal(&last)
	if err != nil {
		return nil, fmt.Errorf("%w: applied marker: %v", ErrSerialization, err)
	}
	s.eng.Insert(appliedKey, raw)
	if err := s.eng.Flush(); err != nil {
		return nil, fmt.Errorf("%w: apply flush: %v", ErrStorage, err)
	}
	s.lastApplied = &last
	return responses, nil
}

func (s *StateMachineStore) applyOne(e model.LogEntry) model.AppResponse {
	if e.Kind != model.EntryNormal {
		// Blank and membership entries advance the applied position
		// without touching the key space.
		return model.AppResponse{Kind: model.RespPutOk}
	}
	req := e.Request
	if req == nil {
		return model.AppResponse{Kind: model.RespError, Message: "entry carries no command"}
	}
	switch req.Op {
	case model.OpPut:
		s.eng.Insert(dataKey(req.Key), req.Value)
		return model.AppResponse{Kind: model.RespPutOk}
	case model.OpDelete:
		// Deleting an absent key is not an error.
		s.eng.Remove(dataKey(req.Key))
		return model.AppResponse{Kind: model.RespDeleteOk}
	default:
		return model.AppResponse{Kind: model.RespError, Message: fmt.Sprintf("unknown op %d", req.Op)}
	}
}

// Get returns the current value for key.
func (s *StateMachineStore) Get(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng.Get(dataKey(key))
}

// LastApplied returns the id of the last applied entry, nil if
// nothing was ever applied. It only advances, never regresses.
func (s *StateMachineStore) LastApplied() *model.LogID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyID(s.lastApplied)
}

// RootHash rebuilds the integrity tree over the full current
// key-value contents and returns its root; nil signals an empty
// store. The pair set is copied under a short read lock and the
// O(n log n) tree build runs outside it, so concurrent applies are
// only blocked for the duration of the copy.
func (s *StateMachineStore) RootHash() ([]byte, error) {
	pairs := s.collectPairs()
	return merkle.New(pairs).Root(), nil
}

// GetProof rebuilds the integrity tree and returns an inclusion proof
// for key, or nil if the key is absent.
func (s *StateMachineStore) GetProof(key []byte) (*merkle.Proof, error) {
	pairs := s.collectPairs()
	return merkle.New(pairs).Proof(key), nil
}

func (s *StateMachineStore) collectPairs() []merkle.Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pairs []merkle.Pair
	s.eng.AscendRange(dataPrefix, dataPrefixEnd, func(k, v []byte) bool {
		pairs = append(pairs, merkle.Pair{
			Key:   append([]byte(nil), k[len(dataPrefix):]...),
			Value: append([]byte(nil), v...),
		})
		return true
	})
	return pairs
}

// BuildSnapshot serializes the full key-value contents plus the
// applied position into a transferable snapshot. The view is a
// consistent point in time; no concurrently applied entry is ever
// half-reflected.
func (s *StateMachineStore) BuildSnapshot() (*model.Snapshot, error) {
	s.mu.RLock()
	payload := snapshotPayload{LastApplied: copyID(s.lastApplied)}
	s.eng.AscendRange(dataPrefix, dataPrefixEnd, func(k, v []byte) bool {
		payload.Pairs = append(payload.Pairs, kvPair{
			Key:   append([]byte(nil), k[len(dataPrefix):]...),
			Value: append([]byte(nil), v...),
		})
		return true
	})
	s.mu.RUnlock()

	snap, err := encodeSnapshot(payload)
	if err != nil {
		return nil, err
	}
	s.l.Info("snapshot built",
		slog.String("last_included", formatID(&snap.LastIncluded)),
		slog.Int("pairs", len(payload.Pairs)))
	return snap, nil
}

// InstallSnapshot replaces the entire key-value contents and applied
// position with the snapshot's, discarding prior contents. Install is
// exclusive with Apply; a snapshot at or behind the current applied
// position is rejected rather than allowed to regress the store.
func (s *StateMachineStore) InstallSnapshot(snap *model.Snapshot) error {
	payload, err := decodeSnapshot(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastApplied != nil && snap.LastIncluded.Index <= s.lastApplied.Index {
		return fmt.Errorf("%w: snapshot at %s, applied through %s",
			ErrStaleSnapshot, formatID(&snap.LastIncluded), formatID(s.lastApplied))
	}

	s.eng.Clear()
	for _, p := range payload.Pairs {
		s.eng.Insert(dataKey(p.Key), p.Value)
	}
	marker := snap.LastIncluded
	raw, err := msgpack.Marshal(&marker)
	if err != nil {
		return fmt.Errorf("%w: applied marker: %v", ErrSerialization, err)
	}
	s.eng.Insert(appliedKey, raw)
	if err := s.eng.Flush(); err != nil {
		return fmt.Errorf("%w: install flush: %v", ErrStorage, err)
	}
	s.lastApplied = &marker

	s.l.Info("snapshot installed",
		slog.String("last_included", formatID(&marker)),
		slog.Int("pairs", len(payload.Pairs)))
	return nil
}
