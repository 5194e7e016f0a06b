package model

// LogID identifies a single position in the replicated log.
type LogID struct {
	Term  uint64 // term under which the entry was proposed
	Index uint64 // position in the log, strictly increasing and contiguous
}

// EntryKind discriminates the payload carried by a log entry.
type EntryKind uint8

const (
	// EntryNormal carries an application command.
	EntryNormal EntryKind = iota
	// EntryBlank is an internal marker (e.g. the no-op a new leader commits).
	EntryBlank
	// EntryMembership records a cluster configuration change.
	EntryMembership
)

// LogEntry is one ordered, immutable unit in the replicated command
// sequence. Request is nil unless Kind is EntryNormal; Config carries
// the consensus engine's opaque membership payload for
// EntryMembership entries so they survive a restart byte-for-byte.
type LogEntry struct {
	Index   uint64      `msgpack:"index"`
	Term    uint64      `msgpack:"term"`
	Kind    EntryKind   `msgpack:"kind"`
	Request *AppRequest `msgpack:"request,omitempty"`
	Config  []byte      `msgpack:"config,omitempty"`
}

// ID returns the entry's log position.
func (e LogEntry) ID() LogID {
	return LogID{Term: e.Term, Index: e.Index}
}

// Op is the mutation carried by an application command.
type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

// AppRequest is an application command ordered through the log.
// Keys and values are arbitrary byte strings; the only ordering
// semantics anywhere is lexicographic byte comparison.
type AppRequest struct {
	Op    Op     `msgpack:"op"`
	Key   []byte `msgpack:"key"`
	Value []byte `msgpack:"value,omitempty"` // unused for OpDelete
}
