package model

// Vote is the durable record of this node's current election state.
// It must be flushed to stable storage before any vote response is
// sent, and its term must never regress.
type Vote struct {
	Term      uint64 `msgpack:"term"`
	VotedFor  uint64 `msgpack:"voted_for"` // node id, 0 if none (node ids start at 1)
	Committed bool   `msgpack:"committed"`
}

// LogState summarizes the bounds of the stored log.
// LastPurged <= LastEntry when both are present; reads at or below
// LastPurged are invalid, the data no longer exists.
type LogState struct {
	LastPurged *LogID
	LastEntry  *LogID
}
