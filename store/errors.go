// Package store implements the consensus node's durable contract:
// ordered log storage with vote persistence, and deterministic
// application of committed entries to the key-value state machine.
package store

import "errors"

var (
	// ErrLogInconsistency reports an append that is not contiguous
	// with the existing log tail.
	ErrLogInconsistency = errors.New("log entries not contiguous with existing tail")

	// ErrOutOfRange reports a read below the purge horizon.
	ErrOutOfRange = errors.New("read below purge horizon")

	// ErrPurgeTooFar reports a purge beyond the applied horizon,
	// which would discard commands that were never applied.
	ErrPurgeTooFar = errors.New("purge beyond applied horizon")

	// ErrApplyOutOfOrder reports an apply batch that does not start
	// immediately after the last applied entry.
	ErrApplyOutOfOrder = errors.New("apply batch out of order")

	// ErrStaleSnapshot reports a snapshot install that would regress
	// the applied state.
	ErrStaleSnapshot = errors.New("snapshot older than applied state")

	// ErrStaleVote reports a vote whose term is lower than the
	// currently persisted one.
	ErrStaleVote = errors.New("vote term regressed")

	// ErrStorage reports an underlying I/O failure. During a
	// durability-critical operation this is fatal for the node.
	ErrStorage = errors.New("storage failure")

	// ErrSerialization reports corrupt or schema-mismatched
	// persisted bytes.
	ErrSerialization = errors.New("serialization failure")
)
