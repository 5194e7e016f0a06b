// Package storage provides the durable byte-oriented key-value
// primitive underneath the log store and state machine store.
package storage

// Engine is a flat key-value store with lexicographically ordered
// iteration. Mutations become durable at Flush; a successful Flush is
// a durability barrier the caller may rely on after a crash.
type Engine interface {
	// Get returns the value stored under key, if any.
	Get(key []byte) ([]byte, bool)

	// Insert stores value under key, overwriting any previous value.
	Insert(key, value []byte)

	// Remove deletes key. Removing an absent key is a no-op.
	Remove(key []byte)

	// Ascend visits every pair in lexicographic key order until fn
	// returns false. The sequence is finite and restartable.
	Ascend(fn func(key, value []byte) bool)

	// AscendRange visits pairs with lo <= key < hi in key order.
	// A nil bound is unbounded on that side.
	AscendRange(lo, hi []byte, fn func(key, value []byte) bool)

	// Flush persists all outstanding mutations to stable storage.
	Flush() error

	// Clear removes every pair. Not durable until Flush.
	Clear()

	// Close flushes and releases the engine.
	Close() error
}
