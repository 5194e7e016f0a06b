package model

// RespKind discriminates apply results.
type RespKind uint8

const (
	RespPutOk RespKind = iota
	RespDeleteOk
	RespError
)

// AppResponse is the result of applying one committed entry.
// Exactly one response is produced per applied entry.
type AppResponse struct {
	Kind    RespKind `msgpack:"kind"`
	Message string   `msgpack:"message,omitempty"` // set for RespError only
}

// Snapshot is a compacted, point-in-time copy of the key-value
// contents. Data round-trips exactly through the state machine's
// BuildSnapshot/InstallSnapshot; a snapshot supersedes and permits
// purge of all log entries with index <= LastIncluded.Index.
type Snapshot struct {
	LastIncluded LogID  `msgpack:"last_included"`
	Data         []byte `msgpack:"data"`
}
