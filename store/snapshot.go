package store

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kvledger/model"
)

// snapshotPayload is the persisted snapshot schema: the full key-value
// contents at a point in time plus the position they reflect. It must
// round-trip exactly through BuildSnapshot/InstallSnapshot.
type snapshotPayload struct {
	LastApplied *model.LogID `msgpack:"last_applied"`
	Pairs       []kvPair     `msgpack:"pairs"`
}

// kvPair is one key-value entry, kept sorted by key inside a payload
// so identical contents always serialize identically.
type kvPair struct {
	Key   []byte `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

func encodeSnapshot(p snapshotPayload) (*model.Snapshot, error) {
	raw, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrSerialization, err)
	}
	snap := &model.Snapshot{Data: raw}
	if p.LastApplied != nil {
		snap.LastIncluded = *p.LastApplied
	}
	return snap, nil
}

func decodeSnapshot(snap *model.Snapshot) (snapshotPayload, error) {
	var p snapshotPayload
	if err := msgpack.Unmarshal(snap.Data, &p); err != nil {
		return snapshotPayload{}, fmt.Errorf("%w: snapshot: %v", ErrSerialization, err)
	}
	return p, nil
}
