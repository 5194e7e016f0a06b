package raftnode

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kvledger/config"
	"github.com/kvledger/merkle"
	"github.com/kvledger/model"
	"github.com/kvledger/storage"
	"github.com/kvledger/store"
)

const (
	applyTimeout   = 10 * time.Second
	transportPool  = 3
	transportWait  = 10 * time.Second
	retainedSnaps  = 2
	defaultCacheMB = 32
)

// ErrNotLeader is returned for writes on a follower; the caller
// should retry against the current leader.
var ErrNotLeader = errors.New("not the leader")

// Node is one member of the replicated ledger: the consensus engine
// wired to the durable log store and key-value state machine, plus
// the read-path operations exposed to clients.
type Node struct {
	id int
	l  *slog.Logger

	raft *raft.Raft
	ls   *store.LogStore
	sm   *store.StateMachineStore

	logEng storage.Engine
	smEng  storage.Engine
}

// New builds and starts the node with the given id from conf. The
// first configured node list is also the bootstrap membership when
// conf.Bootstrap is set.
func New(conf *config.Config, id int, l *slog.Logger) (*Node, error) {
	if l == nil {
		l = slog.Default()
	}
	self, err := conf.GetNode(id)
	if err != nil {
		return nil, err
	}
	if conf.Dir == "" {
		return nil, errors.New("directory not specified in config")
	}
	dir := filepath.Join(conf.Dir, strconv.Itoa(id))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}

	cacheBytes := conf.CacheBytes
	if cacheBytes <= 0 {
		cacheBytes = defaultCacheMB << 20
	}
	smEng, err := storage.OpenFile(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, err
	}
	smEng = storage.NewCached(smEng, cacheBytes)
	sm, err := store.NewStateMachine(smEng, l)
	if err != nil {
		return nil, err
	}

	logEng, err := storage.OpenFile(filepath.Join(dir, "log.db"))
	if err != nil {
		return nil, err
	}
	ls, err := store.NewLogStore(logEng, sm, l)
	if err != nil {
		return nil, err
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(strconv.Itoa(id))
	rc.LogOutput = os.Stderr

	addr := self.GetAddress()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(addr, tcpAddr, transportPool, transportWait, os.Stderr)
	if err != nil {
		return nil, err
	}
	snaps, err := raft.NewFileSnapshotStore(dir, retainedSnaps, os.Stderr)
	if err != nil {
		return nil, err
	}

	ra, err := raft.NewRaft(rc, newFSM(sm), newLogStore(ls), newStableStore(logEng, ls), snaps, transport)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:     id,
		l:      l,
		raft:   ra,
		ls:     ls,
		sm:     sm,
		logEng: logEng,
		smEng:  smEng,
	}

	if conf.Bootstrap {
		servers := make([]raft.Server, 0, len(conf.Nodes))
		for _, peer := range conf.Nodes {
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(strconv.Itoa(peer.Id)),
				Address: raft.ServerAddress(peer.GetAddress()),
			})
		}
		f := ra.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	l.Info("node started", slog.Int("id", id), slog.String("raft_addr", addr))
	return n, nil
}

// Put replicates an insert/overwrite of key through the log.
func (n *Node) Put(key, value []byte) error {
	return n.propose(model.AppRequest{Op: model.OpPut, Key: key, Value: value})
}

// Delete replicates a removal of key through the log. Deleting an
// absent key succeeds.
func (n *Node) Delete(key []byte) error {
	return n.propose(model.AppRequest{Op: model.OpDelete, Key: key})
}

func (n *Node) propose(req model.AppRequest) error {
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, n.raft.Leader())
	}
	data, err := msgpack.Marshal(&req)
	if err != nil {
		return err
	}
	f := n.raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return err
	}
	if resp, ok := f.Response().(model.AppResponse); ok && resp.Kind == model.RespError {
		return errors.New(resp.Message)
	}
	return nil
}

// Get reads the current value for key on this node. Reads are local;
// a follower may serve slightly stale data.
func (n *Node) Get(key []byte) ([]byte, bool) {
	return n.sm.Get(key)
}

// RootHash returns the Merkle root over this node's current key
// space, nil when empty.
func (n *Node) RootHash() ([]byte, error) {
	return n.sm.RootHash()
}

// GetProof returns an inclusion proof for key against the current
// root, nil if the key is absent.
func (n *Node) GetProof(key []byte) (*merkle.Proof, error) {
	return n.sm.GetProof(key)
}

// Join adds a voting member to the cluster. Leader only.
func (n *Node) Join(id int, addr string) error {
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, n.raft.Leader())
	}
	f := n.raft.AddVoter(raft.ServerID(strconv.Itoa(id)), raft.ServerAddress(addr), 0, 0)
	return f.Error()
}

// Snapshot asks the consensus engine to take a snapshot now; the
// engine follows up with a log compaction through the store.
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// IsLeader reports whether this node currently leads the cluster.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Close shuts the consensus engine down and flushes both engines.
func (n *Node) Close() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return err
	}
	if err := n.logEng.Close(); err != nil {
		return err
	}
	return n.smEng.Close()
}
