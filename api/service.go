// Package api exposes the ledger's public operations over rpcx: the
// replicated write path and the local read path with Merkle proofs.
// Requests arriving here are assumed to be authorized already.
package api

import (
	"context"

	"github.com/kvledger/merkle"
	"github.com/kvledger/raftnode"
)

type PutArgs struct {
	Key   []byte
	Value []byte
}

type PutReply struct{}

type DeleteArgs struct {
	Key []byte
}

type DeleteReply struct{}

type GetArgs struct {
	Key []byte
}

type GetReply struct {
	Value []byte
	Found bool
}

type RootHashArgs struct{}

type RootHashReply struct {
	Root []byte // nil when the store is empty
}

type ProofArgs struct {
	Key []byte
}

type ProofReply struct {
	Proof *merkle.Proof
	Found bool
}

type VerifyArgs struct {
	Proof *merkle.Proof
	Root  []byte
}

type VerifyReply struct {
	Verified bool
}

type JoinArgs struct {
	Id   int
	Addr string // consensus transport address of the joining node
}

type JoinReply struct{}

// Service is the rpcx-visible surface over a node.
type Service struct {
	node *raftnode.Node
}

func NewService(node *raftnode.Node) *Service {
	return &Service{node: node}
}

func (s *Service) Put(ctx context.Context, args *PutArgs, reply *PutReply) error {
	return s.node.Put(args.Key, args.Value)
}

func (s *Service) Delete(ctx context.Context, args *DeleteArgs, reply *DeleteReply) error {
	return s.node.Delete(args.Key)
}

func (s *Service) Get(ctx context.Context, args *GetArgs, reply *GetReply) error {
	reply.Value, reply.Found = s.node.Get(args.Key)
	return nil
}

func (s *Service) RootHash(ctx context.Context, args *RootHashArgs, reply *RootHashReply) error {
	root, err := s.node.RootHash()
	if err != nil {
		return err
	}
	reply.Root = root
	return nil
}

func (s *Service) GetProof(ctx context.Context, args *ProofArgs, reply *ProofReply) error {
	proof, err := s.node.GetProof(args.Key)
	if err != nil {
		return err
	}
	reply.Proof = proof
	reply.Found = proof != nil
	return nil
}

// Join adds a voting member to the cluster through the leader.
func (s *Service) Join(ctx context.Context, args *JoinArgs, reply *JoinReply) error {
	return s.node.Join(args.Id, args.Addr)
}

// Verify checks a proof against a root. A proof that does not match
// is an expected outcome, reported as Verified=false, never an error.
func (s *Service) Verify(ctx context.Context, args *VerifyArgs, reply *VerifyReply) error {
	reply.Verified = merkle.VerifyProof(args.Proof, args.Root)
	return nil
}
