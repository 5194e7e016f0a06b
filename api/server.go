package api

import (
	"log/slog"

	rpcx "github.com/smallnest/rpcx/server"

	"github.com/kvledger/config"
	"github.com/kvledger/raftnode"
)

// Server hosts the rpcx service for one node.
type Server struct {
	addr string
	rpc  *rpcx.Server
	l    *slog.Logger
}

func NewServer(node *raftnode.Node, addr string, l *slog.Logger) (*Server, error) {
	if l == nil {
		l = slog.Default()
	}
	rpcServer := rpcx.NewServer()
	if err := rpcServer.RegisterName(config.ServicePath, NewService(node), ""); err != nil {
		return nil, err
	}
	return &Server{addr: addr, rpc: rpcServer, l: l}, nil
}

// Start serves requests until Close; it runs in its own goroutine.
func (s *Server) Start() {
	go func() {
		s.l.Info("api listening", slog.String("addr", s.addr))
		if err := s.rpc.Serve("tcp", s.addr); err != nil {
			s.l.Error("api server stopped", slog.Any("error", err))
		}
	}()
}

func (s *Server) Close() error {
	return s.rpc.Close()
}
