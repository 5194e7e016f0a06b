package cli

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kvledger/api"
	"github.com/kvledger/config"
	"github.com/kvledger/raftnode"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a ledger node",
	Run:   serveRun,
}

func serveRun(cmd *cobra.Command, args []string) {
	conf, err := config.ReadConfig(configFile)
	if err != nil {
		log.Fatal(err)
	}
	self, err := conf.GetNode(nodeId)
	if err != nil {
		log.Fatal(err)
	}

	l := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(slog.Int("node", nodeId))

	node, err := raftnode.New(conf, nodeId, l)
	if err != nil {
		log.Fatal(err)
	}
	srv, err := api.NewServer(node, self.GetApiAddress(), l)
	if err != nil {
		log.Fatal(err)
	}
	srv.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	l.Info("shutting down")
	if err := srv.Close(); err != nil {
		l.Error("api close", slog.Any("error", err))
	}
	if err := node.Close(); err != nil {
		l.Error("node close", slog.Any("error", err))
	}
}
