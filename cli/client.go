package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kvledger/api"
	"github.com/kvledger/config"
	"github.com/kvledger/merkle"
)

func connect() config.Node {
	conf, err := config.ReadConfig(configFile)
	if err != nil {
		log.Fatal(err)
	}
	node, err := conf.GetNode(nodeId)
	if err != nil {
		log.Fatal(err)
	}
	if err := node.Connect(); err != nil {
		log.Fatal(err)
	}
	return node
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "replicate a key-value write",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		node := connect()
		err := node.Conn.Call(context.Background(), "Put",
			&api.PutArgs{Key: []byte(args[0]), Value: []byte(args[1])}, &api.PutReply{})
		if err != nil {
			log.Fatal(err)
		}
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "read a value from a node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		node := connect()
		var reply api.GetReply
		err := node.Conn.Call(context.Background(), "Get", &api.GetArgs{Key: []byte(args[0])}, &reply)
		if err != nil {
			log.Fatal(err)
		}
		if !reply.Found {
			log.Fatal("not found")
		}
		fmt.Println(string(reply.Value))
	},
}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "replicate a key deletion",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		node := connect()
		err := node.Conn.Call(context.Background(), "Delete",
			&api.DeleteArgs{Key: []byte(args[0])}, &api.DeleteReply{})
		if err != nil {
			log.Fatal(err)
		}
	},
}

var rootHashCmd = &cobra.Command{
	Use:   "root",
	Short: "print the node's Merkle root",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		node := connect()
		var reply api.RootHashReply
		err := node.Conn.Call(context.Background(), "RootHash", &api.RootHashArgs{}, &reply)
		if err != nil {
			log.Fatal(err)
		}
		if reply.Root == nil {
			fmt.Println("empty")
			return
		}
		fmt.Println(hex.EncodeToString(reply.Root))
	},
}

var proofCmd = &cobra.Command{
	Use:   "proof <key>",
	Short: "fetch an inclusion proof for a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		node := connect()
		var reply api.ProofReply
		err := node.Conn.Call(context.Background(), "GetProof", &api.ProofArgs{Key: []byte(args[0])}, &reply)
		if err != nil {
			log.Fatal(err)
		}
		if !reply.Found {
			log.Fatal("not found")
		}
		fmt.Printf("leaf %d, %d siblings\n", reply.Proof.LeafIndex, len(reply.Proof.Siblings))
		for _, s := range reply.Proof.Siblings {
			fmt.Printf("  %d %s\n", s.Side, hex.EncodeToString(s.Hash))
		}
	},
}

// verify fetches the proof and the root separately and checks them
// locally, so a lying node cannot forge a matching pair unnoticed.
var verifyCmd = &cobra.Command{
	Use:   "verify <key>",
	Short: "fetch proof and root, verify locally",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		node := connect()
		var proofReply api.ProofReply
		err := node.Conn.Call(context.Background(), "GetProof", &api.ProofArgs{Key: []byte(args[0])}, &proofReply)
		if err != nil {
			log.Fatal(err)
		}
		if !proofReply.Found {
			log.Fatal("not found")
		}
		var rootReply api.RootHashReply
		err = node.Conn.Call(context.Background(), "RootHash", &api.RootHashArgs{}, &rootReply)
		if err != nil {
			log.Fatal(err)
		}
		if merkle.VerifyProof(proofReply.Proof, rootReply.Root) {
			fmt.Println("verified")
			return
		}
		log.Fatal("not verified")
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <id> <raft-addr>",
	Short: "add a voting member via the leader",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		node := connect()
		id, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatal(err)
		}
		err = node.Conn.Call(context.Background(), "Join",
			&api.JoinArgs{Id: id, Addr: args[1]}, &api.JoinReply{})
		if err != nil {
			log.Fatal(err)
		}
	},
}
