package config

import (
	"errors"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	rpcx "github.com/smallnest/rpcx/client"
)

// ServicePath is the rpcx service the client API is registered under.
const ServicePath = "KV"

type Node struct {
	Id      int    `yaml:"id"`
	Address string `yaml:"address"`
	Port    string `yaml:"port"`     // consensus transport
	ApiPort string `yaml:"api_port"` // client API

	Conn rpcx.XClient `yaml:"-"`
}

// Connect opens an rpcx client to this node's API endpoint.
func (n *Node) Connect() error {
	addr := n.GetApiAddress()
	d, err := rpcx.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		return err
	}
	n.Conn = rpcx.NewXClient(ServicePath, rpcx.Failover, rpcx.RandomSelect, d, rpcx.DefaultOption)
	return nil
}

func (n *Node) GetAddress() string {
	return net.JoinHostPort(n.Address, n.Port)
}

func (n *Node) GetApiAddress() string {
	return net.JoinHostPort(n.Address, n.ApiPort)
}

type Config struct {
	Dir        string `yaml:"dir"`
	Bootstrap  bool   `yaml:"bootstrap"`
	CacheBytes int    `yaml:"cache_bytes"`
	Nodes      []Node `yaml:"nodes"`
}

func (c *Config) GetNode(id int) (Node, error) {
	for _, n := range c.Nodes {
		if n.Id == id {
			return n, nil
		}
	}
	return Node{}, errors.New("config not found")
}

func ReadConfig(file string) (*Config, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var c Config
	err = yaml.Unmarshal(raw, &c)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
