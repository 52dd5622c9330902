// Package topology turns declarative topology files into per-node peer
// lists.
//
// A file declares generated groups, hand-wired nodes, the network jitter
// applied to every node, and optionally how identities map to addresses:
//
//	base_port = 9000
//
//	[[topologies]]
//	type = "ring"
//	number_of_nodes = 3
//	program = "broadcast_algorithm"
//	nid_prefix = "ring-node-"
//
//	[[individual_nodes]]
//	nid = "central"
//	program = "broadcast_algorithm"
//	connections = ["ring-node-0"]
//
//	[network_jitter_config]
//	drop_rate = 0.1
//	delay_ms = 200
package topology

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	logs "github.com/danmuck/smplog"
)

var (
	ErrUnsupportedShape = errors.New("unsupported topology type")
	ErrInvalidTopology  = errors.New("invalid topology")
)

type Shape string

const (
	Ring           Shape = "ring"
	Line           Shape = "line"
	FullyConnected Shape = "fully_connected"
)

const DefaultHost = "127.0.0.1"

// Group generates number_of_nodes identities <nid_prefix><n> wired in a
// symmetric shape. Numbering continues across groups sharing a prefix.
type Group struct {
	Type          Shape  `toml:"type"`
	NumberOfNodes int    `toml:"number_of_nodes"`
	Program       string `toml:"program"`
	NidPrefix     string `toml:"nid_prefix"`
}

// IndividualNode is wired by hand. Its connections are one-directional.
type IndividualNode struct {
	Nid         string   `toml:"nid"`
	Program     string   `toml:"program"`
	Connections []string `toml:"connections"`
}

type Jitter struct {
	DropRate float64 `toml:"drop_rate"`
	DelayMs  int64   `toml:"delay_ms"`
}

func (j Jitter) Delay() time.Duration {
	return time.Duration(j.DelayMs) * time.Millisecond
}

// File is the decoded form of a topology file.
type File struct {
	Topologies      []Group           `toml:"topologies"`
	IndividualNodes []IndividualNode  `toml:"individual_nodes"`
	Jitter          Jitter            `toml:"network_jitter_config"`
	Host            string            `toml:"host"`
	BasePort        int               `toml:"base_port"`
	Addresses       map[string]string `toml:"addresses"`
}

type NodeConfig struct {
	ID      string
	Program string
	Peers   []string
}

// Connection is a directed edge.
type Connection struct {
	From, To string
}

type Topology struct {
	Nodes       map[string]NodeConfig
	Connections []Connection
	Jitter      Jitter
	Addresses   map[string]string // identity -> host:port, empty when nodes dial by hostname
}

// Load reads and builds the topology file at path.
func Load(path string) (*Topology, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("load topology %s: %w", path, err)
	}
	warnUndecoded(md)
	return Build(f)
}

// Parse builds a topology from TOML text.
func Parse(data string) (*Topology, error) {
	var f File
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	warnUndecoded(md)
	return Build(f)
}

func warnUndecoded(md toml.MetaData) {
	for _, key := range md.Undecoded() {
		logs.Warnf("topology: ignoring unknown key %s", key.String())
	}
}

// Build generates every node and edge in f and derives each node's peers.
// Edges to identities that are not declared anywhere are dropped.
func Build(f File) (*Topology, error) {
	if f.Jitter.DropRate < 0 || f.Jitter.DropRate > 1 {
		return nil, fmt.Errorf("%w: drop_rate %v outside [0,1]", ErrInvalidTopology, f.Jitter.DropRate)
	}
	if f.Jitter.DelayMs < 0 {
		return nil, fmt.Errorf("%w: negative delay_ms %d", ErrInvalidTopology, f.Jitter.DelayMs)
	}

	programs := make(map[string]string)
	edges := make(map[Connection]bool)
	next := make(map[string]int)

	for _, g := range f.Topologies {
		if g.NumberOfNodes <= 0 {
			return nil, fmt.Errorf("%w: %s group %q needs at least one node", ErrInvalidTopology, g.Type, g.NidPrefix)
		}
		ids := make([]string, g.NumberOfNodes)
		for i := range ids {
			ids[i] = g.NidPrefix + strconv.Itoa(next[g.NidPrefix]+i)
			programs[ids[i]] = g.Program
		}
		next[g.NidPrefix] += g.NumberOfNodes

		switch g.Type {
		case Ring:
			for i, id := range ids {
				link(edges, id, ids[(i+1)%len(ids)])
			}
		case Line:
			for i := 0; i < len(ids)-1; i++ {
				link(edges, ids[i], ids[i+1])
			}
		case FullyConnected:
			for i := range ids {
				for j := i + 1; j < len(ids); j++ {
					link(edges, ids[i], ids[j])
				}
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedShape, g.Type)
		}
	}

	for _, n := range f.IndividualNodes {
		if n.Nid == "" {
			return nil, fmt.Errorf("%w: individual node without nid", ErrInvalidTopology)
		}
		programs[n.Nid] = n.Program
		for _, to := range n.Connections {
			edges[Connection{From: n.Nid, To: to}] = true
		}
	}

	t := &Topology{
		Nodes:     make(map[string]NodeConfig, len(programs)),
		Jitter:    f.Jitter,
		Addresses: make(map[string]string),
	}
	peers := make(map[string][]string, len(programs))
	for c := range edges {
		_, fromOK := programs[c.From]
		_, toOK := programs[c.To]
		if !fromOK || !toOK || c.From == c.To {
			continue
		}
		peers[c.From] = append(peers[c.From], c.To)
		t.Connections = append(t.Connections, c)
	}
	slices.SortFunc(t.Connections, func(a, b Connection) int {
		if a.From != b.From {
			return cmp.Compare(a.From, b.From)
		}
		return cmp.Compare(a.To, b.To)
	})
	for id, program := range programs {
		p := peers[id]
		slices.Sort(p)
		t.Nodes[id] = NodeConfig{ID: id, Program: program, Peers: p}
	}

	if err := t.assignAddresses(f); err != nil {
		return nil, err
	}
	return t, nil
}

// IDs returns every node identity in sorted order.
func (t *Topology) IDs() []string {
	ids := make([]string, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Topology) Node(id string) (NodeConfig, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// assignAddresses copies explicit addresses and, when base_port is set,
// gives every other node host:base_port+i in identity order.
func (t *Topology) assignAddresses(f File) error {
	for id, addr := range f.Addresses {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: address for %s: %v", ErrInvalidTopology, id, err)
		}
		t.Addresses[id] = addr
	}
	if f.BasePort <= 0 {
		return nil
	}
	host := f.Host
	if host == "" {
		host = DefaultHost
	}
	for i, id := range t.IDs() {
		if _, ok := t.Addresses[id]; ok {
			continue
		}
		port := f.BasePort + i
		if port > 65535 {
			return fmt.Errorf("%w: base_port %d leaves no port for %s", ErrInvalidTopology, f.BasePort, id)
		}
		t.Addresses[id] = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return nil
}

// link adds a symmetric pair of edges.
func link(edges map[Connection]bool, a, b string) {
	edges[Connection{From: a, To: b}] = true
	edges[Connection{From: b, To: a}] = true
}
