package broker

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/tg123/mqbroker/config"
	"github.com/tg123/mqbroker/protocol/control"
)

type serverNode struct {
	name      string
	address   string
	location  string
	adjacents map[string]bool
}

// serverGraph is the undirected graph of brokers. A link declared by either
// end counts for both.
type serverGraph struct {
	nodes map[string]*serverNode
}

func newServerGraph() *serverGraph {
	return &serverGraph{nodes: make(map[string]*serverNode)}
}

func (g *serverGraph) add(name, address, location string, adjacents []string) error {
	if name == "" {
		return fmt.Errorf("server without name")
	}

	if _, ok := g.nodes[name]; ok {
		return fmt.Errorf("duplicate server %q", name)
	}

	n := &serverNode{name: name, address: address, location: location, adjacents: make(map[string]bool)}
	for _, a := range adjacents {
		if a != name {
			n.adjacents[a] = true
		}
	}

	g.nodes[name] = n
	return nil
}

// link makes every declared adjacency symmetric and rejects unknown names.
func (g *serverGraph) link() error {
	for _, n := range g.nodes {
		for a := range n.adjacents {
			other, ok := g.nodes[a]
			if !ok {
				return fmt.Errorf("server %q is adjacent to unknown server %q", n.name, a)
			}
			other.adjacents[n.name] = true
		}
	}

	return nil
}

func graphFromSettings(servers []config.ServerSettings) (*serverGraph, error) {
	g := newServerGraph()
	for _, s := range servers {
		if err := g.add(s.Name, s.Address, s.Location, s.Adjacents); err != nil {
			return nil, err
		}
	}

	return g, g.link()
}

func graphFromInfo(info *control.ServerGraphInfo) (*serverGraph, error) {
	if info == nil {
		return nil, fmt.Errorf("empty server graph")
	}

	g := newServerGraph()
	for _, s := range info.Servers {
		if s == nil {
			continue
		}

		address := net.JoinHostPort(s.IPAddress, strconv.Itoa(int(s.Port)))
		if err := g.add(s.Name, address, s.Location, s.AdjacentServers()); err != nil {
			return nil, err
		}
	}

	return g, g.link()
}

func (g *serverGraph) has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

func (g *serverGraph) address(name string) string {
	if n, ok := g.nodes[name]; ok {
		return n.address
	}
	return ""
}

func (g *serverGraph) names() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *serverGraph) adjacent(a, b string) bool {
	n, ok := g.nodes[a]
	return ok && n.adjacents[b]
}

func (g *serverGraph) neighbours(name string) []string {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}

	list := make([]string, 0, len(n.adjacents))
	for a := range n.adjacents {
		list = append(list, a)
	}
	sort.Strings(list)
	return list
}

// nextHop returns the neighbour of from on a shortest path to to. Ties are
// broken by name so every broker computes the same route.
func (g *serverGraph) nextHop(from, to string) (string, bool) {
	if from == to {
		return to, g.has(to)
	}

	if !g.has(from) || !g.has(to) {
		return "", false
	}

	first := map[string]string{}
	visited := map[string]bool{from: true}
	queue := []string{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, n := range g.neighbours(cur) {
			if visited[n] {
				continue
			}
			visited[n] = true

			if cur == from {
				first[n] = n
			} else {
				first[n] = first[cur]
			}

			if n == to {
				return first[n], true
			}
			queue = append(queue, n)
		}
	}

	return "", false
}

func (g *serverGraph) info(this string) *control.ServerGraphInfo {
	info := &control.ServerGraphInfo{ThisServerName: this}
	for _, name := range g.names() {
		n := g.nodes[name]
		item := &control.ServerGraphInfoItem{
			Name:      n.name,
			Adjacents: strings.Join(g.neighbours(name), ","),
			Location:  n.location,
		}

		if host, port, err := net.SplitHostPort(n.address); err == nil {
			item.IPAddress = host
			if p, err := strconv.Atoi(port); err == nil {
				item.Port = int32(p)
			}
		} else {
			item.IPAddress = n.address
		}

		info.Servers = append(info.Servers, item)
	}

	return info
}

// GraphInfo converts configured servers into the wire form of the graph.
func GraphInfo(this string, servers []config.ServerSettings) (*control.ServerGraphInfo, error) {
	g, err := graphFromSettings(servers)
	if err != nil {
		return nil, err
	}
	return g.info(this), nil
}
