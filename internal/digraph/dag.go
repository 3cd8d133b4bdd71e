// Package digraph models the pipeline DAG: nodes keyed by id in a flat map,
// edges as must-precede relations, and the ready/stuck/complete queries the
// runner plans against.
package digraph

import (
	"fmt"
	"sort"

	"github.com/drover-org/drover/internal/core"
)

// DAG contains all information about one pipeline graph. Nodes are owned by
// the flat map; there is no cyclic object graph.
type DAG struct {
	// Name is the pipeline id. Defaults to the filename without extension.
	Name string
	// Location is the absolute path to the pipeline file.
	Location string

	nodes map[string]*core.Node
	order []string // node ids in declaration order
	edges []core.Edge
	preds map[string][]string
	succs map[string][]string
}

// Node returns the node with the given id, or nil.
func (d *DAG) Node(id string) *core.Node {
	return d.nodes[id]
}

// Nodes returns all nodes in declaration order.
func (d *DAG) Nodes() []*core.Node {
	nodes := make([]*core.Node, 0, len(d.order))
	for _, id := range d.order {
		nodes = append(nodes, d.nodes[id])
	}
	return nodes
}

// Edges returns the dependency edges.
func (d *DAG) Edges() []core.Edge {
	return d.edges
}

// Predecessors returns the ids of the nodes that must precede the given node.
func (d *DAG) Predecessors(id string) []string {
	return d.preds[id]
}

// Successors returns the ids of the nodes depending on the given node.
func (d *DAG) Successors(id string) []string {
	return d.succs[id]
}

// ApplyState overlays persisted statuses and retry counts onto the graph.
// Ids unknown to the graph are ignored; the caller validates plans against
// graph membership separately.
func (d *DAG) ApplyState(statuses map[string]core.NodeStatus, retries map[string]int) {
	for id, status := range statuses {
		if node, ok := d.nodes[id]; ok {
			node.Status = status
		}
	}
	for id, n := range retries {
		if node, ok := d.nodes[id]; ok {
			node.RetryCount = n
		}
	}
}

// Ready returns every pending node whose predecessors are all validated,
// sorted by node id for deterministic planning.
func (d *DAG) Ready() []*core.Node {
	var ready []*core.Node
	for _, id := range d.order {
		node := d.nodes[id]
		if node.Status != core.NodeStatusPending {
			continue
		}
		if d.depsMet(id) {
			ready = append(ready, node)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func (d *DAG) depsMet(id string) bool {
	for _, pred := range d.preds[id] {
		if d.nodes[pred].Status != core.NodeStatusValidated {
			return false
		}
	}
	return true
}

// StuckNode pairs a node with the reason it cannot make progress.
type StuckNode struct {
	Node   *core.Node
	Reason string
}

// Stuck returns every node that cannot advance without intervention: failed
// with the retry budget exhausted, blocked outright, or pending behind a
// permanently dead upstream.
func (d *DAG) Stuck(maxRetries int) []StuckNode {
	var stuck []StuckNode
	for _, id := range d.order {
		node := d.nodes[id]
		switch node.Status {
		case core.NodeStatusFailed:
			if node.RetryCount >= maxRetries {
				stuck = append(stuck, StuckNode{
					Node:   node,
					Reason: fmt.Sprintf("retry budget exhausted (%d/%d)", node.RetryCount, maxRetries),
				})
			}
		case core.NodeStatusBlocked:
			stuck = append(stuck, StuckNode{Node: node, Reason: "node is blocked"})
		case core.NodeStatusPending:
			if dead := d.deadUpstream(id, maxRetries); dead != "" {
				stuck = append(stuck, StuckNode{
					Node:   node,
					Reason: fmt.Sprintf("upstream %s permanently failed", dead),
				})
			}
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].Node.ID < stuck[j].Node.ID })
	return stuck
}

// deadUpstream returns the id of a transitive predecessor with no forward
// path, or "".
func (d *DAG) deadUpstream(id string, maxRetries int) string {
	seen := map[string]bool{}
	queue := append([]string(nil), d.preds[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		node := d.nodes[cur]
		if node.Status == core.NodeStatusBlocked {
			return cur
		}
		if node.Status == core.NodeStatusFailed && node.RetryCount >= maxRetries {
			return cur
		}
		queue = append(queue, d.preds[cur]...)
	}
	return ""
}

// IsComplete reports whether the pipeline has finished: the terminal-exit
// node is validated or has every predecessor validated, or when no
// terminal-exit exists, every leaf node is validated.
func (d *DAG) IsComplete() bool {
	var leaves []*core.Node
	for _, id := range d.order {
		node := d.nodes[id]
		if node.Handler == core.HandlerTerminalExit {
			return node.Status == core.NodeStatusValidated ||
				(node.Status == core.NodeStatusPending && d.depsMet(id))
		}
		if len(d.succs[id]) == 0 {
			leaves = append(leaves, node)
		}
	}
	if len(leaves) == 0 {
		return false
	}
	for _, leaf := range leaves {
		if leaf.Status != core.NodeStatusValidated {
			return false
		}
	}
	return true
}

// validateAcyclic runs Kahn's algorithm and fails when a cycle remains.
func (d *DAG) validateAcyclic() error {
	indegree := make(map[string]int, len(d.nodes))
	for id := range d.nodes {
		indegree[id] = len(d.preds[id])
	}
	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range d.succs[cur] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if visited != len(d.nodes) {
		return fmt.Errorf("pipeline %s contains a dependency cycle", d.Name)
	}
	return nil
}
