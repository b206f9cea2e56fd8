// Package tree builds the execution tree from a playbook's flat module list.
//
// The list order encodes nesting. Starting from the root (the first module), the
// children of a node are found by scanning the modules that follow it:
//   - the module immediately after the node is an implicit child on route
//     "output" when it declares no input
//   - any following module whose input is "<node>.<route>" is a child on route
//
// Each child's own children are searched for among the modules after the child,
// so every module is placed in at most one subtree and the tree is acyclic.
package tree

import (
	"fmt"
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/playbook"
)

// Node owns one module and its outgoing edges. Nodes are immutable once built
// and may be read concurrently.
type Node struct {
	Module   playbook.Module
	Children []Edge
}

// Edge connects a node to a child that consumes one of its routes.
type Edge struct {
	Route string
	Node  *Node
}

// Name returns the module name of the node.
func (n *Node) Name() string { return n.Module.Name() }

// Build returns the root of the execution tree for mods. mods[0] is always the root.
func Build(mods []playbook.Module) (*Node, error) {
	if len(mods) == 0 {
		return nil, sdkerrors.Configf("", "cannot build an execution tree from an empty module list")
	}
	return build(mods[0], mods[1:]), nil
}

func build(m playbook.Module, rest []playbook.Module) *Node {
	node := &Node{Module: m}

	for i, candidate := range rest {
		route, ok := consumes(m.Name(), candidate, i == 0)
		if !ok {
			continue
		}
		node.Children = append(node.Children, Edge{
			Route: route,
			Node:  build(candidate, rest[i+1:]),
		})
	}
	return node
}

// consumes reports whether candidate is a child of producer and on which route.
func consumes(producer string, candidate playbook.Module, next bool) (string, bool) {
	ref, ok := candidate.Input()
	if !ok {
		if next {
			return message.DefaultRoute, true
		}
		return "", false
	}
	from, route, ok := playbook.ParseInput(ref)
	if !ok || from != producer {
		return "", false
	}
	return route, true
}

// Walk visits every node depth-first, parents before children. It stops when fn
// returns false for a node's subtree.
func (n *Node) Walk(fn func(node *Node, depth int) bool) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int) bool, depth int) {
	if !fn(n, depth) {
		return
	}
	for _, e := range n.Children {
		e.Node.walk(fn, depth+1)
	}
}

// Size returns the number of nodes in the tree.
func (n *Node) Size() int {
	size := 0
	n.Walk(func(*Node, int) bool {
		size++
		return true
	})
	return size
}

// Unplaced returns the modules of mods that do not appear anywhere in the tree,
// in list order. These are modules whose input names a producer outside their
// positional scope, or input-less modules that do not directly follow a node.
func Unplaced(root *Node, mods []playbook.Module) []playbook.Module {
	placed := make(map[string]bool)
	root.Walk(func(n *Node, _ int) bool {
		placed[n.Name()] = true
		return true
	})

	var out []playbook.Module
	for _, m := range mods {
		if !placed[m.Name()] {
			out = append(out, m)
		}
	}
	return out
}

// Strict is Build followed by a placement check: any module left out of the tree
// is a configuration error.
func Strict(mods []playbook.Module) (*Node, error) {
	root, err := Build(mods)
	if err != nil {
		return nil, err
	}
	if missing := Unplaced(root, mods); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = m.Name()
		}
		return nil, sdkerrors.Configf(names[0], "modules not reachable from %s: %s", root.Name(), strings.Join(names, ", "))
	}
	return root, nil
}

// String renders the tree one node per line, indented by depth.
func (n *Node) String() string {
	var b strings.Builder
	n.describe(&b, "", 0)
	return b.String()
}

func (n *Node) describe(b *strings.Builder, route string, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	if route != "" {
		fmt.Fprintf(b, "[%s] ", route)
	}
	fmt.Fprintf(b, "%s (%s)\n", n.Name(), n.Module.Kind())
	for _, e := range n.Children {
		e.Node.describe(b, e.Route, depth+1)
	}
}
