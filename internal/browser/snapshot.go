// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package browser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

// Roles that receive an @eN ref. Everything else only appears as context.
var refRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "searchbox": true,
	"checkbox": true, "radio": true, "combobox": true, "listbox": true,
	"option": true, "menuitem": true, "tab": true, "switch": true,
	"slider": true, "spinbutton": true, "heading": true, "img": true,
}

// Roles dropped from the flattened tree; their children are kept.
var skipRoles = map[string]bool{
	"none": true, "generic": true, "InlineTextBox": true, "LineBreak": true,
}

type axValue struct {
	Value any `json:"value"`
}

type axNode struct {
	NodeID           string   `json:"nodeId"`
	Ignored          bool     `json:"ignored"`
	Role             *axValue `json:"role"`
	Name             *axValue `json:"name"`
	Value            *axValue `json:"value"`
	ChildIDs         []string `json:"childIds"`
	BackendDOMNodeID int      `json:"backendDOMNodeId"`
}

func (v *axValue) String() string {
	if v == nil || v.Value == nil {
		return ""
	}
	switch x := v.Value.(type) {
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Node is one line of a snapshot.
type Node struct {
	Ref   string `json:"ref,omitempty"`
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
	Depth int    `json:"depth"`

	backendID int
}

// Snapshot is the flattened accessibility tree of the shared page.
//
// Refs are ordinals: "@e3" is the third node that received a ref. Acting on
// a ref walks the tree again and takes the node at the same position, so a
// page that changed after the snapshot may resolve a ref to another node.
// Generation counts snapshots and navigations; a request carrying an older
// generation is refused.
type Snapshot struct {
	Generation uint64 `json:"generation"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Nodes      []Node `json:"nodes"`
	Text       string `json:"text"`
}

// flatten walks the tree depth-first from its first node and assigns refs.
func flatten(nodes []axNode) []Node {
	if len(nodes) == 0 {
		return nil
	}
	byID := make(map[string]*axNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].NodeID] = &nodes[i]
	}

	var out []Node
	refs := 0
	seen := make(map[string]bool, len(nodes))
	var walk func(n *axNode, depth int)
	walk = func(n *axNode, depth int) {
		if n == nil || seen[n.NodeID] {
			return
		}
		seen[n.NodeID] = true
		role := n.Role.String()
		childDepth := depth
		if !n.Ignored && !skipRoles[role] && role != "" {
			name := strings.TrimSpace(n.Name.String())
			if role != "StaticText" || name != "" {
				node := Node{Role: role, Name: name, Value: n.Value.String(), Depth: depth, backendID: n.BackendDOMNodeID}
				if refRoles[role] {
					refs++
					node.Ref = "@e" + strconv.Itoa(refs)
				}
				out = append(out, node)
				childDepth = depth + 1
			}
		}
		for _, id := range n.ChildIDs {
			walk(byID[id], childDepth)
		}
	}
	walk(&nodes[0], 0)
	return out
}

// render formats nodes as an indented outline.
func render(nodes []Node) string {
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(strings.Repeat("  ", n.Depth))
		b.WriteString("- ")
		b.WriteString(n.Role)
		if n.Name != "" {
			fmt.Fprintf(&b, " %q", n.Name)
		}
		if n.Value != "" {
			fmt.Fprintf(&b, " value=%q", n.Value)
		}
		if n.Ref != "" {
			fmt.Fprintf(&b, " [ref=%s]", n.Ref)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseRef extracts the ordinal from "@eN" (or "eN").
func ParseRef(ref string) (int, bool) {
	s := strings.TrimPrefix(ref, "@")
	if !strings.HasPrefix(s, "e") {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// findRef returns the node that holds ordinal n.
func findRef(nodes []Node, n int) (Node, error) {
	want := "@e" + strconv.Itoa(n)
	for _, node := range nodes {
		if node.Ref == want {
			return node, nil
		}
	}
	return Node{}, fmt.Errorf("%w: element %s not on the page", errdefs.ErrNotFound, want)
}
