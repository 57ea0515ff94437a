// Package tree turns a flat member list into a rooted navigation tree with
// edges reflecting referrer relationships. Given the same member list the
// result is always the same.
package tree

import (
	"sort"
	"time"

	"pkmd/internal/store"
)

// Node is one visit inside a built tree.
type Node struct {
	Member   store.Member
	Children []*Node
}

// Tree is the built structure. Roots form a forest when some members'
// referrers match no member; Head is the earliest root and represents the
// tree in the markdown index.
type Tree struct {
	ID    string
	Head  *Node
	Roots []*Node
}

// Build constructs the tree. The parent of a member is the member whose url
// equals its referrer with the greatest load time not after the referrer
// timestamp; ties break toward the larger timestamp, then lexicographic id.
func Build(treeID string, members []store.Member) *Tree {
	if len(members) == 0 {
		return &Tree{ID: treeID}
	}

	ordered := append([]store.Member(nil), members...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := ordered[i].Visit.PageLoadedAt, ordered[j].Visit.PageLoadedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ordered[i].Visit.ID < ordered[j].Visit.ID
	})

	nodes := make([]*Node, len(ordered))
	for i, m := range ordered {
		nodes[i] = &Node{Member: m}
	}

	var roots []*Node
	for i, n := range nodes {
		parent := findParent(nodes, i)
		if parent == nil {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	t := &Tree{ID: treeID, Roots: roots}
	if len(roots) > 0 {
		t.Head = roots[0]
	}
	return t
}

func findParent(nodes []*Node, idx int) *Node {
	child := nodes[idx].Member.Visit
	if child.Referrer == "" {
		return nil
	}
	cutoff := child.ReferrerTimestamp
	if cutoff.IsZero() {
		cutoff = child.PageLoadedAt
	}

	var best *Node
	for i, candidate := range nodes {
		if i == idx {
			continue
		}
		v := candidate.Member.Visit
		if v.URL != child.Referrer || v.PageLoadedAt.After(cutoff) {
			continue
		}
		if best == nil || betterParent(v.PageLoadedAt, v.ID, best.Member.Visit.PageLoadedAt, best.Member.Visit.ID) {
			best = candidate
		}
	}
	return best
}

func betterParent(t time.Time, id string, bestT time.Time, bestID string) bool {
	if !t.Equal(bestT) {
		return t.After(bestT)
	}
	return id < bestID
}

// Walk visits every node depth-first in child order, head root first.
func (t *Tree) Walk(fn func(n *Node, depth int)) {
	var rec func(n *Node, depth int)
	rec = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			rec(c, depth+1)
		}
	}
	for _, r := range t.Roots {
		rec(r, 0)
	}
}

// Size returns the member count.
func (t *Tree) Size() int {
	n := 0
	t.Walk(func(*Node, int) { n++ })
	return n
}
