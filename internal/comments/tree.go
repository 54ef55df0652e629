// Package comments keeps an article's nested comment tree in memory,
// applies submissions optimistically and writes the whole tree back to the
// document store.
//
// Trees are never mutated in place. Every change returns a new root slice
// that shares all nodes outside the path to the changed node.
package comments

import (
	"encoding/json"

	"github.com/andseven/blog/internal/store"
)

// AppendTopLevel returns a new root slice with c at the end.
func AppendTopLevel(tree []*store.Comment, c *store.Comment) []*store.Comment {
	out := make([]*store.Comment, len(tree), len(tree)+1)
	copy(out, tree)
	return append(out, c)
}

// AddReply appends reply to the replies of the node whose ID is parentID,
// searching depth-first. Nodes off the root-to-parent path are shared with
// tree. When parentID is absent, tree itself is returned.
func AddReply(tree []*store.Comment, parentID string, reply *store.Comment) []*store.Comment {
	out, found := addReply(tree, parentID, reply)
	if !found {
		return tree
	}
	return out
}

func addReply(nodes []*store.Comment, parentID string, reply *store.Comment) ([]*store.Comment, bool) {
	for i, node := range nodes {
		var replaced *store.Comment
		if node.ID == parentID {
			clone := *node
			clone.Replies = AppendTopLevel(node.Replies, reply)
			replaced = &clone
		} else if len(node.Replies) > 0 {
			replies, found := addReply(node.Replies, parentID, reply)
			if !found {
				continue
			}
			clone := *node
			clone.Replies = replies
			replaced = &clone
		} else {
			continue
		}

		out := make([]*store.Comment, len(nodes))
		copy(out, nodes)
		out[i] = replaced
		return out, true
	}
	return nil, false
}

// Find returns the node with the given ID, or nil.
func Find(tree []*store.Comment, id string) *store.Comment {
	for _, node := range tree {
		if node.ID == id {
			return node
		}
		if found := Find(node.Replies, id); found != nil {
			return found
		}
	}
	return nil
}

// Count returns the number of nodes in the forest.
func Count(tree []*store.Comment) int {
	total := 0
	for _, node := range tree {
		total += 1 + Count(node.Replies)
	}
	return total
}

// Snapshot serializes a tree for change detection.
func Snapshot(tree []*store.Comment) (string, error) {
	if tree == nil {
		tree = []*store.Comment{}
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
