package tree

import (
	"context"

	"github.com/calvinalkan/fractaltree/internal/cachetable"
	"github.com/calvinalkan/fractaltree/internal/node"
)

// Get looks up key, descending from the root and checking each
// internal node's child buffer for a fresher, not-yet-flushed message
// before trusting whatever the leaf eventually reports (spec.md §4.F
// "Ancestor messages" — a query must never return a value a pending
// buffered delete or overwrite has already superseded).
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	root, err := t.get(ctx, t.Root())
	if err != nil {
		return nil, false, err
	}
	defer t.cache.Unpin(root)

	return t.searchDescend(ctx, root, key)
}

func (t *Tree) searchDescend(ctx context.Context, pair *cachetable.CachePair, key []byte) ([]byte, bool, error) {
	n := pair.Node()

	if n.IsLeaf() {
		idx := n.ChildIndexForKey(key, t.cfg.Comparator)
		part := n.Children[idx]

		bm, ok := part.Basement()
		if !ok {
			return nil, false, errCorrupt
		}

		entry, found := bm.Get(key, t.cfg.Comparator)
		if !found {
			return nil, false, nil
		}

		v, ok := entry.ValueForTXN(nil, nil)

		return v, ok, nil
	}

	idx := n.ChildIndexForKey(key, t.cfg.Comparator)
	childPart := n.Children[idx]

	mb, ok := childPart.MessageBuffer()
	if !ok {
		return nil, false, errCorrupt
	}

	var override *node.Message
	for _, m := range mb.All() {
		if !m.Fresh || t.cfg.Comparator(m.Key, key) != 0 {
			continue
		}

		if override == nil || m.MSN > override.MSN {
			mCopy := m
			override = &mCopy
		}
	}

	childPair, err := t.get(ctx, childPart.ChildBlockNum)
	if err != nil {
		return nil, false, err
	}

	v, found, err := t.searchDescend(ctx, childPair, key)
	t.cache.Unpin(childPair)

	if err != nil {
		return nil, false, err
	}

	if override != nil {
		switch override.Type {
		case node.MsgDelete, node.MsgBroadcastDelete:
			return nil, false, nil
		default:
			return override.Value, true, nil
		}
	}

	return v, found, nil
}
