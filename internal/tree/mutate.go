package tree

import (
	"context"

	"github.com/calvinalkan/fractaltree/internal/cachetable"
	"github.com/calvinalkan/fractaltree/internal/node"
)

// Insert writes key=value, overwriting any existing value.
func (t *Tree) Insert(ctx context.Context, key, value []byte) error {
	return t.putMessage(ctx, node.Message{
		Type: node.MsgInsertOverwrite, Key: key, Value: value, MSN: t.nextMSN(),
	})
}

// Delete removes key. A miss is not an error.
func (t *Tree) Delete(ctx context.Context, key []byte) error {
	return t.putMessage(ctx, node.Message{Type: node.MsgDelete, Key: key, MSN: t.nextMSN()})
}

func (t *Tree) putMessage(ctx context.Context, msg node.Message) error {
	rootPair, err := t.get(ctx, t.Root())
	if err != nil {
		return err
	}
	defer t.cache.Unpin(rootPair)

	sr, err := t.insertAlongPath(ctx, rootPair, msg)
	if err != nil {
		return err
	}

	if sr != nil {
		t.growRoot(rootPair, sr)
	}

	return nil
}

// growRoot wraps the (now-split) former root and its new right sibling
// under a brand-new, taller root, the way every B-tree-family insert
// grows height only at the root (spec.md §4.F).
func (t *Tree) growRoot(oldRoot *cachetable.CachePair, sr *splitResult) {
	newBN := t.blocks.AllocateNew()
	newHeight := oldRoot.Node().Height + 1

	left := node.NewInternalPartition(oldRoot.BlockNum())
	right := node.NewInternalPartition(sr.newRightBlock)

	newRoot := &node.Node{
		BlockNum: newBN,
		Height:   newHeight,
		Pivots:   [][]byte{sr.pivotKey},
		Children: []*node.Partition{left, right},
	}

	p := t.cache.CreateNew(newBN, newRoot)
	t.cache.Unpin(p)

	t.setRoot(newBN)
}

// insertAlongPath applies msg at pair's node, recursing into a child
// only when that child is already cache resident or its buffer has
// grown past the gorged threshold; otherwise the message is left
// buffered for the cleaner thread to pick up later (spec.md §4.F
// "Flush to child" / promotion). It returns a non-nil splitResult when
// pair's own node outgrew its fanout and had to split.
func (t *Tree) insertAlongPath(ctx context.Context, pair *cachetable.CachePair, msg node.Message) (*splitResult, error) {
	n := pair.Node()

	if n.IsLeaf() {
		return t.applyToLeaf(pair, n, msg)
	}

	idx := n.ChildIndexForKey(msg.Key, t.cfg.Comparator)
	childPart := n.Children[idx]

	mb, ok := childPart.MessageBuffer()
	if !ok {
		return nil, errCorrupt
	}

	mb.Append(msg)
	childPart.TouchClock()
	childPart.Workdone += uint64(len(msg.Key)+len(msg.Value)) + 1
	pair.MarkDirty()

	resident := t.cache.Peek(childPart.ChildBlockNum)
	if !resident && mb.UncompressedSize() < t.cfg.gorgedThreshold() {
		return nil, nil
	}

	childPair, err := t.get(ctx, childPart.ChildBlockNum)
	if err != nil {
		return nil, err
	}

	splits, err := t.flushAndDescend(ctx, pair, idx, childPair)
	t.cache.Unpin(childPair)

	if err != nil {
		return nil, err
	}

	for i, sr := range splits {
		insertChildAt(n, idx+1+i, sr.pivotKey, sr.newRightBlock)
	}

	if len(splits) > 0 {
		pair.MarkDirty()
	}

	return t.maybeSplitInternalNode(pair, n)
}

// flushAndDescend replays every fresh message buffered for n.Children[idx]
// into childPair, in (key, msn) order, then empties the buffer. Each
// replayed message may itself cause childPair's node to split; every
// such split is returned so the caller can splice the new siblings into
// n at the right, increasing offsets.
func (t *Tree) flushAndDescend(ctx context.Context, parentPair *cachetable.CachePair, idx int, childPair *cachetable.CachePair) ([]*splitResult, error) {
	parentNode := parentPair.Node()
	childPart := parentNode.Children[idx]

	mb, ok := childPart.MessageBuffer()
	if !ok {
		return nil, errCorrupt
	}

	fresh := mb.FreshByKeyThenMSN()
	if len(fresh) == 0 {
		return nil, nil
	}

	var splits []*splitResult

	for _, m := range fresh {
		sr, err := t.insertAlongPath(ctx, childPair, m)
		if err != nil {
			return nil, err
		}

		if sr != nil {
			splits = append(splits, sr)
		}
	}

	mb.MarkStale()
	mb.Clear()
	childPart.Workdone = 0
	parentPair.MarkDirty()

	return splits, nil
}

func (t *Tree) applyToLeaf(pair *cachetable.CachePair, n *node.Node, msg node.Message) (*splitResult, error) {
	idx := n.ChildIndexForKey(msg.Key, t.cfg.Comparator)
	part := n.Children[idx]

	bm, ok := part.Basement()
	if !ok {
		return nil, errCorrupt
	}

	bm.ApplyMessage(msg, t.cfg.Comparator)
	pair.MarkDirty()
	part.TouchClock()

	if msg.Type == node.MsgDelete || msg.Type == node.MsgBroadcastDelete {
		t.maybeMergeLeafPartitions(n, idx)
		return nil, nil
	}

	if bm.UncompressedSize() <= t.cfg.BasementSize || bm.Len() < 2 {
		return nil, nil
	}

	t.splitLeafPartition(n, idx)

	return t.maybeSplitInternalNode(pair, n)
}

// splitLeafPartition splits an overgrown basement in place into two
// adjacent partitions of the same node (spec.md §4.D).
func (t *Tree) splitLeafPartition(n *node.Node, idx int) {
	part := n.Children[idx]
	bm, _ := part.Basement()

	left, right, pivotKey := bm.SplitAt()

	part.Payload = left

	rightPart := node.NewLeafPartition()
	rightPart.Payload = right

	n.Pivots = insertPivotAt(n.Pivots, idx, pivotKey)
	n.Children = insertChildPartitionAt(n.Children, idx+1, rightPart)
}

// maybeMergeLeafPartitions recombines n.Children[idx] with an adjacent
// partition once its basement has shrunk below the merge threshold and
// the combined size still fits the budget (spec.md §4.F merge;
// triggered opportunistically on deletes, the operation that is most
// likely to shrink a partition below the threshold).
func (t *Tree) maybeMergeLeafPartitions(n *node.Node, idx int) {
	threshold := t.cfg.mergeThreshold()
	if threshold == 0 {
		return
	}

	part := n.Children[idx]
	bm, ok := part.Basement()
	if !ok || bm.UncompressedSize() >= threshold {
		return
	}

	if idx+1 < len(n.Children) {
		if rightBM, ok := n.Children[idx+1].Basement(); ok &&
			bm.UncompressedSize()+rightBM.UncompressedSize() <= t.cfg.BasementSize {
			bm.MergeFrom(rightBM)
			n.Children = append(n.Children[:idx+1], n.Children[idx+2:]...)
			n.Pivots = append(n.Pivots[:idx], n.Pivots[idx+1:]...)

			return
		}
	}

	if idx > 0 {
		if leftBM, ok := n.Children[idx-1].Basement(); ok &&
			leftBM.UncompressedSize()+bm.UncompressedSize() <= t.cfg.BasementSize {
			leftBM.MergeFrom(bm)
			n.Children = append(n.Children[:idx], n.Children[idx+1:]...)
			n.Pivots = append(n.Pivots[:idx-1], n.Pivots[idx:]...)
		}
	}
}

// maybeSplitInternalNode splits n into two siblings at the same height
// once it has outgrown FanoutTarget children — applies uniformly to
// leaf nodes (too many basement partitions) and internal nodes (too
// many buffered children), since Partition is structurally uniform
// regardless of payload kind.
func (t *Tree) maybeSplitInternalNode(pair *cachetable.CachePair, n *node.Node) (*splitResult, error) {
	if t.cfg.FanoutTarget <= 0 || len(n.Children) <= t.cfg.FanoutTarget {
		return nil, nil
	}

	mid := len(n.Children) / 2

	rightChildren := append([]*node.Partition(nil), n.Children[mid:]...)
	rightPivots := append([][]byte(nil), n.Pivots[mid:]...)
	pivotForParent := n.Pivots[mid-1]

	n.Children = n.Children[:mid]
	n.Pivots = n.Pivots[:mid-1]

	newBN := t.blocks.AllocateNew()
	newNode := &node.Node{BlockNum: newBN, Height: n.Height, Pivots: rightPivots, Children: rightChildren}

	p := t.cache.CreateNew(newBN, newNode)
	t.cache.Unpin(p)
	pair.MarkDirty()

	return &splitResult{pivotKey: pivotForParent, newRightBlock: newBN}, nil
}
