package partition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/quantum/partition"
	"github.com/outofforest/quantum/types"
)

func TestHashKeyIsDeterministic(t *testing.T) {
	assertT := assert.New(t)

	a := partition.HashKey([]byte("foo"))
	b := partition.HashKey([]byte("foo"))
	c := partition.HashKey([]byte("bar"))

	assertT.Equal(a, b)
	assertT.NotEqual(a, c)
}

func TestBucketFuncDistributesAcrossFullRange(t *testing.T) {
	requireT := require.New(t)

	bf := partition.NewBucketFunc(4)
	requireT.EqualValues(0, bf.Bucket(types.KeyHash(0)))
	requireT.EqualValues(3, bf.Bucket(types.KeyHash(^uint64(0))))
	requireT.Less(bf.Bucket(types.KeyHash(0)), bf.BucketCount())
}

func TestAssignChildrenFollowsNumaNodeWhenUnderCapacity(t *testing.T) {
	requireT := require.New(t)

	p := partition.New([]types.NumaNode{0, 1})
	children := []partition.ChildInfo{
		{Bucket: 0, NumaNode: 0},
		{Bucket: 1, NumaNode: 1},
	}

	assignment := p.AssignChildren(children)
	requireT.Equal(0, assignment[0])
	requireT.Equal(1, assignment[1])
}

func TestAssignChildrenDefersExcessiveChildren(t *testing.T) {
	requireT := require.New(t)

	// 2 partitions, 10 children all claiming node 0: max per partition is
	// ceil(10*1.2/2) = 6, so the remaining 4 children must be deferred and
	// rebalanced onto the least-loaded partition (node 1).
	p := partition.New([]types.NumaNode{0, 1})
	children := make([]partition.ChildInfo, 10)
	for i := range children {
		children[i] = partition.ChildInfo{Bucket: uint64(i), NumaNode: 0}
	}

	assignment := p.AssignChildren(children)

	load := map[int]int{}
	for _, part := range assignment {
		load[part]++
	}
	requireT.LessOrEqual(load[0], 6)
	requireT.Greater(load[1], 0)
	requireT.Len(assignment, 10)
}

func TestPartitionBatchRoutesByBucketOwner(t *testing.T) {
	requireT := require.New(t)

	bf := partition.NewBucketFunc(2)
	assignment := partition.Assignment{0: 7, 1: 9}

	entries := []partition.LogEntry{
		{Key: types.KeyHash(0), Payload: []byte("a")},
		{Key: types.KeyHash(^uint64(0)), Payload: []byte("b")},
	}

	out := partition.PartitionBatch(entries, bf, assignment)
	requireT.Equal([]byte("a"), out[7][0].Payload)
	requireT.Equal([]byte("b"), out[9][0].Payload)
}

func TestNumaNodesReturnsDistinctNodes(t *testing.T) {
	requireT := require.New(t)

	p := partition.New([]types.NumaNode{0, 0, 1})
	requireT.ElementsMatch([]types.NumaNode{0, 1}, p.NumaNodes())
}
