package chord

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodes(count int) []*NodeAddress {
	nodes := make([]*NodeAddress, count)
	for i := range nodes {
		nodes[i] = NewNodeAddress(netip.MustParseAddrPort(nodeAddr(i)))
	}
	return nodes
}

func TestRingState_Successors(t *testing.T) {
	nodes := testNodes(6)

	t.Run("empty ring has no successor", func(t *testing.T) {
		r := newRingState(3, 8)
		assert.Nil(t, r.successor())
		assert.Empty(t, r.getSuccessors())
	})

	t.Run("set truncates and drops duplicates", func(t *testing.T) {
		r := newRingState(3, 8)
		r.setSuccessors([]*NodeAddress{nodes[0], nil, nodes[0], nodes[1], nodes[2], nodes[3]})

		list := r.getSuccessors()
		require.Len(t, list, 3)
		assert.True(t, list[0].Equals(nodes[0]))
		assert.True(t, list[1].Equals(nodes[1]))
		assert.True(t, list[2].Equals(nodes[2]))
	})

	t.Run("set successor moves node to the head", func(t *testing.T) {
		r := newRingState(3, 8)
		r.setSuccessors([]*NodeAddress{nodes[0], nodes[1], nodes[2]})
		r.setSuccessor(nodes[2])

		list := r.getSuccessors()
		require.Len(t, list, 3)
		assert.True(t, list[0].Equals(nodes[2]))
		assert.True(t, list[1].Equals(nodes[0]))
		assert.True(t, list[2].Equals(nodes[1]))

		r.setSuccessor(nodes[4])
		list = r.getSuccessors()
		require.Len(t, list, 3)
		assert.True(t, list[0].Equals(nodes[4]))
		assert.True(t, list[2].Equals(nodes[0]))
	})

	t.Run("getters return copies", func(t *testing.T) {
		r := newRingState(3, 8)
		r.setSuccessors([]*NodeAddress{nodes[0]})

		list := r.getSuccessors()
		list[0].Addr = nodes[5].Addr
		assert.True(t, r.successor().Equals(nodes[0]))
	})
}

func TestRingState_Predecessor(t *testing.T) {
	nodes := testNodes(3)
	r := newRingState(3, 8)
	assert.Nil(t, r.getPredecessor())

	r.setPredecessor(nodes[0])
	assert.True(t, r.getPredecessor().Equals(nodes[0]))

	t.Run("offer rejected", func(t *testing.T) {
		previous, adopted := r.offerPredecessor(nodes[1], func(*NodeAddress, bool) bool { return false })
		assert.False(t, adopted)
		assert.True(t, previous.Equals(nodes[0]))
		assert.True(t, r.getPredecessor().Equals(nodes[0]))
	})

	t.Run("offer accepted", func(t *testing.T) {
		previous, adopted := r.offerPredecessor(nodes[1], func(current *NodeAddress, _ bool) bool {
			return current.Equals(nodes[0])
		})
		assert.True(t, adopted)
		assert.True(t, previous.Equals(nodes[0]))
		assert.True(t, r.getPredecessor().Equals(nodes[1]))
	})
}

func TestRingState_SuspectPredecessor(t *testing.T) {
	nodes := testNodes(3)
	r := newRingState(3, 8)
	r.setPredecessor(nodes[0])

	assert.False(t, r.markPredecessorSuspect(nodes[1]), "only the current predecessor can be marked")
	require.True(t, r.markPredecessorSuspect(nodes[0]))
	assert.False(t, r.markPredecessorSuspect(nodes[0]), "already marked")

	pred, suspect := r.predecessorState()
	assert.True(t, pred.Equals(nodes[0]), "a suspect predecessor keeps its place")
	assert.True(t, suspect)

	t.Run("offer sees the flag", func(t *testing.T) {
		var seen bool
		_, adopted := r.offerPredecessor(nodes[2], func(_ *NodeAddress, suspect bool) bool {
			seen = suspect
			return false
		})
		assert.False(t, adopted)
		assert.True(t, seen)
	})

	t.Run("clear ignores a replaced predecessor", func(t *testing.T) {
		r.clearPredecessorSuspect(nodes[1])
		_, suspect := r.predecessorState()
		assert.True(t, suspect)
	})

	t.Run("adoption clears the flag", func(t *testing.T) {
		_, adopted := r.offerPredecessor(nodes[2], func(_ *NodeAddress, suspect bool) bool { return suspect })
		require.True(t, adopted)

		pred, suspect := r.predecessorState()
		assert.True(t, pred.Equals(nodes[2]))
		assert.False(t, suspect)
	})

	t.Run("set clears the flag", func(t *testing.T) {
		require.True(t, r.markPredecessorSuspect(nodes[2]))
		r.setPredecessor(nodes[2])
		_, suspect := r.predecessorState()
		assert.False(t, suspect)
	})
}

func TestRingState_Fingers(t *testing.T) {
	nodes := testNodes(3)
	r := newRingState(3, 4)

	assert.Nil(t, r.getFinger(0))

	r.fillFingers(nodes[0])
	fingers := r.getFingers()
	require.Len(t, fingers, 4)
	for i := 0; i < 4; i++ {
		assert.True(t, fingers[i].Equals(nodes[0]))
	}

	r.updateFingers(map[int]*NodeAddress{
		1:  nodes[1],
		3:  nodes[2],
		2:  nil,
		-1: nodes[1],
		9:  nodes[1],
	})

	assert.True(t, r.getFinger(0).Equals(nodes[0]))
	assert.True(t, r.getFinger(1).Equals(nodes[1]))
	assert.True(t, r.getFinger(2).Equals(nodes[0]), "nil updates keep the old entry")
	assert.True(t, r.getFinger(3).Equals(nodes[2]))
	assert.Nil(t, r.getFinger(9))
	assert.Len(t, r.getFingers(), 4)
}

func TestRingState_Concurrent(t *testing.T) {
	nodes := testNodes(8)
	r := newRingState(4, 16)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.setSuccessors(nodes[i%4 : i%4+4])
			_ = r.successor()
		}()
		go func() {
			defer wg.Done()
			r.updateFingers(map[int]*NodeAddress{i: nodes[i%8]})
			_ = r.getFingers()
		}()
		go func() {
			defer wg.Done()
			r.setPredecessor(nodes[i%8])
			_ = r.getPredecessor()
		}()
	}
	wg.Wait()

	assert.Len(t, r.getSuccessors(), 4)
	assert.Len(t, r.getFingers(), 16)
	assert.NotNil(t, r.getPredecessor())
}
