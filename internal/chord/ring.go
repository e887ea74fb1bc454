package chord

import (
	"sync"
)

// ringState is one node's view of its neighbourhood. Each field group has
// its own lock so readers never see a torn update and stabilization can
// rewrite one group while notify handling touches another.
type ringState struct {
	successorListSize int
	fingerCount       int

	// nil until bootstrap. A suspect predecessor failed its last ping; it
	// still bounds the owned range until a live candidate notifies.
	predecessor        *NodeAddress
	predecessorSuspect bool
	predecessorMu      sync.RWMutex

	// successors[0] is the immediate successor
	successors  []*NodeAddress
	successorMu sync.RWMutex

	// fingers[i] approximates the owner of self + 2^(255-i)
	fingers  map[int]*NodeAddress
	fingerMu sync.RWMutex
}

func newRingState(successorListSize, fingerCount int) *ringState {
	return &ringState{
		successorListSize: successorListSize,
		fingerCount:       fingerCount,
		successors:        make([]*NodeAddress, 0, successorListSize),
		fingers:           make(map[int]*NodeAddress, fingerCount),
	}
}

func (r *ringState) getPredecessor() *NodeAddress {
	r.predecessorMu.RLock()
	defer r.predecessorMu.RUnlock()
	return r.predecessor.Copy()
}

// predecessorState returns the predecessor and whether it is suspect.
func (r *ringState) predecessorState() (*NodeAddress, bool) {
	r.predecessorMu.RLock()
	defer r.predecessorMu.RUnlock()
	return r.predecessor.Copy(), r.predecessorSuspect
}

func (r *ringState) setPredecessor(node *NodeAddress) {
	r.predecessorMu.Lock()
	defer r.predecessorMu.Unlock()
	r.predecessor = node.Copy()
	r.predecessorSuspect = false
}

// markPredecessorSuspect flags pred if it is still the predecessor.
// It reports whether the flag changed.
func (r *ringState) markPredecessorSuspect(pred *NodeAddress) bool {
	r.predecessorMu.Lock()
	defer r.predecessorMu.Unlock()

	if r.predecessorSuspect || !r.predecessor.Equals(pred) {
		return false
	}
	r.predecessorSuspect = true
	return true
}

// clearPredecessorSuspect drops the flag if pred is still the predecessor.
func (r *ringState) clearPredecessorSuspect(pred *NodeAddress) {
	r.predecessorMu.Lock()
	defer r.predecessorMu.Unlock()

	if r.predecessor.Equals(pred) {
		r.predecessorSuspect = false
	}
}

// offerPredecessor runs adopt against the current predecessor under the lock
// and installs candidate when it returns true. Adoption clears the suspect
// flag. The previous predecessor is returned.
func (r *ringState) offerPredecessor(candidate *NodeAddress, adopt func(current *NodeAddress, suspect bool) bool) (previous *NodeAddress, adopted bool) {
	r.predecessorMu.Lock()
	defer r.predecessorMu.Unlock()

	previous = r.predecessor.Copy()
	if adopt(r.predecessor, r.predecessorSuspect) {
		r.predecessor = candidate.Copy()
		r.predecessorSuspect = false
		adopted = true
	}
	return previous, adopted
}

// successor returns the immediate successor, or nil if none is known.
func (r *ringState) successor() *NodeAddress {
	r.successorMu.RLock()
	defer r.successorMu.RUnlock()

	if len(r.successors) == 0 {
		return nil
	}
	return r.successors[0].Copy()
}

func (r *ringState) getSuccessors() []*NodeAddress {
	r.successorMu.RLock()
	defer r.successorMu.RUnlock()

	list := make([]*NodeAddress, len(r.successors))
	for i, node := range r.successors {
		list[i] = node.Copy()
	}
	return list
}

// setSuccessors replaces the whole list, dropping nils and duplicates and
// truncating to the configured size.
func (r *ringState) setSuccessors(list []*NodeAddress) {
	next := make([]*NodeAddress, 0, r.successorListSize)
	for _, node := range list {
		if len(next) == r.successorListSize {
			break
		}
		if node.IsNil() || containsNode(next, node) {
			continue
		}
		next = append(next, node.Copy())
	}

	r.successorMu.Lock()
	r.successors = next
	r.successorMu.Unlock()
}

// setSuccessor puts node at the head of the list and keeps the rest.
func (r *ringState) setSuccessor(node *NodeAddress) {
	r.successorMu.Lock()
	defer r.successorMu.Unlock()

	next := make([]*NodeAddress, 0, r.successorListSize)
	next = append(next, node.Copy())
	for _, old := range r.successors {
		if len(next) == r.successorListSize {
			break
		}
		if !old.Equals(node) {
			next = append(next, old)
		}
	}
	r.successors = next
}

func (r *ringState) getFinger(i int) *NodeAddress {
	r.fingerMu.RLock()
	defer r.fingerMu.RUnlock()
	return r.fingers[i].Copy()
}

// fillFingers points every finger at node.
func (r *ringState) fillFingers(node *NodeAddress) {
	r.fingerMu.Lock()
	defer r.fingerMu.Unlock()

	for i := 0; i < r.fingerCount; i++ {
		r.fingers[i] = node.Copy()
	}
}

// updateFingers folds a batch of refreshed entries into the table in one step.
// Indexes missing from updates keep their previous entry.
func (r *ringState) updateFingers(updates map[int]*NodeAddress) {
	r.fingerMu.Lock()
	defer r.fingerMu.Unlock()

	for i, node := range updates {
		if i < 0 || i >= r.fingerCount || node.IsNil() {
			continue
		}
		r.fingers[i] = node.Copy()
	}
}

func (r *ringState) getFingers() map[int]*NodeAddress {
	r.fingerMu.RLock()
	defer r.fingerMu.RUnlock()

	out := make(map[int]*NodeAddress, len(r.fingers))
	for i, node := range r.fingers {
		out[i] = node.Copy()
	}
	return out
}

func containsNode(list []*NodeAddress, node *NodeAddress) bool {
	for _, n := range list {
		if n.Equals(node) {
			return true
		}
	}
	return false
}
