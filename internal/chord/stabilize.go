package chord

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipset"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/chordht/pkg"
	"github.com/zde37/chordht/pkg/hash"
)

func (n *ChordNode) startStabilization() {
	n.wg.Add(1)
	go n.stabilizeLoop()

	n.logger.Debug().
		Dur("delay", n.config.StabilizationDelay).
		Dur("interval", n.config.StabilizationInterval).
		Msg("Stabilization started")
}

// stabilizeLoop runs the first tick after StabilizationDelay and then one
// tick per StabilizationInterval until the node shuts down.
func (n *ChordNode) stabilizeLoop() {
	defer n.wg.Done()

	delay := time.NewTimer(n.config.StabilizationDelay)
	defer delay.Stop()

	select {
	case <-n.ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(n.config.StabilizationInterval)
	defer ticker.Stop()

	for {
		n.stabilize(n.ctx)

		select {
		case <-n.ctx.Done():
			n.logger.Debug().Msg("Stabilize loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// stabilize runs one tick. Failures are logged and never end the loop.
func (n *ChordNode) stabilize(ctx context.Context) {
	start := time.Now()

	if err := n.refreshSuccessors(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("Successor refresh failed")
	}
	if err := n.refreshFingers(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("Finger refresh failed")
	}
	if err := n.checkPredecessor(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("Predecessor check failed")
	}

	succ := n.ring.successor()
	n.logger.Debug().
		Str("successor", succ.Address()).
		Str("predecessor", n.ring.getPredecessor().Address()).
		Dur("took", time.Since(start)).
		Msg("Stabilize completed")

	n.broadcast(EventStabilization, fmt.Sprintf("successor %s", succ.Address()))
}

// refreshSuccessors rebuilds the successor list from the lists of every
// current successor, then notifies the first one.
func (n *ChordNode) refreshSuccessors(ctx context.Context) error {
	current := n.ring.getSuccessors()
	if len(current) == 0 {
		return pkg.ErrNeverBootstrapped
	}

	blacklist := skipset.NewString()
	replies := make([][]*NodeAddress, len(current))

	var g errgroup.Group
	for i, peer := range current {
		g.Go(func() error {
			rpcCtx, cancel := context.WithTimeout(ctx, n.config.Timeout)
			defer cancel()

			list, err := n.GetSuccessorList(rpcCtx, peer)
			if err != nil {
				blacklist.Add(peer.Address())
				n.logger.Debug().Err(err).Str("peer", peer.Address()).Msg("Successor unreachable")
				return nil
			}
			replies[i] = list
			return nil
		})
	}
	_ = g.Wait()

	candidates := current
	for _, list := range replies {
		candidates = append(candidates, list...)
	}

	previous := n.ring.successor()
	n.ring.setSuccessors(n.mergeSuccessors(candidates, blacklist))

	if blacklist.Len() > 0 {
		n.broadcast(EventPeerDead, fmt.Sprintf("%d successor(s) unreachable", blacklist.Len()))
	}

	succ := n.ring.successor()
	if !succ.Equals(previous) {
		n.logger.Info().
			Str("old_successor", previous.Address()).
			Str("new_successor", succ.Address()).
			Msg("Successor changed")
		n.broadcast(EventSuccessorChanged, fmt.Sprintf("successor is now %s", succ.Address()))
	}

	if succ.Equals(n.address) {
		return nil
	}
	return n.notifySuccessor(ctx, succ)
}

// mergeSuccessors drops blacklisted peers and duplicates and orders the rest
// by clockwise distance from this node. Self is kept only if nothing else remains.
func (n *ChordNode) mergeSuccessors(candidates []*NodeAddress, blacklist *skipset.StringSet) []*NodeAddress {
	seen := make(map[string]struct{}, len(candidates))
	merged := make([]*NodeAddress, 0, len(candidates))
	for _, c := range candidates {
		if c.IsNil() || c.Equals(n.address) || blacklist.Contains(c.Address()) {
			continue
		}
		if _, ok := seen[c.Address()]; ok {
			continue
		}
		seen[c.Address()] = struct{}{}
		merged = append(merged, c)
	}

	if len(merged) == 0 {
		return []*NodeAddress{n.address.Copy()}
	}

	slices.SortFunc(merged, func(a, b *NodeAddress) int {
		return hash.Distance(n.id, a.ID).Cmp(hash.Distance(n.id, b.ID))
	})
	if len(merged) > n.config.SuccessorListSize {
		merged = merged[:n.config.SuccessorListSize]
	}
	return merged
}

// notifySuccessor offers this node as succ's predecessor and adopts succ's
// previous predecessor as successor when it sits strictly between us.
func (n *ChordNode) notifySuccessor(ctx context.Context, succ *NodeAddress) error {
	rpcCtx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	previous, err := n.NotifyPredecessor(rpcCtx, n.address, succ)
	if err != nil {
		return fmt.Errorf("failed to notify successor %s: %w", succ.Address(), err)
	}

	if hash.Between(previous.ID, n.id, succ.ID) {
		n.ring.setSuccessor(previous)

		n.logger.Info().
			Str("old_successor", succ.Address()).
			Str("new_successor", previous.Address()).
			Msg("Adopted closer successor")
		n.broadcast(EventSuccessorChanged, fmt.Sprintf("successor is now %s", previous.Address()))
	}
	return nil
}

// refreshFingers resolves every finger target through the successor with at
// most WorkerThreads lookups in flight. Failed lookups keep their old entry.
func (n *ChordNode) refreshFingers(ctx context.Context) error {
	succ := n.ring.successor()
	if succ == nil {
		return pkg.ErrNeverBootstrapped
	}

	results := make([]*NodeAddress, n.config.Fingers)
	var failed atomic.Int32

	var g errgroup.Group
	g.SetLimit(n.config.WorkerThreads)
	for i := range results {
		g.Go(func() error {
			if ctx.Err() != nil {
				failed.Add(1)
				return nil
			}

			owner, err := n.FindPeer(ctx, hash.FingerTarget(n.id, i), succ)
			if err != nil {
				failed.Add(1)
				n.logger.Trace().Err(err).Int("finger_index", i).Msg("Failed to fix finger")
				return nil
			}
			results[i] = owner
			return nil
		})
	}
	_ = g.Wait()

	updates := make(map[int]*NodeAddress, len(results))
	for i, owner := range results {
		if owner != nil {
			updates[i] = owner
		}
	}
	n.ring.updateFingers(updates)

	if f := failed.Load(); f > 0 {
		return fmt.Errorf("%d of %d finger lookups failed", f, n.config.Fingers)
	}
	return nil
}

// checkPredecessor pings the predecessor. A dead predecessor stays in place
// as the lower bound of the owned range and is marked suspect, so the next
// notify replaces it. Only a node that knows no other live peer falls back
// to itself and owns the whole ring.
func (n *ChordNode) checkPredecessor(ctx context.Context) error {
	pred := n.ring.getPredecessor()
	if pred == nil || pred.Equals(n.address) {
		return nil
	}
	if n.remote == nil {
		return errNoRemote
	}

	rpcCtx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	err := n.remote.Ping(rpcCtx, pred.Addr)
	if err == nil {
		n.ring.clearPredecessorSuspect(pred)
		return nil
	}

	if n.knowsPeerOtherThan(pred) {
		if n.ring.markPredecessorSuspect(pred) {
			n.broadcast(EventPeerDead, fmt.Sprintf("predecessor %s is unreachable", pred.Address()))
		}
		return fmt.Errorf("predecessor %s: %w", pred.Address(), err)
	}

	// a notify may have replaced pred while the ping was in flight
	_, reset := n.ring.offerPredecessor(n.address, func(current *NodeAddress, _ bool) bool {
		return current.Equals(pred)
	})
	if reset {
		n.broadcast(EventPeerDead, fmt.Sprintf("predecessor %s is unreachable, node is alone", pred.Address()))
	}
	return fmt.Errorf("predecessor %s: %w", pred.Address(), err)
}

// knowsPeerOtherThan reports whether the successor list names a peer that
// is neither this node nor exclude.
func (n *ChordNode) knowsPeerOtherThan(exclude *NodeAddress) bool {
	for _, succ := range n.ring.getSuccessors() {
		if !succ.Equals(n.address) && !succ.Equals(exclude) {
			return true
		}
	}
	return false
}
