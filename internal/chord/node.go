package chord

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/netip"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/zde37/chordht/internal/config"
	"github.com/zde37/chordht/pkg"
	"github.com/zde37/chordht/pkg/hash"
)

var errNoRemote = errors.New("remote client not set - call SetRemote() first")

// ChordNode represents a node in the Chord DHT ring.
type ChordNode struct {
	// Node identity
	id      *big.Int
	address *NodeAddress

	config  *config.Config
	storage *ChordStorage
	logger  *pkg.Logger

	// Remote client for RPC calls to other nodes
	remote RemoteClient

	ring *ringState

	broadcaster   RingUpdateBroadcaster
	broadcasterMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bootstrapped bool
	shutdown     bool
	stateMu      sync.Mutex
}

// NewChordNode creates a new Chord node with the given configuration.
// Its identity is the hash of cfg.ListenAddress.
func NewChordNode(cfg *config.Config, logger *pkg.Logger) (*ChordNode, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	listen, err := cfg.ListenAddrPort()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	address := NewNodeAddress(listen)

	ctx, cancel := context.WithCancel(context.Background())

	node := &ChordNode{
		id:      address.ID,
		address: address,
		config:  cfg,
		storage: NewDefaultChordStorage(),
		logger:  logger.WithFields(pkg.Fields{"component": "chord", "node_id": hash.Short(address.ID)}),
		ring:    newRingState(cfg.SuccessorListSize, cfg.Fingers),
		ctx:     ctx,
		cancel:  cancel,
	}

	node.logger.Info().
		Str("address", address.Address()).
		Str("node_id", address.ID.Text(16)).
		Msg("ChordNode created")

	return node, nil
}

// ID returns the node's identifier.
func (n *ChordNode) ID() *big.Int {
	return new(big.Int).Set(n.id)
}

// Address returns the node's network address.
func (n *ChordNode) Address() *NodeAddress {
	return n.address.Copy()
}

// SetRemote sets the remote client for making RPC calls to other nodes.
func (n *ChordNode) SetRemote(remote RemoteClient) {
	n.remote = remote
}

// SetBroadcaster registers a sink for ring events. nil disables broadcasting.
func (n *ChordNode) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

// Bootstrap places the node on a ring and starts stabilization.
// With a nil seed the node founds a new ring on its own. Otherwise the seed
// is asked for this node's successor, which is then notified. Routing
// failures are retried with backoff for the join window; a seed that fails
// BootstrapAttempts times, or a window that runs out, yields a *pkg.BootstrapError.
func (n *ChordNode) Bootstrap(ctx context.Context, seed *netip.AddrPort) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.shutdown {
		return fmt.Errorf("node is shut down")
	}
	if n.bootstrapped {
		return fmt.Errorf("already bootstrapped")
	}

	if seed == nil {
		n.logger.Info().Msg("Creating new Chord ring")

		n.ring.setPredecessor(n.address)
		n.ring.setSuccessors([]*NodeAddress{n.address})
		n.ring.fillFingers(n.address)
	} else {
		if err := n.join(ctx, *seed); err != nil {
			return err
		}
	}

	n.bootstrapped = true
	n.startStabilization()

	n.broadcast(EventNodeJoin, fmt.Sprintf("node %s joined the ring", n.address.Address()))
	n.logger.Info().
		Str("successor", n.ring.successor().Address()).
		Str("predecessor", n.ring.getPredecessor().Address()).
		Msg("Bootstrap complete")
	return nil
}

func (n *ChordNode) join(ctx context.Context, seed netip.AddrPort) error {
	if n.remote == nil {
		return &pkg.BootstrapError{Seed: seed.String(), Err: errNoRemote}
	}

	seedNode := NewNodeAddress(seed)
	if seedNode.Equals(n.address) {
		return &pkg.BootstrapError{Seed: seed.String(), Err: errors.New("seed is this node")}
	}

	n.logger.Info().
		Str("bootstrap", seedNode.Address()).
		Msg("Joining Chord ring")

	// Lookups through a ring that has not yet stabilized around recent
	// joins can loop or run out of hops. Those are retried with backoff for
	// the whole join window; only a seed that keeps failing is terminal.
	window := n.joinWindow()
	joinCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var (
		successor, predecessor *NodeAddress
		lastErr                error
		seedFailures           int
	)
	err := retry.Do(func() error {
		succ, err := n.FindPeer(joinCtx, n.id, seedNode)
		if err != nil {
			lastErr = fmt.Errorf("failed to find successor via seed: %w", err)
			if isDeadPeer(err, seedNode.Addr) {
				seedFailures++
				if seedFailures >= n.config.BootstrapAttempts {
					return retry.Unrecoverable(lastErr)
				}
			}
			return lastErr
		}
		if succ.Equals(n.address) {
			lastErr = errors.New("seed resolved this node as its own successor")
			return retry.Unrecoverable(lastErr)
		}

		pred, err := n.NotifyPredecessor(joinCtx, n.address, succ)
		if err != nil {
			lastErr = fmt.Errorf("failed to notify successor %s: %w", succ.Address(), err)
			return lastErr
		}

		successor, predecessor = succ, pred
		return nil
	},
		retry.Context(joinCtx),
		retry.Attempts(0),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(n.config.Timeout/4),
		retry.MaxDelay(n.config.Timeout),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			n.logger.Warn().
				Err(err).
				Uint("attempt", attempt+1).
				Str("bootstrap", seedNode.Address()).
				Msg("Bootstrap attempt failed, retrying")
		}),
	)
	if err != nil {
		if lastErr != nil && ctx.Err() == nil && joinCtx.Err() != nil {
			err = fmt.Errorf("gave up after %s: %w", window, lastErr)
		}
		return &pkg.BootstrapError{Seed: seed.String(), Err: err}
	}

	n.logger.Info().
		Str("successor_id", hash.Short(successor.ID)).
		Str("successor_addr", successor.Address()).
		Str("predecessor_addr", predecessor.Address()).
		Msg("Found successor")

	n.ring.setPredecessor(predecessor)
	n.ring.setSuccessors([]*NodeAddress{successor})
	n.ring.fillFingers(successor)
	return nil
}

// joinWindow bounds how long a join keeps retrying lookups. It spans two
// stabilization rounds of the peers already on the ring.
func (n *ChordNode) joinWindow() time.Duration {
	return 2*n.config.StabilizationInterval + time.Duration(n.config.BootstrapAttempts)*n.config.Timeout
}

// isDeadPeer reports whether err is a transport failure towards addr.
func isDeadPeer(err error, addr netip.AddrPort) bool {
	var dead *pkg.DeadPeerError
	return errors.As(err, &dead) && dead.Addr == addr.String()
}

// IsResponsibleFor reports whether id falls in (predecessor, self].
func (n *ChordNode) IsResponsibleFor(id *big.Int) (bool, error) {
	pred := n.ring.getPredecessor()
	if pred == nil {
		return false, pkg.ErrNeverBootstrapped
	}
	return hash.InRange(id, pred.ID, n.id), nil
}

// ClosestPrecedingPeer returns this node if it is responsible for id, else the
// finger indexed by the leading zeros of the distance to id, else the successor.
func (n *ChordNode) ClosestPrecedingPeer(id *big.Int) (*NodeAddress, error) {
	responsible, err := n.IsResponsibleFor(id)
	if err != nil {
		return nil, err
	}
	if responsible {
		return n.address.Copy(), nil
	}

	z := hash.LeadingZeros(hash.Distance(n.id, id))
	if finger := n.ring.getFinger(z); finger != nil && !finger.Equals(n.address) {
		return finger, nil
	}
	if succ := n.ring.successor(); succ != nil && !succ.Equals(n.address) {
		return succ, nil
	}

	// fingers and successor still name self right after a join; the
	// predecessor is the only other peer known
	return n.ring.getPredecessor(), nil
}

// FindPeer resolves the peer responsible for id by asking peers iteratively,
// starting at start. A peer that names itself is authoritative.
func (n *ChordNode) FindPeer(ctx context.Context, id *big.Int, start *NodeAddress) (*NodeAddress, error) {
	if id == nil {
		return nil, fmt.Errorf("id cannot be nil")
	}
	if start.IsNil() {
		return nil, fmt.Errorf("start peer cannot be nil")
	}

	current := start.Copy()
	visited := make(map[netip.AddrPort]struct{}, n.config.MaxLookupHops)

	for hop := 0; hop < n.config.MaxLookupHops; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		visited[current.Addr] = struct{}{}

		next, err := n.askPeer(ctx, current, id)
		if err != nil {
			return nil, err
		}

		if next.Equals(current) {
			return next, nil
		}
		if _, seen := visited[next.Addr]; seen {
			return nil, fmt.Errorf("%w: %s revisited while resolving %s", pkg.ErrLookupCycle, next.Address(), hash.Short(id))
		}

		n.logger.Trace().
			Int("hop", hop).
			Str("target", hash.Short(id)).
			Str("next", next.Address()).
			Msg("Following peer lookup")
		current = next
	}

	return nil, fmt.Errorf("%w: %s not resolved in %d hops", pkg.ErrLookupHopLimit, hash.Short(id), n.config.MaxLookupHops)
}

// askPeer performs one lookup hop, answering locally when peer is this node.
func (n *ChordNode) askPeer(ctx context.Context, peer *NodeAddress, id *big.Int) (*NodeAddress, error) {
	if peer.Equals(n.address) {
		return n.ClosestPrecedingPeer(id)
	}
	if n.remote == nil {
		return nil, errNoRemote
	}

	addr, err := n.remote.FindPeer(ctx, peer.Addr, id)
	if err != nil {
		return nil, err
	}
	return NewNodeAddress(addr), nil
}

// owner resolves the peer responsible for id starting from the local routing state.
func (n *ChordNode) owner(ctx context.Context, id *big.Int) (*NodeAddress, error) {
	start, err := n.ClosestPrecedingPeer(id)
	if err != nil {
		return nil, err
	}
	if start.Equals(n.address) {
		return start, nil
	}
	return n.FindPeer(ctx, id, start)
}

// GetValue fetches replica replicationIndex of key from whichever peer owns it.
func (n *ChordNode) GetValue(ctx context.Context, key RawKey, replicationIndex uint8) ([]byte, error) {
	id := hash.HashReplica(key, replicationIndex)

	owner, err := n.owner(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find owner of %s: %w", hash.Short(id), err)
	}

	if owner.Equals(n.address) {
		return n.storage.Get(ctx, id)
	}
	if n.remote == nil {
		return nil, errNoRemote
	}

	n.logger.Debug().
		Str("replica", hash.Short(id)).
		Str("owner", owner.Address()).
		Msg("Forwarding get to owner")
	return n.remote.StorageGet(ctx, owner.Addr, key, replicationIndex)
}

// PutValue stores replica replicationIndex of key on whichever peer owns it.
// A replica that already exists is not overwritten.
func (n *ChordNode) PutValue(ctx context.Context, key RawKey, value []byte, ttl uint16, replicationIndex uint8) error {
	id := hash.HashReplica(key, replicationIndex)

	owner, err := n.owner(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to find owner of %s: %w", hash.Short(id), err)
	}

	if owner.Equals(n.address) {
		return n.storage.Put(ctx, id, value, ttl)
	}
	if n.remote == nil {
		return errNoRemote
	}

	n.logger.Debug().
		Str("replica", hash.Short(id)).
		Str("owner", owner.Address()).
		Int("value_size", len(value)).
		Msg("Forwarding put to owner")
	return n.remote.StoragePut(ctx, owner.Addr, key, replicationIndex, value, ttl)
}

// NotifyPredecessor offers candidate as the predecessor of target and returns
// target's previous predecessor.
func (n *ChordNode) NotifyPredecessor(ctx context.Context, candidate, target *NodeAddress) (*NodeAddress, error) {
	if target.Equals(n.address) {
		return n.HandleNotify(candidate)
	}
	if n.remote == nil {
		return nil, errNoRemote
	}

	addr, err := n.remote.NotifyPredecessor(ctx, target.Addr, candidate.Addr)
	if err != nil {
		return nil, err
	}
	return NewNodeAddress(addr), nil
}

// GetSuccessorList asks peer for its neighbourhood and returns it as a
// candidate successor list for this node. Any failure is a *pkg.DeadPeerError.
func (n *ChordNode) GetSuccessorList(ctx context.Context, peer *NodeAddress) ([]*NodeAddress, error) {
	var list []*NodeAddress
	if peer.Equals(n.address) {
		list = n.HandleSuccessorRequest()
	} else {
		if n.remote == nil {
			return nil, &pkg.DeadPeerError{Addr: peer.Address(), Err: errNoRemote}
		}
		addrs, err := n.remote.GetSuccessors(ctx, peer.Addr)
		if err != nil {
			var dead *pkg.DeadPeerError
			if !errors.As(err, &dead) {
				err = &pkg.DeadPeerError{Addr: peer.Address(), Err: err}
			}
			return nil, err
		}
		list = make([]*NodeAddress, 0, len(addrs))
		for _, addr := range addrs {
			list = append(list, NewNodeAddress(addr))
		}
	}

	// the leading predecessor only helps when it sits between us and peer
	if len(list) > 0 && !hash.InRange(list[0].ID, n.id, peer.ID) {
		list = list[1:]
	}
	if len(list) > n.config.SuccessorListSize {
		list = list[:n.config.SuccessorListSize]
	}
	return list, nil
}

// HandleNotify is the server side of a predecessor notification. It returns
// the previous predecessor and adopts candidate when it lies in
// (predecessor, self], when this node is its own predecessor, or when the
// current predecessor is suspect.
func (n *ChordNode) HandleNotify(candidate *NodeAddress) (*NodeAddress, error) {
	if candidate.IsNil() {
		return nil, fmt.Errorf("candidate cannot be nil")
	}

	previous, adopted := n.ring.offerPredecessor(candidate, func(current *NodeAddress, suspect bool) bool {
		if current == nil || candidate.Equals(n.address) {
			return false
		}
		return suspect || current.Equals(n.address) || hash.InRange(candidate.ID, current.ID, n.id)
	})
	if previous == nil {
		return nil, pkg.ErrNeverBootstrapped
	}

	if adopted && !previous.Equals(candidate) {
		n.logger.Debug().
			Str("old_predecessor", previous.Address()).
			Str("new_predecessor", candidate.Address()).
			Msg("Predecessor updated via notify")
		n.broadcast(EventPredecessorChanged, fmt.Sprintf("predecessor is now %s", candidate.Address()))
	}
	return previous, nil
}

// HandleSuccessorRequest returns [predecessor, self, successors...]; the
// predecessor is omitted while unknown or suspect.
func (n *ChordNode) HandleSuccessorRequest() []*NodeAddress {
	successors := n.ring.getSuccessors()

	list := make([]*NodeAddress, 0, len(successors)+2)
	if pred, suspect := n.ring.predecessorState(); pred != nil && !suspect {
		list = append(list, pred)
	}
	list = append(list, n.address.Copy())
	return append(list, successors...)
}

// HandlePeerFind is the server side of one lookup hop.
func (n *ChordNode) HandlePeerFind(id *big.Int) (*NodeAddress, error) {
	return n.ClosestPrecedingPeer(id)
}

// HandleStorageGet serves a replica this node owns. Requests for replicas
// owned elsewhere fail rather than being forwarded.
func (n *ChordNode) HandleStorageGet(ctx context.Context, key RawKey, replicationIndex uint8) ([]byte, error) {
	id, err := n.ownedReplica(key, replicationIndex)
	if err != nil {
		return nil, err
	}
	return n.storage.Get(ctx, id)
}

// HandleStoragePut stores a replica this node owns, first writer wins.
func (n *ChordNode) HandleStoragePut(ctx context.Context, key RawKey, replicationIndex uint8, value []byte, ttl uint16) error {
	id, err := n.ownedReplica(key, replicationIndex)
	if err != nil {
		return err
	}
	if err := n.storage.Put(ctx, id, value, ttl); err != nil {
		return err
	}

	n.logger.Debug().
		Str("replica", hash.Short(id)).
		Int("value_size", len(value)).
		Uint16("ttl", ttl).
		Msg("Stored replica")
	return nil
}

func (n *ChordNode) ownedReplica(key RawKey, replicationIndex uint8) (*big.Int, error) {
	id := hash.HashReplica(key, replicationIndex)
	responsible, err := n.IsResponsibleFor(id)
	if err != nil {
		return nil, err
	}
	if !responsible {
		return nil, &pkg.StorageFailureError{Key: id}
	}
	return id, nil
}

// Shutdown stops stabilization and releases storage. Safe to call more than once.
func (n *ChordNode) Shutdown() error {
	n.stateMu.Lock()
	if n.shutdown {
		n.stateMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.stateMu.Unlock()

	n.logger.Info().Msg("Shutting down ChordNode")

	n.cancel()
	n.wg.Wait()

	if err := n.storage.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Failed to close storage")
		return err
	}

	n.logger.Info().Msg("ChordNode shutdown complete")
	return nil
}

// IsShutdown returns whether the node has been shutdown.
func (n *ChordNode) IsShutdown() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.shutdown
}

// Predecessor returns the current predecessor, nil before bootstrap.
func (n *ChordNode) Predecessor() *NodeAddress {
	return n.ring.getPredecessor()
}

// Successors returns a copy of the successor list.
func (n *ChordNode) Successors() []*NodeAddress {
	return n.ring.getSuccessors()
}

// Fingers returns a copy of the populated finger entries by bit index.
func (n *ChordNode) Fingers() map[int]*NodeAddress {
	return n.ring.getFingers()
}

// RingSnapshot is a point-in-time view of a node's routing state.
type RingSnapshot struct {
	Self               *NodeInfo         `json:"self"`
	Predecessor        *NodeInfo         `json:"predecessor"`
	PredecessorSuspect bool              `json:"predecessor_suspect"`
	Successors         []*NodeInfo       `json:"successors"`
	Fingers            map[int]*NodeInfo `json:"fingers"`
	StoredKeys         int               `json:"stored_keys"`
	OwnedKeys          int               `json:"owned_keys"`
	Storage            pkg.Stats         `json:"storage"`
	Timestamp          int64             `json:"timestamp"`
}

// Snapshot collects the node's routing state and storage counters.
// OwnedKeys counts stored replicas that still fall in (predecessor, self].
func (n *ChordNode) Snapshot(ctx context.Context) (*RingSnapshot, error) {
	pred, suspect := n.ring.predecessorState()

	snapshot := &RingSnapshot{
		Self:               n.address.Info(),
		Predecessor:        pred.Info(),
		PredecessorSuspect: suspect,
		Successors:         make([]*NodeInfo, 0, n.config.SuccessorListSize),
		Fingers:            make(map[int]*NodeInfo, n.config.Fingers),
		Storage:            n.storage.GetStats(),
		Timestamp:          time.Now().Unix(),
	}
	for _, succ := range n.ring.getSuccessors() {
		snapshot.Successors = append(snapshot.Successors, succ.Info())
	}
	for i, finger := range n.ring.getFingers() {
		snapshot.Fingers[i] = finger.Info()
	}

	stored, err := n.storage.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count stored keys: %w", err)
	}
	snapshot.StoredKeys = stored

	if pred != nil {
		owned, err := n.storage.KeysInRange(ctx, pred.ID, n.id)
		if err != nil {
			return nil, fmt.Errorf("failed to count owned keys: %w", err)
		}
		snapshot.OwnedKeys = len(owned)
	}

	return snapshot, nil
}

func (n *ChordNode) broadcast(eventType, message string) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()
	if b == nil {
		return
	}

	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.id.Text(16),
		Address:   n.address.Address(),
		Timestamp: time.Now().Unix(),
		Message:   message,
	}
	if err := b.BroadcastRingUpdate(event); err != nil {
		n.logger.Debug().Err(err).Str("event", eventType).Msg("Failed to broadcast ring update")
	}
}
