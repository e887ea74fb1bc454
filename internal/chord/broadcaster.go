package chord

// Ring update event types
const (
	EventNodeJoin           = "node_join"
	EventStabilization      = "stabilization"
	EventPredecessorChanged = "predecessor_changed"
	EventSuccessorChanged   = "successor_changed"
	EventPeerDead           = "peer_dead"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the ChordNode to notify external systems (like WebSocket clients)
// when the ring topology changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification. It must not block.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"` // node that emitted the event
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Message   string `json:"message"`
}
