package chord

import (
	"context"
	"math/big"
	"net/netip"
)

// RawKey is a client key before it is hashed into a replica identifier.
type RawKey [32]byte

// RemoteClient issues single peer RPCs. Each call opens its own exchange and
// returns a typed error from pkg on failure; implementations live in the
// transport package.
type RemoteClient interface {
	// FindPeer asks peer for the closest peer it knows preceding id (one hop).
	FindPeer(ctx context.Context, peer netip.AddrPort, id *big.Int) (netip.AddrPort, error)

	// NotifyPredecessor offers self as predecessor to peer and returns peer's previous predecessor.
	NotifyPredecessor(ctx context.Context, peer, self netip.AddrPort) (netip.AddrPort, error)

	// GetSuccessors returns peer's [predecessor, peer, successors...] list.
	GetSuccessors(ctx context.Context, peer netip.AddrPort) ([]netip.AddrPort, error)

	// StorageGet fetches one replica from its owner.
	StorageGet(ctx context.Context, peer netip.AddrPort, key RawKey, replicationIndex uint8) ([]byte, error)

	// StoragePut stores one replica on its owner. ttl is in seconds.
	StoragePut(ctx context.Context, peer netip.AddrPort, key RawKey, replicationIndex uint8, value []byte, ttl uint16) error

	// Ping checks that peer answers.
	Ping(ctx context.Context, peer netip.AddrPort) error
}
