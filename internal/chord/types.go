package chord

import (
	"fmt"
	"math/big"
	"net/netip"

	"github.com/zde37/chordht/pkg/hash"
)

// NodeAddress is a peer on the ring: its dial address and the identifier derived from it.
type NodeAddress struct {
	ID   *big.Int       // hash of Addr, 0 to 2^256 - 1
	Addr netip.AddrPort // dial target
}

// NewNodeAddress creates a NodeAddress whose ID is the hash of addr.
// IPv4-mapped IPv6 addresses are normalised to IPv4.
func NewNodeAddress(addr netip.AddrPort) *NodeAddress {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	return &NodeAddress{
		ID:   hash.HashAddress(addr),
		Addr: addr,
	}
}

// String returns a human-readable representation of the node address.
func (n *NodeAddress) String() string {
	if n == nil {
		return "NodeAddress{nil}"
	}
	return fmt.Sprintf("NodeAddress{ID: %s, Addr: %s}", hash.Short(n.ID), n.Addr)
}

// Address returns the network address in "ip:port" format.
func (n *NodeAddress) Address() string {
	if n == nil {
		return ""
	}
	return n.Addr.String()
}

// Equals reports whether both addresses name the same peer.
func (n *NodeAddress) Equals(other *NodeAddress) bool {
	if n == nil || other == nil {
		return n == nil && other == nil
	}
	return n.Addr == other.Addr
}

// Copy creates a deep copy of the NodeAddress.
func (n *NodeAddress) Copy() *NodeAddress {
	if n == nil {
		return nil
	}
	return &NodeAddress{ID: new(big.Int).Set(n.ID), Addr: n.Addr}
}

// IsNil checks if the NodeAddress is nil or has a nil ID.
func (n *NodeAddress) IsNil() bool {
	return n == nil || n.ID == nil
}

// NodeInfo is a JSON-friendly view of a NodeAddress.
type NodeInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Info converts n for status reporting.
func (n *NodeAddress) Info() *NodeInfo {
	if n.IsNil() {
		return nil
	}
	return &NodeInfo{ID: n.ID.Text(16), Address: n.Address()}
}
