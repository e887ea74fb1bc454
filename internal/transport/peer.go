package transport

import (
	"context"
	"fmt"
	"math/big"
	"net/netip"

	"github.com/zde37/chordht/internal/chord"
	"github.com/zde37/chordht/internal/config"
	"github.com/zde37/chordht/internal/protocol"
	"github.com/zde37/chordht/pkg"
	"github.com/zde37/chordht/pkg/hash"
)

// Node is the server side of the peer protocol.
type Node interface {
	HandlePeerFind(id *big.Int) (*chord.NodeAddress, error)
	HandleNotify(candidate *chord.NodeAddress) (*chord.NodeAddress, error)
	HandleSuccessorRequest() []*chord.NodeAddress
	HandleStorageGet(ctx context.Context, key chord.RawKey, replicationIndex uint8) ([]byte, error)
	HandleStoragePut(ctx context.Context, key chord.RawKey, replicationIndex uint8, value []byte, ttl uint16) error
}

var _ Node = (*chord.ChordNode)(nil)

// NewPeerServer serves the peer protocol for node on cfg.ListenAddress.
func NewPeerServer(node Node, cfg *config.Config, logger *pkg.Logger) (*TCPServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	opts := ServerOptions{Timeout: cfg.Timeout, MaxConnections: cfg.MaxConnections}
	return NewTCPServer("peer_server", cfg.ListenAddress, PeerHandler(node), opts, logger)
}

// PeerHandler dispatches peer protocol requests to node. Routing requests
// the node cannot answer get no reply; storage requests get STORAGE_FAILURE.
func PeerHandler(node Node) HandlerFunc {
	return func(ctx context.Context, req protocol.Message) protocol.Message {
		switch m := req.(type) {
		case protocol.PeerFind:
			peer, err := node.HandlePeerFind(hash.FromBytes(m.Key))
			if err != nil {
				return nil
			}
			return protocol.PeerFound{Key: m.Key, Peer: peer.Addr}

		case protocol.PredecessorNotify:
			previous, err := node.HandleNotify(chord.NewNodeAddress(m.Peer))
			if err != nil {
				return nil
			}
			return protocol.PredecessorReply{Peer: previous.Addr}

		case protocol.SuccessorRequest:
			list := node.HandleSuccessorRequest()
			peers := make([]netip.AddrPort, len(list))
			for i, n := range list {
				peers[i] = n.Addr
			}
			return protocol.SuccessorReply{Peers: peers}

		case protocol.StorageGet:
			value, err := node.HandleStorageGet(ctx, chord.RawKey(m.Key), m.ReplicationIndex)
			if err != nil {
				return protocol.StorageFailure{Key: m.Key}
			}
			return protocol.StorageGetSuccess{Key: m.Key, Value: value}

		case protocol.StoragePut:
			if err := node.HandleStoragePut(ctx, chord.RawKey(m.Key), m.ReplicationIndex, m.Value, m.TTL); err != nil {
				return protocol.StorageFailure{Key: m.Key}
			}
			return protocol.StoragePutSuccess{Key: m.Key}

		case protocol.Ping:
			return protocol.Pong{}

		default:
			return nil
		}
	}
}
