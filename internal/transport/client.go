package transport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"time"

	"github.com/zde37/chordht/internal/chord"
	"github.com/zde37/chordht/internal/protocol"
	"github.com/zde37/chordht/pkg"
	"github.com/zde37/chordht/pkg/hash"
)

// Compile-time check to ensure TCPClient implements chord.RemoteClient
var _ chord.RemoteClient = (*TCPClient)(nil)

// TCPClient issues peer RPCs, one connection per request.
type TCPClient struct {
	logger  *pkg.Logger
	timeout time.Duration
	dialer  net.Dialer
}

// NewTCPClient creates a client whose every call, dial included, is bounded by timeout.
func NewTCPClient(logger *pkg.Logger, timeout time.Duration) *TCPClient {
	if logger == nil {
		logger = pkg.Nop()
	}

	return &TCPClient{
		logger:  logger.WithFields(pkg.Fields{"component": "tcp_client"}),
		timeout: timeout,
	}
}

// call sends req to peer and reads exactly one reply.
func (c *TCPClient) call(ctx context.Context, peer netip.AddrPort, req protocol.Message) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		return nil, &pkg.DeadPeerError{Addr: peer.String(), Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteMessage(conn, req); err != nil {
		if errors.Is(err, protocol.ErrInvalidAddress) || errors.Is(err, protocol.ErrFrameTooLarge) {
			return nil, err
		}
		return nil, &pkg.DeadPeerError{Addr: peer.String(), Err: err}
	}

	resp, err := protocol.ReadMessage(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
			return nil, fmt.Errorf("%w: %v", &pkg.UnexpectedResponseError{Type: req.Type().String()}, err)
		}
		return nil, &pkg.DeadPeerError{Addr: peer.String(), Err: err}
	}

	c.logger.Trace().
		Str("peer", peer.String()).
		Stringer("request", req.Type()).
		Stringer("reply", resp.Type()).
		Msg("Peer RPC complete")
	return resp, nil
}

func unexpected(resp protocol.Message) error {
	return &pkg.UnexpectedResponseError{Type: resp.Type().String()}
}

// FindPeer sends PEER_FIND for id to peer.
func (c *TCPClient) FindPeer(ctx context.Context, peer netip.AddrPort, id *big.Int) (netip.AddrPort, error) {
	resp, err := c.call(ctx, peer, protocol.PeerFind{Key: hash.ToBytes(id)})
	if err != nil {
		return netip.AddrPort{}, err
	}

	found, ok := resp.(protocol.PeerFound)
	if !ok {
		return netip.AddrPort{}, unexpected(resp)
	}
	return found.Peer, nil
}

// NotifyPredecessor sends PREDECESSOR_NOTIFY offering self to peer.
func (c *TCPClient) NotifyPredecessor(ctx context.Context, peer, self netip.AddrPort) (netip.AddrPort, error) {
	resp, err := c.call(ctx, peer, protocol.PredecessorNotify{Peer: self})
	if err != nil {
		return netip.AddrPort{}, err
	}

	reply, ok := resp.(protocol.PredecessorReply)
	if !ok {
		return netip.AddrPort{}, unexpected(resp)
	}
	return reply.Peer, nil
}

// GetSuccessors sends SUCCESSOR_REQUEST to peer.
func (c *TCPClient) GetSuccessors(ctx context.Context, peer netip.AddrPort) ([]netip.AddrPort, error) {
	resp, err := c.call(ctx, peer, protocol.SuccessorRequest{})
	if err != nil {
		return nil, err
	}

	reply, ok := resp.(protocol.SuccessorReply)
	if !ok {
		return nil, unexpected(resp)
	}
	return reply.Peers, nil
}

// StorageGet sends STORAGE_GET for one replica to peer.
func (c *TCPClient) StorageGet(ctx context.Context, peer netip.AddrPort, key chord.RawKey, replicationIndex uint8) ([]byte, error) {
	resp, err := c.call(ctx, peer, protocol.StorageGet{ReplicationIndex: replicationIndex, Key: protocol.Key(key)})
	if err != nil {
		return nil, err
	}

	switch r := resp.(type) {
	case protocol.StorageGetSuccess:
		return r.Value, nil
	case protocol.StorageFailure:
		return nil, &pkg.StorageFailureError{Key: hash.HashReplica(key, replicationIndex)}
	default:
		return nil, unexpected(resp)
	}
}

// StoragePut sends STORAGE_PUT for one replica to peer.
func (c *TCPClient) StoragePut(ctx context.Context, peer netip.AddrPort, key chord.RawKey, replicationIndex uint8, value []byte, ttl uint16) error {
	req := protocol.StoragePut{
		TTL:              ttl,
		ReplicationIndex: replicationIndex,
		Key:              protocol.Key(key),
		Value:            value,
	}
	resp, err := c.call(ctx, peer, req)
	if err != nil {
		return err
	}

	switch resp.(type) {
	case protocol.StoragePutSuccess:
		return nil
	case protocol.StorageFailure:
		return &pkg.StorageFailureError{Key: hash.HashReplica(key, replicationIndex)}
	default:
		return unexpected(resp)
	}
}

// Ping sends PING to peer and waits for PONG.
func (c *TCPClient) Ping(ctx context.Context, peer netip.AddrPort) error {
	resp, err := c.call(ctx, peer, protocol.Ping{})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.Pong); !ok {
		return unexpected(resp)
	}
	return nil
}
