package api

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zde37/chordht/internal/chord"
	"github.com/zde37/chordht/internal/config"
	"github.com/zde37/chordht/internal/protocol"
	"github.com/zde37/chordht/internal/transport"
	"github.com/zde37/chordht/pkg"
)

// dhtTimeoutFactor scales the peer timeout for client requests, which may
// take several lookups before they are answered.
const dhtTimeoutFactor = 4

// DHTNode is the part of a chord node the client API needs.
type DHTNode interface {
	GetValue(ctx context.Context, key chord.RawKey, replicationIndex uint8) ([]byte, error)
	PutValue(ctx context.Context, key chord.RawKey, value []byte, ttl uint16, replicationIndex uint8) error
}

var _ DHTNode = (*chord.ChordNode)(nil)

// DHTService answers DHT_PUT and DHT_GET by spreading each request over the
// replication indexes of its key.
type DHTService struct {
	node           DHTNode
	maxReplication uint8
	logger         *pkg.Logger
}

// NewDHTService creates a service storing at most maxReplication+1 replicas per key.
func NewDHTService(node DHTNode, maxReplication uint8, logger *pkg.Logger) (*DHTService, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &DHTService{
		node:           node,
		maxReplication: maxReplication,
		logger:         logger.WithFields(pkg.Fields{"component": "dht_api"}),
	}, nil
}

// NewDHTServer serves the client API for node on cfg.APIAddress.
func NewDHTServer(node DHTNode, cfg *config.Config, logger *pkg.Logger) (*transport.TCPServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	svc, err := NewDHTService(node, uint8(cfg.MaxReplicationIndex), logger)
	if err != nil {
		return nil, err
	}

	opts := transport.ServerOptions{
		Timeout:        cfg.Timeout * dhtTimeoutFactor,
		MaxConnections: cfg.MaxConnections,
	}
	return transport.NewTCPServer("dht_api", cfg.APIAddress, svc.Handle, opts, logger)
}

// Handle is a transport.HandlerFunc for the client API.
func (s *DHTService) Handle(ctx context.Context, req protocol.Message) protocol.Message {
	switch m := req.(type) {
	case protocol.DHTPut:
		if err := s.Put(ctx, chord.RawKey(m.Key), m.Value, m.TTL, m.Replication); err != nil {
			s.logger.Debug().Err(err).Msg("DHT put failed")
			return protocol.DHTFailure{Key: m.Key}
		}
		return protocol.DHTSuccess{Key: m.Key}

	case protocol.DHTGet:
		value, err := s.Get(ctx, chord.RawKey(m.Key))
		if err != nil {
			s.logger.Debug().Err(err).Msg("DHT get failed")
			return protocol.DHTFailure{Key: m.Key}
		}
		return protocol.DHTSuccess{Key: m.Key, Value: value}

	default:
		return nil
	}
}

// Put writes value under every replication index up to replication, capped
// at the configured maximum. It succeeds if at least one replica was stored.
func (s *DHTService) Put(ctx context.Context, key chord.RawKey, value []byte, ttl uint16, replication uint8) error {
	replication = min(replication, s.maxReplication)

	var stored atomic.Int32
	var g errgroup.Group
	for i := 0; i <= int(replication); i++ {
		idx := uint8(i)
		g.Go(func() error {
			if err := s.node.PutValue(ctx, key, value, ttl, idx); err != nil {
				s.logger.Debug().
					Err(err).
					Uint8("replication_index", idx).
					Msg("Replica not stored")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if stored.Load() == 0 {
		return fmt.Errorf("no replica of %d stored", int(replication)+1)
	}

	s.logger.Debug().
		Int32("stored", stored.Load()).
		Int("requested", int(replication)+1).
		Msg("DHT put complete")
	return nil
}

// Get returns the value of the lowest replication index that answers.
func (s *DHTService) Get(ctx context.Context, key chord.RawKey) ([]byte, error) {
	var lastErr error
	for i := 0; i <= int(s.maxReplication); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := s.node.GetValue(ctx, key, uint8(i))
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no replica found: %w", lastErr)
}
