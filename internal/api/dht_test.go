package api

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zde37/chordht/internal/chord"
	"github.com/zde37/chordht/internal/config"
	"github.com/zde37/chordht/internal/protocol"
	"github.com/zde37/chordht/pkg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type replicaKey struct {
	key chord.RawKey
	idx uint8
}

// fakeDHT stores replicas in a map. Indexes listed in broken always fail.
type fakeDHT struct {
	mu     sync.Mutex
	data   map[replicaKey][]byte
	broken map[uint8]bool
	puts   []uint8
}

func newFakeDHT(broken ...uint8) *fakeDHT {
	f := &fakeDHT{data: make(map[replicaKey][]byte), broken: make(map[uint8]bool)}
	for _, idx := range broken {
		f.broken[idx] = true
	}
	return f
}

func (f *fakeDHT) GetValue(ctx context.Context, key chord.RawKey, idx uint8) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[idx] {
		return nil, &pkg.DeadPeerError{Addr: "10.0.0.9:7401"}
	}
	value, ok := f.data[replicaKey{key, idx}]
	if !ok {
		return nil, &pkg.StorageFailureError{}
	}
	return value, nil
}

func (f *fakeDHT) PutValue(ctx context.Context, key chord.RawKey, value []byte, ttl uint16, idx uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, idx)
	if f.broken[idx] {
		return &pkg.DeadPeerError{Addr: "10.0.0.9:7401"}
	}
	rk := replicaKey{key, idx}
	if _, ok := f.data[rk]; ok {
		return &pkg.StorageFailureError{}
	}
	f.data[rk] = value
	return nil
}

func testKey(b byte) protocol.Key {
	var k protocol.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestDHTServicePut(t *testing.T) {
	tests := []struct {
		name        string
		broken      []uint8
		replication uint8
		wantErr     bool
		wantPuts    int
	}{
		{name: "single replica", replication: 0, wantPuts: 1},
		{name: "all replicas", replication: 2, wantPuts: 3},
		{name: "capped at max", replication: 200, wantPuts: 5},
		{name: "partial failure", broken: []uint8{0, 1}, replication: 2, wantPuts: 3},
		{name: "all replicas fail", broken: []uint8{0}, replication: 0, wantErr: true, wantPuts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeDHT(tt.broken...)
			svc, err := NewDHTService(node, 4, pkg.Nop())
			require.NoError(t, err)

			err = svc.Put(context.Background(), chord.RawKey(testKey(1)), []byte("v"), 60, tt.replication)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, node.puts, tt.wantPuts)
		})
	}
}

func TestDHTServiceGet(t *testing.T) {
	key := chord.RawKey(testKey(2))

	t.Run("first available replica", func(t *testing.T) {
		node := newFakeDHT(0)
		node.data[replicaKey{key, 1}] = []byte("one")
		node.data[replicaKey{key, 2}] = []byte("two")
		svc, err := NewDHTService(node, 4, pkg.Nop())
		require.NoError(t, err)

		value, err := svc.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), value)
	})

	t.Run("missing everywhere", func(t *testing.T) {
		svc, err := NewDHTService(newFakeDHT(), 4, pkg.Nop())
		require.NoError(t, err)

		_, err = svc.Get(context.Background(), key)
		assert.ErrorIs(t, err, pkg.ErrStorageFailure)
	})

	t.Run("canceled", func(t *testing.T) {
		svc, err := NewDHTService(newFakeDHT(), 4, pkg.Nop())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = svc.Get(ctx, key)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestDHTServiceHandle(t *testing.T) {
	node := newFakeDHT()
	svc, err := NewDHTService(node, 4, pkg.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	key := testKey(3)

	reply := svc.Handle(ctx, protocol.DHTGet{Key: key})
	assert.Equal(t, protocol.DHTFailure{Key: key}, reply)

	reply = svc.Handle(ctx, protocol.DHTPut{TTL: 60, Replication: 1, Key: key, Value: []byte("hello")})
	assert.Equal(t, protocol.DHTSuccess{Key: key}, reply)

	reply = svc.Handle(ctx, protocol.DHTGet{Key: key})
	assert.Equal(t, protocol.DHTSuccess{Key: key, Value: []byte("hello")}, reply)

	// first writer wins on every replica
	reply = svc.Handle(ctx, protocol.DHTPut{TTL: 60, Replication: 1, Key: key, Value: []byte("again")})
	assert.Equal(t, protocol.DHTFailure{Key: key}, reply)

	assert.Nil(t, svc.Handle(ctx, protocol.Ping{}))
}

func TestNewDHTService(t *testing.T) {
	_, err := NewDHTService(nil, 4, pkg.Nop())
	assert.Error(t, err)
	_, err = NewDHTService(newFakeDHT(), 4, nil)
	assert.Error(t, err)
	_, err = NewDHTServer(newFakeDHT(), nil, pkg.Nop())
	assert.Error(t, err)
}

func TestDHTServerOverTCP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIAddress = "127.0.0.1:0"
	cfg.Timeout = time.Second

	srv, err := NewDHTServer(newFakeDHT(), cfg, pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	addr := netip.MustParseAddrPort(srv.Addr().String())
	key := testKey(4)

	exchange := func(req protocol.Message) protocol.Message {
		conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

		require.NoError(t, protocol.WriteMessage(conn, req))
		reply, err := protocol.ReadMessage(conn)
		require.NoError(t, err)
		return reply
	}

	reply := exchange(protocol.DHTPut{TTL: 30, Replication: 2, Key: key, Value: []byte("over tcp")})
	require.IsType(t, protocol.DHTSuccess{}, reply)
	assert.Equal(t, key, reply.(protocol.DHTSuccess).Key)
	assert.Empty(t, reply.(protocol.DHTSuccess).Value)

	assert.Equal(t, protocol.DHTSuccess{Key: key, Value: []byte("over tcp")},
		exchange(protocol.DHTGet{Key: key}))
	assert.Equal(t, protocol.DHTFailure{Key: testKey(5)},
		exchange(protocol.DHTGet{Key: testKey(5)}))
}
