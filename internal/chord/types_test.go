package chord

import (
	"math/big"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordht/pkg/hash"
)

func TestNewNodeAddress(t *testing.T) {
	tests := []struct {
		name     string
		addr     netip.AddrPort
		expected netip.AddrPort
	}{
		{
			name:     "ipv4",
			addr:     netip.MustParseAddrPort("127.0.0.1:8080"),
			expected: netip.MustParseAddrPort("127.0.0.1:8080"),
		},
		{
			name:     "ipv6",
			addr:     netip.MustParseAddrPort("[2001:db8::1]:9000"),
			expected: netip.MustParseAddrPort("[2001:db8::1]:9000"),
		},
		{
			name:     "ipv4-mapped ipv6 is unmapped",
			addr:     netip.MustParseAddrPort("[::ffff:10.0.0.1]:7401"),
			expected: netip.MustParseAddrPort("10.0.0.1:7401"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := NewNodeAddress(tt.addr)
			require.NotNil(t, node)
			assert.Equal(t, tt.expected, node.Addr)
			assert.Equal(t, hash.HashAddress(tt.expected), node.ID)
			assert.LessOrEqual(t, node.ID.BitLen(), hash.M)
		})
	}

	t.Run("mapped and plain forms share an identity", func(t *testing.T) {
		a := NewNodeAddress(netip.MustParseAddrPort("[::ffff:10.0.0.1]:7401"))
		b := NewNodeAddress(netip.MustParseAddrPort("10.0.0.1:7401"))
		assert.Equal(t, a.ID, b.ID)
		assert.True(t, a.Equals(b))
	})
}

func TestNodeAddress_String(t *testing.T) {
	node := NewNodeAddress(netip.MustParseAddrPort("127.0.0.1:8080"))
	s := node.String()
	assert.Contains(t, s, "NodeAddress")
	assert.Contains(t, s, hash.Short(node.ID))
	assert.Contains(t, s, "127.0.0.1:8080")

	var nilNode *NodeAddress
	assert.Equal(t, "NodeAddress{nil}", nilNode.String())
	assert.Equal(t, "", nilNode.Address())
}

func TestNodeAddress_Equals(t *testing.T) {
	a := NewNodeAddress(netip.MustParseAddrPort("10.0.0.1:7401"))
	sameAddr := &NodeAddress{ID: big.NewInt(1), Addr: a.Addr}
	otherPort := NewNodeAddress(netip.MustParseAddrPort("10.0.0.1:7402"))

	tests := []struct {
		name     string
		a, b     *NodeAddress
		expected bool
	}{
		{"same node", a, a.Copy(), true},
		{"same address different id", a, sameAddr, true},
		{"different port", a, otherPort, false},
		{"one nil", a, nil, false},
		{"nil first", nil, a, false},
		{"both nil", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.a.Equals(tt.b))
		})
	}
}

func TestNodeAddress_Copy(t *testing.T) {
	t.Run("copy valid node", func(t *testing.T) {
		original := NewNodeAddress(netip.MustParseAddrPort("10.0.0.1:7401"))
		cp := original.Copy()

		require.NotNil(t, cp)
		assert.Equal(t, original, cp)
		assert.NotSame(t, original.ID, cp.ID)

		cp.ID.Add(cp.ID, big.NewInt(1))
		assert.NotEqual(t, original.ID, cp.ID)
	})

	t.Run("copy nil node", func(t *testing.T) {
		var node *NodeAddress
		assert.Nil(t, node.Copy())
	})
}

func TestNodeAddress_IsNil(t *testing.T) {
	assert.True(t, (*NodeAddress)(nil).IsNil())
	assert.True(t, (&NodeAddress{}).IsNil())
	assert.False(t, NewNodeAddress(netip.MustParseAddrPort("10.0.0.1:7401")).IsNil())
}

func TestNodeAddress_Info(t *testing.T) {
	node := NewNodeAddress(netip.MustParseAddrPort("10.0.0.1:7401"))
	info := node.Info()
	require.NotNil(t, info)
	assert.Equal(t, node.ID.Text(16), info.ID)
	assert.Equal(t, "10.0.0.1:7401", info.Address)

	assert.Nil(t, (*NodeAddress)(nil).Info())
}

func BenchmarkNodeAddress_Copy(b *testing.B) {
	node := NewNodeAddress(netip.MustParseAddrPort("10.0.0.1:7401"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = node.Copy()
	}
}

func BenchmarkNewNodeAddress(b *testing.B) {
	addr := netip.MustParseAddrPort("10.0.0.1:7401")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = NewNodeAddress(addr)
	}
}
