package hash

import (
	"crypto/sha256"
	"math/big"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		check func(*testing.T, *big.Int)
	}{
		{
			name: "deterministic",
			data: []byte("test"),
			check: func(t *testing.T, id *big.Int) {
				sameID(t, id, HashKey([]byte("test")))
			},
		},
		{
			name: "matches sha256 big-endian",
			data: []byte("chord"),
			check: func(t *testing.T, id *big.Int) {
				sum := sha256.Sum256([]byte("chord"))
				sameID(t, new(big.Int).SetBytes(sum[:]), id)
			},
		},
		{
			name: "different inputs produce different hashes",
			data: []byte("test1"),
			check: func(t *testing.T, id *big.Int) {
				assert.NotEqual(t, id, HashKey([]byte("test2")))
			},
		},
		{
			name: "empty data is valid",
			data: []byte{},
			check: func(t *testing.T, id *big.Int) {
				assert.Equal(t, -1, id.Cmp(ringSize))
				assert.Equal(t, 1, id.Sign())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := HashKey(tt.data)
			require.NotNil(t, id)
			tt.check(t, id)
		})
	}
}

func TestHashAddress(t *testing.T) {
	t.Run("ipv4 hashes as ipv4-mapped", func(t *testing.T) {
		v4 := netip.MustParseAddrPort("127.0.0.1:4000")
		mapped := netip.MustParseAddrPort("[::ffff:127.0.0.1]:4000")
		assert.Equal(t, HashAddress(v4), HashAddress(mapped))
	})

	t.Run("port is part of the identity", func(t *testing.T) {
		a := netip.MustParseAddrPort("127.0.0.1:4000")
		b := netip.MustParseAddrPort("127.0.0.1:4001")
		assert.NotEqual(t, HashAddress(a), HashAddress(b))
	})

	t.Run("wire layout", func(t *testing.T) {
		addr := netip.MustParseAddrPort("10.0.0.1:258")
		raw := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 10, 0, 0, 1, 1, 2}
		assert.Equal(t, HashKey(raw), HashAddress(addr))
	})
}

func TestHashReplica(t *testing.T) {
	var key [Size]byte
	copy(key[:], "some raw key")

	ids := make(map[string]struct{})
	for i := uint8(0); i < 5; i++ {
		ids[HashReplica(key, i).Text(16)] = struct{}{}
	}
	assert.Len(t, ids, 5, "each replication index must map to its own identifier")

	raw := append(key[:], 3)
	assert.Equal(t, HashKey(raw), HashReplica(key, 3))
}

func TestInRange(t *testing.T) {
	tests := []struct {
		name     string
		id       int64
		start    int64
		end      int64
		expected bool
	}{
		{"inside", 5, 3, 7, true},
		{"exclusive start", 3, 3, 7, false},
		{"inclusive end", 7, 3, 7, true},
		{"outside", 8, 3, 7, false},
		{"wraparound low", 1, 8, 3, true},
		{"wraparound high", 9, 8, 3, true},
		{"wraparound outside", 5, 8, 3, false},
		{"degenerate includes start", 4, 4, 4, true},
		{"degenerate includes anything", 100, 4, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InRange(big.NewInt(tt.id), big.NewInt(tt.start), big.NewInt(tt.end))
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("wraps across zero on the full ring", func(t *testing.T) {
		assert.True(t, InRange(big.NewInt(0), maxID(), big.NewInt(10)))
		assert.True(t, InRange(maxID(), big.NewInt(-5), maxID()))
	})

	t.Run("nil arguments", func(t *testing.T) {
		assert.False(t, InRange(nil, big.NewInt(1), big.NewInt(2)))
	})
}

func TestBetween(t *testing.T) {
	tests := []struct {
		name     string
		id       int64
		start    int64
		end      int64
		expected bool
	}{
		{"inside", 5, 3, 7, true},
		{"exclusive start", 3, 3, 7, false},
		{"exclusive end", 7, 3, 7, false},
		{"wraparound", 1, 8, 3, true},
		{"wraparound end", 3, 8, 3, false},
		{"degenerate excludes start", 4, 4, 4, false},
		{"degenerate includes others", 5, 4, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Between(big.NewInt(tt.id), big.NewInt(tt.start), big.NewInt(tt.end))
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCircularOrdering(t *testing.T) {
	a := HashString("a")
	b := HashString("b")
	c := HashString("c")

	// For three distinct points exactly one rotation puts b between a and c.
	forward := Between(b, a, c)
	backward := Between(b, c, a)
	assert.NotEqual(t, forward, backward)

	for _, x := range []*big.Int{a, b, c, big.NewInt(0), maxID()} {
		assert.True(t, InRange(x, a, a), "a ring of one node owns every identifier")
	}
}

func TestDistance(t *testing.T) {
	sameID(t, big.NewInt(4), Distance(big.NewInt(3), big.NewInt(7)))
	sameID(t, big.NewInt(0), Distance(big.NewInt(3), big.NewInt(3)))

	// 7 -> 3 wraps: 2^M - 4
	expected := new(big.Int).Sub(ringSize, big.NewInt(4))
	sameID(t, expected, Distance(big.NewInt(7), big.NewInt(3)))
}

func TestLeadingZeros(t *testing.T) {
	tests := []struct {
		name     string
		x        *big.Int
		expected int
	}{
		{"zero", big.NewInt(0), 256},
		{"one", big.NewInt(1), 255},
		{"top bit", PowerOfTwo(255), 0},
		{"max", maxID(), 0},
		{"2^200", PowerOfTwo(200), 55},
		{"negative wraps", big.NewInt(-1), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LeadingZeros(tt.x))
		})
	}
}

func TestFingerTarget(t *testing.T) {
	self := big.NewInt(10)

	t.Run("finger zero is half the ring away", func(t *testing.T) {
		expected := new(big.Int).Add(self, PowerOfTwo(255))
		sameID(t, expected, FingerTarget(self, 0))
	})

	t.Run("last finger is the next identifier", func(t *testing.T) {
		sameID(t, big.NewInt(11), FingerTarget(self, M-1))
	})

	t.Run("finger index matches leading zeros of its distance", func(t *testing.T) {
		for _, i := range []int{0, 1, 17, 127, 255} {
			d := Distance(self, FingerTarget(self, i))
			assert.Equal(t, i, LeadingZeros(d))
		}
	})

	t.Run("wraps", func(t *testing.T) {
		got := FingerTarget(maxID(), M-1)
		sameID(t, big.NewInt(0), got)
	})
}

func TestBytesRoundTrip(t *testing.T) {
	for _, id := range []*big.Int{big.NewInt(0), big.NewInt(1), maxID(), HashString("x")} {
		b := ToBytes(id)
		sameID(t, id, FromBytes(b))
	}

	b := ToBytes(big.NewInt(258))
	assert.Equal(t, byte(1), b[Size-2])
	assert.Equal(t, byte(2), b[Size-1])
}

func TestShort(t *testing.T) {
	tests := []struct {
		name string
		id   *big.Int
		want string
	}{
		{"nil", nil, "nil"},
		{"small id keeps leading zeros", big.NewInt(255), "00000000"},
		{"top byte", PowerOfTwo(255), "80000000"},
		{"max", maxID(), "ffffffff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Short(tt.id))
		})
	}

	a := new(big.Int).Lsh(big.NewInt(0x1234), M-32)
	b := new(big.Int).Lsh(big.NewInt(0x1234), M-24)
	assert.NotEqual(t, Short(a), Short(b), "prefixes at different magnitudes differ")
}

// sameID compares identifiers by value, not by big.Int internals.
func sameID(t *testing.T, want, got *big.Int) {
	t.Helper()
	assert.Zero(t, want.Cmp(got), "want %s, got %s", want, got)
}

func maxID() *big.Int {
	return new(big.Int).Sub(ringSize, one)
}

func BenchmarkInRange(b *testing.B) {
	id := HashString("id")
	start := HashString("start")
	end := HashString("end")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		InRange(id, start, end)
	}
}
