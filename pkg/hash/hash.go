package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"net/netip"
)

const (
	// M is the size of the identifier space in bits (2^256)
	M = 256

	// Size is the byte length of an identifier on the wire.
	Size = M / 8
)

var (
	// ringSize is 2^M, the size of the Chord ring
	ringSize = new(big.Int).Lsh(big.NewInt(1), M)

	one = big.NewInt(1)
)

// HashKey hashes arbitrary data to a 256-bit identifier using SHA-256.
// The digest is read as a big-endian unsigned integer.
func HashKey(data []byte) *big.Int {
	sum := sha256.Sum256(data)
	return new(big.Int).SetBytes(sum[:])
}

// HashString hashes a string to a 256-bit identifier.
func HashString(s string) *big.Int {
	return HashKey([]byte(s))
}

// HashAddress hashes a peer address to its ring identifier.
// The input is the 18-byte wire form: the 16-byte IPv6 (or IPv4-mapped)
// address followed by the big-endian port.
func HashAddress(addr netip.AddrPort) *big.Int {
	var buf [18]byte
	ip := addr.Addr().As16()
	copy(buf[:16], ip[:])
	binary.BigEndian.PutUint16(buf[16:], addr.Port())
	return HashKey(buf[:])
}

// HashReplica derives the identifier of one replica of a raw key.
// It hashes rawKey || replicationIndex.
func HashReplica(rawKey [Size]byte, replicationIndex uint8) *big.Int {
	var buf [Size + 1]byte
	copy(buf[:Size], rawKey[:])
	buf[Size] = replicationIndex
	return HashKey(buf[:])
}

// InRange checks if id is in the range (start, end] on the Chord ring.
// It is defined as Distance(id, end) < Distance(start, end), so when
// start == end every identifier is in range (a ring of one node).
//
// Examples:
//   - InRange(5, 3, 7) = true    // 5 is in (3, 7]
//   - InRange(3, 3, 7) = false   // exclusive start
//   - InRange(7, 3, 7) = true    // inclusive end
//   - InRange(1, 8, 3) = true    // wraparound
//   - InRange(4, 4, 4) = true    // degenerate ring
func InRange(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}

	span := Distance(start, end)
	if span.Sign() == 0 {
		return true
	}
	return Distance(id, end).Cmp(span) < 0
}

// Between checks if id is in the range (start, end) on the Chord ring (exclusive on both ends).
// When start == end the range is the entire ring except start.
func Between(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}

	id = mod(id)
	start = mod(start)
	end = mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) > 0 && id.Cmp(end) < 0
	case 1:
		return id.Cmp(start) > 0 || id.Cmp(end) < 0
	default:
		return id.Cmp(start) != 0
	}
}

// Distance computes the clockwise distance from start to end on the Chord ring.
// Returns (end - start) mod 2^M.
func Distance(start, end *big.Int) *big.Int {
	if start == nil || end == nil {
		return new(big.Int)
	}
	return mod(new(big.Int).Sub(end, start))
}

// LeadingZeros returns the number of leading zero bits of x as a 256-bit value.
// Zero has 256 leading zeros.
func LeadingZeros(x *big.Int) int {
	if x == nil {
		return M
	}
	return M - mod(x).BitLen()
}

// PowerOfTwo returns 2^exponent.
func PowerOfTwo(exponent int) *big.Int {
	if exponent < 0 {
		return new(big.Int)
	}
	return new(big.Int).Lsh(one, uint(exponent))
}

// AddPowerOfTwo computes (n + 2^exponent) mod 2^M.
func AddPowerOfTwo(n *big.Int, exponent int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return mod(new(big.Int).Add(n, PowerOfTwo(exponent)))
}

// FingerTarget returns the identifier finger i points at: self + 2^(M-1-i).
func FingerTarget(self *big.Int, i int) *big.Int {
	return AddPowerOfTwo(self, M-1-i)
}

// ToBytes renders id as a fixed-width big-endian byte array.
func ToBytes(id *big.Int) [Size]byte {
	var out [Size]byte
	if id == nil {
		return out
	}
	mod(id).FillBytes(out[:])
	return out
}

// FromBytes reads a big-endian identifier.
func FromBytes(b [Size]byte) *big.Int {
	return new(big.Int).SetBytes(b[:])
}

// Short returns the first 8 hex characters of id, for logs.
func Short(id *big.Int) string {
	if id == nil {
		return "nil"
	}
	return fmt.Sprintf("%064x", mod(id))[:8]
}

// mod returns x mod 2^M, ensuring the result is in [0, 2^M).
func mod(x *big.Int) *big.Int {
	return new(big.Int).Mod(x, ringSize)
}
