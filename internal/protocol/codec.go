package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	// HeaderSize is the size and type prefix of every frame.
	HeaderSize = 4

	// MaxFrameSize is the largest frame the 2-byte size field can describe.
	MaxFrameSize = 0xFFFF

	// KeySize is the length of a raw key or identifier.
	KeySize = 32

	// AddrSize is the length of an encoded peer address: IPv6 (16) + port (2).
	AddrSize = 18

	storageHeaderSize = 4 // ttl/index and reserved bytes ahead of the key
)

var (
	// ErrUnknownType is returned for frames whose type ID is not in the catalog.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed is returned for truncated or inconsistent frames.
	ErrMalformed = errors.New("malformed message")

	// ErrFrameTooLarge is returned when a message does not fit in one frame.
	ErrFrameTooLarge = errors.New("message exceeds maximum frame size")

	// ErrInvalidAddress is returned for addresses with no wire encoding.
	ErrInvalidAddress = errors.New("address has no wire encoding")
)

// Encode renders m as a complete frame.
func Encode(m Message) ([]byte, error) {
	size := HeaderSize + m.bodyLen()
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, m.Type(), size)
	}

	buf := make([]byte, HeaderSize, size)
	return appendFrame(buf, m)
}

// appendFrame writes m's body after a HeaderSize prefix already in buf and fills in the header.
func appendFrame(buf []byte, m Message) ([]byte, error) {
	buf, err := m.appendBody(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, m.Type(), len(buf))
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Type()))
	return buf, nil
}

// Decode parses one complete frame. The returned message does not alias frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: %d byte frame", ErrMalformed, len(frame))
	}
	size := int(binary.BigEndian.Uint16(frame[0:2]))
	if size != len(frame) {
		return nil, fmt.Errorf("%w: size field %d, frame %d bytes", ErrMalformed, size, len(frame))
	}
	return decodeBody(Type(binary.BigEndian.Uint16(frame[2:4])), frame[HeaderSize:])
}

func decodeBody(t Type, body []byte) (Message, error) {
	switch t {
	case TypeStorageGet:
		if len(body) != storageHeaderSize+KeySize {
			return nil, malformed(t, body)
		}
		return StorageGet{ReplicationIndex: body[0], Key: readKey(body[storageHeaderSize:])}, nil

	case TypeStoragePut, TypeDHTPut:
		if len(body) < storageHeaderSize+KeySize {
			return nil, malformed(t, body)
		}
		ttl := binary.BigEndian.Uint16(body[0:2])
		key := readKey(body[storageHeaderSize:])
		value := clone(body[storageHeaderSize+KeySize:])
		if t == TypeDHTPut {
			return DHTPut{TTL: ttl, Replication: body[2], Key: key, Value: value}, nil
		}
		return StoragePut{TTL: ttl, ReplicationIndex: body[2], Key: key, Value: value}, nil

	case TypeStorageGetSuccess, TypeDHTSuccess:
		if len(body) < KeySize {
			return nil, malformed(t, body)
		}
		key, value := readKey(body), clone(body[KeySize:])
		if t == TypeDHTSuccess {
			return DHTSuccess{Key: key, Value: value}, nil
		}
		return StorageGetSuccess{Key: key, Value: value}, nil

	case TypeStoragePutSuccess, TypeStorageFailure, TypePeerFind, TypeDHTGet, TypeDHTFailure:
		if len(body) != KeySize {
			return nil, malformed(t, body)
		}
		key := readKey(body)
		switch t {
		case TypeStoragePutSuccess:
			return StoragePutSuccess{Key: key}, nil
		case TypeStorageFailure:
			return StorageFailure{Key: key}, nil
		case TypePeerFind:
			return PeerFind{Key: key}, nil
		case TypeDHTGet:
			return DHTGet{Key: key}, nil
		default:
			return DHTFailure{Key: key}, nil
		}

	case TypePeerFound:
		if len(body) != KeySize+AddrSize {
			return nil, malformed(t, body)
		}
		peer, err := DecodeAddr(body[KeySize:])
		if err != nil {
			return nil, err
		}
		return PeerFound{Key: readKey(body), Peer: peer}, nil

	case TypePredecessorNotify, TypePredecessorReply:
		if len(body) != AddrSize {
			return nil, malformed(t, body)
		}
		peer, err := DecodeAddr(body)
		if err != nil {
			return nil, err
		}
		if t == TypePredecessorNotify {
			return PredecessorNotify{Peer: peer}, nil
		}
		return PredecessorReply{Peer: peer}, nil

	case TypeSuccessorReply:
		if len(body)%AddrSize != 0 {
			return nil, malformed(t, body)
		}
		peers := make([]netip.AddrPort, 0, len(body)/AddrSize)
		for off := 0; off < len(body); off += AddrSize {
			peer, err := DecodeAddr(body[off : off+AddrSize])
			if err != nil {
				return nil, err
			}
			peers = append(peers, peer)
		}
		return SuccessorReply{Peers: peers}, nil

	case TypeSuccessorRequest, TypePing, TypePong:
		if len(body) != 0 {
			return nil, malformed(t, body)
		}
		switch t {
		case TypeSuccessorRequest:
			return SuccessorRequest{}, nil
		case TypePing:
			return Ping{}, nil
		default:
			return Pong{}, nil
		}
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(t))
}

func malformed(t Type, body []byte) error {
	return fmt.Errorf("%w: %s with %d byte body", ErrMalformed, t, len(body))
}

func readKey(b []byte) Key {
	var k Key
	copy(k[:], b[:KeySize])
	return k
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// EncodeAddr renders a peer address as 16 address bytes (IPv4 is IPv6-mapped)
// followed by the big-endian port.
func EncodeAddr(a netip.AddrPort) ([AddrSize]byte, error) {
	var out [AddrSize]byte
	if err := checkAddr(a); err != nil {
		return out, err
	}
	ip := a.Addr().As16()
	copy(out[:16], ip[:])
	binary.BigEndian.PutUint16(out[16:], a.Port())
	return out, nil
}

// DecodeAddr parses an 18-byte peer address. IPv4-mapped addresses come back as IPv4.
func DecodeAddr(b []byte) (netip.AddrPort, error) {
	if len(b) != AddrSize {
		return netip.AddrPort{}, fmt.Errorf("%w: %d byte address", ErrMalformed, len(b))
	}
	var ip [16]byte
	copy(ip[:], b[:16])
	a := netip.AddrPortFrom(netip.AddrFrom16(ip).Unmap(), binary.BigEndian.Uint16(b[16:]))
	if err := checkAddr(a); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return a, nil
}

func checkAddr(a netip.AddrPort) error {
	switch {
	case !a.IsValid():
		return fmt.Errorf("%w: invalid address", ErrInvalidAddress)
	case a.Addr().Zone() != "":
		return fmt.Errorf("%w: zoned address %s", ErrInvalidAddress, a)
	case a.Addr().IsUnspecified():
		return fmt.Errorf("%w: unspecified address %s", ErrInvalidAddress, a)
	case a.Port() == 0:
		return fmt.Errorf("%w: zero port in %s", ErrInvalidAddress, a)
	}
	return nil
}

func appendAddr(dst []byte, a netip.AddrPort) ([]byte, error) {
	enc, err := EncodeAddr(a)
	if err != nil {
		return nil, err
	}
	return append(dst, enc[:]...), nil
}

func appendStorageHeader(dst []byte, ttl uint16, index uint8) []byte {
	dst = binary.BigEndian.AppendUint16(dst, ttl)
	return append(dst, index, 0)
}

func (m StorageGet) bodyLen() int { return storageHeaderSize + KeySize }

func (m StorageGet) appendBody(dst []byte) ([]byte, error) {
	dst = append(dst, m.ReplicationIndex, 0, 0, 0)
	return append(dst, m.Key[:]...), nil
}

func (m StoragePut) bodyLen() int { return storageHeaderSize + KeySize + len(m.Value) }

func (m StoragePut) appendBody(dst []byte) ([]byte, error) {
	dst = appendStorageHeader(dst, m.TTL, m.ReplicationIndex)
	dst = append(dst, m.Key[:]...)
	return append(dst, m.Value...), nil
}

func (m StorageGetSuccess) bodyLen() int { return KeySize + len(m.Value) }

func (m StorageGetSuccess) appendBody(dst []byte) ([]byte, error) {
	return append(append(dst, m.Key[:]...), m.Value...), nil
}

func (m StoragePutSuccess) bodyLen() int { return KeySize }

func (m StoragePutSuccess) appendBody(dst []byte) ([]byte, error) {
	return append(dst, m.Key[:]...), nil
}

func (m StorageFailure) bodyLen() int { return KeySize }

func (m StorageFailure) appendBody(dst []byte) ([]byte, error) {
	return append(dst, m.Key[:]...), nil
}

func (m PeerFind) bodyLen() int { return KeySize }

func (m PeerFind) appendBody(dst []byte) ([]byte, error) {
	return append(dst, m.Key[:]...), nil
}

func (m PeerFound) bodyLen() int { return KeySize + AddrSize }

func (m PeerFound) appendBody(dst []byte) ([]byte, error) {
	return appendAddr(append(dst, m.Key[:]...), m.Peer)
}

func (m PredecessorNotify) bodyLen() int { return AddrSize }

func (m PredecessorNotify) appendBody(dst []byte) ([]byte, error) {
	return appendAddr(dst, m.Peer)
}

func (m PredecessorReply) bodyLen() int { return AddrSize }

func (m PredecessorReply) appendBody(dst []byte) ([]byte, error) {
	return appendAddr(dst, m.Peer)
}

func (SuccessorRequest) bodyLen() int { return 0 }

func (SuccessorRequest) appendBody(dst []byte) ([]byte, error) { return dst, nil }

func (m SuccessorReply) bodyLen() int { return AddrSize * len(m.Peers) }

func (m SuccessorReply) appendBody(dst []byte) ([]byte, error) {
	var err error
	for _, p := range m.Peers {
		if dst, err = appendAddr(dst, p); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func (Ping) bodyLen() int { return 0 }

func (Ping) appendBody(dst []byte) ([]byte, error) { return dst, nil }

func (Pong) bodyLen() int { return 0 }

func (Pong) appendBody(dst []byte) ([]byte, error) { return dst, nil }

func (m DHTPut) bodyLen() int { return storageHeaderSize + KeySize + len(m.Value) }

func (m DHTPut) appendBody(dst []byte) ([]byte, error) {
	dst = appendStorageHeader(dst, m.TTL, m.Replication)
	dst = append(dst, m.Key[:]...)
	return append(dst, m.Value...), nil
}

func (m DHTGet) bodyLen() int { return KeySize }

func (m DHTGet) appendBody(dst []byte) ([]byte, error) {
	return append(dst, m.Key[:]...), nil
}

func (m DHTSuccess) bodyLen() int { return KeySize + len(m.Value) }

func (m DHTSuccess) appendBody(dst []byte) ([]byte, error) {
	return append(append(dst, m.Key[:]...), m.Value...), nil
}

func (m DHTFailure) bodyLen() int { return KeySize }

func (m DHTFailure) appendBody(dst []byte) ([]byte, error) {
	return append(dst, m.Key[:]...), nil
}
