// Package protocol implements the binary wire format shared by the peer
// protocol and the client API: a 2-byte big-endian frame size (header
// included), a 2-byte big-endian type ID and a type-specific body.
package protocol

import (
	"fmt"
	"net/netip"
)

// Type identifies a message on the wire.
type Type uint16

// Client API messages.
const (
	TypeDHTPut     Type = 650
	TypeDHTGet     Type = 651
	TypeDHTSuccess Type = 652
	TypeDHTFailure Type = 653
)

// Peer-to-peer messages.
const (
	TypeStorageGet        Type = 1000
	TypeStoragePut        Type = 1001
	TypeStorageGetSuccess Type = 1002
	TypeStoragePutSuccess Type = 1003
	TypeStorageFailure    Type = 1004
	TypePeerFind          Type = 1050
	TypePeerFound         Type = 1051
	TypePredecessorNotify Type = 1052
	TypePredecessorReply  Type = 1053
	TypeSuccessorRequest  Type = 1080
	TypeSuccessorReply    Type = 1081
	TypePing              Type = 1082
	TypePong              Type = 1083
)

var typeNames = map[Type]string{
	TypeDHTPut:            "DHT_PUT",
	TypeDHTGet:            "DHT_GET",
	TypeDHTSuccess:        "DHT_SUCCESS",
	TypeDHTFailure:        "DHT_FAILURE",
	TypeStorageGet:        "STORAGE_GET",
	TypeStoragePut:        "STORAGE_PUT",
	TypeStorageGetSuccess: "STORAGE_GET_SUCCESS",
	TypeStoragePutSuccess: "STORAGE_PUT_SUCCESS",
	TypeStorageFailure:    "STORAGE_FAILURE",
	TypePeerFind:          "PEER_FIND",
	TypePeerFound:         "PEER_FOUND",
	TypePredecessorNotify: "PREDECESSOR_NOTIFY",
	TypePredecessorReply:  "PREDECESSOR_REPLY",
	TypeSuccessorRequest:  "SUCCESSOR_REQUEST",
	TypeSuccessorReply:    "SUCCESSOR_REPLY",
	TypePing:              "PING",
	TypePong:              "PONG",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
}

// Key is a raw 256-bit key or identifier as carried on the wire.
type Key [KeySize]byte

// Message is one of the fixed set of wire messages. The set is closed:
// only types in this package implement it.
type Message interface {
	Type() Type
	bodyLen() int
	appendBody(dst []byte) ([]byte, error)
}

// StorageGet asks the owner of Key for one replica.
type StorageGet struct {
	ReplicationIndex uint8
	Key              Key
}

// StoragePut stores Value under Key unless the replica already exists.
type StoragePut struct {
	TTL              uint16 // seconds, 0 never expires
	ReplicationIndex uint8
	Key              Key
	Value            []byte
}

// StorageGetSuccess carries the stored value.
type StorageGetSuccess struct {
	Key   Key
	Value []byte
}

// StoragePutSuccess acknowledges a stored replica.
type StoragePutSuccess struct {
	Key Key
}

// StorageFailure reports an occupied (put) or missing (get) replica.
type StorageFailure struct {
	Key Key
}

// PeerFind asks a peer for the closest peer it knows preceding Key.
type PeerFind struct {
	Key Key
}

// PeerFound answers PeerFind.
type PeerFound struct {
	Key  Key
	Peer netip.AddrPort
}

// PredecessorNotify announces Peer as a predecessor candidate.
type PredecessorNotify struct {
	Peer netip.AddrPort
}

// PredecessorReply carries the receiver's predecessor before the notify.
type PredecessorReply struct {
	Peer netip.AddrPort
}

// SuccessorRequest asks a peer for its neighbourhood.
type SuccessorRequest struct{}

// SuccessorReply lists the predecessor, the peer itself and its successors.
type SuccessorReply struct {
	Peers []netip.AddrPort
}

// Ping checks liveness.
type Ping struct{}

// Pong answers Ping.
type Pong struct{}

// DHTPut is a client request to store Value under Key on Replication replicas.
type DHTPut struct {
	TTL         uint16
	Replication uint8
	Key         Key
	Value       []byte
}

// DHTGet is a client lookup.
type DHTGet struct {
	Key Key
}

// DHTSuccess answers DHTGet with a value, or DHTPut with an empty value.
type DHTSuccess struct {
	Key   Key
	Value []byte
}

// DHTFailure reports a failed client request.
type DHTFailure struct {
	Key Key
}

func (StorageGet) Type() Type        { return TypeStorageGet }
func (StoragePut) Type() Type        { return TypeStoragePut }
func (StorageGetSuccess) Type() Type { return TypeStorageGetSuccess }
func (StoragePutSuccess) Type() Type { return TypeStoragePutSuccess }
func (StorageFailure) Type() Type    { return TypeStorageFailure }
func (PeerFind) Type() Type          { return TypePeerFind }
func (PeerFound) Type() Type         { return TypePeerFound }
func (PredecessorNotify) Type() Type { return TypePredecessorNotify }
func (PredecessorReply) Type() Type  { return TypePredecessorReply }
func (SuccessorRequest) Type() Type  { return TypeSuccessorRequest }
func (SuccessorReply) Type() Type    { return TypeSuccessorReply }
func (Ping) Type() Type              { return TypePing }
func (Pong) Type() Type              { return TypePong }
func (DHTPut) Type() Type            { return TypeDHTPut }
func (DHTGet) Type() Type            { return TypeDHTGet }
func (DHTSuccess) Type() Type        { return TypeDHTSuccess }
func (DHTFailure) Type() Type        { return TypeDHTFailure }
