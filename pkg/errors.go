package pkg

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned when a check-and-insert finds the key already present
	ErrKeyExists = errors.New("key already exists")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNeverBootstrapped is returned when routing is queried before the predecessor is known
	ErrNeverBootstrapped = errors.New("node was never bootstrapped")

	// ErrStorageFailure is returned when a replica is occupied (put) or absent (get)
	ErrStorageFailure = errors.New("storage failure")

	// ErrDeadPeer is returned when a peer cannot be reached
	ErrDeadPeer = errors.New("dead peer")

	// ErrUnexpectedResponse is returned when a peer replies with the wrong message type
	ErrUnexpectedResponse = errors.New("unexpected response from peer")

	// ErrBootstrap is returned when the bootstrap seed cannot be reached
	ErrBootstrap = errors.New("bootstrap failed")

	// ErrLookupHopLimit is returned when a peer lookup does not converge in time
	ErrLookupHopLimit = errors.New("peer lookup exceeded hop limit")

	// ErrLookupCycle is returned when a peer lookup revisits a peer
	ErrLookupCycle = errors.New("peer lookup cycle detected")
)

// StorageFailureError reports a failed storage operation for one replica key.
type StorageFailureError struct {
	Key *big.Int
}

func (e *StorageFailureError) Error() string {
	if e.Key == nil {
		return ErrStorageFailure.Error()
	}
	return fmt.Sprintf("%s for key %s", ErrStorageFailure, e.Key.Text(16))
}

func (e *StorageFailureError) Unwrap() error { return ErrStorageFailure }

// DeadPeerError reports a transport failure towards Addr.
type DeadPeerError struct {
	Addr string
	Err  error
}

func (e *DeadPeerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s", ErrDeadPeer, e.Addr)
	}
	return fmt.Sprintf("%s %s: %v", ErrDeadPeer, e.Addr, e.Err)
}

func (e *DeadPeerError) Unwrap() []error { return wrapped(ErrDeadPeer, e.Err) }

// UnexpectedResponseError reports a reply of the wrong message type.
type UnexpectedResponseError struct {
	Type string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnexpectedResponse, e.Type)
}

func (e *UnexpectedResponseError) Unwrap() error { return ErrUnexpectedResponse }

// BootstrapError reports that the seed peer could not be used to join a ring.
type BootstrapError struct {
	Seed string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("%s via %s: %v", ErrBootstrap, e.Seed, e.Err)
}

func (e *BootstrapError) Unwrap() []error { return wrapped(ErrBootstrap, e.Err) }

func wrapped(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, cause}
}
