package config

import (
	"fmt"
	"net/netip"
	"time"
)

// Config holds all configuration for a DHT node
type Config struct {
	// Network endpoints. ListenAddress is also the node's ring identity.
	ListenAddress    string // peer protocol, ip:port
	APIAddress       string // client DHT_GET/DHT_PUT protocol, ip:port
	HTTPAddress      string // optional status server, empty disables it
	BootstrapAddress string // optional seed peer, empty founds a new ring

	// Chord parameters
	Fingers               int           // finger table entries to maintain (1..256)
	SuccessorListSize     int           // bounded successor list length
	StabilizationInterval time.Duration // time between stabilization ticks
	StabilizationDelay    time.Duration // delay before the first tick
	MaxLookupHops         int           // hop cap for iterative peer lookups
	MaxReplicationIndex   int           // replicas are indexed 0..MaxReplicationIndex

	// Resources
	WorkerThreads     int           // concurrent finger refreshes per tick
	Timeout           time.Duration // connect + response timeout for one peer RPC
	MaxConnections    int           // concurrently served inbound connections
	BootstrapAttempts int           // failed contacts with the seed before a join gives up

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // optional rotating log file
}

// DefaultConfig returns the defaults of the [dht] section.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:         "127.0.0.1:7401",
		APIAddress:            "127.0.0.1:7400",
		Fingers:               128,
		SuccessorListSize:     4,
		StabilizationInterval: 30 * time.Second,
		StabilizationDelay:    time.Second,
		MaxLookupHops:         32,
		MaxReplicationIndex:   4,
		WorkerThreads:         4,
		Timeout:               5 * time.Second,
		MaxConnections:        256,
		BootstrapAttempts:     3,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := parsePeerAddress(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen_address: %w", err)
	}
	if _, err := netip.ParseAddrPort(c.APIAddress); err != nil {
		return fmt.Errorf("invalid api_address: %w", err)
	}
	if c.HTTPAddress != "" {
		if _, err := netip.ParseAddrPort(c.HTTPAddress); err != nil {
			return fmt.Errorf("invalid http_address: %w", err)
		}
	}
	if c.BootstrapAddress != "" {
		if _, err := parsePeerAddress(c.BootstrapAddress); err != nil {
			return fmt.Errorf("invalid bootstrap_address: %w", err)
		}
	}
	if c.Fingers < 1 || c.Fingers > 256 {
		return fmt.Errorf("fingers must be between 1 and 256, got %d", c.Fingers)
	}
	if c.SuccessorListSize < 1 || c.SuccessorListSize > 255 {
		return fmt.Errorf("successor_list_size must be between 1 and 255, got %d", c.SuccessorListSize)
	}
	if c.MaxReplicationIndex < 0 || c.MaxReplicationIndex > 255 {
		return fmt.Errorf("max_replication_index must be between 0 and 255, got %d", c.MaxReplicationIndex)
	}
	if c.MaxLookupHops < 1 {
		return fmt.Errorf("max_lookup_hops must be positive, got %d", c.MaxLookupHops)
	}
	if c.WorkerThreads < 1 {
		return fmt.Errorf("worker_threads must be positive, got %d", c.WorkerThreads)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.BootstrapAttempts < 1 {
		return fmt.Errorf("bootstrap_attempts must be positive, got %d", c.BootstrapAttempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.StabilizationInterval <= c.Timeout {
		return fmt.Errorf("stabilization_interval (%s) must be longer than timeout (%s)",
			c.StabilizationInterval, c.Timeout)
	}
	if c.StabilizationDelay < 0 {
		return fmt.Errorf("stabilization_delay must not be negative, got %s", c.StabilizationDelay)
	}
	return nil
}

// ListenAddrPort returns the parsed peer listen address.
func (c *Config) ListenAddrPort() (netip.AddrPort, error) {
	return parsePeerAddress(c.ListenAddress)
}

// BootstrapAddrPort returns the parsed seed address, or nil when the node founds a new ring.
func (c *Config) BootstrapAddrPort() (*netip.AddrPort, error) {
	if c.BootstrapAddress == "" {
		return nil, nil
	}
	addr, err := parsePeerAddress(c.BootstrapAddress)
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// parsePeerAddress accepts only addresses that can be hashed into a ring
// identity and dialed: an IP literal that is not unspecified and a non-zero port.
func parsePeerAddress(s string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if addr.Addr().IsUnspecified() {
		return netip.AddrPort{}, fmt.Errorf("%s: unspecified address cannot identify a peer", s)
	}
	if addr.Addr().Zone() != "" {
		return netip.AddrPort{}, fmt.Errorf("%s: zoned addresses are not supported", s)
	}
	if addr.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("%s: port must not be zero", s)
	}
	return addr, nil
}
