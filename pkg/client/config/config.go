package config

import (
	"time"
)

// ClientConfig defines configuration for the placement client
type ClientConfig struct {
	// ServerAddr is the address of the placement server
	ServerAddr string

	// DialTimeout bounds the wait for a ready connection, zero does not wait
	DialTimeout time.Duration

	// CallTimeout bounds every call that has no earlier deadline
	CallTimeout time.Duration

	// ReconnectBackoff is the base time to wait before reconnecting
	ReconnectBackoff time.Duration

	// MaxReconnectBackoff is the maximum time to wait before reconnecting
	MaxReconnectBackoff time.Duration

	// ReconnectJitter is the jitter to add to reconnect backoff
	ReconnectJitter float64
}

// DefaultClientConfig provides default configuration values
var DefaultClientConfig = ClientConfig{
	ServerAddr:          "localhost:7070",
	DialTimeout:         5 * time.Second,
	CallTimeout:         10 * time.Second,
	ReconnectBackoff:    time.Second,
	MaxReconnectBackoff: 30 * time.Second,
	ReconnectJitter:     0.2,
}
