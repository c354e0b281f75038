package client

import (
	"errors"
	"fmt"
	"time"

	"stmgr-link/transport"
)

// Config holds the connection and retry parameters. Durations are wall-clock.
type Config struct {
	// RetryInterval is the fixed wait between a failed attempt and the next one.
	RetryInterval time.Duration
	// MaxRetryAttempts bounds the connect cycles made without reaching Ready.
	MaxRetryAttempts int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// RequestTimeout completes unanswered ExpectResponse sends; 0 waits forever.
	RequestTimeout time.Duration

	// DrainBatch is how many outbound entries one loop iteration takes.
	DrainBatch int
	// ReadBatch is how many reads one readiness notification may perform.
	ReadBatch      int
	ReadBufferSize int
	// WriteHighWater stops draining while this many bytes are still unsent.
	WriteHighWater int
	// MaxSendRate caps frames per second; 0 means unlimited.
	MaxSendRate float64

	// OfferTimeout bounds how long Send waits for room in the outbound queue.
	OfferTimeout time.Duration
	// InboundOfferTimeout bounds how long the loop waits for room in the inbound
	// queue before dropping a frame.
	InboundOfferTimeout time.Duration

	Socket transport.Options
}

func DefaultConfig() Config {
	return Config{
		RetryInterval:       time.Second,
		MaxRetryAttempts:    10,
		ConnectTimeout:      5 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		RequestTimeout:      30 * time.Second,
		DrainBatch:          128,
		ReadBatch:           16,
		ReadBufferSize:      64 << 10,
		WriteHighWater:      4 << 20,
		OfferTimeout:        time.Second,
		InboundOfferTimeout: time.Second,
		Socket:              transport.Options{NoDelay: true},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry interval must be positive, got %s", c.RetryInterval))
	}
	if c.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("max retry attempts must be at least 1, got %d", c.MaxRetryAttempts))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect timeout must be positive"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake timeout must be positive"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request timeout must not be negative"))
	}
	if c.DrainBatch < 1 || c.ReadBatch < 1 {
		errs = append(errs, errors.New("drain and read batches must be at least 1"))
	}
	if c.ReadBufferSize < 1 {
		errs = append(errs, errors.New("read buffer size must be positive"))
	}
	if c.WriteHighWater < 1 {
		errs = append(errs, errors.New("write high-water mark must be positive"))
	}
	if c.MaxSendRate < 0 {
		errs = append(errs, errors.New("max send rate must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("client: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
