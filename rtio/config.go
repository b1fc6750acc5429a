package rtio

import (
	"time"

	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/wire"
)

// Config holds engine tuning parameters.
type Config struct {
	// CommandRingSlots sizes the control-to-RT command ring.
	CommandRingSlots int `yaml:"command_ring_slots" json:"command_ring_slots"`

	// EventRingSlots sizes the RT-to-control event ring. Head-position
	// events are dropped when it fills; chunk-full events are retried.
	EventRingSlots int `yaml:"event_ring_slots" json:"event_ring_slots"`

	// SlotSize is the per-slot frame scratch in bytes. Must hold the
	// largest frame, which is bounded by chunk path length.
	SlotSize int `yaml:"slot_size" json:"slot_size"`

	// HeadInterval is the cadence of head-position emission.
	HeadInterval time.Duration `yaml:"head_interval" json:"head_interval"`

	// ChunkFullRetries is how many callbacks a chunk-full emit is retried
	// against a full ring before the stream is failed. Losing a chunk-full
	// silently would corrupt the manifest, so exhaustion is fatal.
	ChunkFullRetries int `yaml:"chunk_full_retries" json:"chunk_full_retries"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CommandRingSlots: 64,
		EventRingSlots:   256,
		SlotSize:         wire.DefaultScratchSize,
		HeadInterval:     100 * time.Millisecond,
		ChunkFullRetries: 8,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CommandRingSlots <= 0 || c.EventRingSlots <= 0 {
		return errors.WrapInvalid(errors.New("ring slots must be positive"), "rtio.Config", "Validate", "ring check")
	}
	if c.SlotSize < 64 {
		return errors.WrapInvalid(errors.New("slot size too small for any frame"), "rtio.Config", "Validate", "slot check")
	}
	if c.HeadInterval <= 0 {
		return errors.WrapInvalid(errors.New("head interval must be positive"), "rtio.Config", "Validate", "interval check")
	}
	if c.ChunkFullRetries <= 0 {
		return errors.WrapInvalid(errors.New("chunk-full retries must be positive"), "rtio.Config", "Validate", "retry check")
	}
	return nil
}
