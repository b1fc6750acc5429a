package stream

import (
	"time"

	"github.com/c360/capturekit/errors"
)

// Config holds stream manager configuration.
type Config struct {
	// ManifestDir is where published manifest snapshots live.
	ManifestDir string `yaml:"manifest_dir" json:"manifest_dir"`

	// HeadroomFraction sizes staging files beyond the nominal chunk size.
	// The extra space absorbs the chunk-full to switch round trip; the RT
	// plane fails the stream if it runs out.
	HeadroomFraction float64 `yaml:"headroom_fraction" json:"headroom_fraction"`

	// RetainChunks bounds the sealed entries kept per manifest; the oldest
	// are trimmed after sealing. Zero keeps everything.
	RetainChunks int `yaml:"retain_chunks" json:"retain_chunks"`

	// StopGrace is how long Stop waits for the RT plane's confirmation
	// before sealing with the last known position.
	StopGrace time.Duration `yaml:"stop_grace" json:"stop_grace"`
}

// DefaultConfig returns production defaults.
func DefaultConfig(manifestDir string) Config {
	return Config{
		ManifestDir:      manifestDir,
		HeadroomFraction: 0.25,
		StopGrace:        2 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ManifestDir == "" {
		return errors.WrapInvalid(errors.New("manifest directory required"), "stream.Config", "Validate", "dir check")
	}
	if c.HeadroomFraction <= 0 || c.HeadroomFraction > 1 {
		return errors.WrapInvalid(errors.New("headroom fraction must be in (0, 1]"), "stream.Config", "Validate", "headroom check")
	}
	if c.RetainChunks < 0 {
		return errors.WrapInvalid(errors.New("retain chunks cannot be negative"), "stream.Config", "Validate", "retention check")
	}
	if c.StopGrace <= 0 {
		return errors.WrapInvalid(errors.New("stop grace must be positive"), "stream.Config", "Validate", "grace check")
	}
	return nil
}
