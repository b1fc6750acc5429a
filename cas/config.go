package cas

import (
	"path/filepath"

	"github.com/c360/capturekit/errors"
)

// Config holds store configuration.
type Config struct {
	// Root is the base directory holding the content and staging trees.
	Root string `yaml:"root" json:"root"`

	// ReadOnly disables staging allocation, sealing, and writes. Used by
	// consumers that only resolve slices against existing content.
	ReadOnly bool `yaml:"read_only" json:"read_only"`
}

// DefaultConfig returns a store config rooted at the given directory.
func DefaultConfig(root string) Config {
	return Config{Root: root}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Root == "" {
		return errors.WrapInvalid(errors.New("root directory required"), "cas.Config", "Validate", "root check")
	}
	return nil
}

// ContentDir returns the root of the immutable content tree.
func (c Config) ContentDir() string {
	return filepath.Join(c.Root, "content", Algorithm)
}

// StagingDir returns the root of the writable staging tree.
func (c Config) StagingDir() string {
	return filepath.Join(c.Root, "staging", Algorithm)
}
