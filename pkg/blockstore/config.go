package blockstore

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config holds the options spec.md §6 names for the block store core.
type Config struct {
	// PageSize is the byte size of every page (the last page of a block
	// may be shorter). Required, must be > 0.
	PageSize int64 `yaml:"page_size"`

	// RemoveBlockTimeout bounds how long Remove waits to acquire the
	// exclusive block lock before failing with DeadlineExceeded.
	RemoveBlockTimeout time.Duration `yaml:"remove_block_timeout"`

	// DefaultTier and DefaultMedium are the labels reported to the master
	// alongside every committed block.
	DefaultTier   string `yaml:"default_tier"`
	DefaultMedium string `yaml:"default_medium"`
}

// RegisterFlags wires Config into f, following the per-component
// RegisterFlags idiom used throughout this codebase's configuration.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Int64Var(&c.PageSize, "blockstore.page-size-bytes", 1<<20, "Byte size of every cached page.")
	f.DurationVar(&c.RemoveBlockTimeout, "blockstore.remove-block-timeout", 60*time.Second, "How long remove() waits for the exclusive block lock before failing.")
	f.StringVar(&c.DefaultTier, "blockstore.default-tier", "MEM", "Tier label reported to the master on commit.")
	f.StringVar(&c.DefaultMedium, "blockstore.default-medium", "MEM", "Medium label reported to the master on commit.")
}

// Validate checks the options spec.md §6 marks as required.
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return errors.New("blockstore.page-size-bytes must be > 0")
	}
	if c.RemoveBlockTimeout <= 0 {
		return errors.New("blockstore.remove-block-timeout must be > 0")
	}
	return nil
}
