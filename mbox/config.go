package mbox

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sarchlab/axpsim/cache"
)

// Config holds the memory-pipeline geometry. Values default to the 21264
// (EV68) arrangement.
type Config struct {
	// QueueLen is the depth of the load queue and of the store queue.
	// The slot allocators return QueueLen as the queue-full sentinel.
	QueueLen int `json:"queue_len"`

	// MAFLen is the number of miss address file entries.
	MAFLen int `json:"maf_len"`

	// IOWBLen is the number of I/O write buffer entries.
	IOWBLen int `json:"iowb_len"`

	// DTBLen is the number of data translation buffer entries.
	DTBLen int `json:"dtb_len"`

	// MMIOBase is the first physical address of the I/O region. Physical
	// addresses at or above it bypass the caches.
	MMIOBase uint64 `json:"mmio_base"`

	// Dcache and Bcache describe the cache geometries.
	Dcache cache.Config `json:"dcache"`
	Bcache cache.Config `json:"bcache"`
}

// DefaultConfig returns the 21264 geometry: 32-entry load and store queues,
// 8-entry MAF, 4-entry IOWB, 128-entry DTB, and I/O space at PA bit 43.
func DefaultConfig() Config {
	return Config{
		QueueLen: 32,
		MAFLen:   8,
		IOWBLen:  4,
		DTBLen:   128,
		MMIOBase: 1 << 43,
		Dcache:   cache.DefaultDcacheConfig(),
		Bcache:   cache.DefaultBcacheConfig(),
	}
}

// LoadConfig reads a Config from a JSON file. Missing fields keep their
// default values.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config file: %w", err)
	}

	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

// Validate checks the configuration for inconsistent values.
func (c Config) Validate() error {
	if c.QueueLen <= 0 {
		return fmt.Errorf("queue_len must be positive, got %d", c.QueueLen)
	}
	if c.MAFLen <= 0 {
		return fmt.Errorf("maf_len must be positive, got %d", c.MAFLen)
	}
	if c.IOWBLen <= 0 {
		return fmt.Errorf("iowb_len must be positive, got %d", c.IOWBLen)
	}
	if c.DTBLen <= 0 {
		return fmt.Errorf("dtb_len must be positive, got %d", c.DTBLen)
	}
	return nil
}
