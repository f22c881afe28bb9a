package queue

// Config sizes the fixed pools and bounds the CSMA backoff.
type Config struct {
	// QueueDepth is the per-neighbor ring capacity. Must be a power of two.
	QueueDepth int `yaml:"queue_depth"`
	// MaxNeighbors bounds the neighbor pool, including the broadcast and EB
	// virtual entries.
	MaxNeighbors int `yaml:"max_neighbors"`
	// MinBE and MaxBE bound the CSMA backoff exponent.
	MinBE uint8 `yaml:"min_backoff_exponent"`
	MaxBE uint8 `yaml:"max_backoff_exponent"`
}

// DefaultConfig returns the default queue sizing.
func DefaultConfig() Config {
	return Config{
		QueueDepth:   8,
		MaxNeighbors: 8,
		MinBE:        3,
		MaxBE:        5,
	}
}
