package docker

import (
	"time"
)

// Config holds the configuration for Docker execution.
type Config struct {
	// Images are the toolchain images to pre-warm containers for.
	Images []string
	// MemoryLimit is the maximum amount of memory a container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs a container can use.
	CPULimit float64
	// PidsLimit caps processes per container (fork bombs).
	PidsLimit int64
	// DefaultTimeout applies when a command carries no timeout.
	DefaultTimeout time.Duration
	// MaxOutputBytes caps each of stdout and stderr.
	MaxOutputBytes int64
	// PoolSize is the number of pre-warmed containers kept per image.
	PoolSize int
	// User is the in-container user programs run as.
	User string
}

// DefaultConfig provides sensible defaults for the runner's containers.
func DefaultConfig() Config {
	return Config{
		// 256 MB memory limit
		MemoryLimit: 256 * 1024 * 1024,
		// 1 CPU
		CPULimit:       1,
		PidsLimit:      64,
		DefaultTimeout: 5 * time.Second,
		MaxOutputBytes: 64 * 1024,
		PoolSize:       2,
		User:           "nobody",
	}
}
