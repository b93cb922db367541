package process

import "time"

// Credential is the restricted user programs run as. Requires the server to
// have CAP_SETUID/CAP_SETGID (typically: started as root).
type Credential struct {
	UID uint32
	GID uint32
}

// Config controls the local process sandbox.
type Config struct {
	// DefaultTimeout applies when a Command carries no timeout.
	DefaultTimeout time.Duration
	// MaxOutputBytes caps each of stdout and stderr. Zero means unlimited.
	MaxOutputBytes int64
	// Credential, when set, drops the child to this uid/gid.
	Credential *Credential
	// CgroupRoot is a delegated cgroup v2 directory. When set every execution
	// gets its own child cgroup with the limits below.
	CgroupRoot    string
	MemoryLimitMB int64
	PIDsLimit     int64
	// PathEnv is the PATH handed to programs; defaults to the server's PATH.
	PathEnv string
}

// DefaultConfig mirrors the limits the container backend uses.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Second,
		MaxOutputBytes: 64 * 1024,
		MemoryLimitMB:  256,
		PIDsLimit:      64,
	}
}
