// Package config reads the runner's settings from environment variables.
//
// Every key has a default, so the server starts with no environment at all:
// the local process backend, a SQLite file under data/ and the built-in
// toolchain table.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Sandbox backends.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config is the complete runtime configuration.
type Config struct {
	Port     int
	DBPath   string
	LogLevel slog.Level

	WorkspaceRoot  string
	ToolchainsFile string // empty means the built-in table

	Backend         string
	RunTimeout      time.Duration
	BuildTimeout    time.Duration
	MaxConcurrent   int
	MaxOutputBytes  int64
	MemoryLimitMB   int64
	PIDsLimit       int64
	DockerPoolSize  int
	DockerCPUs      float64
	RunAsUID        *int // nil: run programs as the server's own user
	RunAsGID        *int
	CgroupRoot      string
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// Load reads the environment. Malformed values are errors rather than
// silently falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:            8080,
		DBPath:          "data/runner.db",
		LogLevel:        slog.LevelInfo,
		WorkspaceRoot:   filepath.Join(os.TempDir(), "code-runner"),
		Backend:         BackendProcess,
		RunTimeout:      5 * time.Second,
		BuildTimeout:    15 * time.Second,
		MaxConcurrent:   runtime.NumCPU(),
		MaxOutputBytes:  64 * 1024,
		MemoryLimitMB:   256,
		PIDsLimit:       64,
		DockerPoolSize:  2,
		DockerCPUs:      1,
		RateLimitRPS:    5,
		RateLimitBurst:  10,
		ShutdownTimeout: 30 * time.Second,
	}

	var errs []string
	check := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	check(intVar("PORT", &cfg.Port))
	stringVar("DB_PATH", &cfg.DBPath)
	check(levelVar("LOG_LEVEL", &cfg.LogLevel))
	stringVar("WORKSPACE_ROOT", &cfg.WorkspaceRoot)
	stringVar("TOOLCHAINS_FILE", &cfg.ToolchainsFile)
	stringVar("SANDBOX_BACKEND", &cfg.Backend)
	check(durationVar("RUN_TIMEOUT", &cfg.RunTimeout))
	check(durationVar("BUILD_TIMEOUT", &cfg.BuildTimeout))
	check(intVar("MAX_CONCURRENT_EXECUTIONS", &cfg.MaxConcurrent))
	check(int64Var("MAX_OUTPUT_BYTES", &cfg.MaxOutputBytes))
	check(int64Var("MEMORY_LIMIT_MB", &cfg.MemoryLimitMB))
	check(int64Var("PIDS_LIMIT", &cfg.PIDsLimit))
	check(intVar("DOCKER_POOL_SIZE", &cfg.DockerPoolSize))
	check(floatVar("DOCKER_CPUS", &cfg.DockerCPUs))
	check(optionalIntVar("RUN_AS_UID", &cfg.RunAsUID))
	check(optionalIntVar("RUN_AS_GID", &cfg.RunAsGID))
	stringVar("CGROUP_ROOT", &cfg.CgroupRoot)
	check(floatVar("RATE_LIMIT_RPS", &cfg.RateLimitRPS))
	check(intVar("RATE_LIMIT_BURST", &cfg.RateLimitBurst))
	check(durationVar("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout))

	if len(errs) == 0 {
		check(cfg.validate())
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendProcess, BackendDocker:
	default:
		return fmt.Errorf("SANDBOX_BACKEND must be %q or %q, got %q", BackendProcess, BackendDocker, c.Backend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d is out of range", c.Port)
	}
	if c.RunTimeout <= 0 || c.BuildTimeout <= 0 {
		return fmt.Errorf("RUN_TIMEOUT and BUILD_TIMEOUT must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_EXECUTIONS must be positive")
	}
	if (c.RunAsUID == nil) != (c.RunAsGID == nil) {
		return fmt.Errorf("RUN_AS_UID and RUN_AS_GID must be set together")
	}
	return nil
}

func stringVar(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func intVar(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v) // Atoi = ASCII to Integer
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func int64Var(key string, dst *int64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func optionalIntVar(key string, dst **int) error {
	var n int
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return nil
	}
	if err := intVar(key, &n); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%s: must not be negative", key)
	}
	*dst = &n
	return nil
}

func floatVar(key string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %q is not a number", key, v)
	}
	*dst = f
	return nil
}

// durationVar accepts Go durations ("5s", "1500ms") or bare milliseconds.
func durationVar(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a duration", key, v)
	}
	*dst = d
	return nil
}

func levelVar(key string, dst *slog.Level) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if err := dst.UnmarshalText([]byte(v)); err != nil {
		return fmt.Errorf("%s: %q is not a log level", key, v)
	}
	return nil
}
