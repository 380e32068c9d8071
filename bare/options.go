package bare

import (
	"go.uber.org/zap"

	"github.com/caffeineduck/barego/native"
)

// Options configures a runtime at setup.
type Options = native.Options

// Memory limit constants for convenience.
const (
	MemoryLimit64MB  uint64 = 64 << 20
	MemoryLimit256MB uint64 = 256 << 20
	MemoryLimit1GB   uint64 = 1 << 30
)

// DefaultProgramName is argv[0] when no arguments are given.
const DefaultProgramName = "bare"

// DefaultOptions returns version 0 with a 1 GiB memory limit.
func DefaultOptions() Options {
	return Options{
		Version:     0,
		MemoryLimit: MemoryLimit1GB,
	}
}

// InstanceOption configures an Instance at creation time.
type InstanceOption func(*instanceConfig)

type instanceConfig struct {
	logger *zap.Logger
}

func defaultInstanceConfig() instanceConfig {
	return instanceConfig{}
}

// WithInstanceLogger overrides the package logger for one instance.
func WithInstanceLogger(l *zap.Logger) InstanceOption {
	return func(c *instanceConfig) {
		c.logger = l
	}
}
