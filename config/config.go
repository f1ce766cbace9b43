// Package config loads the environment-variable surface that selects and
// credentials a deployment's storage and queue backends, and registers the
// built-in backends (local sqlite+memqueue, mysql+redis) those variables can
// select. The engine itself is wired entirely through functional options
// (engine.Option, store constructors); this package only turns env vars into
// the arguments those constructors want.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the parsed form of the core environment variable subset.
type Config struct {
	// TargetWorld selects the backend: "local", a built-in cloud name
	// registered via RegisterBackend, or an external module specifier another
	// package registered under that same name at init time.
	TargetWorld string

	// LocalDataDir is the filesystem root the "local" backend uses for its
	// sqlite file and any on-disk queue state.
	LocalDataDir string

	// VercelToken and VercelProjectID carry WORKFLOW_VERCEL_* credentials
	// through to whichever backend factory needs them; the config package
	// itself never dials out with them.
	VercelToken     string
	VercelProjectID string

	// MySQLDSN and RedisAddr configure the "mysql-redis" built-in backend:
	// a MySQLStore for events/runs/steps/hooks and a RedisQueue for dispatch.
	MySQLDSN  string
	RedisAddr string

	// WorkerConcurrency overrides engine.WithWorkerConcurrency's default when
	// set. Zero means "use the engine's own default."
	WorkerConcurrency int
}

const (
	envTargetWorld       = "WORKFLOW_TARGET_WORLD"
	envLocalDataDir      = "WORKFLOW_LOCAL_DATA_DIR"
	envVercelToken       = "WORKFLOW_VERCEL_TOKEN"
	envVercelProjectID   = "WORKFLOW_VERCEL_PROJECT_ID"
	envMySQLDSN          = "WORKFLOW_MYSQL_DSN"
	envRedisAddr         = "WORKFLOW_REDIS_ADDR"
	envWorkerConcurrency = "WORKFLOW_WORKER_CONCURRENCY"
)

// defaultLocalDataDir is used when WORKFLOW_LOCAL_DATA_DIR is unset,
// whatever TargetWorld is.
const defaultLocalDataDir = "./workflow-data"

// Load reads the process environment into a Config. TargetWorld defaults to
// "local" when unset, matching a zero-config dev run against the filesystem
// backend.
func Load() (Config, error) {
	cfg := Config{
		TargetWorld:     firstNonEmpty(os.Getenv(envTargetWorld), "local"),
		LocalDataDir:    firstNonEmpty(os.Getenv(envLocalDataDir), defaultLocalDataDir),
		VercelToken:     os.Getenv(envVercelToken),
		VercelProjectID: os.Getenv(envVercelProjectID),
		MySQLDSN:        os.Getenv(envMySQLDSN),
		RedisAddr:       os.Getenv(envRedisAddr),
	}

	if raw := os.Getenv(envWorkerConcurrency); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s=%q: %w", envWorkerConcurrency, raw, err)
		}
		if n < 1 {
			return Config{}, fmt.Errorf("config: %s must be >= 1, got %d", envWorkerConcurrency, n)
		}
		cfg.WorkerConcurrency = n
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
