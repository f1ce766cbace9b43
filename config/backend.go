package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/durable/queue"
	"github.com/flowforge/durable/store"
)

// Backend is one fully constructed storage+queue pair, ready to hand to
// engine.New via WithStore/WithQueue.
type Backend struct {
	Store store.Store
	Queue queue.Queue
}

// BackendFactory builds a Backend from a Config. Factories are registered by
// TargetWorld name; this is the "build-time registration (map of name ->
// factory)" form of external-module loading described for statically
// compiled targets — there is no runtime plugin loader here.
type BackendFactory func(cfg Config) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend associates name with factory. Call from an init() in the
// package that implements an external backend, before config.Build runs.
// Registering the same name twice overwrites the earlier factory.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

func lookupBackend(name string) (BackendFactory, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	f, ok := backends[name]
	return f, ok
}

func init() {
	RegisterBackend("local", newLocalBackend)
	RegisterBackend("mysql-redis", newMySQLRedisBackend)
}

// newLocalBackend is the zero-config dev backend: a sqlite file under
// LocalDataDir and an in-process MemQueue. Nothing here talks to a network.
func newLocalBackend(cfg Config) (Backend, error) {
	if err := os.MkdirAll(cfg.LocalDataDir, 0o755); err != nil {
		return Backend{}, fmt.Errorf("config: local backend: %w", err)
	}
	dbPath := filepath.Join(cfg.LocalDataDir, "workflow.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return Backend{}, fmt.Errorf("config: local backend: %w", err)
	}
	return Backend{Store: s, Queue: queue.NewMemQueue(time.Hour)}, nil
}

// newMySQLRedisBackend is the self-hosted production backend: a MySQLStore
// for the event log and a RedisQueue for dispatch, both reached over the
// network rather than the local filesystem newLocalBackend uses.
func newMySQLRedisBackend(cfg Config) (Backend, error) {
	if cfg.MySQLDSN == "" {
		return Backend{}, fmt.Errorf("config: mysql-redis backend: %s is required", envMySQLDSN)
	}
	if cfg.RedisAddr == "" {
		return Backend{}, fmt.Errorf("config: mysql-redis backend: %s is required", envRedisAddr)
	}

	s, err := store.NewMySQLStore(cfg.MySQLDSN)
	if err != nil {
		return Backend{}, fmt.Errorf("config: mysql-redis backend: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	q, err := queue.NewRedisQueue(queue.RedisQueueOptions{Client: rdb})
	if err != nil {
		s.Close()
		return Backend{}, fmt.Errorf("config: mysql-redis backend: %w", err)
	}

	return Backend{Store: s, Queue: q}, nil
}

// Build resolves cfg.TargetWorld to a registered BackendFactory and invokes
// it. Unknown names are reported by name so a caller relying on an external
// backend package's init() knows the import was missing, not that the name
// was mistyped against a hardcoded list.
func Build(cfg Config) (Backend, error) {
	factory, ok := lookupBackend(cfg.TargetWorld)
	if !ok {
		return Backend{}, fmt.Errorf("config: no backend registered for %s=%q (forgot to import its package?)", envTargetWorld, cfg.TargetWorld)
	}
	return factory(cfg)
}
