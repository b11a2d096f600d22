package history

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// History owns the durable store and the in-process analysis cache. It is an
// idle service: no loop of its own, it only manages the store lifecycle.
type History struct {
	services.Service

	cfg    Config
	store  Store
	cache  *AnalysisCache
	logger log.Logger
}

func New(cfg Config, logger log.Logger) (*History, error) {
	var (
		store Store
		err   error
	)
	if cfg.DSN == "" {
		level.Warn(logger).Log("msg", "no dsn configured, anomaly history will not survive restarts")
		store = NewMemoryStore()
	} else {
		store, err = newPostgresStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	cache, err := NewAnalysisCache(cfg.AnalysisCacheSize)
	if err != nil {
		return nil, err
	}

	h := &History{
		cfg:    cfg,
		store:  store,
		cache:  cache,
		logger: logger,
	}
	h.Service = services.NewIdleService(h.starting, h.stopping)
	return h, nil
}

// starting probes the store once. An unreachable database is logged, not
// fatal; detection keeps running in memory and persists fail individually.
func (h *History) starting(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		level.Warn(h.logger).Log("msg", "history store unreachable", "err", err)
	}
	return nil
}

func (h *History) stopping(_ error) error {
	return h.store.Close()
}

// Store exposes the durable store to the other modules.
func (h *History) Store() Store {
	return h.store
}

// Cache exposes the analysis cache.
func (h *History) Cache() *AnalysisCache {
	return h.cache
}
