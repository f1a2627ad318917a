package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/grenmap/grenmap-node/internal/collation"
	"github.com/grenmap/grenmap-node/internal/config"
	"github.com/grenmap/grenmap-node/internal/store"
)

// Open opens the Store named by cfg, seeds the default Rulesets when
// configured to, and builds a Pipeline over it with the configured lock
// backend. Close releases everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	closers := []func() error{s.Close}
	fail := func(err error) (*Pipeline, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	if cfg.Collation.SeedDefaults {
		created, err := collation.SeedDefaults(ctx, s)
		if err != nil {
			return fail(err)
		}
		if len(created) > 0 {
			logger.Info("default rulesets created", "rulesets", created)
		}
	}

	var locker Locker
	switch cfg.Lock.Backend {
	case config.LockRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:        cfg.Lock.RedisAddr,
			DialTimeout: 5 * time.Second,
		})
		closers = append(closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
		locker = NewRedisLocker(rdb, cfg.Lock.Key, time.Duration(cfg.Lock.TTL))
	default:
		locker = NewLocalLocker()
	}

	p := New(s,
		WithLocker(locker),
		WithLogger(logger),
		WithSettings(Settings{
			TestMode:    cfg.Import.TestMode,
			RunRulesets: cfg.Import.RunRulesets,
		}),
	)
	p.closers = closers
	return p, nil
}

// Store returns the Store the pipeline works on.
func (p *Pipeline) Store() *store.Store {
	return p.store
}

// Close releases the resources Open acquired.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
