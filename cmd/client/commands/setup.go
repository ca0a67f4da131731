package commands

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"go.uber.org/multierr"

	"e2e_sync/internal/config"
	"e2e_sync/internal/remote"
	"e2e_sync/internal/repository/local"
	"e2e_sync/internal/repository/memory"
	"e2e_sync/internal/repository/state"
	"e2e_sync/internal/service/engine"
	"e2e_sync/internal/service/outbox"
	redisSvc "e2e_sync/internal/service/redis"
	"e2e_sync/internal/service/session"
	"e2e_sync/internal/utils/log"
)

// openStore opens the configured local store. close releases it.
func openStore(ctx context.Context, c *config.Client, userID string) (engine.LocalStore, func() error, error) {
	switch c.SessionBackend {
	case config.BackendBadger:
		if c.Passphrase == "" {
			return nil, nil, fmt.Errorf("a passphrase is required for the %s store (-p)", c.SessionBackend)
		}
		s, err := local.Open(local.Options{
			Dir:          filepath.Join(c.DataDir, userID),
			Passphrase:   c.Passphrase,
			MinFreeBytes: c.MinFreeBytes(),
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendRedis:
		if c.Passphrase == "" {
			return nil, nil, fmt.Errorf("a passphrase is required for the %s store (-p)", c.SessionBackend)
		}
		rdb, err := redisSvc.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		svc := redisSvc.NewRedis(rdb)
		s, err := state.Unlock(ctx, svc, userID, c.Passphrase)
		if err != nil {
			return nil, nil, multierr.Append(err, svc.Close())
		}
		return s, svc.Close, nil

	default:
		log.Warn("memory store: identity and queued messages are lost on exit")
		return memory.NewStore(), func() error { return nil }, nil
	}
}

func engineOptions(c *config.Client, userID string) engine.Options {
	return engine.Options{
		UserID:               userID,
		OneTimePreKeyCount:   c.OneTimePreKeyCount,
		SignedPreKeyRotation: c.SignedPreKeyRotation,
		PageSize:             c.PageSize,
		Session: session.Options{
			RequireOneTimePreKey: c.RequireOneTimePreKey,
			MaxSkip:              c.MaxSkip,
			RequestTimeout:       c.RequestTimeout,
		},
		Outbox: outbox.Options{
			BaseDelay:                c.Outbox.BaseDelay,
			MaxDelay:                 c.Outbox.MaxDelay,
			MaxAttempts:              c.Outbox.MaxAttempts,
			FlushInterval:            c.Outbox.FlushInterval,
			RequestTimeout:           c.RequestTimeout,
			AllowUnencryptedFallback: c.Outbox.AllowUnencryptedFallback,
		},
	}
}

// startEngine opens the store and starts an engine against the configured
// server. stop shuts both down.
func startEngine(ctx context.Context) (*engine.Engine, func() error, error) {
	c := &cfg.Client
	store, closeStore, err := openStore(ctx, c, username)
	if err != nil {
		return nil, nil, err
	}

	client, err := remote.NewClient(c.ServerURL, &http.Client{Timeout: c.RequestTimeout})
	if err != nil {
		return nil, nil, multierr.Append(err, closeStore())
	}
	bridge, err := remote.NewBridge(c.ServerURL, username)
	if err != nil {
		return nil, nil, multierr.Append(err, closeStore())
	}

	eng := engine.New(engineOptions(c, username), store, client, client, bridge)
	if err := eng.Start(ctx); err != nil {
		return nil, nil, multierr.Append(err, closeStore())
	}
	stop := func() error {
		err := multierr.Combine(eng.Stop(), closeStore())
		_ = log.Sync()
		return err
	}
	return eng, stop, nil
}
