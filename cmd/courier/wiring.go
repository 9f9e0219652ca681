package main

import (
	"context"
	"fmt"
	"path/filepath"

	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/health"
	"courier/internal/store/filestore"
	"courier/internal/store/memstore"
	"courier/internal/store/pebblestore"
	"courier/internal/store/pgstore"
	"courier/internal/store/redisstore"
	"courier/internal/transport/objectstore"
	"courier/internal/transport/webhook"

	"github.com/redis/go-redis/v9"
)

// openedStore is a configured store plus its lifecycle hooks.
type openedStore struct {
	delivery.Store
	check health.CheckFunc // nil when there is nothing to check
	close func() error
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*openedStore, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case config.StoreMemory:
		return &openedStore{Store: memstore.New(), close: noop}, nil

	case config.StoreFile:
		s, err := filestore.New(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return &openedStore{Store: s, close: noop}, nil

	case config.StorePebble:
		s, err := pebblestore.Open(pebblestore.Options{
			DataDir: filepath.Join(cfg.Dir, "pebble"),
			NoSync:  cfg.PebbleNoSync,
		})
		if err != nil {
			return nil, err
		}
		return &openedStore{Store: s, close: s.Close}, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s := redisstore.New(client, cfg.RedisPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return &openedStore{Store: s, check: health.Ping(s), close: client.Close}, nil

	case config.StorePostgres:
		s, err := pgstore.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return &openedStore{Store: s, check: health.Ping(s), close: func() error {
			s.Close()
			return nil
		}}, nil
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}

func newTransport(ctx context.Context, cfg *config.ServiceConfig) (delivery.Transport, error) {
	switch cfg.Sink {
	case config.SinkWebhook:
		return webhook.New(cfg.WebhookTransportConfig()), nil
	case config.SinkS3:
		oc := cfg.ObjectStoreConfig()
		client, err := objectstore.NewClient(ctx, oc)
		if err != nil {
			return nil, err
		}
		return objectstore.New(client, oc)
	}
	return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
}
