package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/geoplatform/arcgis-relay/pkg/config"
)

// NewRedisClient connects to the credential store and verifies the connection.
// Server may be a bare host (combined with Port and TLS) or a redis:// or
// rediss:// URL.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if strings.HasPrefix(cfg.Server, "redis://") || strings.HasPrefix(cfg.Server, "rediss://") {
		parsed, err := redis.ParseURL(cfg.Server)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr: net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.Port)),
			DB:   cfg.DB,
		}
		if cfg.TLS {
			opts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: cfg.Server,
			}
		}
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.PoolTimeout = timeout + time.Second
	opts.IdleCheckFrequency = 30 * time.Second

	return opts, nil
}
