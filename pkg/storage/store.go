package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/geoplatform/arcgis-relay/pkg/identity"
)

// Key prefixes. Records are stored under "{prefix}:{identifier}".
const (
	authCodePrefix       = "auth-code-to-access-token"
	userInfoPrefix       = "access-token-to-userinfo"
	tokenResponsePrefix  = "access_token"
	flowPrefix           = "oidc-flow"
	accessPrefix         = "user-auth-access"
	usernamePrefix       = "username-to-email"
	selectedGroupsPrefix = "user-email-to-user-groups"

	groupDirectoryKey = "arcgis_groups"
	pageSettingsKey   = "denial-page:settings"
)

const maxUpdateAttempts = 5

// Store is the Redis-backed credential store. It implements every store
// interface in this package.
type Store struct {
	client *redis.Client
}

var (
	_ TokenStore        = (*Store)(nil)
	_ FlowStore         = (*Store)(nil)
	_ AccessStore       = (*Store)(nil)
	_ DirectoryStore    = (*Store)(nil)
	_ PageSettingsStore = (*Store)(nil)
)

// NewStore wraps an existing client
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client returns the underlying client for components that need raw access
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

func key(prefix, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}

// PutAuthCode stores code→token for ttl
func (s *Store) PutAuthCode(ctx context.Context, code, accessToken string, ttl time.Duration) error {
	k := key(authCodePrefix, code)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "auth_code", code, "access_token", accessToken)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store auth code: %w", err)
	}
	return nil
}

// RedeemAuthCode reads and deletes the code atomically
func (s *Store) RedeemAuthCode(ctx context.Context, code string) (string, error) {
	k := key(authCodePrefix, code)

	var get *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, k, "access_token")
		pipe.Del(ctx, k)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("redeem auth code: %w", err)
	}
	return get.Val(), nil
}

// PutUserInfo stores token→userinfo for ttl
func (s *Store) PutUserInfo(ctx context.Context, accessToken string, info identity.UserInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal userinfo: %w", err)
	}

	k := key(userInfoPrefix, accessToken)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "access_token", accessToken, "userinfo", data)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store userinfo: %w", err)
	}
	return nil
}

// GetUserInfo returns the userinfo stored for an access token
func (s *Store) GetUserInfo(ctx context.Context, accessToken string) (identity.UserInfo, error) {
	data, err := s.client.HGet(ctx, key(userInfoPrefix, accessToken), "userinfo").Bytes()
	if err == redis.Nil {
		return identity.UserInfo{}, ErrNotFound
	} else if err != nil {
		return identity.UserInfo{}, fmt.Errorf("redis get failed: %w", err)
	}

	var info identity.UserInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return identity.UserInfo{}, fmt.Errorf("failed to unmarshal userinfo: %w", err)
	}
	return info, nil
}

// PutTokenResponse keeps the raw upstream token response for ttl
func (s *Store) PutTokenResponse(ctx context.Context, accessToken string, raw []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key(tokenResponsePrefix, accessToken), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store token response: %w", err)
	}
	return nil
}

// PutFlow stores a pending authorization flow
func (s *Store) PutFlow(ctx context.Context, id string, flow Flow, ttl time.Duration) error {
	k := key(flowPrefix, id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			"state", flow.State,
			"nonce", flow.Nonce,
			"created_at", flow.CreatedAt.Unix(),
		)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store flow: %w", err)
	}
	return nil
}

// ConsumeFlow reads and deletes a flow atomically
func (s *Store) ConsumeFlow(ctx context.Context, id string) (Flow, error) {
	k := key(flowPrefix, id)

	var get *redis.StringStringMapCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGetAll(ctx, k)
		pipe.Del(ctx, k)
		return nil
	})
	if err != nil {
		return Flow{}, fmt.Errorf("consume flow: %w", err)
	}

	fields := get.Val()
	if len(fields) == 0 {
		return Flow{}, ErrNotFound
	}

	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return Flow{
		State:     fields["state"],
		Nonce:     fields["nonce"],
		CreatedAt: time.Unix(created, 0),
	}, nil
}

// GetPageSettings returns the cached denial page settings
func (s *Store) GetPageSettings(ctx context.Context) (PageSettings, error) {
	fields, err := s.client.HGetAll(ctx, pageSettingsKey).Result()
	if err != nil {
		return PageSettings{}, fmt.Errorf("redis get failed: %w", err)
	}
	if len(fields) == 0 {
		return PageSettings{}, ErrNotFound
	}

	seconds, err := strconv.Atoi(fields["redirect_delay_seconds"])
	if err != nil {
		return PageSettings{}, ErrNotFound
	}
	return PageSettings{
		RedirectDelay: time.Duration(seconds) * time.Second,
		PublicURL:     fields["public_url"],
	}, nil
}

// PutPageSettings caches the denial page settings for ttl
func (s *Store) PutPageSettings(ctx context.Context, settings PageSettings, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, pageSettingsKey,
			"redirect_delay_seconds", int(settings.RedirectDelay/time.Second),
			"public_url", settings.PublicURL,
		)
		pipe.Expire(ctx, pageSettingsKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store page settings: %w", err)
	}
	return nil
}
