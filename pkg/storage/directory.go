package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type groupDirectory struct {
	Titles []string `json:"Titles"`
}

// GetGroupDirectory returns the cached ArcGIS group titles. A missing cache
// is an empty directory, not an error.
func (s *Store) GetGroupDirectory(ctx context.Context) ([]string, error) {
	data, err := s.client.Get(ctx, groupDirectoryKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var dir groupDirectory
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("failed to unmarshal group directory: %w", err)
	}
	return dir.Titles, nil
}

// PutGroupDirectory replaces the cached ArcGIS group titles
func (s *Store) PutGroupDirectory(ctx context.Context, titles []string) error {
	if titles == nil {
		titles = []string{}
	}
	data, err := json.Marshal(groupDirectory{Titles: titles})
	if err != nil {
		return fmt.Errorf("failed to marshal group directory: %w", err)
	}
	return s.client.Set(ctx, groupDirectoryKey, data, 0).Err()
}

// PutUsernameEmail records the ArcGIS username for an email
func (s *Store) PutUsernameEmail(ctx context.Context, username, email string) error {
	err := s.client.HSet(ctx, key(usernamePrefix, username), "username", username, "user_email", email).Err()
	if err != nil {
		return fmt.Errorf("store username mapping: %w", err)
	}
	return nil
}

// GetEmailForUsername resolves a username, or ErrNotFound
func (s *Store) GetEmailForUsername(ctx context.Context, username string) (string, error) {
	email, err := s.client.HGet(ctx, key(usernamePrefix, username), "user_email").Result()
	if err == redis.Nil {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return email, nil
}

// DeleteUsername removes a username mapping
func (s *Store) DeleteUsername(ctx context.Context, username string) error {
	return s.client.Del(ctx, key(usernamePrefix, username)).Err()
}

func selectedGroupKey(email string) string {
	return fmt.Sprintf("user:%s:selected_group", email)
}

// SaveSelection records a self-selected group: a short-lived marker for the
// current login and the durable list applied at first group assignment.
func (s *Store) SaveSelection(ctx context.Context, email, group string, ttl time.Duration) error {
	data, err := json.Marshal([]string{group})
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, selectedGroupKey(email), group, ttl)
		pipe.HSet(ctx, key(selectedGroupsPrefix, email), "user_email", email, "user_groups", data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store selection: %w", err)
	}
	return nil
}

// GetSelectedGroups returns the durable selection for email without
// consuming it. No selection yields ErrNotFound.
func (s *Store) GetSelectedGroups(ctx context.Context, email string) ([]string, error) {
	data, err := s.client.HGet(ctx, key(selectedGroupsPrefix, email), "user_groups").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var groups []string
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal selected groups: %w", err)
	}
	return groups, nil
}

// ClearSelectedGroups drops the durable selection once it has been applied.
// The login marker is left to expire.
func (s *Store) ClearSelectedGroups(ctx context.Context, email string) error {
	return s.client.Del(ctx, key(selectedGroupsPrefix, email)).Err()
}

// DeleteSelectedGroups removes both selection records for email
func (s *Store) DeleteSelectedGroups(ctx context.Context, email string) error {
	return s.client.Del(ctx, key(selectedGroupsPrefix, email), selectedGroupKey(email)).Err()
}
