package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/geoplatform/arcgis-relay/pkg/identity"
)

// GetAccess returns the access record for email, or ErrNotFound
func (s *Store) GetAccess(ctx context.Context, email string) (identity.AccessRecord, error) {
	rec, exists, err := readAccess(ctx, s.client, email)
	if err != nil {
		return identity.AccessRecord{}, err
	}
	if !exists {
		return identity.AccessRecord{}, ErrNotFound
	}
	return rec, nil
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func readAccess(ctx context.Context, c hashGetter, email string) (identity.AccessRecord, bool, error) {
	data, err := c.HGet(ctx, key(accessPrefix, email), "auth_access").Bytes()
	if err == redis.Nil {
		return identity.AccessRecord{}, false, nil
	} else if err != nil {
		return identity.AccessRecord{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var rec identity.AccessRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return identity.AccessRecord{}, false, fmt.Errorf("failed to unmarshal access record: %w", err)
	}
	return rec, true, nil
}

// UpdateAccess runs fn against the current record inside WATCH/MULTI. If
// another writer touches the record first the transaction is retried with a
// fresh read. The version is bumped on every write.
func (s *Store) UpdateAccess(ctx context.Context, email string, fn AccessMutator) (identity.AccessRecord, error) {
	k := key(accessPrefix, email)
	var result identity.AccessRecord

	txf := func(tx *redis.Tx) error {
		rec, exists, err := readAccess(ctx, tx, email)
		if err != nil {
			return err
		}

		write, err := fn(&rec, exists)
		if err != nil {
			return err
		}
		if !write {
			result = rec
			return nil
		}

		rec.Version++
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal access record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "user_email", email, "auth_access", data)
			return nil
		})
		if err == nil {
			result = rec
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return identity.AccessRecord{}, err
	}

	return identity.AccessRecord{}, fmt.Errorf("update access for %s: %w", email, ErrConflict)
}

// DeleteAccess removes the access record. Missing records are not an error.
func (s *Store) DeleteAccess(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, key(accessPrefix, email)).Err(); err != nil {
		return fmt.Errorf("delete access record: %w", err)
	}
	return nil
}
