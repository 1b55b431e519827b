package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/identity"
)

// setupStoreTest creates a miniredis instance and returns the store and cleanup function
func setupStoreTest(t *testing.T) (*Store, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client, err := NewRedisClient(context.Background(), config.RedisConfig{
		Server:  "redis://" + mr.Addr(),
		Timeout: time.Second,
	})
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	store := NewStore(client)
	cleanup := func() {
		store.Close()
		mr.Close()
	}
	return store, mr, cleanup
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisClient(context.Background(), config.RedisConfig{Server: "redis://" + addr, Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisOptions_HostForm(t *testing.T) {
	opts, err := redisOptions(config.RedisConfig{Server: "cache.internal", Port: 6379, TLS: true, Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6379", opts.Addr)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "cache.internal", opts.TLSConfig.ServerName)
	assert.Equal(t, 10*time.Second, opts.ReadTimeout)

	opts, err = redisOptions(config.RedisConfig{Server: "cache.internal", Port: 6380})
	require.NoError(t, err)
	assert.Nil(t, opts.TLSConfig)
	assert.Equal(t, 10*time.Second, opts.DialTimeout, "zero timeout falls back to 10s")

	_, err = redisOptions(config.RedisConfig{Server: "redis://:bad url"})
	assert.Error(t, err)
}

func TestStore_AuthCodeIsSingleUse(t *testing.T) {
	store, mr, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.PutAuthCode(ctx, "code-1", "token-1", time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("auth-code-to-access-token:code-1"))

	token, err := store.RedeemAuthCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	_, err = store.RedeemAuthCode(ctx, "code-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AuthCodeExpires(t *testing.T) {
	store, mr, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.PutAuthCode(ctx, "code-2", "token-2", time.Hour))
	mr.FastForward(time.Hour + time.Second)

	_, err := store.RedeemAuthCode(ctx, "code-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UserInfo(t *testing.T) {
	store, mr, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.GetUserInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	info := identity.UserInfo{
		Email:      "bob@epa.gov",
		GivenName:  "bob",
		FamilyName: "epa",
		Claims:     map[string]interface{}{"sub": "u-1"},
	}
	require.NoError(t, store.PutUserInfo(ctx, "tok", info, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("access-token-to-userinfo:tok"))

	got, err := store.GetUserInfo(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "bob@epa.gov", got.Email)
	assert.Equal(t, "bob", got.GivenName)
	assert.Equal(t, "u-1", got.Claims["sub"])
}

func TestStore_TokenResponse(t *testing.T) {
	store, mr, cleanup := setupStoreTest(t)
	defer cleanup()

	require.NoError(t, store.PutTokenResponse(context.Background(), "tok", []byte(`{"access_token":"tok"}`), time.Hour))
	val, err := mr.Get("access_token:tok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"tok"}`, val)
	assert.Equal(t, time.Hour, mr.TTL("access_token:tok"))
}

func TestStore_FlowIsSingleUse(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	require.NoError(t, store.PutFlow(ctx, "flow-1", Flow{State: "s", Nonce: "n", CreatedAt: now}, 10*time.Minute))

	flow, err := store.ConsumeFlow(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, Flow{State: "s", Nonce: "n", CreatedAt: now}, flow)

	_, err = store.ConsumeFlow(ctx, "flow-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AccessRecordRoundTrip(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.GetAccess(ctx, "jane@usda.gov")
	assert.ErrorIs(t, err, ErrNotFound)

	written, err := store.UpdateAccess(ctx, "jane@usda.gov", func(rec *identity.AccessRecord, exists bool) (bool, error) {
		assert.False(t, exists)
		rec.State = identity.AccessAllowed
		rec.HasSelectedGroup = true
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), written.Version)

	got, err := store.GetAccess(ctx, "jane@usda.gov")
	require.NoError(t, err)
	assert.Equal(t, identity.AccessAllowed, got.State)
	assert.True(t, got.HasSelectedGroup)
	assert.Equal(t, written, got)
}

func TestStore_UpdateAccessNoWrite(t *testing.T) {
	store, mr, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	rec, err := store.UpdateAccess(ctx, "x@epa.gov", func(rec *identity.AccessRecord, exists bool) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, identity.AccessRecord{}, rec)
	assert.False(t, mr.Exists("user-auth-access:x@epa.gov"))
}

func TestStore_UpdateAccessPropagatesMutatorError(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()

	boom := errors.New("boom")
	_, err := store.UpdateAccess(context.Background(), "x@epa.gov", func(rec *identity.AccessRecord, exists bool) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestStore_UpdateAccessRetriesOnConflict(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.UpdateAccess(ctx, "race@usda.gov", func(rec *identity.AccessRecord, exists bool) (bool, error) {
		rec.State = identity.AccessDisallowed
		return true, nil
	})
	require.NoError(t, err)

	calls := 0
	rec, err := store.UpdateAccess(ctx, "race@usda.gov", func(rec *identity.AccessRecord, exists bool) (bool, error) {
		calls++
		if calls == 1 {
			// A competing writer lands between our read and our EXEC.
			_, err := store.UpdateAccess(ctx, "race@usda.gov", func(other *identity.AccessRecord, _ bool) (bool, error) {
				other.PreviousGroup = "ars"
				return true, nil
			})
			require.NoError(t, err)
		}
		rec.State = identity.AccessAllowed
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, identity.AccessAllowed, rec.State)
	assert.Equal(t, "ars", rec.PreviousGroup, "retry must see the competing write")
	assert.Equal(t, int64(3), rec.Version)
}

func TestStore_UpdateAccessGivesUp(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	other := redis.NewClient(&redis.Options{Addr: store.Client().Options().Addr})
	defer other.Close()

	_, err := store.UpdateAccess(ctx, "hot@usda.gov", func(rec *identity.AccessRecord, exists bool) (bool, error) {
		require.NoError(t, other.HSet(ctx, "user-auth-access:hot@usda.gov", "user_email", "hot@usda.gov").Err())
		return true, nil
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_DeleteAccess(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	assert.NoError(t, store.DeleteAccess(ctx, "nobody@epa.gov"))

	_, err := store.UpdateAccess(ctx, "a@epa.gov", func(rec *identity.AccessRecord, exists bool) (bool, error) {
		rec.State = identity.AccessAllowed
		return true, nil
	})
	require.NoError(t, err)
	require.NoError(t, store.DeleteAccess(ctx, "a@epa.gov"))

	_, err = store.GetAccess(ctx, "a@epa.gov")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GroupDirectory(t *testing.T) {
	store, mr, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	titles, err := store.GetGroupDirectory(ctx)
	require.NoError(t, err)
	assert.Empty(t, titles)

	require.NoError(t, store.PutGroupDirectory(ctx, []string{"USDA", "ARS"}))
	raw, err := mr.Get("arcgis_groups")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Titles":["USDA","ARS"]}`, raw)

	titles, err = store.GetGroupDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"USDA", "ARS"}, titles)

	require.NoError(t, mr.Set("arcgis_groups", "not json"))
	_, err = store.GetGroupDirectory(ctx)
	assert.Error(t, err)
}

func TestStore_UsernameMapping(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.GetEmailForUsername(ctx, "jdoe")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutUsernameEmail(ctx, "jdoe", "jane@usda.gov"))
	email, err := store.GetEmailForUsername(ctx, "jdoe")
	require.NoError(t, err)
	assert.Equal(t, "jane@usda.gov", email)

	require.NoError(t, store.DeleteUsername(ctx, "jdoe"))
	require.NoError(t, store.DeleteUsername(ctx, "jdoe"))
	_, err = store.GetEmailForUsername(ctx, "jdoe")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Selection(t *testing.T) {
	store, mr, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.GetSelectedGroups(ctx, "jane@usda.gov")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveSelection(ctx, "jane@usda.gov", "ars", time.Hour))
	marker, err := mr.Get("user:jane@usda.gov:selected_group")
	require.NoError(t, err)
	assert.Equal(t, "ars", marker)
	assert.Equal(t, time.Hour, mr.TTL("user:jane@usda.gov:selected_group"))

	for i := 0; i < 2; i++ {
		groups, err := store.GetSelectedGroups(ctx, "jane@usda.gov")
		require.NoError(t, err)
		assert.Equal(t, []string{"ars"}, groups, "reading does not consume the selection")
	}

	require.NoError(t, store.ClearSelectedGroups(ctx, "jane@usda.gov"))
	_, err = store.GetSelectedGroups(ctx, "jane@usda.gov")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, mr.Exists("user:jane@usda.gov:selected_group"), "login marker expires on its own")

	require.NoError(t, store.DeleteSelectedGroups(ctx, "jane@usda.gov"))
	assert.False(t, mr.Exists("user:jane@usda.gov:selected_group"))
}

func TestStore_PageSettings(t *testing.T) {
	store, mr, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.GetPageSettings(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	want := PageSettings{RedirectDelay: 60 * time.Second, PublicURL: "https://gis.example.gov"}
	require.NoError(t, store.PutPageSettings(ctx, want, 24*time.Hour))
	assert.Equal(t, 24*time.Hour, mr.TTL("denial-page:settings"))

	got, err := store.GetPageSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
