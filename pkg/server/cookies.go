package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/identity"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
)

const (
	userInfoCookie = "userinfo"
	flowCookie     = "relay_flow"

	userInfoCookieTTL = time.Hour
	flowTTL           = 10 * time.Minute
	rateLimitWindow   = time.Minute
	codeTTL           = time.Hour
	pageSettingsTTL   = 24 * time.Hour
)

// flowTicket is what the browser carries between /auth and /callback. With
// shared state there is no stored flow and the nonce rides in the cookie.
type flowTicket struct {
	ID    string `json:"id,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

type cookieCodec struct {
	sc *securecookie.SecureCookie
}

func newCookieCodec(cfg config.CookieConfig) (*cookieCodec, error) {
	hashKey := []byte(cfg.HashKey)
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(64)
	}
	var blockKey []byte
	if cfg.BlockKey != "" {
		blockKey = []byte(cfg.BlockKey)
	} else {
		blockKey = securecookie.GenerateRandomKey(32)
	}
	if hashKey == nil || blockKey == nil {
		return nil, errors.New("generate cookie keys")
	}
	if n := len(blockKey); n != 16 && n != 24 && n != 32 {
		return nil, errors.New("COOKIE_BLOCK_KEY must be 16, 24 or 32 bytes")
	}

	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	sc.MaxAge(int(userInfoCookieTTL / time.Second))
	return &cookieCodec{sc: sc}, nil
}

func (c *cookieCodec) set(w http.ResponseWriter, name string, value interface{}, ttl time.Duration) error {
	encoded, err := c.sc.Encode(name, value)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (c *cookieCodec) get(r *http.Request, name string, dest interface{}) error {
	cookie, err := r.Cookie(name)
	if err != nil {
		return storage.ErrNotFound
	}
	return c.sc.Decode(name, cookie.Value, dest)
}

func (c *cookieCodec) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *cookieCodec) setUserInfo(w http.ResponseWriter, info identity.UserInfo) error {
	return c.set(w, userInfoCookie, info, userInfoCookieTTL)
}

func (c *cookieCodec) userInfo(r *http.Request) (identity.UserInfo, error) {
	var info identity.UserInfo
	if err := c.get(r, userInfoCookie, &info); err != nil {
		return identity.UserInfo{}, err
	}
	if info.Email == "" {
		return identity.UserInfo{}, storage.ErrNotFound
	}
	return info, nil
}
