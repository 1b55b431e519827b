package storage

import (
	"context"
	"errors"
	"time"

	"github.com/geoplatform/arcgis-relay/pkg/identity"
)

var (
	// ErrNotFound is returned when a record is absent or expired
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic update keeps losing races
	ErrConflict = errors.New("concurrent update conflict")
)

// Flow is the server-side half of one upstream authorization redirect
type Flow struct {
	State     string
	Nonce     string
	CreatedAt time.Time
}

// AccessMutator inspects the current record and reports whether it changed.
// exists is false when no record is stored; rec is then the zero value.
type AccessMutator func(rec *identity.AccessRecord, exists bool) (write bool, err error)

// TokenStore holds the relay's own code→token→userinfo correlation records
type TokenStore interface {
	PutAuthCode(ctx context.Context, code, accessToken string, ttl time.Duration) error
	// RedeemAuthCode returns the token and deletes the code in one step.
	RedeemAuthCode(ctx context.Context, code string) (string, error)
	PutUserInfo(ctx context.Context, accessToken string, info identity.UserInfo, ttl time.Duration) error
	GetUserInfo(ctx context.Context, accessToken string) (identity.UserInfo, error)
	PutTokenResponse(ctx context.Context, accessToken string, raw []byte, ttl time.Duration) error
}

// FlowStore holds per-flow OIDC state and nonce values
type FlowStore interface {
	PutFlow(ctx context.Context, id string, flow Flow, ttl time.Duration) error
	// ConsumeFlow returns the flow and deletes it; a second call gets ErrNotFound.
	ConsumeFlow(ctx context.Context, id string) (Flow, error)
}

// AccessStore persists durable per-email access records
type AccessStore interface {
	GetAccess(ctx context.Context, email string) (identity.AccessRecord, error)
	// UpdateAccess applies fn under an optimistic lock and retries on conflict.
	UpdateAccess(ctx context.Context, email string, fn AccessMutator) (identity.AccessRecord, error)
	DeleteAccess(ctx context.Context, email string) error
}

// DirectoryStore holds the ArcGIS-facing directory data
type DirectoryStore interface {
	GetGroupDirectory(ctx context.Context) ([]string, error)
	PutGroupDirectory(ctx context.Context, titles []string) error

	PutUsernameEmail(ctx context.Context, username, email string) error
	GetEmailForUsername(ctx context.Context, username string) (string, error)
	DeleteUsername(ctx context.Context, username string) error

	SaveSelection(ctx context.Context, email, group string, ttl time.Duration) error
	GetSelectedGroups(ctx context.Context, email string) ([]string, error)
	ClearSelectedGroups(ctx context.Context, email string) error
	DeleteSelectedGroups(ctx context.Context, email string) error
}

// PageSettings are the cached denial page parameters
type PageSettings struct {
	RedirectDelay time.Duration
	PublicURL     string
}

// PageSettingsStore caches the denial page parameters
type PageSettingsStore interface {
	GetPageSettings(ctx context.Context) (PageSettings, error)
	PutPageSettings(ctx context.Context, settings PageSettings, ttl time.Duration) error
}
