package idp

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

var (
	// ErrMissingUserInfo means the userinfo endpoint returned no claims
	ErrMissingUserInfo = errors.New("Error: Userinfo missing")
	// ErrMissingEmail means the claims carried no email address
	ErrMissingEmail = errors.New("Error: Userinfo missing email")
	// ErrInvalidTokenResponse means the token endpoint returned unparseable JSON
	ErrInvalidTokenResponse = errors.New("Error: Invalid token response format")
	// ErrMissingAccessToken means the token response had no access_token
	ErrMissingAccessToken = errors.New("Error: Missing access token in response")
	// ErrNonceMismatch means the ID token was issued for a different flow
	ErrNonceMismatch = errors.New("Error: ID token nonce mismatch")
)

const maxDetailLen = 256

// UpstreamError is a failed call to the identity provider. Error() is safe to
// show to users; Body holds the raw response for logs only.
type UpstreamError struct {
	Op     string
	Status int
	Detail string
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Error: Failed to exchange %s - %s", e.Op, e.Detail)
}

// HTTPStatus maps any bridge error to the status returned to the browser.
func HTTPStatus(err error) int {
	var upstream *UpstreamError
	switch {
	case errors.As(err, &upstream):
		if upstream.Status >= 400 {
			return upstream.Status
		}
		return http.StatusBadGateway
	case errors.Is(err, ErrMissingUserInfo), errors.Is(err, ErrMissingEmail), errors.Is(err, ErrNonceMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text shown to the browser for err. Unknown errors
// collapse to a generic message.
func PublicMessage(err error) string {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Error()
	}
	for _, known := range []error{
		ErrMissingUserInfo, ErrMissingEmail, ErrInvalidTokenResponse,
		ErrMissingAccessToken, ErrNonceMismatch,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "Error: Login failed"
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
