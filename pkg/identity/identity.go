// Package identity holds the records that flow between the protocol bridge,
// the access decision engine and the credential store.
package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UserInfo is the normalized user record produced for one login attempt.
// Claims keeps every claim the identity provider returned so the downstream
// userinfo endpoint can pass them through.
type UserInfo struct {
	Email         string `json:"email"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Organizations string `json:"organizations,omitempty"`
	X509Subject   string `json:"x509_subject,omitempty"`

	Claims map[string]interface{} `json:"-"`
}

// OrganizationList splits Organizations back into its units.
func (u UserInfo) OrganizationList() []string {
	if u.Organizations == "" {
		return nil
	}
	parts := strings.Split(u.Organizations, ", ")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MarshalJSON merges the raw claims with the normalized fields. Normalized
// fields win on conflict.
func (u UserInfo) MarshalJSON() ([]byte, error) {
	merged := make(map[string]interface{}, len(u.Claims)+5)
	for k, v := range u.Claims {
		merged[k] = v
	}
	merged["email"] = u.Email
	setOrDelete(merged, "given_name", u.GivenName)
	setOrDelete(merged, "family_name", u.FamilyName)
	setOrDelete(merged, "organizations", u.Organizations)
	setOrDelete(merged, "x509_subject", u.X509Subject)
	return json.Marshal(merged)
}

func setOrDelete(m map[string]interface{}, key, value string) {
	if value == "" {
		delete(m, key)
		return
	}
	m[key] = value
}

// UnmarshalJSON restores both the normalized fields and the raw claims.
func (u *UserInfo) UnmarshalJSON(data []byte) error {
	var claims map[string]interface{}
	if err := json.Unmarshal(data, &claims); err != nil {
		return err
	}
	*u = UserInfoFromClaims(claims)
	return nil
}

// UserInfoFromClaims copies the well-known string claims into a UserInfo.
func UserInfoFromClaims(claims map[string]interface{}) UserInfo {
	str := func(key string) string {
		s, _ := claims[key].(string)
		return s
	}
	return UserInfo{
		Email:         str("email"),
		GivenName:     str("given_name"),
		FamilyName:    str("family_name"),
		Organizations: str("organizations"),
		X509Subject:   str("x509_subject"),
		Claims:        claims,
	}
}

// AccessState is the explicit tri-state of a user's disallowed flag.
type AccessState int

const (
	// AccessUnset means the record exists but no decision was ever stored.
	AccessUnset AccessState = iota
	AccessAllowed
	AccessDisallowed
)

func (s AccessState) String() string {
	switch s {
	case AccessAllowed:
		return "allowed"
	case AccessDisallowed:
		return "disallowed"
	default:
		return "unset"
	}
}

// ParseAccessState is the inverse of String.
func ParseAccessState(s string) (AccessState, error) {
	switch strings.ToLower(s) {
	case "allowed":
		return AccessAllowed, nil
	case "disallowed":
		return AccessDisallowed, nil
	case "unset", "":
		return AccessUnset, nil
	}
	return AccessUnset, fmt.Errorf("unknown access state %q", s)
}

// AccessRecord is the durable per-email access decision. Version increases
// on every write and backs optimistic updates.
type AccessRecord struct {
	State            AccessState
	HasSelectedGroup bool
	PreviousGroup    string
	Version          int64
}

type accessWire struct {
	IsDisallowed     *bool  `json:"is_disallowed,omitempty"`
	HasSelectedGroup bool   `json:"has_selected_group"`
	PreviousGroup    string `json:"disallowed_selected_group,omitempty"`
	Version          int64  `json:"version"`
}

// MarshalJSON encodes the tri-state as an optional is_disallowed boolean.
func (r AccessRecord) MarshalJSON() ([]byte, error) {
	w := accessWire{
		HasSelectedGroup: r.HasSelectedGroup,
		PreviousGroup:    r.PreviousGroup,
		Version:          r.Version,
	}
	switch r.State {
	case AccessAllowed:
		f := false
		w.IsDisallowed = &f
	case AccessDisallowed:
		t := true
		w.IsDisallowed = &t
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the optional is_disallowed boolean into the tri-state.
func (r *AccessRecord) UnmarshalJSON(data []byte) error {
	var w accessWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = AccessRecord{
		HasSelectedGroup: w.HasSelectedGroup,
		PreviousGroup:    w.PreviousGroup,
		Version:          w.Version,
	}
	switch {
	case w.IsDisallowed == nil:
		r.State = AccessUnset
	case *w.IsDisallowed:
		r.State = AccessDisallowed
	default:
		r.State = AccessAllowed
	}
	return nil
}
