package idp

import (
	"strings"

	"github.com/geoplatform/arcgis-relay/pkg/identity"
)

// Normalize turns raw userinfo claims into the relay's user record.
//
// A certificate subject, when present, supplies the names and organizations.
// Otherwise given_name and family_name are kept if the provider sent them and
// fall back to the email local part and the second-level domain label.
func Normalize(claims map[string]interface{}) (identity.UserInfo, error) {
	if len(claims) == 0 {
		return identity.UserInfo{}, ErrMissingUserInfo
	}

	info := identity.UserInfoFromClaims(claims)
	info.Email = strings.TrimSpace(info.Email)
	if info.Email == "" || !strings.Contains(info.Email, "@") {
		return identity.UserInfo{}, ErrMissingEmail
	}

	if info.X509Subject != "" {
		if x, ok := ParseX509Subject(info.X509Subject); ok {
			info.GivenName = x.GivenName
			info.FamilyName = x.FamilyName
			info.Organizations = x.Organizations()
			return info, nil
		}
	}

	local, domain, _ := strings.Cut(info.Email, "@")
	if _, ok := claims["given_name"]; !ok {
		info.GivenName = local
	}
	if _, ok := claims["family_name"]; !ok {
		info.FamilyName = secondLevelLabel(domain)
	}
	return info, nil
}

func secondLevelLabel(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return domain
	}
	return labels[len(labels)-2]
}
