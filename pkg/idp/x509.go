package idp

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Candidate separators between distinguished-name components, in priority order.
var dnDelimiters = []string{"+", ",", ";", "/"}

var (
	parenthesized = regexp.MustCompile(`\(.*\)`)
	orgUnitRE     = regexp.MustCompile(`OU=([^,]+)`)
)

// X509Identity is what can be recovered from a certificate subject
type X509Identity struct {
	Name       string
	GivenName  string
	FamilyName string
	OrgUnits   []string
}

// Organizations joins the organizational units for display
func (x X509Identity) Organizations() string {
	return strings.Join(x.OrgUnits, ", ")
}

// ParseX509Subject extracts the display name and organizational units from a
// subject such as "CN=Doe, Jane (uid123)+OU=Forest Service,OU=USDA".
//
// The component delimiter is the first of + , ; / present in the subject. The
// CN runs up to that delimiter, loses any parenthesized suffix and is
// title-cased. The given name is the first space-separated token and the
// family name the remainder, each cut at the first , ; or +. ok is false when
// the subject has no CN.
func ParseX509Subject(subject string) (id X509Identity, ok bool) {
	for _, m := range orgUnitRE.FindAllStringSubmatch(subject, -1) {
		id.OrgUnits = append(id.OrgUnits, strings.TrimSpace(m[1]))
	}

	idx := strings.Index(subject, "CN=")
	if idx < 0 {
		return id, false
	}
	cn := subject[idx+len("CN="):]
	for _, d := range dnDelimiters {
		if strings.Contains(subject, d) {
			if end := strings.Index(cn, d); end >= 0 {
				cn = cn[:end]
			}
			break
		}
	}

	name := strings.TrimSpace(parenthesized.ReplaceAllString(cn, ""))
	if name == "" {
		return id, false
	}
	name = cases.Title(language.Und).String(name)
	id.Name = name

	first, rest, _ := strings.Cut(name, " ")
	id.GivenName = cutAtSeparators(first)
	id.FamilyName = cutAtSeparators(rest)
	return id, true
}

func cutAtSeparators(s string) string {
	if i := strings.IndexAny(s, ",;+"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
