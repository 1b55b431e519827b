package idp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseX509Subject(t *testing.T) {
	tests := []struct {
		name       string
		subject    string
		wantOK     bool
		wantGiven  string
		wantFamily string
		wantOrgs   string
	}{
		{
			name:       "plus delimited with org units",
			subject:    "CN=Doe, Jane+OU=Forest Service,OU=USDA",
			wantOK:     true,
			wantGiven:  "Doe",
			wantFamily: "Jane",
			wantOrgs:   "Forest Service, USDA",
		},
		{
			name:       "parenthesized suffix removed and title-cased",
			subject:    "CN=JANE Q DOE (AFFILIATE)+OU=DOI",
			wantOK:     true,
			wantGiven:  "Jane",
			wantFamily: "Q Doe",
			wantOrgs:   "DOI",
		},
		{
			name:       "comma delimited",
			subject:    "CN=john smith,OU=Agricultural Research Service,O=U.S. Government",
			wantOK:     true,
			wantGiven:  "John",
			wantFamily: "Smith",
			wantOrgs:   "Agricultural Research Service",
		},
		{
			name:       "slash delimited",
			subject:    "/C=US/O=U.S. Government/CN=mary jones",
			wantOK:     true,
			wantGiven:  "Mary",
			wantFamily: "Jones",
		},
		{
			name:       "single token name",
			subject:    "CN=prince",
			wantOK:     true,
			wantGiven:  "Prince",
			wantFamily: "",
		},
		{
			name:     "no common name",
			subject:  "OU=USDA,O=U.S. Government",
			wantOK:   false,
			wantOrgs: "USDA",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseX509Subject(tt.subject)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantGiven, got.GivenName)
			assert.Equal(t, tt.wantFamily, got.FamilyName)
			assert.Equal(t, tt.wantOrgs, got.Organizations())
		})
	}
}
