package config

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed orgs.yaml
var defaultOrgsYAML []byte

// MaxOrgDepth bounds ancestry walks. Validation rejects deeper forests.
const MaxOrgDepth = 8

// OrgSpec is one organization entry in the hierarchy file
type OrgSpec struct {
	Key     string   `yaml:"key"`
	Title   string   `yaml:"title"`
	Domains []string `yaml:"domains"`
	Parents []string `yaml:"parents"`
}

type orgFile struct {
	Organizations []OrgSpec `yaml:"organizations"`
}

// OrgHierarchy is the immutable organization forest. Construct it with
// ParseOrgHierarchy or DefaultOrgHierarchy; it is safe for concurrent use.
type OrgHierarchy struct {
	order    []string
	titles   map[string]string
	parents  map[string][]string
	children map[string][]string
	domains  map[string]string
}

// DefaultOrgHierarchy returns the embedded hierarchy
func DefaultOrgHierarchy() (*OrgHierarchy, error) {
	return ParseOrgHierarchy(defaultOrgsYAML)
}

// ParseOrgHierarchy decodes and validates a YAML hierarchy
func ParseOrgHierarchy(data []byte) (*OrgHierarchy, error) {
	var file orgFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode hierarchy: %w", err)
	}
	return NewOrgHierarchy(file.Organizations)
}

// NewOrgHierarchy builds a hierarchy from specs. Keys are lower-cased. It fails
// on duplicate keys, unknown parents, cycles and forests deeper than MaxOrgDepth.
func NewOrgHierarchy(specs []OrgSpec) (*OrgHierarchy, error) {
	h := &OrgHierarchy{
		titles:   make(map[string]string, len(specs)),
		parents:  make(map[string][]string, len(specs)),
		children: make(map[string][]string),
		domains:  make(map[string]string),
	}

	for _, spec := range specs {
		key := strings.ToLower(strings.TrimSpace(spec.Key))
		if key == "" {
			return nil, fmt.Errorf("organization with empty key")
		}
		if _, dup := h.titles[key]; dup {
			return nil, fmt.Errorf("duplicate organization %q", key)
		}
		title := strings.TrimSpace(spec.Title)
		if title == "" {
			title = strings.ToUpper(key)
		}
		h.order = append(h.order, key)
		h.titles[key] = title

		for _, d := range spec.Domains {
			d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
			if owner, taken := h.domains[d]; taken {
				return nil, fmt.Errorf("domain %q claimed by both %q and %q", d, owner, key)
			}
			h.domains[d] = key
		}
	}

	for _, spec := range specs {
		key := strings.ToLower(strings.TrimSpace(spec.Key))
		for _, p := range spec.Parents {
			p = strings.ToLower(strings.TrimSpace(p))
			if _, ok := h.titles[p]; !ok {
				return nil, fmt.Errorf("organization %q has unknown parent %q", key, p)
			}
			if p == key {
				return nil, fmt.Errorf("organization %q is its own parent", key)
			}
			h.parents[key] = append(h.parents[key], p)
			h.children[p] = append(h.children[p], key)
		}
	}

	for _, key := range h.order {
		if d := h.depth(key, map[string]bool{}); d < 0 {
			return nil, fmt.Errorf("cycle through organization %q", key)
		} else if d > MaxOrgDepth {
			return nil, fmt.Errorf("organization %q is nested deeper than %d", key, MaxOrgDepth)
		}
	}

	return h, nil
}

// depth returns the longest parent chain above key, or -1 on a cycle.
func (h *OrgHierarchy) depth(key string, onPath map[string]bool) int {
	if onPath[key] {
		return -1
	}
	onPath[key] = true
	defer delete(onPath, key)

	longest := 0
	for _, p := range h.parents[key] {
		d := h.depth(p, onPath)
		if d < 0 {
			return -1
		}
		if d+1 > longest {
			longest = d + 1
		}
	}
	return longest
}

// Keys returns every organization key in declaration order
func (h *OrgHierarchy) Keys() []string {
	return append([]string(nil), h.order...)
}

// IsOrg reports whether key is a declared organization
func (h *OrgHierarchy) IsOrg(key string) bool {
	_, ok := h.titles[strings.ToLower(key)]
	return ok
}

// Title returns the canonical ArcGIS group title for key
func (h *OrgHierarchy) Title(key string) (string, bool) {
	t, ok := h.titles[strings.ToLower(key)]
	return t, ok
}

// Parents returns the immediate parents of key
func (h *OrgHierarchy) Parents(key string) []string {
	return append([]string(nil), h.parents[strings.ToLower(key)]...)
}

// Children returns the immediate children of key in declaration order
func (h *OrgHierarchy) Children(key string) []string {
	return append([]string(nil), h.children[strings.ToLower(key)]...)
}

// OrgForEmail maps an email address to the organization owning its domain.
// Subdomains match (ios.doi.gov belongs to doi); the most specific domain wins.
func (h *OrgHierarchy) OrgForEmail(email string) (string, bool) {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return "", false
	}
	domain := strings.ToLower(email[at+1:])

	for {
		if key, ok := h.domains[domain]; ok {
			return key, true
		}
		dot := strings.Index(domain, ".")
		if dot < 0 {
			return "", false
		}
		domain = domain[dot+1:]
	}
}
