package groups

import (
	"github.com/geoplatform/arcgis-relay/pkg/config"
)

// ResolveAncestors returns every ancestor of org, nearest first: all
// immediate parents, then their parents, and so on up to the roots. Each
// ancestor appears once. The walk stops after config.MaxOrgDepth levels
// even if the hierarchy were cyclic.
func ResolveAncestors(orgs *config.OrgHierarchy, org string) []string {
	if orgs == nil || !orgs.IsOrg(org) {
		return nil
	}

	visited := map[string]bool{org: true}
	var ancestors []string
	level := []string{org}
	for depth := 0; depth < config.MaxOrgDepth && len(level) > 0; depth++ {
		var next []string
		for _, key := range level {
			for _, parent := range orgs.Parents(key) {
				if visited[parent] {
					continue
				}
				visited[parent] = true
				ancestors = append(ancestors, parent)
				next = append(next, parent)
			}
		}
		level = next
	}
	return ancestors
}

// WithAncestors returns org followed by ResolveAncestors(org)
func WithAncestors(orgs *config.OrgHierarchy, org string) []string {
	if orgs == nil || !orgs.IsOrg(org) {
		return nil
	}
	return append([]string{org}, ResolveAncestors(orgs, org)...)
}
