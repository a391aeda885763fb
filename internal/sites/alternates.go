// Package sites resolves relationships between configured sites.
package sites

import "sort"

// Alternates maps a site name to every other site name that exposes the
// same physical storage.
type Alternates map[string][]string

// ResolveAlternates computes the transitive, symmetric closure of declared
// alternate-site edges. Self references are ignored.
func ResolveAlternates(declared map[string][]string) Alternates {
	adjacency := make(map[string]map[string]struct{})
	link := func(a, b string) {
		if adjacency[a] == nil {
			adjacency[a] = make(map[string]struct{})
		}
		adjacency[a][b] = struct{}{}
	}

	for site, alts := range declared {
		if _, ok := adjacency[site]; !ok {
			adjacency[site] = make(map[string]struct{})
		}
		for _, alt := range alts {
			if alt == "" || alt == site {
				continue
			}
			link(site, alt)
			link(alt, site)
		}
	}

	resolved := make(Alternates, len(adjacency))
	for start := range adjacency {
		visited := map[string]bool{start: true}
		queue := []string{start}
		var reachable []string

		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			for next := range adjacency[node] {
				if visited[next] {
					continue
				}
				visited[next] = true
				reachable = append(reachable, next)
				queue = append(queue, next)
			}
		}

		sort.Strings(reachable)
		resolved[start] = reachable
	}
	return resolved
}

// For returns the alternates of site, or nil when it has none.
func (a Alternates) For(site string) []string {
	return a[site]
}

// Contains reports whether other is an alternate of site.
func (a Alternates) Contains(site, other string) bool {
	for _, alt := range a[site] {
		if alt == other {
			return true
		}
	}
	return false
}
