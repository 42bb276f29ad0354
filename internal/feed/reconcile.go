package feed

import (
	"sort"

	"github.com/hyperengineering/vigil/internal/types"
)

// Merge combines an authoritative snapshot with locally held entries.
// Authoritative entries win on id collisions; local entries the snapshot does
// not know about are kept. The result is ordered by CreatedAt descending,
// ties broken by id ascending, with no duplicate ids. Inputs are not modified.
func Merge(current, authoritative []types.Entity) []types.Entity {
	merged := make([]types.Entity, 0, len(authoritative)+len(current))
	seen := make(map[string]struct{}, len(authoritative)+len(current))

	for _, e := range authoritative {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	for _, e := range current {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return merged
}
