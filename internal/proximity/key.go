package proximity

import (
	"sort"
	"strings"
)

// CanonicalKey derives the identity of a proximity room from its membership.
// The key is the sorted member ids joined with "|", so any two observers that
// agree on membership derive the same room id without coordination.
//
// Precondition: ids must be non-empty.
// Postcondition: Returns the same key for any permutation of the same ids.
func CanonicalKey(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
