package changelog

import (
	"github.com/c360/threatdeck/pkg/timestamp"
	"github.com/c360/threatdeck/types"
)

// LatestByKey folds an unordered fact list into the most recent fact per
// key. A fact with an unparsable timestamp can never win a comparison, and
// the first fact seen for a key wins timestamp ties. This is the shared
// "most recent wins" rule used by entity materialization and the metrics
// rollup.
func LatestByKey(facts []types.EntityChange, keyFn func(types.EntityChange) string) map[string]types.EntityChange {
	latest := make(map[string]types.EntityChange)

	for _, fact := range facts {
		key := keyFn(fact)

		best, exists := latest[key]
		if !exists {
			latest[key] = fact
			continue
		}

		factTs := timestamp.Parse(fact.Timestamp)
		if factTs == 0 {
			// Unparsable timestamps lose every comparison
			continue
		}
		if factTs > timestamp.Parse(best.Timestamp) {
			latest[key] = fact
		}
	}

	return latest
}

// PropertyKey builds the per-entity-property fold key
func PropertyKey(fact types.EntityChange) string {
	return fact.EntityID + "\x00" + fact.PropertyName
}
