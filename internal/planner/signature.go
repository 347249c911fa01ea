package planner

import (
	"github.com/cespare/xxhash/v2"
)

// Signature hashes the canonical keys of a sorted filter list. Structurally
// equal filter lists produce the same signature in every process. An empty
// list hashes to zero.
func Signature(filters []FilterClause) uint64 {
	if len(filters) == 0 {
		return 0
	}
	d := xxhash.New()
	for _, f := range filters {
		_, _ = d.WriteString(f.Key())
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
