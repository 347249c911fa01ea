// Package cache provides the LRU cache of filter candidate sets.
//
// A candidate set is the roaring bitmap of doc keys in one tier that satisfy
// the filter clauses of a plan. Entries are keyed by the plan's filter
// signature and the tier, and are only valid for the tier generation they
// were computed at; any commit makes them stale.
package cache
