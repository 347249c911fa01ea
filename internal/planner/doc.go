// Package planner turns query trees into executable tier plans.
//
// Planning runs in three pure steps:
//
//  1. Normalize: canonical tree (flattened, De Morgan, sorted, deduplicated)
//  2. Classify: fast-field filter clauses vs. the scoring clause
//  3. BuildPlan: tier selection from the date range and archive flag
//
// Filter clauses are cached by Signature, so two queries with the same
// structure share candidate sets.
package planner
