// Package query defines the search expression tree.
//
// A query is an immutable tree of Term, Range, Not, And and Or nodes. Every
// node renders a canonical Key used for ordering and filter signatures.
//
// Example:
//
//	q := query.NewAnd(
//	    query.Compare(query.FieldSize, query.OpGt, 1<<20),
//	    query.Term{Field: query.FieldName, Value: "report", Modifier: query.Phrase},
//	)
//
// Parse accepts the equivalent text form:
//
//	size:>1MB AND name:"report"
package query
