// Package lexical provides text analysis and the inverted index contract
// shared by the in-memory delta and the disk tiers.
//
// # Analyzers
//
//   - Standard: lowercase runs of letters and digits
//   - Code: identifiers, plus their camelCase and snake_case parts
//   - Log: simple tokenizer, lowercase, tokens over 255 bytes dropped
//
// Name and path fields always use the standard analyzer.
//
// The bm25 subpackage provides scoring and an in-memory Index:
//
//	idx := bm25.New()
//	idx.Add(key, lexical.Tokenize(model.AnalyzerStandard, "quarterly report"))
//	scores := idx.Search("report", query.Exact)
package lexical
