package lexical

import (
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// Index is an inverted index over one text field.
type Index interface {
	// Add indexes the tokens of a document, replacing any previous version.
	Add(key model.DocKey, tokens []string)
	// Delete removes a document from the index.
	Delete(key model.DocKey)
	// Search scores documents containing token under the given modifier.
	// Phrase modifiers are resolved by the caller.
	Search(token string, mod query.Modifier) map[model.DocKey]float32
	// Len returns the number of indexed documents.
	Len() int
}

// MatchToken reports whether an indexed term satisfies token under mod.
func MatchToken(term, token string, mod query.Modifier) bool {
	switch mod.Kind {
	case query.ModPrefix:
		return len(term) >= len(token) && term[:len(token)] == token
	case query.ModFuzzy:
		return WithinEditDistance(term, token, int(mod.Distance))
	default:
		return term == token
	}
}
