package lexical

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// MaxLogTokenBytes is the longest token the log analyzer keeps.
const MaxLogTokenBytes = 255

var reIdentifier = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)

// Tokenize splits text into lowercase index tokens using the given analyzer.
func Tokenize(a model.Analyzer, text string) []string {
	switch a {
	case model.AnalyzerCode:
		return tokenizeCode(text)
	case model.AnalyzerLog:
		return tokenizeLog(text)
	default:
		return tokenizeStandard(text)
	}
}

// TokenizeField tokenizes text for a metadata or content field. Name and path
// always use the standard analyzer.
func TokenizeField(field query.Field, a model.Analyzer, text string) []string {
	if field == query.FieldContent {
		return Tokenize(a, text)
	}
	return tokenizeStandard(text)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func tokenizeStandard(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool { return !isWordRune(r) })
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// tokenizeCode emits each identifier followed by its camelCase and
// snake_case parts.
func tokenizeCode(text string) []string {
	ids := reIdentifier.FindAllString(text, -1)
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		tokens = append(tokens, strings.ToLower(id))
		parts := splitIdentifier(id)
		if len(parts) > 1 {
			tokens = append(tokens, parts...)
		}
	}
	return tokens
}

func splitIdentifier(id string) []string {
	var parts []string
	for _, seg := range strings.Split(id, "_") {
		if seg == "" {
			continue
		}
		rs := []rune(seg)
		start := 0
		for i := 1; i < len(rs); i++ {
			lowerToUpper := unicode.IsLower(rs[i-1]) && unicode.IsUpper(rs[i])
			// "HTTPServer" splits before the last upper of an acronym.
			acronymEnd := unicode.IsUpper(rs[i-1]) && unicode.IsUpper(rs[i]) && i+1 < len(rs) && unicode.IsLower(rs[i+1])
			digitEdge := unicode.IsDigit(rs[i-1]) != unicode.IsDigit(rs[i])
			if lowerToUpper || acronymEnd || digitEdge {
				parts = append(parts, strings.ToLower(string(rs[start:i])))
				start = i
			}
		}
		parts = append(parts, strings.ToLower(string(rs[start:])))
	}
	return parts
}

func tokenizeLog(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !isWordRune(r) && r != '_'
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > MaxLogTokenBytes {
			continue
		}
		tokens = append(tokens, strings.ToLower(f))
	}
	return tokens
}

// ContainsPhrase reports whether phrase occurs as consecutive tokens.
func ContainsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// WithinEditDistance reports whether the Levenshtein distance of a and b is
// at most limit.
func WithinEditDistance(a, b string, limit int) bool {
	ra, rb := []rune(a), []rune(b)
	if d := len(ra) - len(rb); d > limit || -d > limit {
		return false
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, cur[j])
		}
		if rowMin > limit {
			return false
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)] <= limit
}
