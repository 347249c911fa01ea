package query

import (
	"strconv"
	"strings"
)

// Field identifies the document attribute a leaf refers to.
type Field uint8

const (
	// FieldDefault matches name and content.
	FieldDefault Field = iota
	FieldName
	FieldPath
	FieldExt
	FieldContent
	FieldSize
	FieldModified
	FieldCreated
	FieldFlags
	FieldVolume
)

var fieldNames = [...]string{
	FieldDefault:  "default",
	FieldName:     "name",
	FieldPath:     "path",
	FieldExt:      "ext",
	FieldContent:  "content",
	FieldSize:     "size",
	FieldModified: "modified",
	FieldCreated:  "created",
	FieldFlags:    "flags",
	FieldVolume:   "volume",
}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return "field(" + strconv.Itoa(int(f)) + ")"
}

// ParseField resolves a field by its name.
func ParseField(s string) (Field, bool) {
	s = strings.ToLower(s)
	for i, n := range fieldNames {
		if n == s {
			return Field(i), true
		}
	}
	return 0, false
}

// Numeric reports whether the field holds an integer value usable in a Range.
func (f Field) Numeric() bool {
	switch f {
	case FieldSize, FieldModified, FieldCreated, FieldFlags, FieldVolume:
		return true
	}
	return false
}

// Textual reports whether the field is tokenized and scored.
func (f Field) Textual() bool {
	switch f {
	case FieldDefault, FieldName, FieldContent, FieldPath:
		return true
	}
	return false
}

// ModifierKind selects how a term value is matched.
type ModifierKind uint8

const (
	ModTerm ModifierKind = iota
	ModPhrase
	ModPrefix
	ModFuzzy
)

// Modifier is a term match mode. Distance is only meaningful for ModFuzzy.
type Modifier struct {
	Kind     ModifierKind
	Distance uint8
}

var (
	// Exact is the plain term modifier.
	Exact = Modifier{Kind: ModTerm}
	// Phrase matches consecutive tokens.
	Phrase = Modifier{Kind: ModPhrase}
	// Prefix matches tokens starting with the value.
	Prefix = Modifier{Kind: ModPrefix}
)

// Fuzzy returns a modifier matching tokens within edit distance n.
func Fuzzy(n uint8) Modifier {
	return Modifier{Kind: ModFuzzy, Distance: n}
}

func (m Modifier) String() string {
	switch m.Kind {
	case ModPhrase:
		return "phrase"
	case ModPrefix:
		return "prefix"
	case ModFuzzy:
		return "fuzzy" + strconv.Itoa(int(m.Distance))
	default:
		return "term"
	}
}

// RangeOp is a comparison operator of a Range leaf.
type RangeOp uint8

const (
	OpGt RangeOp = iota
	OpGe
	OpLt
	OpLe
	OpEq
	// OpBetween is inclusive on both ends.
	OpBetween
)

func (op RangeOp) String() string {
	switch op {
	case OpGt:
		return "gt"
	case OpGe:
		return "ge"
	case OpLt:
		return "lt"
	case OpLe:
		return "le"
	case OpEq:
		return "eq"
	case OpBetween:
		return "between"
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// Negate returns the complementary operator for single-bound operators.
// ok is false for Eq and Between which have no single-range complement.
func (op RangeOp) Negate() (RangeOp, bool) {
	switch op {
	case OpGt:
		return OpLe, true
	case OpGe:
		return OpLt, true
	case OpLt:
		return OpGe, true
	case OpLe:
		return OpGt, true
	}
	return op, false
}

// Expr is a node of the immutable query tree.
type Expr interface {
	// Key returns the canonical rendering of the node. Structurally equal
	// trees have equal keys.
	Key() string
	expr()
}

// Term matches a value in a field.
type Term struct {
	Field    Field
	Value    string
	Modifier Modifier
}

// Range compares a numeric field. Sizes are bytes, timestamps unix millis.
// Hi is only used by OpBetween.
type Range struct {
	Field Field
	Op    RangeOp
	Lo    int64
	Hi    int64
}

// Not negates its child.
type Not struct {
	Expr Expr
}

// And matches when every child matches.
type And struct {
	Exprs []Expr
}

// Or matches when any child matches.
type Or struct {
	Exprs []Expr
}

func (Term) expr()  {}
func (Range) expr() {}
func (Not) expr()   {}
func (And) expr()   {}
func (Or) expr()    {}

// Key implements Expr.
func (t Term) Key() string {
	return "T:" + t.Field.String() + ":" + t.Modifier.String() + ":" + strconv.Quote(t.Value)
}

// Key implements Expr.
func (r Range) Key() string {
	k := "R:" + r.Field.String() + ":" + r.Op.String() + ":" + strconv.FormatInt(r.Lo, 10)
	if r.Op == OpBetween {
		k += ":" + strconv.FormatInt(r.Hi, 10)
	}
	return k
}

// Key implements Expr.
func (n Not) Key() string {
	return "N(" + n.Expr.Key() + ")"
}

// Key implements Expr.
func (a And) Key() string { return joinKeys("A(", a.Exprs) }

// Key implements Expr.
func (o Or) Key() string { return joinKeys("O(", o.Exprs) }

func joinKeys(prefix string, exprs []Expr) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for i, e := range exprs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(e.Key())
	}
	sb.WriteByte(')')
	return sb.String()
}

// Match returns a plain term leaf.
func Match(field Field, value string) Term {
	return Term{Field: field, Value: value, Modifier: Exact}
}

// NewAnd returns the conjunction of exprs.
func NewAnd(exprs ...Expr) And { return And{Exprs: exprs} }

// NewOr returns the disjunction of exprs.
func NewOr(exprs ...Expr) Or { return Or{Exprs: exprs} }

// NewNot returns the negation of e.
func NewNot(e Expr) Not { return Not{Expr: e} }

// Compare returns a single-bound Range leaf.
func Compare(field Field, op RangeOp, v int64) Range {
	return Range{Field: field, Op: op, Lo: v}
}

// Between returns an inclusive Range leaf.
func Between(field Field, lo, hi int64) Range {
	return Range{Field: field, Op: OpBetween, Lo: lo, Hi: hi}
}

// Contains reports whether v satisfies the range.
func (r Range) Contains(v int64) bool {
	switch r.Op {
	case OpGt:
		return v > r.Lo
	case OpGe:
		return v >= r.Lo
	case OpLt:
		return v < r.Lo
	case OpLe:
		return v <= r.Lo
	case OpEq:
		return v == r.Lo
	case OpBetween:
		return v >= r.Lo && v <= r.Hi
	}
	return false
}

// Walk calls fn for e and each descendant in depth-first order.
// Returning false from fn skips the children of that node.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case Not:
		Walk(n.Expr, fn)
	case And:
		for _, c := range n.Exprs {
			Walk(c, fn)
		}
	case Or:
		for _, c := range n.Exprs {
			Walk(c, fn)
		}
	}
}
