package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrSyntax is returned for malformed query text.
var ErrSyntax = errors.New("query: syntax error")

type tokenKind uint8

const (
	tokWord tokenKind = iota
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		default:
			start := i
			var sb strings.Builder
			for i < len(rs) && !unicode.IsSpace(rs[i]) && rs[i] != '(' && rs[i] != ')' {
				if rs[i] == '"' {
					sb.WriteRune('"')
					i++
					for i < len(rs) && rs[i] != '"' {
						sb.WriteRune(rs[i])
						i++
					}
					if i >= len(rs) {
						return nil, fmt.Errorf("%w: unterminated quote at %d", ErrSyntax, start)
					}
				}
				sb.WriteRune(rs[i])
				i++
			}
			toks = append(toks, token{kind: tokWord, text: sb.String(), pos: start})
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(rs)})
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

// Parse parses query text into an expression tree.
//
// Grammar:
//
//	expr   := and ("OR" and)*
//	and    := unary (["AND"] unary)*
//	unary  := ("NOT" | "-") unary | "(" expr ")" | atom
//	atom   := [field ":"] value
//
// Values: "phrase", prefix*, term~N, >N, >=N, <N, <=N, =N, a..b.
// Size values accept KB/MB/GB suffixes; date fields accept YYYY-MM-DD.
func Parse(s string) (Expr, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("%w: empty query", ErrSyntax)
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func isKeyword(t token, kw string) bool {
	return t.kind == tokWord && t.text == kw
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{first}
	for isKeyword(p.peek(), "OR") {
		p.next()
		e, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	if len(exprs) == 1 {
		return first, nil
	}
	return Or{Exprs: exprs}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{first}
	for {
		t := p.peek()
		if t.kind == tokEOF || t.kind == tokRParen || isKeyword(t, "OR") {
			break
		}
		if isKeyword(t, "AND") {
			p.next()
		}
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	if len(exprs) == 1 {
		return first, nil
	}
	return And{Exprs: exprs}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	t := p.peek()
	switch {
	case isKeyword(t, "NOT"):
		p.next()
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Expr: e}, nil
	case t.kind == tokWord && len(t.text) > 1 && t.text[0] == '-':
		p.next()
		e, err := parseAtom(t.text[1:], t.pos+1)
		if err != nil {
			return nil, err
		}
		return Not{Expr: e}, nil
	case t.kind == tokLParen:
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ) for ( at %d", ErrSyntax, t.pos)
		}
		p.next()
		return e, nil
	case t.kind == tokWord:
		p.next()
		return parseAtom(t.text, t.pos)
	}
	return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
}

func parseAtom(text string, pos int) (Expr, error) {
	field := FieldDefault
	value := text
	if i := strings.IndexByte(text, ':'); i > 0 && !strings.HasPrefix(text, `"`) {
		if f, ok := ParseField(text[:i]); ok {
			field = f
			value = text[i+1:]
		}
	}
	if value == "" {
		return nil, fmt.Errorf("%w: empty value at %d", ErrSyntax, pos)
	}
	if field.Numeric() {
		r, err := parseRange(field, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s at %d", ErrSyntax, err.Error(), pos)
		}
		return r, nil
	}
	return parseTerm(field, value, pos)
}

func parseTerm(field Field, value string, pos int) (Expr, error) {
	switch {
	case len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"':
		v := value[1 : len(value)-1]
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: empty phrase at %d", ErrSyntax, pos)
		}
		if !strings.ContainsFunc(v, unicode.IsSpace) {
			return Term{Field: field, Value: v, Modifier: Exact}, nil
		}
		return Term{Field: field, Value: v, Modifier: Phrase}, nil
	case len(value) > 1 && strings.HasSuffix(value, "*"):
		return Term{Field: field, Value: strings.TrimSuffix(value, "*"), Modifier: Prefix}, nil
	case strings.Contains(value, "~"):
		i := strings.LastIndexByte(value, '~')
		dist := uint8(1)
		if rest := value[i+1:]; rest != "" {
			n, err := strconv.ParseUint(rest, 10, 8)
			if err != nil || n > 2 {
				return nil, fmt.Errorf("%w: invalid fuzzy distance %q at %d", ErrSyntax, rest, pos)
			}
			dist = uint8(n)
		}
		if i == 0 {
			return nil, fmt.Errorf("%w: empty fuzzy term at %d", ErrSyntax, pos)
		}
		return Term{Field: field, Value: value[:i], Modifier: Fuzzy(dist)}, nil
	}
	if field == FieldExt {
		value = strings.TrimPrefix(strings.ToLower(value), ".")
	}
	return Term{Field: field, Value: value, Modifier: Exact}, nil
}

func parseRange(field Field, value string) (Range, error) {
	if lo, hi, ok := strings.Cut(value, ".."); ok {
		l, err := parseNumber(field, lo)
		if err != nil {
			return Range{}, err
		}
		h, err := parseNumber(field, hi)
		if err != nil {
			return Range{}, err
		}
		if h < l {
			return Range{}, fmt.Errorf("inverted range %q", value)
		}
		return Between(field, l, h), nil
	}

	op := OpEq
	for _, c := range []struct {
		prefix string
		op     RangeOp
	}{{">=", OpGe}, {"<=", OpLe}, {">", OpGt}, {"<", OpLt}, {"=", OpEq}} {
		if strings.HasPrefix(value, c.prefix) {
			op = c.op
			value = value[len(c.prefix):]
			break
		}
	}
	n, err := parseNumber(field, value)
	if err != nil {
		return Range{}, err
	}
	return Compare(field, op, n), nil
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

func parseNumber(field Field, s string) (int64, error) {
	if s == "" {
		return 0, errors.New("missing number")
	}
	switch field {
	case FieldSize:
		up := strings.ToUpper(s)
		for _, u := range sizeUnits {
			if strings.HasSuffix(up, u.suffix) {
				f, err := strconv.ParseFloat(strings.TrimSpace(up[:len(up)-len(u.suffix)]), 64)
				if err != nil {
					return 0, fmt.Errorf("invalid size %q", s)
				}
				return int64(f * float64(u.mult)), nil
			}
		}
	case FieldModified, FieldCreated:
		if t, err := time.Parse(time.DateOnly, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}
