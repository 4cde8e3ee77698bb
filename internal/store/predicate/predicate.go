// Package predicate implements the small query language used to select
// records from the store:
//
//	bus='mybus.com' and (channel='a' or channel='b') and id > '2012...'
//
// Comparisons are string comparisons. The field id always names the record
// ID; any other field names an attribute, and a comparison against an
// attribute the record does not carry is false.
//
// A predicate compiles to an expr program for its shape, with the quoted
// values bound at run time, so predicates that differ only in their values
// share one cached program.
package predicate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrSyntax = errors.New("predicate syntax error")

// IDField names the record ID in a predicate.
const IDField = "id"

// CacheSize bounds the number of compiled program shapes kept in memory.
const CacheSize = 512

// Env is the evaluation environment exposed to compiled programs.
type Env struct {
	ID    string            `expr:"id"`
	Attrs map[string]string `expr:"attrs"`
	Vals  []string          `expr:"vals"`
}

var programs = mustCache(CacheSize)

func mustCache(size int) *lru.Cache[string, *vm.Program] {
	c, err := lru.New[string, *vm.Program](size)
	if err != nil {
		panic(err)
	}
	return c
}

type Predicate struct {
	src     string
	root    node
	vals    []string
	program *vm.Program
}

// Compile parses src and returns a reusable predicate. An empty (or blank)
// source yields a predicate that matches every record.
func Compile(src string) (*Predicate, error) {
	p := &Predicate{src: src}
	if strings.TrimSpace(src) == "" {
		return p, nil
	}
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	shape := render(root, &p.vals)
	program, ok := programs.Get(shape)
	if !ok {
		program, err = expr.Compile(shape, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		programs.Add(shape, program)
	}
	p.root, p.program = root, program
	return p, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Predicate {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Predicate) String() string { return p.src }

// Match evaluates the predicate against a record.
func (p *Predicate) Match(id string, attrs map[string]string) (bool, error) {
	if p.program == nil {
		return true, nil
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	out, err := expr.Run(p.program, Env{ID: id, Attrs: attrs, Vals: p.vals})
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

// OpIn is the Condition operator for a field equal to any of several values.
const OpIn = "in"

// Condition is a top-level conjunct comparing one field with literal values.
// Op is one of = != > >= < <= or OpIn.
type Condition struct {
	Field  string
	Op     string
	Values []string
}

// Conditions returns the top-level conjuncts of p that compare a field
// accepted by indexed. An or-group of equalities on one field becomes an
// OpIn condition. exact reports whether the conditions are the whole
// predicate; otherwise they select a superset of its matches.
func (p *Predicate) Conditions(indexed func(field string) bool) (conds []Condition, exact bool) {
	if p.root == nil {
		return nil, true
	}
	exact = true
	for _, n := range conjuncts(p.root) {
		c, ok := condition(n)
		if !ok || !indexed(c.Field) {
			exact = false
			continue
		}
		conds = append(conds, c)
	}
	return conds, exact
}

func conjuncts(n node) []node {
	if l, ok := n.(*logical); ok && l.and {
		return append(conjuncts(l.left), conjuncts(l.right)...)
	}
	return []node{n}
}

func condition(n node) (Condition, bool) {
	switch n := n.(type) {
	case *compare:
		return Condition{Field: n.field, Op: n.op, Values: []string{n.value}}, true
	case *logical:
		if n.and {
			return Condition{}, false
		}
		l, ok := condition(n.left)
		if !ok || (l.Op != "=" && l.Op != OpIn) {
			return Condition{}, false
		}
		r, ok := condition(n.right)
		if !ok || (r.Op != "=" && r.Op != OpIn) || r.Field != l.Field {
			return Condition{}, false
		}
		return Condition{Field: l.Field, Op: OpIn, Values: append(l.Values, r.Values...)}, true
	}
	return Condition{}, false
}

// Quote renders value as a single-quoted literal, doubling embedded quotes.
func Quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// Field renders a field name, back-quoting it when it is not a bare word.
func Field(name string) string {
	if isBareWord(name) && !isKeyword(name) {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

// Eq renders field='value'.
func Eq(field, value string) string {
	return Field(field) + "=" + Quote(value)
}

// Gt renders field > 'value'.
func Gt(field, value string) string {
	return Field(field) + " > " + Quote(value)
}

// And joins non-empty clauses with "and", parenthesising each.
func And(clauses ...string) string {
	var parts []string
	for _, c := range clauses {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	for i, c := range parts {
		parts[i] = "(" + c + ")"
	}
	return strings.Join(parts, " and ")
}

// Or joins non-empty clauses with "or".
func Or(clauses ...string) string {
	var parts []string
	for _, c := range clauses {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " or ")
}

// ---- parsing ----

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokField
	tokString
	tokOp
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(src) {
				if src[i] == '\'' {
					if i+1 < len(src) && src[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrSyntax, start)
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: start})
		case c == '`':
			start := i
			end := strings.IndexByte(src[i+1:], '`')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated field name at %d", ErrSyntax, start)
			}
			toks = append(toks, token{kind: tokField, text: src[i+1 : i+1+end], pos: start})
			i += end + 2
		case c == '=' || c == '!' || c == '<' || c == '>':
			op, ok := lexOperator(src[i:])
			if !ok {
				return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, c, i)
			}
			toks = append(toks, token{kind: tokOp, text: op.norm, pos: i})
			i += op.width
		case isWordStart(rune(c)):
			start := i
			for i < len(src) && isWordPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, token{kind: tokAnd, text: word, pos: start})
			case "or":
				toks = append(toks, token{kind: tokOr, text: word, pos: start})
			case "not":
				toks = append(toks, token{kind: tokNot, text: word, pos: start})
			default:
				toks = append(toks, token{kind: tokField, text: word, pos: start})
			}
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrSyntax, c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

type operator struct {
	norm  string
	width int
}

func lexOperator(s string) (operator, bool) {
	for _, op := range []struct{ lit, norm string }{
		{"<>", "!="}, {"!=", "!="}, {">=", ">="}, {"<=", "<="}, {"==", "="},
		{"=", "="}, {">", ">"}, {"<", "<"},
	} {
		if strings.HasPrefix(s, op.lit) {
			return operator{norm: op.norm, width: len(op.lit)}, true
		}
	}
	return operator{}, false
}

type node interface{ node() }

type compare struct {
	field, op, value string
}

type logical struct {
	and         bool
	left, right node
}

type negate struct {
	inner node
}

func (*compare) node() {}
func (*logical) node() {}
func (*negate) node()  {}

// render writes the expr source for n, appending literal values to vals.
func render(n node, vals *[]string) string {
	switch n := n.(type) {
	case *logical:
		op := " || "
		if n.and {
			op = " && "
		}
		return "(" + render(n.left, vals) + op + render(n.right, vals) + ")"
	case *negate:
		return "!" + render(n.inner, vals)
	case *compare:
		op := n.op
		if op == "=" {
			op = "=="
		}
		v := fmt.Sprintf("vals[%d]", len(*vals))
		*vals = append(*vals, n.value)
		if n.field == IDField {
			return fmt.Sprintf("(id %s %s)", op, v)
		}
		key := strconv.Quote(n.field)
		return fmt.Sprintf("(%s in attrs && attrs[%s] %s %s)", key, key, op, v)
	}
	panic(fmt.Sprintf("predicate: unknown node %T", n))
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return root, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logical{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logical{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch t := p.peek(); t.kind {
	case tokNot:
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negate{inner: inner}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ')' at %d", ErrSyntax, c.pos)
		}
		return inner, nil
	default:
		return p.parseComparison()
	}
}

func (p *parser) parseComparison() (node, error) {
	f := p.next()
	if f.kind != tokField || f.text == "" {
		return nil, fmt.Errorf("%w: expected field name at %d", ErrSyntax, f.pos)
	}
	op := p.next()
	if op.kind != tokOp {
		return nil, fmt.Errorf("%w: expected comparison operator at %d", ErrSyntax, op.pos)
	}
	v := p.next()
	if v.kind != tokString {
		return nil, fmt.Errorf("%w: expected quoted value at %d", ErrSyntax, v.pos)
	}
	return &compare{field: f.text, op: op.text, value: v.text}, nil
}

func isWordStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isWordPart(r rune) bool {
	return r == '_' || r == '.' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isBareWord(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !isWordStart(r) {
			return false
		}
		if !isWordPart(r) {
			return false
		}
	}
	return true
}

func isKeyword(s string) bool {
	switch strings.ToLower(s) {
	case "and", "or", "not":
		return true
	}
	return false
}
