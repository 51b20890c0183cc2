package layer

import (
	"fmt"
	"strconv"
	"strings"
)

// The in-memory provider evaluates the attribute-expression dialect the OGR
// backend emits: quoted field references, numeric and string literals,
// comparison operators, IN lists, NOT, and AND/OR with parentheses. Spatial
// functions are not part of this dialect; spatial work happens in the
// backends before an attribute expression is produced.

type exprNode interface {
	eval(f Feature) (bool, error)
}

type binaryNode struct {
	op          string // "AND" / "OR"
	left, right exprNode
}

func (n *binaryNode) eval(f Feature) (bool, error) {
	l, err := n.left.eval(f)
	if err != nil {
		return false, err
	}
	if n.op == "AND" && !l {
		return false, nil
	}
	if n.op == "OR" && l {
		return true, nil
	}
	return n.right.eval(f)
}

type notNode struct{ inner exprNode }

func (n *notNode) eval(f Feature) (bool, error) {
	v, err := n.inner.eval(f)
	return !v, err
}

type boolNode struct{ value bool }

func (n *boolNode) eval(Feature) (bool, error) { return n.value, nil }

type compareNode struct {
	op          string
	left, right operand
}

type inNode struct {
	field  operand
	values []operand
	negate bool
}

type operand struct {
	field   string // non-empty for field references
	literal interface{}
}

func (o operand) value(f Feature) interface{} {
	if o.field != "" {
		return f.Attribute(o.field)
	}
	return o.literal
}

func (n *compareNode) eval(f Feature) (bool, error) {
	l := n.left.value(f)
	r := n.right.value(f)
	cmp, comparable := compareValues(l, r)
	if !comparable {
		// NULL or mixed types never match, mirroring SQL semantics.
		return n.op == "!=" && l != nil && r != nil, nil
	}
	switch n.op {
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("layer: unknown comparison %q", n.op)
}

func (n *inNode) eval(f Feature) (bool, error) {
	fv := n.field.value(f)
	if fv == nil {
		return false, nil
	}
	for _, cand := range n.values {
		if cmp, ok := compareValues(fv, cand.value(f)); ok && cmp == 0 {
			return !n.negate, nil
		}
	}
	return n.negate, nil
}

// compareValues compares two attribute values numerically when both coerce
// to float64, otherwise as strings when both are strings.
func compareValues(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ---- parser ----

type exprParser struct {
	tokens []token
	pos    int
}

type token struct {
	kind string // "field", "string", "number", "op", "lparen", "rparen", "comma", "word"
	text string
}

// parseExpression parses the subset-expression dialect. Returns an error for
// anything the in-memory provider cannot evaluate, which callers surface as
// a rejected subset string.
func parseExpression(expr string) (exprNode, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("layer: trailing input after expression: %q", p.tokens[p.pos].text)
	}
	return node, nil
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchWord("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "OR", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.matchWord("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "AND", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if p.matchWord("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	if p.match("lparen") {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.match("rparen") {
			return nil, fmt.Errorf("layer: missing closing parenthesis")
		}
		return inner, nil
	}
	if p.matchWord("TRUE") {
		return &boolNode{value: true}, nil
	}
	if p.matchWord("FALSE") {
		return &boolNode{value: false}, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	negate := false
	if p.matchWord("NOT") {
		negate = true
	}
	if p.matchWord("IN") {
		return p.parseInList(left, negate)
	}
	if negate {
		return nil, fmt.Errorf("layer: NOT without IN after operand")
	}

	tok, ok := p.next("op")
	if !ok {
		return nil, fmt.Errorf("layer: expected comparison operator")
	}
	op := tok.text
	if op == "<>" {
		op = "!="
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: op, left: left, right: right}, nil
}

func (p *exprParser) parseInList(field operand, negate bool) (exprNode, error) {
	if !p.match("lparen") {
		return nil, fmt.Errorf("layer: expected ( after IN")
	}
	node := &inNode{field: field, negate: negate}
	for {
		val, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		node.values = append(node.values, val)
		if p.match("comma") {
			continue
		}
		if p.match("rparen") {
			return node, nil
		}
		return nil, fmt.Errorf("layer: malformed IN list")
	}
}

func (p *exprParser) parseOperand() (operand, error) {
	if p.pos >= len(p.tokens) {
		return operand{}, fmt.Errorf("layer: unexpected end of expression")
	}
	tok := p.tokens[p.pos]
	switch tok.kind {
	case "field":
		p.pos++
		return operand{field: tok.text}, nil
	case "string":
		p.pos++
		return operand{literal: tok.text}, nil
	case "number":
		p.pos++
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("layer: bad number %q: %w", tok.text, err)
		}
		return operand{literal: f}, nil
	case "word":
		// Bare words act as field references for providers that do not
		// require quoting.
		p.pos++
		return operand{field: tok.text}, nil
	}
	return operand{}, fmt.Errorf("layer: unexpected token %q", tok.text)
}

func (p *exprParser) match(kind string) bool {
	if p.pos < len(p.tokens) && p.tokens[p.pos].kind == kind {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) matchWord(word string) bool {
	if p.pos < len(p.tokens) && p.tokens[p.pos].kind == "word" &&
		strings.EqualFold(p.tokens[p.pos].text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) next(kind string) (token, bool) {
	if p.pos < len(p.tokens) && p.tokens[p.pos].kind == kind {
		tok := p.tokens[p.pos]
		p.pos++
		return tok, true
	}
	return token{}, false
}

// scanQuoted reads a quoted run starting just after the opening quote,
// unescaping doubled quotes the way SQL escapers emit them. Returns the
// unescaped text and the index past the closing quote, or -1 when the run
// never terminates.
func scanQuoted(expr string, start int, quote byte) (string, int) {
	var b strings.Builder
	for i := start; i < len(expr); i++ {
		if expr[i] != quote {
			b.WriteByte(expr[i])
			continue
		}
		if i+1 < len(expr) && expr[i+1] == quote {
			b.WriteByte(quote)
			i++
			continue
		}
		return b.String(), i + 1
	}
	return "", -1
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: "lparen", text: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: "rparen", text: ")"})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: "comma", text: ","})
			i++
		case c == '"':
			text, next := scanQuoted(expr, i+1, '"')
			if next < 0 {
				return nil, fmt.Errorf("layer: unterminated quoted identifier")
			}
			tokens = append(tokens, token{kind: "field", text: text})
			i = next
		case c == '\'':
			text, next := scanQuoted(expr, i+1, '\'')
			if next < 0 {
				return nil, fmt.Errorf("layer: unterminated string literal")
			}
			tokens = append(tokens, token{kind: "string", text: text})
			i = next
		case c == '<':
			if i+1 < len(expr) && (expr[i+1] == '=' || expr[i+1] == '>') {
				tokens = append(tokens, token{kind: "op", text: expr[i : i+2]})
				i += 2
			} else {
				tokens = append(tokens, token{kind: "op", text: "<"})
				i++
			}
		case c == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: "op", text: ">="})
				i += 2
			} else {
				tokens = append(tokens, token{kind: "op", text: ">"})
				i++
			}
		case c == '=':
			tokens = append(tokens, token{kind: "op", text: "="})
			i++
		case c == '!':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: "op", text: "!="})
				i += 2
			} else {
				return nil, fmt.Errorf("layer: unexpected character '!'")
			}
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(expr) && (expr[j] == '.' || (expr[j] >= '0' && expr[j] <= '9')) {
				j++
			}
			tokens = append(tokens, token{kind: "number", text: expr[i:j]})
			i = j
		case isWordChar(c):
			j := i + 1
			for j < len(expr) && isWordChar(expr[j]) {
				j++
			}
			tokens = append(tokens, token{kind: "word", text: expr[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("layer: unexpected character %q in expression", string(c))
		}
	}
	return tokens, nil
}

func isWordChar(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
