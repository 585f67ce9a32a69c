// Package expr evaluates boolean conditions against read-only data.
//
// Conditions used by workflow actions and triage rules are plain strings
// in a small expression language: comparisons, boolean operators, field
// paths into nested maps, and a fixed set of string helpers. Expressions
// are compiled by a hand-written lexer/parser and interpreted by walking
// the tree; no user-supplied string is ever run as code.
//
// Grammar (loose EBNF):
//
//	expr   = and { ("||" | "or") and }
//	and    = cmp { ("&&" | "and") cmp }
//	cmp    = term [ ("==" | "!=" | "<" | "<=" | ">" | ">=") term ]
//	term   = ("!" | "not" | "-") term | primary
//	primary = literal | path | func "(" args ")" | "(" expr ")"
//	path   = ident { "." (ident | integer) }
//
// Literals: numbers, single- or double-quoted strings, true, false, null.
// Paths resolve through map[string]any and []any; a missing field is null,
// never an error. Numbers compare as float64; == and != also accept
// strings and booleans. Functions: contains, hasPrefix, hasSuffix,
// matches (RE2), len, lower, upper.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Program is a compiled expression, safe for concurrent evaluation.
type Program struct {
	src  string
	root node
}

// Compile parses src into a reusable Program.
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("compile %q: unexpected %q at offset %d", src, tok.text, tok.pos)
	}
	return &Program{src: src, root: root}, nil
}

// Bool compiles and evaluates src in one shot.
func Bool(src string, env map[string]any) (bool, error) {
	prog, err := Compile(src)
	if err != nil {
		return false, err
	}
	return prog.Bool(env)
}

// Bool evaluates the program and coerces the result to a boolean:
// null, false, zero, and the empty string are false, everything else true.
func (p *Program) Bool(env map[string]any) (bool, error) {
	v, err := p.root.eval(env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", p.src, err)
	}
	return truthy(v), nil
}

// Eval evaluates the program and returns the raw result.
func (p *Program) Eval(env map[string]any) (any, error) {
	v, err := p.root.eval(env)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", p.src, err)
	}
	return v, nil
}

func (p *Program) String() string { return p.src }

// ---- lexer ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != < <= > >= && || !
	tokLParen
	tokRParen
	tokDot
	tokComma
)

type token struct {
	kind tokKind
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
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '\'' || c == '"':
			s, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i = next
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9') {
				j++
			}
			if j < len(src) && src[j] == '.' && j+1 < len(src) && src[j+1] >= '0' && src[j+1] <= '9' {
				j++
				for j < len(src) && (src[j] >= '0' && src[j] <= '9') {
					j++
				}
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, src[i : i+2], i})
				i += 2
				break
			}
			if c == '=' {
				return nil, fmt.Errorf("unexpected '=' at offset %d (use ==)", i)
			}
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case c == '&' || c == '|':
			if i+1 < len(src) && src[i+1] == c {
				toks = append(toks, token{tokOp, src[i : i+2], i})
				i += 2
				break
			}
			return nil, fmt.Errorf("unexpected %q at offset %d", string(c), i)
		case c == '-':
			toks = append(toks, token{tokOp, "-", i})
			i++
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", string(c), i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var sb strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == quote {
			return sb.String(), i + 1, nil
		}
		if c == '\\' && i+1 < len(src) {
			i++
			switch src[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(src[i])
			default:
				return "", 0, fmt.Errorf("unknown escape \\%c at offset %d", src[i], i)
			}
			i++
			continue
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", start)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// ---- parser ----

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	tok := p.toks[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if (tok.kind == tokOp && tok.text == "||") || (tok.kind == tokIdent && tok.text == "or") {
			p.next()
			right, err := p.parseAnd()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "||", left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if (tok.kind == tokOp && tok.text == "&&") || (tok.kind == tokIdent && tok.text == "and") {
			p.next()
			right, err := p.parseCmp()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "&&", left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if tok.kind == tokOp {
		switch tok.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			return &binaryNode{op: tok.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	tok := p.peek()
	if tok.kind == tokOp && (tok.text == "!" || tok.text == "-") {
		p.next()
		inner, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tok.text, inner: inner}, nil
	}
	if tok.kind == tokIdent && tok.text == "not" {
		p.next()
		inner, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "!", inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", tok.text, tok.pos)
		}
		return &literalNode{value: f}, nil
	case tokString:
		return &literalNode{value: tok.text}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("missing ) at offset %d", closing.pos)
		}
		return inner, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		return p.parsePath(tok)
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	arity, ok := funcArity[name.text]
	if !ok {
		return nil, fmt.Errorf("unknown function %q at offset %d", name.text, name.pos)
	}
	p.next() // consume (
	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	if closing := p.next(); closing.kind != tokRParen {
		return nil, fmt.Errorf("missing ) at offset %d", closing.pos)
	}
	if len(args) != arity {
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", name.text, arity, len(args))
	}
	return &callNode{name: name.text, args: args}, nil
}

func (p *parser) parsePath(first token) (node, error) {
	segs := []string{first.text}
	for p.peek().kind == tokDot {
		p.next()
		seg := p.next()
		if seg.kind != tokIdent && seg.kind != tokNumber {
			return nil, fmt.Errorf("bad path segment %q at offset %d", seg.text, seg.pos)
		}
		segs = append(segs, seg.text)
	}
	return &pathNode{segs: segs}, nil
}

// ---- AST & evaluation ----

type node interface {
	eval(env map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type pathNode struct{ segs []string }

func (n *pathNode) eval(env map[string]any) (any, error) {
	var cur any = env
	for _, seg := range n.segs {
		switch c := cur.(type) {
		case map[string]any:
			cur = c[seg]
		case map[string]string:
			cur = c[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, nil
			}
			cur = c[idx]
		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, nil
			}
			cur = c[idx]
		default:
			return nil, nil
		}
	}
	return cur, nil
}

type unaryNode struct {
	op    string
	inner node
}

func (n *unaryNode) eval(env map[string]any) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	if n.op == "!" {
		return !truthy(v), nil
	}
	f, ok := asNumber(v)
	if !ok {
		return nil, fmt.Errorf("cannot negate %T", v)
	}
	return -f, nil
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(env map[string]any) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "||":
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}
	return compare(n.op, left, right)
}

type callNode struct {
	name string
	args []node
}

var funcArity = map[string]int{
	"contains":  2,
	"hasPrefix": 2,
	"hasSuffix": 2,
	"matches":   2,
	"len":       1,
	"lower":     1,
	"upper":     1,
}

var regexCache sync.Map // pattern -> *regexp.Regexp

func (n *callNode) eval(env map[string]any) (any, error) {
	vals := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(env)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	switch n.name {
	case "contains":
		if items, ok := vals[0].([]any); ok {
			for _, item := range items {
				if equal(item, vals[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		if items, ok := vals[0].([]string); ok {
			for _, item := range items {
				if equal(item, vals[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(asString(vals[0]), asString(vals[1])), nil
	case "hasPrefix":
		return strings.HasPrefix(asString(vals[0]), asString(vals[1])), nil
	case "hasSuffix":
		return strings.HasSuffix(asString(vals[0]), asString(vals[1])), nil
	case "matches":
		pattern := asString(vals[1])
		re, err := compiledRegex(pattern)
		if err != nil {
			return nil, fmt.Errorf("matches: %w", err)
		}
		return re.MatchString(asString(vals[0])), nil
	case "len":
		switch v := vals[0].(type) {
		case nil:
			return float64(0), nil
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case []string:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("len: unsupported type %T", vals[0])
		}
	case "lower":
		return strings.ToLower(asString(vals[0])), nil
	case "upper":
		return strings.ToUpper(asString(vals[0])), nil
	}
	return nil, fmt.Errorf("unknown function %q", n.name)
}

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// ---- value helpers ----

func truthy(v any) bool {
	switch c := v.(type) {
	case nil:
		return false
	case bool:
		return c
	case string:
		return c != ""
	case float64:
		return c != 0
	case int:
		return c != 0
	case int64:
		return c != 0
	case []any:
		return len(c) > 0
	case []string:
		return len(c) > 0
	case map[string]any:
		return len(c) > 0
	default:
		return true
	}
}

func asNumber(v any) (float64, bool) {
	switch c := v.(type) {
	case float64:
		return c, true
	case float32:
		return float64(c), true
	case int:
		return float64(c), true
	case int32:
		return float64(c), true
	case int64:
		return float64(c), true
	case uint:
		return float64(c), true
	case uint64:
		return float64(c), true
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case bool:
		return strconv.FormatBool(c)
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return asString(a) == asString(b)
}

func compare(op string, a, b any) (any, error) {
	if fa, aok := asNumber(a); aok {
		if fb, bok := asNumber(b); bok {
			switch op {
			case "<":
				return fa < fb, nil
			case "<=":
				return fa <= fb, nil
			case ">":
				return fa > fb, nil
			case ">=":
				return fa >= fb, nil
			}
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return sa < sb, nil
		case "<=":
			return sa <= sb, nil
		case ">":
			return sa > sb, nil
		case ">=":
			return sa >= sb, nil
		}
	}
	return nil, fmt.Errorf("cannot order %T against %T", a, b)
}
