// internal/rules/expression.go
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Expression language for audience rules.
 *
 * Fixed, small grammar (no plugin extensibility):
 *
 *   expr    := or
 *   or      := and ("||" and)*
 *   and     := unary ("&&" unary)*
 *   unary   := "!" unary | comparison
 *   cmp     := primary (("==" | "!=" | "<" | "<=" | ">" | ">=") primary)?
 *   primary := "(" expr ")" | literal | identifier
 *
 * Identifiers are dotted references into the placement params ("params.x"),
 * user attributes ("user.y"), device attributes ("device.z"), or computed
 * time-since properties ("daysSince_trial_start"). Literals are strings
 * (single or double quoted), numbers, true and false.
 *
 * Parsing is recursive descent over a hand-written lexer. A parse failure
 * returns ErrMalformedExpression with position diagnostics; it never
 * panics. Parsed ASTs are immutable and reused across evaluations of the
 * same config snapshot.
 */

// nodeKind discriminates AST nodes.
type nodeKind int

const (
	nodeLiteral nodeKind = iota
	nodeIdent
	nodeNot
	nodeAnd
	nodeOr
	nodeCompare
)

// node is one AST node. Literal nodes carry Value; ident nodes carry Name;
// compare nodes carry Op plus both children.
type node struct {
	Kind  nodeKind
	Value any
	Name  string
	Op    Operator
	Left  *node
	Right *node
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokBool
	tokOp     // == != < <= > >=
	tokAndAnd // &&
	tokOrOr   // ||
	tokBang   // !
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex splits an expression into tokens. Returns ErrMalformedExpression
// (wrapped with position) for characters outside the grammar.
func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '&':
			if i+1 >= len(input) || input[i+1] != '&' {
				return nil, lexError(i, "expected '&&'")
			}
			toks = append(toks, token{tokAndAnd, "&&", i})
			i += 2
		case c == '|':
			if i+1 >= len(input) || input[i+1] != '|' {
				return nil, lexError(i, "expected '||'")
			}
			toks = append(toks, token{tokOrOr, "||", i})
			i += 2
		case c == '=':
			if i+1 >= len(input) || input[i+1] != '=' {
				return nil, lexError(i, "expected '=='")
			}
			toks = append(toks, token{tokOp, "==", i})
			i += 2
		case c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, "!=", i})
				i += 2
			} else {
				toks = append(toks, token{tokBang, "!", i})
				i++
			}
		case c == '<' || c == '>':
			op := string(c)
			if i+1 < len(input) && input[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{tokOp, op, i})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, lexError(i, "unterminated string")
			}
			toks = append(toks, token{tokString, input[i+1 : j], i})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-':
			j := i
			if c == '-' {
				j++
			}
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			if j == i || (input[i] == '-' && j == i+1) {
				return nil, lexError(i, "malformed number")
			}
			toks = append(toks, token{tokNumber, input[i:j], i})
			i = j
		case isIdentStart(rune(c)):
			j := i
			for j < len(input) && isIdentPart(rune(input[j])) {
				j++
			}
			text := input[i:j]
			if text == "true" || text == "false" {
				toks = append(toks, token{tokBool, text, i})
			} else {
				toks = append(toks, token{tokIdent, text, i})
			}
			i = j
		default:
			return nil, lexError(i, fmt.Sprintf("unexpected character %q", c))
		}
	}
	toks = append(toks, token{tokEOF, "", len(input)})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '$'
}

func lexError(pos int, msg string) error {
	return fmt.Errorf("%w: %s at offset %d", types.ErrMalformedExpression, msg, pos)
}

// parser is a standard recursive-descent parser over the token stream.
type parser struct {
	toks []token
	pos  int
}

// parseExpression parses a complete expression string into an AST.
func parseExpression(input string) (*node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("%w: empty expression", types.ErrMalformedExpression)
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected token %q", p.peek().text)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", types.ErrMalformedExpression,
		fmt.Sprintf(format, args...), p.peek().pos)
}

func (p *parser) parseOr() (*node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOrOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &node{Kind: nodeOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (*node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAndAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &node{Kind: nodeAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (*node, error) {
	if p.peek().kind == tokBang {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &node{Kind: nodeNot, Left: child}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (*node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokOp {
		return left, nil
	}
	opTok := p.next()
	op, ok := operatorFromText(opTok.text)
	if !ok {
		return nil, p.errorf("unknown operator %q", opTok.text)
	}
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return &node{Kind: nodeCompare, Op: op, Left: left, Right: right}, nil
}

func (p *parser) parsePrimary() (*node, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf("expected ')'")
		}
		p.next()
		return inner, nil
	case tokString:
		p.next()
		return &node{Kind: nodeLiteral, Value: t.text}, nil
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf("malformed number %q", t.text)
		}
		return &node{Kind: nodeLiteral, Value: f}, nil
	case tokBool:
		p.next()
		return &node{Kind: nodeLiteral, Value: t.text == "true"}, nil
	case tokIdent:
		p.next()
		return &node{Kind: nodeIdent, Name: t.text}, nil
	default:
		return nil, p.errorf("unexpected token %q", t.text)
	}
}
