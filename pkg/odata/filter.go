/*
Copyright 2026 The Datagate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package odata

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrBadFilter wraps every parse failure so callers can map it to a
// 400 without inspecting the message.
type ErrBadFilter struct {
	Detail string
}

func (e *ErrBadFilter) Error() string { return "malformed $filter: " + e.Detail }

func badFilter(format string, args ...any) error {
	return &ErrBadFilter{Detail: fmt.Sprintf(format, args...)}
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && l.input[l.pos] == ' ' {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}
	b := l.input[l.pos]
	switch {
	case b == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case b == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case b == ',':
		l.pos++
		return token{kind: tokComma, text: ","}, nil
	case b == '\'':
		return l.lexString()
	case b == '-' || (b >= '0' && b <= '9'):
		return l.lexNumber()
	case isWordByte(b):
		start := l.pos
		for l.pos < len(l.input) && isWordByte(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos]}, nil
	default:
		return token{}, badFilter("unexpected character %q at position %d", string(b), l.pos)
	}
}

// lexString consumes a single-quoted OData string literal, folding the
// '' escape into a single quote.
func (l *lexer) lexString() (token, error) {
	var sb strings.Builder
	l.pos++ // opening quote
	for l.pos < len(l.input) {
		b := l.input[l.pos]
		if b == '\'' {
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String()}, nil
		}
		sb.WriteByte(b)
		l.pos++
	}
	return token{}, badFilter("unterminated string literal")
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	dots := 0
	for l.pos < len(l.input) {
		b := l.input[l.pos]
		if b == '.' {
			dots++
			if dots > 1 {
				return token{}, badFilter("malformed number at position %d", start)
			}
			l.pos++
			continue
		}
		if b < '0' || b > '9' {
			break
		}
		l.pos++
	}
	text := l.input[start:l.pos]
	if text == "-" {
		return token{}, badFilter("malformed number at position %d", start)
	}
	return token{kind: tokNumber, text: text}, nil
}

var comparisonOps = map[string]string{
	"eq": "=", "ne": "<>",
	"gt": ">", "ge": ">=",
	"lt": "<", "le": "<=",
}

// filterParser turns a (pre-rewritten) OData $filter into a SQL
// predicate over bracket-quoted identifiers with every literal value
// extracted into @p0, @p1, ... parameters.
type filterParser struct {
	lex    *lexer
	cur    token
	params *paramSet
}

// paramSet numbers extracted literals. Shared between the predicate and
// any other fragment of the same statement so parameter names never
// collide.
type paramSet struct {
	values map[string]any
}

func newParamSet() *paramSet {
	return &paramSet{values: make(map[string]any)}
}

func (p *paramSet) add(v any) string {
	name := fmt.Sprintf("p%d", len(p.values))
	p.values[name] = v
	return "@" + name
}

// ParseFilter translates filter into a SQL predicate. params collects
// the extracted literals; both must be consumed together.
func parseFilter(filter string, params *paramSet) (string, error) {
	p := &filterParser{lex: &lexer{input: filter}, params: params}
	if err := p.advance(); err != nil {
		return "", err
	}
	sql, err := p.parseOr()
	if err != nil {
		return "", err
	}
	if p.cur.kind != tokEOF {
		return "", badFilter("unexpected trailing input %q", p.cur.text)
	}
	return sql, nil
}

func (p *filterParser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *filterParser) parseOr() (string, error) {
	left, err := p.parseAnd()
	if err != nil {
		return "", err
	}
	for p.cur.kind == tokIdent && strings.EqualFold(p.cur.text, "or") {
		if err := p.advance(); err != nil {
			return "", err
		}
		right, err := p.parseAnd()
		if err != nil {
			return "", err
		}
		left = left + " OR " + right
	}
	return left, nil
}

func (p *filterParser) parseAnd() (string, error) {
	left, err := p.parseUnary()
	if err != nil {
		return "", err
	}
	for p.cur.kind == tokIdent && strings.EqualFold(p.cur.text, "and") {
		if err := p.advance(); err != nil {
			return "", err
		}
		right, err := p.parseUnary()
		if err != nil {
			return "", err
		}
		left = left + " AND " + right
	}
	return left, nil
}

func (p *filterParser) parseUnary() (string, error) {
	if p.cur.kind == tokIdent && strings.EqualFold(p.cur.text, "not") {
		if err := p.advance(); err != nil {
			return "", err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	}
	return p.parsePrimary()
}

func (p *filterParser) parsePrimary() (string, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return "", err
		}
		inner, err := p.parseOr()
		if err != nil {
			return "", err
		}
		if p.cur.kind != tokRParen {
			return "", badFilter("missing closing parenthesis")
		}
		if err := p.advance(); err != nil {
			return "", err
		}
		return "(" + inner + ")", nil
	case tokIdent:
		name := p.cur.text
		if fn, ok := likeFunctions[strings.ToLower(name)]; ok {
			return p.parseLikeFunction(fn)
		}
		return p.parseComparison()
	default:
		return "", badFilter("unexpected token %q", p.cur.text)
	}
}

// likeFunctions maps the supported OData string functions to the
// wildcard placement of the LIKE pattern they become.
type likeShape struct{ prefix, suffix string }

var likeFunctions = map[string]likeShape{
	"contains":   {prefix: "%", suffix: "%"},
	"startswith": {suffix: "%"},
	"endswith":   {prefix: "%"},
}

func (p *filterParser) parseLikeFunction(shape likeShape) (string, error) {
	fnName := p.cur.text
	if err := p.advance(); err != nil {
		return "", err
	}
	if p.cur.kind != tokLParen {
		return "", badFilter("%s requires arguments", fnName)
	}
	if err := p.advance(); err != nil {
		return "", err
	}
	if p.cur.kind != tokIdent {
		return "", badFilter("%s: first argument must be a property", fnName)
	}
	field := p.cur.text
	if err := p.advance(); err != nil {
		return "", err
	}
	if p.cur.kind != tokComma {
		return "", badFilter("%s: expected comma", fnName)
	}
	if err := p.advance(); err != nil {
		return "", err
	}
	if p.cur.kind != tokString {
		return "", badFilter("%s: second argument must be a string literal", fnName)
	}
	pattern := shape.prefix + escapeLike(p.cur.text) + shape.suffix
	if err := p.advance(); err != nil {
		return "", err
	}
	if p.cur.kind != tokRParen {
		return "", badFilter("%s: missing closing parenthesis", fnName)
	}
	if err := p.advance(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s LIKE %s", quoteIdent(field), p.params.add(pattern)), nil
}

// escapeLike neutralises LIKE metacharacters inside a user-supplied
// substring so contains('100%') matches a literal percent sign.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "[", "[[]")
	s = strings.ReplaceAll(s, "%", "[%]")
	s = strings.ReplaceAll(s, "_", "[_]")
	return s
}

func (p *filterParser) parseComparison() (string, error) {
	field := p.cur.text
	if err := p.advance(); err != nil {
		return "", err
	}
	if p.cur.kind != tokIdent {
		return "", badFilter("expected comparison operator after %q", field)
	}
	op, ok := comparisonOps[strings.ToLower(p.cur.text)]
	if !ok {
		return "", badFilter("unsupported operator %q", p.cur.text)
	}
	if err := p.advance(); err != nil {
		return "", err
	}

	switch p.cur.kind {
	case tokString:
		placeholder := p.params.add(p.cur.text)
		if err := p.advance(); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", quoteIdent(field), op, placeholder), nil
	case tokNumber:
		placeholder := p.params.add(parseNumber(p.cur.text))
		if err := p.advance(); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", quoteIdent(field), op, placeholder), nil
	case tokIdent:
		lit := strings.ToLower(p.cur.text)
		switch lit {
		case "null":
			if err := p.advance(); err != nil {
				return "", err
			}
			switch op {
			case "=":
				return quoteIdent(field) + " IS NULL", nil
			case "<>":
				return quoteIdent(field) + " IS NOT NULL", nil
			default:
				return "", badFilter("operator %q cannot compare with null", op)
			}
		case "true", "false":
			placeholder := p.params.add(lit == "true")
			if err := p.advance(); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s %s %s", quoteIdent(field), op, placeholder), nil
		default:
			return "", badFilter("unexpected identifier %q as comparison value", p.cur.text)
		}
	default:
		return "", badFilter("missing comparison value for %q", field)
	}
}

func parseNumber(text string) any {
	if strings.Contains(text, ".") {
		f, _ := strconv.ParseFloat(text, 64)
		return f
	}
	n, _ := strconv.ParseInt(text, 10, 64)
	return n
}

// quoteIdent bracket-quotes an identifier. Untrusted strings are never
// concatenated without quoting; closing brackets inside the name are
// doubled per T-SQL rules.
func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
