package prune

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arkilian/tidelake/internal/errors"
)

// Parse parses predicate text into an expression tree.
//
// Grammar, loosest binding first:
//
//	expr      := and { OR and }
//	and       := unary { AND unary }
//	unary     := NOT unary | '(' expr ')' | condition
//	condition := column (= | != | <> | < | <= | > | >=) literal
//	           | column [NOT] IN '(' literal {',' literal} ')'
//	           | column [NOT] BETWEEN literal AND literal
//	           | column IS [NOT] NULL
//	literal   := 'string' | number | TRUE | FALSE
//
// Literals keep their lexical types (string, int64, float64, bool) until
// Bind coerces them against a schema. Parse errors carry INVALID_PREDICATE.
func Parse(input string) (Expr, error) {
	p := &parser{lex: newLexer(input)}
	p.next()
	p.next()
	if p.cur.typ == tokenEOF {
		return nil, errors.New(errors.ErrCategoryQuery, errors.CodeInvalidPredicate,
			"predicate: empty input")
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokenEOF {
		return nil, parseErrorf(p.cur, "unexpected %s after expression", p.cur)
	}
	return e, nil
}

type parser struct {
	lex  *lexer
	cur  token
	peek token
}

func (p *parser) next() {
	p.cur = p.peek
	p.peek = p.lex.nextToken()
}

func parseErrorf(tok token, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return errors.Newf(errors.ErrCategoryQuery, errors.CodeInvalidPredicate,
		"predicate: %s at offset %d", msg, tok.pos)
}

func (p *parser) lexError() error {
	if p.cur.literal == "unterminated string" {
		return parseErrorf(p.cur, "unterminated string literal")
	}
	return parseErrorf(p.cur, "unexpected character %q", p.cur.literal)
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	switch p.cur.typ {
	case tokenNot:
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Operand: operand}, nil
	case tokenLParen:
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.typ != tokenRParen {
			return nil, parseErrorf(p.cur, "expected ')', got %s", p.cur)
		}
		p.next()
		return e, nil
	case tokenIdent:
		return p.parseCondition()
	case tokenError:
		return nil, p.lexError()
	default:
		return nil, parseErrorf(p.cur, "expected column name, NOT, or '(', got %s", p.cur)
	}
}

func (p *parser) parseCondition() (Expr, error) {
	column := p.cur.literal
	p.next()

	switch p.cur.typ {
	case tokenEq, tokenNe, tokenLt, tokenLe, tokenGt, tokenGe:
		op := comparisonOp(p.cur.typ)
		p.next()
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &Compare{Column: column, Op: op, Value: v}, nil
	case tokenIn:
		return p.parseIn(column, false)
	case tokenBetween:
		return p.parseBetween(column, false)
	case tokenNot:
		p.next()
		switch p.cur.typ {
		case tokenIn:
			return p.parseIn(column, true)
		case tokenBetween:
			return p.parseBetween(column, true)
		default:
			return nil, parseErrorf(p.cur, "expected IN or BETWEEN after NOT, got %s", p.cur)
		}
	case tokenIs:
		p.next()
		not := false
		if p.cur.typ == tokenNot {
			not = true
			p.next()
		}
		if p.cur.typ != tokenNull {
			return nil, parseErrorf(p.cur, "expected NULL, got %s", p.cur)
		}
		p.next()
		return &IsNull{Column: column, Not: not}, nil
	case tokenError:
		return nil, p.lexError()
	default:
		return nil, parseErrorf(p.cur, "expected operator after column %q, got %s", column, p.cur)
	}
}

func (p *parser) parseIn(column string, not bool) (Expr, error) {
	p.next() // consume IN
	if p.cur.typ != tokenLParen {
		return nil, parseErrorf(p.cur, "expected '(' after IN, got %s", p.cur)
	}
	p.next()

	var values []interface{}
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if p.cur.typ != tokenComma {
			break
		}
		p.next()
	}
	if p.cur.typ != tokenRParen {
		return nil, parseErrorf(p.cur, "expected ')' to close IN list, got %s", p.cur)
	}
	p.next()
	return &In{Column: column, Values: values, Not: not}, nil
}

func (p *parser) parseBetween(column string, not bool) (Expr, error) {
	p.next() // consume BETWEEN
	low, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokenAnd {
		return nil, parseErrorf(p.cur, "expected AND in BETWEEN, got %s", p.cur)
	}
	p.next()
	high, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Between{Column: column, Low: low, High: high, Not: not}, nil
}

func (p *parser) parseLiteral() (interface{}, error) {
	switch p.cur.typ {
	case tokenString:
		v := p.cur.literal
		p.next()
		return v, nil
	case tokenNumber:
		v, err := parseNumber(p.cur.literal)
		if err != nil {
			return nil, parseErrorf(p.cur, "invalid number %q", p.cur.literal)
		}
		p.next()
		return v, nil
	case tokenMinus:
		p.next()
		if p.cur.typ != tokenNumber {
			return nil, parseErrorf(p.cur, "expected number after '-', got %s", p.cur)
		}
		v, err := parseNumber(p.cur.literal)
		if err != nil {
			return nil, parseErrorf(p.cur, "invalid number %q", p.cur.literal)
		}
		p.next()
		switch x := v.(type) {
		case int64:
			return -x, nil
		case float64:
			return -x, nil
		}
		return nil, parseErrorf(p.cur, "invalid number %q", p.cur.literal)
	case tokenTrue:
		p.next()
		return true, nil
	case tokenFalse:
		p.next()
		return false, nil
	case tokenError:
		return nil, p.lexError()
	default:
		return nil, parseErrorf(p.cur, "expected literal, got %s", p.cur)
	}
}

func parseNumber(literal string) (interface{}, error) {
	if !strings.Contains(literal, ".") {
		if i, err := strconv.ParseInt(literal, 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func comparisonOp(t tokenType) string {
	switch t {
	case tokenEq:
		return OpEq
	case tokenNe:
		return OpNe
	case tokenLt:
		return OpLt
	case tokenLe:
		return OpLe
	case tokenGt:
		return OpGt
	case tokenGe:
		return OpGe
	}
	return ""
}
