package prune

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenError
	tokenIdent
	tokenNumber
	tokenString

	tokenAnd
	tokenOr
	tokenNot
	tokenIn
	tokenBetween
	tokenIs
	tokenNull
	tokenTrue
	tokenFalse

	tokenEq // =
	tokenNe // <> or !=
	tokenLt // <
	tokenGt // >
	tokenLe // <=
	tokenGe // >=

	tokenComma
	tokenLParen
	tokenRParen
	tokenMinus
)

// token is a lexical token with its byte offset in the input.
type token struct {
	typ     tokenType
	literal string
	pos     int
}

func (t token) String() string {
	switch t.typ {
	case tokenEOF:
		return "end of input"
	case tokenString:
		return fmt.Sprintf("'%s'", t.literal)
	default:
		return fmt.Sprintf("%q", t.literal)
	}
}

var keywords = map[string]tokenType{
	"AND":     tokenAnd,
	"OR":      tokenOr,
	"NOT":     tokenNot,
	"IN":      tokenIn,
	"BETWEEN": tokenBetween,
	"IS":      tokenIs,
	"NULL":    tokenNull,
	"TRUE":    tokenTrue,
	"FALSE":   tokenFalse,
}

// lexer tokenizes predicate input.
type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *lexer) nextToken() token {
	l.skipWhitespace()

	startPos := l.pos
	var tok token

	switch l.ch {
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
		}
		tok = token{typ: tokenEq, literal: "=", pos: startPos}
	case '<':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok = token{typ: tokenLe, literal: "<=", pos: startPos}
		case '>':
			l.readChar()
			tok = token{typ: tokenNe, literal: "<>", pos: startPos}
		default:
			tok = token{typ: tokenLt, literal: "<", pos: startPos}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = token{typ: tokenGe, literal: ">=", pos: startPos}
		} else {
			tok = token{typ: tokenGt, literal: ">", pos: startPos}
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = token{typ: tokenNe, literal: "!=", pos: startPos}
		} else {
			tok = token{typ: tokenError, literal: string(l.ch), pos: startPos}
		}
	case ',':
		tok = token{typ: tokenComma, literal: ",", pos: startPos}
	case '(':
		tok = token{typ: tokenLParen, literal: "(", pos: startPos}
	case ')':
		tok = token{typ: tokenRParen, literal: ")", pos: startPos}
	case '-':
		tok = token{typ: tokenMinus, literal: "-", pos: startPos}
	case '\'':
		return l.readQuoted('\'')
	case '"':
		return l.readQuoted('"')
	case 0:
		tok = token{typ: tokenEOF, pos: startPos}
	default:
		if isIdentStart(l.ch) {
			return l.readIdentifier()
		}
		if isDigit(l.ch) {
			return l.readNumber()
		}
		tok = token{typ: tokenError, literal: string(l.ch), pos: startPos}
	}

	l.readChar()
	return tok
}

func (l *lexer) readIdentifier() token {
	startPos := l.pos
	for isIdentStart(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	literal := l.input[startPos:l.pos]
	if typ, ok := keywords[strings.ToUpper(literal)]; ok {
		return token{typ: typ, literal: strings.ToUpper(literal), pos: startPos}
	}
	return token{typ: tokenIdent, literal: literal, pos: startPos}
}

func (l *lexer) readNumber() token {
	startPos := l.pos
	hasDecimal := false
	for isDigit(l.ch) || (l.ch == '.' && !hasDecimal) {
		if l.ch == '.' {
			hasDecimal = true
		}
		l.readChar()
	}
	return token{typ: tokenNumber, literal: l.input[startPos:l.pos], pos: startPos}
}

// readQuoted reads a quoted string literal. A doubled quote inside the
// literal stands for one literal quote character.
func (l *lexer) readQuoted(quote byte) token {
	startPos := l.pos
	l.readChar()
	var sb strings.Builder
	for {
		if l.ch == 0 {
			return token{typ: tokenError, literal: "unterminated string", pos: startPos}
		}
		if l.ch == quote {
			if l.peekChar() == quote {
				sb.WriteByte(quote)
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return token{typ: tokenString, literal: sb.String(), pos: startPos}
		}
		sb.WriteByte(l.ch)
		l.readChar()
	}
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
