// Package parser turns bot mentions in issue comments into commands.
//
// The grammar is deliberately small: a comment is scanned for "@<bot>" mentions
// outside code and quotes, and the words following each mention are handed to
// the command parsers in turn.
package parser

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var ErrUnterminatedQuote = errors.New("unterminated quoted string")

type TokenKind int

const (
	TokenEnd TokenKind = iota
	TokenWord
	TokenQuote
	TokenDot
	TokenComma
	TokenSemi
	TokenColon
	TokenExclamation
	TokenQuestion
	TokenEndOfLine
)

func (k TokenKind) String() string {
	switch k {
	case TokenEnd:
		return "end of input"
	case TokenWord:
		return "word"
	case TokenQuote:
		return "quoted string"
	case TokenDot:
		return "."
	case TokenComma:
		return ","
	case TokenSemi:
		return ";"
	case TokenColon:
		return ":"
	case TokenExclamation:
		return "!"
	case TokenQuestion:
		return "?"
	case TokenEndOfLine:
		return "end of line"
	default:
		return "unknown"
	}
}

type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

// Error is a parse failure at a byte offset of the tokenizer input.
type Error struct {
	Pos int
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v at position %d", e.Err, e.Pos)
}

func (e *Error) Unwrap() error { return e.Err }

// Tokenizer is a cursor over a command line. It is a plain value: a parser can
// copy it, advance the copy and assign it back only when the parse succeeds.
type Tokenizer struct {
	input string
	pos   int
}

func NewTokenizer(input string) Tokenizer {
	return Tokenizer{input: input}
}

// Position is the byte offset of the next unread character.
func (t *Tokenizer) Position() int { return t.pos }

// Rest returns the unread input.
func (t *Tokenizer) Rest() string { return t.input[t.pos:] }

func (t *Tokenizer) errorAt(pos int, err error) *Error {
	return &Error{Pos: pos, Err: err}
}

// Peek returns the next token without advancing.
func (t *Tokenizer) Peek() (Token, error) {
	cp := *t
	return cp.Next()
}

// Next consumes and returns the next token. At the end of the input it keeps
// returning a TokenEnd token.
func (t *Tokenizer) Next() (Token, error) {
	t.skipBlanks()
	if t.pos >= len(t.input) {
		return Token{Kind: TokenEnd, Pos: t.pos}, nil
	}

	start := t.pos
	r, size := utf8.DecodeRuneInString(t.input[t.pos:])
	switch r {
	case '\n':
		t.pos += size
		return Token{Kind: TokenEndOfLine, Text: "\n", Pos: start}, nil
	case '"':
		end := strings.IndexByte(t.input[start+1:], '"')
		if end < 0 {
			return Token{}, t.errorAt(start, ErrUnterminatedQuote)
		}
		t.pos = start + 1 + end + 1
		return Token{Kind: TokenQuote, Text: t.input[start+1 : start+1+end], Pos: start}, nil
	}
	if kind, ok := punctuation(r); ok && t.punctuationEndsAt(start+size) {
		t.pos += size
		return Token{Kind: kind, Text: string(r), Pos: start}, nil
	}

	for t.pos < len(t.input) {
		r, size := utf8.DecodeRuneInString(t.input[t.pos:])
		if unicode.IsSpace(r) || r == '"' {
			break
		}
		if _, ok := punctuation(r); ok && t.punctuationEndsAt(t.pos+size) {
			break
		}
		t.pos += size
	}
	return Token{Kind: TokenWord, Text: t.input[start:t.pos], Pos: start}, nil
}

func (t *Tokenizer) skipBlanks() {
	for t.pos < len(t.input) {
		r, size := utf8.DecodeRuneInString(t.input[t.pos:])
		if r == '\n' || !unicode.IsSpace(r) {
			return
		}
		t.pos += size
	}
}

// punctuationEndsAt reports whether a punctuation character ending at pos stands
// on its own, so "v1.2" stays one word while "merge." splits.
func (t *Tokenizer) punctuationEndsAt(pos int) bool {
	if pos >= len(t.input) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(t.input[pos:])
	if unicode.IsSpace(r) {
		return true
	}
	_, ok := punctuation(r)
	return ok
}

func punctuation(r rune) (TokenKind, bool) {
	switch r {
	case '.':
		return TokenDot, true
	case ',':
		return TokenComma, true
	case ';':
		return TokenSemi, true
	case ':':
		return TokenColon, true
	case '!':
		return TokenExclamation, true
	case '?':
		return TokenQuestion, true
	default:
		return 0, false
	}
}
