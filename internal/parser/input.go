package parser

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/decisionbot/project/internal/decision"
)

// CommandParser tries to recognize one command at the cursor; see
// ParseDecisionCommand for the contract.
type CommandParser func(*Tokenizer) (*decision.Command, error)

// DefaultParsers are tried in order after each bot mention.
var DefaultParsers = []CommandParser{ParseDecisionCommand}

// Result is one recognized mention. Exactly one of Command and Err is set.
type Result struct {
	Offset  int
	Command *decision.Command
	Err     error
}

// Input scans a comment for commands addressed to a bot.
type Input struct {
	text    string
	bot     string
	parsers []CommandParser
}

func NewInput(text, bot string) *Input {
	return &Input{text: text, bot: strings.TrimPrefix(bot, "@"), parsers: DefaultParsers}
}

// WithParsers replaces the parsers tried after each mention.
func (in *Input) WithParsers(parsers ...CommandParser) *Input {
	in.parsers = parsers
	return in
}

// Parse returns the commands found in the comment in order of appearance.
// Mentions inside code blocks, inline code or quoted lines are skipped, and so
// are mentions followed by something no parser recognizes.
func (in *Input) Parse() []Result {
	if in.bot == "" {
		return nil
	}
	mention := "@" + in.bot
	ignored := ignoredRanges(in.text)

	var results []Result
	for from := 0; from < len(in.text); {
		idx := strings.Index(in.text[from:], mention)
		if idx < 0 {
			break
		}
		at := from + idx
		after := at + len(mention)
		from = after

		if !mentionBoundary(in.text, at, after) || inRanges(ignored, at) {
			continue
		}

		toks := NewTokenizer(in.text[after:])
		if next, err := toks.Peek(); err == nil && (next.Kind == TokenColon || next.Kind == TokenComma) {
			_, _ = toks.Next()
		}
		for _, parse := range in.parsers {
			cmd, err := parse(&toks)
			if err != nil {
				var perr *Error
				if errors.As(err, &perr) {
					err = &Error{Pos: perr.Pos + after, Err: perr.Err}
				}
				results = append(results, Result{Offset: at, Err: err})
				break
			}
			if cmd != nil {
				results = append(results, Result{Offset: at, Command: cmd})
				break
			}
		}
	}
	return results
}

func mentionBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isNameRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isNameRune(r) {
			return false
		}
	}
	return true
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

type span struct{ start, end int }

func inRanges(ranges []span, pos int) bool {
	for _, r := range ranges {
		if pos >= r.start && pos < r.end {
			return true
		}
	}
	return false
}

// ignoredRanges marks fenced code blocks, quoted lines and inline code spans.
func ignoredRanges(text string) []span {
	var out []span
	inFence := false
	for lineStart := 0; lineStart < len(text); {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += lineStart + 1
		}
		line := text[lineStart:lineEnd]
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~"):
			inFence = !inFence
			out = append(out, span{lineStart, lineEnd})
		case inFence, strings.HasPrefix(trimmed, ">"):
			out = append(out, span{lineStart, lineEnd})
		default:
			out = append(out, inlineCode(line, lineStart)...)
		}
		lineStart = lineEnd
	}
	return out
}

func inlineCode(line string, offset int) []span {
	var out []span
	open := -1
	for i := 0; i < len(line); i++ {
		if line[i] != '`' {
			continue
		}
		if open < 0 {
			open = i
			continue
		}
		out = append(out, span{offset + open, offset + i + 1})
		open = -1
	}
	return out
}
