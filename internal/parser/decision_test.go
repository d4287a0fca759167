package parser

import (
	"errors"
	"testing"

	"github.com/decisionbot/project/internal/decision"
)

func TestParseDecisionCommand(t *testing.T) {
	tests := []struct {
		input string
		want  decision.Command
	}{
		{"merge", decision.Command{Resolution: decision.Merge, Reversibility: decision.Reversible}},
		{"merge.", decision.Command{Resolution: decision.Merge, Reversibility: decision.Reversible}},
		{"hold", decision.Command{Resolution: decision.Hold, Reversibility: decision.Reversible}},
		{"hold.", decision.Command{Resolution: decision.Hold, Reversibility: decision.Reversible}},
		{"  merge\nthanks all", decision.Command{Resolution: decision.Merge, Reversibility: decision.Reversible}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			toks := NewTokenizer(tt.input)
			got, err := ParseDecisionCommand(&toks)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got == nil || *got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseDecisionCommand_CommitsCursor(t *testing.T) {
	toks := NewTokenizer("merge.\nmore text")
	if _, err := ParseDecisionCommand(&toks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next, err := toks.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Kind != TokenEndOfLine {
		t.Fatalf("expected cursor after the dot, next token %s %q", next.Kind, next.Text)
	}
}

func TestParseDecisionCommand_ExpectedEnd(t *testing.T) {
	toks := NewTokenizer("hold my beer")
	got, err := ParseDecisionCommand(&toks)
	if !errors.Is(err, ErrExpectedEnd) {
		t.Fatalf("expected ErrExpectedEnd, got %v (%+v)", err, got)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Pos != 5 {
		t.Fatalf("expected positioned error at 5, got %#v", err)
	}
	if toks.Position() != 0 {
		t.Fatalf("cursor was committed on error: %d", toks.Position())
	}
}

func TestParseDecisionCommand_NotThisCommand(t *testing.T) {
	for _, input := range []string{"banana", "Merge", "", ", merge", `"merge"`} {
		toks := NewTokenizer(input)
		got, err := ParseDecisionCommand(&toks)
		if err != nil || got != nil {
			t.Fatalf("%q: expected nil, nil; got %+v, %v", input, got, err)
		}
		if toks.Position() != 0 {
			t.Fatalf("%q: cursor advanced to %d", input, toks.Position())
		}
	}
}

func TestTokenizer_Kinds(t *testing.T) {
	toks := NewTokenizer(`merge v1.2, "quoted text"; ok?` + "\n")
	want := []struct {
		kind TokenKind
		text string
	}{
		{TokenWord, "merge"},
		{TokenWord, "v1.2"},
		{TokenComma, ","},
		{TokenQuote, "quoted text"},
		{TokenSemi, ";"},
		{TokenWord, "ok"},
		{TokenQuestion, "?"},
		{TokenEndOfLine, "\n"},
		{TokenEnd, ""},
	}
	for i, w := range want {
		tok, err := toks.Next()
		if err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
		if tok.Kind != w.kind || tok.Text != w.text {
			t.Fatalf("token %d: got %s %q, want %s %q", i, tok.Kind, tok.Text, w.kind, w.text)
		}
	}
}

func TestTokenizer_UnterminatedQuote(t *testing.T) {
	toks := NewTokenizer(`"never closed`)
	if _, err := toks.Next(); !errors.Is(err, ErrUnterminatedQuote) {
		t.Fatalf("expected ErrUnterminatedQuote, got %v", err)
	}
}
