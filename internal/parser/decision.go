package parser

import (
	"errors"

	"github.com/decisionbot/project/internal/decision"
)

// Decision process commands:
//
//	command := ("merge" | "hold") end
//	end     := "." | end-of-line | end-of-input
//
// restart, dissent, stabilize and close are reserved for later.

var ErrExpectedEnd = errors.New("expected end of command")

// ParseDecisionCommand recognizes a decision command at the cursor. It returns
// nil, nil without consuming anything when the next word is not a decision
// keyword, so other command parsers can try. Once a keyword matched, a trailing
// token that does not end the command is an ErrExpectedEnd and the cursor is left
// where it was.
func ParseDecisionCommand(input *Tokenizer) (*decision.Command, error) {
	toks := *input

	tok, err := toks.Next()
	if err != nil || tok.Kind != TokenWord {
		return nil, nil
	}

	var resolution decision.Resolution
	switch tok.Text {
	case "merge":
		resolution = decision.Merge
	case "hold":
		resolution = decision.Hold
	default:
		return nil, nil
	}

	end, err := toks.Next()
	if err != nil {
		return nil, toks.errorAt(toks.Position(), ErrExpectedEnd)
	}
	switch end.Kind {
	case TokenDot, TokenEndOfLine, TokenEnd:
		*input = toks
		return &decision.Command{
			Resolution:    resolution,
			Reversibility: decision.Reversible,
		}, nil
	default:
		return nil, toks.errorAt(end.Pos, ErrExpectedEnd)
	}
}
