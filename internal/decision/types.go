// Package decision holds the decision process domain model: votes, the per-issue
// aggregate, the vote merge rules and the Markdown status table.
package decision

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

// PeriodLength is the minimum deliberation window of a decision.
const PeriodLength = 10 * 24 * time.Hour

var (
	ErrUnknownResolution    = errors.New("unknown resolution")
	ErrUnknownReversibility = errors.New("unknown reversibility")
)

// Resolution is the outcome a member votes for. Its text form ("merge", "hold")
// is a storage and wire contract and must not change.
type Resolution uint8

const (
	Merge Resolution = iota + 1
	Hold
)

func (r Resolution) String() string {
	switch r {
	case Merge:
		return "merge"
	case Hold:
		return "hold"
	default:
		return ""
	}
}

func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "merge":
		return Merge, nil
	case "hold":
		return Hold, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownResolution, s)
	}
}

func (r Resolution) MarshalText() ([]byte, error) {
	if r.String() == "" {
		return nil, fmt.Errorf("%w: %d", ErrUnknownResolution, r)
	}
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(text []byte) error {
	parsed, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Resolution) Value() (driver.Value, error) {
	text, err := r.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(text), nil
}

func (r *Resolution) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrUnknownResolution, src)
	}
}

// Reversibility says whether a finalized decision can be undone. The text form
// ("reversible", "irreversible") is a storage and wire contract.
type Reversibility uint8

const (
	Reversible Reversibility = iota + 1
	Irreversible
)

func (r Reversibility) String() string {
	switch r {
	case Reversible:
		return "reversible"
	case Irreversible:
		return "irreversible"
	default:
		return ""
	}
}

func ParseReversibility(s string) (Reversibility, error) {
	switch s {
	case "reversible":
		return Reversible, nil
	case "irreversible":
		return Irreversible, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownReversibility, s)
	}
}

func (r Reversibility) MarshalText() ([]byte, error) {
	if r.String() == "" {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReversibility, r)
	}
	return []byte(r.String()), nil
}

func (r *Reversibility) UnmarshalText(text []byte) error {
	parsed, err := ParseReversibility(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Reversibility) Value() (driver.Value, error) {
	text, err := r.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(text), nil
}

func (r *Reversibility) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrUnknownReversibility, src)
	}
}

// Command is a parsed bot invocation such as "@bot merge".
type Command struct {
	Resolution    Resolution
	Reversibility Reversibility
}

// Config is the per-repository decision setup.
type Config struct {
	// Team is the GitHub team slug whose members take part in the decision.
	Team string
}

// UserStatus is one member's vote. Superseded votes move to history unchanged.
type UserStatus struct {
	CommentID     string        `json:"comment_id"`
	CommandID     string        `json:"command_id,omitempty"`
	Text          string        `json:"text"`
	Resolution    Resolution    `json:"resolution"`
	Reversibility Reversibility `json:"reversibility"`
}

// sameCommand reports whether two statuses were recorded from the same command.
// CommandID identifies a command inside a comment; CommentID is used when no
// command id was recorded.
func (s UserStatus) sameCommand(o UserStatus) bool {
	if s.CommandID != "" || o.CommandID != "" {
		return s.CommandID == o.CommandID
	}
	return s.CommentID != "" && s.CommentID == o.CommentID
}

// State is the live decision for one issue.
type State struct {
	IssueID     string
	IssueURL    string
	Initiator   string
	Team        string
	PeriodStart time.Time
	PeriodEnd   time.Time

	// CurrentStatuses has an entry for every team member known when the decision
	// was opened; nil means the member has not voted.
	CurrentStatuses map[string]*UserStatus
	// StatusHistory holds superseded votes in the order they were cast.
	StatusHistory map[string][]UserStatus

	Reversibility Reversibility
	Resolution    Resolution

	// FinalizedAt is set once the finalize action ran; the decision then no
	// longer accepts votes.
	FinalizedAt *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
