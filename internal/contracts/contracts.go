package contracts

import (
	"fmt"
	"time"

	"github.com/decisionbot/project/internal/decision"
)

// Issue identifies a tracker issue or pull request.
type Issue struct {
	Repository    string `json:"repository"` // owner/name
	Number        int    `json:"number"`
	URL           string `json:"url"` // API URL
	HTMLURL       string `json:"html_url"`
	IsPullRequest bool   `json:"is_pull_request"`
}

// Key is the stable decision key of the issue, e.g. "rust-lang/rust#1234".
func (i Issue) Key() string {
	return fmt.Sprintf("%s#%d", i.Repository, i.Number)
}

// DecisionCommandMessage is published by webhook-api and processed by decision-engine.
type DecisionCommandMessage struct {
	CommandID     string                 `json:"command_id"`
	Issue         Issue                  `json:"issue"`
	User          string                 `json:"user"`
	CommentID     string                 `json:"comment_id"`
	CommentText   string                 `json:"comment_text"`
	Resolution    decision.Resolution    `json:"resolution"`
	Reversibility decision.Reversibility `json:"reversibility"`
	ReceivedAt    time.Time              `json:"received_at"`
}
