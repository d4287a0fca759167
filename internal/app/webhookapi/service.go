// Package webhookapi turns GitHub issue comments into decision commands and
// serves the read-only decision status API.
package webhookapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-github/v57/github"
	"github.com/nats-io/nuid"

	"github.com/decisionbot/project/internal/contracts"
	"github.com/decisionbot/project/internal/decision"
	"github.com/decisionbot/project/internal/parser"
	"github.com/decisionbot/project/internal/platform/githubapi"
	"github.com/decisionbot/project/internal/platform/metrics"
	"github.com/decisionbot/project/internal/sharding"
)

var ErrInvalidEvent = errors.New("invalid issue comment event")

var commandsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "webhook_commands_total",
	Help: "Bot mentions found in issue comments, by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(commandsTotal)
}

// Publisher sends a command to the engine. msgID deduplicates redeliveries.
type Publisher interface {
	Publish(subject, msgID string, payload []byte) error
}

// CommentPoster replies on an issue.
type CommentPoster interface {
	PostComment(ctx context.Context, issue contracts.Issue, body string) error
}

// Result summarizes what was done with one comment.
type Result struct {
	Status    string   `json:"status"`
	Published []string `json:"published,omitempty"`
	Rejected  int      `json:"rejected,omitempty"`
}

type Service struct {
	Publisher Publisher
	Comments  CommentPoster
	Config    func(repo string) (decision.Config, bool)
	Bot       string
	Log       *log.Logger
	Now       func() time.Time
	NewID     func() string
}

func NewService(publisher Publisher, comments CommentPoster, resolve func(string) (decision.Config, bool), bot string, logger *log.Logger) *Service {
	return &Service{
		Publisher: publisher,
		Comments:  comments,
		Config:    resolve,
		Bot:       strings.TrimPrefix(bot, "@"),
		Log:       logger,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     nuid.Next,
	}
}

// HandleComment parses a newly created comment and publishes one command per
// recognized mention. Parse errors are answered with an error comment on the
// issue and are not published. Edited and deleted comments, comments by the
// bot and repositories without a decision team are ignored.
func (s *Service) HandleComment(ctx context.Context, deliveryID string, event *github.IssueCommentEvent) (Result, error) {
	if event.GetAction() != "created" {
		return Result{Status: "ignored"}, nil
	}
	author := event.GetComment().GetUser().GetLogin()
	if author == "" || event.GetIssue() == nil {
		return Result{}, fmt.Errorf("%w: missing issue or author", ErrInvalidEvent)
	}
	if strings.EqualFold(author, s.Bot) {
		return Result{Status: "ignored"}, nil
	}

	issue, err := githubapi.IssueFromGitHub(event.GetIssue(), event.GetRepo().GetFullName())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if _, ok := s.Config(issue.Repository); !ok {
		s.Log.Debug("repository has no decision team, ignoring comment", "repo", issue.Repository)
		return Result{Status: "ignored"}, nil
	}

	body := event.GetComment().GetBody()
	found := parser.NewInput(body, s.Bot).Parse()
	if len(found) == 0 {
		return Result{Status: "ignored"}, nil
	}
	if deliveryID == "" {
		deliveryID = s.NewID()
	}

	res := Result{Status: "accepted"}
	for i, r := range found {
		if r.Err != nil {
			commandsTotal.WithLabelValues("rejected").Inc()
			res.Rejected++
			s.Log.Info("rejected bot command", "issue", issue.Key(), "user", author, "err", r.Err)
			if err := s.Comments.PostComment(ctx, issue, decision.RenderErrorComment(r.Err.Error())); err != nil {
				return res, fmt.Errorf("post parse error comment: %w", err)
			}
			continue
		}

		cmd := contracts.DecisionCommandMessage{
			CommandID:     deliveryID + "-" + strconv.Itoa(i),
			Issue:         issue,
			User:          author,
			CommentID:     strconv.FormatInt(event.GetComment().GetID(), 10),
			CommentText:   body,
			Resolution:    r.Command.Resolution,
			Reversibility: r.Command.Reversibility,
			ReceivedAt:    s.Now(),
		}
		payload, err := json.Marshal(cmd)
		if err != nil {
			return res, fmt.Errorf("encode command: %w", err)
		}
		subject := sharding.GetSubject("issue", issue.Key())
		if err := s.Publisher.Publish(subject, cmd.CommandID, payload); err != nil {
			commandsTotal.WithLabelValues("publish_error").Inc()
			return res, fmt.Errorf("publish command %s: %w", cmd.CommandID, err)
		}
		commandsTotal.WithLabelValues("published").Inc()
		res.Published = append(res.Published, cmd.CommandID)
		s.Log.Info("decision command published", "issue", issue.Key(), "user", author, "command_id", cmd.CommandID, "resolution", cmd.Resolution)
	}
	return res, nil
}
