// Package decisionengine applies decision commands to the per-issue decision
// state and finalizes decisions when their window ends.
package decisionengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/decisionbot/project/internal/app/jobs"
	"github.com/decisionbot/project/internal/contracts"
	"github.com/decisionbot/project/internal/decision"
	"github.com/decisionbot/project/internal/platform/metrics"
	"github.com/decisionbot/project/internal/platform/telemetry"
)

var (
	ErrNotFound                = errors.New("decision state not found")
	ErrConflict                = errors.New("decision state changed concurrently")
	ErrInvalidCommandPayload   = errors.New("invalid command payload")
	ErrRepositoryNotConfigured = errors.New("repository has no decision team")
	ErrInvalidJobMetadata      = errors.New("invalid decision job metadata")
	ErrDecisionFinalized       = errors.New("decision already finalized")
)

const (
	// DeniedMessage is posted when a non-member tries to vote.
	DeniedMessage = "Only team members can be part of the decision process."
	// FinalizedMessage is posted when a vote arrives after the decision was acted on.
	FinalizedMessage = "This decision has already been finalized."
)

var votesTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "decision_votes_total",
	Help: "Decision commands handled, by resolution and outcome.",
}, []string{"resolution", "outcome"})

func init() {
	metrics.Default.MustRegister(votesTotal)
}

type StateStore interface {
	Get(ctx context.Context, issueID string) (decision.State, error)
	Insert(ctx context.Context, state decision.State, finalize *jobs.Job) error
	Update(ctx context.Context, state decision.State, expectedVersion int64, finalize *jobs.Job) error
}

type Tracker interface {
	IsTeamMember(ctx context.Context, team, user string) (bool, error)
	TeamMembers(ctx context.Context, team string) ([]string, error)
	PostComment(ctx context.Context, issue contracts.Issue, body string) error
}

// ConfigResolver returns the decision settings for a repository ("owner/name").
type ConfigResolver func(repo string) (decision.Config, bool)

// Event is the comment that carried a decision command.
type Event struct {
	Issue       contracts.Issue
	User        string
	CommentID   string
	CommandID   string
	CommentText string
}

type Service struct {
	Store   StateStore
	Tracker Tracker
	Config  ConfigResolver
	Log     *log.Logger
	Now     func() time.Time

	// NewBackOff bounds the retries of a conflicting read-modify-write.
	NewBackOff func() backoff.BackOff

	tracer trace.Tracer
}

func NewService(store StateStore, tracker Tracker, resolve ConfigResolver, logger *log.Logger) *Service {
	return &Service{
		Store:      store,
		Tracker:    tracker,
		Config:     resolve,
		Log:        logger,
		Now:        func() time.Time { return time.Now().UTC() },
		NewBackOff: defaultConflictBackOff,
		tracer:     telemetry.Tracer("github.com/decisionbot/project/decisionengine"),
	}
}

func defaultConflictBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	return backoff.WithMaxRetries(policy, 5)
}

// Handle decodes a DecisionCommandMessage and applies it.
func (s *Service) Handle(ctx context.Context, subject string, payload []byte) error {
	var msg contracts.DecisionCommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommandPayload, err)
	}
	if msg.Issue.Repository == "" || msg.Issue.Number == 0 || msg.User == "" || msg.Resolution == 0 {
		return fmt.Errorf("%w: missing issue, user or resolution", ErrInvalidCommandPayload)
	}
	if msg.Reversibility == 0 {
		msg.Reversibility = decision.Reversible
	}

	cfg, ok := s.Config(msg.Issue.Repository)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRepositoryNotConfigured, msg.Issue.Repository)
	}

	s.Log.Debug("decision command received", "subject", subject, "command_id", msg.CommandID, "issue", msg.Issue.Key(), "user", msg.User)
	event := Event{
		Issue:       msg.Issue,
		User:        msg.User,
		CommentID:   msg.CommentID,
		CommandID:   msg.CommandID,
		CommentText: msg.CommentText,
	}
	return s.HandleCommand(ctx, cfg, event, decision.Command{
		Resolution:    msg.Resolution,
		Reversibility: msg.Reversibility,
	})
}

// HandleCommand records event's vote on its issue and posts the updated
// status table. Non-members get a denial comment and nil, and so does a vote on
// a finalized decision. Membership of an existing decision is checked against
// the team stored with it. The state and any finalize job are persisted before
// the comment is posted; a command that is already recorded only re-posts the
// comment.
func (s *Service) HandleCommand(ctx context.Context, cfg decision.Config, event Event, cmd decision.Command) (err error) {
	issueID := event.Issue.Key()
	ctx, span := s.tracer.Start(ctx, "decision.handle_command", trace.WithAttributes(
		attribute.String("issue.id", issueID),
		attribute.String("decision.user", event.User),
		attribute.String("decision.resolution", cmd.Resolution.String()),
	))
	outcome := "recorded"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		votesTotal.WithLabelValues(cmd.Resolution.String(), outcome).Inc()
		telemetry.Finish(span, err, attribute.String("decision.outcome", outcome))
	}()

	team, err := s.teamFor(ctx, cfg, issueID)
	if err != nil {
		return err
	}

	member, err := s.Tracker.IsTeamMember(ctx, team, event.User)
	if err != nil {
		s.Log.Warn("team membership check failed, denying", "team", team, "user", event.User, "issue", issueID, "err", err)
		member = false
	}
	if !member {
		outcome = "denied"
		s.Log.Info("decision command denied", "team", team, "user", event.User, "issue", issueID)
		if err := s.Tracker.PostComment(ctx, event.Issue, decision.RenderErrorComment(DeniedMessage)); err != nil {
			return fmt.Errorf("post denial comment: %w", err)
		}
		return nil
	}

	vote := decision.UserStatus{
		CommentID:     event.CommentID,
		CommandID:     event.CommandID,
		Text:          event.CommentText,
		Resolution:    cmd.Resolution,
		Reversibility: cmd.Reversibility,
	}

	result, err := s.persistVote(ctx, team, event, vote)
	if errors.Is(err, ErrDecisionFinalized) {
		outcome = "finalized"
		s.Log.Info("vote on finalized decision rejected", "issue", issueID, "user", event.User)
		if err := s.Tracker.PostComment(ctx, event.Issue, decision.RenderErrorComment(FinalizedMessage)); err != nil {
			return fmt.Errorf("post finalized comment: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	state := result.state
	if result.replayed {
		outcome = "replayed"
		s.Log.Info("decision command already recorded", "issue", issueID, "user", event.User, "comment_id", event.CommentID)
	} else {
		s.Log.Info("decision vote recorded",
			"issue", issueID,
			"user", event.User,
			"vote", cmd.Resolution,
			"resolution", state.Resolution,
			"window", result.transition,
			"period_end", state.PeriodEnd,
		)
	}

	comment := decision.RenderStatusComment(state.StatusHistory, state.CurrentStatuses)
	if err := s.Tracker.PostComment(ctx, event.Issue, comment); err != nil {
		return fmt.Errorf("post status comment: %w", err)
	}
	return nil
}

// teamFor returns the team that decides issueID: the one stored with an
// existing decision, otherwise the repository's configured team.
func (s *Service) teamFor(ctx context.Context, cfg decision.Config, issueID string) (string, error) {
	prev, err := s.Store.Get(ctx, issueID)
	switch {
	case errors.Is(err, ErrNotFound):
		return cfg.Team, nil
	case err != nil:
		return "", fmt.Errorf("load decision %s: %w", issueID, err)
	case prev.Team == "":
		return cfg.Team, nil
	default:
		return prev.Team, nil
	}
}

type voteResult struct {
	state      decision.State
	transition decision.Transition
	// replayed is set when the command was already recorded and nothing was written.
	replayed bool
}

// persistVote runs the read-modify-write of the decision, retrying when a
// concurrent vote or open wins the race.
func (s *Service) persistVote(ctx context.Context, team string, event Event, vote decision.UserStatus) (voteResult, error) {
	issueID := event.Issue.Key()
	var members []string
	var result voteResult

	attempt := func() error {
		now := s.now()
		prev, err := s.Store.Get(ctx, issueID)
		switch {
		case errors.Is(err, ErrNotFound):
			if members == nil {
				members, err = s.Tracker.TeamMembers(ctx, team)
				if err != nil {
					return backoff.Permanent(fmt.Errorf("list team %s: %w", team, err))
				}
			}
			next, tr := decision.Open(issueID, event.Issue.URL, team, members, event.User, vote, now)
			// every window gets its job, even one opened held
			job, err := finalizeJob(next)
			if err != nil {
				return backoff.Permanent(err)
			}
			if err := s.Store.Insert(ctx, next, job); err != nil {
				return retryOnConflict(fmt.Errorf("insert decision %s: %w", issueID, err))
			}
			next.Version = 1
			result = voteResult{state: next, transition: tr}
			return nil
		case err != nil:
			return backoff.Permanent(fmt.Errorf("load decision %s: %w", issueID, err))
		case prev.Finalized():
			return backoff.Permanent(ErrDecisionFinalized)
		case prev.HasVote(event.User, vote):
			result = voteResult{state: prev, transition: decision.WindowUnchanged, replayed: true}
			return nil
		}

		next, tr := decision.ApplyVote(prev, event.User, vote, now)
		var job *jobs.Job
		if tr.NeedsJob() {
			if job, err = finalizeJob(next); err != nil {
				return backoff.Permanent(err)
			}
		}
		if err := s.Store.Update(ctx, next, prev.Version, job); err != nil {
			return retryOnConflict(fmt.Errorf("update decision %s: %w", issueID, err))
		}
		next.Version = prev.Version + 1
		result = voteResult{state: next, transition: tr}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		s.Log.Warn("decision changed concurrently, retrying", "issue", issueID, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(s.NewBackOff(), ctx), notify); err != nil {
		return voteResult{}, err
	}
	return result, nil
}

func retryOnConflict(err error) error {
	if errors.Is(err, ErrConflict) {
		return err
	}
	return backoff.Permanent(err)
}

// finalizeJob builds the job that finalizes state's window at PeriodEnd.
func finalizeJob(state decision.State) (*jobs.Job, error) {
	job, err := jobs.New(JobName, state.PeriodEnd, newActionMetadata(state))
	if err != nil {
		return nil, fmt.Errorf("build finalize job: %w", err)
	}
	return job, nil
}

func (s *Service) now() time.Time {
	return s.Now().UTC().Truncate(time.Microsecond)
}
