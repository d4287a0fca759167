package decisionengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/decisionbot/project/internal/app/jobs"
	"github.com/decisionbot/project/internal/contracts"
	"github.com/decisionbot/project/internal/decision"
	"github.com/decisionbot/project/internal/platform/telemetry"
)

// IssueActions are the tracker calls that end a decision.
type IssueActions interface {
	GetIssue(ctx context.Context, apiURL string) (contracts.Issue, error)
	MergeIssue(ctx context.Context, issue contracts.Issue, message string) error
	CloseIssue(ctx context.Context, issue contracts.Issue, message string) error
}

// FinalizedStore is the part of the decision store the finalizer uses.
type FinalizedStore interface {
	Get(ctx context.Context, issueID string) (decision.State, error)
	MarkFinalized(ctx context.Context, issueID string, at time.Time) error
}

// Finalizer applies a decision once its finalize job comes due.
type Finalizer struct {
	States  FinalizedStore
	Tracker IssueActions
	Log     *log.Logger
	Now     func() time.Time
	tracer  trace.Tracer
}

func NewFinalizer(states FinalizedStore, tracker IssueActions, logger *log.Logger) *Finalizer {
	return &Finalizer{
		States:  states,
		Tracker: tracker,
		Log:     logger,
		Now:     func() time.Time { return time.Now().UTC() },
		tracer:  telemetry.Tracer("github.com/decisionbot/project/decisionengine"),
	}
}

// Register binds the finalizer to JobName on d.
func (f *Finalizer) Register(d *jobs.Dispatcher) {
	d.Register(JobName, f.Handle)
}

// Handle runs one finalize job. Undecodable metadata is an error. A job whose
// window was superseded, or whose issue cannot be fetched, is logged and
// dropped. After the action the decision is marked finalized and stops
// accepting votes.
func (f *Finalizer) Handle(ctx context.Context, raw json.RawMessage) (err error) {
	var meta ActionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		if errors.Is(err, ErrInvalidJobMetadata) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidJobMetadata, err)
	}

	ctx, span := f.tracer.Start(ctx, "decision.finalize", trace.WithAttributes(
		attribute.String("issue.url", meta.IssueURL),
		attribute.String("decision.status", meta.Status.String()),
	))
	action := "skipped"
	defer func() { telemetry.Finish(span, err, attribute.String("decision.action", action)) }()

	if meta.Versioned() {
		state, err := f.States.Get(ctx, meta.IssueID)
		switch {
		case errors.Is(err, ErrNotFound):
			f.Log.Warn("finalize job has no decision, skipping", "issue", meta.IssueID)
			return nil
		case err != nil:
			return fmt.Errorf("load decision %s: %w", meta.IssueID, err)
		}
		if !meta.Matches(state) {
			f.Log.Info("finalize job superseded, skipping",
				"issue", meta.IssueID,
				"job_status", meta.Status,
				"job_period_start", meta.PeriodStart,
				"job_period_end", meta.PeriodEnd,
				"resolution", state.Resolution,
				"period_start", state.PeriodStart,
				"period_end", state.PeriodEnd,
				"finalized", state.Finalized(),
			)
			return nil
		}
	}

	issue, err := f.Tracker.GetIssue(ctx, meta.IssueURL)
	if err != nil {
		f.Log.Error("failed to get issue for finalize job", "url", meta.IssueURL, "err", err)
		return nil
	}

	switch meta.Status {
	case decision.Merge:
		action = "merge"
		err = f.Tracker.MergeIssue(ctx, issue, meta.Message)
	case decision.Hold:
		action = "close"
		err = f.Tracker.CloseIssue(ctx, issue, meta.Message)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, issue.Key(), err)
	}
	f.Log.Info("decision finalized", "issue", issue.Key(), "action", action)

	issueID := meta.IssueID
	if issueID == "" {
		issueID = issue.Key()
	}
	switch err := f.States.MarkFinalized(ctx, issueID, f.Now().UTC().Truncate(time.Microsecond)); {
	case errors.Is(err, ErrNotFound):
		f.Log.Warn("no live decision to mark finalized", "issue", issueID)
	case err != nil:
		return fmt.Errorf("mark %s finalized: %w", issueID, err)
	}
	return nil
}
