package decisionengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/decisionbot/project/internal/decision"
)

// JobName is the scheduled job kind that finalizes a decision.
const JobName = "decision_process_action"

// ActionMetadata is stored with a finalize job and read back when it comes
// due, possibly by a newer build. Status is the action the job takes; the
// engine only schedules merges, since a window that ends held does nothing. The message/issue_url/status keys must keep
// their meaning. IssueID, PeriodStart and PeriodEnd identify the window the
// job was scheduled for; jobs written without them are acted on unchecked.
type ActionMetadata struct {
	Message     string              `json:"message"`
	IssueURL    string              `json:"issue_url"`
	Status      decision.Resolution `json:"status"`
	IssueID     string              `json:"issue_id,omitempty"`
	PeriodStart *time.Time          `json:"period_start,omitempty"`
	PeriodEnd   *time.Time          `json:"period_end,omitempty"`
}

// UnmarshalJSON also accepts the older get_issue_url key.
func (m *ActionMetadata) UnmarshalJSON(data []byte) error {
	type plain ActionMetadata
	var raw struct {
		plain
		GetIssueURL string `json:"get_issue_url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = ActionMetadata(raw.plain)
	if m.IssueURL == "" {
		m.IssueURL = raw.GetIssueURL
	}
	if m.IssueURL == "" {
		return fmt.Errorf("%w: issue_url is required", ErrInvalidJobMetadata)
	}
	if m.Status == 0 {
		return fmt.Errorf("%w: status is required", ErrInvalidJobMetadata)
	}
	return nil
}

// Versioned reports whether the metadata carries the window key used to
// detect stale jobs.
func (m ActionMetadata) Versioned() bool {
	return m.IssueID != "" && m.PeriodStart != nil
}

// Matches reports whether state is still the live decision window this job
// was scheduled for. Times compare at the store's microsecond precision.
// period_end is checked when present; a hold released after the window ended
// moves the end and supersedes the job scheduled for the old one.
func (m ActionMetadata) Matches(state decision.State) bool {
	if !m.Versioned() {
		return true
	}
	if state.Finalized() {
		return false
	}
	if m.PeriodEnd != nil && !sameInstant(state.PeriodEnd, *m.PeriodEnd) {
		return false
	}
	return state.IssueID == m.IssueID &&
		state.Resolution == m.Status &&
		sameInstant(state.PeriodStart, *m.PeriodStart)
}

func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

func newActionMetadata(state decision.State) ActionMetadata {
	start, end := state.PeriodStart, state.PeriodEnd
	return ActionMetadata{
		Message:     finalizeMessage(state),
		IssueURL:    state.IssueURL,
		Status:      decision.Merge,
		IssueID:     state.IssueID,
		PeriodStart: &start,
		PeriodEnd:   &end,
	}
}

func finalizeMessage(state decision.State) string {
	return fmt.Sprintf(
		"The decision period started by @%s on %s has ended with resolution **%s** (%s).",
		state.Initiator,
		state.PeriodStart.UTC().Format(time.DateOnly),
		decision.Merge,
		state.Reversibility,
	)
}
