package decision

import (
	"maps"
	"slices"
	"time"
)

// Transition describes what a vote did to the deliberation window.
type Transition int

const (
	// WindowUnchanged keeps the current window and any pending finalize job.
	WindowUnchanged Transition = iota
	// WindowStarted means the window now ends at PeriodEnd and no pending job
	// covers it; a finalize job must be scheduled.
	WindowStarted
	// WindowPaused means a hold now blocks the decision; pending finalize jobs
	// are stale until the hold is withdrawn.
	WindowPaused
	// WindowResumed means the last hold was withdrawn before PeriodEnd; the job
	// scheduled for that end is valid again.
	WindowResumed
)

func (t Transition) String() string {
	switch t {
	case WindowStarted:
		return "started"
	case WindowPaused:
		return "paused"
	case WindowResumed:
		return "resumed"
	default:
		return "unchanged"
	}
}

// NeedsJob reports whether a finalize job must be scheduled for the new window.
func (t Transition) NeedsJob() bool {
	return t == WindowStarted
}

// Open builds the aggregate for the first vote on an issue. Every team member is
// seeded without a vote, then the voter's status is installed. The window starts
// at now even when the first vote is a hold.
func Open(issueID, issueURL, team string, members []string, voter string, vote UserStatus, now time.Time) (State, Transition) {
	current := make(map[string]*UserStatus, len(members)+1)
	for _, member := range members {
		current[member] = nil
	}
	v := vote
	current[voter] = &v

	start := now.UTC()
	state := State{
		IssueID:         issueID,
		IssueURL:        issueURL,
		Initiator:       voter,
		Team:            team,
		PeriodStart:     start,
		PeriodEnd:       start.Add(PeriodLength),
		CurrentStatuses: current,
		StatusHistory:   map[string][]UserStatus{},
		Resolution:      Tally(current),
		Reversibility:   tallyReversibility(current),
	}
	if state.Resolution == Hold {
		return state, WindowPaused
	}
	return state, WindowStarted
}

// ApplyVote returns prev with voter's new vote installed. A previous current vote
// is appended to the voter's history. prev is not modified. A vote that was
// already recorded returns prev unchanged.
//
// Window policy: a hold pauses the window until every hold is withdrawn.
// PeriodStart never moves. When the last hold is withdrawn before PeriodEnd the
// original end stands; when it is withdrawn later PeriodEnd becomes now and the
// decision is due immediately.
func ApplyVote(prev State, voter string, vote UserStatus, now time.Time) (State, Transition) {
	if prev.HasVote(voter, vote) {
		return prev, WindowUnchanged
	}

	current := cloneCurrent(prev.CurrentStatuses)
	history := cloneHistory(prev.StatusHistory)

	if old := current[voter]; old != nil {
		history[voter] = append(history[voter], *old)
	}
	v := vote
	current[voter] = &v

	next := prev
	next.CurrentStatuses = current
	next.StatusHistory = history
	next.Resolution = Tally(current)
	next.Reversibility = tallyReversibility(current)

	switch {
	case prev.Resolution == Hold && next.Resolution == Merge:
		if now.Before(prev.PeriodEnd) {
			return next, WindowResumed
		}
		next.PeriodEnd = now.UTC()
		return next, WindowStarted
	case prev.Resolution != Hold && next.Resolution == Hold:
		return next, WindowPaused
	default:
		return next, WindowUnchanged
	}
}

// HasVote reports whether the command that produced vote is already recorded
// for voter, either as the current vote or in history.
func (s State) HasVote(voter string, vote UserStatus) bool {
	if cur := s.CurrentStatuses[voter]; cur != nil && cur.sameCommand(vote) {
		return true
	}
	for _, old := range s.StatusHistory[voter] {
		if old.sameCommand(vote) {
			return true
		}
	}
	return false
}

// Finalized reports whether the finalize action already ran.
func (s State) Finalized() bool {
	return s.FinalizedAt != nil
}

// Tally is the tentative outcome: any standing hold blocks the merge.
func Tally(current map[string]*UserStatus) Resolution {
	for _, status := range current {
		if status != nil && status.Resolution == Hold {
			return Hold
		}
	}
	return Merge
}

func tallyReversibility(current map[string]*UserStatus) Reversibility {
	for _, status := range current {
		if status != nil && status.Reversibility == Irreversible {
			return Irreversible
		}
	}
	return Reversible
}

// Members returns the sorted union of members that appear in either map.
func Members(history map[string][]UserStatus, current map[string]*UserStatus) []string {
	seen := make(map[string]struct{}, len(current)+len(history))
	for member := range current {
		seen[member] = struct{}{}
	}
	for member := range history {
		seen[member] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

func cloneCurrent(in map[string]*UserStatus) map[string]*UserStatus {
	out := make(map[string]*UserStatus, len(in)+1)
	for member, status := range in {
		if status == nil {
			out[member] = nil
			continue
		}
		s := *status
		out[member] = &s
	}
	return out
}

func cloneHistory(in map[string][]UserStatus) map[string][]UserStatus {
	out := make(map[string][]UserStatus, len(in)+1)
	for member, statuses := range in {
		out[member] = slices.Clone(statuses)
	}
	return out
}
