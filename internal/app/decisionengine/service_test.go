package decisionengine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/decisionbot/project/internal/app/jobs"
	"github.com/decisionbot/project/internal/contracts"
	"github.com/decisionbot/project/internal/decision"
	"github.com/decisionbot/project/internal/platform/logging"
)

type fakeStore struct {
	mu      sync.Mutex
	states  map[string]decision.State
	inserts []decision.State
	updates []decision.State
	jobs    []jobs.Job

	getErr    error
	insertErr error
	markErr   error
	finalized []string
	// beforeWrite runs once before the next Insert/Update, to simulate a racing writer.
	beforeWrite func(f *fakeStore)
	// alwaysConflict makes every Update fail with ErrConflict.
	alwaysConflict bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]decision.State{}}
}

func (f *fakeStore) race() {
	if hook := f.beforeWrite; hook != nil {
		f.beforeWrite = nil
		hook(f)
	}
}

func (f *fakeStore) Get(_ context.Context, issueID string) (decision.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return decision.State{}, f.getErr
	}
	state, ok := f.states[issueID]
	if !ok {
		return decision.State{}, ErrNotFound
	}
	return state, nil
}

func (f *fakeStore) Insert(_ context.Context, state decision.State, finalize *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.race()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, exists := f.states[state.IssueID]; exists {
		return ErrConflict
	}
	state.Version = 1
	f.states[state.IssueID] = state
	f.inserts = append(f.inserts, state)
	if finalize != nil {
		f.jobs = append(f.jobs, *finalize)
	}
	return nil
}

func (f *fakeStore) Update(_ context.Context, state decision.State, expectedVersion int64, finalize *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.race()
	current, ok := f.states[state.IssueID]
	if f.alwaysConflict || !ok || current.Version != expectedVersion {
		return ErrConflict
	}
	state.Version = expectedVersion + 1
	f.states[state.IssueID] = state
	f.updates = append(f.updates, state)
	if finalize != nil {
		f.jobs = append(f.jobs, *finalize)
	}
	return nil
}

func (f *fakeStore) MarkFinalized(_ context.Context, issueID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	state, ok := f.states[issueID]
	if !ok || state.FinalizedAt != nil {
		return ErrNotFound
	}
	state.FinalizedAt = &at
	state.Version++
	f.states[issueID] = state
	f.finalized = append(f.finalized, issueID)
	return nil
}

type fakeTracker struct {
	members []string
	// teams, when set, replaces members with per-team rosters.
	teams     map[string][]string
	memberErr error
	teamErr   error
	postErr   error
	comments  []string
	teamCalls int
}

func (f *fakeTracker) roster(team string) []string {
	if f.teams != nil {
		return f.teams[team]
	}
	return f.members
}

func (f *fakeTracker) IsTeamMember(_ context.Context, team string, user string) (bool, error) {
	if f.memberErr != nil {
		return false, f.memberErr
	}
	for _, m := range f.roster(team) {
		if m == user {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTracker) TeamMembers(_ context.Context, team string) ([]string, error) {
	f.teamCalls++
	if f.teamErr != nil {
		return nil, f.teamErr
	}
	return append([]string(nil), f.roster(team)...), nil
}

func (f *fakeTracker) PostComment(_ context.Context, _ contracts.Issue, body string) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.comments = append(f.comments, body)
	return nil
}

var (
	testIssue = contracts.Issue{
		Repository: "rust-lang/lang-team",
		Number:     42,
		URL:        "https://api.github.com/repos/rust-lang/lang-team/issues/42",
	}
	testConfig = decision.Config{Team: "lang"}
	t0         = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
)

func newTestService(store *fakeStore, tracker *fakeTracker, now *time.Time) *Service {
	svc := NewService(store, tracker, func(repo string) (decision.Config, bool) {
		if repo == testIssue.Repository {
			return testConfig, true
		}
		return decision.Config{}, false
	}, logging.Discard())
	svc.Now = func() time.Time { return *now }
	svc.NewBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return svc
}

func voteEvent(user, commentID string) Event {
	return Event{Issue: testIssue, User: user, CommentID: commentID, CommentText: "@bot vote"}
}

func merge() decision.Command {
	return decision.Command{Resolution: decision.Merge, Reversibility: decision.Reversible}
}

func hold() decision.Command {
	return decision.Command{Resolution: decision.Hold, Reversibility: decision.Reversible}
}

func decodeMetadata(t *testing.T, job jobs.Job) ActionMetadata {
	t.Helper()
	var meta ActionMetadata
	if err := json.Unmarshal(job.Metadata, &meta); err != nil {
		t.Fatalf("decode job metadata %s: %v", job.Metadata, err)
	}
	return meta
}

func TestHandleCommand_OpensMergeDecision(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"barbara", "alan", "niklaus"}}
	now := t0
	svc := newTestService(store, tracker, &now)

	if err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("HandleCommand error: %v", err)
	}

	if len(store.inserts) != 1 || len(store.updates) != 0 {
		t.Fatalf("expected exactly one insert, got inserts=%d updates=%d", len(store.inserts), len(store.updates))
	}
	state := store.inserts[0]
	if state.IssueID != "rust-lang/lang-team#42" || state.Initiator != "alan" || state.Team != "lang" {
		t.Fatalf("unexpected state identity: %+v", state)
	}
	if len(state.CurrentStatuses) != 3 || state.CurrentStatuses["barbara"] != nil || state.CurrentStatuses["niklaus"] != nil {
		t.Fatalf("other members should be seeded without a vote: %+v", state.CurrentStatuses)
	}
	if got := state.CurrentStatuses["alan"]; got == nil || got.Resolution != decision.Merge || got.CommentID != "c1" {
		t.Fatalf("unexpected invoker vote: %+v", got)
	}
	if len(state.StatusHistory) != 0 {
		t.Fatalf("history should start empty: %+v", state.StatusHistory)
	}

	if len(store.jobs) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(store.jobs))
	}
	job := store.jobs[0]
	if job.Name != JobName || !job.DueAt.Equal(t0.Add(10*24*time.Hour)) {
		t.Fatalf("unexpected job: name=%s due=%s", job.Name, job.DueAt)
	}
	meta := decodeMetadata(t, job)
	if meta.Status != decision.Merge || meta.IssueURL != testIssue.URL || meta.IssueID != state.IssueID ||
		!meta.PeriodStart.Equal(t0) || !meta.PeriodEnd.Equal(job.DueAt) {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	wantComment := "| Team member | State |\n|-------------|-------|\n| alan | **merge** |\n| barbara | |\n| niklaus | |"
	if len(tracker.comments) != 1 || tracker.comments[0] != wantComment {
		t.Fatalf("unexpected comments: %q", tracker.comments)
	}
}

func TestHandleCommand_NonMemberDenied(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan"}}
	now := t0
	svc := newTestService(store, tracker, &now)

	if err := svc.HandleCommand(context.Background(), testConfig, voteEvent("mallory", "c1"), merge()); err != nil {
		t.Fatalf("denial should not be an error, got %v", err)
	}
	if len(store.inserts) != 0 || tracker.teamCalls != 0 {
		t.Fatal("no state should be written for a non-member")
	}
	if len(tracker.comments) != 1 || !strings.Contains(tracker.comments[0], DeniedMessage) {
		t.Fatalf("expected a denial comment, got %q", tracker.comments)
	}
}

func TestHandleCommand_MembershipErrorFailsClosed(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan"}, memberErr: errors.New("github down")}
	now := t0
	svc := newTestService(store, tracker, &now)

	if err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(store.inserts) != 0 {
		t.Fatal("state must not be written when membership is unknown")
	}
	if len(tracker.comments) != 1 || !strings.Contains(tracker.comments[0], DeniedMessage) {
		t.Fatalf("expected a denial comment, got %q", tracker.comments)
	}
}

func TestHandleCommand_StoreFailurePostsNothing(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("connection refused")
	tracker := &fakeTracker{members: []string{"alan"}}
	now := t0
	svc := newTestService(store, tracker, &now)

	err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "c1"), merge())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(tracker.comments) != 0 {
		t.Fatalf("no comment may be posted after a failed write, got %q", tracker.comments)
	}
}

func TestHandleCommand_TeamListFailure(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan"}, teamErr: errors.New("rate limited")}
	now := t0
	svc := newTestService(store, tracker, &now)

	if err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "c1"), merge()); err == nil {
		t.Fatal("expected error")
	}
	if len(store.inserts) != 0 || len(tracker.comments) != 0 {
		t.Fatal("nothing should be written or posted")
	}
}

func TestHandleCommand_CommentFailureIsReturnedAfterPersist(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan"}, postErr: errors.New("502")}
	now := t0
	svc := newTestService(store, tracker, &now)

	if err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "c1"), merge()); err == nil {
		t.Fatal("expected comment error")
	}
	if len(store.inserts) != 1 {
		t.Fatal("state should be persisted before posting")
	}
}

func TestHandleCommand_RevoteMovesCurrentToHistory(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan", "barbara"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("open: %v", err)
	}
	now = t0.Add(time.Hour)
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c2"), merge()); err != nil {
		t.Fatalf("revote: %v", err)
	}

	if len(store.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(store.updates))
	}
	state := store.updates[0]
	history := state.StatusHistory["alan"]
	if len(history) != 1 || history[0].CommentID != "c1" {
		t.Fatalf("history should hold exactly the first vote: %+v", history)
	}
	if got := state.CurrentStatuses["alan"]; got == nil || got.CommentID != "c2" {
		t.Fatalf("current should hold exactly the second vote: %+v", got)
	}
	if len(store.jobs) != 1 {
		t.Fatalf("merge after merge must not schedule another job, got %d", len(store.jobs))
	}
	if !state.PeriodStart.Equal(t0) {
		t.Fatalf("window should be unchanged, starts %s", state.PeriodStart)
	}
	if want := "| alan | ~~merge~~  **merge** |"; !strings.Contains(tracker.comments[1], want) {
		t.Fatalf("comment %q missing %q", tracker.comments[1], want)
	}
}

func TestHandleCommand_HoldReleasedBeforeEndKeepsOriginalJob(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan", "barbara"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("open: %v", err)
	}

	now = t0.Add(24 * time.Hour)
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("barbara", "c2"), hold()); err != nil {
		t.Fatalf("hold: %v", err)
	}
	held, _ := store.Get(ctx, testIssue.Key())
	if held.Resolution != decision.Hold || len(store.jobs) != 1 {
		t.Fatalf("hold should pause without scheduling: resolution=%s jobs=%d", held.Resolution, len(store.jobs))
	}
	if decodeMetadata(t, store.jobs[0]).Matches(held) {
		t.Fatal("the original finalize job should be stale while held")
	}

	now = t0.Add(3 * 24 * time.Hour)
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("barbara", "c3"), merge()); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, _ := store.Get(ctx, testIssue.Key())
	if released.Resolution != decision.Merge || !released.PeriodStart.Equal(t0) || !released.PeriodEnd.Equal(t0.Add(decision.PeriodLength)) {
		t.Fatalf("release should keep the original window: %s..%s", released.PeriodStart, released.PeriodEnd)
	}
	if len(store.jobs) != 1 {
		t.Fatalf("release before the end must not schedule another job, got %d", len(store.jobs))
	}
	if !decodeMetadata(t, store.jobs[0]).Matches(released) {
		t.Fatal("the original job should be live again")
	}
}

func TestHandleCommand_HoldReleasedAfterEndIsDueNow(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan", "barbara"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("open: %v", err)
	}
	now = t0.Add(time.Hour)
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("barbara", "c2"), hold()); err != nil {
		t.Fatalf("hold: %v", err)
	}

	now = t0.Add(11 * 24 * time.Hour)
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("barbara", "c3"), merge()); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, _ := store.Get(ctx, testIssue.Key())
	if !released.PeriodStart.Equal(t0) || !released.PeriodEnd.Equal(now) {
		t.Fatalf("expected window %s..%s, got %s..%s", t0, now, released.PeriodStart, released.PeriodEnd)
	}
	if got := released.StatusHistory["barbara"]; len(got) != 1 || got[0].Resolution != decision.Hold {
		t.Fatalf("the hold should move to history: %+v", got)
	}
	if len(store.jobs) != 2 {
		t.Fatalf("release after the end should schedule a job, got %d", len(store.jobs))
	}
	due := store.jobs[1]
	if !due.DueAt.Equal(now) || !decodeMetadata(t, due).Matches(released) {
		t.Fatalf("unexpected job: due=%s metadata=%s", due.DueAt, due.Metadata)
	}
	if decodeMetadata(t, store.jobs[0]).Matches(released) {
		t.Fatal("the job for the original end must stay stale")
	}
}

func TestHandleCommand_RedeliveryAfterCommentFailure(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan", "barbara"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("open: %v", err)
	}

	now = t0.Add(time.Hour)
	tracker.postErr = errors.New("502")
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("barbara", "c2"), hold()); err == nil {
		t.Fatal("expected comment error")
	}

	now = t0.Add(2 * time.Hour)
	tracker.postErr = nil
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("barbara", "c2"), hold()); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(store.updates) != 1 {
		t.Fatalf("redelivery must not write again, got %d updates", len(store.updates))
	}
	state, _ := store.Get(ctx, testIssue.Key())
	if len(state.StatusHistory["barbara"]) != 0 {
		t.Fatalf("redelivery duplicated the vote into history: %+v", state.StatusHistory["barbara"])
	}
	if len(store.jobs) != 1 {
		t.Fatalf("redelivery must not schedule, got %d jobs", len(store.jobs))
	}
	if len(tracker.comments) != 2 {
		t.Fatalf("expected the status comment to be posted on redelivery, got %q", tracker.comments)
	}
	if got := tracker.comments[1]; !strings.Contains(got, "| barbara | **hold** |") || strings.Contains(got, "~~") {
		t.Fatalf("unexpected status comment: %q", got)
	}
}

func TestHandleCommand_TwoCommandsInOneComment(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	first := voteEvent("alan", "c1")
	first.CommandID = "d1-0"
	second := voteEvent("alan", "c1")
	second.CommandID = "d1-1"

	if err := svc.HandleCommand(ctx, testConfig, first, merge()); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := svc.HandleCommand(ctx, testConfig, second, hold()); err != nil {
		t.Fatalf("second: %v", err)
	}
	state, _ := store.Get(ctx, testIssue.Key())
	if state.Resolution != decision.Hold || len(state.StatusHistory["alan"]) != 1 {
		t.Fatalf("both commands should be recorded: resolution=%s history=%+v", state.Resolution, state.StatusHistory["alan"])
	}
}

func TestHandleCommand_FinalizedDecisionRejectsVotes(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan", "barbara"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.MarkFinalized(ctx, testIssue.Key(), t0.Add(decision.PeriodLength)); err != nil {
		t.Fatalf("mark finalized: %v", err)
	}

	now = t0.Add(11 * 24 * time.Hour)
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("barbara", "c2"), merge()); err != nil {
		t.Fatalf("vote on finalized decision should not be an error, got %v", err)
	}
	if len(store.updates) != 0 || len(store.jobs) != 1 {
		t.Fatalf("nothing may be written: updates=%d jobs=%d", len(store.updates), len(store.jobs))
	}
	last := tracker.comments[len(tracker.comments)-1]
	if !strings.Contains(last, FinalizedMessage) {
		t.Fatalf("expected the finalized comment, got %q", last)
	}
}

func TestHandleCommand_FinalizedWhileVoting(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan", "barbara"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("open: %v", err)
	}
	// the finalizer lands between barbara's read and write
	store.beforeWrite = func(f *fakeStore) {
		state := f.states[testIssue.Key()]
		at := t0.Add(decision.PeriodLength)
		state.FinalizedAt = &at
		state.Version++
		f.states[state.IssueID] = state
	}

	now = t0.Add(decision.PeriodLength)
	if err := svc.HandleCommand(ctx, testConfig, voteEvent("barbara", "c2"), hold()); err != nil {
		t.Fatalf("HandleCommand error: %v", err)
	}
	if len(store.updates) != 0 {
		t.Fatalf("the vote must not be applied after finalization, got %d updates", len(store.updates))
	}
	if last := tracker.comments[len(tracker.comments)-1]; !strings.Contains(last, FinalizedMessage) {
		t.Fatalf("expected the finalized comment, got %q", last)
	}
}

func TestHandleCommand_ExistingDecisionUsesStoredTeam(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{teams: map[string][]string{
		"lang":     {"alan", "barbara"},
		"compiler": {"grace"},
	}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("open: %v", err)
	}

	// the repository moved to another team after the decision opened
	moved := decision.Config{Team: "compiler"}
	now = t0.Add(time.Hour)
	if err := svc.HandleCommand(ctx, moved, voteEvent("barbara", "c2"), hold()); err != nil {
		t.Fatalf("member vote: %v", err)
	}
	if err := svc.HandleCommand(ctx, moved, voteEvent("grace", "c3"), merge()); err != nil {
		t.Fatalf("outsider vote: %v", err)
	}

	state, _ := store.Get(ctx, testIssue.Key())
	if state.Team != "lang" || state.CurrentStatuses["barbara"] == nil {
		t.Fatalf("barbara's vote should count for the lang decision: %+v", state.CurrentStatuses)
	}
	if _, ok := state.CurrentStatuses["grace"]; ok {
		t.Fatalf("grace is not on the deciding team: %+v", state.CurrentStatuses)
	}
	if last := tracker.comments[len(tracker.comments)-1]; !strings.Contains(last, DeniedMessage) {
		t.Fatalf("expected a denial for grace, got %q", last)
	}
}

func TestHandleCommand_LoadFailureBeforeMembership(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	tracker := &fakeTracker{members: []string{"alan"}}
	now := t0
	svc := newTestService(store, tracker, &now)

	err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "c1"), merge())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected load error, got %v", err)
	}
	if len(tracker.comments) != 0 {
		t.Fatalf("nothing should be posted, got %q", tracker.comments)
	}
}

func TestHandleCommand_FirstHoldOpensHeldDecision(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan", "barbara"}}
	now := t0
	svc := newTestService(store, tracker, &now)

	if err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "c1"), hold()); err != nil {
		t.Fatalf("HandleCommand error: %v", err)
	}
	if len(store.inserts) != 1 || store.inserts[0].Resolution != decision.Hold {
		t.Fatalf("expected a held decision, got %+v", store.inserts)
	}
	if len(tracker.comments) != 1 || !strings.Contains(tracker.comments[0], "| alan | **hold** |") {
		t.Fatalf("unexpected comments: %q", tracker.comments)
	}
	if len(store.jobs) != 1 || !store.jobs[0].DueAt.Equal(t0.Add(decision.PeriodLength)) {
		t.Fatalf("the window should get its job, got %+v", store.jobs)
	}
	job := decodeMetadata(t, store.jobs[0])
	if job.Status != decision.Merge || job.Matches(store.inserts[0]) {
		t.Fatalf("the job should be a merge that is stale while held: %+v", job)
	}

	now = t0.Add(2 * 24 * time.Hour)
	if err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "c2"), merge()); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, _ := store.Get(context.Background(), testIssue.Key())
	if len(store.jobs) != 1 || !job.Matches(released) {
		t.Fatalf("release before the end should revive the opening job: jobs=%d state=%+v", len(store.jobs), released)
	}
}

func TestHandleCommand_ConcurrentOpenBecomesRevote(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan", "barbara"}}
	now := t0
	svc := newTestService(store, tracker, &now)

	// barbara's open lands between alan's read and alan's insert.
	store.beforeWrite = func(f *fakeStore) {
		winner, _ := decision.Open(testIssue.Key(), testIssue.URL, "lang", []string{"alan", "barbara"}, "barbara",
			decision.UserStatus{CommentID: "b1", Resolution: decision.Merge, Reversibility: decision.Reversible}, t0)
		winner.Version = 1
		f.states[winner.IssueID] = winner
	}

	if err := svc.HandleCommand(context.Background(), testConfig, voteEvent("alan", "a1"), merge()); err != nil {
		t.Fatalf("HandleCommand error: %v", err)
	}
	if len(store.inserts) != 0 || len(store.updates) != 1 {
		t.Fatalf("expected the losing open to become an update: inserts=%d updates=%d", len(store.inserts), len(store.updates))
	}
	state := store.updates[0]
	if state.Initiator != "barbara" || state.CurrentStatuses["alan"] == nil || state.CurrentStatuses["barbara"] == nil {
		t.Fatalf("both votes should survive: %+v", state.CurrentStatuses)
	}
}

func TestHandleCommand_ConflictRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c1"), merge()); err != nil {
		t.Fatalf("open: %v", err)
	}
	store.alwaysConflict = true
	err := svc.HandleCommand(ctx, testConfig, voteEvent("alan", "c2"), hold())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(tracker.comments) != 1 {
		t.Fatalf("no comment for a vote that was not saved, got %d comments", len(tracker.comments))
	}
}

func TestHandle_DecodesMessage(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan"}}
	now := t0
	svc := newTestService(store, tracker, &now)

	// reversibility omitted: older publishers did not send it.
	payload := []byte(`{
		"command_id": "cmd-1",
		"issue": {"repository": "rust-lang/lang-team", "number": 42, "url": "https://api.github.com/repos/rust-lang/lang-team/issues/42"},
		"user": "alan",
		"comment_id": "c1",
		"resolution": "merge"
	}`)
	if err := svc.Handle(context.Background(), "app.command.1.issue.x", payload); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if len(store.inserts) != 1 || store.inserts[0].Reversibility != decision.Reversible {
		t.Fatalf("unexpected inserts: %+v", store.inserts)
	}
}

func TestHandle_TerminalErrors(t *testing.T) {
	store := newFakeStore()
	tracker := &fakeTracker{members: []string{"alan"}}
	now := t0
	svc := newTestService(store, tracker, &now)
	ctx := context.Background()

	if err := svc.Handle(ctx, "s", []byte("{invalid")); !errors.Is(err, ErrInvalidCommandPayload) {
		t.Fatalf("expected ErrInvalidCommandPayload, got %v", err)
	}
	if err := svc.Handle(ctx, "s", []byte(`{"user":"alan"}`)); !errors.Is(err, ErrInvalidCommandPayload) {
		t.Fatalf("expected ErrInvalidCommandPayload for missing issue, got %v", err)
	}

	other := testIssue
	other.Repository = "someone/else"
	payload, err := json.Marshal(contracts.DecisionCommandMessage{
		Issue:         other,
		User:          "alan",
		Resolution:    decision.Merge,
		Reversibility: decision.Reversible,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := svc.Handle(ctx, "s", payload); !errors.Is(err, ErrRepositoryNotConfigured) {
		t.Fatalf("expected ErrRepositoryNotConfigured, got %v", err)
	}
}
