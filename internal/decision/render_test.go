package decision

import "testing"

func vote(res Resolution) UserStatus {
	return UserStatus{
		CommentID:     "some-id",
		Text:          "I like this",
		Resolution:    res,
		Reversibility: Reversible,
	}
}

func votePtr(res Resolution) *UserStatus {
	v := vote(res)
	return &v
}

func TestRenderStatusComment_Golden(t *testing.T) {
	history := map[string][]UserStatus{
		"Niklaus": {vote(Merge), vote(Hold)},
		"Barbara": {vote(Hold), vote(Merge)},
	}
	current := map[string]*UserStatus{
		"Niklaus": votePtr(Merge),
		"Barbara": votePtr(Merge),
	}

	want := "| Team member | State |\n|-------------|-------|\n| Barbara | ~~hold~~  ~~merge~~  **merge** |\n| Niklaus | ~~merge~~  ~~hold~~  **merge** |"
	if got := RenderStatusComment(history, current); got != want {
		t.Fatalf("unexpected comment:\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusComment_IncludesMembersWithoutHistory(t *testing.T) {
	current := map[string]*UserStatus{
		"Alan":  votePtr(Merge),
		"Grace": nil,
	}

	want := "| Team member | State |\n|-------------|-------|\n| Alan | **merge** |\n| Grace | |"
	if got := RenderStatusComment(map[string][]UserStatus{}, current); got != want {
		t.Fatalf("unexpected comment:\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusComment_Deterministic(t *testing.T) {
	history := map[string][]UserStatus{"b": {vote(Hold)}, "a": {vote(Merge)}}
	current := map[string]*UserStatus{"c": votePtr(Hold), "b": votePtr(Merge), "a": nil}

	first := RenderStatusComment(history, current)
	for i := 0; i < 20; i++ {
		if got := RenderStatusComment(history, current); got != first {
			t.Fatalf("render is not deterministic: %q != %q", got, first)
		}
	}
}

func TestRenderErrorComment(t *testing.T) {
	got := RenderErrorComment("  Only team members can be part of the decision process.\n")
	want := ":warning: **Error**\n\nOnly team members can be part of the decision process."
	if got != want {
		t.Fatalf("RenderErrorComment = %q, want %q", got, want)
	}
}
