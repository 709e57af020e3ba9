package bitbucket

import (
	"errors"
	"testing"
	"time"
)

func ptr[T any](v T) *T {
	return &v
}

func TestPullRequestHoursOpen(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	testCases := []struct {
		name    string
		created *time.Time
		updated *time.Time
		want    int64
	}{
		{name: "truncates_partial_hours", created: &created, updated: ptr(created.Add(175*time.Hour + 59*time.Minute)), want: 175},
		{name: "under_an_hour", created: &created, updated: ptr(created.Add(59 * time.Minute)), want: 0},
		{name: "missing_created", created: nil, updated: &created, want: 0},
		{name: "missing_updated", created: &created, updated: nil, want: 0},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pr := PullRequest{CreatedOn: tc.created, UpdatedOn: tc.updated}
			if got := pr.HoursOpen(); got != tc.want {
				t.Fatalf("HoursOpen() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestPullRequestClosedOn(t *testing.T) {
	t.Parallel()

	updated := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		name string
		pr   PullRequest
		want *time.Time
	}{
		{name: "open", pr: PullRequest{State: "OPEN", UpdatedOn: &updated}},
		{name: "open_lowercase", pr: PullRequest{State: "open", UpdatedOn: &updated}},
		{name: "declined", pr: PullRequest{State: "DECLINED", UpdatedOn: &updated}, want: &updated},
		{name: "merged", pr: PullRequest{State: "MERGED", UpdatedOn: &updated}, want: &updated},
		{name: "state_not_reported", pr: PullRequest{UpdatedOn: &updated}, want: &updated},
		{name: "no_update_time", pr: PullRequest{State: "MERGED"}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := tc.pr.ClosedOn()
			if (got == nil) != (tc.want == nil) || (got != nil && !got.Equal(*tc.want)) {
				t.Fatalf("ClosedOn() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPullRequestApprovedBy(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		participants []Participant
		want         bool
	}{
		{name: "no_participants", participants: nil, want: false},
		{name: "participant_without_user", participants: []Participant{{Approved: true}}, want: false},
		{name: "matching_not_approved", participants: []Participant{{UserUUID: "{me}"}}, want: false},
		{name: "other_user_approved", participants: []Participant{{UserUUID: "{you}", Approved: true}}, want: false},
		{name: "matching_approved", participants: []Participant{{UserUUID: "{you}"}, {UserUUID: "{me}", Approved: true}}, want: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pr := PullRequest{Participants: tc.participants}
			if got := pr.ApprovedBy("{me}"); got != tc.want {
				t.Fatalf("ApprovedBy() = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestCommentCountsFor(t *testing.T) {
	t.Parallel()

	comments := []Comment{
		{AuthorUUID: "{me}", Raw: ptr("published")},
		{AuthorUUID: "{me}", Pending: true, Raw: ptr("pending")},
		{AuthorUUID: "{me}", Raw: ptr(" \t ")},
	}
	count := 0
	for _, comment := range comments {
		if comment.CountsFor("{me}") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("qualifying comments = %d, want 1", count)
	}

	if (Comment{AuthorUUID: "{me}", Deleted: true, Raw: ptr("x")}).CountsFor("{me}") {
		t.Fatalf("deleted comment counted")
	}
	if (Comment{AuthorUUID: "{me}"}).CountsFor("{me}") {
		t.Fatalf("comment without content counted")
	}
}

func TestDiffSummaryAdd(t *testing.T) {
	t.Parallel()

	summary := DiffSummary{}.
		Add(DiffEntry{LinesAdded: ptr(3), LinesRemoved: ptr(1)}).
		Add(DiffEntry{}).
		Add(DiffEntry{LinesRemoved: ptr(4)})
	want := DiffSummary{FilesChanged: 3, LinesAdded: 3, LinesRemoved: 5}
	if summary != want {
		t.Fatalf("summary = %+v, want %+v", summary, want)
	}
}

func TestNewFilter(t *testing.T) {
	t.Parallel()

	filter, err := NewFilter(FieldReviewerUUID, " {me} ")
	if err != nil {
		t.Fatalf("NewFilter() unexpected error: %v", err)
	}
	if filter.Value != "{me}" {
		t.Fatalf("Value = %q, want %q", filter.Value, "{me}")
	}
	if _, err := NewFilter(FieldReviewerUUID, ""); Classify(err) != KindValidation {
		t.Fatalf("NewFilter() empty value kind = %q, want validation", Classify(err))
	}
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	basic, err := NewBasicCredentials("alice", "secret")
	if err != nil {
		t.Fatalf("NewBasicCredentials() unexpected error: %v", err)
	}
	if basic.Token() != "YWxpY2U6c2VjcmV0" {
		t.Fatalf("Token() = %q, want %q", basic.Token(), "YWxpY2U6c2VjcmV0")
	}
	if basic.Username() != "alice" {
		t.Fatalf("Username() = %q, want alice", basic.Username())
	}

	token, err := NewTokenCredentials("YWxpY2U6c2VjcmV0")
	if err != nil {
		t.Fatalf("NewTokenCredentials() unexpected error: %v", err)
	}
	if token != (Credentials{token: "YWxpY2U6c2VjcmV0"}) {
		t.Fatalf("token credentials = %+v", token)
	}
	if token.Token() != basic.Token() {
		t.Fatalf("equal tokens should share a cache key")
	}

	_, err = NewBasicCredentials("", "")
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || len(validationErr.Violations) != 2 {
		t.Fatalf("NewBasicCredentials(\"\", \"\") error = %v, want two violations", err)
	}
	if _, err := NewTokenCredentials("  "); Classify(err) != KindValidation {
		t.Fatalf("NewTokenCredentials() blank kind = %q, want validation", Classify(err))
	}
}

func TestWindowValidate(t *testing.T) {
	t.Parallel()

	valid := testWindow("svc-a")
	testCases := []struct {
		name      string
		mutate    func(w *Window)
		wantField string
	}{
		{name: "valid", mutate: func(_ *Window) {}},
		{name: "same_day", mutate: func(w *Window) { w.Until = w.Since }},
		{name: "missing_workspace", mutate: func(w *Window) { w.Workspace = " " }, wantField: "workspace"},
		{name: "no_repos", mutate: func(w *Window) { w.Repos = nil }, wantField: "repo"},
		{name: "blank_repo", mutate: func(w *Window) { w.Repos = []string{"svc-a", ""} }, wantField: "repo"},
		{name: "since_after_until", mutate: func(w *Window) { w.Since = w.Until.AddDate(0, 0, 1) }, wantField: "sinceDate"},
		{name: "missing_since", mutate: func(w *Window) { w.Since = time.Time{} }, wantField: "sinceDate"},
		{name: "negative_concurrency", mutate: func(w *Window) { w.MaxConcurrency = -1 }, wantField: "maxConcurrency"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			window := valid
			window.Repos = append([]string(nil), valid.Repos...)
			tc.mutate(&window)
			err := window.Validate()
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if validationErr.Violations[0].Field != tc.wantField {
				t.Fatalf("field = %q, want %q", validationErr.Violations[0].Field, tc.wantField)
			}
		})
	}
}

func TestWindowConcurrency(t *testing.T) {
	t.Parallel()

	if got := (Window{}).Concurrency(); got != DefaultMaxConcurrency {
		t.Fatalf("Concurrency() = %d, want %d", got, DefaultMaxConcurrency)
	}
	if got := (Window{MaxConcurrency: 3}).Concurrency(); got != 3 {
		t.Fatalf("Concurrency() = %d, want 3", got)
	}
}
