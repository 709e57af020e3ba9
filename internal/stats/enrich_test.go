package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
)

type fakeUpstream struct {
	mu sync.Mutex

	pullRequests []bitbucket.PullRequest
	searchErr    error
	filters      []bitbucket.Filter

	comments    map[string]int
	commentErrs map[string]error
	commentHits []string
	diffs       map[string]bitbucket.DiffSummary
	diffErr     error
	diffHits    []string

	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeUpstream) SearchAcrossRepos(_ context.Context, _ bitbucket.Credentials, filter bitbucket.Filter, _ bitbucket.Window) ([]bitbucket.PullRequest, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.pullRequests, nil
}

func (f *fakeUpstream) CountComments(ctx context.Context, _ bitbucket.Credentials, _ string, pr bitbucket.PullRequest, _ string) (int, error) {
	defer f.track()()
	f.mu.Lock()
	f.commentHits = append(f.commentHits, pr.Key())
	err := f.commentErrs[pr.Key()]
	count := f.comments[pr.Key()]
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	return count, err
}

func (f *fakeUpstream) DiffSummary(ctx context.Context, _ bitbucket.Credentials, _ string, pr bitbucket.PullRequest) (bitbucket.DiffSummary, error) {
	defer f.track()()
	f.mu.Lock()
	f.diffHits = append(f.diffHits, pr.Key())
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return bitbucket.DiffSummary{}, err
	}
	if f.diffErr != nil {
		return bitbucket.DiffSummary{}, f.diffErr
	}
	return f.diffs[pr.Key()], nil
}

func (f *fakeUpstream) track() func() {
	current := f.inFlight.Add(1)
	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeUpstream) wait(ctx context.Context) error {
	if f.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(f.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *fakeUpstream) hits() (comments, diffs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commentHits...), append([]string(nil), f.diffHits...)
}

func testCredentials(t *testing.T) bitbucket.Credentials {
	t.Helper()
	creds, err := bitbucket.NewTokenCredentials("token-1")
	if err != nil {
		t.Fatalf("NewTokenCredentials() unexpected error: %v", err)
	}
	return creds
}

func TestCountCommentsSkipsPullRequestsWithoutComments(t *testing.T) {
	t.Parallel()

	upstream := &fakeUpstream{comments: map[string]int{"svc-a#1": 2, "svc-a#3": 0}}
	prs := []bitbucket.PullRequest{
		openFor("svc-a", 1, 1, 4),
		openFor("svc-a", 2, 1, 0),
		openFor("svc-a", 3, 1, 1),
	}

	got, err := CountComments(context.Background(), upstream, testCredentials(t), "acme", prs, "{r}", 4)
	if err != nil {
		t.Fatalf("CountComments() unexpected error: %v", err)
	}
	if len(got) != 1 || got["svc-a#1"] != 2 {
		t.Fatalf("CountComments() = %v, want only svc-a#1=2", got)
	}
	commentHits, _ := upstream.hits()
	for _, key := range commentHits {
		if key == "svc-a#2" {
			t.Fatalf("comment fetch issued for %s, which reports no comments", key)
		}
	}
	if len(commentHits) != 2 {
		t.Fatalf("comment fetches = %d, want 2", len(commentHits))
	}
}

func TestSummarizeDiffsRespectsConcurrencyCap(t *testing.T) {
	t.Parallel()

	const limit = 3
	upstream := &fakeUpstream{
		delay: 10 * time.Millisecond,
		diffs: map[string]bitbucket.DiffSummary{},
	}
	var prs []bitbucket.PullRequest
	for i := range 12 {
		pr := openFor("svc-a", int64(i+1), 1, 0)
		upstream.diffs[pr.Key()] = bitbucket.DiffSummary{FilesChanged: i}
		prs = append(prs, pr)
	}

	got, err := SummarizeDiffs(context.Background(), upstream, testCredentials(t), "acme", prs, limit)
	if err != nil {
		t.Fatalf("SummarizeDiffs() unexpected error: %v", err)
	}
	if len(got) != len(prs) {
		t.Fatalf("len(SummarizeDiffs()) = %d, want %d", len(got), len(prs))
	}
	if got["svc-a#5"].FilesChanged != 4 {
		t.Fatalf("svc-a#5 files changed = %d, want 4", got["svc-a#5"].FilesChanged)
	}
	if peak := upstream.peak.Load(); peak > limit {
		t.Fatalf("peak in-flight = %d, want <= %d", peak, limit)
	}
}

func TestSummarizeDiffsFailsWholeRequest(t *testing.T) {
	t.Parallel()

	upstreamErr := &bitbucket.UpstreamError{StatusCode: 403}
	upstream := &fakeUpstream{diffErr: upstreamErr}
	prs := []bitbucket.PullRequest{openFor("svc-a", 1, 1, 0), openFor("svc-a", 2, 1, 0)}

	got, err := SummarizeDiffs(context.Background(), upstream, testCredentials(t), "acme", prs, 1)
	if !errors.Is(err, upstreamErr) {
		t.Fatalf("SummarizeDiffs() error = %v, want %v", err, upstreamErr)
	}
	if got != nil {
		t.Fatalf("SummarizeDiffs() = %v, want nil on failure", got)
	}
}

func TestEnrichStopsOnCallerCancellation(t *testing.T) {
	t.Parallel()

	upstream := &fakeUpstream{delay: time.Second}
	prs := []bitbucket.PullRequest{openFor("svc-a", 1, 1, 0), openFor("svc-a", 2, 1, 0)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := SummarizeDiffs(ctx, upstream, testCredentials(t), "acme", prs, 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SummarizeDiffs() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("SummarizeDiffs() took %s after cancellation", elapsed)
	}
}

func TestEnrichEmptyInput(t *testing.T) {
	t.Parallel()

	upstream := &fakeUpstream{}
	got, err := CountComments(context.Background(), upstream, testCredentials(t), "acme", nil, "{r}", 0)
	if err != nil {
		t.Fatalf("CountComments() unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("CountComments() = %v, want empty", got)
	}
}
