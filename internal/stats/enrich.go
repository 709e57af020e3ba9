package stats

import (
	"context"
	"sync"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
	"golang.org/x/sync/errgroup"
)

// CommentCounter counts one actor's qualifying comments on a pull request.
type CommentCounter interface {
	CountComments(ctx context.Context, creds bitbucket.Credentials, workspace string, pr bitbucket.PullRequest, userUUID string) (int, error)
}

// DiffSummarizer folds a pull request's diffstat.
type DiffSummarizer interface {
	DiffSummary(ctx context.Context, creds bitbucket.Credentials, workspace string, pr bitbucket.PullRequest) (bitbucket.DiffSummary, error)
}

// CountComments returns userUUID's qualifying comment count per pull request key.
// Pull requests reporting no comments are skipped without an upstream call, and only
// counts above zero are kept. At most limit fetches are in flight.
func CountComments(
	ctx context.Context,
	counter CommentCounter,
	creds bitbucket.Credentials,
	workspace string,
	pullRequests []bitbucket.PullRequest,
	userUUID string,
	limit int,
) (map[string]int, error) {
	candidates := make([]bitbucket.PullRequest, 0, len(pullRequests))
	for _, pr := range pullRequests {
		if pr.Comments() > 0 {
			candidates = append(candidates, pr)
		}
	}

	return enrich(ctx, candidates, limit, func(ctx context.Context, pr bitbucket.PullRequest) (int, bool, error) {
		count, err := counter.CountComments(ctx, creds, workspace, pr, userUUID)
		if err != nil {
			return 0, false, err
		}
		return count, count > 0, nil
	})
}

// SummarizeDiffs returns the diff summary per pull request key with at most limit fetches in flight.
func SummarizeDiffs(
	ctx context.Context,
	summarizer DiffSummarizer,
	creds bitbucket.Credentials,
	workspace string,
	pullRequests []bitbucket.PullRequest,
	limit int,
) (map[string]bitbucket.DiffSummary, error) {
	return enrich(ctx, pullRequests, limit, func(ctx context.Context, pr bitbucket.PullRequest) (bitbucket.DiffSummary, bool, error) {
		summary, err := summarizer.DiffSummary(ctx, creds, workspace, pr)
		if err != nil {
			return bitbucket.DiffSummary{}, false, err
		}
		return summary, true, nil
	})
}

// enrich runs fetch for every pull request under a shared concurrency cap and joins results by key.
// The first error cancels outstanding fetches.
func enrich[V any](
	ctx context.Context,
	pullRequests []bitbucket.PullRequest,
	limit int,
	fetch func(ctx context.Context, pr bitbucket.PullRequest) (V, bool, error),
) (map[string]V, error) {
	if limit <= 0 {
		limit = bitbucket.DefaultMaxConcurrency
	}

	var mu sync.Mutex
	results := make(map[string]V, len(pullRequests))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for _, pr := range pullRequests {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			value, keep, err := fetch(groupCtx, pr)
			if err != nil {
				return err
			}
			if !keep {
				return nil
			}
			mu.Lock()
			results[pr.Key()] = value
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
