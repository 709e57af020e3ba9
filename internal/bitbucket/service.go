package bitbucket

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSearchPageLen = 50
	defaultDetailPageLen = 100
)

var pullRequestFields = strings.Join([]string{
	"next",
	"values.id",
	"values.title",
	"values.state",
	"values.author.uuid",
	"values.created_on",
	"values.updated_on",
	"values.comment_count",
	"values.participants.user.uuid",
	"values.participants.approved",
}, ",")

// ServiceConfig configures the typed Bitbucket service.
type ServiceConfig struct {
	// MaxPages caps every cursor chain. Zero leaves chains unbounded.
	MaxPages      int
	SearchPageLen int
	DetailPageLen int
	Logger        *zap.Logger
}

// Service exposes the pull request, comment, diffstat and user endpoints.
type Service struct {
	fetcher       PageFetcher
	apiBase       string
	maxPages      int
	searchPageLen int
	detailPageLen int
	logger        *zap.Logger
}

// NewService creates a service over fetcher rooted at apiBaseURL.
func NewService(fetcher PageFetcher, apiBaseURL string, cfg ServiceConfig) (*Service, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	base, err := parseAPIBaseURL(apiBaseURL)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	searchPageLen := cfg.SearchPageLen
	if searchPageLen <= 0 {
		searchPageLen = defaultSearchPageLen
	}
	detailPageLen := cfg.DetailPageLen
	if detailPageLen <= 0 {
		detailPageLen = defaultDetailPageLen
	}
	return &Service{
		fetcher:       fetcher,
		apiBase:       strings.TrimSuffix(base.String(), "/"),
		maxPages:      cfg.MaxPages,
		searchPageLen: searchPageLen,
		detailPageLen: detailPageLen,
		logger:        logger,
	}, nil
}

// CurrentUser returns the account the credentials belong to.
func (s *Service) CurrentUser(ctx context.Context, creds Credentials) (User, error) {
	var payload userPayload
	if err := s.fetcher.GetJSON(ctx, creds, joinURLPath(s.apiBase, "user"), &payload); err != nil {
		return User{}, fmt.Errorf("fetch current user: %w", err)
	}
	if strings.TrimSpace(payload.UUID) == "" {
		return User{}, fmt.Errorf("%w: current user has no uuid", ErrDecode)
	}
	s.logger.Debug("fetched current user", zap.String("uuid", payload.UUID))
	return payload.toUser(), nil
}

// SearchPullRequests returns every pull request in one repository matching filter and window.
func (s *Service) SearchPullRequests(ctx context.Context, creds Credentials, filter Filter, repo string, window Window) ([]PullRequest, error) {
	query := BuildPullRequestQuery(filter, window)
	firstURL := s.pullRequestSearchURL(window.Workspace, repo, query)
	s.logger.Debug(
		"searching pull requests",
		zap.String("repo", repo),
		zap.String("filter_field", filter.Field),
		zap.Strings("states", window.States),
		zap.String("since", window.SinceDate()),
		zap.String("until", window.UntilDate()),
		zap.String("url", firstURL),
	)

	var pullRequests []PullRequest
	for payload, err := range FetchAll[pullRequestPayload](ctx, s.fetcher, creds, firstURL, WithMaxPages(s.maxPages)) {
		if err != nil {
			return nil, err
		}
		pullRequests = append(pullRequests, payload.toPullRequest(repo))
	}
	return pullRequests, nil
}

// SearchAcrossRepos searches every repository in the window with at most window.Concurrency()
// searches in flight. The first failure cancels the remaining searches and is returned.
// Results are merged in repository order and deduplicated by Key, first occurrence winning.
func (s *Service) SearchAcrossRepos(ctx context.Context, creds Credentials, filter Filter, window Window) ([]PullRequest, error) {
	perRepo := make([][]PullRequest, len(window.Repos))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(window.Concurrency())
	for i, repo := range window.Repos {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			pullRequests, err := s.SearchPullRequests(groupCtx, creds, filter, repo, window)
			if err != nil {
				return fmt.Errorf("search pull requests in %s: %w", repo, err)
			}
			perRepo[i] = pullRequests
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		s.logger.Warn("pull request search failed", zap.String("workspace", window.Workspace), zap.Error(err))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return dedupePullRequests(perRepo), nil
}

// CountComments counts comments on one pull request that count toward userUUID.
func (s *Service) CountComments(ctx context.Context, creds Credentials, workspace string, pr PullRequest, userUUID string) (int, error) {
	firstURL := s.pullRequestResourceURL(workspace, pr, "comments")
	count := 0
	for payload, err := range FetchAll[commentPayload](ctx, s.fetcher, creds, firstURL, WithMaxPages(s.maxPages)) {
		if err != nil {
			return 0, fmt.Errorf("fetch comments for %s: %w", pr.Key(), err)
		}
		if payload.toComment().CountsFor(userUUID) {
			count++
		}
	}
	return count, nil
}

// DiffSummary folds one pull request's diffstat pages into a summary.
func (s *Service) DiffSummary(ctx context.Context, creds Credentials, workspace string, pr PullRequest) (DiffSummary, error) {
	firstURL := s.pullRequestResourceURL(workspace, pr, "diffstat")
	summary := DiffSummary{}
	for payload, err := range FetchAll[diffStatPayload](ctx, s.fetcher, creds, firstURL, WithMaxPages(s.maxPages)) {
		if err != nil {
			return DiffSummary{}, fmt.Errorf("fetch diffstat for %s: %w", pr.Key(), err)
		}
		summary = summary.Add(payload.toDiffEntry())
	}
	return summary, nil
}

// BuildPullRequestQuery renders the search expression for one filter and window.
func BuildPullRequestQuery(filter Filter, window Window) string {
	builder := strings.Builder{}
	builder.WriteString(filter.Field)
	builder.WriteString("=")
	builder.WriteString(Quote(filter.Value))
	builder.WriteString(" AND updated_on>=")
	builder.WriteString(Quote(window.SinceDate()))
	builder.WriteString(" AND updated_on<=")
	builder.WriteString(Quote(window.UntilDate()))

	switch len(window.States) {
	case 0:
	case 1:
		builder.WriteString(" AND state=")
		builder.WriteString(Quote(window.States[0]))
	default:
		quoted := make([]string, 0, len(window.States))
		for _, state := range window.States {
			quoted = append(quoted, Quote(state))
		}
		builder.WriteString(" AND state IN (")
		builder.WriteString(strings.Join(quoted, ","))
		builder.WriteString(")")
	}

	if window.Queued != nil {
		builder.WriteString(" AND queued=")
		builder.WriteString(strconv.FormatBool(*window.Queued))
	}
	return builder.String()
}

// Quote wraps a query value in double quotes, escaping embedded quotes.
func Quote(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
}

func (s *Service) pullRequestSearchURL(workspace, repo, query string) string {
	values := url.Values{}
	values.Set("q", query)
	values.Set("pagelen", strconv.Itoa(s.searchPageLen))
	values.Set("fields", pullRequestFields)
	return joinURLPath(s.apiBase, "repositories", url.PathEscape(workspace), url.PathEscape(repo), "pullrequests") +
		"?" + values.Encode()
}

func (s *Service) pullRequestResourceURL(workspace string, pr PullRequest, resource string) string {
	return joinURLPath(
		s.apiBase,
		"repositories",
		url.PathEscape(workspace),
		url.PathEscape(pr.Repo),
		"pullrequests",
		strconv.FormatInt(pr.ID, 10),
		resource,
	) + "?pagelen=" + strconv.Itoa(s.detailPageLen)
}

func dedupePullRequests(perRepo [][]PullRequest) []PullRequest {
	total := 0
	for _, pullRequests := range perRepo {
		total += len(pullRequests)
	}
	seen := make(map[string]struct{}, total)
	merged := make([]PullRequest, 0, total)
	for _, pullRequests := range perRepo {
		for _, pr := range pullRequests {
			key := pr.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, pr)
		}
	}
	return merged
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.TrimPrefix(segment, "/"))
	}
	return builder.String()
}
