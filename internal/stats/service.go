package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Upstream is the subset of the Bitbucket service the pipeline needs.
type Upstream interface {
	CommentCounter
	DiffSummarizer
	SearchAcrossRepos(ctx context.Context, creds bitbucket.Credentials, filter bitbucket.Filter, window bitbucket.Window) ([]bitbucket.PullRequest, error)
}

// IdentityResolver resolves the account behind credentials, usually through a cache.
type IdentityResolver interface {
	Get(ctx context.Context, creds bitbucket.Credentials) (bitbucket.User, error)
}

// MyPullRequestsRequest asks for statistics on authored pull requests.
type MyPullRequestsRequest struct {
	Window bitbucket.Window
	// Nickname selects another author. Empty means the caller.
	Nickname                  string
	IncludePullRequestDetails bool
	IncludeDiffDetails        bool
}

// ReviewRequest asks for statistics on reviewed pull requests.
type ReviewRequest struct {
	Window bitbucket.Window
	// ReviewerUUID selects another reviewer. Empty means the caller.
	ReviewerUUID          string
	IncludeCommentDetails bool
}

// Service runs the fetch, enrich and assemble pipeline.
type Service struct {
	upstream   Upstream
	identities IdentityResolver
	assembler  Assembler
	logger     *zap.Logger
}

// NewService creates the stats pipeline.
func NewService(upstream Upstream, identities IdentityResolver, assembler Assembler, logger *zap.Logger) (*Service, error) {
	if upstream == nil {
		return nil, fmt.Errorf("upstream is required")
	}
	if identities == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		upstream:   upstream,
		identities: identities,
		assembler:  assembler,
		logger:     logger,
	}, nil
}

// MyPullRequests summarizes pull requests authored by the caller or by req.Nickname.
func (s *Service) MyPullRequests(ctx context.Context, creds bitbucket.Credentials, req MyPullRequestsRequest) (MyPullRequestStats, error) {
	if err := validate(creds, req.Window); err != nil {
		return MyPullRequestStats{}, err
	}
	start := time.Now()
	s.logger.Info(
		"my pull requests stats requested",
		zap.String("workspace", req.Window.Workspace),
		zap.Int("repo_count", len(req.Window.Repos)),
		zap.String("since", req.Window.SinceDate()),
		zap.String("until", req.Window.UntilDate()),
		zap.Bool("include_details", req.IncludePullRequestDetails),
		zap.Bool("include_diffs", req.IncludeDiffDetails),
		zap.Bool("by_nickname", strings.TrimSpace(req.Nickname) != ""),
	)

	filter, err := s.authorFilter(ctx, creds, req.Nickname)
	if err != nil {
		return MyPullRequestStats{}, err
	}

	pullRequests, err := s.upstream.SearchAcrossRepos(ctx, creds, filter, req.Window)
	if err != nil {
		return MyPullRequestStats{}, err
	}

	var diffs map[string]bitbucket.DiffSummary
	if req.IncludeDiffDetails && len(pullRequests) > 0 {
		diffs, err = SummarizeDiffs(ctx, s.upstream, creds, req.Window.Workspace, pullRequests, req.Window.Concurrency())
		if err != nil {
			return MyPullRequestStats{}, err
		}
	}

	result := s.assembler.MyPullRequests(MyPullRequestsInput{
		Window:           req.Window,
		PullRequests:     pullRequests,
		DetailsRequested: req.IncludePullRequestDetails,
		DiffsRequested:   req.IncludeDiffDetails,
		Diffs:            diffs,
	})
	s.logger.Info(
		"my pull requests stats assembled",
		zap.String("filter_field", filter.Field),
		zap.Int("pull_requests", result.TotalPullRequests),
		zap.Int("diffs", len(diffs)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Reviews summarizes pull requests reviewed by the caller or by req.ReviewerUUID.
func (s *Service) Reviews(ctx context.Context, creds bitbucket.Credentials, req ReviewRequest) (ReviewStats, error) {
	if err := validate(creds, req.Window); err != nil {
		return ReviewStats{}, err
	}
	start := time.Now()
	s.logger.Info(
		"review stats requested",
		zap.String("workspace", req.Window.Workspace),
		zap.Int("repo_count", len(req.Window.Repos)),
		zap.String("since", req.Window.SinceDate()),
		zap.String("until", req.Window.UntilDate()),
		zap.Strings("states", req.Window.States),
		zap.Int("max_concurrency", req.Window.Concurrency()),
		zap.Bool("include_comments", req.IncludeCommentDetails),
	)

	reviewerUUID, err := s.reviewerUUID(ctx, creds, req.ReviewerUUID)
	if err != nil {
		return ReviewStats{}, err
	}
	filter, err := bitbucket.NewFilter(bitbucket.FieldReviewerUUID, reviewerUUID)
	if err != nil {
		return ReviewStats{}, err
	}

	pullRequests, err := s.upstream.SearchAcrossRepos(ctx, creds, filter, req.Window)
	if err != nil {
		return ReviewStats{}, err
	}

	var commentCounts map[string]int
	if req.IncludeCommentDetails && len(pullRequests) > 0 {
		commentCounts, err = CountComments(ctx, s.upstream, creds, req.Window.Workspace, pullRequests, reviewerUUID, req.Window.Concurrency())
		if err != nil {
			return ReviewStats{}, err
		}
	}

	result := s.assembler.Review(ReviewInput{
		Window:            req.Window,
		ReviewerUUID:      reviewerUUID,
		PullRequests:      pullRequests,
		CommentsRequested: req.IncludeCommentDetails,
		CommentCounts:     commentCounts,
	})
	s.logger.Info(
		"review stats assembled",
		zap.Int("reviewed", result.TotalPullRequestsReviewed),
		zap.Int("approved", result.TotalPullRequestsApproved),
		zap.Int("commented", len(result.PullRequestsCommented)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// authorFilter picks the narrowest author filter available without an extra upstream
// call: an explicit nickname, then the username the credentials were built from, then
// the cached identity uuid.
func (s *Service) authorFilter(ctx context.Context, creds bitbucket.Credentials, nickname string) (bitbucket.Filter, error) {
	if trimmed := strings.TrimSpace(nickname); trimmed != "" {
		return bitbucket.NewFilter(bitbucket.FieldAuthorNickname, trimmed)
	}
	if username := creds.Username(); username != "" {
		return bitbucket.NewFilter(bitbucket.FieldAuthorUsername, username)
	}
	user, err := s.identities.Get(ctx, creds)
	if err != nil {
		return bitbucket.Filter{}, fmt.Errorf("resolve current user: %w", err)
	}
	return bitbucket.NewFilter(bitbucket.FieldAuthorUUID, user.UUID)
}

func (s *Service) reviewerUUID(ctx context.Context, creds bitbucket.Credentials, explicit string) (string, error) {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return NormalizeUUID(trimmed), nil
	}
	user, err := s.identities.Get(ctx, creds)
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	return user.UUID, nil
}

// NormalizeUUID wraps a hyphenated UUID in the braces Bitbucket expects, keeping the caller's case.
// Anything else, including urn and unhyphenated forms, is returned trimmed but otherwise unchanged.
func NormalizeUUID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	core := trimmed
	if strings.HasPrefix(core, "{") && strings.HasSuffix(core, "}") {
		core = core[1 : len(core)-1]
	}
	if len(core) != hyphenatedUUIDLen || uuid.Validate(core) != nil {
		return trimmed
	}
	return "{" + core + "}"
}

const hyphenatedUUIDLen = 36

func validate(creds bitbucket.Credentials, window bitbucket.Window) error {
	if creds.IsZero() {
		return bitbucket.NewValidationError("authorization", "credentials are required")
	}
	return window.Validate()
}
