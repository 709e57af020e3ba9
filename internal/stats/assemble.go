package stats

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
)

// DefaultWebBaseURL is the host pull request links point at.
const DefaultWebBaseURL = "https://bitbucket.org"

// Avg returns sum/count rounded half-up to a whole number, or 0 when count is 0.
func Avg(sum int64, count int) float64 {
	if count == 0 {
		return 0
	}
	return math.Floor(float64(sum)/float64(count) + 0.5)
}

// Pct returns part as a percentage of total rounded half-up to two decimals, or 0 when total is 0.
func Pct(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Floor(float64(part)*100.0/float64(total)*100.0+0.5) / 100.0
}

// Period renders the window as "FROM: <since> TO: <until>".
func Period(window bitbucket.Window) string {
	return fmt.Sprintf("FROM: %s TO: %s", window.SinceDate(), window.UntilDate())
}

// Assembler turns fetched pull requests and their enrichment into response shapes. It does no I/O.
type Assembler struct {
	webBaseURL string
}

// NewAssembler creates an assembler whose links point at webBaseURL.
func NewAssembler(webBaseURL string) Assembler {
	trimmed := strings.TrimSuffix(strings.TrimSpace(webBaseURL), "/")
	if trimmed == "" {
		trimmed = DefaultWebBaseURL
	}
	return Assembler{webBaseURL: trimmed}
}

// Link builds the browser URL of a pull request.
func (a Assembler) Link(workspace, repo string, id int64) string {
	base := a.webBaseURL
	if base == "" {
		base = DefaultWebBaseURL
	}
	return base + "/" + workspace + "/" + repo + "/pull-requests/" + strconv.FormatInt(id, 10)
}

// ReviewInput is everything needed to summarize a reviewer's pull requests.
type ReviewInput struct {
	Window       bitbucket.Window
	ReviewerUUID string
	PullRequests []bitbucket.PullRequest
	// CommentsRequested reports whether comment enrichment ran.
	CommentsRequested bool
	// CommentCounts maps pull request keys to the reviewer's qualifying comment count.
	// Absent keys mean no qualifying comments.
	CommentCounts map[string]int
}

// Review builds the review summary.
func (a Assembler) Review(input ReviewInput) ReviewStats {
	reviewed := len(input.PullRequests)
	approved := 0
	for _, pr := range input.PullRequests {
		if pr.ApprovedBy(input.ReviewerUUID) {
			approved++
		}
	}

	result := ReviewStats{
		Period:                    Period(input.Window),
		TotalPullRequestsApproved: approved,
		TotalPullRequestsReviewed: reviewed,
		ApprovedPercentage:        Pct(approved, reviewed),
	}
	if !input.CommentsRequested {
		return result
	}

	var commented []CommentedPullRequest
	totalComments := 0
	for _, pr := range input.PullRequests {
		count, ok := input.CommentCounts[pr.Key()]
		if !ok || count <= 0 {
			continue
		}
		totalComments += count
		commented = append(commented, CommentedPullRequest{
			ID:           pr.ID,
			Title:        pr.Title,
			Link:         a.Link(input.Window.Workspace, pr.Repo, pr.ID),
			CommentsMade: count,
			Repo:         pr.Repo,
		})
	}
	if len(commented) == 0 {
		return result
	}

	commentedCount := len(commented)
	commentedPct := Pct(commentedCount, reviewed)
	result.TotalPullRequestsCommented = &commentedCount
	result.TotalComments = &totalComments
	result.CommentedPercentage = &commentedPct
	result.PullRequestsCommented = commented
	return result
}

// MyPullRequestsInput is everything needed to summarize an author's pull requests.
type MyPullRequestsInput struct {
	Window           bitbucket.Window
	PullRequests     []bitbucket.PullRequest
	DetailsRequested bool
	// DiffsRequested reports whether diff enrichment ran.
	DiffsRequested bool
	// Diffs maps pull request keys to their diff summary. Missing keys contribute nothing.
	Diffs map[string]bitbucket.DiffSummary
}

// MyPullRequests builds the authored pull request summary.
func (a Assembler) MyPullRequests(input MyPullRequestsInput) MyPullRequestStats {
	total := len(input.PullRequests)
	var sumHours, sumComments, sumFiles int64
	for _, pr := range input.PullRequests {
		sumHours += pr.HoursOpen()
		sumComments += int64(pr.Comments())
		if input.DiffsRequested {
			if diff, ok := input.Diffs[pr.Key()]; ok {
				sumFiles += int64(diff.FilesChanged)
			}
		}
	}

	result := MyPullRequestStats{
		Period:            Period(input.Window),
		TotalPullRequests: total,
		AvgTimeOpenHours:  Avg(sumHours, total),
		AvgCommentCount:   Avg(sumComments, total),
	}
	if input.DiffsRequested {
		avgFiles := Avg(sumFiles, total)
		result.AvgFilesChanged = &avgFiles
	}
	if !input.DetailsRequested {
		return result
	}

	result.PullRequestDetails = make([]PullRequestDetail, 0, total)
	for _, pr := range input.PullRequests {
		detail := PullRequestDetail{
			ID:            pr.ID,
			Title:         pr.Title,
			Link:          a.Link(input.Window.Workspace, pr.Repo, pr.ID),
			TimeOpenHours: pr.HoursOpen(),
			CommentCount:  pr.Comments(),
			Repo:          pr.Repo,
			CreatedOn:     pr.CreatedOn,
			ClosedOn:      pr.ClosedOn(),
		}
		if input.DiffsRequested {
			if diff, ok := input.Diffs[pr.Key()]; ok {
				detail.DiffDetails = &diff
			}
		}
		result.PullRequestDetails = append(result.PullRequestDetails, detail)
	}
	return result
}
