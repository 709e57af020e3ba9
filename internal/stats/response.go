package stats

import (
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
)

// ReviewStats summarizes the pull requests an actor was asked to review.
// The commented fields are nil unless comment details were requested and at least one
// pull request carries a qualifying comment.
type ReviewStats struct {
	Period                     string                 `json:"period"`
	TotalPullRequestsApproved  int                    `json:"total_pull_requests_approved"`
	TotalPullRequestsReviewed  int                    `json:"total_pull_requests_reviewed"`
	TotalPullRequestsCommented *int                   `json:"total_pull_requests_commented"`
	TotalComments              *int                   `json:"total_comments"`
	ApprovedPercentage         float64                `json:"approved_percentage"`
	CommentedPercentage        *float64               `json:"commented_percentage"`
	PullRequestsCommented      []CommentedPullRequest `json:"pull_requests_commented"`
}

// CommentedPullRequest is one reviewed pull request the actor commented on.
type CommentedPullRequest struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Link         string `json:"link"`
	CommentsMade int    `json:"comments_made"`
	Repo         string `json:"repo"`
}

// MyPullRequestStats summarizes the pull requests an actor authored.
type MyPullRequestStats struct {
	Period             string              `json:"period"`
	TotalPullRequests  int                 `json:"total_pull_requests"`
	AvgTimeOpenHours   float64             `json:"avg_time_open_hours"`
	AvgCommentCount    float64             `json:"avg_comment_count"`
	AvgFilesChanged    *float64            `json:"avg_files_changed"`
	PullRequestDetails []PullRequestDetail `json:"pull_request_details"`
}

// PullRequestDetail is the per-item view of an authored pull request.
type PullRequestDetail struct {
	ID            int64                  `json:"id"`
	Title         string                 `json:"title"`
	Link          string                 `json:"link"`
	TimeOpenHours int64                  `json:"time_open_hours"`
	CommentCount  int                    `json:"comment_count"`
	Repo          string                 `json:"repo"`
	DiffDetails   *bitbucket.DiffSummary `json:"diff_details"`
	CreatedOn     *time.Time             `json:"created_on"`
	ClosedOn      *time.Time             `json:"closed_on"`
}
