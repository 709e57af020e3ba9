package bitbucket

import (
	"strconv"
	"strings"
	"time"
)

// Filter fields understood by the pull request search endpoint.
const (
	FieldAuthorUUID     = "author.uuid"
	FieldAuthorNickname = "author.nickname"
	FieldAuthorUsername = "author.username"
	FieldReviewerUUID   = "reviewers.uuid"
)

// Filter scopes a pull request search to one field value.
type Filter struct {
	Field string
	Value string
}

// NewFilter creates a filter. Both parts are required.
func NewFilter(field, value string) (Filter, error) {
	trimmedField := strings.TrimSpace(field)
	trimmedValue := strings.TrimSpace(value)
	if trimmedField == "" {
		return Filter{}, NewValidationError("filter", "filter field is required")
	}
	if trimmedValue == "" {
		return Filter{}, NewValidationError(trimmedField, "filter value is required")
	}
	return Filter{Field: trimmedField, Value: trimmedValue}, nil
}

// User is the authenticated account returned by /user.
type User struct {
	UUID        string
	Nickname    string
	Username    string
	DisplayName string
	AccountID   string
}

// Participant is one pull request participant.
type Participant struct {
	UserUUID string
	Approved bool
}

// PullRequest is a search result joined with the repository it came from.
type PullRequest struct {
	ID           int64
	Title        string
	State        string
	AuthorUUID   string
	CommentCount *int
	Participants []Participant
	Repo         string
	CreatedOn    *time.Time
	UpdatedOn    *time.Time
}

// Key returns the repo#id key used for deduplication and for joining enrichment results.
func (p PullRequest) Key() string {
	return p.Repo + "#" + strconv.FormatInt(p.ID, 10)
}

// Comments returns the reported comment count, treating an absent count as 0.
func (p PullRequest) Comments() int {
	if p.CommentCount == nil {
		return 0
	}
	return *p.CommentCount
}

// HoursOpen returns the whole hours between creation and last update, or 0 when either is unknown.
func (p PullRequest) HoursOpen() int64 {
	if p.CreatedOn == nil || p.UpdatedOn == nil {
		return 0
	}
	return int64(p.UpdatedOn.Sub(*p.CreatedOn) / time.Hour)
}

// ClosedOn returns the update time for any pull request whose state is not OPEN,
// including one whose state was not reported.
func (p PullRequest) ClosedOn() *time.Time {
	if p.UpdatedOn == nil || strings.EqualFold(p.State, "OPEN") {
		return nil
	}
	return p.UpdatedOn
}

// ApprovedBy reports whether a participant with the given uuid explicitly approved.
func (p PullRequest) ApprovedBy(userUUID string) bool {
	if userUUID == "" {
		return false
	}
	for _, participant := range p.Participants {
		if participant.UserUUID == userUUID && participant.Approved {
			return true
		}
	}
	return false
}

// Comment is one pull request comment.
type Comment struct {
	AuthorUUID string
	Deleted    bool
	Pending    bool
	Raw        *string
}

// CountsFor reports whether the comment counts toward userUUID's comment total:
// authored by them, published, not deleted, and with non-blank text.
func (c Comment) CountsFor(userUUID string) bool {
	if userUUID == "" || c.AuthorUUID != userUUID {
		return false
	}
	if c.Deleted || c.Pending || c.Raw == nil {
		return false
	}
	return strings.TrimSpace(*c.Raw) != ""
}

// DiffEntry is one file of a diffstat. Missing line counts are nil.
type DiffEntry struct {
	LinesAdded   *int
	LinesRemoved *int
}

// DiffSummary aggregates a pull request's diffstat.
type DiffSummary struct {
	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// Add folds one entry into the summary.
func (s DiffSummary) Add(entry DiffEntry) DiffSummary {
	s.FilesChanged++
	if entry.LinesAdded != nil {
		s.LinesAdded += *entry.LinesAdded
	}
	if entry.LinesRemoved != nil {
		s.LinesRemoved += *entry.LinesRemoved
	}
	return s
}

type userPayload struct {
	UUID        string `json:"uuid"`
	Nickname    string `json:"nickname"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AccountID   string `json:"account_id"`
}

type participantPayload struct {
	User     *userPayload `json:"user"`
	Approved *bool        `json:"approved"`
}

type pullRequestPayload struct {
	ID           int64                `json:"id"`
	Title        string               `json:"title"`
	State        string               `json:"state"`
	Author       *userPayload         `json:"author"`
	CreatedOn    *string              `json:"created_on"`
	UpdatedOn    *string              `json:"updated_on"`
	CommentCount *int                 `json:"comment_count"`
	Participants []participantPayload `json:"participants"`
}

type commentPayload struct {
	User    *userPayload `json:"user"`
	Deleted bool         `json:"deleted"`
	Pending bool         `json:"pending"`
	Content *struct {
		Raw *string `json:"raw"`
	} `json:"content"`
}

type diffStatPayload struct {
	Status       string `json:"status"`
	LinesAdded   *int   `json:"lines_added"`
	LinesRemoved *int   `json:"lines_removed"`
}

func (p userPayload) toUser() User {
	return User(p)
}

func (p pullRequestPayload) toPullRequest(repo string) PullRequest {
	pr := PullRequest{
		ID:           p.ID,
		Title:        p.Title,
		State:        p.State,
		CommentCount: p.CommentCount,
		Repo:         repo,
		CreatedOn:    parseNullableTimestamp(p.CreatedOn),
		UpdatedOn:    parseNullableTimestamp(p.UpdatedOn),
	}
	if p.Author != nil {
		pr.AuthorUUID = p.Author.UUID
	}
	if len(p.Participants) > 0 {
		pr.Participants = make([]Participant, 0, len(p.Participants))
		for _, participant := range p.Participants {
			typed := Participant{}
			if participant.User != nil {
				typed.UserUUID = participant.User.UUID
			}
			if participant.Approved != nil {
				typed.Approved = *participant.Approved
			}
			pr.Participants = append(pr.Participants, typed)
		}
	}
	return pr
}

func (p commentPayload) toComment() Comment {
	comment := Comment{
		Deleted: p.Deleted,
		Pending: p.Pending,
	}
	if p.User != nil {
		comment.AuthorUUID = p.User.UUID
	}
	if p.Content != nil {
		comment.Raw = p.Content.Raw
	}
	return comment
}

func (p diffStatPayload) toDiffEntry() DiffEntry {
	return DiffEntry{LinesAdded: p.LinesAdded, LinesRemoved: p.LinesRemoved}
}

func parseNullableTimestamp(raw *string) *time.Time {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*raw))
	if err != nil {
		return nil
	}
	utc := parsed.UTC()
	return &utc
}
