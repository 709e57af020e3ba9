package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
	"github.com/cam3ron2/bitbucket-stats/internal/config"
	"github.com/cam3ron2/bitbucket-stats/internal/metrics"
	"github.com/cam3ron2/bitbucket-stats/internal/stats"
	"go.uber.org/zap"
)

const (
	headerUsername    = "username"
	headerAppPassword = "appPassword"
	basicPrefix       = "basic "
)

// statsService is the pipeline the handlers drive.
type statsService interface {
	MyPullRequests(ctx context.Context, creds bitbucket.Credentials, req stats.MyPullRequestsRequest) (stats.MyPullRequestStats, error)
	Reviews(ctx context.Context, creds bitbucket.Credentials, req stats.ReviewRequest) (stats.ReviewStats, error)
}

type reportObserver interface {
	ObserveReport(report, outcome string)
}

type statsHandlers struct {
	service  statsService
	observer reportObserver
	defaults config.StatsConfig
	logger   *zap.Logger
	now      func() time.Time
}

func newStatsHandlers(
	service statsService,
	observer reportObserver,
	defaults config.StatsConfig,
	logger *zap.Logger,
	now func() time.Time,
) *statsHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &statsHandlers{
		service:  service,
		observer: observer,
		defaults: defaults,
		logger:   logger,
		now:      now,
	}
}

// MyPullRequests serves GET /pull-requests/stats.
func (h *statsHandlers) MyPullRequests(w http.ResponseWriter, r *http.Request) {
	validation := &bitbucket.ValidationError{}
	creds := credentialsFromHeaders(r.Header, validation)
	query := newQueryReader(r.URL.Query(), validation)
	window := h.bindWindow(query)
	req := stats.MyPullRequestsRequest{
		Window:                    window,
		Nickname:                  query.String("nickname"),
		IncludePullRequestDetails: query.Bool("includePullRequestDetails"),
		IncludeDiffDetails:        query.Bool("includeDiffDetails"),
	}
	if err := validation.OrNil(); err != nil {
		h.fail(w, r, metrics.ReportMyPullRequests, err)
		return
	}

	result, err := h.service.MyPullRequests(r.Context(), creds, req)
	if err != nil {
		h.fail(w, r, metrics.ReportMyPullRequests, err)
		return
	}
	h.observe(metrics.ReportMyPullRequests, "ok")
	writeJSON(w, http.StatusOK, result)
}

// Reviews serves GET /pull-requests/reviews/stats.
func (h *statsHandlers) Reviews(w http.ResponseWriter, r *http.Request) {
	validation := &bitbucket.ValidationError{}
	creds := credentialsFromHeaders(r.Header, validation)
	query := newQueryReader(r.URL.Query(), validation)
	window := h.bindWindow(query)
	req := stats.ReviewRequest{
		Window:                window,
		ReviewerUUID:          query.String("reviewerUuid"),
		IncludeCommentDetails: query.Bool("includeCommentDetails"),
	}
	if err := validation.OrNil(); err != nil {
		h.fail(w, r, metrics.ReportReviews, err)
		return
	}

	result, err := h.service.Reviews(r.Context(), creds, req)
	if err != nil {
		h.fail(w, r, metrics.ReportReviews, err)
		return
	}
	h.observe(metrics.ReportReviews, "ok")
	writeJSON(w, http.StatusOK, result)
}

// bindWindow reads the parameters shared by both endpoints. Violations land on the query's
// validation error; the window itself is validated again by the stats service.
func (h *statsHandlers) bindWindow(query *queryReader) bitbucket.Window {
	today := h.today()

	since := query.Date("sinceDate")
	if since.IsZero() && !query.Has("sinceDate") {
		query.validation.Add("sinceDate", "since date is required")
	}
	until := query.Date("untilDate")
	if !query.Has("untilDate") {
		until = today
	}
	if !since.IsZero() && since.After(today) {
		query.validation.Add("sinceDate", "since date must not be in the future")
	}
	if !until.IsZero() && until.After(today) {
		query.validation.Add("untilDate", "until date must not be in the future")
	}
	if !since.IsZero() && !until.IsZero() && since.After(until) {
		query.validation.Add("sinceDate", "since date must be on or before until date")
	}

	repos := query.List("repo")
	if len(repos) == 0 {
		query.validation.Add("repo", "at least one repository is required")
	}
	workspace := query.String("workspace")
	if workspace == "" {
		query.validation.Add("workspace", "workspace is required")
	}

	states := query.List("state")
	for i, state := range states {
		states[i] = strings.ToUpper(state)
	}
	if len(states) == 0 {
		states = append([]string(nil), h.defaults.DefaultStates...)
	}

	maxConcurrency := h.defaults.DefaultMaxConcurrency
	if value, ok := query.Int("maxConcurrency"); ok {
		maxConcurrency = value
		if value < 1 {
			query.validation.Add("maxConcurrency", "max concurrency must be at least 1")
		}
	}

	return bitbucket.Window{
		Workspace:      workspace,
		Repos:          repos,
		Since:          since,
		Until:          until,
		States:         states,
		Queued:         query.OptionalBool("queued"),
		MaxConcurrency: maxConcurrency,
	}
}

func (h *statsHandlers) today() time.Time {
	now := h.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (h *statsHandlers) observe(report, outcome string) {
	if h.observer != nil {
		h.observer.ObserveReport(report, outcome)
	}
}

func (h *statsHandlers) fail(w http.ResponseWriter, r *http.Request, report string, err error) {
	kind := bitbucket.Classify(err)
	h.observe(report, string(kind))

	status, body := errorResponse(r.URL.Path, kind, err, h.now())
	switch kind {
	case bitbucket.KindInternal:
		h.logger.Error("stats request failed", zap.String("report", report), zap.String("path", r.URL.Path), zap.Error(err))
	case bitbucket.KindValidation:
		h.logger.Debug("stats request rejected", zap.String("report", report), zap.Error(err))
	default:
		h.logger.Warn(
			"stats request failed",
			zap.String("report", report),
			zap.String("kind", string(kind)),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

// credentialsFromHeaders prefers an Authorization: Basic header and falls back to the
// username and appPassword headers.
func credentialsFromHeaders(header http.Header, validation *bitbucket.ValidationError) bitbucket.Credentials {
	authorization := strings.TrimSpace(header.Get("Authorization"))
	if len(authorization) > len(basicPrefix) && strings.EqualFold(authorization[:len(basicPrefix)], basicPrefix) {
		creds, err := bitbucket.NewTokenCredentials(authorization[len(basicPrefix):])
		if err == nil {
			return creds
		}
	}

	username := header.Get(headerUsername)
	appPassword := header.Get(headerAppPassword)
	if strings.TrimSpace(username) == "" && strings.TrimSpace(appPassword) == "" {
		validation.Add("authorization", "provide either Authorization: Basic ... or username and appPassword headers")
		return bitbucket.Credentials{}
	}
	creds, err := bitbucket.NewBasicCredentials(username, appPassword)
	if err != nil {
		var credentialErr *bitbucket.ValidationError
		if errors.As(err, &credentialErr) {
			validation.Violations = append(validation.Violations, credentialErr.Violations...)
		}
		return bitbucket.Credentials{}
	}
	return creds
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Timestamp string                     `json:"timestamp"`
	Status    int                        `json:"status"`
	Error     string                     `json:"error"`
	Message   string                     `json:"message"`
	Path      string                     `json:"path"`
	Errors    []bitbucket.FieldViolation `json:"errors"`
}

func errorResponse(path string, kind bitbucket.ErrorKind, err error, now time.Time) (int, ErrorBody) {
	status := http.StatusInternalServerError
	message := err.Error()
	var violations []bitbucket.FieldViolation

	switch kind {
	case bitbucket.KindValidation:
		status = http.StatusBadRequest
		message = "Validation failed"
		var validationErr *bitbucket.ValidationError
		if errors.As(err, &validationErr) {
			violations = validationErr.Violations
		}
	case bitbucket.KindTerminal:
		status = bitbucket.StatusCode(err)
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		message = upstreamMessage(err)
	case bitbucket.KindTransient:
		status = http.StatusBadGateway
		if bitbucket.StatusCode(err) == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		message = upstreamMessage(err)
	case bitbucket.KindCanceled:
		status = http.StatusServiceUnavailable
		message = "request canceled"
	}

	return status, ErrorBody{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
		Path:      path,
		Errors:    violations,
	}
}

// upstreamMessage prefers the body Bitbucket returned over the wrapped error text.
func upstreamMessage(err error) string {
	var upstreamErr *bitbucket.UpstreamError
	if errors.As(err, &upstreamErr) {
		if body := strings.TrimSpace(upstreamErr.Body); body != "" {
			return body
		}
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		if _, writeErr := w.Write([]byte(`{"status":500,"error":"Internal Server Error","message":"marshal response"}`)); writeErr != nil {
			return
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		return
	}
}

// queryReader parses query parameters and records every malformed value.
type queryReader struct {
	values     url.Values
	validation *bitbucket.ValidationError
}

func newQueryReader(values url.Values, validation *bitbucket.ValidationError) *queryReader {
	return &queryReader{values: values, validation: validation}
}

func (q *queryReader) Has(name string) bool {
	return strings.TrimSpace(q.values.Get(name)) != ""
}

func (q *queryReader) String(name string) string {
	return strings.TrimSpace(q.values.Get(name))
}

// List accepts both repeated parameters and comma-separated values.
func (q *queryReader) List(name string) []string {
	var out []string
	for _, raw := range q.values[name] {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func (q *queryReader) Bool(name string) bool {
	value := q.OptionalBool(name)
	return value != nil && *value
}

func (q *queryReader) OptionalBool(name string) *bool {
	raw := q.String(name)
	if raw == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		q.validation.Add(name, "must be true or false")
		return nil
	}
	return &parsed
}

// Int reports false when the parameter is absent or malformed.
func (q *queryReader) Int(name string) (int, bool) {
	raw := q.String(name)
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		q.validation.Add(name, "must be an integer")
		return 0, false
	}
	return parsed, true
}

func (q *queryReader) Date(name string) time.Time {
	raw := q.String(name)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(bitbucket.DateLayout, raw)
	if err != nil {
		q.validation.Add(name, "must be a date formatted YYYY-MM-DD")
		return time.Time{}
	}
	return parsed
}
