package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/identity"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestRecorderHandlerRendersObservations(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.ObserveAttempt("pullrequests", 200, 120*time.Millisecond, nil)
	recorder.ObserveAttempt("pullrequests", 502, 80*time.Millisecond, nil)
	recorder.ObserveAttempt("comments", 0, time.Millisecond, nil)
	recorder.ObserveRetry("pullrequests", time.Second)
	recorder.ObserveIdentityLookup(identity.ResultHit)
	recorder.ObserveIdentityLookup(identity.ResultMiss)
	recorder.ObserveIdentityLookup(identity.ResultHit)
	recorder.ObserveReport(ReportReviews, "ok")

	body := scrape(t, recorder.Handler())
	wantSubstrs := []string{
		`bitbucket_stats_upstream_requests_total{endpoint="pullrequests",status_class="2xx"} 1`,
		`bitbucket_stats_upstream_requests_total{endpoint="pullrequests",status_class="5xx"} 1`,
		`bitbucket_stats_upstream_requests_total{endpoint="comments",status_class="error"} 1`,
		`bitbucket_stats_upstream_retries_total{endpoint="pullrequests"} 1`,
		`bitbucket_stats_upstream_request_duration_seconds_count{endpoint="pullrequests"} 2`,
		`bitbucket_stats_identity_lookups_total{result="hit"} 2`,
		`bitbucket_stats_identity_lookups_total{result="miss"} 1`,
		`bitbucket_stats_reports_total{outcome="ok",report="reviews"} 1`,
		"# EOF",
	}
	for _, substr := range wantSubstrs {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q:\n%s", substr, body)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()

	var recorder *Recorder
	recorder.ObserveAttempt("pullrequests", 200, time.Millisecond, nil)
	recorder.ObserveRetry("pullrequests", time.Second)
	recorder.ObserveIdentityLookup(identity.ResultExpired)
	recorder.ObserveReport(ReportMyPullRequests, "internal")

	body := scrape(t, recorder.Handler())
	if strings.Contains(body, "bitbucket_stats_") {
		t.Fatalf("nil recorder exposed series:\n%s", body)
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status int
		want   string
	}{
		{status: 200, want: "2xx"},
		{status: 404, want: "4xx"},
		{status: 429, want: "4xx"},
		{status: 503, want: "5xx"},
		{status: 0, want: "error"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.want, func(t *testing.T) {
			t.Parallel()
			if got := StatusClass(tc.status); got != tc.want {
				t.Fatalf("StatusClass(%d) = %q, want %q", tc.status, got, tc.want)
			}
		})
	}
}
