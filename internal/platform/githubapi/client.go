// Package githubapi is the issue tracker client used by the decision services.
package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/go-github/v57/github"

	"github.com/decisionbot/project/internal/contracts"
	"github.com/decisionbot/project/internal/platform/metrics"
)

var ErrInvalidIssueURL = errors.New("invalid issue url")

var requestsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "github_api_requests_total",
	Help: "GitHub API calls by operation and outcome.",
}, []string{"operation", "outcome"})

func init() {
	metrics.Default.MustRegister(requestsTotal)
}

type Client struct {
	GitHub *github.Client
	Org    string
	Log    *log.Logger

	// NewBackOff builds the retry policy for one call.
	NewBackOff func() backoff.BackOff
}

// New returns a client authenticated with token for teams in org.
func New(token, org string, logger *log.Logger) *Client {
	gh := github.NewClient(&http.Client{Timeout: 30 * time.Second})
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{
		GitHub:     gh,
		Org:        org,
		Log:        logger,
		NewBackOff: defaultBackOff,
	}
}

// WithBaseURL points the client at another API root, such as GitHub Enterprise
// or a test server.
func (c *Client) WithBaseURL(raw string) (*Client, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c.GitHub.BaseURL = u
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 20 * time.Second
	return backoff.WithMaxRetries(policy, 4)
}

// IsTeamMember reports whether user is an active member of team.
func (c *Client) IsTeamMember(ctx context.Context, team, user string) (bool, error) {
	var membership *github.Membership
	err := c.call(ctx, "team_membership", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		membership, resp, err = c.GitHub.Teams.GetTeamMembershipBySlug(ctx, c.Org, team, user)
		return resp, err
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("team membership %s/%s for %s: %w", c.Org, team, user, err)
	}
	return membership.GetState() == "active", nil
}

// TeamMembers lists the logins of team, following pagination.
func (c *Client) TeamMembers(ctx context.Context, team string) ([]string, error) {
	opts := &github.TeamListTeamMembersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var members []string
	for {
		var users []*github.User
		var next int
		err := c.call(ctx, "team_members", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			users, resp, err = c.GitHub.Teams.ListTeamMembersBySlug(ctx, c.Org, team, opts)
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list team %s/%s: %w", c.Org, team, err)
		}
		for _, u := range users {
			if login := u.GetLogin(); login != "" {
				members = append(members, login)
			}
		}
		if next == 0 {
			return members, nil
		}
		opts.Page = next
	}
}

// PostComment adds body as a new comment on issue.
func (c *Client) PostComment(ctx context.Context, issue contracts.Issue, body string) error {
	owner, repo, err := splitRepository(issue.Repository)
	if err != nil {
		return err
	}
	return c.call(ctx, "create_comment", func() (*github.Response, error) {
		_, resp, err := c.GitHub.Issues.CreateComment(ctx, owner, repo, issue.Number, &github.IssueComment{Body: github.String(body)})
		return resp, err
	})
}

// GetIssue fetches the issue behind its API URL.
func (c *Client) GetIssue(ctx context.Context, apiURL string) (contracts.Issue, error) {
	var issue github.Issue
	err := c.call(ctx, "get_issue", func() (*github.Response, error) {
		req, err := c.GitHub.NewRequest(http.MethodGet, apiURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return c.GitHub.Do(ctx, req, &issue)
	})
	if err != nil {
		return contracts.Issue{}, fmt.Errorf("get issue %s: %w", apiURL, err)
	}
	return IssueFromGitHub(&issue, "")
}

// MergeIssue merges a pull request with message as the commit message. Plain
// issues cannot be merged; they get message as a comment and are closed as
// completed.
func (c *Client) MergeIssue(ctx context.Context, issue contracts.Issue, message string) error {
	owner, repo, err := splitRepository(issue.Repository)
	if err != nil {
		return err
	}
	if !issue.IsPullRequest {
		return c.closeWithReason(ctx, issue, message, "completed")
	}
	return c.call(ctx, "merge_pull_request", func() (*github.Response, error) {
		_, resp, err := c.GitHub.PullRequests.Merge(ctx, owner, repo, issue.Number, message, &github.PullRequestOptions{})
		return resp, err
	})
}

// CloseIssue posts message and closes issue as not planned.
func (c *Client) CloseIssue(ctx context.Context, issue contracts.Issue, message string) error {
	return c.closeWithReason(ctx, issue, message, "not_planned")
}

func (c *Client) closeWithReason(ctx context.Context, issue contracts.Issue, message, reason string) error {
	owner, repo, err := splitRepository(issue.Repository)
	if err != nil {
		return err
	}
	if message != "" {
		if err := c.PostComment(ctx, issue, message); err != nil {
			return err
		}
	}
	return c.call(ctx, "close_issue", func() (*github.Response, error) {
		_, resp, err := c.GitHub.Issues.Edit(ctx, owner, repo, issue.Number, &github.IssueRequest{
			State:       github.String("closed"),
			StateReason: github.String(reason),
		})
		return resp, err
	})
}

// call runs fn under the retry policy. Server errors and secondary rate limits
// are retried; everything else fails at once.
func (c *Client) call(ctx context.Context, operation string, fn func() (*github.Response, error)) error {
	newBackOff := c.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		resp, err := fn()
		if err == nil {
			return nil
		}
		if retryable(resp, err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(newBackOff(), ctx), func(err error, wait time.Duration) {
		if c.Log != nil {
			c.Log.Warn("github call failed, retrying", "operation", operation, "attempt", attempt, "wait", wait, "err", err)
		}
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(operation, outcome).Inc()
	return err
}

func retryable(resp *github.Response, err error) bool {
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return true
	}
	var rate *github.RateLimitError
	if errors.As(err, &rate) {
		return false
	}
	if resp != nil && resp.Response != nil {
		return resp.StatusCode >= http.StatusInternalServerError
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) {
		return false
	}
	// Transport failures carry no response.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func isNotFound(err error) bool {
	var errResp *github.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound
}

// IssueFromGitHub maps a go-github issue to the wire form. repository
// ("owner/name") is derived from the issue's repository URL when empty.
func IssueFromGitHub(issue *github.Issue, repository string) (contracts.Issue, error) {
	if issue == nil {
		return contracts.Issue{}, ErrInvalidIssueURL
	}
	if repository == "" {
		if r := issue.GetRepository(); r != nil && r.GetFullName() != "" {
			repository = r.GetFullName()
		} else {
			repository = repositoryFromURL(issue.GetRepositoryURL())
		}
	}
	if repository == "" || issue.GetNumber() == 0 {
		return contracts.Issue{}, fmt.Errorf("%w: %q", ErrInvalidIssueURL, issue.GetURL())
	}
	return contracts.Issue{
		Repository:    repository,
		Number:        issue.GetNumber(),
		URL:           issue.GetURL(),
		HTMLURL:       issue.GetHTMLURL(),
		IsPullRequest: issue.IsPullRequest(),
	}, nil
}

func repositoryFromURL(raw string) string {
	_, rest, ok := strings.Cut(raw, "/repos/")
	if !ok {
		return ""
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "/" + parts[1]
}

func splitRepository(full string) (string, string, error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid repository %q", full)
	}
	return owner, repo, nil
}
