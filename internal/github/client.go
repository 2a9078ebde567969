// Package github adapts the GitHub REST API to the handful of issue, label,
// comment and pull request calls the task workflow needs, and owns the
// porter label vocabulary and comment metadata encoding.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gh "github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every GitHub API request
const DefaultTimeout = 15 * time.Second

// ErrMissingToken indicates no API token was provided
var ErrMissingToken = errors.New("github: missing API token")

// Issue is the subset of issue data the workflow reads
type Issue struct {
	Number  int      `json:"number"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	HTMLURL string   `json:"htmlUrl"`
	State   string   `json:"state"`
	Labels  []string `json:"labels"`
}

// Comment is an issue comment
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewPullRequest describes a pull request to open
type NewPullRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
}

// PullRequest is a created pull request
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"htmlUrl"`
}

// Client is the GitHub capability used by dispatch, callbacks and the watchdog
type Client interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error)
	ListIssuesByLabel(ctx context.Context, owner, repo, label string) ([]Issue, error)
	ReplaceLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
	ListComments(ctx context.Context, owner, repo string, number int) ([]Comment, error)
	CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error)
}

// ClientFactory builds a Client acting with the given token
type ClientFactory interface {
	ForToken(token string) Client
}

// Identifier resolves the login a token authenticates as
type Identifier interface {
	Login(ctx context.Context, token string) (string, error)
}

// FactoryFunc adapts a function to ClientFactory
type FactoryFunc func(token string) Client

// ForToken calls f(token)
func (f FactoryFunc) ForToken(token string) Client {
	return f(token)
}

// APIError wraps a failed GitHub call with its HTTP status
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("github %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("github %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether GitHub rejected the token itself
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsNotFound reports whether err is a GitHub 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func wrapError(op string, resp *gh.Response, err error) error {
	apiErr := &APIError{Op: op, Err: err}
	if resp != nil && resp.Response != nil {
		apiErr.StatusCode = resp.StatusCode
	}
	return apiErr
}

// RESTClient implements Client on go-github
type RESTClient struct {
	client *gh.Client
	token  string
}

// Factory creates RESTClients against one API base URL
type Factory struct {
	BaseURL string
}

// ForToken implements ClientFactory
func (f Factory) ForToken(token string) Client {
	client, err := NewRESTClient(token, f.BaseURL)
	if err != nil {
		return errClient{err: err}
	}
	return client
}

// Login implements Identifier
func (f Factory) Login(ctx context.Context, token string) (string, error) {
	client, err := NewRESTClient(token, f.BaseURL)
	if err != nil {
		return "", err
	}
	return client.Login(ctx)
}

// NewRESTClient creates a client authenticated with token.
// baseURL may be empty for api.github.com.
func NewRESTClient(token, baseURL string) (*RESTClient, error) {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: DefaultTimeout})
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	client := gh.NewClient(httpClient)
	if baseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github: invalid base url: %w", err)
		}
		client.BaseURL = base
	}
	return &RESTClient{client: client, token: token}, nil
}

func (c *RESTClient) check(owner, repo string) error {
	if c.token == "" {
		return ErrMissingToken
	}
	if owner == "" || repo == "" {
		return errors.New("github: owner and repo are required")
	}
	return nil
}

// Login returns the login of the authenticated user
func (c *RESTClient) Login(ctx context.Context) (string, error) {
	if c.token == "" {
		return "", ErrMissingToken
	}
	user, resp, err := c.client.Users.Get(ctx, "")
	if err != nil {
		return "", wrapError("get user", resp, err)
	}
	return user.GetLogin(), nil
}

// GetIssue fetches a single issue by number
func (c *RESTClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	if err := c.check(owner, repo); err != nil {
		return nil, err
	}
	issue, resp, err := c.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, wrapError("get issue", resp, err)
	}
	return convertIssue(issue), nil
}

// CreateIssue opens a new issue
func (c *RESTClient) CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error) {
	if err := c.check(owner, repo); err != nil {
		return nil, err
	}
	issue, resp, err := c.client.Issues.Create(ctx, owner, repo, &gh.IssueRequest{
		Title: gh.Ptr(title),
		Body:  gh.Ptr(body),
	})
	if err != nil {
		return nil, wrapError("create issue", resp, err)
	}
	return convertIssue(issue), nil
}

// ListIssuesByLabel lists open and closed issues carrying label, newest first
func (c *RESTClient) ListIssuesByLabel(ctx context.Context, owner, repo, label string) ([]Issue, error) {
	if err := c.check(owner, repo); err != nil {
		return nil, err
	}
	issues, resp, err := c.client.Issues.ListByRepo(ctx, owner, repo, &gh.IssueListByRepoOptions{
		State:       "all",
		Labels:      []string{label},
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 50},
	})
	if err != nil {
		return nil, wrapError("list issues", resp, err)
	}

	out := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		out = append(out, *convertIssue(issue))
	}
	return out, nil
}

// ReplaceLabels sets the full label list of an issue
func (c *RESTClient) ReplaceLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if err := c.check(owner, repo); err != nil {
		return err
	}
	_, resp, err := c.client.Issues.ReplaceLabelsForIssue(ctx, owner, repo, number, labels)
	if err != nil {
		return wrapError("replace labels", resp, err)
	}
	return nil
}

// CreateComment posts a comment on an issue
func (c *RESTClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	if err := c.check(owner, repo); err != nil {
		return err
	}
	_, resp, err := c.client.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{Body: gh.Ptr(body)})
	if err != nil {
		return wrapError("create comment", resp, err)
	}
	return nil
}

// ListComments returns every comment of an issue, oldest first
func (c *RESTClient) ListComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	if err := c.check(owner, repo); err != nil {
		return nil, err
	}

	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	var out []Comment
	for {
		comments, resp, err := c.client.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, wrapError("list comments", resp, err)
		}
		for _, comment := range comments {
			out = append(out, Comment{
				ID:        comment.GetID(),
				Body:      comment.GetBody(),
				CreatedAt: comment.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreatePullRequest opens a pull request
func (c *RESTClient) CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	if err := c.check(owner, repo); err != nil {
		return nil, err
	}
	created, resp, err := c.client.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
		Title: gh.Ptr(pr.Title),
		Head:  gh.Ptr(pr.Head),
		Base:  gh.Ptr(pr.Base),
		Body:  gh.Ptr(pr.Body),
	})
	if err != nil {
		return nil, wrapError("create pull request", resp, err)
	}
	return &PullRequest{Number: created.GetNumber(), HTMLURL: created.GetHTMLURL()}, nil
}

func convertIssue(issue *gh.Issue) *Issue {
	out := &Issue{
		Number:  issue.GetNumber(),
		Title:   issue.GetTitle(),
		Body:    issue.GetBody(),
		HTMLURL: issue.GetHTMLURL(),
		State:   issue.GetState(),
	}
	for _, label := range issue.Labels {
		out.Labels = append(out.Labels, label.GetName())
	}
	return out
}

// errClient fails every call with the construction error
type errClient struct {
	err error
}

func (e errClient) GetIssue(context.Context, string, string, int) (*Issue, error) { return nil, e.err }
func (e errClient) CreateIssue(context.Context, string, string, string, string) (*Issue, error) {
	return nil, e.err
}
func (e errClient) ListIssuesByLabel(context.Context, string, string, string) ([]Issue, error) {
	return nil, e.err
}
func (e errClient) ReplaceLabels(context.Context, string, string, int, []string) error { return e.err }
func (e errClient) CreateComment(context.Context, string, string, int, string) error   { return e.err }
func (e errClient) ListComments(context.Context, string, string, int) ([]Comment, error) {
	return nil, e.err
}
func (e errClient) CreatePullRequest(context.Context, string, string, NewPullRequest) (*PullRequest, error) {
	return nil, e.err
}
