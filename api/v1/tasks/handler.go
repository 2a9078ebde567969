package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"porter/api/v1/middleware"
	"porter/internal/cache"
	"porter/internal/github"
	"porter/internal/httpx"
	"porter/internal/model"
	"porter/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// listTTL bounds how long a cached task list is served
const listTTL = time.Minute

// Dispatcher starts tasks
type Dispatcher interface {
	Dispatch(ctx context.Context, in service.DispatchInput) (*service.DispatchResult, error)
}

// CreateRequest represents create task request
type CreateRequest struct {
	RepoOwner         string `json:"repoOwner" binding:"required"`
	RepoName          string `json:"repoName" binding:"required"`
	IssueNumber       int    `json:"issueNumber"`
	Agent             string `json:"agent"`
	Priority          string `json:"priority"`
	Prompt            string `json:"prompt"`
	IssueTitle        string `json:"issueTitle"`
	IssueBody         string `json:"issueBody"`
	BaseBranch        string `json:"baseBranch"`
	RequireReadyAgent bool   `json:"requireReadyAgent"`
}

// TaskItem is one porter task issue in a list
type TaskItem struct {
	Number  int              `json:"number"`
	Title   string           `json:"title"`
	Status  model.TaskStatus `json:"status,omitempty"`
	HTMLURL string           `json:"htmlUrl"`
	Labels  []string         `json:"labels"`
}

// Handler handles tasks API
type Handler struct {
	dispatcher Dispatcher
	github     github.ClientFactory
	cache      cache.Cache
}

// NewHandler creates a new tasks handler
func NewHandler(dispatcher Dispatcher, gh github.ClientFactory, c cache.Cache) *Handler {
	if c == nil {
		c = cache.Noop{}
	}
	return &Handler{dispatcher: dispatcher, github: gh, cache: c}
}

// Create handles POST /api/v1/tasks
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), service.DispatchInput{
		GitHubToken:       middleware.GitHubToken(c),
		RepoOwner:         req.RepoOwner,
		RepoName:          req.RepoName,
		IssueNumber:       req.IssueNumber,
		Agent:             req.Agent,
		Priority:          req.Priority,
		Prompt:            req.Prompt,
		IssueTitle:        req.IssueTitle,
		IssueBody:         req.IssueBody,
		BaseBranch:        req.BaseBranch,
		RequireReadyAgent: req.RequireReadyAgent,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidDispatch):
			httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		case github.IsNotFound(err):
			httpx.FailErr(c, httpx.ErrNotFound("issue not found"))
		default:
			httpx.FailErr(c, httpx.ErrExternalError("failed to dispatch task", err))
		}
		return
	}

	if !result.OK {
		httpx.FailErr(c, httpx.ErrDispatchFailed(result.Summary).WithData(result))
		return
	}
	httpx.OK(c, result)
}

// List handles GET /api/v1/tasks/:owner/:repo. Cached lists are scoped to
// the caller's token.
func (h *Handler) List(c *gin.Context) {
	owner, repo := c.Param("owner"), c.Param("repo")
	ctx := c.Request.Context()
	token := middleware.GitHubToken(c)
	key := cache.CallerIssuesKey(owner, repo, token)

	if raw, ok, err := h.cache.Get(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Issue cache read failed")
	} else if ok {
		var items []TaskItem
		if err := json.Unmarshal(raw, &items); err == nil {
			httpx.OKItems(c, items, len(items))
			return
		}
	}

	client := h.github.ForToken(token)
	issues, err := client.ListIssuesByLabel(ctx, owner, repo, github.LabelTask)
	if err != nil {
		if github.IsNotFound(err) {
			httpx.FailErr(c, httpx.ErrNotFound("repository not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrExternalError("failed to list task issues", err))
		return
	}

	items := make([]TaskItem, 0, len(issues))
	for _, issue := range issues {
		status, _ := github.StatusFromLabels(issue.Labels)
		items = append(items, TaskItem{
			Number:  issue.Number,
			Title:   issue.Title,
			Status:  status,
			HTMLURL: issue.HTMLURL,
			Labels:  issue.Labels,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Number > items[j].Number })

	if raw, err := json.Marshal(items); err == nil {
		if err := h.cache.Set(ctx, key, raw, listTTL); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("Issue cache write failed")
		}
	}
	httpx.OKItems(c, items, len(items))
}

// Get handles GET /api/v1/tasks/:owner/:repo/:number
func (h *Handler) Get(c *gin.Context) {
	owner, repo := c.Param("owner"), c.Param("repo")
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number <= 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid issue number"))
		return
	}

	client := h.github.ForToken(middleware.GitHubToken(c))
	comments, err := client.ListComments(c.Request.Context(), owner, repo, number)
	if err != nil {
		if github.IsNotFound(err) {
			httpx.FailErr(c, httpx.ErrNotFound("issue not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrExternalError("failed to read issue comments", err))
		return
	}

	meta, ok := github.LatestMetadata(comments)
	if !ok {
		httpx.FailErr(c, httpx.ErrNotFound("no porter task on this issue"))
		return
	}
	httpx.OK(c, meta)
}
