package webhooks

import (
	"context"
	"errors"
	"strings"

	"porter/internal/agents"
	"porter/internal/auth"
	"porter/internal/command"
	"porter/internal/github"
	"porter/internal/httpx"
	"porter/internal/service"

	"github.com/gin-gonic/gin"
	gh "github.com/google/go-github/v69/github"
	"github.com/sirupsen/logrus"
)

// Dispatcher starts tasks
type Dispatcher interface {
	Dispatch(ctx context.Context, in service.DispatchInput) (*service.DispatchResult, error)
}

// Config holds the webhook handler configuration
type Config struct {
	Dispatcher Dispatcher
	Apps       auth.InstallationTokenSource
	Secret     string
	Mention    string
	Logger     *logrus.Entry
}

// Handler handles GitHub webhook deliveries
type Handler struct {
	dispatcher Dispatcher
	apps       auth.InstallationTokenSource
	secret     []byte
	mention    string
	logger     *logrus.Entry
}

// NewHandler creates a new webhooks handler
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	mention := cfg.Mention
	if mention == "" {
		mention = "@porter"
	}
	return &Handler{
		dispatcher: cfg.Dispatcher,
		apps:       cfg.Apps,
		secret:     []byte(cfg.Secret),
		mention:    mention,
		logger:     logger,
	}
}

// GitHub handles POST /api/webhooks/github
func (h *Handler) GitHub(c *gin.Context) {
	payload, err := gh.ValidatePayload(c.Request, h.secret)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInvalidToken("invalid webhook signature"))
		return
	}

	eventType := gh.WebHookType(c.Request)
	event, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("unsupported webhook payload"))
		return
	}

	switch e := event.(type) {
	case *gh.PingEvent:
		httpx.OK(c, gin.H{"pong": true})
	case *gh.IssueCommentEvent:
		h.issueComment(c, e)
	default:
		httpx.OK(c, gin.H{"ignored": eventType})
	}
}

func (h *Handler) issueComment(c *gin.Context, e *gh.IssueCommentEvent) {
	if e.GetAction() != "created" {
		httpx.OK(c, gin.H{"ignored": "action " + e.GetAction()})
		return
	}
	if e.GetIssue().IsPullRequest() {
		httpx.OK(c, gin.H{"ignored": "pull request comment"})
		return
	}
	if strings.EqualFold(e.GetComment().GetUser().GetType(), "Bot") {
		httpx.OK(c, gin.H{"ignored": "bot comment"})
		return
	}

	cmd, err := command.Parse(e.GetComment().GetBody(), h.mention, agents.Known)
	if errors.Is(err, command.ErrNotCommand) {
		httpx.OK(c, gin.H{"ignored": "not a command"})
		return
	}
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	owner := e.GetRepo().GetOwner().GetLogin()
	repo := e.GetRepo().GetName()
	number := e.GetIssue().GetNumber()
	installationID := e.GetInstallation().GetID()
	log := h.logger.WithFields(logrus.Fields{
		"repo":            owner + "/" + repo,
		"issue":           number,
		"installation_id": installationID,
	})

	if h.apps == nil || installationID == 0 {
		log.Warn("Command received but no GitHub App installation is available")
		httpx.FailErr(c, httpx.ErrForbidden("GitHub App is not configured for this repository"))
		return
	}
	token, err := h.apps.InstallationToken(c.Request.Context(), installationID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrExternalError("failed to mint installation token", err))
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), service.DispatchInput{
		GitHubToken:       token,
		RepoOwner:         owner,
		RepoName:          repo,
		IssueNumber:       number,
		Agent:             cmd.Agent,
		Priority:          string(cmd.Priority),
		Prompt:            cmd.Instructions,
		IssueTitle:        e.GetIssue().GetTitle(),
		IssueBody:         e.GetIssue().GetBody(),
		BaseBranch:        cmd.BaseBranch,
		RequireReadyAgent: true,
		InstallationID:    installationID,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidDispatch) {
			httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
			return
		}
		if github.IsNotFound(err) {
			httpx.FailErr(c, httpx.ErrNotFound("issue not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrExternalError("failed to dispatch task", err))
		return
	}

	log.WithField("status", result.Status).Info("Command dispatched")
	httpx.OK(c, result)
}
