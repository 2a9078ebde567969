package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"porter/internal/agents"
	"porter/internal/config"
	"porter/internal/execution"
	"porter/internal/fly"
	"porter/internal/github"
	"porter/internal/model"
	"porter/internal/settings"

	"github.com/sirupsen/logrus"
)

// ErrInvalidDispatch is returned when a dispatch request has nothing to act on
var ErrInvalidDispatch = errors.New("invalid dispatch request")

// CallbackPath is where remote workers report completion
const CallbackPath = "/api/callbacks/complete"

// DispatchInput is one request to run an agent against an issue
type DispatchInput struct {
	GitHubToken       string `json:"-"`
	RepoOwner         string `json:"repoOwner"`
	RepoName          string `json:"repoName"`
	IssueNumber       int    `json:"issueNumber,omitempty"`
	Agent             string `json:"agent,omitempty"`
	Priority          string `json:"priority,omitempty"`
	Prompt            string `json:"prompt,omitempty"`
	IssueTitle        string `json:"issueTitle,omitempty"`
	IssueBody         string `json:"issueBody,omitempty"`
	BaseBranch        string `json:"baseBranch,omitempty"`
	RepoCloneURL      string `json:"repoCloneUrl,omitempty"`
	RequireReadyAgent bool   `json:"requireReadyAgent,omitempty"`
	InstallationID    int64  `json:"-"`
}

// DispatchResult is what the caller learns synchronously
type DispatchResult struct {
	OK          bool             `json:"ok"`
	Status      model.TaskStatus `json:"status,omitempty"`
	TaskID      string           `json:"taskId,omitempty"`
	IssueNumber int              `json:"issueNumber,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	Error       string           `json:"error,omitempty"`
	ExecutionID string           `json:"executionId,omitempty"`
}

// DispatcherConfig is the process level launch configuration
type DispatcherConfig struct {
	CallbackBaseURL string
	Image           string
	Region          string
	Guest           fly.Guest
}

// DispatcherConfigFrom maps process config onto the dispatcher
func DispatcherConfigFrom(cfg *config.Config) DispatcherConfig {
	return DispatcherConfig{
		CallbackBaseURL: cfg.Callback.BaseURL,
		Image:           cfg.Fly.Image,
		Region:          cfg.Fly.Region,
		Guest: fly.Guest{
			CPUKind:  cfg.Fly.CPUKind,
			CPUs:     cfg.Fly.CPUs,
			MemoryMB: cfg.Fly.MemoryMB,
		},
	}
}

// Dispatcher turns a dispatch request into a queued GitHub task and a
// running remote machine
type Dispatcher struct {
	store     execution.Store
	machines  fly.MachineClient
	github    github.ClientFactory
	settings  settings.Store
	agents    agents.Checker
	publisher *StatusPublisher
	cfg       DispatcherConfig
	now       func() time.Time
	logger    *logrus.Entry
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store execution.Store, machines fly.MachineClient, gh github.ClientFactory, st settings.Store, checker agents.Checker, publisher *StatusPublisher, cfg DispatcherConfig, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		store:     store,
		machines:  machines,
		github:    gh,
		settings:  st,
		agents:    checker,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// task is the state a dispatch carries between steps
type task struct {
	client github.Client
	in     DispatchInput
	issue  *github.Issue
	meta   model.TaskMetadata
	log    *logrus.Entry
}

// Dispatch runs the dispatch workflow. A returned error means nothing was
// written to GitHub; every later failure is reported through the result
// and the issue thread. Cancelling ctx does not interrupt a dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	ctx, cancel := Detach(ctx, HandlerTimeout)
	defer cancel()

	in.RepoOwner = strings.TrimSpace(in.RepoOwner)
	in.RepoName = strings.TrimSpace(in.RepoName)
	in.Prompt = strings.TrimSpace(in.Prompt)

	if in.RepoOwner == "" || in.RepoName == "" {
		return &DispatchResult{Error: "repoOwner and repoName are required"}, fmt.Errorf("%w: repoOwner and repoName are required", ErrInvalidDispatch)
	}
	if in.IssueNumber <= 0 && in.Prompt == "" {
		return &DispatchResult{Error: "issueNumber or prompt is required"}, fmt.Errorf("%w: issueNumber or prompt is required", ErrInvalidDispatch)
	}
	priority, err := model.ParsePriority(in.Priority)
	if err != nil {
		return &DispatchResult{Error: err.Error()}, fmt.Errorf("%w: %v", ErrInvalidDispatch, err)
	}

	cfg, err := d.settings.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	agent := strings.ToLower(strings.TrimSpace(in.Agent))
	if agent == "" {
		agent = strings.ToLower(strings.TrimSpace(cfg.DefaultAgent))
	}
	if agent == "" {
		agent = agents.DefaultAgent
	}
	if !agents.Known(agent) {
		msg := fmt.Sprintf("unknown agent %q (want one of %s)", agent, strings.Join(agents.Names(), ", "))
		return &DispatchResult{Error: msg}, fmt.Errorf("%w: %s", ErrInvalidDispatch, msg)
	}

	client := d.github.ForToken(in.GitHubToken)
	issue, err := d.resolveIssue(ctx, client, in)
	if err != nil {
		return nil, err
	}

	t := &task{
		client: client,
		in:     in,
		issue:  issue,
		meta: model.TaskMetadata{
			TaskID:    model.TaskID(in.RepoOwner, in.RepoName, issue.Number),
			Agent:     agent,
			Priority:  priority,
			Status:    model.StatusQueued,
			CreatedAt: Timestamp(d.now()),
		},
		log: d.logger.WithFields(logrus.Fields{
			"repo":  in.RepoOwner + "/" + in.RepoName,
			"issue": issue.Number,
			"agent": agent,
		}),
	}

	queued, err := d.publisher.Publish(ctx, client, in.RepoOwner, in.RepoName, issue.Number,
		fmt.Sprintf("Porter queued this task for `%s` (priority %s).", agent, priority), t.meta)
	if err != nil {
		return nil, fmt.Errorf("failed to publish queued status: %w", err)
	}
	t.meta = queued
	t.log.Info("Task queued")

	if in.RequireReadyAgent {
		if reason, ok := d.checkAgent(ctx, agent); !ok {
			return d.fail(ctx, t, model.StageDispatch, fmt.Sprintf("Porter could not start `%s`: %s", agent, reason), ""), nil
		}
	}

	if missing := d.missingConfig(cfg); len(missing) > 0 {
		return d.fail(ctx, t, model.StageDispatch, "Porter is not configured: missing "+strings.Join(missing, ", ")+".", ""), nil
	}

	return d.launch(ctx, t, cfg), nil
}

func (d *Dispatcher) resolveIssue(ctx context.Context, client github.Client, in DispatchInput) (*github.Issue, error) {
	if in.IssueNumber > 0 {
		issue, err := client.GetIssue(ctx, in.RepoOwner, in.RepoName, in.IssueNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch issue #%d: %w", in.IssueNumber, err)
		}
		if strings.TrimSpace(issue.Title) == "" {
			issue.Title = in.IssueTitle
		}
		if strings.TrimSpace(issue.Body) == "" {
			issue.Body = in.IssueBody
		}
		return issue, nil
	}

	title := strings.TrimSpace(in.IssueTitle)
	if title == "" {
		title = DeriveTitle(in.Prompt)
	}
	issue, err := client.CreateIssue(ctx, in.RepoOwner, in.RepoName, title, in.Prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	return issue, nil
}

func (d *Dispatcher) checkAgent(ctx context.Context, agent string) (string, bool) {
	if d.agents == nil {
		return "", true
	}
	readiness, err := d.agents.IsReady(ctx, agent)
	if err != nil {
		return err.Error(), false
	}
	if !readiness.Ready {
		reason := readiness.Reason
		if reason == "" {
			reason = "agent is not ready"
		}
		return reason, false
	}
	return "", true
}

func (d *Dispatcher) missingConfig(cfg settings.Settings) []string {
	missing := cfg.Missing()
	if strings.TrimSpace(d.cfg.CallbackBaseURL) == "" {
		missing = append(missing, "callback base URL")
	}
	if strings.TrimSpace(d.cfg.Image) == "" {
		missing = append(missing, "Fly worker image")
	}
	return missing
}

func (d *Dispatcher) launch(ctx context.Context, t *task, cfg settings.Settings) *DispatchResult {
	in := t.in
	extra := ""
	if in.IssueNumber > 0 {
		extra = in.Prompt
	}
	prompt := BuildPrompt(PromptInput{
		Owner:       in.RepoOwner,
		Repo:        in.RepoName,
		IssueNumber: t.issue.Number,
		Title:       t.issue.Title,
		Description: t.issue.Body,
		Extra:       extra,
	})

	ec, err := d.store.Create(ctx, execution.CreateInput{
		Owner:          in.RepoOwner,
		Repo:           in.RepoName,
		IssueNumber:    t.issue.Number,
		Agent:          t.meta.Agent,
		Priority:       t.meta.Priority,
		Prompt:         prompt,
		BaseBranch:     in.BaseBranch,
		GitHubToken:    in.GitHubToken,
		RepoCloneURL:   in.RepoCloneURL,
		InstallationID: in.InstallationID,
	})
	if err != nil {
		return d.fail(ctx, t, model.StageDispatch, "Porter could not record the execution: "+err.Error(), "")
	}
	log := t.log.WithField("execution_id", ec.ExecutionID)
	t.meta.BranchName = ec.BranchName

	machine, err := d.machines.CreateMachine(ctx, cfg.Fly.Token, cfg.Fly.App, fly.MachineSpec{
		Name:        ec.ExecutionID,
		Region:      d.cfg.Region,
		Image:       d.cfg.Image,
		AutoDestroy: true,
		Env:         d.machineEnv(ec, cfg),
		Guest:       d.cfg.Guest,
	})
	if err != nil {
		log.WithError(err).Error("Machine launch failed")
		d.discard(ctx, ec.ExecutionID, log)
		return d.fail(ctx, t, model.StageDispatch, "Porter failed to launch the agent: "+err.Error(), ec.ExecutionID)
	}
	log = log.WithField("machine_id", machine.ID)

	if err := d.store.AttachJobID(ctx, ec.ExecutionID, machine.ID); err != nil {
		log.WithError(err).Error("Failed to attach machine to execution")
		if derr := d.machines.DestroyMachine(ctx, cfg.Fly.Token, cfg.Fly.App, machine.ID); derr != nil {
			log.WithError(derr).Warn("Failed to destroy machine")
		}
		d.discard(ctx, ec.ExecutionID, log)
		return d.fail(ctx, t, model.StageDispatch, "Porter failed to track the launched agent: "+err.Error(), ec.ExecutionID)
	}

	running := t.meta.WithStatus(model.StatusRunning, 10)
	summary := fmt.Sprintf("Porter started `%s` on branch `%s`.", running.Agent, ec.BranchName)
	if published, err := d.publisher.Publish(ctx, t.client, in.RepoOwner, in.RepoName, t.issue.Number, summary, running); err != nil {
		log.WithError(err).Warn("Failed to publish running status")
	} else {
		running = published
	}
	d.publisher.Invalidate(ctx, in.RepoOwner, in.RepoName)
	log.Info("Task running")

	return &DispatchResult{
		OK:          true,
		Status:      model.StatusRunning,
		TaskID:      running.TaskID,
		IssueNumber: t.issue.Number,
		Summary:     summary,
		ExecutionID: ec.ExecutionID,
	}
}

// machineEnv is the environment handed to the worker image
func (d *Dispatcher) machineEnv(ec *model.ExecutionContext, cfg settings.Settings) map[string]string {
	env := map[string]string{
		"TASK_ID":        ec.ExecutionID,
		"EXECUTION_ID":   ec.ExecutionID,
		"PORTER_TASK":    ec.TaskID(),
		"REPO_OWNER":     ec.Owner,
		"REPO_NAME":      ec.Repo,
		"REPO_URL":       cloneURL(ec),
		"ISSUE_NUMBER":   strconv.Itoa(ec.IssueNumber),
		"AGENT":          ec.Agent,
		"PRIORITY":       string(ec.Priority),
		"PROMPT":         ec.Prompt,
		"BRANCH_NAME":    ec.BranchName,
		"BASE_BRANCH":    ec.BaseBranch,
		"GITHUB_TOKEN":   ec.GitHubToken,
		"CALLBACK_URL":   strings.TrimRight(d.cfg.CallbackBaseURL, "/") + CallbackPath,
		"CALLBACK_TOKEN": ec.CallbackToken,
	}
	for key, value := range map[string]string{
		"ANTHROPIC_API_KEY": cfg.Providers.Anthropic,
		"OPENAI_API_KEY":    cfg.Providers.OpenAI,
		"GOOGLE_API_KEY":    cfg.Providers.Google,
	} {
		if value != "" {
			env[key] = value
		}
	}
	return env
}

func cloneURL(ec *model.ExecutionContext) string {
	if ec.RepoCloneURL != "" {
		return ec.RepoCloneURL
	}
	if ec.GitHubToken == "" {
		return fmt.Sprintf("https://github.com/%s/%s.git", ec.Owner, ec.Repo)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", ec.GitHubToken, ec.Owner, ec.Repo)
}

// discard drops a context that never reached a running machine
func (d *Dispatcher) discard(ctx context.Context, executionID string, log *logrus.Entry) {
	if _, err := d.store.Remove(ctx, executionID); err != nil {
		log.WithError(err).Warn("Failed to remove unlaunched execution")
	}
}

// fail records a terminal failed status and builds the failure result
func (d *Dispatcher) fail(ctx context.Context, t *task, stage model.FailureStage, summary, executionID string) *DispatchResult {
	meta := t.meta.Failed(stage, summary)
	if _, err := d.publisher.Publish(ctx, t.client, t.in.RepoOwner, t.in.RepoName, t.issue.Number, summary, meta); err != nil {
		t.log.WithError(err).Warn("Failed to publish failed status")
	}
	d.publisher.Invalidate(ctx, t.in.RepoOwner, t.in.RepoName)
	t.log.WithField("stage", stage).Warn(summary)

	return &DispatchResult{
		OK:          false,
		Status:      model.StatusFailed,
		TaskID:      meta.TaskID,
		IssueNumber: t.issue.Number,
		Summary:     summary,
		Error:       summary,
		ExecutionID: executionID,
	}
}
