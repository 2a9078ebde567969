package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"porter/internal/auth"
	"porter/internal/execution"
	"porter/internal/github"
	"porter/internal/model"

	"github.com/sirupsen/logrus"
)

// CallbackTokenHeader carries the callback token
const CallbackTokenHeader = "X-Porter-Callback-Token"

// LenientInt decodes a JSON number or numeric string holding a positive
// integer up to math.MaxInt32. Anything else decodes to zero without error.
type LenientInt int

// UnmarshalJSON implements json.Unmarshaler
func (n *LenientInt) UnmarshalJSON(data []byte) error {
	*n = 0
	raw := strings.TrimSpace(string(bytes.Trim(data, `"`)))
	if raw == "" || raw == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 1 || v > math.MaxInt32 || v != math.Trunc(v) {
		return nil
	}
	*n = LenientInt(v)
	return nil
}

// CallbackPayload is the body posted by a finished worker
type CallbackPayload struct {
	ExecutionID          string     `json:"execution_id"`
	TaskID               string     `json:"task_id"`
	CallbackToken        string     `json:"callback_token"`
	Status               string     `json:"status"`
	Summary              string     `json:"summary"`
	Error                string     `json:"error"`
	BranchName           string     `json:"branch_name"`
	CommitHash           string     `json:"commit_hash"`
	BaseBranch           string     `json:"base_branch"`
	CallbackAttempt      LenientInt `json:"callback_attempt"`
	CallbackMaxAttempts  LenientInt `json:"callback_max_attempts"`
	CallbackLastHTTPCode LenientInt `json:"callback_last_http_code"`
}

// ID returns execution_id, falling back to the legacy task_id
func (p CallbackPayload) ID() string {
	if id := strings.TrimSpace(p.ExecutionID); id != "" {
		return id
	}
	return strings.TrimSpace(p.TaskID)
}

// Succeeded reports whether the worker reported success
func (p CallbackPayload) Succeeded() bool {
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "complete", "success":
		return true
	}
	return false
}

// CallbackResponse is the bare JSON body of the callback endpoint
type CallbackResponse struct {
	OK       bool   `json:"ok,omitempty"`
	PRURL    string `json:"prUrl,omitempty"`
	PRNumber int    `json:"prNumber,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CallbackHandler finalizes an execution when its worker reports back
type CallbackHandler struct {
	store     execution.Store
	signer    *auth.CallbackSigner
	github    github.ClientFactory
	tokens    *TokenResolver
	publisher *StatusPublisher
	logger    *logrus.Entry
}

// NewCallbackHandler creates a callback handler
func NewCallbackHandler(store execution.Store, signer *auth.CallbackSigner, gh github.ClientFactory, tokens *TokenResolver, publisher *StatusPublisher, logger *logrus.Entry) *CallbackHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CallbackHandler{
		store:     store,
		signer:    signer,
		github:    gh,
		tokens:    tokens,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle verifies and applies a callback. Nothing is mutated unless the
// token verifies; only the caller that consumes the context publishes.
// Cancelling ctx does not interrupt a callback.
func (h *CallbackHandler) Handle(ctx context.Context, payload CallbackPayload, headerToken string) (int, CallbackResponse) {
	ctx, cancel := Detach(ctx, HandlerTimeout)
	defer cancel()

	id := payload.ID()
	if id == "" {
		return http.StatusBadRequest, CallbackResponse{Error: "execution_id is required"}
	}
	log := h.logger.WithField("execution_id", id)

	existing, err := h.store.Get(ctx, id)
	if err != nil {
		log.WithError(err).Error("Failed to load execution")
		return http.StatusInternalServerError, CallbackResponse{Error: "failed to load execution"}
	}
	if existing == nil {
		return http.StatusNotFound, CallbackResponse{Error: "unknown execution"}
	}

	token := strings.TrimSpace(headerToken)
	if token == "" {
		token = strings.TrimSpace(payload.CallbackToken)
	}
	if token == "" || !h.signer.Verify(id, token) {
		log.Warn("Callback rejected: invalid token")
		return http.StatusUnauthorized, CallbackResponse{Error: "invalid callback token"}
	}

	ec, err := h.store.Consume(ctx, id)
	if err != nil {
		log.WithError(err).Error("Failed to consume execution")
		return http.StatusInternalServerError, CallbackResponse{Error: "failed to consume execution"}
	}
	if ec == nil {
		return http.StatusNotFound, CallbackResponse{Error: "unknown execution"}
	}
	log = log.WithFields(logrus.Fields{
		"repo":  ec.Owner + "/" + ec.Repo,
		"issue": ec.IssueNumber,
	})

	client := h.github.ForToken(h.tokens.TokenFor(ctx, ec))
	meta := callbackMetadata(ec, payload)
	resp := CallbackResponse{OK: true}

	var summary string
	if payload.Succeeded() {
		meta, summary = h.openPullRequest(ctx, client, ec, payload, meta, log)
		resp.PRURL = meta.PRURL
		resp.PRNumber = meta.PRNumber
	} else {
		summary = firstNonEmpty(payload.Summary, payload.Error, "Task failed.")
		meta = meta.Failed(model.StageAgent, summary)
	}

	if _, err := h.publisher.Publish(ctx, client, ec.Owner, ec.Repo, ec.IssueNumber, summary, meta); err != nil {
		log.WithError(err).Error("Failed to publish callback status")
	}
	h.publisher.Invalidate(ctx, ec.Owner, ec.Repo)
	log.WithField("status", meta.Status).Info("Callback applied")

	return http.StatusOK, resp
}

func (h *CallbackHandler) openPullRequest(ctx context.Context, client github.Client, ec *model.ExecutionContext, payload CallbackPayload, meta model.TaskMetadata, log *logrus.Entry) (model.TaskMetadata, string) {
	head := meta.BranchName
	agentSummary := firstNonEmpty(payload.Summary, "The agent finished its work.")

	var lastErr error
	for _, base := range baseCandidates(payload.BaseBranch, ec.BaseBranch) {
		pr, err := client.CreatePullRequest(ctx, ec.Owner, ec.Repo, github.NewPullRequest{
			Title: fmt.Sprintf("Porter: resolve #%d", ec.IssueNumber),
			Head:  head,
			Base:  base,
			Body:  fmt.Sprintf("Closes #%d\n\n%s", ec.IssueNumber, agentSummary),
		})
		if err != nil {
			log.WithError(err).WithField("base", base).Warn("Pull request attempt failed")
			lastErr = err
			continue
		}

		meta = meta.WithStatus(model.StatusSuccess, 100)
		meta.PRURL = pr.HTMLURL
		meta.PRNumber = pr.Number
		summary := fmt.Sprintf("%s\n\nPull request: %s", agentSummary, pr.HTMLURL)
		meta.Summary = summary
		return meta, summary
	}

	summary := fmt.Sprintf("%s\n\nPorter could not open a pull request from `%s`: %v", agentSummary, head, lastErr)
	return meta.Failed(model.StagePR, summary), summary
}

// baseCandidates lists PR bases in the order they are tried
func baseCandidates(requested, stored string) []string {
	first := strings.TrimSpace(requested)
	if first == "" {
		first = strings.TrimSpace(stored)
	}
	if first == "" {
		first = "main"
	}

	seen := make(map[string]bool, 3)
	var out []string
	for _, base := range []string{first, "main", "master"} {
		if !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
	}
	return out
}

func callbackMetadata(ec *model.ExecutionContext, payload CallbackPayload) model.TaskMetadata {
	meta := model.TaskMetadata{
		TaskID:               ec.TaskID(),
		Agent:                ec.Agent,
		Priority:             ec.Priority,
		Status:               model.StatusRunning,
		CreatedAt:            Timestamp(ec.CreatedAt),
		BranchName:           firstNonEmpty(strings.TrimSpace(payload.BranchName), ec.BranchName),
		CommitHash:           strings.TrimSpace(payload.CommitHash),
		CallbackAttempts:     int(payload.CallbackAttempt),
		CallbackMaxAttempts:  int(payload.CallbackMaxAttempts),
		CallbackLastHTTPCode: int(payload.CallbackLastHTTPCode),
	}
	return meta
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// DecodeCallback decodes a callback body
func DecodeCallback(data []byte) (CallbackPayload, error) {
	var payload CallbackPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return CallbackPayload{}, fmt.Errorf("invalid callback body: %w", err)
	}
	return payload, nil
}
