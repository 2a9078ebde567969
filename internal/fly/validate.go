package fly

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ValidationMode selects how a token relates to its app
type ValidationMode string

const (
	// ModeOrg means the token may create apps under an organization
	ModeOrg ValidationMode = "org"
	// ModeDeploy means the token is scoped to one existing app
	ModeDeploy ValidationMode = "deploy"
)

// ValidationStatus is the outcome of ValidateCredentials
type ValidationStatus string

// Validation outcomes
const (
	StatusReady             ValidationStatus = "ready"
	StatusMissingToken      ValidationStatus = "missing_token"
	StatusMissingAppName    ValidationStatus = "missing_app_name"
	StatusInvalidToken      ValidationStatus = "invalid_token"
	StatusInsufficientScope ValidationStatus = "insufficient_scope"
	StatusAppNotFound       ValidationStatus = "app_not_found"
	StatusNameConflict      ValidationStatus = "name_conflict"
	StatusError             ValidationStatus = "error"
)

// maxNameRetries bounds regeneration of a conflicting generated app name
const maxNameRetries = 3

// ValidationResult reports whether a token can operate on an app
type ValidationResult struct {
	Status     ValidationStatus `json:"status"`
	Message    string           `json:"message"`
	AppName    string           `json:"appName,omitempty"`
	OrgSlug    string           `json:"orgSlug,omitempty"`
	AppCreated bool             `json:"appCreated,omitempty"`
}

// Ready reports whether the credentials are usable
func (r ValidationResult) Ready() bool {
	return r.Status == StatusReady
}

// GenerateAppName returns a fresh porter-<hex> app name
func GenerateAppName() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "porter-worker"
	}
	return "porter-" + hex.EncodeToString(buf)
}

type app struct {
	Name         string `json:"name"`
	Organization struct {
		Slug string `json:"slug"`
	} `json:"organization"`
}

type organization struct {
	Slug string `json:"slug"`
	Type string `json:"type"`
}

// ValidateCredentials resolves the app name for token and checks that the
// token can operate on it. In org mode a missing app is created.
func (c *Client) ValidateCredentials(ctx context.Context, token, appName string, mode ValidationMode) ValidationResult {
	token = strings.TrimSpace(token)
	appName = strings.TrimSpace(appName)
	if token == "" {
		return ValidationResult{Status: StatusMissingToken, Message: "A Fly API token is required."}
	}

	switch mode {
	case ModeDeploy:
		return c.validateDeploy(ctx, token, appName)
	case ModeOrg, "":
		return c.validateOrg(ctx, token, appName)
	default:
		return ValidationResult{Status: StatusError, Message: fmt.Sprintf("Unknown validation mode %q.", mode)}
	}
}

func (c *Client) validateDeploy(ctx context.Context, token, appName string) ValidationResult {
	if appName == "" {
		apps, err := c.listApps(ctx, token, "")
		if err != nil || len(apps) != 1 {
			return ValidationResult{
				Status:  StatusMissingAppName,
				Message: "Deploy tokens are scoped to one app; provide the app name.",
			}
		}
		appName = apps[0].Name
	}

	found, err := c.getApp(ctx, token, appName)
	if err != nil {
		return failureResult(err, appName)
	}
	return ValidationResult{
		Status:  StatusReady,
		Message: fmt.Sprintf("Token can deploy to %s.", found.Name),
		AppName: found.Name,
		OrgSlug: found.Organization.Slug,
	}
}

func (c *Client) validateOrg(ctx context.Context, token, appName string) ValidationResult {
	explicit := appName != ""

	if explicit {
		found, err := c.getApp(ctx, token, appName)
		if err == nil {
			return ValidationResult{
				Status:  StatusReady,
				Message: fmt.Sprintf("App %s is ready.", found.Name),
				AppName: found.Name,
				OrgSlug: found.Organization.Slug,
			}
		}
		if StatusCode(err) != http.StatusNotFound {
			return failureResult(err, appName)
		}
	}

	orgSlug, err := c.discoverOrg(ctx, token)
	if err != nil {
		return failureResult(err, appName)
	}
	if orgSlug == "" {
		return ValidationResult{
			Status:  StatusInsufficientScope,
			Message: "The token has no organization it can create apps in.",
		}
	}

	listed := false
	if !explicit {
		if apps, err := c.listApps(ctx, token, orgSlug); err == nil {
			listed = true
			for _, existing := range apps {
				if strings.HasPrefix(existing.Name, "porter-") {
					return ValidationResult{
						Status:  StatusReady,
						Message: fmt.Sprintf("Using existing app %s.", existing.Name),
						AppName: existing.Name,
						OrgSlug: orgSlug,
					}
				}
			}
		}
		appName = c.nameFn()
	}

	for attempt := 0; ; attempt++ {
		err := c.createApp(ctx, token, appName, orgSlug)
		if err == nil {
			return ValidationResult{
				Status:     StatusReady,
				Message:    fmt.Sprintf("Created app %s in %s.", appName, orgSlug),
				AppName:    appName,
				OrgSlug:    orgSlug,
				AppCreated: true,
			}
		}
		if !isNameConflict(err) {
			return failureResult(err, appName)
		}
		if explicit || listed || attempt >= maxNameRetries {
			return ValidationResult{
				Status:  StatusNameConflict,
				Message: fmt.Sprintf("The app name %s is already taken.", appName),
				AppName: appName,
				OrgSlug: orgSlug,
			}
		}
		appName = c.nameFn()
	}
}

func (c *Client) getApp(ctx context.Context, token, appName string) (app, error) {
	var found app
	err := c.doJSON(ctx, token, http.MethodGet, c.baseURL+"/apps/"+url.PathEscape(appName), nil, &found)
	if found.Name == "" {
		found.Name = appName
	}
	return found, err
}

func (c *Client) listApps(ctx context.Context, token, orgSlug string) ([]app, error) {
	endpoint := c.baseURL + "/apps"
	if orgSlug != "" {
		endpoint += "?org_slug=" + url.QueryEscape(orgSlug)
	}
	var listed struct {
		Apps []app `json:"apps"`
	}
	if err := c.doJSON(ctx, token, http.MethodGet, endpoint, nil, &listed); err != nil {
		return nil, err
	}
	return listed.Apps, nil
}

func (c *Client) createApp(ctx context.Context, token, appName, orgSlug string) error {
	payload := map[string]string{"app_name": appName, "org_slug": orgSlug}
	return c.doJSON(ctx, token, http.MethodPost, c.baseURL+"/apps", payload, nil)
}

// discoverOrg returns the personal organization slug visible to token,
// or the first one when there is no personal organization.
func (c *Client) discoverOrg(ctx context.Context, token string) (string, error) {
	query := map[string]string{"query": "query { organizations { nodes { slug type } } }"}
	var response struct {
		Data struct {
			Organizations struct {
				Nodes []organization `json:"nodes"`
			} `json:"organizations"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.doJSON(ctx, token, http.MethodPost, c.graphqlURL, query, &response); err != nil {
		return "", err
	}
	if len(response.Errors) > 0 {
		return "", APIError{StatusCode: http.StatusForbidden, Body: response.Errors[0].Message}
	}

	nodes := response.Data.Organizations.Nodes
	for _, org := range nodes {
		if strings.EqualFold(org.Type, "PERSONAL") {
			return org.Slug, nil
		}
	}
	if len(nodes) > 0 {
		return nodes[0].Slug, nil
	}
	return "", nil
}

func isNameConflict(err error) bool {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusConflict {
		return true
	}
	body := strings.ToLower(apiErr.Body)
	return apiErr.StatusCode == http.StatusUnprocessableEntity &&
		(strings.Contains(body, "taken") || strings.Contains(body, "already exists"))
}

func failureResult(err error, appName string) ValidationResult {
	result := ValidationResult{AppName: appName}
	switch StatusCode(err) {
	case http.StatusUnauthorized:
		result.Status = StatusInvalidToken
		result.Message = "The Fly API rejected the token."
	case http.StatusForbidden:
		result.Status = StatusInsufficientScope
		result.Message = "The token lacks permission for this operation."
	case http.StatusNotFound:
		result.Status = StatusAppNotFound
		result.Message = fmt.Sprintf("App %s was not found.", appName)
	default:
		result.Status = StatusError
		result.Message = fmt.Sprintf("Fly API request failed: %v", err)
	}
	return result
}
