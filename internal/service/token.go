package service

import (
	"context"

	"porter/internal/auth"
	"porter/internal/model"

	"github.com/sirupsen/logrus"
)

// TokenResolver picks the GitHub token used to act on an execution.
// Installation tokens expire, so a fresh one is minted when the context
// names an installation and App credentials are configured.
type TokenResolver struct {
	apps   auth.InstallationTokenSource
	logger *logrus.Entry
}

// NewTokenResolver creates a resolver. apps may be nil.
func NewTokenResolver(apps auth.InstallationTokenSource, logger *logrus.Entry) *TokenResolver {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TokenResolver{apps: apps, logger: logger}
}

// TokenFor returns a fresh installation token or the stored token
func (r *TokenResolver) TokenFor(ctx context.Context, ec *model.ExecutionContext) string {
	if r == nil || r.apps == nil || ec.InstallationID <= 0 {
		return ec.GitHubToken
	}
	token, err := r.apps.InstallationToken(ctx, ec.InstallationID)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"execution_id":    ec.ExecutionID,
			"installation_id": ec.InstallationID,
		}).Warn("Installation token refresh failed, using stored token")
		return ec.GitHubToken
	}
	return token
}
