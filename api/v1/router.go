package v1

import (
	"porter/api/v1/agents"
	"porter/api/v1/callbacks"
	"porter/api/v1/compute"
	"porter/api/v1/middleware"
	"porter/api/v1/tasks"
	"porter/api/v1/webhooks"
	agentreg "porter/internal/agents"
	"porter/internal/auth"
	"porter/internal/cache"
	"porter/internal/fly"
	"porter/internal/github"
	"porter/internal/httpx"
	"porter/internal/service"
	"porter/internal/settings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Deps are the services the HTTP surface is wired to
type Deps struct {
	Dispatcher    *service.Dispatcher
	Callbacks     *service.CallbackHandler
	GitHub        github.ClientFactory
	Cache         cache.Cache
	Machines      fly.MachineClient
	Settings      settings.Store
	Agents        agentreg.Checker
	Apps          auth.InstallationTokenSource
	Identity      github.Identifier
	IsOperator    middleware.OperatorChecker
	WebhookSecret string
	BotMention    string
	Logger        *logrus.Entry
}

// SetupRouter sets up the API routes
func SetupRouter(r *gin.Engine, deps *Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	r.Use(middleware.RequestLogger(logger.WithField("component", "http")))

	// Worker callbacks and GitHub deliveries authenticate themselves
	callbacksHandler := callbacks.NewHandler(deps.Callbacks)
	r.POST(service.CallbackPath, callbacksHandler.Complete)

	webhooksHandler := webhooks.NewHandler(webhooks.Config{
		Dispatcher: deps.Dispatcher,
		Apps:       deps.Apps,
		Secret:     deps.WebhookSecret,
		Mention:    deps.BotMention,
		Logger:     logger.WithField("component", "webhooks"),
	})
	r.POST("/api/webhooks/github", webhooksHandler.GitHub)

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		agentsHandler := agents.NewHandler(deps.Agents)
		v1.GET("/agents", agentsHandler.List)

		// Protected routes act with the caller's GitHub token
		protected := v1.Group("")
		protected.Use(middleware.GitHubTokenRequired())
		{
			// Launching machines and probing the stored Fly token is for operators
			operatorOnly := middleware.OperatorRequired(deps.Identity, deps.IsOperator)

			tasksHandler := tasks.NewHandler(deps.Dispatcher, deps.GitHub, deps.Cache)
			tasksGroup := protected.Group("/tasks")
			{
				tasksGroup.POST("", operatorOnly, tasksHandler.Create)
				tasksGroup.GET("/:owner/:repo", tasksHandler.List)
				tasksGroup.GET("/:owner/:repo/:number", tasksHandler.Get)
			}

			computeHandler := compute.NewHandler(deps.Machines, deps.Settings)
			protected.POST("/compute/validate", operatorOnly, computeHandler.Validate)
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}
