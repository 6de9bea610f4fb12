package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(serverErrorLoggerMiddleware)
	r.Use(corsMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(newIPRateLimiter(120, time.Minute).middleware)
	r.Use(middleware.Heartbeat("/healthz"))

	s := server{
		db:     d.DB,
		pepper: d.Pepper,

		environment:   d.Environment,
		devAuthBypass: d.DevAuthBypass,
		publicBaseURL: d.PublicBaseURL,

		githubClientID:     d.GitHubOAuthClientID,
		githubClientSecret: d.GitHubOAuthClientSecret,

		credentialsEncryptionKey: d.CredentialsEncryptionKey,

		flow:  d.FlowEngine,
		tools: d.ToolHub,

		store:  d.Store,
		sts:    d.STS,
		ossCfg: d.OSSConfig,
		loader: d.Knowledge,

		chatChunkSize:          d.ChatChunkSize,
		chatChunkDelay:         d.ChatChunkDelay,
		toolOutputMaxChars:     d.ToolOutputMaxChars,
		toolMaterializeTimeout: d.ToolMaterializeTimeout,

		mcpConfigPath:  d.MCPConfigPath,
		pendingConnTTL: d.PendingConnectionTTL,

		br: newBroker(),
	}

	r.Route("/v1", func(r chi.Router) {
		// Public surface.
		r.Post("/users", s.handleCreateUser)
		r.Get("/plans", s.handleListPlans)
		r.Get("/health", s.handleHealth)

		// OAuth (GitHub).
		r.Get("/auth/github/start", s.handleAuthGitHubStart)
		r.Get("/auth/github/callback", s.handleAuthGitHubCallback)

		// Published agents are reachable without login via share token.
		r.Get("/published/{shareToken}", s.handleGetPublishedAgent)
		r.Post("/published/{shareToken}/chat", s.handlePublishedChat)

		r.Group(func(r chi.Router) {
			r.Use(s.userAuthMiddleware)
			r.Get("/me", s.handleGetMe)
			r.Get("/settings", s.handleGetSettings)
			r.Patch("/settings", s.handleUpdateSettings)

			r.Get("/projects", s.handleListProjects)
			r.Post("/projects", s.handleCreateProject)
			r.Get("/projects/{projectID}", s.handleGetProject)
			r.Patch("/projects/{projectID}", s.handleUpdateProject)
			r.Delete("/projects/{projectID}", s.handleDeleteProject)

			r.Post("/agent-components/create-from-qa", s.handleCreateAgentFromQA)
			r.Post("/agent-components/import", s.handleImportAgentComponent)
			r.Get("/agent-components", s.handleListAgentComponents)
			r.Get("/agent-components/{componentID}", s.handleGetAgentComponent)
			r.Patch("/agent-components/{componentID}", s.handleUpdateAgentComponent)
			r.Delete("/agent-components/{componentID}", s.handleDeleteAgentComponent)
			r.Post("/agent-components/{componentID}/duplicate", s.handleDuplicateAgentComponent)
			r.Post("/agent-components/{componentID}/publish", s.handlePublishAgentComponent)
			r.Post("/agent-components/{componentID}/unpublish", s.handleUnpublishAgentComponent)
			r.Get("/agent-components/{componentID}/export", s.handleExportAgentComponent)
			r.Post("/agent-components/{componentID}/chat", s.handleAgentComponentChat)
			r.Post("/agent-components/{componentID}/chat/stream", s.handleAgentComponentChatStream)

			r.Post("/workflows", s.handleCreateWorkflow)
			r.Post("/workflows/from-agent", s.handleCreateWorkflowFromAgent)
			r.Post("/workflows/from-template", s.handleCreateWorkflowFromTemplate)
			r.Get("/workflows", s.handleListWorkflows)
			r.Get("/workflows/{workflowID}", s.handleGetWorkflow)
			r.Patch("/workflows/{workflowID}", s.handleUpdateWorkflow)
			r.Delete("/workflows/{workflowID}", s.handleDeleteWorkflow)
			r.Post("/workflows/{workflowID}/duplicate", s.handleDuplicateWorkflow)
			r.Post("/workflows/{workflowID}/chat", s.handleWorkflowChat)
			r.Post("/workflows/{workflowID}/chat/stream", s.handleWorkflowChatStream)
			r.Get("/workflows/{workflowID}/export", s.handleExportWorkflow)
			r.Get("/workflows/{workflowID}/conversations", s.handleListConversations)
			r.Get("/conversations/{conversationID}/messages", s.handleListMessages)

			// Canvas event relay: publish from the editor, stream to watchers.
			r.Post("/workflows/{workflowID}/events", s.handlePublishCanvasEvent)
			r.Get("/workflows/{workflowID}/events/stream", s.handleCanvasEventStream)

			r.Get("/connections/apps", s.handleListConnectionApps)
			r.Get("/connections", s.handleListConnections)
			r.Post("/connections/initiate", s.handleInitiateConnection)
			r.Post("/connections/callback", s.handleConnectionCallback)
			r.Post("/connections/tools", s.handleListConnectionTools)
			r.Get("/connections/{connectionID}", s.handleGetConnection)
			r.Post("/connections/{connectionID}/refresh", s.handleRefreshConnection)
			r.Delete("/connections/{connectionID}", s.handleDeleteConnection)

			r.Get("/missions", s.handleListMissions)
			r.Get("/missions/progress", s.handleListMissionProgress)
			r.Get("/missions/stats", s.handleMissionStats)
			r.Get("/missions/{missionID}", s.handleGetMission)
			r.Post("/missions/{missionID}/start", s.handleStartMission)
			r.Post("/missions/{missionID}/steps/{stepID}/complete", s.handleCompleteMissionStep)
			r.Post("/missions/{missionID}/steps/{stepID}/uncomplete", s.handleUncompleteMissionStep)
			r.Post("/missions/{missionID}/reset", s.handleResetMission)
			r.Post("/missions/{missionID}/events", s.handleMissionEvent)
			r.Post("/missions/{missionID}/flow", s.handleGetOrCreateMissionFlow)
			r.Get("/learning/progress", s.handleLearningProgress)

			r.Get("/mcp-servers", s.handleListMCPServers)
			r.Post("/mcp-servers", s.handleCreateMCPServer)
			r.Get("/mcp-servers/{serverID}", s.handleGetMCPServer)
			r.Patch("/mcp-servers/{serverID}", s.handleUpdateMCPServer)
			r.Delete("/mcp-servers/{serverID}", s.handleDeleteMCPServer)
			r.Get("/mcp-servers/pending-changes", s.handleListMCPPendingChanges)
			r.Post("/mcp-servers/sync", s.handleSyncMCPServers)

			r.Get("/knowledge/sources", s.handleListKnowledgeSources)
			r.Post("/knowledge/sources", s.handleCreateKnowledgeSource)
			r.Delete("/knowledge/sources/{sourceID}", s.handleDeleteKnowledgeSource)
			r.Post("/knowledge/upload-credentials", s.handleKnowledgeUploadCredentials)
			r.Post("/knowledge/load", s.handleLoadKnowledge)

			r.Get("/desktop/bootstrap", s.handleDesktopBootstrap)
		})
	})

	return r
}
