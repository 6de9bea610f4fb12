package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL   string
	HTTPAddr      string
	APIKeyPepper  string
	PublicBaseURL string
	Environment   string // "development" | "production"

	GitHubOAuthClientID     string
	GitHubOAuthClientSecret string

	// Symmetric key for credentials at rest (MCP server creds, LLM keys).
	CredentialsEncryptionKey string

	FlowEngineURL            string
	FlowEngineAPIKey         string
	FlowEngineUsername       string
	FlowEnginePassword       string
	FlowEngineTimeoutSeconds int

	ToolProviderURL    string
	ToolProviderAPIKey string

	ToolMaterializeTimeoutSeconds int
	ChatChunkSize                 int
	ChatChunkDelayMillis          int
	ToolOutputMaxChars            int

	KnowledgeMaxChars int

	MCPConfigPath string

	WorkerTickSeconds        int
	PendingConnectionTTLSecs int

	// Dev-only auth bypass. Effective only when all three safeguards hold
	// (development environment, local database, test pepper prefix).
	DevAuthBypass bool

	OSSProvider           string // "aliyun" | "local" | ""
	OSSEndpoint           string
	OSSRegion             string
	OSSBucket             string
	OSSBasePrefix         string
	OSSAccessKeyID        string
	OSSAccessKeySecret    string
	OSSSTSRoleARN         string
	OSSSTSDurationSeconds int
	OSSLocalDir           string
}

func Load() (Config, error) {
	// Optional: load local .env for development. Missing file is fine.
	_ = godotenv.Load()

	engineTimeout := getenvIntDefault("TEACHCHARLIE_FLOW_ENGINE_TIMEOUT_SECONDS", 60)
	if engineTimeout < 5 {
		engineTimeout = 5
	}
	if engineTimeout > 300 {
		engineTimeout = 300
	}

	materializeTimeout := getenvIntDefault("TEACHCHARLIE_TOOL_MATERIALIZE_TIMEOUT_SECONDS", 30)
	if materializeTimeout < 5 {
		materializeTimeout = 5
	}

	chunkSize := getenvIntDefault("TEACHCHARLIE_CHAT_CHUNK_SIZE", 10)
	if chunkSize < 1 {
		chunkSize = 1
	}
	if chunkSize > 200 {
		chunkSize = 200
	}

	chunkDelay := getenvIntDefault("TEACHCHARLIE_CHAT_CHUNK_DELAY_MS", 10)
	if chunkDelay < 0 {
		chunkDelay = 0
	}
	if chunkDelay > 1000 {
		chunkDelay = 1000
	}

	toolOutputMax := getenvIntDefault("TEACHCHARLIE_TOOL_OUTPUT_MAX_CHARS", 500)
	if toolOutputMax < 100 {
		toolOutputMax = 100
	}

	knowledgeMax := getenvIntDefault("TEACHCHARLIE_KNOWLEDGE_MAX_CHARS", 100000)
	if knowledgeMax < 1000 {
		knowledgeMax = 1000
	}

	workerTick := getenvIntDefault("TEACHCHARLIE_WORKER_TICK_SECONDS", 60)
	if workerTick < 1 {
		workerTick = 1
	}

	pendingTTL := getenvIntDefault("TEACHCHARLIE_PENDING_CONNECTION_TTL_SECONDS", 600)
	if pendingTTL < 60 {
		pendingTTL = 60
	}

	stsDuration := getenvIntDefault("TEACHCHARLIE_OSS_STS_DURATION_SECONDS", 900) // 15 minutes
	if stsDuration < 60 {
		stsDuration = 60
	}
	if stsDuration > 3600 {
		stsDuration = 3600
	}

	cfg := Config{
		DatabaseURL:   os.Getenv("TEACHCHARLIE_DATABASE_URL"),
		HTTPAddr:      getenvDefault("TEACHCHARLIE_HTTP_ADDR", ":8080"),
		APIKeyPepper:  os.Getenv("TEACHCHARLIE_API_KEY_PEPPER"),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("TEACHCHARLIE_PUBLIC_BASE_URL")), "/"),
		Environment:   getenvDefault("TEACHCHARLIE_ENVIRONMENT", "production"),

		GitHubOAuthClientID:     strings.TrimSpace(os.Getenv("TEACHCHARLIE_GITHUB_OAUTH_CLIENT_ID")),
		GitHubOAuthClientSecret: strings.TrimSpace(os.Getenv("TEACHCHARLIE_GITHUB_OAUTH_CLIENT_SECRET")),

		CredentialsEncryptionKey: strings.TrimSpace(os.Getenv("TEACHCHARLIE_CREDENTIALS_ENCRYPTION_KEY")),

		FlowEngineURL:            strings.TrimRight(strings.TrimSpace(getenvDefault("TEACHCHARLIE_FLOW_ENGINE_URL", "http://localhost:7860")), "/"),
		FlowEngineAPIKey:         strings.TrimSpace(os.Getenv("TEACHCHARLIE_FLOW_ENGINE_API_KEY")),
		FlowEngineUsername:       strings.TrimSpace(os.Getenv("TEACHCHARLIE_FLOW_ENGINE_USERNAME")),
		FlowEnginePassword:       strings.TrimSpace(os.Getenv("TEACHCHARLIE_FLOW_ENGINE_PASSWORD")),
		FlowEngineTimeoutSeconds: engineTimeout,

		ToolProviderURL:    strings.TrimRight(strings.TrimSpace(getenvDefault("TEACHCHARLIE_TOOL_PROVIDER_URL", "https://backend.composio.dev")), "/"),
		ToolProviderAPIKey: strings.TrimSpace(os.Getenv("TEACHCHARLIE_TOOL_PROVIDER_API_KEY")),

		ToolMaterializeTimeoutSeconds: materializeTimeout,
		ChatChunkSize:                 chunkSize,
		ChatChunkDelayMillis:          chunkDelay,
		ToolOutputMaxChars:            toolOutputMax,

		KnowledgeMaxChars: knowledgeMax,

		MCPConfigPath: getenvDefault("TEACHCHARLIE_MCP_CONFIG_PATH", "mcp_config.json"),

		WorkerTickSeconds:        workerTick,
		PendingConnectionTTLSecs: pendingTTL,

		DevAuthBypass: getenvBool("TEACHCHARLIE_DEV_AUTH_BYPASS"),

		OSSProvider:           strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_PROVIDER")),
		OSSEndpoint:           strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_ENDPOINT")),
		OSSRegion:             strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_REGION")),
		OSSBucket:             strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_BUCKET")),
		OSSBasePrefix:         strings.Trim(strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_BASE_PREFIX")), "/"),
		OSSAccessKeyID:        strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_ACCESS_KEY_ID")),
		OSSAccessKeySecret:    strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_ACCESS_KEY_SECRET")),
		OSSSTSRoleARN:         strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_STS_ROLE_ARN")),
		OSSSTSDurationSeconds: stsDuration,
		OSSLocalDir:           strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_LOCAL_DIR")),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("TEACHCHARLIE_DATABASE_URL is required")
	}
	if cfg.APIKeyPepper == "" {
		return Config{}, errors.New("TEACHCHARLIE_API_KEY_PEPPER is required")
	}

	// All three safeguards must hold or the bypass flag is ignored.
	if cfg.DevAuthBypass {
		local := strings.Contains(cfg.DatabaseURL, "localhost") || strings.Contains(cfg.DatabaseURL, "127.0.0.1")
		if cfg.Environment != "development" || !local || !strings.HasPrefix(cfg.APIKeyPepper, "dev-") {
			cfg.DevAuthBypass = false
		}
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}
