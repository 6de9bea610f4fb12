package httpapi

import (
	"time"

	"teachcharlie/internal/flowengine"
	"teachcharlie/internal/knowledge"
	"teachcharlie/internal/objstore"
	"teachcharlie/internal/toolhub"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Deps struct {
	DB     *pgxpool.Pool
	Pepper string

	Environment   string
	DevAuthBypass bool
	PublicBaseURL string

	GitHubOAuthClientID     string
	GitHubOAuthClientSecret string

	CredentialsEncryptionKey string

	FlowEngine *flowengine.Client
	ToolHub    *toolhub.Client

	Store     objstore.Store
	STS       objstore.STSAssumer
	OSSConfig objstore.Config
	Knowledge *knowledge.Loader

	ChatChunkSize          int
	ChatChunkDelay         time.Duration
	ToolOutputMaxChars     int
	ToolMaterializeTimeout time.Duration

	MCPConfigPath        string
	PendingConnectionTTL time.Duration
}
