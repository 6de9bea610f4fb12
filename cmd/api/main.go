package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"teachcharlie/internal/config"
	"teachcharlie/internal/db"
	"teachcharlie/internal/flowengine"
	"teachcharlie/internal/httpapi"
	"teachcharlie/internal/knowledge"
	"teachcharlie/internal/objstore"
	"teachcharlie/internal/toolhub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	flow := flowengine.New(flowengine.Options{
		BaseURL:  cfg.FlowEngineURL,
		APIKey:   cfg.FlowEngineAPIKey,
		Username: cfg.FlowEngineUsername,
		Password: cfg.FlowEnginePassword,
		Timeout:  time.Duration(cfg.FlowEngineTimeoutSeconds) * time.Second,
	})
	tools := toolhub.New(cfg.ToolProviderURL, cfg.ToolProviderAPIKey)

	ossCfg := objstore.Config{
		Provider:           cfg.OSSProvider,
		Endpoint:           cfg.OSSEndpoint,
		Region:             cfg.OSSRegion,
		Bucket:             cfg.OSSBucket,
		BasePrefix:         cfg.OSSBasePrefix,
		AccessKeyID:        cfg.OSSAccessKeyID,
		AccessKeySecret:    cfg.OSSAccessKeySecret,
		STSRoleARN:         cfg.OSSSTSRoleARN,
		STSDurationSeconds: cfg.OSSSTSDurationSeconds,
		LocalDir:           cfg.OSSLocalDir,
	}

	// Object storage is optional; knowledge uploads degrade gracefully
	// when no provider is configured.
	var store objstore.Store
	var sts objstore.STSAssumer
	if cfg.OSSProvider != "" {
		store, err = objstore.NewStore(ossCfg)
		if err != nil {
			log.Fatalf("objstore: %v", err)
		}
		sts, err = objstore.NewSTSAssumer(ossCfg)
		if err != nil {
			log.Fatalf("sts: %v", err)
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			DB:     pool,
			Pepper: cfg.APIKeyPepper,

			Environment:   cfg.Environment,
			DevAuthBypass: cfg.DevAuthBypass,
			PublicBaseURL: cfg.PublicBaseURL,

			GitHubOAuthClientID:     cfg.GitHubOAuthClientID,
			GitHubOAuthClientSecret: cfg.GitHubOAuthClientSecret,

			CredentialsEncryptionKey: cfg.CredentialsEncryptionKey,

			FlowEngine: flow,
			ToolHub:    tools,

			Store:     store,
			STS:       sts,
			OSSConfig: ossCfg,
			Knowledge: knowledge.NewLoader(store, cfg.KnowledgeMaxChars),

			ChatChunkSize:          cfg.ChatChunkSize,
			ChatChunkDelay:         time.Duration(cfg.ChatChunkDelayMillis) * time.Millisecond,
			ToolOutputMaxChars:     cfg.ToolOutputMaxChars,
			ToolMaterializeTimeout: time.Duration(cfg.ToolMaterializeTimeoutSeconds) * time.Second,

			MCPConfigPath:        cfg.MCPConfigPath,
			PendingConnectionTTL: time.Duration(cfg.PendingConnectionTTLSecs) * time.Second,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
