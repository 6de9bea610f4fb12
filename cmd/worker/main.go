package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"teachcharlie/internal/config"
	"teachcharlie/internal/db"
	"teachcharlie/internal/objstore"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
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

	var store objstore.Store
	if cfg.OSSProvider != "" {
		store, err = objstore.NewStore(objstore.Config{
			Provider:        cfg.OSSProvider,
			Endpoint:        cfg.OSSEndpoint,
			Region:          cfg.OSSRegion,
			Bucket:          cfg.OSSBucket,
			BasePrefix:      cfg.OSSBasePrefix,
			AccessKeyID:     cfg.OSSAccessKeyID,
			AccessKeySecret: cfg.OSSAccessKeySecret,
			LocalDir:        cfg.OSSLocalDir,
		})
		if err != nil {
			log.Fatalf("objstore: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(cfg.WorkerTickSeconds) * time.Second)
	defer ticker.Stop()

	log.Printf("worker started (tick=%ds)", cfg.WorkerTickSeconds)

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker stopping")
			return
		case <-ticker.C:
			if err := expireStaleConnections(ctx, pool); err != nil {
				log.Printf("expire stale connections: %v", err)
			}
			if store != nil {
				if err := settlePendingKnowledge(ctx, pool, store); err != nil {
					log.Printf("settle pending knowledge: %v", err)
				}
			}
		}
	}
}

// expireStaleConnections fails tool connections whose OAuth handshake never
// completed before the pending TTL ran out.
func expireStaleConnections(ctx context.Context, pool *pgxpool.Pool) error {
	tag, err := pool.Exec(ctx, `
		update user_connections
		set status = 'error',
		    error_message = 'authorization timed out',
		    expires_at = null
		where status = 'pending' and expires_at is not null and expires_at < now()
	`)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Printf("expired %d stale pending connections", n)
	}
	return nil
}

// settlePendingKnowledge promotes sources whose object has shown up in
// storage since registration, so a slow direct upload still lands.
func settlePendingKnowledge(ctx context.Context, pool *pgxpool.Pool, store objstore.Store) error {
	rows, err := pool.Query(ctx, `
		select id, owner_id, coalesce(object_key, '')
		from knowledge_sources
		where status = 'pending' and object_key is not null and object_key <> ''
		limit 200
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		id      uuid.UUID
		ownerID uuid.UUID
		key     string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.ownerID, &p.key); err != nil {
			return err
		}
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range batch {
		key := objstore.UserKnowledgePrefix(p.ownerID.String()) + strings.TrimLeft(p.key, "/")
		exists, err := store.Exists(ctx, key)
		if err != nil {
			log.Printf("knowledge object check failed (source=%s): %v", p.id, err)
			continue
		}
		if !exists {
			continue
		}
		if _, err := pool.Exec(ctx, `
			update knowledge_sources set status = 'ready' where id = $1 and status = 'pending'
		`, p.id); err != nil {
			return err
		}
	}
	return nil
}
