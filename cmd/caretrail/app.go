package main

import (
	"context"
	"fmt"

	"github.com/caretrail/caretrail/internal/account"
	"github.com/caretrail/caretrail/internal/auth"
	"github.com/caretrail/caretrail/internal/blob"
	"github.com/caretrail/caretrail/internal/cache"
	"github.com/caretrail/caretrail/internal/chat"
	"github.com/caretrail/caretrail/internal/codes"
	"github.com/caretrail/caretrail/internal/config"
	"github.com/caretrail/caretrail/internal/embedding"
	"github.com/caretrail/caretrail/internal/extract"
	"github.com/caretrail/caretrail/internal/ingest"
	"github.com/caretrail/caretrail/internal/llm"
	"github.com/caretrail/caretrail/internal/notify"
	"github.com/caretrail/caretrail/internal/ratelimit"
	"github.com/caretrail/caretrail/internal/storage"
	"github.com/caretrail/caretrail/internal/web"
)

// app wires the full dependency graph from configuration.
type app struct {
	cfg      *config.Config
	metadata *storage.MetadataStore
	vectors  *storage.VecStore
	cache    *cache.MemoryStore
	pipeline *ingest.Pipeline
	accounts *account.Service
	server   *web.Server
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metadata, err := storage.NewMetadataStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	// Vectors share the SQLite connection with metadata.
	vectors, err := storage.NewVecStore(metadata.DB())
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	var blobs blob.Store
	if cfg.S3Bucket != "" {
		blobs, err = blob.NewS3Store(ctx, cfg.S3Region, cfg.S3Bucket)
	} else {
		blobs, err = blob.NewFSStore(cfg.BlobDir)
	}
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	model := llm.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)
	extractor := extract.New(model, extract.DefaultMaxOCRPages)
	embedder := embedding.NewGeminiClient(cfg.GeminiAPIKey)

	pipeline := ingest.New(ingest.Deps{
		Config: ingest.Config{
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			Timeout:      cfg.PipelineTimeout,
		},
		Blobs:     blobs,
		Docs:      metadata,
		Extractor: extractor,
		Embedder:  embedder,
		Index:     vectors,
		Model:     model,
	})

	store := cache.NewMemoryStore()
	limiter := ratelimit.New(store)

	var emailSender codes.Sender = &notify.LogSender{Channel: "email"}
	if cfg.SMTPHost != "" {
		emailSender = notify.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername,
			cfg.SMTPPassword, cfg.SMTPFrom, "Your CareTrail verification code")
	}

	var smsSender codes.Sender = &notify.LogSender{Channel: "sms"}
	if cfg.SMSAuthKey != "" {
		smsSender = notify.NewSMSClient(cfg.SMSAuthKey, cfg.SMSTemplate)
	}

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)

	accounts := account.New(account.Deps{
		Users:      metadata,
		EmailCodes: codes.NewIssuer(store, emailSender),
		SMSCodes:   codes.NewIssuer(store, smsSender),
		Limiter:    limiter,
		Tokens:     tokens,
	})

	assistant := chat.New(chat.Deps{
		Store:    metadata,
		Embedder: embedder,
		Index:    vectors,
		Model:    model,
	})

	server := web.NewServer(web.Deps{
		Accounts:   accounts,
		Metadata:   metadata,
		Vectors:    vectors,
		Blobs:      blobs,
		Dispatcher: pipeline,
		Chat:       assistant,
		Tokens:     tokens,
	})

	return &app{
		cfg:      cfg,
		metadata: metadata,
		vectors:  vectors,
		cache:    store,
		pipeline: pipeline,
		accounts: accounts,
		server:   server,
	}, nil
}

func (a *app) Close() {
	a.cache.Close()
	a.metadata.Close()
}
