package web

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caretrail/caretrail/internal/account"
	"github.com/caretrail/caretrail/internal/auth"
	"github.com/caretrail/caretrail/internal/chat"
	"github.com/caretrail/caretrail/internal/storage"
)

// Accounts is the slice of the account service the handlers use.
// Implementations: account.Service
type Accounts interface {
	Register(ctx context.Context, in account.RegisterInput) (*storage.UserRecord, error)
	VerifyEmail(ctx context.Context, email, code string) error
	ResendVerification(ctx context.Context, email string) error
	Login(ctx context.Context, email, password string) (*account.LoginResult, error)
	VerifyOTP(ctx context.Context, email, code string) (*auth.TokenPair, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, email, code, newPassword string) error
	CreateInvite(ctx context.Context, inviterID, email, role string) (*storage.InviteRecord, error)
	VerifyInvite(ctx context.Context, token string) (*storage.InviteRecord, error)
	SetupAccount(ctx context.Context, in account.SetupInput) (*storage.UserRecord, error)
}

// Metadata is the slice of the metadata store the handlers use.
// Implementations: storage.MetadataStore
type Metadata interface {
	GetUser(id string) (*storage.UserRecord, error)
	SetAIEnabled(id string, enabled bool, now time.Time) error
	SaveDocument(doc *storage.DocumentRecord) error
	GetDocument(id string) (*storage.DocumentRecord, error)
	SetDocumentAIEnabled(id string, enabled bool, now time.Time) error
	ListDocumentsByOwner(ownerID string) ([]*storage.DocumentRecord, error)
	GetInsightByDocument(documentID string) (*storage.InsightRecord, error)
	ListInsightsByOwner(ownerID string) ([]*storage.InsightRecord, error)
	ListAlertsByUser(userID string) ([]*storage.AlertRecord, error)
	MarkAlertRead(id, userID string) error
	DeleteDocument(id string) error
}

// Chat is the assistant service the handlers use.
// Implementations: chat.Service
type Chat interface {
	Send(ctx context.Context, userID, message string) (*chat.Reply, error)
	History(userID string) (*storage.ChatSessionRecord, []*storage.ChatMessageRecord, error)
}

// Vectors is the slice of the vector store the handlers use.
// Implementations: storage.VecStore
type Vectors interface {
	DeleteByDocument(ctx context.Context, collection, documentID string) error
}

// Blobs is the slice of the blob store the handlers use.
// Implementations: blob.FSStore, blob.S3Store
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Dispatcher hands a document to the processing pipeline.
// Implementations: ingest.Pipeline
type Dispatcher interface {
	Dispatch(documentID string)
}

// Tokens validates and refreshes JWTs.
// Implementations: auth.TokenManager
type Tokens interface {
	Validate(tokenString, kind string) (*auth.Claims, error)
	Refresh(refreshToken string) (*auth.TokenPair, error)
}

// Server is the caretrail HTTP API server
type Server struct {
	router     *gin.Engine
	accounts   Accounts
	metadata   Metadata
	vectors    Vectors
	blobs      Blobs
	dispatcher Dispatcher
	chat       Chat
	tokens     Tokens
	now        func() time.Time
}

// Deps holds the dependencies for constructing a Server.
type Deps struct {
	Accounts   Accounts
	Metadata   Metadata
	Vectors    Vectors
	Blobs      Blobs
	Dispatcher Dispatcher
	Chat       Chat
	Tokens     Tokens
}

// NewServer creates the API server and registers all routes.
func NewServer(deps Deps) *Server {
	router := gin.Default()

	s := &Server{
		router:     router,
		accounts:   deps.Accounts,
		metadata:   deps.Metadata,
		vectors:    deps.Vectors,
		blobs:      deps.Blobs,
		dispatcher: deps.Dispatcher,
		chat:       deps.Chat,
		tokens:     deps.Tokens,
		now:        time.Now,
	}

	api := router.Group("/api")
	{
		ag := api.Group("/auth")
		{
			ag.POST("/register", s.handleRegister)
			ag.POST("/verify-email", s.handleVerifyEmail)
			ag.POST("/resend-verification", s.handleResendVerification)
			ag.POST("/login", s.handleLogin)
			ag.POST("/verify-otp", s.handleVerifyOTP)
			ag.POST("/refresh", s.handleRefresh)
			ag.POST("/forgot-password", s.handleForgotPassword)
			ag.POST("/reset-password", s.handleResetPassword)
		}

		api.GET("/invites/:token", s.handleVerifyInvite)
		api.POST("/invites/setup", s.handleSetupAccount)

		authed := api.Group("")
		authed.Use(s.requireAuth())
		{
			authed.POST("/invites", s.handleCreateInvite)

			authed.POST("/documents", s.handleUploadDocument)
			authed.GET("/documents", s.handleListDocuments)
			authed.GET("/documents/:id", s.handleGetDocument)
			authed.DELETE("/documents/:id", s.handleDeleteDocument)
			authed.GET("/documents/:id/status", s.handleDocumentStatus)
			authed.GET("/documents/:id/download", s.handleDownloadDocument)
			authed.POST("/documents/:id/process", s.handleProcessDocument)
			authed.POST("/documents/:id/ai-toggle", s.handleToggleDocumentAI)
			authed.GET("/documents/:id/insight", s.handleGetInsight)

			authed.GET("/insights", s.handleListInsights)

			authed.GET("/alerts", s.handleListAlerts)
			authed.POST("/alerts/:id/read", s.handleMarkAlertRead)

			authed.PUT("/settings/ai", s.handleSetAIEnabled)

			authed.POST("/chat", s.handleChatSend)
			authed.GET("/chat/history", s.handleChatHistory)
		}
	}

	return s
}

// Run starts the API server
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
