package web

import (
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caretrail/caretrail/internal/account"
	"github.com/caretrail/caretrail/internal/blob"
	"github.com/caretrail/caretrail/internal/chat"
	"github.com/caretrail/caretrail/internal/ingest"
	"github.com/caretrail/caretrail/internal/storage"
)

const (
	maxUploadSize = 50 << 20 // 50MB
	presignTTL    = 15 * time.Minute
)

// uploadExtensions are the file types the pipeline can extract text from.
var uploadExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".txt":  true,
	".md":   true,
	".csv":  true,
}

// API views. Records are never returned raw so password hashes and blob
// keys stay out of responses.

type userView struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	EmailVerified bool   `json:"email_verified"`
	TwoFAEnabled  bool   `json:"twofa_enabled"`
	AIEnabled     bool   `json:"ai_enabled"`
}

type documentView struct {
	ID              string    `json:"id"`
	FileName        string    `json:"file_name"`
	Category        string    `json:"category,omitempty"`
	ContentType     string    `json:"content_type"`
	SizeBytes       int64     `json:"size_bytes"`
	AIEnabled       bool      `json:"ai_enabled"`
	ProcessingState string    `json:"processing_state"`
	ProcessingError string    `json:"processing_error,omitempty"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

type insightView struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	KeyFindings []string  `json:"key_findings"`
	RiskFlags   []string  `json:"risk_flags"`
	Tags        []string  `json:"tags"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

type alertView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func viewUser(u *storage.UserRecord) userView {
	return userView{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		Status:        u.Status,
		EmailVerified: u.EmailVerified,
		TwoFAEnabled:  u.TwoFAEnabled,
		AIEnabled:     u.AIEnabled,
	}
}

func viewDocument(d *storage.DocumentRecord) documentView {
	return documentView{
		ID:              d.ID,
		FileName:        d.FileName,
		Category:        d.Category,
		ContentType:     d.ContentType,
		SizeBytes:       d.SizeBytes,
		AIEnabled:       d.AIEnabled,
		ProcessingState: d.ProcessingState,
		ProcessingError: d.ProcessingError,
		UploadedAt:      d.UploadedAt,
	}
}

func viewInsight(in *storage.InsightRecord) insightView {
	return insightView{
		ID:          in.ID,
		DocumentID:  in.DocumentID,
		Title:       in.Title,
		Summary:     in.Summary,
		KeyFindings: in.KeyFindings,
		RiskFlags:   in.RiskFlags,
		Tags:        in.Tags,
		Model:       in.Model,
		CreatedAt:   in.CreatedAt,
	}
}

func viewAlert(a *storage.AlertRecord) alertView {
	return alertView{
		ID:        a.ID,
		Title:     a.Title,
		Body:      a.Body,
		Read:      a.Read,
		CreatedAt: a.CreatedAt,
	}
}

// fail maps service errors to HTTP status codes.
func fail(c *gin.Context, err error) {
	var rle *account.RateLimitError
	switch {
	case errors.As(err, &rle):
		c.Header("Retry-After", rle.Wait.Round(time.Second).String())
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, chat.ErrSessionLimit):
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, account.ErrInvalidCredentials), errors.Is(err, account.ErrInvalidCode):
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, account.ErrAccountPending), errors.Is(err, account.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, account.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, account.ErrInviteInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

// Auth handlers

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}

	user, err := s.accounts.Register(c.Request.Context(), account.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.Phone,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "user": viewUser(user)})
}

type codeRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

func (s *Server) handleVerifyEmail(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and code are required")
		return
	}

	if err := s.accounts.VerifyEmail(c.Request.Context(), req.Email, req.Code); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type emailRequest struct {
	Email string `json:"email" binding:"required"`
}

func (s *Server) handleResendVerification(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email is required")
		return
	}

	if err := s.accounts.ResendVerification(c.Request.Context(), req.Email); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}

	result, err := s.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}

	if result.OTPRequired {
		c.JSON(http.StatusOK, gin.H{"success": true, "otp_required": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "otp_required": false, "tokens": result.Tokens})
}

func (s *Server) handleVerifyOTP(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and code are required")
		return
	}

	tokens, err := s.accounts.VerifyOTP(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "tokens": tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "refresh_token is required")
		return
	}

	tokens, err := s.tokens.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid or expired token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "tokens": tokens})
}

func (s *Server) handleForgotPassword(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email is required")
		return
	}

	if err := s.accounts.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type resetPasswordRequest struct {
	Email       string `json:"email" binding:"required"`
	Code        string `json:"code" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func (s *Server) handleResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email, code and new_password are required")
		return
	}

	if err := s.accounts.ResetPassword(c.Request.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Invite handlers

type createInviteRequest struct {
	Email string `json:"email" binding:"required"`
	Role  string `json:"role" binding:"required"`
}

func (s *Server) handleCreateInvite(c *gin.Context) {
	var req createInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and role are required")
		return
	}

	invite, err := s.accounts.CreateInvite(c.Request.Context(), callerID(c), req.Email, req.Role)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"invite": gin.H{
			"token":      invite.Token,
			"email":      invite.Email,
			"role":       invite.Role,
			"expires_at": invite.ExpiresAt,
		},
	})
}

func (s *Server) handleVerifyInvite(c *gin.Context) {
	invite, err := s.accounts.VerifyInvite(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"invite": gin.H{
			"email":      invite.Email,
			"role":       invite.Role,
			"expires_at": invite.ExpiresAt,
		},
	})
}

type setupRequest struct {
	Token    string `json:"token" binding:"required"`
	Name     string `json:"name"`
	Password string `json:"password" binding:"required"`
	Phone    string `json:"phone"`
}

func (s *Server) handleSetupAccount(c *gin.Context) {
	var req setupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token and password are required")
		return
	}

	user, err := s.accounts.SetupAccount(c.Request.Context(), account.SetupInput{
		Token:    req.Token,
		Name:     req.Name,
		Password: req.Password,
		Phone:    req.Phone,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "user": viewUser(user)})
}

// Document handlers

func (s *Server) handleUploadDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !uploadExtensions[ext] {
		badRequest(c, "unsupported file type: "+ext)
		return
	}

	user, err := s.metadata.GetUser(callerID(c))
	if err != nil {
		fail(c, err)
		return
	}

	file, err := header.Open()
	if err != nil {
		fail(c, err)
		return
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		fail(c, err)
		return
	}

	key := blob.ObjectKey(user.ID, header.Filename)
	contentType := header.Header.Get("Content-Type")
	if err := s.blobs.Put(c.Request.Context(), key, data, contentType); err != nil {
		fail(c, err)
		return
	}

	now := s.now().UTC()
	doc := &storage.DocumentRecord{
		ID:              storage.GenerateID(),
		OwnerID:         user.ID,
		FileName:        header.Filename,
		Category:        c.PostForm("category"),
		BlobKey:         key,
		ContentType:     contentType,
		SizeBytes:       int64(len(data)),
		AIEnabled:       user.AIEnabled, // account-level default, per-document from here on
		ProcessingState: storage.StateUnprocessed,
		UploadedAt:      now,
		UpdatedAt:       now,
	}
	if err := s.metadata.SaveDocument(doc); err != nil {
		fail(c, err)
		return
	}

	if doc.AIEnabled {
		s.dispatcher.Dispatch(doc.ID)
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "document": viewDocument(doc)})
}

func (s *Server) handleListDocuments(c *gin.Context) {
	docs, err := s.metadata.ListDocumentsByOwner(callerID(c))
	if err != nil {
		fail(c, err)
		return
	}

	views := make([]documentView, 0, len(docs))
	for _, d := range docs {
		views = append(views, viewDocument(d))
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "documents": views, "count": len(views)})
}

// ownedDocument loads a document and checks the caller may see it.
// Staff and admins can access any patient's documents.
func (s *Server) ownedDocument(c *gin.Context) (*storage.DocumentRecord, bool) {
	doc, err := s.metadata.GetDocument(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}

	role := callerRole(c)
	if doc.OwnerID != callerID(c) && role != storage.RoleStaff && role != storage.RoleAdmin {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
		return nil, false
	}

	return doc, true
}

func (s *Server) handleGetDocument(c *gin.Context) {
	doc, ok := s.ownedDocument(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "document": viewDocument(doc)})
}

func (s *Server) handleDocumentStatus(c *gin.Context) {
	doc, ok := s.ownedDocument(c)
	if !ok {
		return
	}

	status := gin.H{
		"success":          true,
		"processing_state": doc.ProcessingState,
	}
	if doc.ProcessingState == storage.StateFailed {
		status["processing_error"] = doc.ProcessingError
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleDownloadDocument(c *gin.Context) {
	doc, ok := s.ownedDocument(c)
	if !ok {
		return
	}

	url, err := s.blobs.PresignGet(c.Request.Context(), doc.BlobKey, presignTTL)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "url": url})
		return
	}
	if !errors.Is(err, blob.ErrPresignUnsupported) {
		fail(c, err)
		return
	}

	// Local blob store: serve the bytes directly.
	data, err := s.blobs.Get(c.Request.Context(), doc.BlobKey)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename=\""+doc.FileName+"\"")
	c.Data(http.StatusOK, doc.ContentType, data)
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	doc, ok := s.ownedDocument(c)
	if !ok {
		return
	}

	if doc.ProcessingState == storage.StateProcessing {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "document is being processed"})
		return
	}

	ctx := c.Request.Context()
	if err := s.vectors.DeleteByDocument(ctx, ingest.CollectionName(doc.OwnerID), doc.ID); err != nil {
		log.Printf("Warning: failed to delete vectors for document %s: %v", doc.ID, err)
	}
	if err := s.blobs.Delete(ctx, doc.BlobKey); err != nil {
		log.Printf("Warning: failed to delete blob %s: %v", doc.BlobKey, err)
	}

	if err := s.metadata.DeleteDocument(doc.ID); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleProcessDocument(c *gin.Context) {
	doc, ok := s.ownedDocument(c)
	if !ok {
		return
	}

	if doc.ProcessingState == storage.StateProcessing {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "document is already being processed"})
		return
	}
	if !doc.AIEnabled {
		badRequest(c, "AI processing is disabled for this document")
		return
	}

	s.dispatcher.Dispatch(doc.ID)
	c.JSON(http.StatusAccepted, gin.H{"success": true, "processing_state": storage.StateProcessing})
}

func (s *Server) handleToggleDocumentAI(c *gin.Context) {
	doc, ok := s.ownedDocument(c)
	if !ok {
		return
	}

	enabled := !doc.AIEnabled
	if err := s.metadata.SetDocumentAIEnabled(doc.ID, enabled, s.now().UTC()); err != nil {
		fail(c, err)
		return
	}

	message := "AI readability disabled."
	if enabled {
		message = "AI readability enabled."
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "ai_enabled": enabled})
}

func (s *Server) handleGetInsight(c *gin.Context) {
	doc, ok := s.ownedDocument(c)
	if !ok {
		return
	}

	insight, err := s.metadata.GetInsightByDocument(doc.ID)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "insight": viewInsight(insight)})
}

func (s *Server) handleListInsights(c *gin.Context) {
	insights, err := s.metadata.ListInsightsByOwner(callerID(c))
	if err != nil {
		fail(c, err)
		return
	}

	views := make([]insightView, 0, len(insights))
	for _, in := range insights {
		views = append(views, viewInsight(in))
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "insights": views, "count": len(views)})
}

// Alert handlers

func (s *Server) handleListAlerts(c *gin.Context) {
	alerts, err := s.metadata.ListAlertsByUser(callerID(c))
	if err != nil {
		fail(c, err)
		return
	}

	views := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, viewAlert(a))
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "alerts": views, "count": len(views)})
}

func (s *Server) handleMarkAlertRead(c *gin.Context) {
	if err := s.metadata.MarkAlertRead(c.Param("id"), callerID(c)); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Settings handlers

type aiSettingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetAIEnabled(c *gin.Context) {
	var req aiSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		badRequest(c, "enabled is required")
		return
	}

	if err := s.metadata.SetAIEnabled(callerID(c), *req.Enabled, s.now().UTC()); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "ai_enabled": *req.Enabled})
}

// Chat handlers

type chatMessageView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func viewChatMessage(m *storage.ChatMessageRecord) chatMessageView {
	return chatMessageView{
		ID:        m.ID,
		Sender:    m.Sender,
		Message:   m.Message,
		CreatedAt: m.CreatedAt,
	}
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) handleChatSend(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		badRequest(c, "message is required")
		return
	}

	reply, err := s.chat.Send(c.Request.Context(), callerID(c), strings.TrimSpace(req.Message))
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": reply.SessionID, "message": reply.Message})
}

func (s *Server) handleChatHistory(c *gin.Context) {
	session, msgs, err := s.chat.History(callerID(c))
	if err != nil {
		fail(c, err)
		return
	}

	views := make([]chatMessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, viewChatMessage(m))
	}

	resp := gin.H{"success": true, "messages": views, "session_active": session != nil}
	if session != nil {
		resp["session_id"] = session.ID
	}
	c.JSON(http.StatusOK, resp)
}
