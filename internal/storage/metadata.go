package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Document processing states.
const (
	StateUnprocessed = "unprocessed"
	StateProcessing  = "processing"
	StateProcessed   = "processed"
	StateFailed      = "failed"
)

// User roles and statuses.
const (
	RolePatient = "patient"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"

	StatusPending = "pending"
	StatusActive  = "active"
)

// MetadataStore handles SQLite storage for users, invites, documents,
// insights and alerts.
type MetadataStore struct {
	db *sql.DB
}

// UserRecord represents an account
type UserRecord struct {
	ID            string
	Email         string
	PasswordHash  string
	Name          string
	Phone         string
	Role          string
	Status        string
	EmailVerified bool
	TwoFAEnabled  bool
	AIEnabled     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InviteRecord represents an invitation token
type InviteRecord struct {
	Token     string
	Email     string
	Role      string
	InvitedBy string
	Consumed  bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// DocumentRecord represents an uploaded document and its pipeline state
type DocumentRecord struct {
	ID              string
	OwnerID         string
	FileName        string
	Category        string
	BlobKey         string
	ContentType     string
	SizeBytes       int64
	AIEnabled       bool
	ProcessingState string
	ProcessingError string
	UploadedAt      time.Time
	UpdatedAt       time.Time
}

// InsightRecord represents the AI summary generated for a document
type InsightRecord struct {
	ID          string
	DocumentID  string
	OwnerID     string
	Title       string
	Summary     string
	KeyFindings []string
	RiskFlags   []string
	Tags        []string
	Model       string
	CreatedAt   time.Time
}

// AlertRecord represents a notification shown to a user
type AlertRecord struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	Read      bool
	CreatedAt time.Time
}

// ChatSessionRecord groups a user's assistant conversation
type ChatSessionRecord struct {
	ID        string
	UserID    string
	StartedAt time.Time
}

// ChatMessageRecord is a single message within a chat session
type ChatMessageRecord struct {
	ID        string
	SessionID string
	Sender    string
	Message   string
	CreatedAt time.Time
}

// NewMetadataStore creates a new metadata store
func NewMetadataStore(dbPath string) (*MetadataStore, error) {
	// Expand ~ in path
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &MetadataStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// migrate creates the necessary tables
func (s *MetadataStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL,
			phone TEXT,
			role TEXT NOT NULL DEFAULT 'patient',
			status TEXT NOT NULL DEFAULT 'pending',
			email_verified INTEGER NOT NULL DEFAULT 0,
			twofa_enabled INTEGER NOT NULL DEFAULT 0,
			ai_enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS invites (
			token TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			role TEXT NOT NULL,
			invited_by TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			blob_key TEXT NOT NULL,
			content_type TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			ai_enabled INTEGER NOT NULL DEFAULT 1,
			processing_state TEXT NOT NULL DEFAULT 'unprocessed',
			processing_error TEXT,
			uploaded_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (owner_id) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL,
			key_findings TEXT,
			risk_flags TEXT,
			tags TEXT,
			model TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (document_id) REFERENCES documents(id)
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES chat_sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
		CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(processing_state);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id);
		CREATE INDEX IF NOT EXISTS idx_insights_owner ON insights(owner_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id);
		CREATE INDEX IF NOT EXISTS idx_invites_email ON invites(email);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *MetadataStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection so other stores can share the
// same SQLite file.
func (s *MetadataStore) DB() *sql.DB {
	return s.db
}

// --- users ---

// CreateUser inserts a new account. Emails are stored lowercased.
func (s *MetadataStore) CreateUser(user *UserRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, email, password_hash, name, phone, role, status, email_verified, twofa_enabled, ai_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, user.ID, strings.ToLower(user.Email), user.PasswordHash, user.Name, user.Phone, user.Role, user.Status,
		user.EmailVerified, user.TwoFAEnabled, user.AIEnabled, user.CreatedAt, user.UpdatedAt)

	return err
}

func (s *MetadataStore) scanUser(row *sql.Row) (*UserRecord, error) {
	var user UserRecord
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.Phone, &user.Role, &user.Status,
		&user.EmailVerified, &user.TwoFAEnabled, &user.AIEnabled, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

const userColumns = `id, email, password_hash, name, phone, role, status, email_verified, twofa_enabled, ai_enabled, created_at, updated_at`

// GetUser retrieves a user by ID
func (s *MetadataStore) GetUser(id string) (*UserRecord, error) {
	return s.scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail retrieves a user by email (case-insensitive)
func (s *MetadataStore) GetUserByEmail(email string) (*UserRecord, error) {
	return s.scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(email)))
}

// ActivateUser marks a pending account active with a verified email
func (s *MetadataStore) ActivateUser(id string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE users SET status = ?, email_verified = 1, updated_at = ? WHERE id = ?
	`, StatusActive, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// UpdatePassword replaces the stored password hash
func (s *MetadataStore) UpdatePassword(id, passwordHash string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?
	`, passwordHash, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SetAIEnabled toggles automatic document processing for a user
func (s *MetadataStore) SetAIEnabled(id string, enabled bool, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE users SET ai_enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SetTwoFAEnabled toggles login OTP for a user
func (s *MetadataStore) SetTwoFAEnabled(id string, enabled bool, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE users SET twofa_enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// --- invites ---

// CreateInvite inserts a new invitation token
func (s *MetadataStore) CreateInvite(invite *InviteRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO invites (token, email, role, invited_by, consumed, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, invite.Token, strings.ToLower(invite.Email), invite.Role, invite.InvitedBy, invite.Consumed, invite.ExpiresAt, invite.CreatedAt)

	return err
}

// GetInvite retrieves an invitation by token
func (s *MetadataStore) GetInvite(token string) (*InviteRecord, error) {
	row := s.db.QueryRow(`
		SELECT token, email, role, invited_by, consumed, expires_at, created_at
		FROM invites WHERE token = ?
	`, token)

	var invite InviteRecord
	err := row.Scan(&invite.Token, &invite.Email, &invite.Role, &invite.InvitedBy, &invite.Consumed, &invite.ExpiresAt, &invite.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &invite, nil
}

// ConsumeInvite atomically marks an unconsumed invite as used. It
// returns false if the token was already consumed or does not exist, so
// two concurrent signups can never both succeed on the same invite.
func (s *MetadataStore) ConsumeInvite(token string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE invites SET consumed = 1 WHERE token = ? AND consumed = 0
	`, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteExpiredInvites removes invitation tokens that are past their
// expiry or already consumed. Returns the number of rows deleted.
func (s *MetadataStore) DeleteExpiredInvites(now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM invites WHERE expires_at < ? OR consumed = 1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- documents ---

// SaveDocument inserts or replaces a document row
func (s *MetadataStore) SaveDocument(doc *DocumentRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO documents (id, owner_id, file_name, category, blob_key, content_type, size_bytes, ai_enabled, processing_state, processing_error, uploaded_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.OwnerID, doc.FileName, doc.Category, doc.BlobKey, doc.ContentType, doc.SizeBytes,
		doc.AIEnabled, doc.ProcessingState, doc.ProcessingError, doc.UploadedAt, doc.UpdatedAt)

	return err
}

const documentColumns = `id, owner_id, file_name, category, blob_key, content_type, size_bytes, ai_enabled, processing_state, processing_error, uploaded_at, updated_at`

func scanDocument(scan func(dest ...any) error) (*DocumentRecord, error) {
	var doc DocumentRecord
	var procErr sql.NullString
	err := scan(&doc.ID, &doc.OwnerID, &doc.FileName, &doc.Category, &doc.BlobKey, &doc.ContentType, &doc.SizeBytes,
		&doc.AIEnabled, &doc.ProcessingState, &procErr, &doc.UploadedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.ProcessingError = procErr.String
	return &doc, nil
}

// GetDocument retrieves a document by ID
func (s *MetadataStore) GetDocument(id string) (*DocumentRecord, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return doc, err
}

// ListDocumentsByOwner retrieves a user's documents, newest first
func (s *MetadataStore) ListDocumentsByOwner(ownerID string) ([]*DocumentRecord, error) {
	return s.listDocuments(`SELECT `+documentColumns+` FROM documents WHERE owner_id = ? ORDER BY uploaded_at DESC`, ownerID)
}

// ListDocumentsByState retrieves all documents in a given processing state
func (s *MetadataStore) ListDocumentsByState(state string) ([]*DocumentRecord, error) {
	return s.listDocuments(`SELECT `+documentColumns+` FROM documents WHERE processing_state = ? ORDER BY uploaded_at ASC`, state)
}

func (s *MetadataStore) listDocuments(query string, args ...any) ([]*DocumentRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*DocumentRecord
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ClaimDocument transitions a document into the processing state. The
// update is conditional on the current state, so concurrent claims on
// the same document resolve to exactly one winner even across
// processes. Only unprocessed and failed documents can be claimed.
func (s *MetadataStore) ClaimDocument(id string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE documents
		SET processing_state = ?, processing_error = NULL, updated_at = ?
		WHERE id = ? AND processing_state IN (?, ?)
	`, StateProcessing, now, id, StateUnprocessed, StateFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinishDocument records the terminal state of a pipeline run. errMsg
// should be empty for processed and the failure reason for failed.
func (s *MetadataStore) FinishDocument(id, state, errMsg string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE documents SET processing_state = ?, processing_error = ?, updated_at = ? WHERE id = ?
	`, state, nullable(errMsg), now, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SetDocumentAIEnabled toggles automatic processing for a single document
func (s *MetadataStore) SetDocumentAIEnabled(id string, enabled bool, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE documents SET ai_enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// FailInterruptedDocuments moves every document stuck in the processing
// state to failed. A document can only be mid-processing while a run
// owns it, so at startup any processing row is an orphan from a run
// that died before recording a terminal state. Returns the IDs of the
// documents swept.
func (s *MetadataStore) FailInterruptedDocuments(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM documents WHERE processing_state = ?`, StateProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		_, err = s.db.Exec(`
			UPDATE documents SET processing_state = ?, processing_error = ?, updated_at = ?
			WHERE processing_state = ?
		`, StateFailed, "processing interrupted by restart", now, StateProcessing)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DeleteDocument removes a document row and its insight
func (s *MetadataStore) DeleteDocument(id string) error {
	if _, err := s.db.Exec(`DELETE FROM insights WHERE document_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- insights ---

// SaveInsight inserts the insight for a document, replacing a previous
// one from an earlier run of the same document.
func (s *MetadataStore) SaveInsight(insight *InsightRecord) error {
	findingsJSON, _ := json.Marshal(insight.KeyFindings)
	flagsJSON, _ := json.Marshal(insight.RiskFlags)
	tagsJSON, _ := json.Marshal(insight.Tags)

	_, err := s.db.Exec(`
		INSERT INTO insights (id, document_id, owner_id, title, summary, key_findings, risk_flags, tags, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			key_findings = excluded.key_findings,
			risk_flags = excluded.risk_flags,
			tags = excluded.tags,
			model = excluded.model,
			created_at = excluded.created_at
	`, insight.ID, insight.DocumentID, insight.OwnerID, insight.Title, insight.Summary,
		string(findingsJSON), string(flagsJSON), string(tagsJSON), insight.Model, insight.CreatedAt)

	return err
}

const insightColumns = `id, document_id, owner_id, title, summary, key_findings, risk_flags, tags, model, created_at`

func scanInsight(scan func(dest ...any) error) (*InsightRecord, error) {
	var insight InsightRecord
	var findingsJSON, flagsJSON, tagsJSON string

	err := scan(&insight.ID, &insight.DocumentID, &insight.OwnerID, &insight.Title, &insight.Summary,
		&findingsJSON, &flagsJSON, &tagsJSON, &insight.Model, &insight.CreatedAt)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(findingsJSON), &insight.KeyFindings)
	json.Unmarshal([]byte(flagsJSON), &insight.RiskFlags)
	json.Unmarshal([]byte(tagsJSON), &insight.Tags)
	return &insight, nil
}

// GetInsightByDocument retrieves the insight generated for a document
func (s *MetadataStore) GetInsightByDocument(documentID string) (*InsightRecord, error) {
	row := s.db.QueryRow(`SELECT `+insightColumns+` FROM insights WHERE document_id = ?`, documentID)
	insight, err := scanInsight(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return insight, err
}

// ListInsightsByOwner retrieves a user's insights, newest first
func (s *MetadataStore) ListInsightsByOwner(ownerID string) ([]*InsightRecord, error) {
	rows, err := s.db.Query(`SELECT `+insightColumns+` FROM insights WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var insights []*InsightRecord
	for rows.Next() {
		insight, err := scanInsight(rows.Scan)
		if err != nil {
			return nil, err
		}
		insights = append(insights, insight)
	}
	return insights, rows.Err()
}

// --- alerts ---

// SaveAlert inserts a notification for a user
func (s *MetadataStore) SaveAlert(alert *AlertRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO alerts (id, user_id, title, body, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.UserID, alert.Title, alert.Body, alert.Read, alert.CreatedAt)

	return err
}

// ListAlertsByUser retrieves a user's alerts, newest first
func (s *MetadataStore) ListAlertsByUser(userID string) ([]*AlertRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, title, body, read, created_at
		FROM alerts WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*AlertRecord
	for rows.Next() {
		var alert AlertRecord
		if err := rows.Scan(&alert.ID, &alert.UserID, &alert.Title, &alert.Body, &alert.Read, &alert.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}

// MarkAlertRead flags a user's alert as read. The update is scoped to
// the owning user, so an alert ID belonging to someone else reads as
// not found.
func (s *MetadataStore) MarkAlertRead(id, userID string) error {
	res, err := s.db.Exec(`UPDATE alerts SET read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// --- chat ---

// CreateChatSession starts a new assistant conversation for a user
func (s *MetadataStore) CreateChatSession(session *ChatSessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_sessions (id, user_id, started_at)
		VALUES (?, ?, ?)
	`, session.ID, session.UserID, session.StartedAt)

	return err
}

// LatestChatSession retrieves a user's most recent session
func (s *MetadataStore) LatestChatSession(userID string) (*ChatSessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, started_at
		FROM chat_sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT 1
	`, userID)

	var session ChatSessionRecord
	err := row.Scan(&session.ID, &session.UserID, &session.StartedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// SaveChatMessage appends a message to a session
func (s *MetadataStore) SaveChatMessage(msg *ChatMessageRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_messages (id, session_id, sender, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Sender, msg.Message, msg.CreatedAt)

	return err
}

// ListChatMessages retrieves a session's messages, oldest first
func (s *MetadataStore) ListChatMessages(sessionID string) ([]*ChatMessageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, sender, message, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*ChatMessageRecord
	for rows.Next() {
		var msg ChatMessageRecord
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Message, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// CountChatMessages counts messages from one sender within a session
func (s *MetadataStore) CountChatMessages(sessionID, sender string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM chat_messages WHERE session_id = ? AND sender = ?
	`, sessionID, sender).Scan(&n)
	return n, err
}
