// Package account implements registration, login, verification and
// invitation flows on top of the code issuer and rate limiter.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caretrail/caretrail/internal/auth"
	"github.com/caretrail/caretrail/internal/codes"
	"github.com/caretrail/caretrail/internal/ratelimit"
	"github.com/caretrail/caretrail/internal/storage"
)

const (
	StaffInviteTTL   = 7 * 24 * time.Hour
	PatientInviteTTL = 30 * 24 * time.Hour
)

// Sentinel errors. Credential and reset failures stay generic so
// responses never reveal whether an email is registered.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountPending     = errors.New("account pending email verification")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCode        = errors.New("invalid or expired code")
	ErrInviteInvalid      = errors.New("invitation is invalid, expired or already used")
	ErrNotAuthorized      = errors.New("not authorized")
)

// RateLimitError reports when a throttled action may be retried.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests, retry in %s", e.Wait.Round(time.Second))
}

// UserStore is the persistence the account flows need.
// Implementations: storage.MetadataStore
type UserStore interface {
	CreateUser(user *storage.UserRecord) error
	GetUser(id string) (*storage.UserRecord, error)
	GetUserByEmail(email string) (*storage.UserRecord, error)
	ActivateUser(id string, now time.Time) error
	UpdatePassword(id, passwordHash string, now time.Time) error
	CreateInvite(invite *storage.InviteRecord) error
	GetInvite(token string) (*storage.InviteRecord, error)
	ConsumeInvite(token string) (bool, error)
}

// CodeIssuer issues and verifies short-lived codes.
// Implementations: codes.Issuer
type CodeIssuer interface {
	Issue(ctx context.Context, purpose codes.Purpose, subject, recipient string, ttl time.Duration) (string, error)
	Verify(purpose codes.Purpose, subject, code string) error
	Revoke(purpose codes.Purpose, subject string)
}

// Limiter throttles sends and failed attempts.
// Implementations: ratelimit.Limiter
type Limiter interface {
	AllowSend(action, identifier string, cooldown time.Duration) (bool, time.Duration)
	CheckAttempt(action, identifier string, maxAttempts int, window time.Duration) (bool, int, time.Duration)
	RecordFailure(action, identifier string, maxAttempts int, window time.Duration) int
	Clear(action, identifier string)
}

// TokenIssuer mints the JWT pair on successful login.
// Implementations: auth.TokenManager
type TokenIssuer interface {
	IssuePair(userID, role string) (*auth.TokenPair, error)
}

// Service wires the account flows together.
type Service struct {
	users      UserStore
	emailCodes CodeIssuer
	smsCodes   CodeIssuer
	limiter    Limiter
	tokens     TokenIssuer
	now        func() time.Time
}

// Deps holds dependencies for constructing a Service.
type Deps struct {
	Users      UserStore
	EmailCodes CodeIssuer
	SMSCodes   CodeIssuer
	Limiter    Limiter
	Tokens     TokenIssuer
}

// New creates an account service.
func New(deps Deps) *Service {
	return &Service{
		users:      deps.Users,
		emailCodes: deps.EmailCodes,
		smsCodes:   deps.SMSCodes,
		limiter:    deps.Limiter,
		tokens:     deps.Tokens,
		now:        time.Now,
	}
}

// RegisterInput is the self-service signup payload.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Phone    string
}

// Register creates a pending patient account and sends the email
// verification code.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*storage.UserRecord, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	if _, err := s.users.GetUserByEmail(email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &storage.UserRecord{
		ID:           storage.GenerateID(),
		Email:        email,
		PasswordHash: hash,
		Name:         in.Name,
		Phone:        in.Phone,
		Role:         storage.RolePatient,
		Status:       storage.StatusPending,
		AIEnabled:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := s.sendCode(ctx, s.emailCodes, codes.PurposeEmailVerify, email, email, codes.EmailVerifyTTL, ratelimit.DefaultCooldown); err != nil {
		// The account exists; the user can request a resend.
		return user, err
	}
	return user, nil
}

// VerifyEmail checks a verification code and activates the account.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := s.checkAttempts(codes.PurposeEmailVerify, email); err != nil {
		return err
	}

	user, err := s.users.GetUserByEmail(email)
	if err != nil {
		return fmt.Errorf("%w", ErrInvalidCode)
	}

	if err := s.verifyCode(s.emailCodes, codes.PurposeEmailVerify, email, code); err != nil {
		return err
	}

	if err := s.users.ActivateUser(user.ID, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}
	s.limiter.Clear(string(codes.PurposeEmailVerify), email)
	return nil
}

// ResendVerification reissues the email verification code.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetUserByEmail(email)
	if err != nil {
		// Non-revealing.
		return nil
	}
	if user.Status != storage.StatusPending {
		return nil
	}

	return s.sendCode(ctx, s.emailCodes, codes.PurposeEmailVerify, email, email, codes.EmailVerifyTTL, ratelimit.DefaultCooldown)
}

// LoginResult is what a successful password check yields: either the
// token pair, or a signal that an OTP was sent.
type LoginResult struct {
	OTPRequired bool
	Tokens      *auth.TokenPair
}

// Login checks credentials. Accounts with 2FA enabled get an OTP over
// SMS instead of tokens.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetUserByEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if user.Status != storage.StatusActive {
		return nil, ErrAccountPending
	}

	if user.TwoFAEnabled {
		recipient := user.Phone
		if recipient == "" {
			recipient = user.Email
		}
		if err := s.sendCode(ctx, s.smsCodes, codes.PurposeOTP, email, recipient, codes.OTPTTL, ratelimit.OTPCooldown); err != nil {
			return nil, err
		}
		return &LoginResult{OTPRequired: true}, nil
	}

	pair, err := s.tokens.IssuePair(user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}
	return &LoginResult{Tokens: pair}, nil
}

// VerifyOTP completes a 2FA login.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*auth.TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := s.checkAttempts(codes.PurposeOTP, email); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByEmail(email)
	if err != nil {
		return nil, ErrInvalidCode
	}

	if err := s.verifyCode(s.smsCodes, codes.PurposeOTP, email, code); err != nil {
		return nil, err
	}
	s.limiter.Clear(string(codes.PurposeOTP), email)

	pair, err := s.tokens.IssuePair(user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}
	return pair, nil
}

// ForgotPassword sends a reset code. It never reveals whether the
// email is registered.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	if _, err := s.users.GetUserByEmail(email); err != nil {
		return nil
	}

	return s.sendCode(ctx, s.emailCodes, codes.PurposePasswordReset, email, email, codes.PasswordResetTTL, ratelimit.DefaultCooldown)
}

// ResetPassword verifies a reset code and replaces the password.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if newPassword == "" {
		return fmt.Errorf("new password is required")
	}

	if err := s.checkAttempts(codes.PurposePasswordReset, email); err != nil {
		return err
	}

	user, err := s.users.GetUserByEmail(email)
	if err != nil {
		return ErrInvalidCode
	}

	if err := s.verifyCode(s.emailCodes, codes.PurposePasswordReset, email, code); err != nil {
		return err
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(user.ID, hash, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	s.limiter.Clear(string(codes.PurposePasswordReset), email)
	return nil
}

// CreateInvite issues an invitation token. Staff invites come from
// admins; patient invites come from staff or admins.
func (s *Service) CreateInvite(ctx context.Context, inviterID, email, role string) (*storage.InviteRecord, error) {
	inviter, err := s.users.GetUser(inviterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inviter: %w", err)
	}

	var ttl time.Duration
	switch role {
	case storage.RoleStaff:
		if inviter.Role != storage.RoleAdmin {
			return nil, ErrNotAuthorized
		}
		ttl = StaffInviteTTL
	case storage.RolePatient:
		if inviter.Role != storage.RoleAdmin && inviter.Role != storage.RoleStaff {
			return nil, ErrNotAuthorized
		}
		ttl = PatientInviteTTL
	default:
		return nil, fmt.Errorf("unknown invite role: %s", role)
	}

	token, err := codes.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to generate invite token: %w", err)
	}

	now := s.now().UTC()
	invite := &storage.InviteRecord{
		Token:     token,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Role:      role,
		InvitedBy: inviter.ID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.users.CreateInvite(invite); err != nil {
		return nil, fmt.Errorf("failed to save invite: %w", err)
	}
	return invite, nil
}

// VerifyInvite checks a token without consuming it, for the signup
// form prefill.
func (s *Service) VerifyInvite(ctx context.Context, token string) (*storage.InviteRecord, error) {
	invite, err := s.users.GetInvite(token)
	if err != nil {
		return nil, ErrInviteInvalid
	}
	if invite.Consumed || s.now().After(invite.ExpiresAt) {
		return nil, ErrInviteInvalid
	}
	return invite, nil
}

// SetupInput completes an invited signup.
type SetupInput struct {
	Token    string
	Name     string
	Password string
	Phone    string
}

// SetupAccount consumes an invite and creates the account. Invited
// accounts skip email verification and are active immediately.
func (s *Service) SetupAccount(ctx context.Context, in SetupInput) (*storage.UserRecord, error) {
	invite, err := s.VerifyInvite(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	if in.Password == "" {
		return nil, fmt.Errorf("password is required")
	}

	if _, err := s.users.GetUserByEmail(invite.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}

	ok, err := s.users.ConsumeInvite(invite.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to consume invite: %w", err)
	}
	if !ok {
		return nil, ErrInviteInvalid
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &storage.UserRecord{
		ID:            storage.GenerateID(),
		Email:         invite.Email,
		PasswordHash:  hash,
		Name:          in.Name,
		Phone:         in.Phone,
		Role:          invite.Role,
		Status:        storage.StatusActive,
		EmailVerified: true,
		AIEnabled:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.users.CreateUser(user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// --- helpers ---

// sendCode enforces the per-action cooldown, then issues a code.
func (s *Service) sendCode(ctx context.Context, issuer CodeIssuer, purpose codes.Purpose, subject, recipient string, ttl, cooldown time.Duration) error {
	allowed, wait := s.limiter.AllowSend(string(purpose), subject, cooldown)
	if !allowed {
		return &RateLimitError{Wait: wait}
	}

	if _, err := issuer.Issue(ctx, purpose, subject, recipient, ttl); err != nil {
		return fmt.Errorf("failed to issue %s code: %w", purpose, err)
	}
	return nil
}

// checkAttempts rejects verification once the failure budget for the
// window is spent.
func (s *Service) checkAttempts(purpose codes.Purpose, subject string) error {
	allowed, _, resetIn := s.limiter.CheckAttempt(string(purpose), subject, ratelimit.DefaultMaxAttempts, ratelimit.DefaultWindow)
	if !allowed {
		return &RateLimitError{Wait: resetIn}
	}
	return nil
}

// verifyCode maps code failures to the generic error and records the
// failed attempt.
func (s *Service) verifyCode(issuer CodeIssuer, purpose codes.Purpose, subject, code string) error {
	if err := issuer.Verify(purpose, subject, code); err != nil {
		s.limiter.RecordFailure(string(purpose), subject, ratelimit.DefaultMaxAttempts, ratelimit.DefaultWindow)
		return fmt.Errorf("%w", ErrInvalidCode)
	}
	return nil
}
