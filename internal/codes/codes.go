// Package codes issues and verifies short-lived verification codes for
// the account flows: email confirmation, password reset and login OTP.
// Codes live in the cache under a (purpose, subject) key, so issuing a
// new code always invalidates the previous one for the same subject.
package codes

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/caretrail/caretrail/internal/cache"
)

// Purpose namespaces codes so an OTP can never pass as a reset code.
type Purpose string

const (
	PurposeEmailVerify   Purpose = "email_verify"
	PurposePasswordReset Purpose = "password_reset"
	PurposeOTP           Purpose = "otp_2fa"
)

const (
	OTPTTL           = 5 * time.Minute
	EmailVerifyTTL   = 10 * time.Minute
	PasswordResetTTL = 10 * time.Minute

	codeDigits  = 6
	tokenBytes  = 24 // base64url encodes to 32 chars
	TokenLength = 32
)

var (
	ErrNotFound = errors.New("verification code not found")
	ErrMismatch = errors.New("verification code does not match")
	ErrExpired  = errors.New("verification code expired")
)

// Sender delivers a code to a recipient over some channel (email, SMS).
type Sender interface {
	Send(ctx context.Context, recipient, code string) error
}

type record struct {
	Code     string
	IssuedAt time.Time
	TTL      time.Duration
}

// Issuer generates codes, caches them and hands them to a Sender.
type Issuer struct {
	store  cache.Store
	sender Sender
	now    func() time.Time
}

func NewIssuer(store cache.Store, sender Sender) *Issuer {
	return &Issuer{store: store, sender: sender, now: time.Now}
}

func codeKey(purpose Purpose, subject string) string {
	return fmt.Sprintf("code:%s:%s", purpose, subject)
}

// Issue generates a fresh 6-digit code for (purpose, subject), caches it
// for ttl and sends it to recipient. Delivery failures are logged but do
// not invalidate the code: the subject can still verify or ask for a
// resend.
func (i *Issuer) Issue(ctx context.Context, purpose Purpose, subject, recipient string, ttl time.Duration) (string, error) {
	code, err := NumericCode(codeDigits)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}

	i.store.Set(codeKey(purpose, subject), record{
		Code:     code,
		IssuedAt: i.now(),
		TTL:      ttl,
	}, ttl)

	if err := i.sender.Send(ctx, recipient, code); err != nil {
		log.Printf("Warning: failed to deliver %s code to %s: %v", purpose, recipient, err)
	}
	return code, nil
}

// Verify checks code against the cached value for (purpose, subject).
// A successful verification consumes the code. Expiry is checked against
// the stored issue time as well, in case the cache outlives the ttl.
func (i *Issuer) Verify(purpose Purpose, subject, code string) error {
	prev, ok := i.store.Get(codeKey(purpose, subject))
	if !ok {
		return ErrNotFound
	}

	rec := prev.(record)
	if i.now().Sub(rec.IssuedAt) > rec.TTL {
		i.store.Delete(codeKey(purpose, subject))
		return ErrExpired
	}
	if rec.Code != code {
		return ErrMismatch
	}

	i.store.Delete(codeKey(purpose, subject))
	return nil
}

// Revoke drops any outstanding code for (purpose, subject).
func (i *Issuer) Revoke(purpose Purpose, subject string) {
	i.store.Delete(codeKey(purpose, subject))
}

// NumericCode returns a uniformly random code of n decimal digits,
// left-padded with zeros.
func NumericCode(n int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}

// Token returns a 32-character URL-safe random token, used for
// invitation links.
func Token() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
