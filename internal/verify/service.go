// Package verify issues and checks phone verification codes.
//
// Issuance is gated by the rate limiter (IP volume, then phone cadence and
// volume). Checking is gated by the failed-attempt lockout. At most one code
// is live per phone; a new issuance replaces the previous one.
package verify

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"courier/internal/clock"
	"courier/internal/ratelimit"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

var (
	ErrInvalidPhone = errors.New("invalid phone number")
	ErrRateLimited  = errors.New("rate limited")
	ErrDelivery     = errors.New("verification code delivery failed")
)

// RejectedError carries the limiter decision behind a refused request.
type RejectedError struct {
	Decision ratelimit.Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s (retry after %ds)", e.Decision.Reason, e.Decision.RetryAfterSeconds())
}

func (e *RejectedError) Is(target error) bool { return target == ErrRateLimited }

// CodeStore holds at most one code per phone key.
type CodeStore interface {
	PutVerificationCode(ctx context.Context, c storage.VerificationCode) error
	GetVerificationCode(ctx context.Context, phoneKey string) (storage.VerificationCode, error)
	DeleteVerificationCode(ctx context.Context, phoneKey string) error
}

// CodeSender delivers a code to the phone's owner.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

type Status int

const (
	StatusVerified Status = iota + 1
	StatusInvalid
	StatusExpired
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusInvalid:
		return "invalid"
	case StatusExpired:
		return "expired"
	case StatusLocked:
		return "locked"
	default:
		return "unknown"
	}
}

type Result struct {
	Status     Status
	RetryAfter time.Duration
}

type Issued struct {
	Masked    string
	ExpiresAt time.Time
}

const (
	DefaultCodeTTL    = 10 * time.Minute
	DefaultCodeLength = 6
)

type Config struct {
	CodeTTL    time.Duration
	CodeLength int
}

func (c Config) withDefaults() Config {
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.CodeLength <= 0 {
		c.CodeLength = DefaultCodeLength
	}
	return c
}

type Service struct {
	cfg     Config
	limiter *ratelimit.Limiter
	store   CodeStore
	sender  CodeSender
	clock   clock.Clock
	log     logx.Logger

	generate func(n int) (string, error)
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewService(cfg Config, limiter *ratelimit.Limiter, store CodeStore, sender CodeSender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		limiter:  limiter,
		store:    store,
		sender:   sender,
		clock:    clock.Real(),
		log:      log,
		generate: randomDigits,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Request issues a fresh code for phone on behalf of ip.
func (s *Service) Request(ctx context.Context, phone, ip string) (Issued, error) {
	if !ValidPhone(phone) {
		return Issued{}, ErrInvalidPhone
	}
	masked := MaskPhone(phone)

	if d := s.limiter.CheckIP(ip); !d.Allowed {
		s.log.Info("verification request rejected", logx.String("phone", masked), logx.String("ip", ip), logx.String("reason", d.Reason.String()))
		return Issued{}, &RejectedError{Decision: d}
	}
	if d := s.limiter.CheckSMS(phone); !d.Allowed {
		s.log.Info("verification request rejected", logx.String("phone", masked), logx.String("ip", ip), logx.String("reason", d.Reason.String()))
		return Issued{}, &RejectedError{Decision: d}
	}

	code, err := s.generate(s.cfg.CodeLength)
	if err != nil {
		return Issued{}, fmt.Errorf("generate code: %w", err)
	}
	key := ratelimit.HashPhone(phone)
	now := s.clock.Now()
	rec := storage.VerificationCode{
		PhoneKey:  key,
		Code:      code,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
		CreatedAt: now,
	}
	if err := s.store.PutVerificationCode(ctx, rec); err != nil {
		return Issued{}, fmt.Errorf("store code: %w", err)
	}

	if err := s.sender.SendCode(ctx, phone, code); err != nil {
		if derr := s.store.DeleteVerificationCode(ctx, key); derr != nil {
			s.log.Warn("drop undelivered code failed", logx.String("phone", masked), logx.Err(derr))
		}
		s.log.Warn("verification code delivery failed", logx.String("phone", masked), logx.Err(err))
		return Issued{}, fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	s.log.Info("verification code issued", logx.String("phone", masked), logx.Time("expires", rec.ExpiresAt))
	return Issued{Masked: masked, ExpiresAt: rec.ExpiresAt}, nil
}

// Confirm checks code for phone. Only store failures are returned as errors.
func (s *Service) Confirm(ctx context.Context, phone, code string) (Result, error) {
	if !ValidPhone(phone) {
		return Result{}, ErrInvalidPhone
	}
	masked := MaskPhone(phone)

	if d := s.limiter.CheckVerification(phone); !d.Allowed {
		return Result{Status: StatusLocked, RetryAfter: d.RetryAfter}, nil
	}

	key := ratelimit.HashPhone(phone)
	rec, err := s.store.GetVerificationCode(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.limiter.RecordFailedVerification(phone)
		s.log.Info("verification failed: no code", logx.String("phone", masked))
		return Result{Status: StatusInvalid}, nil
	case err != nil:
		return Result{}, fmt.Errorf("load code: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		s.limiter.RecordFailedVerification(phone)
		s.log.Info("verification failed: wrong code", logx.String("phone", masked))
		return Result{Status: StatusInvalid}, nil
	}
	if !s.clock.Now().Before(rec.ExpiresAt) {
		s.log.Info("verification failed: code expired", logx.String("phone", masked))
		return Result{Status: StatusExpired}, nil
	}

	if err := s.store.DeleteVerificationCode(ctx, key); err != nil {
		return Result{}, fmt.Errorf("consume code: %w", err)
	}
	s.limiter.ClearVerification(phone)
	s.log.Info("phone verified", logx.String("phone", masked))
	return Result{Status: StatusVerified}, nil
}

func randomDigits(n int) (string, error) {
	b := make([]byte, n)
	ten := big.NewInt(10)
	for i := range b {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b[i] = byte('0' + d.Int64())
	}
	return string(b), nil
}
