// Package otp issues and verifies one-time passcodes for phone
// verification. Only the most recent ticket for a phone number can be
// verified; sending a new code invalidates every earlier one.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/rentalportal/internal/observability"
	"github.com/pitabwire/rentalportal/internal/validate"
	"github.com/pitabwire/rentalportal/model"
)

// Defaults used when Options leaves a field at zero.
const (
	DefaultCodeLength  = 6
	DefaultTTL         = 5 * time.Minute
	DefaultMaxAttempts = 3
)

// Ticket identifies one issued code.
type Ticket struct {
	ID        string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service sends and verifies codes.
type Service interface {
	SendOtp(ctx context.Context, phone string) (Ticket, error)
	// VerifyOtp reports whether code matches ticket. A false result with
	// a nil error means the code was wrong or the ticket is no longer valid.
	VerifyOtp(ctx context.Context, ticket, code string) (bool, error)
}

// Options tunes code generation and expiry.
type Options struct {
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.CodeLength <= 0 {
		o.CodeLength = DefaultCodeLength
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Notifier is the Service implementation. Ticket state lives in a Store and
// codes are delivered through a Dispatcher.
type Notifier struct {
	store      Store
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	codes      func(length int) (string, error)
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// WithCodeSource overrides code generation.
func WithCodeSource(fn func(length int) (string, error)) Option {
	return func(n *Notifier) { n.codes = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// NewNotifier creates a Notifier.
func NewNotifier(store Store, dispatcher Dispatcher, opts Options, options ...Option) *Notifier {
	n := &Notifier{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		logger:     zap.NewNop(),
		now:        time.Now,
		codes:      randomDigits,
	}
	for _, o := range options {
		o(n)
	}
	return n
}

var phoneRule = validate.DigitsExactly(10)

// SendOtp issues a fresh code for phone, superseding any earlier ticket.
func (n *Notifier) SendOtp(ctx context.Context, phone string) (Ticket, error) {
	phone = strings.TrimSpace(phone)
	if err := phoneRule(phone); err != nil {
		r := err.(*validate.Reason)
		return Ticket{}, model.NewValidationError([]model.FieldError{
			{Field: "phone", Code: r.Code, Message: r.Message},
		})
	}

	code, err := n.codes(n.opts.CodeLength)
	if err != nil {
		n.metrics.RecordOTPSend(observability.ResultError)
		return Ticket{}, fmt.Errorf("generate code: %w", err)
	}

	rec := Record{
		TicketID:  uuid.NewString(),
		Phone:     phone,
		ExpiresAt: n.now().Add(n.opts.TTL).UTC(),
	}
	rec.CodeHash = hashCode(rec.TicketID, code)

	// The earlier ticket stays valid until the new code has been delivered.
	if err := n.dispatcher.Dispatch(ctx, phone, code); err != nil {
		n.metrics.RecordOTPSend(observability.ResultError)
		return Ticket{}, model.NewNetworkError("dispatch otp", err)
	}
	if err := n.store.Issue(ctx, rec, n.opts.TTL); err != nil {
		n.metrics.RecordOTPSend(observability.ResultError)
		return Ticket{}, model.NewNetworkError("store otp ticket", err)
	}

	n.metrics.RecordOTPSend(observability.ResultOK)
	observability.RequestLogger(ctx, n.logger).Debug("otp issued",
		zap.String("ticket", rec.TicketID),
		zap.String("phone", MaskPhone(phone)),
	)
	return Ticket{ID: rec.TicketID, ExpiresAt: rec.ExpiresAt}, nil
}

// VerifyOtp checks code against ticket. A ticket is burned by a correct
// code, by expiry, or after MaxAttempts wrong codes.
func (n *Notifier) VerifyOtp(ctx context.Context, ticket, code string) (bool, error) {
	logger := observability.RequestLogger(ctx, n.logger)

	rec, ok, err := n.store.Lookup(ctx, ticket)
	if err != nil {
		n.metrics.RecordOTPVerification(observability.ResultError)
		return false, model.NewNetworkError("load otp ticket", err)
	}
	if !ok {
		n.metrics.RecordOTPVerification(observability.ResultRejected)
		logger.Debug("otp ticket unknown or superseded", zap.String("ticket", ticket))
		return false, nil
	}

	if !n.now().Before(rec.ExpiresAt) {
		_ = n.store.Burn(ctx, ticket)
		n.metrics.RecordOTPVerification(observability.ResultRejected)
		logger.Debug("otp ticket expired", zap.String("ticket", ticket))
		return false, nil
	}

	want := []byte(rec.CodeHash)
	got := []byte(hashCode(ticket, strings.TrimSpace(code)))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		attempts, err := n.store.Fail(ctx, ticket)
		if err != nil {
			n.metrics.RecordOTPVerification(observability.ResultError)
			return false, model.NewNetworkError("record otp failure", err)
		}
		if attempts >= n.opts.MaxAttempts {
			_ = n.store.Burn(ctx, ticket)
			logger.Warn("otp ticket burned after repeated failures",
				zap.String("ticket", ticket),
				zap.Int("attempts", attempts),
			)
		}
		n.metrics.RecordOTPVerification(observability.ResultRejected)
		return false, nil
	}

	if err := n.store.Burn(ctx, ticket); err != nil {
		n.metrics.RecordOTPVerification(observability.ResultError)
		return false, model.NewNetworkError("burn otp ticket", err)
	}
	n.metrics.RecordOTPVerification(observability.ResultOK)
	logger.Info("otp verified", zap.String("phone", MaskPhone(rec.Phone)))
	return true, nil
}

// MaskPhone keeps the last four digits of a phone number.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

func hashCode(ticket, code string) string {
	sum := sha256.Sum256([]byte(ticket + ":" + code))
	return hex.EncodeToString(sum[:])
}

func randomDigits(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for range length {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
