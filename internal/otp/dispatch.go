package otp

import (
	"context"

	"go.uber.org/zap"
)

// Dispatcher delivers a code to a phone, e.g. through an SMS gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, phone, code string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, phone, code string) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, phone, code string) error {
	return f(ctx, phone, code)
}

// LogDispatcher writes codes to the log instead of sending them. Use it in
// development only.
type LogDispatcher struct {
	Logger *zap.Logger
}

// Dispatch logs the code at info level.
func (d LogDispatcher) Dispatch(_ context.Context, phone, code string) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("otp dispatched", zap.String("phone", MaskPhone(phone)), zap.String("code", code))
	return nil
}
