package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/email"
)

// ProtectedSender wraps an email.Sender with a Breaker. While the breaker
// is open, sends fail with ErrCircuitOpen without reaching the provider.
type ProtectedSender struct {
	sender  email.Sender
	breaker *Breaker
	logger  *zap.Logger
}

func NewProtectedSender(sender email.Sender, breaker *Breaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, req email.SendRequest) (string, error) {
	var messageID string
	err := p.breaker.Do(func() error {
		var err error
		messageID, err = p.sender.Send(ctx, req)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("email provider unavailable, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("to", req.ToEmail),
		)
	}
	return messageID, err
}

// Name reports the wrapped provider's name.
func (p *ProtectedSender) Name() string {
	return p.sender.Name()
}

// Breaker returns the underlying breaker for status reporting.
func (p *ProtectedSender) Breaker() *Breaker {
	return p.breaker
}
