// Package email delivers rendered email through an external provider.
package email

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Sender delivers one fully-resolved email. A nil error means the provider
// accepted it; the returned id is the provider's message id, or "" when the
// provider does not report one.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (string, error)
	// Name identifies the provider in attempt records.
	Name() string
}

// SendRequest is a rendered email ready for delivery.
type SendRequest struct {
	ToEmail     string
	ToName      string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []Attachment
}

// Attachment is file content sent with an email. Inline attachments are
// referenced from the HTML body through ContentID.
type Attachment struct {
	FileName    string
	ContentType string
	Content     []byte
	Inline      bool
	ContentID   string
}

// AttachmentsFrom maps stored message attachments to send attachments.
func AttachmentsFrom(in []db.Attachment) []Attachment {
	if len(in) == 0 {
		return nil
	}

	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		att := Attachment{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Content:     a.Content,
			Inline:      a.Inline,
		}
		if a.ContentID != nil {
			att.ContentID = *a.ContentID
		}
		out = append(out, att)
	}
	return out
}

func disposition(a Attachment) string {
	if a.Inline {
		return "inline"
	}
	return "attachment"
}

// LogSender logs emails instead of sending them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, req SendRequest) (string, error) {
	s.logger.Info("email sent",
		zap.String("to", req.ToEmail),
		zap.String("subject", req.Subject),
		zap.Int("body_bytes", len(req.HTMLBody)),
		zap.Int("attachments", len(req.Attachments)),
	)
	return "", nil
}

func (s *LogSender) Name() string { return "log" }
