package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the subset of the SES client used by SESSender.
type SESAPI interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SESSender sends email through AWS SES as raw MIME, so attachments and
// inline content survive.
type SESSender struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	FromName  string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESSender(client SESAPI, cfg SESConfig, logger *zap.Logger) *SESSender {
	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = (&mail.Address{Name: cfg.FromName, Address: cfg.FromEmail}).String()
	}
	return &SESSender{client: client, from: from, logger: logger}
}

// Send sends the email via SES and returns the SES message id.
func (s *SESSender) Send(ctx context.Context, req SendRequest) (string, error) {
	raw, err := buildMIME(s.from, req)
	if err != nil {
		return "", fmt.Errorf("build mime message: %w", err)
	}

	result, err := s.client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		Source:       aws.String(s.from),
		Destinations: []string{req.ToEmail},
		RawMessage:   &types.RawMessage{Data: raw},
	})
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("to", req.ToEmail),
		zap.String("ses_message_id", messageID),
	)
	return messageID, nil
}

func (s *SESSender) Name() string { return "ses" }

func buildMIME(from string, req SendRequest) ([]byte, error) {
	var buf bytes.Buffer

	to := req.ToEmail
	if req.ToName != "" {
		to = (&mail.Address{Name: req.ToName, Address: req.ToEmail}).String()
	}

	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", req.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	if req.TextBody != "" {
		if err := writePart(mw, "text/plain; charset=utf-8", []byte(req.TextBody), nil); err != nil {
			return nil, err
		}
	}
	if err := writePart(mw, "text/html; charset=utf-8", []byte(req.HTMLBody), nil); err != nil {
		return nil, err
	}

	for _, a := range req.Attachments {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", mime.FormatMediaType(disposition(a), map[string]string{"filename": a.FileName}))
		if a.ContentID != "" {
			h.Set("Content-ID", "<"+a.ContentID+">")
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := writePart(mw, contentType, a.Content, h); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType string, data []byte, h textproto.MIMEHeader) error {
	if h == nil {
		h = textproto.MIMEHeader{}
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "base64")

	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := io.WriteString(pw, encoded[:76]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err = io.WriteString(pw, encoded+"\r\n")
	return err
}
