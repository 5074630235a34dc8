package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrMissingAPIKey is returned by NewHTTPSender when no API key is configured.
var ErrMissingAPIKey = errors.New("email provider API key is not configured")

const defaultBaseURL = "https://api.sendgrid.com"

// HTTPConfig configures the HTTP mail API sender.
type HTTPConfig struct {
	APIKey    string
	BaseURL   string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

// HTTPSender sends email through the SendGrid v3 mail send API.
type HTTPSender struct {
	client   *http.Client
	endpoint string
	apiKey   string
	from     address
	logger   *zap.Logger
}

// NewHTTPSender creates an HTTPSender. A missing API key is a configuration
// error, reported here rather than on every send.
func NewHTTPSender(cfg HTTPConfig, logger *zap.Logger) (*HTTPSender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPSender{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(baseURL, "/") + "/v3/mail/send",
		apiKey:   cfg.APIKey,
		from:     address{Email: cfg.FromEmail, Name: cfg.FromName},
		logger:   logger,
	}, nil
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To []address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type attachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
	ContentID   string `json:"content_id,omitempty"`
}

type mailSend struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
	Attachments      []attachment      `json:"attachments,omitempty"`
}

func (s *HTTPSender) buildPayload(req SendRequest) mailSend {
	msg := mailSend{
		Personalizations: []personalization{{To: []address{{Email: req.ToEmail, Name: req.ToName}}}},
		From:             s.from,
		Subject:          req.Subject,
	}

	// text/plain must precede text/html
	if req.TextBody != "" {
		msg.Content = append(msg.Content, content{Type: "text/plain", Value: req.TextBody})
	}
	msg.Content = append(msg.Content, content{Type: "text/html", Value: req.HTMLBody})

	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, attachment{
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			Filename:    a.FileName,
			Type:        a.ContentType,
			Disposition: disposition(a),
			ContentID:   a.ContentID,
		})
	}

	return msg
}

// Send posts the email to the provider and returns the X-Message-Id it
// assigned. Any non-2xx response is an error carrying the status code and
// response body.
func (s *HTTPSender) Send(ctx context.Context, req SendRequest) (string, error) {
	body, err := json.Marshal(s.buildPayload(req))
	if err != nil {
		return "", fmt.Errorf("marshal mail request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create mail request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Herald/1.0.0")

	s.logger.Info("sending email", zap.String("to", req.ToEmail))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Error("email provider rejected send",
			zap.String("to", req.ToEmail),
			zap.Int("status_code", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return "", fmt.Errorf("email provider returned status %d: %s", resp.StatusCode, string(respBody))
	}

	messageID := resp.Header.Get("X-Message-Id")
	s.logger.Info("email sent successfully",
		zap.String("to", req.ToEmail),
		zap.Int("status_code", resp.StatusCode),
		zap.String("provider_message_id", messageID),
	)
	return messageID, nil
}

func (s *HTTPSender) Name() string { return "sendgrid" }
