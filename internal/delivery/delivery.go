// Package delivery renders a claimed email job and hands it to the email
// provider. Both dispatch paths use it so a message is built and audited the
// same way whichever path sends it.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/email"
)

// Fixed failure reasons written to last_error when no send is attempted.
const (
	ReasonNoRecipient = "Recipient email is null."
	ReasonNoTemplate  = "Email template not resolved."
)

// RetryDelay is how long a failed message waits before it is due again.
const RetryDelay = 5 * time.Minute

// Renderer renders a subject and body template against JSON data.
type Renderer interface {
	Render(subject, body *string, data json.RawMessage) (string, string, error)
}

// Deliverer renders and sends email jobs.
type Deliverer struct {
	renderer Renderer
	sender   email.Sender
	now      func() time.Time
}

func New(renderer Renderer, sender email.Sender) *Deliverer {
	return &Deliverer{
		renderer: renderer,
		sender:   sender,
		now:      time.Now,
	}
}

// Now returns the deliverer's clock reading in UTC.
func (d *Deliverer) Now() time.Time {
	return d.now().UTC()
}

// Deliver renders job and sends it. The returned attempt describes the
// provider call and is nil when rendering failed before any call was made.
func (d *Deliverer) Deliver(ctx context.Context, job *db.EmailJob, attemptNo int) (*db.Attempt, error) {
	subject, html, err := d.renderer.Render(job.TemplateSubject, job.TemplateBody, job.TemplateData)
	if err != nil {
		return nil, fmt.Errorf("render message %d: %w", job.MessageID, err)
	}

	req := email.SendRequest{
		ToEmail:     *job.RecipientEmail,
		Subject:     subject,
		HTMLBody:    html,
		Attachments: email.AttachmentsFrom(job.Attachments),
	}

	attempt := &db.Attempt{
		MessageID: job.MessageID,
		AttemptNo: attemptNo,
		StartedAt: d.Now(),
		Provider:  d.sender.Name(),
	}

	providerID, sendErr := d.sender.Send(ctx, req)

	ended := d.Now()
	attempt.EndedAt = &ended
	if sendErr != nil {
		msg := sendErr.Error()
		attempt.Result = db.AttemptFailed
		attempt.ErrorMessage = &msg
		return attempt, sendErr
	}

	attempt.Result = db.AttemptSucceeded
	if providerID != "" {
		attempt.ProviderMessageID = &providerID
	}
	return attempt, nil
}

// HasRecipient reports whether job has a usable recipient address. A
// blank or whitespace-only address counts as missing.
func HasRecipient(job *db.EmailJob) bool {
	return job.RecipientEmail != nil && strings.TrimSpace(*job.RecipientEmail) != ""
}
