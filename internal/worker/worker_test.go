package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/email"
	"github.com/lalithlochan/herald/internal/render"
)

type mockRepo struct {
	mu        sync.Mutex
	due       []*db.EmailJob
	claimErr  error
	commitErr error
	limit     int
	lease     time.Duration
	committed [][]db.DeliveryOutcome
}

func (m *mockRepo) ClaimDueEmails(ctx context.Context, limit int, lease time.Duration) ([]*db.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit, m.lease = limit, lease
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	n := min(limit, len(m.due))
	jobs := m.due[:n]
	m.due = m.due[n:]
	return jobs, nil
}

func (m *mockRepo) CompleteBatch(ctx context.Context, outcomes []db.DeliveryOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = append(m.committed, outcomes)
	return nil
}

type mockSender struct {
	mu   sync.Mutex
	err  error
	sent []email.SendRequest
}

func (s *mockSender) Send(ctx context.Context, req email.SendRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return "", s.err
}

func (s *mockSender) Name() string { return "mock" }

func strPtr(s string) *string { return &s }
func int64Ptr(n int64) *int64 { return &n }

func newJob(id int64, to, body string) *db.EmailJob {
	return &db.EmailJob{
		MessageID:      id,
		RecipientEmail: strPtr(to),
		TemplateID:     int64Ptr(1),
		TemplateBody:   strPtr(body),
		TemplateData:   json.RawMessage(`{"otpCode":"123456"}`),
		ScheduledAt:    time.Now().Add(-time.Minute),
		LockID:         uuid.New(),
	}
}

func newTestWorker(repo *mockRepo, sender *mockSender) *Worker {
	return New(repo, delivery.New(render.New(), sender), Config{}, zap.NewNop())
}

func TestNew_Defaults(t *testing.T) {
	w := New(&mockRepo{}, nil, Config{}, zap.NewNop())

	if w.config.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v", w.config.PollInterval)
	}
	if w.config.BatchSize != 20 {
		t.Errorf("BatchSize = %d", w.config.BatchSize)
	}
	if w.config.ClaimLease != 2*time.Minute {
		t.Errorf("ClaimLease = %v", w.config.ClaimLease)
	}
}

func TestProcessBatch_SendsAndMarksSent(t *testing.T) {
	job := newJob(1, "a@b.com", "Your code is {{otpCode}}")
	job.AttemptCount = 0
	repo := &mockRepo{due: []*db.EmailJob{job}}
	sender := &mockSender{}
	w := newTestWorker(repo, sender)

	n, err := w.ProcessBatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ProcessBatch = %d, %v", n, err)
	}

	if repo.limit != 20 || repo.lease != 2*time.Minute {
		t.Errorf("claim limit/lease = %d/%v", repo.limit, repo.lease)
	}
	if len(sender.sent) != 1 || sender.sent[0].HTMLBody != "Your code is 123456" {
		t.Fatalf("sent = %+v", sender.sent)
	}

	o := repo.committed[0][0]
	if o.Status != db.StatusSent || o.SentAt == nil || o.LastError != nil {
		t.Errorf("outcome = %+v", o)
	}
	if o.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", o.AttemptCount)
	}
	if o.LockID != job.LockID {
		t.Error("outcome must carry the claim's lock id")
	}
	if o.Attempt == nil || o.Attempt.Result != db.AttemptSucceeded {
		t.Errorf("attempt = %+v", o.Attempt)
	}
}

func TestProcessBatch_SendFailure(t *testing.T) {
	repo := &mockRepo{due: []*db.EmailJob{newJob(1, "a@b.com", "x")}}
	sender := &mockSender{err: errors.New("provider returned status 503")}
	w := newTestWorker(repo, sender)

	before := time.Now()
	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	o := repo.committed[0][0]
	if o.Status != db.StatusFailed {
		t.Errorf("status = %s, want failed", o.Status)
	}
	if o.LastError == nil || *o.LastError != "provider returned status 503" {
		t.Errorf("last error = %v", o.LastError)
	}
	if o.NextRetryAt == nil {
		t.Fatal("next retry not scheduled")
	}
	want := before.Add(5 * time.Minute)
	if d := o.NextRetryAt.Sub(want); d < 0 || d > 5*time.Second {
		t.Errorf("next retry = %v, want about %v", o.NextRetryAt, want)
	}
	if o.SentAt != nil {
		t.Error("sent at must stay nil on failure")
	}
	if o.Attempt == nil || o.Attempt.Result != db.AttemptFailed {
		t.Errorf("attempt = %+v", o.Attempt)
	}
}

func TestProcessBatch_FailsWithoutSending(t *testing.T) {
	noEmail := newJob(1, "", "x")
	noEmail.RecipientEmail = nil
	noEmail.AttemptCount = 2

	noTemplate := newJob(2, "a@b.com", "x")
	noTemplate.TemplateID = nil
	noTemplate.TemplateBody = nil

	blankEmail := newJob(3, " \t ", "x")

	repo := &mockRepo{due: []*db.EmailJob{noEmail, noTemplate, blankEmail}}
	sender := &mockSender{}
	w := newTestWorker(repo, sender)

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sender.sent) != 0 {
		t.Fatalf("sender called %d times", len(sender.sent))
	}

	tests := []struct {
		outcome db.DeliveryOutcome
		reason  string
		count   int
	}{
		{repo.committed[0][0], "Recipient email is null.", 3},
		{repo.committed[0][1], "Email template not resolved.", 1},
		{repo.committed[0][2], "Recipient email is null.", 1},
	}
	for _, tt := range tests {
		o := tt.outcome
		if o.Status != db.StatusFailed || o.LastError == nil || *o.LastError != tt.reason {
			t.Errorf("message %d outcome = %+v", o.MessageID, o)
		}
		if o.AttemptCount != tt.count {
			t.Errorf("message %d attempt count = %d, want %d", o.MessageID, o.AttemptCount, tt.count)
		}
		if o.NextRetryAt != nil || o.Attempt != nil {
			t.Errorf("message %d should have no retry and no attempt row", o.MessageID)
		}
	}
}

func TestProcessBatch_ScheduledOrder(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	var jobs []*db.EmailJob
	for i, to := range []string{"t1@x.com", "t2@x.com", "t3@x.com"} {
		j := newJob(int64(i+1), to, "x")
		j.ScheduledAt = base.Add(time.Duration(i) * time.Minute)
		jobs = append(jobs, j)
	}

	repo := &mockRepo{due: jobs}
	sender := &mockSender{}
	w := newTestWorker(repo, sender)

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i, want := range []string{"t1@x.com", "t2@x.com", "t3@x.com"} {
		if sender.sent[i].ToEmail != want {
			t.Errorf("send %d went to %s, want %s", i, sender.sent[i].ToEmail, want)
		}
	}
	if len(repo.committed) != 1 || len(repo.committed[0]) != 3 {
		t.Errorf("expected one commit of 3 outcomes, got %v", repo.committed)
	}
}

func TestProcessBatch_Empty(t *testing.T) {
	repo := &mockRepo{}
	w := newTestWorker(repo, &mockSender{})

	n, err := w.ProcessBatch(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("ProcessBatch = %d, %v", n, err)
	}
	if len(repo.committed) != 0 {
		t.Error("nothing should be committed for an empty batch")
	}
}

func TestProcessBatch_Errors(t *testing.T) {
	t.Run("claim", func(t *testing.T) {
		w := newTestWorker(&mockRepo{claimErr: errors.New("db down")}, &mockSender{})
		if _, err := w.ProcessBatch(context.Background()); err == nil {
			t.Error("expected claim error")
		}
	})

	t.Run("commit", func(t *testing.T) {
		repo := &mockRepo{due: []*db.EmailJob{newJob(1, "a@b.com", "x")}, commitErr: errors.New("tx aborted")}
		w := newTestWorker(repo, &mockSender{})
		if _, err := w.ProcessBatch(context.Background()); err == nil {
			t.Error("expected commit error")
		}
	})
}

func TestStart_StopsOnCancel(t *testing.T) {
	repo := &mockRepo{due: []*db.EmailJob{newJob(1, "a@b.com", "x")}}
	sender := &mockSender{}
	w := New(repo, delivery.New(render.New(), sender), Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		repo.mu.Lock()
		n := len(repo.committed)
		repo.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.committed) != 1 {
		t.Errorf("commits = %d, want 1", len(repo.committed))
	}
}
