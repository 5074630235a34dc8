package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// newTestRepo connects to DATABASE_URL, applies the schema migration inside
// a throwaway schema and returns a repository bound to it.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("herald_test_%d", time.Now().UnixNano())

	admin, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(admin.Close)

	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	migration, err := os.ReadFile("../../migrations/0001_notifications.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(migration), pgx.QueryExecModeSimpleProtocol); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	return NewRepository(&DB{pool: pool, logger: zap.NewNop()}, zap.NewNop())
}

func mustExec(t *testing.T, r *Repository, sql string, args ...any) {
	t.Helper()
	if _, err := r.db.Pool().Exec(context.Background(), sql, args...); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

func insertTemplate(t *testing.T, r *Repository, channel Channel, categoryID int, key string, version int, active bool) int64 {
	t.Helper()
	var id int64
	err := r.db.Pool().QueryRow(context.Background(), `
		INSERT INTO notification_templates (channel_id, category_id, template_key, version, subject, body, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING template_id
	`, channel, categoryID, key, version, fmt.Sprintf("v%d", version), fmt.Sprintf("<p>v%d</p>", version), active).Scan(&id)
	if err != nil {
		t.Fatalf("insert template: %v", err)
	}
	return id
}

// enqueue writes a pending email and moves its scheduled_at to NOW()+offset.
func enqueue(t *testing.T, r *Repository, templateID int64, categoryID int, to string, offset time.Duration) int64 {
	t.Helper()
	id, err := r.CreateEmailMessage(context.Background(), EmailEnqueue{
		TemplateID:   templateID,
		TemplateKey:  "User.PasswordReset",
		CategoryID:   categoryID,
		UserID:       1,
		Email:        to,
		TargetKey:    "E:" + to,
		TemplateData: json.RawMessage(`{"otpCode":"123456"}`),
		ScheduledAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateEmailMessage: %v", err)
	}
	mustExec(t, r, `UPDATE notification_messages SET scheduled_at = NOW() + make_interval(secs => $2) WHERE message_id = $1`,
		id, offset.Seconds())
	return id
}

func emailFixture(t *testing.T, r *Repository) (int64, int) {
	t.Helper()
	categoryID, err := r.UpsertCategory(context.Background(), "Account", false)
	if err != nil {
		t.Fatalf("UpsertCategory: %v", err)
	}
	return insertTemplate(t, r, ChannelEmail, categoryID, "User.PasswordReset", 1, true), categoryID
}

type messageRow struct {
	status     MessageStatus
	lockID     *uuid.UUID
	attempts   int
	providerID *string
	lastError  *string
}

func loadMessage(t *testing.T, r *Repository, id int64) messageRow {
	t.Helper()
	var m messageRow
	err := r.db.Pool().QueryRow(context.Background(), `
		SELECT status, lock_id, attempt_count, provider_message_id, last_error
		FROM notification_messages WHERE message_id = $1
	`, id).Scan(&m.status, &m.lockID, &m.attempts, &m.providerID, &m.lastError)
	if err != nil {
		t.Fatalf("load message %d: %v", id, err)
	}
	return m
}

func countAttempts(t *testing.T, r *Repository, id int64) int {
	t.Helper()
	var n int
	err := r.db.Pool().QueryRow(context.Background(),
		`SELECT COUNT(*) FROM notification_attempts WHERE message_id = $1`, id).Scan(&n)
	if err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	return n
}

func TestActiveTemplate_HighestActiveVersion(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	categoryID, err := r.UpsertCategory(ctx, "Account", false)
	if err != nil {
		t.Fatal(err)
	}
	insertTemplate(t, r, ChannelEmail, categoryID, "User.PasswordReset", 1, true)
	v2 := insertTemplate(t, r, ChannelEmail, categoryID, "User.PasswordReset", 2, true)
	insertTemplate(t, r, ChannelEmail, categoryID, "User.PasswordReset", 3, false)
	insertTemplate(t, r, ChannelBell, categoryID, "User.PasswordReset", 9, true)

	tmpl, err := r.ActiveTemplate(ctx, ChannelEmail, "User.PasswordReset")
	if err != nil {
		t.Fatalf("ActiveTemplate: %v", err)
	}
	if tmpl.ID != v2 || tmpl.Version != 2 {
		t.Errorf("resolved template %d v%d, want %d v2", tmpl.ID, tmpl.Version, v2)
	}

	insertTemplate(t, r, ChannelEmail, categoryID, "Only.Inactive", 1, false)
	for _, key := range []string{"Only.Inactive", "Missing.Key"} {
		if _, err := r.ActiveTemplate(ctx, ChannelEmail, key); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", key, err)
		}
	}
}

func TestClaimDueEmails_SelectsDueRowsOldestFirst(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	templateID, categoryID := emailFixture(t, r)

	newest := enqueue(t, r, templateID, categoryID, "newest@x.com", -1*time.Minute)
	oldest := enqueue(t, r, templateID, categoryID, "oldest@x.com", -3*time.Minute)
	middle := enqueue(t, r, templateID, categoryID, "middle@x.com", -2*time.Minute)

	future := enqueue(t, r, templateID, categoryID, "future@x.com", time.Hour)

	failed := enqueue(t, r, templateID, categoryID, "failed@x.com", -10*time.Minute)
	mustExec(t, r, `UPDATE notification_messages SET status = $2 WHERE message_id = $1`, failed, StatusFailed)

	retryLater := enqueue(t, r, templateID, categoryID, "later@x.com", -10*time.Minute)
	mustExec(t, r, `UPDATE notification_messages SET next_retry_at = NOW() + interval '1 hour' WHERE message_id = $1`, retryLater)

	retryDue := enqueue(t, r, templateID, categoryID, "due@x.com", -4*time.Minute)
	mustExec(t, r, `UPDATE notification_messages SET next_retry_at = NOW() - interval '1 second' WHERE message_id = $1`, retryDue)

	liveLease := enqueue(t, r, templateID, categoryID, "live@x.com", -10*time.Minute)
	mustExec(t, r, `UPDATE notification_messages SET status = $2, lock_id = $3, locked_until = NOW() + interval '1 hour' WHERE message_id = $1`,
		liveLease, StatusProcessing, uuid.New())

	expired := enqueue(t, r, templateID, categoryID, "expired@x.com", -5*time.Minute)
	mustExec(t, r, `UPDATE notification_messages SET status = $2, lock_id = $3, locked_until = NOW() - interval '1 second' WHERE message_id = $1`,
		expired, StatusProcessing, uuid.New())

	jobs, err := r.ClaimDueEmails(ctx, 100, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDueEmails: %v", err)
	}

	var got []int64
	for _, j := range jobs {
		got = append(got, j.MessageID)
	}
	want := []int64{expired, retryDue, oldest, middle, newest}
	if !slices.Equal(got, want) {
		t.Fatalf("claimed %v, want %v", got, want)
	}

	lockID := jobs[0].LockID
	for _, j := range jobs {
		if j.LockID != lockID || j.LockID == uuid.Nil {
			t.Errorf("message %d lock id = %s, want shared %s", j.MessageID, j.LockID, lockID)
		}
		row := loadMessage(t, r, j.MessageID)
		if row.status != StatusProcessing || row.lockID == nil || *row.lockID != lockID {
			t.Errorf("message %d row = %+v", j.MessageID, row)
		}
	}

	for _, id := range []int64{future, failed, retryLater, liveLease} {
		if slices.Contains(got, id) {
			t.Errorf("message %d should not be claimed", id)
		}
	}
	if row := loadMessage(t, r, failed); row.status != StatusFailed {
		t.Errorf("failed row status = %d", row.status)
	}

	again, err := r.ClaimDueEmails(ctx, 100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second pass claimed %d rows under live leases", len(again))
	}
}

func TestClaimDueEmails_RespectsLimit(t *testing.T) {
	r := newTestRepo(t)
	templateID, categoryID := emailFixture(t, r)

	first := enqueue(t, r, templateID, categoryID, "a@x.com", -3*time.Minute)
	second := enqueue(t, r, templateID, categoryID, "b@x.com", -2*time.Minute)
	enqueue(t, r, templateID, categoryID, "c@x.com", -1*time.Minute)

	jobs, err := r.ClaimDueEmails(context.Background(), 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].MessageID != first || jobs[1].MessageID != second {
		t.Fatalf("claimed %+v", jobs)
	}
	if jobs[0].RecipientEmail == nil || *jobs[0].RecipientEmail != "a@x.com" {
		t.Errorf("recipient = %v", jobs[0].RecipientEmail)
	}
	if jobs[0].TemplateBody == nil || *jobs[0].TemplateBody != "<p>v1</p>" {
		t.Errorf("template body = %v", jobs[0].TemplateBody)
	}
}

func TestCompleteBatch_RequiresMatchingLock(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	templateID, categoryID := emailFixture(t, r)

	id := enqueue(t, r, templateID, categoryID, "a@x.com", -time.Minute)
	jobs, err := r.ClaimDueEmails(ctx, 10, time.Minute)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim = %v, %v", jobs, err)
	}

	now := time.Now().UTC()
	providerID := "prov-1"
	attempt := &Attempt{
		AttemptNo:         1,
		StartedAt:         now,
		EndedAt:           &now,
		Result:            AttemptSucceeded,
		Provider:          "sendgrid",
		ProviderMessageID: &providerID,
	}

	stale := DeliveryOutcome{
		MessageID:    id,
		LockID:       uuid.New(),
		Status:       StatusSent,
		AttemptCount: 1,
		SentAt:       &now,
		Attempt:      attempt,
	}
	if err := r.CompleteBatch(ctx, []DeliveryOutcome{stale}); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	if row := loadMessage(t, r, id); row.status != StatusProcessing || row.attempts != 0 {
		t.Fatalf("stale lock changed the row: %+v", row)
	}
	if n := countAttempts(t, r, id); n != 0 {
		t.Fatalf("stale lock wrote %d attempts", n)
	}

	owned := stale
	owned.LockID = jobs[0].LockID
	if err := r.CompleteBatch(ctx, []DeliveryOutcome{owned}); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}

	row := loadMessage(t, r, id)
	if row.status != StatusSent || row.attempts != 1 || row.lockID != nil {
		t.Errorf("row = %+v", row)
	}
	if row.providerID == nil || *row.providerID != "prov-1" {
		t.Errorf("provider message id = %v", row.providerID)
	}
	if n := countAttempts(t, r, id); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestClaimMessage(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	templateID, categoryID := emailFixture(t, r)

	pending := enqueue(t, r, templateID, categoryID, "a@x.com", -time.Minute)
	failed := enqueue(t, r, templateID, categoryID, "b@x.com", -time.Minute)
	mustExec(t, r, `UPDATE notification_messages SET status = $2 WHERE message_id = $1`, failed, StatusFailed)
	sent := enqueue(t, r, templateID, categoryID, "c@x.com", -time.Minute)
	mustExec(t, r, `UPDATE notification_messages SET status = $2 WHERE message_id = $1`, sent, StatusSent)

	tests := []struct {
		name string
		id   int64
		want bool
	}{
		{"pending", pending, true},
		{"pending under live claim", pending, false},
		{"failed", failed, true},
		{"sent", sent, false},
		{"missing", 999999, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lockID, ok, err := r.ClaimMessage(ctx, tt.id, time.Minute)
			if err != nil {
				t.Fatalf("ClaimMessage: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("claimed = %v, want %v", ok, tt.want)
			}
			if ok {
				row := loadMessage(t, r, tt.id)
				if row.status != StatusProcessing || row.lockID == nil || *row.lockID != lockID {
					t.Errorf("row = %+v", row)
				}
			}
		})
	}

	mustExec(t, r, `UPDATE notification_messages SET locked_until = NOW() - interval '1 second' WHERE message_id = $1`, pending)
	if _, ok, err := r.ClaimMessage(ctx, pending, time.Minute); err != nil || !ok {
		t.Errorf("expired claim should be reclaimable: %v, %v", ok, err)
	}
}

func TestCreateEmailMessage_WritesOutboxRow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	templateID, categoryID := emailFixture(t, r)

	id, err := r.CreateEmailMessage(ctx, EmailEnqueue{
		TemplateID:   templateID,
		TemplateKey:  "User.PasswordReset",
		CategoryID:   categoryID,
		UserID:       1,
		Email:        "a@x.com",
		TargetKey:    "E:a@x.com",
		TemplateData: json.RawMessage(`{}`),
		ScheduledAt:  time.Now().UTC(),
		WithOutbox:   true,
	})
	if err != nil {
		t.Fatalf("CreateEmailMessage: %v", err)
	}

	var payload, key string
	err = r.db.Pool().QueryRow(ctx, `
		SELECT payload_json::text, idempotency_key FROM notification_outbox WHERE aggregate_id = $1
	`, fmt.Sprint(id)).Scan(&payload, &key)
	if err != nil {
		t.Fatalf("load outbox row: %v", err)
	}
	if payload != fmt.Sprintf(`{"notificationMessageId": %d}`, id) {
		t.Errorf("payload = %s", payload)
	}
	if key != fmt.Sprintf("EmailNotification:%d", id) {
		t.Errorf("idempotency key = %s", key)
	}
}
