package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/auth"
	"github.com/lalithlochan/herald/internal/db"
)

func seedInbox(ts *testServer, userID int64, n int) {
	for i := 1; i <= n; i++ {
		ts.store.items[userID] = append(ts.store.items[userID], db.BellInboxItem{
			ID:        int64(i),
			MessageID: int64(100 + i),
			UserID:    userID,
			Title:     "Entry approved",
			CreatedAt: time.Now(),
		})
	}
}

func TestListBell(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		expectedTake int
	}{
		{"default take", "", 20},
		{"explicit take", "?take=5", 5},
		{"clamped to max", "?take=500", 100},
		{"invalid falls back", "?take=abc", 20},
		{"negative falls back", "?take=-3", 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 7)
			seedInbox(ts, 7, 3)

			rec := ts.do("GET", "/v1/notifications/bell"+tt.query, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if ts.store.take != tt.expectedTake {
				t.Errorf("take = %d, want %d", ts.store.take, tt.expectedTake)
			}

			var resp struct {
				Data  []db.BellInboxItem `json:"data"`
				Take  int                `json:"take"`
				Count int                `json:"count"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Count != 3 || len(resp.Data) != 3 || resp.Take != tt.expectedTake {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestListBell_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t, 7)

	rec := ts.do("GET", "/v1/notifications/bell", nil)
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestListBell_OnlyCallersItems(t *testing.T) {
	ts := newTestServer(t, 7)
	seedInbox(ts, 8, 2)

	rec := ts.do("GET", "/v1/notifications/bell", nil)
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	ts := newTestServer(t, 7)
	seedInbox(ts, 7, 3)

	unread := func() int {
		rec := ts.do("GET", "/v1/notifications/bell/unread-count", nil)
		var resp map[string]int
		_ = json.NewDecoder(rec.Body).Decode(&resp)
		return resp["unread"]
	}

	if n := unread(); n != 3 {
		t.Fatalf("unread = %d, want 3", n)
	}

	if rec := ts.do("POST", "/v1/notifications/bell/2/read", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("mark read status = %d", rec.Code)
	}
	// idempotent
	if rec := ts.do("POST", "/v1/notifications/bell/2/read", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("second mark read status = %d", rec.Code)
	}
	if n := unread(); n != 2 {
		t.Errorf("unread = %d, want 2", n)
	}

	rec := ts.do("POST", "/v1/notifications/bell/read-all", nil)
	var resp map[string]int64
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp["updated"] != 2 {
		t.Errorf("updated = %d, want 2", resp["updated"])
	}
	if n := unread(); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
}

func TestMarkRead_Errors(t *testing.T) {
	ts := newTestServer(t, 7)
	seedInbox(ts, 8, 1)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{"unknown item", "/v1/notifications/bell/42/read", http.StatusNotFound},
		{"someone else's item", "/v1/notifications/bell/1/read", http.StatusNotFound},
		{"non numeric id", "/v1/notifications/bell/abc/read", http.StatusBadRequest},
		{"zero id", "/v1/notifications/bell/0/read", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do("POST", tt.path, nil); rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
		})
	}
}

func TestStream(t *testing.T) {
	ts := newTestServer(t, 7)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/v1/notifications/stream?access_token="+ts.token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		_, _ = reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	if got := readEvent(); got != `data: {"message":"connected"}` {
		t.Fatalf("first event = %q", got)
	}
	if n := ts.registry.ConnectionCount(7); n != 1 {
		t.Fatalf("connections = %d", n)
	}

	if err := ts.registry.PushToUser(context.Background(), 7, `{"inboxId":1}`); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := readEvent(); got != `data: {"inboxId":1}` {
		t.Errorf("pushed event = %q", got)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for ts.registry.ConnectionCount(7) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := ts.registry.ConnectionCount(7); n != 0 {
		t.Errorf("connection not removed, count = %d", n)
	}
}

func TestStream_DisabledWithoutRegistry(t *testing.T) {
	verifier := auth.NewVerifier(testSecret)
	token, _ := verifier.NewToken(7, time.Hour)
	h := NewHandler(zap.NewNop(), &mockNotifier{}, newMockStore())
	router := NewRouter(h, RouterConfig{Authenticator: verifier}, zap.NewNop())

	req := httptest.NewRequest("GET", "/v1/notifications/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStream_EndsOnServerShutdown(t *testing.T) {
	ts := newTestServer(t, 7)
	srv := httptest.NewUnstartedServer(ts.router)
	srv.Config.RegisterOnShutdown(ts.registry.Close)
	srv.Start()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/notifications/stream?access_token=" + ts.token)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != `data: {"message":"connected"}` {
		t.Fatalf("first line = %q, %v", line, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v after %v", err, time.Since(start))
	}
	if n := ts.registry.ConnectionCount(7); n != 0 {
		t.Errorf("connections after shutdown = %d", n)
	}
}
