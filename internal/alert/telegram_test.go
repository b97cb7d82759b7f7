package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTelegramNotifierPostsMessage(t *testing.T) {
	var gotPath string
	var gotBody telegramSendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(true, "token", "42", srv.URL+"/", time.Second)
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("path = %q, want /bottoken/sendMessage", gotPath)
	}
	if gotBody.ChatID != "42" || gotBody.Text != "hello" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestTelegramNotifierReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(true, "token", "42", srv.URL, time.Second)
	err := n.Notify(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Notify() error = %v, want api error", err)
	}
}

func TestTelegramNotifierDisabledIsNoop(t *testing.T) {
	n := NewTelegramNotifier(false, "", "", "http://127.0.0.1:1", time.Second)
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
}
