package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestNotifyDelivers(t *testing.T) {
	var gotPath string
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := url.ParseQuery(readAll(t, r))
		gotText = body.Get("text")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	n := New(Config{BotToken: "token123", ChatID: "42"})
	n.baseURL = srv.URL

	n.Notify(context.Background(), "Payout crash", "hash 0xabc")

	if gotPath != "/bottoken123/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotText, "Payout crash") || !strings.Contains(gotText, "0xabc") {
		t.Errorf("text = %q", gotText)
	}
}

func TestNotifyUnconfiguredOnlyLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unconfigured notifier must not call out")
	}))
	defer srv.Close()

	n := New(Config{})
	n.baseURL = srv.URL
	n.Notify(context.Background(), "title", "body")
}

func TestNotifyNilNotifier(t *testing.T) {
	var n *Notifier
	n.Notify(context.Background(), "title", "body") // must log, not panic
}

func readAll(t *testing.T, r *http.Request) string {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(data)
}
