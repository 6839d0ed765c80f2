package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newline", "aaaa\nbbbbbb", 8, []string{"aaaa", "bbbbbb"}},
		{"runes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		got := splitText(tt.in, tt.limit)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Fatalf("%s: splitText = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSendPostsToChat(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		chats []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		chats = append(chats, fmt.Sprint(body["chat_id"]))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	}))
	defer srv.Close()

	m, err := New(Config{Token: "t0k", APIURL: srv.URL, OperatorChatID: 99}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := m.Send(ctx, domain.Contact{ID: "c1", Address: "42"}, "your parcel STC1 is on its way"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.SendOps(ctx, "slip STC2 failed"); err != nil {
		t.Fatalf("SendOps: %v", err)
	}
	if err := m.Send(ctx, domain.Contact{ID: "c2", Phone: "+91 not a chat"}, "x"); err == nil {
		t.Fatal("contact without chat id should fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(chats, ",") != "42,99" {
		t.Fatalf("chats = %v", chats)
	}
}
