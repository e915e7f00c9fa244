package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rbs/internal/model"
	"rbs/internal/stats"
	logx "rbs/pkg/logx"
)

func TestSendAlertPostsToChat(t *testing.T) {
	t.Parallel()
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"group"}}}`)
	}))
	defer srv.Close()

	b, err := New(Config{Token: "t", ChatID: 42, ThreadID: 7, APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.SendAlert(context.Background(), "[ERROR] no eligible author"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	select {
	case body := <-bodies:
		if !strings.Contains(body, "42") || !strings.Contains(body, "no eligible author") {
			t.Fatalf("request body %q", body)
		}
	case <-time.After(time.Second):
		t.Fatal("no request")
	}
}

func TestNewRequiresTarget(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := New(Config{Token: "t"}, logx.Nop()); err == nil {
		t.Fatal("missing chat accepted")
	}
}

func TestFormatRound(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		round model.Round
		want  string
	}{
		{"cold", model.Round{}, "no round yet"},
		{"redacted", model.Round{ID: 3, Content: model.Tombstone, AuthorName: model.Tombstone}, "round 3: redacted"},
		{"waiting", model.Round{ID: 4, AuthorID: "ggl_a"}, "round 4: waiting for ggl_a, 2h0m0s left"},
		{"live", model.Round{ID: 5, AuthorID: "ggl_b", Content: "hi all", Upvotes: 2, Downvotes: 1}, "round 5 by ggl_b: +2 -1, 0 reports, 2h0m0s left"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatRound(tt.round, 2*time.Hour); got != tt.want {
				t.Fatalf("FormatRound = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatStats(t *testing.T) {
	t.Parallel()
	out := FormatStats(stats.View{Members: 10, Banned: 1, RoundID: 7, RemainingSeconds: 90})
	if !strings.Contains(out, "members 10 (banned 1)") || !strings.Contains(out, "round 7, 1m30s left") {
		t.Fatalf("FormatStats = %q", out)
	}
}
