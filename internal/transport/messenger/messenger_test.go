package messenger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ankibot/internal/broadcast"
	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
	logx "ankibot/pkg/logx"
)

func TestSendImageThenText(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []sendRequest
		paths  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b sendRequest
		_ = json.NewDecoder(r.Body).Decode(&b)
		mu.Lock()
		bodies = append(bodies, b)
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"recipient_id":"1","message_id":"m"}`))
	}))
	defer srv.Close()

	c, err := New(Config{PageAccessToken: "tok", BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	msg := kit.Message{Text: "*run*: chạy", ImageURL: "https://example.com/a.png", Markdown: true}
	if err := c.Send(context.Background(), kit.Recipient{Channel: kit.Messenger, ChatID: "psid"}, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("requests = %d, want 2", len(bodies))
	}
	if bodies[0].Message.Attachment == nil || bodies[0].Message.Attachment.Payload.URL != msg.ImageURL {
		t.Fatalf("first request = %+v", bodies[0])
	}
	if bodies[1].Message.Text != "run: chạy" || bodies[1].Recipient.ID != "psid" {
		t.Fatalf("second request = %+v", bodies[1])
	}
	if !strings.HasPrefix(paths[0], "/v17.0/me/messages?access_token=tok") {
		t.Fatalf("path = %q", paths[0])
	}
}

func TestSendGraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"No matching user found","type":"OAuthException","code":100}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{PageAccessToken: "tok", BaseURL: srv.URL}, logx.Nop())
	err := c.Send(context.Background(), kit.Recipient{Channel: kit.Messenger, ChatID: "x"}, kit.Message{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "No matching user found") {
		t.Fatalf("err = %v", err)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	c, _ := New(Config{PageAccessToken: "tok", VerifyToken: "secret"}, logx.Nop())
	if got, ok := c.Verify("subscribe", "secret", "CHALLENGE"); !ok || got != "CHALLENGE" {
		t.Fatalf("Verify = %q %v", got, ok)
	}
	if _, ok := c.Verify("subscribe", "wrong", "x"); ok {
		t.Fatalf("wrong token accepted")
	}
	if _, ok := c.Verify("unsubscribe", "secret", "x"); ok {
		t.Fatalf("wrong mode accepted")
	}
}

func TestCheckSignature(t *testing.T) {
	t.Parallel()
	body := []byte(`{"object":"page"}`)
	c, _ := New(Config{PageAccessToken: "tok", AppSecret: "app"}, logx.Nop())
	mac := hmac.New(sha256.New, []byte("app"))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if err := c.CheckSignature(good, body); err != nil {
		t.Fatalf("good signature rejected: %v", err)
	}
	if err := c.CheckSignature("sha256=00", body); err == nil {
		t.Fatalf("bad signature accepted")
	}
	open, _ := New(Config{PageAccessToken: "tok"}, logx.Nop())
	if err := open.CheckSignature("", body); err != nil {
		t.Fatalf("no secret should skip check: %v", err)
	}
}

func TestParseWebhook(t *testing.T) {
	t.Parallel()
	body := []byte(`{
	  "object": "page",
	  "entry": [{
	    "messaging": [
	      {"sender": {"id": "u1"}, "message": {"text": "/card"}},
	      {"sender": {"id": "page"}, "message": {"text": "echo", "is_echo": true}},
	      {"sender": {"id": "u2"}, "postback": {"title": "Start", "payload": "/start"}},
	      {"sender": {"id": "u3"}, "delivery": {}}
	    ]
	  }]
	}`)
	ups, err := ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(ups) != 2 {
		t.Fatalf("updates = %+v", ups)
	}
	if ups[0].From.ChatID != "u1" || ups[0].Text != "/card" || ups[0].From.Channel != kit.Messenger {
		t.Fatalf("update[0] = %+v", ups[0])
	}
	if ups[1].Text != "/start" {
		t.Fatalf("update[1] = %+v", ups[1])
	}
	if _, err := ParseWebhook([]byte(`{"object":"instagram"}`)); err == nil {
		t.Fatalf("expected error for non-page object")
	}
}

func TestSendCardKeepsLiteralMarkup(t *testing.T) {
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b sendRequest
		_ = json.NewDecoder(r.Body).Decode(&b)
		texts = append(texts, b.Message.Text)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(Config{PageAccessToken: "tok", BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	msg := broadcast.CardMessage(storage.Card{Front: "snake_case", Back: "a [note] with *star*"})
	if err := c.Send(context.Background(), kit.Recipient{Channel: kit.Messenger, ChatID: "psid"}, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(texts) != 1 {
		t.Fatalf("requests = %d, want 1", len(texts))
	}
	for _, want := range []string{"🔤 snake_case\n", "a [note] with *star*"} {
		if !strings.Contains(texts[0], want) {
			t.Fatalf("text %q missing %q", texts[0], want)
		}
	}
	if strings.Contains(texts[0], `\`) {
		t.Fatalf("text %q has escapes", texts[0])
	}
}

func TestStripMarkdown(t *testing.T) {
	cases := []struct{ in, want string }{
		{"*bold* _it_ `code`", "bold it code"},
		{`snake\_case \[x] \*`, "snake_case [x] *"},
		{`trailing\`, `trailing\`},
	}
	for _, tc := range cases {
		if got := stripMarkdown(tc.in, true); got != tc.want {
			t.Fatalf("stripMarkdown(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := stripMarkdown("*as is*", false); got != "*as is*" {
		t.Fatalf("non-markdown = %q", got)
	}
}
