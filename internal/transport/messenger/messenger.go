package messenger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	kit "ankibot/internal/transport"
	logx "ankibot/pkg/logx"
)

const (
	defaultBaseURL = "https://graph.facebook.com"
	textLimit      = 2000
)

var ErrBadSignature = errors.New("messenger: bad webhook signature")

type Config struct {
	PageAccessToken string
	VerifyToken     string
	AppSecret       string
	GraphVersion    string
	Timeout         time.Duration
	// BaseURL overrides the Graph endpoint (tests).
	BaseURL string
}

// Client sends messages through the Messenger Send API and parses
// incoming page webhooks.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.PageAccessToken) == "" {
		return nil, errors.New("messenger page access token is empty")
	}
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = "v17.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "messenger")),
	}, nil
}

func (c *Client) Channel() string { return kit.Messenger }

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message sendMessage `json:"message"`
}

type sendMessage struct {
	Text       string      `json:"text,omitempty"`
	Attachment *attachment `json:"attachment,omitempty"`
}

type attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL        string `json:"url"`
		IsReusable bool   `json:"is_reusable"`
	} `json:"payload"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send implements transport.Dispatcher. Messenger has no caption support,
// so an image goes out as an attachment followed by the text.
func (c *Client) Send(ctx context.Context, to kit.Recipient, msg kit.Message) error {
	if strings.TrimSpace(to.ChatID) == "" {
		return errors.New("messenger: empty recipient")
	}
	if msg.ImageURL != "" {
		a := &attachment{Type: "image"}
		a.Payload.URL = msg.ImageURL
		a.Payload.IsReusable = true
		if err := c.post(ctx, to.ChatID, sendMessage{Attachment: a}); err != nil {
			return err
		}
	}
	text := msg.Plain
	if text == "" {
		text = stripMarkdown(msg.Text, msg.Markdown)
	}
	if text == "" {
		return nil
	}
	for _, chunk := range chunkRunes(text, textLimit) {
		if err := c.post(ctx, to.ChatID, sendMessage{Text: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, psid string, m sendMessage) error {
	var body sendRequest
	body.Recipient.ID = psid
	body.Message = m
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/%s/me/messages?access_token=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.GraphVersion, url.QueryEscape(c.cfg.PageAccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var ge graphError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ge)
	if ge.Error.Message != "" {
		return fmt.Errorf("messenger send failed: %s (code=%d http=%d)", ge.Error.Message, ge.Error.Code, resp.StatusCode)
	}
	return fmt.Errorf("messenger send failed: http=%d", resp.StatusCode)
}

// Verify answers the webhook subscription handshake. It returns the
// challenge to echo and whether the request is accepted.
func (c *Client) Verify(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || c.cfg.VerifyToken == "" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(c.cfg.VerifyToken)) {
		return "", false
	}
	return challenge, true
}

// CheckSignature validates X-Hub-Signature-256 when an app secret is set.
func (c *Client) CheckSignature(header string, body []byte) error {
	if c.cfg.AppSecret == "" {
		return nil
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.AppSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}

type webhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message *struct {
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
			Postback *struct {
				Title   string `json:"title"`
				Payload string `json:"payload"`
			} `json:"postback"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseWebhook extracts text messages and postbacks from a page webhook
// body. Echoes and delivery receipts are skipped.
func ParseWebhook(body []byte) ([]kit.Update, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, err
	}
	if wb.Object != "page" {
		return nil, fmt.Errorf("messenger: unexpected object %q", wb.Object)
	}
	var out []kit.Update
	for _, e := range wb.Entry {
		for _, ev := range e.Messaging {
			if ev.Sender.ID == "" {
				continue
			}
			var text string
			switch {
			case ev.Message != nil && !ev.Message.IsEcho:
				text = ev.Message.Text
			case ev.Postback != nil:
				text = ev.Postback.Payload
			default:
				continue
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			out = append(out, kit.Update{
				From: kit.Recipient{Channel: kit.Messenger, ChatID: ev.Sender.ID},
				Text: text,
			})
		}
	}
	return out, nil
}

// stripMarkdown removes the emphasis markers Telegram-style text uses,
// since Messenger renders them literally. Backslash escapes keep the
// escaped character.
func stripMarkdown(s string, markdown bool) string {
	if !markdown {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*' || r == '_' || r == '`':
		default:
			b.WriteRune(r)
		}
	}
	if escaped {
		b.WriteByte('\\')
	}
	return b.String()
}

func chunkRunes(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		n := min(limit, len(rs))
		out = append(out, string(rs[:n]))
		rs = rs[n:]
	}
	return out
}
