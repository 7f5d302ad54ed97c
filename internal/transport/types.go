package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Channel names.
const (
	Telegram  = "telegram"
	Messenger = "messenger"
)

var ErrNoDispatcher = errors.New("no dispatcher for channel")

// Recipient identifies a chat on one channel. ChatID is opaque to callers.
type Recipient struct {
	Channel string
	ChatID  string
}

func (r Recipient) String() string { return r.Channel + ":" + r.ChatID }

// Message is what gets delivered. When ImageURL is set the text becomes the
// image caption.
type Message struct {
	Text     string
	ImageURL string
	// Markdown enables the channel's lightweight markup, where supported.
	Markdown bool
	// Plain is Text without markup, for channels that render Markdown
	// literally. Empty means derive it from Text.
	Plain string
}

// Dispatcher sends one message to one recipient.
type Dispatcher interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, to Recipient, msg Message) error

func (f DispatchFunc) Send(ctx context.Context, to Recipient, msg Message) error {
	return f(ctx, to, msg)
}

// Update is an incoming chat message, normalised across channels.
type Update struct {
	From     Recipient
	Name     string
	Username string
	Text     string
}

// Command returns the bot command ("/start" -> "start") and its arguments.
// ok is false for plain text. A "@botname" suffix is dropped.
func (u Update) Command() (cmd, args string, ok bool) {
	s := strings.TrimSpace(u.Text)
	if !strings.HasPrefix(s, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(s[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest), head != ""
}

// UpdateHandler consumes updates. Adapters call it from their own goroutines.
type UpdateHandler func(ctx context.Context, up Update)

// Router dispatches by Recipient.Channel.
type Router struct {
	mu sync.RWMutex
	by map[string]Dispatcher
}

func NewRouter() *Router {
	return &Router{by: map[string]Dispatcher{}}
}

// Register binds channel to d, replacing any previous binding. A nil d
// unbinds the channel.
func (r *Router) Register(channel string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d == nil {
		delete(r.by, channel)
		return
	}
	r.by[channel] = d
}

func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.by))
	for ch := range r.by {
		out = append(out, ch)
	}
	return out
}

func (r *Router) Send(ctx context.Context, to Recipient, msg Message) error {
	r.mu.RLock()
	d := r.by[to.Channel]
	r.mu.RUnlock()
	if d == nil {
		return fmt.Errorf("%w: %q", ErrNoDispatcher, to.Channel)
	}
	return d.Send(ctx, to, msg)
}
